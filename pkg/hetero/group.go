package hetero

import "github.com/mosaicrt/mosaic/internal/sched"

// Group aggregates tasks for bulk cancellation and completion waiting.
// Groups form a lattice: Merge yields the intersection group, cached so
// the same operands always return the same object.
type Group struct {
	rt *Runtime
	g  *sched.Group
}

// NewGroup allocates a leaf group. At most 64 leaf groups may be live
// per runtime; release unused ones.
func (r *Runtime) NewGroup(name string) *Group {
	return &Group{rt: r, g: r.s.NewGroup(name)}
}

// Merge returns the meet of a and b: a task launched into it counts
// toward both. Idempotent and commutative; the result is cached.
func (r *Runtime) Merge(a, b *Group) *Group {
	m := r.s.Meet(a.g, b.g)
	if m == a.g {
		return a
	}
	if m == b.g {
		return b
	}
	return &Group{rt: r, g: m}
}

// ReleaseGroup returns a leaf group's id to the pool. The group must be
// empty and never used again.
func (r *Runtime) ReleaseGroup(g *Group) { r.s.ReleaseGroup(g.g) }

// Name returns the name given at creation (merged groups join names
// with '&').
func (g *Group) Name() string { return g.g.Name() }

// Cancel marks the group and every descendant meet canceled. Running
// tasks observe it at their next AbortOnCancel.
func (g *Group) Cancel() { g.g.Cancel() }

// Canceled reports whether the group has been canceled.
func (g *Group) Canceled() bool { return g.g.Canceled() }

// IsAncestorOf reports the lattice ordering between two groups.
func (g *Group) IsAncestorOf(other *Group) bool { return g.g.IsAncestorOf(other.g) }

// TaskCount is the number of outstanding tasks currently counted
// against the group.
func (g *Group) TaskCount() int64 { return g.g.TaskCount() }

// Wait blocks until every task in the group, including tasks added
// while waiting, has completed. It returns nil, the single failure, an
// aggregate of several (see IsAggregate), or ErrCanceled. Inside a task
// body prefer Ctx.WaitForGroup.
func (g *Group) Wait() error { return g.g.Wait(nil) }
