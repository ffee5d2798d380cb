// Command mosaic-bench measures runtime primitives: task spawn and
// completion latency, parallel-for scaling across devices, and
// pipeline throughput.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"runtime"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mosaicrt/mosaic/pkg/hetero"
)

var (
	mode    = flag.String("mode", "all", "Benchmark mode: tasks, pfor, pipeline, or all")
	workers = flag.Int("workers", runtime.NumCPU(), "CPU worker pool size")
	tasks   = flag.Int("tasks", 100_000, "Task count for the tasks benchmark")
	size    = flag.Int("size", 1<<22, "Element count for the pfor benchmark")
	iters   = flag.Int("iters", 100_000, "Iteration count for the pipeline benchmark")
	verbose = flag.Bool("v", false, "Verbose runtime logging")
)

func main() {
	flag.Parse()

	rt := hetero.New(
		hetero.WithWorkers(*workers),
		hetero.WithVerbose(*verbose),
	)
	defer rt.Close()

	fmt.Printf("mosaic-bench: workers=%d dsp_threads=%d vector_width=%d\n",
		rt.Workers(), rt.DSPThreads(), rt.Host().VectorWidth())

	switch *mode {
	case "tasks":
		benchTasks(rt)
	case "pfor":
		benchPFor(rt)
	case "pipeline":
		benchPipeline(rt)
	case "all":
		benchTasks(rt)
		benchPFor(rt)
		benchPipeline(rt)
	default:
		fmt.Fprintf(os.Stderr, "unknown mode %q\n", *mode)
		os.Exit(2)
	}

	st := rt.Stats()
	fmt.Printf("\nscheduler: executed=%d canceled=%d overflow=%d compensations=%d\n",
		st.TasksExecuted, st.TasksCanceled, st.OverflowPushes, st.Compensations)
}

// benchTasks spawns empty tasks from several goroutines at once and
// reports spawn, launch and completion throughput.
func benchTasks(rt *hetero.Runtime) {
	n := *tasks
	g, _ := errgroup.WithContext(context.Background())
	producers := runtime.NumCPU()
	per := n / producers

	var done atomic.Int64
	start := time.Now()
	for p := 0; p < producers; p++ {
		g.Go(func() error {
			batch := rt.NewGroup("bench")
			for i := 0; i < per; i++ {
				t := hetero.NewVoidTask(rt, func(*hetero.Ctx) error {
					done.Add(1)
					return nil
				})
				t.LaunchInto(batch)
			}
			return batch.Wait()
		})
	}
	if err := g.Wait(); err != nil {
		log.Fatalf("tasks benchmark failed: %v", err)
	}
	el := time.Since(start)
	fmt.Printf("tasks:    %d tasks in %v (%.0f tasks/s, %v/task)\n",
		done.Load(), el.Round(time.Millisecond),
		float64(done.Load())/el.Seconds(), el/time.Duration(done.Load()))
}

// benchPFor runs the same saxpy-style kernel CPU-only, then split
// across the simulated devices, and prints the per-element cost.
func benchPFor(rt *hetero.Runtime) {
	n := *size
	x := make([]float32, n)
	for i := range x {
		x[i] = float32(i%97) * 0.5
	}
	kern := func(i int, out []float32) { out[i] = 2.5*x[i] + 1 }
	ks := hetero.KernelSet[float32]{
		CPU: hetero.NewCPUKernel("saxpy", kern),
		GPU: hetero.NewGPUKernel("saxpy", kern),
		DSP: hetero.NewDSPKernel("saxpy", kern),
	}

	run := func(label string, tuner hetero.Tuner) {
		out := hetero.NewBuffer[float32](rt, n)
		defer out.Destroy()
		start := time.Now()
		if err := hetero.PForEachHetero(rt, hetero.NewRange(0, n), out, ks, tuner); err != nil {
			log.Fatalf("pfor %s failed: %v", label, err)
		}
		el := time.Since(start)
		fmt.Printf("pfor %-14s %d elems in %v (%.1f Melem/s)\n",
			label+":", n, el.Round(time.Microsecond), float64(n)/el.Seconds()/1e6)
	}

	run("cpu", hetero.Tuner{CPULoad: 100})
	run("cpu+gpu", hetero.Tuner{CPULoad: 50, GPULoad: 50})
	run("cpu+gpu+dsp", hetero.Tuner{CPULoad: 34, GPULoad: 33, DSPLoad: 33})
	run("auto[1]", hetero.Tuner{AutoProfile: true})
	run("auto[2]", hetero.Tuner{AutoProfile: true})
}

// benchPipeline pushes tokens through a produce/transform/consume
// chain with a sliding window and reports sustained throughput.
func benchPipeline(rt *hetero.Runtime) {
	n := *iters

	var sink atomic.Int64
	p := hetero.NewPipeline[struct{}](rt)
	p.AddStage(hetero.SerialInOrder, func(sc *hetero.StageCtx[struct{}]) (any, error) {
		return sc.Iteration(), nil
	}, hetero.WithWindow(64))
	p.AddStage(hetero.Parallel, func(sc *hetero.StageCtx[struct{}]) (any, error) {
		v := sc.In().(int64)
		return v*v + 1, nil
	}, hetero.WithWindow(64), hetero.WithChunk(8))
	p.AddStage(hetero.SerialInOrder, func(sc *hetero.StageCtx[struct{}]) (any, error) {
		sink.Add(sc.In().(int64))
		return nil, nil
	}, hetero.WithChunk(8))

	start := time.Now()
	if err := p.Run(n, &struct{}{}); err != nil {
		log.Fatalf("pipeline benchmark failed: %v", err)
	}
	el := time.Since(start)
	fmt.Printf("pipeline: %d iterations in %v (%.0f iters/s, checksum %d)\n",
		n, el.Round(time.Millisecond), float64(n)/el.Seconds(), sink.Load())
}
