package main

// allocbench drives the CUDA buffer allocator directly, outside of any
// tensor op, to measure malloc/free latency and the allocator's active,
// cache and peak memory under a churn workload. It does not report a cache
// hit rate. Useful for tuning cache_limit/wired_limit before a
// training run rather than discovering the right values mid-run.
//
// Usage: go run cmd/allocbench/main.go --iterations 200000 --size 65536

import (
	"fmt"
	"math/rand"
	"os"
	"time"

	"github.com/northforge/goml/backend"
	"github.com/northforge/goml/backend/cuda"
	"github.com/spf13/cobra"
)

var (
	flagSize       int
	flagIterations int
	flagLive       int
	flagCacheLimit int64
	flagWiredLimit int64
	flagJitter     bool
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "allocbench",
		Short: "Benchmark the CUDA buffer allocator's cache under churn",
		Long: `allocbench repeatedly allocates and frees buffers on the default CUDA
device to exercise the buffer cache's reuse and eviction paths, reporting
per-call latency and the allocator's active, cache and peak memory.

Example:
  allocbench --iterations 200000 --size 65536 --live 256
  allocbench --iterations 50000 --jitter --cache-limit 536870912`,
		RunE: run,
	}
	cmd.Flags().IntVar(&flagSize, "size", 65536, "allocation size in bytes")
	cmd.Flags().IntVar(&flagIterations, "iterations", 100000, "number of malloc/free pairs to run")
	cmd.Flags().IntVar(&flagLive, "live", 64, "number of buffers kept live at once before being freed")
	cmd.Flags().Int64Var(&flagCacheLimit, "cache-limit", 0, "override the allocator's cache byte limit (0 = device default)")
	cmd.Flags().Int64Var(&flagWiredLimit, "wired-limit", 0, "override the allocator's wired-memory byte limit (0 = device default)")
	cmd.Flags().BoolVar(&flagJitter, "jitter", false, "vary allocation size +/-50% each call instead of using a fixed size")
	return cmd
}

func run(cmd *cobra.Command, args []string) error {
	gpu, err := backend.Get(backend.CUDA)
	if err != nil {
		return fmt.Errorf("CUDA backend unavailable: %w", err)
	}

	// Force lazy init so cache/wired overrides land before the workload.
	warm, err := gpu.Alloc(1)
	if err != nil {
		return fmt.Errorf("warmup alloc: %w", err)
	}
	gpu.Free(warm)

	if flagCacheLimit > 0 {
		if _, err := cuda.SetCacheLimit(flagCacheLimit); err != nil {
			return fmt.Errorf("set cache limit: %w", err)
		}
	}
	if flagWiredLimit > 0 {
		if _, err := cuda.SetWiredLimit(flagWiredLimit); err != nil {
			return fmt.Errorf("set wired limit: %w", err)
		}
	}

	live := make([]backend.Storage, 0, flagLive)
	var mallocTotal, freeTotal time.Duration
	var mallocCalls, freeCalls int

	start := time.Now()
	for i := 0; i < flagIterations; i++ {
		size := flagSize
		if flagJitter {
			size = flagSize/2 + rand.Intn(flagSize)
		}

		t0 := time.Now()
		s, err := gpu.Alloc(size)
		mallocTotal += time.Since(t0)
		mallocCalls++
		if err != nil {
			return fmt.Errorf("alloc at iteration %d: %w", i, err)
		}
		live = append(live, s)

		if len(live) >= flagLive {
			victim := live[0]
			live = live[1:]
			t1 := time.Now()
			gpu.Free(victim)
			freeTotal += time.Since(t1)
			freeCalls++
		}
	}
	for _, s := range live {
		t1 := time.Now()
		gpu.Free(s)
		freeTotal += time.Since(t1)
		freeCalls++
	}
	wall := time.Since(start)

	activeMem, _ := cuda.GetActiveMemory()
	cacheMem, _ := cuda.GetCacheMemory()
	peakMem, _ := cuda.GetPeakMemory()

	fmt.Printf("allocations:     %d\n", mallocCalls)
	fmt.Printf("frees:           %d\n", freeCalls)
	fmt.Printf("wall time:       %s\n", wall)
	fmt.Printf("avg malloc:      %s\n", mallocTotal/time.Duration(maxInt(mallocCalls, 1)))
	fmt.Printf("avg free:        %s\n", freeTotal/time.Duration(maxInt(freeCalls, 1)))
	fmt.Printf("active memory:   %d bytes\n", activeMem)
	fmt.Printf("cache memory:    %d bytes\n", cacheMem)
	fmt.Printf("peak memory:     %d bytes\n", peakMem)
	return nil
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
