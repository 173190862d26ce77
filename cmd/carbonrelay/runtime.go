package main

import (
	"context"
	"runtime"
	"time"

	"github.com/jkbrsn/carbonrelay"
)

const (
	groupMemory  = "memory"
	groupGC      = "gc"
	groupRuntime = "runtime"
)

// sampleRuntime records the current Go runtime statistics of the relay process into reg.
func sampleRuntime(reg *carbonrelay.Registry) {
	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)

	reg.Set(groupMemory, "heap-alloc-bytes", float64(stats.HeapAlloc))
	reg.Set(groupMemory, "heap-inuse-bytes", float64(stats.HeapInuse))
	reg.Set(groupMemory, "heap-objects", float64(stats.HeapObjects))
	reg.Set(groupMemory, "sys-bytes", float64(stats.Sys))
	reg.Set(groupMemory, "total-alloc-bytes", float64(stats.TotalAlloc))

	reg.Set(groupGC, "num-gc", float64(stats.NumGC))
	reg.Set(groupGC, "pause-total-ms", float64(stats.PauseTotalNs)/float64(time.Millisecond))
	reg.Set(groupGC, "cpu-fraction", stats.GCCPUFraction)

	reg.Set(groupRuntime, "goroutines", float64(runtime.NumGoroutine()))
	reg.Set(groupRuntime, "cgo-calls", float64(runtime.NumCgoCall()))
}

// sampleLoop refreshes reg every interval until ctx is done.
func sampleLoop(ctx context.Context, reg *carbonrelay.Registry, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			sampleRuntime(reg)
		case <-ctx.Done():
			return
		}
	}
}
