// Package workerpool runs a codec operation over a block table across N
// worker goroutines, partitioning blocks by index mod N so that every
// worker's output ranges are disjoint by construction.
//
// Grounded on distr1/distri's errgroup-based fan-out (internal/batch.Ctx.Build,
// cmd/distri/batch.go) but replacing its
// unordered eg.Go(...) submissions with a fixed, deterministic
// index-mod-T partition — no shared work queue, because the Squasher's
// in-place reverse pass depends on that determinism.
package workerpool

import (
	"runtime"

	"golang.org/x/sync/errgroup"
)

// Task is a pure function of (threadNo, workerCount): its side effects
// must target only byte ranges that are disjoint across all threadNo
// values, a property the caller establishes via the index-mod-T
// partition. Returning a non-nil error reports failure for that worker.
type Task func(threadNo, workerCount int) error

// Count returns the worker count this pool will use: the number of online
// CPUs, floored at 1.
func Count() int {
	n := runtime.NumCPU()
	if n < 1 {
		return 1
	}
	return n
}

// Run spawns Count() workers, each invoking task(threadNo, workerCount),
// and joins them. The pool's overall result is success iff every worker
// succeeded; the first error encountered is returned. The errgroup.Group
// carries no context, so a failing worker does not stop the others: every
// task runs to completion, and there is no per-task timeout.
func Run(task Task) error {
	workerCount := Count()
	var eg errgroup.Group
	for k := 0; k < workerCount; k++ {
		threadNo := k
		eg.Go(func() error {
			return task(threadNo, workerCount)
		})
	}
	return eg.Wait()
}
