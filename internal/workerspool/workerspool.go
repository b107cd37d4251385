// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package workerspool runs tasks in goroutines with a soft limit on parallelism.
package workerspool

import (
	"runtime"
	"sync"
)

// Pool of workers. Tasks are started with Go, and Wait blocks until all of them finished.
type Pool struct {
	// maxParallelism is the limit of tasks running at the same time.
	// If 0 tasks run inline, if negative there is no limit.
	maxParallelism int

	mu         sync.Mutex
	cond       sync.Cond // Signaled whenever numRunning is decreased.
	numRunning int
	wg         sync.WaitGroup
}

// New returns a new Pool with the default parallelism (runtime.NumCPU()).
func New() *Pool {
	w := &Pool{maxParallelism: runtime.NumCPU()}
	w.cond = sync.Cond{L: &w.mu}
	return w
}

// WithMaxParallelism sets the limit of tasks running at the same time: 0 runs every task inline,
// and a negative value removes the limit. It must be set before starting any task.
func (w *Pool) WithMaxParallelism(maxParallelism int) *Pool {
	w.maxParallelism = maxParallelism
	return w
}

// MaxParallelism returns the limit of tasks running at the same time.
func (w *Pool) MaxParallelism() int {
	return w.maxParallelism
}

// Go waits until a worker is available and runs the task in it.
// If parallelism is disabled it runs the task inline and returns when it is finished.
func (w *Pool) Go(task func()) {
	if w.maxParallelism == 0 {
		task()
		return
	}
	w.wg.Add(1)
	if w.maxParallelism < 0 {
		go func() {
			defer w.wg.Done()
			task()
		}()
		return
	}

	w.mu.Lock()
	for w.numRunning >= w.maxParallelism {
		w.cond.Wait()
	}
	w.numRunning++
	w.mu.Unlock()
	go func() {
		defer w.wg.Done()
		defer func() {
			w.mu.Lock()
			w.numRunning--
			w.cond.Signal()
			w.mu.Unlock()
		}()
		task()
	}()
}

// Wait until all tasks started finished.
func (w *Pool) Wait() {
	w.wg.Wait()
}
