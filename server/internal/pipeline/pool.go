// SPDX-FileCopyrightText: Copyright (C) The Siegelpost Authors.
// SPDX-License-Identifier: AGPL-3.0-only

package pipeline

import (
	"github.com/siegelpost/siegelpost/core/worker"
)

// pool is a fixed set of goroutines draining a bounded job queue.  When the
// queue is full the submitting goroutine runs the job itself, so load
// shedding degrades into synchronous execution instead of unbounded memory
// growth.
type pool struct {
	worker.Worker

	jobs chan func()
}

func newPool(workers, depth int) *pool {
	if workers < 1 {
		workers = 1
	}
	if depth < 0 {
		depth = 0
	}
	p := &pool{
		jobs: make(chan func(), depth),
	}
	for i := 0; i < workers; i++ {
		p.Go(p.drain)
	}
	return p
}

func (p *pool) drain() {
	for {
		select {
		case <-p.HaltCh():
			// Flush accepted jobs; a submitted job always runs.
			for {
				select {
				case fn := <-p.jobs:
					fn()
				default:
					return
				}
			}
		case fn := <-p.jobs:
			fn()
		}
	}
}

// submit enqueues fn without waiting for it to run.  It returns false when
// the queue is full; the caller is expected to run fn itself, which keeps
// the number of in-flight jobs bounded by the pool size plus the caller.
func (p *pool) submit(fn func()) bool {
	select {
	case p.jobs <- fn:
		return true
	default:
		return false
	}
}

// do executes fn on the pool and blocks until it completes, running fn on
// the caller's goroutine when the queue is full.
func (p *pool) do(fn func()) {
	done := make(chan struct{})
	select {
	case p.jobs <- func() {
		defer close(done)
		fn()
	}:
	default:
		fn()
		return
	}
	select {
	case <-done:
	case <-p.HaltCh():
	}
}
