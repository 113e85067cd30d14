// SPDX-FileCopyrightText: Copyright (C) 2025 the loki-network authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package cryptoworker implements the CPU-bound worker pool for
// signing, verification, and frame encryption jobs.
package cryptoworker

import (
	"gopkg.in/op/go-logging.v1"

	"github.com/notlesh/loki-network/core/worker"
)

// Worker is the crypto worker pool.  Jobs must be pure CPU work and
// must finish by either firing a completion or posting a closure back
// onto the logic lane; a job must never block on a logic-lane result.
type Worker struct {
	worker.Worker

	log  *logging.Logger
	jobs chan func()
}

// New creates a pool with n threads.
func New(n int, log *logging.Logger) *Worker {
	w := &Worker{
		log:  log,
		jobs: make(chan func(), 64*n),
	}
	for i := 0; i < n; i++ {
		w.Go(w.run)
	}
	return w
}

// AddJob enqueues a job, blocking when the pool is saturated.
func (w *Worker) AddJob(fn func()) {
	select {
	case w.jobs <- fn:
	case <-w.HaltCh():
	}
}

func (w *Worker) run() {
	for {
		select {
		case <-w.HaltCh():
			return
		case fn := <-w.jobs:
			fn()
		}
	}
}
