// SPDX-FileCopyrightText: Copyright (C) 2025 the loki-network authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package diskworker implements the serial disk I/O lane used for key,
// contact, and profile persistence.
package diskworker

import (
	"gopkg.in/op/go-logging.v1"

	"github.com/notlesh/loki-network/core/worker"
)

// Worker is the disk lane.  It is always a single thread so on-disk
// state never sees concurrent writers.
type Worker struct {
	worker.Worker

	log  *logging.Logger
	jobs chan func()
}

// New creates the disk worker.
func New(log *logging.Logger) *Worker {
	w := &Worker{
		log:  log,
		jobs: make(chan func(), 256),
	}
	w.Go(w.run)
	return w
}

// AddJob enqueues a job, blocking when the lane is saturated.
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
