// SPDX-FileCopyrightText: Copyright (C) 2025 the loki-network authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package logic implements the cooperative single-threaded task queue
// and timer wheel that serialises all shared-state mutation.
package logic

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/notlesh/loki-network/core/queue"
	"github.com/notlesh/loki-network/core/worker"
)

// ErrQueueFull is returned when the job queue is at capacity.
var ErrQueueFull = errors.New("logic: job queue full")

type timerEntry struct {
	id uint64
	fn func()
}

// Logic is the single-threaded executor.  Every job and timer callback
// runs on the one worker go routine; subsystems post closures with Call
// to mutate shared state.
type Logic struct {
	sync.Mutex
	worker.Worker

	log *logging.Logger

	jobs   chan func()
	timers *queue.PriorityQueue
	wakeCh chan struct{}

	nextTimerID uint64
}

// New creates a Logic with the given job queue depth and starts its
// worker.
func New(queueSize int, log *logging.Logger) *Logic {
	l := &Logic{
		log:    log,
		jobs:   make(chan func(), queueSize),
		timers: queue.New(),
		wakeCh: make(chan struct{}, 1),
	}
	l.Go(l.run)
	return l
}

// Call posts fn onto the logic lane.  Returns ErrQueueFull when the
// queue is at capacity; fn is then not run.
func (l *Logic) Call(fn func()) error {
	select {
	case l.jobs <- fn:
		return nil
	default:
		return ErrQueueFull
	}
}

// CallLater schedules fn to run on the logic lane after delay.  The
// returned id cancels the timer via Cancel.
func (l *Logic) CallLater(delay time.Duration, fn func()) uint64 {
	id := atomic.AddUint64(&l.nextTimerID, 1)
	deadline := time.Now().Add(delay)

	l.Lock()
	l.timers.Enqueue(uint64(deadline.UnixNano()), &timerEntry{id: id, fn: fn})
	l.Unlock()

	select {
	case l.wakeCh <- struct{}{}:
	default:
	}
	return id
}

// Cancel removes a pending timer.  Returns false if it already fired or
// never existed.
func (l *Logic) Cancel(id uint64) bool {
	l.Lock()
	defer l.Unlock()

	found := false
	l.timers.FilterOnce(func(v interface{}) bool {
		if v.(*timerEntry).id == id {
			found = true
			return true
		}
		return false
	})
	return found
}

func (l *Logic) popDue(now time.Time) (*timerEntry, time.Duration) {
	l.Lock()
	defer l.Unlock()

	e := l.timers.Peek()
	if e == nil {
		return nil, 0
	}
	deadline := time.Unix(0, int64(e.Priority))
	if wait := deadline.Sub(now); wait > 0 {
		return nil, wait
	}
	return l.timers.Pop().Value.(*timerEntry), 0
}

func (l *Logic) run() {
	for {
		ent, wait := l.popDue(time.Now())
		if ent != nil {
			ent.fn()
			continue
		}

		var t *time.Timer
		var timerCh <-chan time.Time
		if wait > 0 {
			t = time.NewTimer(wait)
			timerCh = t.C
		}

		select {
		case <-l.HaltCh():
			if t != nil {
				t.Stop()
			}
			return
		case fn := <-l.jobs:
			fn()
		case <-timerCh:
		case <-l.wakeCh:
		}

		if t != nil {
			t.Stop()
		}
	}
}
