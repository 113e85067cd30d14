// SPDX-FileCopyrightText: Copyright (C) 2025 the loki-network authors
// SPDX-License-Identifier: AGPL-3.0-only

package outbound

import (
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/notlesh/loki-network/core/crypto"
	"github.com/notlesh/loki-network/internal/constants"
	"github.com/notlesh/loki-network/internal/debug"
	"github.com/notlesh/loki-network/internal/link"
)

type queuedMessage struct {
	data     []byte
	handler  func(link.SendResult)
	enqueued time.Time
}

// Dispatcher holds per-remote FIFO message queues, draining each as a
// session to the remote comes up.  All methods run on the logic lane.
type Dispatcher struct {
	log *logging.Logger

	// sendTo is the link layer's SendTo.
	sendTo func(remote crypto.RouterID, buf []byte, completion func(link.SendResult)) bool

	maker *SessionMaker

	queues map[crypto.RouterID][]*queuedMessage
}

// NewDispatcher creates the outbound message dispatcher.
func NewDispatcher(log *logging.Logger, sendTo func(crypto.RouterID, []byte, func(link.SendResult)) bool, maker *SessionMaker) *Dispatcher {
	return &Dispatcher{
		log:    log,
		sendTo: sendTo,
		maker:  maker,
		queues: make(map[crypto.RouterID][]*queuedMessage),
	}
}

// QueueMessage sends msg to remote, establishing a session first when
// needed.  handler fires exactly once with the outcome.
func (d *Dispatcher) QueueMessage(remote crypto.RouterID, msg []byte, now time.Time, handler func(link.SendResult)) {
	if d.sendTo(remote, msg, handler) {
		return
	}

	d.queues[remote] = append(d.queues[remote], &queuedMessage{
		data:     msg,
		handler:  handler,
		enqueued: now,
	})
	d.maker.CreateSessionTo(remote, now, d.onSessionResult)
}

func (d *Dispatcher) onSessionResult(id crypto.RouterID, result SessionResult) {
	if result == SessionEstablished {
		d.drain(id)
		return
	}
	// Failed attempt: messages stay queued until their TTL; the next
	// tick retries establishment through the maker's backoff.
	d.log.Debugf("session to %v failed (%d), %d messages queued",
		debug.RouterIDToString(id), result, len(d.queues[id]))
}

// OnSessionEstablished drains the queue for a peer that just came up.
// Wired to the link layer's established event so inbound sessions also
// release queued traffic.
func (d *Dispatcher) OnSessionEstablished(id crypto.RouterID) {
	d.drain(id)
}

func (d *Dispatcher) drain(id crypto.RouterID) {
	q := d.queues[id]
	if len(q) == 0 {
		return
	}
	delete(d.queues, id)
	for _, m := range q {
		if !d.sendTo(id, m.data, m.handler) {
			// The session died mid-drain; requeue the rest in order.
			d.queues[id] = append(d.queues[id], m)
		}
	}
}

// Backlog returns the total queued message count.
func (d *Dispatcher) Backlog() int {
	n := 0
	for _, q := range d.queues {
		n += len(q)
	}
	return n
}

// Tick expires timed out entries and retries establishment for peers
// with pending traffic.
func (d *Dispatcher) Tick(now time.Time) {
	for id, q := range d.queues {
		live := q[:0]
		for _, m := range q {
			if now.Sub(m.enqueued) > constants.MessageTTL {
				if m.handler != nil {
					m.handler(link.SendTimeout)
				}
				continue
			}
			live = append(live, m)
		}
		if len(live) == 0 {
			delete(d.queues, id)
			continue
		}
		d.queues[id] = live
		if d.maker.ShouldConnectTo(id, now) {
			d.maker.CreateSessionTo(id, now, d.onSessionResult)
		}
	}

	if backlog := d.Backlog(); backlog > constants.QueueWatermark {
		d.log.Warningf("outbound congestion: %d messages queued", backlog)
	}
}
