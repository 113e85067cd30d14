// SPDX-FileCopyrightText: Copyright (C) 2025 the loki-network authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package outbound implements on-demand session establishment and the
// outbound link message dispatcher.
package outbound

import (
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/notlesh/loki-network/core/crypto"
	"github.com/notlesh/loki-network/internal/constants"
	"github.com/notlesh/loki-network/internal/debug"
	"github.com/notlesh/loki-network/rc"
)

// SessionResult is the outcome of a session establishment attempt.
type SessionResult int

const (
	// SessionEstablished means an authenticated session now exists.
	SessionEstablished SessionResult = iota

	// SessionTimeout means the handshake never completed.
	SessionTimeout

	// SessionNoRouter means no contact for the router is known.
	SessionNoRouter

	// SessionNoLink means no link layer could dial the contact.
	SessionNoLink
)

// Links is the subset of the link layer the maker drives.
type Links interface {
	TryEstablishTo(contact *rc.RouterContact, now time.Time) error
	HasSessionTo(id crypto.RouterID) bool
}

// ContactSource is the subset of the contact store the maker reads.
type ContactSource interface {
	Get(id crypto.RouterID) (*rc.RouterContact, bool)
	RandomCandidates(n int, exclude func(crypto.RouterID) bool) []*rc.RouterContact
}

type backoffEntry struct {
	until time.Time
	delay time.Duration
}

// SessionMaker establishes sessions to specific routers on demand with
// per-peer single flight and exponential backoff.  All methods run on
// the logic lane.
type SessionMaker struct {
	log *logging.Logger

	links Links
	store ContactSource

	// allowed is the network policy gate (blacklist, whitelist,
	// strict-connect for clients).
	allowed func(crypto.RouterID) bool

	// MinConnectedRouters and MaxConnectedRouters are the connection
	// targets the tick loop maintains.
	MinConnectedRouters int
	MaxConnectedRouters int

	inflight map[crypto.RouterID][]func(crypto.RouterID, SessionResult)
	backoff  map[crypto.RouterID]backoffEntry
}

// NewSessionMaker creates a session maker.
func NewSessionMaker(log *logging.Logger, links Links, store ContactSource, allowed func(crypto.RouterID) bool, minConns, maxConns int) *SessionMaker {
	return &SessionMaker{
		log:                 log,
		links:               links,
		store:               store,
		allowed:             allowed,
		MinConnectedRouters: minConns,
		MaxConnectedRouters: maxConns,
		inflight:            make(map[crypto.RouterID][]func(crypto.RouterID, SessionResult)),
		backoff:             make(map[crypto.RouterID]backoffEntry),
	}
}

// HasPendingSessionTo returns true while an establish attempt to id is
// in flight.
func (m *SessionMaker) HasPendingSessionTo(id crypto.RouterID) bool {
	_, ok := m.inflight[id]
	return ok
}

// CreateSessionTo establishes a session to id, invoking cb exactly once
// with the outcome.  Concurrent requests for the same router share one
// attempt.
func (m *SessionMaker) CreateSessionTo(id crypto.RouterID, now time.Time, cb func(crypto.RouterID, SessionResult)) {
	if m.links.HasSessionTo(id) {
		if cb != nil {
			cb(id, SessionEstablished)
		}
		return
	}
	if waiters, ok := m.inflight[id]; ok {
		// Single flight: pile onto the existing attempt.
		m.inflight[id] = append(waiters, cb)
		return
	}

	contact, ok := m.store.Get(id)
	if !ok {
		if cb != nil {
			cb(id, SessionNoRouter)
		}
		return
	}

	m.inflight[id] = []func(crypto.RouterID, SessionResult){cb}
	if err := m.links.TryEstablishTo(contact, now); err != nil {
		m.log.Infof("establish to %v failed: %v", debug.RouterIDToString(id), err)
		m.finish(id, SessionNoLink, now)
	}
}

// CreateSessionToContact is CreateSessionTo for a contact not yet in
// the store (bootstrap).
func (m *SessionMaker) CreateSessionToContact(contact *rc.RouterContact, now time.Time, cb func(crypto.RouterID, SessionResult)) {
	id := contact.RouterID()
	if m.links.HasSessionTo(id) {
		if cb != nil {
			cb(id, SessionEstablished)
		}
		return
	}
	if waiters, ok := m.inflight[id]; ok {
		m.inflight[id] = append(waiters, cb)
		return
	}
	m.inflight[id] = []func(crypto.RouterID, SessionResult){cb}
	if err := m.links.TryEstablishTo(contact, now); err != nil {
		m.finish(id, SessionNoLink, now)
	}
}

func (m *SessionMaker) finish(id crypto.RouterID, result SessionResult, now time.Time) {
	waiters := m.inflight[id]
	delete(m.inflight, id)

	switch result {
	case SessionEstablished:
		delete(m.backoff, id)
	case SessionTimeout, SessionNoLink:
		b := m.backoff[id]
		if b.delay == 0 {
			b.delay = constants.ConnectCooldown
		} else {
			b.delay *= 2
			if b.delay > constants.ConnectBackoffCap {
				b.delay = constants.ConnectBackoffCap
			}
		}
		b.until = now.Add(b.delay)
		m.backoff[id] = b
	}

	for _, cb := range waiters {
		if cb != nil {
			cb(id, result)
		}
	}
}

// OnSessionEstablished completes a pending attempt with success.  Wired
// to the link layer's established event.
func (m *SessionMaker) OnSessionEstablished(id crypto.RouterID, now time.Time) {
	if _, ok := m.inflight[id]; ok {
		m.finish(id, SessionEstablished, now)
	} else {
		delete(m.backoff, id)
	}
}

// OnConnectTimeout completes a pending attempt with timeout.  Wired to
// the link layer's pending-timeout event.
func (m *SessionMaker) OnConnectTimeout(id crypto.RouterID, now time.Time) {
	if _, ok := m.inflight[id]; ok {
		m.finish(id, SessionTimeout, now)
	}
}

// ShouldConnectTo applies the selection policy for discovery
// connections.
func (m *SessionMaker) ShouldConnectTo(id crypto.RouterID, now time.Time) bool {
	if m.allowed != nil && !m.allowed(id) {
		return false
	}
	if m.links.HasSessionTo(id) {
		return false
	}
	if _, ok := m.inflight[id]; ok {
		return false
	}
	if b, ok := m.backoff[id]; ok && now.Before(b.until) {
		return false
	}
	return true
}

// ConnectToRandomRouters establishes sessions to up to want eligible
// routers picked from the store.
func (m *SessionMaker) ConnectToRandomRouters(want int, now time.Time) {
	if want <= 0 {
		return
	}
	candidates := m.store.RandomCandidates(want, func(id crypto.RouterID) bool {
		return !m.ShouldConnectTo(id, now)
	})
	for _, contact := range candidates {
		m.log.Debugf("connecting to %v", debug.RouterIDToString(contact.RouterID()))
		m.CreateSessionTo(contact.RouterID(), now, nil)
	}
}
