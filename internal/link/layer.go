// SPDX-FileCopyrightText: Copyright (C) 2025 the loki-network authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package link implements authenticated datagram sessions to peers and
// the link layer that owns them.
package link

import (
	"errors"
	"math/rand"
	"net"
	"sort"
	"sync"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/notlesh/loki-network/core/crypto"
	"github.com/notlesh/loki-network/core/worker"
	"github.com/notlesh/loki-network/internal/constants"
	"github.com/notlesh/loki-network/internal/debug"
	"github.com/notlesh/loki-network/internal/instrument"
	"github.com/notlesh/loki-network/rc"
)

var (
	// ErrNoAddress means a contact offers no address for this link
	// layer's dialect.
	ErrNoAddress = errors.New("link: no usable address")

	// ErrPendingFull means the per-endpoint pending cap is hit.
	ErrPendingFull = errors.New("link: pending session cap reached")
)

// Hooks are the upward callbacks of a link layer.  All of them fire on
// the logic lane.
type Hooks struct {
	// OnLinkMessage delivers one decrypted link message from an
	// authenticated peer.
	OnLinkMessage func(from crypto.RouterID, payload []byte)

	// OnSessionEstablished fires after MapAddr promotes a session.
	OnSessionEstablished func(id crypto.RouterID, inbound bool)

	// OnSessionClosed fires when an authenticated session dies.
	OnSessionClosed func(id crypto.RouterID)

	// OnPendingTimeout fires when an outbound handshake never
	// completed, so the session maker can fail its waiters.
	OnPendingTimeout func(id crypto.RouterID, addr *net.UDPAddr)
}

// Layer owns one UDP endpoint and the session tables over it.  A node
// may run several layers with distinct dialects and ports.
type Layer struct {
	worker.Worker

	log *logging.Logger
	c   crypto.Crypto

	dialect string
	conn    net.PacketConn

	ourID       crypto.RouterID
	ourIdentity *crypto.SecretKey

	hooks     Hooks
	logicCall func(func()) error

	authedMu  sync.Mutex
	pendingMu sync.Mutex

	// authed is a multimap: up to MaxSessionsPerKey sessions per peer.
	authed  map[crypto.RouterID][]*Session
	pending map[string]*Session

	// persist maps peers whose sessions we keep alive to the deadline
	// of that obligation.
	persist map[crypto.RouterID]time.Time

	mrand *rand.Rand
}

// NewLayer creates a link layer over conn.  netThreads read loops are
// started; every receive hops to the logic lane via logicCall before
// touching the tables.
func NewLayer(c crypto.Crypto, log *logging.Logger, dialect string, conn net.PacketConn, ourID crypto.RouterID, ourIdentity *crypto.SecretKey, netThreads int, hooks Hooks, logicCall func(func()) error) *Layer {
	l := &Layer{
		log:         log,
		c:           c,
		dialect:     dialect,
		conn:        conn,
		ourID:       ourID,
		ourIdentity: ourIdentity,
		hooks:       hooks,
		logicCall:   logicCall,
		authed:      make(map[crypto.RouterID][]*Session),
		pending:     make(map[string]*Session),
		persist:     make(map[crypto.RouterID]time.Time),
		mrand:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for i := 0; i < netThreads; i++ {
		l.Go(l.readLoop)
	}
	return l
}

// Dialect returns the link dialect this layer speaks.
func (l *Layer) Dialect() string {
	return l.dialect
}

// LocalAddr returns the bound UDP address.
func (l *Layer) LocalAddr() *net.UDPAddr {
	return l.conn.LocalAddr().(*net.UDPAddr)
}

// Halt stops the read loops, closes the socket, and closes every
// session.
func (l *Layer) Halt() {
	l.conn.Close()
	l.Worker.Halt()

	l.authedMu.Lock()
	var all []*Session
	for _, ss := range l.authed {
		all = append(all, ss...)
	}
	l.authedMu.Unlock()
	l.pendingMu.Lock()
	for _, s := range l.pending {
		all = append(all, s)
	}
	l.pendingMu.Unlock()
	for _, s := range all {
		s.Close()
	}
}

func (l *Layer) readLoop() {
	buf := make([]byte, 2048)
	for {
		n, addr, err := l.conn.ReadFrom(buf)
		if err != nil {
			select {
			case <-l.HaltCh():
				return
			default:
			}
			var nerr net.Error
			if errors.As(err, &nerr) && !nerr.Temporary() {
				l.log.Errorf("read failure: %v", err)
				return
			}
			continue
		}
		pkt := make([]byte, n)
		copy(pkt, buf[:n])
		udp, ok := addr.(*net.UDPAddr)
		if !ok {
			continue
		}
		if err := l.logicCall(func() {
			l.recvFrom(udp, pkt, time.Now())
		}); err != nil {
			// Logic lane saturated; receive-side backpressure is to
			// drop.
			instrument.PacketsDropped()
		}
	}
}

func (l *Layer) sessionForAddr(addr *net.UDPAddr) *Session {
	key := addr.String()

	l.pendingMu.Lock()
	if s, ok := l.pending[key]; ok {
		l.pendingMu.Unlock()
		return s
	}
	l.pendingMu.Unlock()

	l.authedMu.Lock()
	defer l.authedMu.Unlock()
	for _, ss := range l.authed {
		for _, s := range ss {
			if s.RemoteAddr().String() == key {
				return s
			}
		}
	}
	return nil
}

func (l *Layer) pendingCountForIP(ip string) int {
	n := 0
	for _, s := range l.pending {
		if s.RemoteAddr().IP.String() == ip {
			n++
		}
	}
	return n
}

// recvFrom dispatches one datagram.  Runs on the logic lane.
func (l *Layer) recvFrom(addr *net.UDPAddr, pkt []byte, now time.Time) {
	if s := l.sessionForAddr(addr); s != nil {
		s.RecvRaw(pkt, now)
		return
	}
	if len(pkt) == 0 || pkt[0] != pktIntro {
		instrument.PacketsDropped()
		return
	}

	// New inbound handshake attempt.
	l.pendingMu.Lock()
	if l.pendingCountForIP(addr.IP.String()) >= constants.MaxSessionsPerEndpoint {
		l.pendingMu.Unlock()
		// Silently dropped per the backpressure policy.
		instrument.PacketsDropped()
		return
	}
	s := l.newSessionTo(addr, now, true)
	l.pending[addr.String()] = s
	l.pendingMu.Unlock()

	s.RecvRaw(pkt, now)
}

func (l *Layer) newSessionTo(addr *net.UDPAddr, now time.Time, inbound bool) *Session {
	s := newSession(l.c, l.log, l.ourID, l.ourIdentity, addr, func(b []byte) {
		l.conn.WriteTo(b, addr)
	}, now, inbound)
	s.onEstablished = l.onSessionEstablished
	s.onClosed = l.onSessionClosed
	s.onMessage = l.onSessionMessage
	return s
}

func (l *Layer) onSessionEstablished(s *Session) {
	if !l.MapAddr(s.RemoteID(), s) {
		l.log.Infof("session to %v rejected by caps", debug.RouterIDToString(s.RemoteID()))
		s.Close()
		return
	}
	if l.hooks.OnSessionEstablished != nil {
		l.hooks.OnSessionEstablished(s.RemoteID(), s.IsInbound())
	}
}

func (l *Layer) onSessionClosed(s *Session) {
	removed := false

	l.authedMu.Lock()
	id := s.RemoteID()
	ss := l.authed[id]
	for i, e := range ss {
		if e == s {
			l.authed[id] = append(ss[:i], ss[i+1:]...)
			removed = true
			break
		}
	}
	if len(l.authed[id]) == 0 {
		delete(l.authed, id)
	}
	l.authedMu.Unlock()

	l.pendingMu.Lock()
	key := s.RemoteAddr().String()
	if l.pending[key] == s {
		delete(l.pending, key)
	}
	l.pendingMu.Unlock()

	if removed && l.hooks.OnSessionClosed != nil {
		l.hooks.OnSessionClosed(id)
	}
}

func (l *Layer) onSessionMessage(s *Session, payload []byte) {
	if l.hooks.OnLinkMessage != nil && s.IsEstablished() {
		l.hooks.OnLinkMessage(s.RemoteID(), payload)
	}
}

// MapAddr promotes a session from pending to authed iff the pending
// entry exists and the peer is under the per-key session cap.  Both
// caps are enforced atomically.
func (l *Layer) MapAddr(peer crypto.RouterID, s *Session) bool {
	l.authedMu.Lock()
	defer l.authedMu.Unlock()
	l.pendingMu.Lock()
	defer l.pendingMu.Unlock()

	key := s.RemoteAddr().String()
	if l.pending[key] != s {
		return false
	}
	if len(l.authed[peer]) >= constants.MaxSessionsPerKey {
		return false
	}
	delete(l.pending, key)
	l.authed[peer] = append(l.authed[peer], s)
	return true
}

// TryEstablishTo starts an outbound session to the contact, picking
// the lowest ranked address matching our dialect.
func (l *Layer) TryEstablishTo(contact *rc.RouterContact, now time.Time) error {
	var candidates []rc.AddressInfo
	for _, a := range contact.Addrs {
		if a.Dialect == l.dialect {
			candidates = append(candidates, a)
		}
	}
	if len(candidates) == 0 {
		return ErrNoAddress
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Rank < candidates[j].Rank
	})
	addr := candidates[0].Addr()

	l.pendingMu.Lock()
	if _, ok := l.pending[addr.String()]; ok {
		l.pendingMu.Unlock()
		return nil
	}
	if l.pendingCountForIP(addr.IP.String()) >= constants.MaxSessionsPerEndpoint {
		l.pendingMu.Unlock()
		return ErrPendingFull
	}
	s := l.newSessionTo(addr, now, false)
	s.remoteID = contact.RouterID()
	l.pending[addr.String()] = s
	l.pendingMu.Unlock()

	s.start(now)
	return nil
}

// SendTo hands buf to the least backlogged session to remote.  Returns
// false when no established session exists.
func (l *Layer) SendTo(remote crypto.RouterID, buf []byte, completion func(SendResult)) bool {
	l.authedMu.Lock()
	var best *Session
	for _, s := range l.authed[remote] {
		if !s.IsEstablished() {
			continue
		}
		if best == nil || s.SendQueueBacklog() < best.SendQueueBacklog() {
			best = s
		}
	}
	l.authedMu.Unlock()

	if best == nil {
		return false
	}
	best.SendMessage(buf, completion)
	return true
}

// Pump ticks every session and reaps the timed out ones.
func (l *Layer) Pump(now time.Time) {
	l.authedMu.Lock()
	var authedDead []*Session
	for _, ss := range l.authed {
		for _, s := range ss {
			s.Tick(now)
			if s.TimedOut(now) {
				authedDead = append(authedDead, s)
			}
		}
	}
	l.authedMu.Unlock()

	l.pendingMu.Lock()
	var pendingDead []*Session
	for _, s := range l.pending {
		s.Tick(now)
		if s.TimedOut(now) {
			pendingDead = append(pendingDead, s)
		}
	}
	l.pendingMu.Unlock()

	for _, s := range authedDead {
		l.log.Infof("session to %v timed out", debug.RouterIDToString(s.RemoteID()))
		instrument.SessionTimedOut()
		s.Close()
	}
	for _, s := range pendingDead {
		l.log.Infof("pending session at %v timed out", s.RemoteAddr())
		id, addr := s.RemoteID(), s.RemoteAddr()
		s.Close()
		if !s.IsInbound() && l.hooks.OnPendingTimeout != nil {
			l.hooks.OnPendingTimeout(id, addr)
		}
	}
}

// ForEachSession visits every authenticated session.  With randomize
// set, iteration starts at a random rotation so callers inspecting only
// a prefix don't bias to insertion order.
func (l *Layer) ForEachSession(visit func(*Session), randomize bool) {
	l.authedMu.Lock()
	var all []*Session
	for _, ss := range l.authed {
		all = append(all, ss...)
	}
	l.authedMu.Unlock()

	if randomize && len(all) > 1 {
		off := l.mrand.Intn(len(all))
		all = append(all[off:], all[:off]...)
	}
	for _, s := range all {
		visit(s)
	}
}

// HasSessionTo returns true when an established session to id exists.
func (l *Layer) HasSessionTo(id crypto.RouterID) bool {
	l.authedMu.Lock()
	defer l.authedMu.Unlock()
	for _, s := range l.authed[id] {
		if s.IsEstablished() {
			return true
		}
	}
	return false
}

// SessionCountTo returns the number of authed sessions to id.
func (l *Layer) SessionCountTo(id crypto.RouterID) int {
	l.authedMu.Lock()
	defer l.authedMu.Unlock()
	return len(l.authed[id])
}

// NumberOfConnectedRouters returns the count of distinct peers with at
// least one established session.
func (l *Layer) NumberOfConnectedRouters() int {
	l.authedMu.Lock()
	defer l.authedMu.Unlock()
	n := 0
	for _, ss := range l.authed {
		for _, s := range ss {
			if s.IsEstablished() {
				n++
				break
			}
		}
	}
	return n
}

// ConnectedPeers returns the identities of all connected peers.
func (l *Layer) ConnectedPeers() []crypto.RouterID {
	l.authedMu.Lock()
	defer l.authedMu.Unlock()
	peers := make([]crypto.RouterID, 0, len(l.authed))
	for id, ss := range l.authed {
		for _, s := range ss {
			if s.IsEstablished() {
				peers = append(peers, id)
				break
			}
		}
	}
	return peers
}

// PersistSessionUntil keeps re-establishing a session to id until the
// given deadline.
func (l *Layer) PersistSessionUntil(id crypto.RouterID, until time.Time) {
	if cur, ok := l.persist[id]; !ok || until.After(cur) {
		l.persist[id] = until
	}
}

// PersistingPeersWithoutSession returns peers on the keepalive list
// whose session is currently dead, dropping expired entries.
func (l *Layer) PersistingPeersWithoutSession(now time.Time) []crypto.RouterID {
	var out []crypto.RouterID
	for id, until := range l.persist {
		if now.After(until) {
			delete(l.persist, id)
			continue
		}
		if !l.HasSessionTo(id) {
			out = append(out, id)
		}
	}
	return out
}
