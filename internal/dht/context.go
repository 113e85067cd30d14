// SPDX-FileCopyrightText: Copyright (C) 2025 the loki-network authors
// SPDX-License-Identifier: AGPL-3.0-only

package dht

import (
	"errors"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/notlesh/loki-network/core/crypto"
	"github.com/notlesh/loki-network/internal/constants"
	"github.com/notlesh/loki-network/internal/debug"
	"github.com/notlesh/loki-network/internal/instrument"
	"github.com/notlesh/loki-network/rc"
)

var (
	// ErrTimeout completes a lookup whose deadline passed.
	ErrTimeout = errors.New("dht: transaction timed out")

	// ErrNoPeers means no router was available to ask.
	ErrNoPeers = errors.New("dht: no peers to ask")
)

// ContactStore is the DHT's read view of the contact store; contact
// lifetime and DHT membership are the same fact.
type ContactStore interface {
	FindClosestTo(key crypto.RouterID, n int) []*rc.RouterContact
	Len() int
}

// txOwner identifies who is waiting on a transaction.
type txOwner struct {
	router crypto.RouterID
	txid   uint64
	local  bool
}

// tx is one outstanding DHT request.
type tx struct {
	owner      txOwner
	target     Key
	peersAsked map[Key]bool
	values     []EncryptedIntroSet
	deadline   time.Time
	cb         func([]EncryptedIntroSet, error)

	// iterating lookups keep asking the next closest unasked peer
	// while replies come back empty.
	iterating bool
}

// Context is the DHT node state: the service record table, the node
// set, and the transaction table.  All methods run on the logic lane.
type Context struct {
	log *logging.Logger
	c   crypto.Crypto

	ourKey Key
	store  ContactStore

	// send transmits one framed DHT message to a peer.
	send func(to crypto.RouterID, payload []byte)

	// nodes is the DHT view of peers, kept a subset of live sessions
	// by the tick loop.
	nodes map[crypto.RouterID]bool

	// services stores encrypted introsets by derived signing key.
	services map[Key]EncryptedIntroSet

	pending  map[uint64]*tx
	nextTxID uint64
}

// New creates a DHT context.
func New(c crypto.Crypto, log *logging.Logger, ourID crypto.RouterID, store ContactStore, send func(crypto.RouterID, []byte)) *Context {
	return &Context{
		log:      log,
		c:        c,
		ourKey:   KeyFromRouterID(ourID),
		store:    store,
		send:     send,
		nodes:    make(map[crypto.RouterID]bool),
		services: make(map[Key]EncryptedIntroSet),
		pending:  make(map[uint64]*tx),
	}
}

// OurKey returns our key in DHT space.
func (d *Context) OurKey() Key {
	return d.ourKey
}

func (d *Context) sendMessage(to crypto.RouterID, m Message) {
	b, err := EncodeMessage(m)
	if err != nil {
		d.log.Errorf("message encode failed: %v", err)
		return
	}
	d.send(to, append([]byte{LinkMessageType}, b...))
}

func (d *Context) reply(to crypto.RouterID, txid uint64, values []EncryptedIntroSet) {
	d.sendMessage(to, &GotIntroMessage{IntroSets: values, TxID: txid})
}

func (d *Context) allocTX(owner txOwner, target Key, deadline time.Time, cb func([]EncryptedIntroSet, error)) uint64 {
	d.nextTxID++
	id := d.nextTxID
	d.pending[id] = &tx{
		owner:  owner,
		target: target,
		// Self is always a member so iteration never asks us.
		peersAsked: map[Key]bool{d.ourKey: true},
		deadline:   deadline,
		cb:         cb,
	}
	instrument.DHTTransaction()
	return id
}

// skewHorizon is the instant a received introset must remain valid
// through: now plus the clock skew slack.  An introset expiring inside
// the slack window is treated as already expired, so a publisher with
// a fast clock cannot park nearly-dead records here.
func skewHorizon(now time.Time) time.Time {
	return now.Add(constants.MaxIntrosetTimeDelta)
}

// StoreLocal stores an introset locally iff it is not older than the
// copy already present.  Returns false when rejected.
func (d *Context) StoreLocal(is *EncryptedIntroSet) bool {
	key, ok := is.Key()
	if !ok {
		return false
	}
	if cur, ok := d.services[key]; ok && cur.ExpiresAt > is.ExpiresAt {
		return false
	}
	d.services[key] = *is
	return true
}

// GetStored returns the live introset stored at key.
func (d *Context) GetStored(key Key, now time.Time) (*EncryptedIntroSet, bool) {
	is, ok := d.services[key]
	if !ok || is.IsExpired(now) {
		return nil, false
	}
	cp := is
	return &cp, true
}

// ServiceCount returns the stored introset count.
func (d *Context) ServiceCount() int {
	return len(d.services)
}

// HandleMessage processes one decoded-from-link DHT payload (without
// the leading link type byte) from an authenticated peer.
func (d *Context) HandleMessage(from crypto.RouterID, payload []byte, now time.Time) error {
	m, err := DecodeMessage(payload)
	if err != nil {
		return err
	}
	switch msg := m.(type) {
	case *FindIntroMessage:
		d.handleFindIntro(from, msg, now)
	case *PublishIntroMessage:
		d.handlePublishIntro(from, msg, now)
	case *GotIntroMessage:
		d.handleGotIntro(from, msg, now)
	}
	return nil
}

func (d *Context) handleFindIntro(from crypto.RouterID, m *FindIntroMessage, now time.Time) {
	target, ok := KeyFromBytes(m.Target)
	if !ok {
		d.reply(from, m.TxID, nil)
		return
	}

	if is, ok := d.GetStored(target, now); ok {
		d.reply(from, m.TxID, []EncryptedIntroSet{*is})
		return
	}

	closest := d.store.FindClosestTo(target.RouterID(), constants.IntrosetStorageRedundancy)
	if len(closest) == 0 {
		d.reply(from, m.TxID, nil)
		return
	}
	peer := closest[int(m.RelayOrder)%len(closest)].RouterID()
	if peer == d.ourKey.RouterID() || peer == from {
		// Nothing closer to ask; we do not hold it.
		d.reply(from, m.TxID, nil)
		return
	}

	// Bridge the reply back to the asker under a fresh tx id.
	txid := d.allocTX(txOwner{router: from, txid: m.TxID}, target, now.Add(constants.TXDeadline), nil)
	d.markAsked(txid, peer)
	d.sendMessage(peer, &FindIntroMessage{Target: m.Target, TxID: txid})
}

func (d *Context) handlePublishIntro(from crypto.RouterID, m *PublishIntroMessage, now time.Time) {
	is := m.IntroSet
	key, ok := is.Key()
	if !ok {
		d.reply(from, m.TxID, nil)
		return
	}

	if err := is.Verify(d.c, skewHorizon(now)); err != nil {
		// Invalid introsets are neither stored nor forwarded, but the
		// asker still gets an answer so it is not left waiting.
		d.log.Warningf("received invalid introset from %v: %v", debug.RouterIDToString(from), err)
		d.reply(from, m.TxID, nil)
		return
	}

	closest := d.store.FindClosestTo(key.RouterID(), constants.IntrosetStorageRedundancy)
	if len(closest) < constants.IntrosetStorageRedundancy {
		d.log.Warningf("received publish but only know %d nodes", len(closest))
		d.reply(from, m.TxID, nil)
		return
	}

	us := d.ourKey.RouterID()

	propagateToClosestFour := func() {
		// Pair (0,1) for relay order zero, (2,3) otherwise.
		rc0, rc1 := closest[0], closest[1]
		if m.RelayOrder != 0 {
			rc0, rc1 = closest[2], closest[3]
		}
		peer0, peer1 := rc0.RouterID(), rc1.RouterID()

		arePeer0 := peer0 == us
		arePeer1 := peer1 == us

		if arePeer0 || arePeer1 {
			d.StoreLocal(&is)
			d.reply(from, m.TxID, []EncryptedIntroSet{is})
		}
		if !arePeer0 {
			d.propagateIntroSetTo(from, m.TxID, is, peer0, now)
		}
		if !arePeer1 {
			d.propagateIntroSetTo(from, m.TxID, is, peer1, now)
		}
	}

	if m.Relayed != 0 {
		if m.RelayOrder > 1 {
			d.log.Warningf("received publish with invalid relay order %d", m.RelayOrder)
			d.reply(from, m.TxID, nil)
			return
		}
		propagateToClosestFour()
		return
	}

	// Not relayed: store when we are among the closest, otherwise take
	// the one permitted forwarding step.  A non-relayed publish never
	// re-enters the relayed branch, which bounds propagation depth.
	for _, contact := range closest {
		if contact.RouterID() == us {
			d.StoreLocal(&is)
			d.reply(from, m.TxID, []EncryptedIntroSet{is})
			return
		}
	}
	propagateToClosestFour()
}

// propagateIntroSetTo forwards a publish one hop, bridging the peer's
// answer back to the asker.
func (d *Context) propagateIntroSetTo(asker crypto.RouterID, askerTxID uint64, is EncryptedIntroSet, peer crypto.RouterID, now time.Time) {
	key, _ := is.Key()
	txid := d.allocTX(txOwner{router: asker, txid: askerTxID}, key, now.Add(constants.TXDeadline), nil)
	d.markAsked(txid, peer)
	d.sendMessage(peer, &PublishIntroMessage{IntroSet: is, Relayed: 0, RelayOrder: 0, TxID: txid})
}

func (d *Context) markAsked(txid uint64, peer crypto.RouterID) {
	if t, ok := d.pending[txid]; ok && len(t.peersAsked) < constants.DHTKValue {
		t.peersAsked[KeyFromRouterID(peer)] = true
	}
}

func (d *Context) handleGotIntro(from crypto.RouterID, m *GotIntroMessage, now time.Time) {
	t, ok := d.pending[m.TxID]
	if !ok {
		// Closed or never ours; duplicates are discarded.
		return
	}

	for i := range m.IntroSets {
		is := m.IntroSets[i]
		if err := is.Verify(d.c, skewHorizon(now)); err != nil {
			d.log.Warningf("dropping invalid introset in reply: %v", err)
			continue
		}
		d.mergeValue(t, is)
	}

	if len(t.values) == 0 && t.owner.local && t.iterating {
		// Keep iterating toward the target while candidates remain.
		if peer, ok := d.nextUnasked(t); ok {
			t.peersAsked[KeyFromRouterID(peer)] = true
			d.sendMessage(peer, &FindIntroMessage{Target: t.target[:], TxID: m.TxID})
			return
		}
	}

	d.complete(m.TxID, t, t.values, nil)
}

// mergeValue dedups by derived signing key, keeping the freshest copy.
func (d *Context) mergeValue(t *tx, is EncryptedIntroSet) {
	key, ok := is.Key()
	if !ok {
		return
	}
	for i := range t.values {
		k, _ := t.values[i].Key()
		if k == key {
			if is.ExpiresAt > t.values[i].ExpiresAt {
				t.values[i] = is
			}
			return
		}
	}
	t.values = append(t.values, is)
}

func (d *Context) nextUnasked(t *tx) (crypto.RouterID, bool) {
	if len(t.peersAsked) >= constants.DHTKValue {
		return crypto.RouterID{}, false
	}
	for _, contact := range d.store.FindClosestTo(t.target.RouterID(), constants.DHTKValue) {
		id := contact.RouterID()
		if !t.peersAsked[KeyFromRouterID(id)] {
			return id, true
		}
	}
	return crypto.RouterID{}, false
}

func (d *Context) complete(txid uint64, t *tx, values []EncryptedIntroSet, err error) {
	delete(d.pending, txid)
	if t.owner.local {
		if t.cb != nil {
			t.cb(values, err)
		}
		return
	}
	d.reply(t.owner.router, t.owner.txid, values)
}

// LookupIntroSet resolves the introset at target, asking the closest
// known routers iteratively.  cb fires exactly once.
func (d *Context) LookupIntroSet(target Key, now time.Time, cb func([]EncryptedIntroSet, error)) {
	if is, ok := d.GetStored(target, now); ok {
		cb([]EncryptedIntroSet{*is}, nil)
		return
	}

	us := d.ourKey.RouterID()
	var peer crypto.RouterID
	found := false
	for _, contact := range d.store.FindClosestTo(target.RouterID(), constants.DHTKValue) {
		if contact.RouterID() != us {
			peer = contact.RouterID()
			found = true
			break
		}
	}
	if !found {
		cb(nil, ErrNoPeers)
		return
	}

	txid := d.allocTX(txOwner{local: true}, target, now.Add(constants.TXDeadline), cb)
	d.pending[txid].iterating = true
	d.markAsked(txid, peer)
	d.sendMessage(peer, &FindIntroMessage{Target: target[:], TxID: txid})
}

// PublishIntroSetTo publishes an introset through the given relay with
// the given relay order.  cb fires exactly once with the acknowledging
// replies or a timeout.
func (d *Context) PublishIntroSetTo(relay crypto.RouterID, is *EncryptedIntroSet, relayOrder uint64, now time.Time, cb func([]EncryptedIntroSet, error)) {
	key, ok := is.Key()
	if !ok {
		if cb != nil {
			cb(nil, ErrIntrosetBadSignature)
		}
		return
	}
	txid := d.allocTX(txOwner{local: true}, key, now.Add(constants.TXDeadline), cb)
	d.markAsked(txid, relay)
	d.sendMessage(relay, &PublishIntroMessage{IntroSet: *is, Relayed: 1, RelayOrder: relayOrder, TxID: txid})
}

// PutNode adds a peer to the DHT node set.
func (d *Context) PutNode(id crypto.RouterID) {
	d.nodes[id] = true
}

// RemoveNodesIf drops nodes matching pred; the tick loop uses it to
// keep the node set a subset of live sessions.
func (d *Context) RemoveNodesIf(pred func(crypto.RouterID) bool) {
	for id := range d.nodes {
		if pred(id) {
			delete(d.nodes, id)
		}
	}
}

// NodeCount returns the DHT node set size.
func (d *Context) NodeCount() int {
	return len(d.nodes)
}

// Tick expires transactions and stored introsets.
func (d *Context) Tick(now time.Time) {
	for txid, t := range d.pending {
		if now.After(t.deadline) {
			instrument.DHTTimeout()
			if t.owner.local {
				delete(d.pending, txid)
				if t.cb != nil {
					t.cb(nil, ErrTimeout)
				}
			} else {
				d.complete(txid, t, nil, nil)
			}
		}
	}
	for key, is := range d.services {
		if is.IsExpired(now) {
			delete(d.services, key)
		}
	}
}
