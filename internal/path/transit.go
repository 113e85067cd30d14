// SPDX-FileCopyrightText: Copyright (C) 2025 the loki-network authors
// SPDX-License-Identifier: AGPL-3.0-only

package path

import (
	"errors"
	"time"

	"github.com/anacrolix/torrent/bencode"
	"gopkg.in/op/go-logging.v1"

	"github.com/notlesh/loki-network/core/crypto"
)

// ErrNoSuchPath rejects traffic for unknown transit paths.
var ErrNoSuchPath = errors.New("path: no such transit path")

type transitEntry struct {
	prev crypto.RouterID
	next crypto.RouterID

	key       crypto.SharedSecret
	terminal  bool
	expiresAt time.Time
}

// Transit is the relay-side path forwarder: it accepts build records
// addressed to us and pumps traffic frames up and down established
// transit paths.  All methods run on the logic lane.
type Transit struct {
	log *logging.Logger
	c   crypto.Crypto

	ourEnc *crypto.SecretKey

	send func(to crypto.RouterID, payload []byte)

	entries map[PathID]*transitEntry

	// OnTerminalTraffic receives fully unwrapped upstream payloads on
	// paths that terminate here.
	OnTerminalTraffic func(id PathID, payload []byte)
}

// NewTransit creates the relay-side forwarder.
func NewTransit(c crypto.Crypto, log *logging.Logger, ourEnc *crypto.SecretKey, send func(crypto.RouterID, []byte)) *Transit {
	return &Transit{
		log:     log,
		c:       c,
		ourEnc:  ourEnc,
		send:    send,
		entries: make(map[PathID]*transitEntry),
	}
}

// NumTransit returns the live transit path count.
func (t *Transit) NumTransit() int {
	return len(t.entries)
}

// HandleMessage processes one framed path message from an
// authenticated peer.
func (t *Transit) HandleMessage(from crypto.RouterID, payload []byte, now time.Time) error {
	m, err := DecodeMessage(payload)
	if err != nil {
		return err
	}
	switch msg := m.(type) {
	case *BuildMessage:
		return t.onBuild(from, msg, now)
	case *ConfirmMessage:
		return t.forwardDownstreamConfirm(msg)
	case *TrafficMessage:
		if msg.Tag == msgTypeDownstr {
			return t.onDownstream(msg)
		}
		return t.onUpstream(msg, now)
	}
	return nil
}

func (t *Transit) onBuild(from crypto.RouterID, m *BuildMessage, now time.Time) error {
	if len(m.Frames) == 0 {
		return ErrInvalidMessage
	}
	frame := m.Frames[0]
	if len(frame) < crypto.PubKeySize+crypto.NonceSize+16 {
		return ErrInvalidMessage
	}

	var ephPub crypto.PubKey
	copy(ephPub[:], frame[:crypto.PubKeySize])
	key, err := t.c.DH(t.ourEnc, ephPub)
	if err != nil {
		return err
	}
	var nonce crypto.Nonce
	copy(nonce[:], frame[crypto.PubKeySize:crypto.PubKeySize+crypto.NonceSize])
	pt, err := t.c.Open(key, nonce, nil, frame[crypto.PubKeySize+crypto.NonceSize:])
	if err != nil {
		// A record not addressed to us; drop the whole build.
		return err
	}

	var record buildRecord
	if err := bencode.Unmarshal(pt, &record); err != nil {
		return ErrInvalidMessage
	}
	var id PathID
	if len(record.PathID) != PathIDSize {
		return ErrInvalidMessage
	}
	copy(id[:], record.PathID)

	ent := &transitEntry{
		prev:      from,
		key:       key,
		expiresAt: time.UnixMilli(int64(record.ExpiresAt)),
	}
	if len(record.NextHop) == 0 {
		ent.terminal = true
	} else {
		copy(ent.next[:], record.NextHop)
	}
	t.entries[id] = ent

	if ent.terminal {
		// Confirm back toward the path owner.
		msg, err := EncodeMessage(&ConfirmMessage{PathID: id[:]})
		if err != nil {
			return err
		}
		t.send(from, append([]byte{LinkMessageType}, msg...))
		return nil
	}

	fwd, err := EncodeMessage(&BuildMessage{Frames: m.Frames[1:]})
	if err != nil {
		return err
	}
	t.send(ent.next, append([]byte{LinkMessageType}, fwd...))
	return nil
}

func (t *Transit) forwardDownstreamConfirm(m *ConfirmMessage) error {
	var id PathID
	if len(m.PathID) != PathIDSize {
		return ErrInvalidMessage
	}
	copy(id[:], m.PathID)
	ent, ok := t.entries[id]
	if !ok {
		return ErrNoSuchPath
	}
	msg, err := EncodeMessage(&ConfirmMessage{PathID: id[:]})
	if err != nil {
		return err
	}
	t.send(ent.prev, append([]byte{LinkMessageType}, msg...))
	return nil
}

func (t *Transit) onUpstream(m *TrafficMessage, now time.Time) error {
	var id PathID
	if len(m.PathID) != PathIDSize {
		return ErrInvalidMessage
	}
	copy(id[:], m.PathID)
	ent, ok := t.entries[id]
	if !ok || now.After(ent.expiresAt) {
		return ErrNoSuchPath
	}

	pt, err := openLayer(t.c, ent.key, m.Payload)
	if err != nil {
		t.log.Warningf("upstream layer decrypt failed on path %x", id[:4])
		return err
	}
	if ent.terminal {
		if t.OnTerminalTraffic != nil {
			t.OnTerminalTraffic(id, pt)
		}
		return nil
	}
	msg, err := EncodeMessage(&TrafficMessage{PathID: id[:], Payload: pt})
	if err != nil {
		return err
	}
	t.send(ent.next, append([]byte{LinkMessageType}, msg...))
	return nil
}

func (t *Transit) onDownstream(m *TrafficMessage) error {
	var id PathID
	if len(m.PathID) != PathIDSize {
		return ErrInvalidMessage
	}
	copy(id[:], m.PathID)
	ent, ok := t.entries[id]
	if !ok {
		return ErrNoSuchPath
	}
	return t.sendDownstream(id, ent, m.Payload)
}

// SendDownstream originates reply traffic on a path terminating here.
func (t *Transit) SendDownstream(id PathID, payload []byte) error {
	ent, ok := t.entries[id]
	if !ok || !ent.terminal {
		return ErrNoSuchPath
	}
	return t.sendDownstream(id, ent, payload)
}

// sendDownstream adds our onion layer and forwards toward the owner.
func (t *Transit) sendDownstream(id PathID, ent *transitEntry, payload []byte) error {
	ct, err := sealLayer(t.c, ent.key, payload)
	if err != nil {
		return err
	}
	msg, err := EncodeMessage(&TrafficMessage{Tag: msgTypeDownstr, PathID: id[:], Payload: ct})
	if err != nil {
		return err
	}
	t.send(ent.prev, append([]byte{LinkMessageType}, msg...))
	return nil
}

// Tick expires transit entries.
func (t *Transit) Tick(now time.Time) {
	for id, ent := range t.entries {
		if now.After(ent.expiresAt) {
			delete(t.entries, id)
		}
	}
}
