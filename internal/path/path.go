// SPDX-FileCopyrightText: Copyright (C) 2025 the loki-network authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package path implements multi-hop path construction and the
// upstream/downstream frame pumps.
package path

import (
	"errors"
	"fmt"
	"time"

	"github.com/anacrolix/torrent/bencode"

	"github.com/notlesh/loki-network/core/crypto"
)

// LinkMessageType is the one byte tag carried ahead of a bencoded path
// message inside a link message.
const LinkMessageType byte = 'P'

// PathIDSize is the size of a path identifier.
const PathIDSize = 16

// message type tags.
const (
	msgTypeBuild    = "L"
	msgTypeConfirm  = "C"
	msgTypeUpstream = "U"
	msgTypeDownstr  = "D"
)

// ErrInvalidMessage rejects path messages that do not parse.
var ErrInvalidMessage = errors.New("path: invalid message")

// PathID identifies a path on one hop.
type PathID [PathIDSize]byte

// Status is a path's lifecycle state.
type Status int

const (
	// StatusBuilding means the build message is in flight.
	StatusBuilding Status = iota

	// StatusEstablished means the terminal hop confirmed.
	StatusEstablished

	// StatusFailed means the build timed out or was rejected.
	StatusFailed

	// StatusExpired means the path outlived its lifetime.
	StatusExpired
)

// Hop is one relay on a path with its negotiated symmetric key.
type Hop struct {
	Router crypto.RouterID
	Key    crypto.SharedSecret
}

// buildRecord is the per-hop plaintext inside a build frame.
type buildRecord struct {
	PathID    []byte `bencode:"p"`
	NextHop   []byte `bencode:"n"`
	ExpiresAt uint64 `bencode:"x"`
}

// BuildMessage carries one onion-encrypted build record per hop.  Each
// frame is ephemeral pub || nonce || ciphertext; relays pop the head
// frame and forward the rest.
type BuildMessage struct {
	Tag    string   `bencode:"A"`
	Frames [][]byte `bencode:"F"`
}

// ConfirmMessage flows back downstream once the terminal hop accepted
// the path.
type ConfirmMessage struct {
	Tag    string `bencode:"A"`
	PathID []byte `bencode:"P"`
}

// TrafficMessage carries layered-encrypted traffic along a path in
// either direction.
type TrafficMessage struct {
	Tag     string `bencode:"A"`
	PathID  []byte `bencode:"P"`
	Payload []byte `bencode:"X"`
}

// Message is a decoded path message.
type Message interface {
	typeTag() string
}

func (m *BuildMessage) typeTag() string   { return msgTypeBuild }
func (m *ConfirmMessage) typeTag() string { return msgTypeConfirm }
func (m *TrafficMessage) typeTag() string { return msgTypeUpstream }

// EncodeMessage serialises a path message, stamping its tag.
func EncodeMessage(m Message) ([]byte, error) {
	switch msg := m.(type) {
	case *BuildMessage:
		msg.Tag = msgTypeBuild
	case *ConfirmMessage:
		msg.Tag = msgTypeConfirm
	case *TrafficMessage:
		if msg.Tag != msgTypeDownstr {
			msg.Tag = msgTypeUpstream
		}
	default:
		return nil, fmt.Errorf("%w: unknown message %T", ErrInvalidMessage, m)
	}
	return bencode.Marshal(m)
}

// DecodeMessage parses one bencoded path message.
func DecodeMessage(b []byte) (Message, error) {
	var tag struct {
		Tag string `bencode:"A"`
	}
	if err := bencode.Unmarshal(b, &tag); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	var m Message
	switch tag.Tag {
	case msgTypeBuild:
		m = new(BuildMessage)
	case msgTypeConfirm:
		m = new(ConfirmMessage)
	case msgTypeUpstream, msgTypeDownstr:
		m = new(TrafficMessage)
	default:
		return nil, fmt.Errorf("%w: unknown tag '%v'", ErrInvalidMessage, tag.Tag)
	}
	if err := bencode.Unmarshal(b, m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	return m, nil
}

// Path is a client-owned chain of 1..8 hops.
type Path struct {
	ID     PathID
	Hops   []Hop
	Status Status

	BuiltAt   time.Time
	ExpiresAt time.Time

	// queued traffic per direction, moved by the pumps
	upstreamQ   [][]byte
	downstreamQ [][]byte
}

// Upstream is the first hop the client talks to.
func (p *Path) Upstream() crypto.RouterID {
	return p.Hops[0].Router
}

// Terminal is the last hop.
func (p *Path) Terminal() crypto.RouterID {
	return p.Hops[len(p.Hops)-1].Router
}

// IsExpired returns true once the path outlived its lifetime.
func (p *Path) IsExpired(now time.Time) bool {
	return now.After(p.ExpiresAt)
}

// ExpiresSoon returns true within window of expiry.
func (p *Path) ExpiresSoon(now time.Time, window time.Duration) bool {
	return now.Add(window).After(p.ExpiresAt)
}

// Uses returns true if the path routes through id.
func (p *Path) Uses(id crypto.RouterID) bool {
	for _, h := range p.Hops {
		if h.Router == id {
			return true
		}
	}
	return false
}

// sealLayer encrypts one onion layer under key.
func sealLayer(c crypto.Crypto, key crypto.SharedSecret, pt []byte) ([]byte, error) {
	var nonce crypto.Nonce
	if err := c.Randomize(nonce[:]); err != nil {
		return nil, err
	}
	out := make([]byte, 0, crypto.NonceSize+len(pt)+16)
	out = append(out, nonce[:]...)
	out = append(out, c.Seal(key, nonce, nil, pt)...)
	return out, nil
}

// openLayer decrypts one onion layer under key.
func openLayer(c crypto.Crypto, key crypto.SharedSecret, b []byte) ([]byte, error) {
	if len(b) < crypto.NonceSize+16 {
		return nil, errors.New("path: layer too short")
	}
	var nonce crypto.Nonce
	copy(nonce[:], b[:crypto.NonceSize])
	return c.Open(key, nonce, nil, b[crypto.NonceSize:])
}

// EncryptUpstream wraps payload in one layer per hop, outermost for
// the first hop.
func (p *Path) EncryptUpstream(c crypto.Crypto, payload []byte) ([]byte, error) {
	out := payload
	var err error
	for i := len(p.Hops) - 1; i >= 0; i-- {
		if out, err = sealLayer(c, p.Hops[i].Key, out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// DecryptDownstream unwraps one layer per hop, first hop's layer
// outermost.
func (p *Path) DecryptDownstream(c crypto.Crypto, payload []byte) ([]byte, error) {
	out := payload
	var err error
	for i := 0; i < len(p.Hops); i++ {
		if out, err = openLayer(c, p.Hops[i].Key, out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// QueueUpstream enqueues payload toward the terminal hop.
func (p *Path) QueueUpstream(payload []byte) {
	p.upstreamQ = append(p.upstreamQ, payload)
}

// QueueDownstream enqueues a received downstream frame for the next
// downstream pump.
func (p *Path) QueueDownstream(payload []byte) {
	p.downstreamQ = append(p.downstreamQ, payload)
}
