// SPDX-FileCopyrightText: Copyright (C) 2025 the loki-network authors
// SPDX-License-Identifier: AGPL-3.0-only

package dht

import (
	"errors"
	"fmt"

	"github.com/anacrolix/torrent/bencode"
)

// LinkMessageType is the one byte type tag carried ahead of a bencoded
// DHT message inside a link message.
const LinkMessageType byte = 'D'

// message type tags, the "A" value of the bencoded dictionary.
const (
	msgTypeFindIntro    = "F"
	msgTypeGotIntro     = "G"
	msgTypePublishIntro = "I"
)

// ProtoVersion is the DHT protocol version spoken.
const ProtoVersion = 0

// MaxPropagationDepth is reserved for explicit per-hop depth tracking
// on forwarded publishes.  Propagation currently terminates through
// the single relayed to non-relayed step instead.
const MaxPropagationDepth = 5

// ErrInvalidMessage rejects messages that do not parse or carry an
// unknown type tag.
var ErrInvalidMessage = errors.New("dht: invalid message")

// Message is a decoded DHT message.
type Message interface {
	typeTag() string
}

// FindIntroMessage asks for the introset stored at Target.
type FindIntroMessage struct {
	Tag        string `bencode:"A"`
	RelayOrder uint64 `bencode:"O"`
	Target     []byte `bencode:"S"`
	TxID       uint64 `bencode:"T"`
	Version    uint64 `bencode:"V"`
}

func (m *FindIntroMessage) typeTag() string { return msgTypeFindIntro }

// PublishIntroMessage stores an introset at the closest routers.
type PublishIntroMessage struct {
	Tag        string            `bencode:"A"`
	IntroSet   EncryptedIntroSet `bencode:"I"`
	RelayOrder uint64            `bencode:"O"`
	Relayed    uint64            `bencode:"R"`
	TxID       uint64            `bencode:"T"`
	Version    uint64            `bencode:"V"`
}

func (m *PublishIntroMessage) typeTag() string { return msgTypePublishIntro }

// GotIntroMessage answers a find or publish with zero or more
// introsets.
type GotIntroMessage struct {
	Tag       string              `bencode:"A"`
	IntroSets []EncryptedIntroSet `bencode:"I"`
	TxID      uint64              `bencode:"T"`
	Version   uint64              `bencode:"V"`
}

func (m *GotIntroMessage) typeTag() string { return msgTypeGotIntro }

// EncodeMessage serialises a DHT message, stamping its type tag and
// protocol version.
func EncodeMessage(m Message) ([]byte, error) {
	switch msg := m.(type) {
	case *FindIntroMessage:
		msg.Tag = msgTypeFindIntro
		msg.Version = ProtoVersion
	case *PublishIntroMessage:
		msg.Tag = msgTypePublishIntro
		msg.Version = ProtoVersion
	case *GotIntroMessage:
		msg.Tag = msgTypeGotIntro
		msg.Version = ProtoVersion
	default:
		return nil, fmt.Errorf("%w: unknown message %T", ErrInvalidMessage, m)
	}
	return bencode.Marshal(m)
}

// DecodeMessage parses one bencoded DHT message.
func DecodeMessage(b []byte) (Message, error) {
	var tag struct {
		Tag string `bencode:"A"`
	}
	if err := bencode.Unmarshal(b, &tag); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}

	var m Message
	switch tag.Tag {
	case msgTypeFindIntro:
		m = new(FindIntroMessage)
	case msgTypeGotIntro:
		m = new(GotIntroMessage)
	case msgTypePublishIntro:
		m = new(PublishIntroMessage)
	default:
		return nil, fmt.Errorf("%w: unknown tag '%v'", ErrInvalidMessage, tag.Tag)
	}
	if err := bencode.Unmarshal(b, m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	return m, nil
}
