// SPDX-FileCopyrightText: Copyright (C) 2025 the loki-network authors
// SPDX-License-Identifier: AGPL-3.0-only

package dht

import (
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/notlesh/loki-network/core/crypto"
	"github.com/notlesh/loki-network/core/log"
	"github.com/notlesh/loki-network/internal/constants"
	"github.com/notlesh/loki-network/rc"
)

// memStore is a contact view over a fixed id set.
type memStore struct {
	ids []crypto.RouterID
}

func (m *memStore) FindClosestTo(key crypto.RouterID, n int) []*rc.RouterContact {
	ids := append([]crypto.RouterID{}, m.ids...)
	sort.Slice(ids, func(i, j int) bool {
		for b := 0; b < len(key); b++ {
			di, dj := ids[i][b]^key[b], ids[j][b]^key[b]
			if di != dj {
				return di < dj
			}
		}
		return false
	})
	if len(ids) > n {
		ids = ids[:n]
	}
	out := make([]*rc.RouterContact, 0, len(ids))
	for _, id := range ids {
		contact := new(rc.RouterContact)
		copy(contact.PubKey[:], id[:])
		out = append(out, contact)
	}
	return out
}

func (m *memStore) Len() int { return len(m.ids) }

// network wires Contexts together with synchronous delivery.
type network struct {
	t     *testing.T
	c     crypto.Crypto
	nodes map[crypto.RouterID]*Context
	sinks map[crypto.RouterID]func([]byte)
	store *memStore

	// queued frames, delivered by flush
	frames []frame
}

type frame struct {
	from, to crypto.RouterID
	payload  []byte
}

func newNetwork(t *testing.T) *network {
	return &network{
		t:     t,
		c:     crypto.New(),
		nodes: make(map[crypto.RouterID]*Context),
		store: &memStore{},
	}
}

func (n *network) addNode(id crypto.RouterID, inStore bool) *Context {
	backend, err := log.New("", "DEBUG", true)
	require.NoError(n.t, err)
	ctx := New(n.c, backend.GetLogger("dht"), id, n.store, func(to crypto.RouterID, payload []byte) {
		n.frames = append(n.frames, frame{from: id, to: to, payload: payload})
	})
	n.nodes[id] = ctx
	if inStore {
		n.store.ids = append(n.store.ids, id)
	}
	return ctx
}

func (n *network) flush(now time.Time) {
	for len(n.frames) > 0 {
		f := n.frames[0]
		n.frames = n.frames[1:]
		if sink, ok := n.sinks[f.to]; ok {
			sink(f.payload)
			continue
		}
		dst, ok := n.nodes[f.to]
		if !ok {
			continue
		}
		require.Equal(n.t, LinkMessageType, f.payload[0])
		require.NoError(n.t, dst.HandleMessage(f.from, f.payload[1:], now))
	}
}

func makeIntroSet(t *testing.T, c crypto.Crypto, now time.Time) *EncryptedIntroSet {
	return makeIntroSetExpiring(t, c, deriveIntroKey(t, c),
		now.Add(constants.PathLifetime+constants.MaxIntrosetTimeDelta))
}

func makeIntroSetExpiring(t *testing.T, c crypto.Crypto, derived *crypto.SubSecretKey, expiry time.Time) *EncryptedIntroSet {
	is := &EncryptedIntroSet{
		Nonce:      make([]byte, crypto.NonceSize),
		Ciphertext: []byte("opaque encrypted intro list"),
		ExpiresAt:  uint64(expiry.UnixMilli()),
	}
	require.NoError(t, c.Randomize(is.Nonce))
	require.NoError(t, is.Sign(c, derived))
	return is
}

func deriveIntroKey(t *testing.T, c crypto.Crypto) *crypto.SubSecretKey {
	root := new(crypto.SecretKey)
	require.NoError(t, c.IdentityKeygen(root))
	priv, err := root.ToPrivate()
	require.NoError(t, err)
	derived, err := c.DeriveSubkey(priv, root.Public(), []byte("introset"))
	require.NoError(t, err)
	return derived
}

func idAtDistance(key Key, d byte) crypto.RouterID {
	id := key.RouterID()
	id[31] ^= d
	return id
}

func TestMessageRoundTrip(t *testing.T) {
	c := crypto.New()
	now := time.Unix(400000, 0)
	is := makeIntroSet(t, c, now)

	msgs := []Message{
		&FindIntroMessage{Target: is.DerivedSigningKey, TxID: 7, RelayOrder: 1},
		&PublishIntroMessage{IntroSet: *is, Relayed: 1, RelayOrder: 1, TxID: 9},
		&GotIntroMessage{IntroSets: []EncryptedIntroSet{*is}, TxID: 11},
	}
	for _, m := range msgs {
		b, err := EncodeMessage(m)
		require.NoError(t, err)
		out, err := DecodeMessage(b)
		require.NoError(t, err)
		require.Equal(t, m, out)
	}

	_, err := DecodeMessage([]byte("d1:A1:Ze"))
	require.ErrorIs(t, err, ErrInvalidMessage)
}

func TestEncryptedIntroSetVerify(t *testing.T) {
	c := crypto.New()
	now := time.Unix(400000, 0)
	is := makeIntroSet(t, c, now)

	require.NoError(t, is.Verify(c, now))

	expired := *is
	require.ErrorIs(t, expired.Verify(c, is.Expiry().Add(time.Second)), ErrIntrosetExpired)

	tampered := *is
	tampered.Ciphertext = []byte("changed")
	require.ErrorIs(t, tampered.Verify(c, now), ErrIntrosetBadSignature)
}

// Scenario: a client publishes through N1 with relayed=true; N1
// forwards to the two closest with relayed=false, and each stores and
// acks.
func TestPublishIntroPropagation(t *testing.T) {
	now := time.Unix(400000, 0)
	n := newNetwork(t)

	is := makeIntroSet(t, n.c, now)
	key, ok := is.Key()
	require.True(t, ok)

	client := n.addNode(idAtDistance(key, 0x40), false)
	relay := n.addNode(idAtDistance(key, 0x20), true) // N1, far from key
	n2 := n.addNode(idAtDistance(key, 1), true)
	n3 := n.addNode(idAtDistance(key, 2), true)
	n4 := n.addNode(idAtDistance(key, 3), true)
	n5 := n.addNode(idAtDistance(key, 4), true)

	var got []EncryptedIntroSet
	fired := 0
	client.PublishIntroSetTo(idAtDistance(key, 0x20), is, 0, now, func(values []EncryptedIntroSet, err error) {
		fired++
		require.NoError(t, err)
		got = values
	})
	n.flush(now)

	// relayOrder 0 lands on the two XOR-closest routers.
	_, stored2 := n2.GetStored(key, now)
	_, stored3 := n3.GetStored(key, now)
	require.True(t, stored2)
	require.True(t, stored3)
	_, stored4 := n4.GetStored(key, now)
	_, stored5 := n5.GetStored(key, now)
	require.False(t, stored4)
	require.False(t, stored5)
	require.Zero(t, relay.ServiceCount())

	require.Equal(t, 1, fired)
	require.Len(t, got, 1)
	require.Equal(t, is.DerivedSigningKey, got[0].DerivedSigningKey)
}

func TestPublishRelayOrderOne(t *testing.T) {
	now := time.Unix(400000, 0)
	n := newNetwork(t)

	is := makeIntroSet(t, n.c, now)
	key, _ := is.Key()

	client := n.addNode(idAtDistance(key, 0x40), false)
	n.addNode(idAtDistance(key, 0x20), true)
	n2 := n.addNode(idAtDistance(key, 1), true)
	n3 := n.addNode(idAtDistance(key, 2), true)
	n4 := n.addNode(idAtDistance(key, 3), true)
	n5 := n.addNode(idAtDistance(key, 4), true)

	client.PublishIntroSetTo(idAtDistance(key, 0x20), is, 1, now, nil)
	n.flush(now)

	// relayOrder 1 lands on the third and fourth closest.
	_, stored2 := n2.GetStored(key, now)
	_, stored3 := n3.GetStored(key, now)
	_, stored4 := n4.GetStored(key, now)
	_, stored5 := n5.GetStored(key, now)
	require.False(t, stored2)
	require.False(t, stored3)
	require.True(t, stored4)
	require.True(t, stored5)
}

func TestPublishInvalidRelayOrder(t *testing.T) {
	now := time.Unix(400000, 0)
	n := newNetwork(t)

	is := makeIntroSet(t, n.c, now)
	key, _ := is.Key()

	client := n.addNode(idAtDistance(key, 0x40), false)
	relay := n.addNode(idAtDistance(key, 0x20), true)
	for d := byte(1); d <= 4; d++ {
		n.addNode(idAtDistance(key, d), true)
	}

	fired := 0
	client.PublishIntroSetTo(idAtDistance(key, 0x20), is, 2, now, func(values []EncryptedIntroSet, err error) {
		fired++
		require.NoError(t, err)
		require.Empty(t, values)
	})
	n.flush(now)

	// Invalid relay order yields an empty ack and no forwarding.
	require.Equal(t, 1, fired)
	require.Zero(t, relay.ServiceCount())
	for d := byte(1); d <= 4; d++ {
		require.Zero(t, n.nodes[idAtDistance(key, d)].ServiceCount())
	}
}

func TestPublishWithTooFewNodes(t *testing.T) {
	now := time.Unix(400000, 0)
	n := newNetwork(t)

	is := makeIntroSet(t, n.c, now)
	key, _ := is.Key()

	client := n.addNode(idAtDistance(key, 0x40), false)
	relay := n.addNode(idAtDistance(key, 0x20), true)
	n.addNode(idAtDistance(key, 1), true)
	n.addNode(idAtDistance(key, 2), true)

	fired := 0
	client.PublishIntroSetTo(idAtDistance(key, 0x20), is, 0, now, func(values []EncryptedIntroSet, err error) {
		fired++
		require.Empty(t, values)
	})
	n.flush(now)

	// Under four known routers nothing is stored or forwarded.
	require.Equal(t, 1, fired)
	require.Zero(t, relay.ServiceCount())
}

// An introset expiring inside the clock skew slack counts as expired:
// it needs a validity margin past now, not merely a future expiry.
func TestPublishIntroSkewMargin(t *testing.T) {
	now := time.Unix(400000, 0)
	n := newNetwork(t)

	derived := deriveIntroKey(t, n.c)

	// Still valid for half the slack window, but short of the margin.
	is := makeIntroSetExpiring(t, n.c, derived,
		now.Add(constants.MaxIntrosetTimeDelta/2))
	require.ErrorIs(t, is.Verify(n.c, skewHorizon(now)), ErrIntrosetExpired)
	require.NoError(t, is.Verify(n.c, now))

	// Just past the margin it is acceptable again.
	ok := makeIntroSetExpiring(t, n.c, derived,
		now.Add(constants.MaxIntrosetTimeDelta+time.Second))
	require.NoError(t, ok.Verify(n.c, skewHorizon(now)))

	key, _ := is.Key()
	client := n.addNode(idAtDistance(key, 0x40), false)
	relay := n.addNode(idAtDistance(key, 0x20), true)
	for d := byte(1); d <= 4; d++ {
		n.addNode(idAtDistance(key, d), true)
	}

	fired := 0
	client.PublishIntroSetTo(idAtDistance(key, 0x20), is, 0, now, func(values []EncryptedIntroSet, err error) {
		fired++
		require.NoError(t, err)
		require.Empty(t, values)
	})
	n.flush(now)

	// The short-lived introset is acked empty, never stored or
	// forwarded.
	require.Equal(t, 1, fired)
	require.Zero(t, relay.ServiceCount())
	for d := byte(1); d <= 4; d++ {
		require.Zero(t, n.nodes[idAtDistance(key, d)].ServiceCount())
	}
}

// A lookup that first hits a router without the introset keeps
// iterating to the next closest until a holder answers.
func TestFindIntroIterates(t *testing.T) {
	now := time.Unix(400000, 0)
	n := newNetwork(t)

	is := makeIntroSet(t, n.c, now)
	key, _ := is.Key()

	client := n.addNode(idAtDistance(key, 0x40), false)
	n.addNode(idAtDistance(key, 0x20), true)
	n.addNode(idAtDistance(key, 1), true) // closest, does not hold it
	holder := n.addNode(idAtDistance(key, 2), true)
	n.addNode(idAtDistance(key, 3), true)
	n.addNode(idAtDistance(key, 4), true)

	require.True(t, holder.StoreLocal(is))

	fired := 0
	client.LookupIntroSet(key, now, func(values []EncryptedIntroSet, err error) {
		fired++
		require.NoError(t, err)
		require.Len(t, values, 1)
		require.Equal(t, is.DerivedSigningKey, values[0].DerivedSigningKey)
	})
	n.flush(now)
	require.Equal(t, 1, fired)
}

// A router that does not hold the target bridges the query to a closer
// router and relays the answer back under the asker's tx id.
func TestFindIntroBridges(t *testing.T) {
	now := time.Unix(400000, 0)
	n := newNetwork(t)

	is := makeIntroSet(t, n.c, now)
	key, _ := is.Key()

	relay := n.addNode(idAtDistance(key, 0x20), true)
	holder := n.addNode(idAtDistance(key, 1), true)
	require.True(t, holder.StoreLocal(is))

	asker := idAtDistance(key, 0x40)
	var replies []*GotIntroMessage
	n.sinks = map[crypto.RouterID]func([]byte){
		asker: func(payload []byte) {
			m, err := DecodeMessage(payload[1:])
			require.NoError(t, err)
			replies = append(replies, m.(*GotIntroMessage))
		},
	}

	require.NoError(t, relay.HandleMessage(asker,
		mustEncode(t, &FindIntroMessage{Target: key[:], TxID: 42}), now))
	n.flush(now)

	require.Len(t, replies, 1)
	require.Equal(t, uint64(42), replies[0].TxID)
	require.Len(t, replies[0].IntroSets, 1)
	require.Equal(t, is.DerivedSigningKey, replies[0].IntroSets[0].DerivedSigningKey)
}

func TestFindIntroTimeout(t *testing.T) {
	now := time.Unix(400000, 0)
	n := newNetwork(t)

	var key Key
	key[0] = 0x77

	client := n.addNode(idAtDistance(key, 0x40), false)
	// The peer exists in the store but never answers.
	n.store.ids = append(n.store.ids, idAtDistance(key, 1))

	fired := 0
	client.LookupIntroSet(key, now, func(values []EncryptedIntroSet, err error) {
		fired++
		require.ErrorIs(t, err, ErrTimeout)
		require.Empty(t, values)
	})

	client.Tick(now.Add(constants.TXDeadline))
	require.Zero(t, fired)
	client.Tick(now.Add(constants.TXDeadline + time.Second))
	require.Equal(t, 1, fired)

	// Late replies for the closed transaction are discarded.
	require.NoError(t, client.HandleMessage(idAtDistance(key, 1), mustEncode(t, &GotIntroMessage{TxID: 1}), now))
	require.Equal(t, 1, fired)
}

func TestStoreLocalKeepsFreshest(t *testing.T) {
	now := time.Unix(400000, 0)
	n := newNetwork(t)

	is := makeIntroSet(t, n.c, now)
	key, _ := is.Key()
	node := n.addNode(idAtDistance(key, 1), true)

	require.True(t, node.StoreLocal(is))

	older := *is
	older.ExpiresAt -= 1000
	require.False(t, node.StoreLocal(&older))
	got, ok := node.GetStored(key, now)
	require.True(t, ok)
	require.Equal(t, is.ExpiresAt, got.ExpiresAt)

	newer := *is
	newer.ExpiresAt += 1000
	require.True(t, node.StoreLocal(&newer))
}

func TestServiceExpirySweep(t *testing.T) {
	now := time.Unix(400000, 0)
	n := newNetwork(t)

	is := makeIntroSet(t, n.c, now)
	key, _ := is.Key()
	node := n.addNode(idAtDistance(key, 1), true)
	require.True(t, node.StoreLocal(is))

	node.Tick(is.Expiry().Add(time.Second))
	require.Zero(t, node.ServiceCount())
}

func mustEncode(t *testing.T, m Message) []byte {
	b, err := EncodeMessage(m)
	require.NoError(t, err)
	return b
}
