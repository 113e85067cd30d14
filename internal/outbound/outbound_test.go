// SPDX-FileCopyrightText: Copyright (C) 2025 the loki-network authors
// SPDX-License-Identifier: AGPL-3.0-only

package outbound

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/notlesh/loki-network/core/crypto"
	"github.com/notlesh/loki-network/core/log"
	"github.com/notlesh/loki-network/internal/constants"
	"github.com/notlesh/loki-network/internal/link"
	"github.com/notlesh/loki-network/rc"
)

type fakeLinks struct {
	established map[crypto.RouterID]bool
	dialed      []crypto.RouterID
	dialErr     error
}

func (f *fakeLinks) TryEstablishTo(contact *rc.RouterContact, _ time.Time) error {
	if f.dialErr != nil {
		return f.dialErr
	}
	f.dialed = append(f.dialed, contact.RouterID())
	return nil
}

func (f *fakeLinks) HasSessionTo(id crypto.RouterID) bool {
	return f.established[id]
}

type fakeStore struct {
	contacts map[crypto.RouterID]*rc.RouterContact
}

func (f *fakeStore) Get(id crypto.RouterID) (*rc.RouterContact, bool) {
	c, ok := f.contacts[id]
	return c, ok
}

func (f *fakeStore) RandomCandidates(n int, exclude func(crypto.RouterID) bool) []*rc.RouterContact {
	var out []*rc.RouterContact
	for id, c := range f.contacts {
		if len(out) == n {
			break
		}
		if exclude != nil && exclude(id) {
			continue
		}
		out = append(out, c)
	}
	return out
}

func contactWithID(b byte) (*rc.RouterContact, crypto.RouterID) {
	var id crypto.RouterID
	id[0] = b
	c := &rc.RouterContact{
		NetID: "lokinet",
		Addrs: []rc.AddressInfo{{Dialect: "iwp", IP: net.ParseIP("10.0.0.1"), Port: 1090}},
	}
	copy(c.PubKey[:], id[:])
	return c, id
}

func testMaker(t *testing.T) (*SessionMaker, *fakeLinks, *fakeStore) {
	backend, err := log.New("", "DEBUG", true)
	require.NoError(t, err)
	links := &fakeLinks{established: make(map[crypto.RouterID]bool)}
	store := &fakeStore{contacts: make(map[crypto.RouterID]*rc.RouterContact)}
	m := NewSessionMaker(backend.GetLogger("maker"), links, store, nil, 4, 6)
	return m, links, store
}

func TestCreateSessionSingleFlight(t *testing.T) {
	m, links, store := testMaker(t)
	now := time.Unix(9000, 0)

	c, id := contactWithID(1)
	store.contacts[id] = c

	var results []SessionResult
	cb := func(_ crypto.RouterID, r SessionResult) {
		results = append(results, r)
	}
	m.CreateSessionTo(id, now, cb)
	m.CreateSessionTo(id, now, cb)
	m.CreateSessionTo(id, now, cb)

	// One dial, three waiters.
	require.Len(t, links.dialed, 1)
	require.True(t, m.HasPendingSessionTo(id))
	require.Empty(t, results)

	links.established[id] = true
	m.OnSessionEstablished(id, now)
	require.Equal(t, []SessionResult{SessionEstablished, SessionEstablished, SessionEstablished}, results)
	require.False(t, m.HasPendingSessionTo(id))
}

func TestCreateSessionNoRouter(t *testing.T) {
	m, _, _ := testMaker(t)
	now := time.Unix(9000, 0)

	_, id := contactWithID(2)
	fired := 0
	m.CreateSessionTo(id, now, func(_ crypto.RouterID, r SessionResult) {
		fired++
		require.Equal(t, SessionNoRouter, r)
	})
	require.Equal(t, 1, fired)
}

func TestTimeoutBackoff(t *testing.T) {
	m, _, store := testMaker(t)
	now := time.Unix(9000, 0)

	c, id := contactWithID(3)
	store.contacts[id] = c

	m.CreateSessionTo(id, now, nil)
	m.OnConnectTimeout(id, now)

	// Under cooldown the peer is not eligible.
	require.False(t, m.ShouldConnectTo(id, now))
	require.False(t, m.ShouldConnectTo(id, now.Add(constants.ConnectCooldown-time.Second)))
	require.True(t, m.ShouldConnectTo(id, now.Add(constants.ConnectCooldown+time.Second)))

	// A second failure doubles the delay.
	now = now.Add(constants.ConnectCooldown + time.Second)
	m.CreateSessionTo(id, now, nil)
	m.OnConnectTimeout(id, now)
	require.False(t, m.ShouldConnectTo(id, now.Add(constants.ConnectCooldown+time.Second)))
	require.True(t, m.ShouldConnectTo(id, now.Add(2*constants.ConnectCooldown+time.Second)))
}

func TestConnectToRandomRouters(t *testing.T) {
	m, links, store := testMaker(t)
	now := time.Unix(9000, 0)

	for i := byte(1); i <= 5; i++ {
		c, id := contactWithID(i)
		store.contacts[id] = c
	}
	// One of them is already connected and must be skipped.
	_, connected := contactWithID(1)
	links.established[connected] = true

	m.ConnectToRandomRouters(3, now)
	require.Len(t, links.dialed, 3)
	for _, id := range links.dialed {
		require.NotEqual(t, connected, id)
	}
}

func TestPolicyGate(t *testing.T) {
	backend, err := log.New("", "DEBUG", true)
	require.NoError(t, err)
	links := &fakeLinks{established: make(map[crypto.RouterID]bool)}
	store := &fakeStore{contacts: make(map[crypto.RouterID]*rc.RouterContact)}

	_, banned := contactWithID(9)
	m := NewSessionMaker(backend.GetLogger("maker"), links, store, func(id crypto.RouterID) bool {
		return id != banned
	}, 4, 6)

	require.False(t, m.ShouldConnectTo(banned, time.Unix(9000, 0)))
}

func testDispatcher(t *testing.T) (*Dispatcher, *fakeLinks, *fakeStore, *[]crypto.RouterID) {
	m, links, store := testMaker(t)
	backend, err := log.New("", "DEBUG", true)
	require.NoError(t, err)

	var sent []crypto.RouterID
	d := NewDispatcher(backend.GetLogger("dispatcher"), func(remote crypto.RouterID, buf []byte, completion func(link.SendResult)) bool {
		if !links.established[remote] {
			return false
		}
		sent = append(sent, remote)
		if completion != nil {
			completion(link.SendSuccess)
		}
		return true
	}, m)
	return d, links, store, &sent
}

func TestQueueMessageImmediate(t *testing.T) {
	d, links, _, sent := testDispatcher(t)
	now := time.Unix(9000, 0)

	_, id := contactWithID(1)
	links.established[id] = true

	fired := 0
	d.QueueMessage(id, []byte("direct"), now, func(r link.SendResult) {
		fired++
		require.Equal(t, link.SendSuccess, r)
	})
	require.Equal(t, 1, fired)
	require.Len(t, *sent, 1)
	require.Zero(t, d.Backlog())
}

func TestQueueMessageDrainOnEstablish(t *testing.T) {
	d, links, store, sent := testDispatcher(t)
	now := time.Unix(9000, 0)

	c, id := contactWithID(2)
	store.contacts[id] = c

	d.QueueMessage(id, []byte("one"), now, nil)
	d.QueueMessage(id, []byte("two"), now, nil)
	require.Equal(t, 2, d.Backlog())
	require.Empty(t, *sent)

	links.established[id] = true
	d.OnSessionEstablished(id)
	require.Zero(t, d.Backlog())
	require.Len(t, *sent, 2)
}

func TestQueueMessageTTL(t *testing.T) {
	d, _, store, _ := testDispatcher(t)
	now := time.Unix(9000, 0)

	c, id := contactWithID(3)
	store.contacts[id] = c

	fired := 0
	d.QueueMessage(id, []byte("stale"), now, func(r link.SendResult) {
		fired++
		require.Equal(t, link.SendTimeout, r)
	})

	d.Tick(now.Add(constants.MessageTTL))
	require.Zero(t, fired)
	d.Tick(now.Add(constants.MessageTTL + time.Second))
	require.Equal(t, 1, fired)
	require.Zero(t, d.Backlog())
}
