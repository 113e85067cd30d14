// SPDX-FileCopyrightText: Copyright (C) 2025 the loki-network authors
// SPDX-License-Identifier: AGPL-3.0-only

package link

import (
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/notlesh/loki-network/core/crypto"
	"github.com/notlesh/loki-network/core/log"
	"github.com/notlesh/loki-network/internal/constants"
	"github.com/notlesh/loki-network/internal/logic"
	"github.com/notlesh/loki-network/rc"
)

type testNode struct {
	layer *Layer
	logic *logic.Logic
	ident *crypto.SecretKey
	rc    *rc.RouterContact
}

func newTestNode(t *testing.T, name string) *testNode {
	c := crypto.New()
	backend, err := log.New("", "DEBUG", true)
	require.NoError(t, err)

	ident := new(crypto.SecretKey)
	require.NoError(t, c.IdentityKeygen(ident))
	enc := new(crypto.SecretKey)
	require.NoError(t, c.EncryptionKeygen(enc))
	encPub, err := crypto.CurvePublic(enc)
	require.NoError(t, err)

	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	port := conn.LocalAddr().(*net.UDPAddr).Port

	lg := logic.New(1024, backend.GetLogger("logic:"+name))
	layer := NewLayer(c, backend.GetLogger("link:"+name), "iwp", conn,
		ident.Public().RouterID(), ident, 1, Hooks{}, lg.Call)

	contact := &rc.RouterContact{
		EncKey: encPub,
		NetID:  "lokinet",
		Addrs: []rc.AddressInfo{{
			Dialect: "iwp",
			PubKey:  ident.Public(),
			IP:      net.ParseIP("127.0.0.1"),
			Port:    uint16(port),
		}},
	}
	require.NoError(t, contact.Sign(c, ident, time.Now()))

	n := &testNode{layer: layer, logic: lg, ident: ident, rc: contact}
	t.Cleanup(func() {
		layer.Halt()
		lg.Halt()
	})
	return n
}

// pumpUntil drives both nodes' Pump on their logic lanes until cond
// holds or the deadline passes.
func pumpUntil(t *testing.T, nodes []*testNode, cond func() bool, deadline time.Duration) {
	t.Helper()
	until := time.Now().Add(deadline)
	for time.Now().Before(until) {
		ok := make(chan bool, 1)
		for _, n := range nodes {
			n := n
			require.NoError(t, n.logic.Call(func() {
				n.layer.Pump(time.Now())
			}))
		}
		require.NoError(t, nodes[0].logic.Call(func() {
			ok <- cond()
		}))
		if <-ok {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("condition never held")
}

func TestTwoNodeSession(t *testing.T) {
	a := newTestNode(t, "a")
	b := newTestNode(t, "b")

	require.NoError(t, a.logic.Call(func() {
		require.NoError(t, a.layer.TryEstablishTo(b.rc, time.Now()))
	}))

	// Both sides see each other within the five second budget.
	pumpUntil(t, []*testNode{a, b}, func() bool {
		return a.layer.HasSessionTo(b.rc.RouterID()) &&
			b.layer.HasSessionTo(a.rc.RouterID()) &&
			a.layer.NumberOfConnectedRouters() == 1 &&
			b.layer.NumberOfConnectedRouters() == 1
	}, 5*time.Second)
}

func TestTwoNodeSendTo(t *testing.T) {
	a := newTestNode(t, "a")
	b := newTestNode(t, "b")

	got := make(chan []byte, 1)
	b.layer.hooks.OnLinkMessage = func(from crypto.RouterID, payload []byte) {
		require.Equal(t, a.rc.RouterID(), from)
		got <- payload
	}

	require.NoError(t, a.logic.Call(func() {
		require.NoError(t, a.layer.TryEstablishTo(b.rc, time.Now()))
	}))
	pumpUntil(t, []*testNode{a, b}, func() bool {
		return a.layer.HasSessionTo(b.rc.RouterID())
	}, 5*time.Second)

	result := make(chan SendResult, 1)
	require.NoError(t, a.logic.Call(func() {
		require.True(t, a.layer.SendTo(b.rc.RouterID(), []byte("hello b"), func(r SendResult) {
			result <- r
		}))
	}))

	select {
	case payload := <-got:
		require.Equal(t, []byte("hello b"), payload)
	case <-time.After(5 * time.Second):
		t.Fatal("message never delivered")
	}
	pumpUntil(t, []*testNode{a, b}, func() bool {
		select {
		case r := <-result:
			require.Equal(t, SendSuccess, r)
			return true
		default:
			return false
		}
	}, 5*time.Second)
}

func TestSendToWithoutSession(t *testing.T) {
	a := newTestNode(t, "a")
	var id crypto.RouterID
	id[0] = 1
	require.False(t, a.layer.SendTo(id, []byte("x"), nil))
}

func TestMapAddrSessionCap(t *testing.T) {
	a := newTestNode(t, "a")

	var peer crypto.RouterID
	peer[0] = 0x99

	// Fill the peer up to the cap with promoted sessions.
	mk := func(i int) *Session {
		addr := &net.UDPAddr{IP: net.ParseIP("10.1.1.1"), Port: 2000 + i}
		s := newSession(crypto.New(), a.layer.log, a.layer.ourID, a.ident, addr,
			func([]byte) {}, time.Now(), true)
		s.remoteID = peer
		a.layer.pending[addr.String()] = s
		return s
	}

	for i := 0; i < constants.MaxSessionsPerKey; i++ {
		require.True(t, a.layer.MapAddr(peer, mk(i)), "session %d", i)
	}

	// The 17th is refused and the pending entry stays for the caller
	// to close.
	extra := mk(constants.MaxSessionsPerKey)
	require.False(t, a.layer.MapAddr(peer, extra))
	extra.Close()

	visited := 0
	a.layer.ForEachSession(func(s *Session) {
		if s.RemoteID() == peer {
			visited++
		}
	}, false)
	require.Equal(t, constants.MaxSessionsPerKey, visited)
	require.Equal(t, constants.MaxSessionsPerKey, a.layer.SessionCountTo(peer))
}

func TestPendingEndpointCap(t *testing.T) {
	a := newTestNode(t, "a")

	for i := 0; i < constants.MaxSessionsPerEndpoint+2; i++ {
		addr := &net.UDPAddr{IP: net.ParseIP("10.2.2.2"), Port: 3000 + i}
		contact := &rc.RouterContact{
			NetID: "lokinet",
			Addrs: []rc.AddressInfo{{Dialect: "iwp", IP: addr.IP, Port: uint16(addr.Port)}},
		}
		var id crypto.RouterID
		id[0] = byte(i + 1)
		copy(contact.PubKey[:], id[:])

		err := a.layer.TryEstablishTo(contact, time.Now())
		if i < constants.MaxSessionsPerEndpoint {
			require.NoError(t, err, "attempt %d", i)
		} else {
			require.ErrorIs(t, err, ErrPendingFull, "attempt %d", i)
		}
	}
}

func TestPendingTimeoutNotifies(t *testing.T) {
	a := newTestNode(t, "a")

	timedOut := make(chan crypto.RouterID, 1)
	a.layer.hooks.OnPendingTimeout = func(id crypto.RouterID, _ *net.UDPAddr) {
		timedOut <- id
	}

	// Establish toward an address nobody answers on.
	contact := &rc.RouterContact{
		NetID: "lokinet",
		Addrs: []rc.AddressInfo{{Dialect: "iwp", IP: net.ParseIP("127.0.0.1"), Port: 9}},
	}
	var id crypto.RouterID
	id[0] = 0x55
	copy(contact.PubKey[:], id[:])

	now := time.Now()
	require.NoError(t, a.logic.Call(func() {
		require.NoError(t, a.layer.TryEstablishTo(contact, now))
	}))

	done := make(chan struct{})
	require.NoError(t, a.logic.Call(func() {
		a.layer.Pump(now.Add(constants.HandshakeTimeout + time.Second))
		close(done)
	}))
	<-done

	select {
	case got := <-timedOut:
		require.Equal(t, id, got)
	default:
		t.Fatal("pending timeout never reported")
	}
}

func TestForEachSessionRandomizeVisitsAll(t *testing.T) {
	a := newTestNode(t, "a")

	for i := 0; i < 4; i++ {
		var peer crypto.RouterID
		peer[0] = byte(i + 1)
		addr := &net.UDPAddr{IP: net.ParseIP("10.3.3.3"), Port: 4000 + i}
		s := newSession(crypto.New(), a.layer.log, a.layer.ourID, a.ident, addr,
			func([]byte) {}, time.Now(), true)
		s.remoteID = peer
		a.layer.pending[addr.String()] = s
		require.True(t, a.layer.MapAddr(peer, s))
	}

	seen := make(map[string]bool)
	a.layer.ForEachSession(func(s *Session) {
		seen[fmt.Sprintf("%v", s.RemoteID())] = true
	}, true)
	require.Len(t, seen, 4)
}
