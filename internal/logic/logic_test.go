// SPDX-FileCopyrightText: Copyright (C) 2025 the loki-network authors
// SPDX-License-Identifier: AGPL-3.0-only

package logic

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/notlesh/loki-network/core/log"
)

func testLogic(t *testing.T, depth int) *Logic {
	backend, err := log.New("", "DEBUG", true)
	require.NoError(t, err)
	l := New(depth, backend.GetLogger("logic"))
	t.Cleanup(l.Halt)
	return l
}

func TestCallRunsSerially(t *testing.T) {
	l := testLogic(t, 64)

	// Jobs observe each other's writes without synchronisation because
	// they share the one lane.
	var order []int
	done := make(chan struct{})
	for i := 0; i < 10; i++ {
		i := i
		require.NoError(t, l.Call(func() {
			order = append(order, i)
			if i == 9 {
				close(done)
			}
		}))
	}
	<-done
	require.NoError(t, l.Call(func() {})) // flush
	require.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, order)
}

func TestCallQueueFull(t *testing.T) {
	l := testLogic(t, 1024)

	// Saturate the lane with a blocking job, then fill the queue.
	release := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, l.Call(func() {
		close(started)
		<-release
	}))
	<-started

	var err error
	for i := 0; i < 2048; i++ {
		if err = l.Call(func() {}); err != nil {
			break
		}
	}
	require.ErrorIs(t, err, ErrQueueFull)
	close(release)
}

func TestCallLaterFires(t *testing.T) {
	l := testLogic(t, 64)

	fired := make(chan time.Time, 1)
	start := time.Now()
	l.CallLater(50*time.Millisecond, func() {
		fired <- time.Now()
	})

	select {
	case at := <-fired:
		require.GreaterOrEqual(t, at.Sub(start), 45*time.Millisecond)
	case <-time.After(time.Second):
		t.Fatal("timer never fired")
	}
}

func TestCancel(t *testing.T) {
	l := testLogic(t, 64)

	id := l.CallLater(100*time.Millisecond, func() {
		t.Error("cancelled timer fired")
	})
	require.True(t, l.Cancel(id))
	require.False(t, l.Cancel(id))
	time.Sleep(200 * time.Millisecond)
}
