// SPDX-FileCopyrightText: Copyright (C) 2025 the loki-network authors
// SPDX-License-Identifier: AGPL-3.0-only

package util

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDecayingHashSet(t *testing.T) {
	const interval = 5 * time.Second
	now := time.Unix(1000, 0)

	s := NewDecayingHashSet[string](interval)
	require.True(t, s.Insert("horse", now))
	require.False(t, s.Insert("horse", now))
	require.True(t, s.Contains("horse"))

	// One tick short of the interval the entry survives.
	s.Decay(now.Add(interval - time.Millisecond))
	require.True(t, s.Contains("horse"))

	// At the interval it decays.
	s.Decay(now.Add(interval))
	require.False(t, s.Contains("horse"))
	require.Zero(t, s.Len())

	// Reinsertion after decay works.
	require.True(t, s.Insert("horse", now.Add(interval)))
}
