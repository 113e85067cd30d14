// SPDX-FileCopyrightText: Copyright (C) 2025 the loki-network authors
// SPDX-License-Identifier: AGPL-3.0-only

package profiles

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/notlesh/loki-network/core/crypto"
)

func TestProfilesPersistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profiles.dat")
	now := time.Unix(5000, 0)

	var id crypto.RouterID
	id[0] = 0xaa

	p, err := Open(path)
	require.NoError(t, err)
	p.MarkConnectSuccess(id, now)
	p.MarkPathFail(id, now)
	require.True(t, p.ShouldSave(now.Add(saveInterval+time.Second)))
	require.NoError(t, p.Save(now))
	require.NoError(t, p.Close())

	p, err = Open(path)
	require.NoError(t, err)
	defer p.Close()
	require.Equal(t, 1, p.Len())
	require.False(t, p.ShouldSave(now.Add(time.Hour)))
}

func TestIsBadNeedsSamples(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profiles.dat")
	now := time.Unix(5000, 0)

	p, err := Open(path)
	require.NoError(t, err)
	defer p.Close()

	var id crypto.RouterID
	id[0] = 0xbb

	// Below the sample floor the ratio never counts.
	for i := 0; i < minSamples-1; i++ {
		p.MarkConnectTimeout(id, now)
	}
	require.False(t, p.IsBad(id))

	p.MarkConnectTimeout(id, now)
	require.True(t, p.IsBad(id))

	// Successes pull the ratio back under the threshold.
	for i := 0; i < 3*minSamples; i++ {
		p.MarkConnectSuccess(id, now)
	}
	require.False(t, p.IsBad(id))
}

func TestTickDropsStale(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profiles.dat")
	now := time.Unix(5000, 0)

	p, err := Open(path)
	require.NoError(t, err)
	defer p.Close()

	var id crypto.RouterID
	id[0] = 0xcc
	p.MarkPathSuccess(id, now)

	p.Tick(now.Add(staleAfter))
	require.Equal(t, 1, p.Len())
	p.Tick(now.Add(staleAfter + time.Second))
	require.Zero(t, p.Len())
}
