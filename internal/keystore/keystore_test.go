// SPDX-FileCopyrightText: Copyright (C) 2025 the loki-network authors
// SPDX-License-Identifier: AGPL-3.0-only

package keystore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/notlesh/loki-network/core/crypto"
	"github.com/notlesh/loki-network/core/log"
)

func testManager(t *testing.T) (*KeyManager, string) {
	dir := t.TempDir()
	backend, err := log.New("", "DEBUG", true)
	require.NoError(t, err)
	return New(crypto.New(), backend.GetLogger("keystore"), dir), dir
}

func TestEnsureKeysGeneratesOnce(t *testing.T) {
	m, dir := testManager(t)

	keys, err := m.EnsureKeys()
	require.NoError(t, err)
	for _, f := range []string{IdentityKeyFile, EncryptionKeyFile, TransportKeyFile} {
		_, err := os.Stat(filepath.Join(dir, f))
		require.NoError(t, err)
	}

	// A second load from the same directory returns the same keys.
	again, err := m.EnsureKeys()
	require.NoError(t, err)
	require.True(t, keys.Identity.Equal(&again.Identity))
	require.True(t, keys.Encryption.Equal(&again.Encryption))
	require.True(t, keys.Transport.Equal(&again.Transport))
}

func TestLoadRawSeedFile(t *testing.T) {
	m, dir := testManager(t)

	// A raw 64 byte blob is accepted as-is.
	sk := new(crypto.SecretKey)
	require.NoError(t, crypto.New().IdentityKeygen(sk))
	raw := filepath.Join(dir, IdentityKeyFile)
	require.NoError(t, os.WriteFile(raw, sk[:], 0600))

	keys, err := m.EnsureKeys()
	require.NoError(t, err)
	require.True(t, sk.Equal(&keys.Identity))
}

func TestLoadRecalculateIdempotent(t *testing.T) {
	m, _ := testManager(t)

	keys, err := m.EnsureKeys()
	require.NoError(t, err)

	cp := keys.Identity
	require.NoError(t, cp.Recalculate())
	require.True(t, keys.Identity.Equal(&cp))
}

func TestLoadRejectsGarbage(t *testing.T) {
	m, dir := testManager(t)

	require.NoError(t, os.WriteFile(filepath.Join(dir, IdentityKeyFile), []byte("not a key"), 0600))
	_, err := m.EnsureKeys()
	require.ErrorIs(t, err, ErrKeyIO)
}
