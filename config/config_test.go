// SPDX-FileCopyrightText: Copyright (C) 2025 the loki-network authors
// SPDX-License-Identifier: AGPL-3.0-only

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/notlesh/loki-network/core/crypto"
)

func testConfig(t *testing.T, extra string) string {
	dir := t.TempDir()
	return fmt.Sprintf("[router]\ndata-dir = %s\n%s", dir, extra)
}

func TestLoadDefaults(t *testing.T) {
	c, err := Load([]byte(testConfig(t, "")))
	require.NoError(t, err)

	require.False(t, c.IsRelay())
	require.Equal(t, DefaultNetID, c.Router.NetID)
	require.Equal(t, defaultClientMinConns, c.Router.MinConnections)
	require.Equal(t, defaultClientMaxConns, c.Router.MaxConnections)
	require.Equal(t, defaultHops, c.Network.Hops)
	require.Equal(t, defaultPaths, c.Network.Paths)
	require.Equal(t, defaultLogLevel, c.Logging.Level)
}

func TestLoadRelayDefaults(t *testing.T) {
	c, err := Load([]byte(testConfig(t, "[bind]\neth0 = 1090\n")))
	require.NoError(t, err)

	require.True(t, c.IsRelay())
	require.Equal(t, defaultRelayMinConns, c.Router.MinConnections)
	require.Equal(t, defaultRelayMaxConns, c.Router.MaxConnections)
}

func TestNetIDTooLong(t *testing.T) {
	_, err := Load([]byte(testConfig(t, "netid = muchtoolongnetid\n")))
	require.ErrorIs(t, err, ErrInvalid)
}

func TestHopsOutOfRange(t *testing.T) {
	for _, hops := range []int{0, 9} {
		_, err := Load([]byte(testConfig(t, fmt.Sprintf("[network]\nhops = %d\n", hops))))
		require.ErrorIs(t, err, ErrInvalid, "hops=%d", hops)
	}

	c, err := Load([]byte(testConfig(t, "[network]\nhops = 1\n")))
	require.NoError(t, err)
	require.Equal(t, 1, c.Network.Hops)
}

func TestConnectionBounds(t *testing.T) {
	_, err := Load([]byte(testConfig(t, "min-connections = 2\n")))
	require.ErrorIs(t, err, ErrInvalid)

	_, err = Load([]byte(testConfig(t, "min-connections = 10\nmax-connections = 8\n")))
	require.ErrorIs(t, err, ErrInvalid)
}

func TestUnknownSection(t *testing.T) {
	_, err := Load([]byte(testConfig(t, "[frobnicator]\nx = 1\n")))
	require.ErrorIs(t, err, ErrInvalid)

	// Pre-registered compat sections are ignored.
	_, err = Load([]byte(testConfig(t, "[dns]\nupstream = 9.9.9.9\n")))
	require.NoError(t, err)
}

func TestBlacklistDuplicateWarns(t *testing.T) {
	var id crypto.RouterID
	id[0] = 0x42
	extra := fmt.Sprintf("[network]\nblacklist-snode = %s\nblacklist-snode = %s\n", id, id)

	c, err := Load([]byte(testConfig(t, extra)))
	require.NoError(t, err)
	require.Len(t, c.Network.BlacklistSNodes, 1)
	require.Len(t, c.Warnings, 1)
}

func TestStrictConnect(t *testing.T) {
	var id crypto.RouterID
	id[4] = 0x7f
	c, err := Load([]byte(testConfig(t, fmt.Sprintf("[network]\nstrict-connect = %s\n", id))))
	require.NoError(t, err)
	require.Equal(t, id, c.Network.StrictConnect)

	_, err = Load([]byte(testConfig(t, "[network]\nstrict-connect = nothex\n")))
	require.ErrorIs(t, err, ErrInvalid)
}

func TestBootstrapFileMustExist(t *testing.T) {
	_, err := Load([]byte(testConfig(t, "[bootstrap]\nadd-node = /nonexistent/rc.signed\n")))
	require.ErrorIs(t, err, ErrInvalid)

	f := filepath.Join(t.TempDir(), "bootstrap.signed")
	require.NoError(t, os.WriteFile(f, []byte("d1:ke"), 0600))
	c, err := Load([]byte(testConfig(t, fmt.Sprintf("[bootstrap]\nadd-node = %s\n", f))))
	require.NoError(t, err)
	require.Equal(t, []string{f}, c.Bootstrap.AddNodes)
}

func TestDefaultSaveLoad(t *testing.T) {
	dir := t.TempDir()
	c := Default(true, dir)
	require.NoError(t, c.FixupAndValidate())

	path := filepath.Join(dir, "lokinet.ini")
	require.NoError(t, c.Save(path))

	out, err := LoadFile(path)
	require.NoError(t, err)
	require.True(t, out.IsRelay())
	require.Equal(t, c.Router.NetID, out.Router.NetID)
}
