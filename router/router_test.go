// SPDX-FileCopyrightText: Copyright (C) 2025 the loki-network authors
// SPDX-License-Identifier: AGPL-3.0-only

package router

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/notlesh/loki-network/config"
	"github.com/notlesh/loki-network/core/crypto"
	"github.com/notlesh/loki-network/rc"
)

func testConfig(t *testing.T, relay bool) *config.Config {
	cfg := config.Default(relay, t.TempDir())
	cfg.Logging.Type = "discard"
	if relay {
		// Loopback with an ephemeral port for tests.
		cfg.Binds = []config.Bind{{Interface: "127.0.0.1", Port: 0}}
	}
	return cfg
}

func startRouter(t *testing.T, cfg *config.Config) *Router {
	r, err := New(cfg, crypto.New())
	require.NoError(t, err)
	t.Cleanup(r.Shutdown)
	return r
}

func TestRouterStartShutdown(t *testing.T) {
	r := startRouter(t, testConfig(t, false))

	require.False(t, r.IsServiceNode())
	ourRC := r.OurRC()
	require.NotZero(t, ourRC.LastUpdated)
	require.NoError(t, ourRC.Verify(crypto.New()))

	// Our signed contact lands under data-dir.
	require.Eventually(t, func() bool {
		_, err := os.Stat(filepath.Join(r.cfg.Router.DataDir, SelfRCFile))
		return err == nil
	}, time.Second, 10*time.Millisecond)
}

func TestTwoRoutersConnect(t *testing.T) {
	a := startRouter(t, testConfig(t, true))

	// Persist A's contact and bootstrap B with it.
	aRC := a.OurRC()
	bootPath := filepath.Join(t.TempDir(), "a.signed")
	require.NoError(t, aRC.WriteFile(bootPath))

	cfgB := testConfig(t, true)
	cfgB.Bootstrap.AddNodes = []string{bootPath}
	b := startRouter(t, cfgB)

	// Within the five second budget both sides see each other.
	require.Eventually(t, func() bool {
		return a.HasSessionTo(b.ourID) && b.HasSessionTo(a.ourID) &&
			a.NumberOfConnectedRouters() == 1 && b.NumberOfConnectedRouters() == 1
	}, 5*time.Second, 50*time.Millisecond)
}

func TestRCRegeneration(t *testing.T) {
	r := startRouter(t, testConfig(t, false))
	before := r.OurRC().LastUpdated

	// Pretend an update interval elapsed; the next tick re-signs.
	future := time.Now().Add(rc.UpdateInterval + time.Minute)
	require.NoError(t, r.LogicCall(func() {
		r.Tick(future)
	}))

	require.Eventually(t, func() bool {
		var updated time.Time
		done := make(chan struct{})
		require.NoError(t, r.LogicCall(func() {
			updated = r.OurRC().LastUpdated
			close(done)
		}))
		<-done
		return updated.After(before)
	}, 5*time.Second, 50*time.Millisecond)
}
