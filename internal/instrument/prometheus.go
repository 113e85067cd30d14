// SPDX-FileCopyrightText: Copyright (C) 2025 the loki-network authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package instrument exposes prometheus instrumentation.
package instrument

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	packetsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lokinet_packets_dropped_total",
		Help: "Number of link packets dropped",
	})
	sessionsEstablished = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lokinet_sessions_established_total",
		Help: "Number of link sessions established",
	})
	sessionsTimedOut = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lokinet_sessions_timed_out_total",
		Help: "Number of link sessions closed by timeout",
	})
	dhtTransactions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lokinet_dht_transactions_total",
		Help: "Number of DHT transactions started",
	})
	dhtTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lokinet_dht_timeouts_total",
		Help: "Number of DHT transactions that hit their deadline",
	})
	pathBuilds = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lokinet_path_builds_total",
		Help: "Number of path build attempts",
	})
)

// Init exposes registered metrics via HTTP on addr.
func Init(addr string) {
	http.Handle("/metrics", promhttp.Handler())
	go http.ListenAndServe(addr, nil)
}

// PacketsDropped counts a dropped link packet.
func PacketsDropped() { packetsDropped.Inc() }

// SessionEstablished counts an established session.
func SessionEstablished() { sessionsEstablished.Inc() }

// SessionTimedOut counts a session closed by timeout.
func SessionTimedOut() { sessionsTimedOut.Inc() }

// DHTTransaction counts a started DHT transaction.
func DHTTransaction() { dhtTransactions.Inc() }

// DHTTimeout counts a DHT transaction deadline.
func DHTTimeout() { dhtTimeouts.Inc() }

// PathBuild counts a path build attempt.
func PathBuild() { pathBuilds.Inc() }
