// SPDX-FileCopyrightText: Copyright (C) 2025 the loki-network authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package constants defines tunables shared across the router's
// subsystems.
package constants

import "time"

const (
	// SessionTimeout closes a link session that has received nothing.
	SessionTimeout = 30 * time.Second

	// HandshakeTimeout bounds a pending session's handshake.
	HandshakeTimeout = 10 * time.Second

	// PingInterval is the keepalive send interval on idle established
	// sessions.
	PingInterval = 10 * time.Second

	// RekeyInterval forces a session rekey by time.
	RekeyInterval = 10 * time.Minute

	// RekeyBytes forces a session rekey by traffic volume in either
	// direction.
	RekeyBytes = 1 << 30

	// MaxSessionsPerKey caps authenticated sessions per peer identity.
	MaxSessionsPerKey = 16

	// MaxSessionsPerEndpoint caps pending sessions per remote address.
	MaxSessionsPerEndpoint = 5

	// MaxConsecutiveAuthFailures closes a session that keeps failing
	// packet authentication.
	MaxConsecutiveAuthFailures = 16

	// MaxConsecutiveReplays closes a session whose replay window keeps
	// rejecting authenticated frames.
	MaxConsecutiveReplays = 16

	// MessageTTL drops queued outbound messages that never found a
	// session.
	MessageTTL = 5 * time.Second

	// QueueWatermark is the per-peer outbound backlog above which the
	// dispatcher reports congestion.
	QueueWatermark = 128

	// TXDeadline completes an unanswered DHT transaction with a
	// timeout.
	TXDeadline = 5 * time.Second

	// DHTKValue is the redundancy parameter for iterative lookups.
	DHTKValue = 8

	// MaxIntrosetTimeDelta is the clock skew slack applied when
	// validating introsets.
	MaxIntrosetTimeDelta = 10 * time.Minute

	// IntrosetStorageRedundancy is how many closest routers an
	// introset is published to.
	IntrosetStorageRedundancy = 4

	// TickInterval is the router maintenance tick period.
	TickInterval = 1 * time.Second

	// StatsReportInterval is how often the tick loop logs a stats
	// snapshot.
	StatsReportInterval = 1 * time.Hour

	// PathLifetime is how long a built path is used.
	PathLifetime = 10 * time.Minute

	// PathBuildTimeout fails a path build that got no confirmation.
	PathBuildTimeout = 30 * time.Second

	// MinRoutersForPaths is the node table size under which the tick
	// loop triggers DHT exploration.
	MinRoutersForPaths = 4

	// ConnectCooldown is the per-peer backoff floor after a failed
	// session attempt.
	ConnectCooldown = 10 * time.Second

	// ConnectBackoffCap bounds the exponential establish backoff.
	ConnectBackoffCap = 5 * time.Minute
)
