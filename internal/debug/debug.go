// SPDX-FileCopyrightText: Copyright (C) 2025 the loki-network authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package debug implements common debug routines.
package debug

import (
	"encoding/hex"

	"github.com/notlesh/loki-network/core/crypto"
)

// RouterIDToString returns an abbreviated printable router identity.
func RouterIDToString(id crypto.RouterID) string {
	return hex.EncodeToString(id[:8])
}
