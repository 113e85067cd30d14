// SPDX-FileCopyrightText: Copyright (C) 2025 the loki-network authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package dht implements the distributed hash table that stores router
// contacts and hidden service introduction sets.
package dht

import (
	"bytes"
	"encoding/hex"

	"github.com/notlesh/loki-network/core/crypto"
)

// Key is a 32 byte DHT key; router identities and derived introset
// signing keys reinterpret into this space.
type Key [32]byte

// KeyFromRouterID reinterprets a router identity as a DHT key.
func KeyFromRouterID(id crypto.RouterID) Key {
	return Key(id)
}

// KeyFromBytes builds a key from a 32 byte slice.
func KeyFromBytes(b []byte) (Key, bool) {
	var k Key
	if len(b) != len(k) {
		return k, false
	}
	copy(k[:], b)
	return k, true
}

// RouterID reinterprets the key as a router identity.
func (k Key) RouterID() crypto.RouterID {
	return crypto.RouterID(k)
}

// Distance returns the XOR metric between two keys.
func (k Key) Distance(other Key) Key {
	var d Key
	for i := range d {
		d[i] = k[i] ^ other[i]
	}
	return d
}

// Less orders keys as big-endian integers.
func (k Key) Less(other Key) bool {
	return bytes.Compare(k[:], other[:]) < 0
}

func (k Key) String() string {
	return hex.EncodeToString(k[:])
}
