// SPDX-FileCopyrightText: Copyright (C) 2025 the loki-network authors
// SPDX-License-Identifier: AGPL-3.0-only

package dht

import (
	"errors"
	"time"

	"github.com/anacrolix/torrent/bencode"

	"github.com/notlesh/loki-network/core/crypto"
)

var (
	// ErrIntrosetExpired rejects introsets past their expiry, with
	// clock skew slack applied by the caller.
	ErrIntrosetExpired = errors.New("dht: introset expired")

	// ErrIntrosetBadSignature rejects introsets whose signature fails
	// under the derived signing key.
	ErrIntrosetBadSignature = errors.New("dht: introset signature invalid")
)

// Introduction advertises "send traffic addressed to me to this router
// on this path".
type Introduction struct {
	Router    []byte `bencode:"k"`
	PathID    []byte `bencode:"p"`
	ExpiresAt uint64 `bencode:"x"`
	Version   uint64 `bencode:"v"`
}

// IntroSet is a hidden service's plaintext introduction record, the
// payload inside an EncryptedIntroSet.
type IntroSet struct {
	Address    []byte         `bencode:"a"`
	SigningKey []byte         `bencode:"k"`
	Intros     []Introduction `bencode:"i"`
	Topic      string         `bencode:"t,omitempty"`
	Version    uint64         `bencode:"v"`
	ExpiresAt  uint64         `bencode:"x"`
	Signature  []byte         `bencode:"z"`
}

// EncryptedIntroSet is the record the DHT actually stores: the introset
// re-keyed under a signing key derived deterministically from the
// service address.
type EncryptedIntroSet struct {
	DerivedSigningKey []byte `bencode:"d"`
	Nonce             []byte `bencode:"n"`
	Ciphertext        []byte `bencode:"x"`
	ExpiresAt         uint64 `bencode:"e"`
	Version           uint64 `bencode:"v"`
	Signature         []byte `bencode:"z"`
}

// Key returns the DHT key the record lives at.
func (e *EncryptedIntroSet) Key() (Key, bool) {
	return KeyFromBytes(e.DerivedSigningKey)
}

// Expiry returns the expiry instant.
func (e *EncryptedIntroSet) Expiry() time.Time {
	return time.UnixMilli(int64(e.ExpiresAt))
}

// IsExpired returns true once now passes the expiry.
func (e *EncryptedIntroSet) IsExpired(now time.Time) bool {
	return now.After(e.Expiry())
}

func (e *EncryptedIntroSet) signedBuf() ([]byte, error) {
	cp := *e
	cp.Signature = make([]byte, crypto.SignatureSize)
	return bencode.Marshal(&cp)
}

// Sign signs the record under the derived key, setting
// DerivedSigningKey from it.
func (e *EncryptedIntroSet) Sign(c crypto.Crypto, derived *crypto.SubSecretKey) error {
	pub, err := derived.ToPublic()
	if err != nil {
		return err
	}
	e.DerivedSigningKey = pub[:]
	e.Signature = nil

	buf, err := e.signedBuf()
	if err != nil {
		return err
	}
	sig, err := c.SignPrivate(&derived.PrivateKey, buf)
	if err != nil {
		return err
	}
	e.Signature = append([]byte{}, sig[:]...)
	return nil
}

// Verify checks the signature and expiry.  now should already include
// any clock skew slack the caller grants.
func (e *EncryptedIntroSet) Verify(c crypto.Crypto, now time.Time) error {
	if len(e.DerivedSigningKey) != crypto.PubKeySize || len(e.Signature) != crypto.SignatureSize {
		return ErrIntrosetBadSignature
	}
	if e.IsExpired(now) {
		return ErrIntrosetExpired
	}
	buf, err := e.signedBuf()
	if err != nil {
		return err
	}
	var pub crypto.PubKey
	copy(pub[:], e.DerivedSigningKey)
	var sig crypto.Signature
	copy(sig[:], e.Signature)
	if !c.Verify(pub, buf, sig) {
		return ErrIntrosetBadSignature
	}
	return nil
}
