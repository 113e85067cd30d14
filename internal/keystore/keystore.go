// SPDX-FileCopyrightText: Copyright (C) 2025 the loki-network authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package keystore persists the router's long term key material under
// the data directory.
package keystore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/anacrolix/torrent/bencode"
	"gopkg.in/op/go-logging.v1"

	"github.com/notlesh/loki-network/core/crypto"
)

const (
	// IdentityKeyFile holds the identity signing seed.
	IdentityKeyFile = "identity.private"

	// EncryptionKeyFile holds the DH seed.
	EncryptionKeyFile = "encryption.private"

	// TransportKeyFile holds the link transport seed.
	TransportKeyFile = "transport.private"

	keyFileMode = 0600
)

// ErrKeyIO is wrapped by all key persistence failures.
var ErrKeyIO = errors.New("keystore: key i/o error")

// secretKeyWire is the bencoded on-disk form.  Files whose size equals
// the raw blob size are read as raw bytes instead; both forms are
// accepted for migration compatibility.
type secretKeyWire struct {
	Key     []byte `bencode:"k"`
	Version uint64 `bencode:"v"`
}

// Keys is the router's long term key material.
type Keys struct {
	Identity   crypto.SecretKey
	Encryption crypto.SecretKey
	Transport  crypto.SecretKey
}

// KeyManager loads and stores keys under a data directory.
type KeyManager struct {
	c       crypto.Crypto
	log     *logging.Logger
	dataDir string
}

// New creates a KeyManager rooted at dataDir.
func New(c crypto.Crypto, log *logging.Logger, dataDir string) *KeyManager {
	return &KeyManager{
		c:       c,
		log:     log,
		dataDir: dataDir,
	}
}

func (m *KeyManager) path(name string) string {
	return filepath.Join(m.dataDir, name)
}

// LoadSecretKey reads a secret key file, accepting either a raw
// seed+pubkey blob or a bencoded dictionary.
func LoadSecretKey(path string, sk *crypto.SecretKey) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	if len(b) == crypto.SecretKeySize {
		copy(sk[:], b)
		return nil
	}

	var w secretKeyWire
	if err := bencode.Unmarshal(b, &w); err != nil {
		return fmt.Errorf("%w: %v: %v", ErrKeyIO, path, err)
	}
	if len(w.Key) != crypto.SecretKeySize {
		return fmt.Errorf("%w: %v: bad key length %d", ErrKeyIO, path, len(w.Key))
	}
	copy(sk[:], w.Key)
	return nil
}

// SaveSecretKey persists a secret key file in the bencoded form.
func SaveSecretKey(path string, sk *crypto.SecretKey) error {
	b, err := bencode.Marshal(&secretKeyWire{Key: sk[:]})
	if err != nil {
		return fmt.Errorf("%w: %v: %v", ErrKeyIO, path, err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, keyFileMode); err != nil {
		return fmt.Errorf("%w: %v", ErrKeyIO, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("%w: %v", ErrKeyIO, err)
	}
	return nil
}

func (m *KeyManager) ensureKey(name string, gen func(*crypto.SecretKey) error, sk *crypto.SecretKey) error {
	path := m.path(name)
	err := LoadSecretKey(path, sk)
	switch {
	case err == nil:
		if err = sk.Recalculate(); err != nil {
			return fmt.Errorf("%w: %v: %v", ErrKeyIO, path, err)
		}
		return nil
	case os.IsNotExist(err):
		// Missing keys are regenerated lazily rather than treated as
		// fatal.
		m.log.Noticef("Generating %v", name)
		if err = gen(sk); err != nil {
			return err
		}
		return SaveSecretKey(path, sk)
	default:
		return err
	}
}

// EnsureKeys loads the identity, encryption, and transport seeds,
// generating any that do not exist yet.
func (m *KeyManager) EnsureKeys() (*Keys, error) {
	k := new(Keys)
	if err := m.ensureKey(IdentityKeyFile, m.c.IdentityKeygen, &k.Identity); err != nil {
		return nil, err
	}
	if err := m.ensureKey(EncryptionKeyFile, m.c.EncryptionKeygen, &k.Encryption); err != nil {
		return nil, err
	}
	if err := m.ensureKey(TransportKeyFile, m.c.IdentityKeygen, &k.Transport); err != nil {
		return nil, err
	}
	return k, nil
}
