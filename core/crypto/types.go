// SPDX-FileCopyrightText: Copyright (C) 2025 the loki-network authors
// SPDX-License-Identifier: AGPL-3.0-only

package crypto

import (
	"crypto/sha512"
	"crypto/subtle"
	"encoding/hex"
	"errors"

	"filippo.io/edwards25519"
)

const (
	// PubKeySize is the size of a public key in bytes.
	PubKeySize = 32

	// SecretKeySize is the size of a secret key blob, a 32 byte seed
	// followed by the 32 byte public key.
	SecretKeySize = 64

	// PrivateKeySize is the size of a derived private key, a 32 byte
	// scalar followed by 32 bytes of signing randomness.
	PrivateKeySize = 64

	// SignatureSize is the size of an Ed25519 signature.
	SignatureSize = 64

	// SharedSecretSize is the size of a DH shared secret.
	SharedSecretSize = 32

	// NonceSize is the size of an XChaCha20-Poly1305 nonce.
	NonceSize = 24
)

// RouterID is the 32 byte public identity of a router.
type RouterID [PubKeySize]byte

// String returns the hex representation of the RouterID.
func (r RouterID) String() string {
	return hex.EncodeToString(r[:])
}

// IsZero returns true if the RouterID is all zeros.
func (r RouterID) IsZero() bool {
	var zero RouterID
	return r == zero
}

// RouterIDFromString parses a hex encoded RouterID.
func RouterIDFromString(s string) (RouterID, error) {
	var id RouterID
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, err
	}
	if len(b) != PubKeySize {
		return id, errors.New("crypto: malformed RouterID")
	}
	copy(id[:], b)
	return id, nil
}

// PubKey is an Ed25519 public key.
type PubKey [PubKeySize]byte

// String returns the hex representation of the key.
func (k PubKey) String() string {
	return hex.EncodeToString(k[:])
}

// RouterID reinterprets the public key as a router identity.
func (k PubKey) RouterID() RouterID {
	return RouterID(k)
}

// Signature is an Ed25519 signature.
type Signature [SignatureSize]byte

// SharedSecret is a DH shared secret.
type SharedSecret [SharedSecretSize]byte

// Nonce is an XChaCha20-Poly1305 nonce.
type Nonce [NonceSize]byte

// SecretKey is a 64 byte seed+pubkey blob.  The actual scalar private
// key is derived from the first 32 bytes, the last 32 bytes cache the
// matching public key.
type SecretKey [SecretKeySize]byte

// Seed returns the 32 byte seed half of the blob.
func (k *SecretKey) Seed() []byte {
	return k[:32]
}

// Public returns the cached public key half of the blob.
func (k *SecretKey) Public() PubKey {
	var pk PubKey
	copy(pk[:], k[32:])
	return pk
}

// ToPrivate derives the scalar private key.  The first 32 bytes of the
// blob are hashed with SHA-512, the low 3 bits of byte 0 are cleared,
// bit 7 of byte 31 is cleared and bit 6 set, and the low 32 bytes of
// the hash become the scalar.  The high 32 bytes carry the signing
// randomness.
func (k *SecretKey) ToPrivate() (*PrivateKey, error) {
	h := sha512.Sum512(k.Seed())
	h[0] &= 248
	h[31] &= 63
	h[31] |= 64

	p := new(PrivateKey)
	copy(p[:], h[:])
	return p, nil
}

// Recalculate rederives the cached public key from the seed.
func (k *SecretKey) Recalculate() error {
	p, err := k.ToPrivate()
	if err != nil {
		return err
	}
	pub, err := p.ToPublic()
	if err != nil {
		return err
	}
	copy(k[32:], pub[:])
	return nil
}

// Equal compares two secret keys in constant time.
func (k *SecretKey) Equal(other *SecretKey) bool {
	return subtle.ConstantTimeCompare(k[:], other[:]) == 1
}

// PrivateKey is an already-derived scalar plus 32 bytes of signing
// randomness.
type PrivateKey [PrivateKeySize]byte

// Scalar returns the 32 byte scalar half.
func (k *PrivateKey) Scalar() []byte {
	return k[:32]
}

func (k *PrivateKey) scalar() (*edwards25519.Scalar, error) {
	// The scalar is interpreted mod L without further clamping, same
	// as crypto_scalarmult_ed25519_base_noclamp.
	var wide [64]byte
	copy(wide[:32], k[:32])
	return edwards25519.NewScalar().SetUniformBytes(wide[:])
}

// ToPublic computes the public key by multiplying the Ed25519 basepoint
// by the scalar, without clamping.
func (k *PrivateKey) ToPublic() (PubKey, error) {
	var pk PubKey
	s, err := k.scalar()
	if err != nil {
		return pk, err
	}
	p := new(edwards25519.Point).ScalarBaseMult(s)
	copy(pk[:], p.Bytes())
	return pk, nil
}

// SubSecretKey is a derived private key.  It stores a derived scalar
// plus signing randomness recomputed as the upper half of
// SHA-512(scalar).
type SubSecretKey struct {
	PrivateKey
}

// SetScalar installs a raw scalar and recomputes the signing
// randomness.
func (k *SubSecretKey) SetScalar(scalar []byte) error {
	if len(scalar) != 32 {
		return errors.New("crypto: malformed subkey scalar")
	}
	copy(k.PrivateKey[:32], scalar)
	return k.Recalculate()
}

// Recalculate recomputes the signing randomness from the scalar.
func (k *SubSecretKey) Recalculate() error {
	h := sha512.Sum512(k.PrivateKey[:32])
	copy(k.PrivateKey[32:], h[32:])
	return nil
}
