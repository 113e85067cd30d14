// SPDX-FileCopyrightText: Copyright (C) 2025 the loki-network authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package crypto provides the cryptographic primitives facade used by
// the router: key generation, scalar multiplication, signing, AEAD,
// and hashing.  All functions are pure; the facade is passed by value
// through the router's construction so tests can inject a
// deterministic implementation.
package crypto

import (
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha512"
	"errors"
	"io"

	"filippo.io/edwards25519"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
)

// Crypto is the primitives facade.
type Crypto interface {
	// IdentityKeygen generates a fresh signing secret key.
	IdentityKeygen(*SecretKey) error

	// EncryptionKeygen generates a fresh DH secret key.
	EncryptionKeygen(*SecretKey) error

	// Sign signs msg under the secret key's seed.
	Sign(sk *SecretKey, msg []byte) (Signature, error)

	// SignPrivate signs msg under an already-derived scalar key.
	SignPrivate(pk *PrivateKey, msg []byte) (Signature, error)

	// Verify checks sig over msg under pub.
	Verify(pub PubKey, msg []byte, sig Signature) bool

	// DH computes the X25519 shared secret between our seed and the
	// remote public key.
	DH(sk *SecretKey, pub PubKey) (SharedSecret, error)

	// Seal encrypts-and-authenticates plaintext with
	// XChaCha20-Poly1305.
	Seal(key SharedSecret, nonce Nonce, ad, plaintext []byte) []byte

	// Open authenticates-and-decrypts ciphertext.
	Open(key SharedSecret, nonce Nonce, ad, ciphertext []byte) ([]byte, error)

	// Shorthash computes a 32 byte digest.
	Shorthash(data []byte) [32]byte

	// DeriveSubkey derives a named subkey from a root private key.
	DeriveSubkey(root *PrivateKey, rootPub PubKey, name []byte) (*SubSecretKey, error)

	// Randomize fills b with random bytes.
	Randomize(b []byte) error
}

type stdCrypto struct {
	rand io.Reader
}

// New returns the standard primitives facade.
func New() Crypto {
	return &stdCrypto{rand: rand.Reader}
}

func (c *stdCrypto) keygen(sk *SecretKey) error {
	if _, err := io.ReadFull(c.rand, sk.Seed()); err != nil {
		return err
	}
	return sk.Recalculate()
}

func (c *stdCrypto) IdentityKeygen(sk *SecretKey) error {
	return c.keygen(sk)
}

func (c *stdCrypto) EncryptionKeygen(sk *SecretKey) error {
	return c.keygen(sk)
}

func (c *stdCrypto) Sign(sk *SecretKey, msg []byte) (Signature, error) {
	p, err := sk.ToPrivate()
	if err != nil {
		return Signature{}, err
	}
	return c.SignPrivate(p, msg)
}

// SignPrivate implements Ed25519 signing given a raw scalar and signing
// randomness instead of a seed, matching crypto_sign with a derived
// key.
func (c *stdCrypto) SignPrivate(pk *PrivateKey, msg []byte) (Signature, error) {
	var sig Signature

	s, err := pk.scalar()
	if err != nil {
		return sig, err
	}
	pub, err := pk.ToPublic()
	if err != nil {
		return sig, err
	}

	h := sha512.New()
	h.Write(pk[32:])
	h.Write(msg)
	var rDigest [64]byte
	h.Sum(rDigest[:0])
	r, err := edwards25519.NewScalar().SetUniformBytes(rDigest[:])
	if err != nil {
		return sig, err
	}

	R := new(edwards25519.Point).ScalarBaseMult(r)

	h.Reset()
	h.Write(R.Bytes())
	h.Write(pub[:])
	h.Write(msg)
	var kDigest [64]byte
	h.Sum(kDigest[:0])
	k, err := edwards25519.NewScalar().SetUniformBytes(kDigest[:])
	if err != nil {
		return sig, err
	}

	S := edwards25519.NewScalar().MultiplyAdd(k, s, r)

	copy(sig[:32], R.Bytes())
	copy(sig[32:], S.Bytes())
	return sig, nil
}

func (c *stdCrypto) Verify(pub PubKey, msg []byte, sig Signature) bool {
	return ed25519.Verify(ed25519.PublicKey(pub[:]), msg, sig[:])
}

func (c *stdCrypto) DH(sk *SecretKey, pub PubKey) (SharedSecret, error) {
	var secret SharedSecret

	// X25519 clamps the scalar itself, the raw seed is the scalar
	// input.
	out, err := curve25519.X25519(sk.Seed(), pub[:])
	if err != nil {
		return secret, err
	}
	copy(secret[:], out)
	return secret, nil
}

func (c *stdCrypto) Seal(key SharedSecret, nonce Nonce, ad, plaintext []byte) []byte {
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		panic("crypto: bad AEAD key size: " + err.Error())
	}
	return aead.Seal(nil, nonce[:], plaintext, ad)
}

func (c *stdCrypto) Open(key SharedSecret, nonce Nonce, ad, ciphertext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		panic("crypto: bad AEAD key size: " + err.Error())
	}
	return aead.Open(nil, nonce[:], ciphertext, ad)
}

func (c *stdCrypto) Shorthash(data []byte) [32]byte {
	return sha512.Sum512_256(data)
}

// DeriveSubkey derives a subkey scalar as H(rootPub || name) * rootScalar
// mod L, then recomputes the signing randomness.  The derivation is
// deterministic so both ends agree on the derived public key.
func (c *stdCrypto) DeriveSubkey(root *PrivateKey, rootPub PubKey, name []byte) (*SubSecretKey, error) {
	if len(name) == 0 {
		return nil, errors.New("crypto: empty subkey name")
	}

	h := sha512.New()
	h.Write(rootPub[:])
	h.Write(name)
	var digest [64]byte
	h.Sum(digest[:0])

	factor, err := edwards25519.NewScalar().SetUniformBytes(digest[:])
	if err != nil {
		return nil, err
	}
	rootScalar, err := root.scalar()
	if err != nil {
		return nil, err
	}

	derived := edwards25519.NewScalar().Multiply(factor, rootScalar)
	sub := new(SubSecretKey)
	if err := sub.SetScalar(derived.Bytes()); err != nil {
		return nil, err
	}
	return sub, nil
}

func (c *stdCrypto) Randomize(b []byte) error {
	_, err := io.ReadFull(c.rand, b)
	return err
}

// HMACEqual compares two byte strings in constant time.
func HMACEqual(a, b []byte) bool {
	return hmac.Equal(a, b)
}

func curvePublic(sk *SecretKey) (PubKey, error) {
	var pk PubKey
	out, err := curve25519.X25519(sk.Seed(), curve25519.Basepoint)
	if err != nil {
		return pk, err
	}
	copy(pk[:], out)
	return pk, nil
}

// CurvePublic returns the X25519 public key for a DH secret key.
func CurvePublic(sk *SecretKey) (PubKey, error) {
	return curvePublic(sk)
}
