// SPDX-FileCopyrightText: Copyright (C) 2025 the loki-network authors
// SPDX-License-Identifier: AGPL-3.0-only

package crypto

import (
	"crypto/ed25519"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSecretKeyDerivation(t *testing.T) {
	c := New()

	sk := new(SecretKey)
	require.NoError(t, c.IdentityKeygen(sk))

	// The derived scalar must be clamped.
	p, err := sk.ToPrivate()
	require.NoError(t, err)
	require.Equal(t, byte(0), p[0]&7)
	require.Equal(t, byte(0), p[31]&128)
	require.Equal(t, byte(64), p[31]&64)

	// The cached public key matches the scalar-mult public key, and
	// the stock Ed25519 public key for the same seed.
	pub, err := p.ToPublic()
	require.NoError(t, err)
	require.Equal(t, sk.Public(), pub)

	stock := ed25519.NewKeyFromSeed(sk.Seed())
	require.Equal(t, []byte(stock.Public().(ed25519.PublicKey)), pub[:])
}

func TestSecretKeyRecalculate(t *testing.T) {
	c := New()

	sk := new(SecretKey)
	require.NoError(t, c.IdentityKeygen(sk))

	cp := *sk
	require.NoError(t, cp.Recalculate())
	require.True(t, sk.Equal(&cp))
}

func TestSignVerify(t *testing.T) {
	c := New()

	sk := new(SecretKey)
	require.NoError(t, c.IdentityKeygen(sk))

	msg := []byte("testing is fun")
	sig, err := c.Sign(sk, msg)
	require.NoError(t, err)
	require.True(t, c.Verify(sk.Public(), msg, sig))

	// Matches stock Ed25519 signing for the same seed.
	stock := ed25519.Sign(ed25519.NewKeyFromSeed(sk.Seed()), msg)
	require.Equal(t, stock, sig[:])

	msg[0] ^= 0x01
	require.False(t, c.Verify(sk.Public(), msg, sig))
}

func TestDerivedSubkeySign(t *testing.T) {
	c := New()

	sk := new(SecretKey)
	require.NoError(t, c.IdentityKeygen(sk))
	root, err := sk.ToPrivate()
	require.NoError(t, err)

	sub, err := c.DeriveSubkey(root, sk.Public(), []byte("introset"))
	require.NoError(t, err)

	subPub, err := sub.ToPublic()
	require.NoError(t, err)
	require.NotEqual(t, sk.Public(), subPub)

	// Derivation is deterministic.
	sub2, err := c.DeriveSubkey(root, sk.Public(), []byte("introset"))
	require.NoError(t, err)
	pub2, err := sub2.ToPublic()
	require.NoError(t, err)
	require.Equal(t, subPub, pub2)

	msg := []byte("derived signing")
	sig, err := c.SignPrivate(&sub.PrivateKey, msg)
	require.NoError(t, err)
	require.True(t, c.Verify(subPub, msg, sig))
	require.False(t, c.Verify(sk.Public(), msg, sig))
}

func TestDH(t *testing.T) {
	c := New()

	alice, bob := new(SecretKey), new(SecretKey)
	require.NoError(t, c.EncryptionKeygen(alice))
	require.NoError(t, c.EncryptionKeygen(bob))

	// X25519 public keys are montgomery points derived from the seed.
	alicePub, err := curvePublic(alice)
	require.NoError(t, err)
	bobPub, err := curvePublic(bob)
	require.NoError(t, err)

	ab, err := c.DH(alice, bobPub)
	require.NoError(t, err)
	ba, err := c.DH(bob, alicePub)
	require.NoError(t, err)
	require.Equal(t, ab, ba)
}

func TestSealOpen(t *testing.T) {
	c := New()

	var key SharedSecret
	var nonce Nonce
	require.NoError(t, c.Randomize(key[:]))
	require.NoError(t, c.Randomize(nonce[:]))

	ad := []byte("frame header")
	pt := []byte("onions have layers")
	ct := c.Seal(key, nonce, ad, pt)

	out, err := c.Open(key, nonce, ad, ct)
	require.NoError(t, err)
	require.Equal(t, pt, out)

	ct[0] ^= 0x01
	_, err = c.Open(key, nonce, ad, ct)
	require.Error(t, err)
}
