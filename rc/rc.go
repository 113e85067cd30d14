// SPDX-FileCopyrightText: Copyright (C) 2025 the loki-network authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package rc implements the signed router contact descriptor that
// routers gossip and the DHT stores.
package rc

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/anacrolix/torrent/bencode"

	"github.com/notlesh/loki-network/core/crypto"
)

const (
	// Lifetime is how long a router contact is valid after its
	// last_updated stamp.
	Lifetime = 6 * time.Hour

	// UpdateInterval is how often a router re-signs its own contact.
	UpdateInterval = 1 * time.Hour

	// DefaultExpiresSoonWindow is the default window before expiry in
	// which a contact counts as expiring soon.  Callers add a random
	// fuzz so a fleet does not resign in lockstep.
	DefaultExpiresSoonWindow = 1 * time.Minute

	// Version is the router contact format version.
	Version = 0

	// MaxNicknameLen bounds the optional human readable nickname.
	MaxNicknameLen = 32
)

var (
	// ErrBadSignature is returned when the contact signature does not
	// verify under its public key.
	ErrBadSignature = errors.New("rc: signature verification failed")

	// ErrNoAddresses is returned when a contact advertises no
	// transport addresses.
	ErrNoAddresses = errors.New("rc: no transport addresses")
)

// AddressInfo describes one reachable transport endpoint of a router.
// Rank orders candidates when multiple are offered, lower is preferred.
type AddressInfo struct {
	Rank    uint16
	Dialect string
	PubKey  crypto.PubKey
	IP      net.IP
	Port    uint16
}

// Addr returns the UDP address of the endpoint.
func (a *AddressInfo) Addr() *net.UDPAddr {
	return &net.UDPAddr{IP: a.IP, Port: int(a.Port)}
}

func (a *AddressInfo) String() string {
	return fmt.Sprintf("%s://%s:%d", a.Dialect, a.IP, a.Port)
}

// ExitInfo advertises an exit network range served by a router.
type ExitInfo struct {
	PubKey  crypto.PubKey
	Address string
	Netmask string
}

// RouterContact is the signed descriptor advertising a router's
// identity, encryption key, transport addresses, and role.
type RouterContact struct {
	PubKey      crypto.PubKey
	EncKey      crypto.PubKey
	Nickname    string
	Addrs       []AddressInfo
	Exits       []ExitInfo
	NetID       string
	LastUpdated time.Time
	Version     uint64
	Signature   crypto.Signature
}

type addressInfoWire struct {
	Rank    uint16 `bencode:"c"`
	Dialect string `bencode:"d"`
	PubKey  []byte `bencode:"e"`
	IP      string `bencode:"i"`
	Port    uint16 `bencode:"p"`
}

type exitInfoWire struct {
	Address string `bencode:"a"`
	Netmask string `bencode:"b"`
	PubKey  []byte `bencode:"e"`
}

type routerContactWire struct {
	Addrs       []addressInfoWire `bencode:"a"`
	EncKey      []byte            `bencode:"e"`
	NetID       string            `bencode:"i"`
	PubKey      []byte            `bencode:"k"`
	Nickname    string            `bencode:"n,omitempty"`
	LastUpdated uint64            `bencode:"u"`
	Version     uint64            `bencode:"v"`
	Exits       []exitInfoWire    `bencode:"x,omitempty"`
	Signature   []byte            `bencode:"z"`
}

func (rc *RouterContact) toWire() *routerContactWire {
	w := &routerContactWire{
		EncKey:      append([]byte{}, rc.EncKey[:]...),
		NetID:       rc.NetID,
		PubKey:      append([]byte{}, rc.PubKey[:]...),
		Nickname:    rc.Nickname,
		LastUpdated: uint64(rc.LastUpdated.UnixMilli()),
		Version:     rc.Version,
		Signature:   append([]byte{}, rc.Signature[:]...),
	}
	for _, a := range rc.Addrs {
		w.Addrs = append(w.Addrs, addressInfoWire{
			Rank:    a.Rank,
			Dialect: a.Dialect,
			PubKey:  append([]byte{}, a.PubKey[:]...),
			IP:      a.IP.String(),
			Port:    a.Port,
		})
	}
	for _, e := range rc.Exits {
		w.Exits = append(w.Exits, exitInfoWire{
			Address: e.Address,
			Netmask: e.Netmask,
			PubKey:  append([]byte{}, e.PubKey[:]...),
		})
	}
	return w
}

func (rc *RouterContact) fromWire(w *routerContactWire) error {
	if len(w.PubKey) != crypto.PubKeySize || len(w.EncKey) != crypto.PubKeySize {
		return errors.New("rc: malformed key field")
	}
	if len(w.Signature) != crypto.SignatureSize {
		return errors.New("rc: malformed signature field")
	}

	*rc = RouterContact{
		Nickname:    w.Nickname,
		NetID:       w.NetID,
		LastUpdated: time.UnixMilli(int64(w.LastUpdated)),
		Version:     w.Version,
	}
	copy(rc.PubKey[:], w.PubKey)
	copy(rc.EncKey[:], w.EncKey)
	copy(rc.Signature[:], w.Signature)

	for _, a := range w.Addrs {
		ip := net.ParseIP(a.IP)
		if ip == nil {
			return fmt.Errorf("rc: malformed address '%v'", a.IP)
		}
		ai := AddressInfo{
			Rank:    a.Rank,
			Dialect: a.Dialect,
			IP:      ip,
			Port:    a.Port,
		}
		if len(a.PubKey) != crypto.PubKeySize {
			return errors.New("rc: malformed address key")
		}
		copy(ai.PubKey[:], a.PubKey)
		rc.Addrs = append(rc.Addrs, ai)
	}
	for _, e := range w.Exits {
		xi := ExitInfo{Address: e.Address, Netmask: e.Netmask}
		if len(e.PubKey) != crypto.PubKeySize {
			return errors.New("rc: malformed exit key")
		}
		copy(xi.PubKey[:], e.PubKey)
		rc.Exits = append(rc.Exits, xi)
	}
	return nil
}

// Bencode serialises the contact, signature included.
func (rc *RouterContact) Bencode() ([]byte, error) {
	return bencode.Marshal(rc.toWire())
}

// Decode deserialises a contact from bencoded bytes.
func (rc *RouterContact) Decode(b []byte) error {
	var w routerContactWire
	if err := bencode.Unmarshal(b, &w); err != nil {
		return fmt.Errorf("rc: decode failed: %v", err)
	}
	return rc.fromWire(&w)
}

// signedBuf is the byte string covered by the signature: the wire form
// with the signature field zeroed.
func (rc *RouterContact) signedBuf() ([]byte, error) {
	w := rc.toWire()
	w.Signature = make([]byte, crypto.SignatureSize)
	return bencode.Marshal(w)
}

// Sign stamps and signs the contact under the identity secret key.  The
// contact's PubKey is set from the key.
func (rc *RouterContact) Sign(c crypto.Crypto, sk *crypto.SecretKey, now time.Time) error {
	rc.PubKey = sk.Public()
	rc.LastUpdated = now.Truncate(time.Millisecond)
	rc.Version = Version
	rc.Signature = crypto.Signature{}

	buf, err := rc.signedBuf()
	if err != nil {
		return err
	}
	sig, err := c.Sign(sk, buf)
	if err != nil {
		return err
	}
	rc.Signature = sig
	return nil
}

// Verify checks the structural validity and signature of the contact.
// Expiry and netid acceptance are the store's policy, checked
// separately.
func (rc *RouterContact) Verify(c crypto.Crypto) error {
	if len(rc.Addrs) == 0 {
		return ErrNoAddresses
	}
	if len(rc.Nickname) > MaxNicknameLen {
		return errors.New("rc: nickname too long")
	}
	buf, err := rc.signedBuf()
	if err != nil {
		return err
	}
	if !c.Verify(rc.PubKey, buf, rc.Signature) {
		return ErrBadSignature
	}
	return nil
}

// IsExpired returns true once the contact has outlived Lifetime.
func (rc *RouterContact) IsExpired(now time.Time) bool {
	return now.Sub(rc.LastUpdated) > Lifetime
}

// ExpiresSoon returns true when the contact is within window+fuzz of
// expiry.
func (rc *RouterContact) ExpiresSoon(now time.Time, fuzz time.Duration) bool {
	return now.Add(DefaultExpiresSoonWindow + fuzz).Sub(rc.LastUpdated) > Lifetime
}

// Age returns how long ago the contact was last updated.
func (rc *RouterContact) Age(now time.Time) time.Duration {
	return now.Sub(rc.LastUpdated)
}

// OtherIsNewer returns true if other is a strictly newer copy of the
// same router.
func (rc *RouterContact) OtherIsNewer(other *RouterContact) bool {
	return rc.PubKey == other.PubKey && other.LastUpdated.After(rc.LastUpdated)
}

// RouterID returns the contact's identity as a router id.
func (rc *RouterContact) RouterID() crypto.RouterID {
	return rc.PubKey.RouterID()
}

// IsExit returns true if the router advertises exit capability.
func (rc *RouterContact) IsExit() bool {
	return len(rc.Exits) > 0
}

// Equal compares two contacts by their wire form.
func (rc *RouterContact) Equal(other *RouterContact) bool {
	a, errA := rc.Bencode()
	b, errB := other.Bencode()
	return errA == nil && errB == nil && bytes.Equal(a, b)
}

// WriteFile atomically persists the contact to path.
func (rc *RouterContact) WriteFile(path string) error {
	buf, err := rc.Bencode()
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf, 0600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// LoadFile reads a bencoded contact from path.
func (rc *RouterContact) LoadFile(path string) error {
	buf, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return rc.Decode(buf)
}
