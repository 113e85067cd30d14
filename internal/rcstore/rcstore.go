// SPDX-FileCopyrightText: Copyright (C) 2025 the loki-network authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package rcstore keeps the set of verified router contacts, with a
// write-through cache to the netdb directory on disk.
package rcstore

import (
	"bytes"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/notlesh/loki-network/core/crypto"
	"github.com/notlesh/loki-network/internal/debug"
	"github.com/notlesh/loki-network/rc"
)

const (
	// NetDBDir is the contact cache directory under data-dir.
	NetDBDir = "netdb"

	rcFileExt = ".signed"
)

var (
	// ErrWrongNetID rejects contacts from another network.
	ErrWrongNetID = errors.New("rcstore: netid mismatch")

	// ErrExpired rejects contacts past their lifetime.
	ErrExpired = errors.New("rcstore: contact expired")

	// ErrStale rejects contacts older than the stored copy.
	ErrStale = errors.New("rcstore: contact older than stored copy")
)

// DiskLane is where netdb writes are serialised.
type DiskLane interface {
	AddJob(func())
}

// Store is the in-memory contact set.  It is read from any lane and
// written only from the logic lane; the mutex guards the readers.
type Store struct {
	sync.RWMutex

	log *logging.Logger
	c   crypto.Crypto

	netid string
	dir   string
	disk  DiskLane

	m map[crypto.RouterID]*rc.RouterContact

	// whitelist is the staked relay set pushed from the service node
	// control channel; empty means no whitelist policy.
	whitelist map[crypto.RouterID]bool

	// bootstrap contacts are exempt from policy purges.
	bootstrap map[crypto.RouterID]bool

	mrand *rand.Rand
}

// New creates a store rooted at dataDir and loads the cached contacts.
func New(c crypto.Crypto, log *logging.Logger, netid, dataDir string, disk DiskLane, now time.Time) (*Store, error) {
	s := &Store{
		log:       log,
		c:         c,
		netid:     netid,
		dir:       filepath.Join(dataDir, NetDBDir),
		disk:      disk,
		m:         make(map[crypto.RouterID]*rc.RouterContact),
		whitelist: make(map[crypto.RouterID]bool),
		bootstrap: make(map[crypto.RouterID]bool),
		mrand:     rand.New(rand.NewSource(now.UnixNano())),
	}
	if err := os.MkdirAll(s.dir, 0700); err != nil {
		return nil, fmt.Errorf("rcstore: failed to create netdb dir: %v", err)
	}

	ents, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	loaded := 0
	for _, ent := range ents {
		if ent.IsDir() || !strings.HasSuffix(ent.Name(), rcFileExt) {
			continue
		}
		contact := new(rc.RouterContact)
		if err := contact.LoadFile(filepath.Join(s.dir, ent.Name())); err != nil {
			log.Warningf("dropping unreadable cached contact %v: %v", ent.Name(), err)
			continue
		}
		if err := s.insert(contact, now, false); err != nil {
			log.Warningf("dropping invalid cached contact %v: %v", ent.Name(), err)
			continue
		}
		loaded++
	}
	log.Noticef("%d contacts loaded from netdb", loaded)
	return s, nil
}

func (s *Store) filePath(id crypto.RouterID) string {
	return filepath.Join(s.dir, id.String()+rcFileExt)
}

func (s *Store) insert(contact *rc.RouterContact, now time.Time, persist bool) error {
	if contact.NetID != s.netid {
		return ErrWrongNetID
	}
	if contact.IsExpired(now) {
		return ErrExpired
	}
	if err := contact.Verify(s.c); err != nil {
		return err
	}

	id := contact.RouterID()

	s.Lock()
	if cur, ok := s.m[id]; ok {
		if !cur.LastUpdated.Before(contact.LastUpdated) {
			s.Unlock()
			if cur.LastUpdated.Equal(contact.LastUpdated) {
				// Same generation, nothing to do.
				return nil
			}
			return ErrStale
		}
	}
	s.m[id] = contact
	s.Unlock()

	if persist && s.disk != nil {
		cp := *contact
		path := s.filePath(id)
		s.disk.AddJob(func() {
			if err := cp.WriteFile(path); err != nil {
				// A failed write is only logged; the file is not
				// rewritten until a newer copy of this contact is
				// inserted.
				s.log.Warningf("netdb write failed: %v", err)
			}
		})
	}
	return nil
}

// Insert adds a verified contact, replacing only strictly newer copies.
func (s *Store) Insert(contact *rc.RouterContact, now time.Time) error {
	return s.insert(contact, now, true)
}

// Get returns the stored contact for id.
func (s *Store) Get(id crypto.RouterID) (*rc.RouterContact, bool) {
	s.RLock()
	defer s.RUnlock()
	contact, ok := s.m[id]
	return contact, ok
}

// Has returns true when a contact for id is stored.
func (s *Store) Has(id crypto.RouterID) bool {
	s.RLock()
	defer s.RUnlock()
	_, ok := s.m[id]
	return ok
}

// Len returns the stored contact count.
func (s *Store) Len() int {
	s.RLock()
	defer s.RUnlock()
	return len(s.m)
}

// ForEach visits every stored contact.
func (s *Store) ForEach(visit func(*rc.RouterContact)) {
	s.RLock()
	contacts := make([]*rc.RouterContact, 0, len(s.m))
	for _, contact := range s.m {
		contacts = append(contacts, contact)
	}
	s.RUnlock()
	for _, contact := range contacts {
		visit(contact)
	}
}

func (s *Store) removeFile(id crypto.RouterID) {
	if s.disk == nil {
		return
	}
	path := s.filePath(id)
	s.disk.AddJob(func() {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			s.log.Warningf("netdb remove failed: %v", err)
		}
	})
}

// RemoveIf purges contacts matching pred, returning how many went.
// Bootstrap contacts are never purged.
func (s *Store) RemoveIf(pred func(*rc.RouterContact) bool) int {
	var victims []crypto.RouterID

	s.Lock()
	for id, contact := range s.m {
		if s.bootstrap[id] {
			continue
		}
		if pred(contact) {
			delete(s.m, id)
			victims = append(victims, id)
		}
	}
	s.Unlock()

	for _, id := range victims {
		s.log.Debugf("purged contact %v", debug.RouterIDToString(id))
		s.removeFile(id)
	}
	return len(victims)
}

// RemoveExpired drops contacts past their lifetime.
func (s *Store) RemoveExpired(now time.Time) int {
	return s.RemoveIf(func(contact *rc.RouterContact) bool {
		return contact.IsExpired(now)
	})
}

// xorLess orders a before b by XOR distance to target.
func xorLess(a, b, target crypto.RouterID) bool {
	for i := 0; i < len(target); i++ {
		da := a[i] ^ target[i]
		db := b[i] ^ target[i]
		if da != db {
			return da < db
		}
	}
	return false
}

// FindClosestTo returns the n contacts whose identities are XOR
// closest to key, exactly min(n, Len()) of them.
func (s *Store) FindClosestTo(key crypto.RouterID, n int) []*rc.RouterContact {
	s.RLock()
	all := make([]*rc.RouterContact, 0, len(s.m))
	for _, contact := range s.m {
		all = append(all, contact)
	}
	s.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		a, b := all[i].RouterID(), all[j].RouterID()
		if xorLess(a, b, key) {
			return true
		}
		if xorLess(b, a, key) {
			return false
		}
		// Total order for ties so results are deterministic.
		return bytes.Compare(a[:], b[:]) < 0
	})
	if len(all) > n {
		all = all[:n]
	}
	return all
}

// RandomCandidates returns up to n random contacts not excluded.
func (s *Store) RandomCandidates(n int, exclude func(crypto.RouterID) bool) []*rc.RouterContact {
	s.RLock()
	all := make([]*rc.RouterContact, 0, len(s.m))
	for _, contact := range s.m {
		all = append(all, contact)
	}
	s.RUnlock()

	s.mrand.Shuffle(len(all), func(i, j int) {
		all[i], all[j] = all[j], all[i]
	})
	var out []*rc.RouterContact
	for _, contact := range all {
		if len(out) == n {
			break
		}
		if exclude != nil && exclude(contact.RouterID()) {
			continue
		}
		out = append(out, contact)
	}
	return out
}

// SetWhitelist installs the staked relay set.  Contacts no longer
// whitelisted are purged by the next maintenance pass.
func (s *Store) SetWhitelist(ids []crypto.RouterID) {
	s.Lock()
	defer s.Unlock()
	s.whitelist = make(map[crypto.RouterID]bool, len(ids))
	for _, id := range ids {
		s.whitelist[id] = true
	}
}

// IsWhitelisted returns true when id is allowed by the whitelist, or
// no whitelist is installed.
func (s *Store) IsWhitelisted(id crypto.RouterID) bool {
	s.RLock()
	defer s.RUnlock()
	if len(s.whitelist) == 0 {
		return true
	}
	return s.whitelist[id]
}

// HasWhitelist returns true once a whitelist was installed.
func (s *Store) HasWhitelist() bool {
	s.RLock()
	defer s.RUnlock()
	return len(s.whitelist) > 0
}

// RandomWhitelisted returns one random whitelisted contact.
func (s *Store) RandomWhitelisted() (*rc.RouterContact, bool) {
	candidates := s.RandomCandidates(1, func(id crypto.RouterID) bool {
		return !s.IsWhitelisted(id)
	})
	if len(candidates) == 0 {
		return nil, false
	}
	return candidates[0], true
}

// MarkBootstrap exempts id from policy purges.
func (s *Store) MarkBootstrap(id crypto.RouterID) {
	s.Lock()
	defer s.Unlock()
	s.bootstrap[id] = true
}

// IsBootstrap returns true for bootstrap contacts.
func (s *Store) IsBootstrap(id crypto.RouterID) bool {
	s.RLock()
	defer s.RUnlock()
	return s.bootstrap[id]
}
