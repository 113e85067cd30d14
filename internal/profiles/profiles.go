// SPDX-FileCopyrightText: Copyright (C) 2025 the loki-network authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package profiles tracks per-router reputation scores and persists
// them to the profiles database.
package profiles

import (
	"fmt"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	bolt "go.etcd.io/bbolt"

	"github.com/notlesh/loki-network/core/crypto"
)

const (
	// saveInterval throttles how often the profile database is written
	// back to disk.
	saveInterval = 10 * time.Minute

	// staleAfter drops profiles that have seen no activity.
	staleAfter = 24 * time.Hour

	// minSamples is how many attempts a router needs before its ratio
	// counts against it.
	minSamples = 10

	// badRatio is the failure ratio above which a router is
	// deprioritised.
	badRatio = 0.75
)

var (
	profilesBucket = []byte("profiles")

	dbOptions = &bolt.Options{
		NoFreelistSync: true,
		Timeout:        time.Second,
	}
)

// Profile is one router's score record.
type Profile struct {
	ConnectSuccess uint64 `cbor:"1,keyasint"`
	ConnectTimeout uint64 `cbor:"2,keyasint"`
	PathSuccess    uint64 `cbor:"3,keyasint"`
	PathFail       uint64 `cbor:"4,keyasint"`
	LastUpdated    int64  `cbor:"5,keyasint"`
}

func (p *Profile) failRatio() float64 {
	attempts := p.ConnectSuccess + p.ConnectTimeout + p.PathSuccess + p.PathFail
	if attempts < minSamples {
		return 0
	}
	fails := p.ConnectTimeout + p.PathFail
	return float64(fails) / float64(attempts)
}

// Profiles is the reputation store.  Mutations happen on the logic
// lane; Save is invoked from the disk worker, so the map is mutexed.
type Profiles struct {
	sync.Mutex

	db *bolt.DB

	m        map[crypto.RouterID]*Profile
	dirty    bool
	lastSave time.Time
}

// Open opens (or creates) the profile database at path and loads all
// records.
func Open(path string) (*Profiles, error) {
	db, err := bolt.Open(path, 0600, dbOptions)
	if err != nil {
		return nil, fmt.Errorf("profiles: open failed: %v", err)
	}

	p := &Profiles{
		db: db,
		m:  make(map[crypto.RouterID]*Profile),
	}
	err = db.Update(func(tx *bolt.Tx) error {
		bkt, err := tx.CreateBucketIfNotExists(profilesBucket)
		if err != nil {
			return err
		}
		return bkt.ForEach(func(k, v []byte) error {
			if len(k) != crypto.PubKeySize {
				return nil
			}
			var id crypto.RouterID
			copy(id[:], k)
			rec := new(Profile)
			if err := cbor.Unmarshal(v, rec); err != nil {
				// Skip records written by a future version.
				return nil
			}
			p.m[id] = rec
			return nil
		})
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("profiles: load failed: %v", err)
	}
	return p, nil
}

func (p *Profiles) get(id crypto.RouterID, now time.Time) *Profile {
	rec, ok := p.m[id]
	if !ok {
		rec = new(Profile)
		p.m[id] = rec
	}
	rec.LastUpdated = now.UnixMilli()
	p.dirty = true
	return rec
}

// MarkConnectSuccess records a successful session establishment.
func (p *Profiles) MarkConnectSuccess(id crypto.RouterID, now time.Time) {
	p.Lock()
	defer p.Unlock()
	p.get(id, now).ConnectSuccess++
}

// MarkConnectTimeout records a failed or timed out establishment.
func (p *Profiles) MarkConnectTimeout(id crypto.RouterID, now time.Time) {
	p.Lock()
	defer p.Unlock()
	p.get(id, now).ConnectTimeout++
}

// MarkPathSuccess records a successful path build through id.
func (p *Profiles) MarkPathSuccess(id crypto.RouterID, now time.Time) {
	p.Lock()
	defer p.Unlock()
	p.get(id, now).PathSuccess++
}

// MarkPathFail records a failed path build through id.
func (p *Profiles) MarkPathFail(id crypto.RouterID, now time.Time) {
	p.Lock()
	defer p.Unlock()
	p.get(id, now).PathFail++
}

// IsBad returns true when a router's failure ratio is high enough to
// avoid it during path hop selection.
func (p *Profiles) IsBad(id crypto.RouterID) bool {
	p.Lock()
	defer p.Unlock()
	rec, ok := p.m[id]
	return ok && rec.failRatio() > badRatio
}

// Tick drops stale profiles.
func (p *Profiles) Tick(now time.Time) {
	p.Lock()
	defer p.Unlock()
	for id, rec := range p.m {
		if now.Sub(time.UnixMilli(rec.LastUpdated)) > staleAfter {
			delete(p.m, id)
			p.dirty = true
		}
	}
}

// ShouldSave reports whether a save is due.
func (p *Profiles) ShouldSave(now time.Time) bool {
	p.Lock()
	defer p.Unlock()
	return p.dirty && now.Sub(p.lastSave) > saveInterval
}

// Save writes all records back to the database.  Runs on the disk
// worker.
func (p *Profiles) Save(now time.Time) error {
	p.Lock()
	snapshot := make(map[crypto.RouterID]Profile, len(p.m))
	for id, rec := range p.m {
		snapshot[id] = *rec
	}
	p.dirty = false
	p.lastSave = now
	p.Unlock()

	return p.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(profilesBucket)
		for id, rec := range snapshot {
			v, err := cbor.Marshal(&rec)
			if err != nil {
				return err
			}
			if err := bkt.Put(id[:], v); err != nil {
				return err
			}
		}
		return nil
	})
}

// Len returns the number of live profiles.
func (p *Profiles) Len() int {
	p.Lock()
	defer p.Unlock()
	return len(p.m)
}

// Close syncs and closes the database.
func (p *Profiles) Close() error {
	return p.db.Close()
}
