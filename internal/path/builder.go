// SPDX-FileCopyrightText: Copyright (C) 2025 the loki-network authors
// SPDX-License-Identifier: AGPL-3.0-only

package path

import (
	"errors"
	"time"

	"github.com/anacrolix/torrent/bencode"
	"gopkg.in/op/go-logging.v1"

	"github.com/notlesh/loki-network/core/crypto"
	"github.com/notlesh/loki-network/internal/constants"
	"github.com/notlesh/loki-network/internal/instrument"
	"github.com/notlesh/loki-network/rc"
	"github.com/notlesh/loki-network/util"
)

var (
	// ErrNotEnoughRouters means hop selection could not fill the path.
	ErrNotEnoughRouters = errors.New("path: not enough eligible routers")

	// ErrBuildFail means a path build was rejected or timed out.
	ErrBuildFail = errors.New("path: build failed")
)

// rebuildWindow triggers a replacement build this long before a path
// expires.
const rebuildWindow = 1 * time.Minute

// SelectionSource is the contact view hop selection draws from.
type SelectionSource interface {
	RandomCandidates(n int, exclude func(crypto.RouterID) bool) []*rc.RouterContact
	Get(id crypto.RouterID) (*rc.RouterContact, bool)
}

// Profiler deprioritises routers with bad reputations.
type Profiler interface {
	IsBad(id crypto.RouterID) bool
	MarkPathSuccess(id crypto.RouterID, now time.Time)
	MarkPathFail(id crypto.RouterID, now time.Time)
}

// BuilderConfig is the per-endpoint path policy.
type BuilderConfig struct {
	// NumHops is the path length, 1..8.
	NumHops int

	// NumPaths is how many live paths the builder maintains.
	NumPaths int

	// StrictConnect pins the first hop when set.
	StrictConnect crypto.RouterID

	// Blacklist are routers never used on paths.
	Blacklist map[crypto.RouterID]bool

	// ExitPath requires the terminal hop to be exit capable.
	ExitPath bool
}

// Builder maintains the path set for one endpoint.  All methods run on
// the logic lane.
type Builder struct {
	log *logging.Logger
	c   crypto.Crypto

	cfg      BuilderConfig
	store    SelectionSource
	profiles Profiler

	// send transmits a framed path message to a directly connected
	// router.
	send func(to crypto.RouterID, payload []byte)

	paths map[PathID]*Path

	// recentlyUsed deprioritises routers already carrying live paths.
	recentlyUsed *util.DecayingHashSet[crypto.RouterID]

	// OnDownstream receives fully decrypted downstream payloads.
	OnDownstream func(p *Path, payload []byte)
}

// NewBuilder creates a path builder.
func NewBuilder(c crypto.Crypto, log *logging.Logger, cfg BuilderConfig, store SelectionSource, profiles Profiler, send func(crypto.RouterID, []byte)) *Builder {
	return &Builder{
		log:          log,
		c:            c,
		cfg:          cfg,
		store:        store,
		profiles:     profiles,
		send:         send,
		paths:        make(map[PathID]*Path),
		recentlyUsed: util.NewDecayingHashSet[crypto.RouterID](constants.PathLifetime),
	}
}

// SelectHops picks cfg.NumHops distinct eligible routers.
func (b *Builder) SelectHops(now time.Time) ([]*rc.RouterContact, error) {
	hops := make([]*rc.RouterContact, 0, b.cfg.NumHops)
	used := make(map[crypto.RouterID]bool)

	eligible := func(id crypto.RouterID) bool {
		if used[id] || b.cfg.Blacklist[id] {
			return false
		}
		if b.profiles != nil && b.profiles.IsBad(id) {
			return false
		}
		contact, ok := b.store.Get(id)
		return ok && !contact.IsExpired(now)
	}

	// strict-connect constrains the first hop to the configured
	// router.
	if !b.cfg.StrictConnect.IsZero() {
		contact, ok := b.store.Get(b.cfg.StrictConnect)
		if !ok || contact.IsExpired(now) {
			return nil, ErrNotEnoughRouters
		}
		hops = append(hops, contact)
		used[contact.RouterID()] = true
	}

	for len(hops) < b.cfg.NumHops {
		need := b.cfg.NumHops - len(hops)
		last := need == 1

		candidates := b.store.RandomCandidates(need*2+2, func(id crypto.RouterID) bool {
			if !eligible(id) {
				return true
			}
			if last && b.cfg.ExitPath {
				contact, _ := b.store.Get(id)
				if !contact.IsExit() {
					return true
				}
			}
			return false
		})

		// Prefer routers not already carrying live paths, falling back
		// when there is nothing else.
		picked := false
		for _, contact := range candidates {
			id := contact.RouterID()
			if used[id] {
				continue
			}
			if b.recentlyUsed.Contains(id) && len(candidates) > need {
				continue
			}
			hops = append(hops, contact)
			used[id] = true
			picked = true
			break
		}
		if !picked {
			for _, contact := range candidates {
				if !used[contact.RouterID()] {
					hops = append(hops, contact)
					used[contact.RouterID()] = true
					picked = true
					break
				}
			}
		}
		if !picked {
			return nil, ErrNotEnoughRouters
		}
	}
	return hops, nil
}

// Build selects hops and launches one path build.
func (b *Builder) Build(now time.Time) (*Path, error) {
	contacts, err := b.SelectHops(now)
	if err != nil {
		return nil, err
	}
	instrument.PathBuild()

	p := &Path{
		Status:    StatusBuilding,
		BuiltAt:   now,
		ExpiresAt: now.Add(constants.PathLifetime),
	}
	if err := b.c.Randomize(p.ID[:]); err != nil {
		return nil, err
	}

	// Negotiate one symmetric key per hop through an ephemeral DH
	// against the hop's encryption key, and onion-wrap a build record
	// for each.
	frames := make([][]byte, 0, len(contacts))
	for i, contact := range contacts {
		eph := new(crypto.SecretKey)
		if err := b.c.EncryptionKeygen(eph); err != nil {
			return nil, err
		}
		ephPub, err := crypto.CurvePublic(eph)
		if err != nil {
			return nil, err
		}
		key, err := b.c.DH(eph, contact.EncKey)
		if err != nil {
			return nil, err
		}
		p.Hops = append(p.Hops, Hop{Router: contact.RouterID(), Key: key})

		record := buildRecord{
			PathID:    p.ID[:],
			ExpiresAt: uint64(p.ExpiresAt.UnixMilli()),
		}
		if i+1 < len(contacts) {
			next := contacts[i+1].RouterID()
			record.NextHop = next[:]
		}
		pt, err := bencode.Marshal(&record)
		if err != nil {
			return nil, err
		}

		var nonce crypto.Nonce
		if err := b.c.Randomize(nonce[:]); err != nil {
			return nil, err
		}
		frame := make([]byte, 0, crypto.PubKeySize+crypto.NonceSize+len(pt)+16)
		frame = append(frame, ephPub[:]...)
		frame = append(frame, nonce[:]...)
		frame = append(frame, b.c.Seal(key, nonce, nil, pt)...)
		frames = append(frames, frame)
	}

	msg, err := EncodeMessage(&BuildMessage{Frames: frames})
	if err != nil {
		return nil, err
	}
	b.paths[p.ID] = p
	for _, h := range p.Hops {
		b.recentlyUsed.Insert(h.Router, now)
	}
	b.send(p.Upstream(), append([]byte{LinkMessageType}, msg...))
	return p, nil
}

// HandleMessage processes a path message addressed to us as the path
// owner (confirms and downstream traffic).
func (b *Builder) HandleMessage(payload []byte, now time.Time) error {
	m, err := DecodeMessage(payload)
	if err != nil {
		return err
	}
	switch msg := m.(type) {
	case *ConfirmMessage:
		b.onConfirm(msg, now)
	case *TrafficMessage:
		b.onDownstream(msg)
	}
	return nil
}

func (b *Builder) onConfirm(m *ConfirmMessage, now time.Time) {
	var id PathID
	if len(m.PathID) != PathIDSize {
		return
	}
	copy(id[:], m.PathID)
	p, ok := b.paths[id]
	if !ok || p.Status != StatusBuilding {
		return
	}
	p.Status = StatusEstablished
	if b.profiles != nil {
		for _, h := range p.Hops {
			b.profiles.MarkPathSuccess(h.Router, now)
		}
	}
	b.log.Debugf("path %x established", id[:4])
}

func (b *Builder) onDownstream(m *TrafficMessage) {
	var id PathID
	if len(m.PathID) != PathIDSize {
		return
	}
	copy(id[:], m.PathID)
	p, ok := b.paths[id]
	if !ok || p.Status != StatusEstablished {
		return
	}
	p.QueueDownstream(m.Payload)
}

// NumLive returns the count of established, unexpired paths.
func (b *Builder) NumLive(now time.Time) int {
	n := 0
	for _, p := range b.paths {
		if p.Status == StatusEstablished && !p.IsExpired(now) {
			n++
		}
	}
	return n
}

// GetEstablished returns one established path, if any.
func (b *Builder) GetEstablished(now time.Time) (*Path, bool) {
	for _, p := range b.paths {
		if p.Status == StatusEstablished && !p.IsExpired(now) {
			return p, true
		}
	}
	return nil, false
}

// Tick maintains the path set: fail overdue builds, expire old paths,
// and start replacement builds.
func (b *Builder) Tick(now time.Time) {
	for id, p := range b.paths {
		switch p.Status {
		case StatusBuilding:
			if now.Sub(p.BuiltAt) > constants.PathBuildTimeout {
				p.Status = StatusFailed
				if b.profiles != nil {
					for _, h := range p.Hops {
						b.profiles.MarkPathFail(h.Router, now)
					}
				}
				delete(b.paths, id)
			}
		case StatusEstablished:
			if p.IsExpired(now) {
				p.Status = StatusExpired
				delete(b.paths, id)
			}
		default:
			delete(b.paths, id)
		}
	}
	b.recentlyUsed.Decay(now)

	want := b.cfg.NumPaths
	have := 0
	for _, p := range b.paths {
		if p.Status == StatusBuilding ||
			(p.Status == StatusEstablished && !p.ExpiresSoon(now, rebuildWindow)) {
			have++
		}
	}
	for i := have; i < want; i++ {
		if _, err := b.Build(now); err != nil {
			b.log.Debugf("path build not started: %v", err)
			break
		}
	}
}

// ExpirePaths drops expired paths without starting new builds.
func (b *Builder) ExpirePaths(now time.Time) {
	for id, p := range b.paths {
		if p.Status == StatusEstablished && p.IsExpired(now) {
			delete(b.paths, id)
		}
	}
}

// PumpUpstream moves queued upstream traffic out the first hops.
// Invoked on the logic lane after every receive burst.
func (b *Builder) PumpUpstream() {
	for _, p := range b.paths {
		if p.Status != StatusEstablished || len(p.upstreamQ) == 0 {
			continue
		}
		q := p.upstreamQ
		p.upstreamQ = nil
		for _, payload := range q {
			ct, err := p.EncryptUpstream(b.c, payload)
			if err != nil {
				continue
			}
			msg, err := EncodeMessage(&TrafficMessage{PathID: p.ID[:], Payload: ct})
			if err != nil {
				continue
			}
			b.send(p.Upstream(), append([]byte{LinkMessageType}, msg...))
		}
	}
}

// PumpDownstream decrypts and delivers queued downstream traffic.
func (b *Builder) PumpDownstream() {
	for _, p := range b.paths {
		if len(p.downstreamQ) == 0 {
			continue
		}
		q := p.downstreamQ
		p.downstreamQ = nil
		for _, payload := range q {
			pt, err := p.DecryptDownstream(b.c, payload)
			if err != nil {
				b.log.Warningf("downstream decrypt failed on path %x", p.ID[:4])
				continue
			}
			if b.OnDownstream != nil {
				b.OnDownstream(p, pt)
			}
		}
	}
}
