// SPDX-FileCopyrightText: Copyright (C) 2025 the loki-network authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package router implements the onion router daemon: it binds the link
// layers, the contact store, the DHT, and the path machinery together
// and runs the periodic maintenance tick.
package router

import (
	"errors"
	"fmt"
	"math/rand"
	"net"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/notlesh/loki-network/config"
	"github.com/notlesh/loki-network/core/crypto"
	"github.com/notlesh/loki-network/core/log"
	"github.com/notlesh/loki-network/internal/constants"
	"github.com/notlesh/loki-network/internal/cryptoworker"
	"github.com/notlesh/loki-network/internal/dht"
	"github.com/notlesh/loki-network/internal/diskworker"
	"github.com/notlesh/loki-network/internal/instrument"
	"github.com/notlesh/loki-network/internal/keystore"
	"github.com/notlesh/loki-network/internal/link"
	"github.com/notlesh/loki-network/internal/logic"
	"github.com/notlesh/loki-network/internal/outbound"
	"github.com/notlesh/loki-network/internal/path"
	"github.com/notlesh/loki-network/internal/profiles"
	"github.com/notlesh/loki-network/internal/rcstore"
	"github.com/notlesh/loki-network/rc"
)

const (
	// SelfRCFile is our signed contact under data-dir.
	SelfRCFile = "self.signed"

	// ProfilesFile is the reputation database under data-dir.
	ProfilesFile = "profiles.dat"

	// LinkDialect is the link layer dialect this build speaks.
	LinkDialect = "iwp"
)

// Router is the daemon.
type Router struct {
	cfg *config.Config
	c   crypto.Crypto

	logBackend *log.Backend
	log        *logging.Logger

	logic      *logic.Logic
	cryptoPool *cryptoworker.Worker
	disk       *diskworker.Worker

	keys  *keystore.Keys
	ourID crypto.RouterID
	ourRC rc.RouterContact

	store    *rcstore.Store
	profiles *profiles.Profiles

	links      []*link.Layer
	maker      *outbound.SessionMaker
	dispatcher *outbound.Dispatcher

	dht     *dht.Context
	builder *path.Builder
	transit *path.Transit

	bootstrap    []*rc.RouterContact
	persistPeers []crypto.RouterID

	lastStatsReport time.Time
	stopTick        bool
	rcRegenInFlight bool

	fatalErrCh chan error
	haltedCh   chan interface{}
	haltOnce   sync.Once

	mrand *rand.Rand
}

// New constructs a router from validated configuration.  The crypto
// facade is injected so tests can supply a deterministic one.
func New(cfg *config.Config, c crypto.Crypto) (*Router, error) {
	r := &Router{
		cfg:        cfg,
		c:          c,
		fatalErrCh: make(chan error, 1),
		haltedCh:   make(chan interface{}),
		mrand:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}

	if err := config.EnsureDataDir(cfg.Router.DataDir); err != nil {
		return nil, err
	}
	if err := r.initLogging(); err != nil {
		return nil, err
	}
	for _, w := range cfg.Warnings {
		r.log.Warning(w)
	}

	now := time.Now()

	r.logic = logic.New(cfg.Router.JobQueueSize, r.logBackend.GetLogger("logic"))
	r.cryptoPool = cryptoworker.New(cfg.Router.WorkerThreads, r.logBackend.GetLogger("crypto"))
	r.disk = diskworker.New(r.logBackend.GetLogger("disk"))

	km := keystore.New(c, r.logBackend.GetLogger("keystore"), cfg.Router.DataDir)
	keys, err := km.EnsureKeys()
	if err != nil {
		r.teardown()
		return nil, err
	}
	r.keys = keys
	r.ourID = keys.Identity.Public().RouterID()

	r.store, err = rcstore.New(c, r.logBackend.GetLogger("rcstore"), cfg.Router.NetID, cfg.Router.DataDir, r.disk, now)
	if err != nil {
		r.teardown()
		return nil, err
	}
	if err := r.loadBootstrap(now); err != nil {
		r.teardown()
		return nil, err
	}

	r.profiles, err = profiles.Open(filepath.Join(cfg.Router.DataDir, ProfilesFile))
	if err != nil {
		r.teardown()
		return nil, err
	}

	if err := r.initLinks(); err != nil {
		r.teardown()
		return nil, err
	}
	if err := r.updateOurRC(now); err != nil {
		r.teardown()
		return nil, err
	}

	allowed := r.peerAllowed
	r.maker = outbound.NewSessionMaker(r.logBackend.GetLogger("outbound"), r.linksFacade(), r.store, allowed,
		cfg.Router.MinConnections, cfg.Router.MaxConnections)
	r.dispatcher = outbound.NewDispatcher(r.logBackend.GetLogger("dispatcher"), r.sendTo, r.maker)

	r.dht = dht.New(c, r.logBackend.GetLogger("dht"), r.ourID, r.store, r.sendPayload)

	if cfg.IsRelay() {
		r.transit = path.NewTransit(c, r.logBackend.GetLogger("transit"), &r.keys.Encryption, r.sendPayload)
	}
	blacklist := make(map[crypto.RouterID]bool)
	for _, id := range cfg.Network.BlacklistSNodes {
		blacklist[id] = true
	}
	var profiler path.Profiler
	if cfg.Network.Profiling {
		profiler = r.profiles
	}
	r.builder = path.NewBuilder(c, r.logBackend.GetLogger("path"), path.BuilderConfig{
		NumHops:       cfg.Network.Hops,
		NumPaths:      cfg.Network.Paths,
		StrictConnect: cfg.Network.StrictConnect,
		Blacklist:     blacklist,
	}, r.store, profiler, r.sendPayload)

	for _, id := range r.persistPeers {
		for _, l := range r.links {
			// Far enough out that the obligation never lapses.
			l.PersistSessionUntil(id, now.Add(100*365*24*time.Hour))
		}
	}

	if cfg.API.Enabled {
		instrument.Init(cfg.API.Bind)
	}

	r.log.Noticef("router %v starting, netid '%v'", r.ourID, cfg.Router.NetID)
	r.lastStatsReport = now
	r.scheduleTick()

	// A fatal error from any subsystem takes the whole daemon down.
	go func() {
		select {
		case err := <-r.fatalErrCh:
			if err != nil {
				r.log.Errorf("shutting down on fatal error: %v", err)
				r.Shutdown()
			}
		case <-r.haltedCh:
		}
	}()
	return r, nil
}

func (r *Router) initLogging() error {
	p := r.cfg.Logging.File
	if r.cfg.Logging.Type == "file" && !filepath.IsAbs(p) {
		p = filepath.Join(r.cfg.Router.DataDir, p)
	}
	if r.cfg.Logging.Type != "file" {
		p = ""
	}
	var err error
	r.logBackend, err = log.New(p, r.cfg.Logging.Level, r.cfg.Logging.Type == "discard")
	if err == nil {
		r.log = r.logBackend.GetLogger("router")
	}
	return err
}

func (r *Router) loadBootstrap(now time.Time) error {
	for _, p := range r.cfg.Bootstrap.AddNodes {
		contact := new(rc.RouterContact)
		if err := contact.LoadFile(p); err != nil {
			return fmt.Errorf("router: bad bootstrap file '%v': %v", p, err)
		}
		if err := r.store.Insert(contact, now); err != nil &&
			!errors.Is(err, rcstore.ErrStale) {
			return fmt.Errorf("router: bootstrap contact rejected: %v", err)
		}
		r.store.MarkBootstrap(contact.RouterID())
		r.bootstrap = append(r.bootstrap, contact)
	}

	// [connect] entries are contact files for peers whose sessions we
	// keep alive for the life of the process.
	for _, p := range r.cfg.Connect {
		contact := new(rc.RouterContact)
		if err := contact.LoadFile(p); err != nil {
			return fmt.Errorf("router: bad connect file '%v': %v", p, err)
		}
		if err := r.store.Insert(contact, now); err != nil &&
			!errors.Is(err, rcstore.ErrStale) {
			return fmt.Errorf("router: connect contact rejected: %v", err)
		}
		r.persistPeers = append(r.persistPeers, contact.RouterID())
	}
	return nil
}

func (r *Router) initLinks() error {
	hooks := link.Hooks{
		OnLinkMessage:        r.onLinkMessage,
		OnSessionEstablished: r.onSessionEstablished,
		OnSessionClosed:      r.onSessionClosed,
		OnPendingTimeout:     r.onPendingTimeout,
	}

	binds := r.cfg.Binds
	if len(binds) == 0 {
		// Clients bind an ephemeral outbound port.
		binds = []config.Bind{{Interface: "0.0.0.0", Port: 0}}
	}
	for _, b := range binds {
		conn, err := net.ListenPacket("udp", fmt.Sprintf("%s:%d", b.Interface, b.Port))
		if err != nil {
			return fmt.Errorf("router: bind %v:%d failed: %v", b.Interface, b.Port, err)
		}
		l := link.NewLayer(r.c, r.logBackend.GetLogger(fmt.Sprintf("link:%d", len(r.links))),
			LinkDialect, conn, r.ourID, &r.keys.Identity, r.cfg.Router.NetThreads, hooks, r.logic.Call)
		r.links = append(r.links, l)
		r.log.Noticef("link listening on %v", conn.LocalAddr())
	}
	return nil
}

// updateOurRC rebuilds, signs, and persists our router contact.
func (r *Router) updateOurRC(now time.Time) error {
	contact, err := r.buildSignedRC(now)
	if err != nil {
		return err
	}
	r.installOurRC(contact)
	return nil
}

// buildSignedRC assembles and signs a fresh contact.  Pure CPU work,
// safe to run on the crypto pool.
func (r *Router) buildSignedRC(now time.Time) (rc.RouterContact, error) {
	contact := rc.RouterContact{
		NetID: r.cfg.Router.NetID,
	}
	encPub, err := crypto.CurvePublic(&r.keys.Encryption)
	if err != nil {
		return contact, err
	}
	contact.EncKey = encPub

	for i, l := range r.links {
		addr := l.LocalAddr()
		ip := addr.IP
		port := uint16(addr.Port)
		if r.cfg.Router.PublicAddress != "" {
			ip = net.ParseIP(r.cfg.Router.PublicAddress)
			if r.cfg.Router.PublicPort > 0 {
				port = uint16(r.cfg.Router.PublicPort)
			}
		}
		contact.Addrs = append(contact.Addrs, rc.AddressInfo{
			Rank:    uint16(i),
			Dialect: l.Dialect(),
			PubKey:  r.keys.Transport.Public(),
			IP:      ip,
			Port:    port,
		})
	}
	if err := contact.Sign(r.c, &r.keys.Identity, now); err != nil {
		return contact, err
	}
	return contact, nil
}

// installOurRC swaps in a freshly signed contact and persists it.
// Runs on the logic lane.
func (r *Router) installOurRC(contact rc.RouterContact) {
	r.ourRC = contact

	cp := contact
	selfPath := filepath.Join(r.cfg.Router.DataDir, SelfRCFile)
	r.disk.AddJob(func() {
		if err := cp.WriteFile(selfPath); err != nil {
			r.log.Warningf("failed to persist our contact: %v", err)
		}
	})
}

// OurRC returns our current signed contact.
func (r *Router) OurRC() rc.RouterContact {
	return r.ourRC
}

// IsServiceNode returns true when we relay traffic for others.
func (r *Router) IsServiceNode() bool {
	return r.cfg.IsRelay()
}

func (r *Router) peerAllowed(id crypto.RouterID) bool {
	for _, banned := range r.cfg.Network.BlacklistSNodes {
		if id == banned {
			return false
		}
	}
	if !r.cfg.IsRelay() && !r.cfg.Network.StrictConnect.IsZero() {
		// strict-connect clients only dial the pinned first hop and
		// bootstrap routers.
		if id != r.cfg.Network.StrictConnect && !r.store.IsBootstrap(id) {
			return false
		}
	}
	return r.store.IsWhitelisted(id) || r.store.IsBootstrap(id)
}

// linksFacade adapts the link layer list to the session maker.
type linksFacade struct{ r *Router }

func (f linksFacade) TryEstablishTo(contact *rc.RouterContact, now time.Time) error {
	var lastErr error
	for _, l := range f.r.links {
		if err := l.TryEstablishTo(contact, now); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	if lastErr == nil {
		lastErr = link.ErrNoAddress
	}
	return lastErr
}

func (f linksFacade) HasSessionTo(id crypto.RouterID) bool {
	return f.r.HasSessionTo(id)
}

func (r *Router) linksFacade() outbound.Links {
	return linksFacade{r: r}
}

// HasSessionTo returns true when any link has an established session to
// id.
func (r *Router) HasSessionTo(id crypto.RouterID) bool {
	for _, l := range r.links {
		if l.HasSessionTo(id) {
			return true
		}
	}
	return false
}

// NumberOfConnectedRouters returns the distinct connected peer count.
func (r *Router) NumberOfConnectedRouters() int {
	peers := make(map[crypto.RouterID]bool)
	for _, l := range r.links {
		for _, id := range l.ConnectedPeers() {
			peers[id] = true
		}
	}
	return len(peers)
}

func (r *Router) sendTo(remote crypto.RouterID, buf []byte, completion func(link.SendResult)) bool {
	for _, l := range r.links {
		if l.SendTo(remote, buf, completion) {
			return true
		}
	}
	return false
}

// sendPayload queues a framed link message through the dispatcher.
func (r *Router) sendPayload(to crypto.RouterID, payload []byte) {
	r.dispatcher.QueueMessage(to, payload, time.Now(), nil)
}

// onLinkMessage demultiplexes one decrypted link message by its type
// byte.  Runs on the logic lane.
func (r *Router) onLinkMessage(from crypto.RouterID, payload []byte) {
	if len(payload) < 2 {
		return
	}
	now := time.Now()
	switch payload[0] {
	case dht.LinkMessageType:
		if err := r.dht.HandleMessage(from, payload[1:], now); err != nil {
			r.log.Warningf("dht message from %v dropped: %v", from, err)
		}
	case path.LinkMessageType:
		if r.transit != nil {
			err := r.transit.HandleMessage(from, payload[1:], now)
			if err == nil {
				break
			}
			if !errors.Is(err, path.ErrNoSuchPath) {
				r.log.Debugf("transit message from %v dropped: %v", from, err)
				break
			}
		}
		if err := r.builder.HandleMessage(payload[1:], now); err != nil {
			r.log.Debugf("path message from %v dropped: %v", from, err)
		}
		r.builder.PumpDownstream()
	default:
		r.log.Debugf("unknown link message type 0x%02x from %v", payload[0], from)
	}
}

func (r *Router) onSessionEstablished(id crypto.RouterID, inbound bool) {
	now := time.Now()
	r.log.Debugf("session established with %v (inbound=%v)", id, inbound)
	r.profiles.MarkConnectSuccess(id, now)
	r.dht.PutNode(id)
	r.maker.OnSessionEstablished(id, now)
	r.dispatcher.OnSessionEstablished(id)
	r.builder.PumpUpstream()
}

func (r *Router) onSessionClosed(id crypto.RouterID) {
	r.log.Debugf("session to %v closed", id)
}

func (r *Router) onPendingTimeout(id crypto.RouterID, addr *net.UDPAddr) {
	now := time.Now()
	if !id.IsZero() {
		r.profiles.MarkConnectTimeout(id, now)
		r.maker.OnConnectTimeout(id, now)
	}
	r.log.Debugf("handshake to %v timed out", addr)
}

func (r *Router) scheduleTick() {
	r.logic.CallLater(constants.TickInterval, func() {
		if r.stopTick {
			return
		}
		r.Tick(time.Now())
		r.scheduleTick()
	})
}

// Tick is the periodic maintenance pass.  Runs on the logic lane.
func (r *Router) Tick(now time.Time) {
	// 1. profiling stats
	if r.cfg.Network.Profiling {
		r.profiles.Tick(now)
	}

	// 2. hourly stats snapshot
	if now.Sub(r.lastStatsReport) > constants.StatsReportInterval {
		r.reportStats(now)
		r.lastStatsReport = now
	}

	// 3. contact store maintenance
	r.store.RemoveExpired(now)

	// 4. regenerate our contact when it is expiring or stale; signing
	// runs on the crypto pool, installation hops back to the logic
	// lane
	fuzz := time.Duration(r.mrand.Intn(10000)) * time.Millisecond
	if !r.rcRegenInFlight &&
		(r.ourRC.ExpiresSoon(now, fuzz) || now.Sub(r.ourRC.LastUpdated) > rc.UpdateInterval) {
		r.rcRegenInFlight = true
		r.log.Info("regenerating our router contact")
		r.cryptoPool.AddJob(func() {
			contact, err := r.buildSignedRC(now)
			if callErr := r.logic.Call(func() {
				r.rcRegenInFlight = false
				if err != nil {
					r.log.Errorf("failed to update our contact: %v", err)
					return
				}
				r.installOurRC(contact)
				for _, l := range r.links {
					l.ForEachSession(func(s *link.Session) {
						s.Renegotiate(now)
					}, false)
				}
			}); callErr != nil {
				r.log.Errorf("contact install dropped: %v", callErr)
			}
		})
	}

	// 5. service nodes purge contacts no longer allowed by policy
	if r.IsServiceNode() && r.store.HasWhitelist() {
		r.store.RemoveIf(func(contact *rc.RouterContact) bool {
			return !r.store.IsWhitelisted(contact.RouterID())
		})
	}

	// 6. persisted sessions
	for _, l := range r.links {
		for _, id := range l.PersistingPeersWithoutSession(now) {
			r.maker.CreateSessionTo(id, now, nil)
		}
	}

	// 7. connection targets and discovery
	connectToNum := r.maker.MinConnectedRouters
	if !r.cfg.Network.StrictConnect.IsZero() && !r.cfg.IsRelay() {
		connectToNum = 1
	}
	connected := r.NumberOfConnectedRouters()
	if connected < connectToNum {
		r.maker.ConnectToRandomRouters(connectToNum-connected, now)
	}
	if r.store.Len() < constants.MinRoutersForPaths {
		r.exploreNetwork(now)
	}

	// 8. hidden service and exit machinery
	r.builder.Tick(now)
	if r.transit != nil {
		r.transit.Tick(now)
	}

	// 9. the DHT node table stays a subset of live peers
	r.dht.RemoveNodesIf(func(id crypto.RouterID) bool {
		return !r.HasSessionTo(id)
	})
	r.dht.Tick(now)

	// 10. path expiry
	r.builder.ExpirePaths(now)

	// link and queue upkeep
	for _, l := range r.links {
		l.Pump(now)
	}
	r.dispatcher.Tick(now)
	r.builder.PumpUpstream()
	r.builder.PumpDownstream()

	if r.cfg.Network.Profiling && r.profiles.ShouldSave(now) {
		r.disk.AddJob(func() {
			if err := r.profiles.Save(now); err != nil {
				r.log.Warningf("profile save failed: %v", err)
			}
		})
	}
}

// exploreNetwork tries to widen the contact set when it is too small to
// build paths, by dialing bootstrap routers again.
func (r *Router) exploreNetwork(now time.Time) {
	for _, contact := range r.bootstrap {
		if !r.HasSessionTo(contact.RouterID()) {
			r.maker.CreateSessionToContact(contact, now, nil)
		}
	}
}

func (r *Router) reportStats(now time.Time) {
	r.log.Noticef("%d contacts loaded", r.store.Len())
	r.log.Noticef("%d bootstrap peers", len(r.bootstrap))
	r.log.Noticef("%d router connections", r.NumberOfConnectedRouters())
	if r.IsServiceNode() {
		r.log.Noticef("%v since we last updated our contact", r.ourRC.Age(now))
		r.log.Noticef("%d transit paths", r.transit.NumTransit())
	}
	r.log.Noticef("%d introsets stored", r.dht.ServiceCount())
}

// LogicCall posts fn onto the logic lane.
func (r *Router) LogicCall(fn func()) error {
	return r.logic.Call(fn)
}

// RotateLog reopens the log file, for SIGHUP.
func (r *Router) RotateLog() {
	if err := r.logBackend.Rotate(); err != nil {
		r.fatalErrCh <- fmt.Errorf("failed to rotate log file: %v", err)
	}
}

// Wait blocks until the router is terminated.
func (r *Router) Wait() {
	<-r.haltedCh
}

// Shutdown cleanly stops the router.
func (r *Router) Shutdown() {
	r.haltOnce.Do(r.halt)
}

func (r *Router) halt() {
	r.log.Notice("starting graceful shutdown")

	done := make(chan struct{})
	if err := r.logic.Call(func() {
		r.stopTick = true
		close(done)
	}); err == nil {
		<-done
	}

	r.teardown()
	r.log.Notice("shutdown complete")
	close(r.haltedCh)
}

func (r *Router) teardown() {
	for _, l := range r.links {
		l.Halt()
	}
	if r.logic != nil {
		r.logic.Halt()
	}
	if r.cryptoPool != nil {
		r.cryptoPool.Halt()
	}
	if r.disk != nil {
		r.disk.Halt()
	}
	if r.profiles != nil {
		now := time.Now()
		if err := r.profiles.Save(now); err != nil {
			r.log.Warningf("final profile save failed: %v", err)
		}
		r.profiles.Close()
	}
}
