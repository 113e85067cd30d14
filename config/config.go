// SPDX-FileCopyrightText: Copyright (C) 2025 the loki-network authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package config provides the router configuration.
package config

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"strconv"

	"gopkg.in/ini.v1"

	"github.com/notlesh/loki-network/core/crypto"
	"github.com/notlesh/loki-network/core/log"
)

const (
	// DefaultNetID is the network identifier joined when none is
	// configured.
	DefaultNetID = "lokinet"

	maxNetIDLen = 8

	minJobQueueSize = 1024

	defaultJobQueueSize = 1024 * 8

	defaultRelayMinConns  = 6
	defaultRelayMaxConns  = 60
	defaultClientMinConns = 4
	defaultClientMaxConns = 6

	defaultWorkerThreads = 1
	defaultNetThreads    = 1

	defaultHops  = 4
	defaultPaths = 6
	maxHops      = 8

	defaultAPIBind = "127.0.0.1:1190"

	defaultLogLevel = "NOTICE"
	defaultLogType  = "stdout"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("config: invalid")

func invalidf(format string, a ...interface{}) error {
	return fmt.Errorf("%w: %v", ErrInvalid, fmt.Sprintf(format, a...))
}

// sections we accept but do not interpret, for forward and backward
// compatibility with the wider config surface.
var ignoredSections = map[string]bool{
	"dns":      true,
	"metrics":  true,
	"system":   true,
	ini.DefaultSection: true,
}

// Router is the [router] section.
type Router struct {
	// JobQueueSize is the logic lane queue depth.
	JobQueueSize int

	// NetID is the network identifier string; peers with a different
	// netid are refused.
	NetID string

	// MinConnections is the minimum number of authenticated peers the
	// tick loop maintains.
	MinConnections int

	// MaxConnections caps the number of authenticated peers.
	MaxConnections int

	// DataDir is the root for keys, the contact cache, and profiles.
	DataDir string

	// PublicAddress and PublicPort override the advertised address.
	PublicAddress string
	PublicPort    int

	// WorkerThreads sizes the crypto worker pool.
	WorkerThreads int

	// NetThreads sizes the network I/O pool.
	NetThreads int

	// BlockBogons rejects contacts advertising bogon addresses.
	BlockBogons bool
}

func (r *Router) applyDefaults(relay bool) {
	if r.JobQueueSize == 0 {
		r.JobQueueSize = defaultJobQueueSize
	}
	if r.NetID == "" {
		r.NetID = DefaultNetID
	}
	if r.MinConnections == 0 {
		if relay {
			r.MinConnections = defaultRelayMinConns
		} else {
			r.MinConnections = defaultClientMinConns
		}
	}
	if r.MaxConnections == 0 {
		if relay {
			r.MaxConnections = defaultRelayMaxConns
		} else {
			r.MaxConnections = defaultClientMaxConns
		}
	}
	if r.WorkerThreads == 0 {
		r.WorkerThreads = defaultWorkerThreads
	}
	if r.NetThreads == 0 {
		r.NetThreads = defaultNetThreads
	}
}

func (r *Router) validate(relay bool) error {
	if r.JobQueueSize < minJobQueueSize {
		return invalidf("router.job-queue-size %d < %d", r.JobQueueSize, minJobQueueSize)
	}
	if len(r.NetID) > maxNetIDLen {
		return invalidf("router.netid '%v' exceeds %d bytes", r.NetID, maxNetIDLen)
	}
	minFloor := defaultClientMinConns
	maxFloor := defaultClientMaxConns
	if relay {
		minFloor = defaultRelayMinConns
		maxFloor = defaultRelayMaxConns
	}
	if r.MinConnections < minFloor {
		return invalidf("router.min-connections %d < %d", r.MinConnections, minFloor)
	}
	if r.MaxConnections < maxFloor {
		return invalidf("router.max-connections %d < %d", r.MaxConnections, maxFloor)
	}
	if r.MaxConnections < r.MinConnections {
		return invalidf("router.max-connections %d < router.min-connections %d", r.MaxConnections, r.MinConnections)
	}
	if r.DataDir == "" {
		return invalidf("router.data-dir is not set")
	}
	if fi, err := os.Stat(r.DataDir); err != nil || !fi.IsDir() {
		return invalidf("router.data-dir '%v' is not a directory", r.DataDir)
	}
	if r.PublicAddress != "" {
		ip := net.ParseIP(r.PublicAddress)
		if ip == nil || ip.To4() == nil {
			return invalidf("router.public-address '%v' is not an IPv4 address", r.PublicAddress)
		}
		if r.PublicPort <= 0 {
			return invalidf("router.public-port must be set with router.public-address")
		}
	}
	if r.PublicPort < 0 || r.PublicPort > 65535 {
		return invalidf("router.public-port %d out of range", r.PublicPort)
	}
	if r.WorkerThreads <= 0 {
		return invalidf("router.worker-threads must be > 0")
	}
	if r.NetThreads <= 0 {
		return invalidf("router.net-threads must be > 0")
	}
	return nil
}

// Network is the [network] section.
type Network struct {
	// Profiling enables router reputation profiling.
	Profiling bool

	// Hops is the path length.
	Hops int

	// Paths is the number of paths kept per endpoint.
	Paths int

	// StrictConnect pins the first hop of every path.
	StrictConnect crypto.RouterID

	// BlacklistSNodes are peers never used on paths or sessions.
	BlacklistSNodes []crypto.RouterID
}

func (n *Network) applyDefaults() {
	if n.Hops == 0 {
		n.Hops = defaultHops
	}
	if n.Paths == 0 {
		n.Paths = defaultPaths
	}
}

func (n *Network) validate() error {
	if n.Hops < 1 || n.Hops > maxHops {
		return invalidf("network.hops %d not in 1..%d", n.Hops, maxHops)
	}
	if n.Paths < 1 || n.Paths > maxHops {
		return invalidf("network.paths %d not in 1..%d", n.Paths, maxHops)
	}
	return nil
}

// Bind is one [bind] entry: an interface or address to accept inbound
// links on.
type Bind struct {
	Interface string
	Port      int
}

// API is the [api] section for the JSON-RPC control server.
type API struct {
	Enabled bool
	Bind    string
}

func (a *API) applyDefaults() {
	if a.Bind == "" {
		a.Bind = defaultAPIBind
	}
}

func (a *API) validate() error {
	if !a.Enabled {
		return nil
	}
	if _, err := netip.ParseAddrPort(a.Bind); err != nil {
		return invalidf("api.bind '%v': %v", a.Bind, err)
	}
	return nil
}

// Lokid is the [lokid] service-node control channel section.
type Lokid struct {
	Enabled  bool
	JSONRPC  string
	Username string
	Password string
}

// Bootstrap is the [bootstrap] section.
type Bootstrap struct {
	// AddNodes are paths to bencoded router contact files loaded at
	// startup.
	AddNodes []string
}

func (b *Bootstrap) validate() error {
	for _, p := range b.AddNodes {
		if fi, err := os.Stat(p); err != nil || fi.IsDir() {
			return invalidf("bootstrap.add-node '%v' does not exist", p)
		}
	}
	return nil
}

// Logging is the [logging] section.
type Logging struct {
	Type  string
	Level string
	File  string
}

func (l *Logging) applyDefaults() {
	if l.Type == "" {
		l.Type = defaultLogType
	}
	if l.Level == "" {
		l.Level = defaultLogLevel
	}
}

func (l *Logging) validate() error {
	switch l.Type {
	case "stdout", "file", "discard":
	default:
		return invalidf("logging.type '%v' unknown", l.Type)
	}
	if l.Type == "file" && l.File == "" {
		return invalidf("logging.file must be set with logging.type=file")
	}
	return log.ValidateLevel(l.Level)
}

// Config is the full router configuration.
type Config struct {
	Router    Router
	Network   Network
	Binds     []Bind
	Connect   []string
	API       API
	Lokid     Lokid
	Bootstrap Bootstrap
	Logging   Logging

	// Warnings accumulated while parsing, for the caller to log.
	Warnings []string
}

// IsRelay returns true when the config binds an inbound link, making
// the node a relay rather than a client.
func (c *Config) IsRelay() bool {
	return len(c.Binds) > 0
}

// FixupAndValidate applies defaults and validates the configuration.
func (c *Config) FixupAndValidate() error {
	relay := c.IsRelay()
	c.Router.applyDefaults(relay)
	c.Network.applyDefaults()
	c.API.applyDefaults()
	c.Logging.applyDefaults()

	if err := c.Router.validate(relay); err != nil {
		return err
	}
	if err := c.Network.validate(); err != nil {
		return err
	}
	for _, b := range c.Binds {
		if b.Port <= 0 || b.Port > 65535 {
			return invalidf("bind.%v port %d invalid", b.Interface, b.Port)
		}
	}
	if err := c.API.validate(); err != nil {
		return err
	}
	if err := c.Bootstrap.validate(); err != nil {
		return err
	}
	return c.Logging.validate()
}

func parseRouterID(s string) (crypto.RouterID, error) {
	id, err := crypto.RouterIDFromString(s)
	if err != nil {
		return id, invalidf("malformed RouterID '%v'", s)
	}
	return id, nil
}

// Load parses and validates a configuration from raw INI bytes.
func Load(b []byte) (*Config, error) {
	f, err := ini.LoadSources(ini.LoadOptions{AllowShadows: true, AllowDuplicateShadowValues: true}, b)
	if err != nil {
		return nil, invalidf("parse failed: %v", err)
	}

	c := new(Config)
	for _, sec := range f.Sections() {
		var err error
		switch sec.Name() {
		case "router":
			err = c.loadRouter(sec)
		case "network":
			err = c.loadNetwork(sec)
		case "bind":
			err = c.loadBind(sec)
		case "connect":
			for _, k := range sec.Keys() {
				c.Connect = append(c.Connect, k.String())
			}
		case "api":
			err = c.loadAPI(sec)
		case "lokid":
			c.Lokid = Lokid{
				Enabled:  sec.Key("enabled").MustBool(false),
				JSONRPC:  sec.Key("jsonrpc").String(),
				Username: sec.Key("username").String(),
				Password: sec.Key("password").String(),
			}
		case "bootstrap":
			c.Bootstrap.AddNodes = append(c.Bootstrap.AddNodes, sec.Key("add-node").ValueWithShadows()...)
		case "logging":
			c.Logging = Logging{
				Type:  sec.Key("type").String(),
				Level: sec.Key("level").String(),
				File:  sec.Key("file").String(),
			}
		default:
			if !ignoredSections[sec.Name()] {
				return nil, invalidf("unrecognised section [%v]", sec.Name())
			}
		}
		if err != nil {
			return nil, err
		}
	}

	if err := c.FixupAndValidate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) loadRouter(sec *ini.Section) error {
	var err error
	get := func(name string) int {
		if err != nil {
			return 0
		}
		k := sec.Key(name)
		if k.String() == "" {
			return 0
		}
		var v int
		v, err = k.Int()
		if err != nil {
			err = invalidf("router.%v: %v", name, err)
		}
		return v
	}

	c.Router = Router{
		JobQueueSize:   get("job-queue-size"),
		NetID:          sec.Key("netid").String(),
		MinConnections: get("min-connections"),
		MaxConnections: get("max-connections"),
		DataDir:        sec.Key("data-dir").String(),
		PublicAddress:  sec.Key("public-address").String(),
		PublicPort:     get("public-port"),
		WorkerThreads:  get("worker-threads"),
		NetThreads:     get("net-threads"),
		BlockBogons:    sec.Key("block-bogons").MustBool(true),
	}
	return err
}

func (c *Config) loadNetwork(sec *ini.Section) error {
	n := Network{
		Profiling: sec.Key("profiling").MustBool(true),
	}
	var err error
	if s := sec.Key("hops").String(); s != "" {
		if n.Hops, err = strconv.Atoi(s); err != nil {
			return invalidf("network.hops: %v", err)
		}
		if n.Hops < 1 {
			return invalidf("network.hops %d not in 1..%d", n.Hops, maxHops)
		}
	}
	if s := sec.Key("paths").String(); s != "" {
		if n.Paths, err = strconv.Atoi(s); err != nil {
			return invalidf("network.paths: %v", err)
		}
		if n.Paths < 1 {
			return invalidf("network.paths %d not in 1..%d", n.Paths, maxHops)
		}
	}
	if s := sec.Key("strict-connect").String(); s != "" {
		if n.StrictConnect, err = parseRouterID(s); err != nil {
			return err
		}
	}
	seen := make(map[crypto.RouterID]bool)
	for _, s := range sec.Key("blacklist-snode").ValueWithShadows() {
		id, err := parseRouterID(s)
		if err != nil {
			return err
		}
		if seen[id] {
			// Duplicates are accepted with a warning rather than
			// rejected.
			c.Warnings = append(c.Warnings, fmt.Sprintf("duplicate blacklist-snode entry %v", id))
			continue
		}
		seen[id] = true
		n.BlacklistSNodes = append(n.BlacklistSNodes, id)
	}
	c.Network = n
	return nil
}

func (c *Config) loadBind(sec *ini.Section) error {
	for _, k := range sec.Keys() {
		port, err := k.Int()
		if err != nil {
			return invalidf("bind.%v: %v", k.Name(), err)
		}
		c.Binds = append(c.Binds, Bind{Interface: k.Name(), Port: port})
	}
	return nil
}

func (c *Config) loadAPI(sec *ini.Section) error {
	c.API = API{
		Enabled: sec.Key("enabled").MustBool(false),
		Bind:    sec.Key("bind").String(),
	}
	return nil
}

// LoadFile loads, parses, and validates the configuration file at path.
func LoadFile(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Load(b)
}

// Default returns a default configuration for the given role, rooted at
// dataDir.
func Default(relay bool, dataDir string) *Config {
	c := new(Config)
	c.Router.DataDir = dataDir
	if relay {
		c.Binds = []Bind{{Interface: "0.0.0.0", Port: 1090}}
	}
	c.Router.applyDefaults(relay)
	c.Network.applyDefaults()
	c.API.applyDefaults()
	c.Logging.applyDefaults()
	return c
}

// Save writes the configuration as an INI file at path.
func (c *Config) Save(path string) error {
	f := ini.Empty()

	r, _ := f.NewSection("router")
	r.NewKey("netid", c.Router.NetID)
	r.NewKey("data-dir", c.Router.DataDir)
	r.NewKey("min-connections", strconv.Itoa(c.Router.MinConnections))
	r.NewKey("max-connections", strconv.Itoa(c.Router.MaxConnections))
	r.NewKey("worker-threads", strconv.Itoa(c.Router.WorkerThreads))

	n, _ := f.NewSection("network")
	n.NewKey("hops", strconv.Itoa(c.Network.Hops))
	n.NewKey("paths", strconv.Itoa(c.Network.Paths))

	if len(c.Binds) > 0 {
		b, _ := f.NewSection("bind")
		for _, bind := range c.Binds {
			b.NewKey(bind.Interface, strconv.Itoa(bind.Port))
		}
	}

	l, _ := f.NewSection("logging")
	l.NewKey("type", c.Logging.Type)
	l.NewKey("level", c.Logging.Level)

	return f.SaveTo(path)
}

// EnsureDataDir creates the data directory with paranoid permissions if
// it does not exist yet.
func EnsureDataDir(dir string) error {
	if fi, err := os.Lstat(dir); err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("config: failed to stat() data-dir: %v", err)
		}
		if err = os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("config: failed to create data-dir: %v", err)
		}
	} else if !fi.IsDir() {
		return fmt.Errorf("config: data-dir '%v' is not a directory", dir)
	}
	return nil
}
