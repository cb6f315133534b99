// Package config manages noded daemon configuration using koanf/v2.
//
// Supports YAML files and environment variable overrides.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"strconv"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// -------------------------------------------------------------------------
// Configuration Structures
// -------------------------------------------------------------------------

// Config holds the complete noded configuration.
type Config struct {
	// Home is the persistent home directory for identity, network
	// configs, and peer cache.
	Home string `koanf:"home"`

	Ports    PortsConfig    `koanf:"ports"`
	Caching  CachingConfig  `koanf:"caching"`
	Net      NetConfig      `koanf:"net"`
	Metrics  MetricsConfig  `koanf:"metrics"`
	Log      LogConfig      `koanf:"log"`
	Networks []string       `koanf:"networks"`
	Peers    []PeerConfig   `koanf:"peers"`
}

// PortsConfig holds the three-port UDP scheme settings.
type PortsConfig struct {
	// Primary is the primary UDP port; 0 picks a random bindable port.
	Primary uint16 `koanf:"primary"`

	// Secondary overrides the address-derived secondary port when nonzero.
	Secondary uint16 `koanf:"secondary"`

	// Tertiary overrides the mapping-port starting point when nonzero.
	Tertiary uint16 `koanf:"tertiary"`

	// Mapping enables uPnP/NAT-PMP mapping-port allocation.
	Mapping bool `koanf:"mapping"`
}

// CachingConfig gates on-disk caching of engine state.
type CachingConfig struct {
	Networks  bool `koanf:"networks"`
	Peers     bool `koanf:"peers"`
	LocalConf bool `koanf:"local_conf"`
}

// NetConfig holds physical-plane settings.
type NetConfig struct {
	// MultipathMode is pushed to the engine; nonzero shortens the bind
	// refresh period 8x.
	MultipathMode uint32 `koanf:"multipath_mode"`

	// InterfacePrefixBlacklist lists interface name prefixes never bound.
	InterfacePrefixBlacklist []string `koanf:"interface_prefix_blacklist"`

	// V4Blacklist / V6Blacklist are CIDR ranges never bound or dialed.
	V4Blacklist []string `koanf:"v4_blacklist"`
	V6Blacklist []string `koanf:"v6_blacklist"`

	// ExplicitBind replaces interface enumeration with fixed addresses.
	ExplicitBind []string `koanf:"explicit_bind"`

	// AllowManagementFrom restricts management sources (CIDR).
	AllowManagementFrom []string `koanf:"allow_management_from"`
}

// PeerConfig carries per-peer path hints and blacklists.
type PeerConfig struct {
	// Address is the peer's 10-hex overlay address.
	Address string `koanf:"address"`

	// Hints are preferred remote endpoints, "ip:port".
	Hints []string `koanf:"hints"`

	// Blacklist are remote CIDR ranges never used for this peer.
	Blacklist []string `koanf:"blacklist"`
}

// MetricsConfig holds the Prometheus metrics endpoint configuration.
type MetricsConfig struct {
	// Addr is the HTTP listen address for the metrics endpoint; empty
	// disables it.
	Addr string `koanf:"addr"`
	// Path is the URL path for the metrics endpoint.
	Path string `koanf:"path"`
}

// LogConfig holds the logging configuration.
type LogConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `koanf:"level"`
	// Format is the log output format: "json" or "text".
	Format string `koanf:"format"`
}

// -------------------------------------------------------------------------
// Parse Helpers
// -------------------------------------------------------------------------

// ParseNetworkID parses a 16-hex network ID.
func ParseNetworkID(s string) (uint64, error) {
	if len(s) != 16 {
		return 0, fmt.Errorf("network id %q: %w", s, ErrInvalidNetworkID)
	}
	nwid, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("network id %q: %w", s, ErrInvalidNetworkID)
	}
	return nwid, nil
}

// ParsePeerAddress parses a 10-hex overlay peer address.
func ParsePeerAddress(s string) (uint64, error) {
	if len(s) != 10 {
		return 0, fmt.Errorf("peer address %q: %w", s, ErrInvalidPeerAddress)
	}
	addr, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("peer address %q: %w", s, ErrInvalidPeerAddress)
	}
	return addr, nil
}

// ParsePrefixes parses a list of CIDR strings.
func ParsePrefixes(in []string) ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(in))
	for _, s := range in {
		p, err := netip.ParsePrefix(s)
		if err != nil {
			return nil, fmt.Errorf("parse prefix %q: %w", s, err)
		}
		out = append(out, p)
	}
	return out, nil
}

// ParseAddrs parses a list of bare IP addresses.
func ParseAddrs(in []string) ([]netip.Addr, error) {
	out := make([]netip.Addr, 0, len(in))
	for _, s := range in {
		a, err := netip.ParseAddr(s)
		if err != nil {
			return nil, fmt.Errorf("parse address %q: %w", s, err)
		}
		out = append(out, a)
	}
	return out, nil
}

// ParseAddrPorts parses a list of "ip:port" endpoints.
func ParseAddrPorts(in []string) ([]netip.AddrPort, error) {
	out := make([]netip.AddrPort, 0, len(in))
	for _, s := range in {
		ap, err := netip.ParseAddrPort(s)
		if err != nil {
			return nil, fmt.Errorf("parse endpoint %q: %w", s, err)
		}
		out = append(out, ap)
	}
	return out, nil
}

// -------------------------------------------------------------------------
// Defaults
// -------------------------------------------------------------------------

// DefaultConfig returns a Config populated with sensible defaults:
// caching on, metrics on a local port, random primary port.
func DefaultConfig() *Config {
	return &Config{
		Home: "noded.d",
		Ports: PortsConfig{
			Primary: 0,
			Mapping: true,
		},
		Caching: CachingConfig{
			Networks: true,
			Peers:    true,
		},
		Metrics: MetricsConfig{
			Addr: ":9464",
			Path: "/metrics",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// -------------------------------------------------------------------------
// Loader
// -------------------------------------------------------------------------

// envPrefix is the environment variable prefix for noded configuration.
// Variables are named NODED_<section>_<key>, e.g. NODED_LOG_LEVEL.
const envPrefix = "NODED_"

// Load reads configuration from a YAML file at path, overlays environment
// variable overrides (NODED_ prefix), and merges on top of
// DefaultConfig(). Missing fields inherit defaults.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	defaults := DefaultConfig()
	if err := loadDefaults(k, defaults); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("load config from %s: %w", path, err)
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKeyMapper), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config from %s: %w", path, err)
	}

	return cfg, nil
}

// envKeyMapper transforms NODED_LOG_LEVEL -> log.level.
func envKeyMapper(s string) string {
	s = strings.TrimPrefix(s, envPrefix)
	s = strings.ToLower(s)
	return strings.ReplaceAll(s, "_", ".")
}

// loadDefaults marshals the default config into koanf as the base layer.
func loadDefaults(k *koanf.Koanf, defaults *Config) error {
	defaultMap := map[string]any{
		"home":            defaults.Home,
		"ports.primary":   defaults.Ports.Primary,
		"ports.secondary": defaults.Ports.Secondary,
		"ports.tertiary":  defaults.Ports.Tertiary,
		"ports.mapping":   defaults.Ports.Mapping,
		"caching.networks": defaults.Caching.Networks,
		"caching.peers":    defaults.Caching.Peers,
		"metrics.addr":     defaults.Metrics.Addr,
		"metrics.path":     defaults.Metrics.Path,
		"log.level":        defaults.Log.Level,
		"log.format":       defaults.Log.Format,
	}

	for key, val := range defaultMap {
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("set default %s: %w", key, err)
		}
	}

	return nil
}

// -------------------------------------------------------------------------
// Validation
// -------------------------------------------------------------------------

// Validation errors.
var (
	// ErrEmptyHome indicates the home directory is empty.
	ErrEmptyHome = errors.New("home must not be empty")

	// ErrInvalidNetworkID indicates a malformed 16-hex network ID.
	ErrInvalidNetworkID = errors.New("network id must be 16 hex characters")

	// ErrInvalidPeerAddress indicates a malformed 10-hex peer address.
	ErrInvalidPeerAddress = errors.New("peer address must be 10 hex characters")

	// ErrDuplicateNetwork indicates a network listed twice.
	ErrDuplicateNetwork = errors.New("duplicate network id")
)

// Validate checks the configuration for logical errors. Returns the
// first validation error encountered.
func Validate(cfg *Config) error {
	if cfg.Home == "" {
		return ErrEmptyHome
	}

	seen := make(map[string]struct{}, len(cfg.Networks))
	for i, nw := range cfg.Networks {
		if _, err := ParseNetworkID(nw); err != nil {
			return fmt.Errorf("networks[%d]: %w", i, err)
		}
		if _, dup := seen[nw]; dup {
			return fmt.Errorf("networks[%d] %q: %w", i, nw, ErrDuplicateNetwork)
		}
		seen[nw] = struct{}{}
	}

	for i, pc := range cfg.Peers {
		if _, err := ParsePeerAddress(pc.Address); err != nil {
			return fmt.Errorf("peers[%d]: %w", i, err)
		}
		if _, err := ParseAddrPorts(pc.Hints); err != nil {
			return fmt.Errorf("peers[%d] hints: %w", i, err)
		}
		if _, err := ParsePrefixes(pc.Blacklist); err != nil {
			return fmt.Errorf("peers[%d] blacklist: %w", i, err)
		}
	}

	if _, err := ParsePrefixes(cfg.Net.V4Blacklist); err != nil {
		return fmt.Errorf("net.v4_blacklist: %w", err)
	}
	if _, err := ParsePrefixes(cfg.Net.V6Blacklist); err != nil {
		return fmt.Errorf("net.v6_blacklist: %w", err)
	}
	if _, err := ParseAddrs(cfg.Net.ExplicitBind); err != nil {
		return fmt.Errorf("net.explicit_bind: %w", err)
	}
	if _, err := ParsePrefixes(cfg.Net.AllowManagementFrom); err != nil {
		return fmt.Errorf("net.allow_management_from: %w", err)
	}

	return nil
}

// -------------------------------------------------------------------------
// Log Level Parsing
// -------------------------------------------------------------------------

// ParseLogLevel maps a configuration log level string to the
// corresponding slog.Level. Unknown values default to slog.LevelInfo.
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
