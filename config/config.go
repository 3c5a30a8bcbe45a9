// Package config loads and stores the meridian CLI configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/adrg/xdg"
	"gopkg.in/yaml.v3"

	"github.com/meridian-vpn/meridian/pkg/tunnel/session"
	"github.com/meridian-vpn/meridian/pkg/tunnel/token"
)

// Flag-bound globals shared across commands.
var (
	// ConfigFile overrides the default config location when set via --config.
	ConfigFile string
	// Verbose enables debug-level logging via --verbose.
	Verbose bool
)

// Config is the on-disk configuration for the meridian daemon.
type Config struct {
	// API is the base URL of the control plane. The serverlist and
	// entitlement clients derive their endpoints from it by appending
	// their own request paths.
	API string `yaml:"api"`
	// ServerListURL overrides the base URL for the server catalog
	// client only.
	ServerListURL string `yaml:"serverListURL,omitempty"`
	// EntitlementURL overrides the base URL for the entitlement client
	// only.
	EntitlementURL string `yaml:"entitlementURL,omitempty"`
	// JWKSURL is the endpoint serving token verification keys.
	JWKSURL string `yaml:"jwksURL,omitempty"`

	// TokenScheme selects the credential format: "v1" or "v2".
	TokenScheme string `yaml:"tokenScheme"`

	Tunnel  TunnelConfig  `yaml:"tunnel"`
	Timings TimingsConfig `yaml:"timings"`

	// MetricsAddr, when set, exposes prometheus metrics over HTTP.
	MetricsAddr string `yaml:"metricsAddr,omitempty"`
}

// TunnelConfig describes the initial tunnel configuration.
type TunnelConfig struct {
	ServerID      string   `yaml:"serverID,omitempty"`
	Endpoint      string   `yaml:"endpoint,omitempty"`
	Address       string   `yaml:"address,omitempty"`
	PeerPublicKey string   `yaml:"peerPublicKey,omitempty"`
	AllowedIPs    []string `yaml:"allowedIPs,omitempty"`
	KeepaliveSec  int      `yaml:"keepaliveSec,omitempty"`
	// ProbeTarget overrides the connectivity probe address. Defaults
	// to the tunnel endpoint.
	ProbeTarget string `yaml:"probeTarget,omitempty"`
}

// TimingsConfig holds the periodic loop tunables. Zero values fall back
// to session defaults.
type TimingsConfig struct {
	ProbeInterval         time.Duration `yaml:"probeInterval,omitempty"`
	ProbeTimeout          time.Duration `yaml:"probeTimeout,omitempty"`
	ExtendedFailureWindow time.Duration `yaml:"extendedFailureWindow,omitempty"`
	RekeyInterval         time.Duration `yaml:"rekeyInterval,omitempty"`
	RecoveryTimeout       time.Duration `yaml:"recoveryTimeout,omitempty"`
	EntitlementRecheck    time.Duration `yaml:"entitlementRecheck,omitempty"`
	EntitlementTTL        time.Duration `yaml:"entitlementTTL,omitempty"`
}

// New returns a Config populated with defaults.
func New() *Config {
	return &Config{
		API:         "https://api.meridian-vpn.dev",
		TokenScheme: string(token.SchemeContainer),
		Timings: TimingsConfig{
			ProbeInterval:         30 * time.Second,
			ProbeTimeout:          5 * time.Second,
			ExtendedFailureWindow: 2 * time.Minute,
			RekeyInterval:         15 * time.Minute,
			RecoveryTimeout:       30 * time.Second,
			EntitlementRecheck:    10 * time.Minute,
			EntitlementTTL:        5 * time.Minute,
		},
	}
}

// Scheme returns the configured token scheme.
func (c *Config) Scheme() (token.Scheme, error) {
	switch token.Scheme(c.TokenScheme) {
	case token.SchemeBare:
		return token.SchemeBare, nil
	case token.SchemeContainer, "":
		return token.SchemeContainer, nil
	}
	return "", fmt.Errorf("unknown token scheme %q", c.TokenScheme)
}

// SessionConfig maps the timing tunables onto a session config.
func (c *Config) SessionConfig() session.Config {
	return session.Config{
		ProbeInterval:         c.Timings.ProbeInterval,
		ProbeTimeout:          c.Timings.ProbeTimeout,
		ExtendedFailureWindow: c.Timings.ExtendedFailureWindow,
		RekeyInterval:         c.Timings.RekeyInterval,
		RecoveryTimeout:       c.Timings.RecoveryTimeout,
		EntitlementRecheck:    c.Timings.EntitlementRecheck,
	}
}

// ServerListBaseURL returns the base URL for the server catalog client.
// The client appends its own request path.
func (c *Config) ServerListBaseURL() string {
	if c.ServerListURL != "" {
		return c.ServerListURL
	}
	return c.API
}

// EntitlementBaseURL returns the base URL for the entitlement client.
// The client appends its own request path.
func (c *Config) EntitlementBaseURL() string {
	if c.EntitlementURL != "" {
		return c.EntitlementURL
	}
	return c.API
}

func path() (string, error) {
	if ConfigFile != "" {
		return ConfigFile, nil
	}
	return xdg.ConfigFile(filepath.Join("meridian", "config.yaml"))
}

// Load reads the config file, falling back to defaults when absent.
func Load() (*Config, error) {
	p, err := path()
	if err != nil {
		return nil, err
	}
	cfg := New()
	b, err := os.ReadFile(p)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", p, err)
	}
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", p, err)
	}
	return cfg, nil
}

// Store writes the config file.
func Store(cfg *Config) error {
	p, err := path()
	if err != nil {
		return err
	}
	b, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return err
	}
	return os.WriteFile(p, b, 0o644)
}
