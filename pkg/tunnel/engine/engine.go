// Package engine defines the boundary to the cryptographic tunnel engine.
//
// The core orchestration layer only ever talks to the engine through the
// Engine interface; the concrete WireGuard binding lives behind it so that
// everything above stays testable with a fake.
package engine

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"net/netip"
	"strings"
	"time"

	"golang.org/x/crypto/curve25519"
)

// LogLevel is the severity of an engine log line.
type LogLevel int

const (
	LogLevelVerbose LogLevel = iota
	LogLevelError
)

// LogFunc receives diagnostic lines from the engine. Lines never contain
// key material.
type LogFunc func(level LogLevel, line string)

// Config is the full serialized tunnel configuration. It is immutable once
// handed to the engine: reconfiguration replaces the whole value, never
// patches a live one.
type Config struct {
	// PrivateKey is the interface private key, base64 encoded.
	PrivateKey string
	// Address is the interface address range.
	Address netip.Prefix
	// PeerPublicKey is the remote peer's public key, base64 encoded.
	PeerPublicKey string
	// Endpoint is the peer endpoint as host:port.
	Endpoint string
	// AllowedIPs are the ranges routed into the tunnel.
	AllowedIPs []netip.Prefix
	// Keepalive is the persistent keepalive interval. Zero disables it.
	Keepalive time.Duration
}

// Equal reports whether two configurations are identical.
func (c Config) Equal(o Config) bool {
	if c.PrivateKey != o.PrivateKey ||
		c.Address != o.Address ||
		c.PeerPublicKey != o.PeerPublicKey ||
		c.Endpoint != o.Endpoint ||
		c.Keepalive != o.Keepalive ||
		len(c.AllowedIPs) != len(o.AllowedIPs) {
		return false
	}
	for i := range c.AllowedIPs {
		if c.AllowedIPs[i] != o.AllowedIPs[i] {
			return false
		}
	}
	return true
}

// UAPI renders the configuration in the engine's wire format (hex keys,
// key=value lines). The output contains the private key and must never be
// logged.
func (c Config) UAPI() (string, error) {
	priv, err := keyToHex(c.PrivateKey)
	if err != nil {
		return "", fmt.Errorf("private key: %w", err)
	}
	pub, err := keyToHex(c.PeerPublicKey)
	if err != nil {
		return "", fmt.Errorf("peer public key: %w", err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "private_key=%s\n", priv)
	fmt.Fprintf(&b, "replace_peers=true\n")
	fmt.Fprintf(&b, "public_key=%s\n", pub)
	if c.Endpoint != "" {
		fmt.Fprintf(&b, "endpoint=%s\n", c.Endpoint)
	}
	fmt.Fprintf(&b, "replace_allowed_ips=true\n")
	for _, p := range c.AllowedIPs {
		fmt.Fprintf(&b, "allowed_ip=%s\n", p)
	}
	if c.Keepalive > 0 {
		fmt.Fprintf(&b, "persistent_keepalive_interval=%d\n", int(c.Keepalive.Seconds()))
	}
	return b.String(), nil
}

func keyToHex(b64 string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return "", fmt.Errorf("not base64: %w", err)
	}
	if len(raw) != 32 {
		return "", fmt.Errorf("key must be 32 bytes, got %d", len(raw))
	}
	return hex.EncodeToString(raw), nil
}

// PublicKeyFor derives the base64 public key for a base64 private key.
func PublicKeyFor(privB64 string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(privB64)
	if err != nil {
		return "", fmt.Errorf("not base64: %w", err)
	}
	if len(raw) != 32 {
		return "", fmt.Errorf("key must be 32 bytes, got %d", len(raw))
	}
	pub, err := curve25519.X25519(raw, curve25519.Basepoint)
	if err != nil {
		return "", fmt.Errorf("derive public key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(pub), nil
}

// Handle is an opaque reference to a running tunnel instance. At most one
// live handle exists per session.
type Handle interface {
	// Alive reports whether the underlying tunnel instance is still
	// usable. A dead handle requires a full restart.
	Alive() bool
}

// Engine is the narrow interface to the cryptographic tunnel engine.
type Engine interface {
	// TurnOn starts a tunnel with the given configuration and returns a
	// handle to it.
	TurnOn(config Config) (Handle, error)
	// TurnOff stops the tunnel and releases the handle.
	TurnOff(h Handle) error
	// GetConfig returns the configuration currently applied to the handle.
	GetConfig(h Handle) (Config, error)
	// SetConfig replaces the handle's configuration. The engine cycles the
	// instance down, applies the new configuration, and brings it back up.
	SetConfig(h Handle, config Config) error
	// BumpSockets rebinds the engine's sockets, e.g. after a network path
	// change.
	BumpSockets(h Handle) error
	// SetLogger installs the diagnostic log callback.
	SetLogger(fn LogFunc)
}

// KeySource produces fresh private keys for rekeying. Key generation
// belongs to the crypto engine; concrete engines implement this alongside
// Engine.
type KeySource interface {
	// NewPrivateKey returns a freshly generated private key, base64
	// encoded.
	NewPrivateKey() (string, error)
}

// StartError is a terminal failure to bring the tunnel up.
type StartError struct {
	Detail string
	Err    error
}

func (e *StartError) Error() string {
	return fmt.Sprintf("engine start failed: %s", e.Detail)
}

func (e *StartError) Unwrap() error { return e.Err }

// ConfigError is a failure to apply a configuration to a live handle.
type ConfigError struct {
	Detail string
	Err    error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("engine config failed: %s", e.Detail)
}

func (e *ConfigError) Unwrap() error { return e.Err }
