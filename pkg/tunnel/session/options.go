package session

import (
	"errors"
	"net"
	"net/netip"
	"time"

	"github.com/meridian-vpn/meridian/pkg/tunnel/token"
)

// Options is the host-supplied startup snapshot for one session.
type Options struct {
	// ServerID identifies the selected server, for event attribution.
	ServerID string
	// Endpoint is the tunnel server endpoint as host:port.
	Endpoint string
	// Address is the interface address range assigned to this device.
	Address netip.Prefix
	// PeerPublicKey is the server's public key, base64 encoded.
	PeerPublicKey string
	// AllowedIPs are the ranges routed into the tunnel.
	AllowedIPs []netip.Prefix
	// Keepalive is the persistent keepalive interval. Zero disables it.
	Keepalive time.Duration
	// PrivateKey optionally pins the interface private key, base64
	// encoded. Empty means a fresh key is generated at start.
	PrivateKey string
	// ProbeTarget is the reachability target for the connection tester.
	// Empty means the tunnel endpoint itself.
	ProbeTarget string
	// Scheme selects the credential scheme for this session.
	Scheme token.Scheme
}

func (o Options) validate() error {
	if o.Endpoint == "" {
		return errors.New("options: endpoint is required")
	}
	if _, _, err := net.SplitHostPort(o.Endpoint); err != nil {
		return errors.New("options: endpoint must be host:port")
	}
	if o.PeerPublicKey == "" {
		return errors.New("options: peer public key is required")
	}
	if !o.Address.IsValid() {
		return errors.New("options: interface address is required")
	}
	return nil
}

func (o Options) probeTarget() string {
	if o.ProbeTarget != "" {
		return o.ProbeTarget
	}
	return o.Endpoint
}

// engineRelevantChange reports whether applying o over current requires an
// engine reconfiguration, as opposed to metadata-only bookkeeping.
func (o Options) engineRelevantChange(current Options) bool {
	if o.Endpoint != current.Endpoint ||
		o.PeerPublicKey != current.PeerPublicKey ||
		o.Address != current.Address ||
		o.Keepalive != current.Keepalive ||
		len(o.AllowedIPs) != len(current.AllowedIPs) {
		return true
	}
	for i := range o.AllowedIPs {
		if o.AllowedIPs[i] != current.AllowedIPs[i] {
			return true
		}
	}
	return false
}
