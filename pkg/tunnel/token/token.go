// Package token manages the tunnel's authentication credential.
//
// Two credential schemes exist: a bare access-token string (v1) and a
// richer container carrying a refresh token and decodable entitlements
// (v2). Exactly one scheme is wired in per running session; the Handle
// interface hides which one, so nothing above this package branches on the
// scheme.
package token

import (
	"errors"
	"fmt"
)

// Scheme identifies a credential scheme version.
type Scheme string

const (
	// SchemeBare is the legacy single-string access token.
	SchemeBare Scheme = "v1"
	// SchemeContainer is the token container with refresh token and
	// entitlement claims.
	SchemeContainer Scheme = "v2"
)

// Entitlement is a subscription-backed permission.
type Entitlement string

// EntitlementVPN gates tunnel usage.
const EntitlementVPN Entitlement = "vpn"

var (
	// ErrMissingCredential means no credential is stored. Starting a
	// tunnel without one is a hard failure.
	ErrMissingCredential = errors.New("no credential stored")

	// ErrSchemeMismatch means a credential of the wrong scheme was
	// offered to a handle.
	ErrSchemeMismatch = errors.New("credential scheme mismatch")
)

// Credential is the sum type over the two schemes. Values are opaque to
// callers: they are resolved, compared, and passed along, never logged.
type Credential interface {
	Scheme() Scheme
	// AccessToken returns the bearer credential presented to backends.
	AccessToken() string
	// Equal reports whether two credentials carry identical material.
	Equal(Credential) bool
}

// BareToken is the v1 scheme: a single access-token string.
type BareToken string

func (BareToken) Scheme() Scheme { return SchemeBare }

func (t BareToken) AccessToken() string { return string(t) }

func (t BareToken) Equal(o Credential) bool {
	ot, ok := o.(BareToken)
	return ok && t == ot
}

// Container is the v2 scheme: access token, optional refresh token, and
// the entitlement set decoded from the access token's claims.
type Container struct {
	Access       string
	Refresh      string
	Entitlements []Entitlement
}

func (*Container) Scheme() Scheme { return SchemeContainer }

func (c *Container) AccessToken() string { return c.Access }

// Equal compares token material only; decoded entitlements are derived
// state and do not participate.
func (c *Container) Equal(o Credential) bool {
	oc, ok := o.(*Container)
	return ok && c.Access == oc.Access && c.Refresh == oc.Refresh
}

// HasEntitlement reports whether the container carries the entitlement.
func (c *Container) HasEntitlement(e Entitlement) bool {
	for _, have := range c.Entitlements {
		if have == e {
			return true
		}
	}
	return false
}

// Handle is the scheme-agnostic credential accessor.
type Handle interface {
	// GetToken returns the stored credential, or ErrMissingCredential.
	GetToken() (Credential, error)
	// AdoptToken replaces the stored credential. Adopting a value
	// identical to the current one is a no-op.
	AdoptToken(Credential) error
	// RemoveToken deletes the stored credential. Subsequent GetToken
	// calls fail with ErrMissingCredential until a new one is adopted.
	RemoveToken() error
}

// NewHandle constructs the concrete handle for the given scheme. This is
// the single place the scheme selection flag is consulted.
func NewHandle(scheme Scheme, store Store, validator Validator) (Handle, error) {
	switch scheme {
	case SchemeBare:
		return NewBareHandle(store), nil
	case SchemeContainer:
		return NewContainerHandle(store, validator), nil
	default:
		return nil, fmt.Errorf("unknown credential scheme: %s", scheme)
	}
}
