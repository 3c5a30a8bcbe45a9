// Package entitlement talks to the subscription backend to verify that a
// credential is entitled to run the tunnel.
package entitlement

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	json "github.com/goccy/go-json"

	"github.com/meridian-vpn/meridian/pkg/tunnel/token"
)

// ErrAccessRevoked means the backend definitively reported the credential
// as not entitled. Transport failures are never mapped to this error; they
// surface as ordinary errors and callers treat them as indeterminate.
var ErrAccessRevoked = errors.New("access revoked")

// Policy selects between the local cache and a forced backend round trip.
type Policy int

const (
	// PolicyCached serves a previous verdict while it is fresh.
	PolicyCached Policy = iota
	// PolicyForceRefresh always asks the backend.
	PolicyForceRefresh
)

// Checker verifies that a credential is entitled to tunnel usage.
type Checker interface {
	// Check returns nil when entitled, ErrAccessRevoked when the backend
	// says the credential is not entitled, and any other error when the
	// verdict could not be obtained.
	Check(ctx context.Context, cred token.Credential, policy Policy) error
}

// CheckerFunc adapts a function to the Checker interface.
type CheckerFunc func(ctx context.Context, cred token.Credential, policy Policy) error

func (f CheckerFunc) Check(ctx context.Context, cred token.Credential, policy Policy) error {
	return f(ctx, cred, policy)
}

type entitlementsResponse struct {
	Entitlements []token.Entitlement `json:"entitlements"`
}

// Client is the HTTP entitlement checker.
type Client struct {
	baseURL  string
	required token.Entitlement
	http     *http.Client
	ttl      time.Duration
	now      func() time.Time

	mu        sync.Mutex
	cachedAt  time.Time
	cachedFor string
	cachedErr error
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient sets the underlying HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.http = hc }
}

// WithCacheTTL sets how long a verdict stays fresh for PolicyCached.
func WithCacheTTL(ttl time.Duration) ClientOption {
	return func(c *Client) { c.ttl = ttl }
}

// NewClient creates a checker against the given backend base URL that
// requires the given entitlement.
func NewClient(baseURL string, required token.Entitlement, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:  baseURL,
		required: required,
		http:     &http.Client{Timeout: 10 * time.Second},
		ttl:      5 * time.Minute,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) Check(ctx context.Context, cred token.Credential, policy Policy) error {
	if cred == nil {
		return token.ErrMissingCredential
	}

	if policy == PolicyCached {
		c.mu.Lock()
		fresh := c.cachedFor == cred.AccessToken() &&
			c.now().Sub(c.cachedAt) < c.ttl
		cachedErr := c.cachedErr
		c.mu.Unlock()
		if fresh {
			return cachedErr
		}
	}

	err := c.refresh(ctx, cred)
	if err == nil || errors.Is(err, ErrAccessRevoked) {
		// Only definitive verdicts are cacheable.
		c.mu.Lock()
		c.cachedAt = c.now()
		c.cachedFor = cred.AccessToken()
		c.cachedErr = err
		c.mu.Unlock()
	}
	return err
}

func (c *Client) refresh(ctx context.Context, cred token.Credential) error {
	return retry.Do(
		func() error {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/entitlements", nil)
			if err != nil {
				return retry.Unrecoverable(err)
			}
			req.Header.Set("Authorization", "Bearer "+cred.AccessToken())

			resp, err := c.http.Do(req)
			if err != nil {
				return fmt.Errorf("entitlement request: %w", err)
			}
			defer resp.Body.Close()

			switch {
			case resp.StatusCode == http.StatusUnauthorized,
				resp.StatusCode == http.StatusForbidden:
				return retry.Unrecoverable(ErrAccessRevoked)
			case resp.StatusCode != http.StatusOK:
				return fmt.Errorf("entitlement service returned status %d", resp.StatusCode)
			}

			var body entitlementsResponse
			if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
				return fmt.Errorf("decode entitlements: %w", err)
			}
			for _, e := range body.Entitlements {
				if e == c.required {
					return nil
				}
			}
			return retry.Unrecoverable(ErrAccessRevoked)
		},
		retry.Context(ctx),
		retry.Attempts(3),
		retry.Delay(200*time.Millisecond),
		retry.LastErrorOnly(true),
	)
}
