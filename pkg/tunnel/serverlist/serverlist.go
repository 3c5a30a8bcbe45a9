// Package serverlist fetches the candidate server catalog from the
// backend and measures per-candidate latency for migration ranking.
package serverlist

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	json "github.com/goccy/go-json"
)

// Candidate is one selectable tunnel server.
type Candidate struct {
	// ID is the stable server identifier. Candidate ordering by ID is
	// the deterministic tie-breaker during migration.
	ID string `json:"id"`
	// Endpoint is the server's tunnel endpoint as host:port.
	Endpoint string `json:"endpoint"`
	// Region is the declared location.
	Region string `json:"region"`
	// ProximityKm is the declared distance from the client's region.
	// Used for ranking only when latency data is absent.
	ProximityKm float64 `json:"proximityKm"`
	// Latency is the last measured round trip. Zero means unknown.
	Latency time.Duration `json:"-"`
}

type catalogResponse struct {
	Servers []Candidate `json:"servers"`
}

// Client fetches the server catalog with ETag-based caching.
type Client struct {
	baseURL string
	http    *http.Client

	mu     sync.Mutex
	etag   string
	cached []Candidate
}

// NewClient creates a catalog client for the given backend base URL.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient sets the underlying HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.http = hc }
}

// Fetch returns the current server catalog. A 304 response serves the
// cached copy.
func (c *Client) Fetch(ctx context.Context) ([]Candidate, error) {
	var out []Candidate
	err := retry.Do(
		func() error {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/servers", nil)
			if err != nil {
				return retry.Unrecoverable(err)
			}
			c.mu.Lock()
			if c.etag != "" {
				req.Header.Set("If-None-Match", c.etag)
			}
			c.mu.Unlock()

			resp, err := c.http.Do(req)
			if err != nil {
				return fmt.Errorf("server list request: %w", err)
			}
			defer resp.Body.Close()

			switch resp.StatusCode {
			case http.StatusNotModified:
				c.mu.Lock()
				out = append([]Candidate(nil), c.cached...)
				c.mu.Unlock()
				if out == nil {
					// A 304 with no prior body means a confused cache
					// upstream; refetch without the ETag.
					c.mu.Lock()
					c.etag = ""
					c.mu.Unlock()
					return errors.New("not modified without cached catalog")
				}
				return nil
			case http.StatusOK:
				body, err := io.ReadAll(resp.Body)
				if err != nil {
					return fmt.Errorf("read server list: %w", err)
				}
				var catalog catalogResponse
				if err := json.Unmarshal(body, &catalog); err != nil {
					return fmt.Errorf("decode server list: %w", err)
				}
				c.mu.Lock()
				c.etag = resp.Header.Get("ETag")
				c.cached = append([]Candidate(nil), catalog.Servers...)
				c.mu.Unlock()
				out = catalog.Servers
				return nil
			default:
				return fmt.Errorf("server list returned status %d", resp.StatusCode)
			}
		},
		retry.Context(ctx),
		retry.Attempts(3),
		retry.Delay(200*time.Millisecond),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return nil, err
	}
	return out, nil
}
