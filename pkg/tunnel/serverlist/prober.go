package serverlist

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"
)

const (
	// DefaultProbeTimeout is the default timeout for each candidate probe.
	DefaultProbeTimeout = 3 * time.Second
	// DefaultMaxConcurrent is the default maximum number of concurrent
	// probes.
	DefaultMaxConcurrent = 10
)

// DialFunc opens a connection to an endpoint for latency measurement.
type DialFunc func(ctx context.Context, endpoint string) (net.Conn, error)

// Prober measures round-trip latency to candidate endpoints.
type Prober struct {
	timeout       time.Duration
	maxConcurrent int
	dial          DialFunc
}

// ProberOption configures a Prober.
type ProberOption func(*Prober)

// WithProbeTimeout sets the timeout for each candidate probe.
func WithProbeTimeout(timeout time.Duration) ProberOption {
	return func(p *Prober) { p.timeout = timeout }
}

// WithMaxConcurrent sets the maximum number of concurrent probes.
func WithMaxConcurrent(n int) ProberOption {
	return func(p *Prober) { p.maxConcurrent = n }
}

// WithDialFunc replaces the dialer. Used by tests.
func WithDialFunc(dial DialFunc) ProberOption {
	return func(p *Prober) { p.dial = dial }
}

// NewProber creates a Prober with TCP connect probes.
func NewProber(opts ...ProberOption) *Prober {
	p := &Prober{
		timeout:       DefaultProbeTimeout,
		maxConcurrent: DefaultMaxConcurrent,
	}
	var d net.Dialer
	p.dial = func(ctx context.Context, endpoint string) (net.Conn, error) {
		return d.DialContext(ctx, "tcp", endpoint)
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// ProbeAll measures latency for every candidate concurrently and returns
// the candidates with their Latency fields filled in. Failed probes leave
// Latency at zero (unknown).
func (p *Prober) ProbeAll(ctx context.Context, candidates []Candidate) []Candidate {
	out := make([]Candidate, len(candidates))
	copy(out, candidates)

	var wg sync.WaitGroup
	sem := make(chan struct{}, p.maxConcurrent)

	for i := range out {
		wg.Add(1)
		go func(c *Candidate) {
			defer wg.Done()

			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				return
			}

			probeCtx, cancel := context.WithTimeout(ctx, p.timeout)
			defer cancel()

			start := time.Now()
			conn, err := p.dial(probeCtx, c.Endpoint)
			if err != nil {
				slog.Debug("Candidate probe failed",
					slog.String("server", c.ID),
					slog.Any("error", err))
				return
			}
			conn.Close()
			c.Latency = time.Since(start)

			slog.Debug("Candidate probe succeeded",
				slog.String("server", c.ID),
				slog.Duration("latency", c.Latency))
		}(&out[i])
	}

	wg.Wait()
	return out
}
