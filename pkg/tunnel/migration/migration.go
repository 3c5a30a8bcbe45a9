// Package migration selects a replacement server when the current tunnel
// endpoint is judged unhealthy.
package migration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/meridian-vpn/meridian/pkg/tunnel/serverlist"
)

// ErrNoAlternative means no candidate other than the current endpoint is
// available. The session stays on the degraded endpoint in that case; a
// degraded tunnel beats no tunnel.
var ErrNoAlternative = errors.New("no alternative server available")

// SelectCandidate picks the best replacement for the current endpoint.
//
// Ranking: candidates with measured latency come first, lowest latency
// wins; among candidates without latency data, declared proximity wins.
// Ties break on candidate ID ordering so selection is reproducible.
func SelectCandidate(currentEndpoint string, candidates []serverlist.Candidate) (serverlist.Candidate, error) {
	eligible := make([]serverlist.Candidate, 0, len(candidates))
	for _, c := range candidates {
		if c.Endpoint == currentEndpoint {
			continue
		}
		eligible = append(eligible, c)
	}
	if len(eligible) == 0 {
		return serverlist.Candidate{}, ErrNoAlternative
	}

	sort.Slice(eligible, func(i, j int) bool {
		a, b := eligible[i], eligible[j]
		aKnown, bKnown := a.Latency > 0, b.Latency > 0
		switch {
		case aKnown && !bKnown:
			return true
		case !aKnown && bKnown:
			return false
		case aKnown && bKnown:
			if a.Latency != b.Latency {
				return a.Latency < b.Latency
			}
		default:
			if a.ProximityKm != b.ProximityKm {
				return a.ProximityKm < b.ProximityKm
			}
		}
		return a.ID < b.ID
	})
	return eligible[0], nil
}

// Catalog provides the candidate server list.
type Catalog interface {
	Fetch(ctx context.Context) ([]serverlist.Candidate, error)
}

// Prober fills in candidate latency measurements.
type Prober interface {
	ProbeAll(ctx context.Context, candidates []serverlist.Candidate) []serverlist.Candidate
}

// Controller fetches candidates, measures them, and selects a replacement
// endpoint.
type Controller struct {
	catalog Catalog
	prober  Prober
}

// NewController creates a migration controller. prober may be nil, in
// which case ranking falls back to declared proximity.
func NewController(catalog Catalog, prober Prober) *Controller {
	return &Controller{catalog: catalog, prober: prober}
}

// Migrate returns the replacement candidate for the current endpoint.
func (c *Controller) Migrate(ctx context.Context, currentEndpoint string) (serverlist.Candidate, error) {
	candidates, err := c.catalog.Fetch(ctx)
	if err != nil {
		return serverlist.Candidate{}, fmt.Errorf("fetch server list: %w", err)
	}
	if c.prober != nil {
		candidates = c.prober.ProbeAll(ctx, candidates)
	}

	selected, err := SelectCandidate(currentEndpoint, candidates)
	if err != nil {
		return serverlist.Candidate{}, err
	}
	slog.Info("Selected migration target",
		slog.String("server", selected.ID),
		slog.Duration("latency", selected.Latency))
	return selected, nil
}
