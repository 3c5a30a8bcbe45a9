// Package recovery coordinates the bounded remediation sequence run when
// sustained connectivity failure is detected.
package recovery

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/avast/retry-go/v4"

	"github.com/meridian-vpn/meridian/pkg/tunnel/engine"
	"github.com/meridian-vpn/meridian/pkg/tunnel/events"
	"github.com/meridian-vpn/meridian/pkg/tunnel/tester"
)

// Outcome is the final classification of one recovery attempt.
type Outcome int

const (
	// OutcomeHealthy means remediation restored connectivity.
	OutcomeHealthy Outcome = iota
	// OutcomeUnhealthy means remediation completed but the endpoint is
	// still unreachable. This is the server-migration trigger.
	OutcomeUnhealthy
	// OutcomeFailed means the attempt itself broke. Fatal for the
	// session.
	OutcomeFailed
	// OutcomeSkipped means an attempt was already in flight; the trigger
	// was a no-op.
	OutcomeSkipped
)

func (o Outcome) String() string {
	switch o {
	case OutcomeHealthy:
		return "completedHealthy"
	case OutcomeUnhealthy:
		return "completedUnhealthy"
	case OutcomeFailed:
		return "failed"
	case OutcomeSkipped:
		return "skipped"
	default:
		return "unknown"
	}
}

// Result pairs the outcome with the error for OutcomeFailed.
type Result struct {
	Outcome Outcome
	Err     error
}

// Config holds recovery tunables.
type Config struct {
	// Timeout bounds the whole attempt, remediation plus re-probe.
	Timeout time.Duration
	// ReprobeAttempts is how many times the re-probe runs before the
	// attempt is classified unhealthy.
	ReprobeAttempts uint
	// ReprobeDelay is the pause between re-probes.
	ReprobeDelay time.Duration
}

// Controller runs recovery attempts. At most one attempt is in flight at a
// time; concurrent triggers are idempotent no-ops.
type Controller struct {
	cfg     Config
	eng     engine.Engine
	probe   tester.ProbeFunc
	emitter *events.Emitter

	inFlight atomic.Bool
}

// NewController creates a recovery controller.
func NewController(cfg Config, eng engine.Engine, probe tester.ProbeFunc, emitter *events.Emitter) *Controller {
	if cfg.ReprobeAttempts == 0 {
		cfg.ReprobeAttempts = 3
	}
	return &Controller{cfg: cfg, eng: eng, probe: probe, emitter: emitter}
}

// AttemptRecovery runs the remediation sequence against the handle:
// socket rebind, interface reset, then a bounded re-probe.
func (c *Controller) AttemptRecovery(ctx context.Context, h engine.Handle) Result {
	if !c.inFlight.CompareAndSwap(false, true) {
		return Result{Outcome: OutcomeSkipped}
	}
	defer c.inFlight.Store(false)

	c.emitter.Emit(events.Event{Kind: events.KindRecoveryStarted})

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	if err := c.remediate(ctx, h); err != nil {
		c.emitter.Emit(events.Event{
			Kind:      events.KindRecoveryFailed,
			ErrorCode: "remediation",
		})
		return Result{Outcome: OutcomeFailed, Err: err}
	}

	err := retry.Do(
		func() error { return c.probe(ctx) },
		retry.Context(ctx),
		retry.Attempts(c.cfg.ReprobeAttempts),
		retry.Delay(c.cfg.ReprobeDelay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		c.emitter.Emit(events.Event{Kind: events.KindRecoveryUnhealthy})
		return Result{Outcome: OutcomeUnhealthy}
	}

	c.emitter.Emit(events.Event{Kind: events.KindRecoveryHealthy})
	return Result{Outcome: OutcomeHealthy}
}

// remediate runs the engine-side remediation steps in order: rebind the
// sockets, then cycle the interface by reapplying its own configuration.
func (c *Controller) remediate(ctx context.Context, h engine.Handle) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.eng.BumpSockets(h); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	cfg, err := c.eng.GetConfig(h)
	if err != nil {
		return err
	}
	return c.eng.SetConfig(h, cfg)
}
