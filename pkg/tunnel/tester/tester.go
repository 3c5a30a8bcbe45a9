// Package tester probes the active tunnel endpoint on a fixed cadence and
// classifies reachability into connectivity verdicts.
//
// The tester never retries beyond its cadence and owns no recovery policy;
// it only classifies. Consumers decide what a verdict means.
package tester

import (
	"context"
	"net"
	"time"

	"github.com/meridian-vpn/meridian/pkg/tunnel/events"
)

// Kind is the classification of one probe cycle.
type Kind int

const (
	// KindHealthy means the probe succeeded and the previous cycle was
	// already healthy.
	KindHealthy Kind = iota
	// KindFailureImmediate is the first probe failure after being
	// healthy.
	KindFailureImmediate
	// KindFailureExtended means failure has persisted past the extended
	// threshold window.
	KindFailureExtended
	// KindRecoveredImmediate is a success ending a failure run that never
	// went extended.
	KindRecoveredImmediate
	// KindRecoveredExtended is a success ending an extended failure run.
	KindRecoveredExtended
)

func (k Kind) String() string {
	switch k {
	case KindHealthy:
		return "healthy"
	case KindFailureImmediate:
		return "failureImmediate"
	case KindFailureExtended:
		return "failureExtended"
	case KindRecoveredImmediate:
		return "recoveredImmediate"
	case KindRecoveredExtended:
		return "recoveredExtended"
	default:
		return "unknown"
	}
}

// Verdict is the outcome of one probe cycle. Exactly one is produced per
// cycle; it is consumed once and never retained.
type Verdict struct {
	Kind Kind
	// FailureCount is the consecutive failures accumulated in the current
	// (or just-ended) failure run.
	FailureCount int
	// FailureDuration is how long the failure run has lasted.
	FailureDuration time.Duration
	// Generation identifies the session generation this verdict belongs
	// to. Consumers discard verdicts from stale generations.
	Generation uint64
}

// ProbeFunc performs one reachability probe. A nil error is a healthy
// probe.
type ProbeFunc func(ctx context.Context) error

// DialProbe probes by opening a TCP connection to the target.
func DialProbe(target string) ProbeFunc {
	var d net.Dialer
	return func(ctx context.Context) error {
		conn, err := d.DialContext(ctx, "tcp", target)
		if err != nil {
			return err
		}
		return conn.Close()
	}
}

// Config holds the tester's cadence and thresholds. All values arrive from
// configuration; none are hardcoded policy.
type Config struct {
	// Interval is the probe cadence.
	Interval time.Duration
	// Timeout bounds a single probe.
	Timeout time.Duration
	// ExtendedAfter is the window after which persistent failure is
	// classified extended.
	ExtendedAfter time.Duration
	// Generation stamps every verdict this tester produces.
	Generation uint64
}

// Tester runs the probe loop for one session generation.
type Tester struct {
	cfg       Config
	probe     ProbeFunc
	onVerdict func(Verdict)
	emitter   *events.Emitter

	now   func() time.Time
	ticks <-chan time.Time

	// Classification state, owned by the Run goroutine.
	failures     int
	firstFailure time.Time
	extended     bool
}

// Option configures a Tester.
type Option func(*Tester)

// WithNow injects the clock. Used by tests.
func WithNow(now func() time.Time) Option {
	return func(t *Tester) { t.now = now }
}

// WithTicks injects the cadence channel. Used by tests.
func WithTicks(ticks <-chan time.Time) Option {
	return func(t *Tester) { t.ticks = ticks }
}

// New creates a Tester. onVerdict receives every cycle's verdict; emitter
// receives an event only when the classification changes.
func New(cfg Config, probe ProbeFunc, onVerdict func(Verdict), emitter *events.Emitter, opts ...Option) *Tester {
	t := &Tester{
		cfg:       cfg,
		probe:     probe,
		onVerdict: onVerdict,
		emitter:   emitter,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Run executes the probe loop until ctx is cancelled. Cancellation is
// synchronous: once Run returns, no further verdicts or events are
// produced.
func (t *Tester) Run(ctx context.Context) {
	ticks := t.ticks
	if ticks == nil {
		ticker := time.NewTicker(t.cfg.Interval)
		defer ticker.Stop()
		ticks = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticks:
		}

		probeCtx, cancel := context.WithTimeout(ctx, t.cfg.Timeout)
		err := t.probe(probeCtx)
		cancel()

		if ctx.Err() != nil {
			// Stopped while probing; the result belongs to a session
			// that no longer exists.
			return
		}

		verdict, changed := t.classify(err)
		if changed {
			t.emitTransition(verdict)
		}
		if t.onVerdict != nil {
			t.onVerdict(verdict)
		}
	}
}

// classify folds one probe result into the failure-run state and reports
// whether the classification changed since the previous cycle.
func (t *Tester) classify(probeErr error) (Verdict, bool) {
	now := t.now()

	if probeErr != nil {
		t.failures++
		if t.failures == 1 {
			t.firstFailure = now
			t.extended = false
			return t.verdict(KindFailureImmediate, now), true
		}
		if !t.extended && now.Sub(t.firstFailure) >= t.cfg.ExtendedAfter {
			t.extended = true
			return t.verdict(KindFailureExtended, now), true
		}
		kind := KindFailureImmediate
		if t.extended {
			kind = KindFailureExtended
		}
		return t.verdict(kind, now), false
	}

	if t.failures == 0 {
		return Verdict{Kind: KindHealthy, Generation: t.cfg.Generation}, false
	}

	kind := KindRecoveredImmediate
	if t.extended {
		kind = KindRecoveredExtended
	}
	v := t.verdict(kind, now)
	t.failures = 0
	t.extended = false
	return v, true
}

func (t *Tester) verdict(kind Kind, now time.Time) Verdict {
	return Verdict{
		Kind:            kind,
		FailureCount:    t.failures,
		FailureDuration: now.Sub(t.firstFailure),
		Generation:      t.cfg.Generation,
	}
}

func (t *Tester) emitTransition(v Verdict) {
	if t.emitter == nil {
		return
	}
	class := events.DurationImmediate
	if v.Kind == KindFailureExtended || v.Kind == KindRecoveredExtended {
		class = events.DurationExtended
	}
	t.emitter.Emit(events.Event{
		Kind:          events.KindConnectivity,
		Verdict:       v.Kind.String(),
		FailureCount:  v.FailureCount,
		DurationClass: class,
	})
}
