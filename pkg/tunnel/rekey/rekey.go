// Package rekey rotates the tunnel's key material on a fixed interval.
//
// Rekeying is best-effort hardening for an already-established tunnel: a
// failed rotation is reported and retried at the next tick, never a reason
// to tear the session down.
package rekey

import (
	"context"
	"log/slog"
	"time"

	"github.com/meridian-vpn/meridian/pkg/tunnel/engine"
	"github.com/meridian-vpn/meridian/pkg/tunnel/events"
)

// Config holds the scheduler's tunables.
type Config struct {
	// Interval is the rotation cadence.
	Interval time.Duration
}

// Scheduler drives periodic key rotation for one session generation.
type Scheduler struct {
	cfg     Config
	eng     engine.Engine
	keys    engine.KeySource
	handle  engine.Handle
	emitter *events.Emitter

	ticks <-chan time.Time
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithTicks injects the cadence channel. Used by tests.
func WithTicks(ticks <-chan time.Time) Option {
	return func(s *Scheduler) { s.ticks = ticks }
}

// New creates a Scheduler for the given handle.
func New(cfg Config, eng engine.Engine, keys engine.KeySource, handle engine.Handle, emitter *events.Emitter, opts ...Option) *Scheduler {
	s := &Scheduler{
		cfg:     cfg,
		eng:     eng,
		keys:    keys,
		handle:  handle,
		emitter: emitter,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run executes the rotation loop until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticks := s.ticks
	if ticks == nil {
		ticker := time.NewTicker(s.cfg.Interval)
		defer ticker.Stop()
		ticks = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticks:
		}
		if ctx.Err() != nil {
			return
		}
		s.rotate()
	}
}

func (s *Scheduler) rotate() {
	s.emitter.Emit(events.Event{Kind: events.KindRekeyBegin})

	cfg, err := s.eng.GetConfig(s.handle)
	if err != nil {
		s.fail("getConfig", err)
		return
	}
	key, err := s.keys.NewPrivateKey()
	if err != nil {
		s.fail("keygen", err)
		return
	}
	cfg.PrivateKey = key
	if err := s.eng.SetConfig(s.handle, cfg); err != nil {
		s.fail("setConfig", err)
		return
	}

	s.emitter.Emit(events.Event{Kind: events.KindRekeySuccess})
}

func (s *Scheduler) fail(code string, err error) {
	slog.Warn("Rekey attempt failed",
		slog.String("step", code),
		slog.Any("error", err))
	s.emitter.Emit(events.Event{
		Kind:      events.KindRekeyFailure,
		ErrorCode: code,
	})
}
