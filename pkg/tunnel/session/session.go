// Package session implements the tunnel session state machine.
//
// A Session owns the engine handle and drives the start/stop/update/wake
// transitions. It arms the connection tester and rekey scheduler as
// background loops while connected, and reacts to connectivity verdicts by
// delegating to the failure-recovery and server-migration controllers.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/meridian-vpn/meridian/pkg/tunnel/engine"
	"github.com/meridian-vpn/meridian/pkg/tunnel/entitlement"
	"github.com/meridian-vpn/meridian/pkg/tunnel/events"
	"github.com/meridian-vpn/meridian/pkg/tunnel/migration"
	"github.com/meridian-vpn/meridian/pkg/tunnel/recovery"
	"github.com/meridian-vpn/meridian/pkg/tunnel/rekey"
	"github.com/meridian-vpn/meridian/pkg/tunnel/serverlist"
	"github.com/meridian-vpn/meridian/pkg/tunnel/tester"
	"github.com/meridian-vpn/meridian/pkg/tunnel/token"
)

var (
	// ErrBusy means another start/stop/update is in flight. Callers are
	// rejected rather than queued.
	ErrBusy = errors.New("another session operation is in flight")
	// ErrNotConnected means the operation requires a connected session.
	ErrNotConnected = errors.New("session is not connected")
	// ErrAlreadyStarted means start was called on a non-stopped session.
	ErrAlreadyStarted = errors.New("session already started")
	// ErrTimeout means a bounded operation ran out of time.
	ErrTimeout = errors.New("operation timed out")
)

// Migrator selects a replacement endpoint for a degraded one.
type Migrator interface {
	Migrate(ctx context.Context, currentEndpoint string) (serverlist.Candidate, error)
}

// Config holds the session's tunables. Every threshold arrives from
// configuration.
type Config struct {
	ProbeInterval         time.Duration
	ProbeTimeout          time.Duration
	ExtendedFailureWindow time.Duration
	RekeyInterval         time.Duration
	RecoveryTimeout       time.Duration
	EntitlementRecheck    time.Duration
}

// Session is the top-level tunnel orchestrator. All exported methods are
// safe for concurrent use; mutating operations are serialized, with
// concurrent callers rejected via ErrBusy.
type Session struct {
	cfg      Config
	eng      engine.Engine
	keys     engine.KeySource
	tokens   token.Handle
	checker  entitlement.Checker
	migrator Migrator
	reporter events.Reporter

	// opMu serializes start/stop/update/wake. TryLock gives the Busy
	// rejection semantics.
	opMu sync.Mutex

	// mu guards the fields below.
	mu       sync.Mutex
	state    State
	lastErr  error
	handle   engine.Handle
	current  Options
	cred     token.Credential
	emitter  *events.Emitter
	loopStop context.CancelFunc
	loops    *errgroup.Group

	generation atomic.Uint64

	// Test hooks for the background loop cadences.
	testerTicks chan time.Time
	rekeyTicks  chan time.Time
	entTicks    chan time.Time
}

// Option configures a Session.
type Option func(*Session)

// WithTesterTicks injects the connection tester cadence. Used by tests.
func WithTesterTicks(ch chan time.Time) Option {
	return func(s *Session) { s.testerTicks = ch }
}

// WithRekeyTicks injects the rekey cadence. Used by tests.
func WithRekeyTicks(ch chan time.Time) Option {
	return func(s *Session) { s.rekeyTicks = ch }
}

// WithEntitlementTicks injects the entitlement recheck cadence. Used by
// tests.
func WithEntitlementTicks(ch chan time.Time) Option {
	return func(s *Session) { s.entTicks = ch }
}

// New creates a stopped Session.
func New(cfg Config, eng engine.Engine, keys engine.KeySource, tokens token.Handle, checker entitlement.Checker, migrator Migrator, reporter events.Reporter, opts ...Option) *Session {
	s := &Session{
		cfg:      cfg,
		eng:      eng,
		keys:     keys,
		tokens:   tokens,
		checker:  checker,
		migrator: migrator,
		reporter: reporter,
		state:    StateStopped,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// State returns the current session state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastError returns the error the session stopped with, if any.
func (s *Session) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Start brings the tunnel up: resolves a credential, verifies entitlement,
// starts the engine, and arms the background loops. On failure the session
// is left in StateStopped with the error recorded.
func (s *Session) Start(ctx context.Context, opts Options) error {
	if !s.opMu.TryLock() {
		return ErrBusy
	}
	defer s.opMu.Unlock()
	return s.startLocked(ctx, opts)
}

// StartAsync runs Start without blocking the caller. The host-visible
// transition happens before the returned channel delivers the result.
func (s *Session) StartAsync(ctx context.Context, opts Options) <-chan error {
	done := make(chan error, 1)
	go func() { done <- s.Start(ctx, opts) }()
	return done
}

func (s *Session) startLocked(ctx context.Context, opts Options) error {
	s.mu.Lock()
	if s.state != StateStopped {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.state = StateStarting
	s.lastErr = nil
	s.emitter = events.NewEmitter(uuid.New(), s.reporter)
	emitter := s.emitter
	s.mu.Unlock()

	if err := opts.validate(); err != nil {
		return s.failStart(emitter, "invalidOptions", err)
	}

	cred, err := s.tokens.GetToken()
	if err != nil {
		return s.failStart(emitter, "missingCredential", err)
	}

	// The entitlement gate must pass before start completes.
	if err := s.checker.Check(ctx, cred, entitlement.PolicyForceRefresh); err != nil {
		code := "entitlementCheck"
		if errors.Is(err, entitlement.ErrAccessRevoked) {
			code = "accessRevoked"
		}
		return s.failStart(emitter, code, err)
	}
	if err := ctx.Err(); err != nil {
		// Cancelled while the entitlement check was pending. No engine
		// handle exists yet, so Stopped is already consistent.
		return s.failStart(emitter, "cancelled", err)
	}

	engCfg, err := s.buildEngineConfig(opts)
	if err != nil {
		return s.failStart(emitter, "invalidOptions", err)
	}

	h, err := s.eng.TurnOn(engCfg)
	if err != nil {
		return s.failStart(emitter, "engineStart", err)
	}
	if ctx.Err() != nil {
		// Cancelled between entitlement check and engine start
		// completion: tear the handle down so no orphan survives.
		_ = s.eng.TurnOff(h)
		return s.failStart(emitter, "cancelled", ctx.Err())
	}

	s.mu.Lock()
	s.handle = h
	s.current = opts
	s.cred = cred
	s.state = StateConnected
	s.mu.Unlock()

	gen := s.generation.Add(1)
	s.armLoops(gen, h, opts, emitter)

	emitter.Emit(events.Event{Kind: events.KindStartSuccess})
	slog.Info("Tunnel session connected",
		slog.String("server", opts.ServerID),
		slog.Uint64("generation", gen))
	return nil
}

func (s *Session) failStart(emitter *events.Emitter, code string, err error) error {
	s.mu.Lock()
	s.state = StateStopped
	s.lastErr = err
	s.handle = nil
	s.mu.Unlock()

	emitter.Emit(events.Event{Kind: events.KindStartFailure, ErrorCode: code})
	emitter.Disable()
	return err
}

// Stop tears the tunnel down. The background loops are cancelled
// synchronously: once Stop returns, no further events are emitted for this
// session.
func (s *Session) Stop(ctx context.Context) error {
	if !s.opMu.TryLock() {
		return ErrBusy
	}
	defer s.opMu.Unlock()

	s.mu.Lock()
	if s.state == StateStopped {
		s.mu.Unlock()
		return nil
	}
	s.state = StateStopping
	s.mu.Unlock()

	s.teardownLocked(ctx, "hostStop", nil)
	return nil
}

// StopAsync runs Stop without blocking the caller.
func (s *Session) StopAsync(ctx context.Context) <-chan error {
	done := make(chan error, 1)
	go func() { done <- s.Stop(ctx) }()
	return done
}

// teardownLocked cancels the loops, waits for them, releases the engine
// handle, and emits the final stop event. The wait is bounded by ctx; on
// expiry the already-cancelled loops are left to drain on their own and
// teardown proceeds. Caller holds opMu.
func (s *Session) teardownLocked(ctx context.Context, reason string, cause error) {
	// Invalidate in-flight probe results before anything else.
	s.generation.Add(1)

	s.mu.Lock()
	cancel := s.loopStop
	loops := s.loops
	s.loopStop = nil
	s.loops = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if loops != nil {
		done := make(chan struct{})
		go func() {
			_ = loops.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			slog.Warn("Teardown wait cut short; loops draining in background",
				slog.String("reason", reason))
		}
	}

	s.mu.Lock()
	h := s.handle
	emitter := s.emitter
	s.handle = nil
	s.cred = nil
	s.state = StateStopped
	s.lastErr = cause
	s.mu.Unlock()

	if h != nil {
		if err := s.eng.TurnOff(h); err != nil {
			slog.Warn("Engine turn-off failed", slog.Any("error", err))
		}
	}

	if emitter != nil {
		code := ""
		if cause != nil {
			code = stopCode(cause)
		}
		emitter.Emit(events.Event{
			Kind:      events.KindStopped,
			Reason:    reason,
			ErrorCode: code,
		})
		emitter.Disable()
	}
	slog.Info("Tunnel session stopped", slog.String("reason", reason))
}

func stopCode(err error) string {
	switch {
	case errors.Is(err, entitlement.ErrAccessRevoked):
		return "accessRevoked"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	default:
		return "engineFailure"
	}
}

// Update applies new options to a running session. A credential scheme
// change requires a full restart; endpoint or routing changes reconfigure
// the engine in place.
func (s *Session) Update(ctx context.Context, opts Options) error {
	if !s.opMu.TryLock() {
		return ErrBusy
	}
	defer s.opMu.Unlock()
	return s.updateLocked(ctx, opts)
}

// UpdateAsync runs Update without blocking the caller.
func (s *Session) UpdateAsync(ctx context.Context, opts Options) <-chan error {
	done := make(chan error, 1)
	go func() { done <- s.Update(ctx, opts) }()
	return done
}

func (s *Session) updateLocked(ctx context.Context, opts Options) error {
	s.mu.Lock()
	state := s.state
	current := s.current
	s.mu.Unlock()

	if state != StateConnected && state != StateReasserting {
		return ErrNotConnected
	}
	if err := opts.validate(); err != nil {
		return err
	}

	if opts.Scheme != current.Scheme {
		// Scheme changes swap the token handle wiring; only a full
		// stop/start picks that up.
		s.mu.Lock()
		s.state = StateStopping
		s.mu.Unlock()
		s.teardownLocked(ctx, "schemeChange", nil)
		return s.startLocked(ctx, opts)
	}

	if !opts.engineRelevantChange(current) {
		// Only routing metadata changed; no engine round trip needed.
		s.mu.Lock()
		s.current = opts
		s.mu.Unlock()
		return nil
	}

	return s.reconfigure(opts)
}

// reconfigure replaces the engine configuration in place. Caller holds
// opMu.
func (s *Session) reconfigure(opts Options) error {
	s.mu.Lock()
	h := s.handle
	s.state = StateReasserting
	s.mu.Unlock()

	err := func() error {
		engCfg, err := s.eng.GetConfig(h)
		if err != nil {
			return err
		}
		// Preserve the live key material; everything else comes from the
		// new options.
		next, err := s.buildEngineConfig(opts)
		if err != nil {
			return err
		}
		next.PrivateKey = engCfg.PrivateKey
		return s.eng.SetConfig(h, next)
	}()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateReasserting {
		s.state = StateConnected
	}
	if err != nil {
		return fmt.Errorf("reconfigure: %w", err)
	}
	s.current = opts
	return nil
}

// HandleWake revalidates engine liveness after a sleep/wake cycle. A dead
// handle triggers a full restart with the stored options.
func (s *Session) HandleWake(ctx context.Context) {
	if !s.opMu.TryLock() {
		// An operation is already mutating the session; it will leave a
		// consistent state behind.
		return
	}
	defer s.opMu.Unlock()

	s.mu.Lock()
	state := s.state
	h := s.handle
	opts := s.current
	s.mu.Unlock()

	if state != StateConnected && state != StateReasserting {
		return
	}
	if h != nil && h.Alive() {
		return
	}

	slog.Info("Engine handle dead after wake; restarting session")
	s.mu.Lock()
	s.state = StateStopping
	s.mu.Unlock()
	s.teardownLocked(ctx, "wakeRestart", nil)
	if err := s.startLocked(ctx, opts); err != nil {
		slog.Warn("Wake restart failed", slog.Any("error", err))
	}
}

// HandleNetworkPathChange rebinds the engine sockets so traffic follows
// the new path.
func (s *Session) HandleNetworkPathChange() {
	s.mu.Lock()
	state := s.state
	h := s.handle
	s.mu.Unlock()

	if state != StateConnected && state != StateReasserting || h == nil {
		return
	}
	if err := s.eng.BumpSockets(h); err != nil {
		slog.Warn("Socket rebind after path change failed", slog.Any("error", err))
	}
}

func (s *Session) buildEngineConfig(opts Options) (engine.Config, error) {
	priv := opts.PrivateKey
	if priv == "" {
		var err error
		priv, err = s.keys.NewPrivateKey()
		if err != nil {
			return engine.Config{}, fmt.Errorf("generate interface key: %w", err)
		}
	}
	return engine.Config{
		PrivateKey:    priv,
		Address:       opts.Address,
		PeerPublicKey: opts.PeerPublicKey,
		Endpoint:      opts.Endpoint,
		AllowedIPs:    opts.AllowedIPs,
		Keepalive:     opts.Keepalive,
	}, nil
}

// armLoops starts the connection tester, rekey scheduler, and entitlement
// recheck for one session generation. Caller holds opMu.
func (s *Session) armLoops(gen uint64, h engine.Handle, opts Options, emitter *events.Emitter) {
	loopCtx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(loopCtx)

	// The probe target follows the current options so a migrated session
	// probes its new endpoint.
	probe := func(ctx context.Context) error {
		s.mu.Lock()
		target := s.current.probeTarget()
		s.mu.Unlock()
		return tester.DialProbe(target)(ctx)
	}

	recoverer := recovery.NewController(recovery.Config{
		Timeout:      s.cfg.RecoveryTimeout,
		ReprobeDelay: s.cfg.ProbeInterval / 4,
	}, s.eng, probe, emitter)

	connTester := tester.New(tester.Config{
		Interval:      s.cfg.ProbeInterval,
		Timeout:       s.cfg.ProbeTimeout,
		ExtendedAfter: s.cfg.ExtendedFailureWindow,
		Generation:    gen,
	}, probe, func(v tester.Verdict) {
		s.handleVerdict(gctx, v, h, recoverer)
	}, emitter, testerOpts(s.testerTicks)...)

	rekeyer := rekey.New(rekey.Config{Interval: s.cfg.RekeyInterval},
		s.eng, s.keys, h, emitter, rekeyOpts(s.rekeyTicks)...)

	g.Go(func() error {
		connTester.Run(gctx)
		return nil
	})
	g.Go(func() error {
		rekeyer.Run(gctx)
		return nil
	})
	g.Go(func() error {
		s.entitlementLoop(gctx, gen)
		return nil
	})

	s.mu.Lock()
	s.loopStop = cancel
	s.loops = g
	s.mu.Unlock()
}

func testerOpts(ticks chan time.Time) []tester.Option {
	if ticks == nil {
		return nil
	}
	return []tester.Option{tester.WithTicks(ticks)}
}

func rekeyOpts(ticks chan time.Time) []rekey.Option {
	if ticks == nil {
		return nil
	}
	return []rekey.Option{rekey.WithTicks(ticks)}
}

// entitlementLoop periodically re-verifies the credential mid-session.
// Only a definitive revocation stops the session; indeterminate failures
// are logged and retried at the next tick.
func (s *Session) entitlementLoop(ctx context.Context, gen uint64) {
	var ticks <-chan time.Time
	if s.entTicks != nil {
		ticks = s.entTicks
	} else {
		ticker := time.NewTicker(s.cfg.EntitlementRecheck)
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

		s.mu.Lock()
		cred := s.cred
		emitter := s.emitter
		s.mu.Unlock()
		if cred == nil {
			return
		}

		err := s.checker.Check(ctx, cred, entitlement.PolicyCached)
		switch {
		case err == nil:
		case errors.Is(err, entitlement.ErrAccessRevoked):
			emitter.Emit(events.Event{Kind: events.KindAccessRevoked})
			// Tearing down from inside a loop goroutine would deadlock
			// on loops.Wait; hand off.
			go s.stopFromLoop(gen, "accessRevoked", entitlement.ErrAccessRevoked)
			return
		default:
			slog.Warn("Entitlement recheck indeterminate", slog.Any("error", err))
		}
	}
}

// stopFromLoop performs a teardown triggered by a background loop. The
// generation check makes it a no-op when the session already stopped or
// restarted.
func (s *Session) stopFromLoop(gen uint64, reason string, cause error) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	if s.generation.Load() != gen {
		return
	}
	s.mu.Lock()
	if s.state != StateConnected && s.state != StateReasserting {
		s.mu.Unlock()
		return
	}
	s.state = StateStopping
	s.mu.Unlock()

	s.teardownLocked(context.Background(), reason, cause)
}

// handleVerdict reacts to one connectivity verdict. It runs on the tester
// goroutine; anything that mutates the session is re-checked against the
// generation so stale results are discarded.
func (s *Session) handleVerdict(ctx context.Context, v tester.Verdict, h engine.Handle, recoverer *recovery.Controller) {
	if v.Generation != s.generation.Load() {
		return
	}
	if v.Kind != tester.KindFailureExtended {
		return
	}

	res := recoverer.AttemptRecovery(ctx, h)
	switch res.Outcome {
	case recovery.OutcomeHealthy, recovery.OutcomeSkipped:
		return
	case recovery.OutcomeFailed:
		cause := res.Err
		if errors.Is(cause, context.DeadlineExceeded) {
			cause = ErrTimeout
		}
		go s.stopFromLoop(v.Generation, "recoveryFailed", cause)
		return
	case recovery.OutcomeUnhealthy:
		s.migrateAfterFailure(ctx, v.Generation)
	}
}

// migrateAfterFailure selects and applies a replacement endpoint after an
// unsuccessful recovery. Runs on the tester goroutine.
func (s *Session) migrateAfterFailure(ctx context.Context, gen uint64) {
	if ctx.Err() != nil || s.migrator == nil {
		return
	}

	s.mu.Lock()
	current := s.current
	emitter := s.emitter
	s.mu.Unlock()

	candidate, err := s.migrator.Migrate(ctx, current.Endpoint)
	if errors.Is(err, migration.ErrNoAlternative) {
		// Degraded but alive beats stopped.
		emitter.Emit(events.Event{Kind: events.KindMigrationNoAlt})
		return
	}
	if err != nil {
		slog.Warn("Migration selection failed", slog.Any("error", err))
		return
	}

	if !s.opMu.TryLock() {
		// A host operation is mutating the session; the next extended
		// failure verdict will retry migration if still needed.
		return
	}
	defer s.opMu.Unlock()

	if s.generation.Load() != gen {
		return
	}

	next := current
	next.Endpoint = candidate.Endpoint
	next.ServerID = candidate.ID
	if err := s.reconfigure(next); err != nil {
		slog.Warn("Migration reconfigure failed", slog.Any("error", err))
		return
	}
	emitter.Emit(events.Event{
		Kind:     events.KindMigrationSelected,
		ServerID: candidate.ID,
	})
}
