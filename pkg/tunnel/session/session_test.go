package session

import (
	"context"
	"encoding/base64"
	"errors"
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridian-vpn/meridian/pkg/tunnel/engine/enginetest"
	"github.com/meridian-vpn/meridian/pkg/tunnel/entitlement"
	"github.com/meridian-vpn/meridian/pkg/tunnel/events"
	"github.com/meridian-vpn/meridian/pkg/tunnel/migration"
	"github.com/meridian-vpn/meridian/pkg/tunnel/serverlist"
	"github.com/meridian-vpn/meridian/pkg/tunnel/token"
)

func testKey(fill byte) string {
	var k [32]byte
	for i := range k {
		k[i] = fill
	}
	return base64.StdEncoding.EncodeToString(k[:])
}

func testOptions() Options {
	return Options{
		ServerID:      "fra-1",
		Endpoint:      "203.0.113.7:51820",
		Address:       netip.MustParsePrefix("10.8.0.2/32"),
		PeerPublicKey: testKey(2),
		AllowedIPs:    []netip.Prefix{netip.MustParsePrefix("0.0.0.0/0")},
		Keepalive:     25 * time.Second,
		Scheme:        token.SchemeBare,
	}
}

type fakeTokens struct {
	mu   sync.Mutex
	cred token.Credential
}

func (f *fakeTokens) GetToken() (token.Credential, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cred == nil {
		return nil, token.ErrMissingCredential
	}
	return f.cred, nil
}

func (f *fakeTokens) AdoptToken(c token.Credential) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cred = c
	return nil
}

func (f *fakeTokens) RemoveToken() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cred = nil
	return nil
}

type eventLog struct {
	mu  sync.Mutex
	evs []events.Event
}

func (l *eventLog) Report(ev events.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.evs = append(l.evs, ev)
}

func (l *eventLog) all() []events.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]events.Event(nil), l.evs...)
}

func (l *eventLog) kinds() []events.Kind {
	out := []events.Kind{}
	for _, ev := range l.all() {
		out = append(out, ev.Kind)
	}
	return out
}

type migratorFunc func(ctx context.Context, current string) (serverlist.Candidate, error)

func (f migratorFunc) Migrate(ctx context.Context, current string) (serverlist.Candidate, error) {
	return f(ctx, current)
}

type fixture struct {
	eng     *enginetest.FakeEngine
	tokens  *fakeTokens
	log     *eventLog
	sess    *Session
	ticks   chan time.Time // tester
	rekeyCh chan time.Time
	entCh   chan time.Time
}

func alwaysEntitled(context.Context, token.Credential, entitlement.Policy) error {
	return nil
}

func newFixture(t *testing.T, checker entitlement.Checker, migrator Migrator) *fixture {
	t.Helper()
	f := &fixture{
		eng:     enginetest.New(),
		tokens:  &fakeTokens{cred: token.BareToken("tok-1")},
		log:     &eventLog{},
		ticks:   make(chan time.Time),
		rekeyCh: make(chan time.Time),
		entCh:   make(chan time.Time),
	}
	if checker == nil {
		checker = entitlement.CheckerFunc(alwaysEntitled)
	}
	cfg := Config{
		ProbeInterval:         20 * time.Millisecond,
		ProbeTimeout:          250 * time.Millisecond,
		ExtendedFailureWindow: 0,
		RekeyInterval:         time.Hour,
		RecoveryTimeout:       time.Second,
		EntitlementRecheck:    time.Hour,
	}
	f.sess = New(cfg, f.eng, f.eng, f.tokens, checker, migrator, f.log,
		WithTesterTicks(f.ticks),
		WithRekeyTicks(f.rekeyCh),
		WithEntitlementTicks(f.entCh),
	)
	t.Cleanup(func() { _ = f.sess.Stop(context.Background()) })
	return f
}

func TestSession_StartStopCycle(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, f.sess.Start(ctx, testOptions()))
		assert.Equal(t, StateConnected, f.sess.State())
		require.NotNil(t, f.eng.Active(), "handle exists while connected")

		require.NoError(t, f.sess.Stop(ctx))
		assert.Equal(t, StateStopped, f.sess.State())
		assert.Nil(t, f.eng.Active(), "no handle survives stop")
	}

	// The fake engine rejects a second concurrent handle, so three clean
	// cycles prove the at-most-one invariant held throughout.
	assert.Equal(t, 3, f.eng.TurnOnCount())
}

func TestSession_StartWithoutCredential(t *testing.T) {
	f := newFixture(t, nil, nil)
	require.NoError(t, f.tokens.RemoveToken())

	err := f.sess.Start(context.Background(), testOptions())
	require.ErrorIs(t, err, token.ErrMissingCredential)
	assert.Equal(t, StateStopped, f.sess.State())
	assert.Nil(t, f.eng.Active())

	evs := f.log.all()
	require.Len(t, evs, 1)
	assert.Equal(t, events.KindStartFailure, evs[0].Kind)
	assert.Equal(t, "missingCredential", evs[0].ErrorCode)
}

func TestSession_RemoveTokenForcesMissingCredential(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()

	require.NoError(t, f.sess.Start(ctx, testOptions()))
	require.NoError(t, f.sess.Stop(ctx))

	require.NoError(t, f.tokens.RemoveToken())
	err := f.sess.Start(ctx, testOptions())
	require.ErrorIs(t, err, token.ErrMissingCredential)

	// Adopting a new token makes start work again.
	require.NoError(t, f.tokens.AdoptToken(token.BareToken("tok-2")))
	require.NoError(t, f.sess.Start(ctx, testOptions()))
}

func TestSession_StartEntitlementRevoked(t *testing.T) {
	checker := entitlement.CheckerFunc(func(context.Context, token.Credential, entitlement.Policy) error {
		return entitlement.ErrAccessRevoked
	})
	f := newFixture(t, checker, nil)

	err := f.sess.Start(context.Background(), testOptions())
	require.ErrorIs(t, err, entitlement.ErrAccessRevoked)
	assert.Equal(t, StateStopped, f.sess.State())
	assert.Nil(t, f.eng.Active(), "no handle may exist after a failed gate")

	evs := f.log.all()
	require.Len(t, evs, 1)
	assert.Equal(t, "accessRevoked", evs[0].ErrorCode)
}

func TestSession_StartEngineFailure(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.eng.TurnOnErr = errors.New("device creation failed")

	err := f.sess.Start(context.Background(), testOptions())
	require.Error(t, err)
	assert.Equal(t, StateStopped, f.sess.State())
	require.ErrorIs(t, f.sess.LastError(), err)

	evs := f.log.all()
	require.Len(t, evs, 1)
	assert.Equal(t, events.KindStartFailure, evs[0].Kind)
	assert.Equal(t, "engineStart", evs[0].ErrorCode)
}

func TestSession_BusyRejection(t *testing.T) {
	gate := make(chan struct{})
	started := make(chan struct{})
	checker := entitlement.CheckerFunc(func(context.Context, token.Credential, entitlement.Policy) error {
		close(started)
		<-gate
		return nil
	})
	f := newFixture(t, checker, nil)

	done := f.sess.StartAsync(context.Background(), testOptions())
	<-started

	// Concurrent mutating calls are rejected, not queued.
	assert.ErrorIs(t, f.sess.Start(context.Background(), testOptions()), ErrBusy)
	assert.ErrorIs(t, f.sess.Stop(context.Background()), ErrBusy)
	assert.ErrorIs(t, f.sess.Update(context.Background(), testOptions()), ErrBusy)

	close(gate)
	require.NoError(t, <-done)
	assert.Equal(t, StateConnected, f.sess.State())
}

func TestSession_StartCancelledDuringEntitlementCheck(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	checker := entitlement.CheckerFunc(func(ctx context.Context, _ token.Credential, _ entitlement.Policy) error {
		cancel()
		<-ctx.Done()
		return ctx.Err()
	})
	f := newFixture(t, checker, nil)

	err := f.sess.Start(ctx, testOptions())
	require.Error(t, err)
	assert.Equal(t, StateStopped, f.sess.State())
	assert.Nil(t, f.eng.Active(), "no orphaned engine handle")
}

func TestSession_Update(t *testing.T) {
	t.Run("rejected when stopped", func(t *testing.T) {
		f := newFixture(t, nil, nil)
		err := f.sess.Update(context.Background(), testOptions())
		require.ErrorIs(t, err, ErrNotConnected)
	})

	t.Run("metadata-only change skips the engine", func(t *testing.T) {
		f := newFixture(t, nil, nil)
		require.NoError(t, f.sess.Start(context.Background(), testOptions()))
		sets := f.eng.SetConfigCount()

		opts := testOptions()
		opts.ServerID = "fra-2"
		opts.ProbeTarget = "probe.example:443"
		require.NoError(t, f.sess.Update(context.Background(), opts))

		assert.Equal(t, sets, f.eng.SetConfigCount())
		assert.Equal(t, StateConnected, f.sess.State())
	})

	t.Run("endpoint change reconfigures in place", func(t *testing.T) {
		f := newFixture(t, nil, nil)
		require.NoError(t, f.sess.Start(context.Background(), testOptions()))
		keyBefore := f.eng.Active().Config().PrivateKey

		opts := testOptions()
		opts.Endpoint = "203.0.113.8:51820"
		require.NoError(t, f.sess.Update(context.Background(), opts))

		assert.Equal(t, 1, f.eng.TurnOnCount(), "no restart for endpoint change")
		cfg := f.eng.Active().Config()
		assert.Equal(t, "203.0.113.8:51820", cfg.Endpoint)
		assert.Equal(t, keyBefore, cfg.PrivateKey, "live key material preserved")
		assert.Equal(t, StateConnected, f.sess.State())
	})

	t.Run("scheme change forces a full restart", func(t *testing.T) {
		f := newFixture(t, nil, nil)
		require.NoError(t, f.sess.Start(context.Background(), testOptions()))

		opts := testOptions()
		opts.Scheme = token.SchemeContainer
		require.NoError(t, f.sess.Update(context.Background(), opts))

		assert.Equal(t, 2, f.eng.TurnOnCount(), "stop/start cycle")
		assert.Equal(t, StateConnected, f.sess.State())
	})

	t.Run("reconfigure failure surfaces and session stays up", func(t *testing.T) {
		f := newFixture(t, nil, nil)
		require.NoError(t, f.sess.Start(context.Background(), testOptions()))
		f.eng.SetConfigErr = errors.New("engine rejected config")

		opts := testOptions()
		opts.Endpoint = "203.0.113.8:51820"
		err := f.sess.Update(context.Background(), opts)
		require.Error(t, err)
		assert.Equal(t, StateConnected, f.sess.State())
		assert.Equal(t, "203.0.113.7:51820", f.eng.Active().Config().Endpoint)
	})
}

func TestSession_HandleWake(t *testing.T) {
	t.Run("live handle needs nothing", func(t *testing.T) {
		f := newFixture(t, nil, nil)
		require.NoError(t, f.sess.Start(context.Background(), testOptions()))
		f.sess.HandleWake(context.Background())
		assert.Equal(t, 1, f.eng.TurnOnCount())
	})

	t.Run("dead handle triggers restart", func(t *testing.T) {
		f := newFixture(t, nil, nil)
		require.NoError(t, f.sess.Start(context.Background(), testOptions()))
		f.eng.Active().Kill()

		f.sess.HandleWake(context.Background())
		assert.Equal(t, 2, f.eng.TurnOnCount())
		assert.Equal(t, StateConnected, f.sess.State())
		require.NotNil(t, f.eng.Active())
	})

	t.Run("no-op when stopped", func(t *testing.T) {
		f := newFixture(t, nil, nil)
		f.sess.HandleWake(context.Background())
		assert.Equal(t, 0, f.eng.TurnOnCount())
	})
}

func TestSession_HandleNetworkPathChange(t *testing.T) {
	f := newFixture(t, nil, nil)
	require.NoError(t, f.sess.Start(context.Background(), testOptions()))

	f.sess.HandleNetworkPathChange()
	assert.Equal(t, 1, f.eng.BumpCount())

	require.NoError(t, f.sess.Stop(context.Background()))
	f.sess.HandleNetworkPathChange()
	assert.Equal(t, 1, f.eng.BumpCount(), "no rebind on a stopped session")
}

func TestSession_MidSessionRevocation(t *testing.T) {
	var revoked sync.Map
	checker := entitlement.CheckerFunc(func(_ context.Context, _ token.Credential, p entitlement.Policy) error {
		if _, ok := revoked.Load("x"); ok && p == entitlement.PolicyCached {
			return entitlement.ErrAccessRevoked
		}
		return nil
	})
	f := newFixture(t, checker, nil)
	require.NoError(t, f.sess.Start(context.Background(), testOptions()))

	revoked.Store("x", true)
	f.entCh <- time.Now()

	require.Eventually(t, func() bool {
		return f.sess.State() == StateStopped
	}, 2*time.Second, 10*time.Millisecond)

	require.ErrorIs(t, f.sess.LastError(), entitlement.ErrAccessRevoked)
	assert.Nil(t, f.eng.Active())

	kinds := f.log.kinds()
	require.NotEmpty(t, kinds)
	assert.Equal(t, events.KindStopped, kinds[len(kinds)-1], "stop event is last")
	var stopped events.Event
	for _, ev := range f.log.all() {
		if ev.Kind == events.KindStopped {
			stopped = ev
		}
	}
	assert.Equal(t, "accessRevoked", stopped.ErrorCode)
	assert.Contains(t, kinds, events.KindAccessRevoked)

	// No events may be emitted after the stop event.
	n := len(kinds)
	time.Sleep(100 * time.Millisecond)
	assert.Len(t, f.log.kinds(), n)
}

func TestSession_RekeyFailureKeepsSessionConnected(t *testing.T) {
	f := newFixture(t, nil, nil)
	require.NoError(t, f.sess.Start(context.Background(), testOptions()))
	f.eng.SetConfigErr = errors.New("engine busy")

	f.rekeyCh <- time.Now()
	require.Eventually(t, func() bool {
		for _, k := range f.log.kinds() {
			if k == events.KindRekeyFailure {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, StateConnected, f.sess.State())
}

// closedPort returns a loopback address that refuses connections.
func closedPort(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

func TestSession_ExtendedFailureDrivesMigration(t *testing.T) {
	deadAddr := closedPort(t)
	altAddr := closedPort(t)

	migrator := migratorFunc(func(_ context.Context, current string) (serverlist.Candidate, error) {
		assert.Equal(t, deadAddr, current)
		return serverlist.Candidate{ID: "ams-1", Endpoint: altAddr}, nil
	})
	f := newFixture(t, nil, migrator)

	opts := testOptions()
	opts.Endpoint = deadAddr
	require.NoError(t, f.sess.Start(context.Background(), opts))

	// First failing probe classifies immediate, second crosses the
	// (zero-width) extended window and triggers recovery, which cannot
	// reach the dead endpoint either, so migration runs.
	f.ticks <- time.Now()
	f.ticks <- time.Now()

	require.Eventually(t, func() bool {
		active := f.eng.Active()
		return active != nil && active.Config().Endpoint == altAddr
	}, 5*time.Second, 20*time.Millisecond)

	assert.Equal(t, StateConnected, f.sess.State())
	assert.Equal(t, 1, f.eng.TurnOnCount(), "migration reconfigures, never restarts")

	require.Eventually(t, func() bool {
		for _, ev := range f.log.all() {
			if ev.Kind == events.KindMigrationSelected && ev.ServerID == "ams-1" {
				return true
			}
		}
		return false
	}, 2*time.Second, 20*time.Millisecond)
}

func TestSession_MigrationNoAlternativeStaysConnected(t *testing.T) {
	deadAddr := closedPort(t)
	migrator := migratorFunc(func(context.Context, string) (serverlist.Candidate, error) {
		return serverlist.Candidate{}, migration.ErrNoAlternative
	})
	f := newFixture(t, nil, migrator)

	opts := testOptions()
	opts.Endpoint = deadAddr
	require.NoError(t, f.sess.Start(context.Background(), opts))

	f.ticks <- time.Now()
	f.ticks <- time.Now()

	require.Eventually(t, func() bool {
		for _, k := range f.log.kinds() {
			if k == events.KindMigrationNoAlt {
				return true
			}
		}
		return false
	}, 5*time.Second, 20*time.Millisecond)

	// Degraded but alive: the session does not stop.
	assert.Equal(t, StateConnected, f.sess.State())
	require.NotNil(t, f.eng.Active())
}

func TestSession_StopBoundedByContext(t *testing.T) {
	release := make(chan struct{})
	checking := make(chan struct{})
	var once sync.Once
	checker := entitlement.CheckerFunc(func(ctx context.Context, cred token.Credential, p entitlement.Policy) error {
		if p == entitlement.PolicyForceRefresh {
			// Start-time gate passes immediately.
			return nil
		}
		once.Do(func() { close(checking) })
		<-release
		return nil
	})
	f := newFixture(t, checker, nil)
	defer close(release)

	require.NoError(t, f.sess.Start(context.Background(), testOptions()))

	// Park the entitlement loop inside a check that ignores cancellation.
	f.entCh <- time.Now()
	<-checking

	stopCtx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	require.NoError(t, f.sess.Stop(stopCtx))

	// The stuck check must not hold the teardown hostage.
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, StateStopped, f.sess.State())
	assert.Nil(t, f.eng.Active(), "engine released despite the lagging loop")
}
