package recovery

import (
	"context"
	"encoding/base64"
	"errors"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridian-vpn/meridian/pkg/tunnel/engine"
	"github.com/meridian-vpn/meridian/pkg/tunnel/engine/enginetest"
	"github.com/meridian-vpn/meridian/pkg/tunnel/events"
)

func testEngineConfig() engine.Config {
	key := func(fill byte) string {
		var k [32]byte
		for i := range k {
			k[i] = fill
		}
		return base64.StdEncoding.EncodeToString(k[:])
	}
	return engine.Config{
		PrivateKey:    key(1),
		Address:       netip.MustParsePrefix("10.8.0.2/32"),
		PeerPublicKey: key(2),
		Endpoint:      "203.0.113.7:51820",
		AllowedIPs:    []netip.Prefix{netip.MustParsePrefix("0.0.0.0/0")},
	}
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

func (l *eventLog) kinds() []events.Kind {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]events.Kind, len(l.evs))
	for i, ev := range l.evs {
		out[i] = ev.Kind
	}
	return out
}

func testConfig() Config {
	return Config{
		Timeout:         5 * time.Second,
		ReprobeAttempts: 3,
		ReprobeDelay:    time.Millisecond,
	}
}

func TestAttemptRecovery_Healthy(t *testing.T) {
	eng := enginetest.New()
	h, err := eng.TurnOn(testEngineConfig())
	require.NoError(t, err)

	log := &eventLog{}
	ctrl := NewController(testConfig(), eng,
		func(context.Context) error { return nil },
		events.NewEmitter(uuid.New(), log))

	res := ctrl.AttemptRecovery(context.Background(), h)
	assert.Equal(t, OutcomeHealthy, res.Outcome)
	assert.NoError(t, res.Err)

	// Remediation exercised the engine.
	assert.Equal(t, 1, eng.BumpCount())
	assert.Equal(t, 1, eng.SetConfigCount())

	assert.Equal(t, []events.Kind{
		events.KindRecoveryStarted,
		events.KindRecoveryHealthy,
	}, log.kinds())
}

func TestAttemptRecovery_Unhealthy(t *testing.T) {
	eng := enginetest.New()
	h, err := eng.TurnOn(testEngineConfig())
	require.NoError(t, err)

	log := &eventLog{}
	probeErr := errors.New("still unreachable")
	ctrl := NewController(testConfig(), eng,
		func(context.Context) error { return probeErr },
		events.NewEmitter(uuid.New(), log))

	res := ctrl.AttemptRecovery(context.Background(), h)
	assert.Equal(t, OutcomeUnhealthy, res.Outcome)

	assert.Equal(t, []events.Kind{
		events.KindRecoveryStarted,
		events.KindRecoveryUnhealthy,
	}, log.kinds())
}

func TestAttemptRecovery_RemediationFailure(t *testing.T) {
	eng := enginetest.New()
	h, err := eng.TurnOn(testEngineConfig())
	require.NoError(t, err)
	eng.BumpErr = errors.New("rebind failed")

	log := &eventLog{}
	ctrl := NewController(testConfig(), eng,
		func(context.Context) error { return nil },
		events.NewEmitter(uuid.New(), log))

	res := ctrl.AttemptRecovery(context.Background(), h)
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.Error(t, res.Err)

	assert.Equal(t, []events.Kind{
		events.KindRecoveryStarted,
		events.KindRecoveryFailed,
	}, log.kinds())
}

func TestAttemptRecovery_SingleFlight(t *testing.T) {
	eng := enginetest.New()
	h, err := eng.TurnOn(testEngineConfig())
	require.NoError(t, err)

	log := &eventLog{}
	probeStarted := make(chan struct{})
	release := make(chan struct{})
	ctrl := NewController(testConfig(), eng,
		func(ctx context.Context) error {
			close(probeStarted)
			<-release
			return nil
		},
		events.NewEmitter(uuid.New(), log))

	first := make(chan Result, 1)
	go func() {
		first <- ctrl.AttemptRecovery(context.Background(), h)
	}()
	<-probeStarted

	// Second trigger while the first is in flight is a no-op.
	res := ctrl.AttemptRecovery(context.Background(), h)
	assert.Equal(t, OutcomeSkipped, res.Outcome)

	close(release)
	select {
	case res := <-first:
		assert.Equal(t, OutcomeHealthy, res.Outcome)
	case <-time.After(time.Second):
		t.Fatal("first attempt did not complete")
	}

	// Exactly one Started event across both triggers.
	started := 0
	for _, k := range log.kinds() {
		if k == events.KindRecoveryStarted {
			started++
		}
	}
	assert.Equal(t, 1, started)

	// A new attempt is allowed after completion.
	ctrl2 := NewController(testConfig(), eng,
		func(context.Context) error { return nil },
		events.NewEmitter(uuid.New(), log))
	res = ctrl2.AttemptRecovery(context.Background(), h)
	assert.Equal(t, OutcomeHealthy, res.Outcome)
}
