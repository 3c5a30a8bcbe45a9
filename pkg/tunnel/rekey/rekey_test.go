package rekey

import (
	"context"
	"encoding/base64"
	"errors"
	"net/netip"
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
	}
}

type harness struct {
	eng    *enginetest.FakeEngine
	handle *enginetest.FakeHandle
	ticks  chan time.Time
	events chan events.Event
	cancel context.CancelFunc
	done   chan struct{}
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		eng:    enginetest.New(),
		ticks:  make(chan time.Time),
		events: make(chan events.Event, 16),
		done:   make(chan struct{}),
	}

	handle, err := h.eng.TurnOn(testEngineConfig())
	require.NoError(t, err)
	h.handle = handle.(*enginetest.FakeHandle)

	emitter := events.NewEmitter(uuid.New(),
		events.ReporterFunc(func(ev events.Event) { h.events <- ev }))

	s := New(Config{Interval: time.Hour}, h.eng, h.eng, handle, emitter,
		WithTicks(h.ticks))

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() {
		defer close(h.done)
		s.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-h.done
	})
	return h
}

func (h *harness) tick(t *testing.T) {
	t.Helper()
	select {
	case h.ticks <- time.Time{}:
	case <-time.After(time.Second):
		t.Fatal("scheduler did not consume tick")
	}
}

func (h *harness) nextEvent(t *testing.T) events.Event {
	t.Helper()
	select {
	case ev := <-h.events:
		return ev
	case <-time.After(time.Second):
		t.Fatal("no event produced")
		return events.Event{}
	}
}

func TestScheduler_RotatesKey(t *testing.T) {
	h := newHarness(t)
	before := h.handle.Config().PrivateKey

	h.tick(t)
	assert.Equal(t, events.KindRekeyBegin, h.nextEvent(t).Kind)
	assert.Equal(t, events.KindRekeySuccess, h.nextEvent(t).Kind)

	after := h.handle.Config().PrivateKey
	assert.NotEqual(t, before, after, "private key rotated")
}

func TestScheduler_FailureIsRetriedNextTick(t *testing.T) {
	h := newHarness(t)
	h.eng.SetConfigErr = errors.New("engine busy")

	h.tick(t)
	assert.Equal(t, events.KindRekeyBegin, h.nextEvent(t).Kind)
	ev := h.nextEvent(t)
	assert.Equal(t, events.KindRekeyFailure, ev.Kind)
	assert.Equal(t, "setConfig", ev.ErrorCode)

	// Tunnel keeps running on the old key.
	assert.True(t, h.handle.Alive())

	// Next tick succeeds once the engine recovers.
	h.eng.SetConfigErr = nil
	h.tick(t)
	assert.Equal(t, events.KindRekeyBegin, h.nextEvent(t).Kind)
	assert.Equal(t, events.KindRekeySuccess, h.nextEvent(t).Kind)
}

func TestScheduler_StopsOnCancel(t *testing.T) {
	h := newHarness(t)
	h.tick(t)
	h.nextEvent(t)
	h.nextEvent(t)

	h.cancel()
	select {
	case <-h.done:
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop on cancel")
	}

	select {
	case h.ticks <- time.Time{}:
		t.Fatal("scheduler consumed tick after cancellation")
	case <-time.After(50 * time.Millisecond):
	}
}
