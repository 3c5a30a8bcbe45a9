// Package enginetest provides an in-memory fake of the tunnel engine for
// use in tests.
package enginetest

import (
	"encoding/base64"
	"fmt"
	"sync"

	"github.com/meridian-vpn/meridian/pkg/tunnel/engine"
)

// FakeHandle is the handle type returned by FakeEngine.
type FakeHandle struct {
	mu    sync.Mutex
	alive bool
	cfg   engine.Config
}

func (h *FakeHandle) Alive() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.alive
}

// Kill marks the handle dead without going through TurnOff, simulating an
// engine-side crash.
func (h *FakeHandle) Kill() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.alive = false
}

// Config returns the configuration currently applied to the handle.
func (h *FakeHandle) Config() engine.Config {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cfg
}

// FakeEngine is an Engine whose failures are scriptable per call.
type FakeEngine struct {
	mu sync.Mutex

	// TurnOnErr, SetConfigErr, BumpErr make the corresponding call fail.
	TurnOnErr    error
	SetConfigErr error
	BumpErr      error

	active  *FakeHandle
	logFn   engine.LogFunc
	keySeq  int
	turnOns int
	bumps   int
	sets    int
}

var _ engine.Engine = (*FakeEngine)(nil)
var _ engine.KeySource = (*FakeEngine)(nil)

func New() *FakeEngine { return &FakeEngine{} }

func (e *FakeEngine) TurnOn(cfg engine.Config) (engine.Handle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.turnOns++
	if e.TurnOnErr != nil {
		return nil, &engine.StartError{Detail: "fake", Err: e.TurnOnErr}
	}
	if e.active != nil && e.active.Alive() {
		return nil, &engine.StartError{Detail: "tunnel already running"}
	}
	h := &FakeHandle{alive: true, cfg: cfg}
	e.active = h
	return h, nil
}

func (e *FakeEngine) TurnOff(h engine.Handle) error {
	fh, err := coerce(h)
	if err != nil {
		return err
	}
	fh.Kill()
	e.mu.Lock()
	if e.active == fh {
		e.active = nil
	}
	e.mu.Unlock()
	return nil
}

func (e *FakeEngine) GetConfig(h engine.Handle) (engine.Config, error) {
	fh, err := coerce(h)
	if err != nil {
		return engine.Config{}, err
	}
	return fh.Config(), nil
}

func (e *FakeEngine) SetConfig(h engine.Handle, cfg engine.Config) error {
	fh, err := coerce(h)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.sets++
	failErr := e.SetConfigErr
	e.mu.Unlock()
	if failErr != nil {
		return &engine.ConfigError{Detail: "fake", Err: failErr}
	}
	fh.mu.Lock()
	fh.cfg = cfg
	fh.mu.Unlock()
	return nil
}

func (e *FakeEngine) BumpSockets(h engine.Handle) error {
	if _, err := coerce(h); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.bumps++
	return e.BumpErr
}

func (e *FakeEngine) SetLogger(fn engine.LogFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.logFn = fn
}

func (e *FakeEngine) NewPrivateKey() (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.keySeq++
	var key [32]byte
	key[0] = byte(e.keySeq)
	return base64.StdEncoding.EncodeToString(key[:]), nil
}

// Active returns the currently live handle, or nil.
func (e *FakeEngine) Active() *FakeHandle {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active != nil && e.active.Alive() {
		return e.active
	}
	return nil
}

// TurnOnCount reports how many times TurnOn was called.
func (e *FakeEngine) TurnOnCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.turnOns
}

// BumpCount reports how many times BumpSockets was called.
func (e *FakeEngine) BumpCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.bumps
}

// SetConfigCount reports how many times SetConfig was called.
func (e *FakeEngine) SetConfigCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sets
}

func coerce(h engine.Handle) (*FakeHandle, error) {
	fh, ok := h.(*FakeHandle)
	if !ok || fh == nil {
		return nil, fmt.Errorf("foreign engine handle %T", h)
	}
	return fh, nil
}
