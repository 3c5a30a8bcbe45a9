package engine

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"

	"golang.zx2c4.com/wireguard/conn"
	"golang.zx2c4.com/wireguard/device"
	"golang.zx2c4.com/wireguard/tun"
)

// DefaultMTU matches the engine's default device MTU.
const DefaultMTU = device.DefaultMTU

// WireGuardEngine runs tunnels on the in-process WireGuard implementation.
// It enforces the single-handle invariant: TurnOn fails while a previous
// handle is still live.
type WireGuardEngine struct {
	ifaceName string
	mtu       int

	mu     sync.Mutex
	active *wgHandle

	logMu sync.RWMutex
	logFn LogFunc
}

// NewWireGuardEngine creates an engine that materializes tunnels on a TUN
// interface with the given name.
func NewWireGuardEngine(ifaceName string, mtu int) *WireGuardEngine {
	if mtu <= 0 {
		mtu = DefaultMTU
	}
	return &WireGuardEngine{ifaceName: ifaceName, mtu: mtu}
}

type wgHandle struct {
	dev *device.Device

	mu     sync.Mutex
	cfg    Config
	closed bool
}

func (h *wgHandle) Alive() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	select {
	case <-h.dev.Wait():
		return false
	default:
		return true
	}
}

func (e *WireGuardEngine) TurnOn(cfg Config) (Handle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.active != nil && e.active.Alive() {
		return nil, &StartError{Detail: "tunnel already running"}
	}

	uapi, err := cfg.UAPI()
	if err != nil {
		return nil, &StartError{Detail: "invalid configuration", Err: err}
	}

	tunDev, err := tun.CreateTUN(e.ifaceName, e.mtu)
	if err != nil {
		return nil, &StartError{Detail: "tun device creation", Err: err}
	}

	dev := device.NewDevice(tunDev, conn.NewDefaultBind(), e.deviceLogger())
	if err := dev.IpcSet(uapi); err != nil {
		dev.Close()
		return nil, &StartError{Detail: "configuration rejected", Err: err}
	}
	if err := dev.Up(); err != nil {
		dev.Close()
		return nil, &StartError{Detail: "device up", Err: err}
	}

	h := &wgHandle{dev: dev, cfg: cfg}
	e.active = h
	return h, nil
}

func (e *WireGuardEngine) TurnOff(h Handle) error {
	wh, err := e.handle(h)
	if err != nil {
		return err
	}

	wh.mu.Lock()
	if wh.closed {
		wh.mu.Unlock()
		return nil
	}
	wh.closed = true
	wh.mu.Unlock()

	wh.dev.Close()

	e.mu.Lock()
	if e.active == wh {
		e.active = nil
	}
	e.mu.Unlock()
	return nil
}

func (e *WireGuardEngine) GetConfig(h Handle) (Config, error) {
	wh, err := e.handle(h)
	if err != nil {
		return Config{}, err
	}
	wh.mu.Lock()
	defer wh.mu.Unlock()
	if wh.closed {
		return Config{}, errors.New("handle is closed")
	}
	return wh.cfg, nil
}

// SetConfig replaces the running configuration. The device is cycled down
// and back up so the new peer/key state applies atomically.
func (e *WireGuardEngine) SetConfig(h Handle, cfg Config) error {
	wh, err := e.handle(h)
	if err != nil {
		return err
	}

	uapi, err := cfg.UAPI()
	if err != nil {
		return &ConfigError{Detail: "invalid configuration", Err: err}
	}

	wh.mu.Lock()
	defer wh.mu.Unlock()
	if wh.closed {
		return &ConfigError{Detail: "handle is closed"}
	}

	if err := wh.dev.Down(); err != nil {
		return &ConfigError{Detail: "device down", Err: err}
	}
	if err := wh.dev.IpcSet(uapi); err != nil {
		return &ConfigError{Detail: "configuration rejected", Err: err}
	}
	if err := wh.dev.Up(); err != nil {
		return &ConfigError{Detail: "device up", Err: err}
	}
	wh.cfg = cfg
	return nil
}

func (e *WireGuardEngine) BumpSockets(h Handle) error {
	wh, err := e.handle(h)
	if err != nil {
		return err
	}
	wh.mu.Lock()
	defer wh.mu.Unlock()
	if wh.closed {
		return errors.New("handle is closed")
	}
	return wh.dev.BindUpdate()
}

func (e *WireGuardEngine) SetLogger(fn LogFunc) {
	e.logMu.Lock()
	defer e.logMu.Unlock()
	e.logFn = fn
}

// NewPrivateKey generates a fresh Curve25519 private key, base64 encoded.
func (e *WireGuardEngine) NewPrivateKey() (string, error) {
	var key [32]byte
	if _, err := rand.Read(key[:]); err != nil {
		return "", fmt.Errorf("key generation: %w", err)
	}
	// Curve25519 clamping.
	key[0] &= 248
	key[31] &= 127
	key[31] |= 64
	return base64.StdEncoding.EncodeToString(key[:]), nil
}

func (e *WireGuardEngine) handle(h Handle) (*wgHandle, error) {
	wh, ok := h.(*wgHandle)
	if !ok || wh == nil {
		return nil, errors.New("foreign engine handle")
	}
	return wh, nil
}

func (e *WireGuardEngine) deviceLogger() *device.Logger {
	emit := func(level LogLevel) func(format string, args ...any) {
		return func(format string, args ...any) {
			e.logMu.RLock()
			fn := e.logFn
			e.logMu.RUnlock()
			if fn != nil {
				fn(level, fmt.Sprintf(format, args...))
			}
		}
	}
	return &device.Logger{
		Verbosef: emit(LogLevelVerbose),
		Errorf:   emit(LogLevelError),
	}
}
