// Package events defines the closed taxonomy of tunnel lifecycle events.
//
// Events are pure, serializable values. The core emits them through a
// Reporter; mapping to logs, metrics, or any other sink belongs to adapters
// outside this package.
package events

import (
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Kind identifies an event within the closed taxonomy.
type Kind string

const (
	KindStartSuccess      Kind = "tunnelStartAttempt.success"
	KindStartFailure      Kind = "tunnelStartAttempt.failure"
	KindStopped           Kind = "tunnelStopped"
	KindConnectivity      Kind = "connectivity"
	KindRecoveryStarted   Kind = "recovery.started"
	KindRecoveryHealthy   Kind = "recovery.completedHealthy"
	KindRecoveryUnhealthy Kind = "recovery.completedUnhealthy"
	KindRecoveryFailed    Kind = "recovery.failed"
	KindMigrationSelected Kind = "migration.selected"
	KindMigrationNoAlt    Kind = "migration.noAlternative"
	KindRekeyBegin        Kind = "rekey.begin"
	KindRekeySuccess      Kind = "rekey.success"
	KindRekeyFailure      Kind = "rekey.failure"
	KindAccessRevoked     Kind = "entitlement.revoked"
)

// DurationClass classifies how long a connectivity failure persisted.
type DurationClass string

const (
	DurationImmediate DurationClass = "immediate"
	DurationExtended  DurationClass = "extended"
)

// Event is a single structured occurrence. Fields beyond the header are
// populated per Kind; unused fields stay zero.
type Event struct {
	Session uuid.UUID `json:"session"`
	Seq     uint64    `json:"seq"`
	Time    time.Time `json:"time"`
	Kind    Kind      `json:"kind"`

	// ErrorCode carries a stable machine-readable failure code for
	// failure kinds. Never a display string.
	ErrorCode string `json:"errorCode,omitempty"`
	// ServerID is set on migration.selected.
	ServerID string `json:"serverID,omitempty"`
	// Verdict is the connectivity classification for Kind connectivity.
	Verdict string `json:"verdict,omitempty"`
	// FailureCount is the number of consecutive probe failures observed
	// before the verdict was produced.
	FailureCount int `json:"failureCount,omitempty"`
	// DurationClass is set on connectivity failure/recovery verdicts.
	DurationClass DurationClass `json:"durationClass,omitempty"`
	// Reason is set on tunnelStopped.
	Reason string `json:"reason,omitempty"`
}

// Reporter receives emitted events. Implementations must not block for
// longer than a log write; the core calls Report inline.
type Reporter interface {
	Report(Event)
}

// ReporterFunc adapts a function to the Reporter interface.
type ReporterFunc func(Event)

func (f ReporterFunc) Report(ev Event) { f(ev) }

// Discard is a Reporter that drops all events.
var Discard Reporter = ReporterFunc(func(Event) {})

// Emitter stamps events with the owning session's identity and a monotonic
// sequence number before handing them to the Reporter. A disabled emitter
// drops events; the session disables its emitter after the stop event so no
// event can be attributed to a stopped session.
type Emitter struct {
	session  uuid.UUID
	reporter Reporter
	seq      atomic.Uint64
	disabled atomic.Bool
	now      func() time.Time
}

// NewEmitter creates an Emitter for the given session.
func NewEmitter(session uuid.UUID, reporter Reporter) *Emitter {
	if reporter == nil {
		reporter = Discard
	}
	return &Emitter{session: session, reporter: reporter, now: time.Now}
}

// Emit stamps and reports the event. No-op when the emitter is disabled.
func (e *Emitter) Emit(ev Event) {
	if e.disabled.Load() {
		return
	}
	ev.Session = e.session
	ev.Seq = e.seq.Add(1)
	ev.Time = e.now()
	e.reporter.Report(ev)
}

// Disable permanently silences the emitter.
func (e *Emitter) Disable() {
	e.disabled.Store(true)
}
