// Package telemetry adapts the core's pure event stream to concrete
// sinks: structured logs and prometheus metrics.
//
// The core decides what happened; this package decides how it is
// recorded. Nothing here is imported by the core.
package telemetry

import (
	"log/slog"

	"github.com/meridian-vpn/meridian/pkg/tunnel/events"
	"github.com/meridian-vpn/meridian/pkg/tunnel/metrics"
)

// Reporter maps events to slog lines and prometheus counters.
type Reporter struct {
	log *slog.Logger
}

var _ events.Reporter = (*Reporter)(nil)

// New creates a Reporter. A nil logger uses the default.
func New(log *slog.Logger) *Reporter {
	if log == nil {
		log = slog.Default()
	}
	return &Reporter{log: log}
}

func (r *Reporter) Report(ev events.Event) {
	attrs := []any{
		slog.String("session", ev.Session.String()),
		slog.Uint64("seq", ev.Seq),
	}
	if ev.ErrorCode != "" {
		attrs = append(attrs, slog.String("errorCode", ev.ErrorCode))
	}
	if ev.ServerID != "" {
		attrs = append(attrs, slog.String("server", ev.ServerID))
	}
	if ev.Verdict != "" {
		attrs = append(attrs, slog.String("verdict", ev.Verdict))
	}
	if ev.FailureCount > 0 {
		attrs = append(attrs, slog.Int("failureCount", ev.FailureCount))
	}
	if ev.Reason != "" {
		attrs = append(attrs, slog.String("reason", ev.Reason))
	}

	switch ev.Kind {
	case events.KindStartSuccess:
		metrics.SessionStartAttempts.WithLabelValues("success").Inc()
	case events.KindStartFailure:
		metrics.SessionStartAttempts.WithLabelValues("failure").Inc()
	case events.KindStopped:
		metrics.SessionStops.WithLabelValues(ev.Reason).Inc()
	case events.KindConnectivity:
		metrics.ConnectivityTransitions.WithLabelValues(ev.Verdict).Inc()
	case events.KindRecoveryHealthy:
		metrics.RecoveryAttempts.WithLabelValues("completedHealthy").Inc()
	case events.KindRecoveryUnhealthy:
		metrics.RecoveryAttempts.WithLabelValues("completedUnhealthy").Inc()
	case events.KindRecoveryFailed:
		metrics.RecoveryAttempts.WithLabelValues("failed").Inc()
	case events.KindMigrationSelected:
		metrics.Migrations.WithLabelValues("selected").Inc()
	case events.KindMigrationNoAlt:
		metrics.Migrations.WithLabelValues("noAlternative").Inc()
	case events.KindRekeySuccess:
		metrics.Rekeys.WithLabelValues("success").Inc()
	case events.KindRekeyFailure:
		metrics.Rekeys.WithLabelValues("failure").Inc()
	case events.KindAccessRevoked:
		metrics.AccessRevocations.Inc()
	}

	r.log.Info(string(ev.Kind), attrs...)
}
