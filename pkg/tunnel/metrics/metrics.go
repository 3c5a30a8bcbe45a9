package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// Session lifecycle metrics.
	SessionStartAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tunnel_session_start_attempts_total",
			Help: "Total number of tunnel session start attempts.",
		},
		[]string{"result"},
	)
	SessionStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tunnel_session_stops_total",
			Help: "Total number of tunnel session stops.",
		},
		[]string{"reason"},
	)
	// Connectivity metrics.
	ConnectivityTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tunnel_connectivity_transitions_total",
			Help: "Total number of connectivity classification transitions.",
		},
		[]string{"verdict"},
	)
	// Recovery metrics.
	// Common outcome values: "completedHealthy", "completedUnhealthy", "failed"
	RecoveryAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tunnel_recovery_attempts_total",
			Help: "Total number of failure recovery attempts by outcome.",
		},
		[]string{"outcome"},
	)
	// Migration metrics.
	Migrations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tunnel_migrations_total",
			Help: "Total number of server migration selections.",
		},
		[]string{"result"},
	)
	// Rekey metrics.
	Rekeys = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tunnel_rekeys_total",
			Help: "Total number of key rotation attempts by result.",
		},
		[]string{"result"},
	)
	AccessRevocations = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tunnel_access_revocations_total",
			Help: "Total number of mid-session entitlement revocations.",
		},
	)
)

func init() {
	prometheus.MustRegister(SessionStartAttempts)
	prometheus.MustRegister(SessionStops)
	prometheus.MustRegister(ConnectivityTransitions)
	prometheus.MustRegister(RecoveryAttempts)
	prometheus.MustRegister(Migrations)
	prometheus.MustRegister(Rekeys)
	prometheus.MustRegister(AccessRevocations)
}
