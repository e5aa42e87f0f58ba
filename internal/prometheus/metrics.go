package prometheus

import (
	promclient "github.com/prometheus/client_golang/prometheus"
)

// Business-level metrics for the authentication service
// These track logins and profile provisioning, not just HTTP requests

var (
	// ═══════════════════════════════════════════════════════════════════════════
	// AUTHENTICATION METRICS
	// ═══════════════════════════════════════════════════════════════════════════

	// AuthAttemptsTotal - Counter of authentication attempts
	AuthAttemptsTotal = promclient.NewCounterVec(
		promclient.CounterOpts{
			Name: "wikiauth_auth_attempts_total",
			Help: "Total number of authentication attempts",
		},
		[]string{"source", "result"}, // "ldap" or "local"; "success", "invalid_credentials", "unavailable", "error"
	)

	// AuthDuration - Histogram of authentication duration
	AuthDuration = promclient.NewHistogramVec(
		promclient.HistogramOpts{
			Name:    "wikiauth_auth_duration_seconds",
			Help:    "Duration of authentication attempts in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		},
		[]string{"source"},
	)

	// ═══════════════════════════════════════════════════════════════════════════
	// PROFILE METRICS
	// ═══════════════════════════════════════════════════════════════════════════

	// ProfilesCreatedTotal - Counter of profiles created on first login
	ProfilesCreatedTotal = promclient.NewCounter(
		promclient.CounterOpts{
			Name: "wikiauth_profiles_created_total",
			Help: "Total number of user profiles created from the directory",
		},
	)

	// ProfilesAdoptedTotal - Counter of existing user profiles bound to a directory entry
	ProfilesAdoptedTotal = promclient.NewCounter(
		promclient.CounterOpts{
			Name: "wikiauth_profiles_adopted_total",
			Help: "Total number of existing user profiles adopted by the directory",
		},
	)

	// ProfilesUpdatedTotal - Counter of profile saves caused by attribute changes
	ProfilesUpdatedTotal = promclient.NewCounterVec(
		promclient.CounterOpts{
			Name: "wikiauth_profiles_updated_total",
			Help: "Total number of user profile updates from directory attributes",
		},
		[]string{"trigger"}, // "login" or "sync"
	)

	// CollisionSuffixesTotal - Counter of name collisions resolved with a numeric suffix
	CollisionSuffixesTotal = promclient.NewCounter(
		promclient.CounterOpts{
			Name: "wikiauth_collision_suffixes_total",
			Help: "Total number of candidate profile names skipped because of a collision",
		},
	)

	// ═══════════════════════════════════════════════════════════════════════════
	// SESSION METRICS
	// ═══════════════════════════════════════════════════════════════════════════

	// SessionsIssuedTotal - Counter of session tokens issued
	SessionsIssuedTotal = promclient.NewCounter(
		promclient.CounterOpts{
			Name: "wikiauth_sessions_issued_total",
			Help: "Total number of session tokens issued",
		},
	)

	// SessionsRevokedTotal - Counter of sessions ended by logout
	SessionsRevokedTotal = promclient.NewCounter(
		promclient.CounterOpts{
			Name: "wikiauth_sessions_revoked_total",
			Help: "Total number of sessions revoked",
		},
	)

	// ═══════════════════════════════════════════════════════════════════════════
	// DIRECTORY OPERATION METRICS
	// ═══════════════════════════════════════════════════════════════════════════

	// OperationDuration - Histogram of LDAP operation durations
	OperationDuration = promclient.NewHistogramVec(
		promclient.HistogramOpts{
			Name:    "wikiauth_ldap_operation_duration_seconds",
			Help:    "Duration of LDAP operations in seconds",
			Buckets: promclient.DefBuckets,
		},
		[]string{"operation", "success"},
	)

	// OperationsTotal - Counter of all LDAP operations
	OperationsTotal = promclient.NewCounterVec(
		promclient.CounterOpts{
			Name: "wikiauth_ldap_operations_total",
			Help: "Total number of LDAP operations",
		},
		[]string{"operation", "success"},
	)

	// ═══════════════════════════════════════════════════════════════════════════
	// CONNECTION POOL METRICS
	// ═══════════════════════════════════════════════════════════════════════════

	// PoolActiveConnections - Gauge of active (in-use) connections
	PoolActiveConnections = promclient.NewGauge(
		promclient.GaugeOpts{
			Name: "wikiauth_ldap_pool_active_connections",
			Help: "Number of active (in-use) LDAP connections",
		},
	)

	// PoolIdleConnections - Gauge of idle (available) connections
	PoolIdleConnections = promclient.NewGauge(
		promclient.GaugeOpts{
			Name: "wikiauth_ldap_pool_idle_connections",
			Help: "Number of idle (available) LDAP connections",
		},
	)

	// PoolTotalRequests - Gauge mirroring the pool's request counter
	PoolTotalRequests = promclient.NewGauge(
		promclient.GaugeOpts{
			Name: "wikiauth_ldap_pool_total_requests",
			Help: "Total number of LDAP connection pool requests",
		},
	)

	// PoolSize - Gauge of pool size
	PoolSize = promclient.NewGauge(
		promclient.GaugeOpts{
			Name: "wikiauth_ldap_pool_size",
			Help: "Size of the LDAP connection pool",
		},
	)
)

// Init registers all metrics with Prometheus
func Init() {
	promclient.MustRegister(
		AuthAttemptsTotal,
		AuthDuration,
		ProfilesCreatedTotal,
		ProfilesAdoptedTotal,
		ProfilesUpdatedTotal,
		CollisionSuffixesTotal,
		SessionsIssuedTotal,
		SessionsRevokedTotal,
		OperationDuration,
		OperationsTotal,
		PoolActiveConnections,
		PoolIdleConnections,
		PoolTotalRequests,
		PoolSize,
	)
}
