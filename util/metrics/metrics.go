package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// MessagesPublished tracks sync messages published to the shared channel, by message type
	MessagesPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "invsync_messages_published_total",
			Help: "Total number of sync messages published to the shared channel",
		},
		[]string{"server", "type"},
	)

	// MessagesReceived tracks sync messages received from the shared channel, by message type
	MessagesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "invsync_messages_received_total",
			Help: "Total number of sync messages received from the shared channel",
		},
		[]string{"server", "type"},
	)

	// LocksAcquired tracks successful transfer lock acquisitions
	LocksAcquired = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "invsync_locks_acquired_total",
			Help: "Total number of transfer locks acquired",
		},
		[]string{"server"},
	)

	// LocksReleased tracks transfer lock releases by the holding server
	LocksReleased = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "invsync_locks_released_total",
			Help: "Total number of transfer locks released",
		},
		[]string{"server"},
	)

	// LockConflicts tracks acquisition attempts denied because another server held the lock
	LockConflicts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "invsync_lock_conflicts_total",
			Help: "Total number of transfer lock acquisitions denied due to an existing holder",
		},
		[]string{"server"},
	)

	// LockAcquireDuration tracks the duration of lock acquisition round trips in seconds
	LockAcquireDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "invsync_lock_acquire_duration_seconds",
			Help:    "Duration of transfer lock acquisition round trips in seconds",
			Buckets: []float64{0.001, 0.01, 0.1, 1, 10},
		},
		[]string{"server", "outcome"},
	)

	// ConnectedServers tracks how many other servers this process currently considers healthy
	ConnectedServers = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "invsync_connected_servers",
			Help: "Number of other servers currently considered healthy by this process",
		},
		[]string{"server"},
	)

	// LastHeartbeat tracks the unix time of the last successfully published heartbeat
	LastHeartbeat = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "invsync_last_heartbeat_timestamp_seconds",
			Help: "Unix timestamp of the last successfully published heartbeat",
		},
		[]string{"server"},
	)

	// ForceSyncsTotal tracks force sync requests by outcome
	ForceSyncsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "invsync_force_syncs_total",
			Help: "Total number of force sync requests by outcome",
		},
		[]string{"server", "status"},
	)
)

// RecordMessagePublished increments the published counter for a message type
func RecordMessagePublished(server, msgType string) {
	MessagesPublished.WithLabelValues(server, msgType).Inc()
}

// RecordMessageReceived increments the received counter for a message type
func RecordMessageReceived(server, msgType string) {
	MessagesReceived.WithLabelValues(server, msgType).Inc()
}

// RecordLockAcquired increments the acquired lock counter
func RecordLockAcquired(server string) {
	LocksAcquired.WithLabelValues(server).Inc()
}

// RecordLockReleased increments the released lock counter
func RecordLockReleased(server string) {
	LocksReleased.WithLabelValues(server).Inc()
}

// RecordLockConflict increments the lock conflict counter
func RecordLockConflict(server string) {
	LockConflicts.WithLabelValues(server).Inc()
}

// ObserveLockAcquireDuration records one lock acquisition round trip.
// Outcome is "granted", "denied" or "error".
func ObserveLockAcquireDuration(server, outcome string, seconds float64) {
	LockAcquireDuration.WithLabelValues(server, outcome).Observe(seconds)
}

// SetConnectedServers sets the healthy peer count gauge
func SetConnectedServers(server string, count int) {
	ConnectedServers.WithLabelValues(server).Set(float64(count))
}

// SetLastHeartbeat records the unix time of the last published heartbeat
func SetLastHeartbeat(server string, unixSeconds float64) {
	LastHeartbeat.WithLabelValues(server).Set(unixSeconds)
}

// RecordForceSync increments the force sync counter with the given status.
// Status is "ok" or "error".
func RecordForceSync(server, status string) {
	ForceSyncsTotal.WithLabelValues(server, status).Inc()
}
