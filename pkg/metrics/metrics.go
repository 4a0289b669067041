package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// WorkersTotal tracks registered workers by liveness status
	// ("connected" or "failed").
	WorkersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "parallel_workers_total",
			Help: "Total number of registered workers by status",
		},
		[]string{"status"},
	)

	ConnectionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "parallel_connections_active",
			Help: "Number of live master-to-worker connections",
		},
	)

	// SpawnDuration measures the time from Spawn() being called to the
	// worker's reverse handshake completing.
	SpawnDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "parallel_spawn_duration_seconds",
			Help:    "Time from spawn request to a completed reverse handshake",
			Buckets: prometheus.DefBuckets,
		},
	)

	SpawnFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "parallel_spawn_failures_total",
			Help: "Total number of failed spawn attempts by reason",
		},
		[]string{"reason"},
	)

	HeartbeatMissesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "parallel_heartbeat_misses_total",
			Help: "Total number of heartbeat timeouts observed, by side (master or worker)",
		},
		[]string{"side"},
	)

	RPCRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "parallel_rpc_requests_total",
			Help: "Total number of RPC calls by method and outcome",
		},
		[]string{"method", "status"},
	)

	RPCDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "parallel_rpc_duration_seconds",
			Help:    "RPC round-trip duration in seconds by method",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	ShutdownStepsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "parallel_shutdown_steps_total",
			Help: "Total number of shutdown cascade steps run, by outcome",
		},
		[]string{"step", "outcome"},
	)
)

func init() {
	prometheus.MustRegister(WorkersTotal)
	prometheus.MustRegister(ConnectionsActive)
	prometheus.MustRegister(SpawnDuration)
	prometheus.MustRegister(SpawnFailuresTotal)
	prometheus.MustRegister(HeartbeatMissesTotal)
	prometheus.MustRegister(RPCRequestsTotal)
	prometheus.MustRegister(RPCDuration)
	prometheus.MustRegister(ShutdownStepsTotal)
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
