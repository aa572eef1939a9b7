package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// TasksByState mirrors slave.hpp's stats.tasks[...] counters: the
	// registry increments a state's value each time a task enters that
	// TaskState and never decrements it.
	TasksByState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "agentcore_tasks_by_state",
			Help: "Number of times a task entered each state",
		},
		[]string{"state"},
	)

	// ValidStatusUpdates / InvalidStatusUpdates mirror
	// stats.validStatusUpdates / stats.invalidStatusUpdates.
	ValidStatusUpdates = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "agentcore_valid_status_updates_total",
			Help: "Total number of status updates accepted by the registry",
		},
	)

	InvalidStatusUpdates = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "agentcore_invalid_status_updates_total",
			Help: "Total number of status updates dropped as protocol violations",
		},
	)

	InvalidFrameworkMessages = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "agentcore_invalid_framework_messages_total",
			Help: "Total number of framework messages dropped as protocol violations",
		},
	)

	// ExecutorsRunning tracks live executors per framework.
	ExecutorsRunning = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "agentcore_executors_running",
			Help: "Number of executors currently running, by framework",
		},
		[]string{"framework_id"},
	)

	// StatusUpdateQueueDepth is set, under the framework's label, to the
	// queue length of the task stream that last queued an update; it is
	// not a sum over the framework's streams.
	StatusUpdateQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "agentcore_status_update_queue_depth",
			Help: "Queued but unacknowledged status updates, by framework",
		},
		[]string{"framework_id"},
	)

	// StatusUpdateRetransmits counts retry-timer-driven resends.
	StatusUpdateRetransmits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "agentcore_status_update_retransmits_total",
			Help: "Total number of status update retransmissions",
		},
	)

	// CheckpointDuration is a histogram for checkpoint write durations.
	// No code in this module observes into it.
	CheckpointDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "agentcore_checkpoint_duration_seconds",
			Help:    "Duration of checkpoint writes in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// RecoveryDuration times the agent's startup recovery protocol.
	RecoveryDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "agentcore_recovery_duration_seconds",
			Help:    "Duration of the startup recovery protocol in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(
		TasksByState,
		ValidStatusUpdates,
		InvalidStatusUpdates,
		InvalidFrameworkMessages,
		ExecutorsRunning,
		StatusUpdateQueueDepth,
		StatusUpdateRetransmits,
		CheckpointDuration,
		RecoveryDuration,
	)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures elapsed wall-clock time and feeds it to a histogram.
type Timer struct {
	start time.Time
}

// NewTimer starts a Timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the Timer was created. It may be
// called more than once; each call reflects time elapsed up to that call.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// ObserveDuration records the elapsed time on h.
func (t *Timer) ObserveDuration(h prometheus.Histogram) {
	h.Observe(t.Duration().Seconds())
}

// ObserveDurationVec records the elapsed time on one label combination of a
// HistogramVec.
func (t *Timer) ObserveDurationVec(h *prometheus.HistogramVec, labelValues ...string) {
	h.WithLabelValues(labelValues...).Observe(t.Duration().Seconds())
}
