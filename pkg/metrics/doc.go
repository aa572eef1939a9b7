/*
Package metrics provides Prometheus metrics collection and exposition for
the node-agent core.

The metrics package defines and registers counters and gauges mirroring
slave.hpp's stats block — per-TaskState counts, valid/invalid status-update
and framework-message counters, per-framework queue depth — plus a Timer
helper for histogram observations. Metrics are exposed via an HTTP handler
for scraping; wiring that handler into a listening server is an ambient
concern of cmd/agent, not of this package.

# Updating gauge metrics

	import "github.com/cuemby/agentcore/pkg/metrics"

	metrics.TasksByState.WithLabelValues("TASK_RUNNING").Set(3)
	metrics.ExecutorsRunning.WithLabelValues("fw-1").Inc()

# Updating counter metrics

	metrics.ValidStatusUpdates.Inc()
	metrics.InvalidStatusUpdates.Inc()

# Recording histogram observations

	// Direct observation.
	metrics.CheckpointDuration.Observe(0.004)

	// Using the Timer helper.
	timer := metrics.NewTimer()
	err := store.AppendUpdate(runDir, update)
	timer.ObserveDuration(metrics.CheckpointDuration)

# Exposing the endpoint

	http.Handle("/metrics", metrics.Handler())
	http.ListenAndServe(":9090", nil)
*/
package metrics
