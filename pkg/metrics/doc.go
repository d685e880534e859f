/*
Package metrics defines the daemon's Prometheus metric vars: per-opcode SCSI
command counts and latency, throttle sleep counts, volume registry gauges,
and detacher and fast-copy progress counters.

Metrics register themselves at package init via prometheus.MustRegister.
Exposing them over HTTP is left to the embedding process; this package only
owns collection.

# Usage

	timer := metrics.NewTimer()
	// ... execute a command ...
	timer.ObserveDurationVec(metrics.CommandDuration, opcodeName)
	metrics.CommandsTotal.WithLabelValues(opcodeName).Inc()
*/
package metrics
