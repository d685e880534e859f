package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// SCSI command path metrics.
	CommandsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dedupv1d_scsi_commands_total",
			Help: "Total number of SCSI commands executed, by opcode.",
		},
		[]string{"opcode"},
	)

	CommandErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dedupv1d_scsi_command_errors_total",
			Help: "Total number of SCSI commands that completed with a non-illegal-request check condition, by opcode.",
		},
		[]string{"opcode"},
	)

	CommandRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dedupv1d_scsi_command_retries_total",
			Help: "Total number of SCSI commands the dedup engine reported as recovered.",
		},
	)

	CommandDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dedupv1d_scsi_command_duration_seconds",
			Help:    "SCSI command execution latency, by opcode.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"opcode"},
	)

	ThrottleSleepsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dedupv1d_volume_throttle_sleeps_total",
			Help: "Total number of times a volume worker thread slept due to throttling, by volume id.",
		},
		[]string{"volume_id"},
	)

	ThrottleSleepDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dedupv1d_volume_throttle_sleep_seconds",
			Help:    "Distribution of throttle sleep durations.",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Volume registry metrics.
	VolumesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dedupv1d_volumes_total",
			Help: "Number of attached volumes, by state.",
		},
		[]string{"state"},
	)

	VolumesInMaintenance = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dedupv1d_volumes_in_maintenance",
			Help: "Number of volumes currently in maintenance mode.",
		},
	)

	// Detacher metrics.
	DetachingVolumesTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dedupv1d_detaching_volumes_total",
			Help: "Number of volumes awaiting full detachment.",
		},
	)

	DetacherBlocksReclaimedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dedupv1d_detacher_blocks_reclaimed_total",
			Help: "Total number of blocks whose metadata has been reclaimed by the detacher.",
		},
	)

	// Fast-copy metrics.
	FastCopyJobsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dedupv1d_fastcopy_jobs_active",
			Help: "Number of fast-copy jobs currently tracked.",
		},
	)

	FastCopyBytesCopiedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dedupv1d_fastcopy_bytes_copied_total",
			Help: "Total bytes copied by the fast-copy engine across all jobs.",
		},
	)

	FastCopyStepDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dedupv1d_fastcopy_step_duration_seconds",
			Help:    "Duration of a single fast-copy step.",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(
		CommandsTotal,
		CommandErrorsTotal,
		CommandRetriesTotal,
		CommandDuration,
		ThrottleSleepsTotal,
		ThrottleSleepDuration,
		VolumesTotal,
		VolumesInMaintenance,
		DetachingVolumesTotal,
		DetacherBlocksReclaimedTotal,
		FastCopyJobsActive,
		FastCopyBytesCopiedTotal,
		FastCopyStepDuration,
	)
}

// Timer is a helper for timing operations and recording the elapsed time
// into a histogram.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
