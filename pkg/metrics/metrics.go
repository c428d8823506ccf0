package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// WorkerGroupState tracks the elastic agent's current worker group
	// state (0=init, 1=healthy, 2=unhealthy, 3=stopped, 4=succeeded,
	// 5=failed) so a local scrape can show the agent's lifecycle
	// without depending on the pushgateway round trip.
	WorkerGroupState = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "lattice_agent_worker_group_state",
			Help: "Current WorkerState of the supervised worker group",
		},
	)

	RestartsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "lattice_agent_restarts_total",
			Help: "Total number of worker group restarts issued by the elastic agent",
		},
	)

	RendezvousRoundsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "lattice_agent_rendezvous_rounds_total",
			Help: "Total number of rendezvous rounds completed",
		},
	)

	RendezvousDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "lattice_agent_rendezvous_duration_seconds",
			Help:    "Time spent in NextRendezvous, from join to barrier release",
			Buckets: prometheus.DefBuckets,
		},
	)

	WorkerExitCode = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "lattice_agent_worker_exit_code",
			Help: "Last observed exit code per local rank",
		},
		[]string{"local_rank"},
	)

	// Checkpoint service metrics.
	CheckpointOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lattice_ckpt_requests_total",
			Help: "Total checkpoint service requests by type and outcome",
		},
		[]string{"type", "outcome"},
	)

	CheckpointSizeBytes = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "lattice_ckpt_checkpoint_bytes",
			Help:    "Size in bytes of saved checkpoint bodies",
			Buckets: prometheus.ExponentialBuckets(1<<10, 4, 12), // 1KiB .. 4GiB
		},
	)

	CheckpointLocksHeld = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "lattice_ckpt_locks_held",
			Help: "Current number of held advisory locks",
		},
	)
)

func init() {
	prometheus.MustRegister(
		WorkerGroupState,
		RestartsTotal,
		RendezvousRoundsTotal,
		RendezvousDuration,
		WorkerExitCode,
		CheckpointOpsTotal,
		CheckpointSizeBytes,
		CheckpointLocksHeld,
	)
}

// Handler exposes the process-local registry for a /metrics scrape,
// independent of whatever is also being pushed to a pushgateway.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures elapsed wall-clock time for one operation.
type Timer struct {
	start time.Time
}

// NewTimer starts a Timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time to histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the elapsed time to a labeled histogram.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the Timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
