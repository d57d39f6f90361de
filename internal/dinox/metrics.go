package dinox

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors for task submission and polling.
type Metrics struct {
	submissions  *prometheus.CounterVec
	pollAttempts *prometheus.CounterVec
	outcomes     *prometheus.CounterVec
	duration     *prometheus.HistogramVec
	failOpen     *prometheus.CounterVec
}

var (
	defaultMetricsOnce sync.Once
	sharedMetrics      *Metrics
)

// DefaultMetrics returns the instance registered with the global registry.
// Collectors are created once so several clients can share them.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		sharedMetrics = MustNewMetrics(prometheus.DefaultRegisterer)
	})
	return sharedMetrics
}

// MustNewMetrics constructs and registers a Metrics instance. Registration
// errors panic, matching promauto.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dinox",
			Subsystem: "client",
			Name:      "submissions_total",
			Help:      "Task creation requests by endpoint and outcome.",
		}, []string{"endpoint", "outcome"}),
		pollAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dinox",
			Subsystem: "client",
			Name:      "poll_attempts_total",
			Help:      "Task status fetches by observed status.",
		}, []string{"status"}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dinox",
			Subsystem: "client",
			Name:      "task_outcomes_total",
			Help:      "Finished tasks by kind and outcome.",
		}, []string{"kind", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "dinox",
			Subsystem: "client",
			Name:      "task_duration_seconds",
			Help:      "Time from submission to a terminal poll result.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 60},
		}, []string{"kind"}),
		failOpen: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dinox",
			Subsystem: "client",
			Name:      "fail_open_total",
			Help:      "Errors swallowed by the fail-open entry points.",
		}, []string{"kind"}),
	}
	reg.MustRegister(m.submissions, m.pollAttempts, m.outcomes, m.duration, m.failOpen)
	return m
}

func (m *Metrics) observeSubmission(endpoint string, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.submissions.WithLabelValues(endpoint, outcome).Inc()
}

func (m *Metrics) observePollAttempt(status string) {
	if m == nil {
		return
	}
	m.pollAttempts.WithLabelValues(status).Inc()
}

func (m *Metrics) observeOutcome(kind, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.outcomes.WithLabelValues(kind, outcome).Inc()
	m.duration.WithLabelValues(kind).Observe(elapsed.Seconds())
}

func (m *Metrics) observeFailOpen(kind string) {
	if m == nil {
		return
	}
	m.failOpen.WithLabelValues(kind).Inc()
}
