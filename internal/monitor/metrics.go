package monitor

import (
	"errors"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/t77yq/credfleet/internal/fleet"
	"github.com/t77yq/credfleet/internal/model"
	"github.com/t77yq/credfleet/internal/pool"
)

const namespace = "credfleet"

var (
	_ pool.Observer         = (*Metrics)(nil)
	_ fleet.AttemptObserver = (*Metrics)(nil)
	_ fleet.ProgressSink    = (*Metrics)(nil)
)

// Metrics exports pool and fleet activity to Prometheus
type Metrics struct {
	selections     *prometheus.CounterVec
	healthChanges  *prometheus.CounterVec
	accountHealthy *prometheus.GaugeVec
	attempts       *prometheus.CounterVec
	replacements   *prometheus.CounterVec
	inFlight       prometheus.Gauge
	latency        *prometheus.HistogramVec
	subtasks       *prometheus.GaugeVec

	// newest progress applied to subtasks
	mu      sync.Mutex
	lastRun string
	lastSeq uint64
}

// NewMetrics registers the collectors with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		selections: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pool_selections_total",
			Help:      "Credential selections by provider and result.",
		}, []string{"provider", "result"}),
		healthChanges: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pool_health_changes_total",
			Help:      "Account health transitions by provider and new state.",
		}, []string{"provider", "state"}),
		accountHealthy: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pool_account_healthy",
			Help:      "1 when the account is healthy, 0 otherwise.",
		}, []string{"provider", "account_id"}),
		attempts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fleet_attempts_total",
			Help:      "Finished attempts by provider, outcome and reason.",
		}, []string{"provider", "outcome", "reason"}),
		replacements: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fleet_replacements_total",
			Help:      "Replacement agents started by provider.",
		}, []string{"provider"}),
		inFlight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "fleet_attempts_in_flight",
			Help:      "Attempts currently executing.",
		}),
		latency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "fleet_attempt_latency_seconds",
			Help:      "Attempt latency by provider.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"provider"}),
		subtasks: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "fleet_subtasks",
			Help:      "Subtasks of the latest run by state.",
		}, []string{"state"}),
	}
}

// SelectionMade implements pool.Observer
func (m *Metrics) SelectionMade(provider model.Provider, accountID string) {
	m.selections.WithLabelValues(string(provider), "selected").Inc()
}

// SelectionFailed implements pool.Observer
func (m *Metrics) SelectionFailed(provider model.Provider, err error) {
	result := "exhausted"
	if errors.Is(err, pool.ErrUnknownProvider) {
		result = "unknown_provider"
	}
	m.selections.WithLabelValues(string(provider), result).Inc()
}

// HealthChanged implements pool.Observer
func (m *Metrics) HealthChanged(provider model.Provider, accountID string, healthy bool) {
	state, value := "unhealthy", 0.0
	if healthy {
		state, value = "healthy", 1.0
	}
	m.healthChanges.WithLabelValues(string(provider), state).Inc()
	m.accountHealthy.WithLabelValues(string(provider), accountID).Set(value)
}

// AttemptStarted implements fleet.AttemptObserver
func (m *Metrics) AttemptStarted(provider model.Provider, replacement bool) {
	m.inFlight.Inc()
	if replacement {
		m.replacements.WithLabelValues(string(provider)).Inc()
	}
}

// AttemptFinished implements fleet.AttemptObserver
func (m *Metrics) AttemptFinished(provider model.Provider, outcome model.Outcome) {
	m.inFlight.Dec()
	m.attempts.WithLabelValues(string(provider), string(outcome.Kind), string(outcome.Reason)).Inc()
	m.latency.WithLabelValues(string(provider)).Observe(float64(outcome.LatencyMs) / 1000)
}

// Publish implements fleet.ProgressSink. Snapshots older than the newest one
// seen for the same run are dropped.
func (m *Metrics) Publish(p model.Progress) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if p.RunID == m.lastRun && p.Sequence <= m.lastSeq {
		return
	}
	m.lastRun, m.lastSeq = p.RunID, p.Sequence

	m.subtasks.WithLabelValues("queued").Set(float64(p.Queued))
	m.subtasks.WithLabelValues("working").Set(float64(p.Working))
	m.subtasks.WithLabelValues("succeeded").Set(float64(p.Succeeded))
	m.subtasks.WithLabelValues("permanently_failed").Set(float64(p.PermanentlyFailed))
	m.subtasks.WithLabelValues("skipped").Set(float64(p.Skipped))
}

// Handler serves the metrics gathered by g
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
