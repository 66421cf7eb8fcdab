package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups the collectors exported on /metrics. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	RequestCount    *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	SignInTotal     *prometheus.CounterVec
	TokenTotal      *prometheus.CounterVec
	LockoutsTotal   prometheus.Counter
	BlacklistPruned prometheus.Counter
}

func NewMetrics() *Metrics {
	return &Metrics{
		RequestCount: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests.",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path", "status"},
		),
		SignInTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "auth_signin_total",
				Help: "Sign-in attempts by outcome.",
			},
			[]string{"outcome"},
		),
		TokenTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "auth_token_operations_total",
				Help: "Refresh and sign-out operations by outcome.",
			},
			[]string{"operation", "outcome"},
		),
		LockoutsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "auth_account_lockouts_total",
			Help: "Accounts that reached the failed attempt limit.",
		}),
		BlacklistPruned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "auth_blacklist_pruned_total",
			Help: "Expired blacklist entries removed by maintenance.",
		}),
	}
}

func (m *Metrics) Register(registry *prometheus.Registry) {
	registry.MustRegister(
		m.RequestCount,
		m.RequestDuration,
		m.SignInTotal,
		m.TokenTotal,
		m.LockoutsTotal,
		m.BlacklistPruned,
	)
}

func (m *Metrics) SignIn(outcome string) {
	if m == nil {
		return
	}
	m.SignInTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Token(operation, outcome string) {
	if m == nil {
		return
	}
	m.TokenTotal.WithLabelValues(operation, outcome).Inc()
}

func (m *Metrics) Lockout() {
	if m == nil {
		return
	}
	m.LockoutsTotal.Inc()
}

func (m *Metrics) Pruned(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.BlacklistPruned.Add(float64(n))
}

func MetricsHandler(registry *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
