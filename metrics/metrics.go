/*
Package metrics exposes Prometheus counters and histograms for the ledger,
the pricing engine and the HTTP layer.

A nil *Metrics is valid and records nothing, so components can take one
optionally.
*/
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "token_engine"

type Metrics struct {
	gatherer prometheus.Gatherer

	Movements       *prometheus.CounterVec
	MovementTokens  *prometheus.CounterVec
	Purchases       *prometheus.CounterVec
	CodeRedemptions *prometheus.CounterVec
	Rejections      *prometheus.CounterVec
	Conflicts       prometheus.Counter
	Drifts          prometheus.Gauge
	PricingDuration *prometheus.HistogramVec

	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec
}

// New registers the collectors on reg. Use prometheus.NewRegistry() in
// tests; NewDefault for the process-wide registry.
func New(reg *prometheus.Registry) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		gatherer: reg,
		Movements: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "movements_total",
			Help:      "Movements appended, by type and status",
		}, []string{"type", "status"}),
		MovementTokens: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "movement_tokens_total",
			Help:      "Tokens moved, by movement type",
		}, []string{"type"}),
		Purchases: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "purchases_total",
			Help:      "Committed token purchases, by currency",
		}, []string{"currency"}),
		CodeRedemptions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "code_redemptions_total",
			Help:      "Discount code redemptions, by code type",
		}, []string{"code_type"}),
		Rejections: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rejections_total",
			Help:      "Rejected operations, by operation and reason",
		}, []string{"operation", "reason"}),
		Conflicts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "concurrency_conflicts_total",
			Help:      "Operations that lost a race and must be retried",
		}),
		Drifts: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "reconcile_drifted_accounts",
			Help:      "Accounts whose stored balance disagreed with replay on the last run",
		}),
		PricingDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pricing_duration_seconds",
			Help:      "Pricing engine latency, by operation",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}, []string{"operation"}),
		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"method", "path", "status"}),
		HTTPDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5},
		}, []string{"method", "path"}),
	}
}

// NewDefault registers on a fresh registry that also carries the Go and
// process collectors.
func NewDefault() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector(), prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	return New(reg)
}

func (m *Metrics) Movement(typ, status string, amount int64) {
	if m == nil {
		return
	}
	m.Movements.WithLabelValues(typ, status).Inc()
	m.MovementTokens.WithLabelValues(typ).Add(float64(amount))
}

func (m *Metrics) Purchase(currency, codeType string) {
	if m == nil {
		return
	}
	m.Purchases.WithLabelValues(currency).Inc()
	if codeType != "" {
		m.CodeRedemptions.WithLabelValues(codeType).Inc()
	}
}

func (m *Metrics) Rejected(operation, reason string) {
	if m == nil {
		return
	}
	if reason == "" {
		reason = "other"
	}
	m.Rejections.WithLabelValues(operation, reason).Inc()
}

func (m *Metrics) Conflict() {
	if m == nil {
		return
	}
	m.Conflicts.Inc()
}

func (m *Metrics) Reconciled(drifted int) {
	if m == nil {
		return
	}
	m.Drifts.Set(float64(drifted))
}

// Since observes the time elapsed since start for operation.
func (m *Metrics) Since(operation string, start time.Time) {
	if m == nil {
		return
	}
	m.PricingDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// Middleware records request counts and latency keyed by the chi route
// pattern.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		path := "unknown"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				path = p
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		m.HTTPRequests.WithLabelValues(r.Method, path, strconv.Itoa(status)).Inc()
		m.HTTPDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}
