package httpx

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/splax/runway/api/internal/domain"
)

var histogramBuckets = []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 120}

// Metrics holds the API's Prometheus collectors. It also records saga and
// rollback outcomes for the services.
type Metrics struct {
	registry       *prometheus.Registry
	requestTotal   *prometheus.CounterVec
	requestLatency *prometheus.HistogramVec
	rateLimitHits  *prometheus.CounterVec
	sagaSteps      *prometheus.CounterVec
	sagaRuns       *prometheus.HistogramVec
	rollbacks      *prometheus.CounterVec
	subscribers    prometheus.GaugeFunc
}

// NewMetrics registers collectors on a fresh registry. subscribers may be
// nil.
func NewMetrics(subscribers func() int) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "runway",
			Subsystem: "api",
			Name:      "http_requests_total",
			Help:      "Count of processed HTTP requests",
		}, []string{"method", "route", "status"}),
		requestLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "runway",
			Subsystem: "api",
			Name:      "http_request_duration_seconds",
			Help:      "Latency distribution of HTTP handlers",
			Buckets:   histogramBuckets,
		}, []string{"method", "route", "status"}),
		rateLimitHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "runway",
			Subsystem: "api",
			Name:      "rate_limit_hits_total",
			Help:      "Number of rate-limited responses",
		}, []string{"route", "key"}),
		sagaSteps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "runway",
			Subsystem: "saga",
			Name:      "steps_total",
			Help:      "Saga steps by outcome",
		}, []string{"step", "outcome"}),
		sagaRuns: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "runway",
			Subsystem: "saga",
			Name:      "run_duration_seconds",
			Help:      "Provisioning run duration by status",
			Buckets:   histogramBuckets,
		}, []string{"status"}),
		rollbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "runway",
			Subsystem: "rollback",
			Name:      "total",
			Help:      "Rollbacks by outcome",
		}, []string{"outcome"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		m.requestTotal, m.requestLatency, m.rateLimitHits,
		m.sagaSteps, m.sagaRuns, m.rollbacks,
	)
	if subscribers != nil {
		m.subscribers = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "runway",
			Subsystem: "stream",
			Name:      "subscribers",
			Help:      "Connected saga stream subscribers",
		}, func() float64 { return float64(subscribers()) })
		m.registry.MustRegister(m.subscribers)
	}
	return m
}

// WatchDroppedEvents exports the count of stream events discarded for slow
// subscribers.
func (m *Metrics) WatchDroppedEvents(dropped func() int64) {
	m.registry.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: "runway",
		Subsystem: "stream",
		Name:      "dropped_events_total",
		Help:      "Saga events dropped because a subscriber queue was full",
	}, func() float64 { return float64(dropped()) }))
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveStep records one saga step.
func (m *Metrics) ObserveStep(step domain.StepName, outcome domain.Outcome) {
	m.sagaSteps.WithLabelValues(string(step), string(outcome)).Inc()
}

// ObserveRun records a finished saga run.
func (m *Metrics) ObserveRun(status string, duration time.Duration) {
	m.sagaRuns.WithLabelValues(status).Observe(duration.Seconds())
}

// ObserveRollback records a rollback attempt.
func (m *Metrics) ObserveRollback(outcome string) {
	m.rollbacks.WithLabelValues(outcome).Inc()
}

func (m *Metrics) recordRequest(method, route string, status int, duration time.Duration) {
	labels := prometheus.Labels{
		"method": method,
		"route":  route,
		"status": strconv.Itoa(status),
	}
	m.requestTotal.With(labels).Inc()
	m.requestLatency.With(labels).Observe(duration.Seconds())
}

func (m *Metrics) recordRateLimitHit(route, key string) {
	m.rateLimitHits.With(prometheus.Labels{"route": route, "key": key}).Inc()
}
