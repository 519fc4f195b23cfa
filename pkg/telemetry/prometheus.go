package telemetry

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus metrics served on the admin listener.
type Metrics struct {
	deploymentsTotal *prometheus.CounterVec
	liveRoutes       prometheus.Gauge

	dispatchTotal       *prometheus.CounterVec
	dispatchDuration    *prometheus.HistogramVec
	dispatchRateLimited *prometheus.CounterVec

	policyReloads *prometheus.CounterVec

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	registry *prometheus.Registry
}

// NewMetrics creates a metrics set on a private registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		deploymentsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "polis_deploy_operations_total",
				Help: "Deployment lifecycle operations by operation and outcome",
			},
			[]string{"operation", "outcome"},
		),

		liveRoutes: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "polis_deploy_live_routes",
				Help: "Number of handlers currently mounted",
			},
		),

		dispatchTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "polis_deploy_dispatch_requests_total",
				Help: "Requests dispatched to tenant handlers by status code",
			},
			[]string{"tenant", "status_code"},
		),

		dispatchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "polis_deploy_dispatch_duration_seconds",
				Help:    "Tenant handler latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"tenant"},
		),

		dispatchRateLimited: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "polis_deploy_dispatch_rate_limited_total",
				Help: "Requests refused by the per-route rate limiter",
			},
			[]string{"tenant"},
		),

		policyReloads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "polis_deploy_policy_reloads_total",
				Help: "Admission policy reload attempts by status",
			},
			[]string{"status"},
		),

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "polis_deploy_admin_requests_total",
				Help: "Admin API requests",
			},
			[]string{"method", "route", "status_code"},
		),

		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "polis_deploy_admin_request_duration_seconds",
				Help:    "Admin API request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),

		registry: registry,
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.deploymentsTotal,
		m.liveRoutes,
		m.dispatchTotal,
		m.dispatchDuration,
		m.dispatchRateLimited,
		m.policyReloads,
		m.httpRequestsTotal,
		m.httpRequestDuration,
	)

	return m
}

// RecordDeployment counts a lifecycle operation.
func (m *Metrics) RecordDeployment(operation, outcome string) {
	m.deploymentsTotal.WithLabelValues(operation, outcome).Inc()
}

// SetLiveRoutes sets the mounted handler gauge.
func (m *Metrics) SetLiveRoutes(n int) {
	m.liveRoutes.Set(float64(n))
}

// RecordDispatch records one request served by a tenant handler.
func (m *Metrics) RecordDispatch(tenant string, statusCode int, duration time.Duration) {
	m.dispatchTotal.WithLabelValues(tenant, strconv.Itoa(statusCode)).Inc()
	m.dispatchDuration.WithLabelValues(tenant).Observe(duration.Seconds())
}

// RecordRateLimited records a request refused by the limiter.
func (m *Metrics) RecordRateLimited(tenant string) {
	m.dispatchRateLimited.WithLabelValues(tenant).Inc()
}

// RecordPolicyReload records a policy reload attempt.
func (m *Metrics) RecordPolicyReload(err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.policyReloads.WithLabelValues(status).Inc()
}

// Handler returns the Prometheus metrics HTTP handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Middleware records admin request metrics. route maps a request to a bounded
// label value, usually the router's matched pattern.
func (m *Metrics) Middleware(route func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapped := &StatusRecorder{ResponseWriter: w, StatusCode: http.StatusOK}

			next.ServeHTTP(wrapped, r)

			label := "unknown"
			if route != nil {
				if matched := route(r); matched != "" {
					label = matched
				}
			}
			m.httpRequestsTotal.WithLabelValues(r.Method, label, strconv.Itoa(wrapped.StatusCode)).Inc()
			m.httpRequestDuration.WithLabelValues(r.Method, label).Observe(time.Since(start).Seconds())
		})
	}
}

// StatusRecorder wraps http.ResponseWriter to capture the status code.
type StatusRecorder struct {
	http.ResponseWriter
	StatusCode int
}

func (rw *StatusRecorder) WriteHeader(code int) {
	rw.StatusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *StatusRecorder) Flush() {
	if flusher, ok := rw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func (rw *StatusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if hijacker, ok := rw.ResponseWriter.(http.Hijacker); ok {
		return hijacker.Hijack()
	}
	return nil, nil, fmt.Errorf("underlying ResponseWriter does not support http.Hijacker")
}
