// Package metrics provides Prometheus instrumentation for the flagport
// server.
//
// All metrics are registered in a custom [prometheus.Registry] (not the global
// default) so that only flagport metrics appear on the /metrics endpoint.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors used by the flagport server.
type Metrics struct {
	Registry *prometheus.Registry

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	EvaluationsTotal    *prometheus.CounterVec
	ExposuresTotal      prometheus.Counter
	AuthFailuresTotal   prometheus.Counter
	RateLimitedTotal    prometheus.Counter
}

// New creates and registers all flagport metrics in a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flagport_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "route", "status"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "flagport_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),

		EvaluationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flagport_flag_evaluations_total",
			Help: "Total number of flag evaluations.",
		}, []string{"result"}),

		ExposuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flagport_exposures_recorded_total",
			Help: "Total number of exposure events recorded.",
		}),

		AuthFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flagport_auth_failures_total",
			Help: "Total number of failed authentication attempts.",
		}),

		RateLimitedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flagport_rate_limited_requests_total",
			Help: "Total number of requests rejected by the rate limiter.",
		}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.EvaluationsTotal,
		m.ExposuresTotal,
		m.AuthFailuresTotal,
		m.RateLimitedTotal,
	)

	return m
}

// Handler returns an [http.Handler] that serves Prometheus metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// Middleware records request count and latency per chi route pattern. It must
// be mounted inside the chi router so the route pattern is resolved.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		wrapped := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		status := strconv.Itoa(wrapped.status)
		m.HTTPRequestsTotal.WithLabelValues(r.Method, route, status).Inc()
		m.HTTPRequestDuration.WithLabelValues(r.Method, route, status).Observe(duration.Seconds())
	})
}

// RecordEvaluation increments the evaluation counter with the given result.
func (m *Metrics) RecordEvaluation(result bool) {
	m.EvaluationsTotal.WithLabelValues(strconv.FormatBool(result)).Inc()
}

// IncExposures increments the recorded exposure counter.
func (m *Metrics) IncExposures() {
	m.ExposuresTotal.Inc()
}

// IncAuthFailures increments the authentication failure counter.
func (m *Metrics) IncAuthFailures() {
	m.AuthFailuresTotal.Inc()
}

// IncRateLimited increments the rate limited request counter.
func (m *Metrics) IncRateLimited() {
	m.RateLimitedTotal.Inc()
}

type statusRecorder struct {
	http.ResponseWriter
	status  int
	written bool
}

func (sr *statusRecorder) WriteHeader(code int) {
	if !sr.written {
		sr.status = code
		sr.written = true
	}
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if !sr.written {
		sr.status = http.StatusOK
		sr.written = true
	}
	return sr.ResponseWriter.Write(b)
}

func (sr *statusRecorder) Unwrap() http.ResponseWriter {
	return sr.ResponseWriter
}
