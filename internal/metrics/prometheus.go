// Package metrics provides a Prometheus metrics registry for the proxy.
//
// All metrics are scoped to a private registry (not the global default) so
// they don't interfere with host-level metrics when embedded in other
// applications. The /metrics HTTP handler is exposed via Handler().
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

// Registry holds all exported metrics.
type Registry struct {
	reg *prometheus.Registry

	// proxy_inflight_requests
	inFlight prometheus.Gauge

	// proxy_http_requests_total{route,status}
	httpRequestsTotal *prometheus.CounterVec

	// proxy_http_request_duration_seconds{route}
	httpDuration *prometheus.HistogramVec

	// proxy_upstream_attempts_total{provider,outcome}
	upstreamAttempts *prometheus.CounterVec

	// proxy_upstream_attempt_duration_seconds{provider,outcome}
	upstreamDuration *prometheus.HistogramVec

	// proxy_failover_events_total{from,to}
	failoverEvents *prometheus.CounterVec

	// proxy_failover_exhausted_total
	failoverExhausted prometheus.Counter

	// proxy_breaker_open{provider} — 1 while in cooldown
	breakerOpen *prometheus.GaugeVec

	// proxy_rectifier_retries_total{provider,rule}
	rectifierRetries *prometheus.CounterVec

	metricsHandler fasthttp.RequestHandler
}

func New() *Registry {
	reg := prometheus.NewRegistry()

	// Baseline runtime metrics even with a private registry.
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	r := &Registry{
		reg: reg,

		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "proxy_inflight_requests",
			Help: "Current number of in-flight HTTP requests handled by the proxy",
		}),

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "proxy_http_requests_total",
				Help: "Total number of HTTP requests handled by the proxy",
			},
			[]string{"route", "status"},
		),

		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "proxy_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds (end-to-end, includes all upstream attempts)",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
			},
			[]string{"route"},
		),

		upstreamAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "proxy_upstream_attempts_total",
				Help: "Upstream provider attempts by outcome (success, upstream_error, network_error)",
			},
			[]string{"provider", "outcome"},
		),

		upstreamDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "proxy_upstream_attempt_duration_seconds",
				Help:    "Duration of individual upstream attempts",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30},
			},
			[]string{"provider", "outcome"},
		),

		failoverEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "proxy_failover_events_total",
				Help: "Failover transitions from one upstream to the next",
			},
			[]string{"from", "to"},
		),

		failoverExhausted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "proxy_failover_exhausted_total",
			Help: "Requests for which every upstream failed",
		}),

		breakerOpen: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "proxy_breaker_open",
				Help: "1 while the provider's circuit breaker is in cooldown, 0 otherwise",
			},
			[]string{"provider"},
		),

		rectifierRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "proxy_rectifier_retries_total",
				Help: "Rectified request retries by rule",
			},
			[]string{"provider", "rule"},
		),
	}

	reg.MustRegister(
		r.inFlight,
		r.httpRequestsTotal,
		r.httpDuration,
		r.upstreamAttempts,
		r.upstreamDuration,
		r.failoverEvents,
		r.failoverExhausted,
		r.breakerOpen,
		r.rectifierRetries,
	)

	h := promhttp.HandlerFor(reg, promhttp.HandlerOpts{ErrorHandling: promhttp.ContinueOnError})
	r.metricsHandler = fasthttpadaptor.NewFastHTTPHandler(h)
	return r
}

func (r *Registry) IncInFlight() { r.inFlight.Inc() }
func (r *Registry) DecInFlight() { r.inFlight.Dec() }

// ObserveHTTP records one completed inbound request.
func (r *Registry) ObserveHTTP(route string, statusCode int, dur time.Duration) {
	status := strconv.Itoa(statusCode)
	r.httpRequestsTotal.WithLabelValues(route, status).Inc()
	r.httpDuration.WithLabelValues(route).Observe(dur.Seconds())
}

// ObserveUpstreamAttempt records one provider attempt.
func (r *Registry) ObserveUpstreamAttempt(provider, outcome string, dur time.Duration) {
	r.upstreamAttempts.WithLabelValues(provider, outcome).Inc()
	r.upstreamDuration.WithLabelValues(provider, outcome).Observe(dur.Seconds())
}

// RecordFailover records a transition from one upstream to the next.
func (r *Registry) RecordFailover(from, to string) {
	r.failoverEvents.WithLabelValues(from, to).Inc()
}

func (r *Registry) RecordFailoverExhausted() {
	r.failoverExhausted.Inc()
}

// SetBreakerOpen publishes the provider's breaker position.
func (r *Registry) SetBreakerOpen(provider string, open bool) {
	v := 0.0
	if open {
		v = 1.0
	}
	r.breakerOpen.WithLabelValues(provider).Set(v)
}

// RecordRectifierRetry counts one rectified retry against a provider.
func (r *Registry) RecordRectifierRetry(provider, rule string) {
	r.rectifierRetries.WithLabelValues(provider, rule).Inc()
}

// Handler returns the fasthttp handler serving the /metrics endpoint.
func (r *Registry) Handler() fasthttp.RequestHandler {
	return r.metricsHandler
}

// HTTPHandler returns a net/http handler for embedding.
func (r *Registry) HTTPHandler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{ErrorHandling: promhttp.ContinueOnError})
}

// PromRegistry exposes the underlying registry for custom collectors.
func (r *Registry) PromRegistry() *prometheus.Registry { return r.reg }
