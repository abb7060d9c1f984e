// Package metrics exports Prometheus metrics for the preflight pipeline.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector holds the pipeline metrics. A nil *Collector is valid and records nothing.
type Collector struct {
	preflightTotal    *prometheus.CounterVec
	preflightDuration *prometheus.HistogramVec
	checkTotal        *prometheus.CounterVec
	checkDuration     *prometheus.HistogramVec
	checkErrors       *prometheus.CounterVec
	abuseEvents       *prometheus.CounterVec
	breakerState      *prometheus.GaugeVec
	httpRequests      *prometheus.CounterVec
	httpDuration      *prometheus.HistogramVec
}

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)

	return &Collector{
		preflightTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gatekeeper_preflight_total",
				Help: "Preflight runs by outcome and result code",
			},
			[]string{"outcome", "code"},
		),
		preflightDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gatekeeper_preflight_duration_seconds",
				Help:    "Preflight run duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"outcome"},
		),
		checkTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gatekeeper_check_total",
				Help: "Check executions by check, tier and result code",
			},
			[]string{"check", "tier", "code"},
		),
		checkDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gatekeeper_check_duration_seconds",
				Help:    "Check execution duration in seconds",
				Buckets: []float64{.0005, .001, .005, .01, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"check"},
		),
		checkErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gatekeeper_check_errors_total",
				Help: "Internal check errors by check and applied policy",
			},
			[]string{"check", "policy"},
		),
		abuseEvents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gatekeeper_abuse_events_total",
				Help: "Abuse mitigation state transitions",
			},
			[]string{"event"},
		),
		breakerState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gatekeeper_circuit_breaker_state",
				Help: "Circuit breaker state (0 closed, 1 half-open, 2 open)",
			},
			[]string{"name"},
		),
		httpRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gatekeeper_http_requests_total",
				Help: "HTTP requests by route and status",
			},
			[]string{"method", "route", "status"},
		),
		httpDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gatekeeper_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
	}
}

// ObservePreflight records the outcome of a preflight run.
func (c *Collector) ObservePreflight(passed bool, code string, d time.Duration) {
	if c == nil {
		return
	}
	outcome := "passed"
	if !passed {
		outcome = "failed"
	}
	c.preflightTotal.WithLabelValues(outcome, code).Inc()
	c.preflightDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

// ObserveCheck records one check execution.
func (c *Collector) ObserveCheck(check string, tier int, code string, d time.Duration) {
	if c == nil {
		return
	}
	c.checkTotal.WithLabelValues(check, strconv.Itoa(tier), code).Inc()
	c.checkDuration.WithLabelValues(check).Observe(d.Seconds())
}

// IncCheckError records an internal check error handled by its failure policy.
func (c *Collector) IncCheckError(check, policy string) {
	if c == nil {
		return
	}
	c.checkErrors.WithLabelValues(check, policy).Inc()
}

// IncAbuseEvent records an abuse mitigation event (warning, timeout, deny, allow, clear).
func (c *Collector) IncAbuseEvent(event string) {
	if c == nil {
		return
	}
	c.abuseEvents.WithLabelValues(event).Inc()
}

// SetBreakerState records a circuit breaker state change.
func (c *Collector) SetBreakerState(name string, state int) {
	if c == nil {
		return
	}
	c.breakerState.WithLabelValues(name).Set(float64(state))
}

// ObserveHTTP records one HTTP request.
func (c *Collector) ObserveHTTP(method, route string, status int, d time.Duration) {
	if c == nil {
		return
	}
	c.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	c.httpDuration.WithLabelValues(method, route).Observe(d.Seconds())
}
