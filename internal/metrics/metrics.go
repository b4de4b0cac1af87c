// Package metrics owns the Prometheus collectors exported by the service.
// All methods are safe to call on a nil *Metrics, which records nothing.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "billing"

type Metrics struct {
	registry *prometheus.Registry

	chargeAttempts *prometheus.CounterVec
	chargeAmount   *prometheus.CounterVec
	suspensions    prometheus.Counter
	keysRejected   prometheus.Counter
	taskRuns       *prometheus.CounterVec
	taskDuration   *prometheus.HistogramVec
	swept          *prometheus.CounterVec
	httpRequests   *prometheus.CounterVec
	httpDuration   *prometheus.HistogramVec
}

// New registers every collector on a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		chargeAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "charge_attempts_total",
			Help:      "Charge attempts by gateway and outcome (success, declined, transport, no_key).",
		}, []string{"gateway", "outcome"}),
		chargeAmount: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "charged_amount_krw_total",
			Help:      "Sum of approved charge amounts in KRW.",
		}, []string{"plan"}),
		suspensions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subscription_suspensions_total",
			Help:      "Subscriptions suspended after repeated charge failures.",
		}),
		keysRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "billing_keys_rejected_total",
			Help:      "Billing keys deactivated because the gateway no longer recognised them.",
		}),
		taskRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduler_runs_total",
			Help:      "Scheduled task executions by task and result (completed, failed, skipped).",
		}, []string{"task", "result"}),
		taskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "scheduler_run_duration_seconds",
			Help:      "Duration of scheduled task executions.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
		}, []string{"task"}),
		swept: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweeper_rows_total",
			Help:      "Rows changed by the expiry sweeper by kind.",
		}, []string{"kind"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, route and status code.",
		}, []string{"method", "route", "code"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
	}

	m.registry.MustRegister(
		m.chargeAttempts,
		m.chargeAmount,
		m.suspensions,
		m.keysRejected,
		m.taskRuns,
		m.taskDuration,
		m.swept,
		m.httpRequests,
		m.httpDuration,
		collectors.NewGoCollector(),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ChargeAttempt(gateway, outcome string) {
	if m == nil {
		return
	}
	m.chargeAttempts.WithLabelValues(gateway, outcome).Inc()
}

func (m *Metrics) Charged(plan string, amount int64) {
	if m == nil {
		return
	}
	m.chargeAmount.WithLabelValues(plan).Add(float64(amount))
}

func (m *Metrics) Suspended() {
	if m == nil {
		return
	}
	m.suspensions.Inc()
}

func (m *Metrics) KeyRejected() {
	if m == nil {
		return
	}
	m.keysRejected.Inc()
}

func (m *Metrics) TaskRun(task, result string, d time.Duration) {
	if m == nil {
		return
	}
	m.taskRuns.WithLabelValues(task, result).Inc()
	if result != "skipped" {
		m.taskDuration.WithLabelValues(task).Observe(d.Seconds())
	}
}

func (m *Metrics) Swept(kind string, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.swept.WithLabelValues(kind).Add(float64(n))
}

func (m *Metrics) HTTPRequest(method, route string, code int, d time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
	m.httpDuration.WithLabelValues(route).Observe(d.Seconds())
}
