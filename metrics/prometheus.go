// Package metrics provides a Prometheus implementation of
// messaging.MetricsCollector.
package metrics

import (
	"sync"
	"time"

	"github.com/glimte/mmate-rpc/messaging"
	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusCollector implements messaging.MetricsCollector backed by Prometheus.
// Collectors are registered lazily on first use.
type PrometheusCollector struct {
	reg       prometheus.Registerer
	namespace string
	once      sync.Once

	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	discarded       *prometheus.CounterVec
	received        *prometheus.CounterVec
	handlerFailures *prometheus.CounterVec
	responses       *prometheus.CounterVec
	inactiveHolders *prometheus.CounterVec
}

// Compile-time assertion that PrometheusCollector implements MetricsCollector.
var _ messaging.MetricsCollector = (*PrometheusCollector)(nil)

// NewPrometheus creates a new Prometheus-backed metrics collector.
//
// Parameters:
//   - reg: Prometheus registerer interface (uses prometheus.DefaultRegisterer if nil)
//   - namespace: Prometheus metrics namespace (defaults to "mmate" if empty)
func NewPrometheus(reg prometheus.Registerer, namespace string) *PrometheusCollector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if namespace == "" {
		namespace = "mmate"
	}

	return &PrometheusCollector{reg: reg, namespace: namespace}
}

func (p *PrometheusCollector) ensureRegistered() {
	p.once.Do(func() {
		p.requests = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "request_client",
			Name:      "requests_total",
			Help:      "Total requests by target routing key and outcome (success,timeout,failed,rejected).",
		}, []string{"target", "outcome"})

		p.requestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: p.namespace,
			Subsystem: "request_client",
			Name:      "request_duration_seconds",
			Help:      "Time from publishing a request until its reply, timeout or failure.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2.5, 10), // 1ms .. ~3.8s
		}, []string{"target"})

		p.discarded = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "request_client",
			Name:      "discarded_replies_total",
			Help:      "Replies dropped because their correlation id matched no pending request.",
		}, []string{"target"})

		p.received = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "response_server",
			Name:      "requests_received_total",
			Help:      "Total requests received by server topic.",
		}, []string{"topic"})

		p.handlerFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "response_server",
			Name:      "handler_failures_total",
			Help:      "Request handlers that returned an error or panicked.",
		}, []string{"topic"})

		p.responses = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "response_server",
			Name:      "responses_total",
			Help:      "Total responses sent by result (success,failure).",
		}, []string{"topic", "result"})

		p.inactiveHolders = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "consumer",
			Name:      "inactive_total",
			Help:      "Consumers that became inactive, by endpoint role, target and reason.",
		}, []string{"role", "target", "reason"})

		p.reg.MustRegister(p.requests)
		p.reg.MustRegister(p.requestDuration)
		p.reg.MustRegister(p.discarded)
		p.reg.MustRegister(p.received)
		p.reg.MustRegister(p.handlerFailures)
		p.reg.MustRegister(p.responses)
		p.reg.MustRegister(p.inactiveHolders)
	})
}

// RecordRequest implements messaging.MetricsCollector
func (p *PrometheusCollector) RecordRequest(target, outcome string, d time.Duration) {
	p.ensureRegistered()
	p.requests.WithLabelValues(target, outcome).Inc()
	if outcome != messaging.OutcomeRejected {
		p.requestDuration.WithLabelValues(target).Observe(d.Seconds())
	}
}

// RecordDiscarded implements messaging.MetricsCollector
func (p *PrometheusCollector) RecordDiscarded(target string) {
	p.ensureRegistered()
	p.discarded.WithLabelValues(target).Inc()
}

// RecordRequestReceived implements messaging.MetricsCollector
func (p *PrometheusCollector) RecordRequestReceived(topic string) {
	p.ensureRegistered()
	p.received.WithLabelValues(topic).Inc()
}

// RecordHandlerFailure implements messaging.MetricsCollector
func (p *PrometheusCollector) RecordHandlerFailure(topic string) {
	p.ensureRegistered()
	p.handlerFailures.WithLabelValues(topic).Inc()
}

// RecordResponse implements messaging.MetricsCollector
func (p *PrometheusCollector) RecordResponse(topic string, success bool) {
	p.ensureRegistered()
	result := "success"
	if !success {
		result = "failure"
	}
	p.responses.WithLabelValues(topic, result).Inc()
}

// RecordInactive implements messaging.MetricsCollector
func (p *PrometheusCollector) RecordInactive(role, target, reason string) {
	p.ensureRegistered()
	p.inactiveHolders.WithLabelValues(role, target, reason).Inc()
}
