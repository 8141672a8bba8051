package messaging

import (
	"time"
)

// Request outcomes reported to MetricsCollector.RecordRequest
const (
	OutcomeSuccess  = "success"
	OutcomeTimeout  = "timeout"
	OutcomeFailed   = "failed"
	OutcomeRejected = "rejected"
)

// MetricsCollector collects request/response metrics
type MetricsCollector interface {
	// RecordRequest records a completed client request
	RecordRequest(target string, outcome string, duration time.Duration)

	// RecordDiscarded records a reply dropped because its correlation id did not match
	RecordDiscarded(target string)

	// RecordRequestReceived records a request surfaced to server handlers
	RecordRequestReceived(topic string)

	// RecordHandlerFailure records a handler that returned an error or panicked
	RecordHandlerFailure(topic string)

	// RecordResponse records a response publish
	RecordResponse(topic string, success bool)

	// RecordInactive records a consumer becoming inactive. role is
	// "request_client", "response_server" or "consumer"; target is the request
	// target or the configured server topic, never a generated reply topic.
	RecordInactive(role, target, reason string)
}

// NoOpMetricsCollector is a no-op implementation of MetricsCollector
type NoOpMetricsCollector struct{}

// RecordRequest does nothing
func (n *NoOpMetricsCollector) RecordRequest(target string, outcome string, duration time.Duration) {}

// RecordDiscarded does nothing
func (n *NoOpMetricsCollector) RecordDiscarded(target string) {}

// RecordRequestReceived does nothing
func (n *NoOpMetricsCollector) RecordRequestReceived(topic string) {}

// RecordHandlerFailure does nothing
func (n *NoOpMetricsCollector) RecordHandlerFailure(topic string) {}

// RecordResponse does nothing
func (n *NoOpMetricsCollector) RecordResponse(topic string, success bool) {}

// RecordInactive does nothing
func (n *NoOpMetricsCollector) RecordInactive(role, target, reason string) {}
