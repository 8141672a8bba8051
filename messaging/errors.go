package messaging

import (
	"errors"
	"fmt"
)

var (
	// ErrConfiguration matches every *ConfigurationError
	ErrConfiguration = errors.New("messaging: configuration failed")

	// ErrDisposed is returned by operations attempted after Dispose
	ErrDisposed = errors.New("messaging: object has been disposed")

	// ErrInactive matches every *InactiveError
	ErrInactive = errors.New("messaging: consumer is inactive")

	// ErrRequestTimeout is returned when no matching reply arrives in time
	ErrRequestTimeout = errors.New("messaging: request timed out")

	// ErrRequestInProgress is returned when a client already has an outstanding request
	ErrRequestInProgress = errors.New("messaging: a request is already in progress")

	// ErrInvalidTimeout is returned for non-positive request timeouts
	ErrInvalidTimeout = errors.New("messaging: timeout must be positive")

	// ErrNilBus is returned when an endpoint is created without a bus
	ErrNilBus = errors.New("messaging: bus cannot be nil")
)

// Reasons reported by InactiveError
const (
	ReasonNoConsumer = "no consumer created successfully"
	ReasonCancelled  = "cancelled by transport"
	ReasonShutdown   = "shutdown"
	ReasonDisposed   = "disposed"
)

// ConfigurationError reports a failure while setting up the consumer topology.
// The endpoint that returned it is unusable.
type ConfigurationError struct {
	Op       string // declare exchange, declare queue, bind queue or subscribe
	Exchange string
	Err      error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("messaging: failed to init consumer on exchange %q: %s: %v", e.Exchange, e.Op, e.Err)
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

func (e *ConfigurationError) Is(target error) bool {
	return target == ErrConfiguration
}

// InactiveError is returned when the consumer is no longer active
type InactiveError struct {
	Reason string
}

func (e *InactiveError) Error() string {
	return "messaging: the object is unusable, reason: " + e.Reason
}

func (e *InactiveError) Is(target error) bool {
	return target == ErrInactive
}
