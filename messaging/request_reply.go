package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// RequestResult is the outcome of an asynchronous request
type RequestResult struct {
	Payload []byte
	Err     error
}

// RequestClient sends requests to a target routing key and waits for the
// correlated reply on its own generated reply topic.
//
// A client serves one request at a time. Issue concurrent requests from
// separate clients, each of which owns its own reply queue.
type RequestClient struct {
	holder   *ConsumerHolder
	bus      Bus
	exchange string
	target   string
	logger   *slog.Logger
	metrics  MetricsCollector

	mu            sync.Mutex
	correlationID string
	replies       chan []byte
}

// NewRequestClient creates a client that sends requests to target on exchange
func NewRequestClient(ctx context.Context, bus Bus, exchange, target string, opts ...Option) (*RequestClient, error) {
	cfg := newEndpointConfig(opts)

	c := &RequestClient{
		bus:      bus,
		exchange: exchange,
		target:   target,
		logger:   cfg.logger.With("component", "request_client", "target", target),
		metrics:  cfg.metrics,
		replies:  make(chan []byte, 1),
	}

	holder, err := newConsumerHolder(ctx, bus, exchange, "", DeliveryHookFunc(c.handleDelivery), cfg,
		metricLabels{role: "request_client", target: target})
	if err != nil {
		return nil, err
	}
	c.holder = holder

	return c, nil
}

// Request publishes payload to the target and blocks until the correlated
// reply arrives, timeout elapses or ctx is done. A late reply to a timed out
// request is discarded.
func (c *RequestClient) Request(ctx context.Context, payload []byte, timeout time.Duration) ([]byte, error) {
	if timeout <= 0 {
		return nil, ErrInvalidTimeout
	}
	if err := c.holder.EnsureActive(); err != nil {
		return nil, err
	}

	start := time.Now()

	correlationID, err := c.beginRequest()
	if err != nil {
		c.metrics.RecordRequest(c.target, OutcomeRejected, 0)
		return nil, err
	}
	defer c.endRequest()

	props := Properties{
		ReplyTo:       c.holder.Topic(),
		CorrelationID: correlationID,
	}
	if err := c.bus.Publish(ctx, c.exchange, c.target, props, payload); err != nil {
		c.metrics.RecordRequest(c.target, OutcomeFailed, time.Since(start))
		return nil, fmt.Errorf("failed to send request: %w", err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case reply := <-c.replies:
		c.metrics.RecordRequest(c.target, OutcomeSuccess, time.Since(start))
		return reply, nil

	case <-timer.C:
		c.metrics.RecordRequest(c.target, OutcomeTimeout, time.Since(start))
		c.logger.Debug("request timed out", "correlationId", correlationID, "timeout", timeout)
		return nil, fmt.Errorf("%w after %v", ErrRequestTimeout, timeout)

	case <-ctx.Done():
		c.metrics.RecordRequest(c.target, OutcomeFailed, time.Since(start))
		return nil, ctx.Err()
	}
}

// RequestAsync runs Request on its own goroutine. The returned channel
// receives exactly one result and is then closed.
func (c *RequestClient) RequestAsync(ctx context.Context, payload []byte, timeout time.Duration) <-chan RequestResult {
	results := make(chan RequestResult, 1)

	if err := c.holder.EnsureActive(); err != nil {
		results <- RequestResult{Err: err}
		close(results)
		return results
	}

	go func() {
		defer close(results)
		reply, err := c.Request(ctx, payload, timeout)
		results <- RequestResult{Payload: reply, Err: err}
	}()

	return results
}

// ReplyTopic returns the topic replies are expected on
func (c *RequestClient) ReplyTopic() string {
	return c.holder.Topic()
}

// Target returns the routing key requests are sent to
func (c *RequestClient) Target() string {
	return c.target
}

// EnsureActive reports whether the client can send requests
func (c *RequestClient) EnsureActive() error {
	return c.holder.EnsureActive()
}

// Status returns the state of the client's reply consumer
func (c *RequestClient) Status() HolderStatus {
	return c.holder.Status()
}

// Done is closed when the reply consumer has stopped
func (c *RequestClient) Done() <-chan struct{} {
	return c.holder.Done()
}

// Dispose cancels the reply consumer. A request that is waiting is not
// woken; it ends when its timeout elapses.
func (c *RequestClient) Dispose() {
	c.holder.Dispose()
}

func (c *RequestClient) beginRequest() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.correlationID != "" {
		return "", ErrRequestInProgress
	}

	// A reply matched just before the previous request gave up may still be buffered.
	select {
	case <-c.replies:
	default:
	}

	c.correlationID = uuid.NewString()
	return c.correlationID, nil
}

func (c *RequestClient) endRequest() {
	c.mu.Lock()
	c.correlationID = ""
	c.mu.Unlock()
}

func (c *RequestClient) handleDelivery(delivery Delivery) {
	c.mu.Lock()
	defer c.mu.Unlock()

	correlationID := delivery.Properties.CorrelationID
	if c.correlationID == "" || correlationID != c.correlationID {
		c.metrics.RecordDiscarded(c.target)
		c.logger.Debug("discarding reply with unexpected correlation id",
			"correlationId", correlationID,
			"pending", c.correlationID,
		)
		return
	}

	select {
	case c.replies <- delivery.Body:
	default:
		// duplicate reply for the same request
	}
}
