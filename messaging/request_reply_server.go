package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrNoReplyTo is returned by SendResponse for requests without a reply topic
var ErrNoReplyTo = errors.New("messaging: request has no reply-to topic")

// RequestHandler handles a request received by a ResponseServer. Errors and
// panics are logged and never reach the transport.
type RequestHandler func(ctx context.Context, request *RequestNotification) error

type handlerEntry struct {
	id      uint64
	handler RequestHandler
}

// ResponseServer consumes requests published to its topic, notifies the
// registered handlers and publishes correlated responses.
type ResponseServer struct {
	holder         *ConsumerHolder
	bus            Bus
	exchange       string
	label          string
	logger         *slog.Logger
	metrics        MetricsCollector
	handlerTimeout time.Duration

	mu       sync.RWMutex
	handlers []handlerEntry
	nextID   uint64
}

// NewResponseServer creates a server consuming topic on exchange
func NewResponseServer(ctx context.Context, bus Bus, exchange, topic string, opts ...Option) (*ResponseServer, error) {
	cfg := newEndpointConfig(opts)

	s := &ResponseServer{
		bus:            bus,
		exchange:       exchange,
		label:          topic,
		logger:         cfg.logger.With("component", "response_server", "topic", topic),
		metrics:        cfg.metrics,
		handlerTimeout: cfg.handlerTimeout,
	}

	holder, err := newConsumerHolder(ctx, bus, exchange, topic, DeliveryHookFunc(s.handleDelivery), cfg,
		metricLabels{role: "response_server", target: topic})
	if err != nil {
		return nil, err
	}
	s.holder = holder

	return s, nil
}

// OnRequestReceived registers handler for incoming requests. Handlers run in
// registration order on the transport's delivery goroutine. The returned
// function removes the handler.
func (s *ResponseServer) OnRequestReceived(handler RequestHandler) (unregister func()) {
	if handler == nil {
		return func() {}
	}

	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.handlers = append(s.handlers, handlerEntry{id: id, handler: handler})
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.removeHandler(id)
		})
	}
}

// HandlerCount returns the number of registered handlers
func (s *ResponseServer) HandlerCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.handlers)
}

// SendResponse publishes payload to the requester's reply topic with the
// request's correlation id.
func (s *ResponseServer) SendResponse(ctx context.Context, request *RequestNotification, payload []byte) error {
	if request == nil {
		return fmt.Errorf("request notification cannot be nil")
	}
	if err := s.holder.EnsureActive(); err != nil {
		return err
	}
	if request.ReplyTo() == "" {
		return ErrNoReplyTo
	}

	props := Properties{CorrelationID: request.CorrelationID()}
	err := s.bus.Publish(ctx, s.exchange, request.ReplyTo(), props, payload)
	s.metrics.RecordResponse(s.label, err == nil)
	if err != nil {
		return fmt.Errorf("failed to send response to %s: %w", request.ReplyTo(), err)
	}

	// Deliveries are auto-acknowledged; nothing to settle.
	return nil
}

// Topic returns the routing key the server consumes
func (s *ResponseServer) Topic() string {
	return s.holder.Topic()
}

// EnsureActive reports whether the server can send responses
func (s *ResponseServer) EnsureActive() error {
	return s.holder.EnsureActive()
}

// Status returns the state of the server's consumer
func (s *ResponseServer) Status() HolderStatus {
	return s.holder.Status()
}

// Done is closed when the request consumer has stopped
func (s *ResponseServer) Done() <-chan struct{} {
	return s.holder.Done()
}

// Dispose cancels the request consumer
func (s *ResponseServer) Dispose() {
	s.holder.Dispose()
}

func (s *ResponseServer) removeHandler(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, entry := range s.handlers {
		if entry.id == id {
			s.handlers = append(s.handlers[:i:i], s.handlers[i+1:]...)
			return
		}
	}
}

func (s *ResponseServer) handleDelivery(delivery Delivery) {
	s.metrics.RecordRequestReceived(s.label)

	s.mu.RLock()
	handlers := make([]handlerEntry, len(s.handlers))
	copy(handlers, s.handlers)
	s.mu.RUnlock()

	if len(handlers) == 0 {
		s.logger.Debug("no request handler registered, dropping request",
			"correlationId", delivery.Properties.CorrelationID)
		return
	}

	props := delivery.Properties
	for _, entry := range handlers {
		s.invoke(entry.handler, NewRequestNotification(props.ReplyTo, props.CorrelationID, delivery.Body))
	}
}

func (s *ResponseServer) invoke(handler RequestHandler, request *RequestNotification) {
	defer func() {
		if r := recover(); r != nil {
			s.metrics.RecordHandlerFailure(s.label)
			s.logger.Warn("request handler panicked",
				"correlationId", request.CorrelationID(),
				"panic", r,
			)
		}
	}()

	ctx := context.Background()
	if s.handlerTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.handlerTimeout)
		defer cancel()
	}

	if err := handler(ctx, request); err != nil {
		s.metrics.RecordHandlerFailure(s.label)
		s.logger.Warn("request handler failed",
			"correlationId", request.CorrelationID(),
			"error", err,
		)
	}
}
