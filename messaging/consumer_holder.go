package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// cancelTimeout bounds the transport call made by Dispose
const cancelTimeout = 5 * time.Second

// DeliveryHook receives deliveries accepted by a ConsumerHolder
type DeliveryHook interface {
	HandleDelivery(delivery Delivery)
}

// DeliveryHookFunc is a function adapter for DeliveryHook
type DeliveryHookFunc func(delivery Delivery)

// HandleDelivery implements DeliveryHook
func (f DeliveryHookFunc) HandleDelivery(delivery Delivery) {
	f(delivery)
}

// HolderStatus is a point-in-time view of a ConsumerHolder
type HolderStatus struct {
	Exchange       string
	Topic          string
	Queue          string
	Active         bool
	Disposed       bool
	InactiveReason string
}

// ConsumerHolder owns one auto-acknowledging consumer on an exclusive,
// auto-deleting queue bound to a topic. It tracks whether the consumer is
// still active and forwards accepted deliveries to its hook.
//
// Once inactive, a holder never becomes active again.
type ConsumerHolder struct {
	bus      Bus
	exchange string
	topic    string
	queue    string
	hook     DeliveryHook
	logger   *slog.Logger
	metrics  MetricsCollector
	labels   metricLabels

	mu             sync.Mutex
	consumerTag    string
	inactiveReason string
	disposed       bool

	done chan struct{}
}

// NewConsumerHolder declares exchange as a durable topic exchange, declares a
// generated queue, binds it to topic and starts consuming it. If topic is
// empty, one is generated from the queue name.
//
// Any failure disposes the holder and is returned as a *ConfigurationError.
func NewConsumerHolder(ctx context.Context, bus Bus, exchange, topic string, hook DeliveryHook, opts ...Option) (*ConsumerHolder, error) {
	return newConsumerHolder(ctx, bus, exchange, topic, hook, newEndpointConfig(opts), metricLabels{role: "consumer", target: topic})
}

// metricLabels identify a holder to the metrics collector. Generated topics
// are never used as labels since every reply queue would add a series.
type metricLabels struct {
	role   string
	target string
}

func newConsumerHolder(ctx context.Context, bus Bus, exchange, topic string, hook DeliveryHook, cfg *endpointConfig, labels metricLabels) (*ConsumerHolder, error) {
	if bus == nil {
		return nil, ErrNilBus
	}
	if hook == nil {
		hook = DeliveryHookFunc(func(Delivery) {})
	}

	h := &ConsumerHolder{
		bus:            bus,
		exchange:       exchange,
		hook:           hook,
		logger:         cfg.logger,
		metrics:        cfg.metrics,
		labels:         labels,
		inactiveReason: ReasonNoConsumer,
		done:           make(chan struct{}),
	}

	sub, err := h.setup(ctx, topic)
	if err != nil {
		h.Dispose()
		if h.queue != "" {
			h.deleteQueue(h.queue)
		}
		close(h.done)
		return nil, err
	}

	h.mu.Lock()
	h.consumerTag = sub.Tag()
	h.mu.Unlock()

	go h.dispatch(sub.Events())

	h.logger.Info("consumer started",
		"exchange", h.exchange,
		"topic", h.topic,
		"queue", h.queue,
		"consumerTag", sub.Tag(),
	)

	return h, nil
}

func (h *ConsumerHolder) setup(ctx context.Context, topic string) (Subscription, error) {
	if err := h.bus.DeclareExchange(ctx, h.exchange, ExchangeKindTopic, true); err != nil {
		return nil, &ConfigurationError{Op: "declare exchange", Exchange: h.exchange, Err: err}
	}

	queue, err := h.bus.DeclareQueue(ctx, "", QueueOptions{
		Durable:    true,
		Exclusive:  true,
		AutoDelete: true,
	})
	if err != nil {
		return nil, &ConfigurationError{Op: "declare queue", Exchange: h.exchange, Err: err}
	}
	h.queue = queue

	if topic == "" {
		topic = "topic-" + queue
	}
	h.topic = topic

	if err := h.bus.BindQueue(ctx, queue, h.exchange, topic); err != nil {
		return nil, &ConfigurationError{Op: "bind queue", Exchange: h.exchange, Err: err}
	}

	sub, err := h.bus.Subscribe(ctx, queue, true)
	if err != nil {
		return nil, &ConfigurationError{Op: "subscribe", Exchange: h.exchange, Err: err}
	}
	if sub.Tag() == "" {
		// Without a tag the consumer cannot be cancelled. Keep its stream
		// drained until the queue deletion ends it.
		go func() {
			for range sub.Events() {
			}
		}()
		return nil, &ConfigurationError{Op: "subscribe", Exchange: h.exchange, Err: fmt.Errorf("transport returned an empty consumer tag")}
	}

	return sub, nil
}

// Topic returns the routing key the holder's queue is bound to
func (h *ConsumerHolder) Topic() string {
	return h.topic
}

// Exchange returns the exchange the holder's queue is bound to
func (h *ConsumerHolder) Exchange() string {
	return h.exchange
}

// EnsureActive returns ErrDisposed after Dispose, an *InactiveError when the
// consumer has been cancelled or shut down, and nil otherwise.
func (h *ConsumerHolder) EnsureActive() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.disposed {
		return ErrDisposed
	}
	if h.consumerTag == "" {
		return &InactiveError{Reason: h.inactiveReason}
	}
	return nil
}

// IsActive reports whether the consumer is active
func (h *ConsumerHolder) IsActive() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.consumerTag != ""
}

// InactiveReason returns why the consumer is inactive, or "" while it is active
func (h *ConsumerHolder) InactiveReason() string {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.consumerTag != "" {
		return ""
	}
	return h.inactiveReason
}

// Status returns the current holder state
func (h *ConsumerHolder) Status() HolderStatus {
	h.mu.Lock()
	defer h.mu.Unlock()

	status := HolderStatus{
		Exchange: h.exchange,
		Topic:    h.topic,
		Queue:    h.queue,
		Active:   h.consumerTag != "",
		Disposed: h.disposed,
	}
	if !status.Active {
		status.InactiveReason = h.inactiveReason
	}
	return status
}

// Done is closed when the transport has stopped delivering events to the holder
func (h *ConsumerHolder) Done() <-chan struct{} {
	return h.done
}

// Dispose cancels the consumer. It is safe to call concurrently and more
// than once; it never fails. Transport errors during cancellation are logged
// and dropped.
func (h *ConsumerHolder) Dispose() {
	h.mu.Lock()
	h.disposed = true
	tag := h.consumerTag
	if tag != "" {
		h.consumerTag = ""
		h.inactiveReason = ReasonDisposed
	}
	h.mu.Unlock()

	// Only the caller that took the tag cancels it.
	if tag == "" {
		return
	}

	h.cancelConsumer(tag)
	h.metrics.RecordInactive(h.labels.role, h.labels.target, ReasonDisposed)
	h.logger.Info("consumer disposed", "topic", h.topic, "consumerTag", tag)
}

func (h *ConsumerHolder) cancelConsumer(tag string) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Debug("consumer cancel panicked", "consumerTag", tag, "panic", r)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), cancelTimeout)
	defer cancel()

	if err := h.bus.CancelSubscription(ctx, tag); err != nil {
		h.logger.Debug("failed to cancel consumer", "consumerTag", tag, "error", err)
	}
}

// deleteQueue removes a queue left behind by a failed setup. Failures are
// logged; an exclusive queue still goes away with its connection.
func (h *ConsumerHolder) deleteQueue(queue string) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Debug("queue delete panicked", "queue", queue, "panic", r)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), cancelTimeout)
	defer cancel()

	if err := h.bus.DeleteQueue(ctx, queue); err != nil {
		h.logger.Debug("failed to delete queue", "queue", queue, "error", err)
	}
}

// dispatch drains the transport's event stream until the transport closes it
func (h *ConsumerHolder) dispatch(events <-chan Event) {
	defer close(h.done)

	for ev := range events {
		switch ev.Kind {
		case EventDelivery:
			if !h.accepts(ev.Delivery.ConsumerTag) {
				continue
			}
			// The hook runs unlocked; it may call back into the holder.
			h.hook.HandleDelivery(ev.Delivery)

		case EventCancelled:
			if h.markInactive(ev.ConsumerTag, false, ReasonCancelled) {
				h.logger.Warn("consumer cancelled by transport", "topic", h.topic, "consumerTag", ev.ConsumerTag)
			}

		case EventShutdown:
			if h.markInactive(ev.ConsumerTag, true, ReasonShutdown) {
				h.logger.Warn("consumer shut down", "topic", h.topic, "consumerTag", ev.ConsumerTag, "error", ev.Err)
			}
		}
	}
}

func (h *ConsumerHolder) accepts(tag string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return !h.disposed && h.consumerTag != "" && h.consumerTag == tag
}

// markInactive records reason if tag identifies the current consumer.
// An empty tag matches when anyTag is set.
func (h *ConsumerHolder) markInactive(tag string, anyTag bool, reason string) bool {
	h.mu.Lock()
	if h.consumerTag == "" || (h.consumerTag != tag && !(anyTag && tag == "")) {
		h.mu.Unlock()
		return false
	}
	h.consumerTag = ""
	h.inactiveReason = reason
	h.mu.Unlock()

	h.metrics.RecordInactive(h.labels.role, h.labels.target, reason)
	return true
}
