package rabbitmq

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/mmate-rpc/messaging"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Consumer starts AMQP consumers on a channel and converts their delivery
// streams into messaging events
type Consumer struct {
	ch        Channel
	tagPrefix string
	exclusive bool
	logger    *slog.Logger

	// Tags cancelled by the client. Their streams end without a final event.
	cancelled sync.Map
}

// ConsumerOption configures the consumer
type ConsumerOption func(*Consumer)

// WithConsumerTagPrefix sets the prefix of generated consumer tags
func WithConsumerTagPrefix(prefix string) ConsumerOption {
	return func(c *Consumer) {
		c.tagPrefix = prefix
	}
}

// WithExclusive sets exclusive consumer mode
func WithExclusive(exclusive bool) ConsumerOption {
	return func(c *Consumer) {
		c.exclusive = exclusive
	}
}

// WithConsumerLogger sets the logger
func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(c *Consumer) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewConsumer creates a new consumer
func NewConsumer(ch Channel, options ...ConsumerOption) *Consumer {
	c := &Consumer{
		ch:        ch,
		tagPrefix: "mmate-rpc-",
		logger:    slog.Default(),
	}

	for _, opt := range options {
		opt(c)
	}

	return c
}

// Subscription is a running AMQP consumer
type Subscription struct {
	tag    string
	queue  string
	events chan messaging.Event
}

// Tag implements messaging.Subscription
func (s *Subscription) Tag() string {
	return s.tag
}

// Events implements messaging.Subscription
func (s *Subscription) Events() <-chan messaging.Event {
	return s.events
}

// Queue returns the consumed queue
func (s *Subscription) Queue() string {
	return s.queue
}

// Subscribe starts consuming from queue
func (c *Consumer) Subscribe(ctx context.Context, queue string, autoAck bool) (*Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	tag := c.tagPrefix + uuid.NewString()
	deliveries, err := c.ch.Consume(
		queue,
		tag,
		autoAck,
		c.exclusive,
		false, // noLocal
		false, // noWait
		nil,
	)
	if err != nil {
		return nil, &ConsumerError{
			Queue:       queue,
			ConsumerTag: tag,
			Op:          "subscribe",
			Err:         err,
			Timestamp:   time.Now(),
		}
	}

	sub := &Subscription{
		tag:    tag,
		queue:  queue,
		events: make(chan messaging.Event),
	}

	go c.pump(sub, deliveries)

	c.logger.Info("subscribed to queue",
		"queue", queue,
		"consumerTag", tag,
		"autoAck", autoAck)

	return sub, nil
}

// Cancel stops the consumer with the given tag. Its event stream is closed
// without a final event.
func (c *Consumer) Cancel(ctx context.Context, consumerTag string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.cancelled.Store(consumerTag, struct{}{})
	if err := c.ch.Cancel(consumerTag, false); err != nil {
		c.cancelled.Delete(consumerTag)
		return &ConsumerError{
			ConsumerTag: consumerTag,
			Op:          "cancel",
			Err:         err,
			Timestamp:   time.Now(),
		}
	}
	return nil
}

// pump forwards deliveries until the library closes the delivery channel.
// The library marks the channel closed before it closes consumer streams, so
// a closed channel at that point means shutdown and an open one means the
// broker cancelled the consumer.
func (c *Consumer) pump(sub *Subscription, deliveries <-chan amqp.Delivery) {
	defer close(sub.events)

	for d := range deliveries {
		sub.events <- messaging.Event{
			Kind:        messaging.EventDelivery,
			ConsumerTag: sub.tag,
			Delivery:    toDelivery(sub.tag, d),
		}
	}

	if _, ok := c.cancelled.LoadAndDelete(sub.tag); ok {
		c.logger.Debug("consumer stopped", "queue", sub.queue, "consumerTag", sub.tag)
		return
	}

	if c.ch.IsClosed() {
		c.logger.Warn("consumer stopped by channel shutdown", "queue", sub.queue, "consumerTag", sub.tag)
		sub.events <- messaging.Event{
			Kind:        messaging.EventShutdown,
			ConsumerTag: sub.tag,
			Err:         ErrChannelClosed,
		}
		return
	}

	c.logger.Warn("consumer cancelled by broker", "queue", sub.queue, "consumerTag", sub.tag)
	sub.events <- messaging.Event{
		Kind:        messaging.EventCancelled,
		ConsumerTag: sub.tag,
	}
}

func toDelivery(tag string, d amqp.Delivery) messaging.Delivery {
	consumerTag := d.ConsumerTag
	if consumerTag == "" {
		consumerTag = tag
	}
	return messaging.Delivery{
		ConsumerTag: consumerTag,
		Properties: messaging.Properties{
			ReplyTo:       d.ReplyTo,
			CorrelationID: d.CorrelationId,
		},
		Body: d.Body,
	}
}
