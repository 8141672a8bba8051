package rabbitmq

import (
	"context"
	"log/slog"
	"time"

	"github.com/glimte/mmate-rpc/messaging"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Publisher publishes messages on a channel without publisher confirms
type Publisher struct {
	ch           Channel
	contentType  string
	deliveryMode uint8
	logger       *slog.Logger
}

// PublisherOption configures the publisher
type PublisherOption func(*Publisher)

// WithContentType sets the content type of published messages
func WithContentType(contentType string) PublisherOption {
	return func(p *Publisher) {
		p.contentType = contentType
	}
}

// WithPersistentDelivery marks published messages as persistent
func WithPersistentDelivery() PublisherOption {
	return func(p *Publisher) {
		p.deliveryMode = amqp.Persistent
	}
}

// WithPublisherLogger sets the logger
func WithPublisherLogger(logger *slog.Logger) PublisherOption {
	return func(p *Publisher) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// NewPublisher creates a new publisher
func NewPublisher(ch Channel, options ...PublisherOption) *Publisher {
	p := &Publisher{
		ch:           ch,
		contentType:  "application/octet-stream",
		deliveryMode: amqp.Transient,
		logger:       slog.Default(),
	}

	for _, opt := range options {
		opt(p)
	}

	return p
}

// Publish publishes body to exchange with routingKey. The message is not
// mandatory; unroutable messages are dropped by the broker.
func (p *Publisher) Publish(ctx context.Context, exchange, routingKey string, props messaging.Properties, body []byte) error {
	msg := amqp.Publishing{
		ContentType:   p.contentType,
		DeliveryMode:  p.deliveryMode,
		ReplyTo:       props.ReplyTo,
		CorrelationId: props.CorrelationID,
		Timestamp:     time.Now(),
		Body:          body,
	}

	if err := p.ch.PublishWithContext(ctx, exchange, routingKey, false, false, msg); err != nil {
		return &PublishError{
			Exchange:   exchange,
			RoutingKey: routingKey,
			Err:        err,
			Timestamp:  time.Now(),
		}
	}

	p.logger.Debug("message published",
		"exchange", exchange,
		"routingKey", routingKey,
		"correlationId", props.CorrelationID,
		"size", len(body))

	return nil
}
