package messaging

import (
	"context"
)

// ExchangeKindTopic is the exchange kind used by request/response endpoints.
const ExchangeKindTopic = "topic"

// Bus is the message bus capability set consumed by request/response endpoints.
// Implementations must be safe for concurrent use.
type Bus interface {
	// DeclareExchange declares an exchange if it does not exist
	DeclareExchange(ctx context.Context, name, kind string, durable bool) error

	// DeclareQueue declares a queue. An empty name asks the transport to
	// generate one; the assigned name is returned.
	DeclareQueue(ctx context.Context, name string, options QueueOptions) (string, error)

	// BindQueue routes messages published to exchange with a matching routing key into queue
	BindQueue(ctx context.Context, queue, exchange, routingKey string) error

	// Subscribe starts consuming queue
	Subscribe(ctx context.Context, queue string, autoAck bool) (Subscription, error)

	// Publish sends body to exchange with the given routing key and properties
	Publish(ctx context.Context, exchange, routingKey string, props Properties, body []byte) error

	// CancelSubscription stops the consumer identified by consumerTag
	CancelSubscription(ctx context.Context, consumerTag string) error

	// DeleteQueue deletes a queue. A consumer still attached to it is
	// cancelled from the broker side.
	DeleteQueue(ctx context.Context, name string) error
}

// Subscription is an active consumption registration on a queue.
//
// Events delivers inbound messages and out-of-band consumer notifications.
// The transport closes the channel once the consumer has stopped. When the
// consumer stops for a reason other than CancelSubscription, a final
// EventCancelled or EventShutdown is sent before the channel is closed.
type Subscription interface {
	Tag() string
	Events() <-chan Event
}

// QueueOptions defines options for queue creation
type QueueOptions struct {
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	Args       map[string]interface{}
}

// Properties are the message properties used for request/response correlation
type Properties struct {
	ReplyTo       string
	CorrelationID string
}

// Delivery is a message handed over by the transport
type Delivery struct {
	ConsumerTag string
	Properties  Properties
	Body        []byte
}

// EventKind identifies the type of a subscription event
type EventKind int

const (
	// EventDelivery carries an inbound message
	EventDelivery EventKind = iota
	// EventCancelled reports that the transport cancelled the consumer
	EventCancelled
	// EventShutdown reports that the underlying channel or connection shut down
	EventShutdown
)

func (k EventKind) String() string {
	switch k {
	case EventDelivery:
		return "delivery"
	case EventCancelled:
		return "cancelled"
	case EventShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// Event is a single notification on a Subscription's event stream
type Event struct {
	Kind        EventKind
	ConsumerTag string
	Delivery    Delivery
	Err         error
}
