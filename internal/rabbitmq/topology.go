package rabbitmq

import (
	"context"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// TopologyManager declares exchanges and queues and binds them
type TopologyManager struct {
	ch Channel
}

// ExchangeDeclaration defines an exchange to be declared
type ExchangeDeclaration struct {
	Name       string
	Type       string
	Durable    bool
	AutoDelete bool
	Arguments  amqp.Table
}

// QueueDeclaration defines a queue to be declared. An empty name lets the
// broker generate one.
type QueueDeclaration struct {
	Name       string
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	Arguments  amqp.Table
}

// Binding defines a queue-to-exchange binding
type Binding struct {
	Queue      string
	Exchange   string
	RoutingKey string
	Arguments  amqp.Table
}

// NewTopologyManager creates a new topology manager
func NewTopologyManager(ch Channel) *TopologyManager {
	return &TopologyManager{
		ch: ch,
	}
}

// DeclareExchange declares an exchange
func (tm *TopologyManager) DeclareExchange(ctx context.Context, exchange ExchangeDeclaration) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	err := tm.ch.ExchangeDeclare(
		exchange.Name,
		exchange.Type,
		exchange.Durable,
		exchange.AutoDelete,
		false, // internal
		false, // noWait
		exchange.Arguments,
	)
	if err != nil {
		return &TopologyError{
			Component: "exchange",
			Name:      exchange.Name,
			Op:        "declare",
			Err:       err,
			Timestamp: time.Now(),
		}
	}
	return nil
}

// DeclareQueue declares a queue and returns its name
func (tm *TopologyManager) DeclareQueue(ctx context.Context, queue QueueDeclaration) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	q, err := tm.ch.QueueDeclare(
		queue.Name,
		queue.Durable,
		queue.AutoDelete,
		queue.Exclusive,
		false, // noWait
		queue.Arguments,
	)
	if err != nil {
		return "", &TopologyError{
			Component: "queue",
			Name:      queue.Name,
			Op:        "declare",
			Err:       err,
			Timestamp: time.Now(),
		}
	}
	return q.Name, nil
}

// BindQueue binds a queue to an exchange
func (tm *TopologyManager) BindQueue(ctx context.Context, binding Binding) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	err := tm.ch.QueueBind(
		binding.Queue,
		binding.RoutingKey,
		binding.Exchange,
		false, // noWait
		binding.Arguments,
	)
	if err != nil {
		return &TopologyError{
			Component: "binding",
			Name:      binding.Queue + "->" + binding.Exchange,
			Op:        "create",
			Err:       err,
			Timestamp: time.Now(),
		}
	}
	return nil
}

// DeleteQueue deletes a queue regardless of consumers and pending messages
func (tm *TopologyManager) DeleteQueue(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if _, err := tm.ch.QueueDelete(name, false, false, false); err != nil {
		return &TopologyError{
			Component: "queue",
			Name:      name,
			Op:        "delete",
			Err:       err,
			Timestamp: time.Now(),
		}
	}
	return nil
}
