package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/glimte/mmate-rpc/internal/rabbitmq"
	"github.com/glimte/mmate-rpc/messaging"
)

// Compile-time assertion that Transport implements messaging.Bus
var _ messaging.Bus = (*Transport)(nil)

// Transport implements messaging.Bus on a single AMQP channel. Request
// clients and response servers created on one transport share that channel.
type Transport struct {
	manager   *rabbitmq.ConnectionManager
	ch        rabbitmq.Channel
	topology  *rabbitmq.TopologyManager
	publisher *rabbitmq.Publisher
	consumer  *rabbitmq.Consumer
	logger    *slog.Logger
}

// TransportConfig holds configuration for the transport
type TransportConfig struct {
	ConnectionOptions []rabbitmq.ConnectionOption
	PublisherOptions  []rabbitmq.PublisherOption
	ConsumerOptions   []rabbitmq.ConsumerOption
	Logger            *slog.Logger
}

// TransportOption configures the transport
type TransportOption func(*TransportConfig)

// WithConnectionOptions sets connection options
func WithConnectionOptions(opts ...rabbitmq.ConnectionOption) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.ConnectionOptions = append(cfg.ConnectionOptions, opts...)
	}
}

// WithPublisherOptions sets publisher options
func WithPublisherOptions(opts ...rabbitmq.PublisherOption) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.PublisherOptions = append(cfg.PublisherOptions, opts...)
	}
}

// WithConsumerOptions sets consumer options
func WithConsumerOptions(opts ...rabbitmq.ConsumerOption) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.ConsumerOptions = append(cfg.ConsumerOptions, opts...)
	}
}

// WithLogger sets the logger of the transport and its components
func WithLogger(logger *slog.Logger) TransportOption {
	return func(cfg *TransportConfig) {
		if logger != nil {
			cfg.Logger = logger
		}
	}
}

func newConfig(options []TransportOption) *TransportConfig {
	cfg := &TransportConfig{Logger: slog.Default()}
	for _, opt := range options {
		opt(cfg)
	}
	return cfg
}

// NewTransport connects to the broker and opens the channel the transport runs on
func NewTransport(ctx context.Context, connectionString string, options ...TransportOption) (*Transport, error) {
	cfg := newConfig(options)

	connOpts := append([]rabbitmq.ConnectionOption{rabbitmq.WithLogger(cfg.Logger)}, cfg.ConnectionOptions...)
	manager := rabbitmq.NewConnectionManager(connectionString, connOpts...)

	if err := manager.Connect(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	ch, err := manager.Channel()
	if err != nil {
		manager.Close()
		return nil, err
	}

	t := newTransport(ch, cfg)
	t.manager = manager
	return t, nil
}

// NewTransportFromChannel creates a transport on an existing channel. The
// caller keeps ownership of the underlying connection.
func NewTransportFromChannel(ch rabbitmq.Channel, options ...TransportOption) *Transport {
	return newTransport(ch, newConfig(options))
}

func newTransport(ch rabbitmq.Channel, cfg *TransportConfig) *Transport {
	pubOpts := append([]rabbitmq.PublisherOption{rabbitmq.WithPublisherLogger(cfg.Logger)}, cfg.PublisherOptions...)
	conOpts := append([]rabbitmq.ConsumerOption{rabbitmq.WithConsumerLogger(cfg.Logger)}, cfg.ConsumerOptions...)

	return &Transport{
		ch:        ch,
		topology:  rabbitmq.NewTopologyManager(ch),
		publisher: rabbitmq.NewPublisher(ch, pubOpts...),
		consumer:  rabbitmq.NewConsumer(ch, conOpts...),
		logger:    cfg.Logger,
	}
}

// DeclareExchange implements messaging.Bus
func (t *Transport) DeclareExchange(ctx context.Context, name, kind string, durable bool) error {
	return t.topology.DeclareExchange(ctx, rabbitmq.ExchangeDeclaration{
		Name:    name,
		Type:    kind,
		Durable: durable,
	})
}

// DeclareQueue implements messaging.Bus
func (t *Transport) DeclareQueue(ctx context.Context, name string, options messaging.QueueOptions) (string, error) {
	return t.topology.DeclareQueue(ctx, rabbitmq.QueueDeclaration{
		Name:       name,
		Durable:    options.Durable,
		AutoDelete: options.AutoDelete,
		Exclusive:  options.Exclusive,
		Arguments:  options.Args,
	})
}

// BindQueue implements messaging.Bus
func (t *Transport) BindQueue(ctx context.Context, queue, exchange, routingKey string) error {
	return t.topology.BindQueue(ctx, rabbitmq.Binding{
		Queue:      queue,
		Exchange:   exchange,
		RoutingKey: routingKey,
	})
}

// Subscribe implements messaging.Bus
func (t *Transport) Subscribe(ctx context.Context, queue string, autoAck bool) (messaging.Subscription, error) {
	sub, err := t.consumer.Subscribe(ctx, queue, autoAck)
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// Publish implements messaging.Bus
func (t *Transport) Publish(ctx context.Context, exchange, routingKey string, props messaging.Properties, body []byte) error {
	return t.publisher.Publish(ctx, exchange, routingKey, props, body)
}

// CancelSubscription implements messaging.Bus
func (t *Transport) CancelSubscription(ctx context.Context, consumerTag string) error {
	return t.consumer.Cancel(ctx, consumerTag)
}

// DeleteQueue implements messaging.Bus
func (t *Transport) DeleteQueue(ctx context.Context, name string) error {
	return t.topology.DeleteQueue(ctx, name)
}

// IsConnected reports whether the channel is open and, for transports that
// own their connection, whether the connection is up
func (t *Transport) IsConnected() bool {
	if t.ch.IsClosed() {
		return false
	}
	return t.manager == nil || t.manager.IsConnected()
}

// Close closes the channel, and the connection when the transport owns it.
// Active consumers receive a shutdown event.
func (t *Transport) Close() error {
	var firstErr error
	if !t.ch.IsClosed() {
		if err := t.ch.Close(); err != nil {
			firstErr = fmt.Errorf("failed to close channel: %w", err)
		}
	}

	if t.manager != nil {
		if err := t.manager.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to close connection: %w", err)
		}
	}

	t.logger.Info("transport closed")
	return firstErr
}
