package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/glimte/mmate-rpc/messaging"
	"github.com/google/uuid"
)

var (
	ErrBusClosed            = errors.New("memory: bus is closed")
	ErrExchangeNotFound     = errors.New("memory: exchange not found")
	ErrExchangeMismatch     = errors.New("memory: exchange redeclared with different kind")
	ErrQueueNotFound        = errors.New("memory: queue not found")
	ErrQueueInUse           = errors.New("memory: queue already has a consumer")
	ErrConsumerNotFound     = errors.New("memory: consumer not found")
	ErrManualAckUnsupported = errors.New("memory: manual acknowledgement is not supported")
)

// Operation names a Bus method for failure injection
type Operation string

const (
	OpDeclareExchange    Operation = "declare_exchange"
	OpDeclareQueue       Operation = "declare_queue"
	OpBindQueue          Operation = "bind_queue"
	OpSubscribe          Operation = "subscribe"
	OpPublish            Operation = "publish"
	OpCancelSubscription Operation = "cancel_subscription"
	OpDeleteQueue        Operation = "delete_queue"
)

// Compile-time assertion that Bus implements messaging.Bus
var _ messaging.Bus = (*Bus)(nil)

// Bus is an in-process message bus with AMQP-like exchanges, queues and
// bindings. Every consumer is served by its own goroutine.
type Bus struct {
	mu        sync.Mutex
	exchanges map[string]*exchange
	queues    map[string]*queue
	consumers map[string]*consumer
	failures  map[Operation]error
	closed    bool
	logger    *slog.Logger
}

type exchange struct {
	name    string
	kind    string
	durable bool
}

type binding struct {
	exchange   string
	routingKey string
}

type queue struct {
	name     string
	options  messaging.QueueOptions
	bindings []binding
	consumer *consumer
	backlog  []messaging.Delivery
}

// Option configures the Bus
type Option func(*Bus)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bus) {
		b.logger = logger
	}
}

// NewBus creates an empty bus
func NewBus(opts ...Option) *Bus {
	b := &Bus{
		exchanges: make(map[string]*exchange),
		queues:    make(map[string]*queue),
		consumers: make(map[string]*consumer),
		failures:  make(map[Operation]error),
		logger:    slog.Default(),
	}

	for _, opt := range opts {
		opt(b)
	}

	return b
}

// FailOn makes every call of op return err until FailOn(op, nil) is called
func (b *Bus) FailOn(op Operation, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err == nil {
		delete(b.failures, op)
		return
	}
	b.failures[op] = err
}

// DeclareExchange implements messaging.Bus
func (b *Bus) DeclareExchange(ctx context.Context, name, kind string, durable bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.check(OpDeclareExchange); err != nil {
		return err
	}

	if existing, ok := b.exchanges[name]; ok {
		if existing.kind != kind {
			return fmt.Errorf("%w: %s is %s, not %s", ErrExchangeMismatch, name, existing.kind, kind)
		}
		return nil
	}

	b.exchanges[name] = &exchange{name: name, kind: kind, durable: durable}
	return nil
}

// DeclareQueue implements messaging.Bus. An empty name generates one.
func (b *Bus) DeclareQueue(ctx context.Context, name string, options messaging.QueueOptions) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.check(OpDeclareQueue); err != nil {
		return "", err
	}

	if name == "" {
		name = "amq.gen-" + uuid.NewString()
	}
	if _, ok := b.queues[name]; !ok {
		b.queues[name] = &queue{name: name, options: options}
	}

	return name, nil
}

// BindQueue implements messaging.Bus
func (b *Bus) BindQueue(ctx context.Context, queueName, exchangeName, routingKey string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.check(OpBindQueue); err != nil {
		return err
	}

	q, ok := b.queues[queueName]
	if !ok {
		return fmt.Errorf("%w: %s", ErrQueueNotFound, queueName)
	}
	if _, ok := b.exchanges[exchangeName]; !ok {
		return fmt.Errorf("%w: %s", ErrExchangeNotFound, exchangeName)
	}

	for _, existing := range q.bindings {
		if existing.exchange == exchangeName && existing.routingKey == routingKey {
			return nil
		}
	}
	q.bindings = append(q.bindings, binding{exchange: exchangeName, routingKey: routingKey})
	return nil
}

// Subscribe implements messaging.Bus. Only automatic acknowledgement is supported.
func (b *Bus) Subscribe(ctx context.Context, queueName string, autoAck bool) (messaging.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.check(OpSubscribe); err != nil {
		return nil, err
	}
	if !autoAck {
		return nil, ErrManualAckUnsupported
	}

	q, ok := b.queues[queueName]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrQueueNotFound, queueName)
	}
	if q.consumer != nil {
		return nil, fmt.Errorf("%w: %s", ErrQueueInUse, queueName)
	}

	c := newConsumer("amq.ctag-"+uuid.NewString(), q.name)
	q.consumer = c
	b.consumers[c.tag] = c

	for _, d := range q.backlog {
		d.ConsumerTag = c.tag
		c.push(d)
	}
	q.backlog = nil

	go c.run()

	b.logger.Debug("consumer registered", "queue", q.name, "consumerTag", c.tag)
	return c, nil
}

// Publish implements messaging.Bus. The empty exchange routes directly to
// the queue named by routingKey.
func (b *Bus) Publish(ctx context.Context, exchangeName, routingKey string, props messaging.Properties, body []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.check(OpPublish); err != nil {
		return err
	}

	if exchangeName == "" {
		if q, ok := b.queues[routingKey]; ok {
			b.enqueue(q, props, body)
		}
		return nil
	}

	ex, ok := b.exchanges[exchangeName]
	if !ok {
		return fmt.Errorf("%w: %s", ErrExchangeNotFound, exchangeName)
	}

	for _, q := range b.queues {
		for _, bnd := range q.bindings {
			if bnd.exchange == ex.name && routes(ex.kind, bnd.routingKey, routingKey) {
				b.enqueue(q, props, body)
				break
			}
		}
	}

	// Unroutable messages are dropped, as with a non-mandatory AMQP publish.
	return nil
}

// CancelSubscription implements messaging.Bus. Auto-delete queues are
// removed together with their consumer.
func (b *Bus) CancelSubscription(ctx context.Context, consumerTag string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.check(OpCancelSubscription); err != nil {
		return err
	}

	c, ok := b.consumers[consumerTag]
	if !ok {
		return fmt.Errorf("%w: %s", ErrConsumerNotFound, consumerTag)
	}

	b.removeConsumer(c)
	c.halt(nil)
	return nil
}

// CancelConsumer cancels a consumer from the broker side, the way a broker
// does when a queue is deleted. The consumer receives EventCancelled.
func (b *Bus) CancelConsumer(consumerTag string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.consumers[consumerTag]
	if !ok {
		return fmt.Errorf("%w: %s", ErrConsumerNotFound, consumerTag)
	}

	b.removeConsumer(c)
	c.halt(&messaging.Event{Kind: messaging.EventCancelled, ConsumerTag: c.tag})
	return nil
}

// DeleteQueue implements messaging.Bus. Its consumer is cancelled from the
// broker side and receives EventCancelled.
func (b *Bus) DeleteQueue(ctx context.Context, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.check(OpDeleteQueue); err != nil {
		return err
	}

	q, ok := b.queues[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrQueueNotFound, name)
	}

	if c := q.consumer; c != nil {
		delete(b.consumers, c.tag)
		c.halt(&messaging.Event{Kind: messaging.EventCancelled, ConsumerTag: c.tag})
	}
	delete(b.queues, name)
	return nil
}

// Close shuts the bus down. Every consumer receives EventShutdown.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true

	for tag, c := range b.consumers {
		c.halt(&messaging.Event{Kind: messaging.EventShutdown, ConsumerTag: tag, Err: ErrBusClosed})
		delete(b.consumers, tag)
	}
	b.queues = make(map[string]*queue)

	return nil
}

// ConsumerTags returns the tags of all active consumers
func (b *Bus) ConsumerTags() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	tags := make([]string, 0, len(b.consumers))
	for tag := range b.consumers {
		tags = append(tags, tag)
	}
	return tags
}

// QueueNames returns the names of all declared queues
func (b *Bus) QueueNames() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	names := make([]string, 0, len(b.queues))
	for name := range b.queues {
		names = append(names, name)
	}
	return names
}

// HasQueue reports whether a queue exists
func (b *Bus) HasQueue(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	_, ok := b.queues[name]
	return ok
}

// check must be called with b.mu held
func (b *Bus) check(op Operation) error {
	if b.closed {
		return ErrBusClosed
	}
	if err := b.failures[op]; err != nil {
		return err
	}
	return nil
}

// enqueue must be called with b.mu held
func (b *Bus) enqueue(q *queue, props messaging.Properties, body []byte) {
	d := messaging.Delivery{
		Properties: props,
		Body:       append([]byte(nil), body...),
	}

	if q.consumer == nil {
		q.backlog = append(q.backlog, d)
		return
	}

	d.ConsumerTag = q.consumer.tag
	q.consumer.push(d)
}

// removeConsumer must be called with b.mu held
func (b *Bus) removeConsumer(c *consumer) {
	delete(b.consumers, c.tag)

	q, ok := b.queues[c.queue]
	if !ok {
		return
	}
	q.consumer = nil
	if q.options.AutoDelete {
		delete(b.queues, q.name)
	}
}

func routes(kind, pattern, routingKey string) bool {
	switch kind {
	case "fanout":
		return true
	case messaging.ExchangeKindTopic:
		return topicMatch(strings.Split(pattern, "."), strings.Split(routingKey, "."))
	default:
		return pattern == routingKey
	}
}

// topicMatch matches dot-separated words; "*" matches one word and "#" zero or more
func topicMatch(pattern, key []string) bool {
	if len(pattern) == 0 {
		return len(key) == 0
	}

	switch pattern[0] {
	case "#":
		for i := 0; i <= len(key); i++ {
			if topicMatch(pattern[1:], key[i:]) {
				return true
			}
		}
		return false
	case "*":
		return len(key) > 0 && topicMatch(pattern[1:], key[1:])
	default:
		return len(key) > 0 && pattern[0] == key[0] && topicMatch(pattern[1:], key[1:])
	}
}
