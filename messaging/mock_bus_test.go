package messaging

import (
	"context"

	"github.com/stretchr/testify/mock"
)

// mockBus implements Bus for testing
type mockBus struct {
	mock.Mock
}

var _ Bus = (*mockBus)(nil)

func (m *mockBus) DeclareExchange(ctx context.Context, name, kind string, durable bool) error {
	return m.Called(ctx, name, kind, durable).Error(0)
}

func (m *mockBus) DeclareQueue(ctx context.Context, name string, options QueueOptions) (string, error) {
	args := m.Called(ctx, name, options)
	return args.String(0), args.Error(1)
}

func (m *mockBus) BindQueue(ctx context.Context, queue, exchange, routingKey string) error {
	return m.Called(ctx, queue, exchange, routingKey).Error(0)
}

func (m *mockBus) Subscribe(ctx context.Context, queue string, autoAck bool) (Subscription, error) {
	args := m.Called(ctx, queue, autoAck)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(Subscription), args.Error(1)
}

func (m *mockBus) Publish(ctx context.Context, exchange, routingKey string, props Properties, body []byte) error {
	return m.Called(ctx, exchange, routingKey, props, body).Error(0)
}

func (m *mockBus) CancelSubscription(ctx context.Context, consumerTag string) error {
	return m.Called(ctx, consumerTag).Error(0)
}

func (m *mockBus) DeleteQueue(ctx context.Context, name string) error {
	return m.Called(ctx, name).Error(0)
}

// fakeSubscription is a subscription whose event stream the test drives
type fakeSubscription struct {
	tag    string
	events chan Event
}

func newFakeSubscription(tag string) *fakeSubscription {
	return &fakeSubscription{tag: tag, events: make(chan Event, 16)}
}

func (s *fakeSubscription) Tag() string {
	return s.tag
}

func (s *fakeSubscription) Events() <-chan Event {
	return s.events
}

func (s *fakeSubscription) deliver(tag, correlationID string, body []byte) {
	s.events <- Event{
		Kind:        EventDelivery,
		ConsumerTag: tag,
		Delivery: Delivery{
			ConsumerTag: tag,
			Properties:  Properties{CorrelationID: correlationID},
			Body:        body,
		},
	}
}

// expectSetup registers the calls made while a holder sets up its consumer
func expectSetup(bus *mockBus, exchange, queue, topic string, sub Subscription) {
	bus.On("DeclareExchange", mock.Anything, exchange, ExchangeKindTopic, true).Return(nil)
	bus.On("DeclareQueue", mock.Anything, "", QueueOptions{Durable: true, Exclusive: true, AutoDelete: true}).Return(queue, nil)
	bus.On("BindQueue", mock.Anything, queue, exchange, topic).Return(nil)
	bus.On("Subscribe", mock.Anything, queue, true).Return(sub, nil)
}
