package rabbitmq

import (
	"context"
	"errors"
	"testing"
	"time"

	internal "github.com/glimte/mmate-rpc/internal/rabbitmq"
	"github.com/glimte/mmate-rpc/messaging"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockChannel struct {
	mock.Mock
}

var _ internal.Channel = (*mockChannel)(nil)

func (m *mockChannel) ExchangeDeclare(name, kind string, durable, autoDelete, isInternal, noWait bool, args amqp.Table) error {
	return m.Called(name, kind, durable, autoDelete, isInternal, noWait, args).Error(0)
}

func (m *mockChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	mockArgs := m.Called(name, durable, autoDelete, exclusive, noWait, args)
	return mockArgs.Get(0).(amqp.Queue), mockArgs.Error(1)
}

func (m *mockChannel) QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error {
	return m.Called(name, key, exchange, noWait, args).Error(0)
}

func (m *mockChannel) QueueDelete(name string, ifUnused, ifEmpty, noWait bool) (int, error) {
	mockArgs := m.Called(name, ifUnused, ifEmpty, noWait)
	return mockArgs.Int(0), mockArgs.Error(1)
}

func (m *mockChannel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	mockArgs := m.Called(queue, consumer, autoAck, exclusive, noLocal, noWait, args)
	if mockArgs.Get(0) == nil {
		return nil, mockArgs.Error(1)
	}
	return mockArgs.Get(0).(<-chan amqp.Delivery), mockArgs.Error(1)
}

func (m *mockChannel) Cancel(consumer string, noWait bool) error {
	return m.Called(consumer, noWait).Error(0)
}

func (m *mockChannel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	return m.Called(ctx, exchange, key, mandatory, immediate, msg).Error(0)
}

func (m *mockChannel) IsClosed() bool {
	return m.Called().Bool(0)
}

func (m *mockChannel) Close() error {
	return m.Called().Error(0)
}

func TestTransportTopology(t *testing.T) {
	ctx := context.Background()
	ch := &mockChannel{}
	ch.On("ExchangeDeclare", "rpc", "topic", true, false, false, false, amqp.Table(nil)).Return(nil)
	ch.On("QueueDeclare", "", true, true, true, false, amqp.Table(nil)).Return(amqp.Queue{Name: "amq.gen-1"}, nil)
	ch.On("QueueBind", "amq.gen-1", "topic-amq.gen-1", "rpc", false, amqp.Table(nil)).Return(nil)

	transport := NewTransportFromChannel(ch)

	require.NoError(t, transport.DeclareExchange(ctx, "rpc", messaging.ExchangeKindTopic, true))
	name, err := transport.DeclareQueue(ctx, "", messaging.QueueOptions{Durable: true, Exclusive: true, AutoDelete: true})
	require.NoError(t, err)
	assert.Equal(t, "amq.gen-1", name)
	require.NoError(t, transport.BindQueue(ctx, name, "rpc", "topic-"+name))

	ch.AssertExpectations(t)
}

func TestTransportWithConsumerHolder(t *testing.T) {
	ctx := context.Background()
	deliveries := make(chan amqp.Delivery, 1)

	ch := &mockChannel{}
	ch.On("ExchangeDeclare", "rpc", "topic", true, false, false, false, amqp.Table(nil)).Return(nil)
	ch.On("QueueDeclare", "", true, true, true, false, amqp.Table(nil)).Return(amqp.Queue{Name: "amq.gen-2"}, nil)
	ch.On("QueueBind", "amq.gen-2", "jobs", "rpc", false, amqp.Table(nil)).Return(nil)
	var tag string
	ch.On("Consume", "amq.gen-2", mock.AnythingOfType("string"), true, false, false, false, amqp.Table(nil)).
		Run(func(args mock.Arguments) { tag = args.String(1) }).
		Return((<-chan amqp.Delivery)(deliveries), nil)
	ch.On("IsClosed").Return(false)

	received := make(chan messaging.Delivery, 1)
	holder, err := messaging.NewConsumerHolder(ctx, NewTransportFromChannel(ch), "rpc", "jobs",
		messaging.DeliveryHookFunc(func(d messaging.Delivery) { received <- d }))
	require.NoError(t, err)
	require.True(t, holder.IsActive())

	// The holder only accepts deliveries carrying its own consumer tag
	deliveries <- amqp.Delivery{ConsumerTag: tag, CorrelationId: "c1", ReplyTo: "topic-x", Body: []byte("ping")}

	select {
	case d := <-received:
		assert.Equal(t, "c1", d.Properties.CorrelationID)
		assert.Equal(t, []byte("ping"), d.Body)
	case <-time.After(2 * time.Second):
		t.Fatal("delivery not dispatched")
	}

	// Broker-side cancel: stream closes while the channel stays open
	close(deliveries)

	select {
	case <-holder.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("holder did not observe the end of the stream")
	}

	err = holder.EnsureActive()
	var inactive *messaging.InactiveError
	require.ErrorAs(t, err, &inactive)
	assert.Equal(t, messaging.ReasonCancelled, inactive.Reason)
}

func TestTransportHolderSetupFailureDeletesQueue(t *testing.T) {
	ch := &mockChannel{}
	ch.On("ExchangeDeclare", "rpc", "topic", true, false, false, false, amqp.Table(nil)).Return(nil)
	ch.On("QueueDeclare", "", true, true, true, false, amqp.Table(nil)).Return(amqp.Queue{Name: "amq.gen-3"}, nil)
	ch.On("QueueBind", "amq.gen-3", "jobs", "rpc", false, amqp.Table(nil)).Return(nil)
	ch.On("Consume", "amq.gen-3", mock.AnythingOfType("string"), true, false, false, false, amqp.Table(nil)).
		Return((<-chan amqp.Delivery)(nil), &amqp.Error{Code: amqp.AccessRefused, Reason: "ACCESS_REFUSED"})
	ch.On("QueueDelete", "amq.gen-3", false, false, false).Return(0, nil)

	holder, err := messaging.NewConsumerHolder(context.Background(), NewTransportFromChannel(ch), "rpc", "jobs", nil)
	assert.Nil(t, holder)
	assert.ErrorIs(t, err, messaging.ErrConfiguration)
	ch.AssertCalled(t, "QueueDelete", "amq.gen-3", false, false, false)
}

func TestTransportPublish(t *testing.T) {
	ch := &mockChannel{}
	ch.On("PublishWithContext", mock.Anything, "rpc", "topic-reply", false, false,
		mock.MatchedBy(func(msg amqp.Publishing) bool {
			return msg.CorrelationId == "abc" && string(msg.Body) == "pong"
		})).Return(nil)

	err := NewTransportFromChannel(ch).Publish(context.Background(), "rpc", "topic-reply",
		messaging.Properties{CorrelationID: "abc"}, []byte("pong"))

	require.NoError(t, err)
	ch.AssertExpectations(t)
}

func TestTransportCancelSubscription(t *testing.T) {
	ch := &mockChannel{}
	ch.On("Cancel", "tag-1", false).Return(nil)
	ch.On("Cancel", "tag-2", false).Return(errors.New("channel closed"))

	transport := NewTransportFromChannel(ch)
	assert.NoError(t, transport.CancelSubscription(context.Background(), "tag-1"))

	var consumerErr *internal.ConsumerError
	assert.ErrorAs(t, transport.CancelSubscription(context.Background(), "tag-2"), &consumerErr)
}

func TestTransportClose(t *testing.T) {
	t.Run("closes an open channel", func(t *testing.T) {
		ch := &mockChannel{}
		ch.On("IsClosed").Return(false)
		ch.On("Close").Return(nil)

		transport := NewTransportFromChannel(ch)
		assert.True(t, transport.IsConnected())
		require.NoError(t, transport.Close())
		ch.AssertCalled(t, "Close")
	})

	t.Run("skips a closed channel", func(t *testing.T) {
		ch := &mockChannel{}
		ch.On("IsClosed").Return(true)

		transport := NewTransportFromChannel(ch)
		assert.False(t, transport.IsConnected())
		require.NoError(t, transport.Close())
		ch.AssertNotCalled(t, "Close")
	})

	t.Run("wraps close failure", func(t *testing.T) {
		ch := &mockChannel{}
		ch.On("IsClosed").Return(false)
		ch.On("Close").Return(amqp.ErrClosed)

		err := NewTransportFromChannel(ch).Close()
		assert.ErrorIs(t, err, amqp.ErrClosed)
	})
}
