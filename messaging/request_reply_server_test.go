package messaging_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/glimte/mmate-rpc/messaging"
	"github.com/glimte/mmate-rpc/transports/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingMetrics struct {
	messaging.NoOpMetricsCollector
	received  atomic.Int32
	failures  atomic.Int32
	responses atomic.Int32
}

func (m *countingMetrics) RecordRequestReceived(string) { m.received.Add(1) }
func (m *countingMetrics) RecordHandlerFailure(string)  { m.failures.Add(1) }
func (m *countingMetrics) RecordResponse(string, bool)  { m.responses.Add(1) }

func TestResponseServerHandlers(t *testing.T) {
	t.Run("handler errors and panics do not stop the server", func(t *testing.T) {
		bus := newBus(t)
		metrics := &countingMetrics{}

		server, err := messaging.NewResponseServer(context.Background(), bus, exchange, "jobs",
			messaging.WithMetrics(metrics))
		require.NoError(t, err)
		t.Cleanup(server.Dispose)

		server.OnRequestReceived(func(ctx context.Context, req *messaging.RequestNotification) error {
			return errors.New("handler failed")
		})
		server.OnRequestReceived(func(ctx context.Context, req *messaging.RequestNotification) error {
			panic("handler exploded")
		})
		server.OnRequestReceived(func(ctx context.Context, req *messaging.RequestNotification) error {
			return server.SendResponse(ctx, req, []byte("still here"))
		})
		assert.Equal(t, 3, server.HandlerCount())

		client := newClient(t, bus, "jobs")
		for i := 0; i < 2; i++ {
			reply, err := client.Request(context.Background(), []byte("x"), time.Second)
			require.NoError(t, err)
			assert.Equal(t, "still here", string(reply))
		}

		// the response is recorded after the reply may already have arrived
		assert.Eventually(t, func() bool { return metrics.responses.Load() == 2 }, time.Second, 5*time.Millisecond)
		assert.Equal(t, int32(4), metrics.failures.Load())
		assert.Equal(t, int32(2), metrics.received.Load())
		assert.NoError(t, server.EnsureActive())
	})

	t.Run("notification carries request properties", func(t *testing.T) {
		bus := newBus(t)
		server, err := messaging.NewResponseServer(context.Background(), bus, exchange, "jobs")
		require.NoError(t, err)
		t.Cleanup(server.Dispose)

		got := make(chan *messaging.RequestNotification, 1)
		server.OnRequestReceived(func(ctx context.Context, req *messaging.RequestNotification) error {
			got <- req
			return nil
		})

		payload := []byte("payload-1")
		err = bus.Publish(context.Background(), exchange, "jobs",
			messaging.Properties{ReplyTo: "topic-caller", CorrelationID: "corr-9"}, payload)
		require.NoError(t, err)

		select {
		case req := <-got:
			assert.Equal(t, "topic-caller", req.ReplyTo())
			assert.Equal(t, "corr-9", req.CorrelationID())
			assert.Equal(t, []byte("payload-1"), req.Payload())
			assert.False(t, req.ReceivedAt().IsZero())
		case <-time.After(time.Second):
			t.Fatal("request not received")
		}
	})

	t.Run("unregistered handlers are not called", func(t *testing.T) {
		bus := newBus(t)
		server, err := messaging.NewResponseServer(context.Background(), bus, exchange, "jobs")
		require.NoError(t, err)
		t.Cleanup(server.Dispose)

		var removedCalls atomic.Int32
		unregister := server.OnRequestReceived(func(ctx context.Context, req *messaging.RequestNotification) error {
			removedCalls.Add(1)
			return nil
		})
		server.OnRequestReceived(func(ctx context.Context, req *messaging.RequestNotification) error {
			return server.SendResponse(ctx, req, []byte("ok"))
		})

		unregister()
		unregister()
		assert.Equal(t, 1, server.HandlerCount())

		_, err = newClient(t, bus, "jobs").Request(context.Background(), []byte("x"), time.Second)
		require.NoError(t, err)
		assert.Zero(t, removedCalls.Load())
	})

	t.Run("nil handler", func(t *testing.T) {
		bus := newBus(t)
		server, err := messaging.NewResponseServer(context.Background(), bus, exchange, "jobs")
		require.NoError(t, err)
		t.Cleanup(server.Dispose)

		unregister := server.OnRequestReceived(nil)
		assert.NotPanics(t, unregister)
		assert.Zero(t, server.HandlerCount())
	})

	t.Run("handler timeout bounds the context", func(t *testing.T) {
		bus := newBus(t)
		server, err := messaging.NewResponseServer(context.Background(), bus, exchange, "jobs",
			messaging.WithHandlerTimeout(30*time.Millisecond))
		require.NoError(t, err)
		t.Cleanup(server.Dispose)

		server.OnRequestReceived(func(ctx context.Context, req *messaging.RequestNotification) error {
			<-ctx.Done()
			return server.SendResponse(context.Background(), req, []byte(ctx.Err().Error()))
		})

		reply, err := newClient(t, bus, "jobs").Request(context.Background(), []byte("x"), time.Second)
		require.NoError(t, err)
		assert.Equal(t, context.DeadlineExceeded.Error(), string(reply))
	})
}

func TestSendResponse(t *testing.T) {
	ctx := context.Background()

	t.Run("nil request", func(t *testing.T) {
		server, err := messaging.NewResponseServer(ctx, newBus(t), exchange, "jobs")
		require.NoError(t, err)
		t.Cleanup(server.Dispose)

		assert.Error(t, server.SendResponse(ctx, nil, []byte("x")))
	})

	t.Run("missing reply-to", func(t *testing.T) {
		server, err := messaging.NewResponseServer(ctx, newBus(t), exchange, "jobs")
		require.NoError(t, err)
		t.Cleanup(server.Dispose)

		req := messaging.NewRequestNotification("", "corr", nil)
		assert.ErrorIs(t, server.SendResponse(ctx, req, []byte("x")), messaging.ErrNoReplyTo)
	})

	t.Run("after dispose", func(t *testing.T) {
		server, err := messaging.NewResponseServer(ctx, newBus(t), exchange, "jobs")
		require.NoError(t, err)
		server.Dispose()

		req := messaging.NewRequestNotification("topic-a", "corr", nil)
		assert.ErrorIs(t, server.SendResponse(ctx, req, []byte("x")), messaging.ErrDisposed)
	})

	t.Run("after broker cancellation", func(t *testing.T) {
		bus := newBus(t)
		server, err := messaging.NewResponseServer(ctx, bus, exchange, "jobs")
		require.NoError(t, err)
		t.Cleanup(server.Dispose)

		require.NoError(t, bus.DeleteQueue(ctx, server.Status().Queue))
		<-server.Done()

		req := messaging.NewRequestNotification("topic-a", "corr", nil)
		err = server.SendResponse(ctx, req, []byte("x"))
		assert.ErrorIs(t, err, messaging.ErrInactive)
	})

	t.Run("publish failure", func(t *testing.T) {
		bus := newBus(t)
		server, err := messaging.NewResponseServer(ctx, bus, exchange, "jobs")
		require.NoError(t, err)
		t.Cleanup(server.Dispose)

		bus.FailOn(memory.OpPublish, memory.ErrBusClosed)
		req := messaging.NewRequestNotification("topic-a", "corr", nil)
		assert.ErrorIs(t, server.SendResponse(ctx, req, []byte("x")), memory.ErrBusClosed)
	})
}

func TestNotificationOwnsPayload(t *testing.T) {
	payload := []byte("abc")
	n := messaging.NewRequestNotification("r", "c", payload)
	payload[0] = 'X'
	assert.Equal(t, []byte("abc"), n.Payload())
}
