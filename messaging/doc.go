// Package messaging implements request/response on top of a topic-routed
// publish/subscribe bus.
//
// The package provides:
//   - ConsumerHolder: one auto-acknowledging consumer on an exclusive,
//     auto-deleting queue, with cancellation and shutdown tracking
//   - RequestClient: sends a request with a fresh correlation id and waits
//     for the matching reply on its own reply topic
//   - ResponseServer: surfaces requests to registered handlers and publishes
//     correlated responses
//   - Bus: the transport capability set, implemented by transports/rabbitmq
//     and transports/memory
//
// A consumer that has been cancelled by the transport, shut down or disposed
// stays inactive; create a new endpoint to resume service.
//
// Example usage:
//
//	server, err := messaging.NewResponseServer(ctx, bus, "rpc", "jobs")
//	if err != nil {
//		return err
//	}
//	defer server.Dispose()
//
//	server.OnRequestReceived(func(ctx context.Context, req *messaging.RequestNotification) error {
//		return server.SendResponse(ctx, req, []byte("pong"))
//	})
//
//	client, err := messaging.NewRequestClient(ctx, bus, "rpc", "jobs")
//	if err != nil {
//		return err
//	}
//	defer client.Dispose()
//
//	reply, err := client.Request(ctx, []byte("ping"), 2*time.Second)
package messaging
