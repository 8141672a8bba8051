// Package rabbitmq provides the AMQP 0-9-1 plumbing behind the RabbitMQ
// transport.
//
// This package includes:
//   - ConnectionManager: dials the broker with a retry policy and optional TLS
//   - TopologyManager: declares exchanges and queues and binds them
//   - Publisher: publishes messages with reply-to and correlation id properties
//   - Consumer: turns an AMQP delivery stream into messaging events
//
// All components work on a Channel, the subset of *amqp.Channel they need,
// so that a single AMQP channel can be shared between them.
package rabbitmq
