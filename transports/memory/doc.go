// Package memory provides an in-process implementation of messaging.Bus.
//
// It models the parts of AMQP 0-9-1 that request/response endpoints rely on:
// direct, fanout and topic exchanges, generated queue names, exclusive and
// auto-deleting queues, consumer tags, and broker-side consumer cancellation
// and shutdown. Messages are held in memory only.
//
// The bus is intended for tests and for embedding request/response endpoints
// in a single process.
package memory
