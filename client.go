// Copyright 2024 Mmate Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package mmate

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/mmate-rpc/health"
	"github.com/glimte/mmate-rpc/internal/rabbitmq"
	"github.com/glimte/mmate-rpc/internal/reliability"
	"github.com/glimte/mmate-rpc/messaging"
	"github.com/glimte/mmate-rpc/transports/memory"
	rabbitmqTransport "github.com/glimte/mmate-rpc/transports/rabbitmq"
)

// ErrClientClosed is returned when creating endpoints on a closed client
var ErrClientClosed = errors.New("mmate: client is closed")

// endpoint is the part of RequestClient and ResponseServer the client manages
type endpoint interface {
	health.StatusReporter
	Done() <-chan struct{}
	Dispose()
}

// Client provides the main entry point for mmate-rpc. It owns one bus; the
// request clients and response servers it creates share that bus and are
// disposed when the client is closed.
type Client struct {
	bus    messaging.Bus
	closer interface{ Close() error }
	cfg    *clientConfig
	health *health.Registry
	logger *slog.Logger

	mu        sync.Mutex
	endpoints map[string]endpoint
	closed    bool
}

// NewClient connects to RabbitMQ and creates a client on a single AMQP channel
func NewClient(connectionString string, options ...ClientOption) (*Client, error) {
	cfg := newClientConfig(options)

	connOpts := []rabbitmq.ConnectionOption{
		rabbitmq.WithRetryPolicy(cfg.retryPolicy),
	}

	if cfg.tlsConfig == nil && cfg.enableTLS {
		tlsConfig, err := rabbitmq.TLSConfigFor(connectionString)
		if err != nil {
			return nil, err
		}
		cfg.tlsConfig = tlsConfig
	}
	if cfg.tlsConfig != nil {
		connOpts = append(connOpts, rabbitmq.WithTLSConfig(cfg.tlsConfig))
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.connectTimeout)
	defer cancel()

	transport, err := rabbitmqTransport.NewTransport(ctx, connectionString,
		rabbitmqTransport.WithLogger(cfg.logger),
		rabbitmqTransport.WithConnectionOptions(connOpts...),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create transport: %w", err)
	}

	c := newClient(transport, transport, cfg)
	c.health.Register(health.NewConnectionChecker(transport))
	return c, nil
}

// NewInMemoryClient creates a client on an in-process bus. Endpoints of one
// in-memory client can only talk to each other.
func NewInMemoryClient(options ...ClientOption) *Client {
	cfg := newClientConfig(options)
	bus := memory.NewBus(memory.WithLogger(cfg.logger))
	return newClient(bus, bus, cfg)
}

// NewClientWithBus creates a client on an existing bus. The caller keeps
// ownership of the bus.
func NewClientWithBus(bus messaging.Bus, options ...ClientOption) *Client {
	return newClient(bus, nil, newClientConfig(options))
}

func newClient(bus messaging.Bus, closer interface{ Close() error }, cfg *clientConfig) *Client {
	return &Client{
		bus:       bus,
		closer:    closer,
		cfg:       cfg,
		health:    health.NewRegistry(),
		logger:    cfg.logger,
		endpoints: make(map[string]endpoint),
	}
}

// NewRequestClient creates a request client sending to target on exchange
func (c *Client) NewRequestClient(ctx context.Context, exchange, target string) (*messaging.RequestClient, error) {
	if err := c.ensureOpen(); err != nil {
		return nil, err
	}

	rc, err := messaging.NewRequestClient(ctx, c.bus, exchange, target, c.endpointOptions()...)
	if err != nil {
		return nil, err
	}

	c.track("request_client/"+rc.ReplyTopic(), rc)
	return rc, nil
}

// NewResponseServer creates a response server receiving requests sent to
// topic on exchange
func (c *Client) NewResponseServer(ctx context.Context, exchange, topic string) (*messaging.ResponseServer, error) {
	if err := c.ensureOpen(); err != nil {
		return nil, err
	}

	rs, err := messaging.NewResponseServer(ctx, c.bus, exchange, topic, c.endpointOptions()...)
	if err != nil {
		return nil, err
	}

	c.track("response_server/"+rs.Topic()+"/"+rs.Status().Queue, rs)
	return rs, nil
}

// Bus returns the underlying bus
func (c *Client) Bus() messaging.Bus {
	return c.bus
}

// Health returns the registry checking the connection and every live endpoint
func (c *Client) Health() *health.Registry {
	return c.health
}

// Close disposes all endpoints created by the client and closes the bus
// when the client owns it
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	endpoints := make([]endpoint, 0, len(c.endpoints))
	for _, ep := range c.endpoints {
		endpoints = append(endpoints, ep)
	}
	c.mu.Unlock()

	for _, ep := range endpoints {
		ep.Dispose()
	}

	if c.closer != nil {
		if err := c.closer.Close(); err != nil {
			return fmt.Errorf("failed to close transport: %w", err)
		}
	}

	c.logger.Info("client closed", "endpoints", len(endpoints))
	return nil
}

func (c *Client) ensureOpen() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClientClosed
	}
	return nil
}

// track registers a health check for ep and forgets it once the endpoint has
// been disposed and its consumer has stopped
func (c *Client) track(name string, ep endpoint) {
	c.mu.Lock()
	c.endpoints[name] = ep
	c.mu.Unlock()

	c.health.Register(health.NewEndpointChecker(name, ep))

	go func() {
		<-ep.Done()
		if !ep.Status().Disposed {
			// keep reporting the broker-side cancellation or shutdown
			return
		}
		c.health.Unregister(name)
		c.mu.Lock()
		delete(c.endpoints, name)
		c.mu.Unlock()
	}()
}

func (c *Client) endpointOptions() []messaging.Option {
	opts := []messaging.Option{
		messaging.WithLogger(c.cfg.logger),
		messaging.WithMetrics(c.cfg.metrics),
	}
	if c.cfg.handlerTimeout > 0 {
		opts = append(opts, messaging.WithHandlerTimeout(c.cfg.handlerTimeout))
	}
	return opts
}

// clientConfig holds client configuration
type clientConfig struct {
	logger         *slog.Logger
	metrics        messaging.MetricsCollector
	handlerTimeout time.Duration
	connectTimeout time.Duration
	retryPolicy    reliability.RetryPolicy
	enableTLS      bool
	tlsConfig      *tls.Config
}

func newClientConfig(options []ClientOption) *clientConfig {
	cfg := &clientConfig{
		logger:         slog.Default(),
		metrics:        &messaging.NoOpMetricsCollector{},
		connectTimeout: 30 * time.Second,
		retryPolicy:    reliability.NewExponentialBackoff(500*time.Millisecond, 5*time.Second, 2.0, 3),
	}

	for _, opt := range options {
		opt(cfg)
	}

	return cfg
}

// ClientOption configures the client
type ClientOption func(*clientConfig)

// WithLogger sets the logger for all components
func WithLogger(logger *slog.Logger) ClientOption {
	return func(cfg *clientConfig) {
		if logger != nil {
			cfg.logger = logger
		}
	}
}

// WithMetrics sets the metrics collector of all endpoints
func WithMetrics(metrics messaging.MetricsCollector) ClientOption {
	return func(cfg *clientConfig) {
		if metrics != nil {
			cfg.metrics = metrics
		}
	}
}

// WithHandlerTimeout bounds the context given to response server handlers
func WithHandlerTimeout(timeout time.Duration) ClientOption {
	return func(cfg *clientConfig) {
		cfg.handlerTimeout = timeout
	}
}

// WithConnectTimeout bounds connection establishment, retries included
func WithConnectTimeout(timeout time.Duration) ClientOption {
	return func(cfg *clientConfig) {
		cfg.connectTimeout = timeout
	}
}

// WithConnectRetries retries the initial connection up to maxRetries times
// with exponential backoff starting at initialDelay
func WithConnectRetries(maxRetries int, initialDelay time.Duration) ClientOption {
	return func(cfg *clientConfig) {
		cfg.retryPolicy = reliability.NewExponentialBackoff(initialDelay, 30*time.Second, 2.0, maxRetries)
	}
}

// WithTLS enables TLS 1.2+ with the broker certificate verified against the
// host name of the connection string
func WithTLS() ClientOption {
	return func(cfg *clientConfig) {
		cfg.enableTLS = true
	}
}

// WithTLSConfig enables TLS with a custom configuration
func WithTLSConfig(config *tls.Config) ClientOption {
	return func(cfg *clientConfig) {
		cfg.tlsConfig = config
	}
}
