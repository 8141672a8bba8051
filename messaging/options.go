package messaging

import (
	"log/slog"
	"time"
)

// endpointConfig holds configuration shared by request clients and response servers
type endpointConfig struct {
	logger         *slog.Logger
	metrics        MetricsCollector
	handlerTimeout time.Duration
}

// Option configures a RequestClient or ResponseServer
type Option func(*endpointConfig)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(c *endpointConfig) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMetrics sets the metrics collector
func WithMetrics(metrics MetricsCollector) Option {
	return func(c *endpointConfig) {
		if metrics != nil {
			c.metrics = metrics
		}
	}
}

// WithHandlerTimeout bounds the context passed to server request handlers.
// Zero means no deadline.
func WithHandlerTimeout(timeout time.Duration) Option {
	return func(c *endpointConfig) {
		c.handlerTimeout = timeout
	}
}

func newEndpointConfig(opts []Option) *endpointConfig {
	cfg := &endpointConfig{
		logger:  slog.Default(),
		metrics: &NoOpMetricsCollector{},
	}
	for _, opt := range opts {
		opt(cfg)
	}
	return cfg
}
