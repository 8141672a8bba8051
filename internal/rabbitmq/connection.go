package rabbitmq

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/mmate-rpc/internal/reliability"
	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	defaultDialTimeout = 30 * time.Second
	defaultHeartbeat   = 10 * time.Second
)

// ConnectionManager owns a single RabbitMQ connection. It does not reconnect:
// once the broker closes the connection, the channels taken from it report
// shutdown to their consumers.
type ConnectionManager struct {
	url         string
	tlsConfig   *tls.Config
	retryPolicy reliability.RetryPolicy
	dialTimeout time.Duration
	heartbeat   time.Duration
	logger      *slog.Logger

	mu          sync.RWMutex
	conn        *amqp.Connection
	isConnected bool
	notifyClose chan *amqp.Error
	done        chan struct{}
}

// ConnectionOption configures the ConnectionManager
type ConnectionOption func(*ConnectionManager)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ConnectionOption {
	return func(cm *ConnectionManager) {
		if logger != nil {
			cm.logger = logger
		}
	}
}

// WithTLSConfig enables TLS for the connection
func WithTLSConfig(config *tls.Config) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.tlsConfig = config
	}
}

// WithRetryPolicy sets the policy used while establishing the connection
func WithRetryPolicy(policy reliability.RetryPolicy) ConnectionOption {
	return func(cm *ConnectionManager) {
		if policy != nil {
			cm.retryPolicy = policy
		}
	}
}

// WithDialTimeout bounds a single dial attempt
func WithDialTimeout(timeout time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.dialTimeout = timeout
	}
}

// WithHeartbeat sets the AMQP heartbeat interval
func WithHeartbeat(interval time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.heartbeat = interval
	}
}

// NewConnectionManager creates a new connection manager
func NewConnectionManager(url string, options ...ConnectionOption) *ConnectionManager {
	cm := &ConnectionManager{
		url:         url,
		retryPolicy: reliability.NewExponentialBackoff(500*time.Millisecond, 5*time.Second, 2.0, 3),
		dialTimeout: defaultDialTimeout,
		heartbeat:   defaultHeartbeat,
		logger:      slog.Default(),
	}

	for _, opt := range options {
		opt(cm)
	}

	return cm
}

// TLSConfigFor returns a TLS 1.2+ configuration that verifies the broker
// certificate against the host of an AMQP URL
func TLSConfigFor(rawURL string) (*tls.Config, error) {
	uri, err := amqp.ParseURI(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid AMQP URL: %w", err)
	}
	return &tls.Config{
		MinVersion: tls.VersionTLS12,
		ServerName: uri.Host,
	}, nil
}

// Connect establishes the connection, retrying according to the retry policy
func (cm *ConnectionManager) Connect(ctx context.Context) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.isConnected {
		return nil
	}

	attempts := 0
	var conn *amqp.Connection
	err := reliability.Retry(ctx, cm.retryPolicy, func() error {
		attempts++
		c, err := cm.dial()
		if err != nil {
			cm.logger.Warn("failed to connect to RabbitMQ",
				"url", SanitizeURL(cm.url),
				"attempt", attempts,
				"error", err)
			return err
		}
		conn = c
		return nil
	})
	if err != nil {
		return &ConnectionError{
			Op:        "connect",
			URL:       SanitizeURL(cm.url),
			Err:       err,
			Timestamp: time.Now(),
			Attempts:  attempts,
		}
	}

	cm.conn = conn
	cm.isConnected = true
	cm.done = make(chan struct{})
	cm.notifyClose = cm.conn.NotifyClose(make(chan *amqp.Error, 1))
	go cm.watch(cm.notifyClose, cm.done)

	cm.logger.Info("connected to RabbitMQ",
		"url", SanitizeURL(cm.url),
		"tls", cm.tlsConfig != nil,
		"attempts", attempts)

	return nil
}

func (cm *ConnectionManager) dial() (*amqp.Connection, error) {
	if _, err := amqp.ParseURI(cm.url); err != nil {
		return nil, reliability.Permanent(err)
	}

	config := amqp.Config{
		Heartbeat:       cm.heartbeat,
		Locale:          "en_US",
		TLSClientConfig: cm.tlsConfig,
		Dial:            amqp.DefaultDial(cm.dialTimeout),
	}

	conn, err := amqp.DialConfig(cm.url, config)
	if err != nil {
		// Bad credentials or vhost will not fix themselves
		if errors.Is(err, amqp.ErrCredentials) || errors.Is(err, amqp.ErrVhost) || errors.Is(err, amqp.ErrSASL) {
			return nil, reliability.Permanent(err)
		}
		return nil, err
	}
	return conn, nil
}

// Channel opens a new AMQP channel on the connection
func (cm *ConnectionManager) Channel() (*amqp.Channel, error) {
	conn, err := cm.GetConnection()
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}
	return ch, nil
}

// GetConnection returns the current connection
func (cm *ConnectionManager) GetConnection() (*amqp.Connection, error) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	if !cm.isConnected || cm.conn == nil {
		return nil, ErrConnectionNotReady
	}

	if cm.conn.IsClosed() {
		return nil, ErrConnectionClosed
	}

	return cm.conn, nil
}

// IsConnected returns the connection status
func (cm *ConnectionManager) IsConnected() bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.isConnected && cm.conn != nil && !cm.conn.IsClosed()
}

// Close closes the connection
func (cm *ConnectionManager) Close() error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if !cm.isConnected {
		return nil
	}

	close(cm.done)
	cm.isConnected = false

	if cm.conn != nil {
		err := cm.conn.Close()
		cm.conn = nil
		if err != nil && !errors.Is(err, amqp.ErrClosed) {
			return err
		}
	}

	return nil
}

// watch logs broker-initiated connection closes
func (cm *ConnectionManager) watch(notifyClose <-chan *amqp.Error, done <-chan struct{}) {
	select {
	case err, ok := <-notifyClose:
		if !ok || err == nil {
			return
		}

		cm.logger.Error("connection closed by broker",
			"code", err.Code,
			"reason", err.Reason,
			"server", err.Server)

		cm.mu.Lock()
		cm.isConnected = false
		cm.mu.Unlock()

	case <-done:
	}
}
