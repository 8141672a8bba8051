package health

import (
	"context"
	"time"

	"github.com/glimte/mmate-rpc/messaging"
)

// StatusReporter is implemented by request clients and response servers
type StatusReporter interface {
	Status() messaging.HolderStatus
}

// EndpointChecker reports an endpoint unhealthy once its consumer is gone
type EndpointChecker struct {
	name     string
	endpoint StatusReporter
}

// NewEndpointChecker creates a checker for a request client or response server
func NewEndpointChecker(name string, endpoint StatusReporter) *EndpointChecker {
	return &EndpointChecker{name: name, endpoint: endpoint}
}

func (c *EndpointChecker) Name() string {
	return c.name
}

func (c *EndpointChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	status := c.endpoint.Status()

	result := CheckResult{
		Name:      c.name,
		Timestamp: start,
		Details: map[string]interface{}{
			"exchange": status.Exchange,
			"topic":    status.Topic,
			"queue":    status.Queue,
		},
	}

	switch {
	case status.Active:
		result.Status = StatusHealthy
		result.Message = "consumer active"
	case status.Disposed:
		result.Status = StatusUnhealthy
		result.Message = "endpoint disposed"
	default:
		result.Status = StatusUnhealthy
		result.Message = "consumer inactive: " + status.InactiveReason
	}

	result.Duration = time.Since(start)
	return result
}

// Connectivity is implemented by transports that own a broker connection
type Connectivity interface {
	IsConnected() bool
}

// ConnectionChecker checks the broker connection
type ConnectionChecker struct {
	conn Connectivity
}

// NewConnectionChecker creates a new connection checker
func NewConnectionChecker(conn Connectivity) *ConnectionChecker {
	return &ConnectionChecker{conn: conn}
}

func (c *ConnectionChecker) Name() string {
	return "rabbitmq"
}

func (c *ConnectionChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Status:    StatusHealthy,
		Message:   "connection is healthy",
	}

	if !c.conn.IsConnected() {
		result.Status = StatusUnhealthy
		result.Message = "connection is closed"
	}

	result.Duration = time.Since(start)
	return result
}
