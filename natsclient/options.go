package natsclient

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/c360/telemetryrelay/errors"
	"github.com/c360/telemetryrelay/metric"
)

// ClientOption is a functional option for configuring the Client
type ClientOption func(*Client) error

// WithLogger sets the structured logger. A nil logger keeps slog.Default().
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) error {
		if logger != nil {
			c.logger = logger
		}
		return nil
	}
}

// WithMetrics reports connection status and reconnects.
func WithMetrics(metrics *metric.Metrics) ClientOption {
	return func(c *Client) error {
		c.metrics = metrics
		return nil
	}
}

// WithMaxReconnects bounds reconnection attempts; -1 retries forever.
func WithMaxReconnects(attempts int) ClientOption {
	return func(c *Client) error {
		c.maxReconnects = attempts
		return nil
	}
}

// WithReconnectWait sets the wait time between reconnection attempts
func WithReconnectWait(d time.Duration) ClientOption {
	return func(c *Client) error {
		c.reconnectWait = d
		return nil
	}
}

// WithTimeout sets the dial timeout
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) error {
		if d <= 0 {
			return fmt.Errorf("%w: timeout must be positive, got %v", errors.ErrInvalidConfig, d)
		}
		c.timeout = d
		return nil
	}
}

// WithCircuitBreakerThreshold sets the failures needed to open the circuit
func WithCircuitBreakerThreshold(threshold int32) ClientOption {
	return func(c *Client) error {
		if threshold < 1 {
			return fmt.Errorf("%w: circuit breaker threshold must be at least 1, got %d", errors.ErrInvalidConfig, threshold)
		}
		c.circuitThreshold = threshold
		return nil
	}
}

// WithMaxBackoff caps the circuit breaker backoff
func WithMaxBackoff(d time.Duration) ClientOption {
	return func(c *Client) error {
		if d <= 0 {
			return fmt.Errorf("%w: max backoff must be positive, got %v", errors.ErrInvalidConfig, d)
		}
		c.maxBackoff = d
		return nil
	}
}

// WithName sets the client name reported to the server
func WithName(name string) ClientOption {
	return func(c *Client) error {
		c.clientName = name
		return nil
	}
}
