package world

import (
	"context"
	"log/slog"
	"time"

	"github.com/xraph/durable/backoff"
)

// Limiter gates deliveries per queue and deployment.
type Limiter interface {
	Acquire(queueName, deploymentID string) bool
	Release(queueName, deploymentID string)
}

// DeadLetterFunc is called once a message exhausts its deliveries, just
// before it is acknowledged and dropped.
type DeadLetterFunc func(ctx context.Context, msg *Message, err error)

// HandlerConfig configures a delivery endpoint.
type HandlerConfig struct {
	DeploymentID      string
	Concurrency       int
	PollInterval      time.Duration
	VisibilityTimeout time.Duration
	HeartbeatInterval time.Duration
	MaxDeliveries     int
	Backoff           backoff.Strategy
	Limiter           Limiter
	OnDeadLetter      DeadLetterFunc
	Logger            *slog.Logger
}

// DefaultHandlerConfig returns the defaults applied before options.
func DefaultHandlerConfig() HandlerConfig {
	return HandlerConfig{
		Concurrency:       10,
		PollInterval:      500 * time.Millisecond,
		VisibilityTimeout: 30 * time.Second,
		MaxDeliveries:     48,
		Backoff:           backoff.DefaultStrategy(),
		Logger:            slog.Default(),
	}
}

// NewHandlerConfig applies opts to the defaults.
func NewHandlerConfig(opts ...HandlerOption) HandlerConfig {
	cfg := DefaultHandlerConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.HeartbeatInterval <= 0 && cfg.VisibilityTimeout > 0 {
		cfg.HeartbeatInterval = cfg.VisibilityTimeout / 3
	}
	return cfg
}

// HandlerOption configures a delivery endpoint.
type HandlerOption func(*HandlerConfig)

// WithDeploymentID restricts delivery to messages sent for deploymentID.
func WithDeploymentID(deploymentID string) HandlerOption {
	return func(c *HandlerConfig) { c.DeploymentID = deploymentID }
}

// WithConcurrency sets the number of concurrent deliveries.
func WithConcurrency(n int) HandlerOption {
	return func(c *HandlerConfig) {
		if n > 0 {
			c.Concurrency = n
		}
	}
}

// WithPollInterval sets how often an idle endpoint polls.
func WithPollInterval(d time.Duration) HandlerOption {
	return func(c *HandlerConfig) { c.PollInterval = d }
}

// WithVisibilityTimeout sets how long a received message stays hidden.
func WithVisibilityTimeout(d time.Duration) HandlerOption {
	return func(c *HandlerConfig) { c.VisibilityTimeout = d }
}

// WithHeartbeatInterval sets how often in-flight messages have their
// visibility extended. Defaults to a third of the visibility timeout.
func WithHeartbeatInterval(d time.Duration) HandlerOption {
	return func(c *HandlerConfig) { c.HeartbeatInterval = d }
}

// WithMaxDeliveries sets the delivery budget of a failing message. Zero
// means unlimited.
func WithMaxDeliveries(n int) HandlerOption {
	return func(c *HandlerConfig) { c.MaxDeliveries = n }
}

// WithBackoff sets the redelivery delay strategy for failed messages.
func WithBackoff(s backoff.Strategy) HandlerOption {
	return func(c *HandlerConfig) { c.Backoff = s }
}

// WithLimiter sets a per-queue rate and concurrency limiter.
func WithLimiter(l Limiter) HandlerOption {
	return func(c *HandlerConfig) { c.Limiter = l }
}

// WithDeadLetter sets the dead-letter callback.
func WithDeadLetter(fn DeadLetterFunc) HandlerOption {
	return func(c *HandlerConfig) { c.OnDeadLetter = fn }
}

// WithLogger sets the endpoint logger.
func WithLogger(l *slog.Logger) HandlerOption {
	return func(c *HandlerConfig) { c.Logger = l }
}
