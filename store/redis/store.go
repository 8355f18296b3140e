package redis

import (
	"context"
	"log/slog"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/xraph/durable/store"
	"github.com/xraph/durable/worker"
	"github.com/xraph/durable/world"
)

// Compile-time interface checks.
var (
	_ store.Store    = (*Store)(nil)
	_ world.World    = (*Store)(nil)
	_ world.EventLog = (*Store)(nil)
	_ worker.Source  = (*Store)(nil)
)

// Option configures the Store.
type Option func(*Store)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithClock replaces the clock used for message visibility.
func WithClock(clock func() time.Time) Option {
	return func(s *Store) { s.clock = clock }
}

// Store implements store.Store backed by Redis.
type Store struct {
	client goredis.Cmdable
	logger *slog.Logger
	clock  func() time.Time
}

// New creates a new Redis-backed store. The caller owns the Redis client
// lifecycle.
func New(client goredis.Cmdable, opts ...Option) *Store {
	s := &Store{client: client, logger: slog.Default(), clock: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Client returns the underlying Redis client.
func (s *Store) Client() goredis.Cmdable { return s.client }

// Migrate is a no-op for Redis (schemaless).
func (s *Store) Migrate(_ context.Context) error { return nil }

// Ping verifies the Redis connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close is a no-op -- the caller owns the Redis client lifecycle.
func (s *Store) Close() error { return nil }

// CreateQueueHandler returns a worker pool polling this store.
func (s *Store) CreateQueueHandler(prefix string, handler world.MessageHandler, opts ...world.HandlerOption) (world.Endpoint, error) {
	cfg := world.NewHandlerConfig(opts...)
	if cfg.Logger == nil {
		cfg.Logger = s.logger
	}
	return worker.NewPool(s, prefix, handler, cfg), nil
}

func (s *Store) now() time.Time { return s.clock().UTC() }
