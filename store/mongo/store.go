package mongo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongod "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/xraph/durable/store"
	"github.com/xraph/durable/worker"
	"github.com/xraph/durable/world"
)

// Collection name constants.
const (
	colEvents      = "durable_events"
	colRuns        = "durable_runs"
	colSteps       = "durable_steps"
	colHooks       = "durable_hooks"
	colHookTokens  = "durable_hook_tokens"
	colWaits       = "durable_waits"
	colMessages    = "durable_messages"
	colIdempotency = "durable_idempotency_keys"
)

// Ensure Store implements the aggregate interface at compile time.
var (
	_ store.Store   = (*Store)(nil)
	_ worker.Source = (*Store)(nil)
)

// Store is a MongoDB implementation of store.Store.
// The caller owns the client lifecycle; Store never closes it.
type Store struct {
	db     *mongod.Database
	logger *slog.Logger
	clock  func() time.Time
}

// Option configures the Store.
type Option func(*Store)

// WithLogger sets the logger for the store.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithClock replaces the clock used for message visibility.
func WithClock(clock func() time.Time) Option {
	return func(s *Store) {
		s.clock = clock
	}
}

// New creates a new MongoDB store. The caller owns the client lifecycle --
// the Store will not close it on Close().
func New(db *mongod.Database, opts ...Option) *Store {
	s := &Store{
		db:     db,
		logger: slog.Default(),
		clock:  time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// DB returns the underlying database handle for advanced usage.
func (s *Store) DB() *mongod.Database {
	return s.db
}

// Migrate creates indexes for all durable collections.
func (s *Store) Migrate(ctx context.Context) error {
	for col, models := range migrationIndexes() {
		if len(models) == 0 {
			continue
		}
		_, err := s.db.Collection(col).Indexes().CreateMany(ctx, models)
		if err != nil {
			return fmt.Errorf("durable/mongo: migrate %s indexes: %w", col, err)
		}
	}
	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.Client().Ping(ctx, nil)
}

// Close is a no-op because the caller owns the client lifecycle.
func (s *Store) Close() error {
	return nil
}

// CreateQueueHandler returns a worker pool polling this store.
func (s *Store) CreateQueueHandler(prefix string, handler world.MessageHandler, opts ...world.HandlerOption) (world.Endpoint, error) {
	cfg := world.NewHandlerConfig(opts...)
	if cfg.Logger == nil {
		cfg.Logger = s.logger
	}
	return worker.NewPool(s, prefix, handler, cfg), nil
}

// ── helpers ──────────────────────────────────────────────────────

// now returns the current UTC time at the millisecond precision BSON keeps.
func (s *Store) now() time.Time {
	return s.clock().UTC().Truncate(time.Millisecond)
}

// isNoDocuments returns true when err indicates no MongoDB documents found.
func isNoDocuments(err error) bool {
	return errors.Is(err, mongod.ErrNoDocuments)
}

// isDuplicateKey checks if a MongoDB error is a duplicate key violation.
func isDuplicateKey(err error) bool {
	return mongod.IsDuplicateKeyError(err)
}

// migrationIndexes returns the index definitions for all durable collections.
func migrationIndexes() map[string][]mongod.IndexModel {
	return map[string][]mongod.IndexModel{
		colEvents: {
			// Compare-and-append guard.
			{
				Keys:    bson.D{{Key: "run_id", Value: 1}, {Key: "seq", Value: 1}},
				Options: options.Index().SetUnique(true),
			},
			{Keys: bson.D{{Key: "correlation_id", Value: 1}}},
		},
		colRuns: {
			{Keys: bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: -1}}},
			{Keys: bson.D{{Key: "status", Value: 1}}},
		},
		colSteps: {
			{Keys: bson.D{{Key: "run_id", Value: 1}, {Key: "position", Value: 1}}},
		},
		colHooks: {
			{Keys: bson.D{{Key: "run_id", Value: 1}, {Key: "position", Value: 1}}},
			{Keys: bson.D{{Key: "token", Value: 1}}},
		},
		colMessages: {
			// Receive index: deployment + visibility.
			{Keys: bson.D{
				{Key: "deployment_id", Value: 1},
				{Key: "visible_at", Value: 1},
				{Key: "_id", Value: 1},
			}},
		},
	}
}
