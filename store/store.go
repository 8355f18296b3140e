// Package store defines the aggregate persistence interface implemented by
// every backend. Backends: Postgres, Redis, MongoDB and Memory.
package store

import (
	"context"

	"github.com/xraph/durable/worker"
	"github.com/xraph/durable/world"
)

// Store is the aggregate persistence interface.
// A backend implements the World contract on top of two primitives: an
// append-only event log with a sequence guard and a visibility-timeout
// message queue.
type Store interface {
	world.World
	world.EventLog
	worker.Source

	// Migrate creates or updates the backend schema.
	Migrate(ctx context.Context) error
}
