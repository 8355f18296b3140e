package durable

import "github.com/xraph/durable/id"

// ID is the identifier type shared by runs, steps, hooks, waits, events
// and queue messages.
type ID = id.ID

// Prefix identifies the entity type encoded in a TypeID.
type Prefix = id.Prefix
