// Package durable provides a replay-based durable workflow execution core
// for Go.
//
// Workflows are ordinary Go functions composed of individually retryable
// steps. Each run is an append-only event log held by a World backend; every
// time a queued message wakes the workflow up, it is replayed from the first
// event so that completed steps return their recorded results and the first
// unresolved step, sleep or hook suspends the invocation again.
//
// # Quick Start
//
//	reg := serde.NewRegistry()
//	eng, err := engine.New(memory.New(),
//	    engine.WithDeploymentID("build-42"),
//	    engine.WithSerde(reg),
//	)
//	eng.RegisterWorkflow(checkout)
//	eng.RegisterStep(chargeCard)
//
//	h, err := engine.Start(ctx, eng, checkout, order)
//	receipt, err := h.Result(ctx)
//
// # Architecture
//
// The core is split into small packages, leaves first:
//
//   - serde: tagged envelopes for registered Go types
//   - world: the storage and queue contract, plus the event projection
//   - queue: queue names, idempotent enqueue and continuation hops
//   - workflow: the run state machine and replay context
//   - step: the step executor and retry policy
//   - engine: wiring plus the client operations
//
// All entity IDs use TypeID: type-prefixed, K-sortable, UUIDv7-based
// identifiers generated locally by the caller.
package durable
