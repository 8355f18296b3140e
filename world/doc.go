// Package world defines the storage and queue contract consumed by the
// durable execution core, together with the event projection every
// backend shares.
//
// A run is nothing but its event log. Backends persist events with a
// sequence-guarded append and keep materialised run, step and hook rows for
// reads, but those rows are always the result of folding the log through
// Snapshot.Apply, so two backends fed the same events agree on every state.
package world
