// Package dlq keeps queue messages that exhausted their deliveries so they
// can be inspected, replayed or purged.
//
// A message is dead-lettered when its handler keeps failing until the
// endpoint's MaxDeliveries is reached. The [Service] is an extension: it
// receives the dead-letter notification and stores an [Entry] holding the
// original queue, deployment and payload together with the final error.
//
//	eng, _ := engine.New(world, engine.WithDeadLetters(memoryStore))
//	svc := eng.DeadLetters()
//
//	entries, _ := svc.Store().ListDLQ(ctx, dlq.ListOpts{Limit: 50})
//	msgID, _ := svc.Replay(ctx, entries[0].ID)
//
// # Replay
//
// Replaying an entry sends its payload again to the original queue and
// deployment. The send is keyed by the entry ID, so replaying the same
// entry twice delivers it once. Handlers are idempotent, so a replayed
// workflow message simply resumes its run from the event log.
package dlq
