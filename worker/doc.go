// Package worker implements the polling delivery loop behind a world's
// queue handlers.
//
// A [Pool] repeatedly receives messages from a [Source], runs the
// handler, and acknowledges or releases each message according to the
// outcome. While a message is in flight the pool extends its visibility
// on a heartbeat so a slow step is not delivered twice. Messages that
// keep failing are handed to a dead-letter callback once they exhaust
// their delivery budget.
//
// Stores embed a Pool to satisfy world.Queue.CreateQueueHandler.
package worker
