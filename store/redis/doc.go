// Package redis implements store.Store on Redis.
//
// Each run's event log is a List appended by a Lua script that checks the
// list length against the expected sequence, so concurrent writers lose
// with ErrSequenceConflict instead of interleaving. Materialised runs,
// steps, hooks and waits are stored as JSON strings next to the log.
// Messages are Hashes scheduled in one Sorted Set per deployment, scored
// by the time they become visible.
//
// The caller owns the client lifecycle -- Close never closes it:
//
//	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	s := redisstore.New(client)
//	if err := s.Ping(ctx); err != nil { ... }
package redis
