// Package mongo implements store.Store using the official MongoDB driver.
// Suitable for distributed deployments requiring horizontal scaling and
// flexible schema evolution.
//
// A unique (run_id, seq) index turns event inserts into compare-and-append,
// so no multi-document transaction (and no replica set) is required.
//
// The caller owns the client lifecycle -- mongo never closes it. Pass the
// database handle through the constructor:
//
//	client, _ := mongo.Connect(options.Client().ApplyURI(uri))
//	store := mongostore.New(client.Database("durable"))
//	store.Migrate(ctx)
package mongo
