// Package mongo provides a MongoDB-backed run.Store for replay bundles. Build
// the low-level client via features/run/mongo/clients/mongo and pass it to
// NewStore, or let NewStoreFromMongo do both.
package mongo
