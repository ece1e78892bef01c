// Package storage persists upload session records. Two drivers implement the
// same Repository interface: a JSON-file datastore for single-node deployments
// and a pgx-backed Postgres driver for shared ones.
package storage
