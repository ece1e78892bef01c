// Package api implements the HTTP handlers for the upload protocol: session
// init, chunk ingest, completion, listing, and bulk delete.
package api
