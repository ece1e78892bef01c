// Package server hosts the upload and transcode API from a single HTTP server.
//
// The server builds a consistent middleware chain of request IDs, logging,
// security headers, CORS, metrics, and rate limiting so handlers all share
// common protections and instrumentation.
package server
