// Package chunkstore stages uploaded chunks on the local filesystem and
// merges them into a single asset. Chunks live under a per-session working
// directory as <key>.part<n> files; writes are idempotent by presence and the
// merge orders chunks numerically before concatenating them.
package chunkstore
