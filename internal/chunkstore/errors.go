package chunkstore

import (
	"errors"
	"fmt"
)

// ErrMissingChunks reports a merge attempt against a session whose working
// directory does not exist or holds no chunk files. It signals either a
// session that was never uploaded to or one that has already been merged.
var ErrMissingChunks = errors.New("no chunks staged for session")

// StorageError wraps a filesystem failure during chunk staging or merging.
// Callers are expected to retry the failing chunk or the merge as a whole.
type StorageError struct {
	Op   string
	Path string
	Err  error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("chunk store: %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

func storageErr(op, path string, err error) error {
	return &StorageError{Op: op, Path: path, Err: err}
}
