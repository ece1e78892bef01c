package chunkstore

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// Merge concatenates every staged chunk for key into destPath, ordered by
// numeric chunk number, and removes the working directory on success. It
// returns the number of bytes written. A missing or empty working directory
// fails with ErrMissingChunks; any partial failure leaves the working
// directory in place so a retry starts from intact chunks.
func (s *Store) Merge(key, destPath string) (int64, error) {
	dir := s.workDir(key)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, fmt.Errorf("%w: %s", ErrMissingChunks, key)
		}
		return 0, storageErr("list chunks", dir, err)
	}

	chunks, err := orderChunks(key, entries)
	if err != nil {
		return 0, err
	}
	if len(chunks) == 0 {
		return 0, fmt.Errorf("%w: %s", ErrMissingChunks, key)
	}

	if parent := filepath.Dir(destPath); parent != "." {
		if err := os.MkdirAll(parent, 0o755); err != nil {
			return 0, storageErr("create merged dir", parent, err)
		}
	}
	dest, err := os.OpenFile(destPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return 0, storageErr("create merged asset", destPath, err)
	}

	var written int64
	for _, chunk := range chunks {
		n, err := appendChunk(dest, filepath.Join(dir, chunk.name))
		if err != nil {
			_ = dest.Close()
			return 0, err
		}
		written += n
	}
	if err := dest.Sync(); err != nil {
		_ = dest.Close()
		return 0, storageErr("flush merged asset", destPath, err)
	}
	if err := dest.Close(); err != nil {
		return 0, storageErr("close merged asset", destPath, err)
	}

	if err := os.RemoveAll(dir); err != nil {
		// The asset is complete; an orphaned working dir is only wasted space.
		s.logger.Warn("working directory cleanup failed", "key", key, "error", err)
	}
	return written, nil
}

type chunkEntry struct {
	name   string
	number int
}

// orderChunks filters the working directory down to chunk files and sorts
// them by their numeric suffix. A plain string sort would place part10 before
// part2, so the suffix is parsed before ordering.
func orderChunks(key string, entries []os.DirEntry) ([]chunkEntry, error) {
	prefix := key + ".part"
	chunks := make([]chunkEntry, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasPrefix(name, prefix) || strings.HasSuffix(name, sumSuffix) {
			continue
		}
		number, err := strconv.Atoi(name[len(prefix):])
		if err != nil {
			return nil, storageErr("parse chunk number", name, err)
		}
		chunks = append(chunks, chunkEntry{name: name, number: number})
	}
	sort.Slice(chunks, func(i, j int) bool { return chunks[i].number < chunks[j].number })
	return chunks, nil
}

func appendChunk(dest *os.File, path string) (int64, error) {
	src, err := os.Open(path)
	if err != nil {
		return 0, storageErr("open chunk", path, err)
	}
	defer src.Close()

	n, err := io.Copy(dest, src)
	if err != nil {
		return 0, storageErr("append chunk", path, err)
	}
	return n, nil
}
