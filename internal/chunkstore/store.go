package chunkstore

import (
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/blake2b"
)

const sumSuffix = ".sum"

// Store persists chunks under root, one working directory per session key.
type Store struct {
	root   string
	logger *slog.Logger
}

// New returns a Store rooted at dir. The directory is created lazily on the
// first chunk write.
func New(dir string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{root: dir, logger: logger}
}

// Root returns the directory under which working directories are created.
func (s *Store) Root() string {
	return s.root
}

func (s *Store) workDir(key string) string {
	return filepath.Join(s.root, key)
}

func chunkFileName(key string, chunkNumber int) string {
	return fmt.Sprintf("%s.part%d", key, chunkNumber)
}

// Put stages one chunk and reports how many bytes were written. The write is
// idempotent by presence: if a file for this chunk number already exists, the
// incoming bytes are discarded (reported as zero written) and the stored chunk
// is left untouched. A BLAKE2b checksum sidecar written alongside each chunk
// lets duplicate submissions with different content be detected; a mismatch is
// logged, never surfaced, so retries stay cheap for clients.
func (s *Store) Put(key string, chunkNumber int, r io.Reader) (int64, error) {
	if strings.TrimSpace(key) == "" {
		return 0, storageErr("stage", key, fmt.Errorf("session key required"))
	}
	if chunkNumber < 1 {
		return 0, storageErr("stage", key, fmt.Errorf("chunk number %d out of range", chunkNumber))
	}

	dir := s.workDir(key)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, storageErr("create working dir", dir, err)
	}

	chunkPath := filepath.Join(dir, chunkFileName(key, chunkNumber))
	if _, err := os.Stat(chunkPath); err == nil {
		s.verifyDuplicate(chunkPath, r, key, chunkNumber)
		return 0, nil
	} else if !os.IsNotExist(err) {
		return 0, storageErr("stat chunk", chunkPath, err)
	}

	digest, err := blake2b.New256(nil)
	if err != nil {
		return 0, storageErr("init digest", chunkPath, err)
	}

	tmp, err := os.CreateTemp(dir, ".chunk-*")
	if err != nil {
		return 0, storageErr("create temp chunk", dir, err)
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	written, err := io.Copy(tmp, io.TeeReader(r, digest))
	if err != nil {
		return 0, storageErr("write chunk", tmpPath, err)
	}
	if err := tmp.Sync(); err != nil {
		return 0, storageErr("flush chunk", tmpPath, err)
	}
	if err := tmp.Close(); err != nil {
		return 0, storageErr("close chunk", tmpPath, err)
	}
	if err := os.Rename(tmpPath, chunkPath); err != nil {
		return 0, storageErr("commit chunk", chunkPath, err)
	}
	committed = true

	sum := hex.EncodeToString(digest.Sum(nil))
	if err := os.WriteFile(chunkPath+sumSuffix, []byte(sum), 0o644); err != nil {
		// Sidecars are best-effort; the chunk itself is durable.
		s.logger.Warn("chunk checksum sidecar write failed",
			"key", key, "chunk", chunkNumber, "error", err)
	}
	return written, nil
}

// verifyDuplicate drains a duplicate submission and compares its digest with
// the stored sidecar. The stored chunk always wins.
func (s *Store) verifyDuplicate(chunkPath string, r io.Reader, key string, chunkNumber int) {
	digest, err := blake2b.New256(nil)
	if err != nil {
		return
	}
	if _, err := io.Copy(digest, r); err != nil {
		s.logger.Warn("duplicate chunk body unreadable",
			"key", key, "chunk", chunkNumber, "error", err)
		return
	}
	stored, err := os.ReadFile(chunkPath + sumSuffix)
	if err != nil {
		return
	}
	incoming := hex.EncodeToString(digest.Sum(nil))
	if incoming != strings.TrimSpace(string(stored)) {
		s.logger.Warn("duplicate chunk differs from stored content",
			"key", key, "chunk", chunkNumber)
	}
}
