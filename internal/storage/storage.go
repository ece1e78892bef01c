package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"vodforge/internal/models"
)

const defaultMergedRoot = "uploads"

type dataset struct {
	NextID   int64                           `json:"nextId"`
	Sessions map[string]models.UploadSession `json:"sessions"`
}

// Storage is the JSON-file-backed session registry. All mutations are
// serialised through a mutex and persisted with an atomic temp-file rename so
// a crash mid-write never corrupts the datastore.
type Storage struct {
	mu       sync.RWMutex
	filePath string
	data     dataset

	mergedRoot string
	now        func() time.Time

	// persistOverride allows tests to intercept persist operations.
	persistOverride func(dataset) error
}

// NewJSONRepository opens (or creates) the JSON datastore at filePath.
func NewJSONRepository(filePath string, opts ...Option) (*Storage, error) {
	if strings.TrimSpace(filePath) == "" {
		return nil, fmt.Errorf("datastore path is required")
	}
	s := &Storage{
		filePath:   filePath,
		mergedRoot: defaultMergedRoot,
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt.applyJSON(s)
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Storage) load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ensureDatasetInitializedLocked()

	raw, err := os.ReadFile(s.filePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read datastore: %w", err)
	}
	if len(raw) == 0 {
		return nil
	}
	var data dataset
	if err := json.Unmarshal(raw, &data); err != nil {
		return fmt.Errorf("decode datastore: %w", err)
	}
	if data.Sessions == nil {
		data.Sessions = make(map[string]models.UploadSession)
	}
	s.data = data
	return nil
}

func (s *Storage) ensureDatasetInitializedLocked() {
	if s.data.Sessions == nil {
		s.data.Sessions = make(map[string]models.UploadSession)
	}
}

func (s *Storage) persist() error {
	return s.persistDataset(s.data)
}

func (s *Storage) persistDataset(data dataset) error {
	if s.persistOverride != nil {
		if err := s.persistOverride(data); err != nil {
			return err
		}
	}

	dir := filepath.Dir(s.filePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	tmpFile, err := os.CreateTemp(dir, "store-*.json")
	if err != nil {
		return fmt.Errorf("create temp store file: %w", err)
	}
	tmpPath := tmpFile.Name()
	success := false
	defer func() {
		if !success {
			_ = tmpFile.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	encoder := json.NewEncoder(tmpFile)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(data); err != nil {
		return fmt.Errorf("encode store file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		return fmt.Errorf("flush store file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("close temp store file: %w", err)
	}

	if err := os.Rename(tmpPath, s.filePath); err != nil {
		return fmt.Errorf("replace store file: %w", err)
	}
	success = true
	return nil
}

// Ping reports datastore availability. The JSON driver only verifies that the
// backing directory is reachable.
func (s *Storage) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := os.Stat(filepath.Dir(s.filePath))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("stat data dir: %w", err)
	}
	return nil
}

// CreateSession registers a new upload session in the uploading state. The
// asset key is derived from the client file name and the target merged path
// from the configured merged root.
func (s *Storage) CreateSession(params CreateSessionParams) (models.UploadSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ensureDatasetInitializedLocked()

	now := s.now()
	key := assetKey(params.FileName, now)

	metadata := make(map[string]any, len(params.Metadata))
	for k, v := range params.Metadata {
		if strings.TrimSpace(k) == "" {
			continue
		}
		metadata[k] = v
	}

	s.data.NextID++
	id := s.data.NextID

	session := models.UploadSession{
		ID:             id,
		Key:            key,
		FileName:       strings.TrimSpace(params.FileName),
		Size:           params.Size,
		Path:           filepath.Join(s.mergedRoot, key),
		Status:         models.SessionUploading,
		Metadata:       metadata,
		UploadedChunks: []int{},
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	s.data.Sessions[sessionKey(id)] = session
	if err := s.persist(); err != nil {
		delete(s.data.Sessions, sessionKey(id))
		s.data.NextID--
		return models.UploadSession{}, err
	}
	return models.CloneSession(session), nil
}

// GetSession looks up a session by id.
func (s *Storage) GetSession(id int64) (models.UploadSession, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.data.Sessions[sessionKey(id)]
	if !ok {
		return models.UploadSession{}, false
	}
	return models.CloneSession(session), true
}

// UpdateSession applies a partial update. Moving a completed session back to
// uploading is rejected; completion is terminal.
func (s *Storage) UpdateSession(id int64, update SessionUpdate) (models.UploadSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.data.Sessions[sessionKey(id)]
	if !ok {
		return models.UploadSession{}, ErrSessionNotFound
	}

	original := session

	if update.Status != nil {
		status := strings.TrimSpace(*update.Status)
		if session.Status == models.SessionCompleted && status == models.SessionUploading {
			return models.UploadSession{}, ErrSessionCompleted
		}
		session.Status = status
	}
	if update.Path != nil {
		session.Path = strings.TrimSpace(*update.Path)
	}
	if update.Error != nil {
		session.Error = strings.TrimSpace(*update.Error)
	}
	if update.UploadedChunks != nil {
		chunks := make([]int, len(update.UploadedChunks))
		copy(chunks, update.UploadedChunks)
		session.UploadedChunks = chunks
	}
	if update.CompletedAt != nil {
		if update.CompletedAt.IsZero() {
			session.CompletedAt = nil
		} else {
			completed := update.CompletedAt.UTC()
			session.CompletedAt = &completed
		}
	}

	session.UpdatedAt = s.now()

	s.data.Sessions[sessionKey(id)] = session
	if err := s.persist(); err != nil {
		s.data.Sessions[sessionKey(id)] = original
		return models.UploadSession{}, err
	}
	return models.CloneSession(session), nil
}

// ListSessions returns every session record ordered by id.
func (s *Storage) ListSessions() []models.UploadSession {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sessions := make([]models.UploadSession, 0, len(s.data.Sessions))
	for _, session := range s.data.Sessions {
		sessions = append(sessions, models.CloneSession(session))
	}
	sortSessionsByID(sessions)
	return sessions
}

// DeleteAllSessions removes every session record. Chunk and asset files on
// disk are intentionally left in place; see the reconciliation notes in
// DESIGN.md.
func (s *Storage) DeleteAllSessions() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	original := s.data.Sessions
	s.data.Sessions = make(map[string]models.UploadSession)
	if err := s.persist(); err != nil {
		s.data.Sessions = original
		return err
	}
	return nil
}

func sessionKey(id int64) string {
	return strconv.FormatInt(id, 10)
}

func sortSessionsByID(sessions []models.UploadSession) {
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].ID < sessions[j].ID })
}
