package storage

import (
	"context"
	"errors"
	"time"

	"vodforge/internal/models"
)

// ErrSessionNotFound reports that no upload session exists for the requested
// id. Handlers map it to a 404; it is never treated as fatal.
var ErrSessionNotFound = errors.New("upload session not found")

// ErrSessionCompleted reports an attempt to move a completed session back to
// uploading. Completion is terminal; re-uploading requires a new session.
var ErrSessionCompleted = errors.New("upload session already completed")

// CreateSessionParams carries the client-declared fields for a new upload
// session. FileName and Metadata are stored verbatim; Size is the declared
// byte length and is not verified against received bytes.
type CreateSessionParams struct {
	FileName string
	Size     int64
	Metadata map[string]any
}

// SessionUpdate applies a partial update to an upload session. Nil fields are
// left untouched; a zero CompletedAt clears the completion time.
type SessionUpdate struct {
	Status         *string
	Path           *string
	Error          *string
	UploadedChunks []int
	CompletedAt    *time.Time
}

// Repository exposes the session-registry operations required by the upload
// handlers and the transcode processor.
type Repository interface {
	Ping(ctx context.Context) error

	CreateSession(params CreateSessionParams) (models.UploadSession, error)
	GetSession(id int64) (models.UploadSession, bool)
	UpdateSession(id int64, update SessionUpdate) (models.UploadSession, error)
	ListSessions() []models.UploadSession
	DeleteAllSessions() error
}

var _ Repository = (*Storage)(nil)
