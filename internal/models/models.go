package models

import "time"

// Upload session lifecycle states. A session is created as uploading and
// only ever advances to completed; a failed transcode parks it in error.
// There is no transition back to uploading — re-uploading a file means
// creating a new session.
const (
	SessionUploading = "uploading"
	SessionCompleted = "completed"
	SessionError     = "error"
)

// UploadSession tracks one logical file-upload attempt from init through
// merge and transcode dispatch.
//
// FileName and Size are client-supplied and untrusted: FileName is
// display-only and Size is never verified against the bytes actually
// received. Key is the server-generated unique asset name used for chunk and
// merged-file paths. UploadedChunks is bookkeeping only; completeness at
// merge time is re-derived from the working directory listing.
type UploadSession struct {
	ID             int64          `json:"id"`
	Key            string         `json:"key"`
	FileName       string         `json:"fileName"`
	Size           int64          `json:"size"`
	Path           string         `json:"path"`
	Status         string         `json:"status"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	UploadedChunks []int          `json:"uploadedChunks"`
	Error          string         `json:"error,omitempty"`
	CreatedAt      time.Time      `json:"createdAt"`
	UpdatedAt      time.Time      `json:"updatedAt"`
	CompletedAt    *time.Time     `json:"completedAt,omitempty"`
}

// CloneSession returns a deep copy so callers cannot mutate registry state
// through shared maps or slices.
func CloneSession(s UploadSession) UploadSession {
	out := s
	if s.Metadata != nil {
		meta := make(map[string]any, len(s.Metadata))
		for k, v := range s.Metadata {
			meta[k] = v
		}
		out.Metadata = meta
	}
	if s.UploadedChunks != nil {
		chunks := make([]int, len(s.UploadedChunks))
		copy(chunks, s.UploadedChunks)
		out.UploadedChunks = chunks
	}
	if s.CompletedAt != nil {
		completed := *s.CompletedAt
		out.CompletedAt = &completed
	}
	return out
}
