package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"vodforge/internal/chunkstore"
	"vodforge/internal/models"
	"vodforge/internal/observability/metrics"
	"vodforge/internal/storage"
	"vodforge/internal/transcode"
)

const (
	headerUploadID    = "X-Upload-Id"
	headerChunkNumber = "X-Chunk-Number"
)

type initUploadRequest struct {
	FileName string         `json:"fileName"`
	FileSize int64          `json:"fileSize"`
	Metadata map[string]any `json:"metadata"`
}

type initUploadResponse struct {
	UploadID int64  `json:"uploadId"`
	Status   string `json:"status"`
}

type chunkResponse struct {
	Message     string `json:"message"`
	ChunkNumber int    `json:"chunkNumber"`
	UploadID    int64  `json:"uploadId"`
}

type completeRequest struct {
	UploadID int64 `json:"uploadId"`
}

type completeResponse struct {
	Message  string `json:"message"`
	UploadID int64  `json:"uploadId"`
}

// InitUpload registers a new session and hands the client its numeric id.
func (h *Handler) InitUpload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
		return
	}
	var req initUploadRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid init payload: %w", err))
		return
	}
	if strings.TrimSpace(req.FileName) == "" {
		writeError(w, http.StatusBadRequest, errors.New("fileName is required"))
		return
	}
	if req.FileSize <= 0 {
		writeError(w, http.StatusBadRequest, errors.New("fileSize must be positive"))
		return
	}

	session, err := h.Store.CreateSession(storage.CreateSessionParams{
		FileName: req.FileName,
		Size:     req.FileSize,
		Metadata: req.Metadata,
	})
	if err != nil {
		h.Logger.Error("failed to create upload session", "error", err)
		writeError(w, http.StatusInternalServerError, errors.New("failed to create upload session"))
		return
	}

	h.Logger.Info("upload session created",
		"upload_id", session.ID, "file", session.FileName, "size", session.Size)
	h.recorder().ObserveSessionEvent("created")
	writeJSON(w, http.StatusCreated, initUploadResponse{UploadID: session.ID, Status: "readyToUpload"})
}

// ReceiveChunk stages one chunk. The upload id and chunk number arrive as
// headers, the raw chunk bytes as the body.
func (h *Handler) ReceiveChunk(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
		return
	}

	uploadID, err := strconv.ParseInt(strings.TrimSpace(r.Header.Get(headerUploadID)), 10, 64)
	if err != nil || uploadID <= 0 {
		writeError(w, http.StatusBadRequest, fmt.Errorf("%s header must be a positive integer", headerUploadID))
		return
	}
	chunkNumber, err := strconv.Atoi(strings.TrimSpace(r.Header.Get(headerChunkNumber)))
	if err != nil || chunkNumber <= 0 {
		writeError(w, http.StatusBadRequest, fmt.Errorf("%s header must be a positive integer", headerChunkNumber))
		return
	}

	session, ok := h.Store.GetSession(uploadID)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("upload session %d not found", uploadID))
		return
	}
	if session.Status == models.SessionCompleted {
		writeError(w, http.StatusBadRequest, fmt.Errorf("upload session %d already completed", uploadID))
		return
	}

	written, err := h.Chunks.Put(session.Key, chunkNumber, r.Body)
	if err != nil {
		h.Logger.Error("chunk write failed",
			"upload_id", uploadID, "chunk", chunkNumber, "error", err)
		writeError(w, http.StatusInternalServerError, errors.New("failed to store chunk"))
		return
	}
	h.recorder().ObserveChunk(written)

	writeJSON(w, http.StatusOK, chunkResponse{
		Message:     "chunk received",
		ChunkNumber: chunkNumber,
		UploadID:    uploadID,
	})
}

// CompleteUpload merges the staged chunks into the session's asset, flips the
// session to completed, and queues the transcode job. The merge is
// synchronous; transcoding is not.
func (h *Handler) CompleteUpload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
		return
	}
	var req completeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid complete payload: %w", err))
		return
	}
	if req.UploadID <= 0 {
		writeError(w, http.StatusBadRequest, errors.New("uploadId must be a positive integer"))
		return
	}

	session, ok := h.Store.GetSession(req.UploadID)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("upload session %d not found", req.UploadID))
		return
	}
	if session.Status == models.SessionCompleted {
		writeJSON(w, http.StatusOK, completeResponse{Message: "upload already completed", UploadID: session.ID})
		return
	}

	written, err := h.Chunks.Merge(session.Key, session.Path)
	if err != nil {
		if errors.Is(err, chunkstore.ErrMissingChunks) {
			writeError(w, http.StatusConflict, fmt.Errorf("no chunks uploaded for session %d", session.ID))
			return
		}
		h.recorder().ObserveMerge(metrics.MergeFailed, 0)
		h.Logger.Error("merge failed", "upload_id", session.ID, "error", err)
		writeError(w, http.StatusInternalServerError, errors.New("failed to merge chunks"))
		return
	}
	h.recorder().ObserveMerge(metrics.MergeSucceeded, written)

	completed := models.SessionCompleted
	now := time.Now().UTC()
	session, err = h.Store.UpdateSession(session.ID, storage.SessionUpdate{
		Status:      &completed,
		CompletedAt: &now,
	})
	if err != nil {
		h.Logger.Error("failed to complete session", "upload_id", req.UploadID, "error", err)
		writeError(w, http.StatusInternalServerError, errors.New("failed to complete upload"))
		return
	}

	h.Logger.Info("upload merged",
		"upload_id", session.ID, "asset", session.Path, "bytes", written)
	h.recorder().ObserveSessionEvent("completed")

	if h.Processor != nil {
		h.Processor.Enqueue(transcode.Job{
			SessionID: session.ID,
			AssetPath: session.Path,
			BaseName:  session.Key,
		})
	}

	writeJSON(w, http.StatusOK, completeResponse{Message: "upload completed", UploadID: session.ID})
}

// Uploads serves the collection: GET lists every session record verbatim,
// DELETE removes all records (staged and merged files are left on disk).
func (h *Handler) Uploads(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		sessions := h.Store.ListSessions()
		if sessions == nil {
			sessions = []models.UploadSession{}
		}
		writeJSON(w, http.StatusOK, sessions)
	case http.MethodDelete:
		if err := h.Store.DeleteAllSessions(); err != nil {
			h.Logger.Error("failed to delete sessions", "error", err)
			writeError(w, http.StatusInternalServerError, errors.New("failed to delete upload sessions"))
			return
		}
		h.Logger.Info("all upload sessions deleted")
		h.recorder().ObserveSessionEvent("deleted")
		writeJSON(w, http.StatusOK, map[string]string{"message": "all upload sessions deleted"})
	default:
		w.Header().Set("Allow", "GET, DELETE")
		writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
	}
}
