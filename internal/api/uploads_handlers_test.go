package api

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"

	"vodforge/internal/chunkstore"
	"vodforge/internal/models"
	"vodforge/internal/observability/metrics"
	"vodforge/internal/storage"
	"vodforge/internal/transcode"
)

type stubEnqueuer struct {
	mu   sync.Mutex
	jobs []transcode.Job
}

func (s *stubEnqueuer) Enqueue(job transcode.Job) {
	s.mu.Lock()
	s.jobs = append(s.jobs, job)
	s.mu.Unlock()
}

func (s *stubEnqueuer) jobCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

type fixture struct {
	handler  *Handler
	store    *storage.Storage
	enqueuer *stubEnqueuer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	store, err := storage.NewJSONRepository(
		filepath.Join(dir, "store.json"),
		storage.WithMergedRoot(filepath.Join(dir, "uploads")),
	)
	if err != nil {
		t.Fatalf("open datastore: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	chunks := chunkstore.New(filepath.Join(dir, "chunks"), logger)
	enqueuer := &stubEnqueuer{}
	handler := NewHandler(store, chunks, enqueuer, logger)
	handler.Metrics = metrics.New()
	return &fixture{
		handler:  handler,
		store:    store,
		enqueuer: enqueuer,
	}
}

func (f *fixture) initUpload(t *testing.T, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/uploads/init", strings.NewReader(body))
	rec := httptest.NewRecorder()
	f.handler.InitUpload(rec, req)
	return rec
}

func (f *fixture) sendChunk(t *testing.T, uploadID, chunkNumber string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/uploads/chunk", bytes.NewReader(body))
	if uploadID != "" {
		req.Header.Set("X-Upload-Id", uploadID)
	}
	if chunkNumber != "" {
		req.Header.Set("X-Chunk-Number", chunkNumber)
	}
	rec := httptest.NewRecorder()
	f.handler.ReceiveChunk(rec, req)
	return rec
}

func (f *fixture) complete(t *testing.T, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/uploads/complete", strings.NewReader(body))
	rec := httptest.NewRecorder()
	f.handler.CompleteUpload(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, dest any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), dest); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
}

func TestInitUploadCreatesSession(t *testing.T) {
	f := newFixture(t)

	rec := f.initUpload(t, `{"fileName":"movie.mp4","fileSize":1024,"metadata":{"title":"Demo","year":2026}}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		UploadID int64  `json:"uploadId"`
		Status   string `json:"status"`
	}
	decodeBody(t, rec, &resp)
	if resp.UploadID != 1 {
		t.Fatalf("expected uploadId 1, got %d", resp.UploadID)
	}
	if resp.Status != "readyToUpload" {
		t.Fatalf("expected readyToUpload, got %q", resp.Status)
	}

	session, ok := f.store.GetSession(resp.UploadID)
	if !ok {
		t.Fatalf("session not persisted")
	}
	if session.Status != models.SessionUploading {
		t.Fatalf("expected uploading status, got %q", session.Status)
	}
	if session.Metadata["title"] != "Demo" {
		t.Fatalf("metadata not stored verbatim: %v", session.Metadata)
	}
}

func TestInitUploadValidation(t *testing.T) {
	f := newFixture(t)

	cases := []struct {
		name string
		body string
	}{
		{"missing file name", `{"fileName":"","fileSize":10,"metadata":{}}`},
		{"zero size", `{"fileName":"a.mp4","fileSize":0,"metadata":{}}`},
		{"negative size", `{"fileName":"a.mp4","fileSize":-5,"metadata":{}}`},
		{"malformed json", `{"fileName":`},
		{"unknown field", `{"fileName":"a.mp4","fileSize":10,"metadata":{},"extra":true}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if rec := f.initUpload(t, tc.body); rec.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
			}
		})
	}
}

func TestReceiveChunkHeaderValidation(t *testing.T) {
	f := newFixture(t)
	rec := f.initUpload(t, `{"fileName":"a.mp4","fileSize":10,"metadata":{}}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("init failed: %s", rec.Body.String())
	}

	cases := []struct {
		name     string
		uploadID string
		chunk    string
		want     int
	}{
		{"missing upload id", "", "1", http.StatusBadRequest},
		{"non-numeric upload id", "abc", "1", http.StatusBadRequest},
		{"non-positive upload id", "0", "1", http.StatusBadRequest},
		{"missing chunk number", "1", "", http.StatusBadRequest},
		{"non-numeric chunk number", "1", "x", http.StatusBadRequest},
		{"non-positive chunk number", "1", "-2", http.StatusBadRequest},
		{"unknown session", "999", "1", http.StatusNotFound},
		{"valid", "1", "1", http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := f.sendChunk(t, tc.uploadID, tc.chunk, []byte("data"))
			if rec.Code != tc.want {
				t.Fatalf("expected %d, got %d: %s", tc.want, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestReceiveChunkResponsePayload(t *testing.T) {
	f := newFixture(t)
	f.initUpload(t, `{"fileName":"a.mp4","fileSize":10,"metadata":{}}`)

	rec := f.sendChunk(t, "1", "7", []byte("data"))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp struct {
		Message     string `json:"message"`
		ChunkNumber int    `json:"chunkNumber"`
		UploadID    int64  `json:"uploadId"`
	}
	decodeBody(t, rec, &resp)
	if resp.ChunkNumber != 7 || resp.UploadID != 1 || resp.Message == "" {
		t.Fatalf("unexpected chunk response: %+v", resp)
	}
}

func TestCompleteUnknownSession(t *testing.T) {
	f := newFixture(t)
	if rec := f.complete(t, `{"uploadId":42}`); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestCompleteWithoutChunks(t *testing.T) {
	f := newFixture(t)
	f.initUpload(t, `{"fileName":"a.mp4","fileSize":10,"metadata":{}}`)

	rec := f.complete(t, `{"uploadId":1}`)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for merge without chunks, got %d: %s", rec.Code, rec.Body.String())
	}
	session, _ := f.store.GetSession(1)
	if session.Status != models.SessionUploading {
		t.Fatalf("failed merge must not flip status, got %q", session.Status)
	}
	if f.enqueuer.jobCount() != 0 {
		t.Fatalf("failed merge must not enqueue transcode jobs")
	}
}

func TestCompleteIsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.initUpload(t, `{"fileName":"a.mp4","fileSize":4,"metadata":{}}`)
	f.sendChunk(t, "1", "1", []byte("data"))

	if rec := f.complete(t, `{"uploadId":1}`); rec.Code != http.StatusOK {
		t.Fatalf("first complete: %d %s", rec.Code, rec.Body.String())
	}
	rec := f.complete(t, `{"uploadId":1}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("second complete: %d %s", rec.Code, rec.Body.String())
	}
	if f.enqueuer.jobCount() != 1 {
		t.Fatalf("expected a single transcode job, got %d", f.enqueuer.jobCount())
	}
}

func TestChunkAfterCompletionRejected(t *testing.T) {
	f := newFixture(t)
	f.initUpload(t, `{"fileName":"a.mp4","fileSize":4,"metadata":{}}`)
	f.sendChunk(t, "1", "1", []byte("data"))
	f.complete(t, `{"uploadId":1}`)

	if rec := f.sendChunk(t, "1", "2", []byte("late")); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for chunk after completion, got %d", rec.Code)
	}
}

func TestUploadsListAndDeleteAll(t *testing.T) {
	f := newFixture(t)
	f.initUpload(t, `{"fileName":"a.mp4","fileSize":1,"metadata":{}}`)
	f.initUpload(t, `{"fileName":"b.mp4","fileSize":2,"metadata":{}}`)

	req := httptest.NewRequest(http.MethodGet, "/api/uploads", nil)
	rec := httptest.NewRecorder()
	f.handler.Uploads(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("list: %d", rec.Code)
	}
	var sessions []models.UploadSession
	decodeBody(t, rec, &sessions)
	if len(sessions) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(sessions))
	}
	if sessions[0].ID != 1 || sessions[1].ID != 2 {
		t.Fatalf("expected sessions ordered by id: %+v", sessions)
	}

	req = httptest.NewRequest(http.MethodDelete, "/api/uploads", nil)
	rec = httptest.NewRecorder()
	f.handler.Uploads(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("delete all: %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/uploads", nil)
	rec = httptest.NewRecorder()
	f.handler.Uploads(rec, req)
	sessions = nil
	decodeBody(t, rec, &sessions)
	if len(sessions) != 0 {
		t.Fatalf("expected empty list after delete, got %d", len(sessions))
	}
}

func TestUploadsMethodNotAllowed(t *testing.T) {
	f := newFixture(t)
	req := httptest.NewRequest(http.MethodPut, "/api/uploads", nil)
	rec := httptest.NewRecorder()
	f.handler.Uploads(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}

// Mirrors the reference transfer: a 30 MiB file in 10 MiB chunks merges into
// a byte-exact asset and flips the session to completed.
func TestEndToEndThreeChunkUpload(t *testing.T) {
	f := newFixture(t)

	const chunkSize = 10 << 20
	const totalSize = 31457280 // 3 * 10 MiB

	rec := f.initUpload(t, `{"fileName":"movie.mp4","fileSize":31457280,"metadata":{}}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("init: %d %s", rec.Code, rec.Body.String())
	}

	remaining := totalSize
	chunkNumber := 0
	for remaining > 0 {
		chunkNumber++
		size := chunkSize
		if remaining < size {
			size = remaining
		}
		chunk := bytes.Repeat([]byte{byte(chunkNumber)}, size)
		if rec := f.sendChunk(t, "1", strconv.Itoa(chunkNumber), chunk); rec.Code != http.StatusOK {
			t.Fatalf("chunk %d: %d %s", chunkNumber, rec.Code, rec.Body.String())
		}
		remaining -= size
	}
	if chunkNumber != 3 {
		t.Fatalf("expected 3 chunks for %d bytes, sent %d", totalSize, chunkNumber)
	}

	if rec := f.complete(t, `{"uploadId":1}`); rec.Code != http.StatusOK {
		t.Fatalf("complete: %d %s", rec.Code, rec.Body.String())
	}

	session, ok := f.store.GetSession(1)
	if !ok {
		t.Fatalf("session missing")
	}
	if session.Status != models.SessionCompleted {
		t.Fatalf("expected completed, got %q", session.Status)
	}
	if session.CompletedAt == nil {
		t.Fatalf("expected completedAt set")
	}
	info, err := os.Stat(session.Path)
	if err != nil {
		t.Fatalf("stat merged asset: %v", err)
	}
	if info.Size() != totalSize {
		t.Fatalf("merged asset %d bytes, want %d", info.Size(), totalSize)
	}
	if f.enqueuer.jobCount() != 1 {
		t.Fatalf("expected one transcode job enqueued")
	}
}

func TestHandlersRecordUploadMetrics(t *testing.T) {
	f := newFixture(t)

	rec := f.initUpload(t, `{"fileName":"movie.mp4","fileSize":9}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("init: expected 201, got %d", rec.Code)
	}
	body := []byte("九 bytes")
	if rec := f.sendChunk(t, "1", "1", body); rec.Code != http.StatusOK {
		t.Fatalf("chunk: expected 200, got %d", rec.Code)
	}
	if rec := f.complete(t, `{"uploadId":1}`); rec.Code != http.StatusOK {
		t.Fatalf("complete: expected 200, got %d", rec.Code)
	}

	chunks, chunkBytes := f.handler.Metrics.ChunkCounts()
	if chunks != 1 || chunkBytes != uint64(len(body)) {
		t.Fatalf("unexpected chunk counters: %d chunks / %d bytes", chunks, chunkBytes)
	}
	merges, mergedBytes := f.handler.Metrics.MergeCounts()
	if merges[metrics.MergeSucceeded] != 1 || mergedBytes != uint64(len(body)) {
		t.Fatalf("unexpected merge counters: %v / %d bytes", merges, mergedBytes)
	}
	events := f.handler.Metrics.SessionEventCounts()
	if events["created"] != 1 || events["completed"] != 1 {
		t.Fatalf("unexpected session events: %v", events)
	}
}
