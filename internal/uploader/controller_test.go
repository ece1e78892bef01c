package uploader

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"
)

// uploadServer is a minimal in-memory implementation of the server protocol.
type uploadServer struct {
	mu        sync.Mutex
	nextID    int64
	chunks    map[int64]map[int][]byte
	completed map[int64]bool

	// pauseAfter, when set, holds the response for that chunk number open:
	// the handler signals afterChunk and waits for release before replying,
	// which lets a test apply an interrupt at a known confirmation count.
	pauseAfter int
	afterChunk chan struct{}
	release    chan struct{}

	failChunk int // chunk number to reject with a 500, 0 disables
}

func newUploadServer() *uploadServer {
	return &uploadServer{
		chunks:     make(map[int64]map[int][]byte),
		completed:  make(map[int64]bool),
		afterChunk: make(chan struct{}, 1),
		release:    make(chan struct{}),
	}
}

func (s *uploadServer) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/uploads/init", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.nextID++
		id := s.nextID
		s.chunks[id] = make(map[int][]byte)
		s.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]any{"uploadId": id, "status": "readyToUpload"})
	})
	mux.HandleFunc("/api/uploads/chunk", func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseInt(r.Header.Get("X-Upload-Id"), 10, 64)
		if err != nil {
			http.Error(w, `{"error":"bad id"}`, http.StatusBadRequest)
			return
		}
		number, err := strconv.Atoi(r.Header.Get("X-Chunk-Number"))
		if err != nil {
			http.Error(w, `{"error":"bad chunk"}`, http.StatusBadRequest)
			return
		}
		body, _ := io.ReadAll(r.Body)

		s.mu.Lock()
		if s.failChunk != 0 && number == s.failChunk {
			s.mu.Unlock()
			http.Error(w, `{"error":"storage failure"}`, http.StatusInternalServerError)
			return
		}
		if _, ok := s.chunks[id]; !ok {
			s.mu.Unlock()
			http.Error(w, `{"error":"unknown session"}`, http.StatusNotFound)
			return
		}
		if _, exists := s.chunks[id][number]; !exists {
			s.chunks[id][number] = body
		}
		pauseAt := s.pauseAfter
		s.mu.Unlock()

		if pauseAt != 0 && number == pauseAt {
			select {
			case s.afterChunk <- struct{}{}:
			default:
			}
			<-s.release
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"message": "chunk received", "chunkNumber": number, "uploadId": id,
		})
	})
	mux.HandleFunc("/api/uploads/complete", func(w http.ResponseWriter, r *http.Request) {
		var payload struct {
			UploadID int64 `json:"uploadId"`
		}
		_ = json.NewDecoder(r.Body).Decode(&payload)
		s.mu.Lock()
		s.completed[payload.UploadID] = true
		s.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"message": "upload completed", "uploadId": payload.UploadID})
	})
	return mux
}

func (s *uploadServer) chunkNumbers(id int64) []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	numbers := make([]int, 0, len(s.chunks[id]))
	for n := range s.chunks[id] {
		numbers = append(numbers, n)
	}
	return numbers
}

func (s *uploadServer) chunkBytes(id int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, chunk := range s.chunks[id] {
		total += len(chunk)
	}
	return total
}

func writeTestFile(t *testing.T, size int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "source.bin")
	data := bytes.Repeat([]byte{0x5A}, size)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write source file: %v", err)
	}
	return path
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestControllerUploadsWholeFile(t *testing.T) {
	server := newUploadServer()
	ts := httptest.NewServer(server.handler())
	defer ts.Close()

	// 5 full chunks of 16 bytes plus a 4-byte remainder.
	path := writeTestFile(t, 84)
	controller := NewController(NewClient(ts.URL, time.Second), 16, testLogger())

	if err := controller.Start(context.Background(), path, nil); err != nil {
		t.Fatalf("start: %v", err)
	}

	progress := controller.Progress()
	if progress.State != StateCompleted {
		t.Fatalf("expected completed state, got %q", progress.State)
	}
	if progress.TotalChunks != 6 || progress.UploadedChunks != 6 {
		t.Fatalf("expected 6/6 chunks, got %d/%d", progress.UploadedChunks, progress.TotalChunks)
	}
	if got := server.chunkBytes(1); got != 84 {
		t.Fatalf("expected 84 bytes received, got %d", got)
	}
	server.mu.Lock()
	done := server.completed[1]
	server.mu.Unlock()
	if !done {
		t.Fatalf("complete was never called")
	}
}

func TestControllerInterruptThenResume(t *testing.T) {
	server := newUploadServer()
	server.pauseAfter = 3
	ts := httptest.NewServer(server.handler())
	defer ts.Close()

	path := writeTestFile(t, 80) // 5 chunks of 16 bytes
	controller := NewController(NewClient(ts.URL, time.Second), 16, testLogger())

	go func() {
		<-server.afterChunk
		controller.Interrupt()
		close(server.release)
	}()
	if err := controller.Start(context.Background(), path, nil); err != nil {
		t.Fatalf("start: %v", err)
	}

	progress := controller.Progress()
	if progress.State != StatePaused {
		t.Fatalf("expected paused state, got %q", progress.State)
	}
	if progress.UploadedChunks != 3 {
		t.Fatalf("expected pause after chunk 3, confirmed %d", progress.UploadedChunks)
	}

	// Track which chunk numbers arrive after the resume: 1..3 must never be
	// re-sent.
	before := len(server.chunkNumbers(1))
	if err := controller.Resume(context.Background()); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if got := controller.Progress().State; got != StateCompleted {
		t.Fatalf("expected completed after resume, got %q", got)
	}
	after := server.chunkNumbers(1)
	if len(after) != 5 {
		t.Fatalf("expected 5 distinct chunks, got %v", after)
	}
	if len(after)-before != 2 {
		t.Fatalf("resume re-sent already-confirmed chunks: before=%d after=%d", before, len(after))
	}
}

func TestControllerInterruptIgnoredOutsideUploading(t *testing.T) {
	controller := NewController(NewClient("http://127.0.0.1:0", time.Second), 16, testLogger())
	controller.Interrupt()
	if got := controller.Progress().State; got != StateIdle {
		t.Fatalf("interrupt from idle must be a no-op, state %q", got)
	}
}

func TestControllerErrorStateOnChunkFailure(t *testing.T) {
	server := newUploadServer()
	server.failChunk = 2
	ts := httptest.NewServer(server.handler())
	defer ts.Close()

	path := writeTestFile(t, 48)
	controller := NewController(NewClient(ts.URL, time.Second), 16, testLogger())

	err := controller.Start(context.Background(), path, nil)
	if err == nil {
		t.Fatalf("expected chunk failure")
	}
	progress := controller.Progress()
	if progress.State != StateError {
		t.Fatalf("expected error state, got %q", progress.State)
	}
	if progress.Err == nil {
		t.Fatalf("expected recorded error")
	}
}

func TestControllerResetReturnsToIdle(t *testing.T) {
	server := newUploadServer()
	server.failChunk = 1
	ts := httptest.NewServer(server.handler())
	defer ts.Close()

	path := writeTestFile(t, 16)
	controller := NewController(NewClient(ts.URL, time.Second), 16, testLogger())
	if err := controller.Start(context.Background(), path, nil); err == nil {
		t.Fatalf("expected failure")
	}

	controller.Reset()
	progress := controller.Progress()
	if progress.State != StateIdle || progress.UploadedChunks != 0 || progress.Err != nil {
		t.Fatalf("reset must clear local state: %+v", progress)
	}

	// A fresh upload after reset starts a brand-new session.
	server.mu.Lock()
	server.failChunk = 0
	server.mu.Unlock()
	if err := controller.Start(context.Background(), path, nil); err != nil {
		t.Fatalf("start after reset: %v", err)
	}
	if got := controller.Progress().UploadID; got != 2 {
		t.Fatalf("expected new session id 2, got %d", got)
	}
}

func TestControllerRejectsStartWhilePaused(t *testing.T) {
	server := newUploadServer()
	server.pauseAfter = 1
	ts := httptest.NewServer(server.handler())
	defer ts.Close()

	path := writeTestFile(t, 48)
	controller := NewController(NewClient(ts.URL, time.Second), 16, testLogger())
	go func() {
		<-server.afterChunk
		controller.Interrupt()
		close(server.release)
	}()
	if err := controller.Start(context.Background(), path, nil); err != nil {
		t.Fatalf("start: %v", err)
	}
	if got := controller.Progress().State; got != StatePaused {
		t.Fatalf("expected paused state, got %q", got)
	}

	if err := controller.Start(context.Background(), path, nil); err == nil {
		t.Fatalf("start from paused must be rejected")
	}
	if err := controller.Resume(context.Background()); err != nil {
		t.Fatalf("resume: %v", err)
	}
}

func TestClientSendsProtocolHeaders(t *testing.T) {
	var gotID, gotChunk string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotID = r.Header.Get("X-Upload-Id")
		gotChunk = r.Header.Get("X-Chunk-Number")
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"message":"ok","chunkNumber":4,"uploadId":9}`)
	}))
	defer ts.Close()

	client := NewClient(ts.URL, time.Second)
	if err := client.SendChunk(context.Background(), 9, 4, bytes.NewReader([]byte("abc"))); err != nil {
		t.Fatalf("send chunk: %v", err)
	}
	if gotID != "9" || gotChunk != "4" {
		t.Fatalf("expected headers 9/4, got %q/%q", gotID, gotChunk)
	}
}

func TestClientSurfacesServerErrorMessage(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"error":"upload session not found"}`)
	}))
	defer ts.Close()

	client := NewClient(ts.URL, time.Second)
	err := client.SendChunk(context.Background(), 404, 1, bytes.NewReader(nil))
	if err == nil {
		t.Fatalf("expected error")
	}
	if want := "upload session not found"; !bytes.Contains([]byte(err.Error()), []byte(want)) {
		t.Fatalf("expected %q in error, got %v", want, err)
	}
}
