package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestObserveRequestAggregates(t *testing.T) {
	recorder := New()
	recorder.ObserveRequest("post", "/api/uploads/chunk", 200, 15*time.Millisecond)
	recorder.ObserveRequest("POST", "/api/uploads/chunk", 200, 5*time.Millisecond)

	var out strings.Builder
	recorder.Write(&out)
	body := out.String()
	if !strings.Contains(body, `vodforge_http_requests_total{method="POST",path="/api/uploads/chunk",status="200"} 2`) {
		t.Fatalf("expected aggregated request counter, got:\n%s", body)
	}
}

func TestChunkAndMergeCounters(t *testing.T) {
	recorder := New()
	recorder.ObserveChunk(1024)
	recorder.ObserveChunk(2048)
	recorder.ObserveMerge(MergeSucceeded, 3072)
	recorder.ObserveMerge(MergeFailed, 0)

	count, bytes := recorder.ChunkCounts()
	if count != 2 || bytes != 3072 {
		t.Fatalf("expected 2 chunks / 3072 bytes, got %d / %d", count, bytes)
	}
	merges, merged := recorder.MergeCounts()
	if merges[MergeSucceeded] != 1 || merges[MergeFailed] != 1 {
		t.Fatalf("unexpected merge counters: %v", merges)
	}
	if merged != 3072 {
		t.Fatalf("expected 3072 merged bytes, got %d", merged)
	}

	var out strings.Builder
	recorder.Write(&out)
	body := out.String()
	for _, want := range []string{
		"vodforge_upload_chunks_total 2",
		"vodforge_upload_chunk_bytes_total 3072",
		`vodforge_merges_total{outcome="failure"} 1`,
		`vodforge_merges_total{outcome="success"} 1`,
		"vodforge_merged_bytes_total 3072",
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("expected %q in exposition:\n%s", want, body)
		}
	}
}

func TestTranscodeGaugeNeverNegative(t *testing.T) {
	recorder := New()
	recorder.TranscodeJobStarted()
	recorder.TranscodeJobStarted()
	recorder.TranscodeJobCompleted()
	recorder.TranscodeJobFailed()
	recorder.TranscodeJobFailed()

	if got := recorder.ActiveTranscodeJobs(); got != 0 {
		t.Fatalf("expected gauge pinned at 0, got %d", got)
	}
}

func TestSessionEventCounters(t *testing.T) {
	recorder := New()
	recorder.ObserveSessionEvent("created")
	recorder.ObserveSessionEvent("Created")
	recorder.ObserveSessionEvent("  completed ")
	recorder.ObserveSessionEvent("")

	events := recorder.SessionEventCounts()
	if events["created"] != 2 || events["completed"] != 1 || events["unknown"] != 1 {
		t.Fatalf("unexpected session events: %v", events)
	}
}

func TestHandlerServesExposition(t *testing.T) {
	recorder := New()
	recorder.ObserveSessionEvent("created")

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	recorder.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Fatalf("unexpected content type %q", ct)
	}
	if !strings.Contains(rec.Body.String(), `vodforge_upload_sessions_total{event="created"} 1`) {
		t.Fatalf("expected session counter in body:\n%s", rec.Body.String())
	}
}

func TestNormalizePathMasksNumericIDs(t *testing.T) {
	cases := map[string]string{
		"/api/uploads":          "/api/uploads",
		"/api/uploads/12345":    "/api/uploads/:id",
		"/api/uploads/init":     "/api/uploads/init",
		"/api/uploads/chunk":    "/api/uploads/chunk",
		"/api/uploads/complete": "/api/uploads/complete",
		"/":                     "/",
	}
	for input, want := range cases {
		if got := normalizePath(input); got != want {
			t.Fatalf("normalizePath(%q) = %q, want %q", input, got, want)
		}
	}
}

func TestMiddlewareRecordsRequest(t *testing.T) {
	recorder := New()
	handler := HTTPMiddleware(recorder, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/uploads/init", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	var out strings.Builder
	recorder.Write(&out)
	if !strings.Contains(out.String(), `vodforge_http_requests_total{method="POST",path="/api/uploads/init",status="201"} 1`) {
		t.Fatalf("expected middleware-recorded request:\n%s", out.String())
	}
}
