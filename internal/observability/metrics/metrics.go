package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type requestLabel struct {
	method string
	path   string
	status string
}

// MergeOutcome labels the terminal state of a merge attempt.
type MergeOutcome string

const (
	MergeSucceeded MergeOutcome = "success"
	MergeFailed    MergeOutcome = "failure"
)

// Recorder aggregates in-memory counters and gauges for HTTP traffic, upload
// sessions, chunk ingest, merges, and transcode jobs. Writers coordinate via
// a RWMutex; the active-job gauge is atomic so concurrent transcodes stay
// consistent.
type Recorder struct {
	mu              sync.RWMutex
	requestCount    map[requestLabel]uint64
	requestDuration map[requestLabel]time.Duration

	sessionEvents map[string]uint64

	chunkCount uint64
	chunkBytes uint64

	mergeCount  map[MergeOutcome]uint64
	mergedBytes uint64

	transcodeEvents map[string]uint64
	activeTranscode atomic.Int64
}

var defaultRecorder = New()

// New constructs an empty Recorder with initialized backing maps so callers
// can record immediately.
func New() *Recorder {
	return &Recorder{
		requestCount:    make(map[requestLabel]uint64),
		requestDuration: make(map[requestLabel]time.Duration),
		sessionEvents:   make(map[string]uint64),
		mergeCount:      make(map[MergeOutcome]uint64),
		transcodeEvents: make(map[string]uint64),
	}
}

// Default returns the shared Recorder instance for packages that do not need
// a custom instrumentation pipeline.
func Default() *Recorder {
	return defaultRecorder
}

// ObserveRequest accumulates request count and cumulative duration by HTTP
// method, normalized path, and status code.
func (r *Recorder) ObserveRequest(method, path string, status int, duration time.Duration) {
	label := requestLabel{
		method: strings.ToUpper(method),
		path:   normalizePath(path),
		status: fmt.Sprintf("%d", status),
	}
	r.mu.Lock()
	r.requestCount[label]++
	r.requestDuration[label] += duration
	r.mu.Unlock()
}

// ObserveSessionEvent records an upload-session lifecycle event: created,
// completed, failed, deleted.
func (r *Recorder) ObserveSessionEvent(event string) {
	normalized := normalizeName(event)
	r.mu.Lock()
	r.sessionEvents[normalized]++
	r.mu.Unlock()
}

// ObserveChunk records one accepted chunk of the given size.
func (r *Recorder) ObserveChunk(bytes int64) {
	r.mu.Lock()
	r.chunkCount++
	if bytes > 0 {
		r.chunkBytes += uint64(bytes)
	}
	r.mu.Unlock()
}

// ObserveMerge records a merge attempt outcome and, on success, the merged
// asset size.
func (r *Recorder) ObserveMerge(outcome MergeOutcome, bytes int64) {
	r.mu.Lock()
	r.mergeCount[outcome]++
	if outcome == MergeSucceeded && bytes > 0 {
		r.mergedBytes += uint64(bytes)
	}
	r.mu.Unlock()
}

// TranscodeJobStarted increments the active transcode gauge and the start
// counter.
func (r *Recorder) TranscodeJobStarted() {
	r.recordTranscodeEvent("start")
	r.activeTranscode.Add(1)
}

// TranscodeJobCompleted records a successful job and releases the gauge.
func (r *Recorder) TranscodeJobCompleted() {
	r.recordTranscodeEvent("complete")
	r.decrementGauge(&r.activeTranscode)
}

// TranscodeJobFailed records a failed job and releases the gauge, guarding
// against negative counts when a job never started.
func (r *Recorder) TranscodeJobFailed() {
	r.recordTranscodeEvent("fail")
	r.decrementGauge(&r.activeTranscode)
}

func (r *Recorder) recordTranscodeEvent(status string) {
	normalized := normalizeName(status)
	r.mu.Lock()
	r.transcodeEvents[normalized]++
	r.mu.Unlock()
}

// ActiveTranscodeJobs exposes the current number of in-flight transcode jobs.
func (r *Recorder) ActiveTranscodeJobs() int64 {
	return r.activeTranscode.Load()
}

// ChunkCounts returns the accepted chunk count and byte total, for tests and
// reporting.
func (r *Recorder) ChunkCounts() (count, bytes uint64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.chunkCount, r.chunkBytes
}

// MergeCounts returns copies of the merge outcome counters and the merged
// byte total.
func (r *Recorder) MergeCounts() (counts map[MergeOutcome]uint64, bytes uint64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	counts = make(map[MergeOutcome]uint64, len(r.mergeCount))
	for k, v := range r.mergeCount {
		counts[k] = v
	}
	return counts, r.mergedBytes
}

// SessionEventCounts returns a copy of the session lifecycle counters.
func (r *Recorder) SessionEventCounts() map[string]uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	events := make(map[string]uint64, len(r.sessionEvents))
	for k, v := range r.sessionEvents {
		events[k] = v
	}
	return events
}

// Reset clears all counters and gauges. Intended for test setups.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requestCount = make(map[requestLabel]uint64)
	r.requestDuration = make(map[requestLabel]time.Duration)
	r.sessionEvents = make(map[string]uint64)
	r.chunkCount = 0
	r.chunkBytes = 0
	r.mergeCount = make(map[MergeOutcome]uint64)
	r.mergedBytes = 0
	r.transcodeEvents = make(map[string]uint64)
	r.activeTranscode.Store(0)
}

// Handler exposes the Recorder as an http.Handler writing Prometheus text
// exposition data.
func (r *Recorder) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		r.Write(w)
	})
}

// Write renders the metrics in Prometheus text format with sorted label sets
// so scrapes and tests see stable output.
func (r *Recorder) Write(w io.Writer) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	requestLabels := r.sortedRequestLabels()
	sessionEvents := sortedKeys(r.sessionEvents)
	transcodeEvents := sortedKeys(r.transcodeEvents)
	mergeOutcomes := r.sortedMergeOutcomes()

	fmt.Fprintln(w, "# HELP vodforge_http_requests_total Total number of HTTP requests processed by the API")
	fmt.Fprintln(w, "# TYPE vodforge_http_requests_total counter")
	for _, label := range requestLabels {
		count := r.requestCount[label]
		fmt.Fprintf(w, "vodforge_http_requests_total{method=\"%s\",path=\"%s\",status=\"%s\"} %d\n", label.method, label.path, label.status, count)
	}

	fmt.Fprintln(w, "# HELP vodforge_http_request_duration_seconds_sum Cumulative duration of HTTP requests in seconds")
	fmt.Fprintln(w, "# TYPE vodforge_http_request_duration_seconds_sum counter")
	for _, label := range requestLabels {
		duration := r.requestDuration[label].Seconds()
		fmt.Fprintf(w, "vodforge_http_request_duration_seconds_sum{method=\"%s\",path=\"%s\",status=\"%s\"} %f\n", label.method, label.path, label.status, duration)
	}

	fmt.Fprintln(w, "# HELP vodforge_http_request_duration_seconds_count Total number of observations for request durations")
	fmt.Fprintln(w, "# TYPE vodforge_http_request_duration_seconds_count counter")
	for _, label := range requestLabels {
		count := r.requestCount[label]
		fmt.Fprintf(w, "vodforge_http_request_duration_seconds_count{method=\"%s\",path=\"%s\",status=\"%s\"} %d\n", label.method, label.path, label.status, count)
	}

	fmt.Fprintln(w, "# HELP vodforge_upload_sessions_total Upload session lifecycle events by type")
	fmt.Fprintln(w, "# TYPE vodforge_upload_sessions_total counter")
	for _, event := range sessionEvents {
		fmt.Fprintf(w, "vodforge_upload_sessions_total{event=\"%s\"} %d\n", event, r.sessionEvents[event])
	}

	fmt.Fprintln(w, "# HELP vodforge_upload_chunks_total Total chunks accepted by the chunk store")
	fmt.Fprintln(w, "# TYPE vodforge_upload_chunks_total counter")
	fmt.Fprintf(w, "vodforge_upload_chunks_total %d\n", r.chunkCount)

	fmt.Fprintln(w, "# HELP vodforge_upload_chunk_bytes_total Total chunk bytes accepted by the chunk store")
	fmt.Fprintln(w, "# TYPE vodforge_upload_chunk_bytes_total counter")
	fmt.Fprintf(w, "vodforge_upload_chunk_bytes_total %d\n", r.chunkBytes)

	fmt.Fprintln(w, "# HELP vodforge_merges_total Merge attempts by outcome")
	fmt.Fprintln(w, "# TYPE vodforge_merges_total counter")
	for _, outcome := range mergeOutcomes {
		fmt.Fprintf(w, "vodforge_merges_total{outcome=\"%s\"} %d\n", outcome, r.mergeCount[outcome])
	}

	fmt.Fprintln(w, "# HELP vodforge_merged_bytes_total Total bytes written into merged assets")
	fmt.Fprintln(w, "# TYPE vodforge_merged_bytes_total counter")
	fmt.Fprintf(w, "vodforge_merged_bytes_total %d\n", r.mergedBytes)

	fmt.Fprintln(w, "# HELP vodforge_transcode_jobs_total Transcode job events by status")
	fmt.Fprintln(w, "# TYPE vodforge_transcode_jobs_total counter")
	for _, event := range transcodeEvents {
		fmt.Fprintf(w, "vodforge_transcode_jobs_total{status=\"%s\"} %d\n", event, r.transcodeEvents[event])
	}

	fmt.Fprintln(w, "# HELP vodforge_transcode_active_jobs Current number of active transcode jobs")
	fmt.Fprintln(w, "# TYPE vodforge_transcode_active_jobs gauge")
	fmt.Fprintf(w, "vodforge_transcode_active_jobs %d\n", r.activeTranscode.Load())
}

func (r *Recorder) sortedRequestLabels() []requestLabel {
	labels := make([]requestLabel, 0, len(r.requestCount))
	for label := range r.requestCount {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].method != labels[j].method {
			return labels[i].method < labels[j].method
		}
		if labels[i].path != labels[j].path {
			return labels[i].path < labels[j].path
		}
		return labels[i].status < labels[j].status
	})
	return labels
}

func (r *Recorder) sortedMergeOutcomes() []MergeOutcome {
	outcomes := make([]MergeOutcome, 0, len(r.mergeCount))
	for outcome := range r.mergeCount {
		outcomes = append(outcomes, outcome)
	}
	sort.Slice(outcomes, func(i, j int) bool { return outcomes[i] < outcomes[j] })
	return outcomes
}

func sortedKeys(m map[string]uint64) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func normalizeName(name string) string {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}

func normalizePath(path string) string {
	if path == "" || path == "/" {
		return "/"
	}
	parts := strings.Split(path, "/")
	for i, part := range parts {
		if part == "" {
			continue
		}
		if looksLikeIdentifier(part) {
			parts[i] = ":id"
			continue
		}
	}
	normalized := strings.Join(parts, "/")
	if !strings.HasPrefix(normalized, "/") {
		normalized = "/" + normalized
	}
	if strings.HasSuffix(normalized, "/") && len(normalized) > 1 {
		normalized = strings.TrimSuffix(normalized, "/")
	}
	return normalized
}

func looksLikeIdentifier(segment string) bool {
	if len(segment) >= 16 {
		return true
	}
	digitCount := 0
	for _, r := range segment {
		if r >= '0' && r <= '9' {
			digitCount++
		}
	}
	return digitCount >= 3
}

func (r *Recorder) decrementGauge(gauge *atomic.Int64) {
	for {
		current := gauge.Load()
		if current <= 0 {
			return
		}
		if gauge.CompareAndSwap(current, current-1) {
			return
		}
	}
}
