package transcode

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"vodforge/internal/models"
	"vodforge/internal/observability/metrics"
	"vodforge/internal/storage"
)

// Transformer is the orchestration entry point the processor drives.
type Transformer interface {
	Transform(ctx context.Context, assetPath, baseName string) error
}

// ProcessorConfig wires the completion processor.
type ProcessorConfig struct {
	Store       storage.Repository
	Queue       Queue
	Transformer Transformer
	Workers     int
	Timeout     time.Duration
	Logger      *slog.Logger
	Metrics     *metrics.Recorder
}

// Processor consumes transcode jobs from the queue with a fixed worker count.
// Sessions already being worked on are skipped, so duplicate jobs (replays,
// recovery overlap) are harmless.
type Processor struct {
	store       storage.Repository
	queue       Queue
	transformer Transformer
	workers     int
	timeout     time.Duration
	logger      *slog.Logger
	metrics     *metrics.Recorder

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	inFlight map[int64]struct{}
	started  bool
}

const (
	defaultProcessorWorkers = 2
	defaultProcessorTimeout = 30 * time.Minute
)

func NewProcessor(cfg ProcessorConfig) *Processor {
	workers := cfg.Workers
	if workers <= 0 {
		workers = defaultProcessorWorkers
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultProcessorTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Processor{
		store:       cfg.Store,
		queue:       cfg.Queue,
		transformer: cfg.Transformer,
		workers:     workers,
		timeout:     timeout,
		logger:      logger,
		metrics:     recorder,
		ctx:         ctx,
		cancel:      cancel,
		inFlight:    make(map[int64]struct{}),
	}
}

func (p *Processor) Start() {
	if p == nil {
		return
	}
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return
	}
	p.started = true
	p.mu.Unlock()

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}

	go p.recoverPending()
}

// Shutdown stops the workers and waits for in-flight transforms, bounded by
// the provided context.
func (p *Processor) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}
	p.cancel()
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Enqueue submits a job for a completed session. Safe to call from request
// handlers; it never blocks past queue capacity plus shutdown.
func (p *Processor) Enqueue(job Job) {
	if p == nil || job.SessionID <= 0 {
		return
	}
	if err := p.queue.Enqueue(p.ctx, job); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, ErrQueueClosed) {
			return
		}
		p.logger.Error("transcode enqueue failed", "session_id", job.SessionID, "error", err)
	}
}

func (p *Processor) worker() {
	defer p.wg.Done()
	for {
		job, err := p.queue.Dequeue(p.ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, ErrQueueClosed) {
				return
			}
			p.logger.Warn("transcode dequeue failed", "error", err)
			continue
		}
		if !p.beginWork(job.SessionID) {
			continue
		}
		p.processJob(job)
		p.finishWork(job.SessionID)
	}
}

func (p *Processor) beginWork(id int64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.inFlight[id]; exists {
		return false
	}
	p.inFlight[id] = struct{}{}
	return true
}

func (p *Processor) finishWork(id int64) {
	p.mu.Lock()
	delete(p.inFlight, id)
	p.mu.Unlock()
}

// recoverPending re-enqueues sessions that completed their upload but still
// have a source asset on disk, which means a transcode was interrupted or
// never ran. The orchestrator deletes the asset on full success, so the
// asset's presence is the pending marker.
func (p *Processor) recoverPending() {
	if p.store == nil {
		return
	}
	for _, session := range p.store.ListSessions() {
		select {
		case <-p.ctx.Done():
			return
		default:
		}
		if session.Status != models.SessionCompleted {
			continue
		}
		if _, err := os.Stat(session.Path); err != nil {
			continue
		}
		p.logger.Info("recovering pending transcode", "session_id", session.ID, "asset", session.Path)
		p.Enqueue(Job{SessionID: session.ID, AssetPath: session.Path, BaseName: session.Key})
	}
}

func (p *Processor) processJob(job Job) {
	session, ok := p.store.GetSession(job.SessionID)
	if !ok {
		p.logger.Warn("transcode job for unknown session", "session_id", job.SessionID)
		return
	}
	assetPath := job.AssetPath
	if assetPath == "" {
		assetPath = session.Path
	}
	if _, err := os.Stat(assetPath); err != nil {
		// Already transcoded (source reclaimed) or the asset was lost.
		p.logger.Warn("transcode source missing, skipping", "session_id", job.SessionID, "asset", assetPath)
		return
	}
	baseName := job.BaseName
	if baseName == "" {
		baseName = session.Key
	}

	ctx, cancel := context.WithTimeout(p.ctx, p.timeout)
	defer cancel()

	p.logger.Info("transcode started", "session_id", job.SessionID, "asset", filepath.Base(assetPath))
	p.metrics.TranscodeJobStarted()
	if err := p.transformer.Transform(ctx, assetPath, baseName); err != nil {
		p.metrics.TranscodeJobFailed()
		p.failSession(job.SessionID, err)
		return
	}
	p.metrics.TranscodeJobCompleted()
	p.logger.Info("transcode finished", "session_id", job.SessionID)
}

// failSession records the failure on the session. The source asset is left in
// place so the transform can be retried against it.
func (p *Processor) failSession(id int64, cause error) {
	status := models.SessionError
	message := cause.Error()
	if _, err := p.store.UpdateSession(id, storage.SessionUpdate{
		Status: &status,
		Error:  &message,
	}); err != nil {
		p.logger.Error("failed to record transcode failure", "session_id", id, "error", err, "failure", cause)
		return
	}
	p.logger.Error("transcode failed", "session_id", id, "error", cause)
}
