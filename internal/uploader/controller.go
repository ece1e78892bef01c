package uploader

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
)

// State is the client-observable phase of an upload.
type State string

const (
	StateIdle         State = "idle"
	StateInitializing State = "initializing"
	StateUploading    State = "uploading"
	StatePaused       State = "paused"
	StateCompleted    State = "completed"
	StateError        State = "error"
)

// Progress is a snapshot of the transfer.
type Progress struct {
	State           State
	UploadID        int64
	UploadedChunks  int
	TotalChunks     int
	UploadedBytes   int64
	TotalBytes      int64
	Percent         float64
	Err             error
}

// Controller drives a chunked upload as an explicit state machine:
// idle → initializing → uploading ⇄ paused → completed, with error absorbing
// failures from initializing or uploading. Chunk sends are strictly
// sequential and single-flight; an interrupt is honoured only between chunks,
// never by aborting the in-flight request.
type Controller struct {
	client    *Client
	chunkSize int64
	logger    *slog.Logger

	mu          sync.Mutex
	state       State
	filePath    string
	fileSize    int64
	uploadID    int64
	totalChunks int
	confirmed   int
	lastErr     error

	pauseCtx    context.Context
	pauseCancel context.CancelFunc
}

func NewController(client *Client, chunkSize int64, logger *slog.Logger) *Controller {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		client:    client,
		chunkSize: chunkSize,
		logger:    logger,
		state:     StateIdle,
	}
}

// Progress reports the current snapshot. Safe to call from any goroutine.
func (c *Controller) Progress() Progress {
	c.mu.Lock()
	defer c.mu.Unlock()

	uploadedBytes := int64(c.confirmed) * c.chunkSize
	if uploadedBytes > c.fileSize {
		uploadedBytes = c.fileSize
	}
	percent := 0.0
	if c.fileSize > 0 {
		percent = float64(uploadedBytes) / float64(c.fileSize) * 100
	}
	return Progress{
		State:          c.state,
		UploadID:       c.uploadID,
		UploadedChunks: c.confirmed,
		TotalChunks:    c.totalChunks,
		UploadedBytes:  uploadedBytes,
		TotalBytes:     c.fileSize,
		Percent:        percent,
		Err:            c.lastErr,
	}
}

// Start begins a new upload from the idle state: registers the session, then
// runs the sequential chunk loop until completion, pause, or failure.
func (c *Controller) Start(ctx context.Context, filePath string, metadata map[string]any) error {
	c.mu.Lock()
	if c.state != StateIdle {
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("cannot start upload from state %q", state)
	}
	c.state = StateInitializing
	c.filePath = filePath
	c.confirmed = 0
	c.lastErr = nil
	c.pauseCtx, c.pauseCancel = context.WithCancel(context.Background())
	c.mu.Unlock()

	info, err := os.Stat(filePath)
	if err != nil {
		return c.fail(fmt.Errorf("stat %s: %w", filePath, err))
	}
	size := info.Size()
	totalChunks := int((size + c.chunkSize - 1) / c.chunkSize)
	if totalChunks == 0 {
		totalChunks = 1
	}

	uploadID, err := c.client.Init(ctx, info.Name(), size, metadata)
	if err != nil {
		return c.fail(err)
	}

	c.mu.Lock()
	c.fileSize = size
	c.totalChunks = totalChunks
	c.uploadID = uploadID
	c.state = StateUploading
	c.mu.Unlock()

	c.logger.Info("upload session started",
		"upload_id", uploadID, "file", info.Name(), "size", size, "chunks", totalChunks)
	return c.uploadLoop(ctx)
}

// Interrupt requests a pause. Only effective while uploading; the in-flight
// chunk finishes and the loop parks before sending the next one.
func (c *Controller) Interrupt() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateUploading {
		return
	}
	if c.pauseCancel != nil {
		c.pauseCancel()
	}
}

// Resume re-enters the chunk loop from the paused state, starting at the
// first chunk the server has not confirmed.
func (c *Controller) Resume(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StatePaused {
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("cannot resume upload from state %q", state)
	}
	c.state = StateUploading
	c.pauseCtx, c.pauseCancel = context.WithCancel(context.Background())
	c.mu.Unlock()

	c.logger.Info("upload resumed", "upload_id", c.uploadID, "next_chunk", c.confirmed+1)
	return c.uploadLoop(ctx)
}

// Reset discards all local progress and returns to idle. The server-side
// session record is left as-is (still uploading, orphaned).
func (c *Controller) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pauseCancel != nil {
		c.pauseCancel()
	}
	c.state = StateIdle
	c.filePath = ""
	c.fileSize = 0
	c.uploadID = 0
	c.totalChunks = 0
	c.confirmed = 0
	c.lastErr = nil
}

func (c *Controller) uploadLoop(ctx context.Context) error {
	file, err := os.Open(c.filePath)
	if err != nil {
		return c.fail(fmt.Errorf("open %s: %w", c.filePath, err))
	}
	defer file.Close()

	for {
		c.mu.Lock()
		next := c.confirmed + 1
		total := c.totalChunks
		uploadID := c.uploadID
		pauseCtx := c.pauseCtx
		c.mu.Unlock()

		if next > total {
			break
		}

		// Suspension point: the only place a pause or cancellation takes hold.
		select {
		case <-pauseCtx.Done():
			c.mu.Lock()
			c.state = StatePaused
			c.mu.Unlock()
			c.logger.Info("upload paused", "upload_id", uploadID, "confirmed_chunks", next-1)
			return nil
		case <-ctx.Done():
			return c.fail(ctx.Err())
		default:
		}

		offset := int64(next-1) * c.chunkSize
		length := c.chunkSize
		if remaining := c.fileSize - offset; remaining < length {
			length = remaining
		}
		chunk := io.NewSectionReader(file, offset, length)

		if err := c.client.SendChunk(ctx, uploadID, next, chunk); err != nil {
			return c.fail(err)
		}

		c.mu.Lock()
		c.confirmed = next
		c.mu.Unlock()
		c.logger.Debug("chunk confirmed", "upload_id", uploadID, "chunk", next, "total", total)
	}

	if err := c.client.Complete(ctx, c.uploadID); err != nil {
		return c.fail(err)
	}

	c.mu.Lock()
	c.state = StateCompleted
	c.mu.Unlock()
	c.logger.Info("upload completed", "upload_id", c.uploadID)
	return nil
}

// fail moves the machine into the absorbing error state.
func (c *Controller) fail(err error) error {
	c.mu.Lock()
	c.state = StateError
	c.lastErr = err
	c.mu.Unlock()
	c.logger.Error("upload failed", "upload_id", c.uploadID, "error", err)
	return err
}
