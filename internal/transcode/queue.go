package transcode

import (
	"context"
	"errors"
	"sync"
)

// Job identifies one completed upload awaiting transcoding.
type Job struct {
	SessionID int64  `json:"sessionId"`
	AssetPath string `json:"assetPath"`
	BaseName  string `json:"baseName"`
}

// ErrQueueClosed is returned by Dequeue once the queue has been closed and
// drained.
var ErrQueueClosed = errors.New("transcode queue closed")

// Queue carries transcode jobs from the completion handler to the processor.
// Implementations must be safe for concurrent producers and consumers.
type Queue interface {
	Enqueue(ctx context.Context, job Job) error
	// Dequeue blocks until a job is available, the context is cancelled, or
	// the queue is closed.
	Dequeue(ctx context.Context) (Job, error)
	Close() error
}

// memoryQueue is the single-process queue driver: a buffered channel.
type memoryQueue struct {
	jobs chan Job

	mu     sync.Mutex
	closed bool
}

const defaultQueueBuffer = 64

// NewMemoryQueue returns an in-process queue with the given buffer size.
func NewMemoryQueue(buffer int) Queue {
	if buffer <= 0 {
		buffer = defaultQueueBuffer
	}
	return &memoryQueue{jobs: make(chan Job, buffer)}
}

func (q *memoryQueue) Enqueue(ctx context.Context, job Job) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	q.mu.Unlock()

	select {
	case q.jobs <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *memoryQueue) Dequeue(ctx context.Context) (Job, error) {
	select {
	case job, ok := <-q.jobs:
		if !ok {
			return Job{}, ErrQueueClosed
		}
		return job, nil
	case <-ctx.Done():
		return Job{}, ctx.Err()
	}
}

func (q *memoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	close(q.jobs)
	return nil
}
