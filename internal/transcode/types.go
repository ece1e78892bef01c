package transcode

import (
	"context"
	"fmt"
)

// TaskKind distinguishes the two rendition variants.
type TaskKind string

const (
	TaskVideo TaskKind = "video"
	TaskAudio TaskKind = "audio"
)

// Task describes one rendition to produce. Video tasks carry a target height
// and preserve aspect ratio; audio tasks carry a target format. Tasks are
// independent of each other.
type Task struct {
	Kind       TaskKind
	Height     int
	Format     string
	OutputPath string
}

// Label names a task in logs and error messages.
func (t Task) Label() string {
	if t.Kind == TaskAudio {
		return "audio"
	}
	return fmt.Sprintf("%dp", t.Height)
}

// Runner executes a single transcode task against a source asset. Run blocks
// until the task's process reaches a terminal state; any abnormal process exit
// is returned as an error.
type Runner interface {
	Run(ctx context.Context, assetPath string, task Task) error
}

// Prober reports the height of a source asset's video stream. A source with
// no video stream reports height 0.
type Prober interface {
	SourceHeight(ctx context.Context, assetPath string) (int, error)
}

// TaskError reports the failure of one rendition task. The orchestrator joins
// one per failed task; the batch is considered failed as a whole.
type TaskError struct {
	Task Task
	Err  error
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("transcode %s task: %v", e.Task.Label(), e.Err)
}

func (e *TaskError) Unwrap() error {
	return e.Err
}
