package transcode

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"

	"golang.org/x/sync/semaphore"
)

const defaultMaxProcesses = 4

// FFmpegRunner executes one ffmpeg process per task. A process-wide semaphore
// bounds how many encodes run at once across every session, so a burst of
// completions queues instead of exhausting the host.
type FFmpegRunner struct {
	binary string
	sem    *semaphore.Weighted
	logger *slog.Logger
}

var _ Runner = (*FFmpegRunner)(nil)

func NewFFmpegRunner(binary string, maxProcesses int64, logger *slog.Logger) *FFmpegRunner {
	if strings.TrimSpace(binary) == "" {
		binary = "ffmpeg"
	}
	if maxProcesses <= 0 {
		maxProcesses = defaultMaxProcesses
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &FFmpegRunner{
		binary: binary,
		sem:    semaphore.NewWeighted(maxProcesses),
		logger: logger,
	}
}

// Run starts an isolated ffmpeg process for the task and waits for its
// terminal state. The process result arrives over a channel from the wait
// goroutine; an abnormal exit is indistinguishable from an encode failure.
func (r *FFmpegRunner) Run(ctx context.Context, assetPath string, task Task) error {
	if err := r.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer r.sem.Release(1)

	args := transcodeArgs(assetPath, task)
	procCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	cmd := exec.CommandContext(procCtx, r.binary, args...)
	cmd.Stdout = newLogWriter(r.logger, task.Label(), "stdout")
	cmd.Stderr = newLogWriter(r.logger, task.Label(), "stderr")
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start ffmpeg for %s: %w", task.Label(), err)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case <-ctx.Done():
		cancel()
		<-done
		return ctx.Err()
	case err := <-done:
		if err != nil {
			return fmt.Errorf("ffmpeg %s: %w", task.Label(), err)
		}
		return nil
	}
}

// transcodeArgs builds the ffmpeg invocation for one task. Video renditions
// constrain only the target height (-2 keeps the width divisible by two while
// preserving aspect); audio tasks drop the video stream entirely.
func transcodeArgs(assetPath string, task Task) []string {
	args := []string{"-y", "-i", assetPath}
	switch task.Kind {
	case TaskAudio:
		args = append(args,
			"-vn",
			"-c:a", "libmp3lame",
			"-q:a", "2",
		)
	default:
		args = append(args,
			"-vf", fmt.Sprintf("scale=-2:%d", task.Height),
			"-c:v", "libx264",
			"-preset", "fast",
			"-crf", "23",
			"-c:a", "aac",
		)
	}
	return append(args, task.OutputPath)
}

// logWriter folds a process stream into structured log lines.
type logWriter struct {
	logger *slog.Logger
	task   string
	stream string
}

func newLogWriter(logger *slog.Logger, task, stream string) *logWriter {
	return &logWriter{logger: logger, task: task, stream: stream}
}

func (w *logWriter) Write(p []byte) (int, error) {
	total := len(p)
	for len(p) > 0 {
		idx := bytes.IndexByte(p, '\n')
		var line []byte
		if idx == -1 {
			line = p
			p = nil
		} else {
			line = p[:idx]
			p = p[idx+1:]
		}
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		w.logger.Debug("ffmpeg output", "task", w.task, "stream", w.stream, "line", string(line))
	}
	return total, nil
}
