package transcode

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"golang.org/x/sync/errgroup"
)

// OrchestratorConfig wires the collaborators for rendition orchestration.
type OrchestratorConfig struct {
	Prober    Prober
	Runner    Runner
	OutputDir string
	Logger    *slog.Logger
}

// Orchestrator turns one merged asset into its rendition set.
type Orchestrator struct {
	prober    Prober
	runner    Runner
	outputDir string
	logger    *slog.Logger
}

func NewOrchestrator(cfg OrchestratorConfig) (*Orchestrator, error) {
	if cfg.Runner == nil {
		return nil, fmt.Errorf("transcode runner is required")
	}
	if cfg.Prober == nil {
		return nil, fmt.Errorf("transcode prober is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	outputDir := cfg.OutputDir
	if outputDir == "" {
		outputDir = "transformed"
	}
	return &Orchestrator{
		prober:    cfg.Prober,
		runner:    cfg.Runner,
		outputDir: outputDir,
		logger:    logger,
	}, nil
}

// Transform probes the asset, dispatches every rendition task concurrently,
// and awaits the whole batch. The source asset is deleted only when every
// task succeeded; any failure preserves the source so the caller can retry
// the full transform against it. Probe failure degrades to an audio-only
// task set rather than failing the batch.
func (o *Orchestrator) Transform(ctx context.Context, assetPath, baseName string) error {
	height, err := o.prober.SourceHeight(ctx, assetPath)
	if err != nil {
		o.logger.Warn("source probe failed, producing audio only",
			"asset", assetPath, "error", err)
		height = 0
	}

	tasks := BuildTasks(height, baseName, o.outputDir)
	if err := os.MkdirAll(o.outputDir, 0o755); err != nil {
		return fmt.Errorf("create output dir %s: %w", o.outputDir, err)
	}

	o.logger.Info("dispatching transcode batch",
		"asset", filepath.Base(assetPath), "source_height", height, "tasks", len(tasks))

	results := make(chan error, len(tasks))
	var group errgroup.Group
	for _, task := range tasks {
		task := task
		group.Go(func() error {
			if err := o.runner.Run(ctx, assetPath, task); err != nil {
				results <- &TaskError{Task: task, Err: err}
			} else {
				results <- nil
			}
			return nil
		})
	}
	_ = group.Wait()
	close(results)

	var failures []error
	for err := range results {
		if err != nil {
			failures = append(failures, err)
		}
	}
	if len(failures) > 0 {
		return errors.Join(failures...)
	}

	if err := os.Remove(assetPath); err != nil {
		return fmt.Errorf("remove source asset %s: %w", assetPath, err)
	}
	o.logger.Info("transcode batch complete", "asset", filepath.Base(assetPath), "renditions", len(tasks))
	return nil
}
