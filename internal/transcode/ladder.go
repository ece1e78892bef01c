package transcode

import (
	"fmt"
	"path/filepath"
	"strings"
)

// ladderHeights is the fixed rendition ladder. Only rungs at or below the
// probed source height are produced; sources are never upscaled.
var ladderHeights = []int{240, 360, 720, 1080, 2160, 4320}

const audioFormat = "mp3"

// BuildTasks computes the task set for a source of the given height: one
// video task per applicable ladder rung plus exactly one audio extraction.
// An unknown source height (0) yields the audio task alone.
func BuildTasks(sourceHeight int, baseName, outputDir string) []Task {
	base := strings.TrimSuffix(filepath.Base(baseName), filepath.Ext(baseName))
	if base == "" {
		base = "asset"
	}

	tasks := make([]Task, 0, len(ladderHeights)+1)
	for _, height := range ladderHeights {
		if height > sourceHeight {
			continue
		}
		tasks = append(tasks, Task{
			Kind:       TaskVideo,
			Height:     height,
			OutputPath: filepath.Join(outputDir, fmt.Sprintf("%s-%dp.mp4", base, height)),
		})
	}
	tasks = append(tasks, Task{
		Kind:       TaskAudio,
		Format:     audioFormat,
		OutputPath: filepath.Join(outputDir, fmt.Sprintf("%s-audio.%s", base, audioFormat)),
	})
	return tasks
}
