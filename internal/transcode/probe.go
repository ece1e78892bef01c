package transcode

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
)

// FFprobe shells out to ffprobe to inspect a source asset.
type FFprobe struct {
	binary string
}

var _ Prober = (*FFprobe)(nil)

func NewFFprobe(binary string) *FFprobe {
	if strings.TrimSpace(binary) == "" {
		binary = "ffprobe"
	}
	return &FFprobe{binary: binary}
}

type probeReport struct {
	Streams []probeStream `json:"streams"`
}

type probeStream struct {
	CodecType string `json:"codec_type"`
	Height    int    `json:"height"`
}

// SourceHeight returns the tallest video stream in the asset, or 0 when the
// asset carries no video stream at all.
func (f *FFprobe) SourceHeight(ctx context.Context, assetPath string) (int, error) {
	cmd := exec.CommandContext(ctx, f.binary,
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		assetPath,
	)
	out, err := cmd.Output()
	if err != nil {
		return 0, fmt.Errorf("probe %s: %w", assetPath, err)
	}

	var report probeReport
	if err := json.Unmarshal(out, &report); err != nil {
		return 0, fmt.Errorf("decode probe report for %s: %w", assetPath, err)
	}

	height := 0
	for _, stream := range report.Streams {
		if stream.CodecType != "video" {
			continue
		}
		if stream.Height > height {
			height = stream.Height
		}
	}
	return height, nil
}
