// Package render materializes a composed timeline into the final video file.
package render

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"sceneForge/worker/clip"
	"sceneForge/worker/ffmpeg"
	"sceneForge/worker/taskerr"
	"sceneForge/worker/timeline"
)

const DefaultOutputPath = "output/final_video.mp4"

type Result struct {
	OutputPath string
	ClipCount  int
	Duration   time.Duration
	Bed        string
}

// Materializer renders timelines to one fixed output path. Renders are serialized
// since they all target the same file.
type Materializer struct {
	tool       *ffmpeg.Tool
	outputPath string
	logger     *zap.Logger
	mu         sync.Mutex
}

func NewMaterializer(tool *ffmpeg.Tool, outputPath string, logger *zap.Logger) *Materializer {
	if outputPath == "" {
		outputPath = DefaultOutputPath
	}
	return &Materializer{tool: tool, outputPath: outputPath, logger: logger}
}

func (m *Materializer) OutputPath() string { return m.outputPath }

// Render concatenates the timeline clips in order, mixes in the bed when present and
// encodes at clip.FrameRate. On failure whatever ffmpeg wrote to the output path is left.
func (m *Materializer) Render(ctx context.Context, tl timeline.Timeline, workDir string) (Result, error) {
	if len(tl.Clips) == 0 {
		return Result{}, taskerr.Composition(nil, "timeline has no clips")
	}

	listPath := filepath.Join(workDir, "concat.txt")
	if err := writeConcatList(listPath, tl.Clips); err != nil {
		return Result{}, taskerr.Composition(err, "write concat list")
	}
	if err := os.MkdirAll(filepath.Dir(m.outputPath), 0755); err != nil {
		return Result{}, taskerr.Composition(err, "create output directory")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	start := time.Now()
	err := m.tool.Run(ctx, Args(tl, listPath, m.outputPath)...)
	if err != nil && tl.Bed != "" && ctx.Err() == nil {
		// An unreadable bed must not cost the narration.
		m.logger.Warn("Render with background music failed, retrying without it",
			zap.String("bgm", tl.Bed),
			zap.Error(err),
		)
		tl.Bed, tl.BedGain = "", 0
		err = m.tool.Run(ctx, Args(tl, listPath, m.outputPath)...)
	}
	if err != nil {
		return Result{}, taskerr.Composition(err, "render %s", m.outputPath)
	}

	m.logger.Info("Video rendered",
		zap.String("output", m.outputPath),
		zap.Int("clips", len(tl.Clips)),
		zap.Duration("timeline", tl.Duration),
		zap.Bool("bgm", tl.Bed != ""),
		zap.Duration("elapsed", time.Since(start)),
	)

	return Result{
		OutputPath: m.outputPath,
		ClipCount:  len(tl.Clips),
		Duration:   tl.Duration,
		Bed:        tl.Bed,
	}, nil
}

// Args builds the ffmpeg arguments for rendering tl from the concat list at listPath.
func Args(tl timeline.Timeline, listPath, outputPath string) []string {
	args := []string{"-f", "concat", "-safe", "0", "-i", listPath}

	if tl.Bed != "" {
		args = append(args,
			"-stream_loop", "-1",
			"-i", tl.Bed,
			"-filter_complex", bedFilter(tl),
			"-map", "0:v:0",
			"-map", "[a]",
		)
	} else {
		args = append(args, "-map", "0:v:0", "-map", "0:a:0")
	}

	return append(args,
		"-r", strconv.Itoa(clip.FrameRate),
		"-c:v", "libx264",
		"-preset", "veryfast",
		"-pix_fmt", "yuv420p",
		"-c:a", "aac",
		"-b:a", "192k",
		"-movflags", "+faststart",
		outputPath,
	)
}

// bedFilter loops the bed to the timeline length at the fixed gain and sums it with the
// narration. normalize=0 keeps the narration at unit gain.
func bedFilter(tl timeline.Timeline) string {
	return fmt.Sprintf(
		"[1:a]volume=%s,atrim=0:%s,asetpts=PTS-STARTPTS[bed];"+
			"[0:a][bed]amix=inputs=2:duration=first:dropout_transition=0:normalize=0[a]",
		strconv.FormatFloat(tl.BedGain, 'f', 3, 64),
		ffmpeg.Seconds(tl.Duration),
	)
}

func writeConcatList(path string, clips []clip.Clip) error {
	var b strings.Builder
	b.WriteString("ffconcat version 1.0\n")
	for _, c := range clips {
		abs, err := filepath.Abs(c.Path)
		if err != nil {
			return err
		}
		fmt.Fprintf(&b, "file '%s'\n", strings.ReplaceAll(abs, `'`, `'\''`))
	}
	return os.WriteFile(path, []byte(b.String()), 0644)
}
