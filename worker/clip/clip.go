// Package clip turns one resolved scene bundle into a timed audio+visual segment:
// the scene image held for exactly the narration's duration, faded in and out,
// with optional burned-in captions.
package clip

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/asticode/go-astisub"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"sceneForge/worker/converter"
	"sceneForge/worker/ffmpeg"
	"sceneForge/worker/matcher"
	"sceneForge/worker/taskerr"
)

const (
	// FrameRate is the fixed output frame rate of every clip and of the final render.
	FrameRate = 24

	DefaultFadeDuration = 500 * time.Millisecond
	DefaultFontName     = "Arial"
)

type Clip struct {
	SceneID  int
	Path     string
	Duration time.Duration
}

type Options struct {
	FadeDuration time.Duration
	FontName     string
	FontsDir     string
	Concurrency  int
}

type Synthesizer struct {
	tool      *ffmpeg.Tool
	converter *converter.Converter
	opts      Options
	logger    *zap.Logger
}

func NewSynthesizer(tool *ffmpeg.Tool, conv *converter.Converter, opts Options, logger *zap.Logger) *Synthesizer {
	if opts.FadeDuration <= 0 {
		opts.FadeDuration = DefaultFadeDuration
	}
	if opts.FontName == "" {
		opts.FontName = DefaultFontName
	}
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	return &Synthesizer{tool: tool, converter: conv, opts: opts, logger: logger}
}

// Build renders the clip for b into workDir.
func (s *Synthesizer) Build(ctx context.Context, b matcher.Bundle, workDir string) (Clip, error) {
	name := matcher.SceneName(b.SceneID)

	duration, err := s.tool.Duration(ctx, b.Audio)
	if err != nil {
		return Clip{}, taskerr.Composition(err, "scene %d: read audio duration", b.SceneID)
	}

	still, err := s.converter.PrepareStill(b.Image, filepath.Join(workDir, name+"_still.png"))
	if err != nil {
		return Clip{}, taskerr.Composition(err, "scene %d: prepare image", b.SceneID)
	}

	subtitle := ""
	if b.Subtitle != "" {
		subtitle, err = prepareSubtitles(b.Subtitle, filepath.Join(workDir, name+".srt"), duration)
		if err != nil {
			return Clip{}, err
		}
	}

	out := filepath.Join(workDir, name+".mp4")
	args := []string{
		"-loop", "1",
		"-framerate", strconv.Itoa(FrameRate),
		"-i", still.Path,
		"-i", b.Audio,
		"-filter_complex", s.videoFilter(still, duration, subtitle),
		"-map", "[v]",
		"-map", "1:a:0",
		"-t", ffmpeg.Seconds(duration),
		"-r", strconv.Itoa(FrameRate),
		"-c:v", "libx264",
		"-preset", "veryfast",
		"-tune", "stillimage",
		"-pix_fmt", "yuv420p",
		"-c:a", "aac",
		"-b:a", "192k",
		"-ar", "44100",
		"-ac", "2",
		out,
	}
	if err := s.tool.Run(ctx, args...); err != nil {
		return Clip{}, taskerr.Composition(err, "scene %d: render clip", b.SceneID)
	}

	s.logger.Debug("Clip rendered",
		zap.Int("scene_id", b.SceneID),
		zap.Duration("duration", duration),
		zap.Bool("captions", subtitle != ""),
	)
	return Clip{SceneID: b.SceneID, Path: out, Duration: duration}, nil
}

// BuildAll renders every bundle of m, at most Options.Concurrency at a time.
// Clips come back in manifest order regardless of completion order. progress,
// when set, is called once per finished clip with a strictly increasing count.
func (s *Synthesizer) BuildAll(ctx context.Context, m matcher.Manifest, workDir string, progress func(done, total int)) ([]Clip, error) {
	clips := make([]Clip, m.Len())
	total := m.Len()

	var (
		mu   sync.Mutex
		done int
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.Concurrency)
	for i, b := range m.Bundles {
		g.Go(func() error {
			c, err := s.Build(gctx, b, workDir)
			if err != nil {
				return err
			}
			clips[i] = c

			mu.Lock()
			done++
			if progress != nil {
				progress(done, total)
			}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return clips, nil
}

// fadeFor clamps the fade so fade-in and fade-out never overlap.
func (s *Synthesizer) fadeFor(d time.Duration) time.Duration {
	if half := d / 2; s.opts.FadeDuration > half {
		return half
	}
	return s.opts.FadeDuration
}

func (s *Synthesizer) videoFilter(still converter.Still, d time.Duration, subtitle string) string {
	fade := s.fadeFor(d)
	filters := []string{
		"[0:v]fps=" + strconv.Itoa(FrameRate),
		fmt.Sprintf("fade=t=in:st=0:d=%s", ffmpeg.Seconds(fade)),
		fmt.Sprintf("fade=t=out:st=%s:d=%s", ffmpeg.Seconds(d-fade), ffmpeg.Seconds(fade)),
	}
	if subtitle != "" {
		filters = append(filters, s.captionFilter(still, subtitle))
	}
	filters = append(filters, "format=yuv420p[v]")
	return strings.Join(filters, ",")
}

func (s *Synthesizer) captionFilter(still converter.Still, subtitle string) string {
	style := strings.Join([]string{
		"FontName=" + s.opts.FontName,
		"FontSize=" + strconv.Itoa(CaptionFontSize(still.Width, still.Height)),
		"PrimaryColour=&H00FFFFFF",
		"OutlineColour=&H00000000",
		"BorderStyle=1",
		"Outline=2",
		"Shadow=0",
		"Alignment=2",
		"MarginL=10",
		"MarginR=10",
		"MarginV=20",
	}, ",")

	f := "subtitles=filename=" + ffmpeg.EscapeFilterValue(subtitle) +
		fmt.Sprintf(":original_size=%dx%d", still.Width, still.Height)
	if s.opts.FontsDir != "" {
		f += ":fontsdir=" + ffmpeg.EscapeFilterValue(s.opts.FontsDir)
	}
	return f + ":force_style='" + style + "'"
}

// CaptionFontSize scales captions to the image width. Subtitle styles are expressed
// against a 288 line script height, so the usable script width is 288*w/h.
func CaptionFontSize(width, height int) int {
	if width <= 0 || height <= 0 {
		return 18
	}
	size := int(math.Round(288 * float64(width) / float64(height) / 24))
	switch {
	case size < 8:
		return 8
	case size > 24:
		return 24
	default:
		return size
	}
}

// prepareSubtitles parses src, drops cues that start after d, trims the rest to d
// and writes them to dst. It returns "" when no cue remains.
func prepareSubtitles(src, dst string, d time.Duration) (string, error) {
	subs, err := astisub.OpenFile(src)
	if err != nil {
		return "", taskerr.Validationf("parse subtitles %s: %v", src, err)
	}

	kept := subs.Items[:0]
	for _, item := range subs.Items {
		if item.StartAt >= d {
			continue
		}
		if item.EndAt > d {
			item.EndAt = d
		}
		kept = append(kept, item)
	}
	subs.Items = kept
	if len(subs.Items) == 0 {
		return "", nil
	}

	f, err := os.Create(dst)
	if err != nil {
		return "", fmt.Errorf("create subtitles: %w", err)
	}
	defer f.Close()

	if err := subs.WriteToSRT(f); err != nil {
		return "", fmt.Errorf("write subtitles: %w", err)
	}
	return dst, nil
}
