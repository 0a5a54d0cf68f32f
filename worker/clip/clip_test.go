package clip

import (
	"context"
	"errors"
	"image/color"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/disintegration/imaging"
	"go.uber.org/zap/zaptest"

	"sceneForge/worker/converter"
	"sceneForge/worker/ffmpeg"
	"sceneForge/worker/ffmpeg/ffmpegtest"
	"sceneForge/worker/matcher"
	"sceneForge/worker/taskerr"
)

const sampleSRT = `1
00:00:00,000 --> 00:00:01,500
Hello there

2
00:00:02,500 --> 00:00:04,000
General Kenobi
`

func writeImage(t *testing.T, path string, w, h int) {
	img := imaging.New(w, h, color.NRGBA{R: 40, G: 80, B: 160, A: 255})
	if err := imaging.Save(img, path); err != nil {
		t.Fatalf("Failed to save image: %v", err)
	}
}

func newTestSynthesizer(t *testing.T, rec *ffmpegtest.Recorder, opts Options) *Synthesizer {
	logger := zaptest.NewLogger(t)
	return NewSynthesizer(ffmpeg.NewTool(rec, "", ""), converter.NewConverter(logger, 0), opts, logger)
}

func newBundle(t *testing.T, dir string, id int, srt string) matcher.Bundle {
	name := matcher.SceneName(id)
	b := matcher.Bundle{
		SceneID: id,
		Audio:   filepath.Join(dir, name+".mp3"),
		Image:   filepath.Join(dir, name+".png"),
	}
	writeImage(t, b.Image, 320, 180)
	if srt != "" {
		b.Subtitle = filepath.Join(dir, name+".srt")
		if err := os.WriteFile(b.Subtitle, []byte(srt), 0644); err != nil {
			t.Fatalf("Failed to write subtitles: %v", err)
		}
	}
	return b
}

func TestSynthesizer_Build_HoldsImageForAudioDuration(t *testing.T) {
	dir := t.TempDir()
	work := t.TempDir()
	rec := ffmpegtest.NewRecorder()
	b := newBundle(t, dir, 1, "")
	rec.Durations[b.Audio] = 3.0

	s := newTestSynthesizer(t, rec, Options{})
	c, err := s.Build(context.Background(), b, work)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	if c.SceneID != 1 || c.Duration != 3*time.Second {
		t.Errorf("Unexpected clip: %+v", c)
	}
	if c.Path != filepath.Join(work, "scene_1.mp4") {
		t.Errorf("Unexpected clip path: %s", c.Path)
	}

	calls := rec.FFmpegCalls()
	if len(calls) != 1 {
		t.Fatalf("Expected one ffmpeg call, got %d", len(calls))
	}
	call := calls[0]
	if call.Value("-t") != "3.000" {
		t.Errorf("Expected -t 3.000, got %s", call.Value("-t"))
	}
	if call.Value("-r") != "24" {
		t.Errorf("Expected -r 24, got %s", call.Value("-r"))
	}
	graph := call.Value("-filter_complex")
	if !strings.Contains(graph, "fade=t=in:st=0:d=0.500") || !strings.Contains(graph, "fade=t=out:st=2.500:d=0.500") {
		t.Errorf("Missing symmetric fades in %q", graph)
	}
	if strings.Contains(graph, "subtitles=") {
		t.Errorf("No subtitle expected in %q", graph)
	}
}

func TestSynthesizer_Build_ClampsFadeForShortAudio(t *testing.T) {
	rec := ffmpegtest.NewRecorder()
	b := newBundle(t, t.TempDir(), 0, "")
	rec.Durations[b.Audio] = 0.6

	s := newTestSynthesizer(t, rec, Options{})
	if _, err := s.Build(context.Background(), b, t.TempDir()); err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	graph := rec.FFmpegCalls()[0].Value("-filter_complex")
	if !strings.Contains(graph, "fade=t=in:st=0:d=0.300") || !strings.Contains(graph, "fade=t=out:st=0.300:d=0.300") {
		t.Errorf("Expected fades clamped to half the clip, got %q", graph)
	}
}

func TestSynthesizer_Build_Captions(t *testing.T) {
	work := t.TempDir()
	rec := ffmpegtest.NewRecorder()
	b := newBundle(t, t.TempDir(), 2, sampleSRT)
	rec.Durations[b.Audio] = 3.0

	s := newTestSynthesizer(t, rec, Options{FontName: "Maple Mono", FontsDir: "/fonts"})
	if _, err := s.Build(context.Background(), b, work); err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	graph := rec.FFmpegCalls()[0].Value("-filter_complex")
	for _, want := range []string{
		"subtitles=filename=" + filepath.Join(work, "scene_2.srt"),
		"original_size=320x180",
		"fontsdir=/fonts",
		"FontName=Maple Mono",
		"Outline=2",
		"Alignment=2",
	} {
		if !strings.Contains(graph, want) {
			t.Errorf("Expected %q in %q", want, graph)
		}
	}

	rewritten, err := os.ReadFile(filepath.Join(work, "scene_2.srt"))
	if err != nil {
		t.Fatalf("Failed to read rewritten subtitles: %v", err)
	}
	if !strings.Contains(string(rewritten), "00:00:03,000") {
		t.Errorf("Expected the second cue trimmed to 3s:\n%s", rewritten)
	}
	if strings.Contains(string(rewritten), "00:00:04,000") {
		t.Errorf("Cue end beyond the clip was not trimmed:\n%s", rewritten)
	}
}

func TestSynthesizer_Build_DropsCuesPastAudio(t *testing.T) {
	work := t.TempDir()
	rec := ffmpegtest.NewRecorder()
	b := newBundle(t, t.TempDir(), 0, "1\n00:00:05,000 --> 00:00:06,000\nlate\n")
	rec.Durations[b.Audio] = 2.0

	s := newTestSynthesizer(t, rec, Options{})
	if _, err := s.Build(context.Background(), b, work); err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	if graph := rec.FFmpegCalls()[0].Value("-filter_complex"); strings.Contains(graph, "subtitles=") {
		t.Errorf("Subtitle with no remaining cue should be treated as absent: %q", graph)
	}
}

func TestSynthesizer_Build_ProbeFailure(t *testing.T) {
	rec := ffmpegtest.NewRecorder()
	b := newBundle(t, t.TempDir(), 0, "")

	s := newTestSynthesizer(t, rec, Options{})
	_, err := s.Build(context.Background(), b, t.TempDir())
	if !errors.Is(err, taskerr.ErrComposition) {
		t.Errorf("Expected ErrComposition, got %v", err)
	}
}

func TestSynthesizer_BuildAll_PreservesManifestOrder(t *testing.T) {
	dir := t.TempDir()
	rec := ffmpegtest.NewRecorder()

	var m matcher.Manifest
	for _, id := range []int{1, 3, 4, 7} {
		b := newBundle(t, dir, id, "")
		rec.Durations[b.Audio] = float64(id)
		m.Bundles = append(m.Bundles, b)
	}

	s := newTestSynthesizer(t, rec, Options{Concurrency: 3})

	var counts []int
	clips, err := s.BuildAll(context.Background(), m, t.TempDir(), func(done, total int) {
		if total != 4 {
			t.Errorf("Expected total 4, got %d", total)
		}
		counts = append(counts, done)
	})
	if err != nil {
		t.Fatalf("BuildAll failed: %v", err)
	}

	for i, want := range []int{1, 3, 4, 7} {
		if clips[i].SceneID != want || clips[i].Duration != time.Duration(want)*time.Second {
			t.Errorf("Clip %d: expected scene %d, got %+v", i, want, clips[i])
		}
	}
	for i, c := range counts {
		if c != i+1 {
			t.Errorf("Progress counts must increase by one, got %v", counts)
			break
		}
	}
}

func TestSynthesizer_BuildAll_StopsOnError(t *testing.T) {
	dir := t.TempDir()
	rec := ffmpegtest.NewRecorder()
	rec.Fail = func(call ffmpegtest.Call) error {
		if strings.HasSuffix(call.Args[len(call.Args)-1], "scene_1.mp4") {
			return errors.New("encoder exploded")
		}
		return nil
	}

	var m matcher.Manifest
	for _, id := range []int{0, 1, 2} {
		b := newBundle(t, dir, id, "")
		rec.Durations[b.Audio] = 1
		m.Bundles = append(m.Bundles, b)
	}

	s := newTestSynthesizer(t, rec, Options{})
	clips, err := s.BuildAll(context.Background(), m, t.TempDir(), nil)
	if err == nil || !strings.Contains(err.Error(), "scene 1") {
		t.Fatalf("Expected scene 1 failure, got %v", err)
	}
	if clips != nil {
		t.Errorf("Expected no clips on failure, got %d", len(clips))
	}
}

func TestCaptionFontSize(t *testing.T) {
	cases := []struct {
		w, h, want int
	}{
		{1920, 1080, 21},
		{1080, 1920, 8},
		{4000, 1000, 24},
		{0, 0, 18},
	}
	for _, c := range cases {
		if got := CaptionFontSize(c.w, c.h); got != c.want {
			t.Errorf("CaptionFontSize(%d, %d) = %d, want %d", c.w, c.h, got, c.want)
		}
	}
}
