package render

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"sceneForge/worker/clip"
	"sceneForge/worker/ffmpeg"
	"sceneForge/worker/ffmpeg/ffmpegtest"
	"sceneForge/worker/taskerr"
	"sceneForge/worker/timeline"
)

func testTimeline(work, bed string) timeline.Timeline {
	tl := timeline.Timeline{
		Clips: []clip.Clip{
			{SceneID: 1, Path: filepath.Join(work, "scene_1.mp4"), Duration: 3 * time.Second},
			{SceneID: 3, Path: filepath.Join(work, "scene_3.mp4"), Duration: time.Second},
		},
		Duration: 4 * time.Second,
	}
	if bed != "" {
		tl.Bed = bed
		tl.BedGain = timeline.BedGain
	}
	return tl
}

func TestMaterializer_Render_PassThrough(t *testing.T) {
	work := t.TempDir()
	out := filepath.Join(t.TempDir(), "output", "final_video.mp4")
	rec := ffmpegtest.NewRecorder()
	m := NewMaterializer(ffmpeg.NewTool(rec, "", ""), out, zaptest.NewLogger(t))

	res, err := m.Render(context.Background(), testTimeline(work, ""), work)
	if err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	if res.OutputPath != out || res.ClipCount != 2 || res.Duration != 4*time.Second || res.Bed != "" {
		t.Errorf("Unexpected result: %+v", res)
	}

	call := rec.FFmpegCalls()[0]
	joined := call.Joined()
	if strings.Contains(joined, "amix") || strings.Contains(joined, "-stream_loop") {
		t.Errorf("No mixing expected without a bed: %s", joined)
	}
	if !strings.Contains(joined, "-map 0:v:0 -map 0:a:0") {
		t.Errorf("Expected narration mapped directly: %s", joined)
	}
	if call.Value("-r") != "24" {
		t.Errorf("Expected -r 24, got %s", call.Value("-r"))
	}
	if call.Args[len(call.Args)-1] != out {
		t.Errorf("Expected output %s last, got %v", out, call.Args)
	}
}

func TestMaterializer_Render_WritesOrderedConcatList(t *testing.T) {
	work := t.TempDir()
	rec := ffmpegtest.NewRecorder()
	m := NewMaterializer(ffmpeg.NewTool(rec, "", ""), filepath.Join(t.TempDir(), "final.mp4"), zaptest.NewLogger(t))

	if _, err := m.Render(context.Background(), testTimeline(work, ""), work); err != nil {
		t.Fatalf("Render failed: %v", err)
	}

	list, err := os.ReadFile(filepath.Join(work, "concat.txt"))
	if err != nil {
		t.Fatalf("Failed to read concat list: %v", err)
	}
	s := string(list)
	first := strings.Index(s, "scene_1.mp4")
	second := strings.Index(s, "scene_3.mp4")
	if first < 0 || second < 0 || first > second {
		t.Errorf("Expected scene_1 before scene_3:\n%s", s)
	}
	if !strings.HasPrefix(s, "ffconcat version 1.0\n") {
		t.Errorf("Expected ffconcat header:\n%s", s)
	}
}

func TestMaterializer_Render_MixesBed(t *testing.T) {
	work := t.TempDir()
	rec := ffmpegtest.NewRecorder()
	m := NewMaterializer(ffmpeg.NewTool(rec, "", ""), filepath.Join(t.TempDir(), "final.mp4"), zaptest.NewLogger(t))

	res, err := m.Render(context.Background(), testTimeline(work, "/bgm/calm.mp3"), work)
	if err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	if res.Bed != "/bgm/calm.mp3" {
		t.Errorf("Expected bed in result, got %q", res.Bed)
	}

	call := rec.FFmpegCalls()[0]
	if !strings.Contains(call.Joined(), "-stream_loop -1 -i /bgm/calm.mp3") {
		t.Errorf("Expected looped bed input: %s", call.Joined())
	}
	graph := call.Value("-filter_complex")
	for _, want := range []string{
		"volume=0.100",
		"atrim=0:4.000",
		"amix=inputs=2:duration=first",
		"normalize=0",
	} {
		if !strings.Contains(graph, want) {
			t.Errorf("Expected %q in %q", want, graph)
		}
	}
}

func TestMaterializer_Render_Failure(t *testing.T) {
	work := t.TempDir()
	rec := ffmpegtest.NewRecorder()
	rec.Fail = func(ffmpegtest.Call) error { return errors.New("muxer failed") }
	m := NewMaterializer(ffmpeg.NewTool(rec, "", ""), filepath.Join(t.TempDir(), "final.mp4"), zaptest.NewLogger(t))

	_, err := m.Render(context.Background(), testTimeline(work, ""), work)
	if !errors.Is(err, taskerr.ErrComposition) {
		t.Fatalf("Expected ErrComposition, got %v", err)
	}
	if !strings.Contains(err.Error(), "muxer failed") {
		t.Errorf("Expected cause in error, got %v", err)
	}
}

func TestMaterializer_Render_CorruptBedFallsBackToNarration(t *testing.T) {
	work := t.TempDir()
	rec := ffmpegtest.NewRecorder()
	rec.Fail = func(c ffmpegtest.Call) error {
		if c.Value("-stream_loop") != "" {
			return errors.New("invalid data found when processing input")
		}
		return nil
	}
	m := NewMaterializer(ffmpeg.NewTool(rec, "", ""), filepath.Join(t.TempDir(), "final.mp4"), zaptest.NewLogger(t))

	res, err := m.Render(context.Background(), testTimeline(work, "/bgm/broken.mp3"), work)
	if err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	if res.Bed != "" || res.ClipCount != 2 {
		t.Errorf("Expected a narration-only result, got %+v", res)
	}

	calls := rec.FFmpegCalls()
	if len(calls) != 2 {
		t.Fatalf("Expected a retry without the bed, got %d calls", len(calls))
	}
	if strings.Contains(calls[1].Joined(), "/bgm/broken.mp3") || calls[1].Value("-filter_complex") != "" {
		t.Errorf("Retry must not reference the bed: %s", calls[1].Joined())
	}
}

func TestMaterializer_Render_FailureWithBedReportsCause(t *testing.T) {
	work := t.TempDir()
	rec := ffmpegtest.NewRecorder()
	rec.Fail = func(ffmpegtest.Call) error { return errors.New("disk full") }
	m := NewMaterializer(ffmpeg.NewTool(rec, "", ""), filepath.Join(t.TempDir(), "final.mp4"), zaptest.NewLogger(t))

	_, err := m.Render(context.Background(), testTimeline(work, "/bgm/calm.mp3"), work)
	if !errors.Is(err, taskerr.ErrComposition) || !strings.Contains(err.Error(), "disk full") {
		t.Errorf("Expected ErrComposition with cause, got %v", err)
	}
}

func TestMaterializer_Render_EmptyTimeline(t *testing.T) {
	m := NewMaterializer(ffmpeg.NewTool(ffmpegtest.NewRecorder(), "", ""), "", zaptest.NewLogger(t))

	if _, err := m.Render(context.Background(), timeline.Timeline{}, t.TempDir()); !errors.Is(err, taskerr.ErrComposition) {
		t.Errorf("Expected ErrComposition, got %v", err)
	}
	if m.OutputPath() != DefaultOutputPath {
		t.Errorf("Expected default output path, got %s", m.OutputPath())
	}
}
