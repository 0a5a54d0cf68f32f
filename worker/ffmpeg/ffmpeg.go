// Package ffmpeg wraps the ffmpeg and ffprobe binaries behind a small runner
// interface so that argument construction can be tested without the tools installed.
package ffmpeg

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ExecRunner runs commands as child processes and returns their stdout.
type ExecRunner struct {
	logger *zap.Logger
}

func NewExecRunner(logger *zap.Logger) *ExecRunner {
	return &ExecRunner{logger: logger}
}

func (r *ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	start := time.Now()
	cmd := exec.CommandContext(ctx, name, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		r.logger.Error("Command failed",
			zap.String("command", name),
			zap.Strings("args", args),
			zap.String("stderr", tail(stderr.String(), 2048)),
			zap.Error(err),
		)
		return nil, fmt.Errorf("%s: %w: %s", name, err, tail(stderr.String(), 512))
	}

	r.logger.Debug("Command finished",
		zap.String("command", name),
		zap.Duration("duration", time.Since(start)),
	)
	return stdout.Bytes(), nil
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

type Tool struct {
	runner  Runner
	ffmpeg  string
	ffprobe string
}

func NewTool(runner Runner, ffmpegPath, ffprobePath string) *Tool {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	if ffprobePath == "" {
		ffprobePath = "ffprobe"
	}
	return &Tool{runner: runner, ffmpeg: ffmpegPath, ffprobe: ffprobePath}
}

// Available reports whether both binaries can be found.
func (t *Tool) Available() bool {
	if _, err := exec.LookPath(t.ffmpeg); err != nil {
		return false
	}
	_, err := exec.LookPath(t.ffprobe)
	return err == nil
}

type probeOutput struct {
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
}

// Duration returns the container duration of a media file.
func (t *Tool) Duration(ctx context.Context, path string) (time.Duration, error) {
	out, err := t.runner.Run(ctx, t.ffprobe,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "json",
		path,
	)
	if err != nil {
		return 0, fmt.Errorf("probe %s: %w", path, err)
	}

	var probe probeOutput
	if err := json.Unmarshal(out, &probe); err != nil {
		return 0, fmt.Errorf("decode probe output for %s: %w", path, err)
	}
	seconds, err := strconv.ParseFloat(probe.Format.Duration, 64)
	if err != nil || seconds <= 0 || math.IsInf(seconds, 0) || math.IsNaN(seconds) {
		return 0, fmt.Errorf("probe %s: invalid duration %q", path, probe.Format.Duration)
	}
	return time.Duration(seconds * float64(time.Second)), nil
}

// Run invokes ffmpeg with the common quiet, overwrite flags prepended.
func (t *Tool) Run(ctx context.Context, args ...string) error {
	full := append([]string{"-hide_banner", "-loglevel", "error", "-y"}, args...)
	_, err := t.runner.Run(ctx, t.ffmpeg, full...)
	return err
}

// Output invokes ffmpeg and returns what it wrote to stdout.
func (t *Tool) Output(ctx context.Context, args ...string) ([]byte, error) {
	full := append([]string{"-hide_banner", "-loglevel", "error"}, args...)
	return t.runner.Run(ctx, t.ffmpeg, full...)
}

// Seconds formats d for ffmpeg time options with millisecond precision.
func Seconds(d time.Duration) string {
	return strconv.FormatFloat(d.Seconds(), 'f', 3, 64)
}

// EscapeFilterValue escapes a value, such as a file path, for use as a filter option
// inside a filtergraph. Both the option level and the graph level are escaped.
func EscapeFilterValue(s string) string {
	option := strings.NewReplacer(`\`, `\\`, `'`, `\'`, `:`, `\:`).Replace(s)
	return strings.NewReplacer(
		`\`, `\\`,
		`'`, `\'`,
		`[`, `\[`,
		`]`, `\]`,
		`,`, `\,`,
		`;`, `\;`,
	).Replace(option)
}
