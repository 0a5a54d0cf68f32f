// Package ffmpegtest provides a recording runner for tests that build ffmpeg
// command lines without executing them.
package ffmpegtest

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
)

type Call struct {
	Name string
	Args []string
}

// Joined returns the arguments as one space separated string.
func (c Call) Joined() string {
	return strings.Join(c.Args, " ")
}

// Value returns the argument following flag, or "" if flag is absent.
func (c Call) Value(flag string) string {
	for i := 0; i < len(c.Args)-1; i++ {
		if c.Args[i] == flag {
			return c.Args[i+1]
		}
	}
	return ""
}

// Recorder records every invocation. Durations maps a probed path to the ffprobe
// duration it reports. When TouchOutputs is set, the last argument of every ffmpeg
// call is created as an empty file so that callers checking outputs succeed.
type Recorder struct {
	mu           sync.Mutex
	calls        []Call
	Durations    map[string]float64
	Fail         func(call Call) error
	TouchOutputs bool
}

func NewRecorder() *Recorder {
	return &Recorder{Durations: make(map[string]float64), TouchOutputs: true}
}

func (r *Recorder) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	call := Call{Name: name, Args: append([]string(nil), args...)}

	r.mu.Lock()
	r.calls = append(r.calls, call)
	r.mu.Unlock()

	if r.Fail != nil {
		if err := r.Fail(call); err != nil {
			return nil, err
		}
	}

	if strings.HasSuffix(name, "ffprobe") {
		path := args[len(args)-1]
		r.mu.Lock()
		d, ok := r.Durations[path]
		r.mu.Unlock()
		if !ok {
			return nil, fmt.Errorf("no duration registered for %s", path)
		}
		return []byte(fmt.Sprintf(`{"format":{"duration":"%.6f"}}`, d)), nil
	}

	if r.TouchOutputs && len(args) > 0 {
		out := args[len(args)-1]
		if out != "-" && !strings.HasPrefix(out, "-") {
			if err := os.WriteFile(out, nil, 0644); err != nil {
				return nil, err
			}
		}
	}
	return nil, nil
}

// Calls returns a copy of the recorded invocations.
func (r *Recorder) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Call(nil), r.calls...)
}

// FFmpegCalls returns only the recorded ffmpeg invocations.
func (r *Recorder) FFmpegCalls() []Call {
	var out []Call
	for _, c := range r.Calls() {
		if !strings.HasSuffix(c.Name, "ffprobe") {
			out = append(out, c)
		}
	}
	return out
}
