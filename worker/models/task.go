package models

import (
	"encoding/json"
	"fmt"
	"time"
)

type TaskStatus string

const (
	StatusPending   TaskStatus = "pending"
	StatusRunning   TaskStatus = "running"
	StatusCompleted TaskStatus = "completed"
	StatusFailed    TaskStatus = "failed"
)

// IsTerminal reports whether no further transition is allowed from s.
func (s TaskStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

type TaskKind string

const (
	KindImageBatch       TaskKind = "image_batch"
	KindVideoComposition TaskKind = "video_composition"
)

// Prefix is the id prefix used for tasks of this kind.
func (k TaskKind) Prefix() string {
	switch k {
	case KindImageBatch:
		return "images"
	case KindVideoComposition:
		return "video"
	default:
		return "task"
	}
}

type Task struct {
	ID         string          `json:"id"`
	Kind       TaskKind        `json:"kind"`
	Status     TaskStatus      `json:"status"`
	Progress   float64         `json:"progress"`
	Params     json.RawMessage `json:"params,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	StartedAt  *time.Time      `json:"started_at,omitempty"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
}

// Clone returns a deep copy that shares no memory with t.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	c := *t
	c.Params = cloneRaw(t.Params)
	c.Result = cloneRaw(t.Result)
	if t.StartedAt != nil {
		ts := *t.StartedAt
		c.StartedAt = &ts
	}
	if t.FinishedAt != nil {
		ts := *t.FinishedAt
		c.FinishedAt = &ts
	}
	return &c
}

func cloneRaw(b json.RawMessage) json.RawMessage {
	if b == nil {
		return nil
	}
	out := make(json.RawMessage, len(b))
	copy(out, b)
	return out
}

// CanTransition reports whether a task may move from one status to another.
func CanTransition(from, to TaskStatus) bool {
	switch from {
	case StatusPending:
		return to == StatusRunning
	case StatusRunning:
		return to == StatusCompleted || to == StatusFailed
	default:
		return false
	}
}

// TransitionError is returned when a store refuses a status change.
type TransitionError struct {
	TaskID string
	From   TaskStatus
	To     TaskStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid transition for %q: %s -> %s", e.TaskID, e.From, e.To)
}

// Apply moves t to the given status and stamps the matching timestamp.
// It mutates t only if the transition is allowed.
func (t *Task) Apply(to TaskStatus, at time.Time) error {
	if !CanTransition(t.Status, to) {
		return &TransitionError{TaskID: t.ID, From: t.Status, To: to}
	}
	t.Status = to
	switch to {
	case StatusRunning:
		if t.StartedAt == nil {
			ts := at
			t.StartedAt = &ts
		}
	case StatusCompleted, StatusFailed:
		ts := at
		t.FinishedAt = &ts
	}
	return nil
}
