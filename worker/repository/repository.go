package repository

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"sceneForge/worker/models"
)

var (
	ErrTaskNotFound      = errors.New("task not found")
	ErrTaskAlreadyExists = errors.New("task already exists")
)

// Repository owns task lifecycle. Every read returns a snapshot the caller may keep;
// every mutation is atomic with respect to other calls on the same repository.
type Repository interface {
	CreateTask(ctx context.Context, task *models.Task) error
	GetTask(ctx context.Context, id string) (*models.Task, error)
	ListTasks(ctx context.Context) ([]*models.Task, error)

	// MarkRunning moves a pending task to running and stamps its start time.
	MarkRunning(ctx context.Context, id string, at time.Time) (*models.Task, error)
	// UpdateProgress raises the progress of a running task. Lower values are ignored.
	UpdateProgress(ctx context.Context, id string, progress float64) (*models.Task, error)
	MarkCompleted(ctx context.Context, id string, result json.RawMessage, at time.Time) (*models.Task, error)
	MarkFailed(ctx context.Context, id string, errMsg string, at time.Time) (*models.Task, error)

	// DeleteTerminalBefore removes completed or failed tasks that finished before cutoff.
	DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int, error)
}

func clampProgress(p float64) float64 {
	switch {
	case p < 0:
		return 0
	case p > 100:
		return 100
	default:
		return p
	}
}
