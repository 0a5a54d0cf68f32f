package repository

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"sceneForge/worker/models"
)

// MemoryRepo keeps tasks in process memory behind a single lock.
type MemoryRepo struct {
	mu    sync.RWMutex
	tasks map[string]*models.Task
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{tasks: make(map[string]*models.Task)}
}

func (r *MemoryRepo) CreateTask(ctx context.Context, task *models.Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tasks[task.ID]; exists {
		return ErrTaskAlreadyExists
	}
	r.tasks[task.ID] = task.Clone()
	return nil
}

func (r *MemoryRepo) GetTask(ctx context.Context, id string) (*models.Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	task, exists := r.tasks[id]
	if !exists {
		return nil, ErrTaskNotFound
	}
	return task.Clone(), nil
}

func (r *MemoryRepo) ListTasks(ctx context.Context) ([]*models.Task, error) {
	r.mu.RLock()
	out := make([]*models.Task, 0, len(r.tasks))
	for _, task := range r.tasks {
		out = append(out, task.Clone())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (r *MemoryRepo) MarkRunning(ctx context.Context, id string, at time.Time) (*models.Task, error) {
	return r.mutate(id, func(task *models.Task) error {
		return task.Apply(models.StatusRunning, at)
	})
}

func (r *MemoryRepo) UpdateProgress(ctx context.Context, id string, progress float64) (*models.Task, error) {
	return r.mutate(id, func(task *models.Task) error {
		if task.Status != models.StatusRunning {
			return &models.TransitionError{TaskID: id, From: task.Status, To: models.StatusRunning}
		}
		if p := clampProgress(progress); p > task.Progress {
			task.Progress = p
		}
		return nil
	})
}

func (r *MemoryRepo) MarkCompleted(ctx context.Context, id string, result json.RawMessage, at time.Time) (*models.Task, error) {
	return r.mutate(id, func(task *models.Task) error {
		if err := task.Apply(models.StatusCompleted, at); err != nil {
			return err
		}
		task.Progress = 100
		task.Result = append(json.RawMessage(nil), result...)
		return nil
	})
}

func (r *MemoryRepo) MarkFailed(ctx context.Context, id string, errMsg string, at time.Time) (*models.Task, error) {
	return r.mutate(id, func(task *models.Task) error {
		if err := task.Apply(models.StatusFailed, at); err != nil {
			return err
		}
		task.Error = errMsg
		return nil
	})
}

func (r *MemoryRepo) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for id, task := range r.tasks {
		if task.Status.IsTerminal() && task.FinishedAt != nil && task.FinishedAt.Before(cutoff) {
			delete(r.tasks, id)
			removed++
		}
	}
	return removed, nil
}

// mutate applies fn to the live record under the write lock and returns a snapshot.
// The record is left untouched when fn fails.
func (r *MemoryRepo) mutate(id string, fn func(*models.Task) error) (*models.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	task, exists := r.tasks[id]
	if !exists {
		return nil, ErrTaskNotFound
	}
	working := task.Clone()
	if err := fn(working); err != nil {
		return nil, err
	}
	r.tasks[id] = working
	return working.Clone(), nil
}
