package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"sceneForge/worker/models"
)

func newPendingTask(id string, created time.Time) *models.Task {
	return &models.Task{
		ID:        id,
		Kind:      models.KindImageBatch,
		Status:    models.StatusPending,
		Params:    json.RawMessage(`{"total_scenes":2}`),
		CreatedAt: created,
	}
}

func TestMemoryRepo_CreateAndGet(t *testing.T) {
	repo := NewMemoryRepo()
	ctx := context.Background()

	if err := repo.CreateTask(ctx, newPendingTask("images_1", time.Now())); err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}

	task, err := repo.GetTask(ctx, "images_1")
	if err != nil {
		t.Fatalf("GetTask failed: %v", err)
	}
	if task.Status != models.StatusPending {
		t.Errorf("Expected pending, got %s", task.Status)
	}

	if err := repo.CreateTask(ctx, newPendingTask("images_1", time.Now())); !errors.Is(err, ErrTaskAlreadyExists) {
		t.Errorf("Expected ErrTaskAlreadyExists, got %v", err)
	}

	if _, err := repo.GetTask(ctx, "missing"); !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("Expected ErrTaskNotFound, got %v", err)
	}
}

func TestMemoryRepo_SnapshotsAreIsolated(t *testing.T) {
	repo := NewMemoryRepo()
	ctx := context.Background()

	original := newPendingTask("images_1", time.Now())
	if err := repo.CreateTask(ctx, original); err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}
	original.Params[0] = 'X'

	snap, _ := repo.GetTask(ctx, "images_1")
	snap.Status = models.StatusFailed
	snap.Params[1] = 'Y'

	again, _ := repo.GetTask(ctx, "images_1")
	if again.Status != models.StatusPending {
		t.Errorf("Snapshot mutation leaked into store: status %s", again.Status)
	}
	if string(again.Params) != `{"total_scenes":2}` {
		t.Errorf("Params mutated through a snapshot: %s", again.Params)
	}
}

func TestMemoryRepo_Lifecycle(t *testing.T) {
	repo := NewMemoryRepo()
	ctx := context.Background()
	now := time.Now()

	repo.CreateTask(ctx, newPendingTask("images_1", now))

	if _, err := repo.UpdateProgress(ctx, "images_1", 10); err == nil {
		t.Fatal("Expected progress update on a pending task to fail")
	}

	running, err := repo.MarkRunning(ctx, "images_1", now)
	if err != nil {
		t.Fatalf("MarkRunning failed: %v", err)
	}
	if running.StartedAt == nil || !running.StartedAt.Equal(now) {
		t.Errorf("Expected start time %v, got %v", now, running.StartedAt)
	}

	if _, err := repo.UpdateProgress(ctx, "images_1", 50); err != nil {
		t.Fatalf("UpdateProgress failed: %v", err)
	}
	snap, err := repo.UpdateProgress(ctx, "images_1", 25)
	if err != nil {
		t.Fatalf("UpdateProgress failed: %v", err)
	}
	if snap.Progress != 50 {
		t.Errorf("Progress went backwards: %v", snap.Progress)
	}

	done, err := repo.MarkCompleted(ctx, "images_1", json.RawMessage(`{"ok":true}`), now.Add(time.Second))
	if err != nil {
		t.Fatalf("MarkCompleted failed: %v", err)
	}
	if done.Progress != 100 || done.FinishedAt == nil || string(done.Result) != `{"ok":true}` {
		t.Errorf("Unexpected completed snapshot: %+v", done)
	}

	if _, err := repo.MarkFailed(ctx, "images_1", "late", now); err == nil {
		t.Fatal("Expected terminal task to refuse a further transition")
	}
	var te *models.TransitionError
	if _, err := repo.MarkRunning(ctx, "images_1", now); !errors.As(err, &te) {
		t.Fatalf("Expected TransitionError, got %v", err)
	}
	if _, err := repo.UpdateProgress(ctx, "images_1", 100); err == nil {
		t.Fatal("Expected progress to be frozen once terminal")
	}

	final, _ := repo.GetTask(ctx, "images_1")
	if final.Status != models.StatusCompleted || final.Error != "" {
		t.Errorf("Terminal record changed: %+v", final)
	}
}

func TestMemoryRepo_FailedKeepsProgress(t *testing.T) {
	repo := NewMemoryRepo()
	ctx := context.Background()

	repo.CreateTask(ctx, newPendingTask("images_1", time.Now()))
	repo.MarkRunning(ctx, "images_1", time.Now())
	repo.UpdateProgress(ctx, "images_1", 33.3)

	failed, err := repo.MarkFailed(ctx, "images_1", "boom", time.Now())
	if err != nil {
		t.Fatalf("MarkFailed failed: %v", err)
	}
	if failed.Progress != 33.3 || failed.Error != "boom" || failed.Result != nil {
		t.Errorf("Unexpected failed snapshot: %+v", failed)
	}
}

func TestMemoryRepo_ListOrderedByCreation(t *testing.T) {
	repo := NewMemoryRepo()
	ctx := context.Background()
	base := time.Now()

	repo.CreateTask(ctx, newPendingTask("c", base.Add(2*time.Second)))
	repo.CreateTask(ctx, newPendingTask("a", base))
	repo.CreateTask(ctx, newPendingTask("b", base.Add(time.Second)))

	tasks, err := repo.ListTasks(ctx)
	if err != nil {
		t.Fatalf("ListTasks failed: %v", err)
	}
	if len(tasks) != 3 || tasks[0].ID != "a" || tasks[1].ID != "b" || tasks[2].ID != "c" {
		t.Errorf("Unexpected order: %v", taskIDs(tasks))
	}
}

func TestMemoryRepo_DeleteTerminalBefore(t *testing.T) {
	repo := NewMemoryRepo()
	ctx := context.Background()
	now := time.Now()

	for _, id := range []string{"old_done", "old_failed", "fresh_done", "running", "pending"} {
		repo.CreateTask(ctx, newPendingTask(id, now))
	}
	for _, id := range []string{"old_done", "old_failed", "fresh_done", "running"} {
		repo.MarkRunning(ctx, id, now)
	}
	repo.MarkCompleted(ctx, "old_done", nil, now.Add(-48*time.Hour))
	repo.MarkFailed(ctx, "old_failed", "x", now.Add(-25*time.Hour))
	repo.MarkCompleted(ctx, "fresh_done", nil, now.Add(-time.Hour))

	removed, err := repo.DeleteTerminalBefore(ctx, now.Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("DeleteTerminalBefore failed: %v", err)
	}
	if removed != 2 {
		t.Errorf("Expected 2 removed, got %d", removed)
	}

	tasks, _ := repo.ListTasks(ctx)
	if len(tasks) != 3 {
		t.Errorf("Expected 3 remaining, got %v", taskIDs(tasks))
	}
}

func TestMemoryRepo_ConcurrentProgressWriters(t *testing.T) {
	repo := NewMemoryRepo()
	ctx := context.Background()

	const tasks = 8
	for i := 0; i < tasks; i++ {
		id := fmt.Sprintf("images_%d", i)
		repo.CreateTask(ctx, newPendingTask(id, time.Now()))
		repo.MarkRunning(ctx, id, time.Now())
	}

	var wg sync.WaitGroup
	for i := 0; i < tasks; i++ {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			for p := 1; p <= 100; p++ {
				if _, err := repo.UpdateProgress(ctx, id, float64(p)); err != nil {
					t.Errorf("UpdateProgress failed: %v", err)
					return
				}
			}
		}(fmt.Sprintf("images_%d", i))
	}
	wg.Wait()

	for i := 0; i < tasks; i++ {
		task, _ := repo.GetTask(ctx, fmt.Sprintf("images_%d", i))
		if task.Progress != 100 {
			t.Errorf("Task %s progress %v, expected 100", task.ID, task.Progress)
		}
	}
}

func taskIDs(tasks []*models.Task) []string {
	ids := make([]string, len(tasks))
	for i, task := range tasks {
		ids[i] = task.ID
	}
	return ids
}
