package service

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"sceneForge/api/dto"
	"sceneForge/worker/models"
	"sceneForge/worker/repository"
)

type fakeEngine struct {
	scenes []models.SceneDescriptor
	video  models.VideoCompositionParams
	tasks  map[string]*models.Task
}

func (f *fakeEngine) SubmitImageBatch(ctx context.Context, scenes []models.SceneDescriptor) (string, error) {
	f.scenes = scenes
	return "images_1", nil
}

func (f *fakeEngine) SubmitVideoComposition(ctx context.Context, params models.VideoCompositionParams) (string, error) {
	f.video = params
	return "video_1", nil
}

func (f *fakeEngine) GetTask(ctx context.Context, id string) (*models.Task, error) {
	if t, ok := f.tasks[id]; ok {
		return t, nil
	}
	return nil, repository.ErrTaskNotFound
}

func (f *fakeEngine) ListTasks(ctx context.Context) ([]*models.Task, error) {
	var out []*models.Task
	for _, t := range f.tasks {
		out = append(out, t)
	}
	return out, nil
}

func TestTaskService_SubmitImages(t *testing.T) {
	engine := &fakeEngine{}
	s := NewTaskService(engine)

	four := 4
	id, err := s.SubmitImages(context.Background(), &dto.SubmitImagesRequest{
		Scenes: []dto.SceneRequest{{Prompt: "a"}, {ID: &four, Prompt: "b"}},
	})
	if err != nil || id != "images_1" {
		t.Fatalf("SubmitImages = %q, %v", id, err)
	}
	if len(engine.scenes) != 2 || engine.scenes[0].SceneID(0) != 0 || engine.scenes[1].SceneID(1) != 4 {
		t.Errorf("Unexpected scenes: %+v", engine.scenes)
	}
}

func TestTaskService_SubmitVideo(t *testing.T) {
	engine := &fakeEngine{}
	s := NewTaskService(engine)

	if _, err := s.SubmitVideo(context.Background(), &dto.SubmitVideoRequest{SceneIDs: []int{1, 3}, DependsOn: []string{"images_1"}}); err != nil {
		t.Fatalf("SubmitVideo failed: %v", err)
	}
	if len(engine.video.SceneIDs) != 2 || engine.video.DependsOn[0] != "images_1" {
		t.Errorf("Unexpected params: %+v", engine.video)
	}
}

func TestTaskService_GetTask(t *testing.T) {
	created := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	finished := created.Add(time.Minute)
	engine := &fakeEngine{tasks: map[string]*models.Task{
		"video_1": {
			ID:         "video_1",
			Kind:       models.KindVideoComposition,
			Status:     models.StatusCompleted,
			Progress:   100,
			Result:     json.RawMessage(`{"clip_count":2}`),
			CreatedAt:  created,
			StartedAt:  &created,
			FinishedAt: &finished,
		},
	}}
	s := NewTaskService(engine)

	resp, err := s.GetTask(context.Background(), "video_1")
	if err != nil {
		t.Fatalf("GetTask failed: %v", err)
	}
	if resp.Kind != "video_composition" || resp.Status != "completed" || resp.CreatedAt != "2026-03-01T10:00:00Z" {
		t.Errorf("Unexpected response: %+v", resp)
	}
	if resp.FinishedAt == nil || *resp.FinishedAt != "2026-03-01T10:01:00Z" {
		t.Errorf("Unexpected finished_at: %v", resp.FinishedAt)
	}

	if _, err := s.GetTask(context.Background(), "missing"); !errors.Is(err, dto.ErrTaskNotFound) {
		t.Errorf("Expected dto.ErrTaskNotFound, got %v", err)
	}
}

func TestToResponse_OmitsUnsetTimes(t *testing.T) {
	resp := ToResponse(&models.Task{ID: "images_1", Status: models.StatusPending})
	if resp.StartedAt != nil || resp.FinishedAt != nil || resp.Result != nil {
		t.Errorf("Pending task should carry no times or result: %+v", resp)
	}
}
