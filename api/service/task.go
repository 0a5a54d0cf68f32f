package service

import (
	"context"
	"errors"
	"time"

	"sceneForge/api/dto"
	"sceneForge/worker/models"
	"sceneForge/worker/repository"
)

// Engine is the part of the task dispatcher the HTTP surface needs.
type Engine interface {
	SubmitImageBatch(ctx context.Context, scenes []models.SceneDescriptor) (string, error)
	SubmitVideoComposition(ctx context.Context, params models.VideoCompositionParams) (string, error)
	GetTask(ctx context.Context, id string) (*models.Task, error)
	ListTasks(ctx context.Context) ([]*models.Task, error)
}

type TaskService struct {
	engine Engine
}

func NewTaskService(engine Engine) *TaskService {
	return &TaskService{engine: engine}
}

func (s *TaskService) SubmitImages(ctx context.Context, req *dto.SubmitImagesRequest) (string, error) {
	scenes := make([]models.SceneDescriptor, len(req.Scenes))
	for i, sc := range req.Scenes {
		scenes[i] = models.SceneDescriptor{ID: sc.ID, Prompt: sc.Prompt}
	}
	return s.engine.SubmitImageBatch(ctx, scenes)
}

func (s *TaskService) SubmitVideo(ctx context.Context, req *dto.SubmitVideoRequest) (string, error) {
	return s.engine.SubmitVideoComposition(ctx, models.VideoCompositionParams{
		SceneIDs:   req.SceneIDs,
		SceneCount: req.SceneCount,
		DependsOn:  req.DependsOn,
	})
}

func (s *TaskService) GetTask(ctx context.Context, taskID string) (*dto.TaskResponse, error) {
	task, err := s.engine.GetTask(ctx, taskID)
	if err != nil {
		if errors.Is(err, repository.ErrTaskNotFound) {
			return nil, dto.ErrTaskNotFound
		}
		return nil, err
	}
	return ToResponse(task), nil
}

func (s *TaskService) ListTasks(ctx context.Context) ([]*dto.TaskResponse, error) {
	tasks, err := s.engine.ListTasks(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*dto.TaskResponse, len(tasks))
	for i, t := range tasks {
		out[i] = ToResponse(t)
	}
	return out, nil
}

func ToResponse(task *models.Task) *dto.TaskResponse {
	return &dto.TaskResponse{
		ID:         task.ID,
		Kind:       string(task.Kind),
		Status:     string(task.Status),
		Progress:   task.Progress,
		Error:      task.Error,
		Result:     task.Result,
		CreatedAt:  task.CreatedAt.UTC().Format(time.RFC3339),
		StartedAt:  formatTime(task.StartedAt),
		FinishedAt: formatTime(task.FinishedAt),
	}
}

func formatTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	formatted := t.UTC().Format(time.RFC3339)
	return &formatted
}
