package dto

import (
	"encoding/json"
	"errors"
)

var ErrTaskNotFound = errors.New("task not found")

type SceneRequest struct {
	ID     *int   `json:"id,omitempty"`
	Prompt string `json:"prompt"`
}

type SubmitImagesRequest struct {
	Scenes []SceneRequest `json:"scenes"`
}

type SubmitVideoRequest struct {
	SceneIDs   []int    `json:"scene_ids,omitempty"`
	SceneCount *int     `json:"scene_count,omitempty"`
	DependsOn  []string `json:"depends_on,omitempty"`
}

type SubmitResponse struct {
	TaskID  string `json:"task_id"`
	Status  string `json:"status"`
	TraceID string `json:"trace_id,omitempty"`
}

type TaskResponse struct {
	ID         string          `json:"id"`
	Kind       string          `json:"kind"`
	Status     string          `json:"status"`
	Progress   float64         `json:"progress"`
	Error      string          `json:"error,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	CreatedAt  string          `json:"created_at"`
	StartedAt  *string         `json:"started_at,omitempty"`
	FinishedAt *string         `json:"finished_at,omitempty"`
}

type ErrorResponse struct {
	Error   string   `json:"error"`
	Code    string   `json:"code,omitempty"`
	Details []string `json:"details,omitempty"`
	TraceID string   `json:"trace_id,omitempty"`
}
