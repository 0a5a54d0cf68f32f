package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"go.uber.org/zap"

	"sceneForge/api/dto"
	"sceneForge/api/middleware"
	"sceneForge/api/validation"
	"sceneForge/worker/taskerr"
)

// retryAfterSeconds is advertised to clients polling a task that is not terminal yet.
const retryAfterSeconds = "2"

type TaskService interface {
	SubmitImages(ctx context.Context, req *dto.SubmitImagesRequest) (string, error)
	SubmitVideo(ctx context.Context, req *dto.SubmitVideoRequest) (string, error)
	GetTask(ctx context.Context, taskID string) (*dto.TaskResponse, error)
	ListTasks(ctx context.Context) ([]*dto.TaskResponse, error)
}

type TaskHandler struct {
	service      TaskService
	validator    *validation.Validator
	maxBodyBytes int64
	logger       *zap.Logger
}

func NewTaskHandler(service TaskService, validator *validation.Validator, maxBodyBytes int64, logger *zap.Logger) *TaskHandler {
	return &TaskHandler{
		service:      service,
		validator:    validator,
		maxBodyBytes: maxBodyBytes,
		logger:       logger,
	}
}

func (h *TaskHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /tasks/images", h.SubmitImages)
	mux.HandleFunc("POST /tasks/video", h.SubmitVideo)
	mux.HandleFunc("GET /tasks/{id}", h.Status)
	mux.HandleFunc("GET /tasks", h.List)
	mux.HandleFunc("GET /health", h.Health)
}

func (h *TaskHandler) SubmitImages(w http.ResponseWriter, r *http.Request) {
	traceID := middleware.GetTraceID(r.Context())

	body, ok := h.readBody(w, r, traceID)
	if !ok {
		return
	}
	if err := h.validator.ValidateImages(body); err != nil {
		h.handleError(w, "Invalid request body", err, traceID)
		return
	}

	var req dto.SubmitImagesRequest
	if err := json.Unmarshal(body, &req); err != nil {
		h.handleError(w, "Invalid request body", errors.Join(validation.ErrMalformedBody, err), traceID)
		return
	}

	taskID, err := h.service.SubmitImages(r.Context(), &req)
	if err != nil {
		h.handleError(w, "Failed to submit image batch", err, traceID)
		return
	}

	h.logger.Info("Image batch submitted",
		zap.String("trace_id", traceID),
		zap.String("task_id", taskID),
		zap.Int("scenes", len(req.Scenes)),
	)
	h.respondJSON(w, http.StatusAccepted, dto.SubmitResponse{TaskID: taskID, Status: "pending", TraceID: traceID})
}

func (h *TaskHandler) SubmitVideo(w http.ResponseWriter, r *http.Request) {
	traceID := middleware.GetTraceID(r.Context())

	body, ok := h.readBody(w, r, traceID)
	if !ok {
		return
	}
	if err := h.validator.ValidateVideo(body); err != nil {
		h.handleError(w, "Invalid request body", err, traceID)
		return
	}

	var req dto.SubmitVideoRequest
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			h.handleError(w, "Invalid request body", errors.Join(validation.ErrMalformedBody, err), traceID)
			return
		}
	}

	taskID, err := h.service.SubmitVideo(r.Context(), &req)
	if err != nil {
		h.handleError(w, "Failed to submit video composition", err, traceID)
		return
	}

	h.logger.Info("Video composition submitted",
		zap.String("trace_id", traceID),
		zap.String("task_id", taskID),
		zap.Ints("scene_ids", req.SceneIDs),
		zap.Strings("depends_on", req.DependsOn),
	)
	h.respondJSON(w, http.StatusAccepted, dto.SubmitResponse{TaskID: taskID, Status: "pending", TraceID: traceID})
}

func (h *TaskHandler) Status(w http.ResponseWriter, r *http.Request) {
	traceID := middleware.GetTraceID(r.Context())

	taskID := r.PathValue("id")
	if taskID == "" {
		h.handleError(w, "Task ID is required", errMissingID, traceID)
		return
	}

	resp, err := h.service.GetTask(r.Context(), taskID)
	if err != nil {
		h.handleError(w, "Failed to get task status", err, traceID)
		return
	}

	if resp.Status == "pending" || resp.Status == "running" {
		w.Header().Set("Retry-After", retryAfterSeconds)
	}
	h.respondJSON(w, http.StatusOK, resp)
}

func (h *TaskHandler) List(w http.ResponseWriter, r *http.Request) {
	traceID := middleware.GetTraceID(r.Context())

	tasks, err := h.service.ListTasks(r.Context())
	if err != nil {
		h.handleError(w, "Failed to list tasks", err, traceID)
		return
	}
	if tasks == nil {
		tasks = []*dto.TaskResponse{}
	}
	h.respondJSON(w, http.StatusOK, tasks)
}

func (h *TaskHandler) Health(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

var errMissingID = errors.New("missing task id")

// readBody enforces the body limit. On failure it has already written the response.
func (h *TaskHandler) readBody(w http.ResponseWriter, r *http.Request, traceID string) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBodyBytes))
	if err != nil {
		h.handleError(w, "Failed to read request body", err, traceID)
		return nil, false
	}
	return body, true
}

func statusFor(err error) (int, string) {
	var maxBytes *http.MaxBytesError
	switch {
	case errors.As(err, &maxBytes):
		return http.StatusRequestEntityTooLarge, "body_too_large"
	case errors.Is(err, validation.ErrMalformedBody), errors.Is(err, validation.ErrSchemaViolation):
		return http.StatusBadRequest, "invalid_body"
	case errors.Is(err, taskerr.ErrValidation), errors.Is(err, errMissingID):
		return http.StatusBadRequest, "validation_error"
	case errors.Is(err, dto.ErrTaskNotFound):
		return http.StatusNotFound, "not_found"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func (h *TaskHandler) handleError(w http.ResponseWriter, message string, err error, traceID string) {
	status, code := statusFor(err)

	log := h.logger.Warn
	if status >= http.StatusInternalServerError {
		log = h.logger.Error
	}
	log(message,
		zap.String("trace_id", traceID),
		zap.Int("status", status),
		zap.Error(err),
	)

	resp := dto.ErrorResponse{
		Error:   message,
		Code:    code,
		TraceID: traceID,
	}
	var schemaErr *validation.SchemaError
	switch {
	case errors.As(err, &schemaErr):
		resp.Details = schemaErr.Details
	case status < http.StatusInternalServerError:
		resp.Details = []string{err.Error()}
	}

	h.respondJSON(w, status, resp)
}

func (h *TaskHandler) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
