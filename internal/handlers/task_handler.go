package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/excerpo/internal/interfaces"
	"github.com/ternarybob/excerpo/internal/models"
)

// TaskHandler handles extraction task API requests
type TaskHandler struct {
	coordinator interfaces.CoordinatorService
	tasks       interfaces.TaskStorage
	bus         interfaces.Bus
	validate    *validator.Validate
	logger      arbor.ILogger
}

// NewTaskHandler creates a new task handler
func NewTaskHandler(coordinator interfaces.CoordinatorService, tasks interfaces.TaskStorage, bus interfaces.Bus, logger arbor.ILogger) *TaskHandler {
	return &TaskHandler{
		coordinator: coordinator,
		tasks:       tasks,
		bus:         bus,
		validate:    validator.New(),
		logger:      logger,
	}
}

// CreateTaskHandler handles POST /api/tasks
func (h *TaskHandler) CreateTaskHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "POST") {
		return
	}

	var req models.CreateTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.Error().Err(err).Msg("Failed to decode task request")
		WriteError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	task, err := h.coordinator.CreateTask(r.Context(), &req)
	if err != nil {
		h.logger.Error().Err(err).Str("source_id", req.SourceID).Str("schema_id", req.SchemaID).Msg("Failed to create task")
		var taskErr *models.TaskError
		switch {
		case errors.As(err, &taskErr) && taskErr.Code == models.ErrValidation:
			WriteError(w, http.StatusBadRequest, taskErr.Message)
		case isNotFound(err):
			WriteError(w, http.StatusNotFound, "Schema not found")
		default:
			WriteError(w, http.StatusInternalServerError, "Failed to create task")
		}
		return
	}

	WriteJSON(w, http.StatusCreated, task)
}

// ListTasksHandler returns a filtered task list
// GET /api/tasks?source_id=&status=&schema_id=&parent_task_id=&limit=50&offset=0
func (h *TaskHandler) ListTasksHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	filter := &models.TaskFilter{
		SourceID:     r.URL.Query().Get("source_id"),
		Status:       models.TaskStatus(r.URL.Query().Get("status")),
		SchemaID:     r.URL.Query().Get("schema_id"),
		ParentTaskID: r.URL.Query().Get("parent_task_id"),
		Limit:        queryInt(r, "limit", 50),
		Offset:       queryInt(r, "offset", 0),
	}

	tasks, err := h.coordinator.ListTasks(r.Context(), filter)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to list tasks")
		WriteError(w, http.StatusInternalServerError, "Failed to list tasks")
		return
	}
	if tasks == nil {
		tasks = []*models.Task{}
	}

	countFilter := *filter
	countFilter.Limit = 0
	countFilter.Offset = 0
	total, err := h.tasks.CountTasks(r.Context(), &countFilter)
	if err != nil {
		h.logger.Warn().Err(err).Msg("Failed to count tasks")
		total = len(tasks)
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"tasks":       tasks,
		"total_count": total,
		"limit":       filter.Limit,
		"offset":      filter.Offset,
	})
}

// GetTaskHandler handles GET /api/tasks/{id}
func (h *TaskHandler) GetTaskHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	id := extractIDFromPath(r.URL.Path, "/api/tasks/")
	if id == "" {
		WriteError(w, http.StatusBadRequest, "Task ID is required")
		return
	}

	task, err := h.coordinator.GetTask(r.Context(), id)
	if err != nil {
		h.logger.Error().Err(err).Str("task_id", id).Msg("Failed to get task")
		WriteError(w, http.StatusNotFound, "Task not found")
		return
	}

	WriteJSON(w, http.StatusOK, task)
}

// GetTaskRunsHandler handles GET /api/tasks/{id}/runs
func (h *TaskHandler) GetTaskRunsHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	id := extractIDFromPath(r.URL.Path, "/api/tasks/")
	if id == "" {
		WriteError(w, http.StatusBadRequest, "Task ID is required")
		return
	}

	if _, err := h.coordinator.GetTask(r.Context(), id); err != nil {
		WriteError(w, http.StatusNotFound, "Task not found")
		return
	}

	runs, err := h.coordinator.GetTaskRuns(r.Context(), id)
	if err != nil {
		h.logger.Error().Err(err).Str("task_id", id).Msg("Failed to get task runs")
		WriteError(w, http.StatusInternalServerError, "Failed to get task runs")
		return
	}
	if runs == nil {
		runs = []*models.TaskRun{}
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"task_id": id,
		"runs":    runs,
		"count":   len(runs),
	})
}

// RetryTaskHandler handles POST /api/tasks/{id}/retry
func (h *TaskHandler) RetryTaskHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "POST") {
		return
	}

	id := extractIDFromPath(r.URL.Path, "/api/tasks/")
	if id == "" {
		WriteError(w, http.StatusBadRequest, "Task ID is required")
		return
	}

	task, err := h.coordinator.RetryTask(r.Context(), id)
	if err != nil {
		h.logger.Error().Err(err).Str("task_id", id).Msg("Failed to retry task")
		switch {
		case isNotFound(err):
			WriteError(w, http.StatusNotFound, "Task not found")
		case errors.Is(err, models.ErrInvalidTransition) || containsState(err):
			WriteError(w, http.StatusBadRequest, err.Error())
		default:
			WriteError(w, http.StatusInternalServerError, "Failed to retry task")
		}
		return
	}

	h.logger.Info().Str("task_id", id).Msg("Task retried by operator")
	WriteJSON(w, http.StatusOK, task)
}

// CancelTaskHandler handles POST /api/tasks/{id}/cancel
func (h *TaskHandler) CancelTaskHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "POST") {
		return
	}

	id := extractIDFromPath(r.URL.Path, "/api/tasks/")
	if id == "" {
		WriteError(w, http.StatusBadRequest, "Task ID is required")
		return
	}

	task, err := h.coordinator.CancelTask(r.Context(), id)
	if err != nil {
		h.logger.Error().Err(err).Str("task_id", id).Msg("Failed to cancel task")
		switch {
		case isNotFound(err):
			WriteError(w, http.StatusNotFound, "Task not found")
		case errors.Is(err, models.ErrInvalidTransition) || containsState(err):
			WriteError(w, http.StatusBadRequest, err.Error())
		default:
			WriteError(w, http.StatusInternalServerError, "Failed to cancel task")
		}
		return
	}

	h.logger.Info().Str("task_id", id).Msg("Task cancelled by operator")
	WriteJSON(w, http.StatusOK, task)
}

// GetTaskStatsHandler handles GET /api/tasks/stats?source_id=
func (h *TaskHandler) GetTaskStatsHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	stats, err := h.coordinator.GetStats(r.Context(), r.URL.Query().Get("source_id"))
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to aggregate task stats")
		WriteError(w, http.StatusInternalServerError, "Failed to aggregate task stats")
		return
	}

	WriteJSON(w, http.StatusOK, stats)
}

// ListDeadLettersHandler handles GET /api/dlq?limit=100
func (h *TaskHandler) ListDeadLettersHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	limit := queryInt(r, "limit", 100)
	entries, err := h.bus.ListDeadLetters(r.Context(), limit)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to list dead letters")
		WriteError(w, http.StatusInternalServerError, "Failed to list dead letters")
		return
	}
	if entries == nil {
		entries = []*models.DLQEntry{}
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"entries": entries,
		"count":   len(entries),
	})
}

// RemoveDeadLetterHandler handles DELETE /api/dlq/{id}
func (h *TaskHandler) RemoveDeadLetterHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "DELETE") {
		return
	}

	id := extractIDFromPath(r.URL.Path, "/api/dlq/")
	if id == "" {
		WriteError(w, http.StatusBadRequest, "Dead letter ID is required")
		return
	}

	if err := h.bus.RemoveDeadLetter(r.Context(), id); err != nil {
		h.logger.Error().Err(err).Str("id", id).Msg("Failed to remove dead letter")
		if isNotFound(err) {
			WriteError(w, http.StatusNotFound, "Dead letter not found")
		} else {
			WriteError(w, http.StatusInternalServerError, "Failed to remove dead letter")
		}
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// containsState reports whether the error is a state-precondition rejection
// ("only failed or dead-lettered tasks can be retried")
func containsState(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "can be retried") || strings.Contains(err.Error(), "can be cancelled")
}
