package handlers

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/excerpo/internal/interfaces"
	"github.com/ternarybob/excerpo/internal/models"
)

// ScheduledTaskHandler handles cron task template API requests
type ScheduledTaskHandler struct {
	scheduler interfaces.SchedulerService
	logger    arbor.ILogger
}

// NewScheduledTaskHandler creates a new ScheduledTaskHandler
func NewScheduledTaskHandler(scheduler interfaces.SchedulerService, logger arbor.ILogger) *ScheduledTaskHandler {
	return &ScheduledTaskHandler{
		scheduler: scheduler,
		logger:    logger,
	}
}

// ListScheduledTasksHandler handles GET /api/scheduled-tasks
func (h *ScheduledTaskHandler) ListScheduledTasksHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	templates, err := h.scheduler.ListScheduledTasks(r.Context())
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to list scheduled tasks")
		WriteError(w, http.StatusInternalServerError, "Failed to list scheduled tasks")
		return
	}
	if templates == nil {
		templates = []*models.ScheduledTask{}
	}

	WriteJSON(w, http.StatusOK, templates)
}

// CreateScheduledTaskHandler handles POST /api/scheduled-tasks
func (h *ScheduledTaskHandler) CreateScheduledTaskHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "POST") {
		return
	}

	var st models.ScheduledTask
	if err := json.NewDecoder(r.Body).Decode(&st); err != nil {
		h.logger.Error().Err(err).Msg("Failed to decode scheduled task body")
		WriteError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	created, err := h.scheduler.CreateScheduledTask(r.Context(), &st)
	if err != nil {
		h.logger.Error().Err(err).Str("name", st.Name).Msg("Failed to create scheduled task")
		if isTemplateValidation(err) {
			WriteError(w, http.StatusBadRequest, err.Error())
		} else {
			WriteError(w, http.StatusInternalServerError, "Failed to create scheduled task")
		}
		return
	}

	WriteJSON(w, http.StatusCreated, created)
}

// GetScheduledTaskHandler handles GET /api/scheduled-tasks/{id}
func (h *ScheduledTaskHandler) GetScheduledTaskHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	id := extractIDFromPath(r.URL.Path, "/api/scheduled-tasks/")
	if id == "" {
		WriteError(w, http.StatusBadRequest, "Scheduled task ID is required")
		return
	}

	st, err := h.scheduler.GetScheduledTask(r.Context(), id)
	if err != nil {
		h.logger.Error().Err(err).Str("schedule_id", id).Msg("Failed to get scheduled task")
		WriteError(w, http.StatusNotFound, "Scheduled task not found")
		return
	}

	WriteJSON(w, http.StatusOK, st)
}

// UpdateScheduledTaskHandler handles PUT /api/scheduled-tasks/{id}
func (h *ScheduledTaskHandler) UpdateScheduledTaskHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "PUT") {
		return
	}

	id := extractIDFromPath(r.URL.Path, "/api/scheduled-tasks/")
	if id == "" {
		WriteError(w, http.StatusBadRequest, "Scheduled task ID is required")
		return
	}

	var st models.ScheduledTask
	if err := json.NewDecoder(r.Body).Decode(&st); err != nil {
		WriteError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	updated, err := h.scheduler.UpdateScheduledTask(r.Context(), id, &st)
	if err != nil {
		h.logger.Error().Err(err).Str("schedule_id", id).Msg("Failed to update scheduled task")
		switch {
		case isNotFound(err):
			WriteError(w, http.StatusNotFound, "Scheduled task not found")
		case isTemplateValidation(err):
			WriteError(w, http.StatusBadRequest, err.Error())
		default:
			WriteError(w, http.StatusInternalServerError, "Failed to update scheduled task")
		}
		return
	}

	WriteJSON(w, http.StatusOK, updated)
}

// DeleteScheduledTaskHandler handles DELETE /api/scheduled-tasks/{id}
func (h *ScheduledTaskHandler) DeleteScheduledTaskHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "DELETE") {
		return
	}

	id := extractIDFromPath(r.URL.Path, "/api/scheduled-tasks/")
	if id == "" {
		WriteError(w, http.StatusBadRequest, "Scheduled task ID is required")
		return
	}

	if err := h.scheduler.DeleteScheduledTask(r.Context(), id); err != nil {
		h.logger.Error().Err(err).Str("schedule_id", id).Msg("Failed to delete scheduled task")
		if isNotFound(err) {
			WriteError(w, http.StatusNotFound, "Scheduled task not found")
		} else {
			WriteError(w, http.StatusInternalServerError, "Failed to delete scheduled task")
		}
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// SetScheduledTaskEnabledHandler handles POST /api/scheduled-tasks/{id}/enable
// and POST /api/scheduled-tasks/{id}/disable
func (h *ScheduledTaskHandler) SetScheduledTaskEnabledHandler(w http.ResponseWriter, r *http.Request, enabled bool) {
	if !RequireMethod(w, r, "POST") {
		return
	}

	id := extractIDFromPath(r.URL.Path, "/api/scheduled-tasks/")
	if id == "" {
		WriteError(w, http.StatusBadRequest, "Scheduled task ID is required")
		return
	}

	var err error
	if enabled {
		err = h.scheduler.EnableJob(id)
	} else {
		err = h.scheduler.DisableJob(id)
	}
	if err != nil {
		h.logger.Error().Err(err).Str("schedule_id", id).Bool("enabled", enabled).Msg("Failed to change scheduled task enabled flag")
		if isNotFound(err) {
			WriteError(w, http.StatusNotFound, "Scheduled task not found")
		} else {
			WriteError(w, http.StatusInternalServerError, "Failed to change scheduled task enabled flag")
		}
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"schedule_id": id,
		"enabled":     enabled,
	})
}

// TriggerScheduledTaskHandler handles POST /api/scheduled-tasks/{id}/trigger
func (h *ScheduledTaskHandler) TriggerScheduledTaskHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "POST") {
		return
	}

	id := extractIDFromPath(r.URL.Path, "/api/scheduled-tasks/")
	if id == "" {
		WriteError(w, http.StatusBadRequest, "Scheduled task ID is required")
		return
	}

	if err := h.scheduler.TriggerJobNow(id); err != nil {
		h.logger.Error().Err(err).Str("schedule_id", id).Msg("Failed to trigger scheduled task")
		if isNotFound(err) {
			WriteError(w, http.StatusNotFound, "Scheduled task not found")
		} else {
			WriteError(w, http.StatusInternalServerError, "Failed to trigger scheduled task")
		}
		return
	}

	WriteJSON(w, http.StatusOK, map[string]string{
		"schedule_id": id,
		"message":     "Scheduled task triggered",
	})
}

// GetJobStatusesHandler handles GET /api/scheduler/jobs, the ops view of
// every registered cron job including the builtin maintenance sweeps
func (h *ScheduledTaskHandler) GetJobStatusesHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"running": h.scheduler.IsRunning(),
		"jobs":    h.scheduler.GetAllJobStatuses(),
	})
}

// isTemplateValidation reports whether the error is a template field or
// schedule validation failure
func isTemplateValidation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "is required") || strings.Contains(msg, "invalid cron")
}
