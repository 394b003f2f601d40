package handlers

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/excerpo/internal/interfaces"
	"github.com/ternarybob/excerpo/internal/models"
)

// SchemaHandler handles HTTP requests for the parsing schema registry
type SchemaHandler struct {
	schemas interfaces.SchemaService
	logger  arbor.ILogger
}

// NewSchemaHandler creates a new SchemaHandler
func NewSchemaHandler(schemas interfaces.SchemaService, logger arbor.ILogger) *SchemaHandler {
	return &SchemaHandler{
		schemas: schemas,
		logger:  logger,
	}
}

// ListSchemasHandler handles GET /api/schemas
func (h *SchemaHandler) ListSchemasHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	schemas, err := h.schemas.List(r.Context())
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to list schemas")
		WriteError(w, http.StatusInternalServerError, "Failed to list schemas")
		return
	}

	if schemas == nil {
		schemas = []*models.ParsingSchema{}
	}
	WriteJSON(w, http.StatusOK, schemas)
}

// RegisterSchemaHandler handles POST /api/schemas. A payload with a known id
// writes the next version; an unknown or empty id creates version 1.
func (h *SchemaHandler) RegisterSchemaHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "POST") {
		return
	}

	var schema models.ParsingSchema
	if err := json.NewDecoder(r.Body).Decode(&schema); err != nil {
		h.logger.Error().Err(err).Msg("Failed to decode schema body")
		WriteError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	var (
		saved *models.ParsingSchema
		err   error
	)
	if schema.ID != "" {
		if _, getErr := h.schemas.Get(r.Context(), schema.ID, 0); getErr == nil {
			saved, err = h.schemas.Update(r.Context(), schema.ID, &schema)
		} else {
			saved, err = h.schemas.Create(r.Context(), &schema)
		}
	} else {
		saved, err = h.schemas.Create(r.Context(), &schema)
	}

	if err != nil {
		h.logger.Error().Err(err).Str("schema_id", schema.ID).Msg("Failed to register schema")
		if strings.Contains(err.Error(), "validation failed") || strings.Contains(err.Error(), "failed to compile") {
			WriteError(w, http.StatusBadRequest, err.Error())
		} else {
			WriteError(w, http.StatusInternalServerError, "Failed to register schema")
		}
		return
	}

	WriteJSON(w, http.StatusCreated, saved)
}

// GetSchemaHandler handles GET /api/schemas/{id}. The current version is
// returned unless ?version= names a stored one.
func (h *SchemaHandler) GetSchemaHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	id := extractIDFromPath(r.URL.Path, "/api/schemas/")
	if id == "" {
		WriteError(w, http.StatusBadRequest, "Schema ID is required")
		return
	}

	version := queryInt(r, "version", 0)
	schema, err := h.schemas.Get(r.Context(), id, version)
	if err != nil {
		h.logger.Error().Err(err).Str("schema_id", id).Int("version", version).Msg("Failed to get schema")
		WriteError(w, http.StatusNotFound, "Schema not found")
		return
	}

	WriteJSON(w, http.StatusOK, schema)
}

// ListSchemaVersionsHandler handles GET /api/schemas/{id}/versions
func (h *SchemaHandler) ListSchemaVersionsHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	id := extractIDFromPath(r.URL.Path, "/api/schemas/")
	if id == "" {
		WriteError(w, http.StatusBadRequest, "Schema ID is required")
		return
	}

	versions, err := h.schemas.ListVersions(r.Context(), id)
	if err != nil {
		h.logger.Error().Err(err).Str("schema_id", id).Msg("Failed to list schema versions")
		WriteError(w, http.StatusInternalServerError, "Failed to list schema versions")
		return
	}
	if len(versions) == 0 {
		WriteError(w, http.StatusNotFound, "Schema not found")
		return
	}

	WriteJSON(w, http.StatusOK, versions)
}

// RollbackSchemaHandler handles POST /api/schemas/{id}/rollback
func (h *SchemaHandler) RollbackSchemaHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "POST") {
		return
	}

	id := extractIDFromPath(r.URL.Path, "/api/schemas/")
	if id == "" {
		WriteError(w, http.StatusBadRequest, "Schema ID is required")
		return
	}

	var req struct {
		ToVersion int `json:"to_version"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.ToVersion < 1 {
		WriteError(w, http.StatusBadRequest, "to_version must be a stored version number")
		return
	}

	schema, err := h.schemas.Rollback(r.Context(), id, req.ToVersion)
	if err != nil {
		h.logger.Error().Err(err).Str("schema_id", id).Int("to_version", req.ToVersion).Msg("Failed to roll back schema")
		if isNotFound(err) {
			WriteError(w, http.StatusNotFound, err.Error())
		} else {
			WriteError(w, http.StatusInternalServerError, "Failed to roll back schema")
		}
		return
	}

	WriteJSON(w, http.StatusOK, schema)
}

// SetSchemaActiveHandler handles POST /api/schemas/{id}/enable and
// POST /api/schemas/{id}/disable
func (h *SchemaHandler) SetSchemaActiveHandler(w http.ResponseWriter, r *http.Request, active bool) {
	if !RequireMethod(w, r, "POST") {
		return
	}

	id := extractIDFromPath(r.URL.Path, "/api/schemas/")
	if id == "" {
		WriteError(w, http.StatusBadRequest, "Schema ID is required")
		return
	}

	if err := h.schemas.SetActive(r.Context(), id, active); err != nil {
		h.logger.Error().Err(err).Str("schema_id", id).Bool("active", active).Msg("Failed to change schema active flag")
		if isNotFound(err) {
			WriteError(w, http.StatusNotFound, "Schema not found")
		} else {
			WriteError(w, http.StatusInternalServerError, "Failed to change schema active flag")
		}
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"schema_id": id,
		"active":    active,
	})
}

// DeleteSchemaHandler handles DELETE /api/schemas/{id}
func (h *SchemaHandler) DeleteSchemaHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "DELETE") {
		return
	}

	id := extractIDFromPath(r.URL.Path, "/api/schemas/")
	if id == "" {
		WriteError(w, http.StatusBadRequest, "Schema ID is required")
		return
	}

	if err := h.schemas.Delete(r.Context(), id); err != nil {
		h.logger.Error().Err(err).Str("schema_id", id).Msg("Failed to delete schema")
		if isNotFound(err) {
			WriteError(w, http.StatusNotFound, "Schema not found")
		} else {
			WriteError(w, http.StatusInternalServerError, "Failed to delete schema")
		}
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
