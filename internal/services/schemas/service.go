package schemas

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/excerpo/internal/extract"
	"github.com/ternarybob/excerpo/internal/interfaces"
	"github.com/ternarybob/excerpo/internal/models"
)

// Service owns the versioned parsing schema registry. Schema rows are
// immutable per version: Create writes version 1, Update and Rollback write
// the next version, and the current version is always the highest stored
// one. Registering a version activates it; SetActive gates dispatch
// afterwards.
type Service struct {
	storage interfaces.SchemaStorage
	events  interfaces.EventService
	logger  arbor.ILogger
}

// NewService creates a new schema service
func NewService(storage interfaces.SchemaStorage, events interfaces.EventService, logger arbor.ILogger) *Service {
	return &Service{
		storage: storage,
		events:  events,
		logger:  logger,
	}
}

// prepare applies defaults and checks that the schema validates and compiles
func (s *Service) prepare(schema *models.ParsingSchema) error {
	if schema.Mode == "" {
		schema.Mode = models.ModeHTTP
	}
	if err := schema.Validate(); err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}
	if _, err := extract.CompileSchema(schema); err != nil {
		return fmt.Errorf("schema failed to compile: %w", err)
	}
	return nil
}

// Create registers a new schema as version 1
func (s *Service) Create(ctx context.Context, schema *models.ParsingSchema) (*models.ParsingSchema, error) {
	if schema == nil {
		return nil, fmt.Errorf("schema is required")
	}

	if schema.ID == "" {
		schema.ID = uuid.New().String()
	}

	if err := s.prepare(schema); err != nil {
		return nil, err
	}

	if current, err := s.storage.GetCurrentSchema(ctx, schema.ID); err == nil && current != nil {
		return nil, fmt.Errorf("schema %s already exists at version %d, use update", schema.ID, current.Version)
	}

	now := time.Now()
	schema.Version = 1
	schema.IsActive = true
	schema.CreatedAt = now
	schema.UpdatedAt = now
	schema.ContentHash = schema.ComputeContentHash()

	if err := s.storage.SaveSchema(ctx, schema); err != nil {
		return nil, fmt.Errorf("failed to save schema: %w", err)
	}

	s.logger.Info().
		Str("schema_id", schema.ID).
		Str("source_id", schema.SourceID).
		Str("mode", string(schema.Mode)).
		Int("fields", len(schema.Fields)).
		Msg("Schema created")

	s.publish(ctx, schema.ID, schema.Version, "created")

	return schema, nil
}

// Update writes the changed schema as a new version of id
func (s *Service) Update(ctx context.Context, id string, schema *models.ParsingSchema) (*models.ParsingSchema, error) {
	if schema == nil {
		return nil, fmt.Errorf("schema is required")
	}
	if id == "" {
		return nil, fmt.Errorf("schema id is required")
	}

	current, err := s.storage.GetCurrentSchema(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("schema not found: %w", err)
	}

	// The path id wins over whatever the payload carries
	schema.ID = id

	if err := s.prepare(schema); err != nil {
		return nil, err
	}

	schema.Version = current.Version + 1
	schema.IsActive = true
	schema.CreatedAt = current.CreatedAt
	schema.UpdatedAt = time.Now()
	schema.ContentHash = schema.ComputeContentHash()

	if err := s.storage.SaveSchema(ctx, schema); err != nil {
		return nil, fmt.Errorf("failed to save schema version: %w", err)
	}

	s.logger.Info().
		Str("schema_id", schema.ID).
		Int("version", schema.Version).
		Msg("Schema updated to new version")

	s.publish(ctx, schema.ID, schema.Version, "updated")

	return schema, nil
}

// Get fetches a specific version; version 0 resolves to current
func (s *Service) Get(ctx context.Context, id string, version int) (*models.ParsingSchema, error) {
	return s.storage.GetSchema(ctx, id, version)
}

// ResolveVersion turns a task request's version string into a concrete
// schema. Empty, "latest" and "current" resolve to the current version.
func (s *Service) ResolveVersion(ctx context.Context, id string, version string) (*models.ParsingSchema, error) {
	switch strings.ToLower(strings.TrimSpace(version)) {
	case "", "latest", "current", "0":
		return s.storage.GetCurrentSchema(ctx, id)
	}

	v, err := strconv.Atoi(version)
	if err != nil || v < 1 {
		return nil, models.NewTaskErrorf(models.ErrValidation, "invalid schema version %q for schema %s", version, id)
	}

	return s.storage.GetSchema(ctx, id, v)
}

// List returns the current version of every schema
func (s *Service) List(ctx context.Context) ([]*models.ParsingSchema, error) {
	return s.storage.ListSchemas(ctx)
}

// ListVersions returns every stored version of a schema, oldest first
func (s *Service) ListVersions(ctx context.Context, id string) ([]*models.ParsingSchema, error) {
	return s.storage.ListVersions(ctx, id)
}

// Rollback republishes an old version's body as a new current version.
// Versions stay immutable: rolling back to v2 with current v5 writes v6
// carrying v2's body.
func (s *Service) Rollback(ctx context.Context, id string, toVersion int) (*models.ParsingSchema, error) {
	if toVersion < 1 {
		return nil, fmt.Errorf("rollback version must be positive, got %d", toVersion)
	}

	old, err := s.storage.GetSchema(ctx, id, toVersion)
	if err != nil {
		return nil, fmt.Errorf("rollback target not found: %w", err)
	}

	current, err := s.storage.GetCurrentSchema(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("schema not found: %w", err)
	}
	if current.Version == toVersion {
		return current, nil
	}

	next := *old
	next.Version = current.Version + 1
	next.IsActive = true
	next.CreatedAt = current.CreatedAt
	next.UpdatedAt = time.Now()
	next.ContentHash = next.ComputeContentHash()

	if err := s.storage.SaveSchema(ctx, &next); err != nil {
		return nil, fmt.Errorf("failed to save rollback version: %w", err)
	}

	s.logger.Info().
		Str("schema_id", id).
		Int("from_version", current.Version).
		Int("to_version", toVersion).
		Int("new_version", next.Version).
		Msg("Schema rolled back")

	s.publish(ctx, id, next.Version, "rolled_back")

	return &next, nil
}

// SetActive gates dispatch for the schema's current version
func (s *Service) SetActive(ctx context.Context, id string, active bool) error {
	current, err := s.storage.GetCurrentSchema(ctx, id)
	if err != nil {
		return fmt.Errorf("schema not found: %w", err)
	}
	if current.IsActive == active {
		return nil
	}

	current.IsActive = active
	current.UpdatedAt = time.Now()
	current.ContentHash = current.ComputeContentHash()

	if err := s.storage.SaveSchema(ctx, current); err != nil {
		return fmt.Errorf("failed to update schema active flag: %w", err)
	}

	s.logger.Info().
		Str("schema_id", id).
		Int("version", current.Version).
		Bool("active", active).
		Msg("Schema active flag changed")

	s.publish(ctx, id, current.Version, "active_changed")

	return nil
}

// Delete removes every version of a schema
func (s *Service) Delete(ctx context.Context, id string) error {
	if _, err := s.storage.GetCurrentSchema(ctx, id); err != nil {
		return fmt.Errorf("schema not found: %w", err)
	}

	if err := s.storage.DeleteSchema(ctx, id); err != nil {
		return fmt.Errorf("failed to delete schema: %w", err)
	}

	s.logger.Info().Str("schema_id", id).Msg("Schema deleted")

	s.publish(ctx, id, 0, "deleted")

	return nil
}

func (s *Service) publish(ctx context.Context, schemaID string, version int, action string) {
	if s.events == nil {
		return
	}
	err := s.events.Publish(ctx, interfaces.Event{
		Type: interfaces.EventSchemaUpdated,
		Payload: map[string]interface{}{
			"schema_id": schemaID,
			"version":   version,
			"action":    action,
			"timestamp": time.Now(),
		},
	})
	if err != nil {
		s.logger.Warn().Err(err).
			Str("schema_id", schemaID).
			Int("version", version).
			Msg("Schema event publish failed")
	}
}
