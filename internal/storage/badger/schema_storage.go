package badger

import (
	"context"
	"fmt"

	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"

	"github.com/ternarybob/excerpo/internal/interfaces"
	"github.com/ternarybob/excerpo/internal/models"
)

// SchemaStorage implements the SchemaStorage interface for Badger. Each
// schema version is its own immutable row keyed by "{id}@v{version}"; the
// current version is the highest stored version for an ID.
type SchemaStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewSchemaStorage creates a new SchemaStorage instance
func NewSchemaStorage(db *BadgerDB, logger arbor.ILogger) interfaces.SchemaStorage {
	return &SchemaStorage{
		db:     db,
		logger: logger,
	}
}

func schemaKey(id string, version int) string {
	return fmt.Sprintf("%s@v%d", id, version)
}

func (s *SchemaStorage) SaveSchema(ctx context.Context, schema *models.ParsingSchema) error {
	if schema == nil {
		return fmt.Errorf("schema is required")
	}
	if schema.ID == "" {
		return fmt.Errorf("schema ID is required")
	}
	if schema.Version < 1 {
		return fmt.Errorf("schema version must be positive")
	}

	if err := s.db.Store().Upsert(schemaKey(schema.ID, schema.Version), schema); err != nil {
		return fmt.Errorf("failed to save schema: %w", err)
	}
	return nil
}

// GetSchema returns the schema at a concrete version; version 0 resolves to
// the current version
func (s *SchemaStorage) GetSchema(ctx context.Context, id string, version int) (*models.ParsingSchema, error) {
	if version == 0 {
		return s.GetCurrentSchema(ctx, id)
	}

	var schema models.ParsingSchema
	if err := s.db.Store().Get(schemaKey(id, version), &schema); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, fmt.Errorf("schema not found: %s version %d", id, version)
		}
		return nil, fmt.Errorf("failed to get schema: %w", err)
	}
	return &schema, nil
}

// GetCurrentSchema returns the highest stored version for the ID
func (s *SchemaStorage) GetCurrentSchema(ctx context.Context, id string) (*models.ParsingSchema, error) {
	versions, err := s.ListVersions(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(versions) == 0 {
		return nil, fmt.Errorf("schema not found: %s", id)
	}
	// ListVersions sorts ascending
	return versions[len(versions)-1], nil
}

func (s *SchemaStorage) GetSchemasBySource(ctx context.Context, sourceID string) ([]*models.ParsingSchema, error) {
	var schemas []models.ParsingSchema
	if err := s.db.Store().Find(&schemas, badgerhold.Where("SourceID").Eq(sourceID).SortBy("ID", "Version")); err != nil {
		return nil, fmt.Errorf("failed to get schemas by source: %w", err)
	}
	return schemaPointers(schemas), nil
}

// ListSchemas returns the current version of every schema
func (s *SchemaStorage) ListSchemas(ctx context.Context) ([]*models.ParsingSchema, error) {
	var schemas []models.ParsingSchema
	if err := s.db.Store().Find(&schemas, badgerhold.Where("ID").Ne("").SortBy("ID", "Version")); err != nil {
		return nil, fmt.Errorf("failed to list schemas: %w", err)
	}

	// Rows sort by ID then version, so the last row of each ID wins
	var current []*models.ParsingSchema
	for i := range schemas {
		schema := schemas[i]
		if len(current) > 0 && current[len(current)-1].ID == schema.ID {
			current[len(current)-1] = &schema
			continue
		}
		current = append(current, &schema)
	}
	return current, nil
}

// ListVersions returns every stored version of a schema, oldest first
func (s *SchemaStorage) ListVersions(ctx context.Context, id string) ([]*models.ParsingSchema, error) {
	var schemas []models.ParsingSchema
	if err := s.db.Store().Find(&schemas, badgerhold.Where("ID").Eq(id).SortBy("Version")); err != nil {
		return nil, fmt.Errorf("failed to list schema versions: %w", err)
	}
	return schemaPointers(schemas), nil
}

// DeleteSchema removes every version of a schema
func (s *SchemaStorage) DeleteSchema(ctx context.Context, id string) error {
	if err := s.db.Store().DeleteMatching(&models.ParsingSchema{}, badgerhold.Where("ID").Eq(id)); err != nil {
		return fmt.Errorf("failed to delete schema: %w", err)
	}
	return nil
}

func schemaPointers(schemas []models.ParsingSchema) []*models.ParsingSchema {
	result := make([]*models.ParsingSchema, len(schemas))
	for i := range schemas {
		result[i] = &schemas[i]
	}
	return result
}
