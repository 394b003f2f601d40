package interfaces

import (
	"context"

	"github.com/ternarybob/excerpo/internal/models"
)

// SchemaService owns parsing schemas. Schemas are immutable per version:
// every update writes a new version and moves the current pointer.
type SchemaService interface {
	// Create registers a new schema as version 1
	Create(ctx context.Context, schema *models.ParsingSchema) (*models.ParsingSchema, error)

	// Update writes the changed schema as a new version of id
	Update(ctx context.Context, id string, schema *models.ParsingSchema) (*models.ParsingSchema, error)

	// Get fetches a specific version; version 0 resolves to current
	Get(ctx context.Context, id string, version int) (*models.ParsingSchema, error)

	// ResolveVersion turns a task request's version string ("", "latest" or
	// a number) into a concrete version
	ResolveVersion(ctx context.Context, id string, version string) (*models.ParsingSchema, error)

	List(ctx context.Context) ([]*models.ParsingSchema, error)
	ListVersions(ctx context.Context, id string) ([]*models.ParsingSchema, error)

	// Rollback republishes an old version's body as a new current version
	Rollback(ctx context.Context, id string, toVersion int) (*models.ParsingSchema, error)

	// SetActive gates dispatch for the schema's current version
	SetActive(ctx context.Context, id string, active bool) error

	Delete(ctx context.Context, id string) error

	// SeedFromDir loads YAML schema files, creating a new version only when
	// the content hash changed. Returns how many schemas were written.
	SeedFromDir(ctx context.Context, dir string) (int, error)
}

// SchemaProvider is the worker-side read path: a memoizing cache over the
// schema service keyed by (id, version).
type SchemaProvider interface {
	// GetSchema returns the compiled schema for a concrete (id, version)
	GetSchema(ctx context.Context, id string, version int) (*models.ParsingSchema, error)

	// Invalidate drops all cached versions of a schema id
	Invalidate(id string)
}
