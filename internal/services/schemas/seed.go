package schemas

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ternarybob/excerpo/internal/models"
)

// SeedFromDir loads YAML schema files from a directory at startup. A file
// whose content hash matches the stored current version is skipped, so
// re-seeding an unchanged directory is a no-op; changed files write the
// next version. Returns how many schema versions were written.
func (s *Service) SeedFromDir(ctx context.Context, dir string) (int, error) {
	if dir == "" {
		return 0, nil
	}
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		s.logger.Debug().Str("dir", dir).Msg("Schema seed directory does not exist, skipping")
		return 0, nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("failed to read schema seed directory: %w", err)
	}

	written := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}

		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			s.logger.Warn().Err(err).Str("file", entry.Name()).Msg("Failed to read schema file")
			continue
		}

		var schema models.ParsingSchema
		if err := yaml.Unmarshal(data, &schema); err != nil {
			s.logger.Warn().Err(err).Str("file", entry.Name()).Msg("Failed to parse schema YAML")
			continue
		}
		if schema.ID == "" {
			s.logger.Warn().Str("file", entry.Name()).Msg("Schema file has no id, skipping")
			continue
		}

		if err := s.prepare(&schema); err != nil {
			s.logger.Warn().Err(err).Str("file", entry.Name()).Str("schema_id", schema.ID).Msg("Schema file invalid, skipping")
			continue
		}

		schema.IsActive = true
		hash := schema.ComputeContentHash()

		current, err := s.storage.GetCurrentSchema(ctx, schema.ID)
		if err == nil && current.ContentHash == hash {
			s.logger.Debug().
				Str("schema_id", schema.ID).
				Int("version", current.Version).
				Msg("Schema file unchanged, skipping")
			continue
		}

		now := time.Now()
		schema.UpdatedAt = now
		if err == nil {
			schema.Version = current.Version + 1
			schema.CreatedAt = current.CreatedAt
		} else {
			schema.Version = 1
			schema.CreatedAt = now
		}
		schema.ContentHash = hash

		if err := s.storage.SaveSchema(ctx, &schema); err != nil {
			s.logger.Warn().Err(err).Str("file", entry.Name()).Str("schema_id", schema.ID).Msg("Failed to save seeded schema")
			continue
		}

		s.logger.Info().
			Str("file", entry.Name()).
			Str("schema_id", schema.ID).
			Int("version", schema.Version).
			Msg("Schema loaded from file")
		written++
	}

	if written > 0 {
		s.logger.Info().Int("count", written).Msg("Schemas seeded from files")
	}

	return written, nil
}
