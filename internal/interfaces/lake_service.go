package interfaces

import (
	"context"
	"time"

	"github.com/ternarybob/excerpo/internal/models"
)

// ObjectStore is the byte-level storage under the bronze and trash layers.
// Implementations: local filesystem, S3.
type ObjectStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Get(ctx context.Context, key string) ([]byte, error)
	List(ctx context.Context, prefix string) ([]string, error)
	Delete(ctx context.Context, key string) error
}

// BronzeWriter appends validated records to the partitioned bronze layer,
// one partition per source_id/yyyy/mm/dd/task_id.
type BronzeWriter interface {
	// WriteRecords lands the records with lineage columns attached and
	// returns the partition path stored in the result envelope
	WriteRecords(ctx context.Context, lineage *models.RecordLineage, records []models.Record) (string, error)
}

// TrashWriter lands rejected records and debug artifacts for diagnosis
type TrashWriter interface {
	// WriteRejected stores the run's rejected records, returning their path
	WriteRejected(ctx context.Context, taskID string, at time.Time, rejected []models.RejectedRecord) (string, error)

	// WriteDebug stores page capture artifacts, returning name -> path
	WriteDebug(ctx context.Context, taskID string, at time.Time, artifacts *models.DebugArtifacts) (map[string]string, error)
}
