package lake

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/excerpo/internal/interfaces"
	"github.com/ternarybob/excerpo/internal/models"
)

// BronzeWriter lands extracted records in the bronze zone as JSON lines.
// Partitions are append-only: each run writes its own file under the task
// partition so a retry never clobbers an earlier attempt.
type BronzeWriter struct {
	store  interfaces.ObjectStore
	logger arbor.ILogger
}

func NewBronzeWriter(store interfaces.ObjectStore, logger arbor.ILogger) *BronzeWriter {
	return &BronzeWriter{store: store, logger: logger}
}

// WriteRecords appends one JSONL file of enriched records to the task
// partition and returns the partition prefix. Consumers read every file
// under the prefix to see all runs for the task.
func (w *BronzeWriter) WriteRecords(ctx context.Context, lineage *models.RecordLineage, records []models.Record) (string, error) {
	if lineage == nil {
		return "", fmt.Errorf("record lineage is required")
	}
	if len(records) == 0 {
		return "", fmt.Errorf("no records to write for task %s", lineage.TaskID)
	}

	ingestedAt := time.Now().UTC()
	partition := bronzePartition(lineage.SourceID, lineage.TaskID, ingestedAt)
	key := fmt.Sprintf("%s/%s.jsonl", partition, lineage.RunID)

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for i, record := range records {
		row := make(map[string]interface{}, len(record)+7)
		for field, value := range record {
			row[field] = value
		}
		row["_task_id"] = lineage.TaskID
		row["_run_id"] = lineage.RunID
		row["_source_id"] = lineage.SourceID
		row["_schema_id"] = lineage.SchemaID
		row["_schema_version"] = lineage.SchemaVersion
		row["_record_index"] = i
		row["_ingested_at"] = ingestedAt.Format(time.RFC3339)

		if err := enc.Encode(row); err != nil {
			return "", fmt.Errorf("failed to encode record %d for task %s: %w", i, lineage.TaskID, err)
		}
	}

	if err := w.store.Put(ctx, key, buf.Bytes(), "application/x-ndjson"); err != nil {
		return "", fmt.Errorf("failed to write bronze partition %s: %w", partition, err)
	}

	w.logger.Debug().
		Str("task_id", lineage.TaskID).
		Str("run_id", lineage.RunID).
		Str("partition", partition).
		Int("records", len(records)).
		Msg("Wrote records to bronze")

	return partition, nil
}

func bronzePartition(sourceID, taskID string, at time.Time) string {
	return fmt.Sprintf("bronze/%s/%04d/%02d/%02d/%s", sourceID, at.Year(), at.Month(), at.Day(), taskID)
}
