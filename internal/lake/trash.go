package lake

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/excerpo/internal/interfaces"
	"github.com/ternarybob/excerpo/internal/models"
)

// TrashWriter lands rejected records and debug page captures in the trash
// zone. Callers treat both writes as best-effort: a failure here is logged
// by the worker and never fails the task.
type TrashWriter struct {
	store     interfaces.ObjectStore
	converter *md.Converter
	logger    arbor.ILogger
}

func NewTrashWriter(store interfaces.ObjectStore, logger arbor.ILogger) *TrashWriter {
	return &TrashWriter{
		store:     store,
		converter: md.NewConverter("", true, nil),
		logger:    logger,
	}
}

// rejectedDocument is the single JSON file written per task with every
// record that failed schema validation.
type rejectedDocument struct {
	TaskID    string                  `json:"task_id"`
	Reason    string                  `json:"reason"`
	Timestamp string                  `json:"timestamp"`
	Records   []models.RejectedRecord `json:"records"`
}

// WriteRejected stores the records that failed validation for a task and
// returns the object key
func (w *TrashWriter) WriteRejected(ctx context.Context, taskID string, at time.Time, records []models.RejectedRecord) (string, error) {
	if len(records) == 0 {
		return "", fmt.Errorf("no rejected records to write for task %s", taskID)
	}

	at = at.UTC()
	key := fmt.Sprintf("trash/rejected/%04d/%02d/%02d/%s.json", at.Year(), at.Month(), at.Day(), taskID)

	doc := rejectedDocument{
		TaskID:    taskID,
		Reason:    "schema validation failed",
		Timestamp: at.Format(time.RFC3339),
		Records:   records,
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode rejected records for task %s: %w", taskID, err)
	}

	if err := w.store.Put(ctx, key, data, "application/json"); err != nil {
		return "", fmt.Errorf("failed to write rejected records for task %s: %w", taskID, err)
	}

	w.logger.Debug().
		Str("task_id", taskID).
		Str("key", key).
		Int("records", len(records)).
		Msg("Wrote rejected records to trash")

	return key, nil
}

// WriteDebug stores the page captures for a failed task under a per-task
// debug prefix and returns the keys by artifact name. Artifacts that are
// absent are skipped; a markdown rendering is derived from the HTML when
// one was not captured.
func (w *TrashWriter) WriteDebug(ctx context.Context, taskID string, at time.Time, artifacts *models.DebugArtifacts) (map[string]string, error) {
	if artifacts == nil {
		return nil, fmt.Errorf("no debug artifacts to write for task %s", taskID)
	}

	at = at.UTC()
	prefix := fmt.Sprintf("trash/debug/%04d/%02d/%02d/%s", at.Year(), at.Month(), at.Day(), taskID)

	markdown := artifacts.Markdown
	if len(markdown) == 0 && len(artifacts.HTML) > 0 {
		if converted, err := w.converter.ConvertString(string(artifacts.HTML)); err == nil {
			markdown = []byte(converted)
		} else {
			w.logger.Warn().Err(err).Str("task_id", taskID).Msg("Failed to convert debug page to markdown")
		}
	}

	written := make(map[string]string)
	var errs []error

	put := func(name string, data []byte, contentType string) {
		if len(data) == 0 {
			return
		}
		key := prefix + "/" + name
		if err := w.store.Put(ctx, key, data, contentType); err != nil {
			errs = append(errs, fmt.Errorf("failed to write %s: %w", name, err))
			return
		}
		written[name] = key
	}

	put("page.html", artifacts.HTML, "text/html")
	put("page.md", markdown, "text/markdown")
	put("screenshot.png", artifacts.Screenshot, "image/png")

	if len(artifacts.Metadata) > 0 {
		data, err := json.MarshalIndent(artifacts.Metadata, "", "  ")
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to encode debug metadata: %w", err))
		} else {
			put("metadata.json", data, "application/json")
		}
	}

	if len(errs) > 0 {
		return written, fmt.Errorf("debug write for task %s: %w", taskID, errors.Join(errs...))
	}

	w.logger.Debug().
		Str("task_id", taskID).
		Str("prefix", prefix).
		Int("artifacts", len(written)).
		Msg("Wrote debug artifacts to trash")

	return written, nil
}
