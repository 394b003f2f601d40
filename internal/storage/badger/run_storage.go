package badger

import (
	"context"
	"fmt"

	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"

	"github.com/ternarybob/excerpo/internal/interfaces"
	"github.com/ternarybob/excerpo/internal/models"
)

// RunStorage implements the RunStorage interface for Badger. Runs are
// per-attempt execution records keyed by run ID; the coordinator's result
// ingestion is idempotent on that key.
type RunStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewRunStorage creates a new RunStorage instance
func NewRunStorage(db *BadgerDB, logger arbor.ILogger) interfaces.RunStorage {
	return &RunStorage{
		db:     db,
		logger: logger,
	}
}

func (s *RunStorage) SaveRun(ctx context.Context, run *models.TaskRun) error {
	if run == nil {
		return fmt.Errorf("run is required")
	}
	if run.RunID == "" {
		return fmt.Errorf("run ID is required")
	}

	if err := s.db.Store().Upsert(run.RunID, run); err != nil {
		return fmt.Errorf("failed to save run: %w", err)
	}
	return nil
}

func (s *RunStorage) GetRun(ctx context.Context, runID string) (*models.TaskRun, error) {
	var run models.TaskRun
	if err := s.db.Store().Get(runID, &run); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, fmt.Errorf("run not found: %s", runID)
		}
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return &run, nil
}

func (s *RunStorage) GetRunsByTask(ctx context.Context, taskID string) ([]*models.TaskRun, error) {
	var runs []models.TaskRun
	if err := s.db.Store().Find(&runs, badgerhold.Where("TaskID").Eq(taskID).SortBy("Attempt")); err != nil {
		return nil, fmt.Errorf("failed to get runs: %w", err)
	}

	result := make([]*models.TaskRun, len(runs))
	for i := range runs {
		result[i] = &runs[i]
	}
	return result, nil
}

func (s *RunStorage) CountRuns(ctx context.Context, taskID string) (int, error) {
	count, err := s.db.Store().Count(&models.TaskRun{}, badgerhold.Where("TaskID").Eq(taskID))
	if err != nil {
		return 0, fmt.Errorf("failed to count runs: %w", err)
	}
	return int(count), nil
}

func (s *RunStorage) DeleteRunsByTask(ctx context.Context, taskID string) error {
	if err := s.db.Store().DeleteMatching(&models.TaskRun{}, badgerhold.Where("TaskID").Eq(taskID)); err != nil {
		return fmt.Errorf("failed to delete runs: %w", err)
	}
	return nil
}
