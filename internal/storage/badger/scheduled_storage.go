package badger

import (
	"context"
	"fmt"

	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"

	"github.com/ternarybob/excerpo/internal/interfaces"
	"github.com/ternarybob/excerpo/internal/models"
)

// ScheduledTaskStorage implements the ScheduledTaskStorage interface for
// Badger
type ScheduledTaskStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewScheduledTaskStorage creates a new ScheduledTaskStorage instance
func NewScheduledTaskStorage(db *BadgerDB, logger arbor.ILogger) interfaces.ScheduledTaskStorage {
	return &ScheduledTaskStorage{
		db:     db,
		logger: logger,
	}
}

func (s *ScheduledTaskStorage) SaveScheduledTask(ctx context.Context, st *models.ScheduledTask) error {
	if st == nil {
		return fmt.Errorf("scheduled task is required")
	}
	if st.ID == "" {
		return fmt.Errorf("scheduled task ID is required")
	}

	if err := s.db.Store().Upsert(st.ID, st); err != nil {
		return fmt.Errorf("failed to save scheduled task: %w", err)
	}
	return nil
}

func (s *ScheduledTaskStorage) GetScheduledTask(ctx context.Context, id string) (*models.ScheduledTask, error) {
	var st models.ScheduledTask
	if err := s.db.Store().Get(id, &st); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, fmt.Errorf("scheduled task not found: %s", id)
		}
		return nil, fmt.Errorf("failed to get scheduled task: %w", err)
	}
	return &st, nil
}

func (s *ScheduledTaskStorage) ListScheduledTasks(ctx context.Context) ([]*models.ScheduledTask, error) {
	var tasks []models.ScheduledTask
	if err := s.db.Store().Find(&tasks, badgerhold.Where("ID").Ne("").SortBy("Name")); err != nil {
		return nil, fmt.Errorf("failed to list scheduled tasks: %w", err)
	}

	result := make([]*models.ScheduledTask, len(tasks))
	for i := range tasks {
		result[i] = &tasks[i]
	}
	return result, nil
}

func (s *ScheduledTaskStorage) DeleteScheduledTask(ctx context.Context, id string) error {
	if err := s.db.Store().Delete(id, &models.ScheduledTask{}); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil
		}
		return fmt.Errorf("failed to delete scheduled task: %w", err)
	}
	return nil
}
