package badger

import (
	"context"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"

	"github.com/ternarybob/excerpo/internal/interfaces"
	"github.com/ternarybob/excerpo/internal/models"
)

// TaskStorage implements the TaskStorage interface for Badger
type TaskStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewTaskStorage creates a new TaskStorage instance
func NewTaskStorage(db *BadgerDB, logger arbor.ILogger) interfaces.TaskStorage {
	return &TaskStorage{
		db:     db,
		logger: logger,
	}
}

func (s *TaskStorage) SaveTask(ctx context.Context, task *models.Task) error {
	if task == nil {
		return fmt.Errorf("task is required")
	}
	if task.ID == "" {
		return fmt.Errorf("task ID is required")
	}

	if err := s.db.Store().Upsert(task.ID, task); err != nil {
		return fmt.Errorf("failed to save task: %w", err)
	}
	return nil
}

func (s *TaskStorage) GetTask(ctx context.Context, id string) (*models.Task, error) {
	var task models.Task
	if err := s.db.Store().Get(id, &task); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, fmt.Errorf("task not found: %s", id)
		}
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	return &task, nil
}

func (s *TaskStorage) ListTasks(ctx context.Context, filter *models.TaskFilter) ([]*models.Task, error) {
	query := taskQuery(filter)

	if filter != nil {
		if filter.Limit > 0 {
			query = query.Limit(filter.Limit)
		}
		if filter.Offset > 0 {
			query = query.Skip(filter.Offset)
		}
	}
	query = query.SortBy("CreatedAt").Reverse()

	var tasks []models.Task
	if err := s.db.Store().Find(&tasks, query); err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}

	return taskPointers(tasks), nil
}

func (s *TaskStorage) CountTasks(ctx context.Context, filter *models.TaskFilter) (int, error) {
	count, err := s.db.Store().Count(&models.Task{}, taskQuery(filter))
	if err != nil {
		return 0, fmt.Errorf("failed to count tasks: %w", err)
	}
	return int(count), nil
}

func (s *TaskStorage) DeleteTask(ctx context.Context, id string) error {
	if err := s.db.Store().Delete(id, &models.Task{}); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil
		}
		return fmt.Errorf("failed to delete task: %w", err)
	}
	return nil
}

func (s *TaskStorage) GetTasksByStatus(ctx context.Context, status models.TaskStatus, limit int) ([]*models.Task, error) {
	query := badgerhold.Where("Status").Eq(status).SortBy("CreatedAt")
	if limit > 0 {
		query = query.Limit(limit)
	}

	var tasks []models.Task
	if err := s.db.Store().Find(&tasks, query); err != nil {
		return nil, fmt.Errorf("failed to get tasks by status: %w", err)
	}
	return taskPointers(tasks), nil
}

func (s *TaskStorage) GetDueScheduled(ctx context.Context, now time.Time, limit int) ([]*models.Task, error) {
	var pending []models.Task
	if err := s.db.Store().Find(&pending, badgerhold.Where("Status").Eq(models.TaskStatusPending).SortBy("CreatedAt")); err != nil {
		return nil, fmt.Errorf("failed to get pending tasks: %w", err)
	}

	// ScheduledAt is a pointer, so filter here rather than in the query. A
	// nil ScheduledAt is due immediately; picking those up also recovers
	// tasks whose create-time publish never happened.
	var due []*models.Task
	for i := range pending {
		task := pending[i]
		if task.ScheduledAt != nil && task.ScheduledAt.After(now) {
			continue
		}
		due = append(due, &task)
		if limit > 0 && len(due) >= limit {
			break
		}
	}
	return due, nil
}

func (s *TaskStorage) GetStaleRunning(ctx context.Context, cutoff time.Time, limit int) ([]*models.Task, error) {
	query := badgerhold.Where("Status").Eq(models.TaskStatusRunning).And("StartedAt").Lt(cutoff).SortBy("StartedAt")
	if limit > 0 {
		query = query.Limit(limit)
	}

	var tasks []models.Task
	if err := s.db.Store().Find(&tasks, query); err != nil {
		return nil, fmt.Errorf("failed to get stale running tasks: %w", err)
	}
	return taskPointers(tasks), nil
}

func (s *TaskStorage) GetChildren(ctx context.Context, parentTaskID string) ([]*models.Task, error) {
	var tasks []models.Task
	if err := s.db.Store().Find(&tasks, badgerhold.Where("ParentTaskID").Eq(parentTaskID).SortBy("PageNumber")); err != nil {
		return nil, fmt.Errorf("failed to get child tasks: %w", err)
	}
	return taskPointers(tasks), nil
}

// taskQuery builds the common filter query
func taskQuery(filter *models.TaskFilter) *badgerhold.Query {
	query := badgerhold.Where("ID").Ne("")
	if filter == nil {
		return query
	}
	if filter.SourceID != "" {
		query = query.And("SourceID").Eq(filter.SourceID)
	}
	if filter.Status != "" {
		query = query.And("Status").Eq(filter.Status)
	}
	if filter.SchemaID != "" {
		query = query.And("SchemaID").Eq(filter.SchemaID)
	}
	if filter.ParentTaskID != "" {
		query = query.And("ParentTaskID").Eq(filter.ParentTaskID)
	}
	return query
}

func taskPointers(tasks []models.Task) []*models.Task {
	result := make([]*models.Task, len(tasks))
	for i := range tasks {
		result[i] = &tasks[i]
	}
	return result
}
