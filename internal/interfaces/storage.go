package interfaces

import (
	"context"
	"time"

	"github.com/ternarybob/excerpo/internal/models"
)

// TaskStorage - interface for task persistence
type TaskStorage interface {
	SaveTask(ctx context.Context, task *models.Task) error
	GetTask(ctx context.Context, id string) (*models.Task, error)
	ListTasks(ctx context.Context, filter *models.TaskFilter) ([]*models.Task, error)
	CountTasks(ctx context.Context, filter *models.TaskFilter) (int, error)
	DeleteTask(ctx context.Context, id string) error

	// GetTasksByStatus returns tasks in a given state, oldest first
	GetTasksByStatus(ctx context.Context, status models.TaskStatus, limit int) ([]*models.Task, error)

	// GetDueScheduled returns PENDING tasks whose scheduled_at has passed
	GetDueScheduled(ctx context.Context, now time.Time, limit int) ([]*models.Task, error)

	// GetStaleRunning returns RUNNING tasks untouched since the cutoff,
	// candidates for the stale-task detector
	GetStaleRunning(ctx context.Context, cutoff time.Time, limit int) ([]*models.Task, error)

	// GetChildren returns the pagination children of a parent task
	GetChildren(ctx context.Context, parentTaskID string) ([]*models.Task, error)
}

// RunStorage - interface for per-attempt execution records
type RunStorage interface {
	SaveRun(ctx context.Context, run *models.TaskRun) error
	GetRun(ctx context.Context, runID string) (*models.TaskRun, error)
	GetRunsByTask(ctx context.Context, taskID string) ([]*models.TaskRun, error)
	CountRuns(ctx context.Context, taskID string) (int, error)
	DeleteRunsByTask(ctx context.Context, taskID string) error
}

// SchemaStorage - interface for versioned parsing schema persistence.
// Schemas are immutable per version; version 0 means "current".
type SchemaStorage interface {
	SaveSchema(ctx context.Context, schema *models.ParsingSchema) error
	GetSchema(ctx context.Context, id string, version int) (*models.ParsingSchema, error)
	GetCurrentSchema(ctx context.Context, id string) (*models.ParsingSchema, error)
	GetSchemasBySource(ctx context.Context, sourceID string) ([]*models.ParsingSchema, error)
	ListSchemas(ctx context.Context) ([]*models.ParsingSchema, error)
	ListVersions(ctx context.Context, id string) ([]*models.ParsingSchema, error)
	DeleteSchema(ctx context.Context, id string) error
}

// ScheduledTaskStorage - interface for cron task templates
type ScheduledTaskStorage interface {
	SaveScheduledTask(ctx context.Context, st *models.ScheduledTask) error
	GetScheduledTask(ctx context.Context, id string) (*models.ScheduledTask, error)
	ListScheduledTasks(ctx context.Context) ([]*models.ScheduledTask, error)
	DeleteScheduledTask(ctx context.Context, id string) error
}

// StorageManager - composite interface for all storage operations
type StorageManager interface {
	TaskStorage() TaskStorage
	RunStorage() RunStorage
	SchemaStorage() SchemaStorage
	ScheduledTaskStorage() ScheduledTaskStorage
	DB() interface{}
	Close() error
}
