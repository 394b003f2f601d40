package interfaces

import (
	"context"
	"time"

	"github.com/ternarybob/excerpo/internal/models"
)

// CoordinatorService owns the authoritative task state machine. All status
// transitions flow through result ingestion and operator commands here;
// workers never mutate task state directly.
type CoordinatorService interface {
	// CreateTask validates the request, resolves the schema version and
	// either publishes immediately (PENDING -> QUEUED) or leaves the task
	// PENDING until its scheduled_at is due.
	CreateTask(ctx context.Context, req *models.CreateTaskRequest) (*models.Task, error)

	// IngestResult applies one result envelope. Ingestion is idempotent on
	// run_id: a duplicate envelope is acknowledged without effect.
	IngestResult(ctx context.Context, env *models.ResultEnvelope) error

	// RetryTask requeues a FAILED or dead-lettered task with a fresh attempt
	// counter. Operator command.
	RetryTask(ctx context.Context, taskID string) (*models.Task, error)

	// CancelTask cancels a PENDING or QUEUED task. CANCELLED is frozen; a
	// late result for a cancelled task is recorded as a run without moving
	// the task.
	CancelTask(ctx context.Context, taskID string) (*models.Task, error)

	GetTask(ctx context.Context, taskID string) (*models.Task, error)
	GetTaskRuns(ctx context.Context, taskID string) ([]*models.TaskRun, error)
	ListTasks(ctx context.Context, filter *models.TaskFilter) ([]*models.Task, error)

	// GetStats aggregates task counts, success rate and per-day volumes for
	// a source ("" for all sources)
	GetStats(ctx context.Context, sourceID string) (*models.TaskStats, error)

	// DispatchDue publishes PENDING tasks whose scheduled_at has passed,
	// returning how many were queued
	DispatchDue(ctx context.Context, now time.Time) (int, error)

	// RequeueStale re-publishes RUNNING tasks that stopped reporting before
	// the cutoff, returning how many were recovered
	RequeueStale(ctx context.Context, cutoff time.Time) (int, error)
}
