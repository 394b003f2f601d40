package interfaces

import (
	"context"
	"time"

	"github.com/ternarybob/excerpo/internal/models"
)

// JobStatus represents the current status of a scheduled job
type JobStatus struct {
	Name        string
	Enabled     bool
	Schedule    string
	Description string
	LastRun     *time.Time
	NextRun     *time.Time
	IsRunning   bool
	LastError   string
}

// SchedulerService manages cron-based scheduling
type SchedulerService interface {
	// Start the scheduler
	Start() error

	// Stop the scheduler
	Stop() error

	// IsRunning returns true if scheduler is active
	IsRunning() bool

	// RegisterJob registers a new job with the scheduler
	RegisterJob(name string, schedule string, handler func() error) error

	// TriggerJobNow manually runs a registered job
	TriggerJobNow(name string) error

	// EnableJob enables a disabled job
	EnableJob(name string) error

	// DisableJob disables an enabled job
	DisableJob(name string) error

	// GetJobStatus returns the status of a specific job
	GetJobStatus(name string) (*JobStatus, error)

	// GetAllJobStatuses returns all job statuses
	GetAllJobStatuses() map[string]*JobStatus

	// Scheduled task templates. Each enabled template runs as a job named
	// by its ID and materializes a fresh task per tick.
	CreateScheduledTask(ctx context.Context, st *models.ScheduledTask) (*models.ScheduledTask, error)
	UpdateScheduledTask(ctx context.Context, id string, st *models.ScheduledTask) (*models.ScheduledTask, error)
	DeleteScheduledTask(ctx context.Context, id string) error
	GetScheduledTask(ctx context.Context, id string) (*models.ScheduledTask, error)
	ListScheduledTasks(ctx context.Context) ([]*models.ScheduledTask, error)
}
