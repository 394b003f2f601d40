package models

import (
	"errors"
	"fmt"
	"time"
)

// TaskStatus represents the coordinator-owned state of an extraction task
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusQueued    TaskStatus = "queued"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusRetry     TaskStatus = "retry" // Transient; loops back to queued
	TaskStatusSuccess   TaskStatus = "success"
	TaskStatusPartial   TaskStatus = "partial"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
	TaskStatusDLQ       TaskStatus = "dlq"
)

// ErrInvalidTransition is returned when a task status change violates the state machine
var ErrInvalidTransition = errors.New("invalid task state transition")

// legalTransitions encodes the task lifecycle.
// Transitions are driven solely by coordinator ingestion and operator commands;
// workers never mutate the authoritative state.
var legalTransitions = map[TaskStatus][]TaskStatus{
	TaskStatusPending: {TaskStatusQueued, TaskStatusCancelled},
	TaskStatusQueued:  {TaskStatusRunning, TaskStatusCancelled},
	TaskStatusRunning: {TaskStatusSuccess, TaskStatusPartial, TaskStatusFailed, TaskStatusRetry, TaskStatusDLQ},
	TaskStatusRetry:   {TaskStatusQueued, TaskStatusDLQ},
	// Operator retry resets failed and dead-lettered tasks
	TaskStatusFailed: {TaskStatusQueued},
	TaskStatusDLQ:    {TaskStatusQueued},
	// success, partial and cancelled are terminal
	TaskStatusSuccess:   {},
	TaskStatusPartial:   {},
	TaskStatusCancelled: {},
}

// IsTerminal reports whether the status ends the task lifecycle
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskStatusSuccess, TaskStatusPartial, TaskStatusFailed, TaskStatusCancelled, TaskStatusDLQ:
		return true
	}
	return false
}

// CanTransition reports whether from -> to is a legal state change
func CanTransition(from, to TaskStatus) bool {
	for _, next := range legalTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Cookie is a named cookie injected before a fetch
type Cookie struct {
	Name   string `json:"name" yaml:"name"`
	Value  string `json:"value" yaml:"value"`
	Domain string `json:"domain,omitempty" yaml:"domain,omitempty"`
	Path   string `json:"path,omitempty" yaml:"path,omitempty"`
}

// Task is one unit of extraction work, bound to a URL and a schema version.
// The record is owned by the coordinator; workers receive an immutable copy
// inside the task message.
type Task struct {
	ID           string `json:"id"`
	ParentTaskID string `json:"parent_task_id,omitempty" badgerhold:"index"`
	// BranchID groups the pages of one pagination chain (the root task's ID)
	BranchID  string `json:"branch_id,omitempty"`
	SourceID  string `json:"source_id" badgerhold:"index"`
	TargetURL string `json:"target_url"`
	SchemaID  string `json:"schema_id"`
	// SchemaVersion 0 means "latest at dispatch time"
	SchemaVersion int        `json:"schema_version"`
	Mode          FetchMode  `json:"mode"`
	Status        TaskStatus `json:"status" badgerhold:"index"`
	// Priority 0-10; higher is dispatched first
	Priority       int                    `json:"priority"`
	MaxAttempts    int                    `json:"max_attempts"`
	CurrentAttempt int                    `json:"current_attempt"`
	Context        map[string]interface{} `json:"context,omitempty"`
	PageNumber     int                    `json:"page_number"`
	MaxPages       int                    `json:"max_pages"`
	// ScheduledAt defers dispatch; the task stays pending until due
	ScheduledAt      *time.Time        `json:"scheduled_at,omitempty"`
	ProxyProfileID   string            `json:"proxy_profile_id,omitempty"`
	SessionProfileID string            `json:"session_profile_id,omitempty"`
	Cookies          []Cookie          `json:"cookies,omitempty"`
	Headers          map[string]string `json:"headers,omitempty"`

	// Rolled-up results from the most recent run
	LastRunID       string     `json:"last_run_id,omitempty"`
	LastError       *TaskError `json:"last_error,omitempty"`
	RecordsValid    int        `json:"records_valid"`
	RecordsRejected int        `json:"records_rejected"`
	BronzePath      string     `json:"bronze_path,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	// QueuedAt is unset until the first dispatch
	QueuedAt    *time.Time `json:"queued_at,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt time.Time  `json:"completed_at"`
}

// TransitionTo applies a status change, enforcing the state machine.
// Cancelled tasks are frozen: the transition CANCELLED -> * is always illegal.
func (t *Task) TransitionTo(status TaskStatus) error {
	if t.Status == status {
		return nil
	}
	if !CanTransition(t.Status, status) {
		return fmt.Errorf("%w: %s -> %s (task %s)", ErrInvalidTransition, t.Status, status, t.ID)
	}

	t.Status = status
	now := time.Now().UTC()
	switch status {
	case TaskStatusQueued:
		t.QueuedAt = &now
	case TaskStatusRunning:
		t.StartedAt = now
	case TaskStatusSuccess, TaskStatusPartial, TaskStatusFailed, TaskStatusCancelled, TaskStatusDLQ:
		t.CompletedAt = now
	}
	return nil
}

// TaskMessage is the JSON envelope published on the task queues.
// Routing: mode http -> tasks.http, mode browser -> tasks.browser.
type TaskMessage struct {
	TaskID        string    `json:"task_id" validate:"required"`
	RunID         string    `json:"run_id" validate:"required"`
	SourceID      string    `json:"source_id" validate:"required"`
	TargetURL     string    `json:"target_url" validate:"required,url"`
	Mode          FetchMode `json:"mode" validate:"required,oneof=http browser"`
	SchemaID      string    `json:"schema_id" validate:"required"`
	SchemaVersion int       `json:"schema_version" validate:"min=0"`
	Priority      int       `json:"priority" validate:"min=0,max=10"`
	MaxAttempts   int       `json:"max_attempts" validate:"min=1"`
	// TTLSeconds expires undelivered messages; 0 means no expiry
	TTLSeconds int `json:"ttl_seconds,omitempty" validate:"min=0"`
	// TimeoutSeconds is the end-to-end task budget (default 60)
	TimeoutSeconds   int                    `json:"timeout_seconds,omitempty" validate:"min=0"`
	ProxyProfileID   string                 `json:"proxy_profile_id,omitempty"`
	SessionProfileID string                 `json:"session_profile_id,omitempty"`
	Context          map[string]interface{} `json:"context,omitempty"`
	Cookies          []Cookie               `json:"cookies,omitempty"`
	Headers          map[string]string      `json:"headers,omitempty"`
	PageNumber       int                    `json:"page_number"`
	MaxPages         int                    `json:"max_pages"`
	CreatedAt        time.Time              `json:"created_at"`
	ScheduledAt      *time.Time             `json:"scheduled_at,omitempty"`
	// Attempt is 1-based; the coordinator increments it on each republish
	Attempt      int    `json:"attempt" validate:"min=1"`
	ParentTaskID string `json:"parent_task_id,omitempty"`
	// BranchID groups the pages of one pagination chain
	BranchID string `json:"branch_id,omitempty"`
}

// Timeout returns the end-to-end task budget
func (m *TaskMessage) Timeout(fallback time.Duration) time.Duration {
	if m.TimeoutSeconds > 0 {
		return time.Duration(m.TimeoutSeconds) * time.Second
	}
	return fallback
}

// CreateTaskRequest is the payload accepted by the coordinator and the
// HTTP API when creating a task. Unset numeric fields fall back to the
// source or global defaults.
type CreateTaskRequest struct {
	SourceID  string `json:"source_id" validate:"required"`
	TargetURL string `json:"target_url" validate:"required,url"`
	SchemaID  string `json:"schema_id" validate:"required"`
	// SchemaVersion accepts a concrete version number, "latest", or "".
	// Empty and "latest" both resolve to the schema's current version.
	SchemaVersion string `json:"schema_version,omitempty"`
	// Mode overrides the schema's fetch mode when set.
	Mode             FetchMode              `json:"mode,omitempty"`
	Priority         int                    `json:"priority,omitempty" validate:"min=0,max=10"`
	MaxAttempts      int                    `json:"max_attempts,omitempty" validate:"min=0"`
	MaxPages         int                    `json:"max_pages,omitempty" validate:"min=0"`
	Context          map[string]interface{} `json:"context,omitempty"`
	ScheduledAt      *time.Time             `json:"scheduled_at,omitempty"`
	ProxyProfileID   string                 `json:"proxy_profile_id,omitempty"`
	SessionProfileID string                 `json:"session_profile_id,omitempty"`
	Cookies          []Cookie               `json:"cookies,omitempty"`
	Headers          map[string]string      `json:"headers,omitempty"`
}

// ScheduledTask is a cron-driven task template; the scheduler materializes
// a fresh task from it on every due tick.
type ScheduledTask struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Schedule string `json:"schedule"` // Standard 5-field cron expression
	Enabled  bool   `json:"enabled"`
	// Template fields copied onto each materialized task
	SourceID      string            `json:"source_id"`
	TargetURL     string            `json:"target_url"`
	SchemaID      string            `json:"schema_id"`
	SchemaVersion int               `json:"schema_version"`
	Priority      int               `json:"priority"`
	MaxAttempts   int               `json:"max_attempts"`
	MaxPages      int               `json:"max_pages"`
	Headers       map[string]string `json:"headers,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	LastRunAt time.Time `json:"last_run_at,omitempty"`
}
