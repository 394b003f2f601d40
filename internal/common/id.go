package common

import (
	"github.com/google/uuid"
)

// NewTaskID generates a unique task ID with the "task_" prefix
// Format: task_<uuid>
func NewTaskID() string {
	return "task_" + uuid.New().String()
}

// NewRunID generates a unique run ID with the "run_" prefix.
// A fresh run ID is minted for every execution attempt of a task.
func NewRunID() string {
	return "run_" + uuid.New().String()
}

// NewScheduleID generates a unique schedule ID with the "sched_" prefix
func NewScheduleID() string {
	return "sched_" + uuid.New().String()
}
