package models

import (
	"encoding/json"
	"testing"
	"time"
)

func TestTaskJSONOmitsQueuedAtUntilDispatch(t *testing.T) {
	task := &Task{
		ID:        "task-1",
		Status:    TaskStatusPending,
		CreatedAt: time.Now().UTC(),
	}

	data, err := json.Marshal(task)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	var fields map[string]interface{}
	if err := json.Unmarshal(data, &fields); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if _, ok := fields["queued_at"]; ok {
		t.Error("Expected queued_at omitted for a pending task")
	}

	if err := task.TransitionTo(TaskStatusQueued); err != nil {
		t.Fatalf("TransitionTo failed: %v", err)
	}
	if task.QueuedAt == nil {
		t.Fatal("Expected queued_at set after dispatch")
	}

	data, err = json.Marshal(task)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	fields = nil
	if err := json.Unmarshal(data, &fields); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if _, ok := fields["queued_at"]; !ok {
		t.Error("Expected queued_at present after dispatch")
	}
}

func TestCancelledTaskIsFrozen(t *testing.T) {
	task := &Task{ID: "task-2", Status: TaskStatusCancelled}
	if err := task.TransitionTo(TaskStatusQueued); err == nil {
		t.Error("Expected transition out of cancelled to fail")
	}
}
