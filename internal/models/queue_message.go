package models

import (
	"encoding/json"
	"errors"
	"time"
)

// ErrNoMessage is returned when the queue has no visible message
var ErrNoMessage = errors.New("no messages in queue")

// Message type constants for queue routing
const (
	MessageTypeTaskHTTP    = "task.http"
	MessageTypeTaskBrowser = "task.browser"
	MessageTypeResult      = "result"
)

// Queue names on the bus
const (
	QueueTasksHTTP    = "tasks.http"
	QueueTasksBrowser = "tasks.browser"
	QueueResults      = "results"
	QueueDeadLetters  = "dlq.tasks"
)

// QueueForMode maps a fetch mode to its task queue. Mode is authoritative
// for routing regardless of requires_js.
func QueueForMode(mode FetchMode) string {
	if mode == ModeBrowser {
		return QueueTasksBrowser
	}
	return QueueTasksHTTP
}

// DLQEntry is a dead-lettered message with the reason it died
type DLQEntry struct {
	ID          string       `json:"id"`
	SourceQueue string       `json:"source_queue"`
	Reason      string       `json:"reason"`
	Message     QueueMessage `json:"message"`
	DeadAt      time.Time    `json:"dead_at"`
}

// QueueStats is a point-in-time snapshot of one queue
type QueueStats struct {
	Queue    string `json:"queue"`
	Ready    int    `json:"ready"`
	InFlight int    `json:"in_flight"`
	Total    int    `json:"total"`
}

// QueueMessage is the typed envelope stored on the bus.
// Keep it small - just enough to route to a handler.
type QueueMessage struct {
	TaskID  string          `json:"task_id"` // References tasks.id
	Type    string          `json:"type"`    // Routing key for handler dispatch
	Payload json.RawMessage `json:"payload"` // TaskMessage or ResultEnvelope JSON
}

// NewTaskQueueMessage wraps a task message for publication
func NewTaskQueueMessage(msg *TaskMessage) (*QueueMessage, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}

	msgType := MessageTypeTaskHTTP
	if msg.Mode == ModeBrowser {
		msgType = MessageTypeTaskBrowser
	}

	return &QueueMessage{
		TaskID:  msg.TaskID,
		Type:    msgType,
		Payload: payload,
	}, nil
}

// NewResultQueueMessage wraps a result envelope for publication
func NewResultQueueMessage(env *ResultEnvelope) (*QueueMessage, error) {
	payload, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}

	return &QueueMessage{
		TaskID:  env.TaskID,
		Type:    MessageTypeResult,
		Payload: payload,
	}, nil
}
