package models

// TaskFilter narrows task list queries
type TaskFilter struct {
	SourceID     string
	Status       TaskStatus
	SchemaID     string
	ParentTaskID string
	Limit        int
	Offset       int
}

// TaskStats aggregates task outcomes for a source (or globally when SourceID is empty)
type TaskStats struct {
	SourceID      string             `json:"source_id,omitempty"`
	Total         int                `json:"total"`
	ByStatus      map[TaskStatus]int `json:"by_status"`
	SuccessRate   float64            `json:"success_rate"`
	AvgDurationMS int64              `json:"avg_duration_ms"`
	RecordsValid  int                `json:"records_valid"`
	// ByDay counts completed tasks per yyyy-mm-dd
	ByDay map[string]int `json:"by_day,omitempty"`
}
