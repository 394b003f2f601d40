package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// ValueKind tags the concrete case held by a FieldValue
type ValueKind uint8

const (
	KindNull ValueKind = iota
	KindString
	KindInt
	KindFloat
	KindBool
	KindTime
	KindList
	KindJSON
)

// FieldValue is a tagged union over the closed FieldType set.
// Extracted scalars stay untyped strings until coercion maps them onto a case.
type FieldValue struct {
	Kind  ValueKind
	Str   string
	Int   int64
	Float float64
	Bool  bool
	Time  time.Time
	List  []string
	JSON  json.RawMessage
}

// Null returns the null field value
func Null() FieldValue { return FieldValue{Kind: KindNull} }

// StringValue wraps a string
func StringValue(s string) FieldValue { return FieldValue{Kind: KindString, Str: s} }

// IntValue wraps an integer
func IntValue(i int64) FieldValue { return FieldValue{Kind: KindInt, Int: i} }

// FloatValue wraps a float
func FloatValue(f float64) FieldValue { return FieldValue{Kind: KindFloat, Float: f} }

// BoolValue wraps a boolean
func BoolValue(b bool) FieldValue { return FieldValue{Kind: KindBool, Bool: b} }

// TimeValue wraps a timestamp
func TimeValue(t time.Time) FieldValue { return FieldValue{Kind: KindTime, Time: t} }

// ListValue wraps a list of strings
func ListValue(items []string) FieldValue { return FieldValue{Kind: KindList, List: items} }

// JSONValue wraps raw JSON
func JSONValue(raw json.RawMessage) FieldValue { return FieldValue{Kind: KindJSON, JSON: raw} }

// IsNull reports whether the value is the null case
func (v FieldValue) IsNull() bool { return v.Kind == KindNull }

// Interface returns the underlying Go value (nil for null)
func (v FieldValue) Interface() interface{} {
	switch v.Kind {
	case KindString:
		return v.Str
	case KindInt:
		return v.Int
	case KindFloat:
		return v.Float
	case KindBool:
		return v.Bool
	case KindTime:
		return v.Time
	case KindList:
		return v.List
	case KindJSON:
		return v.JSON
	default:
		return nil
	}
}

// MarshalJSON emits the underlying value, not the union wrapper
func (v FieldValue) MarshalJSON() ([]byte, error) {
	switch v.Kind {
	case KindNull:
		return []byte("null"), nil
	case KindTime:
		return json.Marshal(v.Time.UTC().Format(time.RFC3339))
	case KindJSON:
		if len(v.JSON) == 0 {
			return []byte("null"), nil
		}
		return v.JSON, nil
	default:
		return json.Marshal(v.Interface())
	}
}

// UnmarshalJSON rebuilds the union case from the value MarshalJSON emitted.
// Strings that parse as RFC3339 come back as timestamps, arrays of strings as
// lists; objects and mixed arrays land on the raw JSON case.
func (v *FieldValue) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || string(trimmed) == "null" {
		*v = Null()
		return nil
	}
	switch trimmed[0] {
	case '"':
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return err
		}
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			*v = TimeValue(t)
			return nil
		}
		*v = StringValue(s)
		return nil
	case 't', 'f':
		var b bool
		if err := json.Unmarshal(trimmed, &b); err != nil {
			return err
		}
		*v = BoolValue(b)
		return nil
	case '[':
		var items []string
		if err := json.Unmarshal(trimmed, &items); err != nil {
			*v = JSONValue(append(json.RawMessage(nil), trimmed...))
			return nil
		}
		*v = ListValue(items)
		return nil
	case '{':
		*v = JSONValue(append(json.RawMessage(nil), trimmed...))
		return nil
	default:
		// Integers without a fraction or exponent keep their exact width
		if !bytes.ContainsAny(trimmed, ".eE") {
			var i int64
			if err := json.Unmarshal(trimmed, &i); err == nil {
				*v = IntValue(i)
				return nil
			}
		}
		var f float64
		if err := json.Unmarshal(trimmed, &f); err != nil {
			return fmt.Errorf("field value: unrecognized JSON %s", string(trimmed))
		}
		*v = FloatValue(f)
		return nil
	}
}

// String renders the value for logs and debugging
func (v FieldValue) String() string {
	switch v.Kind {
	case KindNull:
		return "<null>"
	case KindString:
		return v.Str
	case KindJSON:
		return string(v.JSON)
	default:
		return fmt.Sprintf("%v", v.Interface())
	}
}

// Record is one extracted record: a map from field name to typed value.
// Map serialization sorts keys, so bronze output is deterministic.
type Record map[string]FieldValue

// RejectedRecord captures a record that failed validation, kept for trash diagnosis
type RejectedRecord struct {
	Index   int      `json:"index"`
	Reasons []string `json:"reasons"`
	Fields  Record   `json:"fields"`
}

// RunStatus is the terminal status of a single execution attempt
type RunStatus string

const (
	RunStatusSuccess RunStatus = "success"
	RunStatusPartial RunStatus = "partial"
	RunStatusFailed  RunStatus = "failed"
	RunStatusRetry   RunStatus = "retry"
)

// RunMetrics captures fetch and processing measurements for one run
type RunMetrics struct {
	DurationMS      int64 `json:"duration_ms"`
	BytesDownloaded int64 `json:"bytes_downloaded"`
	RequestsCount   int   `json:"requests_count"`
	PagesProcessed  int   `json:"pages_processed"`
	DNSLookupMS     int64 `json:"dns_lookup_ms,omitempty"`
	ConnectionMS    int64 `json:"connection_ms,omitempty"`
	TTFBMS          int64 `json:"ttfb_ms,omitempty"`
}

// StoragePointers locates the artifacts a run produced
type StoragePointers struct {
	// BronzePath is the bronze partition prefix holding the run's records
	BronzePath     string            `json:"bronze_path,omitempty"`
	RawHTMLPath    string            `json:"raw_html_path,omitempty"`
	ScreenshotPath string            `json:"screenshot_path,omitempty"`
	Artifacts      map[string]string `json:"artifacts,omitempty"`
}

// ExtractionStats summarizes extraction outcomes for one run.
// Invariant: RecordsValid + RecordsRejected == RecordsExtracted.
type ExtractionStats struct {
	RecordsExtracted int `json:"records_extracted"`
	RecordsValid     int `json:"records_valid"`
	RecordsRejected  int `json:"records_rejected"`
	// FieldsExtracted counts non-null occurrences per field name
	FieldsExtracted map[string]int `json:"fields_extracted,omitempty"`
	// FieldsMissing counts null occurrences per field name
	FieldsMissing map[string]int `json:"fields_missing,omitempty"`
}

// ResultEnvelope is published by workers on the results queue and is the
// ground truth the coordinator ingests. Ingestion is idempotent on RunID.
type ResultEnvelope struct {
	TaskID      string          `json:"task_id" validate:"required"`
	RunID       string          `json:"run_id" validate:"required"`
	Status      RunStatus       `json:"status" validate:"required,oneof=success partial failed retry"`
	HTTPStatus  int             `json:"http_status,omitempty"`
	Metrics     RunMetrics      `json:"metrics"`
	Pointers    StoragePointers `json:"pointers"`
	Extraction  ExtractionStats `json:"extraction"`
	HasNextPage bool            `json:"has_next_page"`
	NextPageURL string          `json:"next_page_url,omitempty"`
	CurrentPage int             `json:"current_page"`
	Errors      []*TaskError    `json:"errors,omitempty"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt time.Time       `json:"completed_at"`
	WorkerID    string          `json:"worker_id"`
}

// FirstError returns the first (most significant) error, or nil
func (r *ResultEnvelope) FirstError() *TaskError {
	if len(r.Errors) == 0 {
		return nil
	}
	return r.Errors[0]
}

// TaskRun is the per-attempt record persisted by the coordinator
type TaskRun struct {
	RunID       string          `json:"run_id"`
	TaskID      string          `json:"task_id" badgerhold:"index"`
	Attempt     int             `json:"attempt"`
	Status      RunStatus       `json:"status"`
	HTTPStatus  int             `json:"http_status,omitempty"`
	Metrics     RunMetrics      `json:"metrics"`
	Pointers    StoragePointers `json:"pointers"`
	Extraction  ExtractionStats `json:"extraction"`
	Errors      []*TaskError    `json:"errors,omitempty"`
	WorkerID    string          `json:"worker_id"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt time.Time       `json:"completed_at"`
}

// RunFromEnvelope builds the persisted run row from a result envelope
func RunFromEnvelope(env *ResultEnvelope, attempt int) *TaskRun {
	return &TaskRun{
		RunID:       env.RunID,
		TaskID:      env.TaskID,
		Attempt:     attempt,
		Status:      env.Status,
		HTTPStatus:  env.HTTPStatus,
		Metrics:     env.Metrics,
		Pointers:    env.Pointers,
		Extraction:  env.Extraction,
		Errors:      env.Errors,
		WorkerID:    env.WorkerID,
		StartedAt:   env.StartedAt,
		CompletedAt: env.CompletedAt,
	}
}
