package models

import "time"

// FetchRequest describes one page retrieval. Headers are the merged
// task-over-schema set; the schema rides along for browser navigation
// steps and pagination behavior.
type FetchRequest struct {
	TaskID    string
	URL       string
	Mode      FetchMode
	Headers   map[string]string
	Cookies   []Cookie
	Timeout   time.Duration
	UserAgent string

	ProxyProfileID   string
	SessionProfileID string

	Schema *ParsingSchema
}

// FetchResult is a fetched page plus its measurements and artifacts
type FetchResult struct {
	// FinalURL is the URL after redirects (http) or navigation (browser)
	FinalURL   string
	StatusCode int
	HTML       string
	Headers    map[string]string

	BytesDownloaded int64
	RequestsCount   int
	// PagesProcessed counts scroll/load-more iterations in browser mode
	PagesProcessed int

	DNSLookupMS  int64
	ConnectionMS int64
	TTFBMS       int64
	DurationMS   int64

	// Screenshot is captured in browser mode (and by screenshot steps)
	Screenshot []byte

	// ClickedNextURL is set when the browser resolved a javascript: next
	// button by clicking it and reading the resulting location
	ClickedNextURL string

	FetchedAt time.Time
}

// Metrics folds the fetch measurements into run metrics.
func (r *FetchResult) Metrics() RunMetrics {
	return RunMetrics{
		DurationMS:      r.DurationMS,
		BytesDownloaded: r.BytesDownloaded,
		RequestsCount:   r.RequestsCount,
		PagesProcessed:  r.PagesProcessed,
		DNSLookupMS:     r.DNSLookupMS,
		ConnectionMS:    r.ConnectionMS,
		TTFBMS:          r.TTFBMS,
	}
}

// RecordLineage is the identity stamped onto every bronze record as
// underscore-prefixed columns.
type RecordLineage struct {
	TaskID        string `json:"task_id"`
	RunID         string `json:"run_id"`
	SourceID      string `json:"source_id"`
	SchemaID      string `json:"schema_id"`
	SchemaVersion int    `json:"schema_version"`
	TargetURL     string `json:"target_url"`
	PageNumber    int    `json:"page_number"`
}

// DebugArtifacts are the page captures written to trash debug storage
type DebugArtifacts struct {
	HTML       []byte
	Markdown   []byte
	Screenshot []byte
	Metadata   map[string]interface{}
}
