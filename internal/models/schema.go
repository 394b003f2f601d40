package models

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"time"
)

// FieldType is the coercion target for an extracted value
type FieldType string

const (
	FieldTypeString   FieldType = "string"
	FieldTypeInteger  FieldType = "integer"
	FieldTypeFloat    FieldType = "float"
	FieldTypeBoolean  FieldType = "boolean"
	FieldTypeDatetime FieldType = "datetime"
	FieldTypeURL      FieldType = "url"
	FieldTypeList     FieldType = "list"
	FieldTypeJSON     FieldType = "json"
)

// SelectorMethod identifies how a field selector is evaluated
type SelectorMethod string

const (
	MethodCSS      SelectorMethod = "css"
	MethodXPath    SelectorMethod = "xpath"
	MethodRegex    SelectorMethod = "regex"
	MethodJSONPath SelectorMethod = "json_path"
)

// FetchMode selects the fetch path and queue routing for a schema or task
type FetchMode string

const (
	ModeHTTP    FetchMode = "http"
	ModeBrowser FetchMode = "browser"
)

// PaginationType enumerates the supported pagination strategies
type PaginationType string

const (
	PaginationNone           PaginationType = "none"
	PaginationNextButton     PaginationType = "next_button"
	PaginationPageParam      PaginationType = "page_param"
	PaginationInfiniteScroll PaginationType = "infinite_scroll"
	PaginationLoadMore       PaginationType = "load_more"
)

// FieldDef describes a single value to extract from a record root
type FieldDef struct {
	Name string    `json:"name" yaml:"name"`
	Type FieldType `json:"type" yaml:"type"`
	// Method selects the selector engine. For CSS, a "selector@attr" suffix
	// is shorthand for setting Attribute.
	Method    SelectorMethod `json:"method" yaml:"method"`
	Selector  string         `json:"selector" yaml:"selector"`
	Attribute string         `json:"attribute,omitempty" yaml:"attribute,omitempty"`
	Required  bool           `json:"required,omitempty" yaml:"required,omitempty"`
	// Default is substituted when extraction yields null after all fallbacks
	Default interface{} `json:"default,omitempty" yaml:"default,omitempty"`
	// Transformations are applied left to right before type coercion
	Transformations []string `json:"transformations,omitempty" yaml:"transformations,omitempty"`
	// ValidationRegex, when set, must match the post-transform value or the
	// field falls back to Default
	ValidationRegex string `json:"validation_regex,omitempty" yaml:"validation_regex,omitempty"`
	// FallbackSelectors are tried in order when the primary selector yields
	// nothing. Each uses the same method and attribute as the primary.
	FallbackSelectors []string `json:"fallback_selectors,omitempty" yaml:"fallback_selectors,omitempty"`
}

// PaginationRule describes how to discover the next page of a listing
type PaginationRule struct {
	Type PaginationType `json:"type" yaml:"type"`
	// Selector locates the next/load-more element (next_button, load_more)
	Selector string `json:"selector,omitempty" yaml:"selector,omitempty"`
	// ParamName/ParamStart/ParamStep rewrite the URL query (page_param)
	ParamName  string `json:"param_name,omitempty" yaml:"param_name,omitempty"`
	ParamStart int    `json:"param_start,omitempty" yaml:"param_start,omitempty"`
	ParamStep  int    `json:"param_step,omitempty" yaml:"param_step,omitempty"`
	// ScrollDelayMS paces infinite_scroll iterations
	ScrollDelayMS int `json:"scroll_delay_ms,omitempty" yaml:"scroll_delay_ms,omitempty"`
	// StopSelector ends infinite_scroll early when it appears
	StopSelector string `json:"stop_selector,omitempty" yaml:"stop_selector,omitempty"`
	// MaxPages caps fan-out under any pagination type
	MaxPages int `json:"max_pages,omitempty" yaml:"max_pages,omitempty"`
}

// NavigationStep is one pre-extraction browser action (browser mode only)
type NavigationStep struct {
	Action   string `json:"action" yaml:"action"` // goto, click, scroll, wait, input, hover, select, screenshot
	Selector string `json:"selector,omitempty" yaml:"selector,omitempty"`
	Value    string `json:"value,omitempty" yaml:"value,omitempty"`
	// WaitMS pauses after the action completes
	WaitMS int `json:"wait_ms,omitempty" yaml:"wait_ms,omitempty"`
	// WaitFor blocks until the selector is visible after the action
	WaitFor string `json:"wait_for,omitempty" yaml:"wait_for,omitempty"`
	// Optional steps log-and-skip on failure instead of aborting the task
	Optional bool `json:"optional,omitempty" yaml:"optional,omitempty"`
}

// NavigationActions is the closed set of valid navigation step actions
var NavigationActions = map[string]bool{
	"goto":       true,
	"click":      true,
	"scroll":     true,
	"wait":       true,
	"input":      true,
	"hover":      true,
	"select":     true,
	"screenshot": true,
}

// ParsingSchema declares how to locate and normalize records on a class of pages.
// A schema is immutable within a version; updates create a new version.
type ParsingSchema struct {
	ID       string `json:"id" yaml:"id"`
	SourceID string `json:"source_id" yaml:"source_id" badgerhold:"index"`
	Version  int    `json:"version" yaml:"version"`
	Name     string `json:"name,omitempty" yaml:"name,omitempty"`
	StartURL string `json:"start_url,omitempty" yaml:"start_url,omitempty"`
	// URLPattern is a regex matched against target URLs for record-keeping
	URLPattern string `json:"url_pattern,omitempty" yaml:"url_pattern,omitempty"`
	// ItemContainer yields zero-or-more record roots; when empty, the whole
	// document is the sole record root
	ItemContainer string `json:"item_container,omitempty" yaml:"item_container,omitempty"`
	// ItemContainerMethod is css or xpath (default css)
	ItemContainerMethod SelectorMethod   `json:"item_container_method,omitempty" yaml:"item_container_method,omitempty"`
	Fields              []FieldDef       `json:"fields" yaml:"fields"`
	NavigationSteps     []NavigationStep `json:"navigation_steps,omitempty" yaml:"navigation_steps,omitempty"`
	Pagination          *PaginationRule  `json:"pagination,omitempty" yaml:"pagination,omitempty"`
	// MinFieldsRequired: a record is valid only if at least this many of its
	// required fields are non-null
	MinFieldsRequired int `json:"min_fields_required" yaml:"min_fields_required"`
	// DedupKeys is a subset of field names used downstream for deduplication
	DedupKeys []string `json:"dedup_keys,omitempty" yaml:"dedup_keys,omitempty"`
	// Mode selects the fetch path and queue routing
	Mode FetchMode `json:"mode" yaml:"mode"`
	// RequiresJS is an advisory hint; Mode stays authoritative for routing
	RequiresJS     bool              `json:"requires_js,omitempty" yaml:"requires_js,omitempty"`
	RequestHeaders map[string]string `json:"request_headers,omitempty" yaml:"request_headers,omitempty"`
	// IsActive gates dispatch; inactive schema versions reject new tasks
	IsActive  bool      `json:"is_active" yaml:"is_active"`
	CreatedAt time.Time `json:"created_at" yaml:"-"`
	UpdatedAt time.Time `json:"updated_at" yaml:"-"`
	// ContentHash fingerprints the schema body for idempotent seeding
	ContentHash string `json:"content_hash,omitempty" yaml:"-"`
}

// Key returns the storage key for this schema version
func (s *ParsingSchema) Key() string {
	return SchemaKey(s.ID, s.Version)
}

// SchemaKey builds the composite (id, version) storage key
func SchemaKey(id string, version int) string {
	return fmt.Sprintf("%s@%d", id, version)
}

// Validate checks the structural invariants of a schema.
// Selector compilability and transform resolution are checked separately by
// the extraction package at registration time.
func (s *ParsingSchema) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("schema id is required")
	}
	if s.SourceID == "" {
		return fmt.Errorf("schema %s: source_id is required", s.ID)
	}
	if s.Version < 0 {
		return fmt.Errorf("schema %s: version must not be negative", s.ID)
	}
	if s.Mode != ModeHTTP && s.Mode != ModeBrowser {
		return fmt.Errorf("schema %s: mode must be %q or %q, got %q", s.ID, ModeHTTP, ModeBrowser, s.Mode)
	}
	if len(s.Fields) == 0 {
		return fmt.Errorf("schema %s: at least one field is required", s.ID)
	}
	if s.MinFieldsRequired < 0 {
		return fmt.Errorf("schema %s: min_fields_required must not be negative", s.ID)
	}
	if s.ItemContainerMethod != "" && s.ItemContainerMethod != MethodCSS && s.ItemContainerMethod != MethodXPath {
		return fmt.Errorf("schema %s: item_container_method must be css or xpath, got %q", s.ID, s.ItemContainerMethod)
	}
	if s.URLPattern != "" {
		if _, err := regexp.Compile(s.URLPattern); err != nil {
			return fmt.Errorf("schema %s: invalid url_pattern: %w", s.ID, err)
		}
	}

	seen := make(map[string]bool, len(s.Fields))
	for i, f := range s.Fields {
		if f.Name == "" {
			return fmt.Errorf("schema %s: field %d has no name", s.ID, i)
		}
		if seen[f.Name] {
			return fmt.Errorf("schema %s: duplicate field name %q", s.ID, f.Name)
		}
		seen[f.Name] = true

		if err := validateFieldDef(&f); err != nil {
			return fmt.Errorf("schema %s: field %q: %w", s.ID, f.Name, err)
		}
	}

	for _, key := range s.DedupKeys {
		if !seen[key] {
			return fmt.Errorf("schema %s: dedup_key %q is not a field name", s.ID, key)
		}
	}

	for i, step := range s.NavigationSteps {
		if !NavigationActions[step.Action] {
			return fmt.Errorf("schema %s: navigation step %d has unknown action %q", s.ID, i, step.Action)
		}
	}

	if s.Pagination != nil {
		if err := validatePagination(s.Pagination); err != nil {
			return fmt.Errorf("schema %s: %w", s.ID, err)
		}
	}

	return nil
}

func validateFieldDef(f *FieldDef) error {
	// Empty type and method fall back to string and css.
	switch f.Type {
	case "", FieldTypeString, FieldTypeInteger, FieldTypeFloat, FieldTypeBoolean,
		FieldTypeDatetime, FieldTypeURL, FieldTypeList, FieldTypeJSON:
	default:
		return fmt.Errorf("unknown type %q", f.Type)
	}

	switch f.Method {
	case "", MethodCSS, MethodXPath, MethodRegex, MethodJSONPath:
	default:
		return fmt.Errorf("unknown method %q", f.Method)
	}

	if f.Selector == "" {
		return fmt.Errorf("selector is required")
	}

	if f.ValidationRegex != "" {
		if _, err := regexp.Compile(f.ValidationRegex); err != nil {
			return fmt.Errorf("invalid validation_regex: %w", err)
		}
	}

	return nil
}

func validatePagination(p *PaginationRule) error {
	switch p.Type {
	case PaginationNone:
	case PaginationNextButton, PaginationLoadMore:
		if p.Selector == "" {
			return fmt.Errorf("pagination type %q requires a selector", p.Type)
		}
	case PaginationPageParam:
		if p.ParamName == "" {
			return fmt.Errorf("pagination type page_param requires param_name")
		}
	case PaginationInfiniteScroll:
		// scroll_delay_ms defaults at the fetcher; nothing mandatory here
	default:
		return fmt.Errorf("unknown pagination type %q", p.Type)
	}

	if p.MaxPages < 0 {
		return fmt.Errorf("pagination max_pages must not be negative")
	}

	return nil
}

// ComputeContentHash fingerprints the extraction-relevant schema body.
// Version, timestamps and the hash itself are excluded so that re-seeding
// an unchanged file is a no-op.
func (s *ParsingSchema) ComputeContentHash() string {
	clone := *s
	clone.Version = 0
	clone.CreatedAt = time.Time{}
	clone.UpdatedAt = time.Time{}
	clone.ContentHash = ""

	data, err := json.Marshal(&clone)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// FieldByName returns the field definition with the given name, or nil
func (s *ParsingSchema) FieldByName(name string) *FieldDef {
	for i := range s.Fields {
		if s.Fields[i].Name == name {
			return &s.Fields[i]
		}
	}
	return nil
}
