package extract

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/ternarybob/arbor"
	xhtml "golang.org/x/net/html"

	"github.com/ternarybob/excerpo/internal/common"
	"github.com/ternarybob/excerpo/internal/models"
)

// Result is the outcome of running a compiled schema over one document.
// Records are emitted in record-root order; Stats always satisfies
// RecordsValid + RecordsRejected == RecordsExtracted.
type Result struct {
	Records  []models.Record
	Rejected []models.RejectedRecord
	Stats    models.ExtractionStats
}

// PaginationHint reports whether and where a next page is reachable.
type PaginationHint struct {
	HasNext bool
	NextURL string
	// RequiresClick marks a next_button whose target is only reachable by
	// clicking it (javascript: href or no href at all). HTTP mode cannot
	// follow these; browser mode clicks and reads the resulting URL.
	RequiresClick bool
}

// Engine runs compiled schemas over parsed documents.
type Engine struct {
	logger arbor.ILogger
}

// NewEngine creates an extraction engine.
func NewEngine(logger arbor.ILogger) *Engine {
	return &Engine{logger: logger}
}

// Extract resolves every field of every record root in declaration order.
// A field failure never aborts its record; the field resolves to default or
// null and record validation decides whether the record is emitted.
func (e *Engine) Extract(doc *Document, cs *CompiledSchema) *Result {
	roots := cs.recordRoots(doc)

	res := &Result{
		Stats: models.ExtractionStats{
			RecordsExtracted: len(roots),
			FieldsExtracted:  make(map[string]int),
			FieldsMissing:    make(map[string]int),
		},
	}

	for idx, root := range roots {
		record := make(models.Record, len(cs.fields))

		for i := range cs.fields {
			cf := &cs.fields[i]
			record[cf.def.Name] = e.extractField(doc, root, cf)
		}

		for i := range cs.fields {
			name := cs.fields[i].def.Name
			if record[name].IsNull() {
				res.Stats.FieldsMissing[name]++
			} else {
				res.Stats.FieldsExtracted[name]++
			}
		}

		if reasons := validateRecord(cs, record); len(reasons) > 0 {
			res.Stats.RecordsRejected++
			res.Rejected = append(res.Rejected, models.RejectedRecord{
				Index:   idx,
				Reasons: reasons,
				Fields:  record,
			})
			continue
		}

		res.Stats.RecordsValid++
		res.Records = append(res.Records, record)
	}

	return res
}

// extractField runs the full per-field pipeline: primary selector, fallback
// chain, transformations, coercion, validation regex, default.
func (e *Engine) extractField(doc *Document, root *xhtml.Node, cf *compiledField) models.FieldValue {
	wantList := cf.def.Type == models.FieldTypeList

	items := resolveProgram(doc, root, cf.def.Method, cf.primary, cf.attribute, wantList)
	if rawNull(items) {
		for _, fb := range cf.fallbacks {
			items = resolveProgram(doc, root, cf.def.Method, fb, cf.attribute, wantList)
			if !rawNull(items) {
				break
			}
		}
	}

	if rawNull(items) {
		return e.defaultValue(cf, doc.URL)
	}

	for i := range items {
		items[i] = e.applyChain(cf.def.Transformations, items[i], doc.URL)
	}

	if cf.validation != nil {
		items = filterByValidation(items, cf.validation)
		if len(items) == 0 {
			return e.defaultValue(cf, doc.URL)
		}
	}

	if wantList {
		value, ok := coerceList(items)
		if !ok {
			return e.defaultValue(cf, doc.URL)
		}
		return value
	}

	if strings.TrimSpace(items[0]) == "" {
		return e.defaultValue(cf, doc.URL)
	}
	value, ok := coerceValue(items[0], cf.def.Type, doc.URL)
	if !ok {
		return e.defaultValue(cf, doc.URL)
	}
	return value
}

// applyChain applies the transformation chain left to right. Unknown names
// are logged no-ops so a typo in a schema degrades instead of failing.
func (e *Engine) applyChain(transforms []string, value, baseURL string) string {
	for _, name := range transforms {
		next, known := applyTransform(name, value, baseURL)
		if !known {
			e.logger.Warn().Str("transform", name).Msg("Unknown transformation, skipping")
			continue
		}
		value = next
	}
	return value
}

// defaultValue coerces the field's declared default into the field type.
// Without a default the field resolves to null.
func (e *Engine) defaultValue(cf *compiledField, baseURL string) models.FieldValue {
	if cf.def.Default == nil {
		return models.Null()
	}

	switch d := cf.def.Default.(type) {
	case string:
		if cf.def.Type == models.FieldTypeString || cf.def.Type == "" {
			return models.StringValue(d)
		}
		v, ok := coerceValue(d, cf.def.Type, baseURL)
		if !ok {
			return models.Null()
		}
		return v
	case bool:
		if cf.def.Type == models.FieldTypeBoolean {
			return models.BoolValue(d)
		}
		return models.StringValue(strconv.FormatBool(d))
	case int:
		return numericDefault(float64(d), cf.def.Type)
	case int64:
		return numericDefault(float64(d), cf.def.Type)
	case float64:
		return numericDefault(d, cf.def.Type)
	default:
		return models.StringValue(fmt.Sprintf("%v", d))
	}
}

func numericDefault(f float64, fieldType models.FieldType) models.FieldValue {
	switch fieldType {
	case models.FieldTypeInteger:
		return models.IntValue(int64(f))
	case models.FieldTypeFloat:
		return models.FloatValue(f)
	default:
		return models.StringValue(strconv.FormatFloat(f, 'f', -1, 64))
	}
}

// validateRecord returns the reasons a record must be rejected, empty when
// the record is valid. A record is valid when no required field is null and
// the non-null required count reaches min_fields_required.
func validateRecord(cs *CompiledSchema, record models.Record) []string {
	var reasons []string
	requiredNonNull := 0

	for i := range cs.fields {
		def := &cs.fields[i].def
		if !def.Required {
			continue
		}
		if record[def.Name].IsNull() {
			reasons = append(reasons, fmt.Sprintf("required field %q is null", def.Name))
			continue
		}
		requiredNonNull++
	}

	if requiredNonNull < cs.Schema.MinFieldsRequired {
		reasons = append(reasons, fmt.Sprintf("%d non-null required fields, need %d",
			requiredNonNull, cs.Schema.MinFieldsRequired))
	}

	return reasons
}

// rawNull reports whether a raw selector result counts as null: no match at
// all, or only whitespace text. Empty raw values trigger the fallback chain.
func rawNull(items []string) bool {
	for _, item := range items {
		if strings.TrimSpace(item) != "" {
			return false
		}
	}
	return true
}

func filterByValidation(items []string, re *regexp.Regexp) []string {
	kept := items[:0]
	for _, item := range items {
		if re.MatchString(item) {
			kept = append(kept, item)
		}
	}
	return kept
}

// NextPage derives the pagination hint from an extracted page, pageNumber
// being the 1-based page the document came from. The page_number < max_pages
// gate is applied by the worker, which owns the task's position in the chain.
func (e *Engine) NextPage(doc *Document, cs *CompiledSchema, pageNumber, recordsExtracted int) PaginationHint {
	p := cs.Schema.Pagination
	if p == nil || p.Type == models.PaginationNone || p.Type == "" {
		return PaginationHint{}
	}

	switch p.Type {
	case models.PaginationNextButton:
		return e.nextButtonHint(doc, cs)

	case models.PaginationPageParam:
		// An empty page ends the chain; the param would otherwise fan out
		// forever since the next URL is always derivable.
		if recordsExtracted == 0 {
			return PaginationHint{}
		}
		next, err := NextPageParam(doc.URL, p, pageNumber)
		if err != nil {
			e.logger.Debug().Err(err).Msg("Page param URL did not resolve")
			return PaginationHint{}
		}
		return PaginationHint{HasNext: true, NextURL: next}

	case models.PaginationInfiniteScroll, models.PaginationLoadMore:
		// Content accumulates within a single rendered page; there is no
		// child task to spawn.
		return PaginationHint{}
	}

	return PaginationHint{}
}

func (e *Engine) nextButtonHint(doc *Document, cs *CompiledSchema) PaginationHint {
	if cs.nextButton == nil {
		return PaginationHint{}
	}
	sel := doc.Wrap(doc.root).FindMatcher(cs.nextButton)
	if sel.Length() == 0 {
		return PaginationHint{}
	}

	href, ok := nodeAttr(sel.Nodes[0], "href")
	if !ok || strings.TrimSpace(href) == "" {
		return PaginationHint{HasNext: true, RequiresClick: true}
	}
	if strings.HasPrefix(strings.ToLower(strings.TrimSpace(href)), "javascript:") {
		return PaginationHint{HasNext: true, RequiresClick: true}
	}

	next, err := common.ResolveURL(doc.URL, href)
	if err != nil {
		e.logger.Debug().Str("href", href).Msg("Next page href did not resolve")
		return PaginationHint{}
	}
	if next == doc.URL {
		// A self-referencing link would loop the chain forever.
		return PaginationHint{}
	}
	return PaginationHint{HasNext: true, NextURL: next}
}

// NextPageParam computes the page_param URL for the page after pageNumber.
// Page numbers are 1-based: page N carries param value start + (N-1)*step.
func NextPageParam(targetURL string, p *models.PaginationRule, pageNumber int) (string, error) {
	step := p.ParamStep
	if step == 0 {
		step = 1
	}
	next := p.ParamStart + pageNumber*step
	return common.SetQueryParam(targetURL, p.ParamName, strconv.Itoa(next))
}
