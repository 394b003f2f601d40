package extract

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/andybalholm/cascadia"
	"github.com/antchfx/xpath"

	"github.com/ternarybob/excerpo/internal/models"
)

// selectorProgram is one compiled selector expression. Exactly one engine
// slot is populated, matching the field's method.
type selectorProgram struct {
	raw string
	css goquery.Matcher
	xp  *xpath.Expr
	re  *regexp.Regexp
	jp  []jsonPathSegment
}

// compiledField carries a field definition with every selector expression
// compiled once at registration.
type compiledField struct {
	def        models.FieldDef
	attribute  string
	primary    selectorProgram
	fallbacks  []selectorProgram
	validation *regexp.Regexp
}

// CompiledSchema is a ParsingSchema with all selectors compiled for reuse
// across documents. Workers compile once per cached schema version.
type CompiledSchema struct {
	Schema *models.ParsingSchema

	hasContainer    bool
	containerMethod models.SelectorMethod
	container       selectorProgram

	fields []compiledField

	// nextButton matches the pagination element for next_button/load_more
	nextButton goquery.Matcher
}

// CompileSchema validates and compiles every selector, transform spec and
// regex in the schema. A schema that compiles here will never fail
// structurally during extraction.
func CompileSchema(schema *models.ParsingSchema) (*CompiledSchema, error) {
	if err := schema.Validate(); err != nil {
		return nil, err
	}

	cs := &CompiledSchema{Schema: schema}

	if schema.ItemContainer != "" {
		method := schema.ItemContainerMethod
		if method == "" {
			method = models.MethodCSS
		}
		if method != models.MethodCSS && method != models.MethodXPath {
			return nil, fmt.Errorf("item_container_method %q: must be css or xpath", method)
		}
		prog, _, err := compileSelector(method, schema.ItemContainer)
		if err != nil {
			return nil, fmt.Errorf("item_container: %w", err)
		}
		cs.hasContainer = true
		cs.containerMethod = method
		cs.container = prog
	}

	for i := range schema.Fields {
		def := schema.Fields[i]
		cf := compiledField{def: def, attribute: def.Attribute}

		prog, shorthandAttr, err := compileSelector(def.Method, def.Selector)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", def.Name, err)
		}
		if cf.attribute == "" {
			cf.attribute = shorthandAttr
		}
		cf.primary = prog

		for _, fb := range def.FallbackSelectors {
			fbProg, _, err := compileSelector(def.Method, fb)
			if err != nil {
				return nil, fmt.Errorf("field %q fallback %q: %w", def.Name, fb, err)
			}
			cf.fallbacks = append(cf.fallbacks, fbProg)
		}

		if def.ValidationRegex != "" {
			re, err := regexp.Compile(def.ValidationRegex)
			if err != nil {
				return nil, fmt.Errorf("field %q validation_regex: %w", def.Name, err)
			}
			cf.validation = re
		}

		for _, tr := range def.Transformations {
			if err := ValidateTransform(tr); err != nil {
				return nil, fmt.Errorf("field %q: %w", def.Name, err)
			}
		}

		cs.fields = append(cs.fields, cf)
	}

	if p := schema.Pagination; p != nil {
		switch p.Type {
		case models.PaginationNextButton, models.PaginationLoadMore:
			matcher, err := cascadia.Compile(p.Selector)
			if err != nil {
				return nil, fmt.Errorf("pagination selector %q: %w", p.Selector, err)
			}
			cs.nextButton = matcher
		}
	}

	return cs, nil
}

// compileSelector compiles one expression for the given method. For CSS, a
// trailing "@attr" is shorthand for reading that attribute and is returned
// separately.
func compileSelector(method models.SelectorMethod, selector string) (selectorProgram, string, error) {
	prog := selectorProgram{raw: selector}

	switch method {
	case models.MethodCSS, "":
		expr, attr := splitCSSAttr(selector)
		matcher, err := cascadia.Compile(expr)
		if err != nil {
			return prog, "", fmt.Errorf("css selector %q: %w", expr, err)
		}
		prog.raw = expr
		prog.css = matcher
		return prog, attr, nil

	case models.MethodXPath:
		expr, err := xpath.Compile(selector)
		if err != nil {
			return prog, "", fmt.Errorf("xpath %q: %w", selector, err)
		}
		prog.xp = expr
		return prog, "", nil

	case models.MethodRegex:
		re, err := regexp.Compile("(?s)" + selector)
		if err != nil {
			return prog, "", fmt.Errorf("regex %q: %w", selector, err)
		}
		prog.re = re
		return prog, "", nil

	case models.MethodJSONPath:
		segments, err := parseJSONPath(selector)
		if err != nil {
			return prog, "", fmt.Errorf("json path %q: %w", selector, err)
		}
		prog.jp = segments
		return prog, "", nil

	default:
		return prog, "", fmt.Errorf("unknown selector method %q", method)
	}
}

// splitCSSAttr strips the "@attr" shorthand off a CSS selector. The suffix
// must be a bare attribute name; '@' inside attribute selectors is left
// alone because it cannot be the final segment.
func splitCSSAttr(selector string) (string, string) {
	i := strings.LastIndex(selector, "@")
	if i < 0 {
		return selector, ""
	}
	attr := selector[i+1:]
	if attr == "" || strings.ContainsAny(attr, " []=~^$*|:()'\"") {
		return selector, ""
	}
	return strings.TrimSpace(selector[:i]), attr
}
