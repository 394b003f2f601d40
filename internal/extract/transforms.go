package extract

import (
	"bytes"
	"encoding/json"
	"fmt"
	"html"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	xhtml "golang.org/x/net/html"

	"github.com/ternarybob/excerpo/internal/common"
)

// transformFunc is a single named transform. Transforms are total: on any
// failure they return the input unchanged so a bad value never aborts a
// field, it just falls through to validation and defaults.
type transformFunc func(value, baseURL string) string

var (
	whitespaceRe = regexp.MustCompile(`\s+`)
	numberRunRe  = regexp.MustCompile(`[-+]?\d[\d.,\s` + " " + `]*`)
	newlineRepl  = strings.NewReplacer("\r\n", " ", "\n", " ", "\r", " ")
)

var truthyTokens = map[string]bool{
	"true": true, "yes": true, "y": true, "1": true, "on": true,
	"da": true, "est": true,
}

var falsyTokens = map[string]bool{
	"false": true, "no": true, "n": true, "0": true, "off": true,
	"net": true, "nyet": true,
}

// dateFormats is the fixed, ordered list tried by parse_date, parse_datetime
// and datetime coercion. First match wins.
var dateFormats = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
	"02.01.2006 15:04:05",
	"02.01.2006 15:04",
	"02.01.2006",
	"02/01/2006",
	"January 2, 2006",
	"Jan 2, 2006",
	"2 January 2006",
}

var transformRegistry = map[string]transformFunc{
	"trim":                 func(v, _ string) string { return strings.TrimSpace(v) },
	"lowercase":            func(v, _ string) string { return strings.ToLower(v) },
	"uppercase":            func(v, _ string) string { return strings.ToUpper(v) },
	"capitalize":           func(v, _ string) string { return capitalizeFirst(v) },
	// A fresh Caser per call: cases.Caser carries internal state and is not
	// safe for concurrent use.
	"title": func(v, _ string) string { return cases.Title(language.English).String(v) },
	"normalize_whitespace": func(v, _ string) string { return strings.TrimSpace(whitespaceRe.ReplaceAllString(v, " ")) },
	"remove_newlines":      func(v, _ string) string { return newlineRepl.Replace(v) },
	"extract_number":       func(v, _ string) string { return extractNumber(v, -1) },
	"extract_int":          func(v, _ string) string { return extractInt(v) },
	"extract_float":        func(v, _ string) string { return extractNumber(v, -1) },
	"extract_price":        func(v, _ string) string { return extractNumber(v, 2) },
	"absolute_url":         absoluteURL,
	"extract_domain":       func(v, _ string) string { return extractDomain(v) },
	"parse_date":           func(v, _ string) string { return parseDateAs(v, "2006-01-02") },
	"parse_datetime":       func(v, _ string) string { return parseDateAs(v, time.RFC3339) },
	"strip_html":           func(v, _ string) string { return stripHTML(v) },
	"decode_entities":      func(v, _ string) string { return html.UnescapeString(v) },
	"to_bool":              func(v, _ string) string { return toBool(v) },
	"parse_json":           func(v, _ string) string { return compactJSON(v) },
}

// applyTransform runs one transform by name. Parameterized transforms
// (regex:, replace:, substr:) are dispatched on their prefix. The second
// return reports whether the name was recognized; unknown names leave the
// value unchanged and the caller logs them.
func applyTransform(name, value, baseURL string) (string, bool) {
	switch {
	case strings.HasPrefix(name, "regex:"):
		return regexTransform(strings.TrimPrefix(name, "regex:"), value), true
	case strings.HasPrefix(name, "replace:"):
		return replaceTransform(strings.TrimPrefix(name, "replace:"), value), true
	case strings.HasPrefix(name, "substr:"):
		return substrTransform(strings.TrimPrefix(name, "substr:"), value), true
	}

	fn, ok := transformRegistry[name]
	if !ok {
		return value, false
	}
	return fn(value, baseURL), true
}

// ValidateTransform checks a transform spec at schema registration time.
// Unknown plain names are allowed (they become logged no-ops at runtime) but
// a regex: transform with a pattern that does not compile is rejected.
func ValidateTransform(spec string) error {
	if strings.HasPrefix(spec, "regex:") {
		pattern, _ := splitRegexSpec(strings.TrimPrefix(spec, "regex:"))
		if _, err := regexp.Compile("(?s)" + pattern); err != nil {
			return fmt.Errorf("transform %q: %w", spec, err)
		}
	}
	if strings.HasPrefix(spec, "substr:") {
		if _, _, err := parseSubstrSpec(strings.TrimPrefix(spec, "substr:")); err != nil {
			return fmt.Errorf("transform %q: %w", spec, err)
		}
	}
	return nil
}

func capitalizeFirst(v string) string {
	if v == "" {
		return v
	}
	runes := []rune(strings.ToLower(v))
	runes[0] = unicode.ToUpper(runes[0])
	return string(runes)
}

// cleanNumericRun normalizes the separators of a numeric run into a
// canonical "1234.56" form. When both ',' and '.' appear the rightmost one
// is the decimal separator. A lone ',' is a decimal separator only when
// exactly two digits follow it at the end, otherwise it is a thousands
// separator.
func cleanNumericRun(run string) (string, bool) {
	run = strings.Map(func(r rune) rune {
		if r == ' ' || r == ' ' || r == '\t' {
			return -1
		}
		return r
	}, run)
	run = strings.TrimRight(run, ".,")
	if run == "" {
		return "", false
	}

	lastComma := strings.LastIndex(run, ",")
	lastDot := strings.LastIndex(run, ".")

	switch {
	case lastComma >= 0 && lastDot >= 0:
		if lastComma > lastDot {
			run = strings.ReplaceAll(run, ".", "")
			lastComma = strings.LastIndex(run, ",")
			run = strings.ReplaceAll(run[:lastComma], ",", "") + "." + run[lastComma+1:]
		} else {
			run = strings.ReplaceAll(run, ",", "")
		}
	case lastComma >= 0:
		if len(run)-lastComma-1 == 2 {
			run = strings.ReplaceAll(run[:lastComma], ",", "") + "." + run[lastComma+1:]
		} else {
			run = strings.ReplaceAll(run, ",", "")
		}
	}

	if _, err := strconv.ParseFloat(run, 64); err != nil {
		return "", false
	}
	return run, true
}

// firstNumericRun finds and normalizes the first numeric run in v.
func firstNumericRun(v string) (string, bool) {
	run := numberRunRe.FindString(v)
	if run == "" {
		return "", false
	}
	return cleanNumericRun(run)
}

// extractNumber pulls the first numeric run out of arbitrary text and
// normalizes it. precision < 0 keeps the shortest exact representation.
func extractNumber(v string, precision int) string {
	canon, ok := firstNumericRun(v)
	if !ok {
		return v
	}
	f, err := strconv.ParseFloat(canon, 64)
	if err != nil {
		return v
	}
	return strconv.FormatFloat(f, 'f', precision, 64)
}

func extractInt(v string) string {
	canon, ok := firstNumericRun(v)
	if !ok {
		return v
	}
	f, err := strconv.ParseFloat(canon, 64)
	if err != nil {
		return v
	}
	return strconv.FormatInt(int64(f), 10)
}

func absoluteURL(v, baseURL string) string {
	resolved, err := common.ResolveURL(baseURL, v)
	if err != nil {
		return v
	}
	return resolved
}

func extractDomain(v string) string {
	v = strings.TrimSpace(v)
	u, err := url.Parse(v)
	if err != nil || u.Hostname() == "" {
		u, err = url.Parse("http://" + v)
		if err != nil || u.Hostname() == "" {
			return v
		}
	}
	return u.Hostname()
}

func parseDateAs(v, layout string) string {
	trimmed := strings.TrimSpace(v)
	for _, format := range dateFormats {
		if t, err := time.Parse(format, trimmed); err == nil {
			return t.Format(layout)
		}
	}
	return v
}

// parseAnyTime is shared with datetime coercion.
func parseAnyTime(v string) (time.Time, bool) {
	trimmed := strings.TrimSpace(v)
	for _, format := range dateFormats {
		if t, err := time.Parse(format, trimmed); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func stripHTML(v string) string {
	node, err := xhtml.Parse(strings.NewReader(v))
	if err != nil {
		return v
	}
	var b strings.Builder
	var walk func(n *xhtml.Node)
	walk = func(n *xhtml.Node) {
		if n.Type == xhtml.TextNode {
			b.WriteString(n.Data)
		}
		if n.Type == xhtml.ElementNode && (n.Data == "script" || n.Data == "style") {
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(node)
	return strings.TrimSpace(b.String())
}

func toBool(v string) string {
	token := strings.ToLower(strings.TrimSpace(v))
	switch {
	case truthyTokens[token]:
		return "true"
	case falsyTokens[token]:
		return "false"
	case token == "":
		return "false"
	default:
		return "true"
	}
}

func compactJSON(v string) string {
	trimmed := strings.TrimSpace(v)
	if !json.Valid([]byte(trimmed)) {
		return v
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, []byte(trimmed)); err != nil {
		return v
	}
	return buf.String()
}

// splitRegexSpec separates "pattern[:group]". The group is a trailing
// numeric segment; colons inside the pattern are preserved.
func splitRegexSpec(spec string) (pattern string, group int) {
	group = -1
	if i := strings.LastIndex(spec, ":"); i >= 0 {
		if g, err := strconv.Atoi(spec[i+1:]); err == nil && g >= 0 {
			return spec[:i], g
		}
	}
	return spec, group
}

func regexTransform(spec, value string) string {
	pattern, group := splitRegexSpec(spec)
	re, err := regexp.Compile("(?s)" + pattern)
	if err != nil {
		return value
	}
	match := re.FindStringSubmatch(value)
	if match == nil {
		return value
	}
	if group < 0 {
		if len(match) > 1 {
			group = 1
		} else {
			group = 0
		}
	}
	if group >= len(match) {
		return value
	}
	return match[group]
}

func replaceTransform(spec, value string) string {
	parts := strings.SplitN(spec, ":", 2)
	if len(parts) != 2 {
		return value
	}
	return strings.ReplaceAll(value, parts[0], parts[1])
}

func parseSubstrSpec(spec string) (start, end int, err error) {
	parts := strings.SplitN(spec, ":", 2)
	start, err = strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, fmt.Errorf("invalid start index %q", parts[0])
	}
	end = -1 << 31
	if len(parts) == 2 && parts[1] != "" {
		end, err = strconv.Atoi(parts[1])
		if err != nil {
			return 0, 0, fmt.Errorf("invalid end index %q", parts[1])
		}
	}
	return start, end, nil
}

// substrTransform slices by rune with python-style negative indices.
func substrTransform(spec, value string) string {
	start, end, err := parseSubstrSpec(spec)
	if err != nil {
		return value
	}
	runes := []rune(value)
	n := len(runes)

	if start < 0 {
		start = n + start
	}
	if end == -1<<31 {
		end = n
	} else if end < 0 {
		end = n + end
	}
	if start < 0 {
		start = 0
	}
	if end > n {
		end = n
	}
	if start >= end {
		return ""
	}
	return string(runes[start:end])
}
