package extract

import (
	"fmt"
	"strconv"
	"strings"
)

// jsonPathSegment is one step of a dotted path: a key and optional indices.
// "items[0][2]" parses to key "items" with indices [0, 2].
type jsonPathSegment struct {
	key     string
	indices []int
}

// parseJSONPath splits a minimal dotted/indexed path ("a.b[0].c") into segments.
// This is deliberately not a full JSONPath engine: no wildcards, no filters,
// no recursive descent.
func parseJSONPath(path string) ([]jsonPathSegment, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("empty json path")
	}
	// Tolerate a leading "$." or "$"
	path = strings.TrimPrefix(path, "$.")
	path = strings.TrimPrefix(path, "$")
	if path == "" {
		return nil, fmt.Errorf("empty json path")
	}

	parts := strings.Split(path, ".")
	segments := make([]jsonPathSegment, 0, len(parts))

	for _, part := range parts {
		if part == "" {
			return nil, fmt.Errorf("empty segment in json path %q", path)
		}

		seg := jsonPathSegment{}
		rest := part
		if i := strings.IndexByte(rest, '['); i >= 0 {
			seg.key = rest[:i]
			rest = rest[i:]
			for rest != "" {
				if rest[0] != '[' {
					return nil, fmt.Errorf("malformed index in segment %q", part)
				}
				close := strings.IndexByte(rest, ']')
				if close < 0 {
					return nil, fmt.Errorf("unclosed index in segment %q", part)
				}
				idx, err := strconv.Atoi(rest[1:close])
				if err != nil || idx < 0 {
					return nil, fmt.Errorf("invalid index %q in segment %q", rest[1:close], part)
				}
				seg.indices = append(seg.indices, idx)
				rest = rest[close+1:]
			}
		} else {
			seg.key = rest
		}

		segments = append(segments, seg)
	}

	return segments, nil
}

// evalJSONPath walks parsed JSON (maps, slices, scalars) along the path.
// Returns (nil, false) when any step does not resolve.
func evalJSONPath(data interface{}, segments []jsonPathSegment) (interface{}, bool) {
	current := data

	for _, seg := range segments {
		if seg.key != "" {
			obj, ok := current.(map[string]interface{})
			if !ok {
				return nil, false
			}
			val, ok := obj[seg.key]
			if !ok {
				return nil, false
			}
			current = val
		}

		for _, idx := range seg.indices {
			arr, ok := current.([]interface{})
			if !ok || idx >= len(arr) {
				return nil, false
			}
			current = arr[idx]
		}
	}

	return current, true
}
