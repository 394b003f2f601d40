package extract

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/ternarybob/excerpo/internal/common"
	"github.com/ternarybob/excerpo/internal/models"
)

// coerceValue converts a post-transform string into the field's declared
// type. The second return is false when the value cannot be coerced, in
// which case the field resolves to null and the caller falls back to the
// field default.
func coerceValue(value string, fieldType models.FieldType, baseURL string) (models.FieldValue, bool) {
	switch fieldType {
	case models.FieldTypeString, "":
		return models.StringValue(value), true

	case models.FieldTypeInteger:
		canon, ok := firstNumericRun(value)
		if !ok {
			return models.Null(), false
		}
		if !strings.Contains(canon, ".") {
			if i, err := strconv.ParseInt(canon, 10, 64); err == nil {
				return models.IntValue(i), true
			}
		}
		f, err := strconv.ParseFloat(canon, 64)
		if err != nil {
			return models.Null(), false
		}
		return models.IntValue(int64(f)), true

	case models.FieldTypeFloat:
		canon, ok := firstNumericRun(value)
		if !ok {
			return models.Null(), false
		}
		f, err := strconv.ParseFloat(canon, 64)
		if err != nil {
			return models.Null(), false
		}
		return models.FloatValue(f), true

	case models.FieldTypeBoolean:
		token := strings.ToLower(strings.TrimSpace(value))
		switch {
		case truthyTokens[token]:
			return models.BoolValue(true), true
		case falsyTokens[token]:
			return models.BoolValue(false), true
		case token == "":
			return models.Null(), false
		default:
			// Unrecognized but present reads as true.
			return models.BoolValue(true), true
		}

	case models.FieldTypeDatetime:
		t, ok := parseAnyTime(value)
		if !ok {
			return models.Null(), false
		}
		return models.TimeValue(t), true

	case models.FieldTypeURL:
		resolved, err := common.ResolveURL(baseURL, strings.TrimSpace(value))
		if err != nil {
			return models.Null(), false
		}
		return models.StringValue(resolved), true

	case models.FieldTypeJSON:
		trimmed := strings.TrimSpace(value)
		if !json.Valid([]byte(trimmed)) {
			return models.Null(), false
		}
		return models.JSONValue(json.RawMessage(trimmed)), true

	case models.FieldTypeList:
		// A scalar reaching a list field wraps into a single-element list.
		return models.ListValue([]string{value}), true

	default:
		return models.StringValue(value), true
	}
}

// coerceList builds a list value from per-element extraction, dropping
// elements that reduce to empty strings.
func coerceList(items []string) (models.FieldValue, bool) {
	kept := make([]string, 0, len(items))
	for _, item := range items {
		if strings.TrimSpace(item) == "" {
			continue
		}
		kept = append(kept, item)
	}
	if len(kept) == 0 {
		return models.Null(), false
	}
	return models.ListValue(kept), true
}
