package ingest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	apperrors "github.com/sitepulse/sitepulse/internal/errors"
)

const (
	msgInvalidPayload   = "Invalid JSON payload provided."
	msgMissingFields    = "Missing required parameters: website_id and event_name."
	msgInvalidEventData = "Invalid event_data. Must be a valid JSON object."
)

// isNull reports whether a trimmed raw JSON value is absent or the literal
// null.
func isNull(raw json.RawMessage) bool {
	return len(raw) == 0 || string(raw) == "null"
}

// requiredString decodes a required string field. Absent, null, non-string
// and blank values are all reported as missing.
func requiredString(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if isNull(raw) || raw[0] != '"' {
		return "", apperrors.NewValidationError(apperrors.CodeMissingField, msgMissingFields)
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", apperrors.NewValidationError(apperrors.CodeInvalidPayload, msgInvalidPayload)
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return "", apperrors.NewValidationError(apperrors.CodeMissingField, msgMissingFields)
	}
	return s, nil
}

// optionalString decodes an optional string field; ok is false when the
// value is absent, null, or blank.
func optionalString(raw json.RawMessage, field string) (value string, ok bool, err error) {
	raw = bytes.TrimSpace(raw)
	if isNull(raw) {
		return "", false, nil
	}
	if raw[0] != '"' {
		return "", false, apperrors.NewValidationError(apperrors.CodeInvalidPayload,
			fmt.Sprintf("Invalid %s. Must be a string.", field))
	}
	if err := json.Unmarshal(raw, &value); err != nil {
		return "", false, apperrors.NewValidationError(apperrors.CodeInvalidPayload, msgInvalidPayload)
	}
	value = strings.TrimSpace(value)
	return value, value != "", nil
}

func checkLength(field, value string, limit int) error {
	if limit > 0 && utf8.RuneCountInString(value) > limit {
		return apperrors.NewValidationError(apperrors.CodeFieldTooLong,
			fmt.Sprintf("%s exceeds the maximum length of %d characters.", field, limit)).
			WithDetails(map[string]interface{}{"field": field, "max": limit})
	}
	return nil
}

// normalizeEventData validates event_data and returns its compact form.
// A nil result means the event carries no data.
func normalizeEventData(raw json.RawMessage, maxBytes, maxDepth int) (json.RawMessage, error) {
	raw = bytes.TrimSpace(raw)
	if isNull(raw) {
		return nil, nil
	}
	if raw[0] != '{' {
		return nil, apperrors.NewValidationError(apperrors.CodeInvalidEventData, msgInvalidEventData)
	}

	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return nil, apperrors.NewValidationError(apperrors.CodeInvalidEventData, msgInvalidEventData)
	}
	if maxBytes > 0 && buf.Len() > maxBytes {
		return nil, apperrors.NewValidationError(apperrors.CodeInvalidEventData,
			fmt.Sprintf("Invalid event_data. Must not exceed %d bytes.", maxBytes))
	}
	if maxDepth > 0 && nestingDepth(buf.Bytes()) > maxDepth {
		return nil, apperrors.NewValidationError(apperrors.CodeInvalidEventData,
			fmt.Sprintf("Invalid event_data. Must not nest deeper than %d levels.", maxDepth))
	}
	return json.RawMessage(buf.Bytes()), nil
}

// nestingDepth returns the maximum object/array nesting of valid JSON.
func nestingDepth(data []byte) int {
	depth, deepest := 0, 0
	inString, escaped := false, false
	for _, c := range data {
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{', '[':
			depth++
			if depth > deepest {
				deepest = depth
			}
		case '}', ']':
			depth--
		}
	}
	return deepest
}

// truncateRunes cuts s to at most limit runes.
func truncateRunes(s string, limit int) string {
	if limit <= 0 || utf8.RuneCountInString(s) <= limit {
		return s
	}
	n := 0
	for i := range s {
		if n == limit {
			return s[:i]
		}
		n++
	}
	return s
}
