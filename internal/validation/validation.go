package validation

import (
	"time"

	"github.com/pkg/errors"
)

// Result is the outcome of validating an event payload
type Result struct {
	IsValid bool     `json:"isValid"`
	Errors  []string `json:"errors"`
}

// timestampLayouts are the accepted ISO 8601 forms, most specific first
var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// ValidateEvent checks an event payload against the ingestion contract.
// All applicable errors are collected; an empty string counts as absent.
// The function is pure and performs no I/O.
func ValidateEvent(data map[string]interface{}) Result {
	var errs []string

	// Required fields check
	if s, ok := data["site_id"].(string); !ok || s == "" {
		errs = append(errs, "site_id is required and must be a string")
	}

	if s, ok := data["event_type"].(string); !ok || s == "" {
		errs = append(errs, "event_type is required and must be a string")
	}

	// Optional fields type checking
	if v, present := data["path"]; present && v != nil {
		if _, ok := v.(string); !ok {
			errs = append(errs, "path must be a string")
		}
	}

	if v, present := data["user_id"]; present && v != nil {
		if _, ok := v.(string); !ok {
			errs = append(errs, "user_id must be a string")
		}
	}

	// Timestamp is optional but must parse when provided
	if v, present := data["timestamp"]; present && v != nil {
		switch s := v.(type) {
		case string:
			if s != "" {
				if _, err := ParseTimestamp(s); err != nil {
					errs = append(errs, "timestamp must be a valid ISO 8601 date string")
				}
			}
		default:
			errs = append(errs, "timestamp must be a valid ISO 8601 date string")
		}
	}

	return Result{
		IsValid: len(errs) == 0,
		Errors:  errs,
	}
}

// ParseTimestamp parses an ISO 8601 timestamp into a UTC instant
func ParseTimestamp(value string) (time.Time, error) {
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, errors.Errorf("unparsable timestamp %q", value)
}
