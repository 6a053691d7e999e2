package validation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func validPayload() map[string]interface{} {
	return map[string]interface{}{
		"site_id":    "abc",
		"event_type": "page_view",
		"path":       "/home",
		"user_id":    "user-1",
		"timestamp":  "2024-01-15T10:30:00Z",
	}
}

func TestValidateEventAcceptsFullPayload(t *testing.T) {
	result := ValidateEvent(validPayload())

	require.True(t, result.IsValid)
	require.Empty(t, result.Errors)
}

func TestValidateEventRequiresSiteIDAndEventType(t *testing.T) {
	result := ValidateEvent(map[string]interface{}{})

	require.False(t, result.IsValid)
	require.Contains(t, result.Errors, "site_id is required and must be a string")
	require.Contains(t, result.Errors, "event_type is required and must be a string")
	require.Len(t, result.Errors, 2)
}

func TestValidateEventRejectsNonStringRequiredFields(t *testing.T) {
	payload := validPayload()
	payload["site_id"] = 42.0
	payload["event_type"] = true

	result := ValidateEvent(payload)

	require.False(t, result.IsValid)
	require.Contains(t, result.Errors, "site_id is required and must be a string")
	require.Contains(t, result.Errors, "event_type is required and must be a string")
}

func TestValidateEventTreatsEmptyRequiredFieldsAsMissing(t *testing.T) {
	payload := validPayload()
	payload["site_id"] = ""

	result := ValidateEvent(payload)

	require.False(t, result.IsValid)
	require.Contains(t, result.Errors, "site_id is required and must be a string")
}

func TestValidateEventChecksOptionalFieldTypes(t *testing.T) {
	payload := validPayload()
	payload["path"] = 1.5
	payload["user_id"] = []interface{}{"u"}

	result := ValidateEvent(payload)

	require.False(t, result.IsValid)
	require.Contains(t, result.Errors, "path must be a string")
	require.Contains(t, result.Errors, "user_id must be a string")
}

func TestValidateEventAllowsAbsentOptionalFields(t *testing.T) {
	result := ValidateEvent(map[string]interface{}{
		"site_id":    "abc",
		"event_type": "click",
	})

	require.True(t, result.IsValid)
	require.Empty(t, result.Errors)
}

func TestValidateEventRejectsUnparsableTimestamp(t *testing.T) {
	payload := validPayload()
	payload["timestamp"] = "not-a-date"

	result := ValidateEvent(payload)

	require.False(t, result.IsValid)
	require.Contains(t, result.Errors, "timestamp must be a valid ISO 8601 date string")
}

func TestValidateEventRejectsNonStringTimestamp(t *testing.T) {
	payload := validPayload()
	payload["timestamp"] = 1705314600.0

	result := ValidateEvent(payload)

	require.False(t, result.IsValid)
	require.Contains(t, result.Errors, "timestamp must be a valid ISO 8601 date string")
}

func TestValidateEventCollectsAllErrors(t *testing.T) {
	result := ValidateEvent(map[string]interface{}{
		"path":      7.0,
		"user_id":   8.0,
		"timestamp": "nope",
	})

	require.False(t, result.IsValid)
	require.Len(t, result.Errors, 5)
}

func TestValidateEventIsIdempotent(t *testing.T) {
	payload := validPayload()
	payload["timestamp"] = "broken"

	first := ValidateEvent(payload)
	second := ValidateEvent(payload)

	require.Equal(t, first, second)
}

func TestParseTimestampAcceptsCommonForms(t *testing.T) {
	cases := map[string]time.Time{
		"2024-01-15T10:30:00Z":      time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC),
		"2024-01-15T10:30:00+02:00": time.Date(2024, 1, 15, 8, 30, 0, 0, time.UTC),
		"2024-01-15T10:30:00":       time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC),
		"2024-01-15":                time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC),
	}

	for input, want := range cases {
		got, err := ParseTimestamp(input)
		require.NoError(t, err, input)
		require.True(t, want.Equal(got), input)
	}
}

func TestParseTimestampRejectsGarbage(t *testing.T) {
	_, err := ParseTimestamp("not-a-date")
	require.Error(t, err)
}
