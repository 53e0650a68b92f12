package records

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalidTimestamp indicates a timestamp that is not ISO-8601.
var ErrInvalidTimestamp = errors.New("records: invalid timestamp")

// FormatTimestamp renders t as an ISO-8601 UTC string. The zero time renders empty.
func FormatTimestamp(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

// ParseTimestamp parses an ISO-8601 string. Blank input yields the zero time.
func ParseTimestamp(rawInput string) (time.Time, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return time.Time{}, nil
	}
	parsed, err := time.Parse(time.RFC3339Nano, trimmed)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidTimestamp, rawInput)
	}
	return parsed.UTC(), nil
}

// Latest returns the later of two timestamps.
func Latest(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}
