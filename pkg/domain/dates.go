package domain

import (
	"strings"
	"time"
)

// DateLayout is the calendar date format accepted on input and used in exports.
const DateLayout = "2006-01-02"

// DateOnly truncates t to midnight UTC of its calendar day in t's own location.
func DateOnly(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// ParseDate parses a YYYY-MM-DD calendar date.
func ParseDate(field, raw string) (time.Time, error) {
	t, err := time.Parse(DateLayout, strings.TrimSpace(raw))
	if err != nil {
		return time.Time{}, ValidationError{Field: field, Message: "expected date in YYYY-MM-DD form"}
	}
	return t, nil
}
