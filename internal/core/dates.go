package core

import (
	"strings"
	"time"
)

const (
	// DateLayout is the format start and end dates are entered in.
	DateLayout = "02/01/2006 15:04:05"
	// RuntimeLayout formats runtimes and creation timestamps.
	RuntimeLayout = "2006-01-02 15:04:05.000000"
)

// ParseDate parses a user-entered date in loc. An empty value yields nil.
func ParseDate(value string, loc *time.Location) (*time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, nil
	}
	if loc == nil {
		loc = time.Local
	}
	t, err := time.ParseInLocation(DateLayout, value, loc)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// FormatDate renders t in loc the way ParseDate accepts it. A nil loc keeps t's own zone.
func FormatDate(t *time.Time, loc *time.Location) string {
	if t == nil {
		return ""
	}
	if loc != nil {
		return t.In(loc).Format(DateLayout)
	}
	return t.Format(DateLayout)
}

// FormatRuntime renders a runtime key.
func FormatRuntime(t time.Time) string {
	return t.Format(RuntimeLayout)
}
