// Package timeutil provides RFC3339 formatting helpers shared by
// the db and indexer packages. Zero times map to empty/nil so
// optional timestamps round-trip cleanly through SQLite TEXT
// columns.
package timeutil

import "time"

// Format returns t as RFC3339Nano in UTC, or "" for the zero time.
func Format(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

// Ptr returns a pointer to the formatted time, or nil for the
// zero time.
func Ptr(t time.Time) *string {
	if t.IsZero() {
		return nil
	}
	s := Format(t)
	return &s
}

// Parse parses an RFC3339 timestamp, returning the zero time on
// empty input or parse failure.
func Parse(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
