// Package timeparse turns the free-form pickup/drop date and time strings
// stored on bookings into absolute instants.
package timeparse

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var ErrUnparseableTime = errors.New("unparseable time")

// layouts is tried in order; the first match wins. A string such as
// "05/06/2025 10:00" is valid under both day-first and month-first layouts and
// resolves day-first.
var layouts = []string{
	"2/1/2006 15:04", // DD/MM/YYYY HH:mm
	"2006-1-2 15:04", // YYYY-MM-DD HH:mm
	"1/2/2006 15:04", // MM/DD/YYYY HH:mm
}

// isoLayouts is the generic ISO-8601 fallback.
var isoLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// Parser resolves wall-clock strings in a fixed location.
type Parser struct {
	Loc *time.Location
}

// New returns a Parser for loc; nil means UTC.
func New(loc *time.Location) Parser {
	if loc == nil {
		loc = time.UTC
	}
	return Parser{Loc: loc}
}

// Parse joins date and clock with a single space and tries each known layout.
func (p Parser) Parse(date, clock string) (time.Time, error) {
	loc := p.Loc
	if loc == nil {
		loc = time.UTC
	}
	date = strings.TrimSpace(date)
	clock = strings.TrimSpace(clock)
	joined := strings.TrimSpace(date + " " + clock)
	if joined == "" {
		return time.Time{}, fmt.Errorf("%w: empty date and time", ErrUnparseableTime)
	}
	for _, layout := range layouts {
		if t, err := time.ParseInLocation(layout, joined, loc); err == nil {
			return t, nil
		}
	}
	candidates := []string{joined}
	if clock != "" && date != "" {
		// an ISO timestamp in the date field may already carry its own time
		candidates = append(candidates, date)
	}
	for _, c := range candidates {
		for _, layout := range isoLayouts {
			if t, err := time.ParseInLocation(layout, c, loc); err == nil {
				return t, nil
			}
		}
	}
	return time.Time{}, fmt.Errorf("%w: %q", ErrUnparseableTime, joined)
}

// Parse uses a UTC parser.
func Parse(date, clock string) (time.Time, error) {
	return New(time.UTC).Parse(date, clock)
}
