package snapshot

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// RangeKind names an aggregation window.
type RangeKind string

const (
	RangeDay   RangeKind = "day"
	RangeWeek  RangeKind = "week"
	RangeMonth RangeKind = "month"

	NamespaceLanding = "landing"
	NamespaceDaily   = "daily"
	NamespaceWeekly  = "weekly"
	NamespaceMonthly = "monthly"

	// LandingKey is the cache key of the home screen summary.
	LandingKey = "today"

	dateLayout  = "2006-01-02"
	monthLayout = "2006-01"
)

// ErrInvalidRange indicates an unknown range name.
var ErrInvalidRange = errors.New("snapshot: invalid range")

// ParseRangeKind validates a raw range name.
func ParseRangeKind(raw string) (RangeKind, error) {
	kind := RangeKind(strings.ToLower(strings.TrimSpace(raw)))
	switch kind {
	case RangeDay, RangeWeek, RangeMonth:
		return kind, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidRange, raw)
	}
}

// Range is a resolved half-open window [Start, End) in the anchor's location.
type Range struct {
	Kind      RangeKind
	Start     time.Time
	End       time.Time
	DayCount  int
	Namespace string
	Key       string
}

// ResolveRange computes the window of kind containing anchor. Calendar
// boundaries follow anchor.Location().
func ResolveRange(kind RangeKind, anchor time.Time) (Range, error) {
	location := anchor.Location()
	year, month, day := anchor.Date()
	midnight := time.Date(year, month, day, 0, 0, 0, 0, location)

	var resolved Range
	switch kind {
	case RangeDay:
		resolved = Range{
			Start:     midnight,
			End:       time.Date(year, month, day+1, 0, 0, 0, 0, location),
			DayCount:  1,
			Namespace: NamespaceDaily,
			Key:       "day:" + midnight.Format(dateLayout),
		}
	case RangeWeek:
		offset := (int(midnight.Weekday()) + 6) % 7
		monday := time.Date(year, month, day-offset, 0, 0, 0, 0, location)
		resolved = Range{
			Start:     monday,
			End:       time.Date(year, month, day-offset+7, 0, 0, 0, 0, location),
			DayCount:  7,
			Namespace: NamespaceWeekly,
			Key:       "week:" + monday.Format(dateLayout),
		}
	case RangeMonth:
		first := time.Date(year, month, 1, 0, 0, 0, 0, location)
		resolved = Range{
			Start:     first,
			End:       time.Date(year, month+1, 1, 0, 0, 0, 0, location),
			DayCount:  time.Date(year, month+1, 0, 0, 0, 0, 0, location).Day(),
			Namespace: NamespaceMonthly,
			Key:       "month:" + first.Format(monthLayout),
		}
	default:
		return Range{}, fmt.Errorf("%w: %q", ErrInvalidRange, kind)
	}
	resolved.Kind = kind
	resolved.DayCount = max(resolved.DayCount, 1)
	return resolved, nil
}

// Contains reports whether t falls inside the window.
func (r Range) Contains(t time.Time) bool {
	return !t.Before(r.Start) && t.Before(r.End)
}

// ParseAnchor parses a YYYY-MM-DD calendar date in location.
func ParseAnchor(raw string, location *time.Location) (time.Time, error) {
	if location == nil {
		location = time.Local
	}
	parsed, err := time.ParseInLocation(dateLayout, strings.TrimSpace(raw), location)
	if err != nil {
		return time.Time{}, fmt.Errorf("snapshot: invalid anchor %q: %w", raw, err)
	}
	return parsed, nil
}
