package model

import (
	"fmt"
	"time"
)

// DateLayout is the wire format for check-in/check-out dates
const DateLayout = "2006-01-02"

// MaxStayNights bounds a single stay or availability query
const MaxStayNights = 365

const secondsPerDay = 24 * 60 * 60

// TimeRange is a half-open stay [Start, End): End is the check-out day and is not occupied.
type TimeRange struct {
	Start time.Time
	End   time.Time
}

// NewTimeRange normalises both ends to UTC calendar dates.
func NewTimeRange(start, end time.Time) TimeRange {
	return TimeRange{Start: truncateDate(start), End: truncateDate(end)}
}

// ParseTimeRange parses two YYYY-MM-DD dates and validates the result.
func ParseTimeRange(start, end string) (TimeRange, error) {
	s, err := time.Parse(DateLayout, start)
	if err != nil {
		return TimeRange{}, &ValidationError{Field: "check_in", Reason: "must be a YYYY-MM-DD date"}
	}
	e, err := time.Parse(DateLayout, end)
	if err != nil {
		return TimeRange{}, &ValidationError{Field: "check_out", Reason: "must be a YYYY-MM-DD date"}
	}

	r := NewTimeRange(s, e)
	if err := r.Validate(); err != nil {
		return TimeRange{}, err
	}
	return r, nil
}

// MustParseTimeRange is ParseTimeRange for literals known to be valid.
func MustParseTimeRange(start, end string) TimeRange {
	r, err := ParseTimeRange(start, end)
	if err != nil {
		panic(err)
	}
	return r
}

func (r TimeRange) Validate() error {
	if r.Start.IsZero() || r.End.IsZero() {
		return &ValidationError{Field: "check_in", Reason: "check_in and check_out are required"}
	}
	if !r.End.After(r.Start) {
		return &ValidationError{Field: "check_out", Reason: "check_out must be after check_in"}
	}
	if r.Nights() > MaxStayNights {
		return &ValidationError{Field: "check_out", Reason: fmt.Sprintf("stay must be at most %d nights", MaxStayNights)}
	}
	return nil
}

// Overlaps is the single overlap predicate shared by admission, availability and the stores.
// Ranges that only touch (one ends the day the other starts) do not overlap.
func (r TimeRange) Overlaps(o TimeRange) bool {
	return r.Start.Before(o.End) && r.End.After(o.Start)
}

// Nights is the number of occupied nights. Both ends are UTC midnights, so whole days divide evenly.
func (r TimeRange) Nights() int {
	return int((r.End.Unix() - r.Start.Unix()) / secondsPerDay)
}

func (r TimeRange) String() string {
	return fmt.Sprintf("[%s, %s)", r.Start.Format(DateLayout), r.End.Format(DateLayout))
}

func truncateDate(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
