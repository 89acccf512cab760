package models

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

const dayLayout = "2006-01-02"

// PeriodKind tells how a PeriodFilter was built.
type PeriodKind string

const (
	PeriodAll   PeriodKind = "all"
	PeriodMonth PeriodKind = "month"
	PeriodYear  PeriodKind = "year"
	PeriodRange PeriodKind = "range"
)

// PeriodFilter scopes which records a balance, settlement or summary considers.
// Both boundaries are inclusive. Deliveries are filtered on both, deductions
// only on End: a deduction left outstanding from an earlier period stays
// collectible.
type PeriodFilter struct {
	Kind  PeriodKind
	Start time.Time
	End   time.Time
}

// AllTime is the unbounded filter.
func AllTime() PeriodFilter {
	return PeriodFilter{Kind: PeriodAll}
}

// Month covers one calendar month in loc.
func Month(year int, month time.Month, loc *time.Location) PeriodFilter {
	start := time.Date(year, month, 1, 0, 0, 0, 0, location(loc))
	return PeriodFilter{
		Kind:  PeriodMonth,
		Start: start,
		End:   start.AddDate(0, 1, 0).Add(-time.Nanosecond),
	}
}

// Year covers one calendar year in loc.
func Year(year int, loc *time.Location) PeriodFilter {
	start := time.Date(year, time.January, 1, 0, 0, 0, 0, location(loc))
	return PeriodFilter{
		Kind:  PeriodYear,
		Start: start,
		End:   start.AddDate(1, 0, 0).Add(-time.Nanosecond),
	}
}

// Range covers whole days from the day of from through the day of to.
func Range(from, to time.Time, loc *time.Location) (PeriodFilter, error) {
	loc = location(loc)
	from = from.In(loc)
	to = to.In(loc)

	start := time.Date(from.Year(), from.Month(), from.Day(), 0, 0, 0, 0, loc)
	end := time.Date(to.Year(), to.Month(), to.Day(), 0, 0, 0, 0, loc).AddDate(0, 0, 1).Add(-time.Nanosecond)
	if end.Before(start) {
		return PeriodFilter{}, fmt.Errorf("%w: range ends before it starts", ErrInvalidPeriod)
	}
	return PeriodFilter{Kind: PeriodRange, Start: start, End: end}, nil
}

// ParsePeriod builds a filter from operator inputs. An explicit date range wins
// over month, month (defaulting to the current year) wins over year, and no
// input at all means every pending record.
func ParsePeriod(month, year, from, to string, now time.Time, loc *time.Location) (PeriodFilter, error) {
	loc = location(loc)
	month = strings.TrimSpace(month)
	year = strings.TrimSpace(year)
	from = strings.TrimSpace(from)
	to = strings.TrimSpace(to)

	if from != "" || to != "" {
		if from == "" || to == "" {
			return PeriodFilter{}, fmt.Errorf("%w: both range boundaries are required", ErrInvalidPeriod)
		}
		start, err := time.ParseInLocation(dayLayout, from, loc)
		if err != nil {
			return PeriodFilter{}, fmt.Errorf("%w: parse from %q", ErrInvalidPeriod, from)
		}
		end, err := time.ParseInLocation(dayLayout, to, loc)
		if err != nil {
			return PeriodFilter{}, fmt.Errorf("%w: parse to %q", ErrInvalidPeriod, to)
		}
		return Range(start, end, loc)
	}

	targetYear := now.In(loc).Year()
	if year != "" {
		y, err := strconv.Atoi(year)
		if err != nil || y < 1 || y > 9999 {
			return PeriodFilter{}, fmt.Errorf("%w: year %q", ErrInvalidPeriod, year)
		}
		targetYear = y
	}

	if month != "" {
		m, err := strconv.Atoi(month)
		if err != nil || m < 1 || m > 12 {
			return PeriodFilter{}, fmt.Errorf("%w: month %q", ErrInvalidPeriod, month)
		}
		return Month(targetYear, time.Month(m), loc), nil
	}

	if year != "" {
		return Year(targetYear, loc), nil
	}

	return AllTime(), nil
}

// PreviousMonth returns the calendar month before the one containing now.
func PreviousMonth(now time.Time, loc *time.Location) PeriodFilter {
	now = now.In(location(loc))
	first := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())
	prev := first.AddDate(0, -1, 0)
	return Month(prev.Year(), prev.Month(), loc)
}

// IsBounded is false only for the all-time filter.
func (p PeriodFilter) IsBounded() bool {
	return p.Kind != "" && p.Kind != PeriodAll
}

// ContainsDelivery reports whether a delivery dated t falls inside the period.
func (p PeriodFilter) ContainsDelivery(t time.Time) bool {
	if !p.IsBounded() {
		return true
	}
	return !t.Before(p.Start) && !t.After(p.End)
}

// CoversDeduction reports whether a deduction dated t is collectible in the period.
func (p PeriodFilter) CoversDeduction(t time.Time) bool {
	if !p.IsBounded() {
		return true
	}
	return !t.After(p.End)
}

// Label renders the period the way it appears on payment descriptions.
func (p PeriodFilter) Label() string {
	switch p.Kind {
	case PeriodMonth:
		return p.Start.Format("January 2006")
	case PeriodYear:
		return fmt.Sprintf("Year %d", p.Start.Year())
	case PeriodRange:
		return fmt.Sprintf("%s to %s", p.Start.Format(dayLayout), p.End.Format(dayLayout))
	default:
		return "All pending"
	}
}

// MonthKey is the sortable month bucket used by summaries.
func MonthKey(t time.Time) string {
	return t.Format("2006-01")
}

func location(loc *time.Location) *time.Location {
	if loc == nil {
		return time.UTC
	}
	return loc
}
