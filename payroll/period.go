package payroll

import (
	"fmt"
	"time"
)

// =============================================================================
// PERIOD - one calendar month
// =============================================================================

// Period is a payroll month. All boundaries are UTC.
type Period struct {
	Year  int
	Month time.Month
}

// NewPeriod validates year and month.
func NewPeriod(year int, month time.Month) (Period, error) {
	if year < 2000 || year > 9999 || month < time.January || month > time.December {
		return Period{}, fmt.Errorf("%w: %d-%02d", ErrInvalidPeriod, year, int(month))
	}
	return Period{Year: year, Month: month}, nil
}

// PeriodOf returns the period containing t.
func PeriodOf(t time.Time) Period {
	t = t.UTC()
	return Period{Year: t.Year(), Month: t.Month()}
}

// ParsePeriod parses "2006-01".
func ParsePeriod(s string) (Period, error) {
	t, err := time.Parse("2006-01", s)
	if err != nil {
		return Period{}, fmt.Errorf("%w: %q", ErrInvalidPeriod, s)
	}
	return NewPeriod(t.Year(), t.Month())
}

// Start is the first day at 00:00.
func (p Period) Start() time.Time {
	return time.Date(p.Year, p.Month, 1, 0, 0, 0, 0, time.UTC)
}

// End is the last day of the month at 00:00.
func (p Period) End() time.Time {
	return p.Start().AddDate(0, 1, -1)
}

// AsOf is the last instant of the month. Tariffs are resolved at this point.
func (p Period) AsOf() time.Time {
	return p.Start().AddDate(0, 1, 0).Add(-time.Nanosecond)
}

// Contains reports whether the day of t falls in the period.
func (p Period) Contains(t time.Time) bool {
	t = t.UTC()
	return t.Year() == p.Year && t.Month() == p.Month
}

// OverlapDays counts the calendar days of [from, to] (inclusive) inside the period.
func (p Period) OverlapDays(from, to time.Time) int {
	start := truncateDay(from)
	end := truncateDay(to)
	if start.Before(p.Start()) {
		start = p.Start()
	}
	if end.After(p.End()) {
		end = p.End()
	}
	if end.Before(start) {
		return 0
	}
	return int(end.Sub(start).Hours()/24) + 1
}

// Next returns the following month.
func (p Period) Next() Period { return PeriodOf(p.Start().AddDate(0, 1, 0)) }

func (p Period) String() string { return fmt.Sprintf("%04d-%02d", p.Year, int(p.Month)) }

func truncateDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
