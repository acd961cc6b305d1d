package core

import (
	"fmt"
	"strings"
	"time"
)

// DateLayout is the canonical journal date format.
const DateLayout = "2006-01-02"

// DateParts are precomputed on every journal so grouping queries never
// have to parse dates.
type DateParts struct {
	DateText     string
	YearMonthDay string
	YearWeek     string
	YearMonth    string
	YearQuarter  string
	Year         int
}

// ParseDate accepts a YYYY-MM-DD date or a full RFC3339 timestamp and
// normalises it to midnight UTC.
func ParseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, NewValidationError("date is required")
	}
	if t, err := time.Parse(DateLayout, s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, NewValidationError(fmt.Sprintf("invalid date %q", s))
	}
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC), nil
}

// NewDateParts derives every grouping key from a journal date.
func NewDateParts(d time.Time) DateParts {
	d = d.UTC()
	isoYear, isoWeek := d.ISOWeek()
	quarter := (int(d.Month())-1)/3 + 1
	return DateParts{
		DateText:     d.Format(DateLayout),
		YearMonthDay: d.Format("20060102"),
		YearWeek:     fmt.Sprintf("%04d-W%02d", isoYear, isoWeek),
		YearMonth:    d.Format("2006-01"),
		YearQuarter:  fmt.Sprintf("%04d-Q%d", d.Year(), quarter),
		Year:         d.Year(),
	}
}

// MonthsBetween lists every YYYY-MM from first to last inclusive.
func MonthsBetween(first, last string) []string {
	start, err := time.Parse("2006-01", first)
	if err != nil {
		return nil
	}
	end, err := time.Parse("2006-01", last)
	if err != nil || end.Before(start) {
		return nil
	}
	var months []string
	for m := start; !m.After(end); m = m.AddDate(0, 1, 0) {
		months = append(months, m.Format("2006-01"))
	}
	return months
}
