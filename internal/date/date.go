// Package date provides a calendar day type with ISO-8601 text encoding.
// Simulation schedules, price histories and dividend watermarks all work
// at day granularity, so wall-clock time never leaks into the engine.
package date

import (
	"errors"
	"fmt"
	"time"
)

// Format is the only accepted text representation of a Date.
const Format = "2006-01-02"

// Day is the duration of one calendar day.
const Day = 24 * time.Hour

// ErrInvalid is returned when a string is not a valid YYYY-MM-DD calendar day.
var ErrInvalid = errors.New("date: invalid calendar date")

// Date is a calendar day with no time-of-day or zone component.
// The zero value is not a valid day; use IsZero to detect it.
type Date struct {
	y int
	m time.Month
	d int
}

// New returns a normalized Date. Out-of-range months and days roll over
// the same way time.Date does.
func New(year int, month time.Month, day int) Date {
	return FromTime(time.Date(year, month, day, 0, 0, 0, 0, time.UTC))
}

// FromTime returns the UTC calendar day containing t.
func FromTime(t time.Time) Date {
	y, m, d := t.UTC().Date()
	return Date{y, m, d}
}

// Today returns the current UTC day.
func Today() Date { return FromTime(time.Now()) }

// Parse strictly parses YYYY-MM-DD and rejects days that do not exist
// (for example 2021-02-30).
func Parse(s string) (Date, error) {
	t, err := time.Parse(Format, s)
	if err != nil || t.Format(Format) != s {
		return Date{}, fmt.Errorf("%w: %q (want YYYY-MM-DD)", ErrInvalid, s)
	}
	return FromTime(t), nil
}

// MustParse is like Parse but panics on error. Intended for tests and constants.
func MustParse(s string) Date {
	d, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return d
}

// Time returns midnight UTC of the day.
func (d Date) Time() time.Time { return time.Date(d.y, d.m, d.d, 0, 0, 0, 0, time.UTC) }

// IsZero reports whether d is the zero Date.
func (d Date) IsZero() bool { return d == Date{} }

func (d Date) Year() int         { return d.y }
func (d Date) Month() time.Month { return d.m }
func (d Date) Day() int          { return d.d }

// AddDays returns the day n days after d (n may be negative).
func (d Date) AddDays(n int) Date { return New(d.y, d.m, d.d+n) }

// AddMonths adds n calendar months keeping the day of month where the
// target month has it, and clamping to the month's last day otherwise
// (Jan 31 + 1 month = Feb 28/29).
func (d Date) AddMonths(n int) Date {
	first := time.Date(d.y, d.m+time.Month(n), 1, 0, 0, 0, 0, time.UTC)
	day := d.d
	if last := daysIn(first.Year(), first.Month()); day > last {
		day = last
	}
	return New(first.Year(), first.Month(), day)
}

// Compare returns -1, 0 or +1 depending on whether d is before, equal to
// or after x.
func (d Date) Compare(x Date) int {
	switch {
	case d.y != x.y:
		return cmp(d.y, x.y)
	case d.m != x.m:
		return cmp(int(d.m), int(x.m))
	default:
		return cmp(d.d, x.d)
	}
}

func (d Date) Before(x Date) bool { return d.Compare(x) < 0 }
func (d Date) After(x Date) bool  { return d.Compare(x) > 0 }

// DaysUntil returns the number of days from d to x (negative if x is earlier).
func (d Date) DaysUntil(x Date) int {
	return int(x.Time().Sub(d.Time()) / Day)
}

// String formats the day as YYYY-MM-DD.
func (d Date) String() string { return d.Time().Format(Format) }

// MarshalText implements encoding.TextMarshaler, so Dates encode as plain
// ISO strings in JSON and YAML and can be used as JSON map keys.
func (d Date) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Date) UnmarshalText(b []byte) error {
	parsed, err := Parse(string(b))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// Min returns the earlier of a and b.
func Min(a, b Date) Date {
	if b.Before(a) {
		return b
	}
	return a
}

// Max returns the later of a and b.
func Max(a, b Date) Date {
	if b.After(a) {
		return b
	}
	return a
}

func daysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

func cmp(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}
