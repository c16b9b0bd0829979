// Package calendar converts instants into business days of one fixed-offset
// calendar. Every same-day, day-after and expiry comparison in the engine goes
// through here; the host time zone is never consulted.
package calendar

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DayLayout is the string-normalized form of a Day ("2006-01-02").
const DayLayout = "2006-01-02"

// Day is a calendar date without time of day.
type Day struct {
	Year  int
	Month time.Month
	Day   int
}

// ParseDay parses "YYYY-MM-DD".
func ParseDay(s string) (Day, error) {
	t, err := time.Parse(DayLayout, strings.TrimSpace(s))
	if err != nil {
		return Day{}, fmt.Errorf("parse day %q: %w", s, err)
	}
	return Day{Year: t.Year(), Month: t.Month(), Day: t.Day()}, nil
}

// MustParseDay is ParseDay that panics. Tests and constants only.
func MustParseDay(s string) Day {
	d, err := ParseDay(s)
	if err != nil {
		panic(err)
	}
	return d
}

func (d Day) String() string {
	return fmt.Sprintf("%04d-%02d-%02d", d.Year, int(d.Month), d.Day)
}

func (d Day) IsZero() bool { return d == Day{} }

// ordinal maps the day onto a monotonically increasing integer.
func (d Day) ordinal() int {
	return d.Year*10_000 + int(d.Month)*100 + d.Day
}

func (d Day) Before(o Day) bool { return d.ordinal() < o.ordinal() }
func (d Day) After(o Day) bool  { return d.ordinal() > o.ordinal() }
func (d Day) Equal(o Day) bool  { return d == o }

// AddDays returns the day n days later (n may be negative).
func (d Day) AddDays(n int) Day {
	t := time.Date(d.Year, d.Month, d.Day+n, 12, 0, 0, 0, time.UTC)
	return Day{Year: t.Year(), Month: t.Month(), Day: t.Day()}
}

// DaysUntil returns the number of whole days from d to o (negative if o is earlier).
func (d Day) DaysUntil(o Day) int {
	a := time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, time.UTC)
	b := time.Date(o.Year, o.Month, o.Day, 0, 0, 0, 0, time.UTC)
	return int(b.Sub(a).Hours() / 24)
}

// Clock returns the current instant.
type Clock func() time.Time

// Calendar evaluates instants against a single fixed UTC offset.
type Calendar struct {
	loc   *time.Location
	clock Clock
}

// New creates a calendar for an offset such as "+09:00" or "-03:30".
func New(offset string) (*Calendar, error) {
	loc, err := ParseOffset(offset)
	if err != nil {
		return nil, err
	}
	return &Calendar{loc: loc, clock: time.Now}, nil
}

// MustNew is New that panics on a malformed offset.
func MustNew(offset string) *Calendar {
	c, err := New(offset)
	if err != nil {
		panic(err)
	}
	return c
}

// WithClock returns a copy of the calendar that reads time from clock.
func (c *Calendar) WithClock(clock Clock) *Calendar {
	return &Calendar{loc: c.loc, clock: clock}
}

// ParseOffset turns "+HH:MM" into a fixed zone.
func ParseOffset(offset string) (*time.Location, error) {
	s := strings.TrimSpace(offset)
	if s == "" || s == "Z" || s == "UTC" {
		return time.FixedZone("UTC", 0), nil
	}
	sign := 1
	switch s[0] {
	case '+':
	case '-':
		sign = -1
	default:
		return nil, fmt.Errorf("calendar offset %q: must start with + or -", offset)
	}
	hh, mm, found := strings.Cut(s[1:], ":")
	if !found {
		mm = "00"
	}
	h, ok := offsetPart(hh, 14)
	if !ok {
		return nil, fmt.Errorf("calendar offset %q: bad hours", offset)
	}
	m, ok := offsetPart(mm, 59)
	if !ok {
		return nil, fmt.Errorf("calendar offset %q: bad minutes", offset)
	}
	return time.FixedZone("UTC"+s, sign*(h*3600+m*60)), nil
}

// offsetPart parses one or two plain digits no greater than max.
func offsetPart(s string, max int) (int, bool) {
	if len(s) == 0 || len(s) > 2 {
		return 0, false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, false
		}
	}
	n, err := strconv.Atoi(s)
	if err != nil || n > max {
		return 0, false
	}
	return n, true
}

// Location returns the fixed zone.
func (c *Calendar) Location() *time.Location { return c.loc }

// Now returns the current instant in the calendar's zone.
func (c *Calendar) Now() time.Time { return c.clock().In(c.loc) }

// Today is the calendar day containing Now.
func (c *Calendar) Today() Day { return c.DayOf(c.clock()) }

// DayOf returns the calendar day containing t.
func (c *Calendar) DayOf(t time.Time) Day {
	lt := t.In(c.loc)
	return Day{Year: lt.Year(), Month: lt.Month(), Day: lt.Day()}
}

// StartOf returns the first instant of d.
func (c *Calendar) StartOf(d Day) time.Time {
	return time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, c.loc)
}

// EndOf returns the first instant after d (exclusive bound).
func (c *Calendar) EndOf(d Day) time.Time {
	return c.StartOf(d.AddDays(1))
}

// NextAt returns the next instant strictly after now whose local hour is hour:00.
func (c *Calendar) NextAt(hour int) time.Time {
	now := c.Now()
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, 0, 0, 0, c.loc)
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}
