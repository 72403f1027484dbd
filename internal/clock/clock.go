package clock

import (
	"fmt"
	"time"
)

// Clock is the source of "now" for scheduling code. Tests pin it with Fixed.
type Clock interface {
	Now() time.Time
	Today() time.Time
	Location() *time.Location
}

type System struct {
	loc *time.Location
}

// NewSystem returns a wall clock reporting times in the named zone.
func NewSystem(zone string) (*System, error) {
	loc, err := time.LoadLocation(zone)
	if err != nil {
		return nil, fmt.Errorf("load time zone %q: %w", zone, err)
	}
	return &System{loc: loc}, nil
}

func (c *System) Now() time.Time           { return time.Now().In(c.loc) }
func (c *System) Today() time.Time         { return StartOfDay(c.Now()) }
func (c *System) Location() *time.Location { return c.loc }

// Fixed always reports the same instant.
type Fixed struct {
	At time.Time
}

func (c Fixed) Now() time.Time           { return c.At }
func (c Fixed) Today() time.Time         { return StartOfDay(c.At) }
func (c Fixed) Location() *time.Location { return c.At.Location() }

// TruncateToMinute zeroes seconds and sub-second precision, keeping the
// location. It works on the instant, so the repeated hour of a DST fall-back
// keeps its offset.
func TruncateToMinute(t time.Time) time.Time {
	return t.Truncate(time.Minute)
}

// StartOfDay returns midnight of t's calendar day in t's location.
func StartOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

// SameMinute reports whether a and b fall in the same minute.
func SameMinute(a, b time.Time) bool {
	return TruncateToMinute(a).Equal(TruncateToMinute(b))
}
