// Package clock keeps a wall clock that is corrected by sync messages.
package clock

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrBadTimeString is returned by Sync for a malformed time string.
var ErrBadTimeString = errors.New("clock: malformed time string")

// Clock is the local time source shifted by a whole-second offset.
type Clock struct {
	source func() time.Time
	loc    *time.Location
	offset time.Duration
}

// New returns a clock with a zero offset. A nil source means time.Now and a
// nil loc means time.Local.
func New(source func() time.Time, loc *time.Location) *Clock {
	if source == nil {
		source = time.Now
	}
	if loc == nil {
		loc = time.Local
	}
	return &Clock{source: source, loc: loc}
}

// Sync parses "YYYY MM DD HH MM SS" in the clock's zone and replaces the
// offset so that Now returns that time. Two trailing fields (weekday and
// day of year) are accepted and ignored. On error the offset is unchanged.
func (c *Clock) Sync(s string) error {
	fields := strings.Fields(s)
	if len(fields) != 6 && len(fields) != 8 {
		return fmt.Errorf("%w: %q: want 6 fields, got %d", ErrBadTimeString, s, len(fields))
	}
	var v [6]int
	for i := range v {
		n, err := strconv.Atoi(fields[i])
		if err != nil {
			return fmt.Errorf("%w: %q: %v", ErrBadTimeString, s, err)
		}
		v[i] = n
	}
	for i := 6; i < len(fields); i++ {
		if _, err := strconv.Atoi(fields[i]); err != nil {
			return fmt.Errorf("%w: %q: %v", ErrBadTimeString, s, err)
		}
	}

	target := time.Date(v[0], time.Month(v[1]), v[2], v[3], v[4], v[5], 0, c.loc)
	// time.Date normalises out of range values; reject them instead.
	if target.Year() != v[0] || int(target.Month()) != v[1] || target.Day() != v[2] ||
		target.Hour() != v[3] || target.Minute() != v[4] || target.Second() != v[5] {
		return fmt.Errorf("%w: %q: out of range", ErrBadTimeString, s)
	}

	c.offset = time.Duration(target.Unix()-c.source().Unix()) * time.Second
	return nil
}

// Offset returns the current correction.
func (c *Clock) Offset() time.Duration { return c.offset }

// Now returns the corrected time in the clock's zone.
func (c *Clock) Now() time.Time {
	return c.source().Add(c.offset).In(c.loc)
}

// SecondsFromMidnight returns whole seconds since local midnight.
func (c *Clock) SecondsFromMidnight() int {
	now := c.Now()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, c.loc)
	return int(now.Unix() - midnight.Unix())
}

// HoursMinutes formats Now as "HH:MM".
func (c *Clock) HoursMinutes() string {
	now := c.Now()
	return fmt.Sprintf("%02d:%02d", now.Hour(), now.Minute())
}
