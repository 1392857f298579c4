package schedule

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalidClockTime is returned for strings that are not 24-hour HH:MM times
var ErrInvalidClockTime = errors.New("invalid clock time")

// ClockTime is a local wall-clock time of day, in minutes since midnight.
type ClockTime int

// Clock builds a ClockTime from hour and minute.
func Clock(hour, minute int) ClockTime {
	return ClockTime(hour*60 + minute)
}

// ParseClockTime parses a 24-hour "HH:MM" (or "H:MM") string.
func ParseClockTime(s string) (ClockTime, error) {
	s = strings.TrimSpace(s)
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidClockTime, s)
	}
	return Clock(t.Hour(), t.Minute()), nil
}

// MustClock parses s and panics on error. Intended for defaults and tests.
func MustClock(s string) ClockTime {
	c, err := ParseClockTime(s)
	if err != nil {
		panic(err)
	}
	return c
}

// ClockOf returns the wall-clock time of t in its own location.
func ClockOf(t time.Time) ClockTime {
	return Clock(t.Hour(), t.Minute())
}

// Hour returns the hour component (0-23).
func (c ClockTime) Hour() int { return int(c) / 60 }

// Minute returns the minute component (0-59).
func (c ClockTime) Minute() int { return int(c) % 60 }

// String formats c as zero-padded HH:MM.
func (c ClockTime) String() string {
	return fmt.Sprintf("%02d:%02d", c.Hour(), c.Minute())
}

// Valid reports whether c lies within a single day.
func (c ClockTime) Valid() bool {
	return c >= 0 && c < 24*60
}
