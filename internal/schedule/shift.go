package schedule

import (
	"errors"
	"fmt"
	"time"
)

// Shift is a facility staffing period.
type Shift string

const (
	ShiftDay   Shift = "day"
	ShiftNight Shift = "night"
)

// ShiftConfig holds the local clock boundaries of the day shift. The night
// shift covers the remainder of the day and spans midnight.
type ShiftConfig struct {
	// DayStart is the first minute of the day shift (inclusive)
	DayStart ClockTime
	// NightStart is the first minute of the night shift (inclusive)
	NightStart ClockTime
}

// DefaultShiftConfig returns the 08:00/20:00 split.
func DefaultShiftConfig() ShiftConfig {
	return ShiftConfig{
		DayStart:   Clock(8, 0),
		NightStart: Clock(20, 0),
	}
}

// Validate checks that both boundaries are valid and ordered.
func (c ShiftConfig) Validate() error {
	if !c.DayStart.Valid() || !c.NightStart.Valid() {
		return errors.New("shift boundaries must be within a day")
	}
	if c.DayStart >= c.NightStart {
		return fmt.Errorf("day shift start %s must be before night shift start %s", c.DayStart, c.NightStart)
	}
	return nil
}

// Classify maps a local timestamp to its shift and the date that shift is
// attributed to. Night-shift instants before DayStart belong to the shift
// that started the previous calendar day.
func (c ShiftConfig) Classify(local time.Time) (Shift, Date) {
	return c.ClassifyAt(DateOf(local, nil), ClockOf(local))
}

// ClassifyAt is Classify for a civil date and clock time.
func (c ShiftConfig) ClassifyAt(date Date, clock ClockTime) (Shift, Date) {
	if clock >= c.DayStart && clock < c.NightStart {
		return ShiftDay, date
	}
	if clock < c.DayStart {
		return ShiftNight, date.AddDays(-1)
	}
	return ShiftNight, date
}
