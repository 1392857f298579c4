package recurrence

import (
	"github.com/carehome/medround/internal/domain/medication"
	"github.com/carehome/medround/internal/schedule"
)

// Cadence decides whether an order recurs on a calendar date.
type Cadence interface {
	// Due reports whether a course starting on start has doses on date.
	Due(start, date schedule.Date) bool
}

// CadenceFor returns the cadence for a frequency, or nil when the frequency
// has no fixed cadence.
func CadenceFor(f medication.Frequency) Cadence {
	switch f {
	case medication.FrequencyOnceDaily,
		medication.FrequencyTwiceDaily,
		medication.FrequencyThreeTimesDaily,
		medication.FrequencyFourTimesDaily:
		return DailyCadence{}
	case medication.FrequencyEveryOtherDay:
		return AlternateDayCadence{}
	case medication.FrequencyWeekly:
		return WeeklyCadence{}
	case medication.FrequencyMonthly:
		return MonthlyCadence{}
	default:
		return nil
	}
}

// DailyCadence recurs every day.
type DailyCadence struct{}

func (DailyCadence) Due(start, date schedule.Date) bool { return true }

// AlternateDayCadence recurs every second day counted from the start date.
type AlternateDayCadence struct{}

func (AlternateDayCadence) Due(start, date schedule.Date) bool {
	return date.DaysSince(start)%2 == 0
}

// WeeklyCadence recurs on the start date's weekday.
type WeeklyCadence struct{}

func (WeeklyCadence) Due(start, date schedule.Date) bool {
	return date.Weekday() == start.Weekday()
}

// MonthlyCadence recurs on the start date's day of month. In months too
// short for that day it falls on the month's last day.
type MonthlyCadence struct{}

func (MonthlyCadence) Due(start, date schedule.Date) bool {
	day := start.Day
	if last := date.DaysInMonth(); day > last {
		day = last
	}
	return date.Day == day
}
