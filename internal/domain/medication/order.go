// Package medication implements medication orders and the intake records
// generated from them.
package medication

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/carehome/medround/internal/schedule"
)

// Status represents the lifecycle status of an order
type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// ScheduleType distinguishes fixed-time orders from as-needed ones
type ScheduleType string

const (
	ScheduleScheduled ScheduleType = "scheduled"
	SchedulePRN       ScheduleType = "prn"
)

// Frequency is the clinical dosing frequency of an order
type Frequency string

const (
	FrequencyOnceDaily       Frequency = "once_daily"
	FrequencyTwiceDaily      Frequency = "twice_daily"
	FrequencyThreeTimesDaily Frequency = "three_times_daily"
	FrequencyFourTimesDaily  Frequency = "four_times_daily"
	FrequencyEveryOtherDay   Frequency = "every_other_day"
	FrequencyWeekly          Frequency = "weekly"
	FrequencyMonthly         Frequency = "monthly"
	FrequencyAsNeeded        Frequency = "as_needed"
)

// ErrInvalidTransition is returned when a status change is not allowed
var ErrInvalidTransition = errors.New("invalid order status transition")

// Order is one prescribed course of medication for one resident.
type Order struct {
	ID             string       `json:"id" validate:"required"`
	ResidentID     string       `json:"resident_id" validate:"required"`
	MedicationName string       `json:"medication_name"`
	Dosage         string       `json:"dosage,omitempty"`
	ScheduleType   ScheduleType `json:"schedule_type" validate:"oneof=scheduled prn"`
	Frequency      Frequency    `json:"frequency" validate:"oneof=once_daily twice_daily three_times_daily four_times_daily every_other_day weekly monthly as_needed"`
	Times          []string     `json:"times"` // HH:MM; ignored for prn orders
	StartDate      time.Time    `json:"start_date" validate:"required"`
	EndDate        *time.Time   `json:"end_date,omitempty"`
	Status         Status       `json:"status" validate:"oneof=active completed cancelled"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

// IsActive reports whether the order may generate intake records.
func (o *Order) IsActive() bool {
	return o.Status == StatusActive
}

// IsPRN reports whether the order is administered on demand only.
func (o *Order) IsPRN() bool {
	return o.ScheduleType == SchedulePRN
}

// ValidOn reports whether date lies within the order's validity window,
// comparing calendar days in loc. Both bounds are inclusive.
func (o *Order) ValidOn(date schedule.Date, loc *time.Location) bool {
	if date.Before(schedule.DateOf(o.StartDate, loc)) {
		return false
	}
	if o.EndDate != nil && date.After(schedule.DateOf(*o.EndDate, loc)) {
		return false
	}
	return true
}

// ClockTimes returns the order's times parsed, de-duplicated and sorted.
func (o *Order) ClockTimes() ([]schedule.ClockTime, error) {
	seen := make(map[schedule.ClockTime]bool, len(o.Times))
	clocks := make([]schedule.ClockTime, 0, len(o.Times))
	for _, raw := range o.Times {
		c, err := schedule.ParseClockTime(raw)
		if err != nil {
			return nil, err
		}
		if seen[c] {
			continue
		}
		seen[c] = true
		clocks = append(clocks, c)
	}
	sort.Slice(clocks, func(i, j int) bool { return clocks[i] < clocks[j] })
	return clocks, nil
}

// Complete moves an active order to completed.
func (o *Order) Complete(at time.Time) error {
	return o.transition(StatusCompleted, at)
}

// Cancel moves an active order to cancelled.
func (o *Order) Cancel(at time.Time) error {
	return o.transition(StatusCancelled, at)
}

func (o *Order) transition(to Status, at time.Time) error {
	if o.Status != StatusActive {
		return ErrInvalidTransition
	}
	o.Status = to
	o.UpdatedAt = at.UTC()
	return nil
}

// Fingerprint hashes every field that influences which intake records the
// order generates. Any edit to those fields changes the fingerprint.
func (o *Order) Fingerprint() string {
	times := make([]string, 0, len(o.Times))
	if clocks, err := o.ClockTimes(); err == nil {
		for _, c := range clocks {
			times = append(times, c.String())
		}
	} else {
		times = append(times, o.Times...)
	}

	end := ""
	if o.EndDate != nil {
		end = o.EndDate.UTC().Format(time.RFC3339)
	}

	parts := []string{
		o.ID,
		o.ResidentID,
		string(o.ScheduleType),
		string(o.Frequency),
		strings.Join(times, ","),
		o.StartDate.UTC().Format(time.RFC3339),
		end,
		string(o.Status),
	}

	hash := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(hash[:])
}
