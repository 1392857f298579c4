// Package recurrence expands medication orders into the concrete doses due
// on a calendar date in the facility's local time.
package recurrence

import (
	"fmt"
	"time"

	"github.com/carehome/medround/internal/domain/medication"
	"github.com/carehome/medround/internal/schedule"
)

// Dose is one scheduled administration on a date
type Dose struct {
	Date  schedule.Date
	Clock schedule.ClockTime
	// At is the local instant of the dose in the facility zone
	At time.Time
}

// Expander turns orders into doses for the facility's time zone
type Expander struct {
	loc *time.Location
}

// NewExpander creates an expander for the facility location
func NewExpander(loc *time.Location) *Expander {
	if loc == nil {
		loc = time.UTC
	}
	return &Expander{loc: loc}
}

// Location returns the facility location
func (e *Expander) Location() *time.Location { return e.loc }

// Expand returns the doses order has on date, sorted by clock time with
// duplicates removed. Orders that are not active, not valid on date, PRN or
// off-cadence yield no doses. A malformed order yields a validation error.
func (e *Expander) Expand(order *medication.Order, date schedule.Date) ([]Dose, error) {
	if err := order.Validate(); err != nil {
		return nil, err
	}

	if !order.IsActive() || order.IsPRN() || !order.ValidOn(date, e.loc) {
		return nil, nil
	}

	cadence := CadenceFor(order.Frequency)
	if cadence == nil {
		return nil, &medication.ValidationError{
			OrderID:    order.ID,
			Violations: []string{fmt.Sprintf("frequency %q has no schedule cadence", order.Frequency)},
		}
	}

	start := schedule.DateOf(order.StartDate, e.loc)
	if !cadence.Due(start, date) {
		return nil, nil
	}

	clocks, err := order.ClockTimes()
	if err != nil {
		return nil, &medication.ValidationError{OrderID: order.ID, Violations: []string{err.Error()}}
	}

	doses := make([]Dose, 0, len(clocks))
	for _, c := range clocks {
		doses = append(doses, Dose{
			Date:  date,
			Clock: c,
			At:    date.At(c, e.loc),
		})
	}
	return doses, nil
}
