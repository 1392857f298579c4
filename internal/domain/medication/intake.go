package medication

import (
	"time"

	"github.com/google/uuid"

	"github.com/carehome/medround/internal/schedule"
	"github.com/carehome/medround/pkg/idempotency"
)

// AdministrationStatus is set by the staff administration workflow
type AdministrationStatus string

const (
	AdministrationPending      AdministrationStatus = "pending"
	AdministrationAdministered AdministrationStatus = "administered"
	AdministrationMissed       AdministrationStatus = "missed"
	AdministrationSkipped      AdministrationStatus = "skipped"
)

// IntakeRecord is one concrete dose due at a scheduled local date and time.
// Records are immutable once created and survive cancellation of their order.
type IntakeRecord struct {
	ID            uuid.UUID            `json:"id"`
	OrderID       string               `json:"order_id"`
	ResidentID    string               `json:"resident_id"`
	ScheduledDate schedule.Date        `json:"scheduled_date"`
	ScheduledTime string               `json:"scheduled_time"`
	ScheduledAt   time.Time            `json:"scheduled_at"`
	Shift         schedule.Shift       `json:"shift"`
	ShiftDate     schedule.Date        `json:"shift_date"`
	Status        AdministrationStatus `json:"status"`
	CreatedAt     time.Time            `json:"created_at"`
}

// NewIntakeRecord assembles a pending record for order at the given local
// date and clock time, attributed to shift and shiftDate.
func NewIntakeRecord(order *Order, date schedule.Date, clock schedule.ClockTime, at time.Time, shift schedule.Shift, shiftDate schedule.Date, now time.Time) *IntakeRecord {
	key := IntakeKey(order.ID, date, clock)
	return &IntakeRecord{
		ID:            idempotency.RecordID(key),
		OrderID:       order.ID,
		ResidentID:    order.ResidentID,
		ScheduledDate: date,
		ScheduledTime: clock.String(),
		ScheduledAt:   at,
		Shift:         shift,
		ShiftDate:     shiftDate,
		Status:        AdministrationPending,
		CreatedAt:     now.UTC(),
	}
}

// Key returns the record's idempotency key.
func (r *IntakeRecord) Key() string {
	return idempotency.IntakeKey(r.OrderID, r.ScheduledDate.String(), r.ScheduledTime)
}

// IntakeKey returns the idempotency key for (order, date, time).
func IntakeKey(orderID string, date schedule.Date, clock schedule.ClockTime) string {
	return idempotency.IntakeKey(orderID, date.String(), clock.String())
}
