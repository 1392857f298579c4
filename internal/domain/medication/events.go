package medication

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/carehome/medround/internal/schedule"
)

// EventType represents the type of domain event
type EventType string

const (
	EventIntakeScheduled EventType = "IntakeScheduled"
	EventOrderChanged    EventType = "OrderChanged"
)

// Event represents a domain event
type Event struct {
	ID            string          `json:"id"`
	AggregateID   string          `json:"aggregate_id"`
	AggregateType string          `json:"aggregate_type"`
	EventType     EventType       `json:"event_type"`
	EventData     json.RawMessage `json:"event_data"`
	Timestamp     time.Time       `json:"timestamp"`
	CorrelationID string          `json:"correlation_id,omitempty"`
}

// NewEvent creates a new event for an order
func NewEvent(orderID string, eventType EventType, data interface{}) (*Event, error) {
	eventData, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Event{
		ID:            uuid.New().String(),
		AggregateID:   orderID,
		AggregateType: "MedicationOrder",
		EventType:     eventType,
		EventData:     eventData,
		Timestamp:     time.Now().UTC(),
	}, nil
}

// IntakeScheduledData is published once per newly created intake record
type IntakeScheduledData struct {
	RecordID      string         `json:"record_id"`
	OrderID       string         `json:"order_id"`
	ResidentID    string         `json:"resident_id"`
	ScheduledDate schedule.Date  `json:"scheduled_date"`
	ScheduledTime string         `json:"scheduled_time"`
	ScheduledAt   time.Time      `json:"scheduled_at"`
	Shift         schedule.Shift `json:"shift"`
	ShiftDate     schedule.Date  `json:"shift_date"`
}

// NewIntakeScheduledEvent builds the event announcing rec
func NewIntakeScheduledEvent(rec *IntakeRecord) (*Event, error) {
	return NewEvent(rec.OrderID, EventIntakeScheduled, &IntakeScheduledData{
		RecordID:      rec.ID.String(),
		OrderID:       rec.OrderID,
		ResidentID:    rec.ResidentID,
		ScheduledDate: rec.ScheduledDate,
		ScheduledTime: rec.ScheduledTime,
		ScheduledAt:   rec.ScheduledAt,
		Shift:         rec.Shift,
		ShiftDate:     rec.ShiftDate,
	})
}

// OrderChangedData is received from the clinician system whenever an order
// is created, edited, activated, completed or cancelled.
type OrderChangedData struct {
	OrderID    string `json:"order_id"`
	ResidentID string `json:"resident_id,omitempty"`
	Status     Status `json:"status,omitempty"`
	// Date optionally pins the date to regenerate; today when empty
	Date string `json:"date,omitempty"`
}
