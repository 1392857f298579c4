package medication

import (
	"context"
	"errors"

	"github.com/carehome/medround/internal/schedule"
)

// ErrOrderNotFound is returned when an order does not exist
var ErrOrderNotFound = errors.New("order not found")

// InsertOutcome reports what an idempotent insert did
type InsertOutcome int

const (
	Inserted InsertOutcome = iota
	AlreadyExists
)

func (o InsertOutcome) String() string {
	if o == Inserted {
		return "inserted"
	}
	return "already_exists"
}

// Repository holds medication orders and the intake records generated
// from them.
type Repository interface {
	// QueryActiveOrders returns active orders whose validity window
	// includes date.
	QueryActiveOrders(ctx context.Context, date schedule.Date) ([]*Order, error)
	// GetOrder returns a single order regardless of status.
	GetOrder(ctx context.Context, id string) (*Order, error)
	// InsertIntakeRecordIfAbsent stores rec unless a record with the same
	// (order, date, time) key exists. An existing record is not an error.
	InsertIntakeRecordIfAbsent(ctx context.Context, rec *IntakeRecord) (InsertOutcome, error)
	// ListIntakeRecords returns a resident's records scheduled between
	// from and to inclusive, ordered by scheduled time.
	ListIntakeRecords(ctx context.Context, residentID string, from, to schedule.Date) ([]*IntakeRecord, error)
}
