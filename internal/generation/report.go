package generation

import (
	"time"

	"github.com/carehome/medround/internal/schedule"
)

// FailureKind classifies why an order could not be generated
type FailureKind string

const (
	// FailureTransient means the repository kept failing after retries
	FailureTransient FailureKind = "transient"
	// FailureValidation means the order itself is malformed
	FailureValidation FailureKind = "validation"
	// FailureRejected means the database refused the record's data
	FailureRejected FailureKind = "rejected"
	// FailureAborted means the run stopped before the order completed
	FailureAborted FailureKind = "aborted"
)

// Failure is one order that did not generate
type Failure struct {
	OrderID  string      `json:"order_id"`
	Kind     FailureKind `json:"kind"`
	Error    string      `json:"error"`
	Attempts int         `json:"attempts"`
}

// Report summarises one generation run. Every considered order ends up in
// exactly one of OrdersProcessed, OrdersSkipped or Failures.
type Report struct {
	TargetDate       schedule.Date `json:"target_date"`
	StartedAt        time.Time     `json:"started_at"`
	FinishedAt       time.Time     `json:"finished_at"`
	OrdersConsidered int           `json:"orders_considered"`
	OrdersProcessed  int           `json:"orders_processed"`
	OrdersSkipped    int           `json:"orders_skipped"`
	RecordsCreated   int           `json:"records_created"`
	RecordsExisting  int           `json:"records_existing"`
	Failures         []Failure     `json:"failures"`
	Aborted          bool          `json:"aborted"`
}

// Succeeded reports whether every considered order was handled
func (r *Report) Succeeded() bool {
	return !r.Aborted && len(r.Failures) == 0
}

// Duration returns the wall time of the run
func (r *Report) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// FailedOrderIDs returns the IDs of failed orders in report order
func (r *Report) FailedOrderIDs() []string {
	ids := make([]string, 0, len(r.Failures))
	for _, f := range r.Failures {
		ids = append(ids, f.OrderID)
	}
	return ids
}

func (r *Report) countFailures(kind FailureKind) int {
	n := 0
	for _, f := range r.Failures {
		if f.Kind == kind {
			n++
		}
	}
	return n
}
