// Package memory provides in-process fakes of the order repository and the
// generation ledger for tests, with injectable failures.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/carehome/medround/internal/domain/medication"
	"github.com/carehome/medround/internal/schedule"
	"github.com/carehome/medround/pkg/idempotency"
)

type recordKey struct {
	orderID string
	date    schedule.Date
	time    string
}

type injected struct {
	err       error
	remaining int // <0 means forever
}

func (i *injected) take() error {
	if i == nil || i.remaining == 0 {
		return nil
	}
	if i.remaining > 0 {
		i.remaining--
	}
	return i.err
}

// Repository is a thread-safe in-memory medication.Repository
type Repository struct {
	loc *time.Location

	mu      sync.RWMutex
	orders  map[string]*medication.Order
	records map[recordKey]*medication.IntakeRecord
	events  []*medication.Event

	queryFault  *injected
	insertFault map[string]*injected
	insertCalls map[string]int
}

// NewRepository creates an empty repository evaluating validity windows in loc
func NewRepository(loc *time.Location) *Repository {
	if loc == nil {
		loc = time.UTC
	}
	return &Repository{
		loc:         loc,
		orders:      make(map[string]*medication.Order),
		records:     make(map[recordKey]*medication.IntakeRecord),
		insertFault: make(map[string]*injected),
		insertCalls: make(map[string]int),
	}
}

// PutOrder creates or replaces an order
func (r *Repository) PutOrder(o *medication.Order) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *o
	cp.Times = append([]string(nil), o.Times...)
	r.orders[o.ID] = &cp
}

// FailQueries makes the next n QueryActiveOrders calls return err.
// A negative n fails every call until cleared with n == 0.
func (r *Repository) FailQueries(err error, n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queryFault = &injected{err: err, remaining: n}
}

// FailInserts makes the next n inserts for orderID return err.
// A negative n fails every insert for the order.
func (r *Repository) FailInserts(orderID string, err error, n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.insertFault[orderID] = &injected{err: err, remaining: n}
}

// InsertCalls returns how many inserts were attempted for orderID
func (r *Repository) InsertCalls(orderID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.insertCalls[orderID]
}

// QueryActiveOrders implements medication.Repository
func (r *Repository) QueryActiveOrders(ctx context.Context, date schedule.Date) ([]*medication.Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.queryFault.take(); err != nil {
		return nil, fmt.Errorf("query active orders: %w", err)
	}

	var out []*medication.Order
	for _, o := range r.orders {
		if o.IsActive() && o.ValidOn(date, r.loc) {
			cp := *o
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// GetOrder implements medication.Repository
func (r *Repository) GetOrder(ctx context.Context, id string) (*medication.Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	o, ok := r.orders[id]
	if !ok {
		return nil, medication.ErrOrderNotFound
	}
	cp := *o
	return &cp, nil
}

// InsertIntakeRecordIfAbsent implements medication.Repository. A newly
// inserted record also queues an IntakeScheduled event.
func (r *Repository) InsertIntakeRecordIfAbsent(ctx context.Context, rec *medication.IntakeRecord) (medication.InsertOutcome, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.insertCalls[rec.OrderID]++
	if err := r.insertFault[rec.OrderID].take(); err != nil {
		return 0, fmt.Errorf("insert intake record: %w", err)
	}

	key := recordKey{orderID: rec.OrderID, date: rec.ScheduledDate, time: rec.ScheduledTime}
	if _, exists := r.records[key]; exists {
		return medication.AlreadyExists, nil
	}

	evt, err := medication.NewIntakeScheduledEvent(rec)
	if err != nil {
		return 0, fmt.Errorf("build intake event: %w", err)
	}

	cp := *rec
	r.records[key] = &cp
	r.events = append(r.events, evt)
	return medication.Inserted, nil
}

// ListIntakeRecords implements medication.Repository
func (r *Repository) ListIntakeRecords(ctx context.Context, residentID string, from, to schedule.Date) ([]*medication.IntakeRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*medication.IntakeRecord
	for _, rec := range r.records {
		if rec.ResidentID != residentID || rec.ScheduledDate.Before(from) || rec.ScheduledDate.After(to) {
			continue
		}
		cp := *rec
		out = append(out, &cp)
	}
	sortRecords(out)
	return out, nil
}

// Records returns every stored record ordered by date, time and order
func (r *Repository) Records() []*medication.IntakeRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*medication.IntakeRecord, 0, len(r.records))
	for _, rec := range r.records {
		cp := *rec
		out = append(out, &cp)
	}
	sortRecords(out)
	return out
}

// Events returns the queued IntakeScheduled events in insertion order
func (r *Repository) Events() []*medication.Event {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*medication.Event(nil), r.events...)
}

func sortRecords(recs []*medication.IntakeRecord) {
	sort.Slice(recs, func(i, j int) bool {
		a, b := recs[i], recs[j]
		if c := a.ScheduledDate.Compare(b.ScheduledDate); c != 0 {
			return c < 0
		}
		if a.ScheduledTime != b.ScheduledTime {
			return a.ScheduledTime < b.ScheduledTime
		}
		return a.OrderID < b.OrderID
	})
}

// LedgerStore is an in-memory idempotency.Store
type LedgerStore struct {
	mu      sync.Mutex
	entries map[string]idempotency.Status
	fault   *injected
}

// NewLedgerStore creates an empty ledger
func NewLedgerStore() *LedgerStore {
	return &LedgerStore{entries: make(map[string]idempotency.Status)}
}

// Fail makes the next n ledger calls return err; negative n fails forever
func (l *LedgerStore) Fail(err error, n int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.fault = &injected{err: err, remaining: n}
}

// Status implements idempotency.Store
func (l *LedgerStore) Status(ctx context.Context, key string) (idempotency.Status, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.fault.take(); err != nil {
		return idempotency.StatusNone, err
	}
	return l.entries[key], nil
}

// SetStatus implements idempotency.Store
func (l *LedgerStore) SetStatus(ctx context.Context, key string, status idempotency.Status, detail string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.fault.take(); err != nil {
		return err
	}
	l.entries[key] = status
	return nil
}

// Len returns the number of ledger entries
func (l *LedgerStore) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
