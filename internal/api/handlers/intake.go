package handlers

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/carehome/medround/internal/domain/medication"
	"github.com/carehome/medround/internal/schedule"
)

// maxListDays bounds the range of a single intake record listing
const maxListDays = 31

// RecordLister reads generated intake records
type RecordLister interface {
	ListIntakeRecords(ctx context.Context, residentID string, from, to schedule.Date) ([]*medication.IntakeRecord, error)
}

// IntakeHandler serves generated intake records
type IntakeHandler struct {
	records RecordLister
	today   func() schedule.Date
	logger  *zap.Logger
}

// NewIntakeHandler creates a new handler. today supplies the default range.
func NewIntakeHandler(records RecordLister, today func() schedule.Date, logger *zap.Logger) *IntakeHandler {
	return &IntakeHandler{records: records, today: today, logger: logger}
}

// Routes returns the handler routes
func (h *IntakeHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/{id}/intake-records", h.List)
	return r
}

// ListResponse is the response of an intake record listing
type ListResponse struct {
	ResidentID string                     `json:"resident_id"`
	From       schedule.Date              `json:"from"`
	To         schedule.Date              `json:"to"`
	Records    []*medication.IntakeRecord `json:"records"`
}

// List handles GET /residents/{id}/intake-records?from=&to=
func (h *IntakeHandler) List(w http.ResponseWriter, r *http.Request) {
	residentID := chi.URLParam(r, "id")

	from, to := h.today(), h.today()
	var err error
	if v := r.URL.Query().Get("from"); v != "" {
		if from, err = schedule.ParseDate(v); err != nil {
			jsonError(w, "from must be YYYY-MM-DD", http.StatusBadRequest)
			return
		}
		to = from
	}
	if v := r.URL.Query().Get("to"); v != "" {
		if to, err = schedule.ParseDate(v); err != nil {
			jsonError(w, "to must be YYYY-MM-DD", http.StatusBadRequest)
			return
		}
	}
	if to.Before(from) {
		jsonError(w, "to is before from", http.StatusBadRequest)
		return
	}
	if to.DaysSince(from) >= maxListDays {
		jsonError(w, "range exceeds 31 days", http.StatusBadRequest)
		return
	}

	records, err := h.records.ListIntakeRecords(r.Context(), residentID, from, to)
	if err != nil {
		h.logger.Error("list intake records failed",
			zap.String("resident_id", residentID), zap.Error(err))
		jsonError(w, "failed to list intake records", http.StatusInternalServerError)
		return
	}
	if records == nil {
		records = []*medication.IntakeRecord{}
	}

	writeJSON(w, http.StatusOK, ListResponse{
		ResidentID: residentID,
		From:       from,
		To:         to,
		Records:    records,
	})
}
