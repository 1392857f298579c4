// Package handlers provides HTTP handlers for the medround API.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/carehome/medround/internal/api/middleware"
	"github.com/carehome/medround/internal/domain/medication"
	"github.com/carehome/medround/internal/generation"
	"github.com/carehome/medround/internal/schedule"
)

var validate = validator.New()

// Generator is the part of generation.Job the API drives
type Generator interface {
	Run(ctx context.Context, date schedule.Date) (*generation.Report, error)
	RunOrder(ctx context.Context, orderID string, date schedule.Date) (*generation.Report, error)
	Today() schedule.Date
}

// GenerationHandler triggers generation runs on demand
type GenerationHandler struct {
	gen    Generator
	logger *zap.Logger
}

// NewGenerationHandler creates a new handler
func NewGenerationHandler(gen Generator, logger *zap.Logger) *GenerationHandler {
	return &GenerationHandler{gen: gen, logger: logger}
}

// Routes returns the handler routes
func (h *GenerationHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/runs", h.Run)
	r.Post("/orders/{id}", h.RunOrder)
	return r
}

// RunRequest is the optional body of a generation request
type RunRequest struct {
	// Date is the target date; today in the facility zone when empty
	Date string `json:"date" validate:"omitempty,datetime=2006-01-02"`
}

// Run handles POST /generation/runs
func (h *GenerationHandler) Run(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	date, ok := h.targetDate(w, r)
	if !ok {
		return
	}
	trace.SpanFromContext(ctx).SetAttributes(attribute.String("target_date", date.String()))

	report, err := h.gen.Run(ctx, date)
	h.respond(w, r, report, err)
}

// RunOrder handles POST /generation/orders/{id}
func (h *GenerationHandler) RunOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	date, ok := h.targetDate(w, r)
	if !ok {
		return
	}
	trace.SpanFromContext(ctx).SetAttributes(
		attribute.String("order_id", id),
		attribute.String("target_date", date.String()))

	report, err := h.gen.RunOrder(ctx, id, date)
	if errors.Is(err, medication.ErrOrderNotFound) {
		jsonError(w, "order not found", http.StatusNotFound)
		return
	}
	h.respond(w, r, report, err)
}

// targetDate reads the date from the body or the date query parameter
func (h *GenerationHandler) targetDate(w http.ResponseWriter, r *http.Request) (schedule.Date, bool) {
	var req RunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return schedule.Date{}, false
	}
	if req.Date == "" {
		req.Date = r.URL.Query().Get("date")
	}
	if err := validate.Struct(req); err != nil {
		jsonError(w, "date must be YYYY-MM-DD", http.StatusBadRequest)
		return schedule.Date{}, false
	}
	if req.Date == "" {
		return h.gen.Today(), true
	}

	date, err := schedule.ParseDate(req.Date)
	if err != nil {
		jsonError(w, "date must be YYYY-MM-DD", http.StatusBadRequest)
		return schedule.Date{}, false
	}
	return date, true
}

func (h *GenerationHandler) respond(w http.ResponseWriter, r *http.Request, report *generation.Report, err error) {
	switch {
	case errors.Is(err, generation.ErrSystemic):
		h.logger.Error("generation aborted",
			zap.String("request_id", middleware.GetRequestID(r.Context())),
			zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, report)
	case err != nil:
		h.logger.Error("generation failed",
			zap.String("request_id", middleware.GetRequestID(r.Context())),
			zap.Error(err))
		jsonError(w, "generation failed", http.StatusInternalServerError)
	default:
		h.logger.Info("generation requested",
			zap.String("request_id", middleware.GetRequestID(r.Context())),
			zap.String("client_id", middleware.GetClientID(r.Context())),
			zap.Stringer("target_date", report.TargetDate),
			zap.Int("records_created", report.RecordsCreated))
		writeJSON(w, http.StatusOK, report)
	}
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func jsonError(w http.ResponseWriter, message string, code int) {
	writeJSON(w, code, map[string]string{"error": message})
}
