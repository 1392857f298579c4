// Package api assembles the medround HTTP surface.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/carehome/medround/internal/api/handlers"
	"github.com/carehome/medround/internal/api/middleware"
	"github.com/carehome/medround/internal/observability/metrics"
)

// ReadinessCheck reports whether a dependency is usable
type ReadinessCheck func(ctx context.Context) error

// Deps holds everything the router serves
type Deps struct {
	Generator handlers.Generator
	Records   handlers.RecordLister
	Metrics   *metrics.Metrics
	// Gatherer backs /metrics; nil uses the default gatherer
	Gatherer prometheus.Gatherer
	Checks   map[string]ReadinessCheck
	APIKeys  []string
	Logger   *zap.Logger
}

// NewRouter returns the HTTP handler for the service
func NewRouter(d Deps) http.Handler {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := chi.NewRouter()

	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.Recover(logger))
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Tracing("medround-api"))
	if d.Metrics != nil {
		r.Use(middleware.Metrics(d.Metrics))
	}

	// Health check (no auth)
	r.Get("/health", healthHandler)
	r.Get("/ready", readyHandler(d.Checks))
	r.Method(http.MethodGet, "/metrics", metrics.Handler(d.Gatherer))

	generation := handlers.NewGenerationHandler(d.Generator, logger)
	intake := handlers.NewIntakeHandler(d.Records, d.Generator.Today, logger)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.APIKeyAuth(middleware.KeySet(d.APIKeys)))
		r.Mount("/generation", generation.Routes())
		r.Mount("/residents", intake.Routes())
	})

	return r
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"healthy","service":"medround"}`))
}

func readyHandler(checks map[string]ReadinessCheck) http.HandlerFunc {
	names := make([]string, 0, len(checks))
	for name := range checks {
		names = append(names, name)
	}
	sort.Strings(names)

	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := http.StatusOK
		result := make(map[string]string, len(checks))
		for _, name := range names {
			if err := checks[name](ctx); err != nil {
				status = http.StatusServiceUnavailable
				result[name] = err.Error()
				continue
			}
			result[name] = "ok"
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(result)
	}
}
