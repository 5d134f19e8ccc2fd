// Package api is the HTTP boundary: interactive submission, incident reads,
// the live incident feed, health and metrics.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"industrial-sentinel/internal/fanout"
	"industrial-sentinel/internal/ingest"
	"industrial-sentinel/internal/metrics"
	"industrial-sentinel/internal/telemetry"
)

const (
	defaultIncidentLimit = 20
	maxIncidentLimit     = 500
)

type Submitter interface {
	Submit(ctx context.Context, raw telemetry.RawReading, dedupeKey string) ingest.Outcome
}

type IncidentLister interface {
	RecentIncidents(ctx context.Context, limit int) ([]telemetry.Incident, error)
}

type Pinger interface {
	Ping(ctx context.Context) error
}

type Handler struct {
	Gateway   Submitter
	Incidents IncidentLister
	Hub       *fanout.Hub
	Health    Pinger
	Limiter   *rate.Limiter
	Metrics   *metrics.Metrics
	Gatherer  prometheus.Gatherer
	Timeout   time.Duration
	Logger    *slog.Logger
}

type errorResponse struct {
	Ok      bool   `json:"ok"`
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
	Field   string `json:"field,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

type submitResponse struct {
	Ok        bool                 `json:"ok"`
	Duplicate bool                 `json:"duplicate"`
	Reading   telemetry.Reading    `json:"reading"`
	Incidents []telemetry.Incident `json:"incidents"`
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	timeout := h.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(timeout))
		r.Post("/telemetry", h.handleTelemetrySubmit)
		r.Get("/incidents", h.handleIncidentsList)
		r.Get("/healthz", h.handleHealth)
		if h.Gatherer != nil {
			r.Handle("/metrics", promhttp.HandlerFor(h.Gatherer, promhttp.HandlerOpts{}))
		}
	})
	if h.Hub != nil {
		r.Get("/incidents/live", h.handleIncidentsLive)
	}
}

func (h *Handler) logger() *slog.Logger {
	if h.Logger == nil {
		return slog.Default()
	}
	return h.Logger
}

func (h *Handler) handleTelemetrySubmit(w http.ResponseWriter, r *http.Request) {
	if h.Limiter != nil && !h.Limiter.Allow() {
		h.Metrics.RateLimited()
		w.Header().Set("Retry-After", "1")
		writeJSON(w, http.StatusTooManyRequests, errorResponse{Ok: false, Code: "RATE_LIMITED", Message: "too many submissions"})
		return
	}
	var raw telemetry.RawReading
	if err := decodeJSON(r, &raw); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Ok: false, Code: "VALIDATION_FAILED", Field: "payload", Reason: err.Error()})
		return
	}
	dedupeKey := strings.TrimSpace(r.Header.Get("Idempotency-Key"))

	out := h.Gateway.Submit(r.Context(), raw, dedupeKey)
	switch out.State {
	case ingest.StateAcknowledged:
		status := http.StatusCreated
		if out.Result.Duplicate {
			status = http.StatusOK
		}
		incidents := out.Result.Incidents
		if incidents == nil {
			incidents = []telemetry.Incident{}
		}
		writeJSON(w, status, submitResponse{Ok: true, Duplicate: out.Result.Duplicate, Reading: out.Result.Reading, Incidents: incidents})
	case ingest.StateRejected:
		resp := errorResponse{Ok: false, Code: "VALIDATION_FAILED", Message: "reading rejected"}
		if ve, ok := telemetry.AsValidation(out.Err); ok {
			resp.Field = ve.Field
			resp.Reason = ve.Reason
		}
		writeJSON(w, http.StatusBadRequest, resp)
	default:
		if errors.Is(out.Err, ingest.ErrRetriesExhausted) {
			w.Header().Set("Retry-After", "1")
			writeJSON(w, http.StatusServiceUnavailable, errorResponse{Ok: false, Code: "STORE_UNAVAILABLE", Message: "storage is temporarily unavailable"})
			return
		}
		writeJSON(w, http.StatusInternalServerError, errorResponse{Ok: false, Code: "WRITE_FAILED", Message: "failed to store reading"})
	}
}

func (h *Handler) handleIncidentsList(w http.ResponseWriter, r *http.Request) {
	limit := defaultIncidentLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			writeJSON(w, http.StatusBadRequest, errorResponse{Ok: false, Code: "INVALID_LIMIT", Message: "limit must be a positive integer"})
			return
		}
		limit = min(parsed, maxIncidentLimit)
	}
	incidents, err := h.Incidents.RecentIncidents(r.Context(), limit)
	if err != nil {
		h.logger().Error("list incidents failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Ok: false, Code: "LIST_FAILED", Message: "failed to list incidents"})
		return
	}
	writeJSON(w, http.StatusOK, incidents)
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if h.Health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.Health.Ping(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "degraded", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}
