// Package ops exposes the operator diagnostic HTTP surface: health probes,
// scheduled-job statistics, dead-letter inspection, and the per-tenant
// message log. It is an internal surface, deployed behind the platform
// ingress with no tenant-facing routes.
package ops

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"bizflow/internal/broker"
	"bizflow/internal/types"
)

// JobStats provides scheduled-job aggregates, satisfied by
// db.ScheduledJobRepository.
type JobStats interface {
	CountByTypeAndStatus(ctx context.Context) ([]types.JobStatusCounts, error)
}

// MessageLogReader lists recent message log entries, satisfied by
// db.MessageLogRepository.
type MessageLogReader interface {
	ListRecent(ctx context.Context, businessID string, limit int) ([]*types.MessageLogEntry, error)
}

// Pinger is a connectivity probe; the DB pool and the broker both provide one.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server is the ops HTTP server.
type Server struct {
	http   *http.Server
	logger types.Logger
}

// Handler bundles the dependencies behind the ops routes.
type Handler struct {
	db     Pinger
	broker broker.Broker
	stats  JobStats
	msgLog MessageLogReader
	logger types.Logger
}

// NewHandler creates the ops Handler.
func NewHandler(db Pinger, b broker.Broker, stats JobStats, msgLog MessageLogReader, logger types.Logger) *Handler {
	return &Handler{db: db, broker: b, stats: stats, msgLog: msgLog, logger: logger}
}

// NewServer builds the ops HTTP server on the given port.
func NewServer(port string, h *Handler, logger types.Logger) *Server {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(15 * time.Second))

	h.RegisterRoutes(r)

	return &Server{
		http: &http.Server{
			Addr:              ":" + port,
			Handler:           r,
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: logger,
	}
}

// Run serves until ctx is cancelled, then drains with a shutdown grace period.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("ops server listening", "addr", s.http.Addr)
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	}
}

// RegisterRoutes mounts the ops routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/healthz", h.Health)
	r.Route("/ops", func(r chi.Router) {
		r.Get("/jobs/stats", h.JobStats)
		r.Get("/queues/{queue}/dead-letters", h.DeadLetters)
		r.Get("/businesses/{businessID}/messages", h.Messages)
	})
}

// Health reports DB and broker connectivity. Either dependency down returns
// 503 so the orchestrator restarts or reroutes.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	status := map[string]string{"database": "ok", "broker": "ok"}
	code := http.StatusOK

	if err := h.db.Ping(ctx); err != nil {
		status["database"] = err.Error()
		code = http.StatusServiceUnavailable
	}
	if err := h.broker.Ping(ctx); err != nil {
		status["broker"] = err.Error()
		code = http.StatusServiceUnavailable
	}

	respondJSON(w, code, status)
}

// JobStats returns scheduled-job counts grouped by type and status.
func (h *Handler) JobStats(w http.ResponseWriter, r *http.Request) {
	counts, err := h.stats.CountByTypeAndStatus(r.Context())
	if err != nil {
		h.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"counts": counts})
}

// DeadLetters lists dead-lettered tasks for one queue.
func (h *Handler) DeadLetters(w http.ResponseWriter, r *http.Request) {
	queue := chi.URLParam(r, "queue")
	switch queue {
	case types.QueuePaymentReminders, types.QueueFollowUps, types.QueueBookingReminders:
	default:
		respondJSON(w, http.StatusNotFound, map[string]string{"error": "unknown queue"})
		return
	}

	tasks, err := h.broker.DeadLetters(r.Context(), queue, 50)
	if err != nil {
		h.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"queue": queue, "tasks": tasks})
}

// Messages lists the newest message log entries for a business.
func (h *Handler) Messages(w http.ResponseWriter, r *http.Request) {
	businessID := chi.URLParam(r, "businessID")
	entries, err := h.msgLog.ListRecent(r.Context(), businessID, 50)
	if err != nil {
		h.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"business_id": businessID, "entries": entries})
}

func (h *Handler) respondError(w http.ResponseWriter, err error) {
	h.logger.Error("ops request failed", "error", err)
	respondJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
}

func respondJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}
