// Package admin exposes the operator HTTP API: status, manual commands,
// synthetic events, pattern runs, emergency stop, limits and history.
//
// Every route except /v1/health requires an HS256 bearer token when a JWT
// secret is configured. Errors use the envelope
//
//	{"error": {"code": "...", "message": "..."}}
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/ltth/actuator/internal/command"
	"github.com/ltth/actuator/internal/engine"
	"github.com/ltth/actuator/internal/pattern"
	"github.com/ltth/actuator/internal/queue"
	"github.com/ltth/actuator/internal/safety"
	"github.com/ltth/actuator/internal/store"
)

// Core is the part of the engine the API drives.
type Core interface {
	Snapshot() engine.Status
	Devices(ctx context.Context) ([]command.Device, error)
	HandleEvent(ev command.Event) ([]queue.Receipt, error)
	Trigger(cmd command.Command) (queue.Receipt, error)
	StartPattern(name, deviceID string) (string, error)
	CancelPattern(runID string) error
	EmergencyStop(ctx context.Context) error
	ClearEmergencyStop() bool
	UpdateLimits(l safety.Limits) error
}

// History reads the audit log. Nil disables GET /v1/history.
type History interface {
	ListTransitions(ctx context.Context, f store.Filter) ([]store.Transition, error)
}

// Config for the admin handler.
type Config struct {
	Core      Core
	History   History
	JWTSecret string
	Logger    *slog.Logger
	Now       func() time.Time
}

type server struct {
	core    Core
	history History
	logger  *slog.Logger
	now     func() time.Time
}

// New returns the admin HTTP handler.
func New(cfg Config) http.Handler {
	s := &server{
		core:    cfg.Core,
		history: cfg.History,
		logger:  cfg.Logger,
		now:     cfg.Now,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.now == nil {
		s.now = time.Now
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/v1/health", s.health)

	r.Group(func(r chi.Router) {
		r.Use(newAuthMiddleware(cfg.JWTSecret))

		r.Get("/v1/status", s.status)
		r.Get("/v1/devices", s.devices)
		r.Post("/v1/emergency-stop", s.emergencyStop)
		r.Delete("/v1/emergency-stop", s.clearEmergencyStop)
		r.Post("/v1/commands", s.trigger)
		r.Post("/v1/events", s.event)
		r.Post("/v1/patterns/{name}/runs", s.startPattern)
		r.Delete("/v1/runs/{id}", s.cancelRun)
		r.Put("/v1/limits", s.updateLimits)
		r.Get("/v1/history", s.listHistory)
	})

	return r
}

func (s *server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("admin request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func (s *server) health(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *server) status(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.core.Snapshot())
}

func (s *server) devices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.core.Devices(r.Context())
	if err != nil {
		s.handleError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"devices": devices})
}

func (s *server) emergencyStop(w http.ResponseWriter, r *http.Request) {
	p := principalFromContext(r.Context())
	s.logger.Warn("emergency stop requested via admin API", "subject", p.Subject)

	err := s.core.EmergencyStop(r.Context())
	body := map[string]any{"emergency_stop": true}
	if err != nil {
		// The flag is raised even when some Stops could not be queued.
		body["error"] = err.Error()
	}
	respondJSON(w, http.StatusOK, body)
}

func (s *server) clearEmergencyStop(w http.ResponseWriter, r *http.Request) {
	cleared := s.core.ClearEmergencyStop()
	s.logger.Info("emergency stop cleared via admin API",
		"subject", principalFromContext(r.Context()).Subject,
		"was_active", cleared,
	)
	respondJSON(w, http.StatusOK, map[string]any{"emergency_stop": false, "cleared": cleared})
}

type commandRequest struct {
	DeviceID   string       `json:"device_id"`
	Kind       command.Kind `json:"kind"`
	Intensity  int          `json:"intensity"`
	DurationMs int          `json:"duration_ms"`
	Priority   *int         `json:"priority,omitempty"`
}

func (s *server) trigger(w http.ResponseWriter, r *http.Request) {
	var req commandRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	cmd := command.New(req.DeviceID, req.Kind, req.Intensity, req.DurationMs, s.now())
	if req.Kind == command.KindStop {
		cmd = command.Stop(req.DeviceID, command.SourceManual, s.now())
	} else if req.Priority != nil {
		cmd = cmd.WithPriority(*req.Priority)
	}
	cmd = cmd.WithOrigin(principalFromContext(r.Context()).Subject, command.SourceManual)

	receipt, err := s.core.Trigger(cmd)
	if err != nil {
		s.handleError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, receipt)
}

type eventResponse struct {
	Receipts []queue.Receipt `json:"receipts"`
	Error    string          `json:"error,omitempty"`
}

func (s *server) event(w http.ResponseWriter, r *http.Request) {
	var ev command.Event
	if !decodeJSON(w, r, &ev) {
		return
	}
	if !ev.Type.Valid() {
		respondError(w, http.StatusBadRequest, "bad_request", "event type is required")
		return
	}

	receipts, err := s.core.HandleEvent(ev)
	resp := eventResponse{Receipts: receipts}
	if resp.Receipts == nil {
		resp.Receipts = []queue.Receipt{}
	}
	if err != nil {
		resp.Error = err.Error()
	}
	respondJSON(w, http.StatusAccepted, resp)
}

type patternRunRequest struct {
	DeviceID string `json:"device_id"`
}

func (s *server) startPattern(w http.ResponseWriter, r *http.Request) {
	var req patternRunRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	runID, err := s.core.StartPattern(chi.URLParam(r, "name"), req.DeviceID)
	if err != nil {
		s.handleError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, map[string]string{"run_id": runID})
}

func (s *server) cancelRun(w http.ResponseWriter, r *http.Request) {
	if err := s.core.CancelPattern(chi.URLParam(r, "id")); err != nil {
		s.handleError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) updateLimits(w http.ResponseWriter, r *http.Request) {
	limits := s.core.Snapshot().Safety.Limits
	if !decodeJSON(w, r, &limits) {
		return
	}
	if err := s.core.UpdateLimits(limits); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_limits", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, limits)
}

func (s *server) listHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		respondError(w, http.StatusNotFound, "not_found", "history is not enabled")
		return
	}

	q := r.URL.Query()
	f := store.Filter{
		DeviceID: q.Get("device"),
		ItemID:   q.Get("item"),
		State:    q.Get("state"),
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "bad_request", "limit must be a positive integer")
			return
		}
		f.Limit = n
	}

	transitions, err := s.history.ListTransitions(r.Context(), f)
	if err != nil {
		s.handleError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"transitions": transitions})
}

func (s *server) handleError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, command.ErrInvalidCommand):
		respondError(w, http.StatusBadRequest, "bad_request", err.Error())
	case errors.Is(err, pattern.ErrUnknownPattern), errors.Is(err, pattern.ErrRunNotFound):
		respondError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, queue.ErrQueueStopped):
		respondError(w, http.StatusServiceUnavailable, "unavailable", err.Error())
	default:
		s.logger.Error("admin request failed", "error", err)
		respondError(w, http.StatusInternalServerError, "internal_error", "internal error")
	}
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, map[string]errorBody{"error": {Code: code, Message: message}})
}

func respondJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		respondError(w, http.StatusBadRequest, "bad_request", "invalid request body: "+err.Error())
		return false
	}
	return true
}
