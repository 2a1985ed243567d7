// Package httpapi exposes research sessions over HTTP: lifecycle control,
// the checkpoint audit trail and live iteration events.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/Jmi2020/KITT-sub000/internal/models"
	"github.com/Jmi2020/KITT-sub000/internal/session"
	"github.com/Jmi2020/KITT-sub000/internal/streaming"
)

// Sessions is the engine surface the API drives. *session.Engine implements it.
type Sessions interface {
	Defaults() models.SessionConfig
	Create(ctx context.Context, owner, query string, cfg models.SessionConfig) (string, error)
	Start(id string)
	Snapshot(ctx context.Context, id string) (*session.State, error)
	History(ctx context.Context, id string) ([]session.HistoryEntry, error)
	Pause(ctx context.Context, id string) (*models.ResearchSession, error)
	Resume(ctx context.Context, id, extraInput string) (*models.ResearchSession, error)
	Cancel(ctx context.Context, id string) (*models.ResearchSession, error)
}

// Handler serves the session API.
type Handler struct {
	sessions  Sessions
	events    *streaming.Manager
	authToken string
	logger    *zap.Logger
}

// NewHandler creates a Handler. An empty authToken disables bearer auth.
func NewHandler(sessions Sessions, events *streaming.Manager, authToken string, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{sessions: sessions, events: events, authToken: authToken, logger: logger}
}

// RegisterRoutes registers the session routes on mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /sessions", h.auth(h.handleCreate))
	mux.HandleFunc("GET /sessions/{id}", h.auth(h.handleGet))
	mux.HandleFunc("GET /sessions/{id}/checkpoints", h.auth(h.handleCheckpoints))
	mux.HandleFunc("GET /sessions/{id}/report", h.auth(h.handleReport))
	mux.HandleFunc("POST /sessions/{id}/pause", h.auth(h.handlePause))
	mux.HandleFunc("POST /sessions/{id}/resume", h.auth(h.handleResume))
	mux.HandleFunc("POST /sessions/{id}/cancel", h.auth(h.handleCancel))
	mux.HandleFunc("GET /sessions/{id}/events", h.auth(h.handleSSE))
	mux.HandleFunc("GET /sessions/{id}/ws", h.auth(h.handleWS))
}

func (h *Handler) auth(next http.HandlerFunc) http.HandlerFunc {
	if h.authToken == "" {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, "Bearer ") || strings.TrimPrefix(header, "Bearer ") != h.authToken {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r)
	}
}

// writeJSON writes a JSON response with status and content-type.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": sanitizeErr(msg)})
}

// sanitizeErr trims error messages for client output (UTF-8 safe).
func sanitizeErr(s string) string {
	runes := []rune(s)
	if len(runes) > 200 {
		return string(runes[:200])
	}
	return s
}

// statusOf maps the engine's error taxonomy onto HTTP statuses.
func statusOf(err error) int {
	var (
		verr *models.ValidationError
		cerr *models.ConfigError
		ierr *models.IntegrityError
	)
	switch {
	case errors.Is(err, models.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.As(err, &verr), errors.As(err, &cerr):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrTerminalSession), errors.Is(err, models.ErrNotPaused),
		errors.Is(err, models.ErrAlreadyPaused), errors.Is(err, models.ErrSessionPaused),
		models.IsConcurrency(err):
		return http.StatusConflict
	case errors.As(err, &ierr):
		return http.StatusUnprocessableEntity
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := statusOf(err)
	if code >= 500 {
		h.logger.Error("Session request failed",
			zap.String("path", r.URL.Path),
			zap.String("session_id", r.PathValue("id")),
			zap.Error(err))
	}
	writeError(w, code, err.Error())
}
