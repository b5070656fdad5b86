// Package api exposes the session store over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/user/continuity/internal/session"
	"github.com/user/continuity/internal/types"
)

// Sessions is the subset of *session.Store the API serves.
type Sessions interface {
	Load(ctx context.Context, id types.SessionID, opts ...session.LoadOption) (*types.SessionData, error)
	Save(ctx context.Context, patch *types.SessionPatch) error
	AddMessage(ctx context.Context, id types.SessionID, msg types.Message) error
	GetContext(ctx context.Context, id types.SessionID, limit int) ([]types.Message, error)
	HealthCheck(ctx context.Context) bool
	Diagnostics(ctx context.Context) session.Diagnostics
}

// Fitter trims messages to a token budget.
type Fitter interface {
	Fit(messages []types.Message, budget int) []types.Message
}

const defaultContextLimit = 20

// Server routes HTTP requests to the session store.
type Server struct {
	sessions Sessions
	fitter   Fitter
	router   chi.Router
}

// NewServer creates a Server. fitter may be nil, in which case the tokens
// query parameter is ignored.
func NewServer(sessions Sessions, fitter Fitter) *Server {
	s := &Server{
		sessions: sessions,
		fitter:   fitter,
		router:   chi.NewRouter(),
	}

	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Recoverer)

	s.router.Get("/health", s.handleHealth)
	s.router.Route("/api", func(api chi.Router) {
		api.Get("/diagnostics", s.handleDiagnostics)
		api.Route("/sessions/{sessionID}", func(r chi.Router) {
			r.Get("/", s.handleGetSession)
			r.Patch("/", s.handlePatchSession)
			r.Post("/messages", s.handleAddMessage)
			r.Get("/context", s.handleContext)
		})
	})
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !s.sessions.HealthCheck(r.Context()) {
		respondJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded"})
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleDiagnostics(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.sessions.Diagnostics(r.Context()))
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := types.SessionID(chi.URLParam(r, "sessionID"))
	var opts []session.LoadOption
	if user := r.URL.Query().Get("user"); user != "" {
		opts = append(opts, session.WithUserID(types.UserID(user)))
	}

	data, err := s.sessions.Load(r.Context(), id, opts...)
	if err != nil {
		respondStoreError(w, "load session", id, err)
		return
	}
	respondJSON(w, http.StatusOK, data)
}

func (s *Server) handlePatchSession(w http.ResponseWriter, r *http.Request) {
	id := types.SessionID(chi.URLParam(r, "sessionID"))

	var patch types.SessionPatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	patch.SessionID = id

	if err := s.sessions.Save(r.Context(), &patch); err != nil {
		respondStoreError(w, "save session", id, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAddMessage(w http.ResponseWriter, r *http.Request) {
	id := types.SessionID(chi.URLParam(r, "sessionID"))

	var msg types.Message
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if msg.Role != types.RoleUser && msg.Role != types.RoleAssistant {
		respondError(w, http.StatusBadRequest, "role must be user or assistant")
		return
	}
	if msg.Mode != "" && msg.Mode != types.ModeText && msg.Mode != types.ModeVoice {
		respondError(w, http.StatusBadRequest, "mode must be voice or text")
		return
	}

	if err := s.sessions.AddMessage(r.Context(), id, msg); err != nil {
		respondStoreError(w, "add message", id, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleContext(w http.ResponseWriter, r *http.Request) {
	id := types.SessionID(chi.URLParam(r, "sessionID"))

	limit := defaultContextLimit
	if q := r.URL.Query().Get("limit"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil {
			respondError(w, http.StatusBadRequest, "limit must be an integer")
			return
		}
		limit = n
	}

	messages, err := s.sessions.GetContext(r.Context(), id, limit)
	if err != nil {
		respondStoreError(w, "get context", id, err)
		return
	}

	if q := r.URL.Query().Get("tokens"); q != "" && s.fitter != nil {
		budget, err := strconv.Atoi(q)
		if err != nil || budget <= 0 {
			respondError(w, http.StatusBadRequest, "tokens must be a positive integer")
			return
		}
		messages = s.fitter.Fit(messages, budget)
	}
	respondJSON(w, http.StatusOK, messages)
}

func respondStoreError(w http.ResponseWriter, op string, id types.SessionID, err error) {
	var ce *types.CreationError
	switch {
	case errors.As(err, &ce), errors.Is(err, types.ErrUnavailable):
		slog.Warn(op+" failed", "session_id", string(id), "error", err)
		respondError(w, http.StatusServiceUnavailable, "storage unavailable")
	case errors.Is(err, types.ErrConflict):
		slog.Warn(op+" failed", "session_id", string(id), "error", err)
		respondError(w, http.StatusConflict, "session changed concurrently, retry")
	default:
		slog.Error(op+" failed", "session_id", string(id), "error", err)
		respondError(w, http.StatusInternalServerError, "internal server error")
	}
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("write response failed", "error", err)
	}
}
