// Package api provides HTTP handlers for the chat API.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/mira/internal/domain"
	"github.com/ashureev/mira/internal/identity"
	"github.com/ashureev/mira/internal/orchestrator"
	"github.com/ashureev/mira/internal/presence"
	"github.com/ashureev/mira/internal/store"
	"github.com/ashureev/mira/internal/turnstate"
)

// Turns is the orchestrator surface the REST endpoints use.
type Turns interface {
	SubmitUserMessage(ctx context.Context, req orchestrator.SubmitRequest) (orchestrator.Accepted, error)
	State(ctx context.Context, sessionID string) (turnstate.Snapshot, error)
}

// Presence lists connected sessions.
type Presence interface {
	Snapshot() []presence.Online
}

// ProactiveTrigger starts a proactive turn on demand.
type ProactiveTrigger interface {
	TriggerNow(ctx context.Context, sessionID string, category domain.Category) (orchestrator.Outcome, error)
}

// Limiter throttles submissions per user.
type Limiter interface {
	Allow(key string) bool
}

// Handler provides common handler utilities.
type Handler struct {
	repo     store.Repository
	turns    Turns
	presence Presence
	trigger  ProactiveTrigger
	limiter  Limiter
	logger   *slog.Logger
}

// Deps wires a Handler. Presence, Trigger and Limiter are optional.
type Deps struct {
	Repo     store.Repository
	Turns    Turns
	Presence Presence
	Trigger  ProactiveTrigger
	Limiter  Limiter
	Logger   *slog.Logger
}

// NewHandler creates a new Handler with common dependencies.
func NewHandler(deps Deps) *Handler {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Handler{
		repo:     deps.Repo,
		turns:    deps.Turns,
		presence: deps.Presence,
		trigger:  deps.Trigger,
		limiter:  deps.Limiter,
		logger:   deps.Logger,
	}
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// ownedSession loads the session named by the {id} URL parameter and checks
// it belongs to the caller. On failure it writes the response and returns nil.
func (h *Handler) ownedSession(w http.ResponseWriter, r *http.Request) *domain.Session {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return nil
	}
	sessionID := identity.SanitizeSessionID(chi.URLParam(r, "id"))
	if sessionID == "" {
		Error(w, http.StatusBadRequest, "invalid session id")
		return nil
	}

	sess, err := h.repo.GetSession(r.Context(), sessionID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		Error(w, http.StatusNotFound, "session not found")
		return nil
	case err != nil:
		h.logger.Error("Failed to load session", "session_id", sessionID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to load session")
		return nil
	case !sess.OwnedBy(userID):
		Error(w, http.StatusForbidden, "forbidden")
		return nil
	}
	return sess
}
