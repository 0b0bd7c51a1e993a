package api

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/ashureev/mira/internal/domain"
	"github.com/ashureev/mira/internal/identity"
	"github.com/ashureev/mira/internal/proactive"
	"github.com/ashureev/mira/internal/store"
)

// AdminHandler exposes operator endpoints: online sessions, manual
// proactive turns and user memories.
type AdminHandler struct {
	*Handler
	token    string
	validate *validator.Validate
}

// NewAdminHandler creates an admin handler guarded by a bearer token.
func NewAdminHandler(base *Handler, token string) *AdminHandler {
	return &AdminHandler{
		Handler:  base,
		token:    token,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

// RegisterRoutes registers admin routes. Nothing is mounted without a token.
func (h *AdminHandler) RegisterRoutes(r chi.Router) {
	if h.token == "" {
		h.logger.Info("Admin routes disabled, no ADMIN_TOKEN configured")
		return
	}
	r.Route("/api/admin", func(r chi.Router) {
		r.Use(h.requireToken)
		r.Get("/online", h.Online)
		r.Post("/sessions/{id}/proactive", h.TriggerProactive)
		r.Post("/users/{id}/memories", h.PutMemory)
	})
}

func (h *AdminHandler) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(got), []byte(h.token)) != 1 {
			Error(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Online lists present sessions.
func (h *AdminHandler) Online(w http.ResponseWriter, _ *http.Request) {
	if h.presence == nil {
		JSON(w, http.StatusOK, map[string]any{"sessions": []any{}})
		return
	}
	online := h.presence.Snapshot()
	JSON(w, http.StatusOK, map[string]any{"count": len(online), "sessions": online})
}

type triggerRequest struct {
	Category string `json:"category"`
}

// TriggerProactive starts a proactive turn for a session now, bypassing
// the scheduler's suppression rules.
func (h *AdminHandler) TriggerProactive(w http.ResponseWriter, r *http.Request) {
	if h.trigger == nil {
		Error(w, http.StatusServiceUnavailable, "proactive scheduler disabled")
		return
	}
	sessionID := identity.SanitizeSessionID(chi.URLParam(r, "id"))
	if sessionID == "" {
		Error(w, http.StatusBadRequest, "invalid session id")
		return
	}
	if _, err := h.repo.GetSession(r.Context(), sessionID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			Error(w, http.StatusNotFound, "session not found")
			return
		}
		h.logger.Error("Failed to load session", "session_id", sessionID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to load session")
		return
	}

	var req triggerRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	outcome, err := h.trigger.TriggerNow(r.Context(), sessionID, domain.Category(req.Category))
	switch {
	case errors.Is(err, proactive.ErrUnknownCategory):
		Error(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		h.logger.Error("Manual proactive turn failed", "session_id", sessionID, "error", err)
		Error(w, http.StatusInternalServerError, "trigger failed")
		return
	}
	h.logger.Info("Manual proactive turn", "session_id", sessionID, "category", req.Category, "outcome", outcome)
	JSON(w, http.StatusOK, map[string]any{"session_id": sessionID, "outcome": outcome})
}

type memoryRequest struct {
	Kind       string  `json:"kind" validate:"required,oneof=personal preference relationship event emotion"`
	Key        string  `json:"key" validate:"required,max=64"`
	Value      string  `json:"value" validate:"required,max=500"`
	Importance float64 `json:"importance" validate:"gte=0,lte=1"`
}

// PutMemory records or refreshes one remembered fact about a user. The
// persona sees it in every later turn of that user's sessions.
func (h *AdminHandler) PutMemory(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")
	user, err := h.repo.GetUser(r.Context(), userID)
	if err != nil {
		h.logger.Error("Failed to load user", "user_id", userID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to load user")
		return
	}
	if user == nil {
		Error(w, http.StatusNotFound, "user not found")
		return
	}

	var req memoryRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		Error(w, http.StatusBadRequest, err.Error())
		return
	}

	mem := &domain.Memory{
		UserID:     userID,
		Kind:       domain.MemoryKind(req.Kind),
		Key:        strings.TrimSpace(req.Key),
		Value:      strings.TrimSpace(req.Value),
		Importance: req.Importance,
	}
	if err := h.repo.UpsertMemory(r.Context(), mem); err != nil {
		h.logger.Error("Failed to save memory", "user_id", userID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to save memory")
		return
	}
	h.logger.Info("Memory saved", "user_id", userID, "kind", req.Kind, "key", mem.Key)
	JSON(w, http.StatusOK, mem)
}
