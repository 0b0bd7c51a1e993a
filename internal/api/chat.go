package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/mira/internal/domain"
	"github.com/ashureev/mira/internal/identity"
	"github.com/ashureev/mira/internal/orchestrator"
)

const (
	defaultMessageLimit = 50
	maxMessageLimit     = 200
	maxBodyBytes        = 16 << 10
)

// ChatHandler serves session and message endpoints.
type ChatHandler struct {
	*Handler
}

// NewChatHandler creates a chat handler.
func NewChatHandler(base *Handler) *ChatHandler {
	return &ChatHandler{Handler: base}
}

// RegisterRoutes registers chat routes.
func (h *ChatHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Get("/session", h.CurrentSession)
		r.Route("/sessions/{id}", func(r chi.Router) {
			r.Get("/messages", h.ListMessages)
			r.Post("/messages", h.PostMessage)
			r.Get("/state", h.GetState)
		})
	})
}

type sessionResponse struct {
	Session  *domain.Session   `json:"session"`
	Created  bool              `json:"created"`
	Messages []*domain.Message `json:"messages,omitempty"`
}

// CurrentSession returns the caller's latest active session, creating one if
// needed. ?messages=N includes the N most recent messages.
func (h *ChatHandler) CurrentSession(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	sess, created, err := h.repo.LatestOrCreateSession(r.Context(), userID)
	if err != nil {
		h.logger.Error("Failed to resolve session", "user_id", userID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to resolve session")
		return
	}

	resp := sessionResponse{Session: sess, Created: created}
	if n := parseLimit(r.URL.Query().Get("messages"), 0); n > 0 {
		msgs, err := h.repo.RecentMessages(r.Context(), sess.ID, n)
		if err != nil {
			h.logger.Error("Failed to load messages", "session_id", sess.ID, "error", err)
			Error(w, http.StatusInternalServerError, "failed to load messages")
			return
		}
		resp.Messages = msgs
	}
	JSON(w, http.StatusOK, resp)
}

// ListMessages returns the most recent messages of a session, oldest first.
func (h *ChatHandler) ListMessages(w http.ResponseWriter, r *http.Request) {
	sess := h.ownedSession(w, r)
	if sess == nil {
		return
	}
	limit := parseLimit(r.URL.Query().Get("limit"), defaultMessageLimit)
	msgs, err := h.repo.RecentMessages(r.Context(), sess.ID, limit)
	if err != nil {
		h.logger.Error("Failed to load messages", "session_id", sess.ID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to load messages")
		return
	}
	if msgs == nil {
		msgs = []*domain.Message{}
	}
	JSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

type postMessageRequest struct {
	Content         string `json:"content"`
	ContentType     string `json:"content_type"`
	ClientMessageID string `json:"client_message_id"`
}

type postMessageResponse struct {
	Message   *domain.Message `json:"message"`
	Duplicate bool            `json:"duplicate"`
}

// PostMessage submits a user message through the same path as the socket.
// The reply arrives asynchronously over connected channels.
func (h *ChatHandler) PostMessage(w http.ResponseWriter, r *http.Request) {
	sess := h.ownedSession(w, r)
	if sess == nil {
		return
	}
	userID := identity.UserIDFromContext(r.Context())
	if h.limiter != nil && !h.limiter.Allow(userID) {
		Error(w, http.StatusTooManyRequests, "rate_limited")
		return
	}

	var req postMessageRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	acc, err := h.turns.SubmitUserMessage(r.Context(), orchestrator.SubmitRequest{
		SessionID:       sess.ID,
		Content:         req.Content,
		ContentType:     domain.ContentType(req.ContentType),
		ClientMessageID: req.ClientMessageID,
	})
	switch {
	case errors.Is(err, orchestrator.ErrEmptyMessage), errors.Is(err, orchestrator.ErrInvalidContentType):
		Error(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, orchestrator.ErrClosed), orchestrator.StoreUnavailable(err):
		h.logger.Warn("Submission rejected, turn state unavailable", "session_id", sess.ID, "error", err)
		Error(w, http.StatusServiceUnavailable, "busy")
		return
	case err != nil && acc.Message == nil:
		h.logger.Error("Failed to submit message", "session_id", sess.ID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to submit message")
		return
	case err != nil:
		h.logger.Error("Message stored but turn not scheduled", "session_id", sess.ID, "error", err)
	}

	status := http.StatusAccepted
	if acc.Duplicate {
		status = http.StatusOK
	}
	JSON(w, status, postMessageResponse{Message: acc.Message, Duplicate: acc.Duplicate})
}

// GetState reports the session's current turn state.
func (h *ChatHandler) GetState(w http.ResponseWriter, r *http.Request) {
	sess := h.ownedSession(w, r)
	if sess == nil {
		return
	}
	snap, err := h.turns.State(r.Context(), sess.ID)
	if err != nil {
		h.logger.Warn("Failed to read turn state", "session_id", sess.ID, "error", err)
		Error(w, http.StatusServiceUnavailable, "turn state unavailable")
		return
	}
	JSON(w, http.StatusOK, map[string]any{
		"session_id": sess.ID,
		"state":      snap.State(),
		"flags":      snap,
	})
}

func parseLimit(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return fallback
	}
	if n > maxMessageLimit {
		return maxMessageLimit
	}
	return n
}
