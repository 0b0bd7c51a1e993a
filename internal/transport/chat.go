// Package transport serves the chat WebSocket: it accepts inbound client
// frames and registers the connection as a presence channel for outbound
// turn delivery.
package transport

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/ashureev/mira/internal/domain"
	"github.com/ashureev/mira/internal/identity"
	"github.com/ashureev/mira/internal/orchestrator"
	"github.com/ashureev/mira/internal/presence"
	"github.com/ashureev/mira/internal/proactive"
	"github.com/ashureev/mira/internal/store"
)

// Inbound frame types.
const (
	frameChatMessage = "chat_message"
	frameTyping      = "typing"
	frameReadReceipt = "read_receipt"
	framePing        = "ping"
)

const welcomeTimeout = 30 * time.Second

// Submitter is the orchestrator surface the socket drives.
type Submitter interface {
	SubmitUserMessage(ctx context.Context, req orchestrator.SubmitRequest) (orchestrator.Accepted, error)
	NoteTyping(ctx context.Context, sessionID string) error
}

// Sessions resolves and updates chat sessions.
type Sessions interface {
	GetSession(ctx context.Context, sessionID string) (*domain.Session, error)
	MarkRead(ctx context.Context, sessionID, messageID string) error
}

// Registry tracks live channels.
type Registry interface {
	Attach(userID, sessionID string, ch presence.Channel) bool
	Detach(sessionID string, ch presence.Channel)
}

// Welcomer is notified when a session becomes present.
type Welcomer interface {
	OnSessionPresent(ctx context.Context, sessionID string) (proactive.Decision, error)
}

// Limiter throttles inbound chat messages per user.
type Limiter interface {
	Allow(key string) bool
}

// inbound is one client frame.
type inbound struct {
	Type            string `json:"type"`
	Content         string `json:"content,omitempty"`
	ContentType     string `json:"content_type,omitempty"`
	ClientMessageID string `json:"client_message_id,omitempty"`
	MessageID       string `json:"message_id,omitempty"`
}

// AcceptedPayload is the data of a message_accepted event.
type AcceptedPayload struct {
	MessageID       string    `json:"message_id"`
	ClientMessageID string    `json:"client_message_id,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
	Duplicate       bool      `json:"duplicate,omitempty"`
}

// ErrorPayload is the data of an error event.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ChatHandler handles WebSocket chat connections.
type ChatHandler struct {
	submitter     Submitter
	sessions      Sessions
	registry      Registry
	welcomer      Welcomer
	limiter       Limiter
	allowedOrigin string
	isDev         bool
	logger        *slog.Logger

	wg sync.WaitGroup
}

// Options wires optional collaborators of ChatHandler.
type Options struct {
	Welcomer      Welcomer
	Limiter       Limiter
	AllowedOrigin string
	IsDev         bool
	Logger        *slog.Logger
}

// NewChatHandler creates a chat WebSocket handler.
func NewChatHandler(submitter Submitter, sessions Sessions, registry Registry, opts Options) *ChatHandler {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &ChatHandler{
		submitter:     submitter,
		sessions:      sessions,
		registry:      registry,
		welcomer:      opts.Welcomer,
		limiter:       opts.Limiter,
		allowedOrigin: opts.AllowedOrigin,
		isDev:         opts.IsDev,
		logger:        opts.Logger,
	}
}

// Wait blocks until background welcome turns started by the handler finish.
func (h *ChatHandler) Wait() {
	h.wg.Wait()
}

// ServeHTTP implements http.Handler for WebSocket upgrade.
func (h *ChatHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	sessionID := identity.SessionIDFromContext(r.Context())
	h.logger.Info("WebSocket connection request", "user_id", userID, "session_id", sessionID, "ip", identity.IPFromRequest(r))

	if userID == "" || sessionID == "" {
		http.Error(w, "session_id required", http.StatusBadRequest)
		return
	}
	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	sess, err := h.sessions.GetSession(r.Context(), sessionID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		http.Error(w, "session not found", http.StatusNotFound)
		return
	case err != nil:
		h.logger.Error("Failed to load session", "session_id", sessionID, "error", err)
		http.Error(w, "failed to load session", http.StatusInternalServerError)
		return
	case !sess.OwnedBy(userID):
		http.Error(w, "session belongs to another user", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Error("Failed to accept WebSocket", "error", err, "user_id", userID)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			h.logger.Debug("Failed to close websocket", "error", closeErr, "user_id", userID)
		}
	}()

	ch := newWSChannel(ws, h.logger)
	defer ch.Close()

	becamePresent := h.registry.Attach(userID, sessionID, ch)
	defer h.registry.Detach(sessionID, ch)

	ch.Send(presence.Event{
		Type: presence.EventConnectionEstablished,
		Data: map[string]string{"session_id": sessionID, "channel_id": ch.ID()},
	})

	if becamePresent && h.welcomer != nil {
		h.wg.Add(1)
		go h.welcome(sessionID)
	}

	h.readLoop(r.Context(), ws, ch, userID, sessionID)
	h.logger.Info("Chat connection ended", "user_id", userID, "session_id", sessionID)
}

func (h *ChatHandler) welcome(sessionID string) {
	defer h.wg.Done()
	ctx, cancel := context.WithTimeout(context.Background(), welcomeTimeout)
	defer cancel()
	d, err := h.welcomer.OnSessionPresent(ctx, sessionID)
	if err != nil {
		h.logger.Warn("Welcome turn failed", "session_id", sessionID, "error", err)
		return
	}
	h.logger.Debug("Welcome decision", "session_id", sessionID, "reason", d.Reason)
}

func (h *ChatHandler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowedOrigin == "" || h.allowedOrigin == "*" {
		return true
	}
	if origin == h.allowedOrigin {
		return true
	}
	h.logger.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.allowedOrigin)
	return false
}

func (h *ChatHandler) readLoop(ctx context.Context, ws *websocket.Conn, ch *wsChannel, userID, sessionID string) {
	for {
		var msg inbound
		if err := wsjson.Read(ctx, ws, &msg); err != nil {
			if websocket.CloseStatus(err) != -1 || errors.Is(err, context.Canceled) {
				h.logger.Debug("WebSocket closed by client", "session_id", sessionID)
			} else {
				h.logger.Warn("WebSocket read error", "error", err, "session_id", sessionID)
			}
			return
		}

		switch msg.Type {
		case frameChatMessage:
			h.handleChat(ctx, ch, userID, sessionID, msg)
		case frameTyping:
			if err := h.submitter.NoteTyping(ctx, sessionID); err != nil {
				h.logger.Debug("Failed to note typing", "session_id", sessionID, "error", err)
			}
		case frameReadReceipt:
			if msg.MessageID == "" {
				continue
			}
			if err := h.sessions.MarkRead(ctx, sessionID, msg.MessageID); err != nil && !errors.Is(err, store.ErrNotFound) {
				h.logger.Warn("Failed to mark read", "session_id", sessionID, "message_id", msg.MessageID, "error", err)
			}
		case framePing:
			ch.Send(presence.Event{Type: presence.EventPong})
		default:
			ch.Send(errorEvent("unknown_type", "unknown message type"))
		}
	}
}

func (h *ChatHandler) handleChat(ctx context.Context, ch *wsChannel, userID, sessionID string, msg inbound) {
	if h.limiter != nil && !h.limiter.Allow(userID) {
		ch.Send(errorEvent("rate_limited", "too many messages"))
		return
	}

	acc, err := h.submitter.SubmitUserMessage(ctx, orchestrator.SubmitRequest{
		SessionID:       sessionID,
		Content:         msg.Content,
		ContentType:     domain.ContentType(msg.ContentType),
		ClientMessageID: msg.ClientMessageID,
	})
	switch {
	case errors.Is(err, orchestrator.ErrEmptyMessage), errors.Is(err, orchestrator.ErrInvalidContentType):
		ch.Send(errorEvent("invalid_message", err.Error()))
		return
	case err != nil && acc.Message == nil:
		h.logger.Error("Failed to submit message", "session_id", sessionID, "error", err)
		ch.Send(errorEvent("submit_failed", "message could not be saved"))
		return
	case err != nil:
		// Stored but not scheduled; the client still gets its ack.
		h.logger.Error("Message stored but turn not scheduled", "session_id", sessionID, "error", err,
			"store_unavailable", orchestrator.StoreUnavailable(err))
	}

	ch.Send(presence.Event{
		Type: presence.EventMessageAccepted,
		Data: AcceptedPayload{
			MessageID:       acc.Message.ID,
			ClientMessageID: acc.Message.ClientMessageID,
			Timestamp:       acc.Message.Timestamp,
			Duplicate:       acc.Duplicate,
		},
	})
}

func errorEvent(code, message string) presence.Event {
	return presence.Event{Type: presence.EventError, Data: ErrorPayload{Code: code, Message: message}}
}
