// Package presence tracks which chat sessions are connected and fans events
// out to their live delivery channels.
package presence

import (
	"context"
	"log/slog"
	"sort"
	"sync"
)

// Event types pushed to clients.
const (
	EventConnectionEstablished = "connection_established"
	EventMessageAccepted       = "message_accepted"
	EventChatMessage           = "chat_message"
	EventTypingStatus          = "typing_status"
	EventError                 = "error"
	EventPong                  = "pong"
)

// Event is one server-to-client push.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// Channel is one live connection for a session. Send must not block; it
// reports false when the event was dropped.
type Channel interface {
	ID() string
	Send(ev Event) bool
}

type entry struct {
	userID   string
	marked   bool
	channels map[string]Channel
}

func (e *entry) present() bool {
	return e.marked || len(e.channels) > 0
}

// Registry maps sessions to channels. A session is present while it has at
// least one channel or was marked present explicitly.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*entry
	logger   *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		sessions: make(map[string]*entry),
		logger:   logger,
	}
}

// Attach registers ch for the session. It reports whether the session was
// absent before, i.e. whether this attach made it present.
func (r *Registry) Attach(userID, sessionID string, ch Channel) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.sessions[sessionID]
	if !ok {
		e = &entry{channels: make(map[string]Channel)}
		r.sessions[sessionID] = e
	}
	wasPresent := e.present()
	if userID != "" {
		e.userID = userID
	}
	e.channels[ch.ID()] = ch

	r.logger.Info("Channel attached", "user_id", userID, "session_id", sessionID, "channel_id", ch.ID(), "channels", len(e.channels))
	return !wasPresent
}

// Detach removes ch. Detaching a channel that was replaced or never attached
// is a no-op.
func (r *Registry) Detach(sessionID string, ch Channel) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.sessions[sessionID]
	if !ok {
		return
	}
	if current, exists := e.channels[ch.ID()]; !exists || current != ch {
		return
	}
	delete(e.channels, ch.ID())
	if !e.present() {
		delete(r.sessions, sessionID)
	}
	r.logger.Info("Channel detached", "session_id", sessionID, "channel_id", ch.ID(), "channels", len(e.channels))
}

// MarkPresent flags a session present without a channel.
func (r *Registry) MarkPresent(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.sessions[sessionID]
	if !ok {
		e = &entry{channels: make(map[string]Channel)}
		r.sessions[sessionID] = e
	}
	e.marked = true
}

// MarkAbsent forgets the session and all its channels.
func (r *Registry) MarkAbsent(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.sessions, sessionID)
}

// IsPresent reports whether the session is present.
func (r *Registry) IsPresent(sessionID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.sessions[sessionID]
	return ok && e.present()
}

// ListPresent returns present session IDs in sorted order.
func (r *Registry) ListPresent() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.sessions))
	for sid, e := range r.sessions {
		if e.present() {
			ids = append(ids, sid)
		}
	}
	sort.Strings(ids)
	return ids
}

// Online describes one present session.
type Online struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id,omitempty"`
	Channels  int    `json:"channels"`
}

// Snapshot lists present sessions with their owners.
func (r *Registry) Snapshot() []Online {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Online, 0, len(r.sessions))
	for sid, e := range r.sessions {
		if e.present() {
			out = append(out, Online{SessionID: sid, UserID: e.userID, Channels: len(e.channels)})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out
}

// Deliver pushes ev to every channel of the session and returns how many
// accepted it. Sessions without channels are a no-op.
func (r *Registry) Deliver(_ context.Context, sessionID string, ev Event) int {
	r.mu.RLock()
	e, ok := r.sessions[sessionID]
	var targets []Channel
	if ok {
		targets = make([]Channel, 0, len(e.channels))
		for _, ch := range e.channels {
			targets = append(targets, ch)
		}
	}
	r.mu.RUnlock()

	delivered := 0
	for _, ch := range targets {
		if ch.Send(ev) {
			delivered++
		} else {
			r.logger.Warn("Event dropped", "session_id", sessionID, "channel_id", ch.ID(), "type", ev.Type)
		}
	}
	return delivered
}
