package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/ashureev/mira/internal/domain"
)

// SubmitRequest is one inbound user message.
type SubmitRequest struct {
	SessionID       string
	Content         string
	ContentType     domain.ContentType
	ClientMessageID string
}

// Accepted acknowledges a submission.
type Accepted struct {
	Message *domain.Message
	// Duplicate is set when ClientMessageID was already recorded; Message is
	// then the original.
	Duplicate bool
	// WindowOpened is set when this message started a new debounce window.
	WindowOpened bool
}

// SubmitUserMessage records a user message and schedules the debounced turn.
// It returns without waiting for generation.
func (o *Orchestrator) SubmitUserMessage(ctx context.Context, req SubmitRequest) (Accepted, error) {
	if o.ctx.Err() != nil {
		return Accepted{}, ErrClosed
	}
	content := strings.TrimSpace(req.Content)
	if content == "" {
		return Accepted{}, ErrEmptyMessage
	}
	if req.ContentType == "" {
		req.ContentType = domain.ContentText
	}
	if !req.ContentType.Valid() {
		return Accepted{}, fmt.Errorf("%w: %q", ErrInvalidContentType, req.ContentType)
	}

	msg, duplicate, err := o.messages.CreateMessage(ctx, &domain.Message{
		SessionID:       req.SessionID,
		Sender:          domain.SenderUser,
		Content:         content,
		ContentType:     req.ContentType,
		Timestamp:       o.clock.Now(),
		ClientMessageID: req.ClientMessageID,
	})
	if err != nil {
		return Accepted{}, fmt.Errorf("persist user message: %w", err)
	}
	o.metrics.Submitted(duplicate)
	if duplicate {
		covered, err := o.covered(ctx, msg)
		if err != nil {
			return Accepted{Message: msg, Duplicate: true}, err
		}
		if covered {
			o.logger.Info("Duplicate user message ignored",
				"session_id", req.SessionID, "client_message_id", req.ClientMessageID, "message_id", msg.ID)
			return Accepted{Message: msg, Duplicate: true}, nil
		}
		// The original was stored but never reached a turn.
		o.logger.Warn("Rescheduling unanswered duplicate",
			"session_id", req.SessionID, "client_message_id", req.ClientMessageID, "message_id", msg.ID)
	}

	opened, err := o.schedule(ctx, req.SessionID, msg.Timestamp)
	if err != nil {
		return Accepted{Message: msg, Duplicate: duplicate}, err
	}

	o.logger.Debug("User message accepted", "session_id", req.SessionID, "message_id", msg.ID, "window_opened", opened)
	return Accepted{Message: msg, Duplicate: duplicate, WindowOpened: opened}, nil
}

// covered reports whether a stored user message is already handed to a turn
// or waiting in an open window.
func (o *Orchestrator) covered(ctx context.Context, msg *domain.Message) (bool, error) {
	claimed, err := o.flags.Claimed(ctx, msg.SessionID, msg.ID)
	if err != nil || claimed {
		return claimed, err
	}
	start, open, err := o.flags.Window(ctx, msg.SessionID)
	if err != nil {
		return false, err
	}
	return open && !start.After(msg.Timestamp), nil
}

// schedule records user activity and opens the debounce window at start,
// spawning its waiter when this call opened it.
func (o *Orchestrator) schedule(ctx context.Context, sessionID string, start time.Time) (bool, error) {
	if _, err := o.flags.StampUser(ctx, sessionID); err != nil {
		return false, err
	}
	if err := o.flags.ClearAwait(ctx, sessionID); err != nil {
		return false, err
	}
	start, opened, err := o.flags.OpenWindow(ctx, sessionID, start)
	if err != nil {
		return false, err
	}
	if opened && !o.spawnWaiter(sessionID, start) {
		if err := o.flags.CloseWindow(context.WithoutCancel(ctx), sessionID); err != nil {
			o.logger.Error("Failed to close debounce window after shutdown", "session_id", sessionID, "error", err)
		}
		return false, ErrClosed
	}
	return opened, nil
}

// NoteTyping records that the user is typing, extending an open window.
func (o *Orchestrator) NoteTyping(ctx context.Context, sessionID string) error {
	_, err := o.flags.StampUser(ctx, sessionID)
	return err
}

// runWaiter waits for the burst to go quiet, then hands it to the coordinator.
func (o *Orchestrator) runWaiter(sessionID string, start time.Time) {
	defer o.wg.Done()
	ctx := o.ctx
	logger := o.logger.With("session_id", sessionID)

	quiet := o.waitQuiet(ctx, sessionID, start)

	// The window is cleared even on shutdown so a restart does not inherit it.
	// Messages that saw it open were stored before this point.
	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	if err := o.flags.CloseWindow(closeCtx, sessionID); err != nil {
		logger.Error("Failed to close debounce window", "error", err)
	}
	cancel()
	if !quiet {
		return
	}
	closedAt := o.clock.Now()
	o.metrics.DebounceWindow(closedAt.Sub(start))

	burst, err := o.messages.MessagesSince(ctx, sessionID, start, domain.SenderUser)
	if err != nil {
		logger.Error("Failed to load debounced messages", "error", err)
		return
	}
	trigger := Trigger{Kind: domain.TriggerUser}
	defer func() { o.followUp(logger, sessionID, closedAt, trigger.MessageIDs) }()

	var parts []string
	for _, m := range burst {
		if m.Timestamp.After(closedAt) {
			continue
		}
		claimed, err := o.flags.ClaimMessage(ctx, sessionID, m.ID)
		if err != nil {
			logger.Error("Failed to claim debounced message", "message_id", m.ID, "error", err)
			return
		}
		if !claimed {
			continue
		}
		parts = append(parts, m.Content)
		trigger.MessageIDs = append(trigger.MessageIDs, m.ID)
	}
	if len(parts) == 0 {
		logger.Debug("Debounce window closed without messages")
		return
	}
	trigger.Payload = strings.Join(parts, "\n")

	for attempt := 0; ; attempt++ {
		outcome, err := o.TryGenerate(ctx, sessionID, trigger)
		if err != nil {
			logger.Error("Debounced turn failed", "error", err, "messages", len(parts))
			return
		}
		if outcome != OutcomeSkippedBusy {
			return
		}
		if attempt >= o.cfg.BusyRetries {
			logger.Warn("Debounced turn dropped, generation lock busy", "attempts", attempt+1, "messages", len(parts))
			return
		}
		logger.Debug("Generation lock busy, re-arming", "attempt", attempt+1)
		select {
		case <-ctx.Done():
			return
		case <-o.clock.After(o.cfg.DebounceQuantum):
		}
	}
}

// followUp opens a new window for user messages stored after closedAt that
// no waiter has claimed.
func (o *Orchestrator) followUp(logger *slog.Logger, sessionID string, closedAt time.Time, answered []string) {
	ctx := o.ctx
	if ctx.Err() != nil {
		return
	}
	late, err := o.messages.MessagesSince(ctx, sessionID, closedAt, domain.SenderUser)
	if err != nil {
		logger.Error("Failed to check for late messages", "error", err)
		return
	}
	for _, m := range late {
		if slices.Contains(answered, m.ID) {
			continue
		}
		claimed, err := o.flags.Claimed(ctx, sessionID, m.ID)
		if err != nil {
			logger.Error("Failed to check message claim", "message_id", m.ID, "error", err)
			return
		}
		if claimed {
			continue
		}
		start, opened, err := o.flags.OpenWindow(ctx, sessionID, m.Timestamp)
		if err != nil {
			logger.Error("Failed to reopen debounce window", "error", err)
			return
		}
		if !opened {
			return
		}
		if !o.spawnWaiter(sessionID, start) {
			if err := o.flags.CloseWindow(context.WithoutCancel(ctx), sessionID); err != nil {
				logger.Error("Failed to close debounce window after shutdown", "error", err)
			}
			return
		}
		logger.Info("Debounce window reopened for late message", "message_id", m.ID)
		return
	}
}

// waitQuiet sleeps in quanta until no user activity arrived during a sleep
// or the ceiling since start is reached. It returns false when the wait was
// abandoned.
func (o *Orchestrator) waitQuiet(ctx context.Context, sessionID string, start time.Time) bool {
	lastSeen := start
	if last, ok, err := o.flags.LastUser(ctx, sessionID); err == nil && ok && last.After(lastSeen) {
		lastSeen = last
	}

	for {
		remaining := o.cfg.DebounceCeiling - o.clock.Since(start)
		sleep := min(o.cfg.DebounceQuantum, remaining)
		if sleep <= 0 {
			return true
		}

		select {
		case <-ctx.Done():
			return false
		case <-o.clock.After(sleep):
		}

		last, ok, err := o.flags.LastUser(ctx, sessionID)
		if err != nil {
			o.logger.Error("Failed to read user activity, abandoning turn", "session_id", sessionID, "error", err)
			return false
		}
		if !ok || !last.After(lastSeen) {
			return true
		}
		lastSeen = last
	}
}
