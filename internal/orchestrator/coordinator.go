package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/ashureev/mira/internal/domain"
	"github.com/ashureev/mira/internal/llm"
	"github.com/ashureev/mira/internal/presence"
	"github.com/ashureev/mira/internal/shaping"
	"github.com/ashureev/mira/internal/turnstate"
)

// TypingStatus is the payload of a typing_status event.
type TypingStatus struct {
	SessionID string `json:"session_id"`
	IsTyping  bool   `json:"is_typing"`
}

// TryGenerate runs one turn if the session's floor allows it and the
// generation lock is free. It never queues: a busy session yields
// OutcomeSkippedBusy with no side effects. Turn state store failures are
// returned as errors and nothing is generated.
func (o *Orchestrator) TryGenerate(ctx context.Context, sessionID string, trigger Trigger) (Outcome, error) {
	logger := o.logger.With("session_id", sessionID, "trigger", string(trigger.Kind))

	from, err := o.flags.State(ctx, sessionID)
	if err != nil {
		return "", fmt.Errorf("read turn state: %w", err)
	}
	if from == turnstate.Debouncing && trigger.Kind == domain.TriggerUser {
		// The open window belongs to a later burst; this turn's window closed.
		from, _ = turnstate.Next(from, turnstate.WindowClosed)
	}
	if _, ok := turnstate.Next(from, turnstate.LockAcquired); !ok {
		o.metrics.Turn(string(trigger.Kind), string(OutcomeSkippedBusy))
		logger.Debug("Generation skipped, floor taken", "state", from.String())
		return OutcomeSkippedBusy, nil
	}

	token, ok, err := o.flags.AcquireLock(ctx, sessionID)
	if err != nil {
		return "", fmt.Errorf("acquire generation lock: %w", err)
	}
	if !ok {
		o.metrics.Turn(string(trigger.Kind), string(OutcomeSkippedBusy))
		logger.Debug("Generation skipped, lock held")
		return OutcomeSkippedBusy, nil
	}
	state := o.transition(logger, from, turnstate.LockAcquired)

	lockCtx, stopRenew := o.holdLock(ctx, logger, sessionID, token)
	defer func() {
		stopRenew()
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		released, err := o.flags.ReleaseLock(releaseCtx, sessionID, token)
		if err != nil {
			logger.Error("Failed to release generation lock", "error", err)
		} else if !released {
			logger.Warn("Generation lock expired before release")
		}
	}()

	outcome, err := o.generate(lockCtx, logger, sessionID, trigger)
	if err != nil && errors.Is(context.Cause(lockCtx), ErrLockLost) && ctx.Err() == nil {
		outcome, err = OutcomeSkippedFailed, ErrLockLost
	}
	o.metrics.Turn(string(trigger.Kind), string(outcome))
	if err != nil || outcome != OutcomeDelivered {
		o.transition(logger, state, turnstate.TurnAborted)
		return outcome, err
	}
	o.transition(logger, state, turnstate.TurnDelivered)
	return outcome, nil
}

// holdLock renews the generation lock until stop is called. The returned
// context is cancelled with ErrLockLost when a renewal finds the lock gone.
func (o *Orchestrator) holdLock(ctx context.Context, logger *slog.Logger, sessionID, token string) (context.Context, func()) {
	if o.cfg.LockRenewEvery <= 0 {
		return ctx, func() {}
	}
	lockCtx, cancel := context.WithCancelCause(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-lockCtx.Done():
				return
			case <-o.clock.After(o.cfg.LockRenewEvery):
			}
			renewed, err := o.flags.RenewLock(lockCtx, sessionID, token)
			switch {
			case err != nil:
				logger.Warn("Failed to renew generation lock", "error", err)
			case !renewed:
				logger.Error("Generation lock lost mid-turn, abandoning")
				cancel(ErrLockLost)
				return
			}
		}
	}()
	return lockCtx, func() {
		cancel(nil)
		<-done
	}
}

func (o *Orchestrator) generate(ctx context.Context, logger *slog.Logger, sessionID string, trigger Trigger) (Outcome, error) {
	req := llm.Request{
		SessionID: sessionID,
		History:   o.history(ctx, logger, sessionID, trigger.MessageIDs),
		Kind:      trigger.Kind,
		Category:  trigger.Category,
		Payload:   trigger.Payload,
		Memories:  o.memoriesFor(ctx, logger, sessionID),
		Now:       o.clock.Now(),
	}

	started := o.clock.Now()
	raw, genErr := o.generator.GenerateReply(ctx, req)
	o.metrics.GenerationTook(string(trigger.Kind), o.clock.Since(started))

	var shaped shaping.Result
	if genErr != nil {
		o.metrics.GeneratorFailed(string(trigger.Kind))
		if ctx.Err() != nil {
			return OutcomeSkippedFailed, ctx.Err()
		}
		if trigger.Kind != domain.TriggerUser {
			logger.Warn("Generator failed, skipping system turn", "error", genErr, "category", string(trigger.Category))
			return OutcomeSkippedFailed, nil
		}
		logger.Error("Generator failed, sending fallback", "error", genErr)
		shaped = shaping.Result{Chunks: []string{o.cfg.Fallback}}
	} else {
		shaped = shaping.Shape(raw, o.cfg.Shaping)
	}

	if err := o.deliverChunks(ctx, sessionID, trigger, shaped.Chunks); err != nil {
		return OutcomeSkippedFailed, err
	}
	if genErr == nil && shaped.WantsImage() {
		o.deliverImage(ctx, logger, sessionID, trigger, shaped.ImageIntent)
	}

	if err := o.flags.SetAwait(ctx, sessionID); err != nil {
		logger.Error("Failed to set await flag", "error", err)
	}
	logger.Info("Turn delivered", "chunks", len(shaped.Chunks), "category", string(trigger.Category), "fallback", genErr != nil)
	return OutcomeDelivered, nil
}

// history returns recent messages oldest first, without the trigger's own.
func (o *Orchestrator) history(ctx context.Context, logger *slog.Logger, sessionID string, exclude []string) []*domain.Message {
	recent, err := o.messages.RecentMessages(ctx, sessionID, o.cfg.HistorySize+len(exclude))
	if err != nil {
		logger.Warn("Failed to load history, generating without it", "error", err)
		return nil
	}
	skip := make(map[string]struct{}, len(exclude))
	for _, id := range exclude {
		skip[id] = struct{}{}
	}
	out := make([]*domain.Message, 0, len(recent))
	for _, m := range recent {
		if _, ok := skip[m.ID]; !ok {
			out = append(out, m)
		}
	}
	if len(out) > o.cfg.HistorySize {
		out = out[len(out)-o.cfg.HistorySize:]
	}
	return out
}

func (o *Orchestrator) memoriesFor(ctx context.Context, logger *slog.Logger, sessionID string) []*domain.Memory {
	if o.memories == nil {
		return nil
	}
	memories, err := o.memories.SessionMemories(ctx, sessionID, o.cfg.MemoryLimit)
	if err != nil {
		logger.Warn("Failed to load user memories, generating without them", "error", err)
		return nil
	}
	return memories
}

func (o *Orchestrator) deliverChunks(ctx context.Context, sessionID string, trigger Trigger, chunks []string) error {
	o.deliver(ctx, sessionID, presence.Event{Type: presence.EventTypingStatus, Data: TypingStatus{SessionID: sessionID, IsTyping: true}})
	defer o.deliver(context.WithoutCancel(ctx), sessionID, presence.Event{Type: presence.EventTypingStatus, Data: TypingStatus{SessionID: sessionID}})

	for i, chunk := range chunks {
		if i > 0 {
			if err := o.pause(ctx, chunk); err != nil {
				return err
			}
		}
		if err := o.persistAndDeliver(ctx, sessionID, trigger, chunk, domain.ContentText); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) deliverImage(ctx context.Context, logger *slog.Logger, sessionID string, trigger Trigger, intent string) {
	if o.images == nil {
		return
	}
	url, ok, err := o.images.ResolveImageForIntent(ctx, intent)
	if err != nil {
		logger.Warn("Image resolution failed", "intent", intent, "error", err)
		return
	}
	if !ok {
		logger.Debug("No image for intent", "intent", intent)
		return
	}
	if err := o.persistAndDeliver(ctx, sessionID, trigger, url, domain.ContentImage); err != nil {
		logger.Error("Failed to deliver image", "error", err)
	}
}

func (o *Orchestrator) persistAndDeliver(ctx context.Context, sessionID string, trigger Trigger, content string, ct domain.ContentType) error {
	msg, _, err := o.messages.CreateMessage(ctx, &domain.Message{
		SessionID:   sessionID,
		Sender:      domain.SenderAI,
		Content:     content,
		ContentType: ct,
		Timestamp:   o.clock.Now(),
		Proactive:   trigger.Kind != domain.TriggerUser,
		TriggerKind: string(trigger.Kind),
	})
	if err != nil {
		return fmt.Errorf("persist reply: %w", err)
	}
	o.deliver(ctx, sessionID, presence.Event{Type: presence.EventChatMessage, Data: msg})
	o.metrics.ChunkDelivered()
	if err := o.flags.StampAI(ctx, sessionID); err != nil {
		return fmt.Errorf("stamp ai activity: %w", err)
	}
	return nil
}

// pause simulates typing time for the next chunk.
func (o *Orchestrator) pause(ctx context.Context, chunk string) error {
	d := o.cfg.PauseBase
	if o.cfg.PauseRunesPerSec > 0 {
		d += time.Duration(float64(utf8.RuneCountInString(chunk)) / o.cfg.PauseRunesPerSec * float64(time.Second))
	}
	if o.cfg.PauseCap > 0 {
		d = min(d, o.cfg.PauseCap)
	}
	if d <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-o.clock.After(d):
		return nil
	}
}

func (o *Orchestrator) transition(logger *slog.Logger, from turnstate.TurnState, ev turnstate.Event) turnstate.TurnState {
	to, ok := turnstate.Next(from, ev)
	if !ok {
		logger.Warn("Unexpected turn transition", "from", from.String(), "event", ev.String())
		return from
	}
	o.metrics.Transition(from.String(), ev.String(), to.String())
	logger.Debug("Turn state", "from", from.String(), "event", ev.String(), "to", to.String())
	return to
}

// StoreUnavailable reports whether err means the turn state store could not
// answer.
func StoreUnavailable(err error) bool {
	return errors.Is(err, turnstate.ErrUnavailable)
}
