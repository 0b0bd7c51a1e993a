// Package orchestrator decides when a conversation turn happens and runs it:
// debouncing bursts of user input, holding the per-session generation lock,
// and delivering shaped replies in order.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/mira/internal/domain"
	"github.com/ashureev/mira/internal/imagery"
	"github.com/ashureev/mira/internal/llm"
	"github.com/ashureev/mira/internal/metrics"
	"github.com/ashureev/mira/internal/presence"
	"github.com/ashureev/mira/internal/shaping"
	"github.com/ashureev/mira/internal/turnstate"
	"k8s.io/utils/clock"
)

var (
	// ErrEmptyMessage is returned for submissions without content.
	ErrEmptyMessage = errors.New("message content is empty")
	// ErrInvalidContentType is returned for unknown content types.
	ErrInvalidContentType = errors.New("invalid content type")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("orchestrator closed")
	// ErrLockLost is returned when a running turn could not keep its
	// generation lock. Nothing more is delivered for that turn.
	ErrLockLost = errors.New("generation lock lost")
)

// MessageStore is the persistence the orchestrator needs.
type MessageStore interface {
	CreateMessage(ctx context.Context, msg *domain.Message) (*domain.Message, bool, error)
	RecentMessages(ctx context.Context, sessionID string, limit int) ([]*domain.Message, error)
	MessagesSince(ctx context.Context, sessionID string, since time.Time, sender domain.Sender) ([]*domain.Message, error)
}

// MemorySource supplies what the persona remembers about a session's user.
type MemorySource interface {
	SessionMemories(ctx context.Context, sessionID string, limit int) ([]*domain.Memory, error)
}

// Deliverer pushes events to a session's live channels. Delivering to a
// session without listeners is a no-op.
type Deliverer interface {
	Deliver(ctx context.Context, sessionID string, ev presence.Event) int
}

// Config tunes turn timing and pacing.
type Config struct {
	DebounceQuantum time.Duration
	DebounceCeiling time.Duration
	// BusyRetries is how many times a debounced turn re-arms when the lock
	// is held. Zero drops the turn, so a busy session is never queued.
	BusyRetries int
	HistorySize int

	// LockRenewEvery extends the generation lock while a turn runs. Zero
	// disables renewal.
	LockRenewEvery time.Duration
	// MemoryLimit caps the memories passed to the generator.
	MemoryLimit int

	PauseBase        time.Duration
	PauseRunesPerSec float64
	PauseCap         time.Duration

	Fallback string
	Shaping  shaping.Policy
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		DebounceQuantum:  1200 * time.Millisecond,
		DebounceCeiling:  5 * time.Second,
		BusyRetries:      0,
		HistorySize:      20,
		LockRenewEvery:   5 * time.Second,
		MemoryLimit:      10,
		PauseBase:        400 * time.Millisecond,
		PauseRunesPerSec: 12,
		PauseCap:         2500 * time.Millisecond,
		Fallback:         "我现在有点忙，稍后再和你聊天吧～",
		Shaping:          shaping.DefaultPolicy(),
	}
}

// Deps are the collaborators of an Orchestrator.
type Deps struct {
	Messages  MessageStore
	Flags     *turnstate.Flags
	Deliverer Deliverer
	Generator llm.Generator
	// Images is optional; without it image intents are ignored.
	Images imagery.Resolver
	// Memories is optional; without it turns carry no user memories.
	Memories MemorySource
	Clock    clock.Clock
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
}

// Orchestrator owns the turn lifecycle of every session.
type Orchestrator struct {
	cfg       Config
	messages  MessageStore
	flags     *turnstate.Flags
	deliverer Deliverer
	generator llm.Generator
	images    imagery.Resolver
	memories  MemorySource
	clock     clock.Clock
	metrics   *metrics.Metrics
	logger    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	// mu guards closed and every wg.Add so no waiter starts once Close
	// has begun waiting.
	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// New creates an Orchestrator. Call Close to stop pending debounce waiters.
func New(cfg Config, deps Deps) (*Orchestrator, error) {
	if deps.Messages == nil || deps.Flags == nil || deps.Deliverer == nil || deps.Generator == nil {
		return nil, fmt.Errorf("orchestrator: messages, flags, deliverer and generator are required")
	}
	if cfg.DebounceQuantum <= 0 || cfg.DebounceCeiling < cfg.DebounceQuantum {
		return nil, fmt.Errorf("orchestrator: invalid debounce timing (quantum %s, ceiling %s)", cfg.DebounceQuantum, cfg.DebounceCeiling)
	}
	if lockTTL := deps.Flags.LockTTL(); cfg.LockRenewEvery > 0 && lockTTL > 0 && 2*cfg.LockRenewEvery > lockTTL {
		return nil, fmt.Errorf("orchestrator: lock renewal every %s cannot keep a %s lock", cfg.LockRenewEvery, lockTTL)
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = DefaultConfig().HistorySize
	}
	if cfg.MemoryLimit <= 0 {
		cfg.MemoryLimit = DefaultConfig().MemoryLimit
	}
	if cfg.Fallback == "" {
		cfg.Fallback = DefaultConfig().Fallback
	}
	if deps.Clock == nil {
		deps.Clock = clock.RealClock{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		cfg:       cfg,
		messages:  deps.Messages,
		flags:     deps.Flags,
		deliverer: deps.Deliverer,
		generator: deps.Generator,
		images:    deps.Images,
		memories:  deps.Memories,
		clock:     deps.Clock,
		metrics:   deps.Metrics,
		logger:    deps.Logger,
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

// Close cancels pending waiters and waits for them to exit.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	o.closed = true
	o.cancel()
	o.mu.Unlock()
	o.wg.Wait()
}

// spawnWaiter starts the debounce waiter for a window that was just opened.
// It reports false after Close, leaving the window for the caller to clear.
func (o *Orchestrator) spawnWaiter(sessionID string, start time.Time) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return false
	}
	o.wg.Add(1)
	go o.runWaiter(sessionID, start)
	return true
}

// State returns the flag snapshot for a session.
func (o *Orchestrator) State(ctx context.Context, sessionID string) (turnstate.Snapshot, error) {
	return o.flags.Snapshot(ctx, sessionID)
}

// Outcome is the result of one generation attempt.
type Outcome string

const (
	OutcomeDelivered     Outcome = "delivered"
	OutcomeSkippedBusy   Outcome = "skipped_busy"
	OutcomeSkippedFailed Outcome = "skipped_failed"
)

// Trigger describes why a turn is being generated.
type Trigger struct {
	Kind     domain.TriggerKind
	Category domain.Category
	// Payload is the aggregated user text. System turns may leave it empty
	// to use the default cue.
	Payload string
	// MessageIDs are the user messages answered by this turn. They are left
	// out of the history sent to the generator.
	MessageIDs []string
}

func (o *Orchestrator) deliver(ctx context.Context, sessionID string, ev presence.Event) {
	o.deliverer.Deliver(ctx, sessionID, ev)
}
