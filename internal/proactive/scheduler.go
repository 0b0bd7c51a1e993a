// Package proactive starts conversation turns on behalf of the persona when a
// present user has gone quiet, and greets users when they come online.
package proactive

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/ashureev/mira/internal/domain"
	"github.com/ashureev/mira/internal/metrics"
	"github.com/ashureev/mira/internal/orchestrator"
	"github.com/ashureev/mira/internal/turnstate"
	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"
)

// ErrUnknownCategory is returned by TriggerNow for an invalid category.
var ErrUnknownCategory = errors.New("unknown proactive category")

const (
	welcomeCooldown = "welcome"
	photoCooldown   = "photo"

	// moodWindow is how many recent user messages feed the mood heuristic.
	moodWindow = 10
	// careBoost multiplies the care weight when the user reads as low.
	careBoost = 3.0
)

// Reason explains a scheduler decision.
type Reason string

const (
	ReasonAbsent       Reason = "absent"
	ReasonBusy         Reason = "busy"
	ReasonAwaitingUser Reason = "awaiting_user"
	ReasonGrace        Reason = "grace"
	ReasonAICooldown   Reason = "ai_cooldown"
	ReasonNotSilent    Reason = "not_silent"
	ReasonCooldown     Reason = "cooldown"
	ReasonFailed       Reason = "failed"
	ReasonTriggered    Reason = "triggered"
)

// Decision is the outcome of evaluating one session.
type Decision struct {
	Reason   Reason
	Category domain.Category
}

// Skip reports whether no turn should be started.
func (d Decision) Skip() bool { return d.Reason != ReasonTriggered }

// Presence answers which sessions are connected.
type Presence interface {
	IsPresent(sessionID string) bool
	ListPresent() []string
}

// Turns runs generation attempts.
type Turns interface {
	TryGenerate(ctx context.Context, sessionID string, trigger orchestrator.Trigger) (orchestrator.Outcome, error)
}

// History reads persisted messages.
type History interface {
	RecentMessages(ctx context.Context, sessionID string, limit int) ([]*domain.Message, error)
	LastMessage(ctx context.Context, sessionID string) (*domain.Message, error)
}

// Rand is the random source used for tick jitter and category choice.
type Rand interface {
	Float64() float64
	Int63n(n int64) int64
}

// Config holds scheduler timing and weights.
type Config struct {
	TickMin         time.Duration
	TickMax         time.Duration
	Grace           time.Duration
	AICooldown      time.Duration
	Silence         time.Duration
	PhotoCooldown   time.Duration
	PhotoChance     float64
	WelcomeCooldown time.Duration
	Concurrency     int

	WeightGreeting float64
	WeightCare     float64
	WeightShare    float64
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		TickMin:         60 * time.Second,
		TickMax:         120 * time.Second,
		Grace:           60 * time.Second,
		AICooldown:      600 * time.Second,
		Silence:         10 * time.Second,
		PhotoCooldown:   120 * time.Second,
		PhotoChance:     0.2,
		WelcomeCooldown: 5 * time.Minute,
		Concurrency:     8,
		WeightGreeting:  1,
		WeightCare:      1,
		WeightShare:     1,
	}
}

// Deps are the scheduler's collaborators.
type Deps struct {
	Presence Presence
	Turns    Turns
	History  History
	Flags    *turnstate.Flags
	Clock    clock.Clock
	Rand     Rand
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
}

// Scheduler evaluates present sessions on a jittered interval.
type Scheduler struct {
	cfg      Config
	presence Presence
	turns    Turns
	history  History
	flags    *turnstate.Flags
	clock    clock.Clock
	metrics  *metrics.Metrics
	logger   *slog.Logger

	randMu sync.Mutex
	rand   Rand
}

// NewScheduler creates a Scheduler.
func NewScheduler(cfg Config, deps Deps) (*Scheduler, error) {
	if deps.Presence == nil || deps.Turns == nil || deps.History == nil || deps.Flags == nil {
		return nil, fmt.Errorf("proactive: presence, turns, history and flags are required")
	}
	if cfg.TickMin <= 0 || cfg.TickMax < cfg.TickMin {
		return nil, fmt.Errorf("proactive: invalid tick range %s..%s", cfg.TickMin, cfg.TickMax)
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if deps.Clock == nil {
		deps.Clock = clock.RealClock{}
	}
	if deps.Rand == nil {
		deps.Rand = rand.New(rand.NewSource(deps.Clock.Now().UnixNano())) //nolint:gosec // Jitter only.
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Scheduler{
		cfg:      cfg,
		presence: deps.Presence,
		turns:    deps.Turns,
		history:  deps.History,
		flags:    deps.Flags,
		clock:    deps.Clock,
		metrics:  deps.Metrics,
		logger:   deps.Logger,
		rand:     deps.Rand,
	}, nil
}

// Run ticks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	s.logger.Info("Proactive scheduler started", "tick_min", s.cfg.TickMin, "tick_max", s.cfg.TickMax)
	defer s.logger.Info("Proactive scheduler stopped")

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.clock.After(s.nextInterval()):
			s.Tick(ctx)
		}
	}
}

func (s *Scheduler) nextInterval() time.Duration {
	spread := int64(s.cfg.TickMax - s.cfg.TickMin)
	if spread <= 0 {
		return s.cfg.TickMin
	}
	s.randMu.Lock()
	defer s.randMu.Unlock()
	return s.cfg.TickMin + time.Duration(s.rand.Int63n(spread+1))
}

// Tick evaluates every present session once and starts the turns that pass.
func (s *Scheduler) Tick(ctx context.Context) {
	sessions := s.presence.ListPresent()
	if len(sessions) == 0 {
		return
	}

	var g errgroup.Group
	g.SetLimit(s.cfg.Concurrency)
	for _, sid := range sessions {
		g.Go(func() error {
			s.runOne(ctx, sid)
			return nil
		})
	}
	_ = g.Wait()
}

func (s *Scheduler) runOne(ctx context.Context, sessionID string) {
	logger := s.logger.With("session_id", sessionID)

	d, err := s.Evaluate(ctx, sessionID)
	if err != nil {
		logger.Error("Proactive evaluation failed", "error", err)
		return
	}
	s.metrics.ProactiveDecision(string(d.Reason))
	if d.Skip() {
		logger.Debug("Proactive turn skipped", "reason", string(d.Reason))
		return
	}

	outcome, err := s.turns.TryGenerate(ctx, sessionID, orchestrator.Trigger{
		Kind:     domain.TriggerProactive,
		Category: d.Category,
	})
	if err != nil {
		logger.Error("Proactive turn failed", "error", err, "category", string(d.Category))
		return
	}
	if outcome == orchestrator.OutcomeDelivered {
		s.delivered(ctx, sessionID, d.Category)
	}
	logger.Info("Proactive turn finished", "category", string(d.Category), "outcome", string(outcome))
}

// Evaluate applies the suppression rules in order and picks a category for
// sessions that pass all of them.
func (s *Scheduler) Evaluate(ctx context.Context, sessionID string) (Decision, error) {
	if !s.presence.IsPresent(sessionID) {
		return Decision{Reason: ReasonAbsent}, nil
	}

	snap, err := s.flags.Snapshot(ctx, sessionID)
	if err != nil {
		return Decision{}, err
	}
	switch snap.State() {
	case turnstate.Generating, turnstate.Debouncing:
		return Decision{Reason: ReasonBusy}, nil
	case turnstate.AwaitingUser:
		return Decision{Reason: ReasonAwaitingUser}, nil
	}

	now := s.clock.Now()
	if !snap.LastUserAt.IsZero() && now.Sub(snap.LastUserAt) < s.cfg.Grace {
		return Decision{Reason: ReasonGrace}, nil
	}

	last, err := s.history.LastMessage(ctx, sessionID)
	if err != nil {
		return Decision{}, fmt.Errorf("load last message: %w", err)
	}
	lastAI := snap.LastAIAt
	if last != nil && last.Sender == domain.SenderAI && last.Timestamp.After(lastAI) {
		lastAI = last.Timestamp
	}
	if last != nil && last.Sender == domain.SenderAI && !lastAI.IsZero() && now.Sub(lastAI) < s.cfg.AICooldown {
		return Decision{Reason: ReasonAICooldown}, nil
	}

	if s.recentlyActive(now, snap, last) {
		return Decision{Reason: ReasonNotSilent}, nil
	}

	category, err := s.pickCategory(ctx, sessionID)
	if err != nil {
		return Decision{}, err
	}
	return Decision{Reason: ReasonTriggered, Category: category}, nil
}

func (s *Scheduler) recentlyActive(now time.Time, snap turnstate.Snapshot, last *domain.Message) bool {
	for _, t := range []time.Time{snap.LastUserAt, snap.LastAIAt} {
		if !t.IsZero() && now.Sub(t) < s.cfg.Silence {
			return true
		}
	}
	return last != nil && now.Sub(last.Timestamp) < s.cfg.Silence
}

func (s *Scheduler) pickCategory(ctx context.Context, sessionID string) (domain.Category, error) {
	care := s.cfg.WeightCare
	if s.lowMood(ctx, sessionID) {
		care *= careBoost
	}
	weights := []struct {
		category domain.Category
		weight   float64
	}{
		{domain.CategoryGreeting, s.cfg.WeightGreeting},
		{domain.CategoryCare, care},
		{domain.CategoryShare, s.cfg.WeightShare},
	}

	var total float64
	for _, w := range weights {
		total += w.weight
	}

	s.randMu.Lock()
	roll := s.rand.Float64() * total
	photoRoll := s.rand.Float64()
	s.randMu.Unlock()

	category := domain.CategoryGreeting
	for _, w := range weights {
		if w.weight <= 0 {
			continue
		}
		if roll < w.weight {
			category = w.category
			break
		}
		roll -= w.weight
	}

	if category == domain.CategoryShare && photoRoll < s.cfg.PhotoChance {
		active, err := s.flags.CooldownActive(ctx, photoCooldown, sessionID)
		if err != nil {
			return "", err
		}
		if !active {
			category = domain.CategoryPhoto
		}
	}
	return category, nil
}

// delivered starts the cooldowns a delivered turn of category owes. Turns
// that lost the lock or failed leave them untouched.
func (s *Scheduler) delivered(ctx context.Context, sessionID string, category domain.Category) {
	if category != domain.CategoryPhoto {
		return
	}
	if _, err := s.flags.TryCooldown(ctx, photoCooldown, sessionID, s.cfg.PhotoCooldown); err != nil {
		s.logger.Warn("Failed to set photo cooldown", "session_id", sessionID, "error", err)
	}
}

func (s *Scheduler) lowMood(ctx context.Context, sessionID string) bool {
	recent, err := s.history.RecentMessages(ctx, sessionID, moodWindow*2)
	if err != nil {
		s.logger.Warn("Failed to load messages for mood", "session_id", sessionID, "error", err)
		return false
	}
	var texts []string
	for i := len(recent) - 1; i >= 0 && len(texts) < moodWindow; i-- {
		if recent[i].FromUser() {
			texts = append(texts, recent[i].Content)
		}
	}
	return DominantMood(texts...) == MoodNegative
}

// OnSessionPresent sends a one-shot welcome when a session comes online,
// unless one was delivered within the welcome cooldown or the conversation
// is active.
func (s *Scheduler) OnSessionPresent(ctx context.Context, sessionID string) (Decision, error) {
	active, err := s.flags.CooldownActive(ctx, welcomeCooldown, sessionID)
	if err != nil {
		return Decision{}, err
	}
	if active {
		return Decision{Reason: ReasonCooldown}, nil
	}

	snap, err := s.flags.Snapshot(ctx, sessionID)
	if err != nil {
		return Decision{}, err
	}
	last, err := s.history.LastMessage(ctx, sessionID)
	if err != nil {
		return Decision{}, fmt.Errorf("load last message: %w", err)
	}
	if s.recentlyActive(s.clock.Now(), snap, last) {
		return Decision{Reason: ReasonNotSilent}, nil
	}

	outcome, err := s.turns.TryGenerate(ctx, sessionID, orchestrator.Trigger{Kind: domain.TriggerWelcome})
	if err != nil {
		return Decision{}, err
	}
	switch outcome {
	case orchestrator.OutcomeDelivered:
		if _, err := s.flags.TryCooldown(ctx, welcomeCooldown, sessionID, s.cfg.WelcomeCooldown); err != nil {
			s.logger.Warn("Failed to set welcome cooldown", "session_id", sessionID, "error", err)
		}
		s.logger.Info("Welcome delivered", "session_id", sessionID)
		return Decision{Reason: ReasonTriggered}, nil
	case orchestrator.OutcomeSkippedBusy:
		return Decision{Reason: ReasonBusy}, nil
	default:
		return Decision{Reason: ReasonFailed}, nil
	}
}

// TriggerNow starts a proactive turn immediately, bypassing suppression.
// An empty category is chosen the same way as a scheduled turn.
func (s *Scheduler) TriggerNow(ctx context.Context, sessionID string, category domain.Category) (orchestrator.Outcome, error) {
	if category == "" {
		c, err := s.pickCategory(ctx, sessionID)
		if err != nil {
			return "", err
		}
		category = c
	}
	if !category.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownCategory, category)
	}
	s.metrics.ProactiveDecision("manual")
	outcome, err := s.turns.TryGenerate(ctx, sessionID, orchestrator.Trigger{
		Kind:     domain.TriggerProactive,
		Category: category,
	})
	if err == nil && outcome == orchestrator.OutcomeDelivered {
		s.delivered(ctx, sessionID, category)
	}
	return outcome, err
}
