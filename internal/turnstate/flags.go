package turnstate

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"k8s.io/utils/clock"
)

// Key prefixes in the backing Store.
const (
	keyDebounce = "debounce:"
	keyLock     = "genlock:"
	keyAwait    = "await:"
	keyLastUser = "last_user:"
	keyLastAI   = "last_ai:"
	keyCooldown = "cooldown:"
	keyClaim    = "claim:"
)

// TTLs bounds the lifetime of each flag.
type TTLs struct {
	Debounce time.Duration
	Lock     time.Duration
	Await    time.Duration
	Activity time.Duration
}

// Flags is the typed view of one Store as per-session turn flags.
type Flags struct {
	store Store
	clock clock.PassiveClock
	ttl   TTLs
}

// NewFlags wraps store.
func NewFlags(store Store, clk clock.PassiveClock, ttl TTLs) *Flags {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Flags{store: store, clock: clk, ttl: ttl}
}

// Store exposes the underlying store.
func (f *Flags) Store() Store { return f.store }

// OpenWindow opens the debounce window for sid starting at start. It returns
// the start of the open window and whether this call opened it.
func (f *Flags) OpenWindow(ctx context.Context, sessionID string, start time.Time) (time.Time, bool, error) {
	ok, err := f.store.SetIfAbsent(ctx, keyDebounce+sessionID, formatTime(start), f.ttl.Debounce)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("open debounce window: %w", err)
	}
	if ok {
		return start, true, nil
	}
	start, _, err = f.timeValue(ctx, keyDebounce+sessionID)
	return start, false, err
}

// Window returns the start of the open debounce window, if any.
func (f *Flags) Window(ctx context.Context, sessionID string) (time.Time, bool, error) {
	return f.timeValue(ctx, keyDebounce+sessionID)
}

// CloseWindow clears the debounce window.
func (f *Flags) CloseWindow(ctx context.Context, sessionID string) error {
	if err := f.store.Delete(ctx, keyDebounce+sessionID); err != nil {
		return fmt.Errorf("close debounce window: %w", err)
	}
	return nil
}

// ClaimMessage marks a user message as handed to a turn. Only the first
// caller for a given message gets true.
func (f *Flags) ClaimMessage(ctx context.Context, sessionID, messageID string) (bool, error) {
	ok, err := f.store.SetIfAbsent(ctx, claimKey(sessionID, messageID), formatTime(f.clock.Now()), f.ttl.Activity)
	if err != nil {
		return false, fmt.Errorf("claim message %s: %w", messageID, err)
	}
	return ok, nil
}

// Claimed reports whether a user message was already handed to a turn.
func (f *Flags) Claimed(ctx context.Context, sessionID, messageID string) (bool, error) {
	_, ok, err := f.store.Get(ctx, claimKey(sessionID, messageID))
	if err != nil {
		return false, fmt.Errorf("read claim %s: %w", messageID, err)
	}
	return ok, nil
}

// AcquireLock takes the generation lock. The token must be passed to
// ReleaseLock.
func (f *Flags) AcquireLock(ctx context.Context, sessionID string) (string, bool, error) {
	token := uuid.NewString()
	ok, err := f.store.SetIfAbsent(ctx, keyLock+sessionID, token, f.ttl.Lock)
	if err != nil {
		return "", false, fmt.Errorf("acquire generation lock: %w", err)
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

// ReleaseLock drops the lock if token still holds it. A lock that expired
// and was taken by someone else is left alone.
func (f *Flags) ReleaseLock(ctx context.Context, sessionID, token string) (bool, error) {
	ok, err := f.store.CompareAndDelete(ctx, keyLock+sessionID, token)
	if err != nil {
		return false, fmt.Errorf("release generation lock: %w", err)
	}
	return ok, nil
}

// RenewLock extends the lock by its full TTL if token still holds it.
func (f *Flags) RenewLock(ctx context.Context, sessionID, token string) (bool, error) {
	ok, err := f.store.CompareAndExpire(ctx, keyLock+sessionID, token, f.ttl.Lock)
	if err != nil {
		return false, fmt.Errorf("renew generation lock: %w", err)
	}
	return ok, nil
}

// LockTTL returns the generation lock lifetime.
func (f *Flags) LockTTL() time.Duration { return f.ttl.Lock }

// SetAwait hands the floor to the user.
func (f *Flags) SetAwait(ctx context.Context, sessionID string) error {
	if err := f.store.Set(ctx, keyAwait+sessionID, "1", f.ttl.Await); err != nil {
		return fmt.Errorf("set await: %w", err)
	}
	return nil
}

// ClearAwait returns the floor.
func (f *Flags) ClearAwait(ctx context.Context, sessionID string) error {
	if err := f.store.Delete(ctx, keyAwait+sessionID); err != nil {
		return fmt.Errorf("clear await: %w", err)
	}
	return nil
}

// StampUser records user activity at the current clock time.
func (f *Flags) StampUser(ctx context.Context, sessionID string) (time.Time, error) {
	now := f.clock.Now()
	if err := f.store.Set(ctx, keyLastUser+sessionID, formatTime(now), f.ttl.Activity); err != nil {
		return time.Time{}, fmt.Errorf("stamp user activity: %w", err)
	}
	return now, nil
}

// StampAI records persona activity at the current clock time.
func (f *Flags) StampAI(ctx context.Context, sessionID string) error {
	if err := f.store.Set(ctx, keyLastAI+sessionID, formatTime(f.clock.Now()), f.ttl.Activity); err != nil {
		return fmt.Errorf("stamp ai activity: %w", err)
	}
	return nil
}

// LastUser returns the last user activity stamp.
func (f *Flags) LastUser(ctx context.Context, sessionID string) (time.Time, bool, error) {
	return f.timeValue(ctx, keyLastUser+sessionID)
}

// LastAI returns the last persona activity stamp.
func (f *Flags) LastAI(ctx context.Context, sessionID string) (time.Time, bool, error) {
	return f.timeValue(ctx, keyLastAI+sessionID)
}

// CooldownActive reports whether the named cooldown is running for sid.
func (f *Flags) CooldownActive(ctx context.Context, name, sessionID string) (bool, error) {
	_, ok, err := f.store.Get(ctx, cooldownKey(name, sessionID))
	if err != nil {
		return false, fmt.Errorf("read cooldown %s: %w", name, err)
	}
	return ok, nil
}

// TryCooldown starts the named cooldown if it is not running and reports
// whether it did.
func (f *Flags) TryCooldown(ctx context.Context, name, sessionID string, ttl time.Duration) (bool, error) {
	ok, err := f.store.SetIfAbsent(ctx, cooldownKey(name, sessionID), formatTime(f.clock.Now()), ttl)
	if err != nil {
		return false, fmt.Errorf("start cooldown %s: %w", name, err)
	}
	return ok, nil
}

// ResetCooldown clears the named cooldown.
func (f *Flags) ResetCooldown(ctx context.Context, name, sessionID string) error {
	if err := f.store.Delete(ctx, cooldownKey(name, sessionID)); err != nil {
		return fmt.Errorf("reset cooldown %s: %w", name, err)
	}
	return nil
}

// Snapshot is a point-in-time read of one session's flags.
type Snapshot struct {
	Debouncing  bool      `json:"debouncing"`
	Generating  bool      `json:"generating"`
	Awaiting    bool      `json:"awaiting_user"`
	LastUserAt  time.Time `json:"last_user_at"`
	LastAIAt    time.Time `json:"last_ai_at"`
	WindowStart time.Time `json:"window_start"`
}

// State derives the turn state from the flags.
func (s Snapshot) State() TurnState {
	switch {
	case s.Generating:
		return Generating
	case s.Debouncing:
		return Debouncing
	case s.Awaiting:
		return AwaitingUser
	default:
		return Idle
	}
}

// Snapshot reads every flag for sid.
func (f *Flags) Snapshot(ctx context.Context, sessionID string) (Snapshot, error) {
	var snap Snapshot
	var err error

	if snap.WindowStart, snap.Debouncing, err = f.timeValue(ctx, keyDebounce+sessionID); err != nil {
		return Snapshot{}, err
	}
	if _, snap.Generating, err = f.store.Get(ctx, keyLock+sessionID); err != nil {
		return Snapshot{}, fmt.Errorf("read generation lock: %w", err)
	}
	if _, snap.Awaiting, err = f.store.Get(ctx, keyAwait+sessionID); err != nil {
		return Snapshot{}, fmt.Errorf("read await: %w", err)
	}
	if snap.LastUserAt, _, err = f.LastUser(ctx, sessionID); err != nil {
		return Snapshot{}, err
	}
	if snap.LastAIAt, _, err = f.LastAI(ctx, sessionID); err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}

// State derives the current turn state for sid.
func (f *Flags) State(ctx context.Context, sessionID string) (TurnState, error) {
	snap, err := f.Snapshot(ctx, sessionID)
	if err != nil {
		return Idle, err
	}
	return snap.State(), nil
}

func (f *Flags) timeValue(ctx context.Context, key string) (time.Time, bool, error) {
	v, ok, err := f.store.Get(ctx, key)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("read %s: %w", key, err)
	}
	if !ok {
		return time.Time{}, false, nil
	}
	ns, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("parse %s: %w", key, err)
	}
	return time.Unix(0, ns), true, nil
}

func cooldownKey(name, sessionID string) string {
	return keyCooldown + name + ":" + sessionID
}

func claimKey(sessionID, messageID string) string {
	return keyClaim + sessionID + ":" + messageID
}

func formatTime(t time.Time) string {
	return strconv.FormatInt(t.UnixNano(), 10)
}
