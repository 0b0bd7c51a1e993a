// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/ashureev/mira/internal/domain"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Repository defines the interface for persisting users, sessions and messages.
type Repository interface {
	// GetUser retrieves a user by their user ID. Returns nil when absent.
	GetUser(ctx context.Context, userID string) (*domain.User, error)

	// UpsertUser creates or updates a user record.
	UpsertUser(ctx context.Context, user *domain.User) error

	// LatestOrCreateSession returns the user's most recently updated active
	// session, creating one when none exists.
	LatestOrCreateSession(ctx context.Context, userID string) (*domain.Session, bool, error)

	// GetSession retrieves a session by ID. Returns ErrNotFound when absent.
	GetSession(ctx context.Context, sessionID string) (*domain.Session, error)

	// CreateMessage persists msg. When msg carries a ClientMessageID already
	// recorded for the session, the existing message is returned with
	// duplicate set and nothing is written.
	CreateMessage(ctx context.Context, msg *domain.Message) (stored *domain.Message, duplicate bool, err error)

	// RecentMessages returns up to limit newest messages in chronological order.
	RecentMessages(ctx context.Context, sessionID string, limit int) ([]*domain.Message, error)

	// MessagesSince returns messages from sender with timestamp >= since, oldest first.
	MessagesSince(ctx context.Context, sessionID string, since time.Time, sender domain.Sender) ([]*domain.Message, error)

	// LastMessage returns the newest message of a session or nil.
	LastMessage(ctx context.Context, sessionID string) (*domain.Message, error)

	// MarkRead flags a message as read by the user.
	MarkRead(ctx context.Context, sessionID, messageID string) error

	// UpsertMemory records a fact about a user. An existing key is
	// overwritten and keeps the higher importance.
	UpsertMemory(ctx context.Context, m *domain.Memory) error

	// SessionMemories returns up to limit memories of the session's owner,
	// most important first.
	SessionMemories(ctx context.Context, sessionID string, limit int) ([]*domain.Memory, error)

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
