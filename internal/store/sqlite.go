package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ashureev/mira/internal/domain"
	"github.com/ashureev/mira/internal/shared"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

const (
	writeRetries   = 3
	writeBaseDelay = 50 * time.Millisecond
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

var _ Repository = (*SQLiteStore)(nil)

// OpenSQLite opens (and creates if needed) the database file with WAL enabled.
// The returned handle is shared by the repository and the turn state store.
func OpenSQLite(dbPath string) (*sql.DB, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	dsn := "file:" + dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

// NewSQLite creates a new SQLite-backed repository on an open handle.
func NewSQLite(db *sql.DB) (*SQLiteStore, error) {
	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS users (
		user_id TEXT PRIMARY KEY,
		username TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS chat_sessions (
		session_id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		is_active INTEGER NOT NULL DEFAULT 1,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_chat_sessions_owner ON chat_sessions(owner_id, is_active, updated_at);

	CREATE TABLE IF NOT EXISTS messages (
		message_id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		sender TEXT NOT NULL,
		content TEXT NOT NULL,
		content_type TEXT NOT NULL,
		ts INTEGER NOT NULL,
		client_message_id TEXT,
		proactive INTEGER NOT NULL DEFAULT 0,
		trigger_kind TEXT NOT NULL DEFAULT '',
		is_read INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_messages_session_ts ON messages(session_id, ts);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_client_id
		ON messages(session_id, client_message_id) WHERE client_message_id IS NOT NULL;

	CREATE TABLE IF NOT EXISTS user_memories (
		user_id TEXT NOT NULL,
		memory_key TEXT NOT NULL,
		kind TEXT NOT NULL,
		value TEXT NOT NULL,
		importance REAL NOT NULL DEFAULT 0.5,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (user_id, memory_key)
	);
	CREATE INDEX IF NOT EXISTS idx_user_memories_rank ON user_memories(user_id, importance DESC, updated_at DESC);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// GetUser retrieves a user by their user ID.
func (s *SQLiteStore) GetUser(ctx context.Context, userID string) (*domain.User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT user_id, username, created_at FROM users WHERE user_id = ?`, userID)

	var user domain.User
	var createdAt int64
	err := row.Scan(&user.UserID, &user.Username, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan user row: %w", err)
	}
	user.CreatedAt = time.Unix(createdAt, 0)
	return &user, nil
}

// UpsertUser creates or updates a user record.
func (s *SQLiteStore) UpsertUser(ctx context.Context, user *domain.User) error {
	query := `
	INSERT INTO users (user_id, username, created_at) VALUES (?, ?, ?)
	ON CONFLICT(user_id) DO UPDATE SET username = excluded.username`

	return shared.RetryOnConflict(ctx, "upsert_user", writeRetries, writeBaseDelay, func() error {
		if _, err := s.db.ExecContext(ctx, query, user.UserID, user.Username, user.CreatedAt.Unix()); err != nil {
			return fmt.Errorf("upsert user: %w", err)
		}
		return nil
	})
}

// LatestOrCreateSession returns the newest active session for userID or creates one.
func (s *SQLiteStore) LatestOrCreateSession(ctx context.Context, userID string) (*domain.Session, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT session_id, owner_id, is_active, created_at, updated_at
		FROM chat_sessions WHERE owner_id = ? AND is_active = 1
		ORDER BY updated_at DESC LIMIT 1`, userID)

	session, err := scanSession(row)
	if err != nil {
		return nil, false, err
	}
	if session != nil {
		return session, false, nil
	}

	now := time.Now()
	session = &domain.Session{
		ID:        "session_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:16],
		OwnerID:   userID,
		Active:    true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	err = shared.RetryOnConflict(ctx, "create_session", writeRetries, writeBaseDelay, func() error {
		_, execErr := s.db.ExecContext(ctx, `
			INSERT INTO chat_sessions (session_id, owner_id, is_active, created_at, updated_at)
			VALUES (?, ?, 1, ?, ?)`,
			session.ID, session.OwnerID, now.UnixNano(), now.UnixNano())
		return execErr
	})
	if err != nil {
		return nil, false, fmt.Errorf("create session: %w", err)
	}
	return session, true, nil
}

// GetSession retrieves a session by ID.
func (s *SQLiteStore) GetSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT session_id, owner_id, is_active, created_at, updated_at
		FROM chat_sessions WHERE session_id = ?`, sessionID)
	session, err := scanSession(row)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}
	return session, nil
}

func scanSession(row *sql.Row) (*domain.Session, error) {
	var session domain.Session
	var active int
	var createdAt, updatedAt int64
	err := row.Scan(&session.ID, &session.OwnerID, &active, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan session row: %w", err)
	}
	session.Active = active != 0
	session.CreatedAt = time.Unix(0, createdAt)
	session.UpdatedAt = time.Unix(0, updatedAt)
	return &session, nil
}

// CreateMessage persists a message, honoring client message id idempotency.
func (s *SQLiteStore) CreateMessage(ctx context.Context, msg *domain.Message) (*domain.Message, bool, error) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	if msg.ContentType == "" {
		msg.ContentType = domain.ContentText
	}

	var clientID interface{}
	if msg.ClientMessageID != "" {
		clientID = msg.ClientMessageID
	}

	var inserted int64
	err := shared.RetryOnConflict(ctx, "create_message", writeRetries, writeBaseDelay, func() error {
		res, execErr := s.db.ExecContext(ctx, `
			INSERT INTO messages (message_id, session_id, sender, content, content_type, ts,
			                      client_message_id, proactive, trigger_kind, is_read)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0)
			ON CONFLICT DO NOTHING`,
			msg.ID, msg.SessionID, string(msg.Sender), msg.Content, string(msg.ContentType),
			msg.Timestamp.UnixNano(), clientID, boolToInt(msg.Proactive), msg.TriggerKind)
		if execErr != nil {
			return execErr
		}
		inserted, execErr = res.RowsAffected()
		return execErr
	})
	if err != nil {
		return nil, false, fmt.Errorf("insert message: %w", err)
	}

	if inserted == 0 && msg.ClientMessageID != "" {
		existing, err := s.messageByClientID(ctx, msg.SessionID, msg.ClientMessageID)
		if err != nil {
			return nil, false, err
		}
		if existing != nil {
			return existing, true, nil
		}
	}
	if inserted == 0 {
		return nil, false, fmt.Errorf("insert message: no row written for %s", msg.ID)
	}

	if _, err := s.db.ExecContext(ctx, `UPDATE chat_sessions SET updated_at = ? WHERE session_id = ?`,
		msg.Timestamp.UnixNano(), msg.SessionID); err != nil {
		slog.Warn("Failed to touch session", "session_id", msg.SessionID, "error", err)
	}

	stored := *msg
	return &stored, false, nil
}

func (s *SQLiteStore) messageByClientID(ctx context.Context, sessionID, clientID string) (*domain.Message, error) {
	rows, err := s.db.QueryContext(ctx, selectMessage+` WHERE session_id = ? AND client_message_id = ?`, sessionID, clientID)
	if err != nil {
		return nil, fmt.Errorf("query message by client id: %w", err)
	}
	msgs, err := scanMessages(rows)
	if err != nil || len(msgs) == 0 {
		return nil, err
	}
	return msgs[0], nil
}

const selectMessage = `
	SELECT message_id, session_id, sender, content, content_type, ts,
	       client_message_id, proactive, trigger_kind, is_read
	FROM messages`

// RecentMessages returns up to limit newest messages in chronological order.
func (s *SQLiteStore) RecentMessages(ctx context.Context, sessionID string, limit int) ([]*domain.Message, error) {
	rows, err := s.db.QueryContext(ctx, selectMessage+` WHERE session_id = ? ORDER BY ts DESC, rowid DESC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent messages: %w", err)
	}
	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// MessagesSince returns messages from sender at or after since.
func (s *SQLiteStore) MessagesSince(ctx context.Context, sessionID string, since time.Time, sender domain.Sender) ([]*domain.Message, error) {
	rows, err := s.db.QueryContext(ctx, selectMessage+` WHERE session_id = ? AND sender = ? AND ts >= ? ORDER BY ts ASC, rowid ASC`,
		sessionID, string(sender), since.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("query messages since: %w", err)
	}
	return scanMessages(rows)
}

// LastMessage returns the newest message or nil.
func (s *SQLiteStore) LastMessage(ctx context.Context, sessionID string) (*domain.Message, error) {
	msgs, err := s.RecentMessages(ctx, sessionID, 1)
	if err != nil || len(msgs) == 0 {
		return nil, err
	}
	return msgs[0], nil
}

// MarkRead flags a message as read.
func (s *SQLiteStore) MarkRead(ctx context.Context, sessionID, messageID string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE messages SET is_read = 1 WHERE session_id = ? AND message_id = ?`, sessionID, messageID)
	if err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		slog.Warn("MarkRead affected 0 rows", "session_id", sessionID, "message_id", messageID)
	}
	return nil
}

// UpsertMemory inserts or refreshes a memory.
func (s *SQLiteStore) UpsertMemory(ctx context.Context, m *domain.Memory) error {
	if m.UpdatedAt.IsZero() {
		m.UpdatedAt = time.Now()
	}
	query := `
	INSERT INTO user_memories (user_id, memory_key, kind, value, importance, updated_at)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(user_id, memory_key) DO UPDATE SET
		kind = excluded.kind,
		value = excluded.value,
		importance = MAX(user_memories.importance, excluded.importance),
		updated_at = excluded.updated_at`

	return shared.RetryOnConflict(ctx, "upsert_memory", writeRetries, writeBaseDelay, func() error {
		if _, err := s.db.ExecContext(ctx, query, m.UserID, m.Key, string(m.Kind), m.Value, m.Importance, m.UpdatedAt.UnixNano()); err != nil {
			return fmt.Errorf("upsert memory: %w", err)
		}
		return nil
	})
}

// SessionMemories returns the owner's memories ranked by importance, then recency.
func (s *SQLiteStore) SessionMemories(ctx context.Context, sessionID string, limit int) ([]*domain.Memory, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.user_id, m.kind, m.memory_key, m.value, m.importance, m.updated_at
		FROM user_memories m
		JOIN chat_sessions c ON c.owner_id = m.user_id
		WHERE c.session_id = ?
		ORDER BY m.importance DESC, m.updated_at DESC
		LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("query memories: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close memory rows", "error", closeErr)
		}
	}()

	var out []*domain.Memory
	for rows.Next() {
		var m domain.Memory
		var kind string
		var updatedAt int64
		if err := rows.Scan(&m.UserID, &kind, &m.Key, &m.Value, &m.Importance, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan memory row: %w", err)
		}
		m.Kind = domain.MemoryKind(kind)
		m.UpdatedAt = time.Unix(0, updatedAt)
		out = append(out, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate memories: %w", err)
	}
	return out, nil
}

func scanMessages(rows *sql.Rows) ([]*domain.Message, error) {
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close message rows", "error", closeErr)
		}
	}()

	var msgs []*domain.Message
	for rows.Next() {
		var m domain.Message
		var sender, contentType, triggerKind string
		var ts int64
		var clientID sql.NullString
		var proactive, isRead int
		if err := rows.Scan(&m.ID, &m.SessionID, &sender, &m.Content, &contentType, &ts,
			&clientID, &proactive, &triggerKind, &isRead); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		m.Sender = domain.Sender(sender)
		m.ContentType = domain.ContentType(contentType)
		m.Timestamp = time.Unix(0, ts)
		m.ClientMessageID = clientID.String
		m.Proactive = proactive != 0
		m.TriggerKind = triggerKind
		m.IsRead = isRead != 0
		msgs = append(msgs, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return msgs, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
