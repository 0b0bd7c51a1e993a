package turnstate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ashureev/mira/internal/shared"
	"k8s.io/utils/clock"
)

const (
	kvRetries   = 3
	kvBaseDelay = 20 * time.Millisecond
)

// SQLiteStore is a Store backed by a SQLite table, so several processes
// sharing one database file coordinate through the same locks and flags.
type SQLiteStore struct {
	db    *sql.DB
	clock clock.PassiveClock
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates the turn_state table if needed.
func NewSQLiteStore(db *sql.DB, clk clock.PassiveClock) (*SQLiteStore, error) {
	if clk == nil {
		clk = clock.RealClock{}
	}
	_, err := db.Exec(`
	CREATE TABLE IF NOT EXISTS turn_state (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		expires_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_turn_state_expires ON turn_state(expires_at);`)
	if err != nil {
		return nil, fmt.Errorf("create turn_state table: %w", err)
	}
	return &SQLiteStore{db: db, clock: clk}, nil
}

func (s *SQLiteStore) now() int64 { return s.clock.Now().UnixNano() }

// SetIfAbsent inserts the key, or takes over an expired row, in one statement.
func (s *SQLiteStore) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	now := s.now()
	var affected int64
	err := shared.RetryOnConflict(ctx, "turnstate_set_if_absent", kvRetries, kvBaseDelay, func() error {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO turn_state (key, value, expires_at) VALUES (?, ?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at
			WHERE turn_state.expires_at <= ?`,
			key, value, now+ttl.Nanoseconds(), now)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return false, fmt.Errorf("%w: set if absent %s: %v", ErrUnavailable, key, err)
	}
	return affected == 1, nil
}

func (s *SQLiteStore) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM turn_state WHERE key = ? AND expires_at > ?`, key, s.now()).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("%w: get %s: %v", ErrUnavailable, key, err)
	}
	return value, true, nil
}

func (s *SQLiteStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	err := shared.RetryOnConflict(ctx, "turnstate_set", kvRetries, kvBaseDelay, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO turn_state (key, value, expires_at) VALUES (?, ?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at`,
			key, value, s.now()+ttl.Nanoseconds())
		return err
	})
	if err != nil {
		return fmt.Errorf("%w: set %s: %v", ErrUnavailable, key, err)
	}
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, key string) error {
	err := shared.RetryOnConflict(ctx, "turnstate_delete", kvRetries, kvBaseDelay, func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM turn_state WHERE key = ?`, key)
		return err
	})
	if err != nil {
		return fmt.Errorf("%w: delete %s: %v", ErrUnavailable, key, err)
	}
	return nil
}

func (s *SQLiteStore) CompareAndDelete(ctx context.Context, key, value string) (bool, error) {
	var affected int64
	err := shared.RetryOnConflict(ctx, "turnstate_compare_and_delete", kvRetries, kvBaseDelay, func() error {
		res, err := s.db.ExecContext(ctx,
			`DELETE FROM turn_state WHERE key = ? AND value = ? AND expires_at > ?`, key, value, s.now())
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return false, fmt.Errorf("%w: compare and delete %s: %v", ErrUnavailable, key, err)
	}
	return affected == 1, nil
}

func (s *SQLiteStore) CompareAndExpire(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	now := s.now()
	var affected int64
	err := shared.RetryOnConflict(ctx, "turnstate_compare_and_expire", kvRetries, kvBaseDelay, func() error {
		res, err := s.db.ExecContext(ctx,
			`UPDATE turn_state SET expires_at = ? WHERE key = ? AND value = ? AND expires_at > ?`,
			now+ttl.Nanoseconds(), key, value, now)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return false, fmt.Errorf("%w: compare and expire %s: %v", ErrUnavailable, key, err)
	}
	return affected == 1, nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Sweep deletes expired rows.
func (s *SQLiteStore) Sweep(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM turn_state WHERE expires_at <= ?`, s.now())
	if err != nil {
		return 0, fmt.Errorf("sweep turn_state: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("get rows affected: %w", err)
	}
	return int(n), nil
}
