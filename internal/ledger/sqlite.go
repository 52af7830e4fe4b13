package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteLedger stores wallet users in a single SQLite file. It is meant for
// single-node deployments; all writes go through one connection.
type SQLiteLedger struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the SQLite database at path and
// applies the embedded schema.
func OpenSQLite(ctx context.Context, path string) (*SQLiteLedger, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	dsn := "file:" + filepath.Clean(path) +
		"?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}

	l := NewSQLiteLedger(db)
	if err := l.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return l, nil
}

// NewSQLiteLedger wraps an already opened SQLite handle.
func NewSQLiteLedger(db *sql.DB) *SQLiteLedger {
	return &SQLiteLedger{db: db}
}

// DB exposes the underlying handle for health checks.
func (l *SQLiteLedger) DB() *sql.DB {
	return l.db
}

// Close closes the SQLite handle.
func (l *SQLiteLedger) Close() error {
	if l == nil || l.db == nil {
		return nil
	}
	return l.db.Close()
}

// Migrate applies the embedded schema.
func (l *SQLiteLedger) Migrate(ctx context.Context) error {
	schema, err := schemaFS.ReadFile("schema/sqlite.sql")
	if err != nil {
		return fmt.Errorf("read sqlite schema: %w", err)
	}
	if _, err := l.db.ExecContext(ctx, string(schema)); err != nil {
		return fmt.Errorf("apply sqlite schema: %w", err)
	}
	return nil
}

// GetOrCreate inserts the user if absent and returns the stored record.
func (l *SQLiteLedger) GetOrCreate(ctx context.Context, phone string) (User, error) {
	now := toMillis(time.Now())
	if _, err := l.db.ExecContext(ctx, `INSERT INTO wallet_users (phone, balance_sats, created_at, updated_at)
        VALUES (?, 0, ?, ?) ON CONFLICT (phone) DO NOTHING`, phone, now, now); err != nil {
		return User{}, fmt.Errorf("insert user: %w", err)
	}

	var (
		user               User
		createdAt, updated int64
	)
	row := l.db.QueryRowContext(ctx, `SELECT phone, balance_sats, created_at, updated_at
        FROM wallet_users WHERE phone = ?`, phone)
	if err := row.Scan(&user.Phone, &user.BalanceSats, &createdAt, &updated); err != nil {
		return User{}, fmt.Errorf("load user: %w", err)
	}
	user.CreatedAt = fromMillis(createdAt)
	user.UpdatedAt = fromMillis(updated)
	return user, nil
}

// Balance returns the stored balance for phone.
func (l *SQLiteLedger) Balance(ctx context.Context, phone string) (int64, error) {
	var balance int64
	err := l.db.QueryRowContext(ctx, `SELECT balance_sats FROM wallet_users WHERE phone = ?`, phone).Scan(&balance)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrUserNotFound
		}
		return 0, err
	}
	return balance, nil
}

// Adjust applies delta and records the entry in one transaction.
func (l *SQLiteLedger) Adjust(ctx context.Context, phone string, delta int64, kind, reference string) (int64, error) {
	if reference == "" {
		reference = uuid.NewString()
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback() // nolint:errcheck

	var balance int64
	if err := tx.QueryRowContext(ctx, `SELECT balance_sats FROM wallet_users WHERE phone = ?`, phone).Scan(&balance); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrUserNotFound
		}
		return 0, err
	}

	var existing string
	err = tx.QueryRowContext(ctx, `SELECT id FROM wallet_entries WHERE kind = ? AND reference = ?`, kind, reference).Scan(&existing)
	switch {
	case err == nil:
		return balance, ErrDuplicateTransaction
	case !errors.Is(err, sql.ErrNoRows):
		return 0, err
	}

	next := balance + delta
	if next < 0 {
		return balance, ErrInsufficientFunds
	}

	now := toMillis(time.Now())
	if _, err := tx.ExecContext(ctx, `UPDATE wallet_users SET balance_sats = ?, updated_at = ? WHERE phone = ?`, next, now, phone); err != nil {
		return 0, err
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO wallet_entries (id, phone, kind, reference, amount_sats, balance_after, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?)`, uuid.NewString(), phone, kind, reference, delta, next, now); err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return next, nil
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}
