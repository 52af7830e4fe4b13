package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresLedger persists wallet users and their entries in PostgreSQL.
type PostgresLedger struct {
	db *pgxpool.Pool
}

// NewPostgresLedger constructs a Postgres-backed ledger implementation.
func NewPostgresLedger(db *pgxpool.Pool) *PostgresLedger {
	return &PostgresLedger{db: db}
}

// Migrate applies the embedded schema. Statements are idempotent.
func (l *PostgresLedger) Migrate(ctx context.Context) error {
	schema, err := schemaFS.ReadFile("schema/postgres.sql")
	if err != nil {
		return fmt.Errorf("read postgres schema: %w", err)
	}
	if _, err := l.db.Exec(ctx, string(schema)); err != nil {
		return fmt.Errorf("apply postgres schema: %w", err)
	}
	return nil
}

// GetOrCreate inserts the user if absent and returns the stored record.
func (l *PostgresLedger) GetOrCreate(ctx context.Context, phone string) (User, error) {
	if _, err := l.db.Exec(ctx, `INSERT INTO wallet_users (phone) VALUES ($1)
        ON CONFLICT (phone) DO NOTHING`, phone); err != nil {
		return User{}, fmt.Errorf("insert user: %w", err)
	}

	row := l.db.QueryRow(ctx, `SELECT phone, balance_sats, created_at, updated_at
        FROM wallet_users WHERE phone = $1`, phone)
	var user User
	if err := row.Scan(&user.Phone, &user.BalanceSats, &user.CreatedAt, &user.UpdatedAt); err != nil {
		return User{}, fmt.Errorf("load user: %w", err)
	}
	user.CreatedAt = user.CreatedAt.UTC()
	user.UpdatedAt = user.UpdatedAt.UTC()
	return user, nil
}

// Balance returns the stored balance for phone.
func (l *PostgresLedger) Balance(ctx context.Context, phone string) (int64, error) {
	var balance int64
	err := l.db.QueryRow(ctx, `SELECT balance_sats FROM wallet_users WHERE phone = $1`, phone).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrUserNotFound
		}
		return 0, err
	}
	return balance, nil
}

// Adjust locks the user row, checks for a prior posting with the same
// (kind, reference) and applies delta within one transaction.
func (l *PostgresLedger) Adjust(ctx context.Context, phone string, delta int64, kind, reference string) (int64, error) {
	if reference == "" {
		reference = uuid.NewString()
	}

	tx, err := l.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	var balance int64
	if err := tx.QueryRow(ctx, `SELECT balance_sats FROM wallet_users WHERE phone = $1 FOR UPDATE`, phone).Scan(&balance); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrUserNotFound
		}
		return 0, err
	}

	var existing uuid.UUID
	err = tx.QueryRow(ctx, `SELECT id FROM wallet_entries WHERE kind = $1 AND reference = $2`, kind, reference).Scan(&existing)
	switch {
	case err == nil:
		return balance, ErrDuplicateTransaction
	case !errors.Is(err, pgx.ErrNoRows):
		return 0, err
	}

	next := balance + delta
	if next < 0 {
		return balance, ErrInsufficientFunds
	}

	now := time.Now().UTC()
	if _, err := tx.Exec(ctx, `UPDATE wallet_users SET balance_sats = $1, updated_at = $2 WHERE phone = $3`, next, now, phone); err != nil {
		return 0, err
	}
	if _, err := tx.Exec(ctx, `INSERT INTO wallet_entries (id, phone, kind, reference, amount_sats, balance_after, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7)`, uuid.New(), phone, kind, reference, delta, next, now); err != nil {
		return 0, err
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return next, nil
}
