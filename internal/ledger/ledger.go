package ledger

import (
	"context"
	"embed"
	"errors"
	"time"
)

var (
	// ErrInsufficientFunds occurs when a posting would drive a balance below zero.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrDuplicateTransaction indicates the (kind, reference) pair was already
	// posted and therefore the operation should be treated as idempotent.
	ErrDuplicateTransaction = errors.New("duplicate transaction")

	// ErrUserNotFound is returned for phone numbers with no wallet record.
	ErrUserNotFound = errors.New("user not found")
)

const (
	// KindLightningReceive credits a settled incoming invoice.
	KindLightningReceive = "ln_receive"
	// KindLightningSend holds the invoice amount before an outgoing payment.
	KindLightningSend = "ln_send"
	// KindLightningRefund returns a hold whose payment the node refused.
	KindLightningRefund = "ln_refund"
	// KindLightningFee debits routing fees once a payment completes.
	KindLightningFee = "ln_fee"
)

//go:embed schema/*.sql
var schemaFS embed.FS

// User is a wallet owner identified by phone number.
type User struct {
	Phone       string
	BalanceSats int64
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Ledger defines the contract implemented by ledger backends (e.g. Postgres).
type Ledger interface {
	// GetOrCreate returns the user for phone, creating it with a zero balance
	// when absent.
	GetOrCreate(ctx context.Context, phone string) (User, error)
	Balance(ctx context.Context, phone string) (int64, error)
	// Adjust atomically applies delta to the user's balance and records a
	// ledger entry keyed by (kind, reference). It never lets a balance go
	// negative.
	Adjust(ctx context.Context, phone string, delta int64, kind, reference string) (int64, error)
}
