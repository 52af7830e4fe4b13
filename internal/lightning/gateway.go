// Package lightning talks to the Lightning node that holds the wallet's funds.
package lightning

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// FailureKind classifies why a gateway call did not succeed.
type FailureKind string

const (
	FailureTimeout      FailureKind = "timeout"
	FailureUnauthorized FailureKind = "unauthorized"
	FailureMalformed    FailureKind = "malformed"
	FailureTransport    FailureKind = "transport"
	FailureRejected     FailureKind = "rejected"
)

// Failure is the error returned by every Gateway operation that did not
// complete. Callers never retry; they report and move on.
type Failure struct {
	Kind    FailureKind
	Op      string
	Status  int
	Message string
}

func (f *Failure) Error() string {
	if f.Status != 0 {
		return fmt.Sprintf("lightning %s: %s (status %d): %s", f.Op, f.Kind, f.Status, f.Message)
	}
	return fmt.Sprintf("lightning %s: %s: %s", f.Op, f.Kind, f.Message)
}

// AsFailure extracts a *Failure from err.
func AsFailure(err error) (*Failure, bool) {
	var f *Failure
	if errors.As(err, &f) {
		return f, true
	}
	return nil, false
}

// Invoice is a payment request issued by the node.
type Invoice struct {
	PaymentRequest string
	PaymentHash    string // hex
	AmountSats     int64
	ExpiresAt      time.Time
}

// Payment is a confirmed outgoing payment.
type Payment struct {
	PaymentHash string // hex
	Preimage    string // hex
	AmountSats  int64
	FeeSats     int64
}

// Total is the amount that left the node, fees included.
func (p Payment) Total() int64 {
	return p.AmountSats + p.FeeSats
}

// DecodedInvoice is the node's reading of a payment request before it is paid.
type DecodedInvoice struct {
	PaymentHash string // hex
	AmountSats  int64  // zero for any-amount invoices
	Description string
	ExpiresAt   time.Time
}

// Expired reports whether the invoice can no longer be paid at now.
func (d DecodedInvoice) Expired(now time.Time) bool {
	return !d.ExpiresAt.IsZero() && !now.Before(d.ExpiresAt)
}

// Definitive reports whether err means the node refused the call outright,
// as opposed to a call whose outcome is unknown.
func Definitive(err error) bool {
	f, ok := AsFailure(err)
	if !ok {
		return false
	}
	switch f.Kind {
	case FailureRejected, FailureUnauthorized:
		return true
	case FailureTransport:
		return f.Status != 0
	}
	return false
}

// InvoiceState mirrors LND's invoice lifecycle.
type InvoiceState string

const (
	InvoiceOpen     InvoiceState = "OPEN"
	InvoiceSettled  InvoiceState = "SETTLED"
	InvoiceCanceled InvoiceState = "CANCELED"
	InvoiceAccepted InvoiceState = "ACCEPTED"
)

// InvoiceStatus is the node's current view of an invoice.
type InvoiceStatus struct {
	PaymentHash    string
	State          InvoiceState
	AmountPaidSats int64
	SettledAt      time.Time
}

// Gateway is the narrow surface of the payment backend the wallet relies on.
type Gateway interface {
	CreateInvoice(ctx context.Context, amountSats int64) (Invoice, error)
	DecodeInvoice(ctx context.Context, paymentRequest string) (DecodedInvoice, error)
	PayInvoice(ctx context.Context, paymentRequest string) (Payment, error)
	LookupInvoice(ctx context.Context, paymentHash string) (InvoiceStatus, error)
}
