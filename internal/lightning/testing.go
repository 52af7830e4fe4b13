package lightning

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"
)

// FakeGateway is an in-process Gateway for tests. Set the *Err fields to make
// the matching call fail.
type FakeGateway struct {
	mu sync.Mutex

	CreateErr error
	DecodeErr error
	PayErr    error
	LookupErr error

	// PaymentSats is the amount every decoded payment request carries.
	// PaymentSats and FeeSats shape successful PayInvoice results.
	PaymentSats int64
	FeeSats     int64
	// InvoiceExpiry sets ExpiresAt on created invoices when positive.
	InvoiceExpiry time.Duration

	Created  []int64
	Paid     []string
	statuses map[string]InvoiceStatus
}

// NewFakeGateway returns an empty fake.
func NewFakeGateway() *FakeGateway {
	return &FakeGateway{statuses: make(map[string]InvoiceStatus)}
}

func (g *FakeGateway) CreateInvoice(_ context.Context, amountSats int64) (Invoice, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.Created = append(g.Created, amountSats)
	if g.CreateErr != nil {
		return Invoice{}, g.CreateErr
	}
	n := len(g.Created)
	hash := fmt.Sprintf("%064x", n)
	g.statuses[hash] = InvoiceStatus{PaymentHash: hash, State: InvoiceOpen}
	invoice := Invoice{
		PaymentRequest: fmt.Sprintf("lnbcfake%d", n),
		PaymentHash:    hash,
		AmountSats:     amountSats,
	}
	if g.InvoiceExpiry > 0 {
		invoice.ExpiresAt = time.Now().UTC().Add(g.InvoiceExpiry)
	}
	return invoice, nil
}

func (g *FakeGateway) DecodeInvoice(_ context.Context, paymentRequest string) (DecodedInvoice, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.DecodeErr != nil {
		return DecodedInvoice{}, g.DecodeErr
	}
	return DecodedInvoice{
		PaymentHash: fakePaymentHash(paymentRequest),
		AmountSats:  g.PaymentSats,
	}, nil
}

func (g *FakeGateway) PayInvoice(_ context.Context, paymentRequest string) (Payment, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.Paid = append(g.Paid, paymentRequest)
	if g.PayErr != nil {
		return Payment{}, g.PayErr
	}
	return Payment{
		PaymentHash: fakePaymentHash(paymentRequest),
		AmountSats:  g.PaymentSats,
		FeeSats:     g.FeeSats,
	}, nil
}

func (g *FakeGateway) LookupInvoice(_ context.Context, paymentHash string) (InvoiceStatus, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.LookupErr != nil {
		return InvoiceStatus{}, g.LookupErr
	}
	status, ok := g.statuses[paymentHash]
	if !ok {
		return InvoiceStatus{}, &Failure{Kind: FailureTransport, Op: opLookupInvoice, Status: 404, Message: "unable to locate invoice"}
	}
	return status, nil
}

// SetState overrides the state LookupInvoice reports for paymentHash.
func (g *FakeGateway) SetState(paymentHash string, state InvoiceState, paidSats int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.statuses[paymentHash] = InvoiceStatus{PaymentHash: paymentHash, State: state, AmountPaidSats: paidSats}
}

func fakePaymentHash(paymentRequest string) string {
	sum := sha256.Sum256([]byte(paymentRequest))
	return hex.EncodeToString(sum[:])
}
