package funding

import (
	"context"
	"sort"
	"sync"
	"time"
)

// DefaultExpiryGrace is how long an invoice stays tracked after it expires.
const DefaultExpiryGrace = 5 * time.Minute

// ExpiryGrace keeps an expired invoice tracked for at least a few sweeps.
func ExpiryGrace(interval time.Duration) time.Duration {
	if g := 4 * interval; g > DefaultExpiryGrace {
		return g
	}
	return DefaultExpiryGrace
}

// PendingInvoice is a receive invoice awaiting settlement.
type PendingInvoice struct {
	PaymentHash    string    `json:"payment_hash"`
	Phone          string    `json:"phone"`
	AmountSats     int64     `json:"amount_sats"`
	PaymentRequest string    `json:"payment_request"`
	CreatedAt      time.Time `json:"created_at"`
	ExpiresAt      time.Time `json:"expires_at"`
}

// Expired reports whether the node stopped accepting payment for the invoice.
func (p PendingInvoice) Expired(now time.Time) bool {
	return !p.ExpiresAt.IsZero() && now.After(p.ExpiresAt)
}

// Store tracks invoices between issue and settlement. Invoices are dropped on
// their own only once the expiry grace has passed.
type Store interface {
	Track(ctx context.Context, invoice PendingInvoice) error
	// Pending returns up to limit invoices, least recently checked first.
	Pending(ctx context.Context, limit int) ([]PendingInvoice, error)
	// Requeue moves an invoice behind every other tracked invoice.
	Requeue(ctx context.Context, paymentHash string) error
	Resolve(ctx context.Context, paymentHash string) error
}

type trackedInvoice struct {
	invoice PendingInvoice
	order   int64
}

type memoryStore struct {
	mu       sync.Mutex
	invoices map[string]trackedInvoice
	tail     int64
	grace    time.Duration
	now      func() time.Time
}

// NewMemoryStore builds an in-memory pending invoice store.
func NewMemoryStore() Store {
	return &memoryStore{
		invoices: make(map[string]trackedInvoice),
		grace:    DefaultExpiryGrace,
		now:      time.Now,
	}
}

func (s *memoryStore) Track(_ context.Context, invoice PendingInvoice) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	order := invoice.CreatedAt.UnixNano()
	if order > s.tail {
		s.tail = order
	}
	s.invoices[invoice.PaymentHash] = trackedInvoice{invoice: invoice, order: order}
	return nil
}

func (s *memoryStore) Pending(_ context.Context, limit int) ([]PendingInvoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := s.now().Add(-s.grace)
	tracked := make([]trackedInvoice, 0, len(s.invoices))
	for hash, t := range s.invoices {
		if t.invoice.Expired(cutoff) {
			delete(s.invoices, hash)
			continue
		}
		tracked = append(tracked, t)
	}
	sort.Slice(tracked, func(i, j int) bool {
		if tracked[i].order != tracked[j].order {
			return tracked[i].order < tracked[j].order
		}
		return tracked[i].invoice.PaymentHash < tracked[j].invoice.PaymentHash
	})
	if limit > 0 && len(tracked) > limit {
		tracked = tracked[:limit]
	}
	out := make([]PendingInvoice, len(tracked))
	for i, t := range tracked {
		out[i] = t.invoice
	}
	return out, nil
}

func (s *memoryStore) Requeue(_ context.Context, paymentHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.invoices[paymentHash]
	if !ok {
		return nil
	}
	s.tail++
	t.order = s.tail
	s.invoices[paymentHash] = t
	return nil
}

func (s *memoryStore) Resolve(_ context.Context, paymentHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.invoices, paymentHash)
	return nil
}
