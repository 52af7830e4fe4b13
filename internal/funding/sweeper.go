// Package funding credits wallets when invoices they issued are paid.
package funding

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bitcoin-brave/brave_ussd/internal/ledger"
	"github.com/bitcoin-brave/brave_ussd/internal/lightning"
	"github.com/bitcoin-brave/brave_ussd/internal/notification"
)

const (
	sweepBatch = 50
	// maxSweepBatches bounds one pass; the rest waits for the next tick.
	maxSweepBatches = 40
)

// SweepResult summarises one pass over the pending invoices.
type SweepResult struct {
	Checked  int
	Settled  int
	Canceled int
	Expired  int
	Failed   int
}

// Sweeper polls the node for tracked invoices and credits the ledger once an
// invoice settles.
type Sweeper struct {
	store    Store
	gateway  lightning.Gateway
	ledger   ledger.Ledger
	notifier notification.Notifier
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

// NewSweeper prepares a sweeper. A non-positive interval disables Run.
func NewSweeper(store Store, gateway lightning.Gateway, ledgerBackend ledger.Ledger, notifier notification.Notifier, interval time.Duration, logger *slog.Logger) (*Sweeper, error) {
	if store == nil || gateway == nil || ledgerBackend == nil {
		return nil, fmt.Errorf("store, gateway and ledger are required")
	}
	return &Sweeper{
		store:    store,
		gateway:  gateway,
		ledger:   ledgerBackend,
		notifier: notifier,
		interval: interval,
		logger:   logger,
		now:      time.Now,
	}, nil
}

// Run sweeps on every tick until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	if s.interval <= 0 {
		s.logger.Info("settlement sweeper disabled")
		return
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res, err := s.Sweep(ctx)
			if err != nil {
				s.logger.Error("settlement sweep failed", slog.Any("error", err))
				continue
			}
			if res.Settled > 0 || res.Failed > 0 {
				s.logger.Info("settlement sweep",
					slog.Int("checked", res.Checked),
					slog.Int("settled", res.Settled),
					slog.Int("canceled", res.Canceled),
					slog.Int("expired", res.Expired),
					slog.Int("failed", res.Failed),
				)
			}
		}
	}
}

// Sweep looks up every pending invoice once. Invoices that stay pending are
// requeued behind the rest, so a large backlog of open invoices never hides a
// newer one. An expired invoice is dropped only after a lookup past its expiry
// found it unpaid.
func (s *Sweeper) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	seen := make(map[string]struct{})
	for batch := 0; batch < maxSweepBatches; batch++ {
		pending, err := s.store.Pending(ctx, sweepBatch)
		if err != nil {
			return res, err
		}
		if len(pending) == 0 {
			return res, nil
		}
		if _, ok := seen[pending[0].PaymentHash]; ok {
			return res, nil
		}
		for _, inv := range pending {
			if _, ok := seen[inv.PaymentHash]; ok {
				continue
			}
			seen[inv.PaymentHash] = struct{}{}
			res.Checked++
			if !s.check(ctx, inv, &res) {
				s.requeue(ctx, inv)
			}
		}
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
	}
	return res, nil
}

// check looks up one invoice and reports whether it is done with.
func (s *Sweeper) check(ctx context.Context, inv PendingInvoice, res *SweepResult) bool {
	status, err := s.gateway.LookupInvoice(ctx, inv.PaymentHash)
	if err != nil {
		res.Failed++
		s.logger.Warn("invoice lookup failed",
			slog.String("payment_hash", inv.PaymentHash),
			slog.Any("error", err),
		)
		return false
	}

	switch status.State {
	case lightning.InvoiceSettled:
		if err := s.settle(ctx, inv, status); err != nil {
			res.Failed++
			s.logger.Error("credit settled invoice",
				slog.String("payment_hash", inv.PaymentHash),
				slog.String("phone", inv.Phone),
				slog.Any("error", err),
			)
			return false
		}
		res.Settled++
		return true
	case lightning.InvoiceCanceled:
		if err := s.store.Resolve(ctx, inv.PaymentHash); err != nil {
			res.Failed++
			return false
		}
		res.Canceled++
		return true
	case lightning.InvoiceOpen:
		if !inv.Expired(s.now()) {
			return false
		}
		if err := s.store.Resolve(ctx, inv.PaymentHash); err != nil {
			res.Failed++
			return false
		}
		res.Expired++
		return true
	}
	return false
}

func (s *Sweeper) requeue(ctx context.Context, inv PendingInvoice) {
	if err := s.store.Requeue(ctx, inv.PaymentHash); err != nil {
		s.logger.Warn("requeue invoice",
			slog.String("payment_hash", inv.PaymentHash),
			slog.Any("error", err),
		)
	}
}

func (s *Sweeper) settle(ctx context.Context, inv PendingInvoice, status lightning.InvoiceStatus) error {
	amount := status.AmountPaidSats
	if amount <= 0 {
		amount = inv.AmountSats
	}

	if _, err := s.ledger.GetOrCreate(ctx, inv.Phone); err != nil {
		return err
	}
	balance, err := s.ledger.Adjust(ctx, inv.Phone, amount, ledger.KindLightningReceive, inv.PaymentHash)
	duplicate := errors.Is(err, ledger.ErrDuplicateTransaction)
	if err != nil && !duplicate {
		return err
	}

	if err := s.store.Resolve(ctx, inv.PaymentHash); err != nil {
		return err
	}
	if duplicate || s.notifier == nil {
		return nil
	}

	if err := s.notifier.Send(ctx, notification.Message{
		Kind:        notification.KindInvoiceSettled,
		Destination: inv.Phone,
		Body:        fmt.Sprintf("Received %d sats. New balance: %d sats", amount, balance),
		AmountSats:  amount,
		Reference:   inv.PaymentHash,
		OccurredAt:  time.Now().UTC(),
	}); err != nil {
		s.logger.Warn("notify settlement", slog.Any("error", err))
	}
	return nil
}
