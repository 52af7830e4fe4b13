package payments

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/bitcoin-brave/brave_ussd/internal/funding"
	"github.com/bitcoin-brave/brave_ussd/internal/ledger"
	"github.com/bitcoin-brave/brave_ussd/internal/lightning"
	"github.com/bitcoin-brave/brave_ussd/internal/notification"
)

var (
	// ErrAmountRequired rejects any-amount invoices, which the wallet cannot price.
	ErrAmountRequired = errors.New("invoice carries no amount")
	ErrInvoiceExpired = errors.New("invoice has expired")
)

// Service coordinates Lightning calls with wallet ledger postings.
type Service struct {
	gateway  lightning.Gateway
	ledger   ledger.Ledger
	invoices funding.Store
	notifier notification.Notifier
	logger   *slog.Logger
}

// NewService constructs a payment service. invoices and notifier may be nil.
func NewService(gateway lightning.Gateway, ledgerBackend ledger.Ledger, invoices funding.Store, notifier notification.Notifier, logger *slog.Logger) *Service {
	return &Service{
		gateway:  gateway,
		ledger:   ledgerBackend,
		invoices: invoices,
		notifier: notifier,
		logger:   logger,
	}
}

// Receive issues an invoice for phone and tracks it until it settles.
func (s *Service) Receive(ctx context.Context, phone string, amountSats int64) (lightning.Invoice, error) {
	invoice, err := s.gateway.CreateInvoice(ctx, amountSats)
	if err != nil {
		return lightning.Invoice{}, err
	}

	if s.invoices != nil {
		now := time.Now().UTC()
		err := s.invoices.Track(ctx, funding.PendingInvoice{
			PaymentHash:    invoice.PaymentHash,
			Phone:          phone,
			AmountSats:     amountSats,
			PaymentRequest: invoice.PaymentRequest,
			CreatedAt:      now,
			ExpiresAt:      invoice.ExpiresAt,
		})
		if err != nil {
			// The invoice exists on the node; the user still gets it.
			s.logger.Error("track invoice",
				slog.String("payment_hash", invoice.PaymentHash),
				slog.String("phone", phone),
				slog.Any("error", err),
			)
		}
	}

	s.notify(ctx, notification.Message{
		Kind:        notification.KindInvoiceCreated,
		Destination: phone,
		Body:        fmt.Sprintf("Invoice for %d sats created", amountSats),
		AmountSats:  amountSats,
		Reference:   invoice.PaymentHash,
	})
	return invoice, nil
}

// Send pays paymentRequest on behalf of phone. The invoice amount is held
// against the wallet before the node pays; the hold is returned only when the
// node refused the payment, and routing fees are debited once it completes.
func (s *Service) Send(ctx context.Context, phone, paymentRequest string) (lightning.Payment, error) {
	decoded, err := s.gateway.DecodeInvoice(ctx, paymentRequest)
	if err == nil {
		switch {
		case decoded.AmountSats <= 0:
			err = ErrAmountRequired
		case decoded.Expired(time.Now()):
			err = ErrInvoiceExpired
		}
	}
	if err != nil {
		s.failed(ctx, phone, "", 0)
		return lightning.Payment{}, err
	}

	reference := decoded.PaymentHash + ":" + uuid.NewString()
	if err := s.hold(ctx, phone, decoded.AmountSats, reference); err != nil {
		s.failed(ctx, phone, decoded.PaymentHash, decoded.AmountSats)
		return lightning.Payment{}, err
	}

	payment, err := s.gateway.PayInvoice(ctx, paymentRequest)
	if err != nil {
		s.release(ctx, phone, decoded.AmountSats, reference, err)
		s.failed(ctx, phone, decoded.PaymentHash, decoded.AmountSats)
		return lightning.Payment{}, err
	}
	if payment.AmountSats <= 0 {
		payment.AmountSats = decoded.AmountSats
	}
	if payment.PaymentHash == "" {
		payment.PaymentHash = decoded.PaymentHash
	}

	s.chargeFee(ctx, phone, payment, reference)
	s.notify(ctx, notification.Message{
		Kind:        notification.KindPaymentSent,
		Destination: phone,
		Body:        fmt.Sprintf("Sent %d sats (fee %d)", payment.AmountSats, payment.FeeSats),
		AmountSats:  payment.Total(),
		Reference:   payment.PaymentHash,
	})
	return payment, nil
}

func (s *Service) hold(ctx context.Context, phone string, amountSats int64, reference string) error {
	if _, err := s.ledger.GetOrCreate(ctx, phone); err != nil {
		return err
	}
	_, err := s.ledger.Adjust(ctx, phone, -amountSats, ledger.KindLightningSend, reference)
	return err
}

// release refunds a hold when the node refused the payment. Any other outcome
// may still complete on the node, so the hold stays for an operator to settle.
func (s *Service) release(ctx context.Context, phone string, amountSats int64, reference string, cause error) {
	attrs := []any{
		slog.String("phone", phone),
		slog.String("reference", reference),
		slog.Int64("amount_sats", amountSats),
		slog.Any("error", cause),
	}
	if !lightning.Definitive(cause) {
		s.logger.Error("payment outcome unknown, hold kept", attrs...)
		return
	}
	if _, err := s.ledger.Adjust(ctx, phone, amountSats, ledger.KindLightningRefund, reference); err != nil && !errors.Is(err, ledger.ErrDuplicateTransaction) {
		s.logger.Error("refund payment hold", append(attrs, slog.Any("refund_error", err))...)
	}
}

// chargeFee debits routing fees. The payment already left the node, so a
// shortfall is reported and never undoes it.
func (s *Service) chargeFee(ctx context.Context, phone string, payment lightning.Payment, reference string) {
	if payment.FeeSats <= 0 {
		return
	}
	_, err := s.ledger.Adjust(ctx, phone, -payment.FeeSats, ledger.KindLightningFee, reference)
	switch {
	case err == nil, errors.Is(err, ledger.ErrDuplicateTransaction):
	case errors.Is(err, ledger.ErrInsufficientFunds):
		s.logger.Warn("routing fee exceeded wallet balance",
			slog.String("phone", phone),
			slog.String("payment_hash", payment.PaymentHash),
			slog.Int64("fee_sats", payment.FeeSats),
		)
	default:
		s.logger.Error("debit routing fee",
			slog.String("phone", phone),
			slog.String("payment_hash", payment.PaymentHash),
			slog.Any("error", err),
		)
	}
}

func (s *Service) failed(ctx context.Context, phone, paymentHash string, amountSats int64) {
	s.notify(ctx, notification.Message{
		Kind:        notification.KindPaymentFailed,
		Destination: phone,
		Body:        "Payment failed",
		AmountSats:  amountSats,
		Reference:   paymentHash,
	})
}

func (s *Service) notify(ctx context.Context, msg notification.Message) {
	if s.notifier == nil {
		return
	}
	msg.OccurredAt = time.Now().UTC()
	if err := s.notifier.Send(ctx, msg); err != nil {
		s.logger.Warn("send notification", slog.String("kind", msg.Kind), slog.Any("error", err))
	}
}
