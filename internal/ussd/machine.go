// Package ussd implements the menu conversation driven by USSD callbacks.
package ussd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/bitcoin-brave/brave_ussd/internal/ledger"
	"github.com/bitcoin-brave/brave_ussd/internal/lightning"
	"github.com/bitcoin-brave/brave_ussd/internal/session"
)

// ErrStoreUnavailable is returned when a session or ledger store call fails.
// It is a transport-level failure and never rendered as menu text.
var ErrStoreUnavailable = errors.New("store unavailable")

const (
	textWelcome         = "Welcome to Bitcoin Brave ⚡\nEnter your phone number:"
	textInvalidRequest  = "Invalid request. Please dial again."
	textInvalidPhone    = "Invalid number. Enter phone number:"
	textMenu            = "Bitcoin Brave ⚡\n1. Check Balance\n2. Receive sats\n3. Send sats\n4. Exit"
	textBalance         = "Wallet Balance: %d sats"
	textEnterAmount     = "Enter amount in sats:"
	textEnterInvoice    = "Enter Lightning Invoice:"
	textGoodbye         = "Goodbye 👋🏾"
	textInvalidAmount   = "Invalid amount. Enter sats:"
	textInvoice         = "Invoice:\n%s"
	textInvoiceFailed   = "Error generating invoice"
	textPaymentSent     = "Payment Sent ✅"
	textPaymentFailed   = "Payment failed"
	textUnexpectedError = "Unexpected error"
)

const minPhoneLength = 10

// Kind tells the aggregator whether the conversation continues.
type Kind int

const (
	Continue Kind = iota
	End
)

// Response is the text shown on the handset.
type Response struct {
	Kind Kind
	Text string
}

// String renders the response with its CON or END directive.
func (r Response) String() string {
	if r.Kind == Continue {
		return "CON " + r.Text
	}
	return "END " + r.Text
}

func con(text string) Response { return Response{Kind: Continue, Text: text} }
func end(text string) Response { return Response{Kind: End, Text: text} }

// Request is one hop of a USSD conversation.
type Request struct {
	SessionID   string
	Text        string
	PhoneNumber string
	ServiceCode string
}

// Payments issues and pays Lightning invoices on behalf of a wallet.
type Payments interface {
	Receive(ctx context.Context, phone string, amountSats int64) (lightning.Invoice, error)
	Send(ctx context.Context, phone, paymentRequest string) (lightning.Payment, error)
}

// Machine advances a session by one step per request.
type Machine struct {
	sessions session.Store
	ledger   ledger.Ledger
	payments Payments
	logger   *slog.Logger
}

// NewMachine wires the state machine to its stores and payment service.
func NewMachine(sessions session.Store, ledgerBackend ledger.Ledger, payments Payments, logger *slog.Logger) *Machine {
	return &Machine{sessions: sessions, ledger: ledgerBackend, payments: payments, logger: logger}
}

// Handle loads or starts the session for req, applies the input and persists
// the next stage.
func (m *Machine) Handle(ctx context.Context, req Request) (Response, error) {
	if req.SessionID == "" {
		return Response{}, errors.New("session id is required")
	}

	sess, err := m.load(ctx, req.SessionID)
	if err != nil {
		return Response{}, err
	}
	input := strings.TrimSpace(req.Text)

	switch sess.Stage {
	case session.StageWelcome:
		return m.welcome(ctx, sess, input)
	case session.StageEnterPhone:
		return m.enterPhone(ctx, sess, input)
	case session.StageMainMenu:
		return m.mainMenu(ctx, sess, input)
	case session.StageEnterReceiveAmount:
		return m.enterReceiveAmount(ctx, sess, input)
	case session.StageEnterInvoice:
		return m.enterInvoice(ctx, sess, input)
	default:
		m.logger.Error("unmatched session stage",
			slog.String("session_id", sess.ID),
			slog.String("stage", string(sess.Stage)),
		)
		return end(textUnexpectedError), nil
	}
}

func (m *Machine) load(ctx context.Context, id string) (session.Session, error) {
	sess, err := m.sessions.Get(ctx, id)
	if err == nil {
		return sess, nil
	}
	if !errors.Is(err, session.ErrNotFound) {
		return session.Session{}, storeErr("load session", err)
	}
	sess, err = m.sessions.Create(ctx, id, session.StageWelcome)
	if err != nil {
		return session.Session{}, storeErr("create session", err)
	}
	return sess, nil
}

func (m *Machine) moveTo(ctx context.Context, sess session.Session, stage session.Stage) error {
	return m.save(ctx, sess, session.Changes{Stage: stage})
}

func (m *Machine) save(ctx context.Context, sess session.Session, changes session.Changes) error {
	if err := m.sessions.Update(ctx, sess.ID, changes); err != nil {
		return storeErr("update session", err)
	}
	return nil
}

func (m *Machine) welcome(ctx context.Context, sess session.Session, input string) (Response, error) {
	if input != "" {
		return end(textInvalidRequest), nil
	}
	if err := m.moveTo(ctx, sess, session.StageEnterPhone); err != nil {
		return Response{}, err
	}
	return con(textWelcome), nil
}

func (m *Machine) enterPhone(ctx context.Context, sess session.Session, input string) (Response, error) {
	if !ValidPhone(input) {
		if err := m.moveTo(ctx, sess, session.StageEnterPhone); err != nil {
			return Response{}, err
		}
		return con(textInvalidPhone), nil
	}
	if _, err := m.ledger.GetOrCreate(ctx, input); err != nil {
		return Response{}, storeErr("get or create user", err)
	}
	if err := m.save(ctx, sess, session.Changes{Stage: session.StageMainMenu, Phone: input}); err != nil {
		return Response{}, err
	}
	return con(textMenu), nil
}

func (m *Machine) mainMenu(ctx context.Context, sess session.Session, input string) (Response, error) {
	switch input {
	case "1":
		balance, err := m.ledger.Balance(ctx, sess.Phone)
		if errors.Is(err, ledger.ErrUserNotFound) {
			m.logger.Error("wallet missing for session",
				slog.String("session_id", sess.ID),
				slog.String("phone", sess.Phone),
			)
			return end(textUnexpectedError), nil
		}
		if err != nil {
			return Response{}, storeErr("read balance", err)
		}
		if err := m.moveTo(ctx, sess, session.StageMainMenu); err != nil {
			return Response{}, err
		}
		return end(fmt.Sprintf(textBalance, balance)), nil
	case "2":
		if err := m.moveTo(ctx, sess, session.StageEnterReceiveAmount); err != nil {
			return Response{}, err
		}
		return con(textEnterAmount), nil
	case "3":
		if err := m.moveTo(ctx, sess, session.StageEnterInvoice); err != nil {
			return Response{}, err
		}
		return con(textEnterInvoice), nil
	default:
		if err := m.moveTo(ctx, sess, session.StageMainMenu); err != nil {
			return Response{}, err
		}
		return end(textGoodbye), nil
	}
}

func (m *Machine) enterReceiveAmount(ctx context.Context, sess session.Session, input string) (Response, error) {
	amount, err := strconv.ParseInt(input, 10, 64)
	if err != nil {
		if err := m.moveTo(ctx, sess, session.StageEnterReceiveAmount); err != nil {
			return Response{}, err
		}
		return con(textInvalidAmount), nil
	}

	// The stage is committed before the gateway call and is not rolled back.
	if err := m.moveTo(ctx, sess, session.StageMainMenu); err != nil {
		return Response{}, err
	}

	invoice, err := m.payments.Receive(ctx, sess.Phone, amount)
	if err != nil {
		m.gatewayFailure("create invoice", sess, err)
		return end(textInvoiceFailed), nil
	}
	return end(fmt.Sprintf(textInvoice, invoice.PaymentRequest)), nil
}

func (m *Machine) enterInvoice(ctx context.Context, sess session.Session, input string) (Response, error) {
	if err := m.moveTo(ctx, sess, session.StageMainMenu); err != nil {
		return Response{}, err
	}

	if _, err := m.payments.Send(ctx, sess.Phone, input); err != nil {
		m.gatewayFailure("pay invoice", sess, err)
		return end(textPaymentFailed), nil
	}
	return end(textPaymentSent), nil
}

func (m *Machine) gatewayFailure(op string, sess session.Session, err error) {
	attrs := []any{
		slog.String("op", op),
		slog.String("session_id", sess.ID),
		slog.String("phone", sess.Phone),
		slog.Any("error", err),
	}
	if errors.Is(err, ledger.ErrInsufficientFunds) {
		m.logger.Warn("payment exceeds wallet balance", attrs...)
		return
	}
	if f, ok := lightning.AsFailure(err); ok {
		attrs = append(attrs, slog.String("kind", string(f.Kind)))
		if f.Kind == lightning.FailureRejected {
			m.logger.Warn("lightning call rejected", attrs...)
			return
		}
	}
	m.logger.Error("lightning call failed", attrs...)
}

// ValidPhone reports whether s is at least ten ASCII digits.
func ValidPhone(s string) bool {
	if len(s) < minPhoneLength {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

func storeErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStoreUnavailable, op, err)
}
