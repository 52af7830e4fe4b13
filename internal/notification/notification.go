package notification

import (
	"context"
	"log/slog"
	"time"
)

const (
	// KindInvoiceCreated is emitted when a receive invoice is issued.
	KindInvoiceCreated = "invoice_created"
	// KindInvoiceSettled is emitted when a tracked invoice is paid and credited.
	KindInvoiceSettled = "invoice_settled"
	// KindPaymentSent is emitted when an outgoing payment succeeds.
	KindPaymentSent = "payment_sent"
	// KindPaymentFailed is emitted when an outgoing payment fails.
	KindPaymentFailed = "payment_failed"
)

// Message describes a payment event.
type Message struct {
	Kind        string    `json:"kind"`
	Destination string    `json:"destination"`
	Body        string    `json:"body"`
	AmountSats  int64     `json:"amount_sats"`
	Reference   string    `json:"reference,omitempty"`
	OccurredAt  time.Time `json:"occurred_at"`
}

// Notifier delivers notifications to downstream systems.
type Notifier interface {
	Send(ctx context.Context, message Message) error
}

// LoggerNotifier writes notifications to the structured logger. It is used
// when no broker is configured.
type LoggerNotifier struct {
	logger *slog.Logger
}

// NewLoggerNotifier constructs a logging notifier.
func NewLoggerNotifier(logger *slog.Logger) *LoggerNotifier {
	return &LoggerNotifier{logger: logger}
}

// Send writes the message to the structured logger.
func (n *LoggerNotifier) Send(_ context.Context, message Message) error {
	if n == nil || n.logger == nil {
		return nil
	}
	n.logger.Info("notification",
		"kind", message.Kind,
		"destination", message.Destination,
		"amount_sats", message.AmountSats,
		"reference", message.Reference,
		"body", message.Body,
	)
	return nil
}
