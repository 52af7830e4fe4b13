package lightning

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/valyala/fasthttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const (
	macaroonHeader = "Grpc-Metadata-macaroon"

	opCreateInvoice = "create_invoice"
	opDecodeInvoice = "decode_invoice"
	opPayInvoice    = "pay_invoice"
	opLookupInvoice = "lookup_invoice"

	// lndInvoiceExpiry is the node's expiry for invoices created without one.
	lndInvoiceExpiry = 24 * time.Hour
)

var tracer = otel.Tracer("github.com/bitcoin-brave/brave_ussd/internal/lightning")

// LNDOptions configures the LND REST client.
type LNDOptions struct {
	BaseURL            string
	Macaroon           string
	Timeout            time.Duration
	InsecureSkipVerify bool
	Memo               string
	InvoiceExpiry      time.Duration
}

// LNDClient implements Gateway against LND's REST proxy.
type LNDClient struct {
	opts LNDOptions
}

// NewLNDClient builds a client. Every call is bounded by opts.Timeout.
func NewLNDClient(opts LNDOptions) *LNDClient {
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	return &LNDClient{opts: opts}
}

type addInvoiceRequest struct {
	Value  int64  `json:"value"`
	Memo   string `json:"memo,omitempty"`
	Expiry int64  `json:"expiry,omitempty"`
}

type addInvoiceResponse struct {
	RHash          []byte    `json:"r_hash"`
	PaymentRequest string    `json:"payment_request"`
	AddIndex       lndNumber `json:"add_index"`
}

type payReqResponse struct {
	PaymentHash string    `json:"payment_hash"`
	NumSatoshis lndNumber `json:"num_satoshis"`
	Timestamp   lndNumber `json:"timestamp"`
	Expiry      lndNumber `json:"expiry"`
	Description string    `json:"description"`
}

type sendPaymentRequest struct {
	PaymentRequest string `json:"payment_request"`
}

type sendPaymentResponse struct {
	PaymentError    string `json:"payment_error"`
	PaymentPreimage []byte `json:"payment_preimage"`
	PaymentHash     []byte `json:"payment_hash"`
	PaymentRoute    *struct {
		TotalAmt  lndNumber `json:"total_amt"`
		TotalFees lndNumber `json:"total_fees"`
	} `json:"payment_route"`
}

type lookupInvoiceResponse struct {
	RHash      []byte    `json:"r_hash"`
	State      string    `json:"state"`
	AmtPaidSat lndNumber `json:"amt_paid_sat"`
	SettleDate lndNumber `json:"settle_date"`
}

type lndError struct {
	Message string `json:"message"`
	Error   string `json:"error"`
}

// CreateInvoice asks the node for a new invoice of amountSats. Zero is
// forwarded as-is and yields an any-amount invoice.
func (c *LNDClient) CreateInvoice(ctx context.Context, amountSats int64) (Invoice, error) {
	ctx, span := tracer.Start(ctx, "lightning.CreateInvoice", trace.WithAttributes(
		attribute.Int64("amount_sats", amountSats),
	))
	defer span.End()

	if amountSats < 0 {
		return Invoice{}, record(span, &Failure{Kind: FailureRejected, Op: opCreateInvoice, Message: "amount must not be negative"})
	}

	req := addInvoiceRequest{Value: amountSats, Memo: c.opts.Memo, Expiry: int64(c.opts.InvoiceExpiry / time.Second)}
	var resp addInvoiceResponse
	if err := c.do(ctx, opCreateInvoice, fiber.MethodPost, "/v1/invoices", req, &resp); err != nil {
		return Invoice{}, record(span, err)
	}
	if resp.PaymentRequest == "" {
		return Invoice{}, record(span, &Failure{Kind: FailureMalformed, Op: opCreateInvoice, Message: "response has no payment_request"})
	}

	invoice := Invoice{
		PaymentRequest: resp.PaymentRequest,
		PaymentHash:    hex.EncodeToString(resp.RHash),
		AmountSats:     amountSats,
	}
	expiry := c.opts.InvoiceExpiry
	if expiry <= 0 {
		expiry = lndInvoiceExpiry
	}
	invoice.ExpiresAt = time.Now().UTC().Add(expiry)
	span.SetAttributes(attribute.String("payment_hash", invoice.PaymentHash))
	return invoice, nil
}

// DecodeInvoice asks the node to parse paymentRequest without paying it.
func (c *LNDClient) DecodeInvoice(ctx context.Context, paymentRequest string) (DecodedInvoice, error) {
	ctx, span := tracer.Start(ctx, "lightning.DecodeInvoice")
	defer span.End()

	if paymentRequest == "" {
		return DecodedInvoice{}, record(span, &Failure{Kind: FailureRejected, Op: opDecodeInvoice, Message: "payment request is empty"})
	}

	var resp payReqResponse
	if err := c.do(ctx, opDecodeInvoice, fiber.MethodGet, "/v1/payreq/"+url.PathEscape(paymentRequest), nil, &resp); err != nil {
		return DecodedInvoice{}, record(span, err)
	}
	if resp.PaymentHash == "" {
		return DecodedInvoice{}, record(span, &Failure{Kind: FailureMalformed, Op: opDecodeInvoice, Message: "response has no payment_hash"})
	}

	decoded := DecodedInvoice{
		PaymentHash: resp.PaymentHash,
		AmountSats:  int64(resp.NumSatoshis),
		Description: resp.Description,
	}
	if resp.Timestamp > 0 {
		expiry := time.Duration(resp.Expiry) * time.Second
		if expiry <= 0 {
			expiry = time.Hour
		}
		decoded.ExpiresAt = time.Unix(int64(resp.Timestamp), 0).UTC().Add(expiry)
	}
	span.SetAttributes(
		attribute.String("payment_hash", decoded.PaymentHash),
		attribute.Int64("amount_sats", decoded.AmountSats),
	)
	return decoded, nil
}

// PayInvoice pays paymentRequest synchronously. A payment_error in an
// otherwise successful response is a rejected payment.
func (c *LNDClient) PayInvoice(ctx context.Context, paymentRequest string) (Payment, error) {
	ctx, span := tracer.Start(ctx, "lightning.PayInvoice")
	defer span.End()

	var resp sendPaymentResponse
	if err := c.do(ctx, opPayInvoice, fiber.MethodPost, "/v1/channels/transactions", sendPaymentRequest{PaymentRequest: paymentRequest}, &resp); err != nil {
		return Payment{}, record(span, err)
	}
	if resp.PaymentError != "" {
		return Payment{}, record(span, &Failure{Kind: FailureRejected, Op: opPayInvoice, Message: resp.PaymentError})
	}

	payment := Payment{
		PaymentHash: hex.EncodeToString(resp.PaymentHash),
		Preimage:    hex.EncodeToString(resp.PaymentPreimage),
	}
	if resp.PaymentRoute != nil {
		payment.FeeSats = int64(resp.PaymentRoute.TotalFees)
		payment.AmountSats = int64(resp.PaymentRoute.TotalAmt) - payment.FeeSats
	}
	span.SetAttributes(
		attribute.String("payment_hash", payment.PaymentHash),
		attribute.Int64("amount_sats", payment.AmountSats),
		attribute.Int64("fee_sats", payment.FeeSats),
	)
	return payment, nil
}

// LookupInvoice returns the state of the invoice with the hex paymentHash.
func (c *LNDClient) LookupInvoice(ctx context.Context, paymentHash string) (InvoiceStatus, error) {
	ctx, span := tracer.Start(ctx, "lightning.LookupInvoice", trace.WithAttributes(
		attribute.String("payment_hash", paymentHash),
	))
	defer span.End()

	if _, err := hex.DecodeString(paymentHash); err != nil || paymentHash == "" {
		return InvoiceStatus{}, record(span, &Failure{Kind: FailureRejected, Op: opLookupInvoice, Message: "payment hash must be hex"})
	}

	var resp lookupInvoiceResponse
	if err := c.do(ctx, opLookupInvoice, fiber.MethodGet, "/v1/invoice/"+paymentHash, nil, &resp); err != nil {
		return InvoiceStatus{}, record(span, err)
	}

	status := InvoiceStatus{
		PaymentHash:    paymentHash,
		State:          InvoiceState(resp.State),
		AmountPaidSats: int64(resp.AmtPaidSat),
	}
	if resp.SettleDate > 0 {
		status.SettledAt = time.Unix(int64(resp.SettleDate), 0).UTC()
	}
	return status, nil
}

type agentResult struct {
	status  int
	payload []byte
	errs    []error
}

// do performs one request. The call is bounded by the client timeout or the
// context deadline, whichever comes first, and returns as soon as ctx is done.
func (c *LNDClient) do(ctx context.Context, op, method, path string, body, out any) error {
	if err := ctx.Err(); err != nil {
		return contextFailure(op, err)
	}
	timeout := c.opts.Timeout
	if deadline, ok := ctx.Deadline(); ok {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return contextFailure(op, context.DeadlineExceeded)
		}
		if remaining < timeout {
			timeout = remaining
		}
	}

	var agent *fiber.Agent
	if method == fiber.MethodGet {
		agent = fiber.Get(c.opts.BaseURL + path)
	} else {
		agent = fiber.Post(c.opts.BaseURL + path)
	}
	agent.Set(fiber.HeaderAccept, fiber.MIMEApplicationJSON)
	if c.opts.Macaroon != "" {
		agent.Set(macaroonHeader, c.opts.Macaroon)
	}
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	for k, v := range carrier {
		agent.Set(k, v)
	}
	if body != nil {
		agent.JSON(body)
	}
	agent.Timeout(timeout)

	if err := agent.Parse(); err != nil {
		fiber.ReleaseAgent(agent)
		return &Failure{Kind: FailureTransport, Op: op, Message: err.Error()}
	}
	if c.opts.InsecureSkipVerify {
		agent.InsecureSkipVerify()
	}

	// Bytes releases the agent; the goroutine ends within timeout.
	done := make(chan agentResult, 1)
	go func() {
		status, payload, errs := agent.Bytes()
		done <- agentResult{status: status, payload: payload, errs: errs}
	}()

	var res agentResult
	select {
	case <-ctx.Done():
		return contextFailure(op, ctx.Err())
	case res = <-done:
	}

	if len(res.errs) > 0 {
		err := errors.Join(res.errs...)
		if errors.Is(err, fasthttp.ErrTimeout) || errors.Is(err, fasthttp.ErrDialTimeout) {
			return &Failure{Kind: FailureTimeout, Op: op, Message: fmt.Sprintf("no response within %s", timeout)}
		}
		return &Failure{Kind: FailureTransport, Op: op, Message: err.Error()}
	}

	status, payload := res.status, res.payload
	switch {
	case status == fiber.StatusUnauthorized || status == fiber.StatusForbidden:
		return &Failure{Kind: FailureUnauthorized, Op: op, Status: status, Message: errorMessage(payload)}
	case status < 200 || status >= 300:
		return &Failure{Kind: FailureTransport, Op: op, Status: status, Message: errorMessage(payload)}
	}

	if err := json.Unmarshal(payload, out); err != nil {
		return &Failure{Kind: FailureMalformed, Op: op, Status: status, Message: err.Error()}
	}
	return nil
}

func contextFailure(op string, err error) *Failure {
	if errors.Is(err, context.DeadlineExceeded) {
		return &Failure{Kind: FailureTimeout, Op: op, Message: err.Error()}
	}
	return &Failure{Kind: FailureTransport, Op: op, Message: err.Error()}
}

func errorMessage(payload []byte) string {
	var e lndError
	if err := json.Unmarshal(payload, &e); err == nil {
		if e.Message != "" {
			return e.Message
		}
		if e.Error != "" {
			return e.Error
		}
	}
	msg := strings.TrimSpace(string(payload))
	if len(msg) > 200 {
		msg = msg[:200]
	}
	return msg
}

func record(span trace.Span, err error) error {
	span.RecordError(err)
	if f, ok := AsFailure(err); ok {
		span.SetAttributes(attribute.String("failure_kind", string(f.Kind)))
	}
	span.SetStatus(codes.Error, err.Error())
	return err
}

// lndNumber decodes LND's 64-bit integers, which the REST proxy renders as
// JSON strings.
type lndNumber int64

func (n *lndNumber) UnmarshalJSON(data []byte) error {
	data = bytes.Trim(data, `"`)
	if len(data) == 0 || string(data) == "null" {
		*n = 0
		return nil
	}
	v, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return err
	}
	*n = lndNumber(v)
	return nil
}
