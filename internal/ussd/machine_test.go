package ussd

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/bitcoin-brave/brave_ussd/internal/funding"
	"github.com/bitcoin-brave/brave_ussd/internal/ledger"
	"github.com/bitcoin-brave/brave_ussd/internal/lightning"
	"github.com/bitcoin-brave/brave_ussd/internal/logging"
	"github.com/bitcoin-brave/brave_ussd/internal/payments"
	"github.com/bitcoin-brave/brave_ussd/internal/session"
)

const testPhone = "0771234567"

type fixture struct {
	machine  *Machine
	sessions session.Store
	ledger   ledger.Ledger
	gateway  *lightning.FakeGateway
}

func newFixture() *fixture {
	sessions := session.NewMemoryStore()
	led := ledger.NewInMemory()
	gw := lightning.NewFakeGateway()
	svc := payments.NewService(gw, led, funding.NewMemoryStore(), nil, logging.Discard())
	return &fixture{
		machine:  NewMachine(sessions, led, svc, logging.Discard()),
		sessions: sessions,
		ledger:   led,
		gateway:  gw,
	}
}

func (f *fixture) step(t *testing.T, sessionID, text string) Response {
	t.Helper()
	resp, err := f.machine.Handle(context.Background(), Request{SessionID: sessionID, Text: text})
	if err != nil {
		t.Fatalf("handle %q: %v", text, err)
	}
	return resp
}

func (f *fixture) stage(t *testing.T, sessionID string) session.Stage {
	t.Helper()
	sess, err := f.sessions.Get(context.Background(), sessionID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	return sess.Stage
}

// toMenu drives a fresh session to the main menu.
func (f *fixture) toMenu(t *testing.T, sessionID string) {
	t.Helper()
	f.step(t, sessionID, "")
	if resp := f.step(t, sessionID, testPhone); resp.String() != "CON "+textMenu {
		t.Fatalf("expected menu, got %q", resp.String())
	}
}

func TestCheckBalanceFlow(t *testing.T) {
	f := newFixture()

	want := []string{
		"CON Welcome to Bitcoin Brave ⚡\nEnter your phone number:",
		"CON Bitcoin Brave ⚡\n1. Check Balance\n2. Receive sats\n3. Send sats\n4. Exit",
		"END Wallet Balance: 0 sats",
	}
	for i, input := range []string{"", testPhone, "1"} {
		if got := f.step(t, "S1", input).String(); got != want[i] {
			t.Fatalf("step %d: got %q, want %q", i, got, want[i])
		}
	}
}

func TestInvalidPhoneDoesNotAdvance(t *testing.T) {
	f := newFixture()
	f.step(t, "S2", "")

	resp := f.step(t, "S2", "12345")
	if resp.String() != "CON Invalid number. Enter phone number:" {
		t.Fatalf("unexpected response %q", resp.String())
	}
	if stage := f.stage(t, "S2"); stage != session.StageEnterPhone {
		t.Fatalf("expected enter_phone, got %s", stage)
	}

	// Menu choices are not phone numbers either.
	f.step(t, "S2", "2")
	if stage := f.stage(t, "S2"); stage != session.StageEnterPhone {
		t.Fatalf("expected enter_phone, got %s", stage)
	}

	if resp := f.step(t, "S2", testPhone); resp.Kind != Continue || resp.Text != textMenu {
		t.Fatalf("expected menu, got %q", resp.String())
	}
	if resp := f.step(t, "S2", "2"); resp.String() != "CON Enter amount in sats:" {
		t.Fatalf("expected amount prompt, got %q", resp.String())
	}
	if resp := f.step(t, "S2", "100"); !strings.HasPrefix(resp.String(), "END Invoice:\n") {
		t.Fatalf("expected invoice, got %q", resp.String())
	}
}

func TestPaymentFailureResetsToMenu(t *testing.T) {
	f := newFixture()
	f.toMenu(t, "S3")
	if resp := f.step(t, "S3", "3"); resp.String() != "CON Enter Lightning Invoice:" {
		t.Fatalf("expected invoice prompt, got %q", resp.String())
	}

	f.gateway.PaymentSats = 10
	ledger.SeedBalance(f.ledger, testPhone, 50)
	f.gateway.PayErr = &lightning.Failure{Kind: lightning.FailureTimeout, Op: "pay_invoice"}
	if resp := f.step(t, "S3", "lnbc1invalid"); resp.String() != "END Payment failed" {
		t.Fatalf("unexpected response %q", resp.String())
	}
	if stage := f.stage(t, "S3"); stage != session.StageMainMenu {
		t.Fatalf("expected main_menu, got %s", stage)
	}
}

func TestPaymentSent(t *testing.T) {
	f := newFixture()
	f.gateway.PaymentSats = 30
	f.gateway.FeeSats = 1
	f.toMenu(t, "S3b")
	ledger.SeedBalance(f.ledger, testPhone, 100)

	f.step(t, "S3b", "3")
	if resp := f.step(t, "S3b", "  lnbc30  "); resp.String() != "END Payment Sent ✅" {
		t.Fatalf("unexpected response %q", resp.String())
	}
	if len(f.gateway.Paid) != 1 || f.gateway.Paid[0] != "lnbc30" {
		t.Fatalf("expected trimmed invoice to be paid, got %v", f.gateway.Paid)
	}
	balance, _ := f.ledger.Balance(context.Background(), testPhone)
	if balance != 69 {
		t.Fatalf("expected 69 sats after debit, got %d", balance)
	}
}

func TestPaymentBeyondBalanceFails(t *testing.T) {
	f := newFixture()
	f.gateway.PaymentSats = 500
	f.toMenu(t, "S3c")
	ledger.SeedBalance(f.ledger, testPhone, 100)

	f.step(t, "S3c", "3")
	if resp := f.step(t, "S3c", "lnbc500"); resp.String() != "END Payment failed" {
		t.Fatalf("unexpected response %q", resp.String())
	}
	if len(f.gateway.Paid) != 0 {
		t.Fatalf("node must not pay beyond the wallet balance, paid %v", f.gateway.Paid)
	}
	if balance, _ := f.ledger.Balance(context.Background(), testPhone); balance != 100 {
		t.Fatalf("balance must be untouched, got %d", balance)
	}
	if stage := f.stage(t, "S3c"); stage != session.StageMainMenu {
		t.Fatalf("expected main_menu, got %s", stage)
	}
}

func TestFirstContactCreatesWelcomeSession(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	if _, err := f.sessions.Get(ctx, "S4"); !errors.Is(err, session.ErrNotFound) {
		t.Fatalf("expected no session yet, got %v", err)
	}

	resp := f.step(t, "S4", "hello")
	if resp.String() != "END Invalid request. Please dial again." {
		t.Fatalf("unexpected response %q", resp.String())
	}
	if stage := f.stage(t, "S4"); stage != session.StageWelcome {
		t.Fatalf("expected welcome session to be recorded, got %s", stage)
	}

	f.step(t, "S5", "")
	if stage := f.stage(t, "S5"); stage != session.StageEnterPhone {
		t.Fatalf("expected enter_phone, got %s", stage)
	}
}

func TestReceiveRoundTrip(t *testing.T) {
	f := newFixture()
	f.toMenu(t, "R1")
	f.step(t, "R1", "2")

	if resp := f.step(t, "R1", "abc"); resp.String() != "CON Invalid amount. Enter sats:" {
		t.Fatalf("unexpected response %q", resp.String())
	}
	if stage := f.stage(t, "R1"); stage != session.StageEnterReceiveAmount {
		t.Fatalf("expected enter_receive_amount, got %s", stage)
	}

	resp := f.step(t, "R1", "250")
	if resp.String() != "END Invoice:\nlnbcfake1" {
		t.Fatalf("unexpected response %q", resp.String())
	}
	if stage := f.stage(t, "R1"); stage != session.StageMainMenu {
		t.Fatalf("expected main_menu, got %s", stage)
	}
}

func TestZeroAmountForwarded(t *testing.T) {
	f := newFixture()
	f.toMenu(t, "Z1")
	f.step(t, "Z1", "2")
	f.step(t, "Z1", "0")
	if len(f.gateway.Created) != 1 || f.gateway.Created[0] != 0 {
		t.Fatalf("expected amount 0 forwarded, got %v", f.gateway.Created)
	}
}

func TestInvoiceFailureKeepsMenuStage(t *testing.T) {
	f := newFixture()
	f.gateway.CreateErr = &lightning.Failure{Kind: lightning.FailureMalformed, Op: "create_invoice"}
	f.toMenu(t, "R2")
	f.step(t, "R2", "2")

	if resp := f.step(t, "R2", "100"); resp.String() != "END Error generating invoice" {
		t.Fatalf("unexpected response %q", resp.String())
	}
	if stage := f.stage(t, "R2"); stage != session.StageMainMenu {
		t.Fatalf("expected main_menu, got %s", stage)
	}
}

func TestMenuExitAndUnknownOption(t *testing.T) {
	f := newFixture()
	f.toMenu(t, "M1")
	for _, input := range []string{"4", "9", ""} {
		if resp := f.step(t, "M1", input); resp.String() != "END Goodbye 👋🏾" {
			t.Fatalf("input %q: unexpected response %q", input, resp.String())
		}
	}
}

func TestBalanceWithMissingWallet(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.sessions.Create(ctx, "M2", session.StageWelcome)
	f.sessions.Update(ctx, "M2", session.Changes{Stage: session.StageMainMenu, Phone: "0700000000"})

	if resp := f.step(t, "M2", "1"); resp.String() != "END Unexpected error" {
		t.Fatalf("unexpected response %q", resp.String())
	}
}

func TestUserCreatedOnce(t *testing.T) {
	f := newFixture()
	f.toMenu(t, "U1")
	ledger.SeedBalance(f.ledger, testPhone, 42)
	f.toMenu(t, "U2")

	if resp := f.step(t, "U2", "1"); resp.String() != "END Wallet Balance: 42 sats" {
		t.Fatalf("get-or-create must keep the balance, got %q", resp.String())
	}
}

type failingStore struct{}

var errDown = errors.New("connection refused")

func (failingStore) Get(context.Context, string) (session.Session, error) {
	return session.Session{}, errDown
}

func (failingStore) Create(context.Context, string, session.Stage) (session.Session, error) {
	return session.Session{}, errDown
}

func (failingStore) Update(context.Context, string, session.Changes) error { return errDown }

func TestStoreUnavailable(t *testing.T) {
	m := NewMachine(failingStore{}, ledger.NewInMemory(), nil, logging.Discard())
	_, err := m.Handle(context.Background(), Request{SessionID: "X1"})
	if !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}
	if !errors.Is(err, errDown) {
		t.Fatalf("expected cause to be wrapped, got %v", err)
	}
}

func TestValidPhone(t *testing.T) {
	cases := map[string]bool{
		"0771234567":    true,
		"256771234567":  true,
		"077123456":     false,
		"":              false,
		"+256771234567": false,
		"07712 34567":   false,
		"077123456a":    false,
		"０７７１２３４５６７": false,
	}
	for input, want := range cases {
		if got := ValidPhone(input); got != want {
			t.Fatalf("ValidPhone(%q) = %v, want %v", input, got, want)
		}
	}
}
