package lightning

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) (*LNDClient, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client := NewLNDClient(LNDOptions{
		BaseURL:       srv.URL + "/",
		Macaroon:      "abcdef",
		Timeout:       time.Second,
		Memo:          "Bitcoin Brave",
		InvoiceExpiry: time.Hour,
	})
	return client, srv
}

func TestCreateInvoice(t *testing.T) {
	var gotBody map[string]any
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/invoices" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Grpc-Metadata-macaroon"); got != "abcdef" {
			t.Errorf("missing macaroon header, got %q", got)
		}
		raw, _ := io.ReadAll(r.Body)
		json.Unmarshal(raw, &gotBody)
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"r_hash":"3q2+7w==","payment_request":"lnbc1000n1ptest","add_index":"7"}`)
	})

	invoice, err := client.CreateInvoice(context.Background(), 100)
	if err != nil {
		t.Fatalf("create invoice: %v", err)
	}
	if invoice.PaymentRequest != "lnbc1000n1ptest" {
		t.Fatalf("unexpected payment request %q", invoice.PaymentRequest)
	}
	if invoice.PaymentHash != "deadbeef" {
		t.Fatalf("expected hex payment hash, got %q", invoice.PaymentHash)
	}
	if gotBody["value"] != float64(100) {
		t.Fatalf("expected value 100, got %v", gotBody["value"])
	}
	if gotBody["expiry"] != float64(3600) {
		t.Fatalf("expected expiry 3600, got %v", gotBody["expiry"])
	}
}

func TestCreateInvoiceForwardsZero(t *testing.T) {
	var gotBody map[string]any
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		json.Unmarshal(raw, &gotBody)
		io.WriteString(w, `{"r_hash":"","payment_request":"lnbc1ptest"}`)
	})

	if _, err := client.CreateInvoice(context.Background(), 0); err != nil {
		t.Fatalf("create invoice: %v", err)
	}
	if v, ok := gotBody["value"]; !ok || v != float64(0) {
		t.Fatalf("expected value 0 to be forwarded, got %v", gotBody)
	}
}

func TestCreateInvoiceRejectsNegative(t *testing.T) {
	called := false
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		called = true
	})
	_, err := client.CreateInvoice(context.Background(), -5)
	f, ok := AsFailure(err)
	if !ok || f.Kind != FailureRejected {
		t.Fatalf("expected rejected failure, got %v", err)
	}
	if called {
		t.Fatal("negative amount must not reach the node")
	}
}

func TestFailureKinds(t *testing.T) {
	cases := []struct {
		name    string
		handler http.HandlerFunc
		kind    FailureKind
	}{
		{
			name: "unauthorized",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusUnauthorized)
				io.WriteString(w, `{"code":2,"message":"verification failed: signature mismatch"}`)
			},
			kind: FailureUnauthorized,
		},
		{
			name: "server error",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusInternalServerError)
				io.WriteString(w, `{"error":"boom"}`)
			},
			kind: FailureTransport,
		},
		{
			name: "malformed body",
			handler: func(w http.ResponseWriter, r *http.Request) {
				io.WriteString(w, `not json`)
			},
			kind: FailureMalformed,
		},
		{
			name: "missing payment request",
			handler: func(w http.ResponseWriter, r *http.Request) {
				io.WriteString(w, `{"r_hash":"3q2+7w=="}`)
			},
			kind: FailureMalformed,
		},
		{
			name: "timeout",
			handler: func(w http.ResponseWriter, r *http.Request) {
				time.Sleep(300 * time.Millisecond)
				io.WriteString(w, `{"payment_request":"late"}`)
			},
			kind: FailureTimeout,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			client, _ := newTestClient(t, tc.handler)
			client.opts.Timeout = 100 * time.Millisecond

			_, err := client.CreateInvoice(context.Background(), 10)
			f, ok := AsFailure(err)
			if !ok {
				t.Fatalf("expected *Failure, got %v", err)
			}
			if f.Kind != tc.kind {
				t.Fatalf("expected kind %s, got %s (%v)", tc.kind, f.Kind, err)
			}
			if f.Op != opCreateInvoice {
				t.Fatalf("unexpected op %s", f.Op)
			}
		})
	}
}

func TestUnreachableNode(t *testing.T) {
	client := NewLNDClient(LNDOptions{BaseURL: "http://127.0.0.1:1", Timeout: time.Second})
	_, err := client.PayInvoice(context.Background(), "lnbc1")
	f, ok := AsFailure(err)
	if !ok || (f.Kind != FailureTransport && f.Kind != FailureTimeout) {
		t.Fatalf("expected transport failure, got %v", err)
	}
}

func TestPayInvoice(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/channels/transactions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		raw, _ := io.ReadAll(r.Body)
		if !strings.Contains(string(raw), `"payment_request":"lnbc500n1p"`) {
			t.Errorf("payment request not forwarded: %s", raw)
		}
		io.WriteString(w, `{"payment_error":"","payment_preimage":"AQID","payment_hash":"3q2+7w==",
			"payment_route":{"total_amt":"52","total_fees":"2"}}`)
	})

	payment, err := client.PayInvoice(context.Background(), "lnbc500n1p")
	if err != nil {
		t.Fatalf("pay invoice: %v", err)
	}
	if payment.PaymentHash != "deadbeef" || payment.Preimage != "010203" {
		t.Fatalf("unexpected payment %+v", payment)
	}
	if payment.AmountSats != 50 || payment.FeeSats != 2 || payment.Total() != 52 {
		t.Fatalf("unexpected amounts %+v", payment)
	}
}

func TestPayInvoicePaymentError(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"payment_error":"no_route"}`)
	})

	_, err := client.PayInvoice(context.Background(), "lnbc1")
	f, ok := AsFailure(err)
	if !ok || f.Kind != FailureRejected || f.Message != "no_route" {
		t.Fatalf("expected rejected no_route failure, got %v", err)
	}
}

func TestLookupInvoice(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != "/v1/invoice/deadbeef" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		io.WriteString(w, `{"state":"SETTLED","amt_paid_sat":"120","settle_date":"1700000000"}`)
	})

	status, err := client.LookupInvoice(context.Background(), "deadbeef")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if status.State != InvoiceSettled || status.AmountPaidSats != 120 {
		t.Fatalf("unexpected status %+v", status)
	}
	if status.SettledAt.Unix() != 1700000000 {
		t.Fatalf("unexpected settle time %s", status.SettledAt)
	}
}

func TestLookupInvoiceRejectsBadHash(t *testing.T) {
	client := NewLNDClient(LNDOptions{BaseURL: "http://127.0.0.1:1"})
	_, err := client.LookupInvoice(context.Background(), "not-hex")
	if f, ok := AsFailure(err); !ok || f.Kind != FailureRejected {
		t.Fatalf("expected rejected failure, got %v", err)
	}
}

func TestDecodeInvoice(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != "/v1/payreq/lnbc700n1ptest" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		io.WriteString(w, `{"payment_hash":"deadbeef","num_satoshis":"700","timestamp":"1700000000","expiry":"3600","description":"coffee"}`)
	})

	decoded, err := client.DecodeInvoice(context.Background(), "lnbc700n1ptest")
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.PaymentHash != "deadbeef" || decoded.AmountSats != 700 || decoded.Description != "coffee" {
		t.Fatalf("unexpected decoded invoice %+v", decoded)
	}
	if decoded.ExpiresAt.Unix() != 1700003600 {
		t.Fatalf("unexpected expiry %s", decoded.ExpiresAt)
	}
	if !decoded.Expired(time.Unix(1700003600, 0)) || decoded.Expired(time.Unix(1700003599, 0)) {
		t.Fatalf("expiry boundary wrong for %s", decoded.ExpiresAt)
	}
}

func TestDecodeInvoiceRejectsGarbage(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		io.WriteString(w, `{"code":2,"message":"checksum failed"}`)
	})

	_, err := client.DecodeInvoice(context.Background(), "lnbcgarbage")
	f, ok := AsFailure(err)
	if !ok || f.Op != opDecodeInvoice || f.Status != http.StatusInternalServerError || f.Message != "checksum failed" {
		t.Fatalf("expected decode failure from node, got %v", err)
	}
	if !Definitive(err) {
		t.Fatalf("an answer from the node must be definitive: %v", err)
	}
}

func TestCreateInvoiceDefaultsExpiry(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"r_hash":"3q2+7w==","payment_request":"lnbc1ptest"}`)
	})
	client.opts.InvoiceExpiry = 0

	invoice, err := client.CreateInvoice(context.Background(), 10)
	if err != nil {
		t.Fatalf("create invoice: %v", err)
	}
	if until := time.Until(invoice.ExpiresAt); until < 23*time.Hour || until > 24*time.Hour {
		t.Fatalf("expected node default expiry, got %s", until)
	}
}

func slowHandler(w http.ResponseWriter, r *http.Request) {
	select {
	case <-r.Context().Done():
	case <-time.After(2 * time.Second):
	}
	io.WriteString(w, `{"state":"OPEN"}`)
}

func TestContextDeadlineBoundsCall(t *testing.T) {
	client, _ := newTestClient(t, slowHandler)
	client.opts.Timeout = 10 * time.Second

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := client.LookupInvoice(ctx, "deadbeef")
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("call outlived its context by %s", elapsed)
	}
	if f, ok := AsFailure(err); !ok || f.Kind != FailureTimeout {
		t.Fatalf("expected timeout failure, got %v", err)
	}
	if Definitive(err) {
		t.Fatal("a timeout is never definitive")
	}
}

func TestCanceledContextAbortsCall(t *testing.T) {
	client, _ := newTestClient(t, slowHandler)
	client.opts.Timeout = 10 * time.Second

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)
	start := time.Now()
	_, err := client.LookupInvoice(ctx, "deadbeef")
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("canceled call took %s", elapsed)
	}
	if f, ok := AsFailure(err); !ok || f.Kind != FailureTransport {
		t.Fatalf("expected transport failure, got %v", err)
	}
}

func TestExpiredContextSkipsRequest(t *testing.T) {
	called := false
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		called = true
	})
	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()

	_, err := client.LookupInvoice(ctx, "deadbeef")
	if f, ok := AsFailure(err); !ok || f.Kind != FailureTimeout {
		t.Fatalf("expected timeout failure, got %v", err)
	}
	if called {
		t.Fatal("node must not be called with an expired context")
	}
}
