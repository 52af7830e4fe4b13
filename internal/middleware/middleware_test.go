package middleware

import (
	"bytes"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"

	"github.com/bitcoin-brave/brave_ussd/internal/logging"
)

func setupRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	cache := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		cache.Close()
		mr.Close()
	})
	return cache, mr
}

func postForm(t *testing.T, app *fiber.App, form url.Values) int {
	t.Helper()
	req := httptest.NewRequest(fiber.MethodPost, "/ussd", strings.NewReader(form.Encode()))
	req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationForm)
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	resp.Body.Close()
	return resp.StatusCode
}

func TestSessionLeaseRejectsConcurrentHop(t *testing.T) {
	cache, mr := setupRedis(t)
	app := fiber.New()
	app.Use(SessionLease(cache, time.Minute, logging.Discard()))
	var heldDuringRequest bool
	app.Post("/ussd", func(c *fiber.Ctx) error {
		heldDuringRequest = mr.Exists(leasePrefix + "L1")
		return c.SendString("CON ok")
	})

	if status := postForm(t, app, url.Values{"sessionId": {"L1"}}); status != fiber.StatusOK {
		t.Fatalf("expected 200, got %d", status)
	}
	if !heldDuringRequest {
		t.Fatal("expected lease to be held while the handler runs")
	}
	if mr.Exists(leasePrefix + "L1") {
		t.Fatal("expected lease to be released after the request")
	}

	mr.Set(leasePrefix+"L1", "someone-else")
	if status := postForm(t, app, url.Values{"sessionId": {"L1"}}); status != fiber.StatusConflict {
		t.Fatalf("expected 409, got %d", status)
	}
	if v, _ := mr.Get(leasePrefix + "L1"); v != "someone-else" {
		t.Fatalf("foreign lease must not be released, got %q", v)
	}

	if status := postForm(t, app, url.Values{"sessionId": {"L2"}}); status != fiber.StatusOK {
		t.Fatalf("other sessions are independent, got %d", status)
	}
}

func TestSessionLeaseFailsOpen(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	cache := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer cache.Close()
	mr.Close()

	app := fiber.New()
	app.Use(SessionLease(cache, time.Minute, logging.Discard()))
	app.Post("/ussd", func(c *fiber.Ctx) error { return c.SendString("CON ok") })

	if status := postForm(t, app, url.Values{"sessionId": {"L3"}}); status != fiber.StatusOK {
		t.Fatalf("expected request to pass without redis, got %d", status)
	}
}

func TestRateLimitPerPhone(t *testing.T) {
	cache, mr := setupRedis(t)
	app := fiber.New()
	app.Use(RateLimit(cache, 2, logging.Discard()))
	app.Post("/ussd", func(c *fiber.Ctx) error { return c.SendString("CON ok") })

	form := url.Values{"sessionId": {"R1"}, "phoneNumber": {"+256771234567"}}
	for i := 0; i < 2; i++ {
		if status := postForm(t, app, form); status != fiber.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, status)
		}
	}
	if status := postForm(t, app, form); status != fiber.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", status)
	}

	other := url.Values{"sessionId": {"R2"}, "phoneNumber": {"+256700000000"}}
	if status := postForm(t, app, other); status != fiber.StatusOK {
		t.Fatalf("other phones are independent, got %d", status)
	}

	mr.FastForward(time.Minute + time.Second)
	if status := postForm(t, app, form); status != fiber.StatusOK {
		t.Fatalf("expected window to reset, got %d", status)
	}
}

func TestRequestIDAndAudit(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	app := fiber.New()
	app.Use(RequestID())
	app.Use(Audit(logger))
	app.Post("/ussd", func(c *fiber.Ctx) error {
		if RequestIDFrom(c) == "" {
			t.Error("request id missing in handler")
		}
		return c.SendString("END bye")
	})

	req := httptest.NewRequest(fiber.MethodPost, "/ussd", strings.NewReader(url.Values{"sessionId": {"A1"}}.Encode()))
	req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationForm)
	req.Header.Set(requestIDHeader, "req-123")
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	resp.Body.Close()

	if got := resp.Header.Get(requestIDHeader); got != "req-123" {
		t.Fatalf("expected request id echoed, got %q", got)
	}
	out := buf.String()
	for _, want := range []string{`"session_id":"A1"`, `"request_id":"req-123"`, `"status":200`} {
		if !strings.Contains(out, want) {
			t.Fatalf("audit log missing %s: %s", want, out)
		}
	}
}

func TestAuditRecordsErrorStatus(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	app := fiber.New()
	app.Use(Audit(logger))
	app.Post("/ussd", func(c *fiber.Ctx) error {
		return fiber.NewError(fiber.StatusServiceUnavailable, "down")
	})

	if status := postForm(t, app, url.Values{"sessionId": {"A2"}}); status != fiber.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", status)
	}
	if !strings.Contains(buf.String(), `"status":503`) || !strings.Contains(buf.String(), `"level":"ERROR"`) {
		t.Fatalf("unexpected audit log: %s", buf.String())
	}
}

func TestOperatorAuth(t *testing.T) {
	app := fiber.New()
	app.Get("/guarded", OperatorAuth("s3cret"), func(c *fiber.Ctx) error {
		return c.SendStatus(fiber.StatusOK)
	})

	cases := []struct {
		name   string
		header string
		want   int
	}{
		{name: "missing", want: fiber.StatusUnauthorized},
		{name: "wrong scheme", header: "Basic s3cret", want: fiber.StatusUnauthorized},
		{name: "wrong token", header: "Bearer nope", want: fiber.StatusUnauthorized},
		{name: "valid", header: "Bearer s3cret", want: fiber.StatusOK},
		{name: "lowercase scheme", header: "bearer s3cret", want: fiber.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/guarded", nil)
			if tc.header != "" {
				req.Header.Set(fiber.HeaderAuthorization, tc.header)
			}
			resp, err := app.Test(req)
			if err != nil {
				t.Fatalf("app.Test: %v", err)
			}
			resp.Body.Close()
			if resp.StatusCode != tc.want {
				t.Fatalf("expected %d, got %d", tc.want, resp.StatusCode)
			}
		})
	}
}

func TestOperatorAuthEmptyTokenDeniesAll(t *testing.T) {
	app := fiber.New()
	app.Get("/guarded", OperatorAuth(""), func(c *fiber.Ctx) error {
		return c.SendStatus(fiber.StatusOK)
	})
	req := httptest.NewRequest(http.MethodGet, "/guarded", nil)
	req.Header.Set(fiber.HeaderAuthorization, "Bearer ")
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != fiber.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
}
