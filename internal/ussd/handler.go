package ussd

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gofiber/fiber/v2"
)

// Handler exposes the aggregator callback.
type Handler struct {
	machine    *Machine
	cumulative bool
	logger     *slog.Logger
}

// NewHandler constructs the callback handler. With cumulative set, only the
// text after the last '*' is passed to the machine.
func NewHandler(machine *Machine, cumulative bool, logger *slog.Logger) *Handler {
	return &Handler{machine: machine, cumulative: cumulative, logger: logger}
}

// Callback handles one form-encoded USSD hop and replies in plain text.
func (h *Handler) Callback(c *fiber.Ctx) error {
	req := Request{
		SessionID:   strings.TrimSpace(c.FormValue("sessionId")),
		Text:        c.FormValue("text"),
		PhoneNumber: c.FormValue("phoneNumber"),
		ServiceCode: c.FormValue("serviceCode"),
	}
	if req.SessionID == "" {
		return fiber.NewError(http.StatusBadRequest, "sessionId is required")
	}
	if h.cumulative {
		req.Text = LastHop(req.Text)
	}

	resp, err := h.machine.Handle(c.UserContext(), req)
	if err != nil {
		h.logger.Error("ussd request failed",
			slog.String("session_id", req.SessionID),
			slog.String("service_code", req.ServiceCode),
			slog.Any("error", err),
		)
		if errors.Is(err, ErrStoreUnavailable) {
			return fiber.NewError(http.StatusServiceUnavailable, "service temporarily unavailable")
		}
		return fiber.NewError(http.StatusInternalServerError, "internal error")
	}

	c.Set(fiber.HeaderContentType, fiber.MIMETextPlainCharsetUTF8)
	return c.Status(http.StatusOK).SendString(resp.String())
}

// LastHop returns the input of the latest hop from aggregator text that
// accumulates every answer joined by '*'.
func LastHop(text string) string {
	if i := strings.LastIndexByte(text, '*'); i >= 0 {
		return text[i+1:]
	}
	return text
}
