package routes

import (
	"errors"
	"net/http"

	"github.com/gofiber/fiber/v2"

	"github.com/bitcoin-brave/brave_ussd/internal/ledger"
	"github.com/bitcoin-brave/brave_ussd/internal/ussd"
)

// RegisterWalletRoutes wires operator wallet endpoints behind mw.
func RegisterWalletRoutes(r fiber.Router, led ledger.Ledger, mw ...fiber.Handler) {
	r.Get("/wallets/:phone/balance", append(mw, func(c *fiber.Ctx) error {
		phone := c.Params("phone")
		if !ussd.ValidPhone(phone) {
			return fiber.NewError(http.StatusBadRequest, "invalid phone number")
		}
		balance, err := led.Balance(c.UserContext(), phone)
		if errors.Is(err, ledger.ErrUserNotFound) {
			return fiber.NewError(http.StatusNotFound, "wallet not found")
		}
		if err != nil {
			return fiber.NewError(http.StatusServiceUnavailable, "ledger unavailable")
		}
		return c.JSON(fiber.Map{
			"phone":        phone,
			"balance_sats": balance,
		})
	})...)
}
