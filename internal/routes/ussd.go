package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/bitcoin-brave/brave_ussd/internal/ussd"
)

// RegisterUSSDRoutes mounts the aggregator callback behind the given
// per-hop middleware.
func RegisterUSSDRoutes(app *fiber.App, h *ussd.Handler, mw ...fiber.Handler) {
	handlers := append(mw, h.Callback)
	app.Post("/ussd", handlers...)
}
