package routes

import (
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/bitcoin-brave/brave_ussd/internal/config"
	"github.com/bitcoin-brave/brave_ussd/internal/ledger"
	"github.com/bitcoin-brave/brave_ussd/internal/middleware"
	"github.com/bitcoin-brave/brave_ussd/internal/ussd"
)

// Deps aggregates shared dependencies required to wire routes.
type Deps struct {
	Cfg    config.Config
	DB     *pgxpool.Pool
	SQLite *sql.DB
	Cache  *redis.Client
	Logger *slog.Logger

	Ledger  ledger.Ledger
	Machine *ussd.Machine
}

// Setup configures middlewares and all application routes.
func Setup(app *fiber.App, d Deps) error {
	if d.Ledger == nil || d.Machine == nil {
		return fmt.Errorf("ledger and ussd machine are required")
	}
	if !d.Cfg.IsDev() && d.Cache == nil {
		return fmt.Errorf("redis is required when APP_ENV=%s", d.Cfg.AppEnv)
	}

	app.Use(recover.New())
	app.Use(middleware.RequestID())
	// Plain text access log in desired format: [HH:MM:SS] 200 -  145ms METHOD /path
	app.Use(logger.New(logger.Config{
		Format:     "[${time}] ${status} -  ${latency} ${method} ${path}\n",
		TimeFormat: "15:04:05",
		TimeZone:   "Local",
	}))
	app.Use(middleware.Audit(d.Logger))

	RegisterHealthRoutes(app, d)

	ussdHandler := ussd.NewHandler(d.Machine, d.Cfg.CumulativeText, d.Logger)
	RegisterUSSDRoutes(app, ussdHandler,
		middleware.RateLimit(d.Cache, d.Cfg.RateLimit, d.Logger),
		middleware.SessionLease(d.Cache, d.Cfg.SessionLease, d.Logger),
	)

	api := app.Group("/api/v1")
	api.Get("/ping", func(c *fiber.Ctx) error {
		return c.Status(http.StatusOK).JSON(fiber.Map{
			"status":     "ok",
			"request_id": middleware.RequestIDFrom(c),
			"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
		})
	})
	switch {
	case d.Cfg.OperatorToken != "":
		RegisterWalletRoutes(api, d.Ledger, middleware.OperatorAuth(d.Cfg.OperatorToken))
	case d.Cfg.IsDev():
		d.Logger.Warn("OPERATOR_TOKEN not set; wallet API served without authentication")
		RegisterWalletRoutes(api, d.Ledger)
	default:
		d.Logger.Info("OPERATOR_TOKEN not set; wallet API disabled")
	}

	return nil
}
