package server

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/bitcoin-brave/brave_ussd/internal/config"
	"github.com/bitcoin-brave/brave_ussd/internal/funding"
	"github.com/bitcoin-brave/brave_ussd/internal/infra"
	"github.com/bitcoin-brave/brave_ussd/internal/ledger"
	"github.com/bitcoin-brave/brave_ussd/internal/lightning"
	"github.com/bitcoin-brave/brave_ussd/internal/notification"
	"github.com/bitcoin-brave/brave_ussd/internal/payments"
	"github.com/bitcoin-brave/brave_ussd/internal/routes"
	"github.com/bitcoin-brave/brave_ussd/internal/session"
	"github.com/bitcoin-brave/brave_ussd/internal/ussd"
)

// Server wraps the Fiber application, the settlement sweeper and the
// resources they own.
type Server struct {
	app     *fiber.App
	cfg     config.Config
	sweeper *funding.Sweeper
	logger  *slog.Logger
	closers []func() error
}

// New builds every service from cfg and res and delegates route wiring to
// routes.Setup. A nil gateway selects the LND REST client.
func New(ctx context.Context, cfg config.Config, res *infra.Resources, gateway lightning.Gateway, logger *slog.Logger) (*Server, error) {
	s := &Server{cfg: cfg, logger: logger}

	ledgerBackend, sqliteDB, err := s.openLedger(ctx, res)
	if err != nil {
		return nil, err
	}

	var (
		sessions session.Store
		invoices funding.Store
	)
	if res.Cache != nil {
		sessions = session.NewRedisStore(res.Cache, cfg.SessionTTL)
		invoices = funding.NewRedisStore(res.Cache, funding.ExpiryGrace(cfg.SettlementInterval))
	} else {
		logger.Warn("redis not configured; sessions and pending invoices kept in memory")
		sessions = session.NewMemoryStore()
		invoices = funding.NewMemoryStore()
	}

	var notifier notification.Notifier = notification.NewLoggerNotifier(logger)
	if res.AMQP != nil {
		amqpNotifier, err := notification.NewAMQPNotifier(res.AMQP, cfg.EventsQueue)
		if err != nil {
			s.Close()
			return nil, err
		}
		s.closers = append(s.closers, amqpNotifier.Close)
		notifier = amqpNotifier
	}

	if gateway == nil {
		gateway = lightning.NewLNDClient(lightning.LNDOptions{
			BaseURL:            cfg.LNDRestURL,
			Macaroon:           cfg.LNDMacaroon,
			Timeout:            cfg.LNDTimeout,
			InsecureSkipVerify: cfg.LNDInsecureTLS,
			Memo:               cfg.AppName,
			InvoiceExpiry:      cfg.InvoiceExpiry,
		})
	}

	paymentSvc := payments.NewService(gateway, ledgerBackend, invoices, notifier, logger)
	machine := ussd.NewMachine(sessions, ledgerBackend, paymentSvc, logger)

	sweeper, err := funding.NewSweeper(invoices, gateway, ledgerBackend, notifier, cfg.SettlementInterval, logger)
	if err != nil {
		s.Close()
		return nil, err
	}
	s.sweeper = sweeper

	app := fiber.New(fiber.Config{
		AppName:      cfg.AppName,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	})
	err = routes.Setup(app, routes.Deps{
		Cfg:     cfg,
		DB:      res.DB,
		SQLite:  sqliteDB,
		Cache:   res.Cache,
		Logger:  logger,
		Ledger:  ledgerBackend,
		Machine: machine,
	})
	if err != nil {
		s.Close()
		return nil, err
	}
	s.app = app

	return s, nil
}

func (s *Server) openLedger(ctx context.Context, res *infra.Resources) (ledger.Ledger, *sql.DB, error) {
	switch s.cfg.LedgerBackend {
	case config.LedgerPostgres:
		if res.DB == nil {
			if !s.cfg.IsDev() {
				return nil, nil, fmt.Errorf("postgres ledger selected without a database")
			}
			s.logger.Warn("DATABASE_URL not set; using in-memory ledger")
			return ledger.NewInMemory(), nil, nil
		}
		pg := ledger.NewPostgresLedger(res.DB)
		if err := pg.Migrate(ctx); err != nil {
			return nil, nil, err
		}
		return pg, nil, nil
	case config.LedgerSQLite:
		lite, err := ledger.OpenSQLite(ctx, s.cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		s.closers = append(s.closers, lite.Close)
		return lite, lite.DB(), nil
	case config.LedgerMemory:
		return ledger.NewInMemory(), nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown ledger backend %q", s.cfg.LedgerBackend)
	}
}

// App exposes the Fiber application.
func (s *Server) App() *fiber.App {
	return s.app
}

// Listen starts the HTTP server.
func (s *Server) Listen() error {
	return s.app.Listen(s.cfg.Address())
}

// RunSettlement credits settled invoices until ctx is done.
func (s *Server) RunSettlement(ctx context.Context) {
	s.sweeper.Run(ctx)
}

// Shutdown gracefully stops the HTTP server and releases owned resources.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.app.ShutdownWithContext(ctx)
	s.Close()
	return err
}

// Close releases resources opened by New.
func (s *Server) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			s.logger.Warn("close resource", slog.Any("error", err))
		}
	}
	s.closers = nil
}
