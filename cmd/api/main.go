package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/bitcoin-brave/brave_ussd/internal/config"
	"github.com/bitcoin-brave/brave_ussd/internal/infra"
	"github.com/bitcoin-brave/brave_ussd/internal/logging"
	"github.com/bitcoin-brave/brave_ussd/internal/server"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel, cfg.AppName, cfg.AppEnv)

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	shutdownTracing, err := infra.SetupTracing(ctx, cfg.OTelEndpoint, cfg.AppName)
	if err != nil {
		logger.Error("setup tracing", "error", err)
		os.Exit(1)
	}

	res, err := infra.Open(ctx, cfg, logger)
	if err != nil {
		logger.Error("open resources", "error", err)
		os.Exit(1)
	}
	defer res.Close()

	srv, err := server.New(ctx, cfg, res, nil, logger)
	if err != nil {
		logger.Error("build server", "error", err)
		os.Exit(1)
	}

	go srv.RunSettlement(ctx)

	srvErrCh := make(chan error, 1)
	go func() {
		srvErrCh <- srv.Listen()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	case err := <-srvErrCh:
		if err != nil {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
		return
	}
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownPeriod)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
		os.Exit(1)
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Warn("flush traces", "error", err)
	}

	logger.Info("server exited cleanly")
}
