package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bobmcallan/felt/internal/app"
	"github.com/bobmcallan/felt/internal/common"
	"github.com/bobmcallan/felt/internal/engine"
)

func main() {
	configPath := os.Getenv("FELT_CONFIG")

	// The engine name is resolved here, before the app is built, so a
	// bad name fails before storage connects.
	cfg, err := common.LoadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	engines, err := engine.New(cfg.Engine)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to resolve rules engine: %v\n", err)
		os.Exit(1)
	}

	a, err := app.NewApp(configPath, engines)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize app: %v\n", err)
		os.Exit(1)
	}

	common.PrintBanner(a.Config, a.Logger)

	ctx := context.Background()
	if err := a.Start(ctx); err != nil {
		a.Logger.Fatal().Err(err).Msg("Failed to start services")
	}

	mux := buildMux(a)

	host := a.Config.Server.Host
	port := a.Config.Server.Port

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", host, port),
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		a.Logger.Info().Int("port", port).Msg("Starting HTTP server")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.Logger.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	a.Logger.Info().
		Str("url", fmt.Sprintf("http://localhost:%d", port)).
		Msg("Server ready")

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	a.Logger.Info().Msg("Shutdown signal received")

	// Stop accepting new actions, let in-flight requests finish under
	// their leases, then drain workers and subscriptions.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.Logger.Error().Err(err).Msg("HTTP server shutdown failed")
	}

	a.Close()
	common.PrintShutdownBanner(a.Logger)
}
