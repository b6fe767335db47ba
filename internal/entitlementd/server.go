package entitlementd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/harborline/entitlementd/internal/auth"
	"github.com/harborline/entitlementd/internal/billing"
	"github.com/harborline/entitlementd/internal/convergence"
	"github.com/harborline/entitlementd/internal/logging"
	"github.com/harborline/entitlementd/internal/store"
)

// Run starts the entitlement service with graceful shutdown.
func Run(ctx context.Context, version string) error {
	cfg, err := LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logging.Init(logging.Config{
		Format:    "auto",
		Level:     cfg.LogLevel,
		Component: "entitlementd",
	})

	log.Info().Str("version", version).Msg("Starting entitlement service")

	st, err := store.New(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open entitlement store: %w", err)
	}
	defer st.Close()

	provider := billing.NewStripeProvider(cfg.StripeAPIKey)
	svc := convergence.New(provider, st, convergence.Config{
		PollAttempts: cfg.CheckoutPollAttempts,
		PollInterval: cfg.CheckoutPollInterval,
		GraceWindow:  cfg.GraceWindow,
	})
	sessions := auth.NewService(cfg.SessionSecret, 0)

	mux := http.NewServeMux()
	deps := &Deps{
		Config:      cfg,
		Store:       st,
		Convergence: svc,
		Sessions:    sessions,
		Version:     version,
	}
	RegisterRoutes(mux, deps)

	addr := fmt.Sprintf("%s:%d", cfg.BindAddress, cfg.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           logging.RequestIDMiddleware(mux),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Keep the tier gauge current.
	go runTierMetrics(ctx, st)

	go func() {
		log.Info().Str("addr", addr).Msg("Entitlement service listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("Server failed")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case <-ctx.Done():
		log.Info().Msg("Context cancelled, shutting down...")
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("Received signal, shutting down...")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server shutdown error")
	}

	cancel()
	log.Info().Msg("Entitlement service stopped")
	return nil
}
