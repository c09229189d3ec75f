package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ekaya-inc/accounts-engine/pkg/auth"
	"github.com/ekaya-inc/accounts-engine/pkg/handlers"
	"github.com/ekaya-inc/accounts-engine/pkg/middleware"
	"github.com/ekaya-inc/accounts-engine/pkg/tracing"
)

const shutdownTimeout = 15 * time.Second

func newServeCommand(version string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, version)
		},
	}
}

func runServe(ctx context.Context, version string) error {
	a, err := newApp(ctx, version)
	if err != nil {
		return err
	}
	defer a.Close()
	cfg, logger := a.cfg, a.logger

	shutdownTracing, err := tracing.Init(ctx, cfg.Telemetry, cfg.Env, version, logger)
	if err != nil {
		logger.Warn("Tracing disabled", zap.Error(err))
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warn("Failed to flush traces", zap.Error(err))
		}
	}()

	if cfg.Database.MigrateOnStart {
		if err := a.migrate(); err != nil {
			return err
		}
	}

	jwks, err := auth.NewJWKSClient(ctx, &auth.JWKSConfig{
		EnableVerification: cfg.Auth.EnableVerification,
		JWKSEndpoints:      cfg.Auth.JWKSEndpoints,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize JWKS client: %w", err)
	}
	defer jwks.Close()
	if !cfg.Auth.EnableVerification {
		logger.Warn("JWT signature verification is DISABLED; do not run like this outside local development")
	}
	authMiddleware := auth.NewMiddleware(auth.NewAuthService(jwks, cfg.Auth.AdminRole, logger), logger)

	consolidation, _ := a.consolidation()

	mux := http.NewServeMux()
	handlers.NewHealthHandler(cfg, a.db, logger).RegisterRoutes(mux)
	handlers.NewMergeHandler(consolidation, logger).RegisterRoutes(mux, authMiddleware)
	handlers.NewLocationHandler(consolidation, logger).RegisterRoutes(mux, authMiddleware)
	handlers.NewChangeLogHandler(consolidation, logger).RegisterRoutes(mux, authMiddleware)

	server := &http.Server{
		Addr:              net.JoinHostPort(cfg.BindAddr, cfg.Port),
		Handler:           middleware.RequestLogger(logger)(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Starting accounts-engine",
			zap.String("addr", server.Addr),
			zap.String("version", version),
			zap.String("env", cfg.Env))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	return nil
}
