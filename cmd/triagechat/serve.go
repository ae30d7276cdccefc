package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ent0n29/triagechat/internal/app"
	"github.com/ent0n29/triagechat/internal/config"
	"github.com/ent0n29/triagechat/internal/logging"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP and WebSocket API",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		var flushLog func()
		ctx, flushLog = setupLogger(ctx, cfg)
		defer flushLog()
		logger := logging.FromCtx(ctx)

		built, err := app.Build(ctx, cfg)
		if err != nil {
			logger.Error().Err(err).Msg("startup failed")
			return err
		}
		defer func() {
			if err := built.Cleanup(); err != nil {
				logger.Warn().Err(err).Msg("cleanup failed")
			}
		}()

		logger.Info().
			Str("store", built.Backend).
			Str("generator", built.Generator).
			Str("identity_policy", cfg.IdentityPolicy).
			Msg("components ready")
		warnDevDefaults(logger, built.Generator, built.Backend)

		httpServer := newHTTPServer(ctx, cfg.BindAddr, built.API.Router())

		listenErr := make(chan error, 1)
		go func() {
			logger.Info().Str("addr", cfg.BindAddr).Msg("server listening")
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				listenErr <- err
			}
			close(listenErr)
		}()

		select {
		case err, ok := <-listenErr:
			if ok {
				logger.Error().Err(err).Msg("listen error")
				return err
			}
		case <-ctx.Done():
			logger.Info().Msg("shutdown signal received")
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("graceful shutdown failed")
			_ = httpServer.Close()
		}

		logger.Info().Msg("shutdown complete")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

// warnDevDefaults flags components that are only suitable for local runs.
func warnDevDefaults(logger *zerolog.Logger, generatorName, backend string) {
	if generatorName == "mock" {
		logger.Warn().Msg("reply generator is the mock echo; set GENERATOR_MODE=openai with GOOGLE_API_KEY for real replies")
	}
	if backend == "memory" {
		logger.Warn().Msg("conversation store is in memory; turns and summaries are lost on restart")
	}
}

// newHTTPServer serves handler with request contexts derived from ctx for
// values only. A shutdown signal cancels ctx, but in-flight turns keep running
// until Shutdown has drained them.
func newHTTPServer(ctx context.Context, addr string, handler http.Handler) *http.Server {
	base := context.WithoutCancel(ctx)
	return &http.Server{
		Addr:    addr,
		Handler: handler,
		BaseContext: func(_ net.Listener) context.Context {
			return base
		},
	}
}
