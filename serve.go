package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mcpgate/mcpgate/internal/config"
	"github.com/mcpgate/mcpgate/internal/server"
)

// serveHTTP runs the server until SIGINT/SIGTERM, then drains in-flight
// requests within the configured deadline and executes the shutdown hooks.
func serveHTTP(ctx context.Context, cfg config.ServerConfig, srv *http.Server, hooks *server.ShutdownHooks) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Msg("server listening")
		serveErr <- srv.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		// listener failure: hooks still run so the store closes cleanly
		hooks.Execute(context.Background())
		return err
	case <-ctx.Done():
	}

	stop()
	log.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(),
		time.Duration(cfg.ShutdownTimeoutSeconds)*time.Second)
	defer cancel()

	err := srv.Shutdown(shutdownCtx)
	if err != nil {
		log.Warn().Err(err).Msg("server drain incomplete")
	}

	hooks.Execute(shutdownCtx)

	if serveResult := <-serveErr; !errors.Is(serveResult, http.ErrServerClosed) {
		return serveResult
	}
	return err
}
