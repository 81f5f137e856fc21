package utils

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// shutdownTimeout bounds the graceful shutdown of an HTTP server.
const shutdownTimeout = 5 * time.Second

// Serve runs `handler` on `address` until `ctx` is done, then shuts the server down gracefully.
func Serve(ctx context.Context, address string, handler http.Handler) error {
	httpServer := &http.Server{Addr: address, Handler: handler, ReadHeaderTimeout: 10 * time.Second}

	serverErrSignal := make(chan error, 1)
	go func() {
		serverErrSignal <- httpServer.ListenAndServe()
	}()
	slog.Info("HTTP server is listening.", "address", address)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("failed to shut down %s: %w", address, err)
		}
		return nil
	case err := <-serverErrSignal:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server %s stopped unexpectedly: %w", address, err)
	}
}
