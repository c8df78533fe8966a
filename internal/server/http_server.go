// Package server constructs and starts the chat HTTP service with helpers
// that apply sensible production defaults.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"
)

// CreateServer creates and configures an HTTP server with the specified address and handler.
// Upgraded WebSocket connections are hijacked and so are not subject to
// these timeouts.
func CreateServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

func serveListener(server *http.Server, ln net.Listener) error {
	slog.Info("Chat server listening", "addr", ln.Addr().String(), "url", "ws://"+ln.Addr().String())
	return server.Serve(ln)
}

// ShutdownServer gracefully shuts down the HTTP server without interrupting active connections.
// It waits for active connections to close or until the timeout is reached.
func ShutdownServer(server *http.Server, timeout time.Duration) error {
	slog.Info("Shutting down HTTP server...")

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
		return err
	}

	slog.Info("HTTP server shutdown completed")
	return nil
}

// Serve runs server on ln until ctx is cancelled, then stops accepting
// requests and shuts the hub down. http.Server does not track hijacked
// connections, so the hub closes the chat sessions itself.
func Serve(ctx context.Context, server *http.Server, ln net.Listener, hub *Hub, timeout time.Duration) error {
	serverErr := make(chan error, 1)
	go func() {
		serverErr <- serveListener(server, ln)
	}()

	select {
	case err := <-serverErr:
		_ = hub.Shutdown(timeout)
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	httpErr := ShutdownServer(server, timeout)
	hubErr := hub.Shutdown(timeout)
	return errors.Join(httpErr, hubErr)
}
