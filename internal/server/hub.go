// Package server coordinates session registration, message broadcast, and
// connection cleanup for the chat service via the Hub type.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/Tyrowin/lobbychat/internal/broadcast"
	"github.com/Tyrowin/lobbychat/internal/protocol"
	"github.com/Tyrowin/lobbychat/internal/registry"
)

// ErrHubClosed is returned once Shutdown has started.
var ErrHubClosed = errors.New("server: hub is shutting down")

// Hub owns the shared chat state: the registry of joined sessions, the
// broadcast router, and the set of connections still waiting to join.
type Hub struct {
	cfg      Config
	logger   *slog.Logger
	metrics  *Metrics
	registry *registry.Registry
	router   *broadcast.Router
	upgrader websocket.Upgrader

	mu      sync.Mutex
	pending map[*session]struct{}
	closing bool
	wg      sync.WaitGroup
}

// NewHub creates a Hub for cfg. A nil logger uses slog.Default and nil
// metrics disables instrumentation.
func NewHub(cfg Config, logger *slog.Logger, metrics *Metrics) *Hub {
	cfg = cfg.Sanitize()
	if logger == nil {
		logger = slog.Default()
	}

	policy := newOriginPolicy(cfg.AllowedOrigins, logger)

	return &Hub{
		cfg:      cfg,
		logger:   logger,
		metrics:  metrics,
		registry: registry.New(),
		router:   broadcast.NewRouter(cfg.OutboundBuffer),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     policy.check,
		},
		pending: make(map[*session]struct{}),
	}
}

// ServeWS upgrades the request and runs a chat session on it.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	if h.isClosing() {
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}

	sess := newSession(h, conn, uuid.New(), r.RemoteAddr)

	h.mu.Lock()
	if h.closing {
		h.mu.Unlock()
		sess.closeConn()
		return
	}
	h.pending[sess] = struct{}{}
	h.wg.Add(1)
	h.mu.Unlock()

	h.metrics.RecordConnection()

	go func() {
		defer h.wg.Done()
		sess.run()
	}()
}

// Users returns the usernames of all joined sessions.
func (h *Hub) Users() []string {
	return h.registry.SnapshotUsernames()
}

// SessionCount returns the number of joined sessions.
func (h *Hub) SessionCount() int {
	return h.registry.Len()
}

// Publish sends msg to every subscribed session and returns the fan-out.
func (h *Hub) Publish(msg protocol.ChatMessage) int {
	n := h.router.Publish(msg)
	h.metrics.RecordPublished(msg.Kind(), n)
	return n
}

// activate moves sess from the pending set into the registry. It fails once
// shutdown has begun so that Shutdown never misses a session.
func (h *Hub) activate(sess *session, username string, outbound registry.Outbound) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closing {
		return ErrHubClosed
	}
	delete(h.pending, sess)

	if err := h.registry.Register(sess.id, username, outbound); err != nil {
		return err
	}
	h.metrics.RecordActiveSessions(h.registry.Len())
	h.metrics.RecordSessionJoined()
	return nil
}

// deactivate removes sess from the registry and reports whether it was there.
func (h *Hub) deactivate(sess *session) bool {
	removed := h.registry.Deregister(sess.id)
	if removed {
		h.metrics.RecordActiveSessions(h.registry.Len())
	}
	return removed
}

func (h *Hub) forget(sess *session) {
	h.mu.Lock()
	delete(h.pending, sess)
	h.mu.Unlock()
}

func (h *Hub) isClosing() bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.closing
}

// Shutdown closes every connection and waits for all session goroutines to
// finish, or returns context.DeadlineExceeded after timeout.
func (h *Hub) Shutdown(timeout time.Duration) error {
	h.logger.Info("Initiating hub shutdown...")

	h.mu.Lock()
	h.closing = true
	pending := make([]*session, 0, len(h.pending))
	for sess := range h.pending {
		pending = append(pending, sess)
	}
	h.mu.Unlock()

	for _, sess := range pending {
		sess.closeConn()
	}
	joined := h.registry.CloseAll()

	h.logger.Info("Closed client connections", "joined", joined, "pending", len(pending))

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.logger.Info("Hub shutdown completed successfully")
		return nil
	case <-time.After(timeout):
		h.logger.Warn("Hub shutdown timeout reached, some goroutines may still be running")
		return context.DeadlineExceeded
	}
}
