package server_test

import (
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/lobbychat/internal/logging"
	"github.com/Tyrowin/lobbychat/internal/protocol"
	"github.com/Tyrowin/lobbychat/internal/server"
)

const readTimeout = 2 * time.Second

type testEnv struct {
	hub      *server.Hub
	server   *httptest.Server
	registry *prometheus.Registry
	wsURL    string
}

// newTestEnv starts a hub behind an httptest server. mutate may adjust the
// configuration before the hub is built.
func newTestEnv(t *testing.T, mutate func(*server.Config)) *testEnv {
	t.Helper()

	cfg := server.DefaultConfig()
	cfg.AllowedOrigins = []string{"*"}
	if mutate != nil {
		mutate(&cfg)
	}

	reg := prometheus.NewRegistry()
	hub := server.NewHub(cfg, logging.Discard(), server.NewMetrics(reg))
	ts := httptest.NewServer(server.SetupRoutes(hub, "/metrics", server.MetricsHandler(reg)))

	t.Cleanup(func() {
		_ = hub.Shutdown(2 * time.Second)
		ts.Close()
	})

	return &testEnv{
		hub:      hub,
		server:   ts,
		registry: reg,
		wsURL:    "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws",
	}
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()

	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	conn, resp, err := dialer.Dial(url, nil)
	if resp != nil {
		_ = resp.Body.Close()
	}
	require.NoError(t, err)

	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, msg protocol.ChatMessage) {
	t.Helper()

	data, err := protocol.Encode(msg)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

func sendRaw(t *testing.T, conn *websocket.Conn, messageType int, data string) {
	t.Helper()
	require.NoError(t, conn.WriteMessage(messageType, []byte(data)))
}

func readMsg(t *testing.T, conn *websocket.Conn) protocol.ChatMessage {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(readTimeout)))
	messageType, data, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.TextMessage, messageType)

	msg, err := protocol.Decode(data)
	require.NoError(t, err, "server sent undecodable frame %s", data)
	return msg
}

// expectNoMessage asserts that nothing arrives within d. A timed out gorilla
// connection cannot be read again, so call it last on a connection.
func expectNoMessage(t *testing.T, conn *websocket.Conn, d time.Duration) {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(d)))
	_, data, err := conn.ReadMessage()
	require.Error(t, err, "expected no message, got %s", data)

	var netErr net.Error
	require.True(t, errors.As(err, &netErr) && netErr.Timeout(), "expected timeout, got %v", err)
}

// join connects, completes the handshake and consumes the session's own Join
// echo. It returns the connection and the roster the server sent.
func join(t *testing.T, env *testEnv, username string) (*websocket.Conn, []string) {
	t.Helper()

	conn := dial(t, env.wsURL)
	send(t, conn, protocol.Join{Username: username})

	list, ok := readMsg(t, conn).(protocol.UserList)
	require.True(t, ok, "first frame after join must be a UserList")
	require.Equal(t, protocol.Join{Username: username}, readMsg(t, conn))

	return conn, list.Users
}

func waitForUsers(t *testing.T, hub *server.Hub, want ...string) {
	t.Helper()
	require.Eventually(t, func() bool {
		got := hub.Users()
		if len(got) != len(want) {
			return false
		}
		for i := range want {
			if got[i] != want[i] {
				return false
			}
		}
		return true
	}, readTimeout, 10*time.Millisecond, "users never became %v (last %v)", want, hub.Users())
}

func getBody(t *testing.T, url string) (*http.Response, string) {
	t.Helper()

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(body)
}
