package client_test

import (
	"bytes"
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/lobbychat/internal/client"
	"github.com/Tyrowin/lobbychat/internal/logging"
	"github.com/Tyrowin/lobbychat/internal/protocol"
	"github.com/Tyrowin/lobbychat/internal/server"
)

const waitFor = 2 * time.Second

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func startServer(t *testing.T) (*server.Hub, string) {
	t.Helper()

	cfg := server.DefaultConfig()
	cfg.AllowedOrigins = []string{"*"}
	hub := server.NewHub(cfg, logging.Discard(), nil)
	ts := httptest.NewServer(server.SetupRoutes(hub, "", nil))

	t.Cleanup(func() {
		_ = hub.Shutdown(waitFor)
		ts.Close()
	})
	return hub, "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
}

func startClient(t *testing.T, url, username string) (*io.PipeWriter, *syncBuffer, <-chan error) {
	t.Helper()

	in, inWriter := io.Pipe()
	out := &syncBuffer{}
	done := make(chan error, 1)

	go func() {
		done <- client.New(url, username).Run(context.Background(), in, out)
	}()

	t.Cleanup(func() { _ = inWriter.Close() })
	return inWriter, out, done
}

func joinPeer(t *testing.T, url, username string) *websocket.Conn {
	t.Helper()

	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if resp != nil {
		_ = resp.Body.Close()
	}
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	data, err := protocol.Encode(protocol.Join{Username: username})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))

	_, ok := readPeer(t, conn).(protocol.UserList)
	require.True(t, ok)
	require.Equal(t, protocol.Join{Username: username}, readPeer(t, conn))
	return conn
}

func readPeer(t *testing.T, conn *websocket.Conn) protocol.ChatMessage {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(waitFor)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	msg, err := protocol.Decode(data)
	require.NoError(t, err)
	return msg
}

func waitResult(t *testing.T, done <-chan error) error {
	t.Helper()

	select {
	case err := <-done:
		return err
	case <-time.After(waitFor):
		t.Fatal("client did not stop")
		return nil
	}
}

func TestClientChatsAndQuits(t *testing.T) {
	hub, url := startServer(t)

	input, out, done := startClient(t, url, "alice")
	require.Eventually(t, func() bool {
		return len(hub.Users()) == 1
	}, waitFor, 10*time.Millisecond)

	bob := joinPeer(t, url, "bob")

	_, err := io.WriteString(input, "\n   \nhello from alice\n")
	require.NoError(t, err)
	assert.Equal(t, protocol.Message{Username: "alice", Content: "hello from alice"}, readPeer(t, bob))

	data, err := protocol.Encode(protocol.Message{Username: "bob", Content: "hi alice"})
	require.NoError(t, err)
	require.NoError(t, bob.WriteMessage(websocket.TextMessage, data))

	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), "bob: hi alice")
	}, waitFor, 10*time.Millisecond)

	_, err = io.WriteString(input, "  /quit  \n")
	require.NoError(t, err)
	require.NoError(t, waitResult(t, done))

	assert.Equal(t, protocol.Leave{Username: "alice"}, readPeer(t, bob))

	output := out.String()
	assert.Contains(t, output, "Connected to "+url+" as alice")
	assert.Contains(t, output, "Users online: alice")
	assert.Contains(t, output, "bob joined the chat")
	assert.NotContains(t, output, "alice: hello from alice")
}

func TestClientStopsWhenServerCloses(t *testing.T) {
	hub, url := startServer(t)

	_, out, done := startClient(t, url, "alice")
	require.Eventually(t, func() bool {
		return len(hub.Users()) == 1
	}, waitFor, 10*time.Millisecond)

	require.NoError(t, hub.Shutdown(waitFor))

	require.NoError(t, waitResult(t, done))
	assert.Contains(t, out.String(), "Disconnected from server")
}

func TestClientStopsAtEndOfInput(t *testing.T) {
	hub, url := startServer(t)

	input, _, done := startClient(t, url, "alice")
	require.Eventually(t, func() bool {
		return len(hub.Users()) == 1
	}, waitFor, 10*time.Millisecond)

	require.NoError(t, input.Close())
	require.NoError(t, waitResult(t, done))
	require.Eventually(t, func() bool {
		return hub.SessionCount() == 0
	}, waitFor, 10*time.Millisecond)
}

func TestClientReportsDialFailure(t *testing.T) {
	err := client.New("ws://127.0.0.1:1/ws", "alice").Run(context.Background(), strings.NewReader(""), io.Discard)
	assert.ErrorContains(t, err, "failed to connect")
}
