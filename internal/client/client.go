// Package client implements the terminal chat client: it joins a server,
// sends each input line as a message and prints what the room says.
package client

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Tyrowin/lobbychat/internal/protocol"
)

// QuitCommand ends the session when typed on its own line.
const QuitCommand = "/quit"

const (
	handshakeTimeout = 10 * time.Second
	writeTimeout     = 10 * time.Second
	closeGracePeriod = time.Second
)

// Client is a single chat participant.
type Client struct {
	url      string
	username string
	dialer   *websocket.Dialer
	logger   *slog.Logger
}

// New creates a client that joins the server at url as username.
func New(url, username string) *Client {
	return &Client{
		url:      url,
		username: username,
		dialer: &websocket.Dialer{
			HandshakeTimeout: handshakeTimeout,
		},
		logger: slog.Default(),
	}
}

// lineWriter serializes writes to the output.
type lineWriter struct {
	mu  sync.Mutex
	out io.Writer
}

func (w *lineWriter) println(line string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, _ = fmt.Fprintln(w.out, line)
}

// Run connects, joins, and relays lines from in until the user quits, in
// is exhausted, ctx is cancelled, or the server closes the connection.
func (c *Client) Run(ctx context.Context, in io.Reader, out io.Writer) error {
	conn, resp, err := c.dialer.DialContext(ctx, c.url, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", c.url, err)
	}
	defer conn.Close()

	if err := c.send(conn, protocol.Join{Username: c.username}); err != nil {
		return fmt.Errorf("failed to join: %w", err)
	}

	w := &lineWriter{out: out}
	w.println(fmt.Sprintf("Connected to %s as %s. Type %s to exit.", c.url, c.username, QuitCommand))

	readErr := make(chan error, 1)
	go func() {
		readErr <- c.readLoop(conn, w, NewRenderer(out, c.username))
	}()

	lines := make(chan string)
	go scanLines(ctx, in, lines)

	for {
		select {
		case <-ctx.Done():
			return c.quit(conn, readErr)
		case err := <-readErr:
			w.println("Disconnected from server")
			return err
		case line, ok := <-lines:
			if !ok {
				return c.quit(conn, readErr)
			}
			line = strings.TrimSpace(line)
			if line == QuitCommand {
				return c.quit(conn, readErr)
			}
			if line == "" {
				continue
			}
			if err := c.send(conn, protocol.Message{Username: c.username, Content: line}); err != nil {
				return fmt.Errorf("failed to send message: %w", err)
			}
		}
	}
}

func scanLines(ctx context.Context, in io.Reader, lines chan<- string) {
	defer close(lines)

	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		select {
		case lines <- scanner.Text():
		case <-ctx.Done():
			return
		}
	}
}

// readLoop prints every frame until the connection ends. A normal close
// from the server is not an error.
func (c *Client) readLoop(conn *websocket.Conn, w *lineWriter, r *Renderer) error {
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("connection lost: %w", err)
		}
		if messageType != websocket.TextMessage {
			continue
		}

		msg, err := protocol.Decode(data)
		if err != nil {
			c.logger.Debug("Ignoring undecodable frame", "error", err)
			continue
		}

		if line, ok := r.Render(msg); ok {
			w.println(line)
		}
	}
}

// quit sends a close frame and waits briefly for the server to answer it.
func (c *Client) quit(conn *websocket.Conn, readErr <-chan error) error {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	if err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeTimeout)); err != nil {
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return fmt.Errorf("failed to send close frame: %w", err)
	}

	select {
	case <-readErr:
	case <-time.After(closeGracePeriod):
	}
	return nil
}

func (c *Client) send(conn *websocket.Conn, msg protocol.ChatMessage) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	if err := conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}
