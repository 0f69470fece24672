package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WSTransport connects to a chat surface over WebSocket. The surface
// sends an auth_required frame on connect; after a token handshake it
// streams message frames which are buffered until the next Poll.
type WSTransport struct {
	baseURL string
	token   string

	conn   *websocket.Conn
	connMu sync.Mutex

	inbox  chan Message
	logger *slog.Logger
}

// wsFrame is the generic wire format in both directions.
type wsFrame struct {
	Type       string    `json:"type"`
	UserID     string    `json:"user_id,omitempty"`
	Text       string    `json:"text,omitempty"`
	SequenceID int64     `json:"sequence_id,omitempty"`
	Timestamp  time.Time `json:"timestamp,omitempty"`
	Token      string    `json:"access_token,omitempty"`
	Message    string    `json:"message,omitempty"`
}

// NewWSTransport creates a WebSocket transport. Connect must be called
// before use.
func NewWSTransport(baseURL, token string, logger *slog.Logger) *WSTransport {
	if logger == nil {
		logger = slog.Default()
	}
	return &WSTransport{
		baseURL: baseURL,
		token:   token,
		inbox:   make(chan Message, 256),
		logger:  logger.With("transport", "websocket"),
	}
}

// Connect dials the surface, authenticates, and starts the read loop.
func (t *WSTransport) Connect(ctx context.Context) error {
	t.connMu.Lock()
	defer t.connMu.Unlock()

	u, err := url.Parse(t.baseURL)
	if err != nil {
		return &Error{Op: "parse url", Err: err}
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}

	t.logger.Info("connecting to chat surface", "url", u.String())

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return &Error{Op: "dial", Err: err}
	}

	if err := t.authenticate(conn); err != nil {
		conn.Close()
		return err
	}

	t.conn = conn
	go t.readLoop(conn)

	t.logger.Info("chat surface connected")
	return nil
}

func (t *WSTransport) authenticate(conn *websocket.Conn) error {
	var hello wsFrame
	if err := conn.ReadJSON(&hello); err != nil {
		return &Error{Op: "read auth_required", Err: err}
	}
	if hello.Type != "auth_required" {
		return &Error{Op: "auth", Err: fmt.Errorf("expected auth_required, got %s", hello.Type)}
	}

	if err := conn.WriteJSON(wsFrame{Type: "auth", Token: t.token}); err != nil {
		return &Error{Op: "send auth", Err: err}
	}

	var resp wsFrame
	if err := conn.ReadJSON(&resp); err != nil {
		return &Error{Op: "read auth response", Err: err}
	}
	switch resp.Type {
	case "auth_ok":
		return nil
	case "auth_invalid":
		return &Error{Op: "auth", Err: fmt.Errorf("authentication failed: %s", resp.Message)}
	default:
		return &Error{Op: "auth", Err: fmt.Errorf("unexpected auth response: %s", resp.Type)}
	}
}

// Poll drains the inbox without blocking and returns the batch. Once
// the read loop has marked the connection dead, messages buffered
// before the drop are still delivered; after that every Poll fails so
// the caller's failure accounting can see the outage.
func (t *WSTransport) Poll(ctx context.Context) ([]Message, error) {
	var batch []Message
	for {
		select {
		case msg := <-t.inbox:
			batch = append(batch, msg)
		case <-ctx.Done():
			return batch, ctx.Err()
		default:
			t.connMu.Lock()
			connected := t.conn != nil
			t.connMu.Unlock()
			if len(batch) == 0 && !connected {
				return nil, &Error{Op: "poll", Err: fmt.Errorf("not connected")}
			}
			return batch, nil
		}
	}
}

// Send delivers a reply frame. Writes are serialized; gorilla
// connections allow only one concurrent writer.
func (t *WSTransport) Send(ctx context.Context, userID, text string) error {
	t.connMu.Lock()
	defer t.connMu.Unlock()

	if t.conn == nil {
		return &Error{Op: "send", Err: fmt.Errorf("not connected")}
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = t.conn.SetWriteDeadline(deadline)
	}
	if err := t.conn.WriteJSON(wsFrame{Type: "reply", UserID: userID, Text: text}); err != nil {
		return &Error{Op: "send", Err: err}
	}
	return nil
}

// markLost clears t.conn if it still refers to conn. A newer
// connection established by a fresh Connect is left alone.
func (t *WSTransport) markLost(conn *websocket.Conn) {
	t.connMu.Lock()
	defer t.connMu.Unlock()

	if t.conn == conn {
		_ = conn.Close()
		t.conn = nil
	}
}

// Close closes the connection.
func (t *WSTransport) Close() error {
	t.connMu.Lock()
	defer t.connMu.Unlock()

	if t.conn != nil {
		err := t.conn.Close()
		t.conn = nil
		return err
	}
	return nil
}

func (t *WSTransport) readLoop(conn *websocket.Conn) {
	// Any exit means this connection is unusable. Clearing t.conn makes
	// the outage visible to Poll and Send instead of leaving them
	// silently healthy on a dead socket.
	defer t.markLost(conn)

	for {
		var frame wsFrame
		if err := conn.ReadJSON(&frame); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				t.logger.Info("chat surface closed connection")
				return
			}
			t.logger.Error("read error, connection lost", "error", err)
			return
		}

		switch frame.Type {
		case "message":
			msg := Message{
				UserID:     frame.UserID,
				Text:       frame.Text,
				SequenceID: frame.SequenceID,
				Timestamp:  frame.Timestamp,
			}
			select {
			case t.inbox <- msg:
			default:
				t.logger.Warn("inbox full, dropping message",
					"user_id", msg.UserID, "sequence_id", msg.SequenceID)
			}

		case "ping":
			t.connMu.Lock()
			_ = conn.WriteJSON(wsFrame{Type: "pong"})
			t.connMu.Unlock()

		default:
			if t.logger.Enabled(context.Background(), slog.LevelDebug) {
				raw, _ := json.Marshal(frame)
				t.logger.Debug("unhandled frame", "type", frame.Type, "frame", string(raw))
			}
		}
	}
}
