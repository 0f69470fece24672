// Package transport provides chat surface connections. A Transport
// delivers inbound user messages and carries replies back out.
package transport

import (
	"context"
	"fmt"
	"time"
)

// Message is one inbound chat message. SequenceID is the surface's
// monotonically increasing per-user message counter; ingestion uses it
// to detect replays.
type Message struct {
	UserID     string    `json:"user_id"`
	Text       string    `json:"text"`
	SequenceID int64     `json:"sequence_id"`
	Timestamp  time.Time `json:"timestamp"`
}

// Error wraps transport-level failures so callers can distinguish them
// from extraction or persistence problems.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Transport is the chat surface connection.
type Transport interface {
	// Connect establishes the connection. Must be called before Poll
	// or Send.
	Connect(ctx context.Context) error

	// Poll returns the messages that arrived since the last call. An
	// empty batch is normal; failures are *Error values.
	Poll(ctx context.Context) ([]Message, error)

	// Send delivers a reply to a user.
	Send(ctx context.Context, userID, text string) error

	// Close tears down the connection.
	Close() error
}
