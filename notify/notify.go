/*
Package notify defines how domain services hand messages to the delivery
system (email, message queue) without depending on it.

PURPOSE:
  Sending is fire-and-forget from the caller's point of view: a failed send
  is logged by the caller and never undoes the operation that produced the
  message. Delivery internals are out of scope; LogSender is the default
  implementation and writes each message to the structured log.

SEE ALSO:
  - reservation/queue.go: sends reservation confirmations
*/
package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

type Kind string

const KindReservationConfirmed Kind = "reservation_confirmed"

type Message struct {
	ID        uuid.UUID
	Kind      Kind
	Recipient string
	Subject   string
	Body      string
	Payload   map[string]any
	CreatedAt time.Time
}

// NewMessage stamps a fresh ID.
func NewMessage(kind Kind, recipient, subject, body string, at time.Time) Message {
	return Message{
		ID:        uuid.New(),
		Kind:      kind,
		Recipient: recipient,
		Subject:   subject,
		Body:      body,
		Payload:   map[string]any{},
		CreatedAt: at,
	}
}

type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// =============================================================================
// LOG SENDER
// =============================================================================

type LogSender struct {
	Logger *slog.Logger
}

func (s LogSender) Send(ctx context.Context, msg Message) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "notification",
		"id", msg.ID.String(),
		"kind", msg.Kind,
		"recipient", msg.Recipient,
		"subject", msg.Subject,
	)
	return nil
}

// =============================================================================
// OUTBOX - Collects messages in memory
// =============================================================================

// Outbox records every message it is given. Used in development and tests.
type Outbox struct {
	mu       sync.Mutex
	messages []Message
	Err      error // returned by Send when set; the message is still recorded
}

func (o *Outbox) Send(_ context.Context, msg Message) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.messages = append(o.messages, msg)
	return o.Err
}

func (o *Outbox) Messages() []Message {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]Message(nil), o.messages...)
}
