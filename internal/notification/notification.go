// Package notification delivers side records for executions that need a
// human to follow up. Every configured sender receives every message.
package notification

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/gatekeeper/internal/sanitize"
)

// Sender is the interface for a single notification backend.
type Sender interface {
	// Type returns the backend identifier ("file", "webhook").
	Type() string
	Send(ctx context.Context, msg *Message) error
}

// Message is the payload handed to every sender.
type Message struct {
	ID         string            `json:"id"`
	CreatedAt  time.Time         `json:"created_at"`
	Subject    string            `json:"subject"`
	Body       string            `json:"body"`
	ApprovalID string            `json:"approval_id,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Dispatcher fans a message out to the registered senders.
type Dispatcher struct {
	senders []Sender
	logger  *slog.Logger
	mu      sync.RWMutex
}

// NewDispatcher creates a dispatcher with the given senders.
func NewDispatcher(logger *slog.Logger, senders ...Sender) *Dispatcher {
	return &Dispatcher{senders: senders, logger: logger}
}

// RegisterSender adds a backend.
func (d *Dispatcher) RegisterSender(s Sender) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.senders = append(d.senders, s)
}

// Len returns the number of registered senders.
func (d *Dispatcher) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.senders)
}

// Notify sends msg through every sender. The subject, body and metadata are
// sanitized first, since senders write outside the process. A failing sender
// does not stop the others; the returned error joins every failure.
func (d *Dispatcher) Notify(ctx context.Context, msg *Message) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	scrub(msg)

	d.mu.RLock()
	senders := append([]Sender(nil), d.senders...)
	d.mu.RUnlock()

	var errs []error
	for _, s := range senders {
		if err := s.Send(ctx, msg); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.Type(), err))
			d.logger.WarnContext(ctx, "notification send failed",
				slog.String("type", s.Type()),
				slog.String("approval_id", msg.ApprovalID),
				slog.String("error", err.Error()),
			)
			continue
		}
		d.logger.InfoContext(ctx, "notification sent",
			slog.String("type", s.Type()),
			slog.String("approval_id", msg.ApprovalID),
		)
	}
	return errors.Join(errs...)
}

func scrub(msg *Message) {
	msg.Subject = sanitize.Text(msg.Subject)
	msg.Body = sanitize.Text(msg.Body)
	for k, v := range msg.Metadata {
		if sanitize.SensitiveKey(k) {
			msg.Metadata[k] = sanitize.Redacted
			continue
		}
		msg.Metadata[k] = sanitize.String(v)
	}
}
