// Package notify delivers fired scheduler jobs to their target channels.
// Each channel (WhatsApp, email, voice call) implements the Sender interface;
// the Dispatcher multiplexes a delivery request to the right sender.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Channel identifies a notification transport.
type Channel string

const (
	ChannelWhatsApp Channel = "whatsapp"
	ChannelEmail    Channel = "email"
	ChannelCall     Channel = "call"
)

// ParseChannel validates a channel name coming from tool arguments.
func ParseChannel(s string) (Channel, error) {
	switch Channel(s) {
	case ChannelWhatsApp, ChannelEmail, ChannelCall:
		return Channel(s), nil
	}
	return "", fmt.Errorf("unknown channel %q", s)
}

// Payload carries the channel-specific delivery fields.
// WhatsApp and call use To+Message; email uses To+Subject+Body.
type Payload struct {
	To      string `json:"to"`
	Message string `json:"message,omitempty"`
	Subject string `json:"subject,omitempty"`
	Body    string `json:"body,omitempty"`
}

// Sender delivers a payload over one channel.
type Sender interface {
	Send(ctx context.Context, p Payload) error
}

// SenderFunc adapts a function to the Sender interface.
type SenderFunc func(ctx context.Context, p Payload) error

// Send calls the wrapped function.
func (f SenderFunc) Send(ctx context.Context, p Payload) error { return f(ctx, p) }

// Dispatcher routes deliveries to registered channel senders.
type Dispatcher struct {
	senders map[Channel]Sender
	logger  *slog.Logger
	mu      sync.RWMutex
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher(logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		senders: make(map[Channel]Sender),
		logger:  logger.With("component", "notify"),
	}
}

// Register adds or replaces the sender for a channel.
func (d *Dispatcher) Register(ch Channel, s Sender) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.senders[ch] = s
}

// Send delivers the payload over the given channel.
func (d *Dispatcher) Send(ctx context.Context, ch Channel, p Payload) error {
	d.mu.RLock()
	sender, ok := d.senders[ch]
	d.mu.RUnlock()

	if !ok {
		return fmt.Errorf("no sender registered for channel %q", ch)
	}

	if err := sender.Send(ctx, p); err != nil {
		d.logger.Error("delivery failed", "channel", ch, "to", p.To, "error", err)
		return fmt.Errorf("sending via %s: %w", ch, err)
	}

	d.logger.Info("notification delivered", "channel", ch, "to", p.To)
	return nil
}
