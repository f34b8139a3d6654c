package channels

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/botgatehq/botgate/internal/bus"
)

// Loopback is an in-process channel. The gateway uses it to run messages
// through the full pipeline without an external transport; tests use it to
// observe delivery.
type Loopback struct {
	name string
	bus  *bus.MessageBus

	mu   sync.Mutex
	sent []bus.OutboundMessage
	subs []func(bus.OutboundMessage)
}

// NewLoopback creates a loopback channel publishing inbound to mb.
func NewLoopback(name string, mb *bus.MessageBus) *Loopback {
	if name == "" {
		name = "loopback"
	}
	return &Loopback{name: name, bus: mb}
}

func (l *Loopback) Name() string                { return l.name }
func (l *Loopback) Start(context.Context) error { return nil }
func (l *Loopback) Stop(context.Context) error  { return nil }

// Send records the message and notifies observers.
func (l *Loopback) Send(_ context.Context, msg bus.OutboundMessage) error {
	l.mu.Lock()
	l.sent = append(l.sent, msg)
	subs := append([]func(bus.OutboundMessage){}, l.subs...)
	l.mu.Unlock()
	for _, fn := range subs {
		fn(msg)
	}
	return nil
}

// Observe registers a callback for every sent message.
func (l *Loopback) Observe(fn func(bus.OutboundMessage)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.subs = append(l.subs, fn)
}

// Sent returns a copy of everything delivered so far.
func (l *Loopback) Sent() []bus.OutboundMessage {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]bus.OutboundMessage, len(l.sent))
	copy(out, l.sent)
	return out
}

// Inject publishes an inbound envelope as if a user had sent it.
func (l *Loopback) Inject(senderID, body string, peer bus.Peer) bus.Envelope {
	env := bus.Envelope{
		Channel:   l.name,
		SenderID:  senderID,
		Peer:      peer,
		Timestamp: time.Now(),
		Body:      body,
		MessageID: uuid.NewString(),
	}
	l.bus.PublishInbound(env)
	return env
}
