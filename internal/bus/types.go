// Package bus carries messages between transports and the agent runtime:
// the inbound/outbound message queues, the per-run event bus, inbound
// deduplication, and burst debouncing.
package bus

import (
	"context"
	"sync"
	"time"
)

// PeerKind distinguishes conversation shapes.
type PeerKind string

const (
	PeerDirect PeerKind = "direct"
	PeerGroup  PeerKind = "group"
	PeerRoom   PeerKind = "room"
	PeerThread PeerKind = "thread"
)

// MetaMultiSender marks an envelope whose body was merged from several
// senders; each line already carries its own sender prefix.
const MetaMultiSender = "multi_sender"

// Peer identifies a conversation target on a channel.
type Peer struct {
	Kind PeerKind `json:"kind"`
	ID   string   `json:"id"`
}

// Envelope is a normalized inbound message. Immutable once produced by a
// transport; discarded after routing.
type Envelope struct {
	Channel        string            `json:"channel"`
	AccountID      string            `json:"account_id,omitempty"`
	SenderID       string            `json:"sender_id"`
	SenderName     string            `json:"sender_name,omitempty"`
	Peer           Peer              `json:"peer"`
	ParentPeer     *Peer             `json:"parent_peer,omitempty"` // for threads
	Timestamp      time.Time         `json:"timestamp"`
	Body           string            `json:"body"`
	MessageID      string            `json:"message_id"`
	ReplyToID      string            `json:"reply_to_id,omitempty"`
	Attachments    []Attachment      `json:"attachments,omitempty"`
	IsMention      bool              `json:"is_mention,omitempty"`
	IsBotSelfReply bool              `json:"is_bot_self_reply,omitempty"`
	ThreadID       string            `json:"thread_id,omitempty"`
	TopicID        string            `json:"topic_id,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// Attachment is an inbound or outbound media reference.
type Attachment struct {
	URL         string `json:"url"`
	ContentType string `json:"content_type,omitempty"`
	Caption     string `json:"caption,omitempty"`
}

// OutboundMessage is a message to be delivered to a channel.
type OutboundMessage struct {
	Channel     string            `json:"channel"`
	Peer        Peer              `json:"peer"`
	Text        string            `json:"text"`
	Attachments []Attachment      `json:"attachments,omitempty"`
	ReplyToID   string            `json:"reply_to_id,omitempty"`
	Final       bool              `json:"final,omitempty"` // end-of-message flush marker
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// MessageBus is the in-process queue pair between transports and the
// consumer loop. Inbound is multi-producer single-consumer; outbound is
// multi-producer single-consumer (the channel manager's dispatcher).
type MessageBus struct {
	inbound  chan Envelope
	outbound chan OutboundMessage
	closed   chan struct{}
	once     sync.Once
}

// NewMessageBus creates a bus with bounded queues.
func NewMessageBus(depth int) *MessageBus {
	if depth <= 0 {
		depth = 256
	}
	return &MessageBus{
		inbound:  make(chan Envelope, depth),
		outbound: make(chan OutboundMessage, depth),
		closed:   make(chan struct{}),
	}
}

// PublishInbound enqueues an envelope from a transport. Drops on a closed bus.
func (b *MessageBus) PublishInbound(env Envelope) {
	select {
	case <-b.closed:
	case b.inbound <- env:
	}
}

// ConsumeInbound blocks until an envelope arrives or ctx/bus ends.
func (b *MessageBus) ConsumeInbound(ctx context.Context) (Envelope, bool) {
	select {
	case <-ctx.Done():
		return Envelope{}, false
	case <-b.closed:
		return Envelope{}, false
	case env := <-b.inbound:
		return env, true
	}
}

// PublishOutbound enqueues a message for channel delivery.
func (b *MessageBus) PublishOutbound(msg OutboundMessage) {
	select {
	case <-b.closed:
	case b.outbound <- msg:
	}
}

// ConsumeOutbound blocks until an outbound message arrives or ctx/bus ends.
func (b *MessageBus) ConsumeOutbound(ctx context.Context) (OutboundMessage, bool) {
	select {
	case <-ctx.Done():
		return OutboundMessage{}, false
	case <-b.closed:
		return OutboundMessage{}, false
	case msg := <-b.outbound:
		return msg, true
	}
}

// Close shuts the bus down. Safe to call more than once.
func (b *MessageBus) Close() {
	b.once.Do(func() { close(b.closed) })
}
