// Package channels manages transport adapters and the outbound delivery
// path: rendering, chunking, rate limiting, and per-request retry.
package channels

import (
	"context"
	"errors"
	"strings"

	"github.com/botgatehq/botgate/internal/bus"
)

// ErrUnknownChannel is returned for sends to an unregistered channel.
var ErrUnknownChannel = errors.New("channels: unknown channel")

// Channel is one transport adapter. Adapters publish inbound envelopes to
// the message bus themselves; the manager drives the outbound direction.
type Channel interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error

	// Send delivers one already-rendered chunk.
	Send(ctx context.Context, msg bus.OutboundMessage) error
}

// TypingAware is implemented by channels that can show a typing indicator.
type TypingAware interface {
	Typing(ctx context.Context, peer bus.Peer, active bool) error
}

// isMarkupError recognizes transport rejections caused by formatting, the
// cue to re-render the message as plain text and try again.
func isMarkupError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "can't parse entities") ||
		strings.Contains(msg, "parse error") ||
		strings.Contains(msg, "invalid markup") ||
		strings.Contains(msg, "unsupported format")
}
