package channels

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/botgatehq/botgate/internal/bus"
	"github.com/botgatehq/botgate/internal/config"
	"github.com/botgatehq/botgate/internal/retry"
)

// fakeChannel records sends and can reject the first N with a given error.
type fakeChannel struct {
	mu      sync.Mutex
	name    string
	sent    []bus.OutboundMessage
	failErr error
	failN   int
}

func (f *fakeChannel) Name() string                { return f.name }
func (f *fakeChannel) Start(context.Context) error { return nil }
func (f *fakeChannel) Stop(context.Context) error  { return nil }

func (f *fakeChannel) Send(_ context.Context, msg bus.OutboundMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failN > 0 {
		f.failN--
		return f.failErr
	}
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeChannel) messages() []bus.OutboundMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]bus.OutboundMessage(nil), f.sent...)
}

func testManager(cfg *config.Config) (*Manager, *fakeChannel) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := NewManager(cfg, bus.NewMessageBus(16), retry.New(config.RetryConfig{Attempts: 1}), log)
	fc := &fakeChannel{name: "test"}
	m.Register(fc)
	return m, fc
}

func outbound(text string) bus.OutboundMessage {
	return bus.OutboundMessage{
		Channel: "test",
		Peer:    bus.Peer{Kind: bus.PeerDirect, ID: "u1"},
		Text:    text,
		Final:   true,
	}
}

func TestSendShapedRendersFlavor(t *testing.T) {
	cfg := &config.Config{Channels: map[string]config.ChannelConfig{
		"test": {Markdown: "html"},
	}}
	m, fc := testManager(cfg)

	require.NoError(t, m.sendShaped(context.Background(), outbound("Hello **world**")))
	got := fc.messages()
	require.Len(t, got, 1)
	assert.Equal(t, "Hello <b>world</b>", got[0].Text)
	assert.True(t, got[0].Final)
}

func TestSendShapedChunksLongMessages(t *testing.T) {
	cfg := &config.Config{Channels: map[string]config.ChannelConfig{
		"test": {Markdown: "plain", TextChunkLimit: 30},
	}}
	m, fc := testManager(cfg)

	msg := outbound("first paragraph here\n\nsecond paragraph there")
	msg.ReplyToID = "orig"
	require.NoError(t, m.sendShaped(context.Background(), msg))

	got := fc.messages()
	require.Len(t, got, 2)
	assert.Equal(t, "first paragraph here", got[0].Text)
	assert.Equal(t, "second paragraph there", got[1].Text)
	assert.Equal(t, "orig", got[0].ReplyToID)
	assert.Empty(t, got[1].ReplyToID, "only the first chunk threads onto the original")
	assert.False(t, got[0].Final)
	assert.True(t, got[1].Final, "final flag rides the last chunk")
}

func TestSendShapedStylesNeverStraddleChunks(t *testing.T) {
	cfg := &config.Config{Channels: map[string]config.ChannelConfig{
		"test": {Markdown: "html", TextChunkLimit: 40},
	}}
	m, fc := testManager(cfg)

	bold := "**" + strings.TrimSpace(strings.Repeat("bold word ", 12)) + "**"
	require.NoError(t, m.sendShaped(context.Background(), outbound(bold)))

	got := fc.messages()
	require.Greater(t, len(got), 1, "long paragraph must split")
	for _, msg := range got {
		assert.Equal(t, strings.Count(msg.Text, "<b>"), strings.Count(msg.Text, "</b>"),
			"tags balanced in %q", msg.Text)
		assert.True(t, strings.HasPrefix(msg.Text, "<b>"), "style reopens per chunk: %q", msg.Text)
		assert.True(t, strings.HasSuffix(msg.Text, "</b>"), "style closes per chunk: %q", msg.Text)
	}
}

func TestSendShapedMarkupFallback(t *testing.T) {
	cfg := &config.Config{Channels: map[string]config.ChannelConfig{
		"test": {Markdown: "html"},
	}}
	m, fc := testManager(cfg)
	fc.failErr = errors.New("can't parse entities: unexpected tag")
	fc.failN = 1

	require.NoError(t, m.sendShaped(context.Background(), outbound("Hello **world**")))
	got := fc.messages()
	require.Len(t, got, 1)
	assert.Equal(t, "Hello world", got[0].Text, "rejected markup is resent as plain text")
}

func TestSendShapedPermanentErrorSurfaces(t *testing.T) {
	cfg := &config.Config{Channels: map[string]config.ChannelConfig{"test": {}}}
	m, fc := testManager(cfg)
	fc.failErr = errors.New("forbidden: bot was blocked")
	fc.failN = 1

	err := m.sendShaped(context.Background(), outbound("hi"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "send chunk 1/1")
	assert.Empty(t, fc.messages())
}

func TestSendShapedUnknownChannel(t *testing.T) {
	m, _ := testManager(&config.Config{})
	msg := outbound("hi")
	msg.Channel = "nope"
	assert.ErrorIs(t, m.sendShaped(context.Background(), msg), ErrUnknownChannel)
}

func TestSendShapedSkipsEmptyText(t *testing.T) {
	m, fc := testManager(&config.Config{})
	require.NoError(t, m.sendShaped(context.Background(), outbound("")))
	assert.Empty(t, fc.messages())

	// Attachment-only messages still go out.
	msg := outbound("")
	msg.Attachments = []bus.Attachment{{URL: "https://x.dev/a.png"}}
	require.NoError(t, m.sendShaped(context.Background(), msg))
	assert.Len(t, fc.messages(), 1)
}

func TestUnregister(t *testing.T) {
	m, _ := testManager(&config.Config{})
	assert.Equal(t, []string{"test"}, m.Channels())

	m.Unregister("test")
	assert.Empty(t, m.Channels())
	assert.ErrorIs(t, m.sendShaped(context.Background(), outbound("hi")), ErrUnknownChannel)
}

func TestIsMarkupError(t *testing.T) {
	assert.True(t, isMarkupError(errors.New("Bad Request: can't parse entities")))
	assert.True(t, isMarkupError(errors.New("invalid markup near offset 12")))
	assert.False(t, isMarkupError(errors.New("connection reset")))
	assert.False(t, isMarkupError(nil))
}

func TestTypingIgnoresUnsupportedChannels(t *testing.T) {
	m, _ := testManager(&config.Config{})
	// fakeChannel is not TypingAware; this must be a no-op, not a panic.
	m.Typing("test", bus.Peer{Kind: bus.PeerDirect, ID: "u1"}, true)
	m.Typing("missing", bus.Peer{}, false)
}
