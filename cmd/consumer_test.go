package cmd

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/botgatehq/botgate/internal/bus"
	"github.com/botgatehq/botgate/internal/config"
	"github.com/botgatehq/botgate/internal/hooks"
	"github.com/botgatehq/botgate/internal/queue"
	"github.com/botgatehq/botgate/internal/routing"
	"github.com/botgatehq/botgate/internal/sessions"
	"github.com/botgatehq/botgate/internal/store/file"
)

type recordingSink struct {
	mu   sync.Mutex
	sent []bus.OutboundMessage
}

func (s *recordingSink) Deliver(msg bus.OutboundMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, msg)
}

func (s *recordingSink) texts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.sent))
	for _, m := range s.sent {
		out = append(out, m.Text)
	}
	return out
}

func testConsumer(t *testing.T) (*consumer, *recordingSink, *sessions.Manager, chan queue.Job) {
	t.Helper()
	cfg := &config.Config{}
	cfg.Sessions.DmScope = "main"
	cfg.Sessions.MainKey = "main"
	cfg.Commands.Sigil = "/"
	cfg.Commands.AllowFrom = config.FlexibleStringSlice{"*"}

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	sm := sessions.NewManager(cfg, file.New(t.TempDir()), log)

	started := make(chan queue.Job, 8)
	sched := queue.New(queue.Options{Debounce: time.Millisecond}, func(_ context.Context, job queue.Job) error {
		started <- job
		return nil
	}, nil, log)
	t.Cleanup(sched.Stop)

	sink := &recordingSink{}
	router := routing.New(cfg, sm, log)
	c := newConsumer(cfg, bus.NewMessageBus(0), bus.NewEventBus(time.Minute), router, sched, sm, hooks.NewRegistry(log), sink, log)
	return c, sink, sm, started
}

func TestFlushBlankBodyStartsNoRun(t *testing.T) {
	c, _, _, started := testConsumer(t)

	c.flush(bus.Envelope{
		Channel:  "telegram",
		SenderID: "u1",
		Peer:     bus.Peer{Kind: bus.PeerDirect, ID: "u1"},
		Body:     "  \n\t ",
	})

	select {
	case job := <-started:
		t.Fatalf("blank flush scheduled run %s", job.RunID)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestFlushWithAttachmentOnlyStillRuns(t *testing.T) {
	c, _, _, started := testConsumer(t)

	c.flush(bus.Envelope{
		Channel:     "telegram",
		SenderID:    "u1",
		Peer:        bus.Peer{Kind: bus.PeerDirect, ID: "u1"},
		Attachments: []bus.Attachment{{URL: "https://example.com/pic.jpg"}},
	})

	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("attachment-only message never scheduled a run")
	}
}

func TestNewCommandResetsSession(t *testing.T) {
	c, sink, sm, _ := testConsumer(t)

	before, err := sm.Resolve("default", "agent:default:main")
	require.NoError(t, err)

	c.flush(bus.Envelope{
		Channel:  "telegram",
		SenderID: "u1",
		Peer:     bus.Peer{Kind: bus.PeerDirect, ID: "u1"},
		Body:     "/new",
	})

	after, err := sm.Resolve("default", "agent:default:main")
	require.NoError(t, err)
	assert.NotEqual(t, before.SessionID, after.SessionID, "/new mints a fresh session")

	texts := sink.texts()
	require.Len(t, texts, 1)
	assert.Equal(t, "Session reset. Starting fresh.", texts[0])
}

func TestHelpListsResetAlias(t *testing.T) {
	c, sink, _, _ := testConsumer(t)

	c.flush(bus.Envelope{
		Channel:  "telegram",
		SenderID: "u1",
		Peer:     bus.Peer{Kind: bus.PeerDirect, ID: "u1"},
		Body:     "/help",
	})

	texts := sink.texts()
	require.Len(t, texts, 1)
	assert.Contains(t, texts[0], "/new")
}
