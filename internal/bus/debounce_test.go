package bus

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type flushRecorder struct {
	mu   sync.Mutex
	envs []Envelope
}

func (f *flushRecorder) flush(env Envelope) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.envs = append(f.envs, env)
}

func (f *flushRecorder) wait(t *testing.T, n int) []Envelope {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		f.mu.Lock()
		if len(f.envs) >= n {
			out := append([]Envelope{}, f.envs...)
			f.mu.Unlock()
			return out
		}
		f.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected %d flushes", n)
	return nil
}

func env(sender, body string) Envelope {
	return Envelope{
		Channel:   "telegram",
		SenderID:  sender,
		Peer:      Peer{Kind: PeerDirect, ID: sender},
		Body:      body,
		MessageID: body,
		Timestamp: time.Now(),
	}
}

func TestDebouncerMergesBurst(t *testing.T) {
	rec := &flushRecorder{}
	d := NewInboundDebouncer(30*time.Millisecond, "/", nil, rec.flush)
	defer d.Stop()

	d.Push(env("alice", "first"))
	d.Push(env("alice", "second"))
	d.Push(env("alice", "third"))

	got := rec.wait(t, 1)
	require.Len(t, got, 1)
	assert.Equal(t, "first\nsecond\nthird", got[0].Body)
	assert.Equal(t, "third", got[0].MessageID, "reply context comes from the last message")
}

func TestDebouncerSeparateSendersDoNotMerge(t *testing.T) {
	rec := &flushRecorder{}
	d := NewInboundDebouncer(30*time.Millisecond, "/", nil, rec.flush)
	defer d.Stop()

	d.Push(env("alice", "hi"))
	d.Push(env("bob", "yo"))

	got := rec.wait(t, 2)
	bodies := []string{got[0].Body, got[1].Body}
	assert.ElementsMatch(t, []string{"hi", "yo"}, bodies)
}

func TestDebouncerCommandBypassesAndFlushesPending(t *testing.T) {
	rec := &flushRecorder{}
	d := NewInboundDebouncer(time.Hour, "/", nil, rec.flush)
	defer d.Stop()

	d.Push(env("alice", "pending text"))
	d.Push(env("alice", "/status"))

	got := rec.wait(t, 2)
	assert.Equal(t, "pending text", got[0].Body, "pending burst flushes before the command")
	assert.Equal(t, "/status", got[1].Body)
}

func TestDebouncerAttachmentBypasses(t *testing.T) {
	rec := &flushRecorder{}
	d := NewInboundDebouncer(time.Hour, "/", nil, rec.flush)
	defer d.Stop()

	e := env("alice", "look at this")
	e.Attachments = []Attachment{{URL: "https://example.com/x.png"}}
	d.Push(e)

	got := rec.wait(t, 1)
	assert.Equal(t, "look at this", got[0].Body)
}

func TestDebouncerStopFlushesPending(t *testing.T) {
	rec := &flushRecorder{}
	d := NewInboundDebouncer(time.Hour, "/", nil, rec.flush)

	d.Push(env("alice", "unsent"))
	d.Stop()

	got := rec.wait(t, 1)
	assert.Equal(t, "unsent", got[0].Body)
}

func TestDebouncerPerChannelWindow(t *testing.T) {
	rec := &flushRecorder{}
	d := NewInboundDebouncer(time.Hour, "/", func(channel string) time.Duration {
		return 20 * time.Millisecond
	}, rec.flush)
	defer d.Stop()

	d.Push(env("alice", "quick"))
	got := rec.wait(t, 1)
	assert.Equal(t, "quick", got[0].Body)
}
