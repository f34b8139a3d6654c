package agent

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/botgatehq/botgate/internal/bus"
	"github.com/botgatehq/botgate/internal/config"
	"github.com/botgatehq/botgate/internal/hooks"
	"github.com/botgatehq/botgate/internal/providers"
	"github.com/botgatehq/botgate/internal/queue"
	"github.com/botgatehq/botgate/internal/sessions"
	"github.com/botgatehq/botgate/internal/store/file"
)

// scriptedProvider replays canned responses in order and records every
// request so tests can inspect what the model actually saw.
type scriptedProvider struct {
	mu        sync.Mutex
	responses []*providers.ChatResponse
	requests  []providers.ChatRequest
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) Chat(ctx context.Context, req providers.ChatRequest) (*providers.ChatResponse, error) {
	return p.ChatStream(ctx, req, nil)
}

func (p *scriptedProvider) ChatStream(_ context.Context, req providers.ChatRequest, _ providers.StreamFunc) (*providers.ChatResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, req)
	if len(p.responses) == 0 {
		return nil, fmt.Errorf("scripted provider exhausted after %d calls", len(p.requests))
	}
	resp := p.responses[0]
	p.responses = p.responses[1:]
	return resp, nil
}

func (p *scriptedProvider) request(i int) providers.ChatRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.requests[i]
}

// recordingTools executes every call with a fixed result map and records
// execution order. onExec fires while the call runs, which lets a test arm
// steering mid-plan.
type recordingTools struct {
	mu      sync.Mutex
	results map[string]string
	calls   []string
	onExec  func(name string)
}

func (t *recordingTools) Definitions() []providers.ToolDefinition {
	return []providers.ToolDefinition{{Name: "tool_one"}, {Name: "tool_two"}}
}

func (t *recordingTools) Execute(_ context.Context, call providers.ToolCall) (string, error) {
	t.mu.Lock()
	t.calls = append(t.calls, call.Name)
	fn := t.onExec
	t.mu.Unlock()
	if fn != nil {
		fn(call.Name)
	}
	if out, ok := t.results[call.Name]; ok {
		return out, nil
	}
	return "done", nil
}

func (t *recordingTools) executed() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.calls...)
}

// steerQueue hands out its envelopes exactly once, after Arm is called.
type steerQueue struct {
	mu    sync.Mutex
	armed bool
	envs  []bus.Envelope
}

func (s *steerQueue) Arm(envs ...bus.Envelope) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.armed = true
	s.envs = envs
}

func (s *steerQueue) TakeSteer(string) []bus.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.armed {
		return nil
	}
	out := s.envs
	s.armed = false
	s.envs = nil
	return out
}

type nullSink struct{}

func (nullSink) Deliver(bus.OutboundMessage)   {}
func (nullSink) Typing(string, bus.Peer, bool) {}

func testRunner(t *testing.T, cfg *config.Config, provider providers.Provider, steering Steering, tools ToolExecutor) (*Runner, *sessions.Manager) {
	t.Helper()
	if cfg.Agents.Defaults.Model == "" {
		cfg.Agents.Defaults.Model = "gpt-4o"
	}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	sm := sessions.NewManager(cfg, file.New(t.TempDir()), log)
	events := bus.NewEventBus(time.Minute)
	hk := hooks.NewRegistry(log)
	return NewRunner(cfg, provider, sm, events, hk, steering, tools, nullSink{}, log), sm
}

func runJob(body string) queue.Job {
	return queue.Job{
		RunID:      "run-1",
		SessionKey: "agent:default:main",
		Lane:       "main",
		Env:        bus.Envelope{Body: body},
	}
}

func TestSteerSkipsRemainingToolCalls(t *testing.T) {
	provider := &scriptedProvider{responses: []*providers.ChatResponse{
		{ToolCalls: []providers.ToolCall{
			{ID: "t1", Name: "tool_one"},
			{ID: "t2", Name: "tool_two"},
		}},
		{Content: "changed course"},
	}}
	steer := &steerQueue{}
	tools := &recordingTools{
		results: map[string]string{"tool_one": "first result"},
		onExec: func(string) {
			steer.Arm(bus.Envelope{Body: "actually, stop and do something else"})
		},
	}
	r, sm := testRunner(t, &config.Config{}, provider, steer, tools)

	require.NoError(t, r.Run(context.Background(), runJob("go run the plan")))

	assert.Equal(t, []string{"tool_one"}, tools.executed(),
		"calls planned after the user spoke up must not run")

	// The second model turn sees the real first result, a synthetic result
	// for the abandoned call, and the queued user message after them.
	second := provider.request(1)
	var skipped, injected bool
	for _, m := range second.Messages {
		if m.Role == "tool" && m.ToolCallID == "t2" {
			skipped = m.Content == "skipped due to queued user message"
		}
		if m.Role == "user" && strings.Contains(m.Content, "do something else") {
			injected = true
		}
	}
	assert.True(t, skipped, "abandoned call answered with a synthetic result")
	assert.True(t, injected, "queued message lands before the next model turn")

	entry, err := sm.Resolve("default", "agent:default:main")
	require.NoError(t, err)
	msgs, err := sm.History("default", entry.SessionID, 0)
	require.NoError(t, err)
	var persisted bool
	for _, m := range msgs {
		if m.Role == "tool" && m.Content == "skipped due to queued user message" {
			persisted = true
		}
	}
	assert.True(t, persisted, "transcript records why the plan stopped short")
}

func TestOversizedToolResultTruncatedInTranscript(t *testing.T) {
	big := strings.Repeat("x", 20000)
	provider := &scriptedProvider{responses: []*providers.ChatResponse{
		{ToolCalls: []providers.ToolCall{{ID: "t1", Name: "tool_one"}}},
		{Content: "summarized"},
	}}
	tools := &recordingTools{results: map[string]string{"tool_one": big}}
	r, sm := testRunner(t, &config.Config{}, provider, nil, tools)

	require.NoError(t, r.Run(context.Background(), runJob("fetch the huge thing")))

	// The current run keeps the full payload.
	second := provider.request(1)
	var live string
	for _, m := range second.Messages {
		if m.Role == "tool" && m.ToolCallID == "t1" {
			live = m.Content
		}
	}
	assert.Len(t, live, 20000)

	entry, err := sm.Resolve("default", "agent:default:main")
	require.NoError(t, err)
	msgs, err := sm.History("default", entry.SessionID, 0)
	require.NoError(t, err)
	var stored string
	for _, m := range msgs {
		if m.Role == "tool" {
			stored = m.Content
		}
	}
	assert.Contains(t, stored, "[tool result truncated, was 20000 chars]")
	assert.Less(t, len(stored), len(big))
}

func TestImagePayloadStrippedFromTranscript(t *testing.T) {
	result := "screenshot: data:image/png;base64,iVBORw0KGgoAAAANSUhEUg done"
	provider := &scriptedProvider{responses: []*providers.ChatResponse{
		{ToolCalls: []providers.ToolCall{{ID: "t1", Name: "tool_one"}}},
		{Content: "described"},
	}}
	tools := &recordingTools{results: map[string]string{"tool_one": result}}
	r, sm := testRunner(t, &config.Config{}, provider, nil, tools)

	require.NoError(t, r.Run(context.Background(), runJob("take a screenshot")))

	// The model turn gets the inline image untouched.
	second := provider.request(1)
	var live providers.Message
	for _, m := range second.Messages {
		if m.Role == "tool" {
			live = m
		}
	}
	assert.Contains(t, live.Content, "data:image/")
	assert.True(t, live.HasImage)

	entry, err := sm.Resolve("default", "agent:default:main")
	require.NoError(t, err)
	msgs, err := sm.History("default", entry.SessionID, 0)
	require.NoError(t, err)
	var stored providers.Message
	for _, m := range msgs {
		if m.Role == "tool" {
			stored = m
		}
	}
	assert.NotContains(t, stored.Content, "data:image/")
	assert.Contains(t, stored.Content, "[image omitted]")
	assert.Contains(t, stored.Content, "screenshot:")
	assert.Contains(t, stored.Content, "done")
}

func TestPruningRunBumpsCompactionCount(t *testing.T) {
	cfg := &config.Config{}
	cfg.Agents.Defaults.ContextWindow = 400
	cfg.Agents.Defaults.ContextPruning = &config.ContextPruningConfig{
		Mode:           "cache-ttl",
		SoftTrimRatio:  0.3,
		HardClearRatio: 0.9,
	}
	provider := &scriptedProvider{responses: []*providers.ChatResponse{{Content: "ok"}}}
	r, sm := testRunner(t, cfg, provider, nil, nil)

	// Seed a history whose old tool result pushes past the soft-trim
	// threshold; the entry has no LastModelCallAt, so the cache is cold.
	entry, err := sm.Resolve("default", "agent:default:main")
	require.NoError(t, err)
	require.NoError(t, sm.Append("default", entry.SessionID, []providers.Message{
		{Role: "user", Content: "look this up"},
		{Role: "assistant", ToolCalls: []providers.ToolCall{{ID: "t1", Name: "tool_one"}}},
		{Role: "tool", ToolCallID: "t1", Content: strings.Repeat("log line\n", 500)},
		{Role: "assistant", Content: "first"},
		{Role: "assistant", Content: "second"},
		{Role: "assistant", Content: "third"},
	}))

	require.NoError(t, r.Run(context.Background(), runJob("and now?")))

	after, err := sm.Resolve("default", "agent:default:main")
	require.NoError(t, err)
	assert.Equal(t, 1, after.CompactionCount, "the pruning pass is counted on the session")
}

func TestSuccessfulRunRecordsStickyModel(t *testing.T) {
	cfg := &config.Config{}
	cfg.Agents.Defaults.Model = "gpt-4o"
	cfg.Agents.Defaults.ModelFallbacks = []string{"gpt-4o-mini"}
	provider := &scriptedProvider{responses: []*providers.ChatResponse{{Content: "hi"}}}
	r, sm := testRunner(t, cfg, provider, nil, nil)

	require.NoError(t, r.Run(context.Background(), runJob("hello")))

	entry, err := sm.Resolve("default", "agent:default:main")
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o", entry.LastProfileID,
		"the model that answered is remembered across restarts")
}
