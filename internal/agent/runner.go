// Package agent executes runs: it assembles the prompt, drives the model
// and tool loop, applies steering, and hands the reply to the outbound
// path. One Runner serves all agents; per-run state lives on the stack.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/botgatehq/botgate/internal/bus"
	"github.com/botgatehq/botgate/internal/config"
	"github.com/botgatehq/botgate/internal/hooks"
	"github.com/botgatehq/botgate/internal/markdown"
	"github.com/botgatehq/botgate/internal/providers"
	"github.com/botgatehq/botgate/internal/queue"
	"github.com/botgatehq/botgate/internal/sessions"
	"github.com/botgatehq/botgate/internal/store"
)

// NoReplyToken suppresses outbound delivery when the model decides the
// message needs no answer.
const NoReplyToken = "NO_REPLY"

// Steering exposes pending mid-run messages; drained at tool boundaries.
type Steering interface {
	TakeSteer(sessionKey string) []bus.Envelope
}

// Sink receives outbound messages and typing signals.
type Sink interface {
	Deliver(msg bus.OutboundMessage)
	Typing(channel string, peer bus.Peer, active bool)
}

// ToolExecutor dispatches model-requested tool calls.
type ToolExecutor interface {
	Definitions() []providers.ToolDefinition
	Execute(ctx context.Context, call providers.ToolCall) (string, error)
}

// Runner executes agent runs.
type Runner struct {
	cfg      *config.Config
	provider providers.Provider
	sessions *sessions.Manager
	events   *bus.EventBus
	hooks    *hooks.Registry
	steering Steering
	tools    ToolExecutor
	sink     Sink
	log      *slog.Logger
	tracer   trace.Tracer

	mu       sync.Mutex
	profiles map[string]*ProfileRing // agentID → ring
}

// NewRunner wires a runner. tools may be nil for a tool-less deployment;
// steering may be nil when no scheduler injects mid-run messages.
func NewRunner(cfg *config.Config, provider providers.Provider, sm *sessions.Manager, events *bus.EventBus, hk *hooks.Registry, steering Steering, tools ToolExecutor, sink Sink, log *slog.Logger) *Runner {
	return &Runner{
		cfg:      cfg,
		provider: provider,
		sessions: sm,
		events:   events,
		hooks:    hk,
		steering: steering,
		tools:    tools,
		sink:     sink,
		log:      log.With("component", "runner"),
		tracer:   otel.Tracer("botgate/agent"),
		profiles: make(map[string]*ProfileRing),
	}
}

// runSettings is the effective per-agent configuration for one run.
type runSettings struct {
	name          string
	workspace     string
	model         string
	fallbacks     []string
	maxTokens     int
	temperature   float64
	maxToolIters  int
	contextWindow int
	bootstrapMax  int
	pruning       *config.ContextPruningConfig
	verbose       bool
	showReasoning bool
}

func (r *Runner) settingsFor(agentID string) runSettings {
	d := r.cfg.Agents.Defaults
	spec := r.cfg.AgentSpecFor(agentID)

	s := runSettings{
		name:          spec.Name,
		workspace:     config.ExpandHome(d.Workspace),
		model:         d.Model,
		fallbacks:     d.ModelFallbacks,
		maxTokens:     d.MaxTokens,
		temperature:   d.Temperature,
		maxToolIters:  d.MaxToolIterations,
		contextWindow: d.ContextWindow,
		bootstrapMax:  d.BootstrapMaxChars,
		pruning:       d.ContextPruning,
		verbose:       d.Verbose,
		showReasoning: d.ShowReasoning == "on",
	}
	if spec.Workspace != "" {
		s.workspace = config.ExpandHome(spec.Workspace)
	}
	if spec.Model != "" {
		s.model = spec.Model
	}
	if len(spec.ModelFallbacks) > 0 {
		s.fallbacks = spec.ModelFallbacks
	}
	if spec.ShowReasoning != "" {
		s.showReasoning = spec.ShowReasoning == "on"
	}
	if spec.Verbose != nil {
		s.verbose = *spec.Verbose
	}
	if s.maxToolIters <= 0 {
		s.maxToolIters = 10
	}
	return s
}

func (r *Runner) ring(agentID string, s runSettings) *ProfileRing {
	r.mu.Lock()
	defer r.mu.Unlock()
	ring, ok := r.profiles[agentID]
	if !ok {
		ring = NewProfileRing(s.model, s.fallbacks, 0, r.log)
		r.profiles[agentID] = ring
	}
	return ring
}

// Run executes one job. It is the scheduler's ExecFunc.
func (r *Runner) Run(ctx context.Context, job queue.Job) error {
	agentID, _ := sessions.ParseKey(job.SessionKey)
	if agentID == "" {
		agentID = r.cfg.ResolveDefaultAgentID()
	}
	settings := r.settingsFor(agentID)

	ctx, span := r.tracer.Start(ctx, "agent.run", trace.WithAttributes(
		attribute.String("run.id", job.RunID),
		attribute.String("agent.id", agentID),
		attribute.String("channel", job.Env.Channel),
	))
	defer span.End()

	entry, err := r.sessions.Resolve(agentID, job.SessionKey)
	if err != nil {
		r.publishError(job.RunID, err)
		return err
	}

	rc := hooks.RunContext{
		RunID:      job.RunID,
		AgentID:    agentID,
		SessionKey: entry.Key,
		SessionID:  entry.SessionID,
		Env:        job.Env,
	}

	r.events.Publish(bus.RunEvent{RunID: job.RunID, Kind: bus.EventLifecycle, Phase: bus.PhaseStart})
	if job.Env.Channel != "" {
		r.sink.Typing(job.Env.Channel, job.Env.Peer, true)
		defer r.sink.Typing(job.Env.Channel, job.Env.Peer, false)
	}

	if err := r.hooks.BeforeAgentStart(ctx, rc); err != nil {
		r.publishError(job.RunID, err)
		r.hooks.AgentEnd(ctx, rc, queue.StatusError)
		return fmt.Errorf("run vetoed: %w", err)
	}

	ring := r.ring(agentID, settings)
	ring.Seed(entry.LastProfileID)

	co := r.newCoalescer(job)
	final, newTurns, usage, runErr := r.converse(ctx, rc, settings, &entry, ring, co)

	// Persist whatever the run produced, even on failure; the transcript
	// must reflect tool calls that actually executed.
	if len(newTurns) > 0 {
		if err := r.sessions.Append(agentID, entry.SessionID, newTurns); err != nil {
			r.log.Error("transcript append failed", "session_id", entry.SessionID, "error", err)
		}
	}

	entry.LastModelCallAt = time.Now()
	if usage != nil {
		entry.InputTokens = usage.PromptTokens
	}
	if m := ring.Sticky(); m != "" {
		entry.LastProfileID = m
	}
	if job.Env.Channel != "" {
		entry.LastChannel = job.Env.Channel
		entry.LastPeerKind = string(job.Env.Peer.Kind)
		entry.LastPeerID = job.Env.Peer.ID
	}
	if job.Env.SenderName != "" {
		entry.DisplayName = job.Env.SenderName
	}
	if err := r.sessions.Touch(agentID, entry); err != nil {
		r.log.Error("session touch failed", "key", entry.Key, "error", err)
	}

	if runErr != nil {
		if co != nil {
			co.Abort()
		}
		status := queue.StatusError
		if errors.Is(runErr, context.Canceled) {
			status = queue.StatusCancelled
		} else if errors.Is(runErr, context.DeadlineExceeded) {
			status = queue.StatusTimeout
		}
		r.hooks.AgentEnd(ctx, rc, status)
		r.publishError(job.RunID, runErr)
		r.notifyFailure(job, runErr)
		return runErr
	}

	if co == nil {
		r.deliverFinal(job, final)
	}
	r.hooks.AgentEnd(ctx, rc, queue.StatusOK)
	r.events.Publish(bus.RunEvent{
		RunID:   job.RunID,
		Kind:    bus.EventLifecycle,
		Phase:   bus.PhaseEnd,
		Status:  queue.StatusOK,
		Payload: final,
	})
	return nil
}

// newCoalescer builds the block-streaming coalescer for the job's channel,
// or nil when streaming is off. Emitted blocks go straight to the sink;
// the silent-reply token suppresses them.
func (r *Runner) newCoalescer(job queue.Job) *markdown.Coalescer {
	if job.Env.Channel == "" {
		return nil
	}
	chCfg := r.cfg.ChannelFor(job.Env.Channel)
	bsc := chCfg.BlockStreaming
	if bsc == nil || !bsc.Enabled {
		return nil
	}
	maxChars := bsc.MaxChars
	if maxChars <= 0 {
		maxChars = chCfg.TextChunkLimit
	}
	replyTo := ""
	if chCfg.ReplyThreading == "auto" && job.Env.Peer.Kind != bus.PeerDirect {
		replyTo = job.Env.MessageID
	}
	return markdown.NewCoalescer(time.Duration(bsc.IdleMs)*time.Millisecond, bsc.MinChars, maxChars, func(text string, final bool) {
		text = strings.TrimSpace(text)
		if text == "" || strings.HasPrefix(text, NoReplyToken) {
			return
		}
		r.sink.Deliver(bus.OutboundMessage{
			Channel:   job.Env.Channel,
			Peer:      job.Env.Peer,
			Text:      text,
			ReplyToID: replyTo,
			Final:     final,
			Metadata:  map[string]string{"run_id": job.RunID},
		})
	})
}

// converse runs the model/tool loop and returns the final assistant text
// plus every new transcript turn. Compactions are counted on the entry;
// the caller persists it.
func (r *Runner) converse(ctx context.Context, rc hooks.RunContext, settings runSettings, entry *store.SessionEntry, ring *ProfileRing, co *markdown.Coalescer) (string, []providers.Message, *providers.Usage, error) {
	history, err := r.sessions.History(rc.AgentID, entry.SessionID, 0)
	if err != nil {
		return "", nil, nil, err
	}

	pruner := NewContextPruner(settings.pruning)
	if pruner.Enabled() {
		cc := hooks.CompactionContext{RunContext: rc, Before: len(history)}
		pruned, changed := pruner.Prune(history, settings.contextWindow, entry.LastModelCallAt, time.Now())
		if changed {
			r.hooks.BeforeCompaction(ctx, cc)
			history = pruned
			cc.After = len(history)
			r.hooks.AfterCompaction(ctx, cc)
			entry.CompactionCount++
			r.events.Publish(bus.RunEvent{RunID: rc.RunID, Kind: bus.EventCompaction})
		}
	}

	bc := hooks.BootstrapContext{AgentID: rc.AgentID, SessionKey: rc.SessionKey}
	r.hooks.Bootstrap(ctx, &bc)
	system := buildSystemPrompt(promptInput{
		agentID:   rc.AgentID,
		agentName: settings.name,
		workspace: settings.workspace,
		maxChars:  settings.bootstrapMax,
		env:       rc.Env,
		extra:     bc.Extra,
		now:       time.Now(),
	})

	userMsg := providers.Message{Role: "user", Content: taggedUserContent(rc.Env)}
	msgs := make([]providers.Message, 0, len(history)+2)
	msgs = append(msgs, providers.Message{Role: "system", Content: system})
	msgs = append(msgs, history...)
	msgs = append(msgs, userMsg)

	newTurns := []providers.Message{userMsg}
	var toolsUsed []string
	var lastUsage *providers.Usage

	for iter := 0; iter < settings.maxToolIters; iter++ {
		resp, err := r.invoke(ctx, rc, ring, settings, msgs, co)
		if err != nil {
			return "", newTurns, lastUsage, err
		}
		if resp.Usage != nil {
			lastUsage = resp.Usage
		}

		assistant := providers.Message{
			Role:      "assistant",
			Content:   resp.Content,
			Reasoning: resp.Reasoning,
			ToolCalls: resp.ToolCalls,
		}
		msgs = append(msgs, assistant)
		newTurns = append(newTurns, assistant)

		if len(resp.ToolCalls) == 0 {
			final := resp.Content
			var note string
			if settings.verbose && len(toolsUsed) > 0 {
				note = "\n\n(tools: " + strings.Join(toolsUsed, ", ") + ")"
				final += note
			}
			if co != nil {
				if note != "" {
					co.Add(note)
				}
				co.Finish()
			}
			return final, newTurns, lastUsage, nil
		}

		// Tool boundary: a queued user message preempts the rest of this
		// turn's tool plan. Calls after the steer arrives are answered with
		// a synthetic result instead of running, so the model sees why its
		// plan stopped short.
		var pending []bus.Envelope
		for _, call := range resp.ToolCalls {
			if r.steering != nil && len(pending) == 0 {
				pending = r.steering.TakeSteer(rc.SessionKey)
			}
			var result string
			if len(pending) > 0 {
				result = "skipped due to queued user message"
				r.log.Info("tool call skipped for steering", "run_id", rc.RunID, "tool", call.Name)
			} else {
				toolsUsed = append(toolsUsed, call.Name)
				result = r.runTool(ctx, rc, call)
			}
			live := providers.Message{Role: "tool", ToolCallID: call.ID, Content: result}
			live.HasImage = hasImagePayload(result)
			persisted := persistedToolTurn(live)
			tc := hooks.ToolContext{RunContext: rc, ToolName: call.Name, ToolID: call.ID, Result: result}
			r.hooks.ToolResultPersisting(ctx, tc, &persisted)
			msgs = append(msgs, live)
			newTurns = append(newTurns, persisted)
		}

		// Steering that arrived during the last tool call still lands
		// before the next model turn.
		if r.steering != nil && len(pending) == 0 {
			pending = r.steering.TakeSteer(rc.SessionKey)
		}
		for _, env := range pending {
			steerMsg := providers.Message{Role: "user", Content: taggedUserContent(env)}
			msgs = append(msgs, steerMsg)
			newTurns = append(newTurns, steerMsg)
			r.log.Info("steering injected", "run_id", rc.RunID, "session", rc.SessionKey)
		}

		if err := ctx.Err(); err != nil {
			return "", newTurns, lastUsage, err
		}
	}

	return "", newTurns, lastUsage, fmt.Errorf("tool iteration budget exhausted (%d)", settings.maxToolIters)
}

// invoke calls the model, rotating through the profile ring on transient
// failure. Streamed deltas fan out to the event bus and, when block
// streaming is on, into the coalescer.
func (r *Runner) invoke(ctx context.Context, rc hooks.RunContext, ring *ProfileRing, settings runSettings, msgs []providers.Message, co *markdown.Coalescer) (*providers.ChatResponse, error) {
	stream := func(chunk providers.StreamChunk) {
		if chunk.Content != "" {
			r.events.Publish(bus.RunEvent{RunID: rc.RunID, Kind: bus.EventAssistant, Delta: chunk.Content})
			if co != nil {
				co.Add(chunk.Content)
			}
		}
		if chunk.Reasoning != "" && settings.showReasoning {
			r.events.Publish(bus.RunEvent{RunID: rc.RunID, Kind: bus.EventReasoning, Delta: chunk.Reasoning})
		}
	}

	var tools []providers.ToolDefinition
	if r.tools != nil {
		tools = r.tools.Definitions()
	}

	var lastErr error
	for _, model := range ring.Candidates() {
		req := providers.ChatRequest{
			Model:    model,
			Messages: msgs,
			Tools:    tools,
			Options: map[string]interface{}{
				"max_tokens":  settings.maxTokens,
				"temperature": settings.temperature,
			},
		}
		resp, err := r.provider.ChatStream(ctx, req, stream)
		if err == nil {
			ring.ReportSuccess(model)
			return resp, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		kind := providers.KindOf(err)
		r.log.Warn("model call failed", "model", model, "kind", kind, "error", err)
		if !ring.ReportFailure(model, kind) {
			return nil, err
		}
	}
	if lastErr == nil {
		lastErr = providers.NewError(providers.ErrKindInternal, "no model available")
	}
	return nil, lastErr
}

// runTool executes one tool call with the before/after hook points. A
// vetoed call returns the veto as its result so the model can adjust.
func (r *Runner) runTool(ctx context.Context, rc hooks.RunContext, call providers.ToolCall) string {
	tc := hooks.ToolContext{RunContext: rc, ToolName: call.Name, ToolID: call.ID}
	r.events.Publish(bus.RunEvent{RunID: rc.RunID, Kind: bus.EventTool, Phase: bus.PhaseStart, ToolName: call.Name, ToolID: call.ID})

	if err := r.hooks.BeforeToolCall(ctx, &tc); err != nil {
		result := fmt.Sprintf("tool call rejected: %v", err)
		tc.Result = result
		r.hooks.AfterToolCall(ctx, tc)
		r.events.Publish(bus.RunEvent{RunID: rc.RunID, Kind: bus.EventTool, Phase: bus.PhaseError, ToolName: call.Name, ToolID: call.ID})
		return result
	}

	var result string
	if r.tools == nil {
		result = fmt.Sprintf("tool %q is not available", call.Name)
	} else {
		out, err := r.tools.Execute(ctx, call)
		if err != nil {
			result = fmt.Sprintf("tool error: %v", err)
		} else {
			result = out
		}
	}

	tc.Result = result
	r.hooks.AfterToolCall(ctx, tc)
	r.events.Publish(bus.RunEvent{RunID: rc.RunID, Kind: bus.EventTool, Phase: bus.PhaseEnd, ToolName: call.Name, ToolID: call.ID})
	return result
}

// Tool results above this size are cut down before they hit the
// transcript. The live turn keeps the full payload for the current run.
const maxPersistedToolChars = 16000

// persistedToolTurn is the transcript form of a tool result: inline image
// payloads are stripped and oversized text is truncated with a size note.
func persistedToolTurn(live providers.Message) providers.Message {
	out := live
	if out.HasImage {
		out.Content = stripImagePayloads(out.Content)
	}
	runes := []rune(out.Content)
	if len(runes) > maxPersistedToolChars {
		out.Content = string(runes[:maxPersistedToolChars]) +
			fmt.Sprintf("\n[tool result truncated, was %d chars]", len(runes))
	}
	return out
}

// hasImagePayload detects inline data-URI image content in a tool result.
func hasImagePayload(s string) bool {
	return strings.Contains(s, "data:image/")
}

// stripImagePayloads replaces inline image data with a short placeholder so
// base64 blobs never land in the transcript.
func stripImagePayloads(s string) string {
	for {
		i := strings.Index(s, "data:image/")
		if i < 0 {
			return s
		}
		j := i
		for j < len(s) && !imagePayloadEnd(s[j]) {
			j++
		}
		s = s[:i] + "[image omitted]" + s[j:]
	}
}

func imagePayloadEnd(c byte) bool {
	switch c {
	case ' ', '\t', '\n', '"', '\'', ')':
		return true
	}
	return false
}

// deliverFinal ships the final reply, honoring the silent-reply token.
func (r *Runner) deliverFinal(job queue.Job, final string) {
	text := strings.TrimSpace(final)
	if text == "" || strings.HasPrefix(text, NoReplyToken) {
		r.log.Debug("reply suppressed", "run_id", job.RunID)
		return
	}
	if job.Env.Channel == "" {
		return
	}

	msg := bus.OutboundMessage{
		Channel: job.Env.Channel,
		Peer:    deliveryPeer(job.Env),
		Text:    text,
		Final:   true,
		Metadata: map[string]string{
			"run_id": job.RunID,
		},
	}
	if r.cfg.ChannelFor(job.Env.Channel).ReplyThreading == "auto" && job.Env.Peer.Kind != bus.PeerDirect {
		msg.ReplyToID = job.Env.MessageID
	}
	r.sink.Deliver(msg)
}

// deliveryPeer picks where the reply goes: the thread when the message
// came from one, otherwise the conversation itself.
func deliveryPeer(env bus.Envelope) bus.Peer {
	return env.Peer
}

func (r *Runner) publishError(runID string, err error) {
	kind := providers.KindOf(err)
	if errors.Is(err, context.DeadlineExceeded) {
		kind = providers.ErrKindTimeout
	}
	status := queue.StatusError
	if errors.Is(err, context.Canceled) {
		status = queue.StatusCancelled
	} else if kind == providers.ErrKindTimeout {
		status = queue.StatusTimeout
	}
	r.events.Publish(bus.RunEvent{
		RunID:     runID,
		Kind:      bus.EventLifecycle,
		Phase:     bus.PhaseError,
		Status:    status,
		ErrorKind: string(kind),
	})
}

// notifyFailure sends a short operator-readable notice to the origin
// conversation. Cancellations stay silent; the user asked for them.
func (r *Runner) notifyFailure(job queue.Job, err error) {
	if job.Env.Channel == "" || errors.Is(err, context.Canceled) {
		return
	}
	var text string
	switch providers.KindOf(err) {
	case providers.ErrKindRateLimit:
		text = "I'm being rate limited right now; give me a moment and try again."
	case providers.ErrKindBillingExhausted:
		text = "The model account is out of credit; I can't answer until it's topped up."
	case providers.ErrKindTimeout:
		text = "That took too long and timed out. Try again, or break the request up."
	default:
		if errors.Is(err, context.DeadlineExceeded) {
			text = "That took too long and timed out. Try again, or break the request up."
		} else {
			text = "Something went wrong handling that message."
		}
	}
	r.sink.Deliver(bus.OutboundMessage{
		Channel: job.Env.Channel,
		Peer:    job.Env.Peer,
		Text:    text,
		Final:   true,
	})
}
