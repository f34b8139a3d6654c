package bus

import (
	"context"
	"errors"
	"sync"
	"time"
)

// EventKind identifies a run event category.
type EventKind string

const (
	EventLifecycle  EventKind = "lifecycle"
	EventAssistant  EventKind = "assistant"
	EventTool       EventKind = "tool"
	EventReasoning  EventKind = "reasoning"
	EventCompaction EventKind = "compaction"
)

// LifecyclePhase is the phase carried on lifecycle events.
type LifecyclePhase string

const (
	PhaseStart LifecyclePhase = "start"
	PhaseEnd   LifecyclePhase = "end"
	PhaseError LifecyclePhase = "error"
)

// RunEvent is one published event for a run. Events for a run observe
// program order: start … deltas … exactly one terminal lifecycle event.
type RunEvent struct {
	RunID     string         `json:"run_id"`
	Kind      EventKind      `json:"kind"`
	Phase     LifecyclePhase `json:"phase,omitempty"`  // lifecycle and tool events
	Status    string         `json:"status,omitempty"` // terminal lifecycle only
	ErrorKind string         `json:"error_kind,omitempty"`
	Delta     string         `json:"delta,omitempty"` // assistant/reasoning deltas
	ToolName  string         `json:"tool_name,omitempty"`
	ToolID    string         `json:"tool_id,omitempty"`
	Payload   interface{}    `json:"payload,omitempty"`
	At        time.Time      `json:"at"`
}

// Terminal reports whether this event ends its run's event stream.
func (e RunEvent) Terminal() bool {
	return e.Kind == EventLifecycle && (e.Phase == PhaseEnd || e.Phase == PhaseError)
}

// RunOutcome is what waiters receive when a run reaches a terminal event.
type RunOutcome struct {
	RunID     string    `json:"run_id"`
	Status    string    `json:"status"`
	ErrorKind string    `json:"error_kind,omitempty"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at"`
	Summary   string    `json:"summary,omitempty"`
}

// publishGrace bounds how long Publish waits on a subscriber whose buffer
// is full before disconnecting it.
const publishGrace = time.Second

// ErrWaitTimeout is returned when a waiter's own timeout fires before the
// run terminates. The run itself keeps going.
var ErrWaitTimeout = errors.New("wait for run: timeout")

// ErrUnknownRun is returned when waiting on a run that was never announced
// and has no retained outcome.
var ErrUnknownRun = errors.New("wait for run: unknown run id")

type runState struct {
	mu        sync.Mutex
	subs      []chan RunEvent
	startedAt time.Time
	done      bool
	outcome   RunOutcome
	doneCh    chan struct{}
}

// EventBus is a per-run publish/subscribe hub. Subscribers receive an
// ordered stream until the run's terminal lifecycle event, at which point
// their subscription is torn down. Terminal outcomes are retained briefly
// so late waiters still resolve.
type EventBus struct {
	mu      sync.Mutex
	runs    map[string]*runState
	retain  time.Duration
	onEvent []func(RunEvent) // global taps (gateway broadcast, channel manager)
}

// NewEventBus creates an event bus. Terminal outcomes are retained for
// retain (default 5 minutes) to serve late agent.wait calls.
func NewEventBus(retain time.Duration) *EventBus {
	if retain <= 0 {
		retain = 5 * time.Minute
	}
	return &EventBus{
		runs:   make(map[string]*runState),
		retain: retain,
	}
}

// Tap registers a global observer invoked synchronously for every event.
// Taps must be non-blocking.
func (b *EventBus) Tap(fn func(RunEvent)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onEvent = append(b.onEvent, fn)
}

// Announce registers a run before its first event so waiters attached
// between acceptance and dispatch resolve correctly.
func (b *EventBus) Announce(runID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stateLocked(runID)
}

func (b *EventBus) stateLocked(runID string) *runState {
	st, ok := b.runs[runID]
	if !ok {
		st = &runState{doneCh: make(chan struct{})}
		b.runs[runID] = st
	}
	return st
}

// Subscribe attaches an ordered event stream for runID. The channel is
// closed after the terminal event is delivered. Subscribing to a finished
// run yields a closed channel immediately.
func (b *EventBus) Subscribe(runID string) <-chan RunEvent {
	b.mu.Lock()
	st := b.stateLocked(runID)
	b.mu.Unlock()

	ch := make(chan RunEvent, 64)
	st.mu.Lock()
	if st.done {
		st.mu.Unlock()
		close(ch)
		return ch
	}
	st.subs = append(st.subs, ch)
	st.mu.Unlock()
	return ch
}

// Publish delivers an event to all subscribers of its run, in order. The
// terminal lifecycle event resolves waiters and tears subscriptions down.
func (b *EventBus) Publish(ev RunEvent) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	b.mu.Lock()
	st := b.stateLocked(ev.RunID)
	taps := b.onEvent
	b.mu.Unlock()

	st.mu.Lock()
	if st.done {
		st.mu.Unlock()
		return
	}
	if ev.Kind == EventLifecycle && ev.Phase == PhaseStart && st.startedAt.IsZero() {
		st.startedAt = ev.At
	}
	keep := st.subs[:0]
	for _, ch := range st.subs {
		select {
		case ch <- ev:
			keep = append(keep, ch)
			continue
		default:
		}
		// Buffer full: give the subscriber a bounded grace period to catch
		// up, then disconnect it rather than stall the run. A connected
		// subscriber never loses an event.
		t := time.NewTimer(publishGrace)
		select {
		case ch <- ev:
			keep = append(keep, ch)
		case <-t.C:
			close(ch)
		}
		t.Stop()
	}
	st.subs = keep
	if ev.Terminal() {
		st.done = true
		st.outcome = RunOutcome{
			RunID:     ev.RunID,
			Status:    ev.Status,
			ErrorKind: ev.ErrorKind,
			StartedAt: st.startedAt,
			EndedAt:   ev.At,
		}
		if s, ok := ev.Payload.(string); ok {
			st.outcome.Summary = s
		}
		for _, ch := range st.subs {
			close(ch)
		}
		st.subs = nil
		close(st.doneCh)
	}
	st.mu.Unlock()

	for _, fn := range taps {
		fn(ev)
	}

	if ev.Terminal() {
		// Retain the outcome, then forget the run.
		go func(runID string) {
			timer := time.NewTimer(b.retain)
			defer timer.Stop()
			<-timer.C
			b.mu.Lock()
			delete(b.runs, runID)
			b.mu.Unlock()
		}(ev.RunID)
	}
}

// Wait blocks until runID reaches a terminal event, the waiter timeout
// fires, or ctx is cancelled. The wait never stops the run.
func (b *EventBus) Wait(ctx context.Context, runID string, timeout time.Duration) (RunOutcome, error) {
	b.mu.Lock()
	st, ok := b.runs[runID]
	b.mu.Unlock()
	if !ok {
		return RunOutcome{}, ErrUnknownRun
	}

	st.mu.Lock()
	if st.done {
		out := st.outcome
		st.mu.Unlock()
		return out, nil
	}
	st.mu.Unlock()

	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case <-ctx.Done():
		return RunOutcome{}, ctx.Err()
	case <-timeoutCh:
		return RunOutcome{}, ErrWaitTimeout
	case <-st.doneCh:
		st.mu.Lock()
		out := st.outcome
		st.mu.Unlock()
		return out, nil
	}
}
