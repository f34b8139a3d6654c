// Package hooks is the in-process extension surface. Registered callbacks
// observe or mutate well-defined points in the message and run lifecycle.
// Hooks run synchronously in registration order; a hook error aborts the
// point it guards (where the point is abortable) and is otherwise logged
// and ignored.
package hooks

import (
	"context"
	"log/slog"
	"sync"

	"github.com/botgatehq/botgate/internal/bus"
	"github.com/botgatehq/botgate/internal/providers"
)

// BootstrapContext is passed to bootstrap hooks when the system prompt is
// assembled. Hooks may append extra context blocks.
type BootstrapContext struct {
	AgentID    string
	SessionKey string
	Extra      []string // appended to the system prompt tail
}

// RunContext describes a run at its start and end.
type RunContext struct {
	RunID      string
	AgentID    string
	SessionKey string
	SessionID  string
	Env        bus.Envelope
}

// ToolContext describes one tool invocation.
type ToolContext struct {
	RunContext
	ToolName string
	ToolID   string
	Args     string
	Result   string // populated for after/persist points
}

// CompactionContext describes a context-pruning pass.
type CompactionContext struct {
	RunContext
	Before int // message count before pruning
	After  int // message count after pruning (after_compaction only)
}

// Funcs for each point. Mutating hooks receive pointers.
type (
	MessageReceivedFunc  func(ctx context.Context, env *bus.Envelope) error
	BootstrapFunc        func(ctx context.Context, bc *BootstrapContext) error
	BeforeAgentStartFunc func(ctx context.Context, rc RunContext) error
	BeforeToolCallFunc   func(ctx context.Context, tc *ToolContext) error
	AfterToolCallFunc    func(ctx context.Context, tc ToolContext)
	ToolResultPersist    func(ctx context.Context, tc ToolContext, msg *providers.Message)
	AgentEndFunc         func(ctx context.Context, rc RunContext, status string)
	BeforeCompactionFunc func(ctx context.Context, cc CompactionContext)
	AfterCompactionFunc  func(ctx context.Context, cc CompactionContext)
)

// Registry holds registered hooks. Safe for concurrent use; registration
// normally happens once at startup.
type Registry struct {
	mu sync.RWMutex

	messageReceived  []MessageReceivedFunc
	bootstrap        []BootstrapFunc
	beforeAgentStart []BeforeAgentStartFunc
	beforeToolCall   []BeforeToolCallFunc
	afterToolCall    []AfterToolCallFunc
	toolResult       []ToolResultPersist
	agentEnd         []AgentEndFunc
	beforeCompaction []BeforeCompactionFunc
	afterCompaction  []AfterCompactionFunc

	log *slog.Logger
}

// NewRegistry creates an empty hook registry.
func NewRegistry(log *slog.Logger) *Registry {
	return &Registry{log: log.With("component", "hooks")}
}

func (r *Registry) OnMessageReceived(fn MessageReceivedFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messageReceived = append(r.messageReceived, fn)
}

func (r *Registry) OnBootstrap(fn BootstrapFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bootstrap = append(r.bootstrap, fn)
}

func (r *Registry) OnBeforeAgentStart(fn BeforeAgentStartFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.beforeAgentStart = append(r.beforeAgentStart, fn)
}

func (r *Registry) OnBeforeToolCall(fn BeforeToolCallFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.beforeToolCall = append(r.beforeToolCall, fn)
}

func (r *Registry) OnAfterToolCall(fn AfterToolCallFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.afterToolCall = append(r.afterToolCall, fn)
}

func (r *Registry) OnToolResultPersist(fn ToolResultPersist) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.toolResult = append(r.toolResult, fn)
}

func (r *Registry) OnAgentEnd(fn AgentEndFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agentEnd = append(r.agentEnd, fn)
}

func (r *Registry) OnBeforeCompaction(fn BeforeCompactionFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.beforeCompaction = append(r.beforeCompaction, fn)
}

func (r *Registry) OnAfterCompaction(fn AfterCompactionFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.afterCompaction = append(r.afterCompaction, fn)
}

// MessageReceived runs after dedup, before debounce. An error drops the
// envelope.
func (r *Registry) MessageReceived(ctx context.Context, env *bus.Envelope) error {
	r.mu.RLock()
	fns := r.messageReceived
	r.mu.RUnlock()
	for _, fn := range fns {
		if err := fn(ctx, env); err != nil {
			return err
		}
	}
	return nil
}

// Bootstrap runs while the system prompt is assembled.
func (r *Registry) Bootstrap(ctx context.Context, bc *BootstrapContext) {
	r.mu.RLock()
	fns := r.bootstrap
	r.mu.RUnlock()
	for _, fn := range fns {
		if err := fn(ctx, bc); err != nil {
			r.log.Warn("bootstrap hook failed", "error", err)
		}
	}
}

// BeforeAgentStart runs just before the first model call. An error aborts
// the run.
func (r *Registry) BeforeAgentStart(ctx context.Context, rc RunContext) error {
	r.mu.RLock()
	fns := r.beforeAgentStart
	r.mu.RUnlock()
	for _, fn := range fns {
		if err := fn(ctx, rc); err != nil {
			return err
		}
	}
	return nil
}

// BeforeToolCall runs before each tool dispatch. An error vetoes the call;
// the veto message becomes the tool result.
func (r *Registry) BeforeToolCall(ctx context.Context, tc *ToolContext) error {
	r.mu.RLock()
	fns := r.beforeToolCall
	r.mu.RUnlock()
	for _, fn := range fns {
		if err := fn(ctx, tc); err != nil {
			return err
		}
	}
	return nil
}

// AfterToolCall observes completed tool calls.
func (r *Registry) AfterToolCall(ctx context.Context, tc ToolContext) {
	r.mu.RLock()
	fns := r.afterToolCall
	r.mu.RUnlock()
	for _, fn := range fns {
		fn(ctx, tc)
	}
}

// ToolResultPersisting lets hooks rewrite a tool result before it enters
// the transcript.
func (r *Registry) ToolResultPersisting(ctx context.Context, tc ToolContext, msg *providers.Message) {
	r.mu.RLock()
	fns := r.toolResult
	r.mu.RUnlock()
	for _, fn := range fns {
		fn(ctx, tc, msg)
	}
}

// AgentEnd observes run termination with the final status.
func (r *Registry) AgentEnd(ctx context.Context, rc RunContext, status string) {
	r.mu.RLock()
	fns := r.agentEnd
	r.mu.RUnlock()
	for _, fn := range fns {
		fn(ctx, rc, status)
	}
}

// BeforeCompaction observes the start of a pruning pass.
func (r *Registry) BeforeCompaction(ctx context.Context, cc CompactionContext) {
	r.mu.RLock()
	fns := r.beforeCompaction
	r.mu.RUnlock()
	for _, fn := range fns {
		fn(ctx, cc)
	}
}

// AfterCompaction observes the end of a pruning pass.
func (r *Registry) AfterCompaction(ctx context.Context, cc CompactionContext) {
	r.mu.RLock()
	fns := r.afterCompaction
	r.mu.RUnlock()
	for _, fn := range fns {
		fn(ctx, cc)
	}
}
