package protocol

// Event names pushed from server to control-plane clients.
const (
	EventLifecycle = "lifecycle"
	EventAssistant = "assistant"
	EventTool      = "tool"
	EventReasoning = "reasoning"
	EventHealth    = "health"
	EventPresence  = "presence"
	EventShutdown  = "shutdown"
)

// Lifecycle event phases (in payload.phase).
const (
	LifecycleStart = "start"
	LifecycleEnd   = "end"
	LifecycleError = "error"
)

// Terminal run status codes carried on lifecycle end/error events.
const (
	StatusOK        = "ok"
	StatusCancelled = "cancelled"
	StatusTimeout   = "timeout"

	ErrAuth              = "error:auth"
	ErrRateLimit         = "error:rate_limit"
	ErrTimeout           = "error:timeout"
	ErrProviderTransient = "error:provider_transient"
	ErrProviderFatal     = "error:provider_fatal"
	ErrBadRequest        = "error:bad_request"
	ErrBillingExhausted  = "error:billing_exhausted"
	ErrInternal          = "error:internal"
)

// Tool event phases (in payload.phase).
const (
	ToolStart = "start"
	ToolEnd   = "end"
	ToolError = "error"
)
