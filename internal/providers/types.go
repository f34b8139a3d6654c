// Package providers defines the model-layer contract the agent runner calls.
// Concrete provider clients live outside the core; the core only needs the
// request/response shapes, the streaming callback, and the failure taxonomy.
package providers

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Message is one prompt turn sent to or received from a model.
type Message struct {
	Role       string     `json:"role"` // "system", "user", "assistant", "tool"
	Content    string     `json:"content"`
	Reasoning  string     `json:"reasoning,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	HasImage   bool       `json:"has_image,omitempty"` // image payloads are never pruned
}

// ToolCall is a model-requested tool invocation.
type ToolCall struct {
	ID        string                 `json:"id"`
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments,omitempty"`
}

// ToolDefinition describes a tool exposed to the model.
type ToolDefinition struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	Parameters  map[string]interface{} `json:"parameters,omitempty"`
}

// ChatRequest is one model invocation.
type ChatRequest struct {
	Model    string                 `json:"model"`
	Messages []Message              `json:"messages"`
	Tools    []ToolDefinition       `json:"tools,omitempty"`
	Options  map[string]interface{} `json:"options,omitempty"`
}

// ChatResponse is the model's final answer for one invocation.
type ChatResponse struct {
	Content   string     `json:"content"`
	Reasoning string     `json:"reasoning,omitempty"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	Usage     *Usage     `json:"usage,omitempty"`
}

// Usage carries token accounting from the provider.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// StreamChunk is one streamed delta.
type StreamChunk struct {
	Content   string `json:"content,omitempty"`
	Reasoning string `json:"reasoning,omitempty"`
}

// StreamFunc receives streamed deltas in program order.
type StreamFunc func(chunk StreamChunk)

// Provider is a model backend.
type Provider interface {
	Name() string
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)
	ChatStream(ctx context.Context, req ChatRequest, fn StreamFunc) (*ChatResponse, error)
}

// ErrorKind classifies a model-layer failure.
type ErrorKind string

const (
	ErrKindAuth              ErrorKind = "auth"
	ErrKindRateLimit         ErrorKind = "rate_limit"
	ErrKindTimeout           ErrorKind = "timeout"
	ErrKindProviderTransient ErrorKind = "provider_transient"
	ErrKindProviderFatal     ErrorKind = "provider_fatal"
	ErrKindBadRequest        ErrorKind = "bad_request"
	ErrKindBillingExhausted  ErrorKind = "billing_exhausted"
	ErrKindInternal          ErrorKind = "internal"
)

// Error is a classified provider failure. RetryAfter is the provider-supplied
// backoff hint (zero when absent).
type Error struct {
	Kind       ErrorKind
	Message    string
	RetryAfter time.Duration
}

func (e *Error) Error() string {
	return fmt.Sprintf("provider %s: %s", e.Kind, e.Message)
}

// NewError builds a classified provider error.
func NewError(kind ErrorKind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

// KindOf extracts the ErrorKind from err, classifying unwrapped errors by
// message heuristics. Unknown errors map to internal.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrKindTimeout
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "unauthorized"), strings.Contains(msg, "invalid api key"), strings.Contains(msg, "401"):
		return ErrKindAuth
	case strings.Contains(msg, "rate limit"), strings.Contains(msg, "429"):
		return ErrKindRateLimit
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "deadline"):
		return ErrKindTimeout
	case strings.Contains(msg, "billing"), strings.Contains(msg, "quota exceeded"), strings.Contains(msg, "insufficient credit"):
		return ErrKindBillingExhausted
	case strings.Contains(msg, "overloaded"), strings.Contains(msg, "temporarily unavailable"), strings.Contains(msg, "connection reset"), strings.Contains(msg, "503"), strings.Contains(msg, "529"):
		return ErrKindProviderTransient
	case strings.Contains(msg, "400"), strings.Contains(msg, "invalid request"):
		return ErrKindBadRequest
	}
	return ErrKindInternal
}

// IsTransient reports whether the kind should be recovered locally
// (retry or profile rotation) rather than surfaced as terminal.
func (k ErrorKind) IsTransient() bool {
	switch k {
	case ErrKindRateLimit, ErrKindTimeout, ErrKindProviderTransient:
		return true
	}
	return false
}
