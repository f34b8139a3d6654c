package config

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
)

// FlexibleStringSlice accepts both ["str"] and [123] in JSON.
type FlexibleStringSlice []string

func (f *FlexibleStringSlice) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	var raw []interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, v := range raw {
		switch val := v.(type) {
		case string:
			result = append(result, val)
		case float64:
			result = append(result, fmt.Sprintf("%.0f", val))
		default:
			result = append(result, fmt.Sprintf("%v", val))
		}
	}
	*f = result
	return nil
}

// Config is the root configuration for the gateway.
type Config struct {
	Agents    AgentsConfig             `json:"agents"`
	Channels  map[string]ChannelConfig `json:"channels,omitempty"`
	Sessions  SessionsConfig           `json:"sessions"`
	Queue     QueueConfig              `json:"queue,omitempty"`
	Gateway   GatewayConfig            `json:"gateway"`
	Retry     RetryConfig              `json:"retry,omitempty"`
	Telemetry TelemetryConfig          `json:"telemetry,omitempty"`
	Bindings  []AgentBinding           `json:"bindings,omitempty"`
	Commands  CommandsConfig           `json:"commands,omitempty"`
	Identity  IdentityLinksConfig      `json:"identity,omitempty"`
	mu        sync.RWMutex
}

// AgentBinding maps a channel/peer pattern to a specific agent.
// Bindings are an ordered list; within the same specificity tier the first
// config-order match wins.
type AgentBinding struct {
	AgentID string       `json:"agentId"`
	Match   BindingMatch `json:"match"`
}

// BindingMatch specifies what messages this binding applies to.
// Specificity: peer > guild > team > (channel, accountId) > channel.
type BindingMatch struct {
	Channel   string       `json:"channel"`
	AccountID string       `json:"accountId,omitempty"`
	TeamID    string       `json:"teamId,omitempty"`
	GuildID   string       `json:"guildId,omitempty"`
	Peer      *BindingPeer `json:"peer,omitempty"`
}

// BindingPeer specifies a specific chat target.
type BindingPeer struct {
	Kind string `json:"kind"` // "direct", "group", "room" or "thread"
	ID   string `json:"id"`
}

// AgentsConfig contains agent defaults and per-agent overrides.
type AgentsConfig struct {
	Defaults AgentDefaults        `json:"defaults"`
	List     map[string]AgentSpec `json:"list,omitempty"`
}

// AgentDefaults are default settings for all agents.
type AgentDefaults struct {
	Workspace         string   `json:"workspace"`
	Model             string   `json:"model"`
	ModelFallbacks    []string `json:"model_fallbacks,omitempty"`
	MaxTokens         int      `json:"max_tokens"`
	Temperature       float64  `json:"temperature"`
	MaxToolIterations int      `json:"max_tool_iterations"`
	ContextWindow     int      `json:"context_window"`
	RunTimeoutSeconds int      `json:"run_timeout_seconds"` // agent-run deadline (default 600)
	BootstrapMaxChars int      `json:"bootstrap_max_chars"` // per-file cap on injected workspace files

	ContextPruning *ContextPruningConfig `json:"contextPruning,omitempty"`
	Verbose        bool                  `json:"verbose,omitempty"`        // include tool summary in final payload
	ShowReasoning  string                `json:"show_reasoning,omitempty"` // "on", "off" (default off)
}

// AgentSpec is a per-agent override of the defaults.
type AgentSpec struct {
	Name              string   `json:"name,omitempty"`
	Workspace         string   `json:"workspace,omitempty"`
	Model             string   `json:"model,omitempty"`
	ModelFallbacks    []string `json:"model_fallbacks,omitempty"`
	MainKey           string   `json:"main_key,omitempty"` // bucket for dm_scope="main" (default "main")
	RunTimeoutSeconds int      `json:"run_timeout_seconds,omitempty"`
	ShowReasoning     string   `json:"show_reasoning,omitempty"`
	Verbose           *bool    `json:"verbose,omitempty"`
}

// ContextPruningConfig configures in-memory trimming of old tool results.
//
// Mode "cache-ttl": prune only when the last model call on the session is
// older than TTL, so a hot prompt cache is never invalidated.
type ContextPruningConfig struct {
	Mode               string                  `json:"mode,omitempty"`                 // "off" (default) or "cache-ttl"
	TTLSeconds         int                     `json:"ttl_seconds,omitempty"`          // cache window (default 300)
	KeepLastAssistants int                     `json:"keep_last_assistants,omitempty"` // protected tail (default 3)
	SoftTrimRatio      float64                 `json:"soft_trim_ratio,omitempty"`      // start soft trim at this share of the window (default 0.3)
	HardClearRatio     float64                 `json:"hard_clear_ratio,omitempty"`     // hard-clear above this share (default 0.5)
	SoftTrim           *ContextPruningSoftTrim `json:"soft_trim,omitempty"`
}

// ContextPruningSoftTrim configures how long tool results are trimmed.
type ContextPruningSoftTrim struct {
	HeadChars int `json:"head_chars,omitempty"` // default 600
	TailChars int `json:"tail_chars,omitempty"` // default 200
}

// ChannelConfig holds the per-channel options the core reads. Transport
// credentials live with the transport adapters, not here.
type ChannelConfig struct {
	AccountID      string `json:"account_id,omitempty"`
	TextChunkLimit int    `json:"text_chunk_limit,omitempty"` // hard per-message size (0 = transport default)
	ChunkMode      string `json:"chunk_mode,omitempty"`       // "newline" (default) or "length"
	Markdown       string `json:"markdown,omitempty"`         // render flavor: "html", "markup", "plain"
	ReplyThreading string `json:"reply_threading,omitempty"`  // "off" (default) or "auto"
	ParseTables    bool   `json:"parse_tables,omitempty"`

	QueueMode       string `json:"queue_mode,omitempty"`  // interrupt|steer|followup|collect|steer-backlog
	DebounceMs      int    `json:"debounce_ms,omitempty"` // inbound burst merge window (0 = global default)
	DedupTTLMinutes int    `json:"dedup_ttl_minutes,omitempty"`

	BlockStreaming *BlockStreamingConfig `json:"block_streaming,omitempty"`
	RateLimitRPM   int                   `json:"rate_limit_rpm,omitempty"` // outbound sends per minute (0 = unlimited)
}

// BlockStreamingConfig controls coalescing of streamed chunks before flush.
type BlockStreamingConfig struct {
	Enabled  bool `json:"enabled"`
	IdleMs   int  `json:"idle_ms,omitempty"`   // default 800
	MinChars int  `json:"min_chars,omitempty"` // micro-flush floor (default 200)
	MaxChars int  `json:"max_chars,omitempty"` // flush bound (default channel text limit)
}

// SessionsConfig controls session key scoping, persistence, and reset policy.
type SessionsConfig struct {
	Storage string `json:"storage,omitempty"`  // root dir (default ~/.botgate)
	Scope   string `json:"scope,omitempty"`    // "per-sender" (default) or "global"
	DmScope string `json:"dm_scope,omitempty"` // main|per-peer|per-channel-peer|per-account-channel-peer
	MainKey string `json:"main_key,omitempty"` // default "main"

	Reset ResetConfig `json:"reset,omitempty"`
}

// ResetConfig is the session expiry policy. The earliest applicable
// expiration wins.
type ResetConfig struct {
	DailyHour   *int                     `json:"daily_hour,omitempty"`   // host-local hour (nil = off)
	IdleMinutes int                      `json:"idle_minutes,omitempty"` // sliding window (0 = off)
	ByType      map[string]ResetOverride `json:"by_type,omitempty"`      // "dm", "group", "thread"
	ByChannel   map[string]ResetOverride `json:"by_channel,omitempty"`
}

// ResetOverride narrows the reset policy for a session type or channel.
type ResetOverride struct {
	DailyHour   *int `json:"daily_hour,omitempty"`
	IdleMinutes int  `json:"idle_minutes,omitempty"`
}

// QueueConfig controls lane concurrency and backlog behavior.
type QueueConfig struct {
	Lanes      map[string]int `json:"lanes,omitempty"`       // lane name → concurrency cap
	Mode       string         `json:"mode,omitempty"`        // default arrival mode (default "collect")
	DebounceMs int            `json:"debounce_ms,omitempty"` // quiet window before merged followups (default 2000)
	Cap        int            `json:"cap,omitempty"`         // max queued arrivals per session (default 20)
	Drop       string         `json:"drop,omitempty"`        // "old" (default), "new", "summarize"
}

// GatewayConfig configures the control-plane listener.
type GatewayConfig struct {
	Host                  string   `json:"host"`
	Port                  int      `json:"port"`
	Token                 string   `json:"-"` // from env BOTGATE_GATEWAY_TOKEN only
	AllowedOrigins        []string `json:"allowed_origins,omitempty"`
	WaitTimeoutMs         int      `json:"wait_timeout_ms,omitempty"`         // default agent.wait timeout (default 30000)
	IdempotencyTTLSeconds int      `json:"idempotency_ttl_seconds,omitempty"` // dedup cache (default 60)
}

// RetryConfig tunes per-request outbound retry.
type RetryConfig struct {
	Attempts   int     `json:"attempts,omitempty"`     // default 3
	MinDelayMs int     `json:"min_delay_ms,omitempty"` // default 500
	MaxDelayMs int     `json:"max_delay_ms,omitempty"` // default 30000
	Jitter     float64 `json:"jitter,omitempty"`       // multiplicative, default 0.2
}

// TelemetryConfig configures the optional OTLP trace exporter.
type TelemetryConfig struct {
	Enabled  bool   `json:"enabled,omitempty"`
	Endpoint string `json:"endpoint,omitempty"` // OTLP HTTP endpoint (default localhost:4318)
	Service  string `json:"service,omitempty"`  // service.name (default "botgate")
}

// CommandsConfig controls command-sigil handling and authorization.
type CommandsConfig struct {
	Sigil        string                         `json:"sigil,omitempty"` // default "/"
	AllowFrom    FlexibleStringSlice            `json:"allow_from,omitempty"`
	AccessGroups map[string]FlexibleStringSlice `json:"access_groups,omitempty"`
}

// IdentityLinksConfig canonicalizes provider-prefixed peer IDs before DM
// scope derivation, e.g. "tg:123" → "alice".
type IdentityLinksConfig struct {
	Links map[string]string `json:"links,omitempty"`
}

// AgentIDs returns all configured agent IDs, always including "default".
func (c *Config) AgentIDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	seen := map[string]bool{"default": true}
	ids := []string{"default"}
	for id := range c.Agents.List {
		id = NormalizeAgentID(id)
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	return ids
}

// AgentSpecFor returns the per-agent spec (zero value when absent).
func (c *Config) AgentSpecFor(agentID string) AgentSpec {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for id, spec := range c.Agents.List {
		if strings.EqualFold(NormalizeAgentID(id), agentID) {
			return spec
		}
	}
	return AgentSpec{}
}

// ResolveDefaultAgentID returns the fallback agent for unbound envelopes.
func (c *Config) ResolveDefaultAgentID() string {
	return "default"
}

// NormalizeAgentID lowercases and trims an agent identifier.
func NormalizeAgentID(id string) string {
	id = strings.TrimSpace(strings.ToLower(id))
	if id == "" {
		return "default"
	}
	return id
}

// ChannelFor returns the channel config (zero value when absent).
func (c *Config) ChannelFor(channel string) ChannelConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Channels[channel]
}
