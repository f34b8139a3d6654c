package agent

import (
	"fmt"
	"strings"
	"time"

	"github.com/botgatehq/botgate/internal/config"
	"github.com/botgatehq/botgate/internal/providers"
)

const trimMarkerPrefix = "[tool result trimmed, was "
const clearMarker = "[tool result cleared to save context]"

// ContextPruner shrinks old tool results in the in-memory history before a
// model call. In cache-ttl mode it only acts when the session's prompt
// cache has gone cold: pruning a hot cache would invalidate it and cost
// more than it saves. Pruning is idempotent; an already-pruned history
// passes through unchanged.
type ContextPruner struct {
	cfg config.ContextPruningConfig
}

// NewContextPruner builds a pruner; nil config disables it.
func NewContextPruner(cfg *config.ContextPruningConfig) *ContextPruner {
	if cfg == nil {
		return &ContextPruner{cfg: config.ContextPruningConfig{Mode: "off"}}
	}
	return &ContextPruner{cfg: *cfg}
}

// Enabled reports whether pruning can ever run.
func (p *ContextPruner) Enabled() bool {
	return p.cfg.Mode == "cache-ttl"
}

// Prune returns the history with old tool results trimmed or cleared,
// along with whether anything changed. contextWindow is the model window
// in tokens; lastModelCall gates the cache-ttl check.
func (p *ContextPruner) Prune(msgs []providers.Message, contextWindow int, lastModelCall, now time.Time) ([]providers.Message, bool) {
	if !p.Enabled() || contextWindow <= 0 {
		return msgs, false
	}
	ttl := time.Duration(p.cfg.TTLSeconds) * time.Second
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if !lastModelCall.IsZero() && now.Sub(lastModelCall) < ttl {
		return msgs, false
	}

	estTokens := estimateTokens(msgs)
	softAt := int(float64(contextWindow) * p.cfg.SoftTrimRatio)
	hardAt := int(float64(contextWindow) * p.cfg.HardClearRatio)
	if softAt <= 0 || estTokens < softAt {
		return msgs, false
	}

	protectFrom := protectedTailStart(msgs, p.cfg.KeepLastAssistants)

	headChars, tailChars := 600, 200
	if st := p.cfg.SoftTrim; st != nil {
		if st.HeadChars > 0 {
			headChars = st.HeadChars
		}
		if st.TailChars > 0 {
			tailChars = st.TailChars
		}
	}

	hard := hardAt > 0 && estTokens >= hardAt
	out := make([]providers.Message, len(msgs))
	copy(out, msgs)
	changed := false

	for i := 0; i < protectFrom; i++ {
		m := out[i]
		if m.Role != "tool" || m.HasImage {
			continue
		}
		if hard {
			if m.Content != clearMarker {
				m.Content = clearMarker
				out[i] = m
				changed = true
			}
			continue
		}
		trimmed := softTrim(m.Content, headChars, tailChars)
		if trimmed != m.Content {
			m.Content = trimmed
			out[i] = m
			changed = true
		}
	}
	return out, changed
}

// protectedTailStart returns the index of the first message in the
// protected tail: the last keepAssistants assistant turns and everything
// after them.
func protectedTailStart(msgs []providers.Message, keepAssistants int) int {
	if keepAssistants <= 0 {
		keepAssistants = 3
	}
	seen := 0
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == "assistant" {
			seen++
			if seen >= keepAssistants {
				return i
			}
		}
	}
	return 0
}

// softTrim keeps the head and tail of a long tool result, with a marker
// recording the original size. Already-trimmed content passes through so
// repeated pruning never re-shrinks (or re-counts) a result.
func softTrim(content string, head, tail int) string {
	if strings.Contains(content, trimMarkerPrefix) || content == clearMarker {
		return content
	}
	runes := []rune(content)
	marker := fmt.Sprintf("%s%d chars]", trimMarkerPrefix, len(runes))
	if len(runes) <= head+tail+len(marker) {
		return content
	}
	return fmt.Sprintf("%s\n%s\n%s", string(runes[:head]), marker, string(runes[len(runes)-tail:]))
}

// estimateTokens approximates token usage at four characters per token.
func estimateTokens(msgs []providers.Message) int {
	chars := 0
	for _, m := range msgs {
		chars += len(m.Content) + len(m.Reasoning)
		for _, tc := range m.ToolCalls {
			chars += len(tc.Name) + 32
		}
	}
	return chars / 4
}
