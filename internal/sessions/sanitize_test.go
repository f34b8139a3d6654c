package sessions

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/botgatehq/botgate/internal/providers"
)

func TestSanitizeHistoryPassesWellFormed(t *testing.T) {
	msgs := []providers.Message{
		{Role: "user", Content: "hi"},
		{Role: "assistant", ToolCalls: []providers.ToolCall{{ID: "t1", Name: "search"}}},
		{Role: "tool", ToolCallID: "t1", Content: "result"},
		{Role: "assistant", Content: "answer"},
	}
	assert.Equal(t, msgs, SanitizeHistory(msgs))
}

func TestSanitizeHistoryStubsMissingResult(t *testing.T) {
	msgs := []providers.Message{
		{Role: "assistant", ToolCalls: []providers.ToolCall{{ID: "t1", Name: "search"}}},
		{Role: "user", Content: "hello?"},
	}
	out := SanitizeHistory(msgs)
	require.Len(t, out, 3)
	assert.Equal(t, "tool", out[1].Role)
	assert.Equal(t, "t1", out[1].ToolCallID)
	assert.Contains(t, out[1].Content, "unavailable")
	assert.Equal(t, "user", out[2].Role)
}

func TestSanitizeHistoryDropsOrphanResult(t *testing.T) {
	msgs := []providers.Message{
		{Role: "tool", ToolCallID: "ghost", Content: "stale"},
		{Role: "user", Content: "hi"},
	}
	out := SanitizeHistory(msgs)
	require.Len(t, out, 1)
	assert.Equal(t, "user", out[0].Role)
}

func TestSanitizeHistoryStubsTrailingCall(t *testing.T) {
	msgs := []providers.Message{
		{Role: "user", Content: "go"},
		{Role: "assistant", ToolCalls: []providers.ToolCall{{ID: "t1"}, {ID: "t2"}}},
		{Role: "tool", ToolCallID: "t1", Content: "ok"},
	}
	out := SanitizeHistory(msgs)
	require.Len(t, out, 4)
	assert.Equal(t, "t2", out[3].ToolCallID, "unanswered call gets a stub at the end")
}
