package sessions

import "github.com/botgatehq/botgate/internal/providers"

// SanitizeHistory repairs tool-call pairing in a loaded transcript.
// Interrupted runs can leave an assistant tool call with no result, or a
// result whose call was trimmed away; providers reject both. Missing
// results get a stub, orphaned results are dropped.
func SanitizeHistory(msgs []providers.Message) []providers.Message {
	out := make([]providers.Message, 0, len(msgs))
	pending := map[string]bool{} // issued but unanswered tool call IDs

	flushPending := func() {
		for id := range pending {
			out = append(out, providers.Message{
				Role:       "tool",
				ToolCallID: id,
				Content:    "[tool result unavailable: run interrupted]",
			})
		}
		pending = map[string]bool{}
	}

	for _, msg := range msgs {
		switch msg.Role {
		case "assistant":
			flushPending()
			out = append(out, msg)
			for _, tc := range msg.ToolCalls {
				pending[tc.ID] = true
			}
		case "tool":
			if pending[msg.ToolCallID] {
				delete(pending, msg.ToolCallID)
				out = append(out, msg)
			}
			// Orphaned result: drop.
		default:
			flushPending()
			out = append(out, msg)
		}
	}
	flushPending()
	return out
}
