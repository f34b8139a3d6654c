package agent

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/botgatehq/botgate/internal/bus"
)

// Workspace files injected into the system prompt, in fixed order. Missing
// files are skipped silently.
var bootstrapFiles = []string{
	"AGENTS.md",
	"SOUL.md",
	"USER.md",
	"TOOLS.md",
	"MEMORY.md",
}

const defaultBootstrapMaxChars = 20000

// promptInput carries everything system-prompt assembly needs.
type promptInput struct {
	agentID   string
	agentName string
	workspace string
	maxChars  int
	env       bus.Envelope
	extra     []string // hook-contributed blocks, appended last
	now       time.Time
}

// buildSystemPrompt assembles the system prompt in a fixed order: preamble,
// workspace bootstrap files, conversation context, hook extras. The order
// is stable so prompt caches survive across runs of the same session.
func buildSystemPrompt(in promptInput) string {
	var b strings.Builder

	name := in.agentName
	if name == "" {
		name = in.agentID
	}
	fmt.Fprintf(&b, "You are %s, a persistent assistant reachable over chat.\n", name)
	fmt.Fprintf(&b, "Current date: %s\n", in.now.Format("2006-01-02"))

	for _, file := range bootstrapFiles {
		content := readBootstrapFile(filepath.Join(in.workspace, file), in.maxChars)
		if content == "" {
			continue
		}
		content = expandPlaceholders(content, in)
		fmt.Fprintf(&b, "\n## %s\n\n%s\n", file, content)
	}

	b.WriteString("\n## Conversation\n\n")
	fmt.Fprintf(&b, "Channel: %s\n", in.env.Channel)
	fmt.Fprintf(&b, "Chat type: %s\n", in.env.Peer.Kind)
	if in.env.SenderName != "" {
		fmt.Fprintf(&b, "Talking with: %s\n", in.env.SenderName)
	}
	if in.env.Peer.Kind != bus.PeerDirect {
		b.WriteString("This is a multi-party conversation; user messages are prefixed with the sender's name.\n")
	}
	b.WriteString("If the message needs no reply, respond with exactly NO_REPLY.\n")

	for _, block := range in.extra {
		if block != "" {
			b.WriteString("\n" + block + "\n")
		}
	}

	return b.String()
}

// readBootstrapFile loads a workspace file capped at maxChars. Oversized
// files keep their head; the cut is marked so the agent knows content is
// missing.
func readBootstrapFile(path string, maxChars int) string {
	if maxChars <= 0 {
		maxChars = defaultBootstrapMaxChars
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	content := strings.TrimSpace(string(data))
	if content == "" {
		return ""
	}
	runes := []rune(content)
	if len(runes) > maxChars {
		content = string(runes[:maxChars]) + "\n[... truncated ...]"
	}
	return content
}

// expandPlaceholders substitutes the supported template variables in
// bootstrap file content.
func expandPlaceholders(content string, in promptInput) string {
	r := strings.NewReplacer(
		"{agent_id}", in.agentID,
		"{channel}", in.env.Channel,
		"{date}", in.now.Format("2006-01-02"),
		"{time}", in.now.Format("15:04"),
	)
	return r.Replace(content)
}

// taggedUserContent renders the inbound body as the user turn. Group and
// room messages carry the sender tag so a shared session can tell speakers
// apart.
func taggedUserContent(env bus.Envelope) string {
	body := env.Body
	for _, att := range env.Attachments {
		note := fmt.Sprintf("[attachment: %s]", att.URL)
		if att.Caption != "" {
			note = fmt.Sprintf("[attachment: %s (%s)]", att.URL, att.Caption)
		}
		if body != "" {
			body += "\n"
		}
		body += note
	}
	if env.Peer.Kind == bus.PeerDirect || env.SenderName == "" {
		return body
	}
	if env.Metadata[bus.MetaMultiSender] != "" {
		// Merged burst: each line already names its sender.
		return body
	}
	return fmt.Sprintf("%s: %s", env.SenderName, body)
}
