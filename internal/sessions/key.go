// Package sessions holds the session key builder, parser, and reset policy.
//
// Session keys follow the canonical format:
//
//	agent:{agentId}:{rest}
//
// Where {rest} depends on the conversation shape:
//
//	DM (main scope):   {mainKey}
//	DM (per-peer):     direct:{peerId}
//	DM (per-channel):  {channel}:direct:{peerId}
//	DM (per-account):  {channel}:{accountId}:direct:{peerId}
//	Group:             {channel}:group:{groupId}
//	Room:              {channel}:room:{roomId}
//	Thread:            {channel}:group:{groupId}:thread:{threadId}
//	Forum topic:       {channel}:group:{groupId}:topic:{topicId}
//
// Keys are compared case-insensitively and are the sole unit of
// serialization.
package sessions

import (
	"fmt"
	"strings"

	"github.com/botgatehq/botgate/internal/bus"
)

// DM scope modes.
const (
	DmScopeMain           = "main"
	DmScopePerPeer        = "per-peer"
	DmScopeChannelPeer    = "per-channel-peer"
	DmScopeAccountChannel = "per-account-channel-peer"
)

// Normalize lowercases a session key for comparison and storage.
func Normalize(key string) string {
	return strings.ToLower(key)
}

// BuildMainKey builds the shared "main" bucket key for an agent.
// Used when dm_scope="main": all DMs share one session per agent.
func BuildMainKey(agentID, mainKey string) string {
	if mainKey == "" {
		mainKey = "main"
	}
	return fmt.Sprintf("agent:%s:%s", agentID, mainKey)
}

// KeyParams carries everything key derivation needs.
type KeyParams struct {
	AgentID   string
	Channel   string
	AccountID string
	Peer      bus.Peer
	ThreadID  string
	TopicID   string
	Scope     string // "per-sender" (default) or "global"
	DmScope   string
	MainKey   string
}

// BuildKey derives the session key for an inbound conversation.
//
// Direct chats fold per the DM scope; bounded conversations (group, room)
// always use the full channel-qualified key. Threads append
// ":thread:{tid}"; topic-threaded surfaces append ":topic:{tid}".
func BuildKey(p KeyParams) string {
	if p.Scope == "global" {
		return "global"
	}

	var rest string
	switch p.Peer.Kind {
	case bus.PeerDirect:
		switch p.DmScope {
		case DmScopePerPeer:
			rest = fmt.Sprintf("direct:%s", p.Peer.ID)
		case DmScopeChannelPeer:
			rest = fmt.Sprintf("%s:direct:%s", p.Channel, p.Peer.ID)
		case DmScopeAccountChannel:
			rest = fmt.Sprintf("%s:%s:direct:%s", p.Channel, p.AccountID, p.Peer.ID)
		default: // DmScopeMain or empty
			return Normalize(BuildMainKey(p.AgentID, p.MainKey))
		}
	default:
		kind := p.Peer.Kind
		if kind == bus.PeerThread {
			kind = bus.PeerGroup
		}
		rest = fmt.Sprintf("%s:%s:%s", p.Channel, kind, p.Peer.ID)
	}

	if p.TopicID != "" {
		rest += ":topic:" + p.TopicID
	} else if p.ThreadID != "" {
		rest += ":thread:" + p.ThreadID
	}

	return Normalize(fmt.Sprintf("agent:%s:%s", p.AgentID, rest))
}

// ParseKey extracts the agentID and rest from a canonical session key.
// Returns ("", "") if the key is not in the expected format.
func ParseKey(key string) (agentID, rest string) {
	parts := strings.SplitN(key, ":", 3)
	if len(parts) < 3 || parts[0] != "agent" {
		return "", ""
	}
	return parts[1], parts[2]
}

// ChatTypeOf classifies a session key as "dm", "group", or "thread" for
// reset-policy purposes.
func ChatTypeOf(key string) string {
	_, rest := ParseKey(Normalize(key))
	switch {
	case strings.Contains(rest, ":thread:"), strings.Contains(rest, ":topic:"):
		return "thread"
	case strings.Contains(rest, ":group:"), strings.Contains(rest, ":room:"):
		return "group"
	default:
		return "dm"
	}
}

// ChannelOf extracts the channel segment from a non-main session key
// ("" for main-bucket keys).
func ChannelOf(key string) string {
	_, rest := ParseKey(Normalize(key))
	if rest == "" {
		return ""
	}
	parts := strings.SplitN(rest, ":", 2)
	if len(parts) < 2 {
		return "" // main bucket: rest has no channel segment
	}
	if parts[0] == "direct" {
		return ""
	}
	return parts[0]
}

// IsSubagentKey checks if a session key indicates a subagent session.
func IsSubagentKey(key string) bool {
	_, rest := ParseKey(key)
	return strings.HasPrefix(strings.ToLower(rest), "subagent:")
}

// BuildSubagentKey builds the session key for a subagent.
func BuildSubagentKey(agentID, label string) string {
	return Normalize(fmt.Sprintf("agent:%s:subagent:%s", agentID, label))
}
