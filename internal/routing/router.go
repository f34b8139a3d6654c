// Package routing resolves inbound envelopes to an agent and a session
// key. Bindings are matched by specificity, not config order:
//
//	peer > guild > team > (channel, account) > channel > default agent
//
// Within one specificity tier the first binding in config order wins.
package routing

import (
	"log/slog"
	"strings"

	"github.com/botgatehq/botgate/internal/bus"
	"github.com/botgatehq/botgate/internal/config"
	"github.com/botgatehq/botgate/internal/sessions"
)

// Envelope metadata keys populated by transports that have the concepts.
const (
	MetaGuildID = "guild_id"
	MetaTeamID  = "team_id"
)

// Decision is the routing outcome for one envelope.
type Decision struct {
	AgentID           string
	SessionKey        string
	CommandAuthorized bool
}

// Router binds envelopes to agents and session keys.
type Router struct {
	cfg      *config.Config
	sessions *sessions.Manager
	log      *slog.Logger
}

// New creates a router.
func New(cfg *config.Config, sm *sessions.Manager, log *slog.Logger) *Router {
	return &Router{cfg: cfg, sessions: sm, log: log.With("component", "router")}
}

// Route resolves the agent and session key for an inbound envelope.
func (r *Router) Route(env bus.Envelope) Decision {
	agentID := r.resolveAgent(env)

	key := r.sessions.KeyFor(agentID, sessions.KeyParams{
		Channel:   env.Channel,
		AccountID: env.AccountID,
		Peer:      env.Peer,
		ThreadID:  env.ThreadID,
		TopicID:   env.TopicID,
	})

	return Decision{
		AgentID:           agentID,
		SessionKey:        key,
		CommandAuthorized: r.commandAuthorized(env),
	}
}

// Specificity tiers, highest first.
const (
	tierPeer = iota
	tierGuild
	tierTeam
	tierChannelAccount
	tierChannel
	tierNone
)

func (r *Router) resolveAgent(env bus.Envelope) string {
	bestTier := tierNone
	best := ""

	for _, b := range r.cfg.Bindings {
		tier, ok := matchTier(b.Match, env)
		if !ok {
			continue
		}
		if tier < bestTier {
			bestTier = tier
			best = config.NormalizeAgentID(b.AgentID)
		}
	}

	if best == "" {
		return r.cfg.ResolveDefaultAgentID()
	}
	return best
}

// matchTier reports the specificity tier at which the binding matches, or
// false when it does not apply to this envelope.
func matchTier(m config.BindingMatch, env bus.Envelope) (int, bool) {
	if m.Channel != "" && !strings.EqualFold(m.Channel, env.Channel) {
		return 0, false
	}
	if m.AccountID != "" && m.AccountID != env.AccountID {
		return 0, false
	}
	if m.GuildID != "" && m.GuildID != env.Metadata[MetaGuildID] {
		return 0, false
	}
	if m.TeamID != "" && m.TeamID != env.Metadata[MetaTeamID] {
		return 0, false
	}
	if m.Peer != nil {
		if m.Peer.Kind != string(env.Peer.Kind) || m.Peer.ID != env.Peer.ID {
			// A thread inherits its parent conversation's binding.
			if env.ParentPeer == nil || m.Peer.Kind != string(env.ParentPeer.Kind) || m.Peer.ID != env.ParentPeer.ID {
				return 0, false
			}
		}
		return tierPeer, true
	}
	switch {
	case m.GuildID != "":
		return tierGuild, true
	case m.TeamID != "":
		return tierTeam, true
	case m.AccountID != "":
		return tierChannelAccount, true
	case m.Channel != "":
		return tierChannel, true
	}
	return 0, false
}

// commandAuthorized checks the sender against the command allow-list. An
// empty allow-list authorizes nobody; "*" authorizes everyone. Entries can
// name senders directly or reference an access group with "@group".
func (r *Router) commandAuthorized(env bus.Envelope) bool {
	allow := r.cfg.Commands.AllowFrom
	if len(allow) == 0 {
		return false
	}
	for _, a := range allow {
		if a == "*" {
			return true
		}
		if group, ok := strings.CutPrefix(a, "@"); ok {
			for _, member := range r.cfg.Commands.AccessGroups[group] {
				if senderMatches(member, env) {
					return true
				}
			}
			continue
		}
		if senderMatches(a, env) {
			return true
		}
	}
	return false
}

func senderMatches(pattern string, env bus.Envelope) bool {
	if pattern == env.SenderID {
		return true
	}
	// Channel-qualified form "channel:sender".
	if ch, id, ok := strings.Cut(pattern, ":"); ok {
		return strings.EqualFold(ch, env.Channel) && id == env.SenderID
	}
	return false
}
