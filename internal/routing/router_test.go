package routing

import (
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/botgatehq/botgate/internal/bus"
	"github.com/botgatehq/botgate/internal/config"
	"github.com/botgatehq/botgate/internal/sessions"
	"github.com/botgatehq/botgate/internal/store/file"
)

func testRouter(t *testing.T, cfg *config.Config) *Router {
	t.Helper()
	if cfg.Sessions.DmScope == "" {
		cfg.Sessions.DmScope = "main"
	}
	if cfg.Sessions.MainKey == "" {
		cfg.Sessions.MainKey = "main"
	}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	sm := sessions.NewManager(cfg, file.New(t.TempDir()), log)
	return New(cfg, sm, log)
}

func dmEnv(channel, sender string) bus.Envelope {
	return bus.Envelope{
		Channel:  channel,
		SenderID: sender,
		Peer:     bus.Peer{Kind: bus.PeerDirect, ID: sender},
	}
}

func TestRouteFallsBackToDefaultAgent(t *testing.T) {
	r := testRouter(t, &config.Config{})
	d := r.Route(dmEnv("telegram", "u1"))
	assert.Equal(t, "default", d.AgentID)
	assert.Equal(t, "agent:default:main", d.SessionKey)
}

func TestRouteChannelBinding(t *testing.T) {
	cfg := &config.Config{
		Bindings: []config.AgentBinding{
			{AgentID: "Support", Match: config.BindingMatch{Channel: "telegram"}},
		},
	}
	r := testRouter(t, cfg)
	assert.Equal(t, "support", r.Route(dmEnv("Telegram", "u1")).AgentID, "channel match is case-insensitive, agent ID normalized")
	assert.Equal(t, "default", r.Route(dmEnv("slack", "u1")).AgentID)
}

func TestRouteSpecificityTiers(t *testing.T) {
	cfg := &config.Config{
		Bindings: []config.AgentBinding{
			{AgentID: "bychannel", Match: config.BindingMatch{Channel: "discord"}},
			{AgentID: "byaccount", Match: config.BindingMatch{Channel: "discord", AccountID: "acct1"}},
			{AgentID: "byguild", Match: config.BindingMatch{Channel: "discord", GuildID: "g1"}},
			{AgentID: "bypeer", Match: config.BindingMatch{Channel: "discord", Peer: &config.BindingPeer{Kind: "group", ID: "c9"}}},
		},
	}
	r := testRouter(t, cfg)

	env := bus.Envelope{Channel: "discord", AccountID: "acct1", SenderID: "u1",
		Peer: bus.Peer{Kind: bus.PeerGroup, ID: "c9"}, Metadata: map[string]string{MetaGuildID: "g1"}}
	assert.Equal(t, "bypeer", r.Route(env).AgentID)

	env.Peer.ID = "other"
	assert.Equal(t, "byguild", r.Route(env).AgentID)

	env.Metadata = nil
	assert.Equal(t, "byaccount", r.Route(env).AgentID)

	env.AccountID = ""
	assert.Equal(t, "bychannel", r.Route(env).AgentID)
}

func TestRouteTeamBeatsChannel(t *testing.T) {
	cfg := &config.Config{
		Bindings: []config.AgentBinding{
			{AgentID: "bychannel", Match: config.BindingMatch{Channel: "slack"}},
			{AgentID: "byteam", Match: config.BindingMatch{Channel: "slack", TeamID: "T1"}},
		},
	}
	r := testRouter(t, cfg)
	env := dmEnv("slack", "u1")
	env.Metadata = map[string]string{MetaTeamID: "T1"}
	assert.Equal(t, "byteam", r.Route(env).AgentID)
}

func TestRouteConfigOrderBreaksTies(t *testing.T) {
	cfg := &config.Config{
		Bindings: []config.AgentBinding{
			{AgentID: "first", Match: config.BindingMatch{Channel: "telegram"}},
			{AgentID: "second", Match: config.BindingMatch{Channel: "telegram"}},
		},
	}
	r := testRouter(t, cfg)
	assert.Equal(t, "first", r.Route(dmEnv("telegram", "u1")).AgentID)
}

func TestRouteThreadInheritsParentBinding(t *testing.T) {
	cfg := &config.Config{
		Bindings: []config.AgentBinding{
			{AgentID: "helper", Match: config.BindingMatch{Channel: "slack", Peer: &config.BindingPeer{Kind: "group", ID: "c1"}}},
		},
	}
	r := testRouter(t, cfg)
	env := bus.Envelope{
		Channel:    "slack",
		SenderID:   "u1",
		Peer:       bus.Peer{Kind: bus.PeerThread, ID: "t77"},
		ParentPeer: &bus.Peer{Kind: bus.PeerGroup, ID: "c1"},
		ThreadID:   "t77",
	}
	assert.Equal(t, "helper", r.Route(env).AgentID)
}

func TestCommandAuthorization(t *testing.T) {
	cfg := &config.Config{
		Commands: config.CommandsConfig{
			AllowFrom: config.FlexibleStringSlice{"u1", "telegram:u2", "@ops"},
			AccessGroups: map[string]config.FlexibleStringSlice{
				"ops": {"u3"},
			},
		},
	}
	r := testRouter(t, cfg)

	assert.True(t, r.Route(dmEnv("telegram", "u1")).CommandAuthorized, "direct sender entry")
	assert.True(t, r.Route(dmEnv("telegram", "u2")).CommandAuthorized, "channel-qualified entry")
	assert.False(t, r.Route(dmEnv("slack", "u2")).CommandAuthorized, "qualified entry bound to its channel")
	assert.True(t, r.Route(dmEnv("slack", "u3")).CommandAuthorized, "access group member")
	assert.False(t, r.Route(dmEnv("telegram", "u9")).CommandAuthorized)
}

func TestCommandAuthorizationEmptyListDeniesAll(t *testing.T) {
	r := testRouter(t, &config.Config{})
	assert.False(t, r.Route(dmEnv("telegram", "u1")).CommandAuthorized)
}

func TestCommandAuthorizationWildcard(t *testing.T) {
	cfg := &config.Config{Commands: config.CommandsConfig{AllowFrom: config.FlexibleStringSlice{"*"}}}
	r := testRouter(t, cfg)
	assert.True(t, r.Route(dmEnv("anything", "anyone")).CommandAuthorized)
}
