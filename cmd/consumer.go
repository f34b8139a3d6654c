package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/botgatehq/botgate/internal/bus"
	"github.com/botgatehq/botgate/internal/config"
	"github.com/botgatehq/botgate/internal/hooks"
	"github.com/botgatehq/botgate/internal/queue"
	"github.com/botgatehq/botgate/internal/routing"
	"github.com/botgatehq/botgate/internal/sessions"
)

// consumer drives the inbound pipeline: dedupe, message hooks, debounce,
// route, schedule.
type consumer struct {
	cfg       *config.Config
	bus       *bus.MessageBus
	events    *bus.EventBus
	dedupe    *bus.DedupeCache
	debouncer *bus.InboundDebouncer
	router    *routing.Router
	sched     *queue.Scheduler
	sessions  *sessions.Manager
	hooks     *hooks.Registry
	sink      interface{ Deliver(bus.OutboundMessage) }
	log       *slog.Logger
}

func newConsumer(cfg *config.Config, mb *bus.MessageBus, events *bus.EventBus, router *routing.Router, sched *queue.Scheduler, sm *sessions.Manager, hk *hooks.Registry, sink interface{ Deliver(bus.OutboundMessage) }, log *slog.Logger) *consumer {
	c := &consumer{
		cfg:      cfg,
		bus:      mb,
		events:   events,
		router:   router,
		sched:    sched,
		sessions: sm,
		hooks:    hk,
		sink:     sink,
		log:      log.With("component", "consumer"),
	}
	c.dedupe = bus.NewDedupeCache(0, 0)
	c.debouncer = bus.NewInboundDebouncer(
		time.Duration(cfg.Queue.DebounceMs)*time.Millisecond,
		cfg.Commands.Sigil,
		func(channel string) time.Duration {
			return time.Duration(cfg.ChannelFor(channel).DebounceMs) * time.Millisecond
		},
		c.flush,
	)
	return c
}

// run consumes inbound envelopes until ctx ends.
func (c *consumer) run(ctx context.Context) {
	defer c.debouncer.Stop()
	for {
		env, ok := c.bus.ConsumeInbound(ctx)
		if !ok {
			return
		}
		if env.IsBotSelfReply {
			continue
		}
		if c.dedupe.IsDuplicate(bus.DedupeKey(env)) {
			c.log.Debug("duplicate dropped", "channel", env.Channel, "message_id", env.MessageID)
			continue
		}
		if err := c.hooks.MessageReceived(ctx, &env); err != nil {
			c.log.Info("message dropped by hook", "channel", env.Channel, "error", err)
			continue
		}
		c.debouncer.Push(env)
	}
}

// flush receives debounced envelopes and turns them into scheduled runs.
// A burst that collapsed to nothing starts no run.
func (c *consumer) flush(env bus.Envelope) {
	if strings.TrimSpace(env.Body) == "" && len(env.Attachments) == 0 {
		return
	}

	decision := c.router.Route(env)

	if strings.HasPrefix(strings.TrimSpace(env.Body), c.cfg.Commands.Sigil) {
		c.handleCommand(env, decision)
		return
	}

	mode := queue.Mode(c.cfg.ChannelFor(env.Channel).QueueMode)
	if mode == "" {
		mode = queue.Mode(c.cfg.Queue.Mode)
	}

	runID := uuid.NewString()
	c.events.Announce(runID)
	err := c.sched.Submit(queue.Job{
		RunID:      runID,
		SessionKey: decision.SessionKey,
		Lane:       "main",
		Mode:       mode,
		Env:        env,
	})
	if err != nil {
		c.log.Warn("submit failed", "session", decision.SessionKey, "error", err)
	}
}

// handleCommand runs the built-in sigil commands. Unauthorized senders are
// ignored silently so the command surface stays invisible to strangers.
func (c *consumer) handleCommand(env bus.Envelope, decision routing.Decision) {
	if !decision.CommandAuthorized {
		c.log.Info("command from unauthorized sender ignored", "sender", env.SenderID, "channel", env.Channel)
		return
	}

	cmdline := strings.TrimPrefix(strings.TrimSpace(env.Body), c.cfg.Commands.Sigil)
	fields := strings.Fields(cmdline)
	if len(fields) == 0 {
		return
	}

	reply := func(text string) {
		c.sink.Deliver(bus.OutboundMessage{Channel: env.Channel, Peer: env.Peer, Text: text, Final: true})
	}

	switch fields[0] {
	case "reset", "new":
		c.sched.CancelSession(decision.SessionKey)
		if _, err := c.sessions.Reset(decision.AgentID, decision.SessionKey); err != nil {
			reply("Reset failed: " + err.Error())
			return
		}
		reply("Session reset. Starting fresh.")
	case "stop":
		if c.sched.CancelSession(decision.SessionKey) {
			reply("Stopped the current run.")
		} else {
			reply("Nothing is running.")
		}
	case "status":
		stats := c.sched.Snapshot()
		var b strings.Builder
		b.WriteString("Queue status:\n")
		for lane, n := range stats.Active {
			fmt.Fprintf(&b, "- %s: %d active, %d waiting\n", lane, n, stats.Waiting[lane])
		}
		fmt.Fprintf(&b, "Backlogged arrivals: %d", stats.Backlog)
		reply(b.String())
	case "help":
		reply("Commands: " + c.cfg.Commands.Sigil + "reset (or " + c.cfg.Commands.Sigil + "new), " + c.cfg.Commands.Sigil + "stop, " + c.cfg.Commands.Sigil + "status, " + c.cfg.Commands.Sigil + "help")
	default:
		reply("Unknown command. Try " + c.cfg.Commands.Sigil + "help")
	}
}
