package channels

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/time/rate"

	"github.com/botgatehq/botgate/internal/bus"
	"github.com/botgatehq/botgate/internal/config"
	"github.com/botgatehq/botgate/internal/markdown"
	"github.com/botgatehq/botgate/internal/retry"
)

// Manager owns the registered channels and the outbound pipeline. Each
// channel gets its own dispatch worker so one slow transport cannot stall
// the rest; within a channel, sends stay in publish order.
type Manager struct {
	cfg   *config.Config
	bus   *bus.MessageBus
	retry *retry.Engine
	log   *slog.Logger

	mu       sync.Mutex
	channels map[string]Channel
	limiters map[string]*rate.Limiter
	workers  map[string]chan bus.OutboundMessage

	wg      sync.WaitGroup
	baseCtx context.Context
}

// NewManager creates a channel manager.
func NewManager(cfg *config.Config, mb *bus.MessageBus, re *retry.Engine, log *slog.Logger) *Manager {
	return &Manager{
		cfg:      cfg,
		bus:      mb,
		retry:    re,
		log:      log.With("component", "channels"),
		channels: make(map[string]Channel),
		limiters: make(map[string]*rate.Limiter),
		workers:  make(map[string]chan bus.OutboundMessage),
	}
}

// Register adds a channel. Must happen before Run.
func (m *Manager) Register(ch Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels[ch.Name()] = ch
}

// Unregister removes a channel and drains its dispatch worker. The channel
// itself is not stopped; callers own its lifecycle.
func (m *Manager) Unregister(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.channels, name)
	delete(m.limiters, name)
	if w, ok := m.workers[name]; ok {
		close(w)
		delete(m.workers, name)
	}
}

// Channels returns the registered channel names.
func (m *Manager) Channels() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.channels))
	for name := range m.channels {
		names = append(names, name)
	}
	return names
}

// StartAll starts every registered channel.
func (m *Manager) StartAll(ctx context.Context) error {
	m.mu.Lock()
	chs := make([]Channel, 0, len(m.channels))
	for _, ch := range m.channels {
		chs = append(chs, ch)
	}
	m.mu.Unlock()

	for _, ch := range chs {
		if err := ch.Start(ctx); err != nil {
			return fmt.Errorf("start channel %s: %w", ch.Name(), err)
		}
		m.log.Info("channel started", "channel", ch.Name())
	}
	return nil
}

// StopAll stops every channel and waits for dispatch workers to drain.
func (m *Manager) StopAll(ctx context.Context) {
	m.mu.Lock()
	for _, w := range m.workers {
		close(w)
	}
	m.workers = make(map[string]chan bus.OutboundMessage)
	chs := make([]Channel, 0, len(m.channels))
	for _, ch := range m.channels {
		chs = append(chs, ch)
	}
	m.mu.Unlock()

	m.wg.Wait()
	for _, ch := range chs {
		if err := ch.Stop(ctx); err != nil {
			m.log.Warn("channel stop failed", "channel", ch.Name(), "error", err)
		}
	}
}

// Run consumes the outbound bus until ctx ends, fanning messages out to
// per-channel workers.
func (m *Manager) Run(ctx context.Context) {
	m.baseCtx = ctx
	for {
		msg, ok := m.bus.ConsumeOutbound(ctx)
		if !ok {
			return
		}
		m.dispatch(ctx, msg)
	}
}

func (m *Manager) dispatch(ctx context.Context, msg bus.OutboundMessage) {
	m.mu.Lock()
	if _, ok := m.channels[msg.Channel]; !ok {
		m.mu.Unlock()
		m.log.Warn("outbound for unknown channel dropped", "channel", msg.Channel)
		return
	}
	w, ok := m.workers[msg.Channel]
	if !ok {
		w = make(chan bus.OutboundMessage, 64)
		m.workers[msg.Channel] = w
		m.wg.Add(1)
		go m.sendLoop(ctx, msg.Channel, w)
	}
	m.mu.Unlock()

	select {
	case w <- msg:
	case <-ctx.Done():
	}
}

func (m *Manager) sendLoop(ctx context.Context, name string, w <-chan bus.OutboundMessage) {
	defer m.wg.Done()
	for msg := range w {
		if err := m.sendShaped(ctx, msg); err != nil {
			m.log.Error("outbound send failed", "channel", name, "error", err)
		}
	}
}

// Deliver queues an outbound message; the agent runner's sink.
func (m *Manager) Deliver(msg bus.OutboundMessage) {
	m.bus.PublishOutbound(msg)
}

// Typing forwards a typing signal to channels that support it.
func (m *Manager) Typing(channel string, peer bus.Peer, active bool) {
	m.mu.Lock()
	ch := m.channels[channel]
	m.mu.Unlock()
	ta, ok := ch.(TypingAware)
	if !ok {
		return
	}
	ctx := m.baseCtx
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ta.Typing(ctx, peer, active); err != nil {
		m.log.Debug("typing signal failed", "channel", channel, "error", err)
	}
}

// sendShaped runs the outbound pipeline for one message: markdown → IR →
// chunk-sized IRs → per-channel flavor → rate-limited, retried sends.
// Chunking happens on the IR, so styles never straddle a chunk boundary
// and the renderer reopens them inside each chunk. A transport that
// rejects the markup gets one plain-text re-send per chunk.
func (m *Manager) sendShaped(ctx context.Context, msg bus.OutboundMessage) error {
	m.mu.Lock()
	ch, ok := m.channels[msg.Channel]
	m.mu.Unlock()
	if !ok {
		return ErrUnknownChannel
	}

	chCfg := m.cfg.ChannelFor(msg.Channel)
	ir := markdown.Parse(msg.Text, chCfg.ParseTables)
	chunks := markdown.SplitIR(ir, markdown.ChunkOptions{
		Limit: chCfg.TextChunkLimit,
		Mode:  chCfg.ChunkMode,
	})

	limiter := m.limiter(msg.Channel, chCfg)

	for i, cir := range chunks {
		if cir.Text == "" && len(msg.Attachments) == 0 {
			continue
		}
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return err
			}
		}

		out := msg
		out.Text = markdown.Render(cir, chCfg.Markdown)
		out.Final = msg.Final && i == len(chunks)-1
		if i > 0 {
			out.Attachments = nil
			out.ReplyToID = ""
		}

		err := m.retry.Do(ctx, func() error {
			return ch.Send(ctx, out)
		})
		if isMarkupError(err) {
			plain := out
			plain.Text = markdown.RenderPlain(cir)
			m.log.Warn("markup rejected, resending plain", "channel", msg.Channel)
			err = m.retry.Do(ctx, func() error {
				return ch.Send(ctx, plain)
			})
		}
		if err != nil {
			return fmt.Errorf("send chunk %d/%d: %w", i+1, len(chunks), err)
		}
	}
	return nil
}

func (m *Manager) limiter(channel string, chCfg config.ChannelConfig) *rate.Limiter {
	if chCfg.RateLimitRPM <= 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.limiters[channel]
	if !ok {
		l = rate.NewLimiter(rate.Limit(float64(chCfg.RateLimitRPM)/60.0), 1)
		m.limiters[channel] = l
	}
	return l
}
