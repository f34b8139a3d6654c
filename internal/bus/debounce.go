package bus

import (
	"strings"
	"sync"
	"time"
)

// FlushFunc receives a merged envelope when a debounce window closes.
type FlushFunc func(Envelope)

// WindowFunc resolves the debounce window for a channel (0 = use default).
type WindowFunc func(channel string) time.Duration

// InboundDebouncer coalesces text-only bursts from the same sender on the
// same conversation. Media and command messages flush pending text first,
// then bypass the debounce entirely.
type InboundDebouncer struct {
	mu      sync.Mutex
	window  time.Duration
	perChan WindowFunc
	flush   FlushFunc
	sigil   string
	pending map[string]*debounceSlot
	stopped bool
}

type debounceSlot struct {
	envs  []Envelope
	timer *time.Timer
}

// NewInboundDebouncer creates a debouncer with a global default window.
// perChan may be nil.
func NewInboundDebouncer(window time.Duration, sigil string, perChan WindowFunc, flush FlushFunc) *InboundDebouncer {
	if window <= 0 {
		window = 2 * time.Second
	}
	if sigil == "" {
		sigil = "/"
	}
	return &InboundDebouncer{
		window:  window,
		perChan: perChan,
		flush:   flush,
		sigil:   sigil,
		pending: make(map[string]*debounceSlot),
	}
}

func (d *InboundDebouncer) slotKey(env Envelope) string {
	return env.Channel + "|" + string(env.Peer.Kind) + ":" + env.Peer.ID + "|" + env.SenderID
}

func (d *InboundDebouncer) windowFor(channel string) time.Duration {
	if d.perChan != nil {
		if w := d.perChan(channel); w > 0 {
			return w
		}
	}
	return d.window
}

// bypassesDebounce reports whether the envelope must flush immediately:
// attachments and command-sigil messages are never merged.
func (d *InboundDebouncer) bypassesDebounce(env Envelope) bool {
	if len(env.Attachments) > 0 {
		return true
	}
	return strings.HasPrefix(strings.TrimSpace(env.Body), d.sigil)
}

// Push adds an envelope to its burst, starting or extending the window.
// Bypassing envelopes flush any pending burst for the slot first, then are
// delivered on their own.
func (d *InboundDebouncer) Push(env Envelope) {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}

	key := d.slotKey(env)

	if d.bypassesDebounce(env) {
		slot := d.pending[key]
		delete(d.pending, key)
		if slot != nil {
			slot.timer.Stop()
		}
		d.mu.Unlock()
		if slot != nil {
			d.flush(mergeEnvelopes(slot.envs))
		}
		d.flush(env)
		return
	}

	if slot, ok := d.pending[key]; ok {
		slot.envs = append(slot.envs, env)
		slot.timer.Reset(d.windowFor(env.Channel))
		d.mu.Unlock()
		return
	}

	slot := &debounceSlot{envs: []Envelope{env}}
	slot.timer = time.AfterFunc(d.windowFor(env.Channel), func() {
		d.fire(key)
	})
	d.pending[key] = slot
	d.mu.Unlock()
}

func (d *InboundDebouncer) fire(key string) {
	d.mu.Lock()
	slot, ok := d.pending[key]
	delete(d.pending, key)
	d.mu.Unlock()
	if !ok || len(slot.envs) == 0 {
		return
	}
	d.flush(mergeEnvelopes(slot.envs))
}

// Stop flushes all pending bursts and stops timers.
func (d *InboundDebouncer) Stop() {
	d.mu.Lock()
	d.stopped = true
	slots := make([]*debounceSlot, 0, len(d.pending))
	for _, slot := range d.pending {
		slot.timer.Stop()
		slots = append(slots, slot)
	}
	d.pending = make(map[string]*debounceSlot)
	d.mu.Unlock()

	for _, slot := range slots {
		if len(slot.envs) > 0 {
			d.flush(mergeEnvelopes(slot.envs))
		}
	}
}

// mergeEnvelopes folds a burst into one envelope: bodies joined in arrival
// order, reply context taken from the latest message.
func mergeEnvelopes(envs []Envelope) Envelope {
	if len(envs) == 1 {
		return envs[0]
	}
	last := envs[len(envs)-1]
	merged := last
	bodies := make([]string, 0, len(envs))
	for _, e := range envs {
		if e.Body != "" {
			bodies = append(bodies, e.Body)
		}
	}
	merged.Body = strings.Join(bodies, "\n")
	merged.Timestamp = envs[0].Timestamp
	return merged
}
