package markdown

import (
	"strings"
	"sync"
	"time"
)

// EmitFunc receives a coalesced block. final marks the last block of the
// message.
type EmitFunc func(text string, final bool)

// Coalescer batches streamed deltas into readable blocks. A block is
// emitted when the buffer crosses maxChars (cut at a natural break), or
// when the stream goes idle with at least minChars buffered. Finish flushes
// whatever remains, below the floor or not.
type Coalescer struct {
	mu     sync.Mutex
	idle   time.Duration
	min    int
	max    int
	emit   EmitFunc
	buf    strings.Builder
	timer  *time.Timer
	closed bool
}

// NewCoalescer creates a coalescer. Zero values get defaults: 800ms idle,
// 200 min chars, 3000 max chars.
func NewCoalescer(idle time.Duration, minChars, maxChars int, emit EmitFunc) *Coalescer {
	if idle <= 0 {
		idle = 800 * time.Millisecond
	}
	if minChars <= 0 {
		minChars = 200
	}
	if maxChars <= 0 {
		maxChars = 3000
	}
	if maxChars < minChars {
		maxChars = minChars
	}
	return &Coalescer{idle: idle, min: minChars, max: maxChars, emit: emit}
}

// Add appends a streamed delta, emitting full blocks as the buffer fills.
func (c *Coalescer) Add(delta string) {
	if delta == "" {
		return
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.buf.WriteString(delta)

	var out []string
	for UTF16Len(c.buf.String()) >= c.max {
		text := c.buf.String()
		head := takeUTF16(text, c.max)
		cut := naturalBreak(head)
		if cut == 0 {
			cut = len(head)
		}
		out = append(out, strings.TrimRight(text[:cut], " \n"))
		c.buf.Reset()
		c.buf.WriteString(strings.TrimLeft(text[cut:], "\n"))
	}

	if c.timer == nil {
		c.timer = time.AfterFunc(c.idle, c.onIdle)
	} else {
		c.timer.Reset(c.idle)
	}
	c.mu.Unlock()

	for _, block := range out {
		if block != "" {
			c.emit(block, false)
		}
	}
}

// onIdle flushes the buffer when the stream pauses, but only once enough
// has accumulated to be worth a message.
func (c *Coalescer) onIdle() {
	c.mu.Lock()
	if c.closed || UTF16Len(c.buf.String()) < c.min {
		c.mu.Unlock()
		return
	}
	block := strings.TrimRight(c.buf.String(), " \n")
	c.buf.Reset()
	c.mu.Unlock()

	if block != "" {
		c.emit(block, false)
	}
}

// Finish flushes the remainder as the final block and stops the coalescer.
// Always emits exactly one final block, empty text included, so downstream
// senders can observe end-of-message.
func (c *Coalescer) Finish() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	if c.timer != nil {
		c.timer.Stop()
	}
	block := strings.TrimRight(c.buf.String(), " \n")
	c.buf.Reset()
	c.mu.Unlock()

	c.emit(block, true)
}

// Abort stops the coalescer and drops whatever is buffered, emitting
// nothing. Used when a run fails mid-stream.
func (c *Coalescer) Abort() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	if c.timer != nil {
		c.timer.Stop()
	}
	c.buf.Reset()
}
