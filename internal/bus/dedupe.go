package bus

import (
	"container/list"
	"fmt"
	"sync"
	"time"
)

// DedupeCache is a short-TTL set with LRU eviction, keyed by
// (channel, accountId, peer, messageId). Webhook retries and flapping
// transports deliver the same message twice; the second sighting is dropped.
type DedupeCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	max     int
	entries map[string]*list.Element
	order   *list.List // front = most recent
	now     func() time.Time
}

type dedupeEntry struct {
	key  string
	seen time.Time
}

// NewDedupeCache creates a cache with the given TTL and size cap.
func NewDedupeCache(ttl time.Duration, max int) *DedupeCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if max <= 0 {
		max = 5000
	}
	return &DedupeCache{
		ttl:     ttl,
		max:     max,
		entries: make(map[string]*list.Element),
		order:   list.New(),
		now:     time.Now,
	}
}

// DedupeKey builds the canonical dedup key for an envelope.
func DedupeKey(env Envelope) string {
	return fmt.Sprintf("%s|%s|%s:%s|%s", env.Channel, env.AccountID, env.Peer.Kind, env.Peer.ID, env.MessageID)
}

// IsDuplicate records the key and reports whether it was already present
// within the TTL.
func (c *DedupeCache) IsDuplicate(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()

	if el, ok := c.entries[key]; ok {
		ent := el.Value.(*dedupeEntry)
		if now.Sub(ent.seen) < c.ttl {
			ent.seen = now
			c.order.MoveToFront(el)
			return true
		}
		// Expired: treat as a fresh sighting.
		ent.seen = now
		c.order.MoveToFront(el)
		return false
	}

	el := c.order.PushFront(&dedupeEntry{key: key, seen: now})
	c.entries[key] = el

	for len(c.entries) > c.max {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*dedupeEntry).key)
	}
	return false
}

// Len returns the current entry count.
func (c *DedupeCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
