package sync

import (
	"container/list"
	"sync"

	"daygraph-backend/domain/events"
)

// ackCache remembers the ack produced for each processed event id so a
// replayed event (reconnect, at-least-once delivery) is answered with the
// original outcome instead of being applied twice.
type ackCache struct {
	mu      sync.Mutex
	max     int
	order   *list.List               // event ids, oldest first
	entries map[string]*cacheEntry
}

type cacheEntry struct {
	ack  *events.Envelope
	elem *list.Element
}

func newAckCache(max int) *ackCache {
	return &ackCache{
		max:     max,
		order:   list.New(),
		entries: make(map[string]*cacheEntry),
	}
}

// Get returns the cached ack for an event id, if any.
func (c *ackCache) Get(eventID string) (*events.Envelope, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[eventID]
	if !ok {
		return nil, false
	}
	return entry.ack, true
}

// Put records the ack for an event id, evicting the oldest entry past
// capacity.
func (c *ackCache) Put(eventID string, ack *events.Envelope) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if entry, ok := c.entries[eventID]; ok {
		entry.ack = ack
		return
	}
	elem := c.order.PushBack(eventID)
	c.entries[eventID] = &cacheEntry{ack: ack, elem: elem}
	for c.max > 0 && c.order.Len() > c.max {
		oldest := c.order.Front()
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(string))
	}
}
