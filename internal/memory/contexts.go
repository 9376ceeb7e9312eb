package memory

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/vthunder/meshrelay/internal/types"
)

// Contexts maps a sender to the opaque conversation state returned by the
// generator. Blobs are stored and returned verbatim; absence means "start fresh".
type Contexts struct {
	mu         sync.Mutex
	entries    map[types.SenderID]contextEntry
	maxSenders int
	now        func() time.Time
}

type contextEntry struct {
	blob      json.RawMessage
	updatedAt time.Time
}

// NewContexts creates a context store. maxSenders <= 0 means unbounded;
// otherwise the least recently updated sender is evicted when full.
func NewContexts(maxSenders int) *Contexts {
	return &Contexts{
		entries:    make(map[types.SenderID]contextEntry),
		maxSenders: maxSenders,
		now:        time.Now,
	}
}

// Get returns the stored context for sender, or nil
func (c *Contexts) Get(sender types.SenderID) json.RawMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries[sender].blob
}

// Put overwrites the context for sender
func (c *Contexts) Put(sender types.SenderID, blob json.RawMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[sender]; !exists && c.maxSenders > 0 && len(c.entries) >= c.maxSenders {
		c.evictOldest()
	}
	c.entries[sender] = contextEntry{blob: blob, updatedAt: c.now()}
}

func (c *Contexts) evictOldest() {
	var oldest types.SenderID
	var oldestAt time.Time
	first := true
	for id, e := range c.entries {
		if first || e.updatedAt.Before(oldestAt) {
			oldest, oldestAt, first = id, e.updatedAt, false
		}
	}
	delete(c.entries, oldest)
}

// Len returns the number of senders with stored context
func (c *Contexts) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
