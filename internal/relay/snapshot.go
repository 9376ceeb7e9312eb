package relay

import "github.com/vthunder/meshrelay/internal/types"

// Snapshot is a point-in-time view of the controller for status pages
type Snapshot struct {
	State         StateID        `json:"state"`
	LocalNode     types.SenderID `json:"local_node,omitempty"`
	Sessions      uint64         `json:"sessions"`
	InboundDepth  int            `json:"inbound_depth"`
	OutboundDepth int            `json:"outbound_depth"`
	Generating    bool           `json:"generating"`
	Sending       bool           `json:"sending"`
	Conversations int            `json:"conversations"`
}

// publish refreshes the snapshot after each event. Loop goroutine only.
func (c *Controller) publish() {
	snap := Snapshot{
		State:         c.state,
		LocalNode:     c.local,
		Sessions:      c.epoch,
		InboundDepth:  c.inbox.Len(),
		OutboundDepth: c.outbox.Len(),
		Generating:    c.generating,
		Sending:       c.sending,
	}
	if c.contexts != nil {
		snap.Conversations = c.contexts.Len()
	}

	c.snapMu.Lock()
	c.snap = snap
	c.snapMu.Unlock()

	c.hooks.queues(snap.InboundDepth, snap.OutboundDepth)
}

// Snapshot returns the state as of the last processed event
func (c *Controller) Snapshot() Snapshot {
	c.snapMu.RLock()
	defer c.snapMu.RUnlock()
	return c.snap
}
