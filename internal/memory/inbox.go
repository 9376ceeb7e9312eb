package memory

import (
	"sync"

	"github.com/vthunder/meshrelay/internal/types"
)

// Inbox is the FIFO of received messages waiting for a reply (in-memory only)
type Inbox struct {
	mu       sync.Mutex
	messages []*types.InboundMessage
}

// NewInbox creates a new inbox
func NewInbox() *Inbox {
	return &Inbox{}
}

// Add queues a message at the tail
func (i *Inbox) Add(msg *types.InboundMessage) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.messages = append(i.messages, msg)
}

// Pop removes and returns the oldest message, or nil when empty
func (i *Inbox) Pop() *types.InboundMessage {
	i.mu.Lock()
	defer i.mu.Unlock()

	if len(i.messages) == 0 {
		return nil
	}
	msg := i.messages[0]
	i.messages[0] = nil
	i.messages = i.messages[1:]
	return msg
}

// Len returns the number of queued messages
func (i *Inbox) Len() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.messages)
}

// Discard empties the inbox and returns how many messages were dropped
func (i *Inbox) Discard() int {
	i.mu.Lock()
	defer i.mu.Unlock()

	n := len(i.messages)
	i.messages = nil
	return n
}
