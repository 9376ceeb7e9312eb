package memory

import (
	"sync"

	"github.com/vthunder/meshrelay/internal/types"
)

// Outbox is the FIFO of fragments awaiting transmission.
// A reply's fragments are added as one group so nothing else can land between them.
type Outbox struct {
	mu        sync.Mutex
	fragments []types.OutboundFragment
}

// NewOutbox creates a new outbox
func NewOutbox() *Outbox {
	return &Outbox{}
}

// AddGroup appends all fragments of one reply, preserving their order.
// It reports whether the outbox was empty beforehand.
func (o *Outbox) AddGroup(group []types.OutboundFragment) (wasEmpty bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	wasEmpty = len(o.fragments) == 0
	o.fragments = append(o.fragments, group...)
	return wasEmpty
}

// Pop removes and returns the head fragment
func (o *Outbox) Pop() (types.OutboundFragment, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if len(o.fragments) == 0 {
		return types.OutboundFragment{}, false
	}
	f := o.fragments[0]
	o.fragments = o.fragments[1:]
	return f, true
}

// Peek returns the head fragment without removing it
func (o *Outbox) Peek() (types.OutboundFragment, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if len(o.fragments) == 0 {
		return types.OutboundFragment{}, false
	}
	return o.fragments[0], true
}

// PushFront puts a fragment back at the head (used when the sender is busy)
func (o *Outbox) PushFront(f types.OutboundFragment) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.fragments = append([]types.OutboundFragment{f}, o.fragments...)
}

// Len returns the number of queued fragments
func (o *Outbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.fragments)
}

// Pending returns a copy of the queued fragments in transmission order
func (o *Outbox) Pending() []types.OutboundFragment {
	o.mu.Lock()
	defer o.mu.Unlock()

	out := make([]types.OutboundFragment, len(o.fragments))
	copy(out, o.fragments)
	return out
}

// Discard empties the outbox and returns how many fragments were dropped
func (o *Outbox) Discard() int {
	o.mu.Lock()
	defer o.mu.Unlock()

	n := len(o.fragments)
	o.fragments = nil
	return n
}
