// Package transport connects the relay to a message network. Every adapter
// reports session changes and inbound text to an EventSink and delivers one
// fragment per Send call.
package transport

import (
	"context"
	"errors"

	"github.com/vthunder/meshrelay/internal/types"
)

var (
	ErrClosed     = errors.New("transport: closed")
	ErrNotStarted = errors.New("transport: not started")
)

// EventSink receives transport events. Implementations must not block.
type EventSink interface {
	SessionEstablished(local types.SenderID)
	SessionLost(reason string)
	Inbound(msg *types.InboundMessage)
}

// Transport is the network side of the relay
type Transport interface {
	// Name identifies the adapter in logs
	Name() string
	// Start connects and begins delivering events to sink. It returns once
	// the adapter is running; events may arrive before it returns.
	Start(ctx context.Context, sink EventSink) error
	// Send delivers one fragment to its destination
	Send(ctx context.Context, frag types.OutboundFragment) error
	// Close tears the session down. Safe to call more than once.
	Close() error
}
