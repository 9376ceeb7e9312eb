package types

import (
	"fmt"
	"time"
)

// SenderID identifies a node or user on the transport (e.g. "!a1b2c3d4").
type SenderID string

// RadioMeta is link information attached to an inbound packet.
// Transports without RF statistics leave it zero.
type RadioMeta struct {
	SNR      float64 `json:"rx_snr,omitempty"`
	RSSI     int     `json:"rx_rssi,omitempty"`
	HopStart int     `json:"hop_start,omitempty"`
	HopLimit int     `json:"hop_limit,omitempty"`
}

// Hops returns the number of intermediate nodes the packet went through (0 = heard directly)
func (r RadioMeta) Hops() int {
	if r.HopStart <= r.HopLimit {
		return 0
	}
	return r.HopStart - r.HopLimit
}

// InboundMessage is a text message received from the transport.
// It is consumed exactly once and never mutated after creation.
type InboundMessage struct {
	Sender      SenderID  `json:"from"`
	To          SenderID  `json:"to"`
	Text        string    `json:"text"`
	Correlation string    `json:"id"`
	ReceivedAt  time.Time `json:"received_at"`
	Radio       RadioMeta `json:"radio"`
}

// OutboundFragment is one transport-sized piece of a reply.
// Index is 1-based; Total is the size of the fragment group.
type OutboundFragment struct {
	Destination SenderID `json:"to"`
	Payload     string   `json:"text"`
	Correlation string   `json:"id"`
	Index       int      `json:"index"`
	Total       int      `json:"total"`
}

// First reports whether this is the first fragment of its group
func (f OutboundFragment) First() bool {
	return f.Index == 1
}

func (f OutboundFragment) String() string {
	return fmt.Sprintf("%s %d/%d (%d bytes)", f.Destination, f.Index, f.Total, len(f.Payload))
}

// ReplySource records where a reply came from
type ReplySource string

const (
	SourceGenerator ReplySource = "generator" // external text generator
	SourceFallback  ReplySource = "fallback"  // generator failed, static apology used
	SourceReflex    ReplySource = "reflex"    // answered by a local rule
)
