package relay

import (
	"time"

	"github.com/vthunder/meshrelay/internal/journal"
	"github.com/vthunder/meshrelay/internal/metrics"
	"github.com/vthunder/meshrelay/internal/types"
)

// ReplyEvent describes a reply that was fragmented and queued
type ReplyEvent struct {
	Message   *types.InboundMessage
	Source    types.ReplySource
	Fragments int
	Truncated []string
}

// Hooks observe the controller. Every callback runs on the event loop
// goroutine and must return quickly. Nil callbacks are skipped.
type Hooks struct {
	OnStateChange func(from, to StateID)
	OnSession     func(up bool, detail string)
	OnInbound     func(msg *types.InboundMessage, accepted bool)
	OnReply       func(ev ReplyEvent)
	OnSent        func(frag types.OutboundFragment, err error)
	OnDiscard     func(reason string, inbound, outbound int)
	OnGeneration  func(d time.Duration, err error)
	OnQueues      func(inbound, outbound int)
}

func (h Hooks) stateChange(from, to StateID) {
	if h.OnStateChange != nil {
		h.OnStateChange(from, to)
	}
}

func (h Hooks) session(up bool, detail string) {
	if h.OnSession != nil {
		h.OnSession(up, detail)
	}
}

func (h Hooks) inbound(msg *types.InboundMessage, accepted bool) {
	if h.OnInbound != nil {
		h.OnInbound(msg, accepted)
	}
}

func (h Hooks) reply(msg *types.InboundMessage, source types.ReplySource, fragments int, truncated []string) {
	if h.OnReply != nil {
		h.OnReply(ReplyEvent{Message: msg, Source: source, Fragments: fragments, Truncated: truncated})
	}
}

func (h Hooks) sent(frag types.OutboundFragment, err error) {
	if h.OnSent != nil {
		h.OnSent(frag, err)
	}
}

func (h Hooks) discard(reason string, inbound, outbound int) {
	if h.OnDiscard != nil {
		h.OnDiscard(reason, inbound, outbound)
	}
}

func (h Hooks) generation(d time.Duration, err error) {
	if h.OnGeneration != nil {
		h.OnGeneration(d, err)
	}
}

func (h Hooks) queues(inbound, outbound int) {
	if h.OnQueues != nil {
		h.OnQueues(inbound, outbound)
	}
}

// Combine calls each set of hooks in order
func Combine(all ...Hooks) Hooks {
	return Hooks{
		OnStateChange: func(from, to StateID) {
			for _, h := range all {
				h.stateChange(from, to)
			}
		},
		OnSession: func(up bool, detail string) {
			for _, h := range all {
				h.session(up, detail)
			}
		},
		OnInbound: func(msg *types.InboundMessage, accepted bool) {
			for _, h := range all {
				h.inbound(msg, accepted)
			}
		},
		OnReply: func(ev ReplyEvent) {
			for _, h := range all {
				h.reply(ev.Message, ev.Source, ev.Fragments, ev.Truncated)
			}
		},
		OnSent: func(frag types.OutboundFragment, err error) {
			for _, h := range all {
				h.sent(frag, err)
			}
		},
		OnDiscard: func(reason string, inbound, outbound int) {
			for _, h := range all {
				h.discard(reason, inbound, outbound)
			}
		},
		OnGeneration: func(d time.Duration, err error) {
			for _, h := range all {
				h.generation(d, err)
			}
		},
		OnQueues: func(inbound, outbound int) {
			for _, h := range all {
				h.queues(inbound, outbound)
			}
		},
	}
}

// MetricsHooks feeds the Prometheus collectors
func MetricsHooks(m *metrics.Metrics) Hooks {
	return Hooks{
		OnSession: func(up bool, _ string) { m.Session(up) },
		OnInbound: func(_ *types.InboundMessage, accepted bool) {
			if accepted {
				m.InboundAccepted()
			} else {
				m.InboundIgnored()
			}
		},
		OnReply: func(ev ReplyEvent) {
			m.Reply(string(ev.Source))
			m.Truncated(len(ev.Truncated))
		},
		OnSent:       func(_ types.OutboundFragment, err error) { m.FragmentSent(err) },
		OnDiscard:    func(_ string, _ int, outbound int) { m.FragmentsDiscarded(outbound) },
		OnGeneration: m.Generation,
		OnQueues:     m.Queues,
	}
}

// JournalHooks records delivery events through w, which writes on its own
// goroutine; the event loop never waits on the database.
func JournalHooks(w *journal.Writer) Hooks {
	return Hooks{
		OnSession: func(up bool, detail string) {
			state := "down"
			if up {
				state = "up"
			}
			w.LogSession(state + ": " + detail)
		},
		OnInbound: func(msg *types.InboundMessage, accepted bool) {
			if accepted {
				w.LogInbound(msg)
			} else {
				w.LogIgnored(msg)
			}
		},
		OnReply: func(ev ReplyEvent) {
			w.LogReply(ev.Message.Sender, ev.Message.Correlation, ev.Source, ev.Fragments)
			w.LogTruncated(ev.Message.Sender, ev.Message.Correlation, ev.Truncated)
		},
		OnSent: func(frag types.OutboundFragment, err error) {
			w.LogFragment(frag, err)
		},
		OnDiscard: func(reason string, _ int, outbound int) {
			w.LogDiscarded(reason, outbound)
		},
	}
}
