package relay

import (
	"context"
	"errors"
	"time"

	"github.com/vthunder/meshrelay/internal/fragment"
	"github.com/vthunder/meshrelay/internal/logging"
	"github.com/vthunder/meshrelay/internal/memory"
	"github.com/vthunder/meshrelay/internal/types"
)

// Idle --SessionEstablished--> Running.Listening
func (c *Controller) onSessionEstablished(ev Event) {
	c.local = ev.Local
	if c.cfg.NodeID != "" {
		c.local = c.cfg.NodeID
	}
	c.epoch++

	if c.contexts == nil {
		c.snapMu.Lock()
		c.contexts = memory.NewContexts(c.cfg.MaxSenders)
		c.snapMu.Unlock()
	}

	c.ticker = time.NewTicker(c.cfg.PacingInterval)
	c.tickC = c.ticker.C

	logging.Info("relay", "Session established as %s", c.local)
	c.hooks.session(true, string(c.local))
	c.setState(StateListening)
}

// A transport may announce the session again (e.g. after a gateway resume)
func (c *Controller) onSessionRefreshed(ev Event) {
	if c.cfg.NodeID == "" && ev.Local != "" && ev.Local != c.local {
		logging.Info("relay", "Local node changed %s -> %s", c.local, ev.Local)
		c.local = ev.Local
	}
}

// Running --SessionLost--> Idle
func (c *Controller) onSessionLost(ev Event) {
	c.disarm()
	c.cancelGeneration()
	c.discard("session lost: " + ev.Reason)

	logging.Warn("relay", "Session lost: %s", ev.Reason)
	c.hooks.session(false, ev.Reason)
	c.setState(StateIdle)
}

// any --Shutdown--> Stopped
func (c *Controller) onShutdown(ev Event) {
	c.disarm()
	c.cancelGeneration()
	if err := c.transport.Close(); err != nil {
		logging.Warn("relay", "Closing %s transport: %v", c.transport.Name(), err)
	}
	reason := ev.Reason
	if reason == "" {
		reason = "shutdown"
	}
	c.discard(reason)

	logging.Info("relay", "Stopped (%s)", reason)
	if c.state != StateIdle {
		c.hooks.session(false, reason)
	}
	c.setState(StateStopped)
}

// Running.Listening --Inbound-->
func (c *Controller) onInbound(ev Event) {
	msg := ev.Message
	if msg == nil {
		return
	}
	if msg.To != c.local {
		logging.Debug("relay", "Ignoring message from %s to %s", msg.Sender, msg.To)
		c.hooks.inbound(msg, false)
		return
	}

	logging.Info("relay", "Inbound from %s: %s", msg.Sender, logging.Truncate(msg.Text, 60))
	c.inbox.Add(msg)
	c.hooks.inbound(msg, true)
	c.processNext()
}

// processNext hands the oldest inbound message to the generator worker
// unless a generation is already in flight.
func (c *Controller) processNext() {
	if c.generating {
		return
	}
	msg := c.inbox.Pop()
	if msg == nil {
		return
	}

	ctx, cancel := context.WithCancel(c.workContext())
	c.generating = true
	c.cancelGen = cancel
	c.genJobs <- genJob{
		msg:   msg,
		prior: c.contexts.Get(msg.Sender),
		epoch: c.epoch,
		ctx:   ctx,
	}
}

func (c *Controller) workContext() context.Context {
	if c.workCtx != nil {
		return c.workCtx
	}
	return context.Background()
}

func (c *Controller) onGenerationDone(ev Event) {
	g := ev.gen
	c.generating = false
	if c.cancelGen != nil {
		c.cancelGen()
		c.cancelGen = nil
	}

	if g.source != types.SourceReflex {
		c.hooks.generation(g.duration, g.err)
	}

	if g.epoch != c.epoch || c.state == StateIdle {
		logging.Info("relay", "Discarding reply to %s from an ended session", g.msg.Sender)
		// the new session may have queued messages behind this generation
		if c.state == StateListening {
			c.processNext()
		}
		return
	}

	switch {
	case g.err != nil:
		logging.Warn("relay", "Generator failed for %s: %v", g.msg.Sender, g.err)
	case g.source == types.SourceReflex:
		logging.Debug("relay", "Rule %s answered %s", g.rule, g.msg.Sender)
	case g.done:
		c.contexts.Put(g.msg.Sender, g.context)
	default:
		logging.Debug("relay", "Reply to %s not marked done, context kept", g.msg.Sender)
	}

	c.enqueueReply(g.msg, g.reply, g.source)
	c.processNext()
}

// enqueueReply fragments a reply and queues it as one group
func (c *Controller) enqueueReply(msg *types.InboundMessage, reply string, source types.ReplySource) {
	res, err := c.frag.Split(reply)
	if errors.Is(err, fragment.ErrTooLong) && source != types.SourceFallback {
		logging.Error("relay", "Reply to %s too long to fragment, sending fallback", msg.Sender)
		source = types.SourceFallback
		res, err = c.frag.Split(c.cfg.FallbackMessage)
	}
	if err != nil {
		logging.Error("relay", "Fragmenting reply to %s: %v", msg.Sender, err)
		return
	}
	if len(res.Fragments) == 0 {
		logging.Info("relay", "Empty reply to %s, nothing to send", msg.Sender)
		return
	}

	group := make([]types.OutboundFragment, len(res.Fragments))
	for i, payload := range res.Fragments {
		group[i] = types.OutboundFragment{
			Destination: msg.Sender,
			Payload:     payload,
			Correlation: msg.Correlation,
			Index:       i + 1,
			Total:       len(res.Fragments),
		}
	}

	wasEmpty := c.outbox.AddGroup(group)
	logging.Info("relay", "Queued %d fragment(s) for %s (%s)", len(group), msg.Sender, source)
	c.hooks.reply(msg, source, len(group), res.Truncated)

	if wasEmpty {
		c.raise(Event{Kind: EvSendNow})
	}
}

// Running --Tick--> hand one fragment to the sender
func (c *Controller) onTick(Event) {
	frag, ok := c.outbox.Pop()
	if !ok {
		return
	}
	c.handOff(frag)
}

// Running --SendNow--> first fragment of a new group goes out without waiting
func (c *Controller) onSendNow(Event) {
	if c.outbox.Len() == 0 {
		return
	}
	if c.sending {
		c.deferredSendNow = true
		return
	}
	frag, _ := c.outbox.Pop()
	if c.handOff(frag) && c.ticker != nil {
		// the next fragment waits a full interval after this one
		c.ticker.Reset(c.cfg.PacingInterval)
	}
}

// handOff gives the sender one fragment; a busy sender puts it back at the head
func (c *Controller) handOff(frag types.OutboundFragment) bool {
	if c.sending {
		c.outbox.PushFront(frag)
		return false
	}
	c.sending = true
	c.sendJobs <- frag
	return true
}

func (c *Controller) onSendResult(ev Event) {
	res := ev.send
	c.sending = false

	if res.err != nil {
		logging.Warn("relay", "Send %s failed, dropping it: %v", res.frag, res.err)
	} else {
		logging.Debug("relay", "Sent %s", res.frag)
	}
	c.hooks.sent(res.frag, res.err)

	if c.deferredSendNow {
		c.deferredSendNow = false
		if head, ok := c.outbox.Peek(); ok && head.First() && c.state != StateIdle {
			c.raise(Event{Kind: EvSendNow})
		}
	}
}

func (c *Controller) disarm() {
	if c.ticker != nil {
		c.ticker.Stop()
		c.ticker = nil
	}
	c.tickC = nil
	c.deferredSendNow = false
}

func (c *Controller) cancelGeneration() {
	if c.cancelGen != nil {
		c.cancelGen()
	}
}

func (c *Controller) discard(reason string) {
	inbound := c.inbox.Discard()
	outbound := c.outbox.Discard()
	if inbound > 0 || outbound > 0 {
		logging.Warn("relay", "Discarded %d inbound message(s) and %d fragment(s): %s", inbound, outbound, reason)
	}
	c.hooks.discard(reason, inbound, outbound)
}
