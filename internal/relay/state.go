package relay

import (
	"fmt"

	"github.com/vthunder/meshrelay/internal/logging"
	"github.com/vthunder/meshrelay/internal/types"
)

// StateID names a controller state. Substates are written Parent.Child.
type StateID string

const (
	StateIdle      StateID = "Idle"
	StateRunning   StateID = "Running"
	StateListening StateID = "Running.Listening"
	StateStopped   StateID = "Stopped"
)

// parents gives the fallback chain for event lookup
var parents = map[StateID]StateID{
	StateListening: StateRunning,
}

// EventKind enumerates everything the controller reacts to
type EventKind int

const (
	EvSessionEstablished EventKind = iota
	EvSessionLost
	EvInbound
	EvTick
	EvSendNow
	EvGenerationDone
	EvSendResult
	EvShutdown
)

var eventNames = [...]string{
	EvSessionEstablished: "SessionEstablished",
	EvSessionLost:        "SessionLost",
	EvInbound:            "Inbound",
	EvTick:               "Tick",
	EvSendNow:            "SendNow",
	EvGenerationDone:     "GenerationDone",
	EvSendResult:         "SendResult",
	EvShutdown:           "Shutdown",
}

func (k EventKind) String() string {
	if int(k) < len(eventNames) {
		return eventNames[k]
	}
	return fmt.Sprintf("EventKind(%d)", int(k))
}

// Event is one entry on the controller's queue. Only the fields for its
// kind are set.
type Event struct {
	Kind    EventKind
	Local   types.SenderID        // SessionEstablished
	Reason  string                // SessionLost, Shutdown
	Message *types.InboundMessage // Inbound
	gen     *generation           // GenerationDone
	send    *sendResult           // SendResult
}

type handler func(c *Controller, ev Event)

// transitions is keyed by (state, event kind). Events missing from a
// substate fall through to its parent; events missing everywhere are
// dropped and logged. Built in init to avoid an initialization cycle
// through the handlers.
var transitions map[StateID]map[EventKind]handler

func init() {
	transitions = map[StateID]map[EventKind]handler{
		StateIdle: {
			EvSessionEstablished: (*Controller).onSessionEstablished,
			EvGenerationDone:     (*Controller).onGenerationDone,
			EvSendResult:         (*Controller).onSendResult,
			EvShutdown:           (*Controller).onShutdown,
		},
		StateRunning: {
			EvSessionEstablished: (*Controller).onSessionRefreshed,
			EvSessionLost:        (*Controller).onSessionLost,
			EvTick:               (*Controller).onTick,
			EvSendNow:            (*Controller).onSendNow,
			EvGenerationDone:     (*Controller).onGenerationDone,
			EvSendResult:         (*Controller).onSendResult,
			EvShutdown:           (*Controller).onShutdown,
		},
		StateListening: {
			EvInbound: (*Controller).onInbound,
		},
		StateStopped: {},
	}
}

// lookup walks from state up through its parents
func lookup(state StateID, kind EventKind) (handler, bool) {
	for s, ok := state, true; ok; s, ok = parents[s] {
		if h, found := transitions[s][kind]; found {
			return h, true
		}
	}
	return nil, false
}

// dispatch runs the handler for ev in the current state. Loop goroutine only.
func (c *Controller) dispatch(ev Event) {
	h, ok := lookup(c.state, ev.Kind)
	if !ok {
		logging.Debug("relay", "%s ignored in %s", ev.Kind, c.state)
		if ev.Kind == EvInbound && ev.Message != nil {
			c.hooks.inbound(ev.Message, false)
		}
		return
	}
	h(c, ev)
	c.publish()
}

// setState moves the machine and reports the change
func (c *Controller) setState(to StateID) {
	from := c.state
	if from == to {
		return
	}
	c.state = to
	logging.Debug("relay", "state %s -> %s", from, to)
	c.hooks.stateChange(from, to)
}

// raise queues an internal event ahead of anything still on the channel
func (c *Controller) raise(ev Event) {
	c.raised = append(c.raised, ev)
}
