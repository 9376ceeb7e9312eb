// Package relay is the pacing controller: a state machine that owns the
// inbound and outbound queues, turns each inbound message into a reply
// (local rule, generator, or fallback text), fragments the reply and feeds
// the fragments to the transport no faster than one per pacing tick.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vthunder/meshrelay/internal/fragment"
	"github.com/vthunder/meshrelay/internal/generator"
	"github.com/vthunder/meshrelay/internal/logging"
	"github.com/vthunder/meshrelay/internal/memory"
	"github.com/vthunder/meshrelay/internal/reflex"
	"github.com/vthunder/meshrelay/internal/transport"
	"github.com/vthunder/meshrelay/internal/types"
)

var (
	ErrInvalidConfig  = errors.New("relay: invalid config")
	ErrNotRunning     = errors.New("relay: not running")
	ErrAlreadyStarted = errors.New("relay: already started")
)

// DefaultFallbackMessage is sent when the generator fails
const DefaultFallbackMessage = "Sorry, I can't answer right now. Please try again later."

// Config tunes the controller
type Config struct {
	NodeID          types.SenderID // overrides the id the transport reports
	PacingInterval  time.Duration
	Model           string
	SystemPrompt    string
	GenerateTimeout time.Duration
	SendTimeout     time.Duration
	FallbackMessage string
	MaxSenders      int // context store cap, 0 = unbounded
	EventBuffer     int
}

func (c Config) withDefaults() Config {
	if c.GenerateTimeout <= 0 {
		c.GenerateTimeout = 60 * time.Second
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 30 * time.Second
	}
	if c.FallbackMessage == "" {
		c.FallbackMessage = DefaultFallbackMessage
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = 256
	}
	return c
}

// Option configures optional collaborators
type Option func(*Controller)

// WithRules answers matching messages locally before the generator
func WithRules(rules *reflex.Engine) Option {
	return func(c *Controller) { c.rules = rules }
}

// WithHooks installs observers
func WithHooks(h Hooks) Option {
	return func(c *Controller) { c.hooks = h }
}

// generation is the outcome of processing one inbound message
type generation struct {
	msg      *types.InboundMessage
	epoch    uint64
	reply    string
	source   types.ReplySource
	rule     string
	done     bool
	context  json.RawMessage
	err      error
	duration time.Duration
}

type genJob struct {
	msg   *types.InboundMessage
	prior json.RawMessage
	epoch uint64
	ctx   context.Context
}

type sendResult struct {
	frag types.OutboundFragment
	err  error
}

// Controller relays messages between a transport and a generator
type Controller struct {
	cfg       Config
	transport transport.Transport
	gen       generator.Generator
	frag      *fragment.Fragmenter
	rules     *reflex.Engine
	hooks     Hooks

	events chan Event
	done   chan struct{}
	start  atomic.Bool
	stop   sync.Once

	genJobs  chan genJob
	sendJobs chan types.OutboundFragment
	workCtx  context.Context

	// owned by the loop goroutine
	state           StateID
	local           types.SenderID
	epoch           uint64
	inbox           *memory.Inbox
	outbox          *memory.Outbox
	contexts        *memory.Contexts
	raised          []Event
	ticker          *time.Ticker
	tickC           <-chan time.Time
	generating      bool
	cancelGen       context.CancelFunc
	sending         bool
	deferredSendNow bool

	snapMu sync.RWMutex
	snap   Snapshot
}

// New creates a controller in the Idle state
func New(cfg Config, t transport.Transport, g generator.Generator, f *fragment.Fragmenter, opts ...Option) (*Controller, error) {
	if cfg.PacingInterval <= 0 {
		return nil, fmt.Errorf("%w: pacing interval must be positive", ErrInvalidConfig)
	}
	if cfg.MaxSenders < 0 {
		return nil, fmt.Errorf("%w: negative max senders", ErrInvalidConfig)
	}
	if t == nil || g == nil || f == nil {
		return nil, fmt.Errorf("%w: transport, generator and fragmenter are required", ErrInvalidConfig)
	}
	cfg = cfg.withDefaults()

	c := &Controller{
		cfg:       cfg,
		transport: t,
		gen:       g,
		frag:      f,
		events:    make(chan Event, cfg.EventBuffer),
		done:      make(chan struct{}),
		genJobs:   make(chan genJob, 1),
		sendJobs:  make(chan types.OutboundFragment, 1),
		state:     StateIdle,
		inbox:     memory.NewInbox(),
		outbox:    memory.NewOutbox(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.publish()
	return c, nil
}

// Run starts the transport and processes events until Shutdown is called or
// ctx is cancelled. It returns once every goroutine it started has exited.
func (c *Controller) Run(ctx context.Context) error {
	if !c.start.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	workCtx, cancel := context.WithCancel(ctx)
	c.workCtx = workCtx

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		c.generateLoop()
	}()
	go func() {
		defer wg.Done()
		c.sendLoop()
	}()

	defer func() {
		cancel()
		close(c.genJobs)
		close(c.sendJobs)
		wg.Wait()
	}()

	logging.Info("relay", "Starting %s transport (pacing %s)", c.transport.Name(), c.cfg.PacingInterval)
	if err := c.transport.Start(workCtx, c); err != nil {
		c.stop.Do(func() { close(c.done) })
		if cerr := c.transport.Close(); cerr != nil {
			logging.Warn("relay", "close after failed start: %v", cerr)
		}
		return fmt.Errorf("start %s transport: %w", c.transport.Name(), err)
	}

	c.loop(ctx)
	return nil
}

func (c *Controller) loop(ctx context.Context) {
	defer c.stop.Do(func() { close(c.done) })

	ctxDone := ctx.Done()
	for c.state != StateStopped {
		if len(c.raised) > 0 {
			ev := c.raised[0]
			c.raised = c.raised[1:]
			c.dispatch(ev)
			continue
		}

		select {
		case ev := <-c.events:
			c.dispatch(ev)
		case <-c.tickC:
			c.dispatch(Event{Kind: EvTick})
		case <-ctxDone:
			ctxDone = nil
			c.dispatch(Event{Kind: EvShutdown, Reason: "context cancelled"})
		}
	}
}

// post hands an event to the loop. It blocks while the queue is full and
// fails once the loop has stopped.
func (c *Controller) post(ev Event) error {
	select {
	case <-c.done:
		return ErrNotRunning
	default:
	}
	select {
	case c.events <- ev:
		return nil
	case <-c.done:
		return ErrNotRunning
	}
}

// SessionEstablished implements transport.EventSink
func (c *Controller) SessionEstablished(local types.SenderID) {
	_ = c.post(Event{Kind: EvSessionEstablished, Local: local})
}

// SessionLost implements transport.EventSink
func (c *Controller) SessionLost(reason string) {
	_ = c.post(Event{Kind: EvSessionLost, Reason: reason})
}

// Inbound implements transport.EventSink
func (c *Controller) Inbound(msg *types.InboundMessage) {
	_ = c.post(Event{Kind: EvInbound, Message: msg})
}

// Tick sends one pacing tick now, in addition to the timer
func (c *Controller) Tick() error {
	return c.post(Event{Kind: EvTick})
}

// Shutdown asks the loop to stop; Run returns once it has
func (c *Controller) Shutdown(reason string) error {
	return c.post(Event{Kind: EvShutdown, Reason: reason})
}

// Done is closed when the event loop has exited
func (c *Controller) Done() <-chan struct{} {
	return c.done
}

// Contexts exposes the conversation store (nil until the first session)
// for inspection. It is safe for concurrent use.
func (c *Controller) Contexts() *memory.Contexts {
	c.snapMu.RLock()
	defer c.snapMu.RUnlock()
	return c.contexts
}

// generateLoop runs one job at a time so replies to a sender keep their order
func (c *Controller) generateLoop() {
	for job := range c.genJobs {
		g := c.produce(job)
		if err := c.post(Event{Kind: EvGenerationDone, gen: g}); err != nil {
			return
		}
	}
}

func (c *Controller) produce(job genJob) *generation {
	g := &generation{msg: job.msg, epoch: job.epoch}

	if c.rules != nil {
		if res, fired := c.rules.Process(job.ctx, job.msg); fired {
			g.reply, g.source, g.rule = res.Reply, types.SourceReflex, res.Rule
			return g
		}
	}

	ctx, cancel := context.WithTimeout(job.ctx, c.cfg.GenerateTimeout)
	defer cancel()

	start := time.Now()
	resp, err := c.gen.Generate(ctx, generator.Request{
		Model:   c.cfg.Model,
		Prompt:  job.msg.Text,
		System:  c.cfg.SystemPrompt,
		Context: job.prior,
	})
	g.duration = time.Since(start)

	if err != nil {
		g.err = err
		g.reply, g.source = c.cfg.FallbackMessage, types.SourceFallback
		return g
	}
	g.reply, g.source = resp.Response, types.SourceGenerator
	g.done, g.context = resp.Done, resp.Context
	return g
}

// sendLoop transmits fragments one at a time
func (c *Controller) sendLoop() {
	for frag := range c.sendJobs {
		ctx, cancel := context.WithTimeout(c.workCtx, c.cfg.SendTimeout)
		err := c.transport.Send(ctx, frag)
		cancel()
		if perr := c.post(Event{Kind: EvSendResult, send: &sendResult{frag: frag, err: err}}); perr != nil {
			return
		}
	}
}
