package relay

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vthunder/meshrelay/internal/fragment"
	"github.com/vthunder/meshrelay/internal/generator"
	"github.com/vthunder/meshrelay/internal/transport"
	"github.com/vthunder/meshrelay/internal/types"
)

const (
	localNode types.SenderID = "!cafe0001"
	alice     types.SenderID = "!a1b2c3d4"
	bob       types.SenderID = "!b0b0b0b0"
)

type fakeTransport struct {
	mu     sync.Mutex
	sink   transport.EventSink
	sent   []types.OutboundFragment
	fail   func(types.OutboundFragment) error
	closed int
}

func (f *fakeTransport) Name() string { return "fake" }

func (f *fakeTransport) Start(ctx context.Context, sink transport.EventSink) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sink = sink
	return nil
}

func (f *fakeTransport) Send(ctx context.Context, frag types.OutboundFragment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		if err := f.fail(frag); err != nil {
			return err
		}
	}
	f.sent = append(f.sent, frag)
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return nil
}

func (f *fakeTransport) closeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

type fakeGenerator struct {
	mu       sync.Mutex
	requests []generator.Request
	respond  func(ctx context.Context, req generator.Request) (generator.Response, error)
}

func (g *fakeGenerator) Generate(ctx context.Context, req generator.Request) (generator.Response, error) {
	g.mu.Lock()
	g.requests = append(g.requests, req)
	g.mu.Unlock()
	return g.respond(ctx, req)
}

func (g *fakeGenerator) calls() []generator.Request {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]generator.Request(nil), g.requests...)
}

// replyWith answers every prompt with the same text
func replyWith(text string) func(context.Context, generator.Request) (generator.Response, error) {
	return func(context.Context, generator.Request) (generator.Response, error) {
		return generator.Response{Done: true, Response: text}, nil
	}
}

type sentEvent struct {
	frag types.OutboundFragment
	err  error
}

type discardEvent struct {
	reason            string
	inbound, outbound int
}

type harness struct {
	t        *testing.T
	c        *Controller
	tr       *fakeTransport
	gen      *fakeGenerator
	sent     chan sentEvent
	replies  chan ReplyEvent
	discards chan discardEvent
	ignored  chan *types.InboundMessage
	runErr   chan error
	cancel   context.CancelFunc
}

// newHarness runs a controller whose timer never fires on its own; tests
// drive pacing with Tick. Fragments wrap at 200 bytes.
func newHarness(t *testing.T, respond func(context.Context, generator.Request) (generator.Response, error), opts ...Option) *harness {
	t.Helper()
	return newHarnessConfig(t, Config{PacingInterval: time.Hour, Model: "test-model", SystemPrompt: "be brief"}, respond, opts...)
}

func newHarnessConfig(t *testing.T, cfg Config, respond func(context.Context, generator.Request) (generator.Response, error), opts ...Option) *harness {
	t.Helper()

	h := &harness{
		t:        t,
		tr:       &fakeTransport{},
		gen:      &fakeGenerator{respond: respond},
		sent:     make(chan sentEvent, 64),
		replies:  make(chan ReplyEvent, 64),
		discards: make(chan discardEvent, 64),
		ignored:  make(chan *types.InboundMessage, 64),
		runErr:   make(chan error, 1),
	}

	f, err := fragment.New(fragment.Config{MaxPayload: 210, SafetyMargin: 4})
	require.NoError(t, err)

	hooks := Hooks{
		OnSent:    func(frag types.OutboundFragment, err error) { h.sent <- sentEvent{frag, err} },
		OnReply:   func(ev ReplyEvent) { h.replies <- ev },
		OnDiscard: func(reason string, in, out int) { h.discards <- discardEvent{reason, in, out} },
		OnInbound: func(msg *types.InboundMessage, accepted bool) {
			if !accepted {
				h.ignored <- msg
			}
		},
	}
	h.c, err = New(cfg, h.tr, h.gen, f, append([]Option{WithHooks(hooks)}, opts...)...)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() { h.runErr <- h.c.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-h.runErr:
			assert.NoError(t, err)
		case <-time.After(3 * time.Second):
			t.Error("Run did not return after cancel")
		}
	})
	return h
}

func (h *harness) waitState(state StateID) {
	h.t.Helper()
	require.Eventually(h.t, func() bool { return h.c.Snapshot().State == state }, 2*time.Second, 5*time.Millisecond,
		"state is %s, want %s", h.c.Snapshot().State, state)
}

func (h *harness) establish() {
	h.t.Helper()
	h.c.SessionEstablished(localNode)
	h.waitState(StateListening)
}

func (h *harness) inbound(from, to types.SenderID, text string) *types.InboundMessage {
	msg := &types.InboundMessage{
		Sender:      from,
		To:          to,
		Text:        text,
		Correlation: string(from) + ":" + text,
		ReceivedAt:  time.Now(),
	}
	h.c.Inbound(msg)
	return msg
}

func (h *harness) expectSent() sentEvent {
	h.t.Helper()
	select {
	case ev := <-h.sent:
		return ev
	case <-time.After(2 * time.Second):
		h.t.Fatal("no fragment sent")
		return sentEvent{}
	}
}

func (h *harness) expectNoSend(wait time.Duration) {
	h.t.Helper()
	select {
	case ev := <-h.sent:
		h.t.Fatalf("unexpected send of %s", ev.frag)
	case <-time.After(wait):
	}
}

func (h *harness) expectReply() ReplyEvent {
	h.t.Helper()
	select {
	case ev := <-h.replies:
		return ev
	case <-time.After(2 * time.Second):
		h.t.Fatal("no reply queued")
		return ReplyEvent{}
	}
}

func (h *harness) tick() {
	h.t.Helper()
	require.NoError(h.t, h.c.Tick())
}
