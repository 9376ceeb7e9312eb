package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/vthunder/meshrelay/internal/fragment"
	"github.com/vthunder/meshrelay/internal/generator"
	"github.com/vthunder/meshrelay/internal/reflex"
	"github.com/vthunder/meshrelay/internal/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// 700 bytes that wrap into four 200-byte fragments
var longReply = strings.Repeat("lorem ", 116) + "ipsu"

func TestLongReplyIsPacedOnePerTick(t *testing.T) {
	h := newHarness(t, replyWith(longReply))
	h.establish()

	msg := h.inbound(alice, localNode, "tell me everything")

	reply := h.expectReply()
	assert.Equal(t, types.SourceGenerator, reply.Source)
	assert.Equal(t, 4, reply.Fragments)

	// first fragment goes out without waiting for a tick
	first := h.expectSent()
	require.NoError(t, first.err)
	assert.True(t, strings.HasPrefix(first.frag.Payload, "[1/4] "))
	assert.Equal(t, alice, first.frag.Destination)
	assert.Equal(t, msg.Correlation, first.frag.Correlation)

	h.expectNoSend(100 * time.Millisecond)

	payloads := []string{first.frag.Payload}
	for i := 2; i <= 4; i++ {
		h.tick()
		ev := h.expectSent()
		assert.Equal(t, i, ev.frag.Index)
		assert.Equal(t, 4, ev.frag.Total)
		assert.True(t, strings.HasPrefix(ev.frag.Payload, "[")) // header on every fragment
		assert.LessOrEqual(t, len(ev.frag.Payload), 210)
		payloads = append(payloads, ev.frag.Payload)
		h.expectNoSend(20 * time.Millisecond)
	}

	h.tick()
	h.expectNoSend(50 * time.Millisecond)

	assert.Equal(t, longReply, fragment.Reassemble(payloads, fragment.DefaultMarker))
	assert.Zero(t, h.c.Snapshot().OutboundDepth)
}

func TestShortReplyHasNoHeader(t *testing.T) {
	text := "Meshtastic uses LoRa for long range, low power RF."
	require.Equal(t, 50, len(text))

	h := newHarness(t, replyWith(text))
	h.establish()
	h.inbound(alice, localNode, "what is lora")

	ev := h.expectSent()
	assert.Equal(t, text, ev.frag.Payload)
	assert.Equal(t, 1, ev.frag.Index)
	assert.Equal(t, 1, ev.frag.Total)
}

func TestGeneratorFailureSendsFallback(t *testing.T) {
	h := newHarness(t, func(context.Context, generator.Request) (generator.Response, error) {
		return generator.Response{}, errors.New("connection refused")
	})
	h.establish()
	h.inbound(alice, localNode, "hello?")

	reply := h.expectReply()
	assert.Equal(t, types.SourceFallback, reply.Source)

	ev := h.expectSent()
	assert.Equal(t, DefaultFallbackMessage, ev.frag.Payload)
	assert.Equal(t, alice, ev.frag.Destination)
	h.expectNoSend(50 * time.Millisecond)

	assert.Nil(t, h.c.Contexts().Get(alice))
}

func TestGeneratorTimeoutSendsFallback(t *testing.T) {
	cfg := Config{PacingInterval: time.Hour, GenerateTimeout: 30 * time.Millisecond, FallbackMessage: "busy, try later"}
	h := newHarnessConfig(t, cfg, func(ctx context.Context, _ generator.Request) (generator.Response, error) {
		<-ctx.Done()
		return generator.Response{}, ctx.Err()
	})
	h.establish()
	h.inbound(alice, localNode, "slow question")

	ev := h.expectSent()
	assert.Equal(t, "busy, try later", ev.frag.Payload)
}

func TestForeignDestinationIsIgnored(t *testing.T) {
	h := newHarness(t, replyWith("should not happen"))
	h.establish()

	msg := h.inbound(alice, "!0000beef", "not for the relay")

	select {
	case got := <-h.ignored:
		assert.Same(t, msg, got)
	case <-time.After(2 * time.Second):
		t.Fatal("message was not reported as ignored")
	}
	h.expectNoSend(50 * time.Millisecond)

	assert.Empty(t, h.gen.calls())
	snap := h.c.Snapshot()
	assert.Zero(t, snap.InboundDepth)
	assert.Zero(t, snap.OutboundDepth)
	assert.False(t, snap.Generating)
}

func TestContextContinuity(t *testing.T) {
	calls := 0
	h := newHarness(t, func(_ context.Context, req generator.Request) (generator.Response, error) {
		calls++
		switch calls {
		case 1:
			return generator.Response{Done: true, Response: "first", Context: json.RawMessage(`[1]`)}, nil
		case 2:
			return generator.Response{Done: true, Response: "second", Context: json.RawMessage(`[1,2]`)}, nil
		default:
			return generator.Response{Done: false, Response: "partial", Context: json.RawMessage(`[9]`)}, nil
		}
	})
	h.establish()

	for _, text := range []string{"one", "two", "three", "four"} {
		h.inbound(alice, localNode, text)
		h.expectSent()
	}

	reqs := h.gen.calls()
	require.Len(t, reqs, 4)
	assert.Nil(t, reqs[0].Context)
	assert.JSONEq(t, `[1]`, string(reqs[1].Context))
	assert.JSONEq(t, `[1,2]`, string(reqs[2].Context))
	// a reply not marked done leaves the stored context alone
	assert.JSONEq(t, `[1,2]`, string(reqs[3].Context))

	assert.Equal(t, "test-model", reqs[0].Model)
	assert.Equal(t, "be brief", reqs[0].System)
	assert.Equal(t, "one", reqs[0].Prompt)
}

func TestContextsAreKeptPerSender(t *testing.T) {
	h := newHarness(t, func(_ context.Context, req generator.Request) (generator.Response, error) {
		return generator.Response{Done: true, Response: "ok", Context: json.RawMessage(`"` + req.Prompt + `"`)}, nil
	})
	h.establish()

	h.inbound(alice, localNode, "from alice")
	h.expectSent()
	h.inbound(bob, localNode, "from bob")
	h.expectReply()
	h.expectReply()

	require.Eventually(t, func() bool { return h.c.Contexts().Len() == 2 }, time.Second, 5*time.Millisecond)
	assert.JSONEq(t, `"from alice"`, string(h.c.Contexts().Get(alice)))
	assert.JSONEq(t, `"from bob"`, string(h.c.Contexts().Get(bob)))
}

func TestFastPathOnlyWhenOutboxEmpty(t *testing.T) {
	twoFragments := strings.Repeat("word ", 50) // 250 bytes
	h := newHarness(t, func(_ context.Context, req generator.Request) (generator.Response, error) {
		if req.Prompt == "long" {
			return generator.Response{Done: true, Response: longReply}, nil
		}
		return generator.Response{Done: true, Response: twoFragments}, nil
	})
	h.establish()

	h.inbound(alice, localNode, "long")
	first := h.expectSent()
	assert.Equal(t, alice, first.frag.Destination)

	h.inbound(bob, localNode, "short")
	h.expectReply()
	reply := h.expectReply()
	assert.Equal(t, 2, reply.Fragments)

	// bob's reply queued behind alice's remaining three: nothing jumps the queue
	h.expectNoSend(100 * time.Millisecond)
	require.Equal(t, 5, h.c.Snapshot().OutboundDepth)

	var order []string
	for i := 0; i < 5; i++ {
		h.tick()
		ev := h.expectSent()
		order = append(order, fmt.Sprintf("%s %d/%d", ev.frag.Destination, ev.frag.Index, ev.frag.Total))
	}
	assert.Equal(t, []string{
		"!a1b2c3d4 2/4", "!a1b2c3d4 3/4", "!a1b2c3d4 4/4",
		"!b0b0b0b0 1/2", "!b0b0b0b0 2/2",
	}, order)
}

func TestInboundProcessedInOrder(t *testing.T) {
	release := make(chan struct{})
	h := newHarness(t, func(ctx context.Context, req generator.Request) (generator.Response, error) {
		if req.Prompt == "first" {
			select {
			case <-release:
			case <-ctx.Done():
				return generator.Response{}, ctx.Err()
			}
		}
		return generator.Response{Done: true, Response: "re: " + req.Prompt}, nil
	})
	h.establish()

	h.inbound(alice, localNode, "first")
	h.inbound(alice, localNode, "second")
	h.inbound(alice, localNode, "third")

	require.Eventually(t, func() bool { return h.c.Snapshot().InboundDepth == 2 }, time.Second, 5*time.Millisecond)
	assert.True(t, h.c.Snapshot().Generating)
	assert.Len(t, h.gen.calls(), 1)

	close(release)

	ev := h.expectSent()
	assert.Equal(t, "re: first", ev.frag.Payload)
	h.tick()
	assert.Equal(t, "re: second", h.expectSent().frag.Payload)
	h.tick()
	assert.Equal(t, "re: third", h.expectSent().frag.Payload)
}

func TestHungGeneratorDoesNotBlockPacing(t *testing.T) {
	h := newHarness(t, func(ctx context.Context, req generator.Request) (generator.Response, error) {
		if req.Prompt == "hang" {
			<-ctx.Done()
			return generator.Response{}, ctx.Err()
		}
		return generator.Response{Done: true, Response: longReply}, nil
	})
	h.establish()

	h.inbound(alice, localNode, "long")
	h.expectSent()
	h.inbound(bob, localNode, "hang")
	require.Eventually(t, func() bool { return h.c.Snapshot().Generating }, time.Second, 5*time.Millisecond)

	for i := 2; i <= 4; i++ {
		h.tick()
		assert.Equal(t, i, h.expectSent().frag.Index)
	}
}

func TestSendFailureDropsFragmentAndContinues(t *testing.T) {
	h := newHarness(t, replyWith(longReply))
	h.tr.fail = func(frag types.OutboundFragment) error {
		if frag.Index == 2 {
			return errors.New("radio busy")
		}
		return nil
	}
	h.establish()
	h.inbound(alice, localNode, "go")

	assert.NoError(t, h.expectSent().err)
	h.tick()
	failed := h.expectSent()
	assert.Error(t, failed.err)
	assert.Equal(t, 2, failed.frag.Index)

	h.tick()
	assert.Equal(t, 3, h.expectSent().frag.Index)
	h.tick()
	assert.Equal(t, 4, h.expectSent().frag.Index)
}

func TestSessionLostDiscardsQueuesKeepsContexts(t *testing.T) {
	h := newHarness(t, func(context.Context, generator.Request) (generator.Response, error) {
		return generator.Response{Done: true, Response: longReply, Context: json.RawMessage(`[42]`)}, nil
	})
	h.establish()
	h.inbound(alice, localNode, "go")
	h.expectSent()

	h.c.SessionLost("radio unplugged")
	select {
	case d := <-h.discards:
		assert.Equal(t, 3, d.outbound)
		assert.Zero(t, d.inbound)
		assert.Contains(t, d.reason, "radio unplugged")
	case <-time.After(2 * time.Second):
		t.Fatal("queues were not discarded")
	}
	h.waitState(StateIdle)

	// ticks and messages do nothing while idle
	h.tick()
	h.inbound(alice, localNode, "anyone?")
	h.expectNoSend(50 * time.Millisecond)

	// no retransmission after reconnecting
	h.establish()
	h.tick()
	h.expectNoSend(50 * time.Millisecond)

	assert.JSONEq(t, `[42]`, string(h.c.Contexts().Get(alice)))
	assert.Equal(t, uint64(2), h.c.Snapshot().Sessions)
}

func TestReplyFromEndedSessionIsDiscarded(t *testing.T) {
	release := make(chan struct{})
	h := newHarness(t, func(ctx context.Context, _ generator.Request) (generator.Response, error) {
		<-release
		return generator.Response{Done: true, Response: "late", Context: json.RawMessage(`[7]`)}, nil
	})
	h.establish()
	h.inbound(alice, localNode, "slow")
	require.Eventually(t, func() bool { return h.c.Snapshot().Generating }, time.Second, 5*time.Millisecond)

	h.c.SessionLost("link down")
	h.waitState(StateIdle)
	h.establish()
	close(release)

	require.Eventually(t, func() bool { return !h.c.Snapshot().Generating }, time.Second, 5*time.Millisecond)
	h.tick()
	h.expectNoSend(50 * time.Millisecond)
	assert.Nil(t, h.c.Contexts().Get(alice))
}

func TestQueuedMessageAnsweredAfterStaleReply(t *testing.T) {
	release := make(chan struct{})
	h := newHarness(t, func(_ context.Context, req generator.Request) (generator.Response, error) {
		if req.Prompt == "slow" {
			<-release
			return generator.Response{Done: true, Response: "late"}, nil
		}
		return generator.Response{Done: true, Response: "hi " + req.Prompt}, nil
	})
	h.establish()
	h.inbound(alice, localNode, "slow")
	require.Eventually(t, func() bool { return h.c.Snapshot().Generating }, time.Second, 5*time.Millisecond)

	h.c.SessionLost("link down")
	h.waitState(StateIdle)
	h.establish()
	h.inbound(bob, localNode, "hello")
	h.expectNoSend(30 * time.Millisecond)
	close(release)

	ev := h.expectSent()
	assert.Equal(t, bob, ev.frag.Destination)
	assert.Equal(t, "hi hello", ev.frag.Payload)
	assert.Len(t, h.gen.calls(), 2)
}

func TestEmptyReplySendsNothing(t *testing.T) {
	h := newHarness(t, func(_ context.Context, req generator.Request) (generator.Response, error) {
		if req.Prompt == "silence" {
			return generator.Response{Done: true, Response: "  \n "}, nil
		}
		return generator.Response{Done: true, Response: "pong"}, nil
	})
	h.establish()

	h.inbound(alice, localNode, "silence")
	h.inbound(alice, localNode, "ping")

	ev := h.expectSent()
	assert.Equal(t, "pong", ev.frag.Payload)
	assert.Equal(t, 1, len(h.replies))
}

func TestRuleAnswersWithoutGenerator(t *testing.T) {
	rules := reflex.NewEngine("")
	require.NoError(t, rules.Add(&reflex.Rule{
		Name:     "test-direct",
		Trigger:  reflex.Trigger{Pattern: `(?i)test`, Hops: reflex.HopsDirect},
		Pipeline: reflex.Pipeline{{Action: "reply", Params: map[string]any{"message": "I heard you!\nSNR: {{.snr}}, RSSI: {{.rssi}}"}}},
	}))

	h := newHarness(t, replyWith("from the model"), WithRules(rules))
	h.establish()

	h.c.Inbound(&types.InboundMessage{
		Sender: alice,
		To:     localNode,
		Text:   "radio test 1",
		Radio:  types.RadioMeta{SNR: 7.5, RSSI: -88},
	})

	reply := h.expectReply()
	assert.Equal(t, types.SourceReflex, reply.Source)
	assert.Equal(t, "I heard you!\nSNR: 7.5, RSSI: -88", h.expectSent().frag.Payload)
	assert.Empty(t, h.gen.calls())

	h.inbound(alice, localNode, "something else")
	assert.Equal(t, "from the model", h.expectSent().frag.Payload)
}

func TestTimerDrivesPacing(t *testing.T) {
	cfg := Config{PacingInterval: 20 * time.Millisecond}
	h := newHarnessConfig(t, cfg, replyWith(longReply))
	h.establish()
	h.inbound(alice, localNode, "go")

	for i := 1; i <= 4; i++ {
		assert.Equal(t, i, h.expectSent().frag.Index)
	}
}

func TestFastSendRestartsPacingInterval(t *testing.T) {
	interval := 150 * time.Millisecond
	h := newHarnessConfig(t, Config{PacingInterval: interval}, replyWith(longReply))
	h.establish()
	// land the first fragment just before the tick that was armed with the session
	time.Sleep(110 * time.Millisecond)
	h.inbound(alice, localNode, "go")

	require.Equal(t, 1, h.expectSent().frag.Index)
	first := time.Now()
	require.Equal(t, 2, h.expectSent().frag.Index)
	assert.GreaterOrEqual(t, time.Since(first), interval-30*time.Millisecond)
}

func TestNodeIDOverride(t *testing.T) {
	cfg := Config{PacingInterval: time.Hour, NodeID: "!override"}
	h := newHarnessConfig(t, cfg, replyWith("hi"))
	h.c.SessionEstablished(localNode)
	h.waitState(StateListening)
	assert.Equal(t, types.SenderID("!override"), h.c.Snapshot().LocalNode)

	h.inbound(alice, localNode, "to the transport id")
	select {
	case <-h.ignored:
	case <-time.After(2 * time.Second):
		t.Fatal("message to the transport id was accepted")
	}
	h.inbound(alice, "!override", "to the configured id")
	assert.Equal(t, "hi", h.expectSent().frag.Payload)
}

func TestShutdown(t *testing.T) {
	h := newHarness(t, replyWith(longReply))
	h.establish()
	h.inbound(alice, localNode, "go")
	h.expectSent()

	require.NoError(t, h.c.Shutdown("operator"))
	select {
	case d := <-h.discards:
		assert.Equal(t, 3, d.outbound)
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown did not discard the outbox")
	}

	select {
	case <-h.c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not stop")
	}
	assert.Equal(t, StateStopped, h.c.Snapshot().State)
	assert.Equal(t, 1, h.tr.closeCount())
	assert.ErrorIs(t, h.c.Tick(), ErrNotRunning)
	assert.ErrorIs(t, h.c.Run(context.Background()), ErrAlreadyStarted)
}

func TestNewValidates(t *testing.T) {
	f, err := fragment.New(fragment.Config{MaxPayload: 233})
	require.NoError(t, err)
	gen := &fakeGenerator{respond: replyWith("x")}

	_, err = New(Config{}, &fakeTransport{}, gen, f)
	assert.ErrorIs(t, err, ErrInvalidConfig)
	_, err = New(Config{PacingInterval: time.Second, MaxSenders: -1}, &fakeTransport{}, gen, f)
	assert.ErrorIs(t, err, ErrInvalidConfig)
	_, err = New(Config{PacingInterval: time.Second}, nil, gen, f)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	c, err := New(Config{PacingInterval: time.Second}, &fakeTransport{}, gen, f)
	require.NoError(t, err)
	assert.Equal(t, StateIdle, c.Snapshot().State)
}

func TestTransitionLookupFallsBackToParent(t *testing.T) {
	_, ok := lookup(StateListening, EvTick)
	assert.True(t, ok, "Tick handled by Running")
	_, ok = lookup(StateListening, EvInbound)
	assert.True(t, ok)
	_, ok = lookup(StateRunning, EvInbound)
	assert.False(t, ok, "Inbound only handled while listening")
	_, ok = lookup(StateIdle, EvTick)
	assert.False(t, ok)
	_, ok = lookup(StateStopped, EvShutdown)
	assert.False(t, ok)
	assert.Equal(t, "GenerationDone", EvGenerationDone.String())
}
