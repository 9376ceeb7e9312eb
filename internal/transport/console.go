package transport

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vthunder/meshrelay/internal/logging"
	"github.com/vthunder/meshrelay/internal/types"
)

// ConsoleSender is the sender id of lines typed without a "!id:" prefix
const ConsoleSender types.SenderID = "!console"

// Console reads one message per line and prints outgoing fragments.
// A line "!a1b2c3d4: hello" is a message from !a1b2c3d4; "@!0000beef !a1b2c3d4: hi"
// addresses another node, which the relay will ignore.
type Console struct {
	local types.SenderID
	in    io.Reader
	out   io.Writer

	mu      sync.Mutex
	started bool
	closed  bool
	done    chan struct{}
}

// NewConsole creates a console transport answering as local
func NewConsole(local types.SenderID, in io.Reader, out io.Writer) *Console {
	if local == "" {
		local = "!meshrelay"
	}
	return &Console{local: local, in: in, out: out, done: make(chan struct{})}
}

func (c *Console) Name() string { return "console" }

// Start establishes the session immediately and reads lines until EOF.
// Reaching EOF does not end the session; queued replies still go out.
func (c *Console) Start(ctx context.Context, sink EventSink) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.started = true
	c.mu.Unlock()

	sink.SessionEstablished(c.local)

	go func() {
		defer close(c.done)
		scanner := bufio.NewScanner(c.in)
		for scanner.Scan() {
			if c.isClosed() {
				return
			}
			msg, ok := c.parseLine(scanner.Text())
			if !ok {
				continue
			}
			sink.Inbound(msg)
		}
		if err := scanner.Err(); err != nil {
			logging.Warn("console", "read failed: %v", err)
		}
		logging.Debug("console", "input closed")
	}()
	return nil
}

func (c *Console) parseLine(line string) (*types.InboundMessage, bool) {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil, false
	}

	to := c.local
	if strings.HasPrefix(line, "@") {
		target, rest, _ := strings.Cut(line[1:], " ")
		to = types.SenderID(target)
		line = strings.TrimSpace(rest)
	}

	from := ConsoleSender
	if strings.HasPrefix(line, "!") {
		if id, rest, ok := strings.Cut(line, ":"); ok && !strings.ContainsAny(id, " \t") {
			from = types.SenderID(id)
			line = strings.TrimSpace(rest)
		}
	}
	if line == "" {
		return nil, false
	}

	return &types.InboundMessage{
		Sender:      from,
		To:          to,
		Text:        line,
		Correlation: uuid.NewString(),
		ReceivedAt:  time.Now(),
	}, true
}

// Send prints the fragment as "<destination> <payload>"
func (c *Console) Send(ctx context.Context, frag types.OutboundFragment) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if !c.started {
		return ErrNotStarted
	}
	_, err := fmt.Fprintf(c.out, "%s %s\n", frag.Destination, frag.Payload)
	return err
}

func (c *Console) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Close stops accepting sends. The reader goroutine exits at the next line or EOF.
func (c *Console) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// Done is closed once the input reader has finished
func (c *Console) Done() <-chan struct{} {
	return c.done
}
