package journal

import (
	"sync"
	"time"

	"github.com/vthunder/meshrelay/internal/logging"
	"github.com/vthunder/meshrelay/internal/types"
)

// DefaultWriterBuffer is how many entries a Writer holds before it drops
const DefaultWriterBuffer = 256

// Writer queues entries and inserts them on its own goroutine, so callers
// never wait on SQLite. Entries are stamped when queued. A full buffer drops
// the entry with a warning.
type Writer struct {
	j       *Journal
	entries chan Entry
	done    chan struct{}

	mu      sync.Mutex
	stopped bool
	dropped int
}

// NewWriter starts a writer in front of j. buffer <= 0 uses DefaultWriterBuffer.
func NewWriter(j *Journal, buffer int) *Writer {
	if buffer <= 0 {
		buffer = DefaultWriterBuffer
	}
	w := &Writer{
		j:       j,
		entries: make(chan Entry, buffer),
		done:    make(chan struct{}),
	}
	go w.loop()
	return w
}

func (w *Writer) loop() {
	defer close(w.done)
	for entry := range w.entries {
		if err := w.j.Log(entry); err != nil {
			logging.Warn("journal", "write %s: %v", entry.Type, err)
		}
	}
}

// Stop writes whatever is queued and ends the goroutine. It does not close
// the journal. Entries queued after Stop are dropped.
func (w *Writer) Stop() {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		<-w.done
		return
	}
	w.stopped = true
	close(w.entries)
	w.mu.Unlock()
	<-w.done
}

// Dropped counts entries lost to a full buffer or a stopped writer
func (w *Writer) Dropped() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.dropped
}

// Log queues an entry without blocking
func (w *Writer) Log(entry Entry) {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		w.dropped++
		return
	}
	select {
	case w.entries <- entry:
	default:
		w.dropped++
		logging.Warn("journal", "buffer full, dropping %s entry", entry.Type)
	}
}

// LogInbound queues a message accepted for processing
func (w *Writer) LogInbound(msg *types.InboundMessage) {
	w.Log(inboundEntry(msg))
}

// LogIgnored queues a message that was addressed to someone else
func (w *Writer) LogIgnored(msg *types.InboundMessage) {
	w.Log(ignoredEntry(msg))
}

// LogReply queues a reply that was fragmented
func (w *Writer) LogReply(sender types.SenderID, correlation string, source types.ReplySource, fragments int) {
	w.Log(replyEntry(sender, correlation, source, fragments))
}

// LogFragment queues the outcome of one transmission
func (w *Writer) LogFragment(frag types.OutboundFragment, sendErr error) {
	w.Log(fragmentEntry(frag, sendErr))
}

// LogDiscarded queues dropped fragments; zero is not recorded
func (w *Writer) LogDiscarded(reason string, fragments int) {
	if fragments > 0 {
		w.Log(discardedEntry(reason, fragments))
	}
}

// LogTruncated queues words the fragmenter had to cut
func (w *Writer) LogTruncated(sender types.SenderID, correlation string, words []string) {
	if len(words) > 0 {
		w.Log(truncatedEntry(sender, correlation, words))
	}
}

// LogSession queues a transport session change
func (w *Writer) LogSession(detail string) {
	w.Log(Entry{Type: EntrySession, Detail: detail})
}
