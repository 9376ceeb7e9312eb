// Package journal records delivery events in SQLite and answers the
// totals shown by `meshrelay stats`.
package journal

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/vthunder/meshrelay/internal/types"
)

// ErrClosed is returned after Close
var ErrClosed = errors.New("journal: closed")

// EntryType identifies what kind of journal entry this is
type EntryType string

const (
	EntryInbound        EntryType = "inbound"         // Accepted message addressed to us
	EntryIgnored        EntryType = "ignored"         // Message addressed to another node
	EntryReply          EntryType = "reply"           // Reply fragmented and queued
	EntryFragmentSent   EntryType = "fragment_sent"   // Transport accepted a fragment
	EntryFragmentFailed EntryType = "fragment_failed" // Transport rejected a fragment
	EntryDiscarded      EntryType = "discarded"       // Queued work dropped on session loss or shutdown
	EntryTruncated      EntryType = "truncated"       // Oversized word cut by the fragmenter
	EntrySession        EntryType = "session"         // Transport session came up or went down
)

// Entry represents a single journal entry
type Entry struct {
	Timestamp   time.Time
	Type        EntryType
	Sender      string
	Correlation string
	Source      string // reply source for EntryReply
	Count       int    // fragments for a reply, items for a discard
	Detail      string
}

// Journal writes delivery events to a SQLite database
type Journal struct {
	db   *sql.DB
	path string
	mu   sync.Mutex
}

// Open opens or creates the journal at path. ":memory:" gives a throwaway journal.
func Open(path string) (*Journal, error) {
	dsn := ":memory:"
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
		dsn = path + "?_journal_mode=WAL&_busy_timeout=5000"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// one connection keeps ":memory:" a single database
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	j := &Journal{db: db, path: path}
	if err := j.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate: %w", err)
	}
	return j, nil
}

func (j *Journal) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS entries (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		ts          INTEGER NOT NULL,
		type        TEXT NOT NULL,
		sender      TEXT NOT NULL DEFAULT '',
		correlation TEXT NOT NULL DEFAULT '',
		source      TEXT NOT NULL DEFAULT '',
		count       INTEGER NOT NULL DEFAULT 1,
		detail      TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_entries_type ON entries(type);
	CREATE INDEX IF NOT EXISTS idx_entries_ts ON entries(ts);
	`
	_, err := j.db.Exec(schema)
	return err
}

// Path returns where the journal lives
func (j *Journal) Path() string {
	return j.path
}

// Close closes the database connection
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.db == nil {
		return nil
	}
	err := j.db.Close()
	j.db = nil
	return err
}

// Log writes an entry to the journal
func (j *Journal) Log(entry Entry) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.db == nil {
		return ErrClosed
	}

	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	if entry.Count == 0 {
		entry.Count = 1
	}

	_, err := j.db.Exec(
		`INSERT INTO entries (ts, type, sender, correlation, source, count, detail) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.Timestamp.UnixMilli(), string(entry.Type), entry.Sender, entry.Correlation, entry.Source, entry.Count, entry.Detail,
	)
	if err != nil {
		return fmt.Errorf("insert %s entry: %w", entry.Type, err)
	}
	return nil
}

// LogInbound logs a message accepted for processing
func (j *Journal) LogInbound(msg *types.InboundMessage) error {
	return j.Log(inboundEntry(msg))
}

// LogIgnored logs a message that was addressed to someone else
func (j *Journal) LogIgnored(msg *types.InboundMessage) error {
	return j.Log(ignoredEntry(msg))
}

// LogReply logs a reply that was fragmented and queued
func (j *Journal) LogReply(sender types.SenderID, correlation string, source types.ReplySource, fragments int) error {
	return j.Log(replyEntry(sender, correlation, source, fragments))
}

// LogFragment logs the outcome of one transmission
func (j *Journal) LogFragment(frag types.OutboundFragment, sendErr error) error {
	return j.Log(fragmentEntry(frag, sendErr))
}

// LogDiscarded logs fragments dropped from the outbound queue
func (j *Journal) LogDiscarded(reason string, fragments int) error {
	if fragments == 0 {
		return nil
	}
	return j.Log(discardedEntry(reason, fragments))
}

// LogTruncated logs words the fragmenter had to cut
func (j *Journal) LogTruncated(sender types.SenderID, correlation string, words []string) error {
	if len(words) == 0 {
		return nil
	}
	return j.Log(truncatedEntry(sender, correlation, words))
}

// LogSession logs a transport session change
func (j *Journal) LogSession(detail string) error {
	return j.Log(Entry{Type: EntrySession, Detail: detail})
}

func inboundEntry(msg *types.InboundMessage) Entry {
	return Entry{
		Type:        EntryInbound,
		Sender:      string(msg.Sender),
		Correlation: msg.Correlation,
		Detail:      fmt.Sprintf("%d bytes", len(msg.Text)),
	}
}

func ignoredEntry(msg *types.InboundMessage) Entry {
	return Entry{
		Type:        EntryIgnored,
		Sender:      string(msg.Sender),
		Correlation: msg.Correlation,
		Detail:      "to " + string(msg.To),
	}
}

func replyEntry(sender types.SenderID, correlation string, source types.ReplySource, fragments int) Entry {
	return Entry{
		Type:        EntryReply,
		Sender:      string(sender),
		Correlation: correlation,
		Source:      string(source),
		Count:       fragments,
	}
}

func fragmentEntry(frag types.OutboundFragment, sendErr error) Entry {
	entry := Entry{
		Type:        EntryFragmentSent,
		Sender:      string(frag.Destination),
		Correlation: frag.Correlation,
		Detail:      frag.String(),
	}
	if sendErr != nil {
		entry.Type = EntryFragmentFailed
		entry.Detail = frag.String() + ": " + sendErr.Error()
	}
	return entry
}

func discardedEntry(reason string, fragments int) Entry {
	return Entry{Type: EntryDiscarded, Count: fragments, Detail: reason}
}

// only the first cut word is kept as detail
func truncatedEntry(sender types.SenderID, correlation string, words []string) Entry {
	return Entry{
		Type:        EntryTruncated,
		Sender:      string(sender),
		Correlation: correlation,
		Count:       len(words),
		Detail:      words[0],
	}
}

// Recent returns the last n entries, oldest first
func (j *Journal) Recent(n int) ([]Entry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.db == nil {
		return nil, ErrClosed
	}

	rows, err := j.db.Query(
		`SELECT ts, type, sender, correlation, source, count, detail FROM entries ORDER BY id DESC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("query recent: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e  Entry
			ts int64
			ty string
		)
		if err := rows.Scan(&ts, &ty, &e.Sender, &e.Correlation, &e.Source, &e.Count, &e.Detail); err != nil {
			return nil, err
		}
		e.Timestamp = time.UnixMilli(ts)
		e.Type = EntryType(ty)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i, k := 0, len(entries)-1; i < k; i, k = i+1, k-1 {
		entries[i], entries[k] = entries[k], entries[i]
	}
	return entries, nil
}
