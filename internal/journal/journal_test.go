package journal

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vthunder/meshrelay/internal/types"
)

func openTemp(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(filepath.Join(t.TempDir(), "state", "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	return j
}

func TestJournalRecent(t *testing.T) {
	j := openTemp(t)

	msg := &types.InboundMessage{Sender: "!a", To: "!b", Text: "hello", Correlation: "c1"}
	require.NoError(t, j.LogInbound(msg))
	require.NoError(t, j.LogReply("!a", "c1", types.SourceGenerator, 3))
	require.NoError(t, j.LogSession("established as !b"))

	entries, err := j.Recent(10)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, EntryInbound, entries[0].Type)
	assert.Equal(t, "5 bytes", entries[0].Detail)
	assert.Equal(t, EntryReply, entries[1].Type)
	assert.Equal(t, 3, entries[1].Count)
	assert.Equal(t, "generator", entries[1].Source)
	assert.Equal(t, EntrySession, entries[2].Type)
	assert.False(t, entries[2].Timestamp.IsZero())

	last, err := j.Recent(1)
	require.NoError(t, err)
	require.Len(t, last, 1)
	assert.Equal(t, EntrySession, last[0].Type)
}

func TestJournalStats(t *testing.T) {
	j := openTemp(t)

	msg := &types.InboundMessage{Sender: "!a", To: "!b", Text: "test"}
	require.NoError(t, j.LogInbound(msg))
	require.NoError(t, j.LogInbound(msg))
	require.NoError(t, j.LogIgnored(&types.InboundMessage{Sender: "!c", To: "!d"}))
	require.NoError(t, j.LogReply("!a", "c1", types.SourceReflex, 1))
	require.NoError(t, j.LogReply("!a", "c2", types.SourceGenerator, 4))
	require.NoError(t, j.LogReply("!a", "c3", types.SourceGenerator, 2))

	frag := types.OutboundFragment{Destination: "!a", Payload: "x", Index: 1, Total: 4}
	require.NoError(t, j.LogFragment(frag, nil))
	require.NoError(t, j.LogFragment(frag, nil))
	require.NoError(t, j.LogFragment(frag, errors.New("radio busy")))
	require.NoError(t, j.LogDiscarded("session lost", 3))
	require.NoError(t, j.LogDiscarded("session lost", 0))
	require.NoError(t, j.LogTruncated("!a", "c2", []string{"supercalifragilistic"}))

	stats, err := j.Stats()
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Inbound)
	assert.Equal(t, 1, stats.Ignored)
	assert.Equal(t, 3, stats.RepliesTotal())
	assert.Equal(t, 2, stats.Replies["generator"])
	assert.Equal(t, 1, stats.Replies["reflex"])
	assert.Equal(t, 2, stats.FragmentsSent)
	assert.Equal(t, 1, stats.FragmentsFailed)
	assert.Equal(t, 3, stats.FragmentsDiscarded)
	assert.Equal(t, 1, stats.Truncations)
	assert.False(t, stats.Since.IsZero())
	assert.Contains(t, stats.String(), "fragments discarded: 3")
}

func TestJournalEmptyStats(t *testing.T) {
	j, err := Open(":memory:")
	require.NoError(t, err)
	defer j.Close()

	stats, err := j.Stats()
	require.NoError(t, err)
	assert.Zero(t, stats.RepliesTotal())
	assert.True(t, stats.Since.IsZero())
}

func TestJournalPersistsAcrossOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")

	j, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, j.LogReply("!a", "c1", types.SourceFallback, 1))
	require.NoError(t, j.Close())

	j, err = Open(path)
	require.NoError(t, err)
	defer j.Close()

	stats, err := j.Stats()
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Replies["fallback"])
}

func TestJournalClosed(t *testing.T) {
	j, err := Open(":memory:")
	require.NoError(t, err)
	require.NoError(t, j.Close())

	assert.ErrorIs(t, j.LogSession("x"), ErrClosed)
	_, err = j.Stats()
	assert.ErrorIs(t, err, ErrClosed)
	assert.NoError(t, j.Close())
}
