package journal

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Stats are lifetime delivery totals
type Stats struct {
	Inbound            int
	Ignored            int
	Replies            map[string]int // by reply source
	FragmentsSent      int
	FragmentsFailed    int
	FragmentsDiscarded int
	Truncations        int
	Since              time.Time
}

// RepliesTotal sums replies across sources
func (s Stats) RepliesTotal() int {
	total := 0
	for _, n := range s.Replies {
		total += n
	}
	return total
}

func (s Stats) String() string {
	var b strings.Builder
	if !s.Since.IsZero() {
		fmt.Fprintf(&b, "since %s\n", s.Since.Format(time.RFC3339))
	}
	fmt.Fprintf(&b, "inbound accepted:    %d\n", s.Inbound)
	fmt.Fprintf(&b, "inbound ignored:     %d\n", s.Ignored)
	fmt.Fprintf(&b, "replies:             %d\n", s.RepliesTotal())

	sources := make([]string, 0, len(s.Replies))
	for src := range s.Replies {
		sources = append(sources, src)
	}
	sort.Strings(sources)
	for _, src := range sources {
		fmt.Fprintf(&b, "  %-18s %d\n", src+":", s.Replies[src])
	}

	fmt.Fprintf(&b, "fragments sent:      %d\n", s.FragmentsSent)
	fmt.Fprintf(&b, "fragments failed:    %d\n", s.FragmentsFailed)
	fmt.Fprintf(&b, "fragments discarded: %d\n", s.FragmentsDiscarded)
	fmt.Fprintf(&b, "truncated words:     %d\n", s.Truncations)
	return b.String()
}

// Stats aggregates the journal. Replies count once per reply, every other
// type sums its entry counts.
func (j *Journal) Stats() (Stats, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.db == nil {
		return Stats{}, ErrClosed
	}

	stats := Stats{Replies: make(map[string]int)}

	rows, err := j.db.Query(`SELECT type, source, COUNT(*), SUM(count) FROM entries GROUP BY type, source`)
	if err != nil {
		return Stats{}, fmt.Errorf("query stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			typ, source string
			rowsN, sumN int
		)
		if err := rows.Scan(&typ, &source, &rowsN, &sumN); err != nil {
			return Stats{}, err
		}
		switch EntryType(typ) {
		case EntryInbound:
			stats.Inbound += rowsN
		case EntryIgnored:
			stats.Ignored += rowsN
		case EntryReply:
			stats.Replies[source] += rowsN
		case EntryFragmentSent:
			stats.FragmentsSent += rowsN
		case EntryFragmentFailed:
			stats.FragmentsFailed += rowsN
		case EntryDiscarded:
			stats.FragmentsDiscarded += sumN
		case EntryTruncated:
			stats.Truncations += sumN
		}
	}
	if err := rows.Err(); err != nil {
		return Stats{}, err
	}

	var first *int64
	if err := j.db.QueryRow(`SELECT MIN(ts) FROM entries`).Scan(&first); err != nil {
		return Stats{}, fmt.Errorf("query first entry: %w", err)
	}
	if first != nil {
		stats.Since = time.UnixMilli(*first)
	}
	return stats, nil
}
