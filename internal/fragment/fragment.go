// Package fragment splits long replies into numbered, transport-sized fragments.
//
// A reply that fits in one payload is sent as-is. Longer replies are word-wrapped
// into fragments carrying a "[i/n] " header; fragments after the first begin with a
// continuation marker so a reader on a small screen knows the text carries on.
// Stripping headers and markers and concatenating the fragments gives back the
// original reply byte for byte, unless a single word had to be truncated.
package fragment

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/vthunder/meshrelay/internal/logging"
)

// DefaultMarker is prepended to continuation fragments
const DefaultMarker = "…"

// MaxFragments bounds the group size; headers are at most "[999/999] "
const MaxFragments = 999

// OversizePolicy decides what happens to a word longer than a whole fragment
type OversizePolicy string

const (
	OversizeTruncate OversizePolicy = "truncate" // keep the head of the word, drop the rest (lossy)
	OversizeSplit    OversizePolicy = "split"    // break the word across fragments (lossless)
)

var (
	ErrInvalidConfig = errors.New("fragment: invalid config")
	ErrTooLong       = errors.New("fragment: reply needs too many fragments")
)

// Config sets the byte budget of a fragment
type Config struct {
	MaxPayload   int            // transport payload ceiling in bytes
	SafetyMargin int            // bytes kept free below the ceiling
	Marker       string         // continuation marker; DefaultMarker when empty
	Oversize     OversizePolicy // OversizeTruncate when empty
	Segmenter    Segmenter      // sentence ends; punctuation rules when nil
}

// Result is the outcome of splitting one reply
type Result struct {
	Fragments []string // payloads in transmission order, headers applied
	Truncated []string // words cut by OversizeTruncate (data loss)
}

// Fragmenter is safe for concurrent use; it holds only configuration.
type Fragmenter struct {
	cfg Config
	seg Segmenter
}

// New validates cfg and returns a Fragmenter
func New(cfg Config) (*Fragmenter, error) {
	if cfg.Marker == "" {
		cfg.Marker = DefaultMarker
	}
	if cfg.Oversize == "" {
		cfg.Oversize = OversizeTruncate
	}
	if cfg.Oversize != OversizeTruncate && cfg.Oversize != OversizeSplit {
		return nil, fmt.Errorf("%w: unknown oversize policy %q", ErrInvalidConfig, cfg.Oversize)
	}
	if cfg.SafetyMargin < 0 {
		return nil, fmt.Errorf("%w: negative safety margin", ErrInvalidConfig)
	}
	// Worst case is a three digit group: the continuation width must still
	// hold the marker plus at least one character.
	if w := cfg.MaxPayload - HeaderLen(MaxFragments) - cfg.SafetyMargin - len(cfg.Marker); w < utf8.UTFMax {
		return nil, fmt.Errorf("%w: max payload %d too small (margin %d, marker %d bytes)",
			ErrInvalidConfig, cfg.MaxPayload, cfg.SafetyMargin, len(cfg.Marker))
	}
	seg := cfg.Segmenter
	if seg == nil {
		seg = PunctSegmenter{}
	}
	return &Fragmenter{cfg: cfg, seg: seg}, nil
}

// Config returns the effective configuration
func (f *Fragmenter) Config() Config {
	return f.cfg
}

// Header returns the numbering header for fragment i of n
func Header(i, n int) string {
	return fmt.Sprintf("[%d/%d] ", i, n)
}

// HeaderLen is the longest header a group of n fragments can carry
func HeaderLen(n int) int {
	return len(Header(n, n))
}

// Width is the wrap width for a group of n fragments
func (f *Fragmenter) Width(n int) int {
	return f.cfg.MaxPayload - HeaderLen(n) - f.cfg.SafetyMargin
}

// Fragment returns only the payloads of Split, logging any error.
func (f *Fragmenter) Fragment(text string) []string {
	res, err := f.Split(text)
	if err != nil {
		logging.Warn("fragment", "split failed: %v", err)
		return nil
	}
	return res.Fragments
}

// Split turns text into an ordered list of payloads. An empty or
// whitespace-only reply yields no fragments and no error.
func (f *Fragmenter) Split(text string) (Result, error) {
	if strings.TrimSpace(text) == "" {
		return Result{}, nil
	}
	if len(text) <= f.cfg.MaxPayload-f.cfg.SafetyMargin {
		return Result{Fragments: []string{text}}, nil
	}

	ends := f.seg.SentenceEnds(text)

	// Header size depends on the group size, so wrap until the digit count settles.
	n := 9
	for {
		segs, truncated := f.wrap(text, f.Width(n), ends)
		if len(segs) > MaxFragments {
			return Result{}, fmt.Errorf("%w: %d bytes", ErrTooLong, len(text))
		}
		if HeaderLen(len(segs)) <= HeaderLen(n) {
			for _, w := range truncated {
				logging.Warn("fragment", "word of %d bytes exceeds fragment width %d, truncated: %q",
					len(w), f.Width(n), logging.Truncate(w, 40))
			}
			return Result{Fragments: f.decorate(segs), Truncated: truncated}, nil
		}
		n = n*10 + 9
	}
}

func (f *Fragmenter) decorate(segs []string) []string {
	if len(segs) == 1 {
		return segs
	}
	out := make([]string, len(segs))
	for i, s := range segs {
		if i > 0 {
			s = f.cfg.Marker + s
		}
		out[i] = Header(i+1, len(segs)) + s
	}
	return out
}

// wrap is a greedy word wrap over byte offsets into text. The first segment
// may use the whole width; later ones leave room for the marker.
func (f *Fragmenter) wrap(text string, width int, ends []int) (segs []string, truncated []string) {
	pos := 0
	for pos < len(text) {
		capacity := width
		if len(segs) > 0 {
			capacity -= len(f.cfg.Marker)
		}
		if len(text)-pos <= capacity {
			// trailing whitespace alone is not worth a fragment
			if len(segs) == 0 || !isBlank(text[pos:]) {
				segs = append(segs, text[pos:])
			}
			break
		}

		brk := wordBreak(text, pos, capacity)
		start := skipSpace(text, pos)
		if brk > pos && isBlank(text[pos:brk]) {
			// Only whitespace fits before the next word. If that word fits a
			// fragment of its own, or the whitespace alone fills one, drop the
			// whitespace; otherwise it leads the oversized word's fragment.
			if wordEnd(text, start)-start <= capacity || start-pos >= capacity {
				pos = start
				continue
			}
		}
		if brk == pos || isBlank(text[pos:brk]) {
			// a single word longer than the whole fragment
			cut := pos + runeFloor(text[pos:], capacity)
			segs = append(segs, text[pos:cut])
			if f.cfg.Oversize == OversizeSplit {
				pos = cut
				continue
			}
			end := wordEnd(text, start)
			truncated = append(truncated, text[start:end])
			pos = end
			continue
		}

		if s := lastSentenceEnd(ends, pos+capacity/2, brk); s > 0 {
			brk = s
		}
		segs = append(segs, text[pos:brk])
		pos = brk
	}
	return segs, truncated
}

// wordBreak returns the furthest offset in (pos, pos+capacity] that does not
// fall inside a word, or pos if there is none.
func wordBreak(text string, pos, capacity int) int {
	limit := pos + runeFloor(text[pos:], capacity)
	b := limit
	for b > pos {
		if boundaryAt(text, b) {
			return b
		}
		_, size := utf8.DecodeLastRuneInString(text[:b])
		b -= size
	}
	return pos
}

// boundaryAt reports whether a cut at offset b leaves every word whole
func boundaryAt(text string, b int) bool {
	if b <= 0 || b >= len(text) {
		return true
	}
	prev, _ := utf8.DecodeLastRuneInString(text[:b])
	next, _ := utf8.DecodeRuneInString(text[b:])
	return unicode.IsSpace(prev) || unicode.IsSpace(next)
}

func isBlank(s string) bool {
	return strings.TrimSpace(s) == ""
}

func wordEnd(text string, pos int) int {
	for i, r := range text[pos:] {
		if unicode.IsSpace(r) {
			return pos + i
		}
	}
	return len(text)
}

// runeFloor returns the largest n <= max such that s[:n] ends on a rune boundary
func runeFloor(s string, max int) int {
	if max >= len(s) {
		return len(s)
	}
	for max > 0 && !utf8.RuneStart(s[max]) {
		max--
	}
	return max
}

func lastSentenceEnd(ends []int, lo, hi int) int {
	best := 0
	for _, e := range ends {
		if e > hi {
			break
		}
		if e > lo {
			best = e
		}
	}
	return best
}
