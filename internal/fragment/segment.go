package fragment

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/tsawler/prose/v3"

	"github.com/vthunder/meshrelay/internal/logging"
)

// Segmenter finds sentence ends in a reply. Offsets are ascending byte
// positions where the next sentence starts (after the terminator and the
// whitespace following it); the end of text is not included.
type Segmenter interface {
	SentenceEnds(text string) []int
}

// PunctSegmenter ends a sentence at '.', '!' or '?' (optionally followed by
// closing quotes or brackets) when whitespace follows.
type PunctSegmenter struct{}

func (PunctSegmenter) SentenceEnds(text string) []int {
	var ends []int
	for i := 0; i < len(text); {
		r, size := utf8.DecodeRuneInString(text[i:])
		i += size
		if !isTerminator(r) {
			continue
		}
		j := i
		for j < len(text) {
			c, n := utf8.DecodeRuneInString(text[j:])
			if !isCloser(c) {
				break
			}
			j += n
		}
		k := skipSpace(text, j)
		if k > j && k < len(text) {
			ends = append(ends, k)
		}
		i = j
	}
	return ends
}

func isTerminator(r rune) bool {
	return r == '.' || r == '!' || r == '?'
}

func isCloser(r rune) bool {
	return r == '"' || r == '\'' || r == ')' || r == ']' || r == '”' || r == '’'
}

func skipSpace(text string, i int) int {
	for i < len(text) {
		r, n := utf8.DecodeRuneInString(text[i:])
		if !unicode.IsSpace(r) {
			break
		}
		i += n
	}
	return i
}

// ProseSegmenter uses the prose sentence tokenizer, which knows about
// abbreviations and decimals that trip up punctuation rules. Tokenized
// sentences are located back in the original text so offsets stay exact;
// on any tokenizer error it falls back to PunctSegmenter.
type ProseSegmenter struct{}

func (ProseSegmenter) SentenceEnds(text string) []int {
	doc, err := prose.NewDocument(text)
	if err != nil {
		logging.Debug("fragment", "prose segmentation failed, using punctuation: %v", err)
		return PunctSegmenter{}.SentenceEnds(text)
	}

	var ends []int
	cursor := 0
	for _, s := range doc.Sentences() {
		sent := strings.TrimSpace(s.Text)
		if sent == "" {
			continue
		}
		idx := strings.Index(text[cursor:], sent)
		if idx < 0 {
			continue
		}
		end := cursor + idx + len(sent)
		next := skipSpace(text, end)
		if next > end && next < len(text) {
			ends = append(ends, next)
		}
		cursor = end
	}
	return ends
}
