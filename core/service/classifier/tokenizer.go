// Package classifier implements the statistical pipeline (§4.6):
// tokenization, per-classifier runtime, per-token multi-backend
// lookup/learn, the learn cache, and atomic multi-statement backend
// updates.
package classifier

import (
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// Tokenizer reduces a text part to a set of token hashes. The default
// scheme is OSB (Orthogonal Sparse Bigrams): every word is paired with
// each of the next Window-1 words, so word order and proximity both
// contribute distinct tokens instead of collapsing to a bag-of-words.
type Tokenizer interface {
	Tokenize(text string) []uint64
}

// OSBTokenizer is the default tokenizer named in §4.6. Window is the
// number of trailing words a leading word is paired against; the
// zero value falls back to 5, matching common OSB configurations.
type OSBTokenizer struct {
	Window int
}

// NewOSBTokenizer builds the default tokenizer.
func NewOSBTokenizer() *OSBTokenizer {
	return &OSBTokenizer{Window: 5}
}

func (t *OSBTokenizer) window() int {
	if t.Window > 1 {
		return t.Window
	}
	return 5
}

// Tokenize splits text on whitespace and emits one hash per (word,
// gap, word) pair within the window, plus a unigram hash for every
// word so single-word texts still tokenize.
func (t *OSBTokenizer) Tokenize(text string) []uint64 {
	words := strings.Fields(strings.ToLower(text))
	if len(words) == 0 {
		return nil
	}

	window := t.window()
	hashes := make([]uint64, 0, len(words)*window)
	for i, w := range words {
		hashes = append(hashes, xxhash.Sum64String("u\x00"+w))
		for gap := 1; gap < window && i+gap < len(words); gap++ {
			pair := w + "\x00" + strconv.Itoa(gap) + "\x00" + words[i+gap]
			hashes = append(hashes, xxhash.Sum64String("b\x00"+pair))
		}
	}
	return hashes
}
