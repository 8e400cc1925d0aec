// Package merge combines incrementally transcribed text fragments into a
// single display string. The join rules are deterministic so that the same
// fragments always produce the same document text regardless of how they
// were batched.
package merge

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// closingPunctuation marks that must hug the preceding word with no space.
const closingPunctuation = ".,!?:;"

// Chunk is one fragment of transcribed text with its position in the
// worker's output sequence. Total is zero while the worker does not yet
// know how many chunks the session will produce.
type Chunk struct {
	Index int
	Total int
	Text  string
}

// Merge folds a batch of chunks into the existing accumulated text,
// applying the join rule once per fragment in arrival order. Degenerate
// fragments (empty after boundary trimming) are no-ops.
func Merge(existing string, incoming []Chunk) string {
	text := existing
	for _, c := range incoming {
		text = appendFragment(text, c.Text)
	}
	return text
}

func appendFragment(existing, fragment string) string {
	fragment = strings.TrimSpace(fragment)
	if fragment == "" {
		return existing
	}
	if existing == "" {
		return fragment
	}

	first, _ := utf8.DecodeRuneInString(fragment)
	if strings.ContainsRune(closingPunctuation, first) {
		return existing + fragment
	}

	last, _ := utf8.DecodeLastRuneInString(existing)
	if unicode.IsSpace(last) {
		return existing + fragment
	}

	return existing + " " + fragment
}
