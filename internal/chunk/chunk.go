// Package chunk splits long replies into pieces that fit a chat message.
package chunk

import (
	"unicode"
)

// MaxMessageSize is the Telegram text message limit.
const MaxMessageSize = 4096

// Split breaks text into ordered chunks of at most maxSize runes.
// maxSize <= 0 means MaxMessageSize. Empty text yields no chunks.
//
// A cut is placed after the last paragraph break, line break, or whitespace
// found in the back half of the window, in that order of preference. Failing
// that, after the last whitespace anywhere in the window; failing that, at
// exactly maxSize runes. Separators stay at the end of the chunk they close,
// so strings.Join(Split(s, n), "") == s and splitting that join again yields
// the same chunks.
func Split(text string, maxSize int) []string {
	if maxSize <= 0 {
		maxSize = MaxMessageSize
	}
	if text == "" {
		return nil
	}

	r := []rune(text)
	var chunks []string
	for len(r) > maxSize {
		cut := findCut(r, maxSize)
		chunks = append(chunks, string(r[:cut]))
		r = r[cut:]
	}
	if len(r) > 0 {
		chunks = append(chunks, string(r))
	}
	return chunks
}

// findCut returns the number of runes to take from r for the next chunk.
// len(r) > max is guaranteed by the caller.
func findCut(r []rune, max int) int {
	lo := max / 2

	// Paragraph break: "\n\n" fully inside the window
	for i := max - 2; i >= lo && i >= 1; i-- {
		if r[i] == '\n' && r[i+1] == '\n' {
			return i + 2
		}
	}
	for i := max - 1; i >= lo && i >= 1; i-- {
		if r[i] == '\n' {
			return i + 1
		}
	}
	for i := max - 1; i >= lo && i >= 1; i-- {
		if unicode.IsSpace(r[i]) {
			return i + 1
		}
	}
	// Outside the lookback window any whitespace beats a mid-word cut
	for i := lo - 1; i >= 1; i-- {
		if unicode.IsSpace(r[i]) {
			return i + 1
		}
	}
	return max
}

// IsBlank reports whether s contains only whitespace.
func IsBlank(s string) bool {
	for _, c := range s {
		if !unicode.IsSpace(c) {
			return false
		}
	}
	return true
}
