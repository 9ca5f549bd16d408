package phase

import (
	"sort"
	"strings"
	"unicode"
)

// fingerprintSampleSize bounds the number of words in a fingerprint.
const fingerprintSampleSize = 8

// minFingerprintWordLen filters out short filler words.
const minFingerprintWordLen = 5

// Fingerprint reduces a message to a normalized signature of its longer
// words, used only for loop/duplicate detection. Near-duplicate messages
// map to the same fingerprint.
func Fingerprint(content string) string {
	normalized := strings.Map(func(r rune) rune {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			return unicode.ToLower(r)
		default:
			return ' '
		}
	}, content)

	seen := make(map[string]bool)
	words := make([]string, 0, fingerprintSampleSize)
	for _, w := range strings.Fields(normalized) {
		if len(w) < minFingerprintWordLen || seen[w] {
			continue
		}
		seen[w] = true
		words = append(words, w)
	}

	sort.Strings(words)
	if len(words) > fingerprintSampleSize {
		words = words[:fingerprintSampleSize]
	}
	return strings.Join(words, "|")
}
