package grading

import (
	"strings"
	"unicode"
)

// Normalize lowercases, drops punctuation and collapses whitespace. A sign,
// decimal point or slash directly before a digit is kept so "-3", "3.5" and
// "1/2" stay distinct from "3", "35" and "12". Tallies group free-text
// answers by this form too.
func Normalize(s string) string {
	rs := []rune(s)
	var b strings.Builder
	pendingSpace := false
	for i, r := range rs {
		switch {
		case unicode.IsSpace(r):
			pendingSpace = b.Len() > 0
		case strings.ContainsRune("-+./", r) && i+1 < len(rs) && unicode.IsDigit(rs[i+1]):
			if pendingSpace {
				b.WriteByte(' ')
				pendingSpace = false
			}
			b.WriteRune(r)
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
		default:
			if pendingSpace {
				b.WriteByte(' ')
				pendingSpace = false
			}
			b.WriteRune(unicode.ToLower(r))
		}
	}
	return b.String()
}

// editDistance is the Levenshtein distance over runes, two rows at a time.
func editDistance(a, b string) int {
	ar, br := []rune(a), []rune(b)
	if len(ar) < len(br) {
		ar, br = br, ar
	}
	prev := make([]int, len(br)+1)
	cur := make([]int, len(br)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(ar); i++ {
		cur[0] = i
		for j := 1; j <= len(br); j++ {
			cost := 1
			if ar[i-1] == br[j-1] {
				cost = 0
			}
			cur[j] = min(prev[j]+1, cur[j-1]+1, prev[j-1]+cost)
		}
		prev, cur = cur, prev
	}
	return prev[len(br)]
}
