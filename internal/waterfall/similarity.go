package waterfall

import (
	"strings"
	"unicode"

	"github.com/agext/levenshtein"
)

// indel distance: substitutions cost as much as a delete plus an insert,
// so Similarity matches the classic normalized ratio.
var ratioParams = levenshtein.NewParams().SubCost(2)

// tokens splits s into a set of lowercase word tokens (letters, digits
// and underscores).
func tokens(s string) map[string]struct{} {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_'
	})
	set := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		set[f] = struct{}{}
	}
	return set
}

// TokenOverlap is the Jaccard similarity of the word-token sets of a and b.
// Empty input yields 0.
func TokenOverlap(a, b string) float64 {
	ta, tb := tokens(a), tokens(b)
	if len(ta) == 0 || len(tb) == 0 {
		return 0
	}
	inter := 0
	for t := range ta {
		if _, ok := tb[t]; ok {
			inter++
		}
	}
	union := len(ta) + len(tb) - inter
	return float64(inter) / float64(union)
}

// Similarity is the normalized edit-similarity ratio of a and b, compared
// case-insensitively: 1 - indel/(len(a)+len(b)).
func Similarity(a, b string) float64 {
	a, b = strings.ToLower(strings.TrimSpace(a)), strings.ToLower(strings.TrimSpace(b))
	if a == "" && b == "" {
		return 1
	}
	return levenshtein.Similarity(a, b, ratioParams)
}
