package formula

import (
	"fmt"
	"sort"
	"strings"

	"github.com/lithammer/fuzzysearch/fuzzy"
)

// closestMatch finds the candidate most likely meant by target. a fuzzy
// subsequence match wins; otherwise the nearest candidate by edit distance,
// if it is close enough to be a typo.
func closestMatch(target string, candidates []string) string {
	if target == "" || len(candidates) == 0 {
		return ""
	}

	ranks := fuzzy.RankFindFold(target, candidates)
	if len(ranks) > 0 {
		sort.Sort(ranks)
		return ranks[0].Target
	}

	best, bestDistance := "", -1
	folded := strings.ToLower(target)
	for _, candidate := range candidates {
		d := fuzzy.LevenshteinDistance(folded, strings.ToLower(candidate))
		if bestDistance < 0 || d < bestDistance || (d == bestDistance && candidate < best) {
			best, bestDistance = candidate, d
		}
	}
	if bestDistance > max(1, len(target)/3) {
		return ""
	}
	return best
}

// nameError builds the #NAME? error for an identifier nothing recognized
func nameError(kind, name string, candidates []string) *SpreadsheetError {
	msg := fmt.Sprintf("unknown %s: %s", kind, name)
	if hint := closestMatch(name, candidates); hint != "" && !strings.EqualFold(hint, name) {
		msg += fmt.Sprintf(" (did you mean %s?)", hint)
	}
	return NewSpreadsheetError(ErrorCodeName, msg)
}
