// Package suggest offers did-you-mean hints for near-miss names: unknown
// prompt names, store names, and model ids.
package suggest

import (
	"fmt"
	"strings"
)

// maxDistance is the largest edit distance still considered a near miss.
const maxDistance = 3

// distance computes the case-insensitive optimal string alignment
// distance: Levenshtein edits plus adjacent transpositions, so a pair
// of swapped letters counts as a single edit.
func distance(a, b string) int {
	a = strings.ToLower(a)
	b = strings.ToLower(b)
	if len(a) == 0 {
		return len(b)
	}
	if len(b) == 0 {
		return len(a)
	}

	prev2 := make([]int, len(b)+1)
	prev := make([]int, len(b)+1)
	cur := make([]int, len(b)+1)
	for j := 0; j <= len(b); j++ {
		prev[j] = j
	}
	for i := 1; i <= len(a); i++ {
		cur[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			m := prev[j] + 1
			if ins := cur[j-1] + 1; ins < m {
				m = ins
			}
			if sub := prev[j-1] + cost; sub < m {
				m = sub
			}
			if i > 1 && j > 1 && a[i-1] == b[j-2] && a[i-2] == b[j-1] {
				if tr := prev2[j-2] + 1; tr < m {
					m = tr
				}
			}
			cur[j] = m
		}
		prev2, prev, cur = prev, cur, prev2
	}
	return prev[len(b)]
}

// Closest returns the candidate nearest to name, or "" when nothing is
// close enough to be a plausible typo.
func Closest(name string, candidates []string) string {
	best := ""
	bestDist := maxDistance + 1
	for _, candidate := range candidates {
		if d := distance(name, candidate); d < bestDist {
			best = candidate
			bestDist = d
		}
	}
	return best
}

// Hint formats a did-you-mean suffix, or "" when there is no good match.
func Hint(name string, candidates []string) string {
	if closest := Closest(name, candidates); closest != "" {
		return fmt.Sprintf(" (did you mean %q?)", closest)
	}
	return ""
}
