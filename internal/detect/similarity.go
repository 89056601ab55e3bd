package detect

import (
	"strings"
	"unicode"
)

// Scores for the name-similarity signal. Exact and alias matches outrank
// fuzzy matches so a shared surface form always beats a near-miss.
const (
	scoreExactPrimary = 1.0
	scoreExactAlias   = 0.95
	fuzzyWeight       = 0.9
)

// nameSimilarity scores two candidates' name sets against each other.
// namesA[0] and namesB[0] are the primary names; the rest are aliases.
func nameSimilarity(namesA, namesB []string) float64 {
	best := 0.0
	for i, rawA := range namesA {
		a := normalizeName(rawA)
		if a == "" {
			continue
		}
		for j, rawB := range namesB {
			b := normalizeName(rawB)
			if b == "" {
				continue
			}
			var score float64
			switch {
			case a == b && i == 0 && j == 0:
				score = scoreExactPrimary
			case a == b:
				score = scoreExactAlias
			default:
				score = fuzzyWeight * fuzzyScore(a, b)
			}
			if score > best {
				best = score
			}
			if best >= scoreExactPrimary {
				return best
			}
		}
	}
	return best
}

// fuzzyScore is the max of token Jaccard and normalized Levenshtein, so both
// word-swap variants ("Lake House" vs "House Lake") and spelling variants
// ("Jon" vs "John") score well.
func fuzzyScore(a, b string) float64 {
	j := tokenJaccard(a, b)
	l := normalizedLevenshtein(a, b)
	if j > l {
		return j
	}
	return l
}

// overlapCoefficient measures shared membership relative to the smaller set.
// Used for context overlap: an entity mentioned in few documents that always
// co-occurs with another is a strong nickname/pronoun signal.
func overlapCoefficient(a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	set := make(map[string]struct{}, len(a))
	for _, v := range a {
		set[v] = struct{}{}
	}
	inter := 0
	for _, v := range b {
		if _, ok := set[v]; ok {
			inter++
		}
	}
	min := len(a)
	if len(b) < min {
		min = len(b)
	}
	return float64(inter) / float64(min)
}

// normalizeName lowercases, strips punctuation, and collapses separators.
func normalizeName(v string) string {
	v = strings.ToLower(strings.TrimSpace(v))
	if v == "" {
		return ""
	}
	var b strings.Builder
	b.Grow(len(v))
	lastSpace := false
	for _, r := range v {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r):
			b.WriteRune(r)
			lastSpace = false
		case unicode.IsSpace(r), r == '-', r == '_', r == '/', r == '.', r == '\'':
			if !lastSpace {
				b.WriteByte(' ')
				lastSpace = true
			}
		}
	}
	return strings.TrimSpace(b.String())
}

func tokenJaccard(a, b string) float64 {
	aSet := map[string]struct{}{}
	for _, t := range strings.Fields(a) {
		aSet[t] = struct{}{}
	}
	bSet := map[string]struct{}{}
	for _, t := range strings.Fields(b) {
		bSet[t] = struct{}{}
	}
	if len(aSet) == 0 && len(bSet) == 0 {
		return 1
	}
	inter := 0
	for t := range aSet {
		if _, ok := bSet[t]; ok {
			inter++
		}
	}
	union := len(aSet) + len(bSet) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

func normalizedLevenshtein(a, b string) float64 {
	ar := []rune(a)
	br := []rune(b)
	if len(ar) == 0 && len(br) == 0 {
		return 1
	}
	maxLen := len(ar)
	if len(br) > maxLen {
		maxLen = len(br)
	}
	if maxLen == 0 {
		return 0
	}
	d := make([][]int, len(ar)+1)
	for i := range d {
		d[i] = make([]int, len(br)+1)
	}
	for i := 0; i <= len(ar); i++ {
		d[i][0] = i
	}
	for j := 0; j <= len(br); j++ {
		d[0][j] = j
	}
	for i := 1; i <= len(ar); i++ {
		for j := 1; j <= len(br); j++ {
			cost := 0
			if ar[i-1] != br[j-1] {
				cost = 1
			}
			del := d[i-1][j] + 1
			ins := d[i][j-1] + 1
			sub := d[i-1][j-1] + cost
			d[i][j] = minInt(del, minInt(ins, sub))
		}
	}
	dist := d[len(ar)][len(br)]
	return 1 - float64(dist)/float64(maxLen)
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
