package entity

import (
	"strings"
	"unicode"

	"github.com/agnivade/levenshtein"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/veritas-labs/scrutiny/pkg/contracts"
)

var foldTransformer = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// normalizeName folds diacritics, lowercases, and collapses whitespace so
// "José  GARCÍA" and "jose garcia" compare equal.
func normalizeName(name string) string {
	folded, _, err := transform.String(foldTransformer, name)
	if err != nil {
		folded = name
	}
	return strings.Join(strings.Fields(strings.ToLower(folded)), " ")
}

// nameSimilarity blends edit distance with token overlap. Both components
// are computed on normalized forms; the result is in [0,1].
func nameSimilarity(a, b string) float64 {
	na, nb := normalizeName(a), normalizeName(b)
	if na == "" || nb == "" {
		return 0
	}
	if na == nb {
		return 1
	}
	dist := levenshtein.ComputeDistance(na, nb)
	maxLen := len([]rune(na))
	if l := len([]rune(nb)); l > maxLen {
		maxLen = l
	}
	editScore := 1 - float64(dist)/float64(maxLen)
	if editScore < 0 {
		editScore = 0
	}
	return 0.6*editScore + 0.4*tokenOverlap(na, nb)
}

// tokenOverlap is the Jaccard index over whitespace tokens.
func tokenOverlap(a, b string) float64 {
	ta, tb := strings.Fields(a), strings.Fields(b)
	if len(ta) == 0 || len(tb) == 0 {
		return 0
	}
	set := make(map[string]struct{}, len(ta))
	for _, tok := range ta {
		set[tok] = struct{}{}
	}
	intersection := 0
	union := len(set)
	seen := make(map[string]struct{}, len(tb))
	for _, tok := range tb {
		if _, dup := seen[tok]; dup {
			continue
		}
		seen[tok] = struct{}{}
		if _, ok := set[tok]; ok {
			intersection++
		} else {
			union++
		}
	}
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

// dobAgreement scores date-of-birth agreement on ISO dates. Exact 1.0,
// year+month 0.7, year only 0.5, mismatch 0. A second return of false
// means one side is missing and the component should be skipped.
func dobAgreement(a, b string) (float64, bool) {
	if a == "" || b == "" {
		return 0, false
	}
	if a == b {
		return 1, true
	}
	if len(a) >= 7 && len(b) >= 7 && a[:7] == b[:7] {
		return 0.7, true
	}
	if len(a) >= 4 && len(b) >= 4 && a[:4] == b[:4] {
		return 0.5, true
	}
	return 0, true
}

// addressAgreement is the best token overlap across the two address sets.
func addressAgreement(a, b []string) (float64, bool) {
	if len(a) == 0 || len(b) == 0 {
		return 0, false
	}
	best := 0.0
	for _, ad := range a {
		for _, bd := range b {
			if score := tokenOverlap(normalizeName(ad), normalizeName(bd)); score > best {
				best = score
			}
		}
	}
	return best, true
}

// Component weights for the composite match score. Missing components are
// dropped and the remaining weights renormalized.
const (
	weightName    = 0.60
	weightDOB     = 0.25
	weightAddress = 0.15
)

// MatchScore computes the fuzzy match score s in [0,1] between a subject
// and a candidate entity.
func MatchScore(subject contracts.Subject, candidate *Entity) float64 {
	bestName := 0.0
	subjectNames := append([]string{subject.FullName}, subject.Aliases...)
	for _, sn := range subjectNames {
		for _, cn := range candidate.Names() {
			if score := nameSimilarity(sn, cn); score > bestName {
				bestName = score
			}
		}
	}

	total := bestName * weightName
	weight := weightName

	if score, ok := dobAgreement(subject.DateOfBirth, candidate.DateOfBirth); ok {
		total += score * weightDOB
		weight += weightDOB
	}
	if score, ok := addressAgreement(subject.Addresses, candidate.Addresses); ok {
		total += score * weightAddress
		weight += weightAddress
	}
	if weight == 0 {
		return 0
	}
	return total / weight
}
