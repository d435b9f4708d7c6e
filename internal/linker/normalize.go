package linker

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// deaccent strips combining marks so "Ministère des Finances" and
// "Ministere des Finances" compare equal.
var deaccent = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

func normalizeDepartment(s string) string {
	out, _, err := transform.String(deaccent, s)
	if err != nil {
		out = s
	}
	return strings.ToLower(strings.TrimSpace(out))
}

// departmentsOverlap reports whether the promise's responsible department
// matches any of the evidence departments. Either side being unknown counts
// as a match, since missing attribution must not hide candidates.
func departmentsOverlap(evidenceDepts []string, promiseDept string) bool {
	target := normalizeDepartment(promiseDept)
	if target == "" || len(evidenceDepts) == 0 {
		return true
	}
	for _, d := range evidenceDepts {
		nd := normalizeDepartment(d)
		if nd == "" {
			continue
		}
		if nd == target || strings.Contains(nd, target) || strings.Contains(target, nd) {
			return true
		}
	}
	return false
}
