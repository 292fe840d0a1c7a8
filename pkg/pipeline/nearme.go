package pipeline

import (
	"regexp"
	"strings"
)

// nearMePatterns is the reviewable per-language pattern set for the
// language-agnostic "near me" override. Patterns are matched against the
// lowercased query.
var nearMePatterns = []*regexp.Regexp{
	// English
	regexp.MustCompile(`\bnear\s*me\b`),
	regexp.MustCompile(`\b(around|close\s+to)\s+me\b`),
	regexp.MustCompile(`\bnearby\b`),
	// Hebrew
	regexp.MustCompile(`לידי`),
	regexp.MustCompile(`בסביבה(\s+שלי)?`),
	regexp.MustCompile(`קרוב\s+אלי`),
	// Russian
	regexp.MustCompile(`рядом(\s+со\s+мной)?`),
	regexp.MustCompile(`возле\s+меня`),
	regexp.MustCompile(`поблизости`),
	// Arabic
	regexp.MustCompile(`بالقرب\s+مني`),
	regexp.MustCompile(`قريب\s+مني`),
	// French
	regexp.MustCompile(`près\s+de\s+(chez\s+)?moi`),
	regexp.MustCompile(`à\s+proximité`),
	// Spanish
	regexp.MustCompile(`cerca\s+de\s+m[ií]`),
}

// IsNearMeQuery reports whether the query asks for results near the user's
// current position. Input is lowercased here so raw queries match regardless
// of casing.
func IsNearMeQuery(query string) bool {
	query = strings.ToLower(query)
	for _, re := range nearMePatterns {
		if re.MatchString(query) {
			return true
		}
	}
	return false
}
