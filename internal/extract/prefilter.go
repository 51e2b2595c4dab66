package extract

import "regexp"

// The S6 pre-filter: a disjunction of monetary, temporal, penal and
// constraint language. A section matching any pattern is worth an LLM
// call; the rest are skipped outright.
var prefilterPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\$\s*[0-9]`),
	regexp.MustCompile(`(?i)\b(fee|fees|payment|compensation|reimburs)\w*`),
	regexp.MustCompile(`(?i)\b(within|not\s+later\s+than|no\s+later\s+than)\s+\d+\s+days\b`),
	regexp.MustCompile(`(?i)\b(deadline|annually|quarterly|each\s+year)\b`),
	regexp.MustCompile(`(?i)\b(penalty|fine|forfeit|misdemeanor|felony|imprison)\w*`),
	regexp.MustCompile(`(?i)\b(shall|must|required\s+to|prohibited|may\s+not)\b`),
}

// MatchesObligationLanguage reports whether text contains any obligation
// indicator.
func MatchesObligationLanguage(text string) bool {
	for _, re := range prefilterPatterns {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}
