package extract

import (
	"regexp"
	"strconv"
	"strings"

	"lexpipe/internal/corpus"
)

var (
	deadlineRe = regexp.MustCompile(`(?i)\b(?:within|not\s+later\s+than|no\s+later\s+than)\s+(\d{1,4})\s+(?:calendar\s+|business\s+)?days\b`)
	amountRe   = regexp.MustCompile(`\$\s*([0-9][0-9,]*(?:\.[0-9]{1,2})?)`)
	penaltyRe  = regexp.MustCompile(`(?i)\b(penalty|fine(?:d|s)?|forfeit(?:ure)?|misdemeanor|felony|imprison(?:ment|ed)?)\b`)
	constrRe   = regexp.MustCompile(`(?i)\b(shall\s+not|must\s+not|may\s+not|is\s+prohibited|are\s+prohibited|unlawful\s+to)\b`)
)

const (
	minDeadlineDays = 1
	maxDeadlineDays = 365
	minPhraseLen    = 5
	maxPhraseLen    = 200
)

// Deadlines extracts day-count deadlines. Day counts outside [1, 365] are
// treated as noise (OCR artifacts, century-style numbers) and rejected.
func Deadlines(sec *corpus.Section) []corpus.Obligation {
	var out []corpus.Obligation
	for _, loc := range deadlineRe.FindAllStringSubmatchIndex(sec.TextPlain, -1) {
		days, err := strconv.Atoi(sec.TextPlain[loc[2]:loc[3]])
		if err != nil || days < minDeadlineDays || days > maxDeadlineDays {
			continue
		}
		v := float64(days)
		out = append(out, corpus.Obligation{
			Jurisdiction: sec.Jurisdiction,
			SectionID:    sec.ID,
			Category:     corpus.ObligationDeadline,
			Phrase:       phraseAround(sec.TextPlain, loc[0], loc[1]),
			Value:        &v,
			Unit:         "days",
		})
	}
	return out
}

// Amounts extracts dollar amounts as cent values. Non-positive amounts are
// rejected.
func Amounts(sec *corpus.Section) []corpus.Obligation {
	var out []corpus.Obligation
	for _, loc := range amountRe.FindAllStringSubmatchIndex(sec.TextPlain, -1) {
		raw := strings.ReplaceAll(sec.TextPlain[loc[2]:loc[3]], ",", "")
		amount, err := strconv.ParseFloat(raw, 64)
		if err != nil || amount <= 0 {
			continue
		}
		cents := float64(int64(amount*100 + 0.5))
		out = append(out, corpus.Obligation{
			Jurisdiction: sec.Jurisdiction,
			SectionID:    sec.ID,
			Category:     corpus.ObligationAllocation,
			Phrase:       phraseAround(sec.TextPlain, loc[0], loc[1]),
			Value:        &cents,
			Unit:         "cents",
		})
	}
	return out
}

// Penalties and Constraints carry no numeric value, only the phrase.
func Penalties(sec *corpus.Section) []corpus.Obligation {
	return phraseObligations(sec, penaltyRe, corpus.ObligationPenalty)
}

func Constraints(sec *corpus.Section) []corpus.Obligation {
	return phraseObligations(sec, constrRe, corpus.ObligationConstraint)
}

func phraseObligations(sec *corpus.Section, re *regexp.Regexp, category string) []corpus.Obligation {
	var out []corpus.Obligation
	seen := map[string]struct{}{}
	for _, loc := range re.FindAllStringIndex(sec.TextPlain, -1) {
		phrase := phraseAround(sec.TextPlain, loc[0], loc[1])
		if _, dup := seen[phrase]; dup {
			continue
		}
		seen[phrase] = struct{}{}
		out = append(out, corpus.Obligation{
			Jurisdiction: sec.Jurisdiction,
			SectionID:    sec.ID,
			Category:     category,
			Phrase:       phrase,
		})
	}
	return out
}

// Obligations runs every extractor over one section.
func Obligations(sec *corpus.Section) []corpus.Obligation {
	out := Deadlines(sec)
	out = append(out, Amounts(sec)...)
	out = append(out, Penalties(sec)...)
	out = append(out, Constraints(sec)...)
	return out
}

// phraseAround widens a match to word boundaries with a little context on
// each side, clamped to the [5, 200] phrase length the store enforces.
func phraseAround(text string, start, end int) string {
	const context = 60
	lo := start - context
	if lo < 0 {
		lo = 0
	}
	hi := end + context
	if hi > len(text) {
		hi = len(text)
	}
	for lo > 0 && text[lo-1] != ' ' && text[lo-1] != '\n' {
		lo--
	}
	for hi < len(text) && text[hi] != ' ' && text[hi] != '\n' {
		hi++
	}
	phrase := strings.Join(strings.Fields(text[lo:hi]), " ")
	if len(phrase) > maxPhraseLen {
		phrase = strings.TrimSpace(phrase[:maxPhraseLen])
	}
	for len(phrase) < minPhraseLen {
		phrase += "."
	}
	return phrase
}
