// Package extract holds the regex stages: cross-reference extraction,
// obligation extraction, and the keyword pre-filter that gates the LLM
// obligation stage.
package extract

import (
	"regexp"
	"strings"

	"lexpipe/internal/corpus"
)

// Citation patterns. Legal text cites sections either with the section
// word or the silcrow, optionally with a dash-joined compound number.
var citePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bsections?\s+(\d+[A-Za-z]?(?:-\d+[A-Za-z]?)+)`),
	regexp.MustCompile(`§§?\s*(\d+[A-Za-z]?(?:-\d+[A-Za-z]?)+)`),
}

// Refs extracts cross-references from a section's plain text. Self
// references are dropped and each (to_id, raw_cite) pair is emitted once.
func Refs(sec *corpus.Section) []corpus.CrossReference {
	var out []corpus.CrossReference
	seen := map[string]struct{}{}
	for _, re := range citePatterns {
		for _, m := range re.FindAllStringSubmatch(sec.TextPlain, -1) {
			raw := strings.TrimSpace(m[0])
			to := normalizeCite(sec.Jurisdiction, m[1])
			if to == "" || to == sec.ID {
				continue
			}
			key := to + "\x00" + raw
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			out = append(out, corpus.CrossReference{
				Jurisdiction: sec.Jurisdiction,
				FromID:       sec.ID,
				ToID:         to,
				RawCite:      raw,
			})
		}
	}
	return out
}

// normalizeCite turns a cited compound number into the section-id form
// used throughout the corpus: lowercase, jurisdiction-prefixed.
func normalizeCite(jurisdiction, num string) string {
	num = strings.ToLower(strings.TrimSpace(num))
	if num == "" {
		return ""
	}
	return jurisdiction + "-" + num
}
