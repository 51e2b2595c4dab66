// Package corpus defines the record types exchanged between pipeline stages.
// Every record carries a jurisdiction tag and stable IDs; stages validate at
// their boundaries and never mutate records after emission.
package corpus

import (
	"time"
)

// Ancestor is one step in a section's hierarchy path, ordered root to leaf.
type Ancestor struct {
	Type  string `json:"type"`
	Label string `json:"label"`
	ID    string `json:"id"`
}

// Section is the atomic unit of the corpus.
type Section struct {
	Jurisdiction  string     `json:"jurisdiction" validate:"required"`
	ID            string     `json:"id" validate:"required"`
	Citation      string     `json:"citation,omitempty"`
	Heading       string     `json:"heading,omitempty"`
	TextPlain     string     `json:"text_plain"`
	TextHTML      string     `json:"text_html,omitempty"`
	Ancestors     []Ancestor `json:"ancestors,omitempty"`
	TitleLabel    string     `json:"title_label,omitempty"`
	ChapterLabel  string     `json:"chapter_label,omitempty"`
	EffectiveDate string     `json:"effective_date,omitempty"`
}

// Key returns the globally unique (jurisdiction, id) key.
func (s *Section) Key() string {
	return s.Jurisdiction + "/" + s.ID
}

// StructureNode is one node of the title/chapter hierarchy. ParentID, when
// set, references another node in the same jurisdiction; the graph is a
// forest.
type StructureNode struct {
	Jurisdiction string `json:"jurisdiction" validate:"required"`
	ID           string `json:"id" validate:"required"`
	ParentID     string `json:"parent_id,omitempty"`
	Level        string `json:"level" validate:"required"`
	Label        string `json:"label,omitempty"`
	Heading      string `json:"heading,omitempty"`
	Ordinal      int    `json:"ordinal"`
}

// CrossReference links a citing section to a cited one.
type CrossReference struct {
	Jurisdiction string `json:"jurisdiction" validate:"required"`
	FromID       string `json:"from_id" validate:"required"`
	ToID         string `json:"to_id" validate:"required"`
	RawCite      string `json:"raw_cite" validate:"required"`
}

// Obligation categories.
const (
	ObligationDeadline   = "deadline"
	ObligationConstraint = "constraint"
	ObligationAllocation = "allocation"
	ObligationPenalty    = "penalty"
)

// Obligation is a regex- or LLM-derived duty attached to a section.
// Value and Unit co-occur; Phrase length is clamped to [5, 200] at
// extraction time and enforced again on load.
type Obligation struct {
	Jurisdiction string   `json:"jurisdiction" validate:"required"`
	SectionID    string   `json:"section_id" validate:"required"`
	Category     string   `json:"category" validate:"required,oneof=deadline constraint allocation penalty"`
	Phrase       string   `json:"phrase" validate:"required,min=5,max=200"`
	Value        *float64 `json:"value,omitempty"`
	Unit         string   `json:"unit,omitempty"`
	Confidence   *float64 `json:"confidence,omitempty" validate:"omitempty,gte=0,lte=1"`
	ModelUsed    string   `json:"model_used,omitempty"`
}

// SimilarityPair relates two sections with section_a < section_b
// lexicographically, so each pair is emitted exactly once.
type SimilarityPair struct {
	Jurisdiction string  `json:"jurisdiction" validate:"required"`
	SectionA     string  `json:"section_a" validate:"required"`
	SectionB     string  `json:"section_b" validate:"required"`
	Similarity   float64 `json:"similarity" validate:"gte=0,lte=1"`
}

// Classification relationships.
const (
	RelationDuplicate   = "duplicate"
	RelationSuperseded  = "superseded"
	RelationRelated     = "related"
	RelationConflicting = "conflicting"
)

// Classification is an LLM judgement over a similarity pair.
type Classification struct {
	Jurisdiction string    `json:"jurisdiction" validate:"required"`
	SectionA     string    `json:"section_a" validate:"required"`
	SectionB     string    `json:"section_b" validate:"required"`
	Relationship string    `json:"relationship" validate:"required,oneof=duplicate superseded related conflicting"`
	Explanation  string    `json:"explanation,omitempty"`
	ModelUsed    string    `json:"model_used,omitempty"`
	AnalyzedAt   time.Time `json:"analyzed_at"`
}

// Indicator is one typed finding inside an analysis record. MatchedPhrases
// become highlight rows referencing the indicator on load.
type Indicator struct {
	Type           string   `json:"type" validate:"required"`
	Severity       string   `json:"severity,omitempty"`
	Complexity     string   `json:"complexity,omitempty"`
	MatchedPhrases []string `json:"matched_phrases,omitempty"`
	Recommendation string   `json:"recommendation,omitempty"`
	Explanation    string   `json:"explanation,omitempty"`
}

// Analysis is the shared shape of the reporting, anachronism and
// implementation stage outputs: one section, typed indicators, a summary.
type Analysis struct {
	Jurisdiction string      `json:"jurisdiction" validate:"required"`
	SectionID    string      `json:"section_id" validate:"required"`
	Indicators   []Indicator `json:"indicators,omitempty" validate:"dive"`
	Summary      string      `json:"summary,omitempty"`
	ModelUsed    string      `json:"model_used,omitempty"`
	AnalyzedAt   time.Time   `json:"analyzed_at"`
}

// ReportingCandidate is a section that passed the cross-encoder pre-filter,
// with the score that admitted it.
type ReportingCandidate struct {
	Jurisdiction string  `json:"jurisdiction" validate:"required"`
	SectionID    string  `json:"section_id" validate:"required"`
	Score        float64 `json:"score" validate:"gte=0,lte=1"`
}
