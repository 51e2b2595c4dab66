package corpus

import (
	"encoding/json"
	"testing"
	"time"

	"lexpipe/internal/tester"
)

func TestSectionValidate(t *testing.T) {
	s := Section{Jurisdiction: "us", ID: "us-1-1", TextPlain: "The fee shall be paid."}
	tester.NoErr(t, s.Validate())

	s = Section{Jurisdiction: "us", ID: "us-1-2", TextHTML: "<p>hi</p>"}
	tester.Err(t, s.Validate(), "text_plain must accompany text_html")

	s = Section{ID: "us-1-3", TextPlain: "x"}
	tester.Err(t, s.Validate(), "jurisdiction required")
}

func TestObligationValidate(t *testing.T) {
	v := 30.0
	o := Obligation{
		Jurisdiction: "us", SectionID: "us-1-1",
		Category: ObligationDeadline, Phrase: "filed within 30 days",
		Value: &v, Unit: "days",
	}
	tester.NoErr(t, o.Validate())

	o.Unit = ""
	tester.Err(t, o.Validate(), "value without unit")

	o.Unit = "days"
	o.Phrase = "hi"
	tester.Err(t, o.Validate(), "phrase below minimum length")

	o.Phrase = string(make([]byte, 201))
	tester.Err(t, o.Validate(), "phrase above maximum length")

	o.Phrase = "filed within 30 days"
	o.Category = "suggestion"
	tester.Err(t, o.Validate(), "unknown category")
}

func TestSimilarityPairOrdering(t *testing.T) {
	p := SimilarityPair{Jurisdiction: "us", SectionA: "us-1-1", SectionB: "us-1-2", Similarity: 0.9}
	tester.NoErr(t, p.Validate())

	p.SectionA, p.SectionB = p.SectionB, p.SectionA
	tester.Err(t, p.Validate(), "reversed pair must fail")

	p = SimilarityPair{Jurisdiction: "us", SectionA: "us-1-1", SectionB: "us-1-1", Similarity: 0.5}
	tester.Err(t, p.Validate(), "self pair must fail")

	p = SimilarityPair{Jurisdiction: "us", SectionA: "us-1-1", SectionB: "us-1-2", Similarity: 1.2}
	tester.Err(t, p.Validate(), "similarity above 1")
}

func TestCrossReferenceValidate(t *testing.T) {
	r := CrossReference{Jurisdiction: "us", FromID: "us-1-1", ToID: "us-1-2", RawCite: "§ 1-2"}
	tester.NoErr(t, r.Validate())

	r.ToID = r.FromID
	tester.Err(t, r.Validate(), "self reference")
}

func TestSectionRoundTripStable(t *testing.T) {
	s := Section{
		Jurisdiction: "us",
		ID:           "us-10-101",
		Citation:     "10 U.S.C. § 101",
		Heading:      "Définitions",
		TextPlain:    "In this title — the term “officer” means…",
		Ancestors: []Ancestor{
			{Type: "title", Label: "10", ID: "t10"},
			{Type: "chapter", Label: "1", ID: "t10c1"},
		},
		TitleLabel:   "10",
		ChapterLabel: "1",
	}
	first, err := json.Marshal(&s)
	tester.NoErr(t, err)

	var back Section
	tester.NoErr(t, json.Unmarshal(first, &back))
	second, err := json.Marshal(&back)
	tester.NoErr(t, err)
	tester.Eq(t, string(second), string(first))
}

func TestClassificationValidate(t *testing.T) {
	c := Classification{
		Jurisdiction: "us", SectionA: "us-1-1", SectionB: "us-1-2",
		Relationship: RelationDuplicate, ModelUsed: "fake-high",
		AnalyzedAt: time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC),
	}
	tester.NoErr(t, c.Validate())

	c.Relationship = "sibling"
	tester.Err(t, c.Validate(), "unknown relationship")
}
