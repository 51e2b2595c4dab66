package extract

import (
	"strings"
	"testing"

	"lexpipe/internal/corpus"
	"lexpipe/internal/tester"
)

func sec(id, text string) *corpus.Section {
	return &corpus.Section{Jurisdiction: "x", ID: id, TextPlain: text}
}

func TestFeeAndDeadlineExtraction(t *testing.T) {
	s := sec("x-2-1", "The fee shall be $500 and filed within 30 days.")

	deadlines := Deadlines(s)
	tester.Eq(t, len(deadlines), 1)
	d := deadlines[0]
	tester.Eq(t, d.Category, corpus.ObligationDeadline)
	tester.Eq(t, *d.Value, float64(30))
	tester.Eq(t, d.Unit, "days")
	tester.NoErr(t, d.Validate())

	amounts := Amounts(s)
	tester.Eq(t, len(amounts), 1)
	a := amounts[0]
	tester.Eq(t, *a.Value, float64(50000))
	tester.Eq(t, a.Unit, "cents")
	tester.NoErr(t, a.Validate())
}

func TestDeadlineRejectsOutOfRangeDays(t *testing.T) {
	tester.Eq(t, len(Deadlines(sec("x-1", "report within 0 days of the act"))), 0)
	tester.Eq(t, len(Deadlines(sec("x-2", "report within 366 days of the act"))), 0)
	tester.Eq(t, len(Deadlines(sec("x-3", "report within 1 days of the act"))), 1)
	tester.Eq(t, len(Deadlines(sec("x-4", "report within 365 days of the act"))), 1)
}

func TestAmountRejectsNonPositive(t *testing.T) {
	tester.Eq(t, len(Amounts(sec("x-1", "a fee of $0 is due"))), 0)
	tester.Eq(t, len(Amounts(sec("x-2", "a fee of $0.00 is due"))), 0)

	got := Amounts(sec("x-3", "a fee of $1,234.56 is due"))
	tester.Eq(t, len(got), 1)
	tester.Eq(t, *got[0].Value, float64(123456))
}

func TestPhraseClampedToBounds(t *testing.T) {
	long := strings.Repeat("w", 300)
	got := Deadlines(sec("x-1", long+" within 30 days "+long))
	tester.Eq(t, len(got), 1)
	tester.True(t, len(got[0].Phrase) >= 5)
	tester.True(t, len(got[0].Phrase) <= 200)
}

func TestRefsExtractionAndDedup(t *testing.T) {
	s := sec("x-5-1", "As provided in section 5-2 and § 5-3, and again section 5-2.")
	refs := Refs(s)
	tester.Eq(t, len(refs), 2)
	tester.Eq(t, refs[0].ToID, "x-5-2")
	tester.Eq(t, refs[1].ToID, "x-5-3")
	for i := range refs {
		tester.NoErr(t, refs[i].Validate())
	}
}

func TestRefsDropSelfReference(t *testing.T) {
	refs := Refs(sec("x-5-1", "see section 5-1 for definitions"))
	tester.Eq(t, len(refs), 0)
}

func TestConstraintAndPenaltyPhrases(t *testing.T) {
	s := sec("x-9-9", "A licensee shall not operate after revocation; violation is a misdemeanor.")
	cons := Constraints(s)
	tester.Eq(t, len(cons), 1)
	tester.Eq(t, cons[0].Category, corpus.ObligationConstraint)

	pens := Penalties(s)
	tester.Eq(t, len(pens), 1)
	tester.Eq(t, pens[0].Category, corpus.ObligationPenalty)
}

func TestPrefilterDisjunction(t *testing.T) {
	tester.True(t, MatchesObligationLanguage("the fee shall be $500"))
	tester.True(t, MatchesObligationLanguage("filed within 30 days"))
	tester.True(t, MatchesObligationLanguage("punishable as a misdemeanor"))
	tester.True(t, MatchesObligationLanguage("the owner must register"))
	tester.False(t, MatchesObligationLanguage("this chapter describes the history of the state flower"))
}
