package dedup

import (
	"strings"
	"testing"

	"lexpipe/internal/corpus"
	"lexpipe/internal/safeio"
	"lexpipe/internal/tester"
)

func legalText(seed string) string {
	var sb strings.Builder
	for i := 0; i < 120; i++ {
		sb.WriteString("the commissioner shall file the ")
		sb.WriteString(seed)
		sb.WriteString(" report within thirty days of receipt ")
	}
	return sb.String()
}

func section(id, text string) corpus.Section {
	return corpus.Section{Jurisdiction: "x", ID: id, TextPlain: text}
}

func TestIdenticalSectionsCollapseToLexSmallest(t *testing.T) {
	d := NewDetector(Config{}, nil)
	text := legalText("annual")
	m := d.Detect([]corpus.Section{
		section("x-1-2", text),
		section("x-1-1", text),
		section("x-1-3", text),
		section("x-9-9", legalText("entirely different subject matter")),
	})
	tester.NoErr(t, m.Check())
	tester.Eq(t, m["x-1-2"], "x-1-1")
	tester.Eq(t, m["x-1-3"], "x-1-1")
	_, mapped := m["x-1-1"]
	tester.False(t, mapped, "canonical must not appear as a key")
	_, mapped = m["x-9-9"]
	tester.False(t, mapped, "distinct section must stay unmapped")
}

func TestShortSectionsAreIgnored(t *testing.T) {
	d := NewDetector(Config{}, nil)
	m := d.Detect([]corpus.Section{
		section("x-1-1", "short identical stub"),
		section("x-1-2", "short identical stub"),
		section("x-1-3", "   \n\t  "),
	})
	tester.Eq(t, len(m), 0)
}

func TestDissimilarSectionsStayApart(t *testing.T) {
	d := NewDetector(Config{}, nil)
	m := d.Detect([]corpus.Section{
		section("x-1-1", legalText("annual licensing fee")),
		section("x-1-2", legalText("quarterly environmental audit")),
	})
	tester.Eq(t, len(m), 0)
}

func TestShortestLimitWinsOnCollision(t *testing.T) {
	// Identical in the first 2000 chars, diverging afterwards: the
	// 2000-limit pass pairs them, the 3000-limit pass does not. The merged
	// map must keep the shortest limit's verdict.
	common := legalText("annual")[:2000]
	a := common + strings.Repeat(" distinct tail alpha beta gamma", 40)
	b := common + strings.Repeat(" wholly other ending text words", 40)

	d := NewDetector(Config{Truncations: []int{2000, 3000}}, nil)
	m := d.Detect([]corpus.Section{section("x-2-2", a), section("x-2-1", b)})
	tester.NoErr(t, m.Check())
	tester.Eq(t, m["x-2-2"], "x-2-1")
}

func TestMapNormalizeResolvesChains(t *testing.T) {
	m := Map{"c": "b", "b": "a"}
	m.normalize()
	tester.NoErr(t, m.Check())
	tester.Eq(t, m["c"], "a")
	tester.Eq(t, m["b"], "a")
}

func TestMapSaveLoadRoundTrip(t *testing.T) {
	fs, err := safeio.NewSafeFS(t.TempDir())
	tester.NoErr(t, err)

	m := Map{"x-1-2": "x-1-1", "x-1-3": "x-1-1"}
	tester.NoErr(t, m.Save(fs, "dedup_map.bin"))

	loaded, err := LoadMap(fs, "dedup_map.bin")
	tester.NoErr(t, err)
	tester.Eq(t, loaded, m)

	missing, err := LoadMap(fs, "absent.bin")
	tester.NoErr(t, err)
	tester.Eq(t, len(missing), 0)
	tester.Eq(t, missing.Canonical("x-1-2"), "x-1-2")
}

func TestBandingTracksThreshold(t *testing.T) {
	bands, rows := bandingFor(128, 0.95)
	tester.Eq(t, bands*rows, 128)
	tester.True(t, rows >= 16, "high threshold needs long bands, got rows=%d", rows)
}
