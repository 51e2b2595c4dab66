package embed

import (
	"context"
	"fmt"
	"math"
	"testing"

	"lexpipe/internal/corpus"
	"lexpipe/internal/safeio"
	"lexpipe/internal/tester"
)

// fakeEngine maps each text to a scripted vector.
type fakeEngine struct {
	vectors map[string][]float32
	calls   int
}

func (f *fakeEngine) Name() string { return "fake" }
func (f *fakeEngine) Dimensions() int { return 0 }

func (f *fakeEngine) Embed(_ context.Context, text string) ([]float32, error) {
	f.calls++
	v, ok := f.vectors[text]
	if !ok {
		return nil, fmt.Errorf("no scripted vector for %q", text)
	}
	out := make([]float32, len(v))
	copy(out, v)
	return out, nil
}

func (f *fakeEngine) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := f.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func newCache(t *testing.T) *Cache {
	t.Helper()
	fs, err := safeio.NewSafeFS(t.TempDir())
	tester.NoErr(t, err)
	c, err := OpenCache(fs, "embeddings.bin", 2)
	tester.NoErr(t, err)
	return c
}

func TestNormalizeMakesUnitVectors(t *testing.T) {
	v := []float32{3, 4}
	Normalize(v)
	tester.True(t, math.Abs(float64(Dot(v, v))-1) < 1e-6)

	zero := []float32{0, 0}
	Normalize(zero)
	tester.Eq(t, zero, []float32{0, 0})
}

func TestCacheHitSkipsEngine(t *testing.T) {
	c := newCache(t)
	h := TextHash("some text")
	tester.NoErr(t, c.Put("x-1-1", h, []float32{1, 0}))

	got, ok := c.Get("x-1-1", h)
	tester.True(t, ok)
	tester.Eq(t, got, []float32{1, 0})

	// Changed text invalidates the entry.
	_, ok = c.Get("x-1-1", TextHash("revised text"))
	tester.False(t, ok)
}

func TestCachePersistsAcrossReopen(t *testing.T) {
	fs, err := safeio.NewSafeFS(t.TempDir())
	tester.NoErr(t, err)
	c, err := OpenCache(fs, "embeddings.bin", 100)
	tester.NoErr(t, err)
	h := TextHash("body")
	tester.NoErr(t, c.Put("x-1-1", h, []float32{0.5, 0.5}))
	tester.NoErr(t, c.Flush())

	c2, err := OpenCache(fs, "embeddings.bin", 100)
	tester.NoErr(t, err)
	got, ok := c2.Get("x-1-1", h)
	tester.True(t, ok)
	tester.Eq(t, got, []float32{0.5, 0.5})
	tester.Eq(t, c2.Len(), 1)
}

// basisCorpus builds n sections on orthogonal basis vectors, then makes
// sections 0 and 1 near-duplicates at the given cosine similarity.
func basisCorpus(n, dims int, dupSim float64) ([]corpus.Section, *fakeEngine) {
	eng := &fakeEngine{vectors: map[string][]float32{}}
	secs := make([]corpus.Section, n)
	for i := 0; i < n; i++ {
		text := fmt.Sprintf("section body %d", i)
		vec := make([]float32, dims)
		vec[i%dims] = 1
		if i == 1 {
			vec = make([]float32, dims)
			vec[0] = float32(dupSim)
			vec[1] = float32(math.Sqrt(1 - dupSim*dupSim))
		}
		eng.vectors[text] = vec
		secs[i] = corpus.Section{
			Jurisdiction: "x",
			ID:           fmt.Sprintf("x-%03d", i),
			TextPlain:    text,
		}
	}
	return secs, eng
}

func TestPairsEmitsSingleCanonicalPair(t *testing.T) {
	secs, eng := basisCorpus(100, 100, 0.99)
	pairs, err := Pairs(context.Background(), secs, eng, newCache(t),
		SearchConfig{TopK: 10, Threshold: 0.8}, nil)
	tester.NoErr(t, err)
	tester.Eq(t, len(pairs), 1)
	p := pairs[0]
	tester.Eq(t, p.SectionA, "x-000")
	tester.Eq(t, p.SectionB, "x-001")
	tester.True(t, p.SectionA < p.SectionB)
	tester.True(t, math.Abs(p.Similarity-0.99) < 0.01, "similarity=%f", p.Similarity)
	tester.NoErr(t, p.Validate())
}

func TestPairsReusesCachedVectors(t *testing.T) {
	secs, eng := basisCorpus(20, 20, 0.99)
	cache := newCache(t)
	_, err := Pairs(context.Background(), secs, eng, cache, SearchConfig{}, nil)
	tester.NoErr(t, err)
	firstCalls := eng.calls
	tester.Eq(t, firstCalls, 20)

	_, err = Pairs(context.Background(), secs, eng, cache, SearchConfig{}, nil)
	tester.NoErr(t, err)
	tester.Eq(t, eng.calls, firstCalls, "second run must be fully cached")
}

func TestFlatAndIVFAgreeOnNeighbors(t *testing.T) {
	secs, eng := basisCorpus(60, 60, 0.95)
	vecs := make([][]float32, len(secs))
	for i, s := range secs {
		v, err := eng.Embed(context.Background(), s.TextPlain)
		tester.NoErr(t, err)
		Normalize(v)
		vecs[i] = v
	}
	flat := NewIndex("flat", vecs, 0, 0)
	ivf := NewIndex("ivf", vecs, 0, 60) // probe every cell: exact

	q := vecs[0]
	fhits := flat.Search(q, 3)
	ihits := ivf.Search(q, 3)
	tester.Eq(t, len(fhits), 3)
	tester.Eq(t, fhits[0].Ordinal, ihits[0].Ordinal)
	tester.Eq(t, fhits[1].Ordinal, ihits[1].Ordinal)
}

func TestAutoModePicksFlatForSmallCorpora(t *testing.T) {
	vecs := [][]float32{{1, 0}, {0, 1}}
	idx := NewIndex("auto", vecs, 0, 0)
	_, ok := idx.(*flatIndex)
	tester.True(t, ok)
	tester.Eq(t, idx.Len(), 2)
}
