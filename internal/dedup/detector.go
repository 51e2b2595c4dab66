package dedup

import (
	"sort"
	"strings"

	"go.uber.org/zap"

	"lexpipe/internal/corpus"
)

// Config carries the detector's tunables. Zero values take defaults.
type Config struct {
	// Permutations is the MinHash signature width.
	Permutations int
	// Threshold is the Jaccard similarity above which two sections are
	// considered duplicates.
	Threshold float64
	// MinTextLen excludes very short sections; boilerplate stubs would
	// otherwise all collapse into one group.
	MinTextLen int
	// Truncations are the text limits to run at, matching the truncation
	// budgets of the downstream LLM stages. On collision the shortest
	// limit's verdict wins.
	Truncations []int
}

func (c *Config) fill() {
	if c.Permutations <= 0 {
		c.Permutations = 128
	}
	if c.Threshold <= 0 {
		c.Threshold = 0.95
	}
	if c.MinTextLen <= 0 {
		c.MinTextLen = 50
	}
	if len(c.Truncations) == 0 {
		c.Truncations = []int{2000, 3000}
	}
}

// Detector finds near-duplicate groups across a section slice.
type Detector struct {
	cfg   Config
	seeds []uint64
	log   *zap.Logger
}

func NewDetector(cfg Config, logger *zap.Logger) *Detector {
	cfg.fill()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Detector{cfg: cfg, seeds: permutationSeeds(cfg.Permutations), log: logger}
}

// Detect runs the detector at every configured truncation limit and merges
// the per-limit maps conservatively: limits are walked shortest first and
// an id already mapped keeps its earlier (shorter-limit) canonical.
func (d *Detector) Detect(sections []corpus.Section) Map {
	limits := append([]int(nil), d.cfg.Truncations...)
	sort.Ints(limits)

	merged := Map{}
	for _, limit := range limits {
		m := d.detectAt(sections, limit)
		added := 0
		for id, canonical := range m {
			if _, exists := merged[id]; exists {
				continue
			}
			merged[id] = canonical
			added++
		}
		d.log.Debug("dedup pass merged",
			zap.Int("limit", limit),
			zap.Int("pairs", len(m)),
			zap.Int("added", added))
	}

	// Merging maps from different limits can chain: an id canonical in one
	// pass may be mapped away in another. Resolve chains and drop any
	// mapping that would leave a canonical as a key.
	merged.normalize()
	return merged
}

// detectAt runs one MinHash/LSH pass with text truncated to limit runes.
func (d *Detector) detectAt(sections []corpus.Section, limit int) Map {
	idx := newLSHIndex(d.cfg.Permutations, d.cfg.Threshold)
	uf := newUnionFind(len(sections))
	sigs := make([][]uint64, len(sections))

	for i, sec := range sections {
		text := strings.TrimSpace(sec.TextPlain)
		if len([]rune(text)) < d.cfg.MinTextLen {
			continue
		}
		sig := signature(tokenize(truncateRunes(text, limit)), d.seeds)
		if sig == nil {
			continue
		}
		sigs[i] = sig
		for _, cand := range idx.add(i, sig) {
			if sigs[cand] == nil {
				continue
			}
			if signatureSimilarity(sig, sigs[cand]) >= d.cfg.Threshold {
				uf.union(i, cand)
			}
		}
	}

	// Canonical per group is the lexicographically smallest id.
	canonical := map[int]string{}
	for i := range sections {
		if sigs[i] == nil {
			continue
		}
		root := uf.find(i)
		id := sections[i].ID
		if cur, ok := canonical[root]; !ok || id < cur {
			canonical[root] = id
		}
	}

	m := Map{}
	for i := range sections {
		if sigs[i] == nil {
			continue
		}
		c := canonical[uf.find(i)]
		if sections[i].ID != c {
			m[sections[i].ID] = c
		}
	}
	return m
}

func truncateRunes(s string, limit int) string {
	if limit <= 0 {
		return s
	}
	n := 0
	for i := range s {
		if n == limit {
			return s[:i]
		}
		n++
	}
	return s
}

// unionFind over section ordinals, with path compression and union by
// size.
type unionFind struct {
	parent []int
	size   []int
}

func newUnionFind(n int) *unionFind {
	uf := &unionFind{parent: make([]int, n), size: make([]int, n)}
	for i := range uf.parent {
		uf.parent[i] = i
		uf.size[i] = 1
	}
	return uf
}

func (u *unionFind) find(x int) int {
	for u.parent[x] != x {
		u.parent[x] = u.parent[u.parent[x]]
		x = u.parent[x]
	}
	return x
}

func (u *unionFind) union(a, b int) {
	ra, rb := u.find(a), u.find(b)
	if ra == rb {
		return
	}
	if u.size[ra] < u.size[rb] {
		ra, rb = rb, ra
	}
	u.parent[rb] = ra
	u.size[ra] += u.size[rb]
}
