package embed

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"lexpipe/internal/corpus"
)

// SearchConfig carries the S5 knobs. Zero values take defaults.
type SearchConfig struct {
	TopK      int
	Threshold float64
	IndexMode string // "auto", "flat" or "ivf"
	TrainSize int
	NProbe    int
}

func (c *SearchConfig) fill() {
	if c.TopK <= 0 {
		c.TopK = 10
	}
	if c.Threshold <= 0 {
		c.Threshold = 0.8
	}
	if c.IndexMode == "" {
		c.IndexMode = "auto"
	}
}

// Pairs embeds every section (through the cache), indexes the normalised
// vectors, and emits each above-threshold pair exactly once in canonical
// order (section_a < section_b).
func Pairs(ctx context.Context, sections []corpus.Section, eng Engine, cache *Cache, cfg SearchConfig, logger *zap.Logger) ([]corpus.SimilarityPair, error) {
	cfg.fill()
	if logger == nil {
		logger = zap.NewNop()
	}

	ids := make([]string, 0, len(sections))
	vecs := make([][]float32, 0, len(sections))
	jurisdiction := ""
	embedded := 0
	for i := range sections {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		sec := &sections[i]
		if sec.TextPlain == "" {
			continue
		}
		jurisdiction = sec.Jurisdiction
		h := TextHash(sec.TextPlain)
		vec, ok := cache.Get(sec.ID, h)
		if !ok {
			fresh, err := eng.Embed(ctx, sec.TextPlain)
			if err != nil {
				return nil, fmt.Errorf("embed %s: %w", sec.ID, err)
			}
			Normalize(fresh)
			if err := cache.Put(sec.ID, h, fresh); err != nil {
				return nil, err
			}
			vec = fresh
			embedded++
		}
		ids = append(ids, sec.ID)
		vecs = append(vecs, vec)
	}
	if err := cache.Flush(); err != nil {
		return nil, err
	}
	logger.Info("embeddings ready",
		zap.Int("sections", len(ids)),
		zap.Int("embedded", embedded),
		zap.Int("cached", len(ids)-embedded))
	if len(ids) < 2 {
		return nil, nil
	}

	idx := NewIndex(cfg.IndexMode, vecs, cfg.TrainSize, cfg.NProbe)

	var pairs []corpus.SimilarityPair
	seen := map[string]struct{}{}
	for i, vec := range vecs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		// +1 absorbs the self-hit.
		for _, n := range idx.Search(vec, cfg.TopK+1) {
			if n.Ordinal == i {
				continue
			}
			sim := float64(n.Score)
			if sim < cfg.Threshold {
				continue
			}
			if sim > 1 {
				sim = 1 // float32 rounding on identical vectors
			}
			a, b := ids[i], ids[n.Ordinal]
			if b < a {
				a, b = b, a
			}
			key := a + "\x00" + b
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			pairs = append(pairs, corpus.SimilarityPair{
				Jurisdiction: jurisdiction,
				SectionA:     a,
				SectionB:     b,
				Similarity:   sim,
			})
		}
	}
	return pairs, nil
}
