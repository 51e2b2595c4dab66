package stage

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"

	"lexpipe/internal/corpus"
	"lexpipe/internal/dedup"
	"lexpipe/internal/embed"
	"lexpipe/internal/extract"
	"lexpipe/internal/ndjson"
	"lexpipe/internal/rank"
)

// Stage output files under the data root.
const (
	SectionsFile        = "sections.ndjson"
	StructureFile       = "structure.ndjson"
	DedupMapFile        = "dedup_map.bin"
	RefsFile            = "refs.ndjson"
	ObligationsFile     = "obligations.ndjson"
	LLMObligationsFile  = "llm_obligations.ndjson"
	EmbeddingsFile      = "embeddings.bin"
	SimilaritiesFile    = "similarities.ndjson"
	CandidatesFile      = "reporting_candidates.ndjson"
	ReportingFile       = "reporting.ndjson"
	AnachronismsFile    = "anachronisms.ndjson"
	ImplementationFile  = "implementation.ndjson"
	ClassificationsFile = "classifications.ndjson"
)

// readSections loads the whole corpus file into memory. Dedup and
// similarity need the full set at once; streaming stages use runStream.
func readSections(env *Env, path string) ([]corpus.Section, error) {
	r, err := ndjson.OpenReader(env.FS, path, nil, env.logger())
	if err != nil {
		return nil, err
	}
	defer r.Close()
	var out []corpus.Section
	for {
		var s corpus.Section
		ok, err := r.Next(&s)
		if err != nil {
			return nil, err
		}
		if !ok {
			return out, nil
		}
		out = append(out, s)
	}
}

// loadDedupMap returns the persisted duplicate map, empty when the dedup
// stage has not run yet.
func loadDedupMap(env *Env) (dedup.Map, error) {
	m, err := dedup.LoadMap(env.FS, DedupMapFile)
	if err != nil {
		if os.IsNotExist(err) {
			return dedup.Map{}, nil
		}
		return nil, err
	}
	return m, nil
}

// Dedup rebuilds the near-duplicate map from scratch on every run; the
// checkpoint records group sizes rather than a resume offset.
func Dedup(env *Env) Stage {
	return &funcStage{name: "dedup", run: func(ctx context.Context) (*ndjson.Checkpoint, error) {
		log := env.logger().Named("dedup")
		secs, err := readSections(env, SectionsFile)
		if err != nil {
			return nil, fmt.Errorf("dedup: %w", err)
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		det := dedup.NewDetector(dedup.Config{
			Permutations: env.Cfg.Dedup.Permutations,
			Threshold:    env.Cfg.Dedup.Threshold,
			MinTextLen:   env.Cfg.Dedup.MinTextLen,
			Truncations:  env.Cfg.Dedup.Truncations,
		}, log)
		m := det.Detect(secs)
		if err := m.Check(); err != nil {
			return nil, fmt.Errorf("dedup: %w", err)
		}
		if err := m.Save(env.FS, DedupMapFile); err != nil {
			return nil, fmt.Errorf("dedup: %w", err)
		}
		log.Info("duplicate map written",
			zap.Int("sections", len(secs)),
			zap.Int("duplicates", len(m)))
		cp := &ndjson.Checkpoint{
			Inserted:     int64(len(m)),
			Skipped:      int64(len(secs) - len(m)),
			Jurisdiction: env.Cfg.Jurisdiction,
		}
		if err := env.CPS.Save("dedup", cp); err != nil {
			return cp, err
		}
		return cp, nil
	}}
}

// Refs extracts statutory cross-references. Duplicate sections are
// skipped; their canonical carries the references.
func Refs(env *Env) Stage {
	return &funcStage{name: "refs", run: func(ctx context.Context) (*ndjson.Checkpoint, error) {
		dm, err := loadDedupMap(env)
		if err != nil {
			return nil, err
		}
		return runStream(ctx, env, streamConfig{
			name:    "refs",
			input:   SectionsFile,
			output:  RefsFile,
			workers: env.workers(),
		}, nil,
			func(_ *ndjson.Checkpoint, sec *corpus.Section) bool {
				return dm.IsDuplicate(sec.ID)
			},
			func(_ context.Context, sec *corpus.Section) ([]any, error) {
				refs := extract.Refs(sec)
				out := make([]any, len(refs))
				for i := range refs {
					out[i] = refs[i]
				}
				return out, nil
			})
	}}
}

// Obligations runs the regex extractors over every canonical section.
func Obligations(env *Env) Stage {
	return &funcStage{name: "obligations", run: func(ctx context.Context) (*ndjson.Checkpoint, error) {
		dm, err := loadDedupMap(env)
		if err != nil {
			return nil, err
		}
		return runStream(ctx, env, streamConfig{
			name:    "obligations",
			input:   SectionsFile,
			output:  ObligationsFile,
			workers: env.workers(),
		}, nil,
			func(_ *ndjson.Checkpoint, sec *corpus.Section) bool {
				return dm.IsDuplicate(sec.ID)
			},
			func(_ context.Context, sec *corpus.Section) ([]any, error) {
				obs := extract.Obligations(sec)
				out := make([]any, len(obs))
				for i := range obs {
					out[i] = obs[i]
				}
				return out, nil
			})
	}}
}

// Similar embeds every canonical section and emits the above-threshold
// neighbour pairs. The index is rebuilt each run, so the output file and
// checkpoint are replaced rather than resumed; the embedding cache makes
// the rebuild cheap.
func Similar(env *Env, eng embed.Engine) Stage {
	return &funcStage{name: "similar", run: func(ctx context.Context) (*ndjson.Checkpoint, error) {
		log := env.logger().Named("similar")
		dm, err := loadDedupMap(env)
		if err != nil {
			return nil, err
		}
		all, err := readSections(env, SectionsFile)
		if err != nil {
			return nil, fmt.Errorf("similar: %w", err)
		}
		secs := all[:0:0]
		var dups int64
		for _, s := range all {
			if dm.IsDuplicate(s.ID) {
				dups++
				continue
			}
			secs = append(secs, s)
		}

		cache, err := embed.OpenCache(env.FS, EmbeddingsFile, env.Cfg.Embed.FlushEvery)
		if err != nil {
			return nil, fmt.Errorf("similar: %w", err)
		}
		pairs, err := embed.Pairs(ctx, secs, eng, cache, embed.SearchConfig{
			TopK:      env.Cfg.Embed.TopK,
			Threshold: env.Cfg.Embed.Threshold,
			IndexMode: env.Cfg.Embed.IndexMode,
			TrainSize: env.Cfg.Embed.TrainSize,
			NProbe:    env.Cfg.Embed.NProbe,
		}, log)
		if err != nil {
			return nil, fmt.Errorf("similar: %w", err)
		}

		if err := env.FS.SafeRemove(SimilaritiesFile); err != nil {
			return nil, err
		}
		w, err := ndjson.OpenWriter(env.FS, SimilaritiesFile)
		if err != nil {
			return nil, fmt.Errorf("similar: %w", err)
		}
		defer w.Close()
		for _, p := range pairs {
			if err := w.Write(p); err != nil {
				return nil, fmt.Errorf("similar: %w", err)
			}
		}
		if err := w.Sync(); err != nil {
			return nil, fmt.Errorf("similar: %w", err)
		}
		cp := &ndjson.Checkpoint{
			Inserted:     int64(len(pairs)),
			Skipped:      dups,
			Jurisdiction: env.Cfg.Jurisdiction,
		}
		if err := env.CPS.Save("similar", cp); err != nil {
			return cp, err
		}
		log.Info("similarity pairs written",
			zap.Int("sections", len(secs)),
			zap.Int("pairs", len(pairs)))
		return cp, nil
	}}
}

// ReportingFilter scores every canonical section against the reporting
// indicator hypotheses and keeps those at or above the threshold. The
// threshold deliberately favours false positives; the reporting stage's
// LLM pass prunes them.
func ReportingFilter(env *Env, scorer rank.PairScorer) Stage {
	return &funcStage{name: "reporting_filter", run: func(ctx context.Context) (*ndjson.Checkpoint, error) {
		dm, err := loadDedupMap(env)
		if err != nil {
			return nil, err
		}
		f := rank.NewFilter(scorer, rank.ReportingIndicators, env.Cfg.Rank.Threshold)
		return runStream(ctx, env, streamConfig{
			name:    "reporting_filter",
			input:   SectionsFile,
			output:  CandidatesFile,
			workers: env.workers(),
		}, nil,
			func(_ *ndjson.Checkpoint, sec *corpus.Section) bool {
				return dm.IsDuplicate(sec.ID)
			},
			func(ctx context.Context, sec *corpus.Section) ([]any, error) {
				pass, score, err := f.Pass(ctx, sec.TextPlain)
				if err != nil {
					return nil, err
				}
				if !pass {
					return nil, nil
				}
				return []any{corpus.ReportingCandidate{
					Jurisdiction: sec.Jurisdiction,
					SectionID:    sec.ID,
					Score:        score,
				}}, nil
			})
	}}
}
