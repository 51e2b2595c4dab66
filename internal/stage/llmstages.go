package stage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"lexpipe/internal/corpus"
	"lexpipe/internal/extract"
	"lexpipe/internal/llm"
	"lexpipe/internal/ndjson"
)

// obligationDoc is the wire shape the obligations schema admits.
type obligationDoc struct {
	Obligations []struct {
		Category   string   `json:"category"`
		Phrase     string   `json:"phrase"`
		Value      *float64 `json:"value"`
		Unit       string   `json:"unit"`
		Confidence *float64 `json:"confidence"`
	} `json:"obligations"`
}

// analysisDoc is the shared wire shape of the three analysis schemas.
type analysisDoc struct {
	Summary    string `json:"summary"`
	Indicators []struct {
		Type           string   `json:"type"`
		Severity       string   `json:"severity"`
		Complexity     string   `json:"complexity"`
		MatchedPhrases []string `json:"matched_phrases"`
		Recommendation string   `json:"recommendation"`
		Explanation    string   `json:"explanation"`
	} `json:"indicators"`
}

// clampPhrase cuts a phrase to the 200-rune storage bound. Sub-minimum
// phrases are dropped by validation instead.
func clampPhrase(s string) string {
	runes := []rune(s)
	if len(runes) > 200 {
		return string(runes[:200])
	}
	return s
}

// LLMObligations asks the cascade for obligations in sections that pass
// the cheap language pre-filter. Duplicates reuse their canonical's
// result, so they are skipped outright. Processed ids are tracked in the
// checkpoint: a model call is never repeated for a section that already
// reached a decision, even across restarts.
func LLMObligations(env *Env, cas *llm.Cascade) Stage {
	return &funcStage{name: "llm_obligations", run: func(ctx context.Context) (*ndjson.Checkpoint, error) {
		dm, err := loadDedupMap(env)
		if err != nil {
			return nil, err
		}
		return runStream(ctx, env, streamConfig{
			name:     "llm_obligations",
			input:    SectionsFile,
			output:   LLMObligationsFile,
			workers:  env.workers(),
			trackIDs: true,
		},
			func(sec *corpus.Section) string { return sec.ID },
			func(_ *ndjson.Checkpoint, sec *corpus.Section) bool {
				if dm.IsDuplicate(sec.ID) {
					return true
				}
				return !extract.MatchesObligationLanguage(sec.TextPlain)
			},
			func(ctx context.Context, sec *corpus.Section) ([]any, error) {
				res, err := cas.Generate(ctx, llm.Request{
					Prompt: obligationsPrompt(sec),
					Schema: obligationsSchema,
				})
				if err != nil {
					return nil, fmt.Errorf("section %s: %w", sec.ID, err)
				}
				var doc obligationDoc
				if err := json.Unmarshal(res.Object, &doc); err != nil {
					return nil, fmt.Errorf("section %s: decode: %w", sec.ID, err)
				}
				var out []any
				for _, o := range doc.Obligations {
					ob := corpus.Obligation{
						Jurisdiction: sec.Jurisdiction,
						SectionID:    sec.ID,
						Category:     o.Category,
						Phrase:       clampPhrase(o.Phrase),
						Value:        o.Value,
						Unit:         o.Unit,
						Confidence:   o.Confidence,
						ModelUsed:    res.ModelUsed,
					}
					if ob.Value != nil && ob.Unit == "" {
						// Schema allows a bare value; give it the
						// category's default unit.
						if ob.Category == corpus.ObligationDeadline {
							ob.Unit = "days"
						} else {
							ob.Unit = "cents"
						}
					}
					if err := ob.Validate(); err != nil {
						continue
					}
					out = append(out, ob)
				}
				return out, nil
			})
	}}
}

// sectionIndex maps section id to its record for stages keyed off
// another stage's output.
func sectionIndex(env *Env) (map[string]*corpus.Section, error) {
	secs, err := readSections(env, SectionsFile)
	if err != nil {
		return nil, err
	}
	idx := make(map[string]*corpus.Section, len(secs))
	for i := range secs {
		idx[secs[i].ID] = &secs[i]
	}
	return idx, nil
}

// analyzeSection runs one cascade analysis call and shapes the result.
func analyzeSection(ctx context.Context, cas *llm.Cascade, kind string, sec *corpus.Section) (*corpus.Analysis, error) {
	res, err := cas.Generate(ctx, llm.Request{
		Prompt: analysisPrompt(kind, sec),
		Schema: analysisSchema,
	})
	if err != nil {
		return nil, fmt.Errorf("section %s: %w", sec.ID, err)
	}
	var doc analysisDoc
	if err := json.Unmarshal(res.Object, &doc); err != nil {
		return nil, fmt.Errorf("section %s: decode: %w", sec.ID, err)
	}
	a := &corpus.Analysis{
		Jurisdiction: sec.Jurisdiction,
		SectionID:    sec.ID,
		Summary:      doc.Summary,
		ModelUsed:    res.ModelUsed,
		AnalyzedAt:   time.Now().UTC(),
	}
	for _, ind := range doc.Indicators {
		a.Indicators = append(a.Indicators, corpus.Indicator{
			Type:           ind.Type,
			Severity:       ind.Severity,
			Complexity:     ind.Complexity,
			MatchedPhrases: ind.MatchedPhrases,
			Recommendation: ind.Recommendation,
			Explanation:    ind.Explanation,
		})
	}
	return a, nil
}

// Reporting analyses the sections the cross-encoder pre-filter admitted.
func Reporting(env *Env, cas *llm.Cascade) Stage {
	return &funcStage{name: "reporting", run: func(ctx context.Context) (*ndjson.Checkpoint, error) {
		idx, err := sectionIndex(env)
		if err != nil {
			return nil, fmt.Errorf("reporting: %w", err)
		}
		return runStream(ctx, env, streamConfig{
			name:     "reporting",
			input:    CandidatesFile,
			output:   ReportingFile,
			workers:  env.workers(),
			trackIDs: true,
		},
			func(c *corpus.ReportingCandidate) string { return c.SectionID },
			func(_ *ndjson.Checkpoint, c *corpus.ReportingCandidate) bool {
				_, ok := idx[c.SectionID]
				return !ok
			},
			func(ctx context.Context, c *corpus.ReportingCandidate) ([]any, error) {
				a, err := analyzeSection(ctx, cas, "reporting", idx[c.SectionID])
				if err != nil {
					return nil, err
				}
				return []any{a}, nil
			})
	}}
}

// analysisOverSections is the shared shape of the anachronism and
// implementation stages: every canonical section gets one analysis.
func analysisOverSections(env *Env, cas *llm.Cascade, name, kind, output string) Stage {
	return &funcStage{name: name, run: func(ctx context.Context) (*ndjson.Checkpoint, error) {
		dm, err := loadDedupMap(env)
		if err != nil {
			return nil, err
		}
		return runStream(ctx, env, streamConfig{
			name:     name,
			input:    SectionsFile,
			output:   output,
			workers:  env.workers(),
			trackIDs: true,
		},
			func(sec *corpus.Section) string { return sec.ID },
			func(_ *ndjson.Checkpoint, sec *corpus.Section) bool {
				return dm.IsDuplicate(sec.ID)
			},
			func(ctx context.Context, sec *corpus.Section) ([]any, error) {
				a, err := analyzeSection(ctx, cas, kind, sec)
				if err != nil {
					return nil, err
				}
				return []any{a}, nil
			})
	}}
}

func Anachronisms(env *Env, cas *llm.Cascade) Stage {
	return analysisOverSections(env, cas, "anachronisms", "anachronism", AnachronismsFile)
}

func Implementation(env *Env, cas *llm.Cascade) Stage {
	return analysisOverSections(env, cas, "implementation", "implementation", ImplementationFile)
}

// Classify judges the relationship of every similarity pair.
func Classify(env *Env, cas *llm.Cascade) Stage {
	return &funcStage{name: "classify", run: func(ctx context.Context) (*ndjson.Checkpoint, error) {
		idx, err := sectionIndex(env)
		if err != nil {
			return nil, fmt.Errorf("classify: %w", err)
		}
		return runStream(ctx, env, streamConfig{
			name:     "classify",
			input:    SimilaritiesFile,
			output:   ClassificationsFile,
			workers:  env.workers(),
			trackIDs: true,
		},
			func(p *corpus.SimilarityPair) string { return p.SectionA + "|" + p.SectionB },
			func(_ *ndjson.Checkpoint, p *corpus.SimilarityPair) bool {
				_, okA := idx[p.SectionA]
				_, okB := idx[p.SectionB]
				return !okA || !okB
			},
			func(ctx context.Context, p *corpus.SimilarityPair) ([]any, error) {
				res, err := cas.Generate(ctx, llm.Request{
					Prompt: classifyPrompt(idx[p.SectionA], idx[p.SectionB]),
					Schema: classificationSchema,
				})
				if err != nil {
					return nil, fmt.Errorf("pair %s/%s: %w", p.SectionA, p.SectionB, err)
				}
				var doc struct {
					Relationship string `json:"relationship"`
					Explanation  string `json:"explanation"`
				}
				if err := json.Unmarshal(res.Object, &doc); err != nil {
					return nil, fmt.Errorf("pair %s/%s: decode: %w", p.SectionA, p.SectionB, err)
				}
				c := corpus.Classification{
					Jurisdiction: p.Jurisdiction,
					SectionA:     p.SectionA,
					SectionB:     p.SectionB,
					Relationship: doc.Relationship,
					Explanation:  doc.Explanation,
					ModelUsed:    res.ModelUsed,
					AnalyzedAt:   time.Now().UTC(),
				}
				if err := c.Validate(); err != nil {
					return nil, fmt.Errorf("pair %s/%s: %w", p.SectionA, p.SectionB, err)
				}
				return []any{c}, nil
			})
	}}
}
