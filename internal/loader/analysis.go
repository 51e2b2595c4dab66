package loader

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"lexpipe/internal/corpus"
)

// AnalysisLoader fans one analysis record into three tables: the parent
// row, its indicator rows, and the highlight rows hanging off each
// indicator's generated key. All rows of a batch commit in one
// transaction. Indicators for a section are deleted before re-insert so a
// replayed batch cannot duplicate them; highlights cascade with their
// indicator.
type AnalysisLoader struct {
	kind string // "reporting", "anachronism" or "implementation"
	file string
}

func NewReportingLoader(file string) *AnalysisLoader {
	if file == "" {
		file = "reporting.ndjson"
	}
	return &AnalysisLoader{kind: "reporting", file: file}
}

func NewAnachronismLoader(file string) *AnalysisLoader {
	if file == "" {
		file = "anachronisms.ndjson"
	}
	return &AnalysisLoader{kind: "anachronism", file: file}
}

func NewImplementationLoader(file string) *AnalysisLoader {
	if file == "" {
		file = "implementation.ndjson"
	}
	return &AnalysisLoader{kind: "implementation", file: file}
}

func (l *AnalysisLoader) Name() string { return "load_" + l.kind }
func (l *AnalysisLoader) File() string { return l.file }

func (l *AnalysisLoader) Decode(line []byte) (any, error) {
	var a corpus.Analysis
	if err := json.Unmarshal(line, &a); err != nil {
		return nil, err
	}
	if err := a.Validate(); err != nil {
		return nil, err
	}
	return &a, nil
}

func (l *AnalysisLoader) WriteBatch(ctx context.Context, tx *sql.Tx, batch []any) (BatchResult, error) {
	parent := l.kind + "_analyses"
	indicators := l.kind + "_indicators"
	highlights := l.kind + "_highlights"

	before, err := rowCount(ctx, tx, parent)
	if err != nil {
		return BatchResult{}, err
	}
	for _, rec := range batch {
		a := rec.(*corpus.Analysis)
		_, err := tx.ExecContext(ctx, fmt.Sprintf(`
INSERT INTO %s (jurisdiction, section_id, summary, model_used, analyzed_at)
VALUES ($1,$2,$3,$4,$5)
ON CONFLICT (jurisdiction, section_id)
DO UPDATE SET summary=EXCLUDED.summary,
  model_used=EXCLUDED.model_used,
  analyzed_at=EXCLUDED.analyzed_at`, parent),
			a.Jurisdiction, a.SectionID, a.Summary, a.ModelUsed, a.AnalyzedAt)
		if err != nil {
			return BatchResult{}, err
		}

		_, err = tx.ExecContext(ctx,
			fmt.Sprintf(`DELETE FROM %s WHERE jurisdiction=$1 AND section_id=$2`, indicators),
			a.Jurisdiction, a.SectionID)
		if err != nil {
			return BatchResult{}, err
		}

		for i := range a.Indicators {
			ind := &a.Indicators[i]
			var indicatorID int64
			err := tx.QueryRowContext(ctx, fmt.Sprintf(`
INSERT INTO %s (jurisdiction, section_id, type, severity, complexity, recommendation, explanation)
VALUES ($1,$2,$3,$4,$5,$6,$7)
RETURNING id`, indicators),
				a.Jurisdiction, a.SectionID, ind.Type, ind.Severity, ind.Complexity,
				ind.Recommendation, ind.Explanation).Scan(&indicatorID)
			if err != nil {
				return BatchResult{}, err
			}
			for _, phrase := range ind.MatchedPhrases {
				_, err := tx.ExecContext(ctx,
					fmt.Sprintf(`INSERT INTO %s (indicator_id, phrase) VALUES ($1,$2)`, highlights),
					indicatorID, phrase)
				if err != nil {
					return BatchResult{}, err
				}
			}
		}
	}
	after, err := rowCount(ctx, tx, parent)
	if err != nil {
		return BatchResult{}, err
	}
	inserted := after - before
	return BatchResult{Inserted: inserted, Updated: int64(len(batch)) - inserted}, nil
}
