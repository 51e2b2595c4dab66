package loader

import (
	"context"
	"database/sql"
	"encoding/json"

	"go.uber.org/zap"

	"lexpipe/internal/corpus"
)

// RefLoader inserts cross-references; the natural key is the full
// (jurisdiction, from, to, raw_cite) tuple, so replays are no-ops.
type RefLoader struct {
	file string
}

func NewRefLoader(file string) *RefLoader {
	if file == "" {
		file = "refs.ndjson"
	}
	return &RefLoader{file: file}
}

func (l *RefLoader) Name() string { return "load_refs" }
func (l *RefLoader) File() string { return l.file }

func (l *RefLoader) Decode(line []byte) (any, error) {
	var r corpus.CrossReference
	if err := json.Unmarshal(line, &r); err != nil {
		return nil, err
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return &r, nil
}

func (l *RefLoader) WriteBatch(ctx context.Context, tx *sql.Tx, batch []any) (BatchResult, error) {
	before, err := rowCount(ctx, tx, "section_refs")
	if err != nil {
		return BatchResult{}, err
	}
	for _, rec := range batch {
		r := rec.(*corpus.CrossReference)
		_, err := tx.ExecContext(ctx, `
INSERT INTO section_refs (jurisdiction, from_id, to_id, raw_cite)
VALUES ($1,$2,$3,$4)
ON CONFLICT (jurisdiction, from_id, to_id, raw_cite) DO NOTHING`,
			r.Jurisdiction, r.FromID, r.ToID, r.RawCite)
		if err != nil {
			return BatchResult{}, err
		}
	}
	after, err := rowCount(ctx, tx, "section_refs")
	if err != nil {
		return BatchResult{}, err
	}
	inserted := after - before
	return BatchResult{Inserted: inserted, Updated: int64(len(batch)) - inserted}, nil
}

// ObligationLoader upserts on (jurisdiction, section_id, category, phrase).
type ObligationLoader struct {
	name string
	file string
}

// NewObligationLoader serves both the regex stage output and the LLM
// stage output; they differ only in file and checkpoint name.
func NewObligationLoader(name, file string) *ObligationLoader {
	if name == "" {
		name = "load_obligations"
	}
	if file == "" {
		file = "obligations.ndjson"
	}
	return &ObligationLoader{name: name, file: file}
}

func (l *ObligationLoader) Name() string { return l.name }
func (l *ObligationLoader) File() string { return l.file }

func (l *ObligationLoader) Decode(line []byte) (any, error) {
	var o corpus.Obligation
	if err := json.Unmarshal(line, &o); err != nil {
		return nil, err
	}
	if err := o.Validate(); err != nil {
		return nil, err
	}
	return &o, nil
}

func (l *ObligationLoader) WriteBatch(ctx context.Context, tx *sql.Tx, batch []any) (BatchResult, error) {
	before, err := rowCount(ctx, tx, "obligations")
	if err != nil {
		return BatchResult{}, err
	}
	for _, rec := range batch {
		o := rec.(*corpus.Obligation)
		_, err := tx.ExecContext(ctx, `
INSERT INTO obligations (jurisdiction, section_id, category, phrase, value, unit, confidence, model_used)
VALUES ($1,$2,$3,$4,$5,NULLIF($6,''),$7,NULLIF($8,''))
ON CONFLICT (jurisdiction, section_id, category, phrase)
DO UPDATE SET value=EXCLUDED.value,
  unit=EXCLUDED.unit,
  confidence=EXCLUDED.confidence,
  model_used=EXCLUDED.model_used`,
			o.Jurisdiction, o.SectionID, o.Category, o.Phrase, o.Value, o.Unit, o.Confidence, o.ModelUsed)
		if err != nil {
			return BatchResult{}, err
		}
	}
	after, err := rowCount(ctx, tx, "obligations")
	if err != nil {
		return BatchResult{}, err
	}
	inserted := after - before
	return BatchResult{Inserted: inserted, Updated: int64(len(batch)) - inserted}, nil
}

// SimilarityLoader upserts on (jurisdiction, section_a, section_b). The
// emitter guarantees section_a < section_b; any reversed pair that slips
// through is swapped before the upsert so the key stays canonical.
type SimilarityLoader struct {
	file string
	log  *zap.Logger
}

func NewSimilarityLoader(file string, logger *zap.Logger) *SimilarityLoader {
	if file == "" {
		file = "similarities.ndjson"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SimilarityLoader{file: file, log: logger}
}

func (l *SimilarityLoader) Name() string { return "load_similarities" }
func (l *SimilarityLoader) File() string { return l.file }

func (l *SimilarityLoader) Decode(line []byte) (any, error) {
	var p corpus.SimilarityPair
	if err := json.Unmarshal(line, &p); err != nil {
		return nil, err
	}
	if p.SectionB < p.SectionA {
		l.log.Debug("normalizing reversed similarity pair",
			zap.String("section_a", p.SectionA),
			zap.String("section_b", p.SectionB))
		p.SectionA, p.SectionB = p.SectionB, p.SectionA
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

func (l *SimilarityLoader) WriteBatch(ctx context.Context, tx *sql.Tx, batch []any) (BatchResult, error) {
	before, err := rowCount(ctx, tx, "section_similarities")
	if err != nil {
		return BatchResult{}, err
	}
	for _, rec := range batch {
		p := rec.(*corpus.SimilarityPair)
		_, err := tx.ExecContext(ctx, `
INSERT INTO section_similarities (jurisdiction, section_a, section_b, similarity)
VALUES ($1,$2,$3,$4)
ON CONFLICT (jurisdiction, section_a, section_b)
DO UPDATE SET similarity=EXCLUDED.similarity`,
			p.Jurisdiction, p.SectionA, p.SectionB, p.Similarity)
		if err != nil {
			return BatchResult{}, err
		}
	}
	after, err := rowCount(ctx, tx, "section_similarities")
	if err != nil {
		return BatchResult{}, err
	}
	inserted := after - before
	return BatchResult{Inserted: inserted, Updated: int64(len(batch)) - inserted}, nil
}

// ClassificationLoader upserts LLM pair judgements keyed like the
// similarities they annotate.
type ClassificationLoader struct {
	file string
}

func NewClassificationLoader(file string) *ClassificationLoader {
	if file == "" {
		file = "classifications.ndjson"
	}
	return &ClassificationLoader{file: file}
}

func (l *ClassificationLoader) Name() string { return "load_classifications" }
func (l *ClassificationLoader) File() string { return l.file }

func (l *ClassificationLoader) Decode(line []byte) (any, error) {
	var c corpus.Classification
	if err := json.Unmarshal(line, &c); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (l *ClassificationLoader) WriteBatch(ctx context.Context, tx *sql.Tx, batch []any) (BatchResult, error) {
	before, err := rowCount(ctx, tx, "section_similarity_classifications")
	if err != nil {
		return BatchResult{}, err
	}
	for _, rec := range batch {
		c := rec.(*corpus.Classification)
		_, err := tx.ExecContext(ctx, `
INSERT INTO section_similarity_classifications
  (jurisdiction, section_a, section_b, relationship, explanation, model_used, analyzed_at)
VALUES ($1,$2,$3,$4,$5,$6,$7)
ON CONFLICT (jurisdiction, section_a, section_b)
DO UPDATE SET relationship=EXCLUDED.relationship,
  explanation=EXCLUDED.explanation,
  model_used=EXCLUDED.model_used,
  analyzed_at=EXCLUDED.analyzed_at`,
			c.Jurisdiction, c.SectionA, c.SectionB, c.Relationship, c.Explanation, c.ModelUsed, c.AnalyzedAt)
		if err != nil {
			return BatchResult{}, err
		}
	}
	after, err := rowCount(ctx, tx, "section_similarity_classifications")
	if err != nil {
		return BatchResult{}, err
	}
	inserted := after - before
	return BatchResult{Inserted: inserted, Updated: int64(len(batch)) - inserted}, nil
}
