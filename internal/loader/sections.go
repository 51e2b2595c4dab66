package loader

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"lexpipe/internal/corpus"
)

// SectionLoader upserts sections on (jurisdiction, id).
type SectionLoader struct {
	file string
}

func NewSectionLoader(file string) *SectionLoader {
	if file == "" {
		file = "sections.ndjson"
	}
	return &SectionLoader{file: file}
}

func (l *SectionLoader) Name() string { return "load_sections" }
func (l *SectionLoader) File() string { return l.file }

func (l *SectionLoader) Decode(line []byte) (any, error) {
	var s corpus.Section
	if err := json.Unmarshal(line, &s); err != nil {
		return nil, err
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

func (l *SectionLoader) WriteBatch(ctx context.Context, tx *sql.Tx, batch []any) (BatchResult, error) {
	before, err := rowCount(ctx, tx, "sections")
	if err != nil {
		return BatchResult{}, err
	}
	for _, rec := range batch {
		s := rec.(*corpus.Section)
		ancestors, err := json.Marshal(s.Ancestors)
		if err != nil {
			return BatchResult{}, fmt.Errorf("section %s: ancestors: %w", s.ID, err)
		}
		_, err = tx.ExecContext(ctx, `
INSERT INTO sections (
  jurisdiction, id, citation, heading, text_plain, text_html,
  ancestors, title_label, chapter_label, effective_date
)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,NULLIF($10,''))
ON CONFLICT (jurisdiction, id)
DO UPDATE SET citation=EXCLUDED.citation,
  heading=EXCLUDED.heading,
  text_plain=EXCLUDED.text_plain,
  text_html=EXCLUDED.text_html,
  ancestors=EXCLUDED.ancestors,
  title_label=EXCLUDED.title_label,
  chapter_label=EXCLUDED.chapter_label,
  effective_date=EXCLUDED.effective_date`,
			s.Jurisdiction, s.ID, s.Citation, s.Heading, s.TextPlain, s.TextHTML,
			ancestors, s.TitleLabel, s.ChapterLabel, s.EffectiveDate)
		if err != nil {
			return BatchResult{}, err
		}
	}
	after, err := rowCount(ctx, tx, "sections")
	if err != nil {
		return BatchResult{}, err
	}
	inserted := after - before
	return BatchResult{Inserted: inserted, Updated: int64(len(batch)) - inserted}, nil
}

// StructureLoader upserts hierarchy nodes on (jurisdiction, id). The
// parent FK is deferred, so load order inside a batch does not matter.
type StructureLoader struct {
	file string
}

func NewStructureLoader(file string) *StructureLoader {
	if file == "" {
		file = "structure.ndjson"
	}
	return &StructureLoader{file: file}
}

func (l *StructureLoader) Name() string { return "load_structure" }
func (l *StructureLoader) File() string { return l.file }

func (l *StructureLoader) Decode(line []byte) (any, error) {
	var n corpus.StructureNode
	if err := json.Unmarshal(line, &n); err != nil {
		return nil, err
	}
	if err := n.Validate(); err != nil {
		return nil, err
	}
	return &n, nil
}

func (l *StructureLoader) WriteBatch(ctx context.Context, tx *sql.Tx, batch []any) (BatchResult, error) {
	before, err := rowCount(ctx, tx, "structure")
	if err != nil {
		return BatchResult{}, err
	}
	for _, rec := range batch {
		n := rec.(*corpus.StructureNode)
		_, err := tx.ExecContext(ctx, `
INSERT INTO structure (jurisdiction, id, parent_id, level, label, heading, ordinal)
VALUES ($1,$2,NULLIF($3,''),$4,$5,$6,$7)
ON CONFLICT (jurisdiction, id)
DO UPDATE SET parent_id=EXCLUDED.parent_id,
  level=EXCLUDED.level,
  label=EXCLUDED.label,
  heading=EXCLUDED.heading,
  ordinal=EXCLUDED.ordinal`,
			n.Jurisdiction, n.ID, n.ParentID, n.Level, n.Label, n.Heading, n.Ordinal)
		if err != nil {
			return BatchResult{}, err
		}
	}
	after, err := rowCount(ctx, tx, "structure")
	if err != nil {
		return BatchResult{}, err
	}
	inserted := after - before
	return BatchResult{Inserted: inserted, Updated: int64(len(batch)) - inserted}, nil
}
