package loader

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// Open builds the pool. Sized to the worker count: loaders are the only
// database writers and each worker holds at most one connection.
func Open(dsn string, workers int) (*sql.DB, error) {
	if dsn == "" {
		return nil, fmt.Errorf("loader: database URL is empty")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("loader: open database: %w", err)
	}
	if workers < 1 {
		workers = 1
	}
	db.SetMaxOpenConns(workers)
	return db, nil
}

var (
	schemaOnce sync.Once
	schemaErr  error
)

// ensureSchema creates the relational schema once per process. Inline DDL
// instead of migration files: the schema is small and additive.
func ensureSchema(ctx context.Context, db *sql.DB) error {
	schemaOnce.Do(func() {
		_, schemaErr = db.ExecContext(ctx, schemaDDL)
	})
	if schemaErr != nil {
		return fmt.Errorf("loader: ensure schema: %w", schemaErr)
	}
	return nil
}

// resetSchemaOnce is for tests that swap databases under one process.
func resetSchemaOnce() {
	schemaOnce = sync.Once{}
	schemaErr = nil
}

const schemaDDL = `
CREATE TABLE IF NOT EXISTS structure (
  jurisdiction TEXT NOT NULL,
  id TEXT NOT NULL,
  parent_id TEXT,
  level TEXT NOT NULL,
  label TEXT NOT NULL DEFAULT '',
  heading TEXT NOT NULL DEFAULT '',
  ordinal INTEGER NOT NULL DEFAULT 0,
  PRIMARY KEY (jurisdiction, id),
  FOREIGN KEY (jurisdiction, parent_id) REFERENCES structure (jurisdiction, id) DEFERRABLE INITIALLY DEFERRED
);

CREATE TABLE IF NOT EXISTS sections (
  jurisdiction TEXT NOT NULL,
  id TEXT NOT NULL,
  citation TEXT NOT NULL DEFAULT '',
  heading TEXT NOT NULL DEFAULT '',
  text_plain TEXT NOT NULL DEFAULT '',
  text_html TEXT NOT NULL DEFAULT '',
  ancestors JSONB NOT NULL DEFAULT '[]',
  title_label TEXT NOT NULL DEFAULT '',
  chapter_label TEXT NOT NULL DEFAULT '',
  effective_date TEXT,
  PRIMARY KEY (jurisdiction, id)
);

CREATE TABLE IF NOT EXISTS section_refs (
  jurisdiction TEXT NOT NULL,
  from_id TEXT NOT NULL,
  to_id TEXT NOT NULL,
  raw_cite TEXT NOT NULL,
  UNIQUE (jurisdiction, from_id, to_id, raw_cite)
);

CREATE TABLE IF NOT EXISTS obligations (
  jurisdiction TEXT NOT NULL,
  section_id TEXT NOT NULL,
  category TEXT NOT NULL,
  phrase TEXT NOT NULL,
  value DOUBLE PRECISION,
  unit TEXT,
  confidence DOUBLE PRECISION,
  model_used TEXT,
  UNIQUE (jurisdiction, section_id, category, phrase),
  FOREIGN KEY (jurisdiction, section_id) REFERENCES sections (jurisdiction, id)
);

CREATE TABLE IF NOT EXISTS section_similarities (
  jurisdiction TEXT NOT NULL,
  section_a TEXT NOT NULL,
  section_b TEXT NOT NULL,
  similarity DOUBLE PRECISION NOT NULL,
  PRIMARY KEY (jurisdiction, section_a, section_b)
);

CREATE TABLE IF NOT EXISTS section_similarity_classifications (
  jurisdiction TEXT NOT NULL,
  section_a TEXT NOT NULL,
  section_b TEXT NOT NULL,
  relationship TEXT NOT NULL,
  explanation TEXT NOT NULL DEFAULT '',
  model_used TEXT NOT NULL DEFAULT '',
  analyzed_at TIMESTAMP WITH TIME ZONE,
  PRIMARY KEY (jurisdiction, section_a, section_b)
);

CREATE TABLE IF NOT EXISTS reporting_analyses (
  jurisdiction TEXT NOT NULL,
  section_id TEXT NOT NULL,
  summary TEXT NOT NULL DEFAULT '',
  model_used TEXT NOT NULL DEFAULT '',
  analyzed_at TIMESTAMP WITH TIME ZONE,
  PRIMARY KEY (jurisdiction, section_id)
);

CREATE TABLE IF NOT EXISTS reporting_indicators (
  id SERIAL PRIMARY KEY,
  jurisdiction TEXT NOT NULL,
  section_id TEXT NOT NULL,
  type TEXT NOT NULL,
  severity TEXT NOT NULL DEFAULT '',
  complexity TEXT NOT NULL DEFAULT '',
  recommendation TEXT NOT NULL DEFAULT '',
  explanation TEXT NOT NULL DEFAULT '',
  FOREIGN KEY (jurisdiction, section_id) REFERENCES reporting_analyses (jurisdiction, section_id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS reporting_highlights (
  id SERIAL PRIMARY KEY,
  indicator_id INTEGER NOT NULL REFERENCES reporting_indicators (id) ON DELETE CASCADE,
  phrase TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS anachronism_analyses (
  jurisdiction TEXT NOT NULL,
  section_id TEXT NOT NULL,
  summary TEXT NOT NULL DEFAULT '',
  model_used TEXT NOT NULL DEFAULT '',
  analyzed_at TIMESTAMP WITH TIME ZONE,
  PRIMARY KEY (jurisdiction, section_id)
);

CREATE TABLE IF NOT EXISTS anachronism_indicators (
  id SERIAL PRIMARY KEY,
  jurisdiction TEXT NOT NULL,
  section_id TEXT NOT NULL,
  type TEXT NOT NULL,
  severity TEXT NOT NULL DEFAULT '',
  complexity TEXT NOT NULL DEFAULT '',
  recommendation TEXT NOT NULL DEFAULT '',
  explanation TEXT NOT NULL DEFAULT '',
  FOREIGN KEY (jurisdiction, section_id) REFERENCES anachronism_analyses (jurisdiction, section_id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS anachronism_highlights (
  id SERIAL PRIMARY KEY,
  indicator_id INTEGER NOT NULL REFERENCES anachronism_indicators (id) ON DELETE CASCADE,
  phrase TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS implementation_analyses (
  jurisdiction TEXT NOT NULL,
  section_id TEXT NOT NULL,
  summary TEXT NOT NULL DEFAULT '',
  model_used TEXT NOT NULL DEFAULT '',
  analyzed_at TIMESTAMP WITH TIME ZONE,
  PRIMARY KEY (jurisdiction, section_id)
);

CREATE TABLE IF NOT EXISTS implementation_indicators (
  id SERIAL PRIMARY KEY,
  jurisdiction TEXT NOT NULL,
  section_id TEXT NOT NULL,
  type TEXT NOT NULL,
  severity TEXT NOT NULL DEFAULT '',
  complexity TEXT NOT NULL DEFAULT '',
  recommendation TEXT NOT NULL DEFAULT '',
  explanation TEXT NOT NULL DEFAULT '',
  FOREIGN KEY (jurisdiction, section_id) REFERENCES implementation_analyses (jurisdiction, section_id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS implementation_highlights (
  id SERIAL PRIMARY KEY,
  indicator_id INTEGER NOT NULL REFERENCES implementation_indicators (id) ON DELETE CASCADE,
  phrase TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_section_refs_from ON section_refs (jurisdiction, from_id);
CREATE INDEX IF NOT EXISTS idx_obligations_section ON obligations (jurisdiction, section_id);
`
