package loader

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"lexpipe/internal/corpus"
	"lexpipe/internal/ndjson"
	"lexpipe/internal/safeio"
)

// pgErr mimics a pgconn error: anything exposing SQLState() is enough
// for the driver's classification.
type pgErr struct{ code string }

func (e *pgErr) Error() string { return "sqlstate " + e.code }
func (e *pgErr) SQLState() string { return e.code }

type loaderEnv struct {
	db   *sql.DB
	mock sqlmock.Sqlmock
	fs   *safeio.SafeFS
	cps  *ndjson.Store
	drv  *Driver
}

func newEnv(t *testing.T, batchSize int) *loaderEnv {
	t.Helper()
	resetSchemaOnce()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	fs, err := safeio.NewSafeFS(t.TempDir())
	require.NoError(t, err)
	cps := ndjson.NewStore(fs, zap.NewNop())
	drv := NewDriver(db, fs, cps, batchSize, zap.NewNop())
	drv.sleep = func(context.Context, time.Duration) error { return nil }
	return &loaderEnv{db: db, mock: mock, fs: fs, cps: cps, drv: drv}
}

func (e *loaderEnv) writeSections(t *testing.T, file string, ids ...string) {
	t.Helper()
	w, err := ndjson.OpenWriter(e.fs, file)
	require.NoError(t, err)
	for _, id := range ids {
		require.NoError(t, w.Write(corpus.Section{
			Jurisdiction: "x", ID: id, TextPlain: "The fee shall be $500.",
		}))
	}
	require.NoError(t, w.Close())
}

func (e *loaderEnv) expectSchema() {
	e.mock.ExpectExec(`CREATE TABLE IF NOT EXISTS structure`).
		WillReturnResult(sqlmock.NewResult(0, 0))
}

func countRows(n int64) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"count"}).AddRow(n)
}

func (e *loaderEnv) expectSectionBatch(before, after int64, inserts int) {
	e.mock.ExpectBegin()
	e.mock.ExpectQuery(`SELECT COUNT\(\*\) FROM sections`).WillReturnRows(countRows(before))
	for i := 0; i < inserts; i++ {
		e.mock.ExpectExec(`INSERT INTO sections`).WillReturnResult(sqlmock.NewResult(0, 1))
	}
	e.mock.ExpectQuery(`SELECT COUNT\(\*\) FROM sections`).WillReturnRows(countRows(after))
	e.mock.ExpectCommit()
}

func TestDriverBatchesCommitsAndCheckpoints(t *testing.T) {
	e := newEnv(t, 2)
	e.writeSections(t, "sections.ndjson", "x-1-1", "x-1-2", "x-1-3")
	e.expectSchema()
	e.expectSectionBatch(0, 2, 2)
	e.expectSectionBatch(2, 3, 1)

	cp, err := e.drv.Run(context.Background(), NewSectionLoader(""))
	require.NoError(t, err)
	require.EqualValues(t, 3, cp.Inserted)
	require.EqualValues(t, 0, cp.Updated)
	require.NoError(t, e.mock.ExpectationsWereMet())

	saved, err := e.cps.Load("load_sections")
	require.NoError(t, err)
	require.Equal(t, cp.ByteOffset, saved.ByteOffset)
	require.Positive(t, saved.ByteOffset)
}

func TestDriverResumesFromCommittedBatch(t *testing.T) {
	e := newEnv(t, 2)
	e.writeSections(t, "sections.ndjson", "x-1-1", "x-1-2", "x-1-3", "x-1-4")
	e.expectSchema()
	// Batch 1 commits; batch 2 dies on a non-transient error.
	e.expectSectionBatch(0, 2, 2)
	e.mock.ExpectBegin()
	e.mock.ExpectQuery(`SELECT COUNT\(\*\) FROM sections`).WillReturnRows(countRows(2))
	e.mock.ExpectExec(`INSERT INTO sections`).WillReturnError(errors.New("column does not exist"))
	e.mock.ExpectRollback()

	_, err := e.drv.Run(context.Background(), NewSectionLoader(""))
	require.Error(t, err)

	// The checkpoint holds at batch 1; a rerun replays only batch 2.
	saved, err := e.cps.Load("load_sections")
	require.NoError(t, err)
	require.EqualValues(t, 2, saved.Inserted)

	e.expectSectionBatch(2, 4, 2)
	cp, err := e.drv.Run(context.Background(), NewSectionLoader(""))
	require.NoError(t, err)
	require.EqualValues(t, 4, cp.Inserted)
	require.NoError(t, e.mock.ExpectationsWereMet())
}

func TestDriverRetriesTransientErrors(t *testing.T) {
	e := newEnv(t, 10)
	e.writeSections(t, "sections.ndjson", "x-1-1")
	e.expectSchema()

	// Two deadlocks, then success.
	for i := 0; i < 2; i++ {
		e.mock.ExpectBegin()
		e.mock.ExpectQuery(`SELECT COUNT\(\*\) FROM sections`).WillReturnRows(countRows(0))
		e.mock.ExpectExec(`INSERT INTO sections`).WillReturnError(&pgErr{code: "40P01"})
		e.mock.ExpectRollback()
	}
	e.expectSectionBatch(0, 1, 1)

	cp, err := e.drv.Run(context.Background(), NewSectionLoader(""))
	require.NoError(t, err)
	require.EqualValues(t, 1, cp.Inserted)
	require.NoError(t, e.mock.ExpectationsWereMet())
}

func TestDriverGivesUpAfterBackoffBudget(t *testing.T) {
	e := newEnv(t, 10)
	e.writeSections(t, "sections.ndjson", "x-1-1")
	e.expectSchema()
	for i := 0; i < 4; i++ { // initial try + three retries
		e.mock.ExpectBegin()
		e.mock.ExpectQuery(`SELECT COUNT\(\*\) FROM sections`).WillReturnRows(countRows(0))
		e.mock.ExpectExec(`INSERT INTO sections`).WillReturnError(&pgErr{code: "40001"})
		e.mock.ExpectRollback()
	}

	_, err := e.drv.Run(context.Background(), NewSectionLoader(""))
	require.Error(t, err)

	saved, err := e.cps.Load("load_sections")
	require.NoError(t, err)
	require.Zero(t, saved.ByteOffset, "checkpoint must not advance past a failed batch")
}

func TestIntegrityViolationDropsBatchAndContinues(t *testing.T) {
	e := newEnv(t, 1)
	w, err := ndjson.OpenWriter(e.fs, "obligations.ndjson")
	require.NoError(t, err)
	v := 30.0
	require.NoError(t, w.Write(corpus.Obligation{
		Jurisdiction: "x", SectionID: "x-404", Category: "deadline",
		Phrase: "within 30 days", Value: &v, Unit: "days",
	}))
	require.NoError(t, w.Write(corpus.Obligation{
		Jurisdiction: "x", SectionID: "x-1-1", Category: "deadline",
		Phrase: "within 30 days", Value: &v, Unit: "days",
	}))
	require.NoError(t, w.Close())

	e.expectSchema()
	// Batch 1 hits a foreign-key violation and is dropped, not retried.
	e.mock.ExpectBegin()
	e.mock.ExpectQuery(`SELECT COUNT\(\*\) FROM obligations`).WillReturnRows(countRows(0))
	e.mock.ExpectExec(`INSERT INTO obligations`).WillReturnError(&pgErr{code: "23503"})
	e.mock.ExpectRollback()
	// Batch 2 succeeds.
	e.mock.ExpectBegin()
	e.mock.ExpectQuery(`SELECT COUNT\(\*\) FROM obligations`).WillReturnRows(countRows(0))
	e.mock.ExpectExec(`INSERT INTO obligations`).WillReturnResult(sqlmock.NewResult(0, 1))
	e.mock.ExpectQuery(`SELECT COUNT\(\*\) FROM obligations`).WillReturnRows(countRows(1))
	e.mock.ExpectCommit()

	cp, err := e.drv.Run(context.Background(), NewObligationLoader("", ""))
	require.NoError(t, err)
	require.EqualValues(t, 1, cp.Errors)
	require.EqualValues(t, 1, cp.Inserted)
	require.NoError(t, e.mock.ExpectationsWereMet())
}

func TestDoubleLoadCountsUpdatesNotInserts(t *testing.T) {
	e := newEnv(t, 10)
	e.writeSections(t, "sections.ndjson", "x-1-1", "x-1-2")
	e.expectSchema()
	e.expectSectionBatch(0, 2, 2)

	cp, err := e.drv.Run(context.Background(), NewSectionLoader(""))
	require.NoError(t, err)
	require.EqualValues(t, 2, cp.Inserted)

	// Second run over the same file from a clean checkpoint: every upsert
	// lands on an existing row, so the row count stays flat.
	require.NoError(t, e.cps.Reset("load_sections"))
	e.expectSectionBatch(2, 2, 2)
	cp, err = e.drv.Run(context.Background(), NewSectionLoader(""))
	require.NoError(t, err)
	require.EqualValues(t, 0, cp.Inserted)
	require.EqualValues(t, 2, cp.Updated)
	require.NoError(t, e.mock.ExpectationsWereMet())
}

func TestInvalidRecordsAreSkipped(t *testing.T) {
	e := newEnv(t, 10)
	w, err := ndjson.OpenWriter(e.fs, "sections.ndjson")
	require.NoError(t, err)
	require.NoError(t, w.Write(corpus.Section{Jurisdiction: "x", ID: "x-1-1", TextPlain: "ok"}))
	require.NoError(t, w.Write(map[string]string{"id": "missing-jurisdiction"}))
	require.NoError(t, w.Close())

	e.expectSchema()
	e.expectSectionBatch(0, 1, 1)

	cp, err := e.drv.Run(context.Background(), NewSectionLoader(""))
	require.NoError(t, err)
	require.EqualValues(t, 1, cp.Inserted)
	require.EqualValues(t, 1, cp.Skipped)
}

func TestSimilarityDecodeNormalizesReversedPair(t *testing.T) {
	l := NewSimilarityLoader("", zap.NewNop())
	rec, err := l.Decode([]byte(`{"jurisdiction":"x","section_a":"x-2-9","section_b":"x-1-1","similarity":0.9}`))
	require.NoError(t, err)
	p := rec.(*corpus.SimilarityPair)
	require.Equal(t, "x-1-1", p.SectionA)
	require.Equal(t, "x-2-9", p.SectionB)
}

func TestAnalysisLoaderFansOutTables(t *testing.T) {
	e := newEnv(t, 10)
	w, err := ndjson.OpenWriter(e.fs, "reporting.ndjson")
	require.NoError(t, err)
	require.NoError(t, w.Write(corpus.Analysis{
		Jurisdiction: "x", SectionID: "x-1-1", Summary: "annual filing",
		Indicators: []corpus.Indicator{{
			Type: "periodic_report", Severity: "medium",
			MatchedPhrases: []string{"shall file annually", "with the commissioner"},
		}},
	}))
	require.NoError(t, w.Close())

	e.expectSchema()
	e.mock.ExpectBegin()
	e.mock.ExpectQuery(`SELECT COUNT\(\*\) FROM reporting_analyses`).WillReturnRows(countRows(0))
	e.mock.ExpectExec(`INSERT INTO reporting_analyses`).WillReturnResult(sqlmock.NewResult(0, 1))
	e.mock.ExpectExec(`DELETE FROM reporting_indicators`).WillReturnResult(sqlmock.NewResult(0, 0))
	e.mock.ExpectQuery(`INSERT INTO reporting_indicators`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(7)))
	e.mock.ExpectExec(`INSERT INTO reporting_highlights`).
		WithArgs(int64(7), "shall file annually").
		WillReturnResult(sqlmock.NewResult(0, 1))
	e.mock.ExpectExec(`INSERT INTO reporting_highlights`).
		WithArgs(int64(7), "with the commissioner").
		WillReturnResult(sqlmock.NewResult(0, 1))
	e.mock.ExpectQuery(`SELECT COUNT\(\*\) FROM reporting_analyses`).WillReturnRows(countRows(1))
	e.mock.ExpectCommit()

	cp, err := e.drv.Run(context.Background(), NewReportingLoader(""))
	require.NoError(t, err)
	require.EqualValues(t, 1, cp.Inserted)
	require.NoError(t, e.mock.ExpectationsWereMet())
}

func TestLoadersRunInForeignKeyOrder(t *testing.T) {
	names := make([]string, 0)
	for _, l := range All(zap.NewNop()) {
		names = append(names, l.Name())
	}
	require.Equal(t, []string{
		"load_structure", "load_sections", "load_refs",
		"load_obligations", "load_llm_obligations",
		"load_similarities", "load_classifications",
		"load_reporting", "load_anachronism", "load_implementation",
	}, names)
}
