// Package loader streams NDJSON stage outputs into Postgres with batched
// transactions, upsert semantics on natural keys, and byte-offset resume.
package loader

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"lexpipe/internal/ndjson"
	"lexpipe/internal/safeio"
)

// BatchResult reports what one WriteBatch did.
type BatchResult struct {
	Inserted int64
	Updated  int64
}

// Loader is one NDJSON file bound to its table(s). Decode parses and
// validates a line; records failing Decode are counted and skipped.
// WriteBatch writes a whole batch inside the supplied transaction.
type Loader interface {
	Name() string
	File() string
	Decode(line []byte) (any, error)
	WriteBatch(ctx context.Context, tx *sql.Tx, batch []any) (BatchResult, error)
}

// Driver runs loaders: read, validate, batch, write transactionally,
// checkpoint after commit.
type Driver struct {
	db        *sql.DB
	fs        *safeio.SafeFS
	cps       *ndjson.Store
	batchSize int
	log       *zap.Logger

	backoff []time.Duration
	sleep   func(ctx context.Context, d time.Duration) error
}

func NewDriver(db *sql.DB, fs *safeio.SafeFS, cps *ndjson.Store, batchSize int, logger *zap.Logger) *Driver {
	if batchSize <= 0 {
		batchSize = 500
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Driver{
		db:        db,
		fs:        fs,
		cps:       cps,
		batchSize: batchSize,
		log:       logger,
		backoff:   []time.Duration{time.Second, 2 * time.Second, 4 * time.Second},
		sleep:     sleepCtx,
	}
}

// Run streams the loader's file from its checkpoint to EOF. The returned
// checkpoint carries the final counters; on error the persisted
// checkpoint still reflects only fully committed batches.
func (d *Driver) Run(ctx context.Context, l Loader) (*ndjson.Checkpoint, error) {
	if err := ensureSchema(ctx, d.db); err != nil {
		return nil, err
	}
	cp, err := d.cps.Load(l.Name())
	if err != nil {
		return nil, err
	}
	r, err := ndjson.OpenReader(d.fs, l.File(), cp, d.log)
	if err != nil {
		return nil, fmt.Errorf("loader %s: %w", l.Name(), err)
	}
	defer r.Close()

	log := d.log.Named(l.Name())
	if cp.ByteOffset > 0 {
		log.Info("resuming", zap.Int64("byte_offset", cp.ByteOffset))
	}

	batch := make([]any, 0, d.batchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := d.writeBatch(ctx, log, l, cp, batch); err != nil {
			return err
		}
		batch = batch[:0]
		cp.ByteOffset = r.Offset()
		if err := d.cps.Save(l.Name(), cp); err != nil {
			return err
		}
		return nil
	}

	var raw rawLine
	for {
		if err := ctx.Err(); err != nil {
			return cp, err
		}
		ok, err := r.Next(&raw)
		if err != nil {
			return cp, fmt.Errorf("loader %s: %w", l.Name(), err)
		}
		if !ok {
			break
		}
		rec, derr := l.Decode(raw)
		if derr != nil {
			cp.Skipped++
			log.Warn("invalid record skipped", zap.Error(derr))
			continue
		}
		batch = append(batch, rec)
		if len(batch) >= d.batchSize {
			if err := flush(); err != nil {
				return cp, err
			}
		}
	}
	cp.Errors += r.Malformed()
	if err := flush(); err != nil {
		return cp, err
	}
	// Persist final counters even when the last batch was empty.
	cp.ByteOffset = r.Offset()
	if err := d.cps.Save(l.Name(), cp); err != nil {
		return cp, err
	}
	return cp, nil
}

// rawLine keeps the reader from parsing records the loader re-parses.
type rawLine []byte

func (r *rawLine) UnmarshalJSON(b []byte) error {
	*r = append((*r)[:0], b...)
	return nil
}

// writeBatch commits one batch, retrying transient database failures with
// exponential backoff. Integrity violations mark the whole batch errored
// and let the run continue; any other failure aborts the run with the
// checkpoint untouched so the batch replays on resume.
func (d *Driver) writeBatch(ctx context.Context, log *zap.Logger, l Loader, cp *ndjson.Checkpoint, batch []any) error {
	var lastErr error
	for attempt := 0; attempt <= len(d.backoff); attempt++ {
		if attempt > 0 {
			wait := d.backoff[attempt-1]
			log.Warn("transient database error, retrying batch",
				zap.Int("attempt", attempt),
				zap.Duration("backoff", wait),
				zap.Error(lastErr))
			if err := d.sleep(ctx, wait); err != nil {
				return err
			}
		}
		res, err := d.tryBatch(ctx, l, batch)
		if err == nil {
			cp.Inserted += res.Inserted
			cp.Updated += res.Updated
			return nil
		}
		lastErr = err
		if isIntegrityError(err) {
			log.Error("integrity violation, batch dropped",
				zap.Int("records", len(batch)),
				zap.Error(err))
			cp.Errors += int64(len(batch))
			return nil
		}
		if !isTransientError(err) {
			return fmt.Errorf("loader %s: %w", l.Name(), err)
		}
	}
	return fmt.Errorf("loader %s: batch failed after %d attempts: %w", l.Name(), len(d.backoff)+1, lastErr)
}

func (d *Driver) tryBatch(ctx context.Context, l Loader, batch []any) (BatchResult, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return BatchResult{}, err
	}
	res, err := l.WriteBatch(ctx, tx, batch)
	if err != nil {
		_ = tx.Rollback()
		return BatchResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return BatchResult{}, err
	}
	return res, nil
}

// rowCount snapshots a table's row count inside the batch transaction.
// Loaders that report insert-vs-update splits compare counts before and
// after their upserts; exact because each table has a single writer.
func rowCount(ctx context.Context, tx *sql.Tx, table string) (int64, error) {
	var n int64
	err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+table).Scan(&n)
	return n, err
}

func sleepCtx(ctx context.Context, dur time.Duration) error {
	t := time.NewTimer(dur)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// errRetryable lets tests and callers tag injected errors as transient.
type retryableError struct{ err error }

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

// MarkTransient wraps err so the driver treats it as retryable.
func MarkTransient(err error) error { return &retryableError{err: err} }

func isTransientError(err error) bool {
	var re *retryableError
	if errors.As(err, &re) {
		return true
	}
	if errors.Is(err, sql.ErrConnDone) {
		return true
	}
	if code := sqlState(err); code != "" {
		switch code {
		case "40001", "40P01": // serialization failure, deadlock
			return true
		case "57P03": // cannot connect now
			return true
		}
		if len(code) >= 2 && code[:2] == "08" { // connection exceptions
			return true
		}
	}
	return false
}

func isIntegrityError(err error) bool {
	code := sqlState(err)
	return len(code) >= 2 && code[:2] == "23"
}

// sqlState extracts the SQLSTATE from pgx errors without binding the
// framework to one driver: any error exposing SQLState() qualifies.
func sqlState(err error) string {
	var coder interface{ SQLState() string }
	if errors.As(err, &coder) {
		return coder.SQLState()
	}
	return ""
}
