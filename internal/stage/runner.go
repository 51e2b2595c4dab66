package stage

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"lexpipe/internal/ndjson"
)

// streamConfig describes one record-at-a-time stage: input file, output
// file, and how wide the worker pool runs.
type streamConfig struct {
	name    string
	input   string
	output  string
	workers int
	// trackIDs turns on record-id resume on top of the byte offset, for
	// stages whose work is too expensive to replay.
	trackIDs bool
}

// decision is the outcome for one input record.
type decision[T any] struct {
	rec     *T
	skipped bool
	err     error
	outputs []any
}

// runStream drives the shared stage loop: read a mini-batch, process it
// on the worker pool, write every output, sync, then checkpoint to the
// reader offset. Each input record gets exactly one decision per run;
// output order across a batch is input order, across workers within the
// processing itself unspecified. A cancelled batch is discarded whole so
// the checkpoint never covers unwritten output.
func runStream[T any](
	ctx context.Context,
	env *Env,
	sc streamConfig,
	id func(*T) string,
	skip func(cp *ndjson.Checkpoint, rec *T) bool,
	process func(ctx context.Context, rec *T) ([]any, error),
) (*ndjson.Checkpoint, error) {
	log := env.logger().Named(sc.name)
	cp, err := env.CPS.Load(sc.name)
	if err != nil {
		return nil, err
	}
	r, err := ndjson.OpenReader(env.FS, sc.input, cp, log)
	if err != nil {
		return nil, fmt.Errorf("stage %s: %w", sc.name, err)
	}
	defer r.Close()
	w, err := ndjson.OpenWriter(env.FS, sc.output)
	if err != nil {
		return nil, fmt.Errorf("stage %s: %w", sc.name, err)
	}
	defer w.Close()

	if cp.ByteOffset > 0 {
		log.Info("resuming", zap.Int64("byte_offset", cp.ByteOffset))
	}
	workers := sc.workers
	if workers < 1 {
		workers = 1
	}
	batchSize := workers * 4
	if batchSize < 16 {
		batchSize = 16
	}

	for {
		if err := ctx.Err(); err != nil {
			return cp, err
		}
		batch, err := readBatch[T](r, batchSize)
		if err != nil {
			return cp, fmt.Errorf("stage %s: %w", sc.name, err)
		}
		if len(batch) == 0 {
			break
		}

		decisions := make([]decision[T], len(batch))
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(workers)
		for i := range batch {
			d := &decisions[i]
			d.rec = &batch[i]
			if sc.trackIDs && id != nil && cp.Processed(id(d.rec)) {
				d.skipped = true
				continue
			}
			if skip != nil && skip(cp, d.rec) {
				d.skipped = true
				continue
			}
			g.Go(func() error {
				d.outputs, d.err = process(gctx, d.rec)
				return nil
			})
		}
		_ = g.Wait()
		if err := ctx.Err(); err != nil {
			// Discard the whole batch; nothing was written, the
			// checkpoint still points at its first byte.
			return cp, err
		}

		for i := range decisions {
			d := &decisions[i]
			switch {
			case d.skipped:
				cp.Skipped++
			case d.err != nil:
				cp.Errors++
				log.Warn("record failed", zap.Error(d.err))
			case len(d.outputs) == 0:
				cp.Skipped++
			default:
				for _, out := range d.outputs {
					if err := w.Write(out); err != nil {
						return cp, fmt.Errorf("stage %s: %w", sc.name, err)
					}
				}
				cp.Inserted += int64(len(d.outputs))
			}
			if sc.trackIDs && id != nil && d.err == nil {
				cp.MarkProcessed(id(d.rec))
			}
		}
		if err := w.Sync(); err != nil {
			return cp, fmt.Errorf("stage %s: sync: %w", sc.name, err)
		}
		cp.ByteOffset = r.Offset()
		if err := env.CPS.Save(sc.name, cp); err != nil {
			return cp, err
		}
	}

	cp.Errors += r.Malformed()
	cp.ByteOffset = r.Offset()
	if err := env.CPS.Save(sc.name, cp); err != nil {
		return cp, err
	}
	return cp, nil
}

// readBatch pulls up to n records off the reader.
func readBatch[T any](r *ndjson.Reader, n int) ([]T, error) {
	out := make([]T, 0, n)
	for len(out) < n {
		var v T
		ok, err := r.Next(&v)
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		out = append(out, v)
	}
	return out, nil
}
