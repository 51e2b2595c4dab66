// Package stage wires the pipeline stages: each one streams an NDJSON
// input from its checkpoint, writes an NDJSON output, and advances the
// checkpoint only after the written records are durable.
package stage

import (
	"context"
	"fmt"
	"io"

	"go.uber.org/zap"

	"lexpipe/internal/config"
	"lexpipe/internal/ndjson"
	"lexpipe/internal/safeio"
)

// Env bundles what every stage needs: resolved configuration, the data
// root jail, the checkpoint store and the logger.
type Env struct {
	Cfg *config.Config
	FS  *safeio.SafeFS
	CPS *ndjson.Store
	Log *zap.Logger
}

func (e *Env) logger() *zap.Logger {
	if e.Log == nil {
		return zap.NewNop()
	}
	return e.Log
}

func (e *Env) workers() int {
	if e.Cfg == nil || e.Cfg.Workers < 1 {
		return 1
	}
	return e.Cfg.Workers
}

// Stage is one resumable pipeline step.
type Stage interface {
	Name() string
	Run(ctx context.Context) (*ndjson.Checkpoint, error)
}

// funcStage adapts a closure into a Stage.
type funcStage struct {
	name string
	run  func(ctx context.Context) (*ndjson.Checkpoint, error)
}

func (s *funcStage) Name() string { return s.name }
func (s *funcStage) Run(ctx context.Context) (*ndjson.Checkpoint, error) {
	return s.run(ctx)
}

// PrintSummary writes the stage's terminal counter line.
func PrintSummary(w io.Writer, name string, cp *ndjson.Checkpoint) {
	if cp == nil {
		return
	}
	fmt.Fprintf(w, "%s: processed=%d inserted=%d updated=%d skipped=%d errors=%d\n",
		name, cp.Total(), cp.Inserted, cp.Updated, cp.Skipped, cp.Errors)
}
