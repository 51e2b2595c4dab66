package stage

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"lexpipe/internal/ndjson"
	"lexpipe/internal/xmlcorpus"
)

// Parse runs the corpus parser over the discovered source files and
// appends structure and section records. Resume is per source file via
// the checkpoint's processed ids: a killed run re-parses at most the one
// file it was inside, and the loader's upserts absorb the replay.
func Parse(env *Env, p xmlcorpus.Parser, files []string) Stage {
	return &funcStage{name: "parse", run: func(ctx context.Context) (*ndjson.Checkpoint, error) {
		log := env.logger().Named("parse")
		cp, err := env.CPS.Load("parse")
		if err != nil {
			return nil, err
		}
		sw, err := ndjson.OpenWriter(env.FS, StructureFile)
		if err != nil {
			return nil, fmt.Errorf("parse: %w", err)
		}
		defer sw.Close()
		cw, err := ndjson.OpenWriter(env.FS, SectionsFile)
		if err != nil {
			return nil, fmt.Errorf("parse: %w", err)
		}
		defer cw.Close()

		for _, file := range files {
			if err := ctx.Err(); err != nil {
				return cp, err
			}
			if cp.Processed(file) {
				cp.Skipped++
				continue
			}
			nodes, err := p.Structure(ctx, file)
			if err != nil {
				return cp, fmt.Errorf("parse %s: %w", file, err)
			}
			secs, err := p.Sections(ctx, file)
			if err != nil {
				return cp, fmt.Errorf("parse %s: %w", file, err)
			}
			for i := range nodes {
				if err := nodes[i].Validate(); err != nil {
					cp.Errors++
					log.Warn("invalid structure node dropped",
						zap.String("file", file),
						zap.String("id", nodes[i].ID),
						zap.Error(err))
					continue
				}
				if err := sw.Write(nodes[i]); err != nil {
					return cp, fmt.Errorf("parse: %w", err)
				}
			}
			written := 0
			for i := range secs {
				if err := secs[i].Validate(); err != nil {
					cp.Errors++
					log.Warn("invalid section dropped",
						zap.String("file", file),
						zap.String("id", secs[i].ID),
						zap.Error(err))
					continue
				}
				if err := cw.Write(secs[i]); err != nil {
					return cp, fmt.Errorf("parse: %w", err)
				}
				written++
			}
			if err := sw.Sync(); err != nil {
				return cp, err
			}
			if err := cw.Sync(); err != nil {
				return cp, err
			}
			cp.Inserted += int64(written)
			cp.MarkProcessed(file)
			if err := env.CPS.Save("parse", cp); err != nil {
				return cp, err
			}
			log.Info("parsed file",
				zap.String("file", file),
				zap.Int("structure", len(nodes)),
				zap.Int("sections", len(secs)))
		}
		return cp, nil
	}}
}
