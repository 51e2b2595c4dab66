package loader

import (
	"context"
	"database/sql"
	"fmt"
	"os"

	"go.uber.org/zap"
)

// All returns every loader in foreign-key dependency order: parents
// before the tables that reference them.
func All(logger *zap.Logger) []Loader {
	return []Loader{
		NewStructureLoader(""),
		NewSectionLoader(""),
		NewRefLoader(""),
		NewObligationLoader("load_obligations", "obligations.ndjson"),
		NewObligationLoader("load_llm_obligations", "llm_obligations.ndjson"),
		NewSimilarityLoader("", logger),
		NewClassificationLoader(""),
		NewReportingLoader(""),
		NewAnachronismLoader(""),
		NewImplementationLoader(""),
	}
}

// ByName finds one loader from All, matching on the checkpoint name with
// or without the load_ prefix.
func ByName(name string, logger *zap.Logger) (Loader, error) {
	for _, l := range All(logger) {
		if l.Name() == name || l.Name() == "load_"+name {
			return l, nil
		}
	}
	return nil, fmt.Errorf("loader: unknown loader %q", name)
}

// RunAll drives every loader whose input file exists, in FK order.
func (d *Driver) RunAll(ctx context.Context, loaders []Loader) error {
	for _, l := range loaders {
		if _, err := d.fs.SafeStat(l.File()); err != nil {
			if os.IsNotExist(err) {
				d.log.Info("skipping loader, no input file",
					zap.String("loader", l.Name()),
					zap.String("file", l.File()))
				continue
			}
			return err
		}
		cp, err := d.Run(ctx, l)
		if err != nil {
			return err
		}
		d.log.Info("loader finished",
			zap.String("loader", l.Name()),
			zap.Int64("inserted", cp.Inserted),
			zap.Int64("updated", cp.Updated),
			zap.Int64("skipped", cp.Skipped),
			zap.Int64("errors", cp.Errors))
	}
	return nil
}

// truncation order is the reverse of the FK load order.
var resetTables = []string{
	"implementation_highlights",
	"implementation_indicators",
	"implementation_analyses",
	"anachronism_highlights",
	"anachronism_indicators",
	"anachronism_analyses",
	"reporting_highlights",
	"reporting_indicators",
	"reporting_analyses",
	"section_similarity_classifications",
	"section_similarities",
	"obligations",
	"section_refs",
	"sections",
	"structure",
}

// Reset truncates every table in reverse dependency order and drops the
// loader checkpoints so the next run starts clean.
func Reset(ctx context.Context, db *sql.DB, d *Driver) error {
	if err := ensureSchema(ctx, db); err != nil {
		return err
	}
	for _, table := range resetTables {
		if _, err := db.ExecContext(ctx, `TRUNCATE TABLE `+table+` CASCADE`); err != nil {
			return fmt.Errorf("loader: truncate %s: %w", table, err)
		}
	}
	for _, l := range All(d.log) {
		if err := d.cps.Reset(l.Name()); err != nil {
			return err
		}
	}
	return nil
}
