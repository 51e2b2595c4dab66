package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"lexpipe/internal/artifact"
	"lexpipe/internal/loader"
	"lexpipe/internal/stage"
)

func (a *app) openDriver() (*loader.Driver, func(), error) {
	if a.cfg.DatabaseURL == "" {
		return nil, nil, fmt.Errorf("database URL is required (--database-url or LEXPIPE_DATABASE_URL)")
	}
	db, err := loader.Open(a.cfg.DatabaseURL, a.cfg.Workers)
	if err != nil {
		return nil, nil, err
	}
	d := loader.NewDriver(db, a.env.FS, a.env.CPS, a.cfg.Loader.BatchSize, a.log)
	return d, func() { _ = db.Close() }, nil
}

func (a *app) loadCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "load [loader]",
		Short: "Bulk-load stage outputs into Postgres (all loaders, or one by name)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, closeDB, err := a.openDriver()
			if err != nil {
				return err
			}
			defer closeDB()
			if len(args) == 1 {
				l, err := loader.ByName(args[0], a.log)
				if err != nil {
					return err
				}
				cp, err := d.Run(cmd.Context(), l)
				stage.PrintSummary(os.Stdout, l.Name(), cp)
				return err
			}
			return d.RunAll(cmd.Context(), loader.All(a.log))
		},
	}
}

func (a *app) resetCommand() *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Truncate every pipeline table and drop the loader checkpoints",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !yes {
				return fmt.Errorf("reset truncates all pipeline tables; pass --yes to confirm")
			}
			if a.cfg.DatabaseURL == "" {
				return fmt.Errorf("database URL is required (--database-url or LEXPIPE_DATABASE_URL)")
			}
			db, err := loader.Open(a.cfg.DatabaseURL, a.cfg.Workers)
			if err != nil {
				return err
			}
			defer db.Close()
			d := loader.NewDriver(db, a.env.FS, a.env.CPS, a.cfg.Loader.BatchSize, a.log)
			return loader.Reset(cmd.Context(), db, d)
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm the destructive reset")
	return cmd
}

func (a *app) archiveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "archive",
		Short: "Upload stage outputs and checkpoints to S3-compatible storage",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ac := a.cfg.Archive
			if !ac.Enabled {
				return fmt.Errorf("archive is not configured (set ARCHIVE_S3_ENDPOINT)")
			}
			store, err := artifact.NewStore(artifact.S3Config{
				Endpoint:  ac.Endpoint,
				Region:    ac.Region,
				AccessKey: ac.AccessKey,
				SecretKey: ac.SecretKey,
				Bucket:    ac.Bucket,
				UseSSL:    ac.UseSSL,
			})
			if err != nil {
				return err
			}
			runID, uploaded, err := artifact.Archive(cmd.Context(), store, a.env.FS, a.log)
			if err != nil {
				return err
			}
			fmt.Fprintf(os.Stdout, "archived %d objects under run %s\n", len(uploaded), runID)
			return nil
		},
	}
}

// statsNames lists every checkpoint a full run can leave behind, in
// pipeline order.
var statsNames = []string{
	"parse", "dedup", "refs", "obligations", "similar",
	"llm_obligations", "reporting_filter", "reporting",
	"anachronisms", "implementation", "classify",
	"load_structure", "load_sections", "load_refs",
	"load_obligations", "load_llm_obligations", "load_similarities",
	"load_classifications", "load_reporting", "load_anachronisms",
	"load_implementation",
}

func (a *app) statsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print the saved checkpoint counters for every stage",
		RunE: func(*cobra.Command, []string) error {
			printed := false
			for _, name := range statsNames {
				cp, err := a.env.CPS.Load(name)
				if err != nil {
					return err
				}
				if cp.Total() == 0 && cp.ByteOffset == 0 {
					continue
				}
				stage.PrintSummary(os.Stdout, name, cp)
				printed = true
			}
			if !printed {
				fmt.Fprintln(os.Stdout, "no checkpoints yet")
			}
			return nil
		},
	}
}
