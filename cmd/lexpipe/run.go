package main

import (
	"context"
	"fmt"
	"os"
	"sort"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"lexpipe/internal/artifact"
	"lexpipe/internal/loader"
	"lexpipe/internal/ndjson"
	"lexpipe/internal/rank"
	"lexpipe/internal/stage"
	"lexpipe/internal/xmlcorpus"
)

// simpleStage adapts a closure for plan steps that live outside the
// stage package (the database load, the artifact upload).
type simpleStage struct {
	name string
	run  func(ctx context.Context) (*ndjson.Checkpoint, error)
}

func (s *simpleStage) Name() string { return s.name }
func (s *simpleStage) Run(ctx context.Context) (*ndjson.Checkpoint, error) {
	return s.run(ctx)
}

// Stage weights for chunk packing. LLM stages are heavy: they hold
// cascade slots for minutes, so at most two share a default chunk.
const (
	weightLight = 1
	weightParse = 2
	weightEmbed = 3
	weightLLM   = 4
)

func (a *app) runCommand() *cobra.Command {
	var (
		globs    []string
		capacity int
		parallel int
		noLoad   bool
		noLLM    bool
	)
	cmd := &cobra.Command{
		Use:   "run <corpus-dir>",
		Short: "Execute the full pipeline as a dependency-ordered plan",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			files, err := xmlcorpus.Discover(args[0], globs...)
			if err != nil {
				return err
			}
			if len(files) == 0 {
				return fmt.Errorf("no corpus files under %s", args[0])
			}

			plan := stage.NewPlan()
			env := a.env
			parser := xmlcorpus.NewGeneric(xmlcorpus.Config{Jurisdiction: a.cfg.Jurisdiction})

			add := func(s stage.Stage, weight int, after ...string) {
				if err == nil {
					err = plan.Add(s, weight, after...)
				}
			}
			add(stage.Parse(env, parser, files), weightParse)
			add(stage.Dedup(env), weightLight, "parse")
			add(stage.Refs(env), weightLight, "dedup")
			add(stage.Obligations(env), weightLight, "dedup")

			eng, engErr := a.embedEngine()
			if engErr != nil {
				return engErr
			}
			add(stage.Similar(env, eng), weightEmbed, "dedup")
			scorer := rank.NewCrossEncoder(a.cfg.Rank.Endpoint, a.cfg.Rank.Model)
			add(stage.ReportingFilter(env, scorer), weightEmbed, "dedup")

			loadAfter := []string{"refs", "obligations", "similar", "reporting_filter"}
			if !noLLM {
				cas, casErr := a.cascade()
				if casErr != nil {
					return casErr
				}
				defer func() {
					fmt.Fprint(os.Stdout, cas.Stats().Snapshot().Summary())
					_ = cas.Close()
				}()
				add(stage.LLMObligations(env, cas), weightLLM, "dedup")
				add(stage.Reporting(env, cas), weightLLM, "reporting_filter")
				add(stage.Anachronisms(env, cas), weightLLM, "dedup")
				add(stage.Implementation(env, cas), weightLLM, "dedup")
				add(stage.Classify(env, cas), weightLLM, "similar")
				loadAfter = append(loadAfter,
					"llm_obligations", "reporting", "anachronisms", "implementation", "classify")
			}

			if !noLoad && a.cfg.DatabaseURL != "" {
				add(&simpleStage{name: "load", run: func(ctx context.Context) (*ndjson.Checkpoint, error) {
					d, closeDB, err := a.openDriver()
					if err != nil {
						return nil, err
					}
					defer closeDB()
					return nil, d.RunAll(ctx, loader.All(a.log))
				}}, weightLight, loadAfter...)
			}
			if a.cfg.Archive.Enabled {
				archiveAfter := loadAfter
				if !noLoad && a.cfg.DatabaseURL != "" {
					archiveAfter = []string{"load"}
				}
				add(&simpleStage{name: "archive", run: a.archiveStage}, weightLight, archiveAfter...)
			}
			if err != nil {
				return err
			}

			res, execErr := plan.Execute(cmd.Context(), capacity, parallel, a.log)
			printPlanResult(res)
			if execErr != nil && cmd.Context().Err() != nil {
				a.log.Warn("run interrupted")
				return nil
			}
			return execErr
		},
	}
	cmd.Flags().StringArrayVar(&globs, "glob", nil, "source file globs relative to the corpus dir (default **/*.xml)")
	cmd.Flags().IntVar(&capacity, "chunk-capacity", 8, "total stage weight per chunk")
	cmd.Flags().IntVar(&parallel, "chunk-parallel", 2, "chunks running at once")
	cmd.Flags().BoolVar(&noLoad, "no-load", false, "skip the database load")
	cmd.Flags().BoolVar(&noLLM, "no-llm", false, "skip the cascade-backed stages")
	return cmd
}

func (a *app) archiveStage(ctx context.Context) (*ndjson.Checkpoint, error) {
	ac := a.cfg.Archive
	store, err := artifact.NewStore(artifact.S3Config{
		Endpoint:  ac.Endpoint,
		Region:    ac.Region,
		AccessKey: ac.AccessKey,
		SecretKey: ac.SecretKey,
		Bucket:    ac.Bucket,
		UseSSL:    ac.UseSSL,
	})
	if err != nil {
		return nil, err
	}
	runID, uploaded, err := artifact.Archive(ctx, store, a.env.FS, a.log)
	if err != nil {
		return nil, err
	}
	a.log.Info("run archived", zap.String("archive_run", runID), zap.Int("objects", len(uploaded)))
	return nil, nil
}

func printPlanResult(res *stage.Result) {
	if res == nil {
		return
	}
	names := make([]string, 0, len(res.Checkpoints))
	for name := range res.Checkpoints {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		stage.PrintSummary(os.Stdout, name, res.Checkpoints[name])
	}
	failed := make([]string, 0, len(res.Failed))
	for name := range res.Failed {
		failed = append(failed, name)
	}
	sort.Strings(failed)
	for _, name := range failed {
		fmt.Fprintf(os.Stdout, "%s: FAILED: %v\n", name, res.Failed[name])
	}
	for _, name := range res.Aborted {
		fmt.Fprintf(os.Stdout, "%s: aborted (upstream failure)\n", name)
	}
}
