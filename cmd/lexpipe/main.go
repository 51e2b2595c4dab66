// Command lexpipe drives the legal-code analysis pipeline: parse the
// corpus, derive facts, ask the model cascade, and load Postgres.
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"lexpipe/internal/config"
	"lexpipe/internal/llm"
	"lexpipe/internal/logging"
	"lexpipe/internal/ndjson"
	"lexpipe/internal/safeio"
	"lexpipe/internal/stage"
)

// app carries what every subcommand needs once the root has run.
type app struct {
	cfg     *config.Config
	env     *stage.Env
	log     *zap.Logger
	handler *stage.SignalHandler

	// flag overrides, applied on top of the environment config
	flagDataDir      string
	flagJurisdiction string
	flagWorkers      int
	flagStrategy     string
	flagDatabaseURL  string
	flagVerbose      bool
}

func main() {
	a := &app{}
	root := a.rootCommand()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
	if a.handler != nil {
		if code := a.handler.ExitCode(); code != 0 {
			os.Exit(code)
		}
	}
}

func (a *app) rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "lexpipe",
		Short:         "Legal-code analysis pipeline",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd)
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if a.log != nil {
				_ = a.log.Sync()
			}
			if a.handler != nil {
				a.handler.Stop()
			}
		},
	}
	pf := root.PersistentFlags()
	pf.StringVar(&a.flagDataDir, "data-dir", "", "data directory (default $LEXPIPE_DATA_DIR or ./data)")
	pf.StringVar(&a.flagJurisdiction, "jurisdiction", "", "jurisdiction tag stamped on every record")
	pf.IntVar(&a.flagWorkers, "workers", 0, "worker pool size per stage")
	pf.StringVar(&a.flagStrategy, "strategy", "", "cascade strategy: rate or rotation")
	pf.StringVar(&a.flagDatabaseURL, "database-url", "", "Postgres connection string")
	pf.BoolVarP(&a.flagVerbose, "verbose", "v", false, "debug logging")

	root.AddCommand(
		a.parseCommand(),
		a.dedupCommand(),
		a.refsCommand(),
		a.obligationsCommand(),
		a.similarCommand(),
		a.llmObligationsCommand(),
		a.reportingFilterCommand(),
		a.reportingCommand(),
		a.classifyCommand(),
		a.anachronismsCommand(),
		a.implementationCommand(),
		a.loadCommand(),
		a.resetCommand(),
		a.runCommand(),
		a.archiveCommand(),
		a.statsCommand(),
	)
	return root
}

// setup resolves configuration (flag > env > default), builds the
// logger, jails the data directory, and installs the signal handler.
func (a *app) setup(cmd *cobra.Command) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if a.flagDataDir != "" {
		cfg.DataDir = a.flagDataDir
	}
	if a.flagJurisdiction != "" {
		cfg.Jurisdiction = a.flagJurisdiction
	}
	if a.flagWorkers > 0 {
		cfg.Workers = a.flagWorkers
	}
	if a.flagDatabaseURL != "" {
		cfg.DatabaseURL = a.flagDatabaseURL
	}
	a.cfg = cfg

	logger, err := logging.New(a.flagVerbose)
	if err != nil {
		return err
	}
	a.log = logger.With(zap.String("run_id", uuid.NewString()))

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return err
	}
	fs, err := safeio.NewSafeFS(cfg.DataDir)
	if err != nil {
		return err
	}
	ctx, handler := stage.InstallSignals(cmd.Context(), a.log)
	cmd.SetContext(ctx)
	a.handler = handler
	a.env = &stage.Env{
		Cfg: cfg,
		FS:  fs,
		CPS: ndjson.NewStore(fs, a.log),
		Log: a.log,
	}
	return nil
}

// runStage executes one stage and prints its summary line.
func (a *app) runStage(ctx context.Context, s stage.Stage) error {
	cp, err := s.Run(ctx)
	stage.PrintSummary(os.Stdout, s.Name(), cp)
	if err != nil && ctx.Err() != nil {
		// Interrupted, checkpoint flushed: the signal exit code applies.
		a.log.Warn("stage interrupted", zap.String("stage", s.Name()))
		return nil
	}
	return err
}

// cascade assembles the model cascade from configured providers.
func (a *app) cascade() (*llm.Cascade, error) {
	cfg := a.cfg
	reg, skipped, err := llm.BuildRegistry(llm.CatalogOptions{
		GeminiAPIKey:      cfg.Provider.GeminiAPIKey,
		GroqAPIKey:        cfg.Provider.GroqAPIKey,
		GroqEndpoint:      cfg.Provider.GroqEndpoint,
		AnthropicAPIKey:   cfg.Provider.AnthropicAPIKey,
		AnthropicEndpoint: cfg.Provider.AnthropicEndpoint,
		OllamaEndpoint:    cfg.Provider.OllamaEndpoint,
		OllamaModel:       cfg.Provider.OllamaModel,
		CatalogPath:       cfg.Cascade.CatalogPath,
	})
	if err != nil {
		return nil, err
	}
	for _, s := range skipped {
		a.log.Info("model skipped, no credentials", zap.String("model", s))
	}
	opts := []llm.Option{
		llm.WithLogger(a.log),
		llm.WithUsageLedger(llm.NewUsageLedger(filepath.Join(cfg.DataDir, "usage.json"))),
	}
	if dir := cfg.Cascade.ResponseCacheDir; dir != "" {
		rc, err := llm.NewResponseCache(dir, 10000, 0)
		if err != nil {
			return nil, err
		}
		opts = append(opts, llm.WithResponseCache(rc))
	}
	return llm.NewCascade(reg, llm.Config{
		Strategy:            llm.ChooseStrategy(a.flagStrategy, cfg.Cascade.Strategy, cfg.Workers),
		ValidationRetries:   cfg.Cascade.ValidationRetries,
		RemoteTimeout:       cfg.Cascade.RemoteTimeout,
		LocalTimeout:        cfg.Cascade.LocalTimeout,
		PreferredRetryEvery: cfg.Cascade.PreferredRetryEvery,
		ProbeAfterAttempts:  cfg.Cascade.ProbeAfterAttempts,
	}, opts...)
}

// llmStageCommand builds the shared shape of the cascade-backed stage
// commands: construct the cascade, run the stage, print model stats.
func (a *app) llmStageCommand(use, short string, build func(*stage.Env, *llm.Cascade) stage.Stage) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cas, err := a.cascade()
			if err != nil {
				return err
			}
			defer cas.Close()
			err = a.runStage(cmd.Context(), build(a.env, cas))
			fmt.Fprint(os.Stdout, cas.Stats().Snapshot().Summary())
			return err
		},
	}
}
