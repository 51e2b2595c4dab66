package main

import (
	"github.com/spf13/cobra"

	"lexpipe/internal/embed"
	"lexpipe/internal/llm"
	"lexpipe/internal/rank"
	"lexpipe/internal/stage"
	"lexpipe/internal/xmlcorpus"
)

func (a *app) parseCommand() *cobra.Command {
	var globs []string
	cmd := &cobra.Command{
		Use:   "parse <corpus-dir>",
		Short: "Parse the XML corpus into structure and section records",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			files, err := xmlcorpus.Discover(args[0], globs...)
			if err != nil {
				return err
			}
			p := xmlcorpus.NewGeneric(xmlcorpus.Config{Jurisdiction: a.cfg.Jurisdiction})
			return a.runStage(cmd.Context(), stage.Parse(a.env, p, files))
		},
	}
	cmd.Flags().StringArrayVar(&globs, "glob", nil, "source file globs relative to the corpus dir (default **/*.xml)")
	return cmd
}

func (a *app) dedupCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "dedup",
		Short: "Detect near-duplicate sections and write the dedup map",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.runStage(cmd.Context(), stage.Dedup(a.env))
		},
	}
}

func (a *app) refsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "refs",
		Short: "Extract cross-references from canonical sections",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.runStage(cmd.Context(), stage.Refs(a.env))
		},
	}
}

func (a *app) obligationsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "obligations",
		Short: "Extract rule-based obligations from canonical sections",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.runStage(cmd.Context(), stage.Obligations(a.env))
		},
	}
}

func (a *app) similarCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "similar",
		Short: "Embed sections and emit above-threshold similarity pairs",
		RunE: func(cmd *cobra.Command, _ []string) error {
			eng, err := a.embedEngine()
			if err != nil {
				return err
			}
			return a.runStage(cmd.Context(), stage.Similar(a.env, eng))
		},
	}
}

func (a *app) reportingFilterCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "reporting-filter",
		Short: "Prefilter sections for reporting-requirement candidates",
		RunE: func(cmd *cobra.Command, _ []string) error {
			scorer := rank.NewCrossEncoder(a.cfg.Rank.Endpoint, a.cfg.Rank.Model)
			return a.runStage(cmd.Context(), stage.ReportingFilter(a.env, scorer))
		},
	}
}

func (a *app) llmObligationsCommand() *cobra.Command {
	return a.llmStageCommand("llm-obligations",
		"Extract obligations with the model cascade",
		func(env *stage.Env, cas *llm.Cascade) stage.Stage {
			return stage.LLMObligations(env, cas)
		})
}

func (a *app) reportingCommand() *cobra.Command {
	return a.llmStageCommand("reporting",
		"Analyze reporting-requirement candidates with the model cascade",
		func(env *stage.Env, cas *llm.Cascade) stage.Stage {
			return stage.Reporting(env, cas)
		})
}

func (a *app) anachronismsCommand() *cobra.Command {
	return a.llmStageCommand("anachronisms",
		"Flag anachronistic provisions with the model cascade",
		func(env *stage.Env, cas *llm.Cascade) stage.Stage {
			return stage.Anachronisms(env, cas)
		})
}

func (a *app) implementationCommand() *cobra.Command {
	return a.llmStageCommand("implementation",
		"Assess implementation burden with the model cascade",
		func(env *stage.Env, cas *llm.Cascade) stage.Stage {
			return stage.Implementation(env, cas)
		})
}

func (a *app) classifyCommand() *cobra.Command {
	return a.llmStageCommand("classify",
		"Classify similarity pairs with the model cascade",
		func(env *stage.Env, cas *llm.Cascade) stage.Stage {
			return stage.Classify(env, cas)
		})
}

func (a *app) embedEngine() (embed.Engine, error) {
	cfg := a.cfg
	return embed.NewEngine(cfg.Embed.Backend, cfg.Provider.GeminiAPIKey,
		cfg.Provider.OllamaEndpoint, cfg.Embed.Model)
}
