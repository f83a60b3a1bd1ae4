package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/tome/internal/api"
	"github.com/jackzampolin/tome/internal/config"
	"github.com/jackzampolin/tome/internal/dlq"
	"github.com/jackzampolin/tome/internal/events"
	"github.com/jackzampolin/tome/internal/home"
	"github.com/jackzampolin/tome/internal/jobs"
	"github.com/jackzampolin/tome/internal/metrics"
	"github.com/jackzampolin/tome/internal/pipeline"
	"github.com/jackzampolin/tome/internal/prompts"
	"github.com/jackzampolin/tome/internal/providers"
	"github.com/jackzampolin/tome/internal/typeset"
)

// runJobFile records the foreground job inside its run directory, so
// --resume finds the configuration it was started with.
const runJobFile = "job.json"

var (
	runInput       string
	runDir         string
	runResume      bool
	runPhase       int
	runTargetPages int
	runSkipImages  bool
	runModel       string
	runProvider    string
	runSubject     string
	runPersona     string
	runLevel       string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the pipeline in the foreground",
	Long: `Run the full pipeline on one input without a server.

The run directory holds the extracted manuscript, expanded units, assets,
checkpoints and the finished book. Progress is printed as it happens.
Ctrl+C stops the run after the current units checkpoint; --resume picks up
from the last completed phase.

Examples:
  tome run --input notes.pdf
  tome run --input notes.md --run-dir ./pumps --target-pages 200
  tome run --run-dir ./pumps --resume
  tome run --run-dir ./pumps --phase 4      # Re-typeset only`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		logger, err := newLogger()
		if err != nil {
			return err
		}
		h, err := getHome()
		if err != nil {
			return err
		}
		cm, err := loadConfig(h)
		if err != nil {
			return err
		}
		cfg := cm.Get()

		dir := runDir
		if dir == "" {
			if runInput == "" {
				return errors.New("--input or --run-dir is required")
			}
			base := strings.TrimSuffix(filepath.Base(runInput), filepath.Ext(runInput))
			dir = base + "-tome"
		}
		dir, err = filepath.Abs(dir)
		if err != nil {
			return err
		}

		registry := jobs.NewRegistry(filepath.Join(dir, runJobFile), logger)
		if err := registry.Load(); err != nil {
			return err
		}
		job, err := foregroundJob(registry, cfg)
		if err != nil {
			return err
		}

		rec := metrics.NewRecorder()
		broker := events.NewBroker(cfg.Events.QueueSize, rec, logger)
		p, store, err := buildPipeline(ctx, h, cfg, registry, broker, rec, logger)
		if err != nil {
			return err
		}
		defer store.Close()

		sub, err := broker.Subscribe(job.JobID)
		if err != nil {
			return err
		}
		done := make(chan struct{})
		go func() {
			defer close(done)
			for ev := range sub.Events() {
				fmt.Fprintf(os.Stderr, "phase %d [%5.1f%%] %s\n", ev.Phase, ev.ProgressPercentage, ev.Message)
			}
		}()

		res, err := p.Run(ctx, pipeline.RunRequest{
			JobID:      job.JobID,
			RunDir:     dir,
			Job:        job.Config,
			Resume:     runResume,
			StartPhase: runPhase,
		})
		broker.Unsubscribe(sub)
		<-done
		if err != nil {
			if j, gErr := registry.Get(job.JobID); gErr == nil && j.IsRecoverable {
				fmt.Fprintf(os.Stderr, "Run stopped at phase %d. Resume with: tome run --run-dir %s --resume\n", j.ResumePhase, dir)
			}
			return err
		}

		if res.AlreadyComplete {
			fmt.Printf("Already complete: %s\n", res.Artifact)
			return nil
		}
		fmt.Printf("Book written to %s\n", res.Artifact)
		return api.Output(rec.Usage(job.JobID))
	},
}

// foregroundJob returns the job recorded in the run directory, or creates
// one from the flags for a fresh run.
func foregroundJob(registry *jobs.Registry, cfg *config.Config) (*jobs.Job, error) {
	existing := registry.List()
	if runResume || (runPhase > 0 && runInput == "") {
		if len(existing) == 0 {
			return nil, errors.New("no job recorded in the run directory; start it with --input first")
		}
		return existing[0], nil
	}
	if runInput == "" {
		return nil, errors.New("--input is required for a new run")
	}
	input, err := filepath.Abs(runInput)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(input); err != nil {
		return nil, fmt.Errorf("input: %w", err)
	}

	jc := jobs.Config{
		InputPath:      input,
		BookSubject:    runSubject,
		BookPersona:    runPersona,
		AcademicLevel:  runLevel,
		TargetPages:    cfg.Expansion.TargetPages,
		MaxNewDiagrams: cfg.Resolution.MaxNewDiagrams,
		SkipImages:     runSkipImages || cfg.Resolution.SkipImages,
		Provider:       runProvider,
		Model:          runModel,
	}
	if runTargetPages > 0 {
		jc.TargetPages = runTargetPages
	}
	if len(existing) > 0 {
		// A fresh run in a used directory keeps its id so dead letters
		// still map to it.
		return registry.Update(existing[0].JobID, true, func(j *jobs.Job) { j.Config = jc })
	}
	return registry.Create(jc)
}

// buildPipeline wires a pipeline for local use, starting a managed
// Gotenberg container when the configuration asks for one.
func buildPipeline(ctx context.Context, h *home.Dir, cfg *config.Config, registry *jobs.Registry, pub events.Publisher, rec *metrics.Recorder, logger *slog.Logger) (*pipeline.Pipeline, *dlq.Store, error) {
	clients := providers.NewRegistryFromConfig(cfg.ToProviderRegistryConfig())
	clients.SetLogger(logger)

	store, err := dlq.Open(h.DLQPath(), logger)
	if err != nil {
		return nil, nil, err
	}

	tsCfg := typeset.Config{
		Engine:       cfg.Typesetting.Engine,
		GotenbergURL: cfg.Typesetting.GotenbergURL,
		Logger:       logger,
	}
	if tsCfg.Engine == typeset.EngineGotenberg && tsCfg.GotenbergURL == "" && cfg.Typesetting.Docker.Manage {
		mgr, err := getDockerManager(h, cfg)
		if err != nil {
			store.Close()
			return nil, nil, err
		}
		defer mgr.Close()
		if err := mgr.Start(ctx); err != nil {
			store.Close()
			return nil, nil, fmt.Errorf("failed to start Gotenberg: %w", err)
		}
		// The container outlives the run; 'tome gotenberg stop' stops it.
		tsCfg.GotenbergURL = mgr.URL()
	}
	ts, err := typeset.New(tsCfg)
	if err != nil {
		store.Close()
		return nil, nil, err
	}

	p, err := pipeline.New(pipeline.Deps{
		Config:      cfg,
		Clients:     clients,
		Jobs:        registry,
		Events:      pub,
		DeadLetters: store,
		Metrics:     rec,
		Prompts:     prompts.NewDefaultResolver(h.PromptsPath(), logger),
		Typesetter:  ts,
		Logger:      logger,
	})
	if err != nil {
		store.Close()
		return nil, nil, err
	}
	return p, store, nil
}

func init() {
	runCmd.Flags().StringVarP(&runInput, "input", "i", "", "Input PDF, Markdown or text file")
	runCmd.Flags().StringVar(&runDir, "run-dir", "", "Run directory (default: <input name>-tome)")
	runCmd.Flags().BoolVar(&runResume, "resume", false, "Resume from the last completed phase")
	runCmd.Flags().IntVar(&runPhase, "phase", 0, "Start at this phase (1-4)")
	runCmd.Flags().IntVar(&runTargetPages, "target-pages", 0, "Page budget (default from config)")
	runCmd.Flags().BoolVar(&runSkipImages, "skip-images", false, "Render placeholders instead of diagrams")
	runCmd.Flags().StringVar(&runModel, "model", "", "Model override")
	runCmd.Flags().StringVar(&runProvider, "provider", "", "Generation service name (default from config)")
	runCmd.Flags().StringVar(&runSubject, "subject", "Engineering", "Subject of the book")
	runCmd.Flags().StringVar(&runPersona, "persona", "Senior Engineering Professor", "Voice the book is written in")
	runCmd.Flags().StringVar(&runLevel, "level", "Undergraduate", "Intended audience")

	rootCmd.AddCommand(runCmd)
}
