package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/jackzampolin/tome/internal/checkpoint"
	"github.com/jackzampolin/tome/internal/config"
	"github.com/jackzampolin/tome/internal/extract"
	"github.com/jackzampolin/tome/internal/resolve"
	"github.com/jackzampolin/tome/internal/scheduler"
	"github.com/jackzampolin/tome/internal/segment"
	"github.com/jackzampolin/tome/internal/structure"
	"github.com/jackzampolin/tome/internal/typeset"
	"github.com/jackzampolin/tome/internal/unit"
)

// ExpandedFileName is the merged expansion output inside a run directory.
const ExpandedFileName = "expanded_draft.md"

// ExpandedPath returns the merged expansion output inside runDir.
func ExpandedPath(runDir string) string {
	return filepath.Join(runDir, ExpandedFileName)
}

type extractionPhase struct{ p *Pipeline }

func (*extractionPhase) Name() string           { return "extraction" }
func (*extractionPhase) Number() int            { return checkpoint.PhaseExtraction }
func (*extractionPhase) Dependencies() []string { return nil }
func (*extractionPhase) Label() string          { return "Phase 1: Extracting manuscript" }

func (ph *extractionPhase) Run(ctx context.Context, rc *RunContext) error {
	if rc.Input == "" {
		return fmt.Errorf("%w: no input document", ErrRunFatal)
	}
	res, err := ph.p.deps.Extractor.Extract(ctx, rc.Input, rc.RunDir, extract.Options{
		SkipImages: rc.Job.SkipImages,
		Reuse:      rc.Resume,
	})
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) || errors.Is(err, extract.ErrUnsupportedInput) {
			return fmt.Errorf("%w: %v", ErrRunFatal, err)
		}
		return err
	}
	rc.Carried.StyleConfig = rc.Job.StyleConfig()
	rc.Logger.Info("manuscript ready", "chars", res.Chars, "pages", res.Pages, "images", res.Images, "reused", res.Reused)
	rc.Progress.Update(1, 1)
	return nil
}

type expansionPhase struct{ p *Pipeline }

func (*expansionPhase) Name() string           { return "expansion" }
func (*expansionPhase) Number() int            { return checkpoint.PhaseExpansion }
func (*expansionPhase) Dependencies() []string { return []string{"extraction"} }
func (*expansionPhase) Label() string          { return "Phase 2: Expanding content" }

func (ph *expansionPhase) Run(ctx context.Context, rc *RunContext) error {
	cfg := rc.Config
	manuscript := extract.ManuscriptPath(rc.RunDir)
	if _, err := os.Stat(manuscript); err != nil {
		return fmt.Errorf("%w: %s", ErrMissingManuscript, manuscript)
	}

	client, model, err := ph.p.client(rc.Config, rc.Job)
	if err != nil {
		return err
	}
	if err := client.HealthCheck(ctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		rc.Logger.Warn("generation service health check failed, continuing", "provider", client.Name(), "error", err)
	}

	units, err := segment.SegmentFile(manuscript, cfg.Segment.MaxUnitChars)
	if err != nil {
		return err
	}
	if len(units) == 0 {
		return fmt.Errorf("manuscript %s is empty", manuscript)
	}
	stats := segment.Summarize(units)
	rc.Logger.Info("manuscript segmented", "units", stats.Count, "min", stats.Min, "max", stats.Max, "mean", stats.Mean)

	machine := unit.New(unit.Options{
		Client:      client,
		Prompts:     ph.p.deps.Prompts,
		Vars:        rc.Vars(),
		Config:      unitConfig(cfg.Expansion, model),
		DeadLetters: ph.p.deps.DeadLetters,
		Metrics:     ph.p.deps.Metrics,
		Logger:      rc.Logger,
		JobID:       rc.JobID,
	})

	targetPages := rc.Job.TargetPages
	if targetPages <= 0 {
		targetPages = cfg.Expansion.TargetPages
	}
	concurrency := scheduler.ConcurrencyFor(model, cfg.Expansion.Concurrency)
	rc.Logger.Info("expanding units", "model", model, "concurrency", concurrency, "target_pages", targetPages)

	sched := scheduler.New(scheduler.Config{
		Concurrency: concurrency,
		Store:       checkpoint.NewUnitStore(filepath.Join(rc.RunDir, checkpoint.UnitDirName)),
		OnProgress:  rc.Progress.Update,
		Logger:      rc.Logger,
	})
	results, summary, err := sched.Run(ctx, units, func(ctx context.Context, u segment.Unit) (scheduler.Output, error) {
		target := unit.TargetChars(targetPages, cfg.Expansion.CharsPerPage, len(units), u.Size, cfg.Expansion.MaxTargetChars)
		st, err := machine.Run(ctx, u, target)
		if err != nil {
			return scheduler.Output{}, err
		}
		return scheduler.Output{Text: st.Final, Outcome: string(st.Outcome)}, nil
	})
	if err != nil {
		return err
	}

	merged := scheduler.Merge(results)
	if err := checkpoint.WriteFileAtomic(ExpandedPath(rc.RunDir), []byte(merged)); err != nil {
		return fmt.Errorf("failed to write %s: %w", ExpandedFileName, err)
	}
	rc.Carried.TotalChunks = len(units)
	rc.Logger.Info("expansion merged",
		"units", summary.Total, "cached", summary.Cached, "failed", summary.Outcomes[string(unit.OutcomeFailed)],
		"empty", summary.Empty, "unchanged", summary.Unchanged, "chars", len(merged))
	return nil
}

type resolutionPhase struct{ p *Pipeline }

func (*resolutionPhase) Name() string           { return "resolution" }
func (*resolutionPhase) Number() int            { return checkpoint.PhaseResolution }
func (*resolutionPhase) Dependencies() []string { return []string{"expansion"} }
func (*resolutionPhase) Label() string          { return "Phase 3: Resolving images and diagrams" }

func (ph *resolutionPhase) Run(ctx context.Context, rc *RunContext) error {
	input := ExpandedPath(rc.RunDir)
	if _, err := os.Stat(input); err != nil {
		return fmt.Errorf("expanded draft not found; run expansion first: %w", err)
	}

	r, err := resolve.New(resolve.Config{
		Concurrency:    rc.Config.Resolution.Concurrency,
		MaxNewDiagrams: rc.Job.MaxNewDiagrams,
		Generator:      ph.p.deps.Images,
		Logger:         rc.Logger,
	})
	if err != nil {
		return err
	}
	_, stats, err := r.ResolveFile(ctx, input, rc.RunDir, resolve.Options{
		SkipImages: rc.Job.SkipImages || rc.Config.Resolution.SkipImages,
		Style:      rc.Carried.StyleConfig,
	})
	if err != nil {
		return err
	}
	rc.Logger.Info("tags resolved",
		"assets", stats.Assets, "missing_assets", stats.MissingAssets,
		"diagrams", stats.Diagrams, "placeholders", stats.Placeholders, "dropped", stats.DroppedDiagrams)
	rc.Progress.Update(1, 1)
	return nil
}

type typesettingPhase struct{ p *Pipeline }

func (*typesettingPhase) Name() string           { return "typesetting" }
func (*typesettingPhase) Number() int            { return checkpoint.PhaseTypesetting }
func (*typesettingPhase) Dependencies() []string { return []string{"resolution"} }
func (*typesettingPhase) Label() string          { return "Phase 4: Structuring and typesetting" }

func (ph *typesettingPhase) Run(ctx context.Context, rc *RunContext) error {
	cfg := rc.Config
	input := resolve.ResolvedPath(rc.RunDir)
	if _, err := os.Stat(input); err != nil {
		input = ExpandedPath(rc.RunDir)
		rc.Logger.Warn("resolved manuscript missing, typesetting the expanded draft", "path", input)
	}
	units, err := segment.SegmentFile(input, cfg.Segment.MaxUnitChars)
	if err != nil {
		return err
	}

	client, model, err := ph.p.client(rc.Config, rc.Job)
	if err != nil {
		return err
	}
	s, err := structure.New(structure.Options{
		Client:  client,
		Prompts: ph.p.deps.Prompts,
		Vars:    rc.Vars(),
		Config: structure.Config{
			Concurrency:     cfg.Structuring.Concurrency,
			CheckpointEvery: cfg.Structuring.CheckpointEvery,
			FallbackChars:   cfg.Structuring.FallbackChars,
			CallTimeout:     cfg.Expansion.CallTimeout,
			Model:           model,
		},
		Metrics: ph.p.deps.Metrics,
		Logger:  rc.Logger,
		JobID:   rc.JobID,
	})
	if err != nil {
		return err
	}
	chapters, res, err := s.Run(ctx, units, rc.RunDir, rc.Progress.Update)
	if err != nil {
		return err
	}
	rc.Logger.Info("book structured", "sections", res.Sections, "chapters", res.Chapters, "failed", res.Failed, "resumed", res.Resumed)

	rc.Progress.Message(fmt.Sprintf("Rendering with %s", ph.p.deps.Typesetter.Name()))
	out, err := ph.p.deps.Typesetter.Render(ctx, chapters, rc.RunDir, typeset.Meta{
		Title:    rc.Vars().BookSubject,
		Subtitle: rc.Vars().AcademicLevel,
	})
	if err != nil {
		return err
	}
	rc.Artifact = out
	return nil
}

// unitConfig maps expansion settings onto the unit state machine.
func unitConfig(e config.ExpansionCfg, model string) unit.Config {
	return unit.Config{
		MaxRevisions:     e.MaxRevisions,
		PlanAttempts:     e.PlanAttempts,
		PlanBackoff:      e.PlanBackoff,
		DraftAttempts:    e.DraftAttempts,
		DraftMaxTokens:   e.DraftMaxTokens,
		RateLimitBackoff: e.RateLimitBackoff,
		CallTimeout:      e.CallTimeout,
		Model:            model,
	}
}
