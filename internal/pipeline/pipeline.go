// Package pipeline runs the four phases of a book build (extraction,
// expansion, resolution, typesetting) over one run directory, with
// checkpoints between phases so an interrupted run resumes where it
// stopped.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/jackzampolin/tome/internal/checkpoint"
	"github.com/jackzampolin/tome/internal/config"
	"github.com/jackzampolin/tome/internal/events"
	"github.com/jackzampolin/tome/internal/extract"
	"github.com/jackzampolin/tome/internal/jobs"
	"github.com/jackzampolin/tome/internal/metrics"
	"github.com/jackzampolin/tome/internal/prompts"
	"github.com/jackzampolin/tome/internal/providers"
	"github.com/jackzampolin/tome/internal/resolve"
	"github.com/jackzampolin/tome/internal/typeset"
	"github.com/jackzampolin/tome/internal/unit"
)

// Terminal messages.
const (
	CompletedMessage = "Book generation complete"
	CancelledMessage = "Job cancelled. You can resume."
)

var (
	// ErrRunFatal marks errors no resume can fix, such as missing
	// configuration.
	ErrRunFatal = errors.New("run cannot continue")

	// ErrNoCredentials is returned when no generation service is usable.
	ErrNoCredentials = fmt.Errorf("%w: no generation service credentials configured", ErrRunFatal)

	// ErrMissingManuscript is returned when a phase starts without the
	// previous phase's output.
	ErrMissingManuscript = errors.New("manuscript not found; run extraction first")
)

// ClientSource looks up generation service clients by provider name.
// *providers.Registry implements it.
type ClientSource interface {
	GetLLM(name string) (providers.LLMClient, error)
}

// Deps are the collaborators a Pipeline runs with. Only Config is
// required.
type Deps struct {
	Config      *config.Config
	Clients     ClientSource
	Jobs        *jobs.Registry
	Events      events.Publisher
	DeadLetters unit.DeadLetters
	Metrics     *metrics.Recorder
	Prompts     *prompts.Resolver
	Typesetter  typeset.Typesetter
	Images      resolve.ImageGenerator
	Extractor   *extract.Extractor
	Logger      *slog.Logger
}

// RunRequest describes one run.
type RunRequest struct {
	JobID      string
	RunDir     string
	Job        jobs.Config
	Resume     bool
	StartPhase int
}

// Result describes a finished run.
type Result struct {
	StartPhase      int    `json:"start_phase"`
	Artifact        string `json:"artifact,omitempty"`
	AlreadyComplete bool   `json:"already_complete,omitempty"`
}

// Pipeline executes runs. It is safe for concurrent use by several jobs.
type Pipeline struct {
	deps   Deps
	phases *Registry
	logger *slog.Logger

	mu  sync.RWMutex
	cfg *config.Config
}

// New creates a Pipeline with the standard phases.
func New(deps Deps) (*Pipeline, error) {
	if deps.Config == nil {
		return nil, fmt.Errorf("pipeline requires a config")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Prompts == nil {
		deps.Prompts = prompts.NewDefaultResolver("", deps.Logger)
	}
	if deps.Extractor == nil {
		deps.Extractor = extract.New(extract.Config{
			TextCommand:   deps.Config.Extraction.PDFTextCommand,
			ExtractImages: deps.Config.Extraction.ExtractImages,
			Logger:        deps.Logger,
		})
	}
	if deps.Typesetter == nil {
		ts, err := typeset.New(typeset.Config{
			Engine:       deps.Config.Typesetting.Engine,
			GotenbergURL: deps.Config.Typesetting.GotenbergURL,
			Logger:       deps.Logger,
		})
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRunFatal, err)
		}
		deps.Typesetter = ts
	}

	p := &Pipeline{
		deps:   deps,
		phases: NewRegistry(),
		logger: deps.Logger.With("component", "pipeline"),
		cfg:    deps.Config,
	}
	for _, ph := range []Phase{
		&extractionPhase{p: p},
		&expansionPhase{p: p},
		&resolutionPhase{p: p},
		&typesettingPhase{p: p},
	} {
		if err := p.phases.Register(ph); err != nil {
			return nil, err
		}
	}
	if err := p.phases.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// Config returns the settings new runs start with.
func (p *Pipeline) Config() *config.Config {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cfg
}

// SetConfig replaces the settings for runs started afterwards. Runs in
// progress keep the settings they started with.
func (p *Pipeline) SetConfig(cfg *config.Config) {
	if cfg == nil {
		return
	}
	p.mu.Lock()
	p.cfg = cfg
	p.mu.Unlock()
}

// Phases returns the registered phases in execution order.
func (p *Pipeline) Phases() []Phase {
	ordered, _ := p.phases.GetOrdered()
	return ordered
}

// Run executes phases from the start phase through typesetting, saving a
// checkpoint after each. The job, when registered, is moved to a
// terminal state before Run returns.
func (p *Pipeline) Run(ctx context.Context, req RunRequest) (*Result, error) {
	logger := p.deps.Logger
	if p.deps.Jobs != nil && req.JobID != "" {
		logger = jobs.JobLogger(logger, p.deps.Jobs, req.JobID)
	}
	logger = logger.With("component", "pipeline")
	tracker := NewProgressTracker(req.JobID, p.deps.Jobs, p.deps.Events).WithLogger(logger)

	if req.RunDir == "" {
		err := fmt.Errorf("%w: run directory is required", ErrRunFatal)
		tracker.Fail(checkpoint.PhaseExtraction, err.Error(), false)
		return nil, err
	}
	if err := os.MkdirAll(req.RunDir, 0o755); err != nil {
		err = fmt.Errorf("%w: create run directory: %v", ErrRunFatal, err)
		logger.Error("pipeline failed", "error", err)
		tracker.Fail(checkpoint.PhaseExtraction, err.Error(), false)
		return nil, err
	}

	cp := checkpoint.NewManager(req.RunDir, req.JobID, logger)
	start, err := cp.StartPhase(req.Resume, req.StartPhase)
	if errors.Is(err, checkpoint.ErrAlreadyComplete) {
		artifact := existingArtifact(req.RunDir)
		logger.Info("pipeline already complete", "artifact", artifact)
		tracker.Complete(artifact)
		return &Result{AlreadyComplete: true, Artifact: artifact}, nil
	}
	if err != nil {
		tracker.Fail(max(req.StartPhase, checkpoint.PhaseExtraction), err.Error(), false)
		return nil, err
	}

	rc := &RunContext{
		JobID:    req.JobID,
		RunDir:   req.RunDir,
		Input:    req.Job.InputPath,
		Job:      req.Job,
		Resume:   req.Resume,
		Config:   p.Config(),
		Progress: tracker,
		Logger:   logger,
	}

	if start == checkpoint.PhaseExtraction && !req.Resume {
		preserve := []string{req.Job.InputPath}
		if p.deps.Jobs != nil {
			preserve = append(preserve, p.deps.Jobs.Path())
		}
		if err := checkpoint.Purge(req.RunDir, preserve...); err != nil {
			return nil, p.fail(rc, start, fmt.Errorf("clean run directory: %w", err))
		}
		rc.Carried = checkpoint.Carried{StyleConfig: req.Job.StyleConfig()}
	} else {
		carried, err := cp.Carried()
		if err != nil {
			return nil, p.fail(rc, start, err)
		}
		if carried.StyleConfig == nil {
			carried.StyleConfig = req.Job.StyleConfig()
		}
		rc.Carried = carried
	}

	ordered, err := p.phases.GetOrdered()
	if err != nil {
		return nil, p.fail(rc, start, fmt.Errorf("%w: %v", ErrRunFatal, err))
	}

	first, ok := p.phases.ByNumber(start)
	if !ok {
		return nil, p.fail(rc, start, fmt.Errorf("%w: no phase numbered %d", ErrRunFatal, start))
	}
	logger.Info("pipeline starting", "start_phase", start, "first", first.Name(), "resume", req.Resume, "run_dir", req.RunDir)
	for _, ph := range ordered {
		if ph.Number() < start {
			logger.Info("skipping completed phase", "phase", ph.Number(), "name", ph.Name())
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, p.fail(rc, ph.Number(), err)
		}

		tracker.StartPhase(ph.Number(), ph.Label())
		plog := logger.With("phase", ph.Name())
		plog.Info("phase started")
		prev := rc.Logger
		rc.Logger = plog
		err := ph.Run(ctx, rc)
		rc.Logger = prev
		if err != nil {
			return nil, p.fail(rc, ph.Number(), err)
		}

		if err := cp.Save(ph.Number(), rc.Carried); err != nil {
			return nil, p.fail(rc, ph.Number(), err)
		}
		plog.Info("phase complete")
	}

	tracker.Complete(rc.Artifact)
	logger.Info("pipeline complete", "artifact", rc.Artifact)
	return &Result{StartPhase: start, Artifact: rc.Artifact}, nil
}

// fail classifies err, records the terminal job state and returns err.
func (p *Pipeline) fail(rc *RunContext, phase int, err error) error {
	switch {
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		rc.Logger.Warn("pipeline cancelled", "phase", phase)
		rc.Progress.Fail(phase, CancelledMessage, true)
	case errors.Is(err, ErrRunFatal):
		rc.Logger.Error("pipeline failed", "phase", phase, "error", err)
		rc.Progress.Fail(phase, err.Error(), false)
	default:
		rc.Logger.Error("phase failed", "phase", phase, "error", err)
		msg := fmt.Sprintf("Phase %d (%s) failed: %v. You can resume.", phase, checkpoint.PhaseName(phase), err)
		rc.Progress.Fail(phase, msg, true)
	}
	return err
}

// client resolves the generation service for a job.
func (p *Pipeline) client(cfg *config.Config, job jobs.Config) (providers.LLMClient, string, error) {
	name := job.Provider
	if name == "" {
		name = cfg.Defaults.Provider
	}
	if p.deps.Clients == nil {
		return nil, "", ErrNoCredentials
	}
	c, err := p.deps.Clients.GetLLM(name)
	if err != nil {
		return nil, "", fmt.Errorf("%w (provider %q: %v)", ErrNoCredentials, name, err)
	}
	model := job.Model
	if model == "" {
		model = cfg.ModelFor(name)
	}
	return c, model, nil
}

// existingArtifact returns the rendered book in runDir, preferring PDF.
func existingArtifact(runDir string) string {
	for _, name := range []string{typeset.PDFFileName, typeset.MarkdownFileName} {
		path := filepath.Join(runDir, name)
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}
