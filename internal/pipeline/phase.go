package pipeline

import (
	"context"
	"log/slog"

	"github.com/jackzampolin/tome/internal/checkpoint"
	"github.com/jackzampolin/tome/internal/config"
	"github.com/jackzampolin/tome/internal/jobs"
	"github.com/jackzampolin/tome/internal/prompts"
)

// Phase is one step of a run. Phases execute in dependency order and each
// leaves its output in the run directory for the next.
type Phase interface {
	// Identity
	Name() string           // e.g., "extraction", "expansion"
	Number() int            // Checkpoint number, 1-4
	Dependencies() []string // Phases that must complete first

	// Metadata
	Label() string // Display label used in progress messages

	// Run executes the phase. The returned error decides the run's
	// terminal state: wrapping ErrRunFatal fails the run for good, any
	// other error leaves it resumable at this phase.
	Run(ctx context.Context, rc *RunContext) error
}

// RunContext is the state shared by the phases of one run.
type RunContext struct {
	JobID    string
	RunDir   string
	Input    string
	Job      jobs.Config
	Resume   bool
	Config   *config.Config
	Carried  checkpoint.Carried
	Progress *ProgressTracker
	Logger   *slog.Logger

	// Artifact is set by the last phase.
	Artifact string
}

// Vars returns the prompt variables for this run.
func (rc *RunContext) Vars() prompts.Vars {
	vars := prompts.DefaultVars()
	style := rc.Carried.StyleConfig
	if v, ok := style["book_subject"].(string); ok && v != "" {
		vars.BookSubject = v
	}
	if v, ok := style["book_persona"].(string); ok && v != "" {
		vars.BookPersona = v
	}
	if v, ok := style["academic_level"].(string); ok && v != "" {
		vars.AcademicLevel = v
	}
	return vars
}
