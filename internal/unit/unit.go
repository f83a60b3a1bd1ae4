// Package unit drives one work unit through plan, draft and review until it
// is accepted, runs out of revisions, or fails.
package unit

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackzampolin/tome/internal/metrics"
	"github.com/jackzampolin/tome/internal/prompts"
	"github.com/jackzampolin/tome/internal/providers"
	"github.com/jackzampolin/tome/internal/segment"
)

// Phase is a state of the unit machine.
type Phase string

const (
	PhasePlanning  Phase = "planning"
	PhaseDrafting  Phase = "drafting"
	PhaseReviewing Phase = "reviewing"
	PhaseRevising  Phase = "revising"
	PhaseAccepted  Phase = "accepted"
	PhaseExhausted Phase = "exhausted"
	PhaseFailed    Phase = "failed"
)

// Outcome is the final classification of a unit. It is set exactly once.
type Outcome string

const (
	OutcomeProduced  Outcome = "produced"
	OutcomeUnchanged Outcome = "unchanged"
	OutcomeFailed    Outcome = "failed"
)

// Stage names used for generation calls.
const (
	StagePlan   = "plan"
	StageDraft  = "draft"
	StageCritic = "critic"
)

// ExpansionPhase is the pipeline phase number recorded on dead letters
// written by the unit machine.
const ExpansionPhase = 2

// State is the per-unit record carried through the machine.
type State struct {
	Unit          segment.Unit `json:"unit"`
	TargetChars   int          `json:"target_chars"`
	Plan          string       `json:"plan,omitempty"`
	Draft         string       `json:"draft,omitempty"`
	Feedback      string       `json:"feedback,omitempty"`
	RevisionCount int          `json:"revision_count"`
	Phase         Phase        `json:"phase"`
	Outcome       Outcome      `json:"outcome,omitempty"`
	Final         string       `json:"final"`
	CriticSkipped bool         `json:"critic_skipped,omitempty"`
	Calls         int          `json:"calls"`
	Err           string       `json:"error,omitempty"`

	best string
}

// DeadLetters receives units that could not be processed.
type DeadLetters interface {
	Push(ctx context.Context, id string, phase int, text, errMsg string) error
}

// Config controls retry budgets and call parameters.
type Config struct {
	MaxRevisions     int
	PlanAttempts     int
	PlanBackoff      time.Duration
	DraftAttempts    int
	DraftMaxTokens   int
	RateLimitBackoff time.Duration
	CallTimeout      time.Duration
	Model            string
}

// DefaultConfig returns the standard retry budgets.
func DefaultConfig() Config {
	return Config{
		MaxRevisions:     3,
		PlanAttempts:     5,
		PlanBackoff:      30 * time.Second,
		DraftAttempts:    3,
		DraftMaxTokens:   8192,
		RateLimitBackoff: 5 * time.Second,
		CallTimeout:      30 * time.Minute,
	}
}

// Options configures a Machine.
type Options struct {
	Client      providers.LLMClient
	Prompts     *prompts.Resolver
	Vars        prompts.Vars
	Config      Config
	DeadLetters DeadLetters
	Metrics     *metrics.Recorder
	Logger      *slog.Logger
	JobID       string
}

// Machine runs the plan/draft/review protocol for units.
// It is safe for concurrent use; all per-unit state lives in State.
type Machine struct {
	client  providers.LLMClient
	prompts *prompts.Resolver
	vars    prompts.Vars
	cfg     Config
	dlq     DeadLetters
	metrics *metrics.Recorder
	logger  *slog.Logger
	jobID   string
}

// New creates a Machine.
func New(opts Options) *Machine {
	cfg := opts.Config
	def := DefaultConfig()
	if cfg.MaxRevisions < 0 {
		cfg.MaxRevisions = 0
	}
	if cfg.PlanAttempts <= 0 {
		cfg.PlanAttempts = def.PlanAttempts
	}
	if cfg.DraftAttempts <= 0 {
		cfg.DraftAttempts = def.DraftAttempts
	}
	if cfg.DraftMaxTokens <= 0 {
		cfg.DraftMaxTokens = def.DraftMaxTokens
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = def.CallTimeout
	}

	resolver := opts.Prompts
	if resolver == nil {
		resolver = prompts.NewDefaultResolver("", opts.Logger)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Machine{
		client:  opts.Client,
		prompts: resolver,
		vars:    opts.Vars,
		cfg:     cfg,
		dlq:     opts.DeadLetters,
		metrics: opts.Metrics,
		logger:  logger.With("component", "unit"),
		jobID:   opts.JobID,
	}
}

// DeadLetterID returns the dead letter key for a unit.
func DeadLetterID(jobID string, index int) string {
	if jobID == "" {
		return fmt.Sprintf("chunk_%04d", index)
	}
	return fmt.Sprintf("%s:chunk_%04d", jobID, index)
}

// Run drives u to a terminal phase. The returned State always carries a
// Final text and an Outcome. The error is non-nil only when ctx ends the
// run early, in which case the State is partial and must not be persisted.
func (m *Machine) Run(ctx context.Context, u segment.Unit, targetChars int) (*State, error) {
	st := &State{Unit: u, TargetChars: targetChars, Phase: PhasePlanning}
	logger := m.logger.With("unit", u.Index)

	if strings.TrimSpace(u.Text) == "" {
		st.Phase = PhaseAccepted
		m.finish(st, u.Text)
		return st, nil
	}

	plan, err := m.plan(ctx, st)
	if err != nil {
		if ctx.Err() != nil {
			return st, ctx.Err()
		}
		logger.Error("plan failed", "error", err)
		m.fail(ctx, st, fmt.Errorf("plan: %w", err))
		return st, nil
	}
	st.Plan = plan

	for {
		st.Phase = PhaseDrafting
		draft, err := m.draft(ctx, st)
		if err != nil {
			if ctx.Err() != nil {
				return st, ctx.Err()
			}
			if st.best != "" {
				logger.Warn("draft failed, keeping best prior draft", "error", err, "revision", st.RevisionCount)
				st.Phase = PhaseExhausted
				st.Err = err.Error()
				m.finish(st, st.best)
				return st, nil
			}
			logger.Error("draft failed", "error", err)
			m.fail(ctx, st, fmt.Errorf("draft: %w", err))
			return st, nil
		}
		st.Draft = draft
		if len(draft) > len(st.best) {
			st.best = draft
		}

		st.Phase = PhaseReviewing
		accepted, feedback, err := m.review(ctx, st)
		if err != nil {
			return st, err
		}
		if accepted {
			st.Phase = PhaseAccepted
			st.Feedback = ""
			m.finish(st, st.Draft)
			logger.Debug("unit accepted", "revision", st.RevisionCount, "chars", len(st.Draft))
			return st, nil
		}

		st.Feedback = feedback
		if st.RevisionCount >= m.cfg.MaxRevisions {
			st.Phase = PhaseExhausted
			m.finish(st, st.Draft)
			logger.Warn("revision budget exhausted, accepting last draft",
				"revisions", st.RevisionCount, "chars", len(st.Draft))
			return st, nil
		}
		st.RevisionCount++
		st.Phase = PhaseRevising
		logger.Debug("unit revising", "revision", st.RevisionCount, "feedback", truncate(feedback, 120))
	}
}

// finish sets Final and derives the outcome from it.
func (m *Machine) finish(st *State, final string) {
	if strings.TrimSpace(final) == "" {
		final = st.Unit.Text
	}
	st.Final = final
	if final == st.Unit.Text {
		st.Outcome = OutcomeUnchanged
	} else {
		st.Outcome = OutcomeProduced
	}
	m.metrics.RecordUnit(string(st.Outcome), st.RevisionCount)
}

// fail marks the unit failed, keeps the input as output and writes one
// dead letter.
func (m *Machine) fail(ctx context.Context, st *State, err error) {
	st.Phase = PhaseFailed
	st.Outcome = OutcomeFailed
	st.Final = st.Unit.Text
	st.Err = err.Error()
	m.metrics.RecordUnit(string(st.Outcome), st.RevisionCount)

	if m.dlq == nil {
		return
	}
	id := DeadLetterID(m.jobID, st.Unit.Index)
	if dErr := m.dlq.Push(context.WithoutCancel(ctx), id, ExpansionPhase, st.Unit.Text, err.Error()); dErr != nil {
		m.logger.Error("failed to write dead letter", "id", id, "error", dErr)
		return
	}
	m.metrics.RecordDLQPush(m.jobID, ExpansionPhase)
}

// TargetChars is the per-unit length budget:
// min(max(targetPages*charsPerPage/totalUnits, unitLen*4), maxChars).
func TargetChars(targetPages, charsPerPage, totalUnits, unitLen, maxChars int) int {
	if totalUnits <= 0 {
		totalUnits = 1
	}
	target := targetPages * charsPerPage / totalUnits
	if floor := unitLen * 4; floor > target {
		target = floor
	}
	if maxChars > 0 && target > maxChars {
		target = maxChars
	}
	return target
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
