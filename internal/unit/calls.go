package unit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"

	"github.com/jackzampolin/tome/internal/metrics"
	"github.com/jackzampolin/tome/internal/prompts"
	"github.com/jackzampolin/tome/internal/providers"
)

var errEmptyResponse = &providers.Error{Kind: providers.KindOther, Message: "empty response"}

// call makes one generation call and records telemetry.
func (m *Machine) call(ctx context.Context, st *State, p providers.Prompt) (string, error) {
	p.Timeout = m.cfg.CallTimeout
	p.Model = m.cfg.Model

	start := time.Now()
	result, err := providers.Complete(ctx, m.client, p)
	st.Calls++

	rec := metrics.CallRecord{
		JobID:    m.jobID,
		Stage:    p.Stage,
		Success:  err == nil,
		Duration: time.Since(start),
	}
	if result != nil {
		rec.PromptTokens = result.PromptTokens
		rec.CompletionTokens = result.CompletionTokens
	}
	if err != nil {
		rec.Kind = string(providers.Classify(err))
	}
	m.metrics.RecordLLMCall(rec)

	if err != nil {
		return "", err
	}
	if strings.TrimSpace(result.Content) == "" {
		return "", errEmptyResponse
	}
	return result.Content, nil
}

func (m *Machine) promptVars(st *State) prompts.Vars {
	v := m.vars
	v.TargetChars = st.TargetChars
	return v
}

// plan retries retryable errors with a fixed backoff. Anything else fails
// at once.
func (m *Machine) plan(ctx context.Context, st *State) (string, error) {
	system, err := m.prompts.Render(prompts.KeyPlan, m.promptVars(st))
	if err != nil {
		return "", err
	}
	user := "Here is the chapter text to analyse:\n\n" + st.Unit.Text

	return retry.DoWithData(
		func() (string, error) {
			return m.call(ctx, st, providers.Prompt{Stage: StagePlan, System: system, User: user})
		},
		retry.Context(ctx),
		retry.Attempts(uint(m.cfg.PlanAttempts)),
		retry.Delay(m.cfg.PlanBackoff),
		retry.DelayType(retry.FixedDelay),
		retry.RetryIf(providers.IsRetryable),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			m.logger.Warn("plan call failed, retrying",
				"unit", st.Unit.Index, "attempt", n+1, "kind", providers.Classify(err), "error", err)
		}),
	)
}

// draft retries network errors, rate limits and empty replies. Rate limits
// back off linearly, honouring a longer server-requested delay.
func (m *Machine) draft(ctx context.Context, st *State) (string, error) {
	system, err := m.prompts.Render(prompts.KeyDraft, m.promptVars(st))
	if err != nil {
		return "", err
	}
	user := draftUserPrompt(st)

	text, err := retry.DoWithData(
		func() (string, error) {
			out, err := m.call(ctx, st, providers.Prompt{
				Stage:     StageDraft,
				System:    system,
				User:      user,
				MaxTokens: m.cfg.DraftMaxTokens,
			})
			if err != nil {
				return "", err
			}
			out = StripFences(out)
			if strings.TrimSpace(out) == "" {
				return "", errEmptyResponse
			}
			return out, nil
		},
		retry.Context(ctx),
		retry.Attempts(uint(m.cfg.DraftAttempts)),
		retry.DelayType(m.backoff),
		retry.RetryIf(func(err error) bool {
			return providers.IsRetryable(err) || errors.Is(err, errEmptyResponse)
		}),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			m.logger.Warn("draft call failed, retrying",
				"unit", st.Unit.Index, "attempt", n+1, "kind", providers.Classify(err), "error", err)
		}),
	)
	return text, err
}

// backoff is the delay after failed attempt n for draft and critic calls.
func (m *Machine) backoff(n uint, err error, _ *retry.Config) time.Duration {
	switch providers.Classify(err) {
	case providers.KindRateLimited:
		d := m.cfg.RateLimitBackoff * time.Duration(n+1)
		if ra := providers.RetryAfterOf(err); ra > d {
			d = ra
		}
		return d
	case providers.KindNetwork:
		return m.cfg.RateLimitBackoff * time.Duration(n+1)
	default:
		return 0
	}
}

// review runs the local checks and then the critic. The error is non-nil
// only on context cancellation.
func (m *Machine) review(ctx context.Context, st *State) (bool, string, error) {
	if feedback := LocalReview(st.Draft, st.TargetChars); feedback != "" {
		return false, feedback, nil
	}

	system, err := m.prompts.Render(prompts.KeyCritic, m.promptVars(st))
	if err != nil {
		return m.criticFailOpen(st, err), "", nil
	}
	user := fmt.Sprintf("=== ORIGINAL SOURCE (%d chars) ===\n%s\n\n=== EXPANDED DRAFT (%d chars) ===\n%s",
		len(st.Unit.Text), st.Unit.Text, len(st.Draft), st.Draft)

	verdict, err := retry.DoWithData(
		func() (string, error) {
			return m.call(ctx, st, providers.Prompt{Stage: StageCritic, System: system, User: user})
		},
		retry.Context(ctx),
		retry.Attempts(uint(m.cfg.DraftAttempts)),
		retry.DelayType(m.backoff),
		retry.RetryIf(providers.IsRetryable),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		if ctx.Err() != nil {
			return false, "", ctx.Err()
		}
		return m.criticFailOpen(st, err), "", nil
	}

	verdict = strings.TrimSpace(verdict)
	if strings.HasPrefix(verdict, "APPROVED") {
		return true, "", nil
	}
	return false, verdict, nil
}

// criticFailOpen accepts the draft when the critic cannot be reached and
// flags the unit so the skip is visible.
func (m *Machine) criticFailOpen(st *State, err error) bool {
	st.CriticSkipped = true
	m.metrics.RecordCriticFailOpen(m.jobID)
	m.logger.Warn("critic unavailable, accepting draft without review",
		"unit", st.Unit.Index, "kind", providers.Classify(err), "error", err)
	return true
}

func draftUserPrompt(st *State) string {
	var b strings.Builder
	fmt.Fprintf(&b, "=== ORIGINAL CHAPTER (%d chars, expand to at least %d chars) ===\n%s\n\n",
		len(st.Unit.Text), st.TargetChars, st.Unit.Text)
	fmt.Fprintf(&b, "=== EXPANSION PLAN ===\n%s", st.Plan)
	if st.Feedback != "" {
		fmt.Fprintf(&b, "\n\n=== CRITIC FEEDBACK (address these issues) ===\n%s", st.Feedback)
	}
	return b.String()
}
