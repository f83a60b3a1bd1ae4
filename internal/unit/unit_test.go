package unit

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackzampolin/tome/internal/metrics"
	"github.com/jackzampolin/tome/internal/prompts"
	"github.com/jackzampolin/tome/internal/providers"
	"github.com/jackzampolin/tome/internal/segment"
)

type pushed struct {
	id, text, errMsg string
	phase            int
}

type fakeDLQ struct {
	mu      sync.Mutex
	records []pushed
}

func (f *fakeDLQ) Push(ctx context.Context, id string, phase int, text, errMsg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, pushed{id: id, phase: phase, text: text, errMsg: errMsg})
	return nil
}

func testConfig() Config {
	return Config{
		MaxRevisions:     3,
		PlanAttempts:     5,
		PlanBackoff:      time.Millisecond,
		DraftAttempts:    3,
		DraftMaxTokens:   8192,
		RateLimitBackoff: time.Millisecond,
		CallTimeout:      time.Second,
	}
}

func newMachine(client providers.LLMClient, dlq DeadLetters) *Machine {
	return New(Options{
		Client:      client,
		Vars:        prompts.DefaultVars(),
		Config:      testConfig(),
		DeadLetters: dlq,
		Metrics:     metrics.NewRecorder(),
		JobID:       "job1",
	})
}

func reply(s string) providers.MockHandler {
	return func(*providers.ChatRequest) (string, error) { return s, nil }
}

func fail(err error) providers.MockHandler {
	return func(*providers.ChatRequest) (string, error) { return "", err }
}

var longDraft = strings.Repeat("Expanded content about pumps. ", 10)

func TestMachine_EmptyUnit(t *testing.T) {
	client := providers.NewMockClient()
	m := newMachine(client, nil)

	st, err := m.Run(context.Background(), segment.Unit{Index: 0, Text: "  \n "}, 100)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if st.Phase != PhaseAccepted || st.Outcome != OutcomeUnchanged {
		t.Errorf("phase=%s outcome=%s", st.Phase, st.Outcome)
	}
	if st.Final != "  \n " {
		t.Errorf("Final = %q, want input unchanged", st.Final)
	}
	if client.Calls() != 0 {
		t.Errorf("made %d calls, want 0", client.Calls())
	}
}

func TestMachine_Accepted(t *testing.T) {
	client := providers.NewMockClient().
		On(StagePlan, reply("- plan")).
		On(StageDraft, reply("```markdown\n"+longDraft+"\n```")).
		On(StageCritic, reply("APPROVED\nlooks good"))
	m := newMachine(client, nil)

	st, err := m.Run(context.Background(), segment.Unit{Index: 3, Text: "Pumps."}, 100)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if st.Phase != PhaseAccepted || st.Outcome != OutcomeProduced {
		t.Errorf("phase=%s outcome=%s", st.Phase, st.Outcome)
	}
	if st.Final != strings.TrimSpace(longDraft) {
		t.Errorf("Final = %q, fences should be stripped", st.Final)
	}
	if st.Plan != "- plan" {
		t.Errorf("Plan = %q", st.Plan)
	}
	if client.Calls() != 3 || st.Calls != 3 {
		t.Errorf("calls = %d/%d, want 3", client.Calls(), st.Calls)
	}
	if st.RevisionCount != 0 {
		t.Errorf("RevisionCount = %d, want 0", st.RevisionCount)
	}
}

func TestMachine_LowEffortSkipsCritic(t *testing.T) {
	client := providers.NewMockClient().
		On(StagePlan, reply("plan")).
		On(StageDraft, reply("abcd")).
		On(StageCritic, reply("APPROVED"))
	m := newMachine(client, nil)

	st, err := m.Run(context.Background(), segment.Unit{Text: "x"}, 8000)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if client.StageCalls(StageCritic) != 0 {
		t.Errorf("critic called %d times, want 0", client.StageCalls(StageCritic))
	}
	if !strings.HasPrefix(st.Feedback, "LOW EFFORT:") {
		t.Errorf("Feedback = %q", st.Feedback)
	}
	if st.Phase != PhaseExhausted {
		t.Errorf("Phase = %s, want exhausted", st.Phase)
	}
}

func TestMachine_RevisionCap(t *testing.T) {
	var mu sync.Mutex
	var feedbackSeen []bool
	client := providers.NewMockClient().
		On(StagePlan, reply("plan")).
		On(StageDraft, func(req *providers.ChatRequest) (string, error) {
			mu.Lock()
			feedbackSeen = append(feedbackSeen, strings.Contains(providers.UserContent(req), "CRITIC FEEDBACK"))
			mu.Unlock()
			return longDraft, nil
		}).
		On(StageCritic, reply("Too much drift. Fix section 2."))
	m := newMachine(client, nil)

	st, err := m.Run(context.Background(), segment.Unit{Text: "source"}, 10)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if st.Phase != PhaseExhausted {
		t.Errorf("Phase = %s, want exhausted", st.Phase)
	}
	if st.RevisionCount != 3 {
		t.Errorf("RevisionCount = %d, want 3", st.RevisionCount)
	}
	if st.Outcome != OutcomeProduced || st.Final != strings.TrimSpace(longDraft) {
		t.Errorf("outcome=%s, last draft should be accepted", st.Outcome)
	}
	if got := client.StageCalls(StageDraft); got != 4 {
		t.Errorf("draft calls = %d, want 4", got)
	}
	if feedbackSeen[0] || !feedbackSeen[1] {
		t.Errorf("feedback should only be sent on revisions: %v", feedbackSeen)
	}
}

func TestMachine_AllCallsFail(t *testing.T) {
	client := providers.NewMockClient()
	client.ShouldFail = true
	dlq := &fakeDLQ{}
	m := newMachine(client, dlq)

	st, err := m.Run(context.Background(), segment.Unit{Index: 7, Text: "original text"}, 100)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if st.Outcome != OutcomeFailed || st.Phase != PhaseFailed {
		t.Errorf("phase=%s outcome=%s", st.Phase, st.Outcome)
	}
	if st.Final != "original text" {
		t.Errorf("Final = %q, want input", st.Final)
	}
	if client.Calls() != 5 {
		t.Errorf("plan attempts = %d, want 5", client.Calls())
	}
	if len(dlq.records) != 1 {
		t.Fatalf("dead letters = %d, want 1", len(dlq.records))
	}
	rec := dlq.records[0]
	if rec.id != "job1:chunk_0007" || rec.phase != ExpansionPhase || rec.text != "original text" {
		t.Errorf("unexpected dead letter %+v", rec)
	}
}

func TestMachine_PlanNonRetryableFailsFast(t *testing.T) {
	client := providers.NewMockClient().
		On(StagePlan, fail(&providers.Error{Kind: providers.KindAuth, Message: "bad key"}))
	dlq := &fakeDLQ{}
	m := newMachine(client, dlq)

	st, _ := m.Run(context.Background(), segment.Unit{Text: "t"}, 10)
	if client.StageCalls(StagePlan) != 1 {
		t.Errorf("plan calls = %d, want 1", client.StageCalls(StagePlan))
	}
	if st.Outcome != OutcomeFailed || len(dlq.records) != 1 {
		t.Errorf("outcome=%s dead letters=%d", st.Outcome, len(dlq.records))
	}
}

func TestMachine_DraftRetries(t *testing.T) {
	t.Run("rate limit then success", func(t *testing.T) {
		var n int
		client := providers.NewMockClient().
			On(StagePlan, reply("plan")).
			On(StageDraft, func(*providers.ChatRequest) (string, error) {
				n++
				if n == 1 {
					return "", &providers.Error{Kind: providers.KindRateLimited, StatusCode: 429}
				}
				return longDraft, nil
			}).
			On(StageCritic, reply("APPROVED"))
		m := newMachine(client, nil)

		st, _ := m.Run(context.Background(), segment.Unit{Text: "t"}, 10)
		if st.Phase != PhaseAccepted {
			t.Errorf("Phase = %s", st.Phase)
		}
		if client.StageCalls(StageDraft) != 2 {
			t.Errorf("draft calls = %d, want 2", client.StageCalls(StageDraft))
		}
	})

	t.Run("not found stops immediately", func(t *testing.T) {
		client := providers.NewMockClient().
			On(StagePlan, reply("plan")).
			On(StageDraft, fail(&providers.Error{Kind: providers.KindNotFound, StatusCode: 404}))
		dlq := &fakeDLQ{}
		m := newMachine(client, dlq)

		st, _ := m.Run(context.Background(), segment.Unit{Text: "t"}, 10)
		if client.StageCalls(StageDraft) != 1 {
			t.Errorf("draft calls = %d, want 1", client.StageCalls(StageDraft))
		}
		if st.Outcome != OutcomeFailed || len(dlq.records) != 1 {
			t.Errorf("outcome=%s dead letters=%d", st.Outcome, len(dlq.records))
		}
	})

	t.Run("other errors surface immediately", func(t *testing.T) {
		client := providers.NewMockClient().
			On(StagePlan, reply("plan")).
			On(StageDraft, fail(&providers.Error{Kind: providers.KindOther, Message: "malformed reply"}))
		dlq := &fakeDLQ{}
		m := newMachine(client, dlq)

		st, _ := m.Run(context.Background(), segment.Unit{Text: "t"}, 10)
		if client.StageCalls(StageDraft) != 1 {
			t.Errorf("draft calls = %d, want 1", client.StageCalls(StageDraft))
		}
		if st.Outcome != OutcomeFailed || len(dlq.records) != 1 {
			t.Errorf("outcome=%s dead letters=%d", st.Outcome, len(dlq.records))
		}
	})

	t.Run("empty responses exhaust attempts", func(t *testing.T) {
		client := providers.NewMockClient().
			On(StagePlan, reply("plan")).
			On(StageDraft, reply("```markdown\n```"))
		m := newMachine(client, &fakeDLQ{})

		st, _ := m.Run(context.Background(), segment.Unit{Text: "t"}, 10)
		if client.StageCalls(StageDraft) != 3 {
			t.Errorf("draft calls = %d, want 3", client.StageCalls(StageDraft))
		}
		if st.Outcome != OutcomeFailed {
			t.Errorf("outcome = %s", st.Outcome)
		}
	})

	t.Run("failure after a draft keeps best", func(t *testing.T) {
		var n int
		client := providers.NewMockClient().
			On(StagePlan, reply("plan")).
			On(StageDraft, func(*providers.ChatRequest) (string, error) {
				n++
				if n == 1 {
					return longDraft, nil
				}
				return "", &providers.Error{Kind: providers.KindAuth, StatusCode: 401}
			}).
			On(StageCritic, reply("needs work"))
		dlq := &fakeDLQ{}
		m := newMachine(client, dlq)

		st, _ := m.Run(context.Background(), segment.Unit{Text: "t"}, 10)
		if st.Outcome != OutcomeProduced || st.Final != strings.TrimSpace(longDraft) {
			t.Errorf("outcome=%s final=%q", st.Outcome, st.Final)
		}
		if len(dlq.records) != 0 {
			t.Errorf("dead letters = %d, want 0", len(dlq.records))
		}
	})
}

func TestMachine_CriticFailOpen(t *testing.T) {
	client := providers.NewMockClient().
		On(StagePlan, reply("plan")).
		On(StageDraft, reply(longDraft)).
		On(StageCritic, fail(&providers.Error{Kind: providers.KindOther, Message: "boom"}))
	rec := metrics.NewRecorder()
	m := New(Options{Client: client, Config: testConfig(), Metrics: rec, JobID: "j"})

	st, err := m.Run(context.Background(), segment.Unit{Text: "t"}, 10)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if st.Phase != PhaseAccepted || !st.CriticSkipped {
		t.Errorf("phase=%s critic_skipped=%v", st.Phase, st.CriticSkipped)
	}
	if rec.Usage("j").CriticSkipped != 1 {
		t.Error("critic fail-open not recorded")
	}
}

func TestMachine_Cancelled(t *testing.T) {
	client := providers.NewMockClient()
	client.Latency = time.Second
	m := newMachine(client, &fakeDLQ{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := m.Run(ctx, segment.Unit{Text: "t"}, 10)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Run() error = %v, want context.Canceled", err)
	}
}

func TestLocalReview(t *testing.T) {
	tests := []struct {
		name   string
		draft  string
		target int
		prefix string
	}{
		{"low effort", "abcd", 8000, "LOW EFFORT:"},
		{"truncated", "This sentence stops mid", 5, "TRUNCATED:"},
		{"markdown fence", "```markdown\nText.\n```", 5, "ARTIFACT:"},
		{"leading fence", "```\nText.\n```", 5, "ARTIFACT:"},
		{"clean period", "Done.", 5, ""},
		{"clean paren", "see (note)", 5, ""},
		{"clean emphasis", "*bold*", 5, ""},
		{"clean closing brace", `[NEW_DIAGRAM: {"a":1}]`, 5, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := LocalReview(tt.draft, tt.target)
			if tt.prefix == "" {
				if got != "" {
					t.Errorf("LocalReview() = %q, want pass", got)
				}
				return
			}
			if !strings.HasPrefix(got, tt.prefix) {
				t.Errorf("LocalReview() = %q, want prefix %q", got, tt.prefix)
			}
		})
	}

	if fb := LocalReview("abcd", 8000); !strings.Contains(fb, "4") || !strings.Contains(fb, "8000") {
		t.Errorf("low effort feedback should report both lengths: %q", fb)
	}
}

func TestStripFences(t *testing.T) {
	tests := map[string]string{
		"```markdown\nBody.\n```": "Body.",
		"```\nBody.\n```":         "Body.",
		"Body.":                   "Body.",
		"  Body.  ":               "Body.",
		"Text then\n```":          "Text then\n```",
	}
	for in, want := range tests {
		if got := StripFences(in); got != want {
			t.Errorf("StripFences(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestTargetChars(t *testing.T) {
	tests := []struct {
		name                                string
		pages, perPage, units, unitLen, max int
		want                                int
	}{
		{"share of book", 600, 3000, 100, 1000, 22000, 18000},
		{"floor at four times unit", 600, 3000, 1000, 2000, 22000, 8000},
		{"capped", 600, 3000, 10, 1000, 22000, 22000},
		{"zero units", 10, 100, 0, 1, 0, 1000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := TargetChars(tt.pages, tt.perPage, tt.units, tt.unitLen, tt.max); got != tt.want {
				t.Errorf("TargetChars() = %d, want %d", got, tt.want)
			}
		})
	}
}
