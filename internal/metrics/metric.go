// Package metrics provides Prometheus telemetry and per-job usage tracking
// for generation calls and pipeline outcomes.
package metrics

import (
	"sync"
	"time"
)

// Usage is the aggregate token and call count for one job.
type Usage struct {
	Calls            int     `json:"calls"`
	Failures         int     `json:"failures"`
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	TotalTokens      int     `json:"total_tokens"`
	ExecutionSeconds float64 `json:"execution_seconds"`
	CriticSkipped    int     `json:"critic_skipped,omitempty"`
	DeadLetters      int     `json:"dead_letters,omitempty"`

	// Per-stage breakdown
	ByStage map[string]StageUsage `json:"by_stage,omitempty"`
}

// StageUsage is the per-stage slice of Usage.
type StageUsage struct {
	Calls       int `json:"calls"`
	Failures    int `json:"failures"`
	TotalTokens int `json:"total_tokens"`
}

// usageTracker holds per-job usage in memory.
type usageTracker struct {
	mu   sync.Mutex
	jobs map[string]*Usage
}

func newUsageTracker() *usageTracker {
	return &usageTracker{jobs: make(map[string]*Usage)}
}

func (t *usageTracker) update(jobID string, fn func(u *Usage)) {
	if jobID == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	u, ok := t.jobs[jobID]
	if !ok {
		u = &Usage{ByStage: make(map[string]StageUsage)}
		t.jobs[jobID] = u
	}
	fn(u)
}

func (t *usageTracker) get(jobID string) Usage {
	t.mu.Lock()
	defer t.mu.Unlock()
	u, ok := t.jobs[jobID]
	if !ok {
		return Usage{}
	}
	out := *u
	out.ByStage = make(map[string]StageUsage, len(u.ByStage))
	for k, v := range u.ByStage {
		out.ByStage[k] = v
	}
	return out
}

func (t *usageTracker) forget(jobID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.jobs, jobID)
}

// CallRecord describes one generation call.
type CallRecord struct {
	JobID            string
	Stage            string
	Kind             string // error kind, empty on success
	Success          bool
	PromptTokens     int
	CompletionTokens int
	Duration         time.Duration
}
