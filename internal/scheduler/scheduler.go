// Package scheduler processes work units under a fixed concurrency limit,
// checkpointing each finished unit so a re-run skips completed work.
package scheduler

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/jackzampolin/tome/internal/segment"
)

// Separator joins unit outputs in the merged artifact.
const Separator = "\n\n---\n\n"

// Result flags for suspicious outputs.
const (
	FlagEmpty     = "empty_expansion"
	FlagUnchanged = "unchanged_expansion"
)

// Default concurrency by model tier.
const (
	FlashConcurrency   = 30
	ProConcurrency     = 10
	DefaultConcurrency = 15
)

// UnitStore persists finished unit outputs keyed by unit index.
type UnitStore interface {
	Load(index int) (string, bool, error)
	Save(index int, text string) error
}

// Output is what a processor produces for one unit.
type Output struct {
	Text    string
	Outcome string
}

// Processor transforms one unit. A non-nil error means the unit did not
// finish (context cancellation) and nothing is persisted for it.
type Processor func(ctx context.Context, u segment.Unit) (Output, error)

// Result is the outcome for one unit, indexed like the input.
type Result struct {
	Index   int    `json:"index"`
	Text    string `json:"text"`
	Outcome string `json:"outcome,omitempty"`
	Cached  bool   `json:"cached,omitempty"`
	Flag    string `json:"flag,omitempty"`
	Done    bool   `json:"done"`
}

// Summary counts results.
type Summary struct {
	Total     int            `json:"total"`
	Processed int            `json:"processed"`
	Cached    int            `json:"cached"`
	Empty     int            `json:"empty"`
	Unchanged int            `json:"unchanged"`
	Outcomes  map[string]int `json:"outcomes"`
}

// Config configures a Scheduler.
type Config struct {
	Concurrency int
	Store       UnitStore
	OnProgress  func(done, total int)
	Logger      *slog.Logger
}

// Scheduler runs a Processor over units with bounded parallelism.
type Scheduler struct {
	concurrency int
	store       UnitStore
	onProgress  func(done, total int)
	logger      *slog.Logger
}

// New creates a scheduler.
func New(cfg Config) *Scheduler {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		concurrency: cfg.Concurrency,
		store:       cfg.Store,
		onProgress:  cfg.OnProgress,
		logger:      logger.With("component", "scheduler"),
	}
}

// ConcurrencyFor returns the parallelism for model. A positive override
// wins over the tier table.
func ConcurrencyFor(model string, override int) int {
	if override > 0 {
		return override
	}
	m := strings.ToLower(model)
	switch {
	case strings.Contains(m, "flash"):
		return FlashConcurrency
	case strings.Contains(m, "pro"):
		return ProConcurrency
	default:
		return DefaultConcurrency
	}
}

// Run processes units. Units with a stored checkpoint are reused without
// calling process. Each finished unit is persisted before it is counted.
// After ctx is cancelled no new units are admitted; Run waits for in-flight
// units and returns ctx.Err() with the partial results.
func (s *Scheduler) Run(ctx context.Context, units []segment.Unit, process Processor) ([]Result, Summary, error) {
	total := len(units)
	results := make([]Result, total)
	sem := semaphore.NewWeighted(int64(s.concurrency))

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		done int
	)
	finished := func() {
		mu.Lock()
		defer mu.Unlock()
		done++
		if s.onProgress != nil {
			s.onProgress(done, total)
		}
	}

	for i, u := range units {
		results[i].Index = u.Index

		if text, ok := s.load(u.Index); ok {
			results[i] = Result{Index: u.Index, Text: text, Cached: true, Done: true}
			finished()
			continue
		}

		if ctx.Err() != nil {
			break
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}

		wg.Add(1)
		go func(i int, u segment.Unit) {
			defer wg.Done()
			defer sem.Release(1)

			out, err := process(ctx, u)
			if err != nil {
				s.logger.Debug("unit interrupted", "unit", u.Index, "error", err)
				return
			}

			if s.store != nil {
				if err := s.store.Save(u.Index, out.Text); err != nil {
					s.logger.Error("failed to checkpoint unit", "unit", u.Index, "error", err)
				}
			}

			r := Result{Index: u.Index, Text: out.Text, Outcome: out.Outcome, Done: true}
			switch {
			case strings.TrimSpace(out.Text) == "":
				r.Flag = FlagEmpty
			case out.Text == u.Text:
				r.Flag = FlagUnchanged
			}
			if r.Flag != "" {
				s.logger.Warn("suspicious unit output", "unit", u.Index, "flag", r.Flag, "outcome", out.Outcome)
			}
			results[i] = r
			finished()
		}(i, u)
	}
	wg.Wait()

	summary := Summarize(results)
	if err := ctx.Err(); err != nil {
		return results, summary, err
	}
	return results, summary, nil
}

func (s *Scheduler) load(index int) (string, bool) {
	if s.store == nil {
		return "", false
	}
	text, ok, err := s.store.Load(index)
	if err != nil {
		s.logger.Warn("unreadable unit checkpoint, reprocessing", "unit", index, "error", err)
		return "", false
	}
	return text, ok
}

// Summarize counts results.
func Summarize(results []Result) Summary {
	s := Summary{Total: len(results), Outcomes: make(map[string]int)}
	for _, r := range results {
		if !r.Done {
			continue
		}
		if r.Cached {
			s.Cached++
		} else {
			s.Processed++
			s.Outcomes[r.Outcome]++
		}
		switch r.Flag {
		case FlagEmpty:
			s.Empty++
		case FlagUnchanged:
			s.Unchanged++
		}
	}
	return s
}

// Merge joins finished result texts in index order.
func Merge(results []Result) string {
	parts := make([]string, 0, len(results))
	for _, r := range results {
		if !r.Done || strings.TrimSpace(r.Text) == "" {
			continue
		}
		parts = append(parts, r.Text)
	}
	return strings.TrimSpace(strings.Join(parts, Separator))
}
