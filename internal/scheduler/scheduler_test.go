package scheduler

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackzampolin/tome/internal/checkpoint"
	"github.com/jackzampolin/tome/internal/segment"
)

func makeUnits(n int) []segment.Unit {
	units := make([]segment.Unit, n)
	for i := range units {
		text := fmt.Sprintf("unit %d text.", i)
		units[i] = segment.Unit{Index: i, Text: text, Size: len(text)}
	}
	return units
}

func upper(calls *atomic.Int64) Processor {
	return func(ctx context.Context, u segment.Unit) (Output, error) {
		calls.Add(1)
		return Output{Text: strings.ToUpper(u.Text), Outcome: "produced"}, nil
	}
}

func TestRun_Idempotent(t *testing.T) {
	store := checkpoint.NewUnitStore(t.TempDir())
	units := makeUnits(12)

	var calls atomic.Int64
	s := New(Config{Concurrency: 4, Store: store})

	first, sum, err := s.Run(context.Background(), units, upper(&calls))
	if err != nil {
		t.Fatalf("first run failed: %v", err)
	}
	if calls.Load() != 12 {
		t.Fatalf("expected 12 calls, got %d", calls.Load())
	}
	if sum.Processed != 12 || sum.Cached != 0 {
		t.Errorf("unexpected summary %+v", sum)
	}

	calls.Store(0)
	second, sum, err := s.Run(context.Background(), units, upper(&calls))
	if err != nil {
		t.Fatalf("second run failed: %v", err)
	}
	if calls.Load() != 0 {
		t.Errorf("expected zero calls on re-run, got %d", calls.Load())
	}
	if sum.Cached != 12 {
		t.Errorf("expected 12 cached, got %d", sum.Cached)
	}
	if Merge(first) != Merge(second) {
		t.Error("re-run produced a different merged artifact")
	}
	for i, r := range second {
		if !r.Cached || r.Index != i {
			t.Errorf("result %d: expected cached at index %d, got %+v", i, i, r)
		}
	}
}

func TestRun_ConcurrencyBound(t *testing.T) {
	const limit = 3
	var (
		active  atomic.Int64
		maxSeen atomic.Int64
	)
	process := func(ctx context.Context, u segment.Unit) (Output, error) {
		n := active.Add(1)
		for {
			m := maxSeen.Load()
			if n <= m || maxSeen.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		active.Add(-1)
		return Output{Text: u.Text + " expanded", Outcome: "produced"}, nil
	}

	s := New(Config{Concurrency: limit})
	if _, _, err := s.Run(context.Background(), makeUnits(20), process); err != nil {
		t.Fatal(err)
	}
	if maxSeen.Load() > limit {
		t.Errorf("expected at most %d in flight, saw %d", limit, maxSeen.Load())
	}
}

func TestRun_Flags(t *testing.T) {
	units := makeUnits(3)
	process := func(ctx context.Context, u segment.Unit) (Output, error) {
		switch u.Index {
		case 0:
			return Output{Text: "", Outcome: "produced"}, nil
		case 1:
			return Output{Text: u.Text, Outcome: "unchanged"}, nil
		default:
			return Output{Text: "bigger " + u.Text, Outcome: "produced"}, nil
		}
	}

	results, sum, err := New(Config{Concurrency: 2}).Run(context.Background(), units, process)
	if err != nil {
		t.Fatal(err)
	}
	if results[0].Flag != FlagEmpty {
		t.Errorf("expected empty flag, got %q", results[0].Flag)
	}
	if results[1].Flag != FlagUnchanged {
		t.Errorf("expected unchanged flag, got %q", results[1].Flag)
	}
	if results[2].Flag != "" {
		t.Errorf("expected no flag, got %q", results[2].Flag)
	}
	if sum.Empty != 1 || sum.Unchanged != 1 {
		t.Errorf("unexpected summary %+v", sum)
	}
	if sum.Outcomes["produced"] != 2 || sum.Outcomes["unchanged"] != 1 {
		t.Errorf("unexpected outcome counts %v", sum.Outcomes)
	}
}

func TestRun_Progress(t *testing.T) {
	store := checkpoint.NewUnitStore(t.TempDir())
	if err := store.Save(0, "cached"); err != nil {
		t.Fatal(err)
	}

	var (
		mu    sync.Mutex
		ticks []int
	)
	s := New(Config{
		Concurrency: 2,
		Store:       store,
		OnProgress: func(done, total int) {
			mu.Lock()
			defer mu.Unlock()
			if total != 5 {
				t.Errorf("expected total 5, got %d", total)
			}
			ticks = append(ticks, done)
		},
	})
	var calls atomic.Int64
	if _, _, err := s.Run(context.Background(), makeUnits(5), upper(&calls)); err != nil {
		t.Fatal(err)
	}
	if len(ticks) != 5 {
		t.Fatalf("expected 5 progress callbacks, got %d", len(ticks))
	}
	for i, d := range ticks {
		if d != i+1 {
			t.Errorf("expected monotonic progress, got %v", ticks)
			break
		}
	}
	if calls.Load() != 4 {
		t.Errorf("expected 4 calls with one cached unit, got %d", calls.Load())
	}
}

func TestRun_Cancellation(t *testing.T) {
	store := checkpoint.NewUnitStore(t.TempDir())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls atomic.Int64
	process := func(ctx context.Context, u segment.Unit) (Output, error) {
		if calls.Add(1) == 2 {
			cancel()
		}
		return Output{Text: "done " + u.Text, Outcome: "produced"}, nil
	}

	results, _, err := New(Config{Concurrency: 1, Store: store}).Run(ctx, makeUnits(10), process)
	if err != context.Canceled {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if len(results) != 10 {
		t.Fatalf("expected results for all indices, got %d", len(results))
	}

	done := 0
	for _, r := range results {
		if r.Done {
			done++
			if _, ok, _ := store.Load(r.Index); !ok {
				t.Errorf("finished unit %d was not persisted", r.Index)
			}
		}
	}
	if done == 0 || done == 10 {
		t.Errorf("expected partial results, got %d done", done)
	}
	if calls.Load() >= 10 {
		t.Errorf("expected admission to stop after cancel, got %d calls", calls.Load())
	}
}

func TestRun_InterruptedUnitNotPersisted(t *testing.T) {
	store := checkpoint.NewUnitStore(t.TempDir())
	process := func(ctx context.Context, u segment.Unit) (Output, error) {
		if u.Index == 1 {
			return Output{}, context.Canceled
		}
		return Output{Text: u.Text, Outcome: "unchanged"}, nil
	}
	results, _, err := New(Config{Concurrency: 2, Store: store}).Run(context.Background(), makeUnits(3), process)
	if err != nil {
		t.Fatal(err)
	}
	if results[1].Done {
		t.Error("interrupted unit must not be marked done")
	}
	if _, ok, _ := store.Load(1); ok {
		t.Error("interrupted unit must not be checkpointed")
	}
}

func TestMerge(t *testing.T) {
	results := []Result{
		{Index: 0, Text: "  alpha", Done: true},
		{Index: 1, Text: "", Done: true},
		{Index: 2, Text: "skipped", Done: false},
		{Index: 3, Text: "omega  ", Done: true},
	}
	want := "alpha" + Separator + "omega"
	if got := Merge(results); got != want {
		t.Errorf("expected %q, got %q", want, got)
	}
	if got := Merge(nil); got != "" {
		t.Errorf("expected empty merge, got %q", got)
	}
}

func TestConcurrencyFor(t *testing.T) {
	tests := []struct {
		model    string
		override int
		want     int
	}{
		{"gemini-2.5-flash", 0, FlashConcurrency},
		{"gemini/gemini-2.5-pro", 0, ProConcurrency},
		{"gpt-4o-mini", 0, DefaultConcurrency},
		{"gemini-2.5-flash", 7, 7},
		{"", 0, DefaultConcurrency},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s/%d", tt.model, tt.override), func(t *testing.T) {
			if got := ConcurrencyFor(tt.model, tt.override); got != tt.want {
				t.Errorf("expected %d, got %d", tt.want, got)
			}
		})
	}
}
