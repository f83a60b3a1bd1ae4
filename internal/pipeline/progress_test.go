package pipeline

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackzampolin/tome/internal/events"
	"github.com/jackzampolin/tome/internal/jobs"
)

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Publish(jobID string, ev events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) all() []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]events.Event(nil), r.events...)
}

func TestPercent(t *testing.T) {
	tests := []struct {
		phase, done, total int
		want               float64
	}{
		{1, 0, 10, 0},
		{2, 5, 10, 37.5},
		{1, 10, 10, 24.9},
		{3, 0, 0, 50},
		{4, 1, 3, 83.3},
	}
	for _, tt := range tests {
		if got := Percent(tt.phase, tt.done, tt.total); got != tt.want {
			t.Errorf("Percent(%d, %d, %d) = %v, want %v", tt.phase, tt.done, tt.total, got, tt.want)
		}
	}
}

func TestETA(t *testing.T) {
	phase, overall := ETA(10*time.Second, 2, 4, 50)
	if phase == nil || *phase != 10 {
		t.Fatalf("phase ETA = %v, want 10", phase)
	}
	if overall == nil || *overall != 20 {
		t.Fatalf("overall ETA = %v, want 20", overall)
	}

	if p, o := ETA(time.Second, 0, 4, 10); p != nil || o != nil {
		t.Error("expected no estimate before the first item finishes")
	}
}

func TestProgressTracker(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobs.json")
	registry := jobs.NewRegistry(path, nil)
	job, err := registry.Create(jobs.Config{InputPath: "in.txt"})
	if err != nil {
		t.Fatal(err)
	}
	pub := &recorder{}

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tracker := NewProgressTracker(job.JobID, registry, pub)
	tracker.now = func() time.Time { return now }

	tracker.StartPhase(2, "Phase 2: Expanding content")
	now = now.Add(30 * time.Second)
	tracker.Update(1, 4)

	got, _ := registry.Get(job.JobID)
	if got.Status != jobs.StatusProcessing || got.CurrentPhase != 2 || got.ProgressPercentage != 31.3 {
		t.Errorf("unexpected job state %+v", got)
	}
	if got.ETAPhaseSeconds == nil || *got.ETAPhaseSeconds != 90 {
		t.Errorf("expected 90s phase ETA, got %v", got.ETAPhaseSeconds)
	}
	if got.Message != "Phase 2: Expanding content: 1/4, phase ETA 1m 30s" {
		t.Errorf("unexpected message %q", got.Message)
	}

	// Per-item updates stay in memory; the file holds the phase start.
	reloaded := jobs.NewRegistry(path, nil)
	if err := reloaded.Load(); err != nil {
		t.Fatal(err)
	}
	onDisk, _ := reloaded.Get(job.JobID)
	if onDisk.ProgressPercentage != 25 {
		t.Errorf("expected persisted progress 25, got %v", onDisk.ProgressPercentage)
	}

	tracker.Fail(2, "boom", true)
	got, _ = registry.Get(job.JobID)
	if got.Status != jobs.StatusFailed || !got.IsRecoverable || got.ResumePhase != 2 {
		t.Errorf("unexpected failed state %+v", got)
	}

	tracker.StartPhase(2, "Phase 2: Expanding content")
	tracker.Complete("/tmp/book.md")
	got, _ = registry.Get(job.JobID)
	if got.Status != jobs.StatusCompleted || got.ProgressPercentage != 100 || got.PDFPath != "/tmp/book.md" {
		t.Errorf("unexpected completed state %+v", got)
	}
	if got.IsRecoverable || got.ResumePhase != 0 {
		t.Error("completed job must not be resumable")
	}

	evs := pub.all()
	if len(evs) != 5 {
		t.Fatalf("expected 5 events, got %d", len(evs))
	}
	last := evs[len(evs)-1]
	if !last.Terminal() || last.Message != CompletedMessage || last.Phase != 4 {
		t.Errorf("unexpected final event %+v", last)
	}
}

func TestProgressTracker_NoRegistry(t *testing.T) {
	tracker := NewProgressTracker("", nil, nil)
	tracker.StartPhase(1, "Phase 1")
	tracker.Update(1, 1)
	tracker.Message("still working")
	if tracker.Phase() != 1 || tracker.Percent() != 24.9 {
		t.Errorf("phase=%d percent=%v", tracker.Phase(), tracker.Percent())
	}
}

func TestProgressTracker_PersistFailureLogged(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobs.json")
	registry := jobs.NewRegistry(path, nil)
	job, err := registry.Create(jobs.Config{InputPath: "in.txt"})
	if err != nil {
		t.Fatal(err)
	}
	// A directory in place of the jobs file makes every save fail.
	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}
	if err := os.Mkdir(path, 0o755); err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	tracker := NewProgressTracker(job.JobID, registry, nil).WithLogger(logger)

	tracker.Fail(1, "boom", false)

	if !strings.Contains(buf.String(), "failed to persist job state") {
		t.Errorf("expected persistence failure to be logged, got %q", buf.String())
	}
	got, _ := registry.Get(job.JobID)
	if got.Status != jobs.StatusFailed {
		t.Errorf("in-memory status = %s, want failed", got.Status)
	}
}
