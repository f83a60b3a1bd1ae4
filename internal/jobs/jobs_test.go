package jobs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestRegistry_CreateGet(t *testing.T) {
	r := NewRegistry(filepath.Join(t.TempDir(), "jobs.json"), nil)

	job, err := r.Create(Config{InputPath: "/tmp/book.pdf", TargetPages: 600})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if len(job.JobID) != 8 {
		t.Errorf("expected 8 char id, got %q", job.JobID)
	}
	if job.Status != StatusPending {
		t.Errorf("expected pending, got %s", job.Status)
	}

	got, err := r.Get(job.JobID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.Config.InputPath != "/tmp/book.pdf" {
		t.Errorf("config not stored: %+v", got.Config)
	}

	// Snapshots are copies.
	got.Status = StatusCompleted
	again, _ := r.Get(job.JobID)
	if again.Status != StatusPending {
		t.Error("mutating a snapshot changed the registry")
	}

	if _, err := r.Get("nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestRegistry_UpdatePersist(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobs.json")
	r := NewRegistry(path, nil)
	job, _ := r.Create(Config{})

	if _, err := r.Update(job.JobID, false, func(j *Job) {
		j.Status = StatusProcessing
		j.ProgressPercentage = 12.5
	}); err != nil {
		t.Fatal(err)
	}

	// Not persisted yet: a fresh registry sees the create-time state.
	fresh := NewRegistry(path, nil)
	if err := fresh.Load(); err != nil {
		t.Fatal(err)
	}
	if j, _ := fresh.Get(job.JobID); j.Status != StatusPending {
		t.Errorf("expected unpersisted update to be invisible, got %s", j.Status)
	}

	if _, err := r.Update(job.JobID, true, func(j *Job) {
		j.Status = StatusCompleted
		j.PDFPath = "/out/book.pdf"
	}); err != nil {
		t.Fatal(err)
	}
	fresh = NewRegistry(path, nil)
	if err := fresh.Load(); err != nil {
		t.Fatal(err)
	}
	j, _ := fresh.Get(job.JobID)
	if j.Status != StatusCompleted || j.PDFPath != "/out/book.pdf" {
		t.Errorf("expected persisted update, got %+v", j)
	}

	if _, err := r.Update("missing", true, func(*Job) {}); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestRegistry_LoadRecoversInterrupted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobs.json")
	r := NewRegistry(path, nil)
	running, _ := r.Create(Config{})
	done, _ := r.Create(Config{})
	r.Update(running.JobID, true, func(j *Job) {
		j.Status = StatusProcessing
		j.CurrentPhase = 2
	})
	r.Update(done.JobID, true, func(j *Job) { j.Status = StatusCompleted })

	restarted := NewRegistry(path, nil)
	if err := restarted.Load(); err != nil {
		t.Fatal(err)
	}

	j, _ := restarted.Get(running.JobID)
	if j.Status != StatusFailed || !j.IsRecoverable || j.ResumePhase != 2 {
		t.Errorf("expected recoverable failed job at phase 2, got %+v", j)
	}
	if j.Message != InterruptedMessage {
		t.Errorf("unexpected message %q", j.Message)
	}
	if j, _ := restarted.Get(done.JobID); j.Status != StatusCompleted {
		t.Errorf("completed job changed to %s", j.Status)
	}
}

func TestRegistry_LoadCorrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobs.json")
	if err := os.WriteFile(path, []byte("{oops"), 0o644); err != nil {
		t.Fatal(err)
	}
	r := NewRegistry(path, nil)
	if err := r.Load(); err != nil {
		t.Fatalf("corrupt file should not fail load: %v", err)
	}
	if len(r.List()) != 0 {
		t.Error("expected empty registry")
	}
}

func TestRegistry_List(t *testing.T) {
	r := NewRegistry("", nil)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var ids []string
	for i := range 3 {
		r.now = func() time.Time { return base.Add(time.Duration(i) * time.Minute) }
		j, _ := r.Create(Config{})
		ids = append(ids, j.JobID)
	}
	list := r.List()
	if len(list) != 3 {
		t.Fatalf("expected 3 jobs, got %d", len(list))
	}
	if list[0].JobID != ids[2] || list[2].JobID != ids[0] {
		t.Errorf("expected newest first")
	}
}

func TestRegistry_Logs(t *testing.T) {
	r := NewRegistry("", nil)
	job, _ := r.Create(Config{})

	for i := range 120 {
		r.AppendLog(job.JobID, "INFO", "engine", fmt.Sprintf("line %d", i))
	}

	page, err := r.Logs(job.JobID, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(page.Logs) != DefaultLogLimit || page.NextCursor != 50 || !page.HasMore || page.Total != 120 {
		t.Errorf("unexpected first page %+v", page)
	}

	page, _ = r.Logs(job.JobID, 100, 50)
	if len(page.Logs) != 20 || page.HasMore || page.NextCursor != 120 {
		t.Errorf("unexpected last page: %d lines, next %d, more %v", len(page.Logs), page.NextCursor, page.HasMore)
	}
	if page.Logs[0].Message != "line 100" {
		t.Errorf("expected line 100, got %q", page.Logs[0].Message)
	}

	page, _ = r.Logs(job.JobID, 500, 10)
	if len(page.Logs) != 0 || page.NextCursor != 120 {
		t.Errorf("cursor past end should be empty, got %+v", page)
	}

	if _, err := r.Logs("missing", 0, 10); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestRegistry_LogRing(t *testing.T) {
	r := NewRegistry("", nil)
	job, _ := r.Create(Config{})
	for i := range MaxLogLines + 100 {
		r.AppendLog(job.JobID, "INFO", "engine", fmt.Sprintf("line %d", i))
	}

	j, _ := r.Get(job.JobID)
	if len(j.LogLines) != MaxLogLines {
		t.Fatalf("expected ring of %d, got %d", MaxLogLines, len(j.LogLines))
	}
	if j.LogLines[0].Message != "line 100" {
		t.Errorf("expected oldest retained line 100, got %q", j.LogLines[0].Message)
	}

	// A stale cursor resumes at the oldest retained line.
	page, _ := r.Logs(job.JobID, 10, 5)
	if page.Logs[0].Message != "line 100" || page.NextCursor != 105 {
		t.Errorf("unexpected page after wrap %+v", page)
	}
}

func TestRegistry_Cancel(t *testing.T) {
	r := NewRegistry("", nil)
	job, _ := r.Create(Config{})

	if err := r.Cancel(job.JobID); !errors.Is(err, ErrNotRunning) {
		t.Errorf("expected ErrNotRunning, got %v", err)
	}
	if err := r.Cancel("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	r.SetCancel(job.JobID, cancel)
	if !r.Running(job.JobID) {
		t.Error("expected job to be running")
	}
	if err := r.Cancel(job.JobID); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	if ctx.Err() == nil {
		t.Error("expected context to be cancelled")
	}
	if r.Running(job.JobID) {
		t.Error("expected cancel func to be cleared")
	}
}

func TestRegistry_Concurrent(t *testing.T) {
	r := NewRegistry(filepath.Join(t.TempDir(), "jobs.json"), nil)
	job, _ := r.Create(Config{})

	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.AppendLog(job.JobID, "INFO", "engine", "tick")
			r.Update(job.JobID, i%5 == 0, func(j *Job) { j.ProgressPercentage = float64(i) })
			r.List()
		}()
	}
	wg.Wait()

	j, _ := r.Get(job.JobID)
	if len(j.LogLines) != 20 {
		t.Errorf("expected 20 log lines, got %d", len(j.LogLines))
	}
}

func TestLogHandler(t *testing.T) {
	r := NewRegistry("", nil)
	job, _ := r.Create(Config{})

	var buf bytes.Buffer
	base := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	logger := JobLogger(base, r, job.JobID).With("component", "scheduler")

	logger.Info("unit expanded", "unit", 3, "chars", 9000)
	logger.Debug("not captured")
	logger.Warn("suspicious output")

	j, _ := r.Get(job.JobID)
	if len(j.LogLines) != 2 {
		t.Fatalf("expected 2 captured lines, got %d: %+v", len(j.LogLines), j.LogLines)
	}
	first := j.LogLines[0]
	if first.Source != "scheduler" || first.Level != "INFO" {
		t.Errorf("unexpected line %+v", first)
	}
	if !strings.Contains(first.Message, "unit expanded") || !strings.Contains(first.Message, "unit=3") {
		t.Errorf("unexpected message %q", first.Message)
	}
	if strings.Contains(first.Message, "job_id") {
		t.Errorf("job_id should not be repeated in captured message: %q", first.Message)
	}
	if j.LogLines[1].Level != "WARN" {
		t.Errorf("expected WARN, got %s", j.LogLines[1].Level)
	}

	// The wrapped handler still sees everything it is enabled for.
	if !strings.Contains(buf.String(), "not captured") {
		t.Error("debug line missing from base handler output")
	}
}
