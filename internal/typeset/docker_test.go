package typeset

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/jackzampolin/tome/internal/testutil"
)

// TestDockerManager_Lifecycle runs a real Gotenberg container.
// This test requires Docker to be running.
func TestDockerManager_Lifecycle(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	_ = testutil.DockerClient(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	port, err := testutil.FindFreePort()
	if err != nil {
		t.Fatal(err)
	}
	mgr, err := NewDockerManager(DockerConfig{
		ContainerName: testutil.UniqueContainerName(t, "gotenberg"),
		HostPort:      port,
		Labels:        testutil.ContainerLabels(t),
	})
	if err != nil {
		t.Fatal(err)
	}
	defer mgr.Close()

	if status, err := mgr.Status(ctx); err != nil || status != StatusNotFound {
		t.Fatalf("expected no container yet, got %s %v", status, err)
	}

	if err := mgr.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if status, _ := mgr.Status(ctx); status != StatusRunning {
		t.Errorf("status = %s, want running", status)
	}
	// Starting a running container is a no-op.
	if err := mgr.Start(ctx); err != nil {
		t.Errorf("second Start() error = %v", err)
	}

	ts, err := New(Config{Engine: EngineGotenberg, Docker: mgr})
	if err != nil {
		t.Fatal(err)
	}
	runDir := t.TempDir()
	chapters := sampleChapters()
	chapters[0].Sections = chapters[0].Sections[:4]
	out, err := ts.Render(ctx, chapters, runDir, Meta{Title: "Thermodynamics"})
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	if out != filepath.Join(runDir, PDFFileName) {
		t.Errorf("unexpected path %q", out)
	}
	if pages, err := ValidatePDF(out); err != nil || pages < 1 {
		t.Errorf("expected a valid PDF, got %d pages, err %v", pages, err)
	}

	if err := mgr.Stop(ctx); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if status, _ := mgr.Status(ctx); status != StatusStopped {
		t.Errorf("status = %s, want stopped", status)
	}
	if err := mgr.Remove(ctx); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
}
