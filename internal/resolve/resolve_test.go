package resolve

import (
	"context"
	"errors"
	"image/color"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/disintegration/imaging"
)

type fakeGenerator struct {
	mu       sync.Mutex
	subjects []string
	err      error
}

func (f *fakeGenerator) Generate(_ context.Context, subject string, _ map[string]any, path string) error {
	f.mu.Lock()
	f.subjects = append(f.subjects, subject)
	f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	return imaging.Save(imaging.New(10, 10, color.Black), path)
}

func newResolver(t *testing.T, cfg Config) *Resolver {
	t.Helper()
	r, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func TestResolve_OriginalAssets(t *testing.T) {
	runDir := t.TempDir()
	imgDir := filepath.Join(runDir, AssetsDirName, "extracted_images")
	os.MkdirAll(imgDir, 0o755)
	if err := imaging.Save(imaging.New(120, 120, color.White), filepath.Join(imgDir, "pg1_img1_abc.png")); err != nil {
		t.Fatal(err)
	}

	r := newResolver(t, Config{})
	text := "Intro.\n[ORIGINAL_ASSET: extracted_images/pg1_img1_abc.png]\nMiddle.\n[ORIGINAL_ASSET: extracted_images/gone.png]\nEnd."
	out, stats, err := r.Resolve(context.Background(), text, runDir, Options{})
	if err != nil {
		t.Fatal(err)
	}

	want := "![Enhanced Figure](assets/enhanced_images/pil_pg1_img1_abc.png)"
	if !strings.Contains(out, want) {
		t.Errorf("expected %q in output:\n%s", want, out)
	}
	if strings.Contains(out, "ORIGINAL_ASSET") {
		t.Errorf("tags left in output:\n%s", out)
	}
	if stats.Assets != 1 || stats.MissingAssets != 1 {
		t.Errorf("unexpected stats %+v", stats)
	}
	if _, err := os.Stat(filepath.Join(runDir, "assets", "enhanced_images", "pil_pg1_img1_abc.png")); err != nil {
		t.Errorf("enhanced image not written: %v", err)
	}
}

func TestResolve_DiagramForms(t *testing.T) {
	runDir := t.TempDir()
	gen := &fakeGenerator{}
	r := newResolver(t, Config{Generator: gen, MaxNewDiagrams: Unlimited})

	text := strings.Join([]string{
		`[NEW_DIAGRAM: {"subject": "Pump curve", "caption": "Figure 1"}]`,
		`[NEW_DIAGRAM: A heat exchanger with counterflow arrangement]`,
		`NEW_DIAGRAM: {"subject": "Bare form"}`,
		`[NEW_DIAGRAM: {not json}]`,
	}, "\n\n")
	out, stats, err := r.Resolve(context.Background(), text, runDir, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if stats.Diagrams != 4 || stats.Placeholders != 0 {
		t.Errorf("unexpected stats %+v", stats)
	}

	for _, want := range []string{
		"![Figure 1](assets/ai_generated/ai_Pump_curve.png)",
		"![A heat exchanger with counterflow...](assets/ai_generated/ai_A_heat_exchanger_with_counterf.png)",
		"![Bare form...](assets/ai_generated/ai_Bare_form.png)",
		"![Diagram](assets/ai_generated/ai__not_json_.png)",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %q in output:\n%s", want, out)
		}
	}
	if strings.Contains(out, "NEW_DIAGRAM") {
		t.Errorf("tags left in output:\n%s", out)
	}
}

func TestResolve_DiagramCap(t *testing.T) {
	runDir := t.TempDir()
	gen := &fakeGenerator{}
	r := newResolver(t, Config{Generator: gen, MaxNewDiagrams: 2, Concurrency: 3})

	text := "[NEW_DIAGRAM: first]\n[NEW_DIAGRAM: second]\n[NEW_DIAGRAM: third]\n[NEW_DIAGRAM: fourth]"
	out, stats, err := r.Resolve(context.Background(), text, runDir, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if stats.Diagrams != 2 || stats.DroppedDiagrams != 2 {
		t.Errorf("unexpected stats %+v", stats)
	}
	if !strings.Contains(out, "ai_first.png") || !strings.Contains(out, "ai_second.png") {
		t.Errorf("expected the earliest diagrams kept:\n%s", out)
	}
	if strings.Contains(out, "third") || strings.Contains(out, "fourth") {
		t.Errorf("expected capped tags stripped:\n%s", out)
	}
	if r.DiagramsUsed() != 2 {
		t.Errorf("expected 2 slots used, got %d", r.DiagramsUsed())
	}

	// The budget spans passes.
	out, stats, _ = r.Resolve(context.Background(), "[NEW_DIAGRAM: fifth]", runDir, Options{})
	if stats.Diagrams != 0 || out != "" {
		t.Errorf("expected exhausted budget, got %+v %q", stats, out)
	}
}

func TestResolve_Placeholders(t *testing.T) {
	runDir := t.TempDir()

	t.Run("skip images", func(t *testing.T) {
		gen := &fakeGenerator{}
		r := newResolver(t, Config{Generator: gen, MaxNewDiagrams: Unlimited})
		_, stats, err := r.Resolve(context.Background(), "[NEW_DIAGRAM: skipped one]", runDir, Options{SkipImages: true})
		if err != nil {
			t.Fatal(err)
		}
		if stats.Placeholders != 1 || len(gen.subjects) != 0 {
			t.Errorf("expected placeholder without generator call, got %+v %v", stats, gen.subjects)
		}
		img, err := imaging.Open(filepath.Join(runDir, "assets", "ai_generated", "ai_skipped_one.png"))
		if err != nil {
			t.Fatal(err)
		}
		if b := img.Bounds(); b.Dx() != PlaceholderWidth || b.Dy() != PlaceholderHeight {
			t.Errorf("unexpected placeholder size %v", b)
		}
	})

	t.Run("generator failure", func(t *testing.T) {
		gen := &fakeGenerator{err: errors.New("quota")}
		r := newResolver(t, Config{Generator: gen, MaxNewDiagrams: Unlimited})
		out, stats, err := r.Resolve(context.Background(), "[NEW_DIAGRAM: broken one]", runDir, Options{})
		if err != nil {
			t.Fatal(err)
		}
		if stats.Placeholders != 1 || !strings.Contains(out, "ai_broken_one.png") {
			t.Errorf("expected placeholder fallback, got %+v %q", stats, out)
		}
	})

	t.Run("existing image reused", func(t *testing.T) {
		gen := &fakeGenerator{}
		r := newResolver(t, Config{Generator: gen, MaxNewDiagrams: Unlimited})
		_, _, err := r.Resolve(context.Background(), "[NEW_DIAGRAM: skipped one]", runDir, Options{})
		if err != nil {
			t.Fatal(err)
		}
		if len(gen.subjects) != 0 {
			t.Errorf("expected cached image, generator called for %v", gen.subjects)
		}
	})
}

func TestResolveFile(t *testing.T) {
	runDir := t.TempDir()
	input := filepath.Join(runDir, "expanded.md")
	os.WriteFile(input, []byte("# Title\n\nNo tags here."), 0o644)

	r := newResolver(t, Config{})
	out, _, err := r.ResolveFile(context.Background(), input, runDir, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if out != ResolvedPath(runDir) {
		t.Errorf("unexpected output path %q", out)
	}
	data, _ := os.ReadFile(out)
	if string(data) != "# Title\n\nNo tags here." {
		t.Errorf("unexpected content %q", data)
	}

	if _, _, err := r.ResolveFile(context.Background(), filepath.Join(runDir, "missing.md"), runDir, Options{}); err == nil {
		t.Error("expected error for missing input")
	}
}

func TestResolve_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r := newResolver(t, Config{MaxNewDiagrams: Unlimited})
	if _, _, err := r.Resolve(ctx, "[NEW_DIAGRAM: x]", t.TempDir(), Options{}); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestDiagramFileNameAndWrap(t *testing.T) {
	if got := DiagramFileName("Stress/strain curve (steel)"); got != "ai_Stress_strain_curve__steel_.png" {
		t.Errorf("unexpected name %q", got)
	}
	if got := DiagramFileName(strings.Repeat("a", 50)); got != "ai_"+strings.Repeat("a", 30)+".png" {
		t.Errorf("expected truncation, got %q", got)
	}

	lines := wrap(strings.Repeat("word ", 40), 20)
	for _, l := range lines {
		if len(l) > 20 {
			t.Errorf("line too long: %q", l)
		}
	}
	if len(wrap("", 10)) != 0 {
		t.Error("expected no lines for empty text")
	}
}
