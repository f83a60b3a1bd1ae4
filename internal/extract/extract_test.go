package extract

import (
	"context"
	"errors"
	"image/color"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/disintegration/imaging"
)

func TestExtract_TextInput(t *testing.T) {
	dir := t.TempDir()
	input := filepath.Join(dir, "book.md")
	if err := os.WriteFile(input, []byte("Chapter 1\nHello."), 0o644); err != nil {
		t.Fatal(err)
	}
	runDir := filepath.Join(dir, "run")

	e := New(Config{})
	res, err := e.Extract(context.Background(), input, runDir, Options{})
	if err != nil {
		t.Fatalf("extract failed: %v", err)
	}
	data, err := os.ReadFile(res.ManuscriptPath)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "Chapter 1\nHello." {
		t.Errorf("unexpected manuscript %q", data)
	}

	t.Run("reuse keeps existing manuscript", func(t *testing.T) {
		if err := os.WriteFile(input, []byte("changed"), 0o644); err != nil {
			t.Fatal(err)
		}
		res, err := e.Extract(context.Background(), input, runDir, Options{Reuse: true})
		if err != nil {
			t.Fatal(err)
		}
		if !res.Reused {
			t.Error("expected manuscript to be reused")
		}
		data, _ := os.ReadFile(res.ManuscriptPath)
		if string(data) != "Chapter 1\nHello." {
			t.Errorf("manuscript overwritten: %q", data)
		}
	})
}

func TestExtract_Errors(t *testing.T) {
	dir := t.TempDir()
	e := New(Config{})

	_, err := e.Extract(context.Background(), filepath.Join(dir, "missing.txt"), dir, Options{})
	if !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("expected not-exist error, got %v", err)
	}

	odd := filepath.Join(dir, "book.docx")
	os.WriteFile(odd, []byte("x"), 0o644)
	_, err = e.Extract(context.Background(), odd, dir, Options{})
	if !errors.Is(err, ErrUnsupportedInput) {
		t.Errorf("expected ErrUnsupportedInput, got %v", err)
	}
}

func TestExtractText_Command(t *testing.T) {
	if _, err := exec.LookPath("cp"); err != nil {
		t.Skip("cp not available")
	}
	dir := t.TempDir()
	src := filepath.Join(dir, "pages.txt")
	os.WriteFile(src, []byte("Page one text.\n\nSecond para.\fPage two.\f"), 0o644)

	e := New(Config{TextCommand: "cp {input} {output}"})
	pages, err := e.extractText(context.Background(), src)
	if err != nil {
		t.Fatalf("extract text failed: %v", err)
	}
	if len(pages) != 2 || len(pages[0]) != 2 || pages[1][0] != "Page two." {
		t.Errorf("unexpected pages %q", pages)
	}

	bad := New(Config{TextCommand: "false {input} {output}"})
	if _, err := bad.extractText(context.Background(), src); err == nil {
		t.Error("expected failing command to error")
	}
}

func TestSplitPagesAndAssemble(t *testing.T) {
	pages := SplitPages("A\n\nB\f\fC\r\n\r\nD\f")
	if len(pages) != 3 {
		t.Fatalf("expected 3 pages, got %d", len(pages))
	}
	if len(pages[1]) != 0 {
		t.Errorf("expected empty middle page, got %q", pages[1])
	}

	got := assemble(pages)
	want := "--- Page 1 ---\n\nA\n\nB\n\n--- Page 3 ---\n\nC\n\nD"
	if got != want {
		t.Errorf("expected %q, got %q", want, got)
	}
}

func TestPageOf(t *testing.T) {
	tests := map[string]int{
		"book_3_Im1.png":     3,
		"my_book_12_Im0.jpg": 12,
		"noinfo.png":         0,
		"book_x_Im1.png":     0,
	}
	for name, want := range tests {
		if got := pageOf(name); got != want {
			t.Errorf("pageOf(%q) = %d, want %d", name, got, want)
		}
	}
}

func TestKeepImage(t *testing.T) {
	dir := t.TempDir()
	dest := filepath.Join(dir, "out")
	os.MkdirAll(dest, 0o755)

	big := filepath.Join(dir, "big.png")
	small := filepath.Join(dir, "small.png")
	if err := imaging.Save(imaging.New(200, 150, color.White), big); err != nil {
		t.Fatal(err)
	}
	if err := imaging.Save(imaging.New(40, 300, color.White), small); err != nil {
		t.Fatal(err)
	}

	e := New(Config{})
	asset, ok, err := e.keepImage(big, dest, 4, 1)
	if err != nil || !ok {
		t.Fatalf("expected big image kept, got ok=%v err=%v", ok, err)
	}
	if !strings.HasPrefix(asset.Name, "pg4_img1_") || !strings.HasSuffix(asset.Name, ".png") {
		t.Errorf("unexpected asset name %q", asset.Name)
	}
	if asset.Tag() != "[ORIGINAL_ASSET: extracted_images/"+asset.Name+"]" {
		t.Errorf("unexpected tag %q", asset.Tag())
	}
	if _, err := os.Stat(filepath.Join(dest, asset.Name)); err != nil {
		t.Errorf("asset not written: %v", err)
	}

	if _, ok, _ := e.keepImage(small, dest, 1, 1); ok {
		t.Error("expected narrow image to be discarded")
	}

	junk := filepath.Join(dir, "junk.png")
	os.WriteFile(junk, []byte("not an image"), 0o644)
	if _, _, err := e.keepImage(junk, dest, 1, 1); err == nil {
		t.Error("expected decode error")
	}
}
