package segment

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"unicode/utf8"
)

func TestSegment_Headings(t *testing.T) {
	units := Segment("Chapter 1\nA.\n\nChapter 2\nB.", 100)
	if len(units) != 2 {
		t.Fatalf("expected 2 units, got %d: %#v", len(units), units)
	}
	if units[0].Text != "Chapter 1\nA." {
		t.Errorf("unit 0 = %q", units[0].Text)
	}
	if units[1].Text != "Chapter 2\nB." {
		t.Errorf("unit 1 = %q", units[1].Text)
	}
	for i, u := range units {
		if u.Index != i {
			t.Errorf("unit %d has index %d", i, u.Index)
		}
		if u.Size != len(u.Text) {
			t.Errorf("unit %d size = %d, want %d", i, u.Size, len(u.Text))
		}
	}
}

func TestSegment_Cascade(t *testing.T) {
	tests := []struct {
		name     string
		text     string
		strategy Strategy
		count    int
	}{
		{
			name:     "upper case headings",
			text:     "Preface text.\nUNIT 1\nOne.\nUNIT 2\nTwo.",
			strategy: StrategyHeadings,
			count:    3,
		},
		{
			name:     "lower case headings",
			text:     "chapter 1\nOne.\nchapter 2\nTwo.\nModule 3\nThree.",
			strategy: StrategyHeadings,
			count:    3,
		},
		{
			name:     "numbered sections when no headings",
			text:     "1. Introduction\nBody.\n2. Methods\nMore.\n3. Results\nDone.",
			strategy: StrategyNumbered,
			count:    3,
		},
		{
			name:     "single heading falls through to numbered",
			text:     "Chapter 1\n1. First\nx.\n2. Second\ny.",
			strategy: StrategyNumbered,
			count:    3,
		},
		{
			name:     "whole text",
			text:     "Just a short paragraph.",
			strategy: StrategyWhole,
			count:    1,
		},
		{
			name:     "heading keyword mid-line is ignored",
			text:     "See Chapter 2 for details.\nAnd Part 3 too.",
			strategy: StrategyWhole,
			count:    1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			units, strategy := SegmentWithStrategy(tt.text, 1000)
			if strategy != tt.strategy {
				t.Errorf("strategy = %s, want %s", strategy, tt.strategy)
			}
			if len(units) != tt.count {
				t.Errorf("got %d units, want %d", len(units), tt.count)
			}
		})
	}
}

func TestSegment_EmptyInput(t *testing.T) {
	for _, text := range []string{"", "   ", "\n\n\t\n"} {
		if units := Segment(text, 100); len(units) != 0 {
			t.Errorf("Segment(%q) = %d units, want 0", text, len(units))
		}
	}
}

func TestSegment_HardSplitParagraphs(t *testing.T) {
	para := strings.Repeat("a", 30)
	text := strings.Join([]string{para, para, para, para}, "\n\n")

	units := Segment(text, 70)
	if len(units) != 2 {
		t.Fatalf("expected 2 units, got %d", len(units))
	}
	want := para + "\n\n" + para
	for i, u := range units {
		if u.Text != want {
			t.Errorf("unit %d = %q, want %q", i, u.Text, want)
		}
	}
}

func TestSegment_HardSplitSentences(t *testing.T) {
	text := "One two three. Four five six! Seven eight nine? Ten eleven twelve."

	units := Segment(text, 32)
	if len(units) < 2 {
		t.Fatalf("expected sentence split, got %d units", len(units))
	}
	for _, u := range units {
		if utf8.RuneCountInString(u.Text) > 32 {
			t.Errorf("unit exceeds limit: %q", u.Text)
		}
	}
	if units[0].Text != "One two three. Four five six!" {
		t.Errorf("unit 0 = %q", units[0].Text)
	}
}

func TestSegment_HardSplitRaw(t *testing.T) {
	text := strings.Repeat("x", 25)

	units := Segment(text, 10)
	if len(units) != 3 {
		t.Fatalf("expected 3 units, got %d", len(units))
	}
	if units[2].Text != "xxxxx" {
		t.Errorf("last unit = %q", units[2].Text)
	}
}

func TestSegment_PreservesOrderAndBounds(t *testing.T) {
	var b strings.Builder
	for i := 0; i < 5; i++ {
		b.WriteString("Chapter X\n")
		for j := 0; j < 20; j++ {
			b.WriteString("This is a sentence about topic number ")
			b.WriteString(strings.Repeat("z", j))
			b.WriteString(". ")
		}
		b.WriteString("\n\n")
	}
	text := b.String()

	units := Segment(text, 200)
	joined := ""
	for _, u := range units {
		if utf8.RuneCountInString(u.Text) > 200 {
			t.Errorf("unit %d over limit (%d chars)", u.Index, utf8.RuneCountInString(u.Text))
		}
		joined += u.Text
	}

	// Stripping whitespace from both sides must leave the same character
	// sequence: segmentation never reorders or drops content.
	strip := func(s string) string { return strings.Join(strings.Fields(s), "") }
	if strip(joined) != strip(text) {
		t.Error("concatenated units do not match input order")
	}
}

func TestSegment_Deterministic(t *testing.T) {
	text := "1. A\n" + strings.Repeat("word ", 300) + "\n2. B\nshort."
	a := Segment(text, 120)
	b := Segment(text, 120)
	if len(a) != len(b) {
		t.Fatalf("lengths differ: %d vs %d", len(a), len(b))
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("unit %d differs", i)
		}
	}
}

func TestSegmentFile(t *testing.T) {
	t.Run("reads file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "manuscript.txt")
		if err := os.WriteFile(path, []byte("Chapter 1\nA.\n\nChapter 2\nB."), 0o644); err != nil {
			t.Fatal(err)
		}
		units, err := SegmentFile(path, 100)
		if err != nil {
			t.Fatalf("SegmentFile() error = %v", err)
		}
		if len(units) != 2 {
			t.Errorf("got %d units, want 2", len(units))
		}
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := SegmentFile(filepath.Join(t.TempDir(), "nope.txt"), 100)
		if !errors.Is(err, fs.ErrNotExist) {
			t.Errorf("expected fs.ErrNotExist, got %v", err)
		}
	})
}

func TestSummarize(t *testing.T) {
	units := []Unit{{Size: 10}, {Size: 30}, {Size: 20}}
	s := Summarize(units)
	if s.Count != 3 || s.Min != 10 || s.Max != 30 || s.Mean != 20 {
		t.Errorf("Summarize() = %+v", s)
	}
	if (Summarize(nil) != Stats{}) {
		t.Error("expected zero stats for no units")
	}
}
