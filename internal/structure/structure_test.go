package structure

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/jackzampolin/tome/internal/prompts"
	"github.com/jackzampolin/tome/internal/providers"
	"github.com/jackzampolin/tome/internal/segment"
)

const body = "This paragraph has enough words to count as real content."

func chapterJSON(heading string) string {
	return fmt.Sprintf(`{"type":"chapter","title":null,"sections":[`+
		`{"type":"heading","level":2,"text":%q},`+
		`{"type":"paragraph","text":%q}]}`, heading, body)
}

func newStructurer(t *testing.T, client providers.LLMClient, cfg Config) *Structurer {
	t.Helper()
	if cfg.MinChapterChars == 0 {
		cfg.MinChapterChars = 1
	}
	s, err := New(Options{Client: client, Vars: prompts.DefaultVars(), Config: cfg})
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func units(texts ...string) []segment.Unit {
	out := make([]segment.Unit, len(texts))
	for i, t := range texts {
		out[i] = segment.Unit{Index: i, Text: t, Size: len(t)}
	}
	return out
}

func TestRun_StructuresSections(t *testing.T) {
	client := providers.NewMockClient().On(StageStructure, func(req *providers.ChatRequest) (string, error) {
		return "```json\n" + chapterJSON("1.2. "+providers.UserContent(req)) + "\n```", nil
	})
	s := newStructurer(t, client, Config{Concurrency: 2})
	runDir := t.TempDir()

	var ticks atomic.Int32
	chapters, res, err := s.Run(context.Background(), units("Alpha", "Beta", "Gamma"), runDir, func(done, total int) {
		ticks.Add(1)
		if total != 3 {
			t.Errorf("unexpected total %d", total)
		}
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(chapters) != 3 || res.Chapters != 3 || res.Failed != 0 || res.Calls != 3 {
		t.Fatalf("unexpected result %+v (%d chapters)", res, len(chapters))
	}
	if ticks.Load() != 3 {
		t.Errorf("expected 3 progress ticks, got %d", ticks.Load())
	}
	for i, want := range []string{"Alpha", "Beta", "Gamma"} {
		if got := chapters[i].Sections[0].Text; got != want {
			t.Errorf("chapter %d heading = %q, want %q", i, got, want)
		}
		if chapters[i].Type != TypeChapter {
			t.Errorf("chapter %d type = %q", i, chapters[i].Type)
		}
	}

	doc, err := Load(Path(runDir))
	if err != nil {
		t.Fatal(err)
	}
	if !doc.Complete || doc.Sections != 3 || len(doc.Chapters) != 3 {
		t.Errorf("unexpected document %+v", doc)
	}

	t.Run("completed structure is reused", func(t *testing.T) {
		before := client.Calls()
		chapters, _, err := s.Run(context.Background(), units("Alpha", "Beta", "Gamma"), runDir, nil)
		if err != nil {
			t.Fatal(err)
		}
		if client.Calls() != before || len(chapters) != 3 {
			t.Errorf("expected reuse without calls, made %d", client.Calls()-before)
		}
	})
}

func TestRun_Fallback(t *testing.T) {
	client := providers.NewMockClient().On(StageStructure, func(req *providers.ChatRequest) (string, error) {
		if strings.HasPrefix(providers.UserContent(req), "BAD") {
			return "", &providers.Error{Kind: providers.KindAuth, Message: "denied"}
		}
		return chapterJSON("Fine"), nil
	})
	s := newStructurer(t, client, Config{Concurrency: 1, FallbackChars: 30})

	bad := "BAD " + strings.Repeat("x", 100)
	chapters, res, err := s.Run(context.Background(), units("ok", bad), t.TempDir(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Failed != 1 || len(chapters) != 2 {
		t.Fatalf("unexpected result %+v", res)
	}
	fb := chapters[1]
	if fb.Failed == "" || len(fb.Sections) != 1 || fb.Sections[0].Text != bad[:30] {
		t.Errorf("unexpected fallback chapter %+v", fb)
	}
	if client.StageCalls(StageStructure) != 2 {
		t.Errorf("expected auth failure not to retry, got %d calls", client.StageCalls(StageStructure))
	}
}

func TestRun_RepairsMalformedOutput(t *testing.T) {
	var n atomic.Int32
	client := providers.NewMockClient().On(StageStructure, func(req *providers.ChatRequest) (string, error) {
		if n.Add(1) == 1 {
			return `{"sections": [{"type": "unknown"}]}`, nil
		}
		return chapterJSON("Second try"), nil
	})
	s := newStructurer(t, client, Config{})

	chapters, res, err := s.Run(context.Background(), units("text"), t.TempDir(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Failed != 0 || res.Calls != 2 {
		t.Errorf("unexpected result %+v", res)
	}
	if chapters[0].Sections[0].Text != "Second try" {
		t.Errorf("unexpected chapter %+v", chapters[0])
	}
}

func TestRun_ResumeAndCancel(t *testing.T) {
	runDir := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client := providers.NewMockClient().On(StageStructure, func(req *providers.ChatRequest) (string, error) {
		if providers.UserContent(req) == "s2" {
			cancel()
			return "", context.Canceled
		}
		return chapterJSON(providers.UserContent(req)), nil
	})
	s := newStructurer(t, client, Config{Concurrency: 1, CheckpointEvery: 100})

	all := units("s0", "s1", "s2", "s3")
	_, _, err := s.Run(ctx, all, runDir, nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	doc, err := Load(Path(runDir))
	if err != nil {
		t.Fatal(err)
	}
	if doc.Complete || len(doc.Chapters) != 2 {
		t.Fatalf("expected partial document with 2 chapters, got complete=%v chapters=%d", doc.Complete, len(doc.Chapters))
	}

	resumed := providers.NewMockClient().On(StageStructure, func(req *providers.ChatRequest) (string, error) {
		return chapterJSON(providers.UserContent(req)), nil
	})
	s = newStructurer(t, resumed, Config{Concurrency: 1})
	chapters, res, err := s.Run(context.Background(), all, runDir, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Resumed != 2 || resumed.Calls() != 2 {
		t.Errorf("expected 2 resumed sections and 2 calls, got %+v calls=%d", res, resumed.Calls())
	}
	for i, want := range []string{"s0", "s1", "s2", "s3"} {
		if chapters[i].Sections[0].Text != want {
			t.Errorf("chapter %d heading = %q, want %q", i, chapters[i].Sections[0].Text, want)
		}
	}
}

func TestPostProcess(t *testing.T) {
	para := Block{Type: TypeParagraph, Text: body}
	heading := Block{Type: TypeHeading, Level: 1, Text: "Only a heading"}

	chapters := []Chapter{
		{Type: TypeChapter, Sections: []Block{heading, para}},
		{Type: TypeChapter},
		{Type: TypeChapter, Sections: []Block{heading}},
		{Type: TypeChapter, Sections: []Block{{Type: TypeEquation, Math: "$ E = mc^2 $"}}},
		{Type: TypeChapter, Sections: []Block{{Type: TypeList, Items: []string{"a"}}}},
	}

	t.Run("strip", func(t *testing.T) {
		got := StripHeadingOnly(StripEmpty(chapters))
		if len(got) != 3 {
			t.Errorf("expected 3 chapters with content, got %d", len(got))
		}
	})

	t.Run("merge micro chapters", func(t *testing.T) {
		got := MergeMicroChapters(StripHeadingOnly(StripEmpty(chapters)), 100000, 0)
		if len(got) != 1 || len(got[0].Sections) != 4 {
			t.Errorf("expected everything folded into the first chapter, got %d chapters", len(got))
		}
	})

	t.Run("cap chapter count", func(t *testing.T) {
		var many []Chapter
		for i := range 10 {
			many = append(many, Chapter{Type: TypeChapter, Sections: []Block{{Type: TypeParagraph, Text: strings.Repeat("w", 50+i)}}})
		}
		got := MergeMicroChapters(many, 1, 4)
		if len(got) != 4 {
			t.Errorf("expected 4 chapters, got %d", len(got))
		}
		total := 0
		for _, ch := range got {
			total += len(ch.Sections)
		}
		if total != 10 {
			t.Errorf("expected all 10 sections kept, got %d", total)
		}
	})
}

func TestDecodeChapterCleans(t *testing.T) {
	raw := json.RawMessage(`{"sections":[` +
		`{"type":"heading","text":"3.2. Heat Transfer"},` +
		`{"type":"heading","level":3,"text":"A. Basics"},` +
		`{"type":"paragraph","text":"value$x$ here"},` +
		`{"type":"example_problem","title":"Ex","problem_statement":"p","solution_steps":[[{"type":"heading","text":"1. Step"}]]}]}`)
	ch, err := decodeChapter(raw)
	if err != nil {
		t.Fatal(err)
	}
	if ch.Type != TypeChapter {
		t.Errorf("expected chapter type, got %q", ch.Type)
	}
	want := []string{"Heat Transfer", "Basics", "value $ x $ here"}
	for i, w := range want {
		if ch.Sections[i].Text != w {
			t.Errorf("section %d = %q, want %q", i, ch.Sections[i].Text, w)
		}
	}
	if ch.Sections[0].Level != 1 || ch.Sections[1].Level != 3 {
		t.Errorf("unexpected heading levels %d %d", ch.Sections[0].Level, ch.Sections[1].Level)
	}
	if got := ch.Sections[3].SolutionSteps[0][0].Text; got != "Step" {
		t.Errorf("nested heading not cleaned: %q", got)
	}
}

func TestEscapeBackslashes(t *testing.T) {
	tests := map[string]string{
		`{"math": "\frac{a}{b}"}`: `{"math": "\\frac{a}{b}"}`,
		`{"math": "\\alpha"}`:     `{"math": "\\alpha"}`,
		`{"text": "say \"hi\""}`:  `{"text": "say \"hi\""}`,
		`trailing \`:              `trailing \\`,
	}
	for in, want := range tests {
		if got := EscapeBackslashes(in); got != want {
			t.Errorf("EscapeBackslashes(%q) = %q, want %q", in, got, want)
		}
	}
}
