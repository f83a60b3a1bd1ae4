// Package structure converts manuscript sections into typed book-structure
// JSON with the generation service. Each section is structured on its own
// under a concurrency limit; sections that cannot be structured fall back
// to a single raw paragraph so the book is never missing content.
package structure

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"golang.org/x/sync/semaphore"

	"github.com/jackzampolin/tome/internal/checkpoint"
	"github.com/jackzampolin/tome/internal/metrics"
	"github.com/jackzampolin/tome/internal/prompts"
	"github.com/jackzampolin/tome/internal/providers"
	"github.com/jackzampolin/tome/internal/segment"
)

// FileName is the structure document inside a run directory.
const FileName = "book_structure.json"

// StageStructure labels structuring calls.
const StageStructure = "structure"

// Defaults.
const (
	DefaultConcurrency     = 20
	DefaultCheckpointEvery = 50
	DefaultFallbackChars   = 2000
	DefaultAttempts        = 3
	DefaultMaxTokens       = 8192
	maxSectionChars        = 500000
)

// Config configures a Structurer.
type Config struct {
	Concurrency     int
	CheckpointEvery int
	FallbackChars   int
	Attempts        int
	MaxTokens       int
	Backoff         time.Duration
	CallTimeout     time.Duration
	Model           string
	MinChapterChars int
	MaxChapters     int
}

// Options wires a Structurer to its collaborators.
type Options struct {
	Client  providers.LLMClient
	Prompts *prompts.Resolver
	Vars    prompts.Vars
	Config  Config
	Metrics *metrics.Recorder
	Logger  *slog.Logger
	JobID   string
}

// Result summarises a structuring pass.
type Result struct {
	Path     string `json:"path"`
	Sections int    `json:"sections"`
	Chapters int    `json:"chapters"`
	Failed   int    `json:"failed"`
	Resumed  int    `json:"resumed"`
	Calls    int    `json:"calls"`
}

// Structurer turns sections into chapters.
type Structurer struct {
	client  providers.LLMClient
	prompts *prompts.Resolver
	vars    prompts.Vars
	cfg     Config
	schema  *providers.Schema
	metrics *metrics.Recorder
	logger  *slog.Logger
	jobID   string
}

// New creates a Structurer.
func New(opts Options) (*Structurer, error) {
	cfg := opts.Config
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.CheckpointEvery <= 0 {
		cfg.CheckpointEvery = DefaultCheckpointEvery
	}
	if cfg.FallbackChars <= 0 {
		cfg.FallbackChars = DefaultFallbackChars
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = DefaultAttempts
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}
	if cfg.MinChapterChars <= 0 {
		cfg.MinChapterChars = DefaultMinChapterChars
	}
	if cfg.MaxChapters <= 0 {
		cfg.MaxChapters = DefaultMaxChapters
	}

	schema, err := providers.CompileSchema(json.RawMessage(ChapterSchema))
	if err != nil {
		return nil, fmt.Errorf("compile chapter schema: %w", err)
	}
	resolver := opts.Prompts
	if resolver == nil {
		resolver = prompts.NewDefaultResolver("", opts.Logger)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Structurer{
		client:  opts.Client,
		prompts: resolver,
		vars:    opts.Vars,
		cfg:     cfg,
		schema:  schema,
		metrics: opts.Metrics,
		logger:  logger.With("component", "structure"),
		jobID:   opts.JobID,
	}, nil
}

// Path returns the structure document path inside runDir.
func Path(runDir string) string {
	return filepath.Join(runDir, FileName)
}

// Load reads a structure document. A missing file yields an empty
// document.
func Load(path string) (Document, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return Document{}, nil
	}
	if err != nil {
		return Document{}, err
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return Document{}, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return doc, nil
}

func save(path string, doc Document) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	return checkpoint.WriteFileAtomic(path, data)
}

// Run structures units into runDir/book_structure.json. A partial document
// from an earlier run is resumed from its section count; a complete one
// for the same number of sections is returned as is. onProgress, if set,
// is called after every section.
func (s *Structurer) Run(ctx context.Context, units []segment.Unit, runDir string, onProgress func(done, total int)) ([]Chapter, Result, error) {
	path := Path(runDir)
	res := Result{Path: path, Sections: len(units)}

	prior, err := Load(path)
	if err != nil {
		s.logger.Warn("ignoring unreadable structure document", "error", err)
		prior = Document{}
	}
	if prior.Complete && prior.Sections == len(units) {
		s.logger.Info("reusing completed book structure", "chapters", len(prior.Chapters))
		res.Chapters = len(prior.Chapters)
		res.Resumed = len(units)
		if onProgress != nil {
			onProgress(len(units), len(units))
		}
		return prior.Chapters, res, nil
	}

	start := 0
	if !prior.Complete && len(prior.Chapters) <= len(units) {
		start = len(prior.Chapters)
	}
	res.Resumed = start

	chapters := make([]Chapter, len(units))
	done := make([]bool, len(units))
	copy(chapters, prior.Chapters[:start])
	for i := range start {
		done[i] = true
	}
	if start > 0 {
		s.logger.Info("resuming structuring", "existing", start, "total", len(units))
	}

	var (
		mu       sync.Mutex
		finished = start
		calls    int
		failed   int
	)
	checkpointPrefix := func() {
		n := 0
		for n < len(done) && done[n] {
			n++
		}
		if err := save(path, Document{Sections: len(units), Chapters: chapters[:n]}); err != nil {
			s.logger.Warn("failed to write structure checkpoint", "error", err)
		}
	}

	sem := semaphore.NewWeighted(int64(s.cfg.Concurrency))
	var wg sync.WaitGroup
	for i := start; i < len(units); i++ {
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

			ch, n, err := s.structureOne(ctx, u)
			if err != nil && ctx.Err() != nil {
				return
			}

			mu.Lock()
			defer mu.Unlock()
			calls += n
			if err != nil {
				failed++
				s.logger.Warn("section structuring failed, using raw text", "section", u.Index, "error", err)
				ch = fallbackChapter(u.Text, s.cfg.FallbackChars, err)
			}
			chapters[i] = ch
			done[i] = true
			finished++
			if onProgress != nil {
				onProgress(finished, len(units))
			}
			if (finished-start)%s.cfg.CheckpointEvery == 0 {
				checkpointPrefix()
			}
		}(i, units[i])
	}
	wg.Wait()

	res.Calls = calls
	res.Failed = failed
	if err := ctx.Err(); err != nil {
		mu.Lock()
		checkpointPrefix()
		mu.Unlock()
		return nil, res, err
	}

	if attempted := len(units) - start; attempted > 0 && failed*2 > attempted {
		s.logger.Warn("more than half of the sections failed to structure; check the generation service",
			"failed", failed, "attempted", attempted)
	}

	final := PostProcess(chapters, s.cfg.MinChapterChars, s.cfg.MaxChapters)
	if err := save(path, Document{Complete: true, Sections: len(units), Chapters: final}); err != nil {
		return nil, res, fmt.Errorf("failed to write book structure: %w", err)
	}
	res.Chapters = len(final)
	s.logger.Info("book structure saved", "path", path, "sections", len(units),
		"chapters", len(final), "failed", failed)
	return final, res, nil
}

// structureOne asks for one section's structure, retrying transient and
// malformed responses. It reports the number of calls made.
func (s *Structurer) structureOne(ctx context.Context, u segment.Unit) (Chapter, int, error) {
	text := u.Text
	if strings.TrimSpace(text) == "" {
		return Chapter{}, 0, errors.New("empty section")
	}
	if len(text) > maxSectionChars {
		text = text[:maxSectionChars] + "\n\n[... truncated ...]"
	}
	system, err := s.prompts.Render(prompts.KeyStructure, s.vars)
	if err != nil {
		return Chapter{}, 0, err
	}

	calls := 0
	user := text
	ch, err := retry.DoWithData(
		func() (Chapter, error) {
			calls++
			start := time.Now()
			result, err := providers.Complete(ctx, s.client, providers.Prompt{
				Stage:     StageStructure,
				System:    system,
				User:      user,
				Model:     s.cfg.Model,
				MaxTokens: s.cfg.MaxTokens,
				Timeout:   s.cfg.CallTimeout,
			})
			s.record(start, result, err)
			if err != nil {
				return Chapter{}, err
			}
			raw, perr := s.parse(result.Content)
			if perr != nil {
				user = text + "\n\n" + providers.StructuredRepairPrompt(s.schema.Raw(), result.Content, perr)
				return Chapter{}, perr
			}
			return decodeChapter(raw)
		},
		retry.Context(ctx),
		retry.Attempts(uint(s.cfg.Attempts)),
		retry.Delay(s.cfg.Backoff),
		retry.DelayType(retry.BackOffDelay),
		retry.RetryIf(func(err error) bool {
			kind := providers.Classify(err)
			return kind != providers.KindAuth && kind != providers.KindNotFound
		}),
		retry.LastErrorOnly(true),
	)
	return ch, calls, err
}

// parse validates a response, repairing lone backslashes from LaTeX math
// when the raw text does not decode.
func (s *Structurer) parse(content string) (json.RawMessage, error) {
	raw, err := s.schema.ParseStructured(content)
	if err == nil {
		return raw, nil
	}
	if fixed := EscapeBackslashes(content); fixed != content {
		if raw, ferr := s.schema.ParseStructured(fixed); ferr == nil {
			return raw, nil
		}
	}
	return nil, err
}

func (s *Structurer) record(start time.Time, result *providers.ChatResult, err error) {
	rec := metrics.CallRecord{
		JobID:    s.jobID,
		Stage:    StageStructure,
		Success:  err == nil,
		Duration: time.Since(start),
	}
	if result != nil {
		rec.PromptTokens = result.PromptTokens
		rec.CompletionTokens = result.CompletionTokens
	}
	if err != nil {
		rec.Kind = string(providers.Classify(err))
	}
	s.metrics.RecordLLMCall(rec)
}

// EscapeBackslashes doubles every backslash that does not already start a
// valid JSON escape of \\, \" or \/.
func EscapeBackslashes(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '\\' {
			b.WriteByte(c)
			continue
		}
		if i+1 < len(s) && (s[i+1] == '\\' || s[i+1] == '"' || s[i+1] == '/') {
			b.WriteByte(c)
			b.WriteByte(s[i+1])
			i++
			continue
		}
		b.WriteString(`\\`)
	}
	return b.String()
}
