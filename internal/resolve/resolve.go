// Package resolve replaces the image tags in an expanded manuscript with
// Markdown images. Original assets are enhanced copies of extracted
// images; new diagrams come from an ImageGenerator or, without one, from
// rendered placeholders.
package resolve

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/jackzampolin/tome/internal/checkpoint"
	"github.com/jackzampolin/tome/internal/providers"
)

// Layout inside a run directory.
const (
	ResolvedFileName = "resolved_manuscript.md"
	AssetsDirName    = "assets"
	EnhancedDirName  = "enhanced_images"
	GeneratedDirName = "ai_generated"
)

// DefaultConcurrency bounds concurrent image work.
const DefaultConcurrency = 4

// Unlimited disables the new diagram cap.
const Unlimited = -1

var (
	assetTag = regexp.MustCompile(`\[ORIGINAL_ASSET:\s*(.+?)\]`)
	// Group 1 is a JSON request, group 2 a plain description. The JSON form
	// tolerates missing brackets.
	diagramTag = regexp.MustCompile(`(?s)\[?NEW_DIAGRAM:\s*(?:(\{.*?\})\]?|([^{\]][^\]]*)\])`)
	unsafeName = regexp.MustCompile(`[^a-zA-Z0-9]`)
)

const diagramSchema = `{
	"type": "object",
	"required": ["subject"],
	"properties": {
		"subject": {"type": "string", "minLength": 1},
		"caption": {"type": "string"}
	}
}`

// ImageGenerator produces a diagram image for a subject at path.
type ImageGenerator interface {
	Generate(ctx context.Context, subject string, style map[string]any, path string) error
}

// Config configures a Resolver.
type Config struct {
	Concurrency    int
	MaxNewDiagrams int
	Generator      ImageGenerator
	Logger         *slog.Logger
}

// Options are per-run settings.
type Options struct {
	SkipImages bool
	Style      map[string]any
}

// Stats counts what a pass did.
type Stats struct {
	Assets          int `json:"assets"`
	MissingAssets   int `json:"missing_assets"`
	Diagrams        int `json:"diagrams"`
	Placeholders    int `json:"placeholders"`
	DroppedDiagrams int `json:"dropped_diagrams"`
}

// Resolver rewrites image tags.
type Resolver struct {
	concurrency int
	budget      *diagramBudget
	generator   ImageGenerator
	schema      *providers.Schema
	logger      *slog.Logger
}

// New creates a Resolver.
func New(cfg Config) (*Resolver, error) {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	schema, err := providers.CompileSchema(json.RawMessage(diagramSchema))
	if err != nil {
		return nil, fmt.Errorf("compile diagram schema: %w", err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		concurrency: cfg.Concurrency,
		budget:      newDiagramBudget(cfg.MaxNewDiagrams),
		generator:   cfg.Generator,
		schema:      schema,
		logger:      logger.With("component", "resolve"),
	}, nil
}

// ResolvedPath returns the output path inside runDir.
func ResolvedPath(runDir string) string {
	return filepath.Join(runDir, ResolvedFileName)
}

// diagramBudget is the shared count of new diagrams handed out.
type diagramBudget struct {
	mu   sync.Mutex
	used int
	max  int
}

func newDiagramBudget(max int) *diagramBudget {
	return &diagramBudget{max: max}
}

// claim reserves one diagram slot.
func (b *diagramBudget) claim() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.max >= 0 && b.used >= b.max {
		return false
	}
	b.used++
	return true
}

func (b *diagramBudget) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.used
}

// replacement is the resolved text for one tag occurrence.
type replacement struct {
	start, end int
	text       string
}

// ResolveFile reads the expanded manuscript, resolves it, and writes
// resolved_manuscript.md into runDir.
func (r *Resolver) ResolveFile(ctx context.Context, input, runDir string, opts Options) (string, Stats, error) {
	data, err := os.ReadFile(input)
	if err != nil {
		return "", Stats{}, fmt.Errorf("failed to read expanded manuscript: %w", err)
	}
	text, stats, err := r.Resolve(ctx, string(data), runDir, opts)
	if err != nil {
		return "", stats, err
	}
	out := ResolvedPath(runDir)
	if err := checkpoint.WriteFileAtomic(out, []byte(text)); err != nil {
		return "", stats, fmt.Errorf("failed to write resolved manuscript: %w", err)
	}
	r.logger.Info("resolved manuscript saved", "path", out, "chars", len(text),
		"assets", stats.Assets, "diagrams", stats.Diagrams, "dropped", stats.DroppedDiagrams)
	return out, stats, nil
}

// Resolve rewrites every tag in text. Asset paths are relative to
// runDir/assets; generated images are written under it.
func (r *Resolver) Resolve(ctx context.Context, text, runDir string, opts Options) (string, Stats, error) {
	var (
		stats   Stats
		statsMu sync.Mutex
	)
	bump := func(f func(*Stats)) {
		statsMu.Lock()
		defer statsMu.Unlock()
		f(&stats)
	}

	assetsDir := filepath.Join(runDir, AssetsDirName)

	// Original assets.
	matches := assetTag.FindAllStringSubmatchIndex(text, -1)
	reps := make([]replacement, len(matches))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for i, m := range matches {
		rel := strings.TrimSpace(text[m[2]:m[3]])
		reps[i] = replacement{start: m[0], end: m[1]}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			src := filepath.Join(assetsDir, filepath.FromSlash(strings.TrimPrefix(rel, "/")))
			if _, err := os.Stat(src); err != nil {
				bump(func(s *Stats) { s.MissingAssets++ })
				return nil
			}
			enhanced, err := Enhance(src, filepath.Join(assetsDir, EnhancedDirName))
			if err != nil {
				r.logger.Warn("image enhancement failed, using original", "asset", rel, "error", err)
				enhanced = src
			}
			reps[i].text = fmt.Sprintf("![Enhanced Figure](%s)", relLink(runDir, enhanced))
			bump(func(s *Stats) { s.Assets++ })
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return "", stats, err
	}
	text = apply(text, reps)

	// New diagrams. Slots are claimed in document order so the cap keeps
	// the earliest diagrams.
	genDir := filepath.Join(assetsDir, GeneratedDirName)
	matches = diagramTag.FindAllStringSubmatchIndex(text, -1)
	reps = make([]replacement, len(matches))
	g, gctx = errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for i, m := range matches {
		reps[i] = replacement{start: m[0], end: m[1]}
		if !r.budget.claim() {
			bump(func(s *Stats) { s.DroppedDiagrams++ })
			continue
		}
		subject, caption := r.parseRequest(text, m)
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			path, placeholder, err := r.diagram(gctx, subject, genDir, opts)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				r.logger.Warn("diagram failed, dropping tag", "subject", truncate(subject, 60), "error", err)
				return nil
			}
			reps[i].text = fmt.Sprintf("![%s](%s)", caption, relLink(runDir, path))
			bump(func(s *Stats) {
				s.Diagrams++
				if placeholder {
					s.Placeholders++
				}
			})
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return "", stats, err
	}
	return apply(text, reps), stats, nil
}

// parseRequest extracts subject and caption from a diagram tag match.
func (r *Resolver) parseRequest(text string, m []int) (subject, caption string) {
	if m[2] >= 0 {
		raw := text[m[2]:m[3]]
		var req struct {
			Subject string `json:"subject"`
			Caption string `json:"caption"`
		}
		flat := json.RawMessage(strings.ReplaceAll(raw, "\n", " "))
		if r.schema.Validate(flat) == nil && json.Unmarshal(flat, &req) == nil {
			subject = strings.TrimSpace(req.Subject)
			caption = strings.TrimSpace(req.Caption)
		} else {
			subject = strings.TrimSpace(raw)
			caption = "Diagram"
		}
	} else {
		subject = strings.TrimSpace(text[m[4]:m[5]])
	}
	if caption == "" {
		caption = defaultCaption(subject)
	}
	return subject, strings.ReplaceAll(caption, "]", ")")
}

// diagram returns the image for subject, generating it if needed.
func (r *Resolver) diagram(ctx context.Context, subject, dir string, opts Options) (string, bool, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", false, err
	}
	path := filepath.Join(dir, DiagramFileName(subject))
	if _, err := os.Stat(path); err == nil {
		return path, false, nil
	}

	if opts.SkipImages || r.generator == nil {
		return path, true, RenderPlaceholder("Placeholder for: "+subject, path)
	}
	if err := r.generator.Generate(ctx, subject, opts.Style, path); err != nil {
		if ctx.Err() != nil {
			return "", false, ctx.Err()
		}
		r.logger.Warn("diagram generation failed, rendering placeholder", "error", err)
		return path, true, RenderPlaceholder("FAILED TO GENERATE: "+subject, path)
	}
	return path, false, nil
}

// DiagramFileName derives a stable file name from a subject.
func DiagramFileName(subject string) string {
	safe := unsafeName.ReplaceAllString(subject, "_")
	if len(safe) > 30 {
		safe = safe[:30]
	}
	return "ai_" + safe + ".png"
}

// DiagramsUsed returns how many new diagram slots have been claimed.
func (r *Resolver) DiagramsUsed() int {
	return r.budget.count()
}

func defaultCaption(subject string) string {
	words := strings.Fields(subject)
	if len(words) > 5 {
		words = words[:5]
	}
	return strings.Join(words, " ") + "..."
}

// apply substitutes non-overlapping replacements given in order.
func apply(text string, reps []replacement) string {
	if len(reps) == 0 {
		return text
	}
	var b strings.Builder
	last := 0
	for _, r := range reps {
		b.WriteString(text[last:r.start])
		b.WriteString(r.text)
		last = r.end
	}
	b.WriteString(text[last:])
	return b.String()
}

func relLink(base, path string) string {
	rel, err := filepath.Rel(base, path)
	if err != nil {
		return filepath.ToSlash(path)
	}
	return filepath.ToSlash(rel)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
