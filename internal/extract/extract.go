// Package extract turns an input document into the tagged manuscript the
// expansion phase consumes. Plain text and Markdown inputs are copied.
// PDF inputs are validated with pdfcpu, their text is pulled with an
// external command, and their embedded images are saved as assets and
// referenced inline with [ORIGINAL_ASSET: path] tags.
package extract

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"

	"github.com/jackzampolin/tome/internal/checkpoint"
)

// Layout inside a run directory.
const (
	ManuscriptFileName = "tagged_manuscript.txt"
	AssetsDirName      = "assets"
	ImagesDirName      = "extracted_images"
)

// DefaultTextCommand extracts PDF text with poppler's pdftotext.
const DefaultTextCommand = "pdftotext -layout {input} {output}"

// MinManuscriptChars is the shortest manuscript accepted from a PDF.
// Anything shorter is almost certainly a scan without a text layer.
const MinManuscriptChars = 100

var (
	// ErrUnsupportedInput is returned for file types that cannot be read.
	ErrUnsupportedInput = errors.New("unsupported input type")
	// ErrNoTextLayer is returned when a PDF yields (almost) no text.
	ErrNoTextLayer = errors.New("extracted text is too short; the PDF is probably scanned and has no text layer")
)

// Config configures an Extractor.
type Config struct {
	TextCommand   string
	ExtractImages bool
	MinImageSide  int
	Logger        *slog.Logger
}

// Options are per-run extraction settings.
type Options struct {
	SkipImages bool
	// Reuse keeps an existing manuscript instead of extracting again.
	Reuse bool
}

// Result describes what extraction produced.
type Result struct {
	ManuscriptPath string `json:"manuscript_path"`
	Pages          int    `json:"pages"`
	Images         int    `json:"images"`
	Discarded      int    `json:"discarded"`
	Chars          int    `json:"chars"`
	Reused         bool   `json:"reused,omitempty"`
}

// Extractor produces tagged manuscripts.
type Extractor struct {
	textCommand   string
	extractImages bool
	minImageSide  int
	logger        *slog.Logger
}

// New creates an Extractor.
func New(cfg Config) *Extractor {
	if cfg.TextCommand == "" {
		cfg.TextCommand = DefaultTextCommand
	}
	if cfg.MinImageSide <= 0 {
		cfg.MinImageSide = DefaultMinImageSide
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Extractor{
		textCommand:   cfg.TextCommand,
		extractImages: cfg.ExtractImages,
		minImageSide:  cfg.MinImageSide,
		logger:        logger.With("component", "extract"),
	}
}

// ManuscriptPath returns the manuscript location inside runDir.
func ManuscriptPath(runDir string) string {
	return filepath.Join(runDir, ManuscriptFileName)
}

// ImagesDir returns the extracted image directory inside runDir.
func ImagesDir(runDir string) string {
	return filepath.Join(runDir, AssetsDirName, ImagesDirName)
}

// Extract writes the tagged manuscript for input into runDir.
func (e *Extractor) Extract(ctx context.Context, input, runDir string, opts Options) (*Result, error) {
	out := ManuscriptPath(runDir)

	if opts.Reuse {
		if data, err := os.ReadFile(out); err == nil && len(strings.TrimSpace(string(data))) > 0 {
			e.logger.Info("reusing existing manuscript", "path", out, "chars", len(data))
			return &Result{ManuscriptPath: out, Chars: len(data), Reused: true}, nil
		}
	}

	if _, err := os.Stat(input); err != nil {
		return nil, fmt.Errorf("input document: %w", err)
	}

	switch strings.ToLower(filepath.Ext(input)) {
	case ".txt", ".md", ".markdown":
		data, err := os.ReadFile(input)
		if err != nil {
			return nil, fmt.Errorf("failed to read input: %w", err)
		}
		if err := checkpoint.WriteFileAtomic(out, data); err != nil {
			return nil, fmt.Errorf("failed to write manuscript: %w", err)
		}
		e.logger.Info("copied text manuscript", "path", out, "chars", len(data))
		return &Result{ManuscriptPath: out, Chars: len(data)}, nil
	case ".pdf":
		return e.extractPDF(ctx, input, runDir, opts)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedInput, filepath.Ext(input))
	}
}

func (e *Extractor) extractPDF(ctx context.Context, input, runDir string, opts Options) (*Result, error) {
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed

	f, err := os.Open(input)
	if err != nil {
		return nil, fmt.Errorf("failed to open PDF: %w", err)
	}
	pageCount, err := api.PageCount(f, conf)
	f.Close()
	if err != nil {
		return nil, fmt.Errorf("failed to read PDF %s: %w", filepath.Base(input), err)
	}
	e.logger.Info("discovered PDF", "file", filepath.Base(input), "pages", pageCount)

	pages, err := e.extractText(ctx, input)
	if err != nil {
		return nil, err
	}

	res := &Result{ManuscriptPath: ManuscriptPath(runDir), Pages: pageCount}

	if e.extractImages && !opts.SkipImages {
		assets, discarded, err := e.extractAssets(ctx, input, runDir, conf)
		if err != nil {
			// Images are an enhancement; text alone is still a usable manuscript.
			e.logger.Warn("image extraction failed, continuing with text only", "error", err)
		}
		res.Images = len(assets)
		res.Discarded = discarded
		for _, a := range assets {
			if a.Page >= 1 && a.Page <= len(pages) {
				pages[a.Page-1] = append(pages[a.Page-1], a.Tag())
			} else if len(pages) > 0 {
				pages[len(pages)-1] = append(pages[len(pages)-1], a.Tag())
			}
		}
	}

	manuscript := assemble(pages)
	if len(manuscript) < MinManuscriptChars {
		return nil, fmt.Errorf("%w (%d chars)", ErrNoTextLayer, len(manuscript))
	}
	if err := checkpoint.WriteFileAtomic(res.ManuscriptPath, []byte(manuscript)); err != nil {
		return nil, fmt.Errorf("failed to write manuscript: %w", err)
	}
	res.Chars = len(manuscript)
	e.logger.Info("saved tagged manuscript", "path", res.ManuscriptPath, "chars", res.Chars, "images", res.Images)
	return res, nil
}

// extractText runs the text command and returns the paragraphs of each
// page. pdftotext separates pages with form feeds.
func (e *Extractor) extractText(ctx context.Context, input string) ([][]string, error) {
	tmpDir, err := os.MkdirTemp("", "tome-text-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp dir: %w", err)
	}
	defer os.RemoveAll(tmpDir)
	output := filepath.Join(tmpDir, "text.txt")

	args := strings.Fields(e.textCommand)
	if len(args) == 0 {
		return nil, fmt.Errorf("empty text extraction command")
	}
	for i, a := range args {
		a = strings.ReplaceAll(a, "{input}", input)
		args[i] = strings.ReplaceAll(a, "{output}", output)
	}

	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	combined, err := cmd.CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("%s failed: %w (output: %s)", args[0], err, strings.TrimSpace(string(combined)))
	}
	data, err := os.ReadFile(output)
	if err != nil {
		return nil, fmt.Errorf("text command did not create expected output: %w", err)
	}
	return SplitPages(string(data)), nil
}

// SplitPages splits form-feed separated text into per-page paragraphs.
func SplitPages(text string) [][]string {
	raw := strings.Split(text, "\f")
	for len(raw) > 0 && strings.TrimSpace(raw[len(raw)-1]) == "" {
		raw = raw[:len(raw)-1]
	}
	pages := make([][]string, len(raw))
	for i, p := range raw {
		for _, para := range strings.Split(strings.ReplaceAll(p, "\r\n", "\n"), "\n\n") {
			if s := strings.TrimSpace(para); s != "" {
				pages[i] = append(pages[i], s)
			}
		}
	}
	return pages
}

func assemble(pages [][]string) string {
	var b strings.Builder
	for i, items := range pages {
		if len(items) == 0 {
			continue
		}
		fmt.Fprintf(&b, "\n\n--- Page %d ---\n\n%s", i+1, strings.Join(items, "\n\n"))
	}
	return strings.TrimSpace(b.String())
}
