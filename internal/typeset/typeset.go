// Package typeset renders a structured book into its final artifact.
// The markdown engine writes book.md next to the run's assets. The
// gotenberg engine sends the same Markdown to a Gotenberg server, which
// may be a container this package manages, and writes book.pdf.
package typeset

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"

	"github.com/jackzampolin/tome/internal/checkpoint"
	"github.com/jackzampolin/tome/internal/structure"
)

// Engine names.
const (
	EngineMarkdown  = "markdown"
	EngineGotenberg = "gotenberg"
)

// Artifact file names.
const (
	MarkdownFileName = "book.md"
	PDFFileName      = "book.pdf"
)

// ErrUnknownEngine is returned for an unsupported engine name.
var ErrUnknownEngine = errors.New("unknown typesetting engine")

// Typesetter renders chapters into runDir and returns the artifact path.
type Typesetter interface {
	Name() string
	Render(ctx context.Context, chapters []structure.Chapter, runDir string, meta Meta) (string, error)
	Status(ctx context.Context) Status
}

// Status reports whether a typesetter can render right now.
type Status struct {
	Engine string `json:"engine"`
	Ready  bool   `json:"ready"`
	URL    string `json:"url,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Config selects and configures an engine.
type Config struct {
	Engine       string
	GotenbergURL string
	Docker       *DockerManager
	Timeout      time.Duration
	Logger       *slog.Logger
}

// New returns the configured Typesetter.
func New(cfg Config) (Typesetter, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "typeset")

	switch cfg.Engine {
	case "", EngineMarkdown:
		return &MarkdownEngine{logger: logger}, nil
	case EngineGotenberg:
		url := cfg.GotenbergURL
		if url == "" && cfg.Docker != nil {
			url = cfg.Docker.URL()
		}
		if url == "" {
			return nil, fmt.Errorf("gotenberg engine needs a url or a managed container")
		}
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 5 * time.Minute
		}
		return &GotenbergEngine{
			url:    strings.TrimRight(url, "/"),
			docker: cfg.Docker,
			client: &http.Client{Timeout: timeout},
			logger: logger,
		}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEngine, cfg.Engine)
	}
}

// MarkdownEngine writes book.md.
type MarkdownEngine struct {
	logger *slog.Logger
}

func (e *MarkdownEngine) Name() string { return EngineMarkdown }

func (e *MarkdownEngine) Status(context.Context) Status {
	return Status{Engine: EngineMarkdown, Ready: true}
}

// Render writes the Markdown book into runDir.
func (e *MarkdownEngine) Render(ctx context.Context, chapters []structure.Chapter, runDir string, meta Meta) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	out := filepath.Join(runDir, MarkdownFileName)
	doc := RenderMarkdown(chapters, meta)
	if err := checkpoint.WriteFileAtomic(out, []byte(doc)); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", MarkdownFileName, err)
	}
	e.logger.Info("markdown book written", "path", out, "chapters", len(chapters), "chars", len(doc))
	return out, nil
}

// GotenbergEngine converts the Markdown book to PDF with Gotenberg.
type GotenbergEngine struct {
	url    string
	docker *DockerManager
	client *http.Client
	logger *slog.Logger
}

func (e *GotenbergEngine) Name() string { return EngineGotenberg }

// Status probes the server health endpoint.
func (e *GotenbergEngine) Status(ctx context.Context) Status {
	st := Status{Engine: EngineGotenberg, URL: e.url}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.url+"/health", nil)
	if err != nil {
		st.Error = err.Error()
		return st
	}
	resp, err := e.client.Do(req)
	if err != nil {
		st.Error = err.Error()
		return st
	}
	resp.Body.Close()
	st.Ready = resp.StatusCode == http.StatusOK
	if !st.Ready {
		st.Error = fmt.Sprintf("health status %d", resp.StatusCode)
	}
	return st
}

const indexHTML = `<!doctype html>
<html>
<head>
<meta charset="utf-8">
<title>%s</title>
<style>
body { font-family: Georgia, serif; font-size: 11pt; line-height: 1.5; margin: 0 1.5cm; }
h1 { page-break-before: always; }
h1:first-of-type { page-break-before: avoid; }
img { max-width: 100%%; display: block; margin: 1em auto; }
blockquote { border-left: 3px solid #888; margin-left: 0; padding-left: 1em; }
</style>
</head>
<body>
{{ toHTML "book.md" }}
</body>
</html>
`

var imageRef = regexp.MustCompile(`!\[([^\]]*)\]\(([^)\s]+)\)`)

// Render posts the book to Gotenberg and writes book.pdf. The Markdown
// is also kept as book.md.
func (e *GotenbergEngine) Render(ctx context.Context, chapters []structure.Chapter, runDir string, meta Meta) (string, error) {
	if e.docker != nil {
		if err := e.docker.Start(ctx); err != nil {
			return "", fmt.Errorf("failed to start gotenberg container: %w", err)
		}
	}

	doc := RenderMarkdown(chapters, meta)
	if err := checkpoint.WriteFileAtomic(filepath.Join(runDir, MarkdownFileName), []byte(doc)); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", MarkdownFileName, err)
	}
	doc, images := flattenImages(doc, runDir)

	body, contentType, err := buildForm(fmt.Sprintf(indexHTML, meta.Title), doc, images)
	if err != nil {
		return "", err
	}

	pdf, err := retry.DoWithData(
		func() ([]byte, error) {
			return e.convert(ctx, body, contentType)
		},
		retry.Context(ctx),
		retry.Attempts(3),
		retry.Delay(2*time.Second),
		retry.RetryIf(func(err error) bool {
			var se *statusError
			return !errors.As(err, &se) || se.code >= 500
		}),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return "", fmt.Errorf("gotenberg conversion failed: %w", err)
	}

	out := filepath.Join(runDir, PDFFileName)
	if err := checkpoint.WriteFileAtomic(out, pdf); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", PDFFileName, err)
	}
	pages, err := ValidatePDF(out)
	if err != nil {
		return "", err
	}
	e.logger.Info("pdf book written", "path", out, "pages", pages, "bytes", len(pdf))
	return out, nil
}

type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("status %d: %s", e.code, e.body)
}

func (e *GotenbergEngine) convert(ctx context.Context, body []byte, contentType string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		e.url+"/forms/chromium/convert/markdown", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		msg := strings.TrimSpace(string(data))
		if len(msg) > 200 {
			msg = msg[:200]
		}
		return nil, &statusError{code: resp.StatusCode, body: msg}
	}
	return data, nil
}

// flattenImages rewrites local image links to bare file names, since
// Gotenberg serves every uploaded file from one directory. It returns the
// rewritten Markdown and the upload name to path map.
func flattenImages(doc, runDir string) (string, map[string]string) {
	images := map[string]string{}
	out := imageRef.ReplaceAllStringFunc(doc, func(m string) string {
		parts := imageRef.FindStringSubmatch(m)
		ref := parts[2]
		if strings.Contains(ref, "://") {
			return m
		}
		path := ref
		if !filepath.IsAbs(path) {
			path = filepath.Join(runDir, filepath.FromSlash(ref))
		}
		if _, err := os.Stat(path); err != nil {
			return ""
		}
		name := filepath.Base(path)
		if prev, ok := images[name]; ok && prev != path {
			name = fmt.Sprintf("%d_%s", len(images), name)
		}
		images[name] = path
		return fmt.Sprintf("![%s](%s)", parts[1], name)
	})
	return out, images
}

func buildForm(index, markdown string, images map[string]string) ([]byte, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	add := func(name string, r io.Reader) error {
		part, err := w.CreateFormFile("files", name)
		if err != nil {
			return err
		}
		_, err = io.Copy(part, r)
		return err
	}
	if err := add("index.html", strings.NewReader(index)); err != nil {
		return nil, "", err
	}
	if err := add(MarkdownFileName, strings.NewReader(markdown)); err != nil {
		return nil, "", err
	}
	for name, path := range images {
		f, err := os.Open(path)
		if err != nil {
			return nil, "", err
		}
		err = add(name, f)
		f.Close()
		if err != nil {
			return nil, "", fmt.Errorf("attach %s: %w", name, err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), w.FormDataContentType(), nil
}

// ValidatePDF checks that path is a readable PDF and returns its page
// count.
func ValidatePDF(path string) (int, error) {
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed

	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	pages, err := api.PageCount(f, conf)
	if err != nil {
		return 0, fmt.Errorf("rendered PDF is invalid: %w", err)
	}
	if pages == 0 {
		return 0, fmt.Errorf("rendered PDF has no pages")
	}
	return pages, nil
}
