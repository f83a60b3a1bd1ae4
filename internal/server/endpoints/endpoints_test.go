package endpoints

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jackzampolin/tome/internal/api"
	"github.com/jackzampolin/tome/internal/config"
	"github.com/jackzampolin/tome/internal/jobs"
	"github.com/jackzampolin/tome/internal/metrics"
	"github.com/jackzampolin/tome/internal/prompts"
	"github.com/jackzampolin/tome/internal/svcctx"
)

func testServices(t *testing.T) *svcctx.Services {
	t.Helper()
	dir := t.TempDir()
	cfgFile := filepath.Join(dir, "config.yaml")
	if err := config.WriteDefault(cfgFile); err != nil {
		t.Fatal(err)
	}
	cm, err := config.NewManager(cfgFile, dir)
	if err != nil {
		t.Fatal(err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return &svcctx.Services{
		Config:  cm,
		Jobs:    jobs.NewRegistry(filepath.Join(dir, "jobs.json"), logger),
		Metrics: metrics.NewRecorder(),
		Prompts: prompts.NewDefaultResolver(filepath.Join(dir, "prompts"), logger),
		Logger:  logger,
	}
}

// serve routes one request through every endpoint with svc in context.
func serve(t *testing.T, svc *svcctx.Services, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	registry := api.NewRegistry()
	for _, ep := range All() {
		registry.Register(ep)
	}
	mux := http.NewServeMux()
	registry.RegisterRoutes(mux, func(next http.HandlerFunc) http.HandlerFunc { return next })

	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	req = req.WithContext(svcctx.WithServices(req.Context(), svc))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
}

func TestRedactSecrets(t *testing.T) {
	got := redactSecrets("providers", map[string]any{
		"openai": map[string]any{"api_key": "sk-live", "model": "gpt-4o-mini"},
		"gemini": map[string]any{"api_key": "${GEMINI_API_KEY}"},
	}).(map[string]any)

	if v := got["openai"].(map[string]any)["api_key"]; v != "****" {
		t.Errorf("literal key not redacted: %v", v)
	}
	if v := got["openai"].(map[string]any)["model"]; v != "gpt-4o-mini" {
		t.Errorf("model changed: %v", v)
	}
	if v := got["gemini"].(map[string]any)["api_key"]; v != "${GEMINI_API_KEY}" {
		t.Errorf("env reference should stay visible: %v", v)
	}
}

func TestSettings(t *testing.T) {
	svc := testServices(t)

	rec := serve(t, svc, "GET", "/api/v1/settings", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("list: status %d", rec.Code)
	}
	var list SettingsResponse
	decode(t, rec, &list)
	if _, ok := list.Settings["expansion.max_revisions"]; !ok {
		t.Error("expected expansion.max_revisions in settings")
	}

	rec = serve(t, svc, "PUT", "/api/v1/settings/expansion.max_revisions", `{"value": 5}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("update: status %d %s", rec.Code, rec.Body.String())
	}
	if got := svc.Config.Get().Expansion.MaxRevisions; got != 5 {
		t.Errorf("max_revisions = %d after update, want 5", got)
	}

	rec = serve(t, svc, "POST", "/api/v1/settings/reset/expansion.max_revisions", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("reset: status %d %s", rec.Code, rec.Body.String())
	}
	if got := svc.Config.Get().Expansion.MaxRevisions; got != 3 {
		t.Errorf("max_revisions = %d after reset, want 3", got)
	}

	tests := []struct {
		method, path, body string
		want               int
	}{
		{"GET", "/api/v1/settings/no.such.key", "", http.StatusNotFound},
		{"GET", "/api/v1/settings/bad%20key", "", http.StatusBadRequest},
		{"PUT", "/api/v1/settings/expansion.max_revisions", "not json", http.StatusBadRequest},
	}
	for _, tt := range tests {
		if rec := serve(t, svc, tt.method, tt.path, tt.body); rec.Code != tt.want {
			t.Errorf("%s %s: status %d, want %d", tt.method, tt.path, rec.Code, tt.want)
		}
	}
}

func TestPrompts(t *testing.T) {
	svc := testServices(t)

	rec := serve(t, svc, "GET", "/api/v1/prompts", "")
	var list PromptsListResponse
	decode(t, rec, &list)
	if len(list.Prompts) != 4 {
		t.Fatalf("expected 4 prompts, got %d", len(list.Prompts))
	}
	for i := 1; i < len(list.Prompts); i++ {
		if list.Prompts[i-1].Key > list.Prompts[i].Key {
			t.Error("prompts not sorted by key")
		}
	}

	path := "/api/v1/prompts/" + prompts.KeyCritic
	rec = serve(t, svc, "PUT", path, `{"text": "Reply APPROVED."}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("set: status %d %s", rec.Code, rec.Body.String())
	}
	var pr PromptResponse
	decode(t, rec, &pr)
	if !pr.IsOverride || pr.Text != "Reply APPROVED." {
		t.Errorf("unexpected override %+v", pr)
	}

	rec = serve(t, svc, "DELETE", path, "")
	decode(t, rec, &pr)
	if pr.IsOverride {
		t.Error("expected override cleared")
	}

	if rec := serve(t, svc, "GET", "/api/v1/prompts/unknown.prompt", ""); rec.Code != http.StatusNotFound {
		t.Errorf("unknown prompt: status %d", rec.Code)
	}
	if rec := serve(t, svc, "PUT", path, `{"text": ""}`); rec.Code != http.StatusBadRequest {
		t.Errorf("empty override: status %d", rec.Code)
	}
	if rec := serve(t, svc, "PUT", path, `{"text": "Review {{.Chapter}}"}`); rec.Code != http.StatusBadRequest {
		t.Errorf("unknown variable: status %d", rec.Code)
	}
}

func TestJobLogs(t *testing.T) {
	svc := testServices(t)
	job, err := svc.Jobs.Create(jobs.Config{InputPath: "in.txt"})
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 5; i++ {
		svc.Jobs.AppendLog(job.JobID, "INFO", "pipeline", "line")
	}

	rec := serve(t, svc, "GET", "/api/v1/jobs/"+job.JobID+"/logs?cursor=2&limit=2", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("logs: status %d", rec.Code)
	}
	var page jobs.LogPage
	decode(t, rec, &page)
	if len(page.Logs) != 2 || page.NextCursor != 4 || !page.HasMore {
		t.Errorf("unexpected page %+v", page)
	}

	for _, q := range []string{"cursor=-1", "limit=0", "cursor=abc"} {
		if rec := serve(t, svc, "GET", "/api/v1/jobs/"+job.JobID+"/logs?"+q, ""); rec.Code != http.StatusBadRequest {
			t.Errorf("%s: status %d, want 400", q, rec.Code)
		}
	}
	if rec := serve(t, svc, "GET", "/api/v1/jobs/missing/logs", ""); rec.Code != http.StatusNotFound {
		t.Errorf("unknown job: status %d", rec.Code)
	}
}

func TestDownload_NotReady(t *testing.T) {
	svc := testServices(t)
	job, err := svc.Jobs.Create(jobs.Config{InputPath: "in.txt"})
	if err != nil {
		t.Fatal(err)
	}
	if rec := serve(t, svc, "GET", "/api/v1/jobs/"+job.JobID+"/download", ""); rec.Code != http.StatusConflict {
		t.Errorf("pending job: status %d, want 409", rec.Code)
	}

	artifact := filepath.Join(t.TempDir(), "book.md")
	if err := os.WriteFile(artifact, []byte("# Book\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Jobs.Update(job.JobID, false, func(j *jobs.Job) {
		j.Status = jobs.StatusCompleted
		j.PDFPath = artifact
	}); err != nil {
		t.Fatal(err)
	}
	rec := serve(t, svc, "GET", "/api/v1/jobs/"+job.JobID+"/download", "")
	if rec.Code != http.StatusOK || rec.Body.String() != "# Book\n" {
		t.Errorf("download: status %d body %q", rec.Code, rec.Body.String())
	}
	if cd := rec.Header().Get("Content-Disposition"); !strings.Contains(cd, "tome-"+job.JobID+".md") {
		t.Errorf("Content-Disposition = %q", cd)
	}
}

func TestReady_Degraded(t *testing.T) {
	rec := serve(t, testServices(t), "GET", "/ready", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status %d, want 503", rec.Code)
	}
	var resp HealthResponse
	decode(t, rec, &resp)
	if resp.Status != "degraded" {
		t.Errorf("status = %q", resp.Status)
	}
}
