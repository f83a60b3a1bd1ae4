package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/jackzampolin/tome/internal/home"
	"github.com/jackzampolin/tome/internal/providers"
	"github.com/jackzampolin/tome/internal/structure"
	"github.com/jackzampolin/tome/internal/testutil"
	"github.com/jackzampolin/tome/internal/unit"
)

const manuscript = "Centrifugal pumps move fluid by converting rotational energy.\n\n" +
	"The impeller accelerates the fluid outward into the volute casing."

var expandedDraft = strings.Repeat("Centrifugal pumps convert shaft work into fluid energy. ", 3) +
	"[NEW_DIAGRAM: pump cross section] The impeller is the heart of the pump."

const chapterJSON = `{"type":"chapter","title":null,"sections":[` +
	`{"type":"heading","level":2,"text":"1.1. Pumps"},` +
	`{"type":"paragraph","text":"Centrifugal pumps convert shaft work into fluid energy."}]}`

func newMock() *providers.MockClient {
	return providers.NewMockClient().
		On(unit.StagePlan, func(*providers.ChatRequest) (string, error) { return "1. Add a derivation.", nil }).
		On(unit.StageDraft, func(*providers.ChatRequest) (string, error) { return expandedDraft, nil }).
		On(unit.StageCritic, func(*providers.ChatRequest) (string, error) { return "APPROVED", nil }).
		On(structure.StageStructure, func(*providers.ChatRequest) (string, error) { return chapterJSON, nil })
}

// testConfig builds a Config backed by a temporary home whose config file
// points runs at the mock provider.
func testConfig(t *testing.T, client providers.LLMClient) Config {
	t.Helper()
	h, cm := testutil.NewHome(t, testutil.MockConfig)
	port, err := testutil.FindFreePort()
	if err != nil {
		t.Fatal(err)
	}

	registry := providers.NewRegistry()
	if client != nil {
		registry.RegisterLLM(providers.MockClientName, client)
	}
	return Config{
		Host:          "127.0.0.1",
		Port:          port,
		Home:          h,
		ConfigManager: cm,
		Registry:      registry,
		Logger:        testutil.QuietLogger(),
	}
}

func TestNew_Defaults(t *testing.T) {
	srv, err := New(Config{Home: mustHome(t), Logger: testutil.QuietLogger()})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if srv.Addr() != "127.0.0.1:8080" {
		t.Errorf("addr = %q, want 127.0.0.1:8080", srv.Addr())
	}
	if srv.IsRunning() {
		t.Error("server should not be running before Start")
	}
	if srv.Services() != nil {
		t.Error("services should be nil before Start")
	}
	if srv.Registry() == nil {
		t.Error("expected a provider registry")
	}
}

func mustHome(t *testing.T) *home.Dir {
	t.Helper()
	h, err := home.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return h
}

func TestServer_RequireInitBeforeStart(t *testing.T) {
	srv, err := New(testConfig(t, newMock()))
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		method string
		path   string
		want   int
	}{
		{"GET", "/health", http.StatusOK},
		{"GET", "/ready", http.StatusServiceUnavailable},
		{"GET", "/api/v1/jobs", http.StatusServiceUnavailable},
		{"POST", "/api/v1/generate", http.StatusServiceUnavailable},
		{"GET", "/api/v1/dlq/summary", http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			rec := httptest.NewRecorder()
			srv.Handler().ServeHTTP(rec, httptest.NewRequest(tt.method, tt.path, nil))
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d (body %s)", rec.Code, tt.want, rec.Body.String())
			}
		})
	}
}

func TestServer_HealthBody(t *testing.T) {
	srv, err := New(testConfig(t, nil))
	if err != nil {
		t.Fatal(err)
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/health", nil))

	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["status"] != "ok" {
		t.Errorf("status = %v, want ok", body["status"])
	}
}
