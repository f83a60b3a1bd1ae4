package testutil

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jackzampolin/tome/internal/config"
	"github.com/jackzampolin/tome/internal/home"
)

// MockConfig points runs at the mock provider with budgets small enough
// for a one-unit manuscript and no waiting between retries.
const MockConfig = `defaults:
  provider: mock
expansion:
  target_pages: 1
  chars_per_page: 10
  max_target_chars: 60
  plan_backoff: 1ms
  rate_limit_backoff: 1ms
  call_timeout: 5s
  concurrency: 2
resolution:
  skip_images: true
typesetting:
  engine: markdown
extraction:
  extract_images: false
`

// NewHome creates a home directory under t.TempDir with configYAML as its
// config file, and a manager reading it.
func NewHome(t *testing.T, configYAML string) (*home.Dir, *config.Manager) {
	t.Helper()

	dir := t.TempDir()
	h, err := home.New(dir)
	if err != nil {
		t.Fatalf("failed to create home: %v", err)
	}
	if err := h.EnsureExists(); err != nil {
		t.Fatalf("failed to create home: %v", err)
	}
	if err := os.WriteFile(h.ConfigPath(), []byte(configYAML), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	cm, err := config.NewManager(h.ConfigPath(), dir)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}
	return h, cm
}

// WriteFile writes content to name under t.TempDir and returns its path.
func WriteFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write %s: %v", name, err)
	}
	return path
}

// QuietLogger discards everything.
func QuietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// FindFreePort finds an available TCP port and returns it as a string.
func FindFreePort() (string, error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", err
	}
	defer listener.Close()
	return fmt.Sprintf("%d", listener.Addr().(*net.TCPAddr).Port), nil
}

// WaitForServer polls the /ready endpoint until the server reports ok.
func WaitForServer(url string, timeout time.Duration) error {
	client := &http.Client{Timeout: 2 * time.Second}
	deadline := time.Now().Add(timeout)

	for time.Now().Before(deadline) {
		resp, err := client.Get(url + "/ready")
		if err == nil {
			var ready struct {
				Status string `json:"status"`
			}
			decodeErr := json.NewDecoder(resp.Body).Decode(&ready)
			resp.Body.Close()
			if decodeErr == nil && resp.StatusCode == http.StatusOK && ready.Status == "ok" {
				return nil
			}
		}
		time.Sleep(20 * time.Millisecond)
	}

	return fmt.Errorf("server not ready after %v", timeout)
}

// WaitForShutdown waits for a channel to receive a value or timeout.
func WaitForShutdown(done <-chan error, timeout time.Duration) error {
	select {
	case err := <-done:
		return err
	case <-time.After(timeout):
		return fmt.Errorf("timeout waiting for shutdown")
	}
}
