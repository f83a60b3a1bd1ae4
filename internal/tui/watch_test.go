package tui

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/jackzampolin/tome/internal/api"
	"github.com/jackzampolin/tome/internal/jobs"
)

func isQuit(cmd tea.Cmd) bool {
	if cmd == nil {
		return false
	}
	_, ok := cmd().(tea.QuitMsg)
	return ok
}

func TestModel_Update(t *testing.T) {
	m := NewModel(context.Background(), nil, "abc12345")

	eta := 90.0
	next, cmd := m.Update(updateMsg{Status: "processing", Phase: 2, Progress: 37.5, Message: "Phase 2: Expanding content: 3/6", ETA: &eta})
	m = next.(Model)
	if m.done || cmd == nil {
		t.Fatal("expected the model to keep listening after progress")
	}
	view := m.View()
	for _, want := range []string{"2/4 expansion", "37.5%", "Expanding content: 3/6", "1m30s"} {
		if !strings.Contains(view, want) {
			t.Errorf("view missing %q:\n%s", want, view)
		}
	}

	next, _ = m.Update(logsMsg{Logs: []jobs.LogLine{{Level: "INFO", Message: "unit accepted"}}, NextCursor: 1})
	m = next.(Model)
	if m.cursor != 1 || !strings.Contains(m.View(), "unit accepted") {
		t.Errorf("expected log line in view, cursor %d", m.cursor)
	}

	next, cmd = m.Update(updateMsg{Status: "completed", Phase: 4, Progress: 100, PDFPath: "/runs/abc/book.pdf"})
	m = next.(Model)
	if !isQuit(cmd) {
		t.Error("expected quit on terminal event")
	}
	if m.Last().Status != "completed" || !strings.Contains(m.View(), "/runs/abc/book.pdf") {
		t.Errorf("unexpected final state %+v", m.Last())
	}
}

func TestModel_Keys(t *testing.T) {
	m := NewModel(context.Background(), nil, "abc")
	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	if !isQuit(cmd) {
		t.Error("expected q to quit")
	}
}

func TestModel_Stream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/logs") {
			w.Write([]byte(`{"job_id":"abc","logs":[],"next_cursor":0}`))
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, "event: snapshot\ndata: {\"status\":\"processing\",\"current_phase\":1}\n\n")
		io.WriteString(w, "event: progress\ndata: {\"status\":\"failed\",\"current_phase\":2,\"message\":\"Job cancelled. You can resume.\"}\n\n")
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	m := NewModel(ctx, api.NewClient(srv.URL), "abc")
	m.Init()

	var seen []Update
	for {
		msg := m.next()()
		next, _ := m.Update(msg)
		m = next.(Model)
		if u, ok := msg.(updateMsg); ok {
			seen = append(seen, Update(u))
		}
		if m.done {
			break
		}
	}
	if len(seen) != 2 || seen[0].Phase != 1 || !seen[1].Terminal() {
		t.Fatalf("unexpected updates %+v", seen)
	}
	if m.Err() != nil {
		t.Errorf("unexpected error %v", m.Err())
	}
}
