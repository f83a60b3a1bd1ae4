package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecorder(t *testing.T) {
	t.Run("records calls and usage", func(t *testing.T) {
		r := NewRecorder()
		r.RecordLLMCall(CallRecord{JobID: "j1", Stage: "draft", Success: true, PromptTokens: 10, CompletionTokens: 30, Duration: time.Second})
		r.RecordLLMCall(CallRecord{JobID: "j1", Stage: "draft", Kind: "network", Duration: time.Second})
		r.RecordLLMCall(CallRecord{JobID: "j1", Stage: "plan", Success: true, PromptTokens: 5, CompletionTokens: 5})

		if got := testutil.ToFloat64(r.calls.WithLabelValues("draft", "success", "")); got != 1 {
			t.Errorf("draft success calls = %v, want 1", got)
		}
		if got := testutil.ToFloat64(r.calls.WithLabelValues("draft", "error", "network")); got != 1 {
			t.Errorf("draft error calls = %v, want 1", got)
		}

		u := r.Usage("j1")
		if u.Calls != 3 || u.Failures != 1 || u.TotalTokens != 50 {
			t.Errorf("Usage() = %+v", u)
		}
		if u.ByStage["draft"].Calls != 2 || u.ByStage["plan"].TotalTokens != 10 {
			t.Errorf("ByStage = %+v", u.ByStage)
		}
	})

	t.Run("usage snapshot is a copy", func(t *testing.T) {
		r := NewRecorder()
		r.RecordLLMCall(CallRecord{JobID: "j", Stage: "plan", Success: true})
		u := r.Usage("j")
		u.ByStage["plan"] = StageUsage{Calls: 99}
		if r.Usage("j").ByStage["plan"].Calls != 1 {
			t.Error("mutating snapshot changed tracker state")
		}
	})

	t.Run("critic fail open and dlq", func(t *testing.T) {
		r := NewRecorder()
		r.RecordCriticFailOpen("j2")
		r.RecordDLQPush("j2", 2)
		r.RecordUnit("produced", 2)

		if got := testutil.ToFloat64(r.criticOpen); got != 1 {
			t.Errorf("critic fail open = %v, want 1", got)
		}
		if got := testutil.ToFloat64(r.dlqPushes.WithLabelValues("2")); got != 1 {
			t.Errorf("dlq pushes = %v, want 1", got)
		}
		u := r.Usage("j2")
		if u.CriticSkipped != 1 || u.DeadLetters != 1 {
			t.Errorf("Usage() = %+v", u)
		}
		r.ForgetJob("j2")
		if r.Usage("j2").CriticSkipped != 0 {
			t.Error("ForgetJob did not clear usage")
		}
	})

	t.Run("handler exposes metrics", func(t *testing.T) {
		r := NewRecorder()
		r.RecordEventDropped()

		srv := httptest.NewServer(r.Handler())
		defer srv.Close()

		resp, err := srv.Client().Get(srv.URL)
		if err != nil {
			t.Fatalf("GET error = %v", err)
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		if !strings.Contains(string(body), "tome_events_dropped_total 1") {
			t.Error("expected tome_events_dropped_total in exposition")
		}
	})

	t.Run("nil recorder is a no-op", func(t *testing.T) {
		var r *Recorder
		r.RecordLLMCall(CallRecord{Stage: "x"})
		r.RecordUnit("failed", 0)
		r.RecordDLQPush("", 1)
		r.RecordCriticFailOpen("")
		r.RecordEventDropped()
		if u := r.Usage("x"); u.Calls != 0 || u.ByStage != nil {
			t.Error("nil recorder returned usage")
		}
	})
}
