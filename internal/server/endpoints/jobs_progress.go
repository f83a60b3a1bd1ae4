package endpoints

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/tome/internal/api"
	"github.com/jackzampolin/tome/internal/jobs"
	"github.com/jackzampolin/tome/internal/svcctx"
	"github.com/jackzampolin/tome/internal/tui"
)

// KeepaliveInterval is how often an idle progress stream sends a comment
// line so proxies keep the connection open.
var KeepaliveInterval = 15 * time.Second

// SSE event names on the progress stream.
const (
	EventSnapshot = "snapshot"
	EventProgress = "progress"
)

// ProgressEndpoint handles GET /api/v1/jobs/{id}/progress.
type ProgressEndpoint struct{ jobsGroup }

func (e *ProgressEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/api/v1/jobs/{id}/progress", e.handler
}

func (e *ProgressEndpoint) RequiresInit() bool { return true }

// handler godoc
//
//	@Summary		Stream job progress
//	@Description	Server-sent events. The first event is a snapshot of the job; progress events follow until the job reaches a terminal state.
//	@Tags			jobs
//	@Produce		text/event-stream
//	@Param			id	path	string	true	"Job ID"
//	@Success		200
//	@Failure		404	{object}	ErrorResponse
//	@Failure		503	{object}	ErrorResponse
//	@Router			/api/v1/jobs/{id}/progress [get]
func (e *ProgressEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	broker := svcctx.BrokerFrom(r.Context())
	if broker == nil {
		writeError(w, http.StatusServiceUnavailable, "event broker not initialized")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	// Subscribe before taking the snapshot so no event falls between them.
	sub, err := broker.Subscribe(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	defer broker.Unsubscribe(sub)

	job, ok := lookupJob(w, r)
	if !ok {
		return
	}
	job.LogLines = nil

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	if err := writeEvent(w, EventSnapshot, job); err != nil {
		return
	}
	flusher.Flush()
	if job.Status.Terminal() {
		return
	}

	keepalive := time.NewTicker(KeepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepalive.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case ev, open := <-sub.Events():
			if !open {
				return
			}
			if err := writeEvent(w, EventProgress, ev); err != nil {
				return
			}
			flusher.Flush()
			if ev.Terminal() {
				return
			}
		}
	}
}

func writeEvent(w http.ResponseWriter, name string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, data)
	return err
}

func (e *ProgressEndpoint) Command(getServerURL func() string) *cobra.Command {
	var raw bool
	cmd := &cobra.Command{
		Use:   "watch <id>",
		Short: "Follow a job's progress until it finishes",
		Long: `Follow a job's progress until it finishes.

The interactive view shows the phase, a progress bar, the ETA and recent
log lines. Press q to detach; the job keeps running. Use --raw to print
one JSON event per line instead.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			return watchJob(cmd.Context(), client, args[0], raw)
		},
	}
	cmd.Flags().BoolVar(&raw, "raw", false, "Print events as JSON lines")
	return cmd
}

// watchJob follows jobID, interactively or as raw JSON lines.
func watchJob(ctx context.Context, client *api.Client, jobID string, raw bool) error {
	if raw {
		return client.Stream(ctx, "/api/v1/jobs/"+jobID+"/progress", func(ev api.ServerEvent) error {
			_, err := fmt.Fprintf(os.Stdout, "%s\n", ev.Data)
			return err
		})
	}

	last, err := tui.Watch(ctx, client, jobID)
	if err != nil {
		return err
	}
	switch jobs.Status(last.Status) {
	case jobs.StatusCompleted:
		fmt.Printf("Job %s completed: %s\n", jobID, last.PDFPath)
		fmt.Printf("Download with: tome api jobs download %s\n", jobID)
	case jobs.StatusFailed:
		return fmt.Errorf("job %s failed: %s", jobID, last.Message)
	default:
		fmt.Printf("Detached from job %s (%s)\n", jobID, last.Status)
	}
	return nil
}
