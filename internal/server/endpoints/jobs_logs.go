package endpoints

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/tome/internal/api"
	"github.com/jackzampolin/tome/internal/jobs"
	"github.com/jackzampolin/tome/internal/svcctx"
)

// JobLogsEndpoint handles GET /api/v1/jobs/{id}/logs.
type JobLogsEndpoint struct{ jobsGroup }

func (e *JobLogsEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/api/v1/jobs/{id}/logs", e.handler
}

func (e *JobLogsEndpoint) RequiresInit() bool { return true }

// handler godoc
//
//	@Summary		Get job logs
//	@Description	Paginated log lines. Pass next_cursor from the previous page to get only new lines.
//	@Tags			jobs
//	@Produce		json
//	@Param			id		path		string	true	"Job ID"
//	@Param			cursor	query		int		false	"Absolute line number to start from"
//	@Param			limit	query		int		false	"Maximum lines to return (default 50)"
//	@Success		200		{object}	jobs.LogPage
//	@Failure		400		{object}	ErrorResponse
//	@Failure		404		{object}	ErrorResponse
//	@Router			/api/v1/jobs/{id}/logs [get]
func (e *JobLogsEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	registry := svcctx.JobsFrom(r.Context())
	if registry == nil {
		writeError(w, http.StatusServiceUnavailable, "job registry not initialized")
		return
	}

	q := r.URL.Query()
	cursor, err := queryInt(q.Get("cursor"), 0)
	if err != nil || cursor < 0 {
		writeError(w, http.StatusBadRequest, "cursor must be a non-negative integer")
		return
	}
	limit, err := queryInt(q.Get("limit"), jobs.DefaultLogLimit)
	if err != nil || limit <= 0 {
		writeError(w, http.StatusBadRequest, "limit must be a positive integer")
		return
	}

	page, err := registry.Logs(r.PathValue("id"), cursor, limit)
	if err != nil {
		if errors.Is(err, jobs.ErrNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func queryInt(v string, def int) (int, error) {
	if v == "" {
		return def, nil
	}
	return strconv.Atoi(v)
}

func (e *JobLogsEndpoint) Command(getServerURL func() string) *cobra.Command {
	var (
		cursor int
		limit  int
		follow bool
	)
	cmd := &cobra.Command{
		Use:   "logs <id>",
		Short: "Show a job's log lines",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			client := api.NewClient(getServerURL())
			id := args[0]
			finished := false

			for {
				var page jobs.LogPage
				path := fmt.Sprintf("/api/v1/jobs/%s/logs?cursor=%d&limit=%d", id, cursor, limit)
				if err := client.Get(ctx, path, &page); err != nil {
					return err
				}
				if !follow {
					return api.Output(page)
				}
				for _, l := range page.Logs {
					fmt.Printf("%s %-5s %s\n", l.Timestamp.Format(time.TimeOnly), l.Level, l.Message)
				}
				cursor = page.NextCursor
				if page.HasMore {
					continue
				}
				if finished {
					return nil
				}

				var job jobs.Job
				if err := client.Get(ctx, "/api/v1/jobs/"+id, &job); err != nil {
					return err
				}
				if job.Status.Terminal() {
					// One more page picks up lines written before the job ended.
					finished = true
					continue
				}
				select {
				case <-ctx.Done():
					return nil
				case <-time.After(2 * time.Second):
				}
			}
		},
	}
	cmd.Flags().IntVar(&cursor, "cursor", 0, "Line number to start from")
	cmd.Flags().IntVar(&limit, "limit", jobs.DefaultLogLimit, "Lines per request")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "Keep printing new lines until the job finishes")
	return cmd
}
