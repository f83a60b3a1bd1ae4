package endpoints

import (
	"context"
	"errors"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/tome/internal/api"
	"github.com/jackzampolin/tome/internal/jobs"
	"github.com/jackzampolin/tome/internal/svcctx"
)

// jobsGroup places an endpoint's command under "tome api jobs".
type jobsGroup struct{}

func (jobsGroup) Group() string      { return "jobs" }
func (jobsGroup) GroupShort() string { return "Inspect and control jobs" }

// lookupJob fetches the job named by the {id} path value, writing the error
// response itself when it cannot.
func lookupJob(w http.ResponseWriter, r *http.Request) (*jobs.Job, bool) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "job id is required")
		return nil, false
	}
	registry := svcctx.JobsFrom(r.Context())
	if registry == nil {
		writeError(w, http.StatusServiceUnavailable, "job registry not initialized")
		return nil, false
	}
	job, err := registry.Get(id)
	if err != nil {
		if errors.Is(err, jobs.ErrNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return nil, false
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return nil, false
	}
	return withUsage(r.Context(), job), true
}

// withUsage fills in live usage for jobs whose run has not recorded it yet.
func withUsage(ctx context.Context, job *jobs.Job) *jobs.Job {
	if job.Usage != nil {
		return job
	}
	rec := svcctx.MetricsFrom(ctx)
	if rec == nil {
		return job
	}
	if u := rec.Usage(job.JobID); u.Calls > 0 {
		job.Usage = &u
	}
	return job
}

// ListJobsResponse is the response for listing jobs.
type ListJobsResponse struct {
	Jobs []*jobs.Job `json:"jobs"`
}

// ListJobsEndpoint handles GET /api/v1/jobs.
type ListJobsEndpoint struct{ jobsGroup }

func (e *ListJobsEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/api/v1/jobs", e.handler
}

func (e *ListJobsEndpoint) RequiresInit() bool { return true }

// handler godoc
//
//	@Summary		List jobs
//	@Description	All known jobs, newest first
//	@Tags			jobs
//	@Produce		json
//	@Param			status	query		string	false	"Filter by status"
//	@Success		200		{object}	ListJobsResponse
//	@Failure		503		{object}	ErrorResponse
//	@Router			/api/v1/jobs [get]
func (e *ListJobsEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	registry := svcctx.JobsFrom(r.Context())
	if registry == nil {
		writeError(w, http.StatusServiceUnavailable, "job registry not initialized")
		return
	}

	status := jobs.Status(r.URL.Query().Get("status"))
	resp := ListJobsResponse{Jobs: []*jobs.Job{}}
	for _, job := range registry.List() {
		if status != "" && job.Status != status {
			continue
		}
		// Logs are served by the logs endpoint.
		job.LogLines = nil
		resp.Jobs = append(resp.Jobs, withUsage(r.Context(), job))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (e *ListJobsEndpoint) Command(getServerURL func() string) *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			path := "/api/v1/jobs"
			if status != "" {
				path += "?status=" + status
			}
			var resp ListJobsResponse
			if err := client.Get(cmd.Context(), path, &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "Filter by status (pending, processing, completed, failed)")
	return cmd
}

// GetJobEndpoint handles GET /api/v1/jobs/{id}.
type GetJobEndpoint struct{ jobsGroup }

func (e *GetJobEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/api/v1/jobs/{id}", e.handler
}

func (e *GetJobEndpoint) RequiresInit() bool { return true }

// handler godoc
//
//	@Summary		Get job by ID
//	@Description	Snapshot of a job's status, progress, configuration and usage
//	@Tags			jobs
//	@Produce		json
//	@Param			id	path		string	true	"Job ID"
//	@Success		200	{object}	jobs.Job
//	@Failure		404	{object}	ErrorResponse
//	@Failure		503	{object}	ErrorResponse
//	@Router			/api/v1/jobs/{id} [get]
func (e *GetJobEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	job, ok := lookupJob(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (e *GetJobEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Get a job snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			var job jobs.Job
			if err := client.Get(cmd.Context(), "/api/v1/jobs/"+args[0], &job); err != nil {
				return err
			}
			return api.Output(job)
		},
	}
}

// CancelJobResponse is the response for a cancellation request.
type CancelJobResponse struct {
	JobID   string `json:"job_id"`
	Message string `json:"message"`
}

// CancelJobEndpoint handles POST /api/v1/jobs/{id}/cancel.
type CancelJobEndpoint struct{ jobsGroup }

func (e *CancelJobEndpoint) Route() (string, string, http.HandlerFunc) {
	return "POST", "/api/v1/jobs/{id}/cancel", e.handler
}

func (e *CancelJobEndpoint) RequiresInit() bool { return true }

// handler godoc
//
//	@Summary		Cancel a job
//	@Description	Stops a processing job. The job fails as recoverable and can be resumed.
//	@Tags			jobs
//	@Produce		json
//	@Param			id	path		string	true	"Job ID"
//	@Success		202	{object}	CancelJobResponse
//	@Failure		404	{object}	ErrorResponse
//	@Failure		409	{object}	ErrorResponse
//	@Failure		503	{object}	ErrorResponse
//	@Router			/api/v1/jobs/{id}/cancel [post]
func (e *CancelJobEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	runner := svcctx.RunnerFrom(r.Context())
	if runner == nil {
		writeError(w, http.StatusServiceUnavailable, "job runner not initialized")
		return
	}
	id := r.PathValue("id")
	if err := runner.Cancel(id); err != nil {
		switch {
		case errors.Is(err, jobs.ErrNotFound):
			writeError(w, http.StatusNotFound, "job not found")
		case errors.Is(err, jobs.ErrNotRunning):
			writeError(w, http.StatusConflict, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusAccepted, CancelJobResponse{JobID: id, Message: "Cancellation requested"})
}

func (e *CancelJobEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a running job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			var resp CancelJobResponse
			if err := client.Post(cmd.Context(), "/api/v1/jobs/"+args[0]+"/cancel", nil, &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
}
