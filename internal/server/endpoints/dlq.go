package endpoints

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/tome/internal/api"
	"github.com/jackzampolin/tome/internal/dlq"
	"github.com/jackzampolin/tome/internal/svcctx"
)

// dlqGroup places an endpoint's command under "tome api dlq".
type dlqGroup struct{}

func (dlqGroup) Group() string      { return "dlq" }
func (dlqGroup) GroupShort() string { return "Inspect and replay dead letters" }

// ListDeadLettersResponse is the response for listing dead letters.
type ListDeadLettersResponse struct {
	Records []dlq.Record `json:"records"`
}

// ListDeadLettersEndpoint handles GET /api/v1/dlq.
type ListDeadLettersEndpoint struct{ dlqGroup }

func (e *ListDeadLettersEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/api/v1/dlq", e.handler
}

func (e *ListDeadLettersEndpoint) RequiresInit() bool { return true }

// handler godoc
//
//	@Summary		List dead letters
//	@Description	Units that exhausted their retries, oldest first
//	@Tags			dlq
//	@Produce		json
//	@Param			status	query		string	false	"pending or resolved (default all)"
//	@Success		200		{object}	ListDeadLettersResponse
//	@Failure		400		{object}	ErrorResponse
//	@Failure		503		{object}	ErrorResponse
//	@Router			/api/v1/dlq [get]
func (e *ListDeadLettersEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	store := svcctx.DLQFrom(r.Context())
	if store == nil {
		writeError(w, http.StatusServiceUnavailable, "dead letter store not initialized")
		return
	}
	status := r.URL.Query().Get("status")
	if status != "" && status != dlq.StatusPending && status != dlq.StatusResolved {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown status %q", status))
		return
	}

	records, err := store.List(r.Context(), status)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if records == nil {
		records = []dlq.Record{}
	}
	writeJSON(w, http.StatusOK, ListDeadLettersResponse{Records: records})
}

func (e *ListDeadLettersEndpoint) Command(getServerURL func() string) *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List dead letters",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			path := "/api/v1/dlq"
			if status != "" {
				path += "?status=" + status
			}
			var resp ListDeadLettersResponse
			if err := client.Get(cmd.Context(), path, &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "Filter by status (pending, resolved)")
	return cmd
}

// GetDeadLetterEndpoint handles GET /api/v1/dlq/{id}.
type GetDeadLetterEndpoint struct{ dlqGroup }

func (e *GetDeadLetterEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/api/v1/dlq/{id}", e.handler
}

func (e *GetDeadLetterEndpoint) RequiresInit() bool { return true }

// handler godoc
//
//	@Summary		Get a dead letter
//	@Tags			dlq
//	@Produce		json
//	@Param			id	path		string	true	"Dead letter ID (job_chunk_N)"
//	@Success		200	{object}	dlq.Record
//	@Failure		404	{object}	ErrorResponse
//	@Router			/api/v1/dlq/{id} [get]
func (e *GetDeadLetterEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	store := svcctx.DLQFrom(r.Context())
	if store == nil {
		writeError(w, http.StatusServiceUnavailable, "dead letter store not initialized")
		return
	}
	rec, err := store.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, dlq.ErrNotFound) {
			writeError(w, http.StatusNotFound, "dead letter not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (e *GetDeadLetterEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show one dead letter",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			var rec dlq.Record
			if err := client.Get(cmd.Context(), "/api/v1/dlq/"+args[0], &rec); err != nil {
				return err
			}
			return api.Output(rec)
		},
	}
}

// DeadLetterSummaryEndpoint handles GET /api/v1/dlq/summary.
type DeadLetterSummaryEndpoint struct{ dlqGroup }

func (e *DeadLetterSummaryEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/api/v1/dlq/summary", e.handler
}

func (e *DeadLetterSummaryEndpoint) RequiresInit() bool { return true }

// handler godoc
//
//	@Summary		Count dead letters by status
//	@Tags			dlq
//	@Produce		json
//	@Success		200	{object}	map[string]int
//	@Failure		503	{object}	ErrorResponse
//	@Router			/api/v1/dlq/summary [get]
func (e *DeadLetterSummaryEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	store := svcctx.DLQFrom(r.Context())
	if store == nil {
		writeError(w, http.StatusServiceUnavailable, "dead letter store not initialized")
		return
	}
	summary, err := store.Summary(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (e *DeadLetterSummaryEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "summary",
		Short: "Count dead letters by status",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			var summary map[string]int
			if err := client.Get(cmd.Context(), "/api/v1/dlq/summary", &summary); err != nil {
				return err
			}
			return api.Output(summary)
		},
	}
}

// ReplayRequest is the optional body of a replay request.
type ReplayRequest struct {
	MaxRetries int `json:"max_retries,omitempty"`
}

// ReplayDeadLettersEndpoint handles POST /api/v1/dlq/replay.
type ReplayDeadLettersEndpoint struct{ dlqGroup }

func (e *ReplayDeadLettersEndpoint) Route() (string, string, http.HandlerFunc) {
	return "POST", "/api/v1/dlq/replay", e.handler
}

func (e *ReplayDeadLettersEndpoint) RequiresInit() bool { return true }

// handler godoc
//
//	@Summary		Replay pending dead letters
//	@Description	Re-runs every pending unit through plan, draft and review. Recovered units are marked resolved and written back to their job's checkpoint.
//	@Tags			dlq
//	@Accept			json
//	@Produce		json
//	@Param			request	body		ReplayRequest	false	"Replay options"
//	@Success		200		{object}	dlq.ReplayReport
//	@Failure		400		{object}	ErrorResponse
//	@Failure		503		{object}	ErrorResponse
//	@Router			/api/v1/dlq/replay [post]
func (e *ReplayDeadLettersEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	store := svcctx.DLQFrom(r.Context())
	p := svcctx.PipelineFrom(r.Context())
	homeDir := svcctx.HomeFrom(r.Context())
	if store == nil || p == nil || homeDir == nil {
		writeError(w, http.StatusServiceUnavailable, "pipeline not initialized")
		return
	}

	var req ReplayRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	report, err := p.ReplayDeadLetters(r.Context(), store, homeDir.RunDir, req.MaxRetries)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (e *ReplayDeadLettersEndpoint) Command(getServerURL func() string) *cobra.Command {
	var maxRetries int
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Replay pending dead letters",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			var report dlq.ReplayReport
			if err := client.Post(cmd.Context(), "/api/v1/dlq/replay", ReplayRequest{MaxRetries: maxRetries}, &report); err != nil {
				return err
			}
			return api.Output(report)
		},
	}
	cmd.Flags().IntVar(&maxRetries, "max-retries", dlq.DefaultMaxRetries, "Attempts per record")
	return cmd
}

// PurgeResponse reports how many records a purge removed.
type PurgeResponse struct {
	Removed int `json:"removed"`
}

// PurgeDeadLettersEndpoint handles POST /api/v1/dlq/purge.
type PurgeDeadLettersEndpoint struct{ dlqGroup }

func (e *PurgeDeadLettersEndpoint) Route() (string, string, http.HandlerFunc) {
	return "POST", "/api/v1/dlq/purge", e.handler
}

func (e *PurgeDeadLettersEndpoint) RequiresInit() bool { return true }

// handler godoc
//
//	@Summary		Delete old resolved dead letters
//	@Tags			dlq
//	@Produce		json
//	@Param			older_than	query		string	false	"Age as a Go duration (default 720h)"
//	@Success		200			{object}	PurgeResponse
//	@Failure		400			{object}	ErrorResponse
//	@Router			/api/v1/dlq/purge [post]
func (e *PurgeDeadLettersEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	store := svcctx.DLQFrom(r.Context())
	if store == nil {
		writeError(w, http.StatusServiceUnavailable, "dead letter store not initialized")
		return
	}
	age := 30 * 24 * time.Hour
	if v := r.URL.Query().Get("older_than"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			writeError(w, http.StatusBadRequest, "older_than must be a non-negative duration")
			return
		}
		age = d
	}
	n, err := store.PurgeResolved(r.Context(), time.Now().Add(-age))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, PurgeResponse{Removed: n})
}

func (e *PurgeDeadLettersEndpoint) Command(getServerURL func() string) *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete resolved dead letters older than a cutoff",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			var resp PurgeResponse
			path := "/api/v1/dlq/purge?older_than=" + olderThan.String()
			if err := client.Post(cmd.Context(), path, nil, &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 30*24*time.Hour, "Only remove records resolved before this age")
	return cmd
}
