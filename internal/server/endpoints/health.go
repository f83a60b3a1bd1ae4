package endpoints

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/tome/internal/api"
	"github.com/jackzampolin/tome/internal/svcctx"
	"github.com/jackzampolin/tome/internal/typeset"
)

// HealthResponse is the response for health check endpoints.
type HealthResponse struct {
	Status string `json:"status"`
	Jobs   string `json:"jobs,omitempty"`
	DLQ    string `json:"dlq,omitempty"`
	LLM    string `json:"llm,omitempty"`
}

// HealthEndpoint handles GET /health.
type HealthEndpoint struct{}

func (e *HealthEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/health", e.handler
}

func (e *HealthEndpoint) RequiresInit() bool { return false }

// handler godoc
//
//	@Summary		Liveness check
//	@Tags			health
//	@Produce		json
//	@Success		200	{object}	HealthResponse
//	@Router			/health [get]
func (e *HealthEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}

func (e *HealthEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check server health",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			var resp HealthResponse
			if err := client.Get(cmd.Context(), "/health", &resp); err != nil {
				return err
			}
			fmt.Printf("Status: %s\n", resp.Status)
			return nil
		},
	}
}

// ReadyEndpoint handles GET /ready.
type ReadyEndpoint struct{}

func (e *ReadyEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/ready", e.handler
}

func (e *ReadyEndpoint) RequiresInit() bool { return false }

// handler godoc
//
//	@Summary		Readiness check
//	@Description	Reports whether the job registry, dead letter store and generation services are usable
//	@Tags			health
//	@Produce		json
//	@Success		200	{object}	HealthResponse
//	@Failure		503	{object}	HealthResponse
//	@Router			/ready [get]
func (e *ReadyEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Status: "ok", Jobs: "ok", DLQ: "ok", LLM: "ok"}
	ready := true

	if svcctx.JobsFrom(r.Context()) == nil || svcctx.RunnerFrom(r.Context()) == nil {
		resp.Jobs = "not_initialized"
		ready = false
	}

	store := svcctx.DLQFrom(r.Context())
	switch {
	case store == nil:
		resp.DLQ = "not_initialized"
		ready = false
	case store.Ping(r.Context()) != nil:
		resp.DLQ = "unhealthy"
		ready = false
	}

	// A server without credentials still serves status and jobs; runs fail
	// fast with a configuration error.
	if reg := svcctx.RegistryFrom(r.Context()); reg == nil || len(reg.ListLLM()) == 0 {
		resp.LLM = "none_configured"
	}

	if !ready {
		resp.Status = "degraded"
		writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (e *ReadyEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "ready",
		Short: "Check server readiness",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			var resp HealthResponse
			if err := client.Get(cmd.Context(), "/ready", &resp); err != nil {
				return err
			}
			fmt.Printf("Status: %s\n", resp.Status)
			fmt.Printf("Jobs:   %s\n", resp.Jobs)
			fmt.Printf("DLQ:    %s\n", resp.DLQ)
			fmt.Printf("LLM:    %s\n", resp.LLM)
			return nil
		},
	}
}

// StatusResponse is the detailed status response.
type StatusResponse struct {
	Server      string          `json:"server"`
	Providers   ProvidersStatus `json:"providers"`
	Typesetter  typeset.Status  `json:"typesetter"`
	RunningJobs int             `json:"running_jobs"`
	DeadLetters map[string]int  `json:"dead_letters,omitempty"`
}

// ProvidersStatus shows registered generation services.
type ProvidersStatus struct {
	LLM     []string `json:"llm"`
	Default string   `json:"default,omitempty"`
}

// StatusEndpoint handles GET /status.
type StatusEndpoint struct{}

func (e *StatusEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/status", e.handler
}

func (e *StatusEndpoint) RequiresInit() bool { return false }

// handler godoc
//
//	@Summary		Server status
//	@Description	Registered generation services, typesetter availability and queue counts
//	@Tags			health
//	@Produce		json
//	@Success		200	{object}	StatusResponse
//	@Router			/status [get]
func (e *StatusEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	resp := StatusResponse{Server: "running"}

	if registry := svcctx.RegistryFrom(ctx); registry != nil {
		resp.Providers.LLM = registry.ListLLM()
	}
	if cm := svcctx.ConfigFrom(ctx); cm != nil {
		resp.Providers.Default = cm.Get().Defaults.Provider
	}

	if ts := svcctx.TypesetterFrom(ctx); ts != nil {
		resp.Typesetter = ts.Status(ctx)
	} else {
		resp.Typesetter = typeset.Status{Error: "not_initialized"}
	}

	if registry := svcctx.JobsFrom(ctx); registry != nil {
		for _, job := range registry.List() {
			if registry.Running(job.JobID) {
				resp.RunningJobs++
			}
		}
	}

	if store := svcctx.DLQFrom(ctx); store != nil {
		if summary, err := store.Summary(ctx); err == nil {
			resp.DeadLetters = summary
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

func (e *StatusEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Get detailed server status",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			var resp StatusResponse
			if err := client.Get(cmd.Context(), "/status", &resp); err != nil {
				return err
			}
			if api.IsStructuredOutput() {
				return api.Output(resp)
			}
			fmt.Printf("Server: %s\n", resp.Server)
			fmt.Printf("Providers:\n")
			fmt.Printf("  LLM:     %v\n", resp.Providers.LLM)
			fmt.Printf("  Default: %s\n", resp.Providers.Default)
			fmt.Printf("Typesetter:\n")
			fmt.Printf("  Engine: %s\n", resp.Typesetter.Engine)
			fmt.Printf("  Ready:  %t\n", resp.Typesetter.Ready)
			if resp.Typesetter.URL != "" {
				fmt.Printf("  URL:    %s\n", resp.Typesetter.URL)
			}
			if resp.Typesetter.Error != "" {
				fmt.Printf("  Error:  %s\n", resp.Typesetter.Error)
			}
			fmt.Printf("Running jobs: %d\n", resp.RunningJobs)
			if len(resp.DeadLetters) > 0 {
				fmt.Printf("Dead letters: %v\n", resp.DeadLetters)
			}
			return nil
		},
	}
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// ErrorResponse is a standard error response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}
