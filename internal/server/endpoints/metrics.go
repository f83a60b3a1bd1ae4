package endpoints

import (
	"bytes"
	"fmt"
	"net/http"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/tome/internal/api"
	"github.com/jackzampolin/tome/internal/svcctx"
)

// MetricsEndpoint handles GET /metrics.
type MetricsEndpoint struct{}

func (e *MetricsEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/metrics", e.handler
}

func (e *MetricsEndpoint) RequiresInit() bool { return false }

// handler godoc
//
//	@Summary		Prometheus metrics
//	@Description	Generation call counts, latencies and tokens, unit outcomes and dead letter pushes
//	@Tags			health
//	@Produce		plain
//	@Success		200
//	@Failure		503	{object}	ErrorResponse
//	@Router			/metrics [get]
func (e *MetricsEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	rec := svcctx.MetricsFrom(r.Context())
	if rec == nil {
		writeError(w, http.StatusServiceUnavailable, "metrics not initialized")
		return
	}
	rec.Handler().ServeHTTP(w, r)
}

func (e *MetricsEndpoint) Command(getServerURL func() string) *cobra.Command {
	var filter string
	cmd := &cobra.Command{
		Use:   "metrics",
		Short: "Print the server's Prometheus metrics",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			var body bytes.Buffer
			if _, err := client.Download(cmd.Context(), "/metrics", &body); err != nil {
				return err
			}
			for _, line := range strings.Split(body.String(), "\n") {
				if line == "" || strings.HasPrefix(line, "#") {
					continue
				}
				if filter != "" && !strings.Contains(line, filter) {
					continue
				}
				fmt.Println(line)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&filter, "filter", "tome_", "Only print series containing this text")
	return cmd
}
