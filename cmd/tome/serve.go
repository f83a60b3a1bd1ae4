package main

import (
	"fmt"

	"github.com/spf13/cobra"

	_ "github.com/jackzampolin/tome/docs"
	"github.com/jackzampolin/tome/internal/home"
	"github.com/jackzampolin/tome/internal/server"
)

var (
	serveHost string
	servePort string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the tome server",
	Long: `Start the tome HTTP server.

The server accepts generation jobs, runs them in the background and
streams their progress. When typesetting.engine is gotenberg with
typesetting.docker.manage set, the Gotenberg container is started with the
server and stopped when it shuts down (via Ctrl+C or SIGTERM). Running jobs
are cancelled on shutdown and can be resumed later.

The server provides:
  - /health        - Basic server health check
  - /ready         - Readiness check (job runner, dead letter store, providers)
  - /metrics       - Prometheus metrics
  - /swagger       - API documentation

Examples:
  tome serve                    # Start on default port 8080
  tome serve --port 3000        # Start on custom port
  tome serve --host 0.0.0.0     # Bind to all interfaces`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		logger, err := newLogger()
		if err != nil {
			return err
		}

		h, err := getHome()
		if err != nil {
			return err
		}
		if pid, ok := h.RunningServer(); ok {
			return fmt.Errorf("a server is already running for %s (pid %d)", h.Path(), pid)
		}

		cm, err := loadConfig(h)
		if err != nil {
			return err
		}
		cm.WatchConfig()

		srv, err := server.New(server.Config{
			Host:          serveHost,
			Port:          servePort,
			Home:          h,
			ConfigManager: cm,
			Logger:        logger,
		})
		if err != nil {
			return err
		}

		if err := home.WritePidFile(h.PidPath()); err != nil {
			logger.Warn("failed to write pid file", "error", err)
		}
		defer home.RemovePidFile(h.PidPath())

		// Start server (blocks until shutdown)
		return srv.Start(ctx)
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveHost, "host", "127.0.0.1", "Host to bind to")
	serveCmd.Flags().StringVar(&servePort, "port", "8080", "Port to listen on")

	rootCmd.AddCommand(serveCmd)
}
