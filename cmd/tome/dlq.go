package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/tome/internal/api"
	"github.com/jackzampolin/tome/internal/dlq"
	"github.com/jackzampolin/tome/internal/metrics"
)

var dlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: "Inspect and replay the local dead letter store",
	Long: `Units that fail every retry are kept in the dead letter store
(~/.tome/dlq.db) together with their source text and last error.

These commands open the store directly, so they work without a server.
Use 'tome api dlq ...' to go through a running server instead.

Examples:
  tome dlq list --status pending
  tome dlq summary
  tome dlq replay --max-retries 3`,
}

var dlqStatus string

var dlqListCmd = &cobra.Command{
	Use:   "list",
	Short: "List dead letters",
	RunE: func(cmd *cobra.Command, args []string) error {
		if dlqStatus != "" && dlqStatus != dlq.StatusPending && dlqStatus != dlq.StatusResolved {
			return fmt.Errorf("status must be %s or %s", dlq.StatusPending, dlq.StatusResolved)
		}
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		records, err := store.List(cmd.Context(), dlqStatus)
		if err != nil {
			return err
		}
		return api.Output(records)
	},
}

var dlqSummaryCmd = &cobra.Command{
	Use:   "summary",
	Short: "Count dead letters by status",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		summary, err := store.Summary(cmd.Context())
		if err != nil {
			return err
		}
		return api.Output(summary)
	},
}

var dlqMaxRetries int

var dlqReplayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Re-run pending dead letters",
	Long: `Re-run every pending dead letter through the expansion protocol.

Recovered units are written back into their run directory's unit
checkpoints and marked resolved. Resume the job at phase 2 afterwards to
fold them into the book.`,
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
		cm, err := loadConfig(h)
		if err != nil {
			return err
		}

		p, store, err := buildPipeline(ctx, h, cm.Get(), nil, nil, metrics.NewRecorder(), logger)
		if err != nil {
			return err
		}
		defer store.Close()

		report, err := p.ReplayDeadLetters(ctx, store, h.RunDir, dlqMaxRetries)
		if err != nil {
			return err
		}
		return api.Output(report)
	},
}

var dlqOlderThan time.Duration

var dlqPurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete resolved dead letters",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		n, err := store.PurgeResolved(cmd.Context(), time.Now().Add(-dlqOlderThan))
		if err != nil {
			return err
		}
		fmt.Printf("Removed %d resolved dead letters\n", n)
		return nil
	},
}

// openStore opens the dead letter store named by the configuration.
func openStore() (*dlq.Store, error) {
	h, err := getHome()
	if err != nil {
		return nil, err
	}
	if _, err := loadConfig(h); err != nil {
		return nil, err
	}
	return dlq.Open(h.DLQPath(), nil)
}

func init() {
	dlqListCmd.Flags().StringVar(&dlqStatus, "status", "", "Filter by status: pending or resolved")
	dlqReplayCmd.Flags().IntVar(&dlqMaxRetries, "max-retries", 3, "Attempts per letter")
	dlqPurgeCmd.Flags().DurationVar(&dlqOlderThan, "older-than", 30*24*time.Hour, "Only purge letters resolved before this age")

	dlqCmd.AddCommand(dlqListCmd)
	dlqCmd.AddCommand(dlqSummaryCmd)
	dlqCmd.AddCommand(dlqReplayCmd)
	dlqCmd.AddCommand(dlqPurgeCmd)
	rootCmd.AddCommand(dlqCmd)
}
