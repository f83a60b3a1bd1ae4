package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/tome/internal/config"
	"github.com/jackzampolin/tome/internal/home"
	"github.com/jackzampolin/tome/internal/typeset"
)

var gotenbergCmd = &cobra.Command{
	Use:   "gotenberg",
	Short: "Manage the Gotenberg typesetting container",
	Long: `Manage the Gotenberg container used by the gotenberg typesetting engine.

The container is configured under typesetting.docker. 'tome serve' starts
and stops it automatically when typesetting.docker.manage is set; these
commands control it by hand.

Examples:
  tome gotenberg start   # Start the container
  tome gotenberg stop    # Stop the container
  tome gotenberg status  # Check container status
  tome gotenberg logs    # View container logs`,
}

var gotenbergStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the Gotenberg container",
	Long: `Start the Gotenberg container.

If the container doesn't exist, the image is pulled and the container is
created and started. If it exists but is stopped, it will be started.
If it's already running, this is a no-op.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		mgr, err := localDockerManager()
		if err != nil {
			return err
		}
		defer mgr.Close()

		fmt.Println("Starting Gotenberg...")
		if err := mgr.Start(ctx); err != nil {
			return fmt.Errorf("failed to start Gotenberg: %w", err)
		}

		fmt.Printf("Gotenberg is running at %s\n", mgr.URL())
		return nil
	},
}

var gotenbergStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the Gotenberg container",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		mgr, err := localDockerManager()
		if err != nil {
			return err
		}
		defer mgr.Close()

		fmt.Println("Stopping Gotenberg...")
		if err := mgr.Stop(ctx); err != nil {
			return fmt.Errorf("failed to stop Gotenberg: %w", err)
		}

		fmt.Println("Gotenberg stopped")
		return nil
	},
}

var gotenbergStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show Gotenberg container status",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		mgr, err := localDockerManager()
		if err != nil {
			return err
		}
		defer mgr.Close()

		status, err := mgr.Status(ctx)
		if err != nil {
			return fmt.Errorf("failed to get status: %w", err)
		}

		switch status {
		case typeset.StatusRunning:
			fmt.Printf("Status: %s\n", status)
			fmt.Printf("URL: %s\n", mgr.URL())

			if err := typeset.WaitHealthy(ctx, mgr.URL(), 2*time.Second); err != nil {
				fmt.Printf("Health: unhealthy (%v)\n", err)
			} else {
				fmt.Println("Health: healthy")
			}
		case typeset.StatusStopped:
			fmt.Printf("Status: %s (use 'tome gotenberg start' to start)\n", status)
		case typeset.StatusNotFound:
			fmt.Printf("Status: %s (use 'tome gotenberg start' to create)\n", status)
		default:
			fmt.Printf("Status: %s\n", status)
		}

		return nil
	},
}

var logsTail string

var gotenbergLogsCmd = &cobra.Command{
	Use:   "logs",
	Short: "Show Gotenberg container logs",
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, err := localDockerManager()
		if err != nil {
			return err
		}
		defer mgr.Close()

		logs, err := mgr.Logs(cmd.Context(), logsTail)
		if err != nil {
			return fmt.Errorf("failed to get logs: %w", err)
		}

		fmt.Print(logs)
		return nil
	},
}

var gotenbergRemoveCmd = &cobra.Command{
	Use:   "remove",
	Short: "Remove the Gotenberg container",
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, err := localDockerManager()
		if err != nil {
			return err
		}
		defer mgr.Close()

		fmt.Println("Removing Gotenberg container...")
		if err := mgr.Remove(cmd.Context()); err != nil {
			return fmt.Errorf("failed to remove container: %w", err)
		}

		fmt.Println("Gotenberg container removed")
		return nil
	},
}

var gotenbergWaitCmd = &cobra.Command{
	Use:   "wait",
	Short: "Wait for Gotenberg to be ready",
	Long: `Wait for Gotenberg to accept conversions.

This is useful in scripts to ensure the container is fully started
before running 'tome run' with the gotenberg engine.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, err := localDockerManager()
		if err != nil {
			return err
		}
		defer mgr.Close()

		timeout, _ := cmd.Flags().GetDuration("timeout")
		fmt.Printf("Waiting for Gotenberg (timeout: %s)...\n", timeout)

		if err := mgr.WaitReady(cmd.Context(), timeout); err != nil {
			return fmt.Errorf("Gotenberg not ready: %w", err)
		}

		fmt.Println("Gotenberg is ready")
		return nil
	},
}

func init() {
	gotenbergCmd.AddCommand(gotenbergStartCmd)
	gotenbergCmd.AddCommand(gotenbergStopCmd)
	gotenbergCmd.AddCommand(gotenbergStatusCmd)
	gotenbergCmd.AddCommand(gotenbergLogsCmd)
	gotenbergCmd.AddCommand(gotenbergRemoveCmd)
	gotenbergCmd.AddCommand(gotenbergWaitCmd)

	gotenbergLogsCmd.Flags().StringVar(&logsTail, "tail", "100", "Number of lines to show from the end")
	gotenbergWaitCmd.Flags().Duration("timeout", 30*time.Second, "Timeout waiting for Gotenberg")

	rootCmd.AddCommand(gotenbergCmd)
}

func localDockerManager() (*typeset.DockerManager, error) {
	h, err := getHome()
	if err != nil {
		return nil, err
	}
	cm, err := loadConfig(h)
	if err != nil {
		return nil, err
	}
	return getDockerManager(h, cm.Get())
}

// getDockerManager creates a DockerManager from typesetting.docker.
func getDockerManager(h *home.Dir, cfg *config.Config) (*typeset.DockerManager, error) {
	d := cfg.Typesetting.Docker
	name := d.ContainerName
	if name == "" {
		name = typeset.GenerateContainerName(h.Path())
	}
	return typeset.NewDockerManager(typeset.DockerConfig{
		ContainerName: name,
		Image:         d.Image,
		HostPort:      d.HostPort,
	})
}
