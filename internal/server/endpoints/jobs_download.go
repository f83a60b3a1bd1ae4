package endpoints

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/tome/internal/api"
	"github.com/jackzampolin/tome/internal/jobs"
)

// DownloadEndpoint handles GET /api/v1/jobs/{id}/download.
type DownloadEndpoint struct{ jobsGroup }

func (e *DownloadEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/api/v1/jobs/{id}/download", e.handler
}

func (e *DownloadEndpoint) RequiresInit() bool { return true }

// handler godoc
//
//	@Summary		Download the generated book
//	@Tags			jobs
//	@Produce		application/octet-stream
//	@Param			id	path	string	true	"Job ID"
//	@Success		200
//	@Failure		404	{object}	ErrorResponse
//	@Failure		409	{object}	ErrorResponse
//	@Router			/api/v1/jobs/{id}/download [get]
func (e *DownloadEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	job, ok := lookupJob(w, r)
	if !ok {
		return
	}
	if job.Status != jobs.StatusCompleted {
		writeError(w, http.StatusConflict, fmt.Sprintf("job is %s, not completed", job.Status))
		return
	}
	if job.PDFPath == "" {
		writeError(w, http.StatusNotFound, "job has no artifact")
		return
	}

	f, err := os.Open(job.PDFPath)
	if err != nil {
		writeError(w, http.StatusNotFound, "artifact not found")
		return
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	name := fmt.Sprintf("tome-%s%s", job.JobID, filepath.Ext(job.PDFPath))
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	http.ServeContent(w, r, name, info.ModTime(), f)
}

func (e *DownloadEndpoint) Command(getServerURL func() string) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "download <id>",
		Short: "Download a completed job's book",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())

			tmp, err := os.CreateTemp(".", ".tome-download-*")
			if err != nil {
				return err
			}
			defer os.Remove(tmp.Name())

			name, err := client.Download(cmd.Context(), "/api/v1/jobs/"+args[0]+"/download", tmp)
			if cerr := tmp.Close(); err == nil {
				err = cerr
			}
			if err != nil {
				return err
			}

			dest := output
			if dest == "" {
				dest = name
			}
			if dest == "" {
				dest = "tome-" + args[0]
			}
			if err := os.Rename(tmp.Name(), dest); err != nil {
				return err
			}
			fmt.Printf("Saved %s\n", dest)
			return nil
		},
	}
	cmd.Flags().StringVar(&output, "out", "", "Destination file (default: the server's file name)")
	return cmd
}
