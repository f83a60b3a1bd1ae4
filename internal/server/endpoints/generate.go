package endpoints

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/tome/internal/api"
	"github.com/jackzampolin/tome/internal/config"
	"github.com/jackzampolin/tome/internal/jobs"
	"github.com/jackzampolin/tome/internal/pipeline"
	"github.com/jackzampolin/tome/internal/svcctx"
)

// maxUploadMemory is how much of an upload is buffered in memory before
// spilling to disk.
const maxUploadMemory = 500 << 20

// Upload field names. document is accepted for non-PDF inputs.
const (
	fieldPDF      = "pdf_file"
	fieldDocument = "document"
)

// GenerateResponse is the response for a submitted or resumed job.
type GenerateResponse struct {
	JobID   string `json:"job_id"`
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// GenerateEndpoint handles POST /api/v1/generate.
type GenerateEndpoint struct{}

func (e *GenerateEndpoint) Route() (string, string, http.HandlerFunc) {
	return "POST", "/api/v1/generate", e.handler
}

func (e *GenerateEndpoint) RequiresInit() bool { return true }

// handler godoc
//
//	@Summary		Submit or resume a book generation job
//	@Description	Upload a manuscript to start a new job, or pass job_id and resume_phase to resume a recoverable one
//	@Tags			generate
//	@Accept			multipart/form-data
//	@Produce		json
//	@Param			pdf_file			formData	file	false	"Input PDF"
//	@Param			document			formData	file	false	"Input text or markdown document"
//	@Param			book_subject		formData	string	false	"Subject of the book"
//	@Param			book_persona		formData	string	false	"Voice the book is written in"
//	@Param			academic_level		formData	string	false	"Intended audience"
//	@Param			target_pages		formData	int		false	"Page budget"
//	@Param			max_new_diagrams	formData	int		false	"Cap on generated diagrams (-1 is unlimited)"
//	@Param			skip_images			formData	bool	false	"Render placeholders instead of diagrams"
//	@Param			provider			formData	string	false	"Generation service name"
//	@Param			model				formData	string	false	"Model override"
//	@Param			job_id				formData	string	false	"Job to resume"
//	@Param			resume_phase		formData	int		false	"Phase to resume from (1-4)"
//	@Success		202	{object}	GenerateResponse
//	@Failure		400	{object}	ErrorResponse
//	@Failure		404	{object}	ErrorResponse
//	@Failure		409	{object}	ErrorResponse
//	@Failure		503	{object}	ErrorResponse
//	@Router			/api/v1/generate [post]
func (e *GenerateEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadMemory); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("failed to parse form: %v", err))
		return
	}
	defer r.MultipartForm.RemoveAll()

	registry := svcctx.JobsFrom(r.Context())
	runner := svcctx.RunnerFrom(r.Context())
	homeDir := svcctx.HomeFrom(r.Context())
	if registry == nil || runner == nil || homeDir == nil {
		writeError(w, http.StatusServiceUnavailable, "job runner not initialized")
		return
	}
	logger := svcctx.LoggerFrom(r.Context())

	resumePhase, err := formInt(r, "resume_phase", 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if jobID := r.FormValue("job_id"); jobID != "" && resumePhase > 0 {
		if resumePhase > 4 {
			writeError(w, http.StatusBadRequest, "resume_phase must be between 1 and 4")
			return
		}
		job, err := runner.Start(jobID, resumePhase)
		if err != nil {
			writeStartError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, GenerateResponse{
			JobID:   job.JobID,
			Status:  string(job.Status),
			Message: job.Message,
		})
		return
	}

	file, header, err := uploadedFile(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	defer file.Close()

	var defaults *config.Config
	if cm := svcctx.ConfigFrom(r.Context()); cm != nil {
		defaults = cm.Get()
	} else {
		defaults = config.DefaultConfig()
	}
	cfg, err := jobConfigFromForm(r, defaults)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	job, err := registry.Create(cfg)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to create job: %v", err))
		return
	}

	runDir, err := homeDir.EnsureRunDir(job.JobID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	inputPath := filepath.Join(runDir, "input"+strings.ToLower(filepath.Ext(header.Filename)))
	if err := saveUpload(file, inputPath); err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to save upload: %v", err))
		return
	}
	if _, err := registry.Update(job.JobID, true, func(j *jobs.Job) {
		j.Config.InputPath = inputPath
		j.RunDir = runDir
	}); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	job, err = runner.Start(job.JobID, 0)
	if err != nil {
		writeStartError(w, err)
		return
	}
	if logger != nil {
		logger.Info("job submitted", "job_id", job.JobID, "input", header.Filename, "size", header.Size)
	}
	writeJSON(w, http.StatusAccepted, GenerateResponse{
		JobID:   job.JobID,
		Status:  string(job.Status),
		Message: "Job started",
	})
}

// uploadedFile returns the manuscript from either upload field.
func uploadedFile(r *http.Request) (multipart.File, *multipart.FileHeader, error) {
	for _, field := range []string{fieldPDF, fieldDocument} {
		file, header, err := r.FormFile(field)
		if err == nil {
			return file, header, nil
		}
		if !errors.Is(err, http.ErrMissingFile) {
			return nil, nil, fmt.Errorf("failed to read %s: %w", field, err)
		}
	}
	return nil, nil, fmt.Errorf("no input file provided (use %s or %s)", fieldPDF, fieldDocument)
}

func saveUpload(src io.Reader, dest string) error {
	dst, err := os.Create(dest)
	if err != nil {
		return err
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return err
	}
	return dst.Close()
}

// jobConfigFromForm reads the run settings, falling back to defaults for
// anything the form leaves out.
func jobConfigFromForm(r *http.Request, defaults *config.Config) (jobs.Config, error) {
	cfg := jobs.Config{
		BookSubject:   r.FormValue("book_subject"),
		BookPersona:   r.FormValue("book_persona"),
		AcademicLevel: r.FormValue("academic_level"),
		Provider:      r.FormValue("provider"),
		Model:         r.FormValue("model"),
	}

	var err error
	if cfg.TargetPages, err = formInt(r, "target_pages", defaults.Expansion.TargetPages); err != nil {
		return cfg, err
	}
	if cfg.TargetPages <= 0 {
		return cfg, fmt.Errorf("target_pages must be positive")
	}
	if cfg.MaxNewDiagrams, err = formInt(r, "max_new_diagrams", defaults.Resolution.MaxNewDiagrams); err != nil {
		return cfg, err
	}
	if v := r.FormValue("skip_images"); v != "" {
		if cfg.SkipImages, err = strconv.ParseBool(v); err != nil {
			return cfg, fmt.Errorf("skip_images: %w", err)
		}
	}
	return cfg, nil
}

func formInt(r *http.Request, key string, def int) (int, error) {
	v := r.FormValue(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer", key)
	}
	return n, nil
}

// writeStartError maps Runner.Start errors to status codes.
func writeStartError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, jobs.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, pipeline.ErrJobRunning), errors.Is(err, pipeline.ErrNotResumable):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (e *GenerateEndpoint) Command(getServerURL func() string) *cobra.Command {
	var (
		input          string
		subject        string
		persona        string
		level          string
		targetPages    int
		maxNewDiagrams int
		skipImages     bool
		provider       string
		model          string
		jobID          string
		resumePhase    int
		watch          bool
	)
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Submit a manuscript, or resume a job",
		Long: `Submit a manuscript to the server for expansion into a book.

Examples:
  tome api generate --input notes.pdf --subject "Fluid Mechanics"
  tome api generate --job-id 1a2b3c4d --resume-phase 3
  tome api generate --input notes.md --watch`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			client := api.NewClient(getServerURL())

			fields := map[string]string{}
			setIf := func(key, value string) {
				if value != "" {
					fields[key] = value
				}
			}
			setIf("book_subject", subject)
			setIf("book_persona", persona)
			setIf("academic_level", level)
			setIf("provider", provider)
			setIf("model", model)
			if cmd.Flags().Changed("target-pages") {
				fields["target_pages"] = strconv.Itoa(targetPages)
			}
			if cmd.Flags().Changed("max-new-diagrams") {
				fields["max_new_diagrams"] = strconv.Itoa(maxNewDiagrams)
			}
			if skipImages {
				fields["skip_images"] = "true"
			}

			var fileField string
			switch {
			case jobID != "" && resumePhase > 0:
				fields["job_id"] = jobID
				fields["resume_phase"] = strconv.Itoa(resumePhase)
				input = ""
			case input == "":
				return fmt.Errorf("--input is required unless resuming with --job-id and --resume-phase")
			case strings.EqualFold(filepath.Ext(input), ".pdf"):
				fileField = fieldPDF
			default:
				fileField = fieldDocument
			}

			var resp GenerateResponse
			if err := client.PostMultipart(ctx, "/api/v1/generate", fileField, input, fields, &resp); err != nil {
				return err
			}
			if !watch {
				return api.Output(resp)
			}
			return watchJob(ctx, client, resp.JobID, false)
		},
	}
	cmd.Flags().StringVarP(&input, "input", "i", "", "Manuscript to submit (.pdf, .txt, .md)")
	cmd.Flags().StringVar(&subject, "subject", "", "Subject of the book")
	cmd.Flags().StringVar(&persona, "persona", "", "Voice the book is written in")
	cmd.Flags().StringVar(&level, "level", "", "Intended audience")
	cmd.Flags().IntVar(&targetPages, "target-pages", 0, "Page budget (server default when unset)")
	cmd.Flags().IntVar(&maxNewDiagrams, "max-new-diagrams", 0, "Cap on generated diagrams (-1 is unlimited)")
	cmd.Flags().BoolVar(&skipImages, "skip-images", false, "Render placeholders instead of diagrams")
	cmd.Flags().StringVar(&provider, "provider", "", "Generation service name")
	cmd.Flags().StringVar(&model, "model", "", "Model override")
	cmd.Flags().StringVar(&jobID, "job-id", "", "Job to resume")
	cmd.Flags().IntVar(&resumePhase, "resume-phase", 0, "Phase to resume from (1-4)")
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "Follow progress after submitting")
	return cmd
}
