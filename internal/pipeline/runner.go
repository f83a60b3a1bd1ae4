package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jackzampolin/tome/internal/jobs"
	"github.com/jackzampolin/tome/internal/metrics"
)

// ErrJobRunning is returned when starting a job that is already processing.
var ErrJobRunning = errors.New("job is already running")

// ErrNotResumable is returned when resuming a job that cannot be resumed.
var ErrNotResumable = errors.New("job is not resumable")

// RunnerConfig configures a Runner.
type RunnerConfig struct {
	Pipeline *Pipeline
	Jobs     *jobs.Registry
	RunDir   RunDirFunc
	Metrics  *metrics.Recorder
	Logger   *slog.Logger
}

// Runner executes jobs in the background, one goroutine per job.
type Runner struct {
	pipeline *Pipeline
	jobs     *jobs.Registry
	runDir   RunDirFunc
	metrics  *metrics.Recorder
	logger   *slog.Logger

	wg sync.WaitGroup
}

// NewRunner creates a Runner.
func NewRunner(cfg RunnerConfig) *Runner {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		pipeline: cfg.Pipeline,
		jobs:     cfg.Jobs,
		runDir:   cfg.RunDir,
		metrics:  cfg.Metrics,
		logger:   logger.With("component", "runner"),
	}
}

// Start launches a run for job id. A positive resumePhase restarts a
// recoverable job at that phase with the state its checkpoint carries.
// The run outlives the caller's context; use Cancel or Shutdown to stop
// it.
func (r *Runner) Start(id string, resumePhase int) (*jobs.Job, error) {
	job, err := r.jobs.Get(id)
	if err != nil {
		return nil, err
	}
	if r.jobs.Running(id) || job.Status == jobs.StatusProcessing {
		return nil, fmt.Errorf("%w: %s", ErrJobRunning, id)
	}
	if resumePhase > 0 && job.Status == jobs.StatusFailed && !job.IsRecoverable {
		return nil, fmt.Errorf("%w: %s", ErrNotResumable, id)
	}

	runDir := job.RunDir
	if runDir == "" && r.runDir != nil {
		runDir = r.runDir(id)
	}

	ctx, cancel := context.WithCancel(context.Background())
	r.jobs.SetCancel(id, cancel)
	job, err = r.jobs.Update(id, true, func(j *jobs.Job) {
		j.Status = jobs.StatusProcessing
		j.RunDir = runDir
		j.IsRecoverable = false
		if resumePhase > 0 {
			j.CurrentPhase = resumePhase
			j.Message = fmt.Sprintf("Resuming from phase %d", resumePhase)
		} else {
			j.Message = "Job queued"
		}
	})
	if err != nil {
		cancel()
		r.jobs.ClearCancel(id)
		return nil, err
	}

	req := RunRequest{
		JobID:      id,
		RunDir:     runDir,
		Job:        job.Config,
		Resume:     resumePhase > 0,
		StartPhase: resumePhase,
	}
	r.wg.Add(1)
	go r.run(ctx, cancel, req)
	return job, nil
}

func (r *Runner) run(ctx context.Context, cancel context.CancelFunc, req RunRequest) {
	defer r.wg.Done()
	defer cancel()
	defer r.jobs.ClearCancel(req.JobID)

	logger := r.logger.With("job_id", req.JobID)
	logger.Info("job started", "start_phase", req.StartPhase, "run_dir", req.RunDir)

	res, err := r.pipeline.Run(ctx, req)

	usage := r.metrics.Usage(req.JobID)
	if _, uErr := r.jobs.Update(req.JobID, true, func(j *jobs.Job) { j.Usage = &usage }); uErr != nil {
		logger.Warn("failed to record job usage", "error", uErr)
	}
	r.metrics.ForgetJob(req.JobID)

	if err != nil {
		logger.Warn("job stopped", "error", err)
		return
	}
	logger.Info("job finished", "artifact", res.Artifact, "already_complete", res.AlreadyComplete)
}

// Cancel stops a running job.
func (r *Runner) Cancel(id string) error {
	return r.jobs.Cancel(id)
}

// Shutdown cancels every running job and waits for them to record their
// terminal state, or for ctx to end.
func (r *Runner) Shutdown(ctx context.Context) error {
	for _, job := range r.jobs.List() {
		if r.jobs.Running(job.JobID) {
			_ = r.jobs.Cancel(job.JobID)
		}
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
