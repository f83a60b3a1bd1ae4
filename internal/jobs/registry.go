package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jackzampolin/tome/internal/checkpoint"
)

// InterruptedMessage is set on jobs found processing at startup.
const InterruptedMessage = "Job interrupted by server restart. You can resume."

// Registry holds all jobs in memory behind one mutex and mirrors them to a
// JSON file. Callers always receive copies.
type Registry struct {
	mu      sync.Mutex
	jobs    map[string]*Job
	cancels map[string]context.CancelFunc
	path    string
	logger  *slog.Logger
	now     func() time.Time
}

// NewRegistry creates a registry persisted at path. An empty path keeps
// jobs in memory only.
func NewRegistry(path string, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		jobs:    make(map[string]*Job),
		cancels: make(map[string]context.CancelFunc),
		path:    path,
		logger:  logger.With("component", "jobs"),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Path returns the persistence file.
func (r *Registry) Path() string {
	return r.path
}

// Load reads the persisted jobs. Jobs that were processing when the
// previous process died are marked failed and recoverable, resuming at the
// phase they were in.
func (r *Registry) Load() error {
	if r.path == "" {
		return nil
	}
	data, err := os.ReadFile(r.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read jobs file: %w", err)
	}

	var stored map[string]*Job
	if err := json.Unmarshal(data, &stored); err != nil {
		r.logger.Warn("corrupt jobs file, starting empty", "path", r.path, "error", err)
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	recovered := 0
	for id, job := range stored {
		if job == nil {
			continue
		}
		job.JobID = id
		if job.Status == StatusProcessing {
			job.Status = StatusFailed
			job.Message = InterruptedMessage
			job.IsRecoverable = true
			job.ResumePhase = job.CurrentPhase
			job.UpdatedAt = r.now()
			recovered++
		}
		r.jobs[id] = job
	}
	if recovered > 0 {
		r.logger.Info("recovered interrupted jobs", "count", recovered)
	}
	return r.saveLocked()
}

// Create registers a new pending job.
func (r *Registry) Create(cfg Config) (*Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := newID()
	for r.jobs[id] != nil {
		id = newID()
	}
	now := r.now()
	job := &Job{
		JobID:     id,
		Status:    StatusPending,
		LogLines:  []LogLine{},
		CreatedAt: now,
		UpdatedAt: now,
		Config:    cfg,
	}
	r.jobs[id] = job
	if err := r.saveLocked(); err != nil {
		return nil, err
	}
	r.logger.Info("job created", "job_id", id)
	return job.clone(), nil
}

func newID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// Get returns a snapshot of one job.
func (r *Registry) Get(id string) (*Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return job.clone(), nil
}

// Update applies fn to the job under the lock and stamps UpdatedAt. The
// registry is written to disk when persist is set; progress ticks pass
// false and phase transitions pass true.
func (r *Registry) Update(id string, persist bool, fn func(*Job)) (*Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	fn(job)
	job.JobID = id
	job.UpdatedAt = r.now()
	if persist {
		if err := r.saveLocked(); err != nil {
			return job.clone(), err
		}
	}
	return job.clone(), nil
}

// AppendLog adds a line to the job's log ring.
func (r *Registry) AppendLog(id, level, source, msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return
	}
	job.LogLines = append(job.LogLines, LogLine{
		Timestamp: r.now(),
		Level:     level,
		Source:    source,
		Message:   msg,
	})
	if over := len(job.LogLines) - MaxLogLines; over > 0 {
		job.LogLines = append([]LogLine(nil), job.LogLines[over:]...)
		job.LogOffset += over
	}
}

// List returns all jobs, newest first.
func (r *Registry) List() []*Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Job, 0, len(r.jobs))
	for _, j := range r.jobs {
		out = append(out, j.clone())
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].CreatedAt.Equal(out[b].CreatedAt) {
			return out[a].JobID < out[b].JobID
		}
		return out[a].CreatedAt.After(out[b].CreatedAt)
	})
	return out
}

// Logs returns up to limit lines starting at the absolute line cursor. A
// cursor older than the ring starts at the oldest retained line.
func (r *Registry) Logs(id string, cursor, limit int) (LogPage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return LogPage{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if limit <= 0 {
		limit = DefaultLogLimit
	}
	total := job.LogOffset + len(job.LogLines)
	if cursor < job.LogOffset {
		cursor = job.LogOffset
	}
	if cursor > total {
		cursor = total
	}
	start := cursor - job.LogOffset
	end := min(start+limit, len(job.LogLines))

	lines := append([]LogLine{}, job.LogLines[start:end]...)
	next := cursor + len(lines)
	return LogPage{
		JobID:      id,
		Logs:       lines,
		NextCursor: next,
		Total:      total,
		HasMore:    next < total,
	}, nil
}

// SetCancel stores the cancel function of a running job.
func (r *Registry) SetCancel(id string, cancel context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancels[id] = cancel
}

// ClearCancel forgets a job's cancel function once it stops.
func (r *Registry) ClearCancel(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cancels, id)
}

// Cancel stops a running job through its stored cancel function.
func (r *Registry) Cancel(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.jobs[id]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	cancel, ok := r.cancels[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotRunning, id)
	}
	cancel()
	delete(r.cancels, id)
	r.logger.Info("job cancel requested", "job_id", id)
	return nil
}

// Running reports whether the job has a live cancel function.
func (r *Registry) Running(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.cancels[id]
	return ok
}

// Save writes all jobs to disk.
func (r *Registry) Save() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.saveLocked()
}

func (r *Registry) saveLocked() error {
	if r.path == "" {
		return nil
	}
	data, err := json.MarshalIndent(r.jobs, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode jobs: %w", err)
	}
	if err := checkpoint.WriteFileAtomic(r.path, data); err != nil {
		return fmt.Errorf("failed to write jobs file: %w", err)
	}
	return nil
}
