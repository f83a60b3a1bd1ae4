// Package jobs tracks pipeline jobs: their status, progress, logs and the
// configuration they were submitted with. Jobs live in memory and are
// mirrored to a JSON file so a restarted server can report and resume them.
package jobs

import (
	"errors"
	"time"

	"github.com/jackzampolin/tome/internal/metrics"
)

// Status represents the lifecycle state of a job.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether no further progress is expected.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// ErrNotFound is returned for unknown job ids.
var ErrNotFound = errors.New("job not found")

// ErrNotRunning is returned when cancelling a job that is not processing.
var ErrNotRunning = errors.New("job is not running")

// MaxLogLines bounds the per-job log ring.
const MaxLogLines = 500

// DefaultLogLimit is the page size for Logs when none is given.
const DefaultLogLimit = 50

// Config is what a job was submitted with.
type Config struct {
	InputPath      string `json:"input_path"`
	BookSubject    string `json:"book_subject,omitempty"`
	BookPersona    string `json:"book_persona,omitempty"`
	AcademicLevel  string `json:"academic_level,omitempty"`
	TargetPages    int    `json:"target_pages,omitempty"`
	MaxNewDiagrams int    `json:"max_new_diagrams"`
	SkipImages     bool   `json:"skip_images,omitempty"`
	Provider       string `json:"provider,omitempty"`
	Model          string `json:"model,omitempty"`
}

// StyleConfig returns the fields carried between phases as style state.
func (c Config) StyleConfig() map[string]any {
	return map[string]any{
		"book_subject":   c.BookSubject,
		"book_persona":   c.BookPersona,
		"academic_level": c.AcademicLevel,
	}
}

// LogLine is one captured log entry.
type LogLine struct {
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Source    string    `json:"source"`
	Message   string    `json:"message"`
}

// Job is the tracked state of one pipeline run.
type Job struct {
	JobID              string         `json:"job_id"`
	Status             Status         `json:"status"`
	CurrentPhase       int            `json:"current_phase"`
	ProgressPercentage float64        `json:"progress_percentage"`
	Message            string         `json:"message"`
	IsRecoverable      bool           `json:"is_recoverable"`
	ResumePhase        int            `json:"resume_phase,omitempty"`
	ETAPhaseSeconds    *float64       `json:"eta_phase_seconds,omitempty"`
	ETATotalSeconds    *float64       `json:"eta_total_seconds,omitempty"`
	PDFPath            string         `json:"pdf_path,omitempty"`
	RunDir             string         `json:"run_dir,omitempty"`
	LogLines           []LogLine      `json:"log_lines"`
	LogOffset          int            `json:"log_offset,omitempty"`
	CreatedAt          time.Time      `json:"created_at"`
	UpdatedAt          time.Time      `json:"updated_at"`
	Config             Config         `json:"config"`
	Usage              *metrics.Usage `json:"usage,omitempty"`
}

// clone returns a deep copy safe to hand out of the registry lock.
func (j *Job) clone() *Job {
	c := *j
	c.LogLines = append([]LogLine(nil), j.LogLines...)
	if j.ETAPhaseSeconds != nil {
		v := *j.ETAPhaseSeconds
		c.ETAPhaseSeconds = &v
	}
	if j.ETATotalSeconds != nil {
		v := *j.ETATotalSeconds
		c.ETATotalSeconds = &v
	}
	return &c
}

// LogPage is one page of a job's logs. Cursors are absolute line numbers,
// so they stay valid after old lines fall out of the ring.
type LogPage struct {
	JobID      string    `json:"job_id"`
	Logs       []LogLine `json:"logs"`
	NextCursor int       `json:"next_cursor"`
	Total      int       `json:"total"`
	HasMore    bool      `json:"has_more"`
}
