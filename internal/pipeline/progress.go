package pipeline

import (
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/jackzampolin/tome/internal/checkpoint"
	"github.com/jackzampolin/tome/internal/events"
	"github.com/jackzampolin/tome/internal/jobs"
)

// PhaseSpan is the share of overall progress each phase covers.
const PhaseSpan = 25.0

// Percent maps done/total within phase onto overall progress. Phase k
// covers [(k-1)*25, k*25) and never reports its own end.
func Percent(phase, done, total int) float64 {
	base := float64(phase-1) * PhaseSpan
	if total <= 0 {
		return base
	}
	p := base + float64(done)/float64(total)*PhaseSpan
	return math.Round(math.Min(p, base+PhaseSpan-0.1)*10) / 10
}

// ETA estimates the remaining seconds of a phase from the mean time per
// finished item, and projects it over the remaining overall progress.
func ETA(elapsed time.Duration, done, total int, progress float64) (phase, overall *float64) {
	if done <= 0 || total <= 0 {
		return nil, nil
	}
	perItem := elapsed.Seconds() / float64(done)
	p := math.Round(perItem * float64(total-done))
	phase = &p
	if progress > 0 {
		o := math.Round(p / PhaseSpan * (100 - progress))
		overall = &o
	}
	return phase, overall
}

// ProgressTracker turns phase progress into job updates and events. Job
// state is persisted at phase transitions and terminal states only.
type ProgressTracker struct {
	mu         sync.Mutex
	jobID      string
	jobs       *jobs.Registry
	events     events.Publisher
	logger     *slog.Logger
	now        func() time.Time
	phase      int
	label      string
	phaseStart time.Time
	percent    float64
}

// NewProgressTracker creates a tracker. jobs and events may be nil.
func NewProgressTracker(jobID string, registry *jobs.Registry, pub events.Publisher) *ProgressTracker {
	return &ProgressTracker{
		jobID:  jobID,
		jobs:   registry,
		events: pub,
		logger: slog.Default(),
		now:    time.Now,
	}
}

// WithLogger sets the logger used to report job persistence failures.
func (t *ProgressTracker) WithLogger(logger *slog.Logger) *ProgressTracker {
	if logger != nil {
		t.logger = logger
	}
	return t
}

// Phase returns the current phase number.
func (t *ProgressTracker) Phase() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.phase
}

// Percent returns the last reported overall progress.
func (t *ProgressTracker) Percent() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.percent
}

// StartPhase marks the beginning of a phase.
func (t *ProgressTracker) StartPhase(phase int, label string) {
	t.mu.Lock()
	t.phase = phase
	t.label = label
	t.phaseStart = t.now()
	t.percent = Percent(phase, 0, 1)
	percent := t.percent
	t.mu.Unlock()

	t.emit(jobs.StatusProcessing, phase, percent, label+"...", nil, nil, true, func(j *jobs.Job) {
		j.ResumePhase = 0
		j.IsRecoverable = false
	})
}

// Update reports done of total items in the current phase.
func (t *ProgressTracker) Update(done, total int) {
	t.mu.Lock()
	phase, label := t.phase, t.label
	percent := Percent(phase, done, total)
	t.percent = percent
	etaPhase, etaTotal := ETA(t.now().Sub(t.phaseStart), done, total, percent)
	t.mu.Unlock()

	msg := fmt.Sprintf("%s: %d/%d", label, done, total)
	if etaPhase != nil {
		msg += ", phase ETA " + formatSeconds(*etaPhase)
	}
	t.emit(jobs.StatusProcessing, phase, percent, msg, etaPhase, etaTotal, false, nil)
}

// Message reports a status line without moving progress.
func (t *ProgressTracker) Message(msg string) {
	t.mu.Lock()
	phase, percent := t.phase, t.percent
	t.mu.Unlock()
	t.emit(jobs.StatusProcessing, phase, percent, msg, nil, nil, false, nil)
}

// Complete records the successful end of a run.
func (t *ProgressTracker) Complete(artifact string) {
	t.mu.Lock()
	t.percent = 100
	t.mu.Unlock()

	zero := 0.0
	t.emit(jobs.StatusCompleted, checkpoint.LastPhase, 100, CompletedMessage, &zero, &zero, true, func(j *jobs.Job) {
		j.PDFPath = artifact
		j.IsRecoverable = false
		j.ResumePhase = 0
	})
}

// Fail records a terminal failure at phase. A recoverable failure can be
// resumed from that phase.
func (t *ProgressTracker) Fail(phase int, msg string, recoverable bool) {
	t.mu.Lock()
	percent := t.percent
	t.mu.Unlock()

	t.emit(jobs.StatusFailed, phase, percent, msg, nil, nil, true, func(j *jobs.Job) {
		j.IsRecoverable = recoverable
		if recoverable {
			j.ResumePhase = phase
		} else {
			j.ResumePhase = 0
		}
	})
}

func (t *ProgressTracker) emit(status jobs.Status, phase int, percent float64, msg string, etaPhase, etaTotal *float64, persist bool, mutate func(*jobs.Job)) {
	now := t.now()
	if t.jobs != nil && t.jobID != "" {
		_, err := t.jobs.Update(t.jobID, persist, func(j *jobs.Job) {
			j.Status = status
			j.CurrentPhase = phase
			j.ProgressPercentage = percent
			j.Message = msg
			j.ETAPhaseSeconds = etaPhase
			j.ETATotalSeconds = etaTotal
			if mutate != nil {
				mutate(j)
			}
		})
		if err != nil {
			t.logger.Error("failed to persist job state", "job_id", t.jobID, "status", status, "phase", phase, "error", err)
		}
	}
	if t.events != nil {
		t.events.Publish(t.jobID, events.Event{
			JobID:              t.jobID,
			Status:             string(status),
			Phase:              phase,
			ProgressPercentage: percent,
			Message:            msg,
			ETASeconds:         etaPhase,
			ETATotalSeconds:    etaTotal,
			Timestamp:          now,
		})
	}
}

func formatSeconds(s float64) string {
	d := time.Duration(s) * time.Second
	return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
}
