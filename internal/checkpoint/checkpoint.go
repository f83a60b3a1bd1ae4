// Package checkpoint persists run progress so an interrupted run can resume.
//
// Two granularities are kept. The run record (pipeline_state.json) holds the
// last completed phase plus the state later phases need. The unit store keeps
// one file per finished expansion unit so a restarted expansion phase skips
// work it already paid for.
package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// Phase numbers, in execution order.
const (
	PhaseExtraction  = 1
	PhaseExpansion   = 2
	PhaseResolution  = 3
	PhaseTypesetting = 4

	LastPhase = PhaseTypesetting
)

// StateFileName is the run record file inside a run directory.
const StateFileName = "pipeline_state.json"

// ErrAlreadyComplete is returned by StartPhase when a resumed run has
// nothing left to do.
var ErrAlreadyComplete = errors.New("pipeline already complete")

// PhaseName returns a display name for a phase number.
func PhaseName(phase int) string {
	switch phase {
	case PhaseExtraction:
		return "extraction"
	case PhaseExpansion:
		return "expansion"
	case PhaseResolution:
		return "resolution"
	case PhaseTypesetting:
		return "typesetting"
	default:
		return fmt.Sprintf("phase_%d", phase)
	}
}

// Carried is the state later phases recover when a run jumps ahead.
type Carried struct {
	StyleConfig map[string]any `json:"style_config,omitempty"`
	TotalChunks int            `json:"total_chunks,omitempty"`
}

// Record is the on-disk run checkpoint.
type Record struct {
	RunID          string `json:"run_id,omitempty"`
	CompletedPhase int    `json:"completed_phase"`
	Timestamp      int64  `json:"timestamp"`
	TimestampHuman string `json:"timestamp_human"`
	Carried
}

// Manager reads and writes the run record in one run directory.
type Manager struct {
	dir    string
	runID  string
	logger *slog.Logger
	now    func() time.Time
}

// NewManager creates a manager for dir. runID is stamped on every save.
func NewManager(dir, runID string, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		dir:    dir,
		runID:  runID,
		logger: logger.With("component", "checkpoint"),
		now:    time.Now,
	}
}

// Dir returns the run directory.
func (m *Manager) Dir() string {
	return m.dir
}

// Path returns the run record path.
func (m *Manager) Path() string {
	return filepath.Join(m.dir, StateFileName)
}

// Load reads the run record. A missing file yields phase 0. A corrupt file
// also yields phase 0, with a warning, so the run starts over rather than
// failing.
func (m *Manager) Load() (Record, error) {
	data, err := os.ReadFile(m.Path())
	if errors.Is(err, os.ErrNotExist) {
		return Record{}, nil
	}
	if err != nil {
		return Record{}, fmt.Errorf("failed to read checkpoint: %w", err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		m.logger.Warn("corrupt checkpoint, starting from phase 0", "path", m.Path(), "error", err)
		return Record{}, nil
	}
	if rec.CompletedPhase < 0 || rec.CompletedPhase > LastPhase {
		m.logger.Warn("checkpoint phase out of range, starting from phase 0",
			"path", m.Path(), "completed_phase", rec.CompletedPhase)
		return Record{}, nil
	}
	return rec, nil
}

// Save overwrites the run record with phase as the last completed phase.
func (m *Manager) Save(phase int, carried Carried) error {
	if phase < 0 || phase > LastPhase {
		return fmt.Errorf("invalid phase %d", phase)
	}
	now := m.now()
	rec := Record{
		RunID:          m.runID,
		CompletedPhase: phase,
		Timestamp:      now.Unix(),
		TimestampHuman: now.Format("2006-01-02 15:04:05"),
		Carried:        carried,
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode checkpoint: %w", err)
	}
	if err := WriteFileAtomic(m.Path(), data); err != nil {
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	m.logger.Debug("checkpoint saved", "completed_phase", phase)
	return nil
}

// StartPhase picks the first phase to execute. A positive requested phase
// wins. Otherwise a resume starts one past the last completed phase, and
// the default is extraction.
func (m *Manager) StartPhase(resume bool, requested int) (int, error) {
	if requested > LastPhase {
		return 0, fmt.Errorf("invalid phase %d: must be 1-%d", requested, LastPhase)
	}
	if resume && requested <= 0 {
		rec, err := m.Load()
		if err != nil {
			return 0, err
		}
		start := rec.CompletedPhase + 1
		if start > LastPhase {
			return 0, ErrAlreadyComplete
		}
		return start, nil
	}
	if requested > 0 {
		return requested, nil
	}
	return PhaseExtraction, nil
}

// Carried returns the carried state from the stored record.
func (m *Manager) Carried() (Carried, error) {
	rec, err := m.Load()
	if err != nil {
		return Carried{}, err
	}
	return rec.Carried, nil
}

// WriteFileAtomic writes data to a temp file in the target directory and
// renames it over path. Readers see either the old or the new content.
func WriteFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
