package home

import (
	"fmt"
	"os"
	"path/filepath"
)

const (
	// DefaultDirName is the default name for the tome home directory.
	DefaultDirName = ".tome"

	// EnvVar overrides the home directory when no path is given.
	EnvVar = "TOME_HOME"

	// ConfigFileName is the default config file name.
	ConfigFileName = "config.yaml"

	// PromptsDirName holds prompt template overrides.
	PromptsDirName = "prompts"

	// RunsDirName holds one run directory per job.
	RunsDirName = "runs"

	// DLQFileName is the dead letter database.
	DLQFileName = "dlq.db"

	// JobsFileName is the job registry mirror.
	JobsFileName = "jobs.json"

	// PidFileName records the running server's process ID.
	PidFileName = "server.pid"
)

// Overrides relocate state outside the home directory. Empty fields keep
// the default location.
type Overrides struct {
	DLQPath  string
	JobsPath string
	RunsDir  string
}

// Dir represents the tome home directory structure.
type Dir struct {
	path      string
	overrides Overrides
}

// New creates a new Dir with the given path.
// If path is empty, uses $TOME_HOME or the default (~/.tome).
func New(path string) (*Dir, error) {
	if path == "" {
		path = os.Getenv(EnvVar)
	}
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		path = filepath.Join(home, DefaultDirName)
	}

	return &Dir{path: path}, nil
}

// SetOverrides applies storage locations from configuration.
func (d *Dir) SetOverrides(o Overrides) {
	d.overrides = o
}

// Path returns the root path of the home directory.
func (d *Dir) Path() string {
	return d.path
}

// ConfigPath returns the path to the default config file.
func (d *Dir) ConfigPath() string {
	return filepath.Join(d.path, ConfigFileName)
}

// PromptsPath returns the prompt override directory.
func (d *Dir) PromptsPath() string {
	return filepath.Join(d.path, PromptsDirName)
}

// RunsPath returns the directory holding run directories.
func (d *Dir) RunsPath() string {
	if d.overrides.RunsDir != "" {
		return d.overrides.RunsDir
	}
	return filepath.Join(d.path, RunsDirName)
}

// RunDir returns the run directory for a job.
func (d *Dir) RunDir(jobID string) string {
	return filepath.Join(d.RunsPath(), jobID)
}

// DLQPath returns the dead letter database path.
func (d *Dir) DLQPath() string {
	if d.overrides.DLQPath != "" {
		return d.overrides.DLQPath
	}
	return filepath.Join(d.path, DLQFileName)
}

// JobsPath returns the job registry file path.
func (d *Dir) JobsPath() string {
	if d.overrides.JobsPath != "" {
		return d.overrides.JobsPath
	}
	return filepath.Join(d.path, JobsFileName)
}

// PidPath returns the server PID file path.
func (d *Dir) PidPath() string {
	return filepath.Join(d.path, PidFileName)
}

// EnsureExists creates the home directory and subdirectories if they don't exist.
func (d *Dir) EnsureExists() error {
	for _, dir := range []string{d.path, d.PromptsPath(), d.RunsPath()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	return nil
}

// EnsureRunDir creates the run directory for a job.
func (d *Dir) EnsureRunDir(jobID string) (string, error) {
	dir := d.RunDir(jobID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create run directory: %w", err)
	}
	return dir, nil
}

// Exists returns true if the home directory exists.
func (d *Dir) Exists() bool {
	_, err := os.Stat(d.path)
	return err == nil
}

// ConfigExists returns true if the config file exists in the home directory.
func (d *Dir) ConfigExists() bool {
	_, err := os.Stat(d.ConfigPath())
	return err == nil
}
