package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/jackzampolin/tome/internal/checkpoint"
	"github.com/jackzampolin/tome/internal/dlq"
	"github.com/jackzampolin/tome/internal/jobs"
	"github.com/jackzampolin/tome/internal/segment"
	"github.com/jackzampolin/tome/internal/unit"
)

// RunDirFunc maps a job id to its run directory.
type RunDirFunc func(jobID string) string

// ReplayDeadLetters re-runs pending dead letters through the unit state
// machine. A recovered unit whose run directory still exists replaces its
// checkpoint there, so re-running expansion for that job picks it up.
func (p *Pipeline) ReplayDeadLetters(ctx context.Context, store *dlq.Store, runDir RunDirFunc, maxRetries int) (dlq.ReplayReport, error) {
	process, err := p.ReplayProcessor(runDir)
	if err != nil {
		return dlq.ReplayReport{}, err
	}
	return store.Replay(ctx, process, maxRetries)
}

// ReplayProcessor returns the dlq.Processor used by ReplayDeadLetters.
func (p *Pipeline) ReplayProcessor(runDir RunDirFunc) (dlq.Processor, error) {
	settings := p.Config()
	client, model, err := p.client(settings, jobs.Config{})
	if err != nil {
		return nil, err
	}
	cfg := settings.Expansion

	return func(ctx context.Context, rec dlq.Record) (string, error) {
		rc := &RunContext{JobID: rec.JobID, Config: settings}
		var dir string
		if rec.JobID != "" && runDir != nil {
			dir = runDir(rec.JobID)
			if _, err := os.Stat(dir); err != nil {
				dir = ""
			}
		}
		if p.deps.Jobs != nil && rec.JobID != "" {
			if job, err := p.deps.Jobs.Get(rec.JobID); err == nil {
				rc.Carried.StyleConfig = job.Config.StyleConfig()
			}
		}

		total := 0
		if dir != "" {
			if carried, err := checkpoint.NewManager(dir, rec.JobID, p.logger).Carried(); err == nil {
				total = carried.TotalChunks
			}
		}

		// Replayed units must not write new dead letters; the store tracks
		// their retries itself.
		machine := unit.New(unit.Options{
			Client:  client,
			Prompts: p.deps.Prompts,
			Vars:    rc.Vars(),
			Config:  unitConfig(cfg, model),
			Metrics: p.deps.Metrics,
			Logger:  p.logger,
			JobID:   rec.JobID,
		})
		u := segment.Unit{Index: rec.UnitIndex, Text: rec.Text, Size: len(rec.Text)}
		target := unit.TargetChars(cfg.TargetPages, cfg.CharsPerPage, total, u.Size, cfg.MaxTargetChars)

		st, err := machine.Run(ctx, u, target)
		if err != nil {
			return "", err
		}
		if st.Outcome == unit.OutcomeFailed {
			return "", errors.New(st.Err)
		}

		if dir != "" {
			if err := checkpoint.NewUnitStore(filepath.Join(dir, checkpoint.UnitDirName)).Save(rec.UnitIndex, st.Final); err != nil {
				return "", fmt.Errorf("save recovered unit: %w", err)
			}
		}
		return st.Final, nil
	}, nil
}
