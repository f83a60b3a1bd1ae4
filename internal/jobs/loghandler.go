package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// LogHandler is an slog.Handler that copies every record into a job's log
// ring before passing it to the next handler. The source column is the
// record's "component" attribute.
type LogHandler struct {
	next     slog.Handler
	registry *Registry
	jobID    string
	level    slog.Leveler
	attrs    []slog.Attr
	group    string
}

// NewLogHandler wraps next. Records at or above level are captured; next
// applies its own level independently.
func NewLogHandler(next slog.Handler, registry *Registry, jobID string, level slog.Leveler) *LogHandler {
	if level == nil {
		level = slog.LevelInfo
	}
	return &LogHandler{next: next, registry: registry, jobID: jobID, level: level}
}

// JobLogger returns a logger whose output is also captured into the job.
func JobLogger(base *slog.Logger, registry *Registry, jobID string) *slog.Logger {
	if base == nil {
		base = slog.Default()
	}
	return slog.New(NewLogHandler(base.Handler(), registry, jobID, slog.LevelInfo)).With("job_id", jobID)
}

// Enabled implements slog.Handler.
func (h *LogHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= h.level.Level() || h.next.Enabled(ctx, level)
}

// Handle implements slog.Handler.
func (h *LogHandler) Handle(ctx context.Context, rec slog.Record) error {
	if rec.Level >= h.level.Level() && h.registry != nil {
		source := "engine"
		var extra []string
		collect := func(a slog.Attr) {
			switch a.Key {
			case "component":
				source = a.Value.String()
			case "job_id":
			default:
				key := a.Key
				if h.group != "" {
					key = h.group + "." + key
				}
				extra = append(extra, fmt.Sprintf("%s=%v", key, a.Value.Any()))
			}
		}
		for _, a := range h.attrs {
			collect(a)
		}
		rec.Attrs(func(a slog.Attr) bool {
			collect(a)
			return true
		})

		msg := rec.Message
		if len(extra) > 0 {
			msg += " " + strings.Join(extra, " ")
		}
		h.registry.AppendLog(h.jobID, rec.Level.String(), source, msg)
	}

	if h.next.Enabled(ctx, rec.Level) {
		return h.next.Handle(ctx, rec)
	}
	return nil
}

// WithAttrs implements slog.Handler.
func (h *LogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	c := *h
	c.attrs = append(append([]slog.Attr(nil), h.attrs...), attrs...)
	c.next = h.next.WithAttrs(attrs)
	return &c
}

// WithGroup implements slog.Handler.
func (h *LogHandler) WithGroup(name string) slog.Handler {
	c := *h
	if c.group == "" {
		c.group = name
	} else {
		c.group += "." + name
	}
	c.next = h.next.WithGroup(name)
	return &c
}
