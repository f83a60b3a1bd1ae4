package events

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// DefaultSubjectPrefix is the NATS subject root for job events.
const DefaultSubjectPrefix = "tome.jobs"

// NATSBridge decorates a Publisher, mirroring every event to NATS as JSON.
// A NATS failure is logged and never reaches the caller.
type NATSBridge struct {
	next   Publisher
	nc     *nats.Conn
	prefix string
	logger *slog.Logger
}

// ConnectNATS dials url and returns a bridge in front of next.
func ConnectNATS(url, prefix string, next Publisher, logger *slog.Logger) (*NATSBridge, error) {
	nc, err := nats.Connect(url,
		nats.Name("tome"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.Timeout(5*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}
	return NewNATSBridge(nc, prefix, next, logger), nil
}

// NewNATSBridge wraps an existing connection. A nil conn forwards only.
func NewNATSBridge(nc *nats.Conn, prefix string, next Publisher, logger *slog.Logger) *NATSBridge {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &NATSBridge{
		next:   next,
		nc:     nc,
		prefix: prefix,
		logger: logger.With("component", "nats"),
	}
}

// Subject returns the progress subject for jobID.
func (b *NATSBridge) Subject(jobID string) string {
	return fmt.Sprintf("%s.%s.progress", b.prefix, jobID)
}

// Publish implements Publisher.
func (b *NATSBridge) Publish(jobID string, ev Event) {
	if b.next != nil {
		b.next.Publish(jobID, ev)
	}
	if b.nc == nil {
		return
	}
	if ev.JobID == "" {
		ev.JobID = jobID
	}
	data, err := json.Marshal(ev)
	if err != nil {
		b.logger.Warn("failed to encode event", "job_id", jobID, "error", err)
		return
	}
	if err := b.nc.Publish(b.Subject(jobID), data); err != nil {
		b.logger.Warn("failed to publish event to nats", "job_id", jobID, "error", err)
	}
}

// Close drains the connection.
func (b *NATSBridge) Close() {
	if b.nc != nil {
		_ = b.nc.Drain()
	}
}
