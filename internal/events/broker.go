// Package events fans job progress out to live subscribers. Publishing
// never blocks: a subscriber that falls behind loses events, and the loss
// is counted.
package events

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackzampolin/tome/internal/metrics"
)

// DefaultQueueSize is the per-subscriber buffer.
const DefaultQueueSize = 100

// Event is one progress update for a job.
type Event struct {
	JobID              string    `json:"job_id"`
	Status             string    `json:"status"`
	Phase              int       `json:"current_phase"`
	ProgressPercentage float64   `json:"progress_percentage"`
	Message            string    `json:"message"`
	ETASeconds         *float64  `json:"eta_seconds,omitempty"`
	ETATotalSeconds    *float64  `json:"eta_total_seconds,omitempty"`
	Timestamp          time.Time `json:"timestamp"`
}

// Terminal reports whether the event ends the job's stream.
func (e Event) Terminal() bool {
	return e.Status == "completed" || e.Status == "failed"
}

// Publisher accepts events.
type Publisher interface {
	Publish(jobID string, ev Event)
}

// Subscription is one consumer's view of a job's events.
type Subscription struct {
	jobID   string
	ch      chan Event
	dropped atomic.Int64
	closed  bool
}

// Events returns the receive side. It is closed after a terminal event or
// on Unsubscribe.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// JobID returns the subscribed job.
func (s *Subscription) JobID() string {
	return s.jobID
}

// Dropped returns how many events this subscriber missed.
func (s *Subscription) Dropped() int64 {
	return s.dropped.Load()
}

// Broker routes events to per-job subscribers.
type Broker struct {
	mu        sync.Mutex
	subs      map[string]map[*Subscription]struct{}
	queueSize int
	metrics   *metrics.Recorder
	logger    *slog.Logger
}

// NewBroker creates a broker. queueSize <= 0 uses DefaultQueueSize.
func NewBroker(queueSize int, rec *metrics.Recorder, logger *slog.Logger) *Broker {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{
		subs:      make(map[string]map[*Subscription]struct{}),
		queueSize: queueSize,
		metrics:   rec,
		logger:    logger.With("component", "events"),
	}
}

// Subscribe registers a consumer for jobID.
func (b *Broker) Subscribe(jobID string) (*Subscription, error) {
	if jobID == "" {
		return nil, fmt.Errorf("job id is required")
	}
	sub := &Subscription{jobID: jobID, ch: make(chan Event, b.queueSize)}

	b.mu.Lock()
	defer b.mu.Unlock()
	set, ok := b.subs[jobID]
	if !ok {
		set = make(map[*Subscription]struct{})
		b.subs[jobID] = set
	}
	set[sub] = struct{}{}
	return sub, nil
}

// Unsubscribe removes sub and closes its channel. Safe to call twice.
func (b *Broker) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.removeLocked(sub)
}

func (b *Broker) removeLocked(sub *Subscription) {
	if sub.closed {
		return
	}
	sub.closed = true
	close(sub.ch)
	if set, ok := b.subs[sub.jobID]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(b.subs, sub.jobID)
		}
	}
}

// Publish delivers ev to every subscriber of jobID without blocking. A
// full subscriber drops the event. A terminal event is always delivered,
// displacing the oldest queued event if needed, and then the subscription
// is closed.
func (b *Broker) Publish(jobID string, ev Event) {
	if ev.JobID == "" {
		ev.JobID = jobID
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	terminal := ev.Terminal()

	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subs[jobID] {
		if !b.offer(sub, ev) && terminal {
			select {
			case <-sub.ch:
				b.drop(sub)
			default:
			}
			b.offer(sub, ev)
		}
		if terminal {
			b.removeLocked(sub)
		}
	}
}

func (b *Broker) offer(sub *Subscription, ev Event) bool {
	select {
	case sub.ch <- ev:
		return true
	default:
		if !ev.Terminal() {
			b.drop(sub)
		}
		return false
	}
}

func (b *Broker) drop(sub *Subscription) {
	n := sub.dropped.Add(1)
	b.metrics.RecordEventDropped()
	if n == 1 || n%100 == 0 {
		b.logger.Warn("subscriber falling behind, dropping events", "job_id", sub.jobID, "dropped", n)
	}
}

// SubscriberCount returns the live subscribers for jobID.
func (b *Broker) SubscriberCount(jobID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[jobID])
}

// Fanout publishes to several publishers in order.
type Fanout []Publisher

// Publish implements Publisher.
func (f Fanout) Publish(jobID string, ev Event) {
	for _, p := range f {
		if p != nil {
			p.Publish(jobID, ev)
		}
	}
}
