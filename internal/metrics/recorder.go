package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder records pipeline telemetry. A nil *Recorder is a no-op.
type Recorder struct {
	registry *prometheus.Registry
	usage    *usageTracker

	calls         *prometheus.CounterVec
	callSeconds   *prometheus.HistogramVec
	tokens        *prometheus.CounterVec
	units         *prometheus.CounterVec
	revisions     prometheus.Histogram
	dlqPushes     *prometheus.CounterVec
	criticOpen    prometheus.Counter
	eventsDropped prometheus.Counter
}

// NewRecorder creates a recorder with its own Prometheus registry.
func NewRecorder() *Recorder {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	r := &Recorder{
		registry: reg,
		usage:    newUsageTracker(),
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tome_generation_calls_total",
			Help: "Generation service calls by stage, outcome and error kind.",
		}, []string{"stage", "outcome", "kind"}),
		callSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tome_generation_call_seconds",
			Help:    "Generation service call latency.",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 900, 1800},
		}, []string{"stage"}),
		tokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tome_generation_tokens_total",
			Help: "Tokens consumed by stage and direction.",
		}, []string{"stage", "direction"}),
		units: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tome_units_total",
			Help: "Finished work units by outcome.",
		}, []string{"outcome"}),
		revisions: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tome_unit_revisions",
			Help:    "Revision count per finished unit.",
			Buckets: []float64{0, 1, 2, 3, 4, 5},
		}),
		dlqPushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tome_dlq_pushes_total",
			Help: "Dead letter records written by phase.",
		}, []string{"phase"}),
		criticOpen: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tome_critic_fail_open_total",
			Help: "Units accepted because the critic call failed.",
		}),
		eventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tome_events_dropped_total",
			Help: "Progress events dropped because a subscriber queue was full.",
		}),
	}

	reg.MustRegister(
		r.calls, r.callSeconds, r.tokens, r.units, r.revisions,
		r.dlqPushes, r.criticOpen, r.eventsDropped,
	)
	return r
}

// Registry returns the underlying Prometheus registry.
func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// RecordLLMCall records one generation call.
func (r *Recorder) RecordLLMCall(c CallRecord) {
	if r == nil {
		return
	}

	outcome := "success"
	if !c.Success {
		outcome = "error"
	}
	r.calls.WithLabelValues(c.Stage, outcome, c.Kind).Inc()
	r.callSeconds.WithLabelValues(c.Stage).Observe(c.Duration.Seconds())
	r.tokens.WithLabelValues(c.Stage, "prompt").Add(float64(c.PromptTokens))
	r.tokens.WithLabelValues(c.Stage, "completion").Add(float64(c.CompletionTokens))

	r.usage.update(c.JobID, func(u *Usage) {
		u.Calls++
		u.PromptTokens += c.PromptTokens
		u.CompletionTokens += c.CompletionTokens
		u.TotalTokens += c.PromptTokens + c.CompletionTokens
		u.ExecutionSeconds += c.Duration.Seconds()

		s := u.ByStage[c.Stage]
		s.Calls++
		s.TotalTokens += c.PromptTokens + c.CompletionTokens
		if !c.Success {
			u.Failures++
			s.Failures++
		}
		u.ByStage[c.Stage] = s
	})
}

// RecordUnit records a finished unit.
func (r *Recorder) RecordUnit(outcome string, revisions int) {
	if r == nil {
		return
	}
	r.units.WithLabelValues(outcome).Inc()
	r.revisions.Observe(float64(revisions))
}

// RecordDLQPush records a dead letter write.
func (r *Recorder) RecordDLQPush(jobID string, phase int) {
	if r == nil {
		return
	}
	r.dlqPushes.WithLabelValues(strconv.Itoa(phase)).Inc()
	r.usage.update(jobID, func(u *Usage) { u.DeadLetters++ })
}

// RecordCriticFailOpen records a unit accepted without a critic verdict.
func (r *Recorder) RecordCriticFailOpen(jobID string) {
	if r == nil {
		return
	}
	r.criticOpen.Inc()
	r.usage.update(jobID, func(u *Usage) { u.CriticSkipped++ })
}

// RecordEventDropped records a progress event dropped for a slow subscriber.
func (r *Recorder) RecordEventDropped() {
	if r == nil {
		return
	}
	r.eventsDropped.Inc()
}

// Usage returns the usage summary for jobID.
func (r *Recorder) Usage(jobID string) Usage {
	if r == nil {
		return Usage{}
	}
	return r.usage.get(jobID)
}

// ForgetJob drops the in-memory usage for jobID.
func (r *Recorder) ForgetJob(jobID string) {
	if r == nil {
		return
	}
	r.usage.forget(jobID)
}
