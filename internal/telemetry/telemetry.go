// Package telemetry holds the collector's Prometheus metrics and its
// OpenTelemetry tracer.
package telemetry

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("oldgen_gc")

var (
	// TaskQueueEvents counts queue traffic.
	// Labels: "push", "pop", "overflow", "overflow_pop", "steal_attempt", "steal"
	TaskQueueEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "oldgen_gc_task_queue_events_total",
		Help: "Marking task queue events by kind",
	}, []string{"event"})

	ArraysChunked = promauto.NewCounter(prometheus.CounterOpts{
		Name: "oldgen_gc_arrays_chunked_total",
		Help: "Arrays split into partial array chunks",
	})

	ArrayChunksProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "oldgen_gc_array_chunks_processed_total",
		Help: "Partial array chunks scanned",
	})

	ObjectsMarked = promauto.NewCounter(prometheus.CounterOpts{
		Name: "oldgen_gc_objects_marked_total",
		Help: "Objects newly marked by marking workers",
	})

	StatsCacheEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "oldgen_gc_stats_cache_evictions_total",
		Help: "Marking stats cache entries flushed to the region directory",
	})

	// SATBEntriesPurged counts pre-write log entries dropped by the purge.
	// Labels: "trashed", "marked"
	SATBEntriesPurged = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "oldgen_gc_satb_entries_purged_total",
		Help: "Pre-write log entries discarded during the purge",
	}, []string{"reason"})

	// Cycles counts old generation cycles by outcome.
	// Labels: "completed", "cancelled", "deferred", "failed"
	Cycles = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "oldgen_gc_cycles_total",
		Help: "Old generation cycles by outcome",
	}, []string{"outcome"})

	StateTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "oldgen_gc_state_transitions_total",
		Help: "Old generation coordinator state transitions",
	}, []string{"from", "to"})

	PhaseDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "oldgen_gc_phase_duration_seconds",
		Help:    "Duration of coordinator phases",
		Buckets: []float64{0.0001, 0.001, 0.01, 0.1, 1, 10},
	}, []string{"phase"})

	FilledWords = promauto.NewCounter(prometheus.CounterOpts{
		Name: "oldgen_gc_filled_words_total",
		Help: "Dead old generation words turned into filler",
	})
)

// StartSpan starts a span under the collector's tracer.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// EndSpan records err on the span, if any, and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// ObservePhase records how long a phase took.
func ObservePhase(phase string, start time.Time) {
	PhaseDuration.WithLabelValues(phase).Observe(time.Since(start).Seconds())
}
