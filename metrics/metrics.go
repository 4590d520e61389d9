// Package metrics builds the OpenTelemetry instruments spec §4.7 names,
// following the teacher's own NewMetrics(meter) constructor pattern:
// one Meter in, one struct of pre-built instruments out, tagged with
// attributes at the call site instead of baked into the instrument
// name.
package metrics

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the five instruments spec §4.7 requires.
type Metrics struct {
	ManagedProjectionUpdateDuration metric.Float64Histogram
	FetchDuration                   metric.Float64Histogram
	FindDuration                    metric.Float64Histogram
	EventProcessingLatency          metric.Float64Histogram
	FetchSizeBytes                  metric.Int64Gauge
}

// New builds every instrument off meter. A nil meter is treated as
// "metrics disabled": the returned *Metrics has every Record call as a
// safe no-op (see the nil receiver guards below), so wiring OTel is
// always optional for callers of Engine.
func New(meter metric.Meter) (*Metrics, error) {
	if meter == nil {
		return nil, nil
	}

	m := &Metrics{}
	var err error

	m.ManagedProjectionUpdateDuration, err = meter.Float64Histogram(
		"factrun.managed_projection.update.duration",
		metric.WithDescription("Duration of ManagedProjection update() calls"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("metrics: managed_projection.update.duration: %w", err)
	}

	m.FetchDuration, err = meter.Float64Histogram(
		"factrun.fetch.duration",
		metric.WithDescription("Duration of Engine.Fetch calls"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("metrics: fetch.duration: %w", err)
	}

	m.FindDuration, err = meter.Float64Histogram(
		"factrun.find.duration",
		metric.WithDescription("Duration of Engine.Find calls"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("metrics: find.duration: %w", err)
	}

	m.EventProcessingLatency, err = meter.Float64Histogram(
		"factrun.event.processing_latency",
		metric.WithDescription("Delay between a fact's _ts header and local processing"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("metrics: event.processing_latency: %w", err)
	}

	m.FetchSizeBytes, err = meter.Int64Gauge(
		"factrun.fetch.size_bytes",
		metric.WithDescription("Size of the snapshot bytes returned by the most recent fetch/find"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, fmt.Errorf("metrics: fetch.size_bytes: %w", err)
	}

	return m, nil
}

// RecordManagedProjectionUpdate records how long a ManagedProjection
// update took.
func (m *Metrics) RecordManagedProjectionUpdate(ctx context.Context, class string, d time.Duration) {
	if m == nil {
		return
	}
	m.ManagedProjectionUpdateDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("class", class)))
}

// RecordFetch records a fetch's duration and whether it ran under a
// held lock.
func (m *Metrics) RecordFetch(ctx context.Context, class string, locked bool, d time.Duration) {
	if m == nil {
		return
	}
	m.FetchDuration.Record(ctx, d.Seconds(), metric.WithAttributes(
		attribute.String("class", class),
		attribute.Bool("locked", locked),
	))
}

// RecordFind records a find's duration and whether it ran under a held
// lock.
func (m *Metrics) RecordFind(ctx context.Context, class string, locked bool, d time.Duration) {
	if m == nil {
		return
	}
	m.FindDuration.Record(ctx, d.Seconds(), metric.WithAttributes(
		attribute.String("class", class),
		attribute.Bool("locked", locked),
	))
}

// RecordEventProcessingLatency records how far behind the local clock
// a fact's _ts header was when it was applied.
func (m *Metrics) RecordEventProcessingLatency(ctx context.Context, class string, d time.Duration) {
	if m == nil {
		return
	}
	m.EventProcessingLatency.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("class", class)))
}

// RecordFetchSize records the byte size of a snapshot returned by
// fetch or find.
func (m *Metrics) RecordFetchSize(ctx context.Context, class string, bytes int) {
	if m == nil {
		return
	}
	m.FetchSizeBytes.Record(ctx, int64(bytes), metric.WithAttributes(attribute.String("class", class)))
}
