// Package telemetry holds the OpenTelemetry instruments shared across the
// pipeline. Instrument creation failures are returned once at startup rather
// than checked at every increment site, and all increment methods are nil-safe
// so callers can carry an optional *Metrics without guards.
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "goa.design/scout"

// Metrics bundles the pipeline's counters.
type Metrics struct {
	runsDispatched metric.Int64Counter
	runsCompleted  metric.Int64Counter
	runsFailed     metric.Int64Counter
	runsDuplicate  metric.Int64Counter
	runsReaped     metric.Int64Counter
}

// New creates the pipeline counters on the global meter provider.
func New() (*Metrics, error) {
	meter := otel.Meter(meterName)
	var (
		m   Metrics
		err error
	)
	if m.runsDispatched, err = meter.Int64Counter("scout.runs.dispatched",
		metric.WithDescription("Scout runs handed to the executor")); err != nil {
		return nil, err
	}
	if m.runsCompleted, err = meter.Int64Counter("scout.runs.completed",
		metric.WithDescription("Scout runs that reached a final report")); err != nil {
		return nil, err
	}
	if m.runsFailed, err = meter.Int64Counter("scout.runs.failed",
		metric.WithDescription("Scout runs that ended in failure")); err != nil {
		return nil, err
	}
	if m.runsDuplicate, err = meter.Int64Counter("scout.runs.duplicate",
		metric.WithDescription("Completed scout runs flagged as duplicates")); err != nil {
		return nil, err
	}
	if m.runsReaped, err = meter.Int64Counter("scout.runs.reaped",
		metric.WithDescription("Stale running executions reclaimed by the reaper")); err != nil {
		return nil, err
	}
	return &m, nil
}

// RunDispatched counts a scout handed to the executor.
func (m *Metrics) RunDispatched(ctx context.Context) {
	if m == nil {
		return
	}
	m.add(ctx, m.runsDispatched, 1)
}

// RunCompleted counts an execution that reached a final report.
func (m *Metrics) RunCompleted(ctx context.Context, status string) {
	if m == nil {
		return
	}
	m.add(ctx, m.runsCompleted, 1, attribute.String("task_status", status))
}

// RunFailed counts an execution that ended in failure.
func (m *Metrics) RunFailed(ctx context.Context) {
	if m == nil {
		return
	}
	m.add(ctx, m.runsFailed, 1)
}

// RunDuplicate counts a completed run flagged as a duplicate.
func (m *Metrics) RunDuplicate(ctx context.Context) {
	if m == nil {
		return
	}
	m.add(ctx, m.runsDuplicate, 1)
}

// RunsReaped counts stale running executions reclaimed by the reaper.
func (m *Metrics) RunsReaped(ctx context.Context, n int64) {
	if m == nil {
		return
	}
	m.add(ctx, m.runsReaped, n)
}

func (m *Metrics) add(ctx context.Context, counter metric.Int64Counter, n int64, attrs ...attribute.KeyValue) {
	if m == nil || counter == nil {
		return
	}
	counter.Add(ctx, n, metric.WithAttributes(attrs...))
}
