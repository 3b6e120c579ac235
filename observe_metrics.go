package sqlitecore

import (
	"context"

	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the counters and histograms this package records when a
// non-nil metric.Meter is supplied via WithMetrics. A nil *Metrics (what a
// Database or Broker holds when WithMetrics was never called) makes every
// recording method a no-op, so callers never need a nil check before
// calling them.
type Metrics struct {
	writerWait      metric.Float64Histogram
	writesTotal     metric.Int64Counter
	laggedEvents    metric.Int64Counter
	publishedTotal  metric.Int64Counter
}

// NewMetrics registers sqlitecore's instruments against meter. Pass the
// result to WithMetrics on a Database or a Broker (or call the recording methods
// directly from sub-packages that accept a *Metrics).
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	writerWait, err := meter.Float64Histogram(
		"sqlitecore.writer_wait",
		metric.WithDescription("time spent waiting to acquire the writer slot"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}
	writesTotal, err := meter.Int64Counter(
		"sqlitecore.writes_total",
		metric.WithDescription("number of write guards acquired"),
	)
	if err != nil {
		return nil, err
	}
	laggedEvents, err := meter.Int64Counter(
		"sqlitecore.observe.lagged_total",
		metric.WithDescription("number of change notifications dropped due to a slow subscriber"),
	)
	if err != nil {
		return nil, err
	}
	publishedTotal, err := meter.Int64Counter(
		"sqlitecore.observe.published_total",
		metric.WithDescription("number of row changes published to the change broker"),
	)
	if err != nil {
		return nil, err
	}
	return &Metrics{
		writerWait:     writerWait,
		writesTotal:    writesTotal,
		laggedEvents:   laggedEvents,
		publishedTotal: publishedTotal,
	}, nil
}

func (m *Metrics) recordWriterWait(ctx context.Context, seconds float64) {
	if m == nil {
		return
	}
	m.writerWait.Record(ctx, seconds)
	m.writesTotal.Add(ctx, 1)
}

// RecordLagged records n dropped change notifications. Exported so
// sub-packages (observe) can report against a shared *Metrics without
// importing an unexported method.
func (m *Metrics) RecordLagged(ctx context.Context, n int64) {
	if m == nil {
		return
	}
	m.laggedEvents.Add(ctx, n)
}

// RecordPublished records one row change having been published.
func (m *Metrics) RecordPublished(ctx context.Context) {
	if m == nil {
		return
	}
	m.publishedTotal.Add(ctx, 1)
}
