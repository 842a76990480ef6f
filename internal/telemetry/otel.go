package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/slatecore/slate/internal/telemetry"

// OTel is a Sink backed by the global OpenTelemetry meter provider.
type OTel struct {
	events        metric.Int64Counter
	replayEvents  metric.Int64Counter
	replayTime    metric.Float64Histogram
	snapshots     metric.Int64Counter
	snapshotTime  metric.Float64Histogram
	snapshotLoads metric.Int64Counter
	navTime       metric.Float64Histogram
}

// NewOTel creates a Sink publishing through the global meter provider.
func NewOTel() (*OTel, error) {
	meter := otel.Meter(meterName)

	events, err := meter.Int64Counter("slate.events.recorded",
		metric.WithDescription("Events accepted by the recorder"))
	if err != nil {
		return nil, fmt.Errorf("create events counter: %w", err)
	}
	replayEvents, err := meter.Int64Counter("slate.replay.events",
		metric.WithDescription("Events applied during replay"))
	if err != nil {
		return nil, fmt.Errorf("create replay counter: %w", err)
	}
	replayTime, err := meter.Float64Histogram("slate.replay.duration",
		metric.WithDescription("Replay duration"), metric.WithUnit("ms"))
	if err != nil {
		return nil, fmt.Errorf("create replay histogram: %w", err)
	}
	snapshots, err := meter.Int64Counter("slate.snapshots.created",
		metric.WithDescription("Snapshots materialized"))
	if err != nil {
		return nil, fmt.Errorf("create snapshot counter: %w", err)
	}
	snapshotTime, err := meter.Float64Histogram("slate.snapshots.duration",
		metric.WithDescription("Snapshot creation duration"), metric.WithUnit("ms"))
	if err != nil {
		return nil, fmt.Errorf("create snapshot histogram: %w", err)
	}
	snapshotLoads, err := meter.Int64Counter("slate.snapshots.loaded",
		metric.WithDescription("Snapshots used to seed replay"))
	if err != nil {
		return nil, fmt.Errorf("create snapshot load counter: %w", err)
	}
	navTime, err := meter.Float64Histogram("slate.navigation.duration",
		metric.WithDescription("Undo/redo navigation duration"), metric.WithUnit("ms"))
	if err != nil {
		return nil, fmt.Errorf("create navigation histogram: %w", err)
	}

	return &OTel{
		events:        events,
		replayEvents:  replayEvents,
		replayTime:    replayTime,
		snapshots:     snapshots,
		snapshotTime:  snapshotTime,
		snapshotLoads: snapshotLoads,
		navTime:       navTime,
	}, nil
}

func millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

func (o *OTel) RecordEvent(ctx context.Context, eventType string) {
	if o == nil {
		return
	}
	o.events.Add(ctx, 1, metric.WithAttributes(attribute.String("event.type", eventType)))
}

func (o *OTel) RecordReplay(ctx context.Context, applied int, d time.Duration) {
	if o == nil {
		return
	}
	o.replayEvents.Add(ctx, int64(applied))
	o.replayTime.Record(ctx, millis(d))
}

func (o *OTel) RecordSnapshot(ctx context.Context, seq uint64, d time.Duration) {
	if o == nil {
		return
	}
	o.snapshots.Add(ctx, 1)
	o.snapshotTime.Record(ctx, millis(d))
}

func (o *OTel) RecordSnapshotLoad(ctx context.Context, seq uint64) {
	if o == nil {
		return
	}
	o.snapshotLoads.Add(ctx, 1)
}

func (o *OTel) RecordNavigation(ctx context.Context, direction string, d time.Duration) {
	if o == nil {
		return
	}
	o.navTime.Record(ctx, millis(d), metric.WithAttributes(attribute.String("direction", direction)))
}

// Flush is a no-op; the meter provider owns export cadence.
func (o *OTel) Flush(context.Context) error {
	return nil
}
