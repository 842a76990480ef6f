// Package telemetry records best-effort operational metrics for the engine.
//
// Sinks never fail engine operations: implementations swallow their own
// errors and callers treat every method as fire-and-forget.
package telemetry

import (
	"context"
	"sync"
	"time"
)

// Navigation direction names recorded with navigation metrics.
const (
	NavigationUndo  = "UndoNavigation"
	NavigationRedo  = "RedoNavigation"
	NavigationScrub = "ScrubNavigation"
)

// Sink receives engine metrics.
type Sink interface {
	// RecordEvent counts one recorded event of the given type.
	RecordEvent(ctx context.Context, eventType string)
	// RecordReplay records a completed replay: events applied and duration.
	RecordReplay(ctx context.Context, applied int, d time.Duration)
	// RecordSnapshot records a completed snapshot creation.
	RecordSnapshot(ctx context.Context, seq uint64, d time.Duration)
	// RecordSnapshotLoad counts a snapshot being used to seed a replay.
	RecordSnapshotLoad(ctx context.Context, seq uint64)
	// RecordNavigation records a successful undo/redo/scrub with duration.
	RecordNavigation(ctx context.Context, direction string, d time.Duration)
	// Flush pushes buffered measurements. Best effort.
	Flush(ctx context.Context) error
}

// Noop is a Sink that discards everything. The zero value is usable.
type Noop struct{}

func (Noop) RecordEvent(context.Context, string)                  {}
func (Noop) RecordReplay(context.Context, int, time.Duration)     {}
func (Noop) RecordSnapshot(context.Context, uint64, time.Duration) {}
func (Noop) RecordSnapshotLoad(context.Context, uint64)           {}
func (Noop) RecordNavigation(context.Context, string, time.Duration) {}
func (Noop) Flush(context.Context) error                          { return nil }

// CaptureEntry is one recorded measurement, kept by Capture for assertions.
type CaptureEntry struct {
	Name      string
	Label     string
	Value     float64
	Duration  time.Duration
}

// Capture is a Sink that retains measurements in memory for tests.
type Capture struct {
	mu      sync.Mutex
	entries []CaptureEntry
	flushes int
}

// NewCapture creates an empty capturing sink.
func NewCapture() *Capture {
	return &Capture{}
}

func (c *Capture) record(entry CaptureEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = append(c.entries, entry)
}

func (c *Capture) RecordEvent(_ context.Context, eventType string) {
	c.record(CaptureEntry{Name: "event", Label: eventType, Value: 1})
}

func (c *Capture) RecordReplay(_ context.Context, applied int, d time.Duration) {
	c.record(CaptureEntry{Name: "replay", Value: float64(applied), Duration: d})
}

func (c *Capture) RecordSnapshot(_ context.Context, seq uint64, d time.Duration) {
	c.record(CaptureEntry{Name: "snapshot", Value: float64(seq), Duration: d})
}

func (c *Capture) RecordSnapshotLoad(_ context.Context, seq uint64) {
	c.record(CaptureEntry{Name: "snapshot_load", Value: float64(seq)})
}

func (c *Capture) RecordNavigation(_ context.Context, direction string, d time.Duration) {
	c.record(CaptureEntry{Name: "navigation", Label: direction, Duration: d})
}

func (c *Capture) Flush(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.flushes++
	return nil
}

// Entries returns a copy of the captured measurements.
func (c *Capture) Entries() []CaptureEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]CaptureEntry(nil), c.entries...)
}

// ByName returns captured measurements with the given name.
func (c *Capture) ByName(name string) []CaptureEntry {
	var out []CaptureEntry
	for _, entry := range c.Entries() {
		if entry.Name == name {
			out = append(out, entry)
		}
	}
	return out
}
