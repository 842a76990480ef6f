// Package record rate-limits a high-frequency event stream before it
// reaches the journal.
package record

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/slatecore/slate/internal/engine/event"
	"github.com/slatecore/slate/internal/platform/clock"
	"github.com/slatecore/slate/internal/telemetry"
)

// ErrClosed is returned when recording after Close.
var ErrClosed = errors.New("recorder is closed")

// ForwardFunc receives events that cleared the sampling interval.
type ForwardFunc func(ctx context.Context, evt event.Event) error

// Recorder samples an event stream down to at most one forward per
// interval.
//
// The first event of a burst forwards immediately. Later events within the
// interval are buffered and coalesced: payloads carry absolute state, so
// replacing a buffered event with a newer one of the same coalesce key
// keeps the net effect. An event with a different key flushes the buffer
// first so effects on distinct targets are never dropped.
type Recorder struct {
	mu          sync.Mutex
	interval    time.Duration
	clk         clock.Clock
	forward     ForwardFunc
	metrics     telemetry.Sink
	logger      *slog.Logger
	pending     *event.Event
	pendingKey  string
	lastForward time.Time
	timer       clock.Timer
	paused      int
	closed      bool
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithClock injects the timer source.
func WithClock(clk clock.Clock) Option {
	return func(r *Recorder) { r.clk = clk }
}

// WithMetrics injects the metrics sink.
func WithMetrics(sink telemetry.Sink) Option {
	return func(r *Recorder) { r.metrics = sink }
}

// WithLogger injects the logger used for background flush failures.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Recorder) { r.logger = logger }
}

// NewRecorder creates a recorder forwarding to fn at most once per
// interval.
func NewRecorder(interval time.Duration, fn ForwardFunc, opts ...Option) (*Recorder, error) {
	if interval <= 0 {
		return nil, errors.New("sampling interval must be greater than zero")
	}
	if fn == nil {
		return nil, errors.New("forward function is required")
	}

	r := &Recorder{
		interval: interval,
		clk:      clock.System(),
		forward:  fn,
		metrics:  telemetry.Noop{},
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r, nil
}

// Record accepts one event. While paused, events are dropped so replayed
// events never feed back into the journal.
func (r *Recorder) Record(ctx context.Context, evt event.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrClosed
	}
	if r.paused > 0 {
		return nil
	}

	key := evt.CoalesceKey()
	if r.pending != nil {
		if key == r.pendingKey {
			r.pending = &evt
			return nil
		}
		// Different target: the buffered effect must survive, forward it
		// before buffering the newcomer.
		if err := r.forwardLocked(ctx, *r.pending); err != nil {
			return err
		}
		r.clearPendingLocked()
	}

	now := r.clk.Now()
	if r.lastForward.IsZero() || now.Sub(r.lastForward) >= r.interval {
		return r.forwardLocked(ctx, evt)
	}

	r.pending = &evt
	r.pendingKey = key
	r.scheduleFlushLocked(r.lastForward.Add(r.interval).Sub(now))
	return nil
}

// Flush synchronously forwards any buffered event.
func (r *Recorder) Flush(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.flushLocked(ctx)
}

// Pause suspends recording. Buffered events are flushed first so nothing
// recorded before the pause is lost. Calls nest.
func (r *Recorder) Pause(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.flushLocked(ctx); err != nil {
		return err
	}
	r.paused++
	return nil
}

// Resume lifts one level of pause. Extra calls are no-ops.
func (r *Recorder) Resume() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.paused > 0 {
		r.paused--
	}
}

// Paused reports whether recording is currently suspended.
func (r *Recorder) Paused() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.paused > 0
}

// Close flushes and stops the recorder. Further records fail.
func (r *Recorder) Close(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	err := r.flushLocked(ctx)
	r.closed = true
	return err
}

func (r *Recorder) flushLocked(ctx context.Context) error {
	if r.pending == nil {
		return nil
	}
	evt := *r.pending
	r.clearPendingLocked()
	return r.forwardLocked(ctx, evt)
}

func (r *Recorder) forwardLocked(ctx context.Context, evt event.Event) error {
	if err := r.forward(ctx, evt); err != nil {
		return fmt.Errorf("forward event %s: %w", evt.Type, err)
	}
	r.lastForward = r.clk.Now()
	r.metrics.RecordEvent(ctx, string(evt.Type))
	return nil
}

func (r *Recorder) clearPendingLocked() {
	r.pending = nil
	r.pendingKey = ""
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}

func (r *Recorder) scheduleFlushLocked(d time.Duration) {
	if d <= 0 {
		d = time.Millisecond
	}
	if r.timer != nil {
		r.timer.Reset(d)
		return
	}
	r.timer = r.clk.AfterFunc(d, r.timedFlush)
}

// timedFlush runs on the timer goroutine when the trailing edge of the
// sampling interval arrives.
func (r *Recorder) timedFlush() {
	r.mu.Lock()
	if r.closed || r.pending == nil {
		r.mu.Unlock()
		return
	}
	evt := *r.pending
	r.pending = nil
	r.pendingKey = ""
	r.timer = nil
	err := r.forwardLocked(context.Background(), evt)
	r.mu.Unlock()

	if err != nil {
		r.logger.Error("flush buffered event", "error", err, "event_type", evt.Type)
	}
}
