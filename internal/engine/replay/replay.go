// Package replay reconstructs document state by folding journal events over
// an initial or snapshotted state.
package replay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/slatecore/slate/internal/engine/dispatch"
	"github.com/slatecore/slate/internal/engine/snapshot"
	"github.com/slatecore/slate/internal/platform/clock"
	"github.com/slatecore/slate/internal/storage"
	"github.com/slatecore/slate/internal/telemetry"
)

// ErrSequenceGap is returned when the journal yields a non-contiguous
// event range, which indicates journal corruption or over-pruning.
var ErrSequenceGap = errors.New("sequence gap in event journal")

const defaultPageSize = 512

// Pauser suspends event recording for the duration of a replay so replayed
// events are not recorded again.
type Pauser interface {
	Pause(ctx context.Context) error
	Resume()
}

// Replayer folds journal events through the dispatcher to rebuild state.
//
// Failures leave the caller's visible state untouched: the replayer works on
// values it owns and only returns a state on full success.
type Replayer struct {
	mu         sync.Mutex
	documentID string
	events     storage.EventStore
	snapshots  storage.SnapshotStore
	dispatcher *dispatch.Dispatcher
	initial    func() any
	decode     func(data []byte) (any, error)
	pauser     Pauser
	metrics    telemetry.Sink
	clk        clock.Clock
	pageSize   int
	replaying  bool
}

// Option configures a Replayer.
type Option func(*Replayer)

// WithSnapshots enables snapshot-seeded replay.
func WithSnapshots(store storage.SnapshotStore, decode func(data []byte) (any, error)) Option {
	return func(r *Replayer) {
		r.snapshots = store
		if decode != nil {
			r.decode = decode
		}
	}
}

// WithPauser wires the recorder pause/resume coordination.
func WithPauser(p Pauser) Option {
	return func(r *Replayer) { r.pauser = p }
}

// WithMetrics injects the metrics sink.
func WithMetrics(sink telemetry.Sink) Option {
	return func(r *Replayer) { r.metrics = sink }
}

// WithClock injects the time source.
func WithClock(clk clock.Clock) Option {
	return func(r *Replayer) { r.clk = clk }
}

// WithPageSize overrides the journal read page size.
func WithPageSize(n int) Option {
	return func(r *Replayer) {
		if n > 0 {
			r.pageSize = n
		}
	}
}

// NewReplayer creates a replayer for one document. initial produces the
// empty state used when no snapshot seeds the replay.
func NewReplayer(documentID string, events storage.EventStore, dispatcher *dispatch.Dispatcher, initial func() any, opts ...Option) (*Replayer, error) {
	if documentID == "" {
		return nil, errors.New("document id is required")
	}
	if events == nil {
		return nil, errors.New("event store is required")
	}
	if dispatcher == nil {
		return nil, errors.New("dispatcher is required")
	}
	if initial == nil {
		return nil, errors.New("initial state function is required")
	}

	r := &Replayer{
		documentID: documentID,
		events:     events,
		dispatcher: dispatcher,
		initial:    initial,
		decode: func(data []byte) (any, error) {
			var state any
			if err := json.Unmarshal(data, &state); err != nil {
				return nil, fmt.Errorf("decode snapshot state: %w", err)
			}
			return state, nil
		},
		metrics:  telemetry.Noop{},
		clk:      clock.System(),
		pageSize: defaultPageSize,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r, nil
}

// IsReplaying reports whether a replay is currently in progress.
func (r *Replayer) IsReplaying() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.replaying
}

// Replay applies the event range (fromSeq, toSeq] on top of state and
// returns the result. fromSeq 0 starts from the beginning of the journal;
// toSeq 0 means no upper bound.
func (r *Replayer) Replay(ctx context.Context, state any, fromSeq, toSeq uint64) (any, error) {
	release, err := r.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	result, _, err := r.apply(ctx, state, fromSeq, toSeq)
	return result, err
}

// ReplayFromSnapshot rebuilds state up to and including maxSeq, seeding from
// the nearest snapshot at or below maxSeq when one exists. maxSeq 0 returns
// the initial state without touching the journal. The returned sequence is
// the last event actually applied.
func (r *Replayer) ReplayFromSnapshot(ctx context.Context, maxSeq uint64) (any, uint64, error) {
	release, err := r.begin(ctx)
	if err != nil {
		return nil, 0, err
	}
	defer release()

	if maxSeq == 0 {
		return r.initial(), 0, nil
	}

	state := r.initial()
	var fromSeq uint64

	if r.snapshots != nil {
		snap, err := r.snapshots.NearestSnapshot(ctx, r.documentID, maxSeq)
		switch {
		case err == nil:
			data, err := snapshot.DecodeBlob(snap.State, snap.Compression)
			if err != nil {
				return nil, 0, fmt.Errorf("snapshot %d: %w", snap.Seq, err)
			}
			state, err = r.decode(data)
			if err != nil {
				return nil, 0, fmt.Errorf("snapshot %d: %w", snap.Seq, err)
			}
			fromSeq = snap.Seq
			r.metrics.RecordSnapshotLoad(ctx, snap.Seq)
		case errors.Is(err, storage.ErrNotFound):
			// Full-log replay.
		default:
			return nil, 0, fmt.Errorf("locate snapshot: %w", err)
		}
	}

	result, lastSeq, err := r.apply(ctx, state, fromSeq, maxSeq)
	if err != nil {
		return nil, 0, err
	}
	if lastSeq == 0 {
		lastSeq = fromSeq
	}
	return result, lastSeq, nil
}

// begin marks the replay in progress and pauses recording. The returned
// release function undoes both.
func (r *Replayer) begin(ctx context.Context) (func(), error) {
	r.mu.Lock()
	if r.replaying {
		r.mu.Unlock()
		return nil, errors.New("replay already in progress")
	}
	r.replaying = true
	r.mu.Unlock()

	if r.pauser != nil {
		if err := r.pauser.Pause(ctx); err != nil {
			r.mu.Lock()
			r.replaying = false
			r.mu.Unlock()
			return nil, fmt.Errorf("pause recorder: %w", err)
		}
	}

	return func() {
		if r.pauser != nil {
			r.pauser.Resume()
		}
		r.mu.Lock()
		r.replaying = false
		r.mu.Unlock()
	}, nil
}

// apply pages through the journal and folds events into state. It verifies
// sequence contiguity as it goes.
func (r *Replayer) apply(ctx context.Context, state any, fromSeq, toSeq uint64) (any, uint64, error) {
	start := r.clk.Now()
	applied := 0
	lastSeq := fromSeq

	for {
		events, err := r.events.ListEvents(ctx, r.documentID, lastSeq, r.pageSize)
		if err != nil {
			return nil, 0, fmt.Errorf("list events after %d: %w", lastSeq, err)
		}
		if len(events) == 0 {
			break
		}

		done := false
		for _, evt := range events {
			if toSeq > 0 && evt.Seq > toSeq {
				done = true
				break
			}
			if evt.Seq != lastSeq+1 {
				return nil, 0, fmt.Errorf("%w: expected seq %d, got %d", ErrSequenceGap, lastSeq+1, evt.Seq)
			}
			state, err = r.dispatcher.Dispatch(state, evt)
			if err != nil {
				return nil, 0, err
			}
			lastSeq = evt.Seq
			applied++
		}
		if done || len(events) < r.pageSize {
			break
		}
	}

	r.metrics.RecordReplay(ctx, applied, r.clk.Now().Sub(start))
	if lastSeq == fromSeq {
		return state, 0, nil
	}
	return state, lastSeq, nil
}
