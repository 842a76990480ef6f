// Package undo maintains per-session undo/redo stacks over completed
// operation groups and navigates between them by replay.
package undo

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/slatecore/slate/internal/engine/group"
	"github.com/slatecore/slate/internal/platform/clock"
	"github.com/slatecore/slate/internal/platform/id"
	"github.com/slatecore/slate/internal/telemetry"
)

// ErrNothingToUndo is returned when the undo stack is empty.
var ErrNothingToUndo = errors.New("nothing to undo")

// ErrNothingToRedo is returned when the redo stack is empty.
var ErrNothingToRedo = errors.New("nothing to redo")

// ErrNavigationInProgress is returned when a navigation starts before the
// prior one settled.
var ErrNavigationInProgress = errors.New("navigation already in progress")

// Replayer rebuilds state up to a sequence number. A failed replay must
// leave no partial state visible to the navigator.
type Replayer interface {
	ReplayFromSnapshot(ctx context.Context, maxSeq uint64) (any, uint64, error)
}

// Status is the navigator's externally visible position.
type Status struct {
	CanUndo      bool
	CanRedo      bool
	CurrentSeq   uint64
	CurrentLabel string
}

// StatusFunc receives status updates after every stack or position change.
type StatusFunc func(status Status)

// Navigator owns one session's undo/redo stacks. Multiple navigators may
// observe the same journal concurrently; each keeps isolated stacks and its
// own current sequence.
//
// Navigation operates on whole groups, never partial ones. Callers
// serialize access; concurrent navigations are rejected rather than queued.
type Navigator struct {
	mu         sync.Mutex
	id         string
	replayer   Replayer
	metrics    telemetry.Sink
	clk        clock.Clock
	undoStack  []group.Operation
	redoStack  []group.Operation
	currentSeq uint64
	state      any
	listeners  []StatusFunc
	navigating bool
}

// Option configures a Navigator.
type Option func(*Navigator)

// WithMetrics injects the metrics sink.
func WithMetrics(sink telemetry.Sink) Option {
	return func(n *Navigator) { n.metrics = sink }
}

// WithClock injects the time source.
func WithClock(clk clock.Clock) Option {
	return func(n *Navigator) { n.clk = clk }
}

// WithInstanceID overrides the generated instance identifier.
func WithInstanceID(instanceID string) Option {
	return func(n *Navigator) { n.id = instanceID }
}

// NewNavigator creates a navigator over the given replayer.
func NewNavigator(replayer Replayer, opts ...Option) (*Navigator, error) {
	if replayer == nil {
		return nil, errors.New("replayer is required")
	}

	n := &Navigator{
		replayer: replayer,
		metrics:  telemetry.Noop{},
		clk:      clock.System(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(n)
		}
	}
	if n.id == "" {
		instanceID, err := id.NewID()
		if err != nil {
			return nil, fmt.Errorf("generate navigator id: %w", err)
		}
		n.id = instanceID
	}
	return n, nil
}

// InstanceID identifies this navigator in diagnostics when several observe
// one document.
func (n *Navigator) InstanceID() string {
	return n.id
}

// Push accepts a newly completed group: it lands on the undo stack, the
// redo stack empties, and the current position moves to the group's end.
func (n *Navigator) Push(op group.Operation) {
	n.mu.Lock()
	n.undoStack = append(n.undoStack, op)
	n.redoStack = nil
	n.currentSeq = op.EndSeq
	n.mu.Unlock()

	n.notify()
}

// Undo steps back one group. On replay failure the stacks and position are
// exactly as before the call.
func (n *Navigator) Undo(ctx context.Context) error {
	start := n.clk.Now()

	n.mu.Lock()
	if n.navigating {
		n.mu.Unlock()
		return ErrNavigationInProgress
	}
	if len(n.undoStack) == 0 {
		n.mu.Unlock()
		return ErrNothingToUndo
	}
	n.navigating = true
	top := n.undoStack[len(n.undoStack)-1]
	var target uint64
	if len(n.undoStack) > 1 {
		target = n.undoStack[len(n.undoStack)-2].EndSeq
	}
	n.mu.Unlock()

	state, seq, err := n.replayer.ReplayFromSnapshot(ctx, target)

	n.mu.Lock()
	n.navigating = false
	if err != nil {
		n.mu.Unlock()
		return fmt.Errorf("undo %q (navigator %s): %w", top.Label, n.id, err)
	}
	n.undoStack = n.undoStack[:len(n.undoStack)-1]
	n.redoStack = append(n.redoStack, top)
	n.currentSeq = seq
	n.state = state
	n.mu.Unlock()

	n.metrics.RecordNavigation(ctx, telemetry.NavigationUndo, n.clk.Now().Sub(start))
	n.notify()
	return nil
}

// Redo re-applies the most recently undone group. On replay failure the
// stacks and position are exactly as before the call.
func (n *Navigator) Redo(ctx context.Context) error {
	start := n.clk.Now()

	n.mu.Lock()
	if n.navigating {
		n.mu.Unlock()
		return ErrNavigationInProgress
	}
	if len(n.redoStack) == 0 {
		n.mu.Unlock()
		return ErrNothingToRedo
	}
	n.navigating = true
	top := n.redoStack[len(n.redoStack)-1]
	n.mu.Unlock()

	state, seq, err := n.replayer.ReplayFromSnapshot(ctx, top.EndSeq)

	n.mu.Lock()
	n.navigating = false
	if err != nil {
		n.mu.Unlock()
		return fmt.Errorf("redo %q (navigator %s): %w", top.Label, n.id, err)
	}
	n.redoStack = n.redoStack[:len(n.redoStack)-1]
	n.undoStack = append(n.undoStack, top)
	n.currentSeq = seq
	n.state = state
	n.mu.Unlock()

	n.metrics.RecordNavigation(ctx, telemetry.NavigationRedo, n.clk.Now().Sub(start))
	n.notify()
	return nil
}

// ScrubToSequence jumps directly to a journal position and repartitions the
// stacks around it: groups ending at or before seq become undoable, groups
// starting after it become redoable. Scrubbing to the current position
// never invokes the replayer.
func (n *Navigator) ScrubToSequence(ctx context.Context, seq int64) error {
	if seq < 0 {
		return fmt.Errorf("sequence %d is negative", seq)
	}
	target := uint64(seq)
	start := n.clk.Now()

	n.mu.Lock()
	if n.navigating {
		n.mu.Unlock()
		return ErrNavigationInProgress
	}
	if target == n.currentSeq {
		n.mu.Unlock()
		return nil
	}
	n.navigating = true
	n.mu.Unlock()

	state, applied, err := n.replayer.ReplayFromSnapshot(ctx, target)

	n.mu.Lock()
	n.navigating = false
	if err != nil {
		n.mu.Unlock()
		return fmt.Errorf("scrub to %d (navigator %s): %w", target, n.id, err)
	}

	all := make([]group.Operation, 0, len(n.undoStack)+len(n.redoStack))
	all = append(all, n.undoStack...)
	for i := len(n.redoStack) - 1; i >= 0; i-- {
		all = append(all, n.redoStack[i])
	}

	n.undoStack = nil
	n.redoStack = nil
	for i := len(all) - 1; i >= 0; i-- {
		if all[i].StartSeq > target {
			n.redoStack = append(n.redoStack, all[i])
		}
	}
	for _, op := range all {
		if op.EndSeq <= target {
			n.undoStack = append(n.undoStack, op)
		}
	}
	n.currentSeq = applied
	n.state = state
	n.mu.Unlock()

	n.metrics.RecordNavigation(ctx, telemetry.NavigationScrub, n.clk.Now().Sub(start))
	n.notify()
	return nil
}

// ScrubToGroup jumps to the end of the given group.
func (n *Navigator) ScrubToGroup(ctx context.Context, op group.Operation) error {
	return n.ScrubToSequence(ctx, int64(op.EndSeq))
}

// CanUndo reports whether an undoable group exists.
func (n *Navigator) CanUndo() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.undoStack) > 0
}

// CanRedo reports whether a redoable group exists.
func (n *Navigator) CanRedo() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.redoStack) > 0
}

// CurrentSeq returns the journal position the visible state reflects.
func (n *Navigator) CurrentSeq() uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.currentSeq
}

// State returns the most recently replayed state, nil before any
// navigation.
func (n *Navigator) State() any {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

// UndoDepth returns the undo stack size.
func (n *Navigator) UndoDepth() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.undoStack)
}

// RedoDepth returns the redo stack size.
func (n *Navigator) RedoDepth() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.redoStack)
}

// Status returns the current navigation status.
func (n *Navigator) Status() Status {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.statusLocked()
}

// OnStatusChange registers a listener invoked after every stack or position
// change.
func (n *Navigator) OnStatusChange(fn StatusFunc) {
	if fn == nil {
		return
	}
	n.mu.Lock()
	n.listeners = append(n.listeners, fn)
	n.mu.Unlock()
}

func (n *Navigator) statusLocked() Status {
	status := Status{
		CanUndo:    len(n.undoStack) > 0,
		CanRedo:    len(n.redoStack) > 0,
		CurrentSeq: n.currentSeq,
	}
	if len(n.undoStack) > 0 {
		status.CurrentLabel = n.undoStack[len(n.undoStack)-1].Label
	}
	return status
}

func (n *Navigator) notify() {
	n.mu.Lock()
	status := n.statusLocked()
	listeners := append([]StatusFunc(nil), n.listeners...)
	n.mu.Unlock()

	for _, fn := range listeners {
		fn(status)
	}
}
