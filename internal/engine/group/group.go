// Package group coalesces contiguous runs of recorded events into
// operation groups, the units undo and redo act on.
package group

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/slatecore/slate/internal/engine/event"
	"github.com/slatecore/slate/internal/platform/clock"
	"github.com/slatecore/slate/internal/platform/id"
)

// ErrClosed is returned when recording into a closed service.
var ErrClosed = errors.New("grouping service is closed")

// ErrNoActiveGroup is returned when ending a group that does not exist.
var ErrNoActiveGroup = errors.New("no active operation group")

// Operation is a completed group of contiguous events treated as one
// undoable unit.
type Operation struct {
	ID         string
	Label      string
	StartSeq   uint64
	EndSeq     uint64
	StartTime  time.Time
	EndTime    time.Time
	EventCount int
}

// CompleteFunc receives completed operation groups.
type CompleteFunc func(op Operation)

// CancelFunc receives cancelled groups. Cancelled groups never produce an
// undo entry.
type CancelFunc func(op Operation)

type activeGroup struct {
	id        string
	label     string
	explicit  bool
	startSeq  uint64
	endSeq    uint64
	startTime time.Time
	lastTime  time.Time
	count     int
}

// Service is the idle-boundary state machine. A group opens on the first
// recorded event and closes when the inter-event gap reaches the idle
// threshold, on an explicit boundary, or on cancellation.
//
// Notifications fire only on completion or cancellation, never per event.
type Service struct {
	mu            sync.Mutex
	idleThreshold time.Duration
	clk           clock.Clock
	idGen         func() (string, error)
	onComplete    CompleteFunc
	onCancel      CancelFunc
	active        *activeGroup
	timer         clock.Timer
	closed        bool
}

// Option configures a Service.
type Option func(*Service)

// WithClock injects the timer source.
func WithClock(clk clock.Clock) Option {
	return func(s *Service) { s.clk = clk }
}

// WithIDGenerator injects the group id generator.
func WithIDGenerator(gen func() (string, error)) Option {
	return func(s *Service) { s.idGen = gen }
}

// WithCancelFunc registers the cancellation listener.
func WithCancelFunc(fn CancelFunc) Option {
	return func(s *Service) { s.onCancel = fn }
}

// NewService creates a grouping service that emits completed groups to
// onComplete after idleThreshold of event silence.
func NewService(idleThreshold time.Duration, onComplete CompleteFunc, opts ...Option) (*Service, error) {
	if idleThreshold <= 0 {
		return nil, errors.New("idle threshold must be greater than zero")
	}
	if onComplete == nil {
		return nil, errors.New("completion listener is required")
	}

	s := &Service{
		idleThreshold: idleThreshold,
		clk:           clock.System(),
		idGen:         id.NewID,
		onComplete:    onComplete,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

// OnEventRecorded feeds one persisted event's metadata into the state
// machine. The first event seeds a group; later events extend it and push
// the idle deadline out. An event that arrives at exactly the idle
// threshold, before the boundary has been processed, still extends the
// group.
func (s *Service) OnEventRecorded(meta event.Metadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	now := s.clk.Now()
	if s.active == nil {
		groupID, err := s.idGen()
		if err != nil {
			return fmt.Errorf("generate group id: %w", err)
		}
		s.active = &activeGroup{
			id:        groupID,
			label:     meta.Label,
			startSeq:  meta.Seq,
			endSeq:    meta.Seq,
			startTime: now,
			lastTime:  now,
			count:     1,
		}
		s.timer = s.clk.AfterFunc(s.idleThreshold, s.idleFire)
		return nil
	}

	if s.active.count == 0 {
		s.active.startSeq = meta.Seq
	}
	s.active.endSeq = meta.Seq
	s.active.lastTime = now
	s.active.count++
	if s.active.label == "" {
		s.active.label = meta.Label
	}
	if s.timer != nil {
		s.timer.Reset(s.idleThreshold)
	}
	return nil
}

// ForceBoundary completes the active group immediately, bypassing the idle
// timer. A second call with no intervening events is a no-op.
func (s *Service) ForceBoundary(label string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active == nil {
		return
	}
	if label != "" {
		s.active.label = label
	}
	s.completeLocked()
}

// StartUndoGroup opens a pre-labeled group that the idle timer cannot
// split; it stays open until EndUndoGroup, ForceBoundary, or cancellation.
// An already-active group is completed first. Returns the new group id.
func (s *Service) StartUndoGroup(label string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return "", ErrClosed
	}
	if s.active != nil {
		s.completeLocked()
	}

	groupID, err := s.idGen()
	if err != nil {
		return "", fmt.Errorf("generate group id: %w", err)
	}
	now := s.clk.Now()
	// Explicit groups carry no idle timer: they stay open until closed by
	// the caller.
	s.active = &activeGroup{
		id:        groupID,
		label:     label,
		explicit:  true,
		startTime: now,
		lastTime:  now,
	}
	return groupID, nil
}

// EndUndoGroup completes the explicit group with the given id. The label,
// when non-empty, replaces the one given at start.
func (s *Service) EndUndoGroup(groupID, label string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active == nil || s.active.id != groupID {
		return ErrNoActiveGroup
	}
	if label != "" {
		s.active.label = label
	}
	s.completeLocked()
	return nil
}

// CancelOperation discards the active group. Only the cancellation
// listener fires; no undo entry results. No-op without an active group.
func (s *Service) CancelOperation() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active == nil {
		return
	}
	op := s.snapshotLocked()
	s.clearLocked()
	if s.onCancel != nil {
		s.onCancel(op)
	}
}

// Active reports whether a group is currently open.
func (s *Service) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active != nil
}

// Close completes any active group and cancels the idle timer so no
// boundary fires after teardown.
func (s *Service) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	if s.active != nil {
		s.completeLocked()
	}
	s.closed = true
}

// idleFire runs when the idle threshold elapses with no new events.
func (s *Service) idleFire() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || s.active == nil || s.active.explicit {
		return
	}
	// A reset timer can still deliver a stale fire; only a genuine idle
	// gap closes the group.
	if s.clk.Now().Sub(s.active.lastTime) < s.idleThreshold {
		return
	}
	s.completeLocked()
}

// completeLocked emits the active group and returns to the empty state.
func (s *Service) completeLocked() {
	op := s.snapshotLocked()
	s.clearLocked()
	if op.EventCount == 0 {
		// An explicit group that saw no events leaves no undoable unit.
		if s.onCancel != nil {
			s.onCancel(op)
		}
		return
	}
	s.onComplete(op)
}

func (s *Service) snapshotLocked() Operation {
	return Operation{
		ID:         s.active.id,
		Label:      s.active.label,
		StartSeq:   s.active.startSeq,
		EndSeq:     s.active.endSeq,
		StartTime:  s.active.startTime,
		EndTime:    s.active.lastTime,
		EventCount: s.active.count,
	}
}

func (s *Service) clearLocked() {
	s.active = nil
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}
