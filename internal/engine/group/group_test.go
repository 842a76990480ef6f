package group

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/slatecore/slate/internal/engine/event"
	"github.com/slatecore/slate/internal/platform/clock"
)

const idleThreshold = 200 * time.Millisecond

type collector struct {
	completed []Operation
	cancelled []Operation
}

func (c *collector) complete(op Operation) { c.completed = append(c.completed, op) }
func (c *collector) cancel(op Operation)   { c.cancelled = append(c.cancelled, op) }

func sequentialIDs() func() (string, error) {
	n := 0
	return func() (string, error) {
		n++
		return fmt.Sprintf("group-%d", n), nil
	}
}

func newTestService(t *testing.T, fake *clock.Fake, sink *collector) *Service {
	t.Helper()
	s, err := NewService(idleThreshold, sink.complete,
		WithClock(fake), WithIDGenerator(sequentialIDs()), WithCancelFunc(sink.cancel))
	if err != nil {
		t.Fatalf("NewService() error = %v", err)
	}
	return s
}

func recordSeq(t *testing.T, s *Service, seq uint64, label string) {
	t.Helper()
	err := s.OnEventRecorded(event.Metadata{
		Type:  event.TypeTextEdited,
		Seq:   seq,
		Label: label,
	})
	if err != nil {
		t.Fatalf("OnEventRecorded(seq %d) error = %v", seq, err)
	}
}

func TestNewServiceRejectsInvalidArguments(t *testing.T) {
	sink := &collector{}
	if _, err := NewService(0, sink.complete); err == nil {
		t.Fatal("NewService() with zero threshold, want error")
	}
	if _, err := NewService(idleThreshold, nil); err == nil {
		t.Fatal("NewService() with nil listener, want error")
	}
}

func TestBurstWithinThresholdFormsOneGroup(t *testing.T) {
	fake := clock.NewFake(time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC))
	sink := &collector{}
	s := newTestService(t, fake, sink)

	recordSeq(t, s, 1, "Edit text")
	fake.Advance(50 * time.Millisecond)
	recordSeq(t, s, 2, "Edit text")
	fake.Advance(50 * time.Millisecond)
	recordSeq(t, s, 3, "Edit text")

	if len(sink.completed) != 0 {
		t.Fatalf("completed during burst = %d, want 0", len(sink.completed))
	}

	fake.Advance(250 * time.Millisecond)

	if len(sink.completed) != 1 {
		t.Fatalf("completed after idle = %d, want 1", len(sink.completed))
	}
	op := sink.completed[0]
	if op.StartSeq != 1 || op.EndSeq != 3 || op.EventCount != 3 {
		t.Fatalf("group = [%d, %d] count %d, want [1, 3] count 3", op.StartSeq, op.EndSeq, op.EventCount)
	}
	if op.Label != "Edit text" {
		t.Fatalf("Label = %q, want %q", op.Label, "Edit text")
	}
	if op.EventCount != int(op.EndSeq-op.StartSeq)+1 {
		t.Fatalf("EventCount = %d, want EndSeq-StartSeq+1 = %d", op.EventCount, op.EndSeq-op.StartSeq+1)
	}
}

func TestIdleGapSplitsIntoDistinctGroups(t *testing.T) {
	fake := clock.NewFake(time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC))
	sink := &collector{}
	s := newTestService(t, fake, sink)

	recordSeq(t, s, 1, "Edit text")
	fake.Advance(300 * time.Millisecond)
	recordSeq(t, s, 2, "Move block")
	fake.Advance(300 * time.Millisecond)

	if len(sink.completed) != 2 {
		t.Fatalf("completed = %d, want 2", len(sink.completed))
	}
	if sink.completed[0].ID == sink.completed[1].ID {
		t.Fatalf("group ids not distinct: %q", sink.completed[0].ID)
	}
	if sink.completed[0].EndSeq != 1 || sink.completed[1].StartSeq != 2 {
		t.Fatalf("groups = %+v, want split at seq 1/2", sink.completed)
	}
}

func TestIdleBoundaryEdge(t *testing.T) {
	fake := clock.NewFake(time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC))
	sink := &collector{}
	s := newTestService(t, fake, sink)

	// One tick short of the threshold the group is still open.
	recordSeq(t, s, 1, "Edit text")
	fake.Advance(idleThreshold - time.Millisecond)
	recordSeq(t, s, 2, "Edit text")
	if len(sink.completed) != 0 {
		t.Fatalf("completed below threshold = %d, want 0", len(sink.completed))
	}

	// A gap of exactly the threshold closes it once the boundary is
	// processed.
	fake.Advance(idleThreshold)
	if len(sink.completed) != 1 {
		t.Fatalf("completed at exact threshold = %d, want 1", len(sink.completed))
	}
	if got := sink.completed[0].EventCount; got != 2 {
		t.Fatalf("EventCount = %d, want 2", got)
	}
}

func TestForceBoundaryCompletesImmediately(t *testing.T) {
	fake := clock.NewFake(time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC))
	sink := &collector{}
	s := newTestService(t, fake, sink)

	recordSeq(t, s, 1, "Move block")
	recordSeq(t, s, 2, "Move block")
	s.ForceBoundary("Drag block")

	if len(sink.completed) != 1 {
		t.Fatalf("completed = %d, want 1", len(sink.completed))
	}
	op := sink.completed[0]
	if op.Label != "Drag block" || op.StartSeq != 1 || op.EndSeq != 2 {
		t.Fatalf("group = %+v, want Drag block [1, 2]", op)
	}

	// Second boundary with no intervening events is a no-op.
	s.ForceBoundary("Other label")
	if len(sink.completed) != 1 {
		t.Fatalf("completed after second boundary = %d, want 1", len(sink.completed))
	}
	if sink.completed[0].Label != "Drag block" {
		t.Fatalf("Label changed to %q by no-op boundary", sink.completed[0].Label)
	}

	// The stopped idle timer must not fire a spurious boundary later.
	fake.Advance(time.Second)
	if len(sink.completed) != 1 {
		t.Fatalf("completed after advance = %d, want 1", len(sink.completed))
	}
}

func TestExplicitUndoGroup(t *testing.T) {
	fake := clock.NewFake(time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC))
	sink := &collector{}
	s := newTestService(t, fake, sink)

	groupID, err := s.StartUndoGroup("Paste blocks")
	if err != nil {
		t.Fatalf("StartUndoGroup() error = %v", err)
	}

	recordSeq(t, s, 1, "Add block")
	// Explicit groups ignore the idle timer entirely.
	fake.Advance(time.Second)
	recordSeq(t, s, 2, "Add block")

	if len(sink.completed) != 0 {
		t.Fatalf("completed while explicit group open = %d, want 0", len(sink.completed))
	}

	if err := s.EndUndoGroup(groupID, ""); err != nil {
		t.Fatalf("EndUndoGroup() error = %v", err)
	}

	if len(sink.completed) != 1 {
		t.Fatalf("completed = %d, want 1", len(sink.completed))
	}
	op := sink.completed[0]
	if op.ID != groupID || op.Label != "Paste blocks" || op.StartSeq != 1 || op.EndSeq != 2 || op.EventCount != 2 {
		t.Fatalf("group = %+v, want %s Paste blocks [1, 2] count 2", op, groupID)
	}
}

func TestEndUndoGroupWrongID(t *testing.T) {
	fake := clock.NewFake(time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC))
	sink := &collector{}
	s := newTestService(t, fake, sink)

	if err := s.EndUndoGroup("missing", ""); !errors.Is(err, ErrNoActiveGroup) {
		t.Fatalf("EndUndoGroup() error = %v, want ErrNoActiveGroup", err)
	}

	if _, err := s.StartUndoGroup("Paste blocks"); err != nil {
		t.Fatalf("StartUndoGroup() error = %v", err)
	}
	if err := s.EndUndoGroup("other", ""); !errors.Is(err, ErrNoActiveGroup) {
		t.Fatalf("EndUndoGroup() with wrong id error = %v, want ErrNoActiveGroup", err)
	}
}

func TestStartUndoGroupCompletesPriorGroup(t *testing.T) {
	fake := clock.NewFake(time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC))
	sink := &collector{}
	s := newTestService(t, fake, sink)

	recordSeq(t, s, 1, "Edit text")
	if _, err := s.StartUndoGroup("Paste blocks"); err != nil {
		t.Fatalf("StartUndoGroup() error = %v", err)
	}

	if len(sink.completed) != 1 {
		t.Fatalf("completed = %d, want prior implicit group completed", len(sink.completed))
	}
	if sink.completed[0].EndSeq != 1 {
		t.Fatalf("prior group EndSeq = %d, want 1", sink.completed[0].EndSeq)
	}
}

func TestEmptyExplicitGroupEmitsNoUndoEntry(t *testing.T) {
	fake := clock.NewFake(time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC))
	sink := &collector{}
	s := newTestService(t, fake, sink)

	groupID, err := s.StartUndoGroup("Paste blocks")
	if err != nil {
		t.Fatalf("StartUndoGroup() error = %v", err)
	}
	if err := s.EndUndoGroup(groupID, ""); err != nil {
		t.Fatalf("EndUndoGroup() error = %v", err)
	}

	if len(sink.completed) != 0 {
		t.Fatalf("completed = %d, want 0 for empty group", len(sink.completed))
	}
	if len(sink.cancelled) != 1 {
		t.Fatalf("cancelled = %d, want 1", len(sink.cancelled))
	}
}

func TestCancelOperationDiscardsGroup(t *testing.T) {
	fake := clock.NewFake(time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC))
	sink := &collector{}
	s := newTestService(t, fake, sink)

	recordSeq(t, s, 1, "Move block")
	recordSeq(t, s, 2, "Move block")
	s.CancelOperation()

	if len(sink.completed) != 0 {
		t.Fatalf("completed = %d, want 0 after cancel", len(sink.completed))
	}
	if len(sink.cancelled) != 1 {
		t.Fatalf("cancelled = %d, want 1", len(sink.cancelled))
	}
	if sink.cancelled[0].EventCount != 2 {
		t.Fatalf("cancelled EventCount = %d, want 2", sink.cancelled[0].EventCount)
	}

	// Cancel without an active group is a no-op.
	s.CancelOperation()
	if len(sink.cancelled) != 1 {
		t.Fatalf("cancelled after no-op = %d, want 1", len(sink.cancelled))
	}

	fake.Advance(time.Second)
	if len(sink.completed) != 0 {
		t.Fatalf("completed after advance = %d, want 0", len(sink.completed))
	}
}

func TestCloseCompletesActiveGroupAndStopsTimer(t *testing.T) {
	fake := clock.NewFake(time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC))
	sink := &collector{}
	s := newTestService(t, fake, sink)

	recordSeq(t, s, 1, "Edit text")
	s.Close()

	if len(sink.completed) != 1 {
		t.Fatalf("completed on close = %d, want 1", len(sink.completed))
	}
	if !errors.Is(s.OnEventRecorded(event.Metadata{Seq: 2}), ErrClosed) {
		t.Fatal("OnEventRecorded() after close, want ErrClosed")
	}

	fake.Advance(time.Second)
	if len(sink.completed) != 1 {
		t.Fatalf("completed after close and advance = %d, want 1", len(sink.completed))
	}
	s.Close() // idempotent
}

func TestTimerResetKeepsSingleGroupAcrossSlowBurst(t *testing.T) {
	fake := clock.NewFake(time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC))
	sink := &collector{}
	s := newTestService(t, fake, sink)

	// Events at 150 ms gaps: each under the threshold, group stays open.
	for seq := uint64(1); seq <= 5; seq++ {
		recordSeq(t, s, seq, "Edit text")
		fake.Advance(150 * time.Millisecond)
	}
	if len(sink.completed) != 0 {
		t.Fatalf("completed during slow burst = %d, want 0", len(sink.completed))
	}

	fake.Advance(100 * time.Millisecond)
	if len(sink.completed) != 1 {
		t.Fatalf("completed = %d, want 1", len(sink.completed))
	}
	if got := sink.completed[0].EventCount; got != 5 {
		t.Fatalf("EventCount = %d, want 5", got)
	}
}
