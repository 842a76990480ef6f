package dispatch

import (
	"errors"
	"testing"

	"github.com/slatecore/slate/internal/engine/event"
)

func TestDispatchUnhandledType(t *testing.T) {
	d := NewDispatcher()

	_, err := d.Dispatch(nil, event.Event{Type: event.TypeTextEdited, Seq: 7})
	if !errors.Is(err, ErrUnhandledEvent) {
		t.Fatalf("expected ErrUnhandledEvent, got %v", err)
	}
}

func TestDispatchFoldsState(t *testing.T) {
	d := NewDispatcher()
	if err := d.Register(event.TypeTextEdited, func(state any, evt event.Event) (any, error) {
		return state.(int) + 1, nil
	}); err != nil {
		t.Fatalf("register: %v", err)
	}

	next, err := d.Dispatch(0, event.Event{Type: event.TypeTextEdited})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if next != 1 {
		t.Fatalf("state = %v, want 1", next)
	}
}

func TestDispatchAllStopsAtFirstError(t *testing.T) {
	d := NewDispatcher()
	boom := errors.New("boom")
	calls := 0
	if err := d.Register(event.TypeTextEdited, func(state any, evt event.Event) (any, error) {
		calls++
		if evt.Seq == 2 {
			return nil, boom
		}
		return state.(int) + 1, nil
	}); err != nil {
		t.Fatalf("register: %v", err)
	}

	events := []event.Event{
		{Type: event.TypeTextEdited, Seq: 1},
		{Type: event.TypeTextEdited, Seq: 2},
		{Type: event.TypeTextEdited, Seq: 3},
	}
	state, err := d.DispatchAll(0, events)
	if !errors.Is(err, boom) {
		t.Fatalf("expected handler error, got %v", err)
	}
	if calls != 2 {
		t.Fatalf("calls = %d, want 2", calls)
	}
	// The original state is returned unchanged on failure.
	if state != 0 {
		t.Fatalf("state = %v, want original 0", state)
	}
}

func TestDispatchAllAppliesInOrder(t *testing.T) {
	d := NewDispatcher()
	if err := d.Register(event.TypeTextEdited, func(state any, evt event.Event) (any, error) {
		return append(state.([]uint64), evt.Seq), nil
	}); err != nil {
		t.Fatalf("register: %v", err)
	}

	events := []event.Event{
		{Type: event.TypeTextEdited, Seq: 1},
		{Type: event.TypeTextEdited, Seq: 2},
		{Type: event.TypeTextEdited, Seq: 3},
	}
	state, err := d.DispatchAll([]uint64{}, events)
	if err != nil {
		t.Fatalf("dispatch all: %v", err)
	}
	got := state.([]uint64)
	if len(got) != 3 || got[0] != 1 || got[1] != 2 || got[2] != 3 {
		t.Fatalf("applied order = %v, want [1 2 3]", got)
	}
}

func TestRegisterDuplicateHandler(t *testing.T) {
	d := NewDispatcher()
	handler := func(state any, evt event.Event) (any, error) { return state, nil }

	if err := d.Register(event.TypeBlockMoved, handler); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := d.Register(event.TypeBlockMoved, handler); err == nil {
		t.Fatal("expected duplicate registration error")
	}
	if !d.Handles(event.TypeBlockMoved) {
		t.Fatal("expected Handles to report registered type")
	}
}
