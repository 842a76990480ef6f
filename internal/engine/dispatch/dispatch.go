// Package dispatch routes events to pure state-transition handlers.
//
// The dispatcher owns a type→handler registry and folds events into state one
// at a time. It holds no state of its own and assumes a single execution
// context; callers serialize access.
package dispatch

import (
	"errors"
	"fmt"
	"strings"

	"github.com/slatecore/slate/internal/engine/event"
)

// ErrUnhandledEvent indicates an event type with no registered handler.
// It signals a versioning or wiring bug and is propagated, never swallowed.
var ErrUnhandledEvent = errors.New("unhandled event type")

// Handler applies one event to state and returns the next state. Handlers
// must not mutate the input state.
type Handler func(state any, evt event.Event) (any, error)

// Dispatcher maps event types to handlers.
type Dispatcher struct {
	handlers map[event.Type]Handler
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[event.Type]Handler)}
}

// Register binds a handler to an event type. Registering the same type twice
// is an error.
func (d *Dispatcher) Register(t event.Type, handler Handler) error {
	if d == nil {
		return errors.New("dispatcher is required")
	}
	if strings.TrimSpace(string(t)) == "" {
		return errors.New("event type is required")
	}
	if handler == nil {
		return errors.New("handler is required")
	}
	if _, exists := d.handlers[t]; exists {
		return fmt.Errorf("handler for %s already registered", t)
	}
	d.handlers[t] = handler
	return nil
}

// Handles reports whether a handler is registered for the type.
func (d *Dispatcher) Handles(t event.Type) bool {
	if d == nil {
		return false
	}
	_, ok := d.handlers[t]
	return ok
}

// Dispatch applies one event and returns the next state.
func (d *Dispatcher) Dispatch(state any, evt event.Event) (any, error) {
	if d == nil {
		return state, errors.New("dispatcher is required")
	}
	handler, ok := d.handlers[evt.Type]
	if !ok {
		return state, fmt.Errorf("%w: %s (seq %d)", ErrUnhandledEvent, evt.Type, evt.Seq)
	}
	next, err := handler(state, evt)
	if err != nil {
		return state, fmt.Errorf("apply %s (seq %d): %w", evt.Type, evt.Seq, err)
	}
	return next, nil
}

// DispatchAll folds events into state in order, stopping at the first error.
func (d *Dispatcher) DispatchAll(state any, events []event.Event) (any, error) {
	current := state
	for _, evt := range events {
		next, err := d.Dispatch(current, evt)
		if err != nil {
			return state, err
		}
		current = next
	}
	return current, nil
}
