package document

import (
	"errors"
	"fmt"

	"github.com/slatecore/slate/internal/engine/dispatch"
	"github.com/slatecore/slate/internal/engine/event"
)

// ErrUnknownBlock indicates an event addressing a block the document does
// not contain. During replay this means the journal is corrupt or the range
// is wrong.
var ErrUnknownBlock = errors.New("unknown block")

// errPayloadShape indicates an envelope whose payload does not match its type.
var errPayloadShape = errors.New("unexpected payload shape")

// NewDispatcher returns a dispatcher with the full document handler set
// registered.
func NewDispatcher() *dispatch.Dispatcher {
	d := dispatch.NewDispatcher()
	if err := RegisterHandlers(d); err != nil {
		panic(fmt.Sprintf("register document handlers: %v", err))
	}
	return d
}

// RegisterHandlers binds the document handlers onto d.
func RegisterHandlers(d *dispatch.Dispatcher) error {
	handlers := map[event.Type]dispatch.Handler{
		event.TypeDocumentCreated: applyDocumentCreated,
		event.TypeDocumentRenamed: applyDocumentRenamed,
		event.TypeBlockAdded:      applyBlockAdded,
		event.TypeBlockMoved:      applyBlockMoved,
		event.TypeBlockRemoved:    applyBlockRemoved,
		event.TypeTextEdited:      applyTextEdited,
		event.TypeStyleApplied:    applyStyleApplied,
		event.TypeSelectionSet:    applySelectionSet,
	}
	for t, handler := range handlers {
		if err := d.Register(t, handler); err != nil {
			return err
		}
	}
	return nil
}

// stateOf narrows the dispatcher's opaque state to a document State.
func stateOf(state any) (State, error) {
	switch typed := state.(type) {
	case State:
		return typed, nil
	case *State:
		if typed == nil {
			return State{}, nil
		}
		return *typed, nil
	case nil:
		return State{}, nil
	default:
		return State{}, fmt.Errorf("unexpected state type %T", state)
	}
}

func applyDocumentCreated(state any, evt event.Event) (any, error) {
	s, err := stateOf(state)
	if err != nil {
		return nil, err
	}
	payload, ok := evt.Payload.(event.DocumentCreated)
	if !ok {
		return nil, errPayloadShape
	}
	next := s.Clone()
	next.Title = payload.Title
	next.LastSeq = evt.Seq
	return next, nil
}

func applyDocumentRenamed(state any, evt event.Event) (any, error) {
	s, err := stateOf(state)
	if err != nil {
		return nil, err
	}
	payload, ok := evt.Payload.(event.DocumentRenamed)
	if !ok {
		return nil, errPayloadShape
	}
	next := s.Clone()
	next.Title = payload.Title
	next.LastSeq = evt.Seq
	return next, nil
}

func applyBlockAdded(state any, evt event.Event) (any, error) {
	s, err := stateOf(state)
	if err != nil {
		return nil, err
	}
	payload, ok := evt.Payload.(event.BlockAdded)
	if !ok {
		return nil, errPayloadShape
	}
	next := s.Clone()
	if next.Blocks == nil {
		next.Blocks = make(map[string]Block)
	}
	if _, exists := next.Blocks[payload.BlockID]; !exists {
		next.Order = append(next.Order, payload.BlockID)
	}
	next.Blocks[payload.BlockID] = Block{
		ID:   payload.BlockID,
		Kind: payload.Kind,
		X:    payload.X,
		Y:    payload.Y,
	}
	next.LastSeq = evt.Seq
	return next, nil
}

func applyBlockMoved(state any, evt event.Event) (any, error) {
	s, err := stateOf(state)
	if err != nil {
		return nil, err
	}
	payload, ok := evt.Payload.(event.BlockMoved)
	if !ok {
		return nil, errPayloadShape
	}
	next := s.Clone()
	block, exists := next.Blocks[payload.BlockID]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrUnknownBlock, payload.BlockID)
	}
	block.X = payload.X
	block.Y = payload.Y
	next.Blocks[payload.BlockID] = block
	next.LastSeq = evt.Seq
	return next, nil
}

func applyBlockRemoved(state any, evt event.Event) (any, error) {
	s, err := stateOf(state)
	if err != nil {
		return nil, err
	}
	payload, ok := evt.Payload.(event.BlockRemoved)
	if !ok {
		return nil, errPayloadShape
	}
	next := s.Clone()
	if _, exists := next.Blocks[payload.BlockID]; !exists {
		return nil, fmt.Errorf("%w: %s", ErrUnknownBlock, payload.BlockID)
	}
	delete(next.Blocks, payload.BlockID)
	for i, id := range next.Order {
		if id == payload.BlockID {
			next.Order = append(next.Order[:i], next.Order[i+1:]...)
			break
		}
	}
	if next.Selection.BlockID == payload.BlockID {
		next.Selection = Selection{}
	}
	next.LastSeq = evt.Seq
	return next, nil
}

func applyTextEdited(state any, evt event.Event) (any, error) {
	s, err := stateOf(state)
	if err != nil {
		return nil, err
	}
	payload, ok := evt.Payload.(event.TextEdited)
	if !ok {
		return nil, errPayloadShape
	}
	next := s.Clone()
	block, exists := next.Blocks[payload.BlockID]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrUnknownBlock, payload.BlockID)
	}
	block.Text = payload.Content
	next.Blocks[payload.BlockID] = block
	next.LastSeq = evt.Seq
	return next, nil
}

func applyStyleApplied(state any, evt event.Event) (any, error) {
	s, err := stateOf(state)
	if err != nil {
		return nil, err
	}
	payload, ok := evt.Payload.(event.StyleApplied)
	if !ok {
		return nil, errPayloadShape
	}
	next := s.Clone()
	block, exists := next.Blocks[payload.BlockID]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrUnknownBlock, payload.BlockID)
	}
	if payload.Style == nil {
		block.Style = nil
	} else {
		block.Style = make(map[string]string, len(payload.Style))
		for key, value := range payload.Style {
			block.Style[key] = value
		}
	}
	next.Blocks[payload.BlockID] = block
	next.LastSeq = evt.Seq
	return next, nil
}

func applySelectionSet(state any, evt event.Event) (any, error) {
	s, err := stateOf(state)
	if err != nil {
		return nil, err
	}
	payload, ok := evt.Payload.(event.SelectionSet)
	if !ok {
		return nil, errPayloadShape
	}
	next := s.Clone()
	if payload.BlockID != "" {
		if _, exists := next.Blocks[payload.BlockID]; !exists {
			return nil, fmt.Errorf("%w: %s", ErrUnknownBlock, payload.BlockID)
		}
	}
	next.Selection = Selection{BlockID: payload.BlockID, Start: payload.Start, End: payload.End}
	next.LastSeq = evt.Seq
	return next, nil
}
