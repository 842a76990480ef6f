package event

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Validation errors surfaced by the registry.
var (
	// ErrTypeRequired indicates an event without a type.
	ErrTypeRequired = errors.New("event type is required")
	// ErrUnknownType indicates a type with no registered definition.
	ErrUnknownType = errors.New("unknown event type")
	// ErrPayloadRequired indicates an event without a payload.
	ErrPayloadRequired = errors.New("event payload is required")
	// ErrPayloadTypeMismatch indicates a payload registered for a different type.
	ErrPayloadTypeMismatch = errors.New("payload does not match event type")
	// ErrDocumentIDRequired indicates an event without a document id.
	ErrDocumentIDRequired = errors.New("document id is required")
)

// Definition declares one event type accepted by the journal.
type Definition struct {
	// Type is the discriminator persisted with each event.
	Type Type
	// Label is the human-readable operation name used for undo entries
	// covering events of this type.
	Label string
}

// Registry validates events before they reach storage.
type Registry struct {
	definitions map[Type]Definition
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{definitions: make(map[Type]Definition)}
}

// NewCoreRegistry creates a registry pre-loaded with the core document
// event types.
func NewCoreRegistry() *Registry {
	registry := NewRegistry()
	for _, definition := range CoreDefinitions() {
		// Core definitions are statically well-formed.
		if err := registry.Register(definition); err != nil {
			panic(fmt.Sprintf("register core event type: %v", err))
		}
	}
	return registry
}

// CoreDefinitions returns the definitions for the core document event types.
func CoreDefinitions() []Definition {
	return []Definition{
		{Type: TypeDocumentCreated, Label: "Create document"},
		{Type: TypeDocumentRenamed, Label: "Rename document"},
		{Type: TypeBlockAdded, Label: "Add block"},
		{Type: TypeBlockMoved, Label: "Move block"},
		{Type: TypeBlockRemoved, Label: "Remove block"},
		{Type: TypeTextEdited, Label: "Edit text"},
		{Type: TypeStyleApplied, Label: "Apply style"},
		{Type: TypeSelectionSet, Label: "Set selection"},
	}
}

// Register adds a definition. Registering the same type twice is an error.
func (r *Registry) Register(definition Definition) error {
	if r == nil {
		return errors.New("registry is required")
	}
	if strings.TrimSpace(string(definition.Type)) == "" {
		return ErrTypeRequired
	}
	if _, exists := r.definitions[definition.Type]; exists {
		return fmt.Errorf("event type %s already registered", definition.Type)
	}
	r.definitions[definition.Type] = definition
	return nil
}

// Definition returns the definition for a type.
func (r *Registry) Definition(t Type) (Definition, bool) {
	if r == nil {
		return Definition{}, false
	}
	definition, ok := r.definitions[t]
	return definition, ok
}

// Label returns the operation label for a type, or the type itself when no
// definition carries a label.
func (r *Registry) Label(t Type) string {
	if definition, ok := r.Definition(t); ok && definition.Label != "" {
		return definition.Label
	}
	return string(t)
}

// Types returns the registered types in sorted order.
func (r *Registry) Types() []Type {
	if r == nil {
		return nil
	}
	types := make([]Type, 0, len(r.definitions))
	for t := range r.definitions {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

// ValidateForAppend checks envelope validity and normalizes the timestamp.
// It returns the event ready for storage to assign a sequence number.
func (r *Registry) ValidateForAppend(evt Event) (Event, error) {
	if r == nil {
		return Event{}, errors.New("registry is required")
	}
	if strings.TrimSpace(evt.DocumentID) == "" {
		return Event{}, ErrDocumentIDRequired
	}
	if strings.TrimSpace(string(evt.Type)) == "" {
		return Event{}, ErrTypeRequired
	}
	if _, ok := r.definitions[evt.Type]; !ok {
		return Event{}, fmt.Errorf("%w: %s", ErrUnknownType, evt.Type)
	}
	if evt.Payload == nil {
		return Event{}, ErrPayloadRequired
	}
	if evt.Payload.EventType() != evt.Type {
		return Event{}, fmt.Errorf("%w: payload %s, event %s",
			ErrPayloadTypeMismatch, evt.Payload.EventType(), evt.Type)
	}

	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	evt.Timestamp = evt.Timestamp.UTC().Truncate(time.Millisecond)
	return evt, nil
}
