// Package event defines the canonical event envelope and event-type registry
// used by the document engine write path.
//
// Events are immutable facts describing one state change. The registry
// enforces envelope validity before persistence assigns the sequence number.
// A stable event contract is the foundation for replay and undo correctness.
package event

import (
	"time"
)

// Type identifies the kind of a document event.
type Type string

// Document lifecycle events.
const (
	// TypeDocumentCreated records the creation of a document.
	TypeDocumentCreated Type = "document.created"
	// TypeDocumentRenamed records a document title change.
	TypeDocumentRenamed Type = "document.renamed"
)

// Block events. Payloads carry absolute state, never deltas, so a coalesced
// burst preserves its net effect.
const (
	// TypeBlockAdded records a new block placed on the document.
	TypeBlockAdded Type = "block.added"
	// TypeBlockMoved records a block's absolute position after a move.
	TypeBlockMoved Type = "block.moved"
	// TypeBlockRemoved records a block removal.
	TypeBlockRemoved Type = "block.removed"
	// TypeTextEdited records a block's full text content after an edit.
	TypeTextEdited Type = "text.edited"
	// TypeStyleApplied records a block's full style set after a change.
	TypeStyleApplied Type = "style.applied"
	// TypeSelectionSet records the absolute selection range in a block.
	TypeSelectionSet Type = "selection.set"
)

// Event represents an immutable entry in the document event journal.
type Event struct {
	// DocumentID is the document this event belongs to.
	DocumentID string
	// Seq is the event sequence number within the document (starts at 1).
	// Assigned by storage on append.
	Seq uint64
	// ID is a globally unique event identifier.
	ID string
	// Type identifies the kind of event.
	Type Type
	// Timestamp is when the event occurred, UTC, millisecond precision.
	Timestamp time.Time
	// ActorID identifies the author that produced the event.
	ActorID string
	// Payload carries the strongly-typed event body.
	Payload Payload
}

// Metadata is the lightweight projection of an event used for grouping
// decisions.
type Metadata struct {
	Type      Type
	Seq       uint64
	Timestamp time.Time
	Label     string
}

// Meta returns the grouping metadata for the event. The label is left empty;
// the registry's definition label is applied by callers that hold one.
func (e Event) Meta() Metadata {
	return Metadata{
		Type:      e.Type,
		Seq:       e.Seq,
		Timestamp: e.Timestamp,
	}
}

// CoalesceKey identifies the stream a high-frequency event belongs to.
// Events with equal keys may be coalesced by the recorder; the latest
// absolute payload subsumes earlier ones.
func (e Event) CoalesceKey() string {
	if targeted, ok := e.Payload.(Targeted); ok {
		return string(e.Type) + "/" + targeted.TargetID()
	}
	return string(e.Type)
}
