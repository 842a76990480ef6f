package event

import (
	"encoding/json"
	"fmt"
)

// Payload is the closed set of event bodies. The event type doubles as the
// serialization discriminator; payload fields are otherwise strongly typed.
type Payload interface {
	// EventType returns the event type the payload belongs to.
	EventType() Type
}

// Targeted is implemented by payloads that address a single block.
type Targeted interface {
	Payload
	// TargetID returns the addressed block id.
	TargetID() string
}

// DocumentCreated is the payload for TypeDocumentCreated.
type DocumentCreated struct {
	Title string `json:"title"`
}

func (DocumentCreated) EventType() Type { return TypeDocumentCreated }

// DocumentRenamed is the payload for TypeDocumentRenamed.
type DocumentRenamed struct {
	Title string `json:"title"`
}

func (DocumentRenamed) EventType() Type { return TypeDocumentRenamed }

// BlockAdded is the payload for TypeBlockAdded.
type BlockAdded struct {
	BlockID string  `json:"block_id"`
	Kind    string  `json:"kind"`
	X       float64 `json:"x"`
	Y       float64 `json:"y"`
}

func (BlockAdded) EventType() Type    { return TypeBlockAdded }
func (p BlockAdded) TargetID() string { return p.BlockID }

// BlockMoved is the payload for TypeBlockMoved. X and Y are the block's
// absolute destination, not an offset.
type BlockMoved struct {
	BlockID string  `json:"block_id"`
	X       float64 `json:"x"`
	Y       float64 `json:"y"`
}

func (BlockMoved) EventType() Type    { return TypeBlockMoved }
func (p BlockMoved) TargetID() string { return p.BlockID }

// BlockRemoved is the payload for TypeBlockRemoved.
type BlockRemoved struct {
	BlockID string `json:"block_id"`
}

func (BlockRemoved) EventType() Type    { return TypeBlockRemoved }
func (p BlockRemoved) TargetID() string { return p.BlockID }

// TextEdited is the payload for TypeTextEdited. Content is the block's full
// text after the edit.
type TextEdited struct {
	BlockID string `json:"block_id"`
	Content string `json:"content"`
}

func (TextEdited) EventType() Type    { return TypeTextEdited }
func (p TextEdited) TargetID() string { return p.BlockID }

// StyleApplied is the payload for TypeStyleApplied. Style is the block's
// complete style set after the change.
type StyleApplied struct {
	BlockID string            `json:"block_id"`
	Style   map[string]string `json:"style"`
}

func (StyleApplied) EventType() Type    { return TypeStyleApplied }
func (p StyleApplied) TargetID() string { return p.BlockID }

// SelectionSet is the payload for TypeSelectionSet.
type SelectionSet struct {
	BlockID string `json:"block_id"`
	Start   int    `json:"start"`
	End     int    `json:"end"`
}

func (SelectionSet) EventType() Type    { return TypeSelectionSet }
func (p SelectionSet) TargetID() string { return p.BlockID }

// MarshalPayload encodes a payload for persistence.
func MarshalPayload(p Payload) ([]byte, error) {
	if p == nil {
		return nil, fmt.Errorf("payload is required")
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal payload %s: %w", p.EventType(), err)
	}
	return data, nil
}

// UnmarshalPayload decodes a persisted payload for the given event type.
func UnmarshalPayload(t Type, data []byte) (Payload, error) {
	decode := func(target Payload) (Payload, error) {
		if len(data) == 0 {
			return target, nil
		}
		if err := json.Unmarshal(data, target); err != nil {
			return nil, fmt.Errorf("unmarshal payload %s: %w", t, err)
		}
		return target, nil
	}

	switch t {
	case TypeDocumentCreated:
		p, err := decode(&DocumentCreated{})
		return deref(p), err
	case TypeDocumentRenamed:
		p, err := decode(&DocumentRenamed{})
		return deref(p), err
	case TypeBlockAdded:
		p, err := decode(&BlockAdded{})
		return deref(p), err
	case TypeBlockMoved:
		p, err := decode(&BlockMoved{})
		return deref(p), err
	case TypeBlockRemoved:
		p, err := decode(&BlockRemoved{})
		return deref(p), err
	case TypeTextEdited:
		p, err := decode(&TextEdited{})
		return deref(p), err
	case TypeStyleApplied:
		p, err := decode(&StyleApplied{})
		return deref(p), err
	case TypeSelectionSet:
		p, err := decode(&SelectionSet{})
		return deref(p), err
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, t)
	}
}

// deref unwraps the pointer form used during decoding so payloads travel by
// value inside envelopes.
func deref(p Payload) Payload {
	if p == nil {
		return nil
	}
	switch typed := p.(type) {
	case *DocumentCreated:
		return *typed
	case *DocumentRenamed:
		return *typed
	case *BlockAdded:
		return *typed
	case *BlockMoved:
		return *typed
	case *BlockRemoved:
		return *typed
	case *TextEdited:
		return *typed
	case *StyleApplied:
		return *typed
	case *SelectionSet:
		return *typed
	default:
		return p
	}
}
