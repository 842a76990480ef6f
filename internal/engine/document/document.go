// Package document defines the folded document state and the canonical
// handler set that reconstructs it from the event journal.
package document

import (
	"encoding/json"
	"fmt"
)

// Block is one positioned content unit inside a document.
type Block struct {
	ID    string            `json:"id"`
	Kind  string            `json:"kind"`
	Text  string            `json:"text,omitempty"`
	X     float64           `json:"x"`
	Y     float64           `json:"y"`
	Style map[string]string `json:"style,omitempty"`
}

// Selection is the absolute selection range within one block.
type Selection struct {
	BlockID string `json:"block_id"`
	Start   int    `json:"start"`
	End     int    `json:"end"`
}

// State is the reconstructed document. It is a value type; handlers copy
// before mutating so prior states stay intact for rollback.
type State struct {
	Title     string           `json:"title"`
	Blocks    map[string]Block `json:"blocks,omitempty"`
	Order     []string         `json:"order,omitempty"`
	Selection Selection        `json:"selection"`
	// LastSeq is the sequence number of the last applied event, 0 at genesis.
	LastSeq uint64 `json:"last_seq"`
}

// NewState returns the genesis document state.
func NewState() State {
	return State{}
}

// Clone returns a deep copy of the state.
func (s State) Clone() State {
	cloned := s
	if s.Blocks != nil {
		cloned.Blocks = make(map[string]Block, len(s.Blocks))
		for id, block := range s.Blocks {
			cloned.Blocks[id] = cloneBlock(block)
		}
	}
	if s.Order != nil {
		cloned.Order = append([]string(nil), s.Order...)
	}
	return cloned
}

func cloneBlock(block Block) Block {
	cloned := block
	if block.Style != nil {
		cloned.Style = make(map[string]string, len(block.Style))
		for key, value := range block.Style {
			cloned.Style[key] = value
		}
	}
	return cloned
}

// MarshalState encodes state for snapshot blobs.
func MarshalState(s State) ([]byte, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("marshal document state: %w", err)
	}
	return data, nil
}

// UnmarshalState decodes a snapshot blob back into state.
func UnmarshalState(data []byte) (State, error) {
	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		return State{}, fmt.Errorf("unmarshal document state: %w", err)
	}
	return s, nil
}
