// Package storage declares the persistence gateways the engine consumes.
//
// Sequence numbers are assigned by the event store on append, never by the
// engine. Implementations live in storage/memory (tests, embedding) and
// storage/sqlite (durable journal).
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/slatecore/slate/internal/engine/event"
)

// ErrNotFound indicates a requested persistence record is missing.
// Callers use this to differentiate between legitimate "no such record"
// states and transport or data corruption failures.
var ErrNotFound = errors.New("record not found")

// Snapshot is a materialized full-state capture at a given sequence.
type Snapshot struct {
	// DocumentID is the document the snapshot belongs to.
	DocumentID string
	// Seq is the sequence number of the last event folded into State.
	Seq uint64
	// State is the encoded document state blob.
	State []byte
	// Compression names the codec applied to State ("zstd" or "none").
	Compression string
	// CreatedAt is when the snapshot was materialized.
	CreatedAt time.Time
}

// EventStore is the durable ordered event journal for documents.
type EventStore interface {
	// AppendEvent persists one event and returns it with Seq assigned.
	AppendEvent(ctx context.Context, evt event.Event) (event.Event, error)
	// AppendEvents persists a batch atomically with contiguous sequences.
	// All events must belong to the same document.
	AppendEvents(ctx context.Context, events []event.Event) ([]event.Event, error)
	// ListEvents returns events with Seq > afterSeq ordered ascending,
	// at most limit entries.
	ListEvents(ctx context.Context, documentID string, afterSeq uint64, limit int) ([]event.Event, error)
	// GetEventBySeq returns one event. Returns ErrNotFound when absent.
	GetEventBySeq(ctx context.Context, documentID string, seq uint64) (event.Event, error)
	// LatestSeq returns the highest assigned sequence, 0 when empty.
	LatestSeq(ctx context.Context, documentID string) (uint64, error)
	// PruneEventsBefore removes events with Seq < seq and returns how many
	// were removed. Implementations refuse to prune past the latest
	// snapshot so replay stays possible.
	PruneEventsBefore(ctx context.Context, documentID string, seq uint64) (int64, error)
	// Close releases underlying resources.
	Close() error
}

// SnapshotStore persists materialized state captures.
type SnapshotStore interface {
	// PutSnapshot stores a snapshot, replacing any at the same sequence.
	PutSnapshot(ctx context.Context, snapshot Snapshot) error
	// NearestSnapshot returns the snapshot with the highest Seq <= maxSeq.
	// Returns ErrNotFound when none qualifies.
	NearestSnapshot(ctx context.Context, documentID string, maxSeq uint64) (Snapshot, error)
	// LatestSnapshot returns the most recent snapshot.
	// Returns ErrNotFound when the document has none.
	LatestSnapshot(ctx context.Context, documentID string) (Snapshot, error)
	// PruneSnapshotsBefore removes snapshots with Seq < seq and returns how
	// many were removed.
	PruneSnapshotsBefore(ctx context.Context, documentID string, seq uint64) (int64, error)
}
