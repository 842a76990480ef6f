// Package memory provides an in-memory implementation of the storage
// gateways for tests and embedded use.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/slatecore/slate/internal/engine/event"
	"github.com/slatecore/slate/internal/platform/id"
	"github.com/slatecore/slate/internal/storage"
)

// Store keeps events and snapshots in memory, guarded by a mutex.
type Store struct {
	mu        sync.Mutex
	registry  *event.Registry
	events    map[string][]event.Event
	snapshots map[string][]storage.Snapshot
	nextSeq   map[string]uint64
	clock     func() time.Time
	idGen     func() (string, error)
	closed    bool
}

// NewStore creates an empty in-memory store. The registry validates events
// on append; it is required.
func NewStore(registry *event.Registry) *Store {
	return &Store{
		registry:  registry,
		events:    make(map[string][]event.Event),
		snapshots: make(map[string][]storage.Snapshot),
		nextSeq:   make(map[string]uint64),
		clock:     time.Now,
		idGen:     id.NewID,
	}
}

// AppendEvent persists one event, assigning its sequence number and id.
func (s *Store) AppendEvent(ctx context.Context, evt event.Event) (event.Event, error) {
	stored, err := s.AppendEvents(ctx, []event.Event{evt})
	if err != nil {
		return event.Event{}, err
	}
	return stored[0], nil
}

// AppendEvents persists a batch with contiguous sequence numbers.
func (s *Store) AppendEvents(ctx context.Context, events []event.Event) ([]event.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil {
		return nil, errors.New("store is required")
	}
	if s.registry == nil {
		return nil, errors.New("event registry is required")
	}
	if len(events) == 0 {
		return nil, nil
	}

	validated := make([]event.Event, len(events))
	for i, evt := range events {
		v, err := s.registry.ValidateForAppend(evt)
		if err != nil {
			return nil, fmt.Errorf("event %d: %w", i, err)
		}
		validated[i] = v
	}
	documentID := validated[0].DocumentID
	for i, evt := range validated {
		if evt.DocumentID != documentID {
			return nil, fmt.Errorf("event %d: batch spans documents %s and %s", i, documentID, evt.DocumentID)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errors.New("store is closed")
	}

	stored := make([]event.Event, len(validated))
	for i, evt := range validated {
		seq, ok := s.nextSeq[documentID]
		if !ok {
			seq = 1
		}
		evt.Seq = seq
		s.nextSeq[documentID] = seq + 1

		if evt.ID == "" {
			generated, err := s.idGen()
			if err != nil {
				return nil, fmt.Errorf("event %d id: %w", i, err)
			}
			evt.ID = generated
		}

		s.events[documentID] = append(s.events[documentID], evt)
		stored[i] = evt
	}
	return stored, nil
}

// ListEvents returns events with Seq > afterSeq, ascending, at most limit.
func (s *Store) ListEvents(ctx context.Context, documentID string, afterSeq uint64, limit int) ([]event.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(documentID) == "" {
		return nil, errors.New("document id is required")
	}
	if limit <= 0 {
		return nil, errors.New("limit must be greater than zero")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var out []event.Event
	for _, evt := range s.events[documentID] {
		if evt.Seq <= afterSeq {
			continue
		}
		out = append(out, evt)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// GetEventBySeq returns one event by sequence number.
func (s *Store) GetEventBySeq(ctx context.Context, documentID string, seq uint64) (event.Event, error) {
	if err := ctx.Err(); err != nil {
		return event.Event{}, err
	}
	if strings.TrimSpace(documentID) == "" {
		return event.Event{}, errors.New("document id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, evt := range s.events[documentID] {
		if evt.Seq == seq {
			return evt, nil
		}
	}
	return event.Event{}, storage.ErrNotFound
}

// LatestSeq returns the highest assigned sequence number, 0 when empty.
func (s *Store) LatestSeq(ctx context.Context, documentID string) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if strings.TrimSpace(documentID) == "" {
		return 0, errors.New("document id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	events := s.events[documentID]
	if len(events) == 0 {
		return 0, nil
	}
	return events[len(events)-1].Seq, nil
}

// PruneEventsBefore removes events with Seq < seq. Pruning never reaches
// past the latest snapshot; events newer than it are always retained.
func (s *Store) PruneEventsBefore(ctx context.Context, documentID string, seq uint64) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if strings.TrimSpace(documentID) == "" {
		return 0, errors.New("document id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := seq
	if latest, ok := s.latestSnapshotLocked(documentID); ok {
		if latest.Seq+1 < cutoff {
			cutoff = latest.Seq + 1
		}
	} else {
		// Without a snapshot every event is needed for replay.
		return 0, nil
	}

	events := s.events[documentID]
	kept := events[:0]
	var removed int64
	for _, evt := range events {
		if evt.Seq < cutoff {
			removed++
			continue
		}
		kept = append(kept, evt)
	}
	s.events[documentID] = kept
	return removed, nil
}

// Close marks the store closed; subsequent appends fail.
func (s *Store) Close() error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// PutSnapshot stores a snapshot, replacing any at the same sequence.
func (s *Store) PutSnapshot(ctx context.Context, snapshot storage.Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.TrimSpace(snapshot.DocumentID) == "" {
		return errors.New("document id is required")
	}
	if snapshot.CreatedAt.IsZero() {
		snapshot.CreatedAt = s.clock().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	snapshots := s.snapshots[snapshot.DocumentID]
	for i, existing := range snapshots {
		if existing.Seq == snapshot.Seq {
			snapshots[i] = snapshot
			return nil
		}
	}
	snapshots = append(snapshots, snapshot)
	sort.Slice(snapshots, func(i, j int) bool { return snapshots[i].Seq < snapshots[j].Seq })
	s.snapshots[snapshot.DocumentID] = snapshots
	return nil
}

// NearestSnapshot returns the snapshot with the highest Seq <= maxSeq.
func (s *Store) NearestSnapshot(ctx context.Context, documentID string, maxSeq uint64) (storage.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return storage.Snapshot{}, err
	}
	if strings.TrimSpace(documentID) == "" {
		return storage.Snapshot{}, errors.New("document id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	snapshots := s.snapshots[documentID]
	for i := len(snapshots) - 1; i >= 0; i-- {
		if snapshots[i].Seq <= maxSeq {
			return snapshots[i], nil
		}
	}
	return storage.Snapshot{}, storage.ErrNotFound
}

// LatestSnapshot returns the most recent snapshot for a document.
func (s *Store) LatestSnapshot(ctx context.Context, documentID string) (storage.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return storage.Snapshot{}, err
	}
	if strings.TrimSpace(documentID) == "" {
		return storage.Snapshot{}, errors.New("document id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if latest, ok := s.latestSnapshotLocked(documentID); ok {
		return latest, nil
	}
	return storage.Snapshot{}, storage.ErrNotFound
}

// PruneSnapshotsBefore removes snapshots with Seq < seq.
func (s *Store) PruneSnapshotsBefore(ctx context.Context, documentID string, seq uint64) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if strings.TrimSpace(documentID) == "" {
		return 0, errors.New("document id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	snapshots := s.snapshots[documentID]
	kept := snapshots[:0]
	var removed int64
	for _, snapshot := range snapshots {
		if snapshot.Seq < seq {
			removed++
			continue
		}
		kept = append(kept, snapshot)
	}
	s.snapshots[documentID] = kept
	return removed, nil
}

func (s *Store) latestSnapshotLocked(documentID string) (storage.Snapshot, bool) {
	snapshots := s.snapshots[documentID]
	if len(snapshots) == 0 {
		return storage.Snapshot{}, false
	}
	return snapshots[len(snapshots)-1], true
}
