package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/slatecore/slate/internal/engine/event"
	"github.com/slatecore/slate/internal/storage"
)

// AppendEvent atomically appends an event and returns it with the sequence
// number assigned.
func (s *Store) AppendEvent(ctx context.Context, evt event.Event) (event.Event, error) {
	stored, err := s.AppendEvents(ctx, []event.Event{evt})
	if err != nil {
		return event.Event{}, err
	}
	return stored[0], nil
}

// AppendEvents atomically appends multiple events in a single transaction.
//
// All events must belong to the same document. Sequence numbers are
// allocated contiguously from the per-document counter.
func (s *Store) AppendEvents(ctx context.Context, events []event.Event) ([]event.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	if s.registry == nil {
		return nil, fmt.Errorf("event registry is required")
	}
	if len(events) == 0 {
		return nil, nil
	}

	// Validate all events before opening a transaction.
	validated := make([]event.Event, len(events))
	for i, evt := range events {
		v, err := s.registry.ValidateForAppend(evt)
		if err != nil {
			return nil, fmt.Errorf("event %d: %w", i, err)
		}
		if v.ID == "" {
			generated, err := s.idGen()
			if err != nil {
				return nil, fmt.Errorf("event %d id: %w", i, err)
			}
			v.ID = generated
		}
		validated[i] = v
	}

	documentID := validated[0].DocumentID
	for i, evt := range validated {
		if evt.DocumentID != documentID {
			return nil, fmt.Errorf("event %d: batch spans documents %s and %s", i, documentID, evt.DocumentID)
		}
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		"INSERT OR IGNORE INTO event_seq (document_id, next_seq) VALUES (?, 1)",
		documentID,
	); err != nil {
		return nil, fmt.Errorf("init event seq: %w", err)
	}

	var baseSeq int64
	if err := tx.QueryRowContext(ctx,
		"SELECT next_seq FROM event_seq WHERE document_id = ?",
		documentID,
	).Scan(&baseSeq); err != nil {
		return nil, fmt.Errorf("get event seq: %w", err)
	}

	stored := make([]event.Event, len(validated))
	for i, evt := range validated {
		evt.Seq = uint64(baseSeq) + uint64(i)

		payloadJSON, err := event.MarshalPayload(evt.Payload)
		if err != nil {
			return nil, fmt.Errorf("event %d: %w", i, err)
		}

		if _, err := tx.ExecContext(ctx,
			"INSERT INTO events (document_id, seq, event_id, event_type, timestamp, actor_id, payload_json) VALUES (?, ?, ?, ?, ?, ?, ?)",
			evt.DocumentID,
			int64(evt.Seq),
			evt.ID,
			string(evt.Type),
			toMillis(evt.Timestamp),
			evt.ActorID,
			payloadJSON,
		); err != nil {
			if isConstraintError(err) {
				return nil, fmt.Errorf("append event %d: sequence conflict: %w", i, err)
			}
			return nil, fmt.Errorf("append event %d: %w", i, err)
		}
		stored[i] = evt
	}

	nextSeq := baseSeq + int64(len(validated))
	if _, err := tx.ExecContext(ctx,
		"UPDATE event_seq SET next_seq = ? WHERE document_id = ?",
		nextSeq, documentID,
	); err != nil {
		return nil, fmt.Errorf("update event seq: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	return stored, nil
}

// ListEvents returns events ordered by sequence ascending.
func (s *Store) ListEvents(ctx context.Context, documentID string, afterSeq uint64, limit int) ([]event.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(documentID) == "" {
		return nil, fmt.Errorf("document id is required")
	}
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be greater than zero")
	}

	rows, err := s.sqlDB.QueryContext(ctx,
		"SELECT document_id, seq, event_id, event_type, timestamp, actor_id, payload_json FROM events WHERE document_id = ? AND seq > ? ORDER BY seq ASC LIMIT ?",
		documentID, int64(afterSeq), int64(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var events []event.Event
	for rows.Next() {
		evt, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}

// GetEventBySeq retrieves a specific event by sequence number.
func (s *Store) GetEventBySeq(ctx context.Context, documentID string, seq uint64) (event.Event, error) {
	if err := ctx.Err(); err != nil {
		return event.Event{}, err
	}
	if s == nil || s.sqlDB == nil {
		return event.Event{}, fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(documentID) == "" {
		return event.Event{}, fmt.Errorf("document id is required")
	}

	row := s.sqlDB.QueryRowContext(ctx,
		"SELECT document_id, seq, event_id, event_type, timestamp, actor_id, payload_json FROM events WHERE document_id = ? AND seq = ?",
		documentID, int64(seq),
	)
	evt, err := scanEvent(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return event.Event{}, storage.ErrNotFound
		}
		return event.Event{}, err
	}
	return evt, nil
}

// LatestSeq returns the latest event sequence number for a document.
func (s *Store) LatestSeq(ctx context.Context, documentID string) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if s == nil || s.sqlDB == nil {
		return 0, fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(documentID) == "" {
		return 0, fmt.Errorf("document id is required")
	}

	var latest sql.NullInt64
	if err := s.sqlDB.QueryRowContext(ctx,
		"SELECT MAX(seq) FROM events WHERE document_id = ?",
		documentID,
	).Scan(&latest); err != nil {
		return 0, fmt.Errorf("get latest seq: %w", err)
	}
	if !latest.Valid {
		return 0, nil
	}
	return uint64(latest.Int64), nil
}

// PruneEventsBefore removes events with seq below the cutoff, never past the
// latest snapshot so the journal stays replayable.
func (s *Store) PruneEventsBefore(ctx context.Context, documentID string, seq uint64) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if s == nil || s.sqlDB == nil {
		return 0, fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(documentID) == "" {
		return 0, fmt.Errorf("document id is required")
	}

	latest, err := s.LatestSnapshot(ctx, documentID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			// Without a snapshot every event is needed for replay.
			return 0, nil
		}
		return 0, err
	}

	cutoff := seq
	if latest.Seq+1 < cutoff {
		cutoff = latest.Seq + 1
	}

	result, err := s.sqlDB.ExecContext(ctx,
		"DELETE FROM events WHERE document_id = ? AND seq < ?",
		documentID, int64(cutoff),
	)
	if err != nil {
		return 0, fmt.Errorf("prune events: %w", err)
	}
	removed, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune events rows affected: %w", err)
	}
	return removed, nil
}

// scanner abstracts sql.Row and sql.Rows for shared scanning.
type scanner interface {
	Scan(dest ...any) error
}

func scanEvent(row scanner) (event.Event, error) {
	var (
		documentID  string
		seq         int64
		eventID     string
		eventType   string
		timestamp   int64
		actorID     string
		payloadJSON []byte
	)
	if err := row.Scan(&documentID, &seq, &eventID, &eventType, &timestamp, &actorID, &payloadJSON); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return event.Event{}, err
		}
		return event.Event{}, fmt.Errorf("scan event: %w", err)
	}

	payload, err := event.UnmarshalPayload(event.Type(eventType), payloadJSON)
	if err != nil {
		return event.Event{}, err
	}

	return event.Event{
		DocumentID: documentID,
		Seq:        uint64(seq),
		ID:         eventID,
		Type:       event.Type(eventType),
		Timestamp:  fromMillis(timestamp),
		ActorID:    actorID,
		Payload:    payload,
	}, nil
}
