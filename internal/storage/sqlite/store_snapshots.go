package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/slatecore/slate/internal/storage"
)

// PutSnapshot stores a snapshot, replacing any at the same sequence.
func (s *Store) PutSnapshot(ctx context.Context, snapshot storage.Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(snapshot.DocumentID) == "" {
		return fmt.Errorf("document id is required")
	}
	if len(snapshot.State) == 0 {
		return fmt.Errorf("snapshot state is required")
	}
	if snapshot.CreatedAt.IsZero() {
		snapshot.CreatedAt = s.clock().UTC()
	}
	if snapshot.Compression == "" {
		snapshot.Compression = "none"
	}

	if _, err := s.sqlDB.ExecContext(ctx,
		"INSERT OR REPLACE INTO snapshots (document_id, seq, state, compression, created_at) VALUES (?, ?, ?, ?, ?)",
		snapshot.DocumentID,
		int64(snapshot.Seq),
		snapshot.State,
		snapshot.Compression,
		toMillis(snapshot.CreatedAt),
	); err != nil {
		return fmt.Errorf("put snapshot: %w", err)
	}
	return nil
}

// NearestSnapshot retrieves the snapshot with the highest seq at or below
// maxSeq.
func (s *Store) NearestSnapshot(ctx context.Context, documentID string, maxSeq uint64) (storage.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return storage.Snapshot{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.Snapshot{}, fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(documentID) == "" {
		return storage.Snapshot{}, fmt.Errorf("document id is required")
	}

	row := s.sqlDB.QueryRowContext(ctx,
		"SELECT document_id, seq, state, compression, created_at FROM snapshots WHERE document_id = ? AND seq <= ? ORDER BY seq DESC LIMIT 1",
		documentID, int64(maxSeq),
	)
	return scanSnapshot(row)
}

// LatestSnapshot retrieves the most recent snapshot for a document.
func (s *Store) LatestSnapshot(ctx context.Context, documentID string) (storage.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return storage.Snapshot{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.Snapshot{}, fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(documentID) == "" {
		return storage.Snapshot{}, fmt.Errorf("document id is required")
	}

	row := s.sqlDB.QueryRowContext(ctx,
		"SELECT document_id, seq, state, compression, created_at FROM snapshots WHERE document_id = ? ORDER BY seq DESC LIMIT 1",
		documentID,
	)
	return scanSnapshot(row)
}

// PruneSnapshotsBefore removes snapshots below the cutoff sequence.
func (s *Store) PruneSnapshotsBefore(ctx context.Context, documentID string, seq uint64) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if s == nil || s.sqlDB == nil {
		return 0, fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(documentID) == "" {
		return 0, fmt.Errorf("document id is required")
	}

	result, err := s.sqlDB.ExecContext(ctx,
		"DELETE FROM snapshots WHERE document_id = ? AND seq < ?",
		documentID, int64(seq),
	)
	if err != nil {
		return 0, fmt.Errorf("prune snapshots: %w", err)
	}
	removed, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune snapshots rows affected: %w", err)
	}
	return removed, nil
}

func scanSnapshot(row *sql.Row) (storage.Snapshot, error) {
	var (
		documentID  string
		seq         int64
		state       []byte
		compression string
		createdAt   int64
	)
	if err := row.Scan(&documentID, &seq, &state, &compression, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.Snapshot{}, storage.ErrNotFound
		}
		return storage.Snapshot{}, fmt.Errorf("scan snapshot: %w", err)
	}
	return storage.Snapshot{
		DocumentID:  documentID,
		Seq:         uint64(seq),
		State:       state,
		Compression: compression,
		CreatedAt:   fromMillis(createdAt),
	}, nil
}
