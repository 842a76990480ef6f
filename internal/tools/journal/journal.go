// Package journal implements the slate journal maintenance command: tailing
// recent events, verifying journal integrity, snapshot inspection and
// creation, and pruning.
package journal

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/tidwall/gjson"

	"github.com/slatecore/slate/internal/engine"
	"github.com/slatecore/slate/internal/engine/event"
	"github.com/slatecore/slate/internal/engine/snapshot"
	"github.com/slatecore/slate/internal/platform/config"
	"github.com/slatecore/slate/internal/storage"
	"github.com/slatecore/slate/internal/storage/sqlite"
	"github.com/slatecore/slate/internal/telemetry"
)

const listPageSize = 200

// Config holds journal command configuration.
type Config struct {
	DBPath     string
	DocumentID string
	Tail       int
	Verify     bool
	Stats      bool
	Snapshot   bool
	Prune      bool
	Filter     string
	JSONOutput bool
	Timeout    time.Duration
}

type envConfig struct {
	DBPath  string        `env:"SLATE_DB_PATH"`
	Timeout time.Duration `env:"SLATE_JOURNAL_TIMEOUT" envDefault:"1m"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var envCfg envConfig
	if err := env.Parse(&envCfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}

	cfg := Config{
		DBPath:  envCfg.DBPath,
		Timeout: envCfg.Timeout,
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join("data", "slate.db")
	}

	fs.StringVar(&cfg.DBPath, "db-path", cfg.DBPath, "path to journal sqlite database (default: SLATE_DB_PATH or data/slate.db)")
	fs.StringVar(&cfg.DocumentID, "document-id", "", "document ID to operate on")
	fs.IntVar(&cfg.Tail, "tail", 0, "print the most recent N events")
	fs.BoolVar(&cfg.Verify, "verify", false, "verify sequence continuity and payload decodability")
	fs.BoolVar(&cfg.Stats, "stats", false, "print snapshot and journal statistics")
	fs.BoolVar(&cfg.Snapshot, "snapshot", false, "create a snapshot of the current state")
	fs.BoolVar(&cfg.Prune, "prune", false, "remove events already covered by the latest snapshot")
	fs.StringVar(&cfg.Filter, "filter", "", "gjson path; only events where the path yields a value are printed")
	fs.BoolVar(&cfg.JSONOutput, "json", false, "output JSON instead of text")
	fs.DurationVar(&cfg.Timeout, "timeout", cfg.Timeout, "overall timeout")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run executes the journal command.
func Run(ctx context.Context, cfg Config, out io.Writer, errOut io.Writer) error {
	if out == nil {
		out = io.Discard
	}
	if errOut == nil {
		errOut = io.Discard
	}
	if cfg.DocumentID == "" {
		return errors.New("-document-id is required")
	}
	if cfg.Tail <= 0 && !cfg.Verify && !cfg.Stats && !cfg.Snapshot && !cfg.Prune {
		return errors.New("one of -tail, -verify, -stats, -snapshot, or -prune is required")
	}

	store, err := sqlite.Open(cfg.DBPath, event.NewCoreRegistry())
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer store.Close()

	switch {
	case cfg.Tail > 0:
		return runTail(ctx, cfg, store, out)
	case cfg.Verify:
		return runVerify(ctx, cfg, store, out, errOut)
	case cfg.Stats:
		return runStats(ctx, cfg, store, out)
	case cfg.Snapshot:
		return runSnapshot(ctx, cfg, store, out)
	default:
		return runPrune(ctx, cfg, store, out)
	}
}

// eventRow is the printable projection of a journal event.
type eventRow struct {
	Seq       uint64          `json:"seq"`
	EventID   string          `json:"event_id"`
	Type      string          `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	ActorID   string          `json:"actor_id,omitempty"`
	Payload   json.RawMessage `json:"payload"`
}

func toRow(evt event.Event) (eventRow, error) {
	payload, err := event.MarshalPayload(evt.Payload)
	if err != nil {
		return eventRow{}, err
	}
	return eventRow{
		Seq:       evt.Seq,
		EventID:   evt.ID,
		Type:      string(evt.Type),
		Timestamp: evt.Timestamp,
		ActorID:   evt.ActorID,
		Payload:   payload,
	}, nil
}

func runTail(ctx context.Context, cfg Config, store *sqlite.Store, out io.Writer) error {
	latest, err := store.LatestSeq(ctx, cfg.DocumentID)
	if err != nil {
		return fmt.Errorf("read latest sequence: %w", err)
	}
	if latest == 0 {
		fmt.Fprintln(out, "journal is empty")
		return nil
	}

	var afterSeq uint64
	if uint64(cfg.Tail) < latest {
		afterSeq = latest - uint64(cfg.Tail)
	}
	events, err := store.ListEvents(ctx, cfg.DocumentID, afterSeq, cfg.Tail)
	if err != nil {
		return fmt.Errorf("list events: %w", err)
	}

	for _, evt := range events {
		row, err := toRow(evt)
		if err != nil {
			return fmt.Errorf("event %d: %w", evt.Seq, err)
		}
		encoded, err := json.Marshal(row)
		if err != nil {
			return fmt.Errorf("encode event %d: %w", evt.Seq, err)
		}
		if cfg.Filter != "" && !gjson.GetBytes(encoded, cfg.Filter).Exists() {
			continue
		}
		if cfg.JSONOutput {
			fmt.Fprintln(out, string(encoded))
			continue
		}
		fmt.Fprintf(out, "%6d  %s  %-16s  %s\n",
			row.Seq, row.Timestamp.Format(time.RFC3339), row.Type, row.Payload)
	}
	return nil
}

// verifyReport summarizes a journal integrity walk.
type verifyReport struct {
	DocumentID  string   `json:"document_id"`
	EventsSeen  int      `json:"events_seen"`
	FirstSeq    uint64   `json:"first_seq"`
	LastSeq     uint64   `json:"last_seq"`
	SnapshotSeq uint64   `json:"snapshot_seq"`
	Problems    []string `json:"problems,omitempty"`
}

func runVerify(ctx context.Context, cfg Config, store *sqlite.Store, out io.Writer, errOut io.Writer) error {
	report := verifyReport{DocumentID: cfg.DocumentID}

	var afterSeq uint64
	var expected uint64
	for {
		events, err := store.ListEvents(ctx, cfg.DocumentID, afterSeq, listPageSize)
		if err != nil {
			return fmt.Errorf("list events after %d: %w", afterSeq, err)
		}
		if len(events) == 0 {
			break
		}
		for _, evt := range events {
			if report.EventsSeen == 0 {
				report.FirstSeq = evt.Seq
				expected = evt.Seq
			}
			if evt.Seq != expected {
				report.Problems = append(report.Problems,
					fmt.Sprintf("sequence gap: expected %d, found %d", expected, evt.Seq))
				expected = evt.Seq
			}
			if evt.Payload == nil {
				report.Problems = append(report.Problems,
					fmt.Sprintf("event %d has no payload", evt.Seq))
			}
			report.EventsSeen++
			report.LastSeq = evt.Seq
			expected++
			afterSeq = evt.Seq
		}
		if len(events) < listPageSize {
			break
		}
	}

	snap, err := store.LatestSnapshot(ctx, cfg.DocumentID)
	switch {
	case err == nil:
		report.SnapshotSeq = snap.Seq
		if _, err := snapshot.DecodeBlob(snap.State, snap.Compression); err != nil {
			report.Problems = append(report.Problems,
				fmt.Sprintf("snapshot %d undecodable: %v", snap.Seq, err))
		}
		if report.EventsSeen > 0 && report.FirstSeq > snap.Seq+1 {
			report.Problems = append(report.Problems,
				fmt.Sprintf("journal starts at %d but latest snapshot is %d: replay gap", report.FirstSeq, snap.Seq))
		}
	case errors.Is(err, storage.ErrNotFound):
		if report.EventsSeen > 0 && report.FirstSeq > 1 {
			report.Problems = append(report.Problems,
				fmt.Sprintf("journal starts at %d with no snapshot", report.FirstSeq))
		}
	default:
		return fmt.Errorf("read latest snapshot: %w", err)
	}

	if cfg.JSONOutput {
		encoded, err := json.MarshalIndent(report, "", "  ")
		if err != nil {
			return fmt.Errorf("encode report: %w", err)
		}
		fmt.Fprintln(out, string(encoded))
	} else {
		fmt.Fprintf(out, "document %s: %d events, seq %d..%d\n",
			report.DocumentID, report.EventsSeen, report.FirstSeq, report.LastSeq)
		for _, problem := range report.Problems {
			fmt.Fprintf(errOut, "problem: %s\n", problem)
		}
	}
	if len(report.Problems) > 0 {
		return fmt.Errorf("journal has %d problems", len(report.Problems))
	}
	fmt.Fprintln(out, "ok")
	return nil
}

// statsReport summarizes snapshot coverage of a journal.
type statsReport struct {
	DocumentID          string    `json:"document_id"`
	LatestSeq           uint64    `json:"latest_seq"`
	SnapshotSeq         uint64    `json:"snapshot_seq"`
	SnapshotBytes       int       `json:"snapshot_bytes"`
	SnapshotCompression string    `json:"snapshot_compression,omitempty"`
	SnapshotCreatedAt   time.Time `json:"snapshot_created_at,omitempty"`
	EventsSinceSnapshot uint64    `json:"events_since_snapshot"`
}

func runStats(ctx context.Context, cfg Config, store *sqlite.Store, out io.Writer) error {
	latest, err := store.LatestSeq(ctx, cfg.DocumentID)
	if err != nil {
		return fmt.Errorf("read latest sequence: %w", err)
	}

	report := statsReport{DocumentID: cfg.DocumentID, LatestSeq: latest}
	snap, err := store.LatestSnapshot(ctx, cfg.DocumentID)
	switch {
	case err == nil:
		report.SnapshotSeq = snap.Seq
		report.SnapshotBytes = len(snap.State)
		report.SnapshotCompression = snap.Compression
		report.SnapshotCreatedAt = snap.CreatedAt
		if latest > snap.Seq {
			report.EventsSinceSnapshot = latest - snap.Seq
		}
	case errors.Is(err, storage.ErrNotFound):
		report.EventsSinceSnapshot = latest
	default:
		return fmt.Errorf("read latest snapshot: %w", err)
	}

	if cfg.JSONOutput {
		encoded, err := json.MarshalIndent(report, "", "  ")
		if err != nil {
			return fmt.Errorf("encode report: %w", err)
		}
		fmt.Fprintln(out, string(encoded))
		return nil
	}

	fmt.Fprintf(out, "document %s\n", report.DocumentID)
	fmt.Fprintf(out, "  latest seq:            %d\n", report.LatestSeq)
	if report.SnapshotSeq > 0 {
		fmt.Fprintf(out, "  snapshot seq:          %d (%d bytes, %s, %s)\n",
			report.SnapshotSeq, report.SnapshotBytes, report.SnapshotCompression,
			report.SnapshotCreatedAt.Format(time.RFC3339))
	} else {
		fmt.Fprintf(out, "  snapshot:              none\n")
	}
	fmt.Fprintf(out, "  events since snapshot: %d\n", report.EventsSinceSnapshot)
	return nil
}

func runSnapshot(ctx context.Context, cfg Config, store *sqlite.Store, out io.Writer) error {
	var engineCfg engine.Config
	if err := config.ParseEnv(&engineCfg); err != nil {
		return err
	}
	metrics, err := telemetry.NewOTel()
	if err != nil {
		return fmt.Errorf("build metrics sink: %w", err)
	}

	session, err := engine.NewSession(ctx, cfg.DocumentID, store, engineCfg,
		engine.WithMetrics(metrics))
	if err != nil {
		return fmt.Errorf("open session: %w", err)
	}
	defer session.Close(ctx)

	if err := session.Snapshot(ctx); err != nil {
		return fmt.Errorf("create snapshot: %w", err)
	}
	snap, err := store.LatestSnapshot(ctx, cfg.DocumentID)
	if err != nil {
		return fmt.Errorf("read latest snapshot: %w", err)
	}
	fmt.Fprintf(out, "snapshot created at seq %d (%d bytes)\n", snap.Seq, len(snap.State))
	return nil
}

func runPrune(ctx context.Context, cfg Config, store *sqlite.Store, out io.Writer) error {
	snap, err := store.LatestSnapshot(ctx, cfg.DocumentID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			fmt.Fprintln(out, "no snapshot; nothing to prune")
			return nil
		}
		return fmt.Errorf("read latest snapshot: %w", err)
	}
	removed, err := store.PruneEventsBefore(ctx, cfg.DocumentID, snap.Seq+1)
	if err != nil {
		return fmt.Errorf("prune events: %w", err)
	}
	fmt.Fprintf(out, "pruned %d events before seq %d\n", removed, snap.Seq+1)
	return nil
}
