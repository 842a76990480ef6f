// Package engine assembles the document engine: journal-backed recording,
// replay-based state reconstruction, adaptive snapshotting, and grouped
// undo/redo navigation for one document session.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/slatecore/slate/internal/engine/dispatch"
	"github.com/slatecore/slate/internal/engine/document"
	"github.com/slatecore/slate/internal/engine/event"
	"github.com/slatecore/slate/internal/engine/group"
	"github.com/slatecore/slate/internal/engine/record"
	"github.com/slatecore/slate/internal/engine/replay"
	"github.com/slatecore/slate/internal/engine/snapshot"
	"github.com/slatecore/slate/internal/engine/undo"
	"github.com/slatecore/slate/internal/platform/clock"
	"github.com/slatecore/slate/internal/storage"
	"github.com/slatecore/slate/internal/telemetry"
)

// Config tunes one session. Zero values fall back to defaults.
type Config struct {
	// SamplingInterval is the recorder's minimum gap between forwarded
	// events.
	SamplingInterval time.Duration `env:"SLATE_SAMPLING_INTERVAL" envDefault:"50ms"`
	// IdleThreshold is the event gap that closes an operation group.
	IdleThreshold time.Duration `env:"SLATE_IDLE_THRESHOLD" envDefault:"200ms"`
	// SnapshotBaseInterval is the nominal events-between-snapshots count.
	SnapshotBaseInterval float64 `env:"SLATE_SNAPSHOT_BASE_INTERVAL" envDefault:"1000"`
	// SnapshotBurstMultiplier scales the interval during bursts.
	SnapshotBurstMultiplier float64 `env:"SLATE_SNAPSHOT_BURST_MULTIPLIER" envDefault:"0.5"`
	// SnapshotIdleMultiplier scales the interval while idle.
	SnapshotIdleMultiplier float64 `env:"SLATE_SNAPSHOT_IDLE_MULTIPLIER" envDefault:"2"`
	// SnapshotWindow is the activity-rate estimation window.
	SnapshotWindow time.Duration `env:"SLATE_SNAPSHOT_WINDOW" envDefault:"10s"`
	// SnapshotBurstThreshold is the events/second burst boundary.
	SnapshotBurstThreshold float64 `env:"SLATE_SNAPSHOT_BURST_THRESHOLD" envDefault:"20"`
	// SnapshotIdleThreshold is the events/second idle boundary.
	SnapshotIdleThreshold float64 `env:"SLATE_SNAPSHOT_IDLE_THRESHOLD" envDefault:"2"`
}

func (c Config) withDefaults() Config {
	if c.SamplingInterval <= 0 {
		c.SamplingInterval = 50 * time.Millisecond
	}
	if c.IdleThreshold <= 0 {
		c.IdleThreshold = 200 * time.Millisecond
	}
	if c.SnapshotBaseInterval == 0 && c.SnapshotBurstMultiplier == 0 {
		tuning := snapshot.DefaultTuning()
		c.SnapshotBaseInterval = tuning.BaseInterval
		c.SnapshotBurstMultiplier = tuning.BurstMultiplier
		c.SnapshotIdleMultiplier = tuning.IdleMultiplier
		c.SnapshotWindow = tuning.Window
		c.SnapshotBurstThreshold = tuning.BurstThreshold
		c.SnapshotIdleThreshold = tuning.IdleThreshold
	}
	return c
}

func (c Config) tuning() snapshot.TuningConfig {
	return snapshot.TuningConfig{
		BaseInterval:    c.SnapshotBaseInterval,
		BurstMultiplier: c.SnapshotBurstMultiplier,
		IdleMultiplier:  c.SnapshotIdleMultiplier,
		Window:          c.SnapshotWindow,
		BurstThreshold:  c.SnapshotBurstThreshold,
		IdleThreshold:   c.SnapshotIdleThreshold,
	}
}

// Store is the persistence surface a session needs.
type Store interface {
	storage.EventStore
	storage.SnapshotStore
}

// Session is the single-writer facade over one document's engine. All
// mutating calls are serialized internally; only snapshot creation runs in
// the background.
type Session struct {
	mu         sync.Mutex
	documentID string
	actorID    string
	registry   *event.Registry
	store      Store
	dispatcher *dispatch.Dispatcher
	recorder   *record.Recorder
	groups     *group.Service
	replayer   *replay.Replayer
	snapshots  *snapshot.Manager
	navigator  *undo.Navigator
	metrics    telemetry.Sink
	logger     *slog.Logger
	clk        clock.Clock
	state      document.State
	inflight   sync.WaitGroup
	closed     bool
}

// SessionOption configures a Session.
type SessionOption func(*sessionOptions)

type sessionOptions struct {
	clk     clock.Clock
	metrics telemetry.Sink
	logger  *slog.Logger
	actorID string
}

// WithClock injects the time source used by the recorder, grouping timers,
// and activity window.
func WithClock(clk clock.Clock) SessionOption {
	return func(o *sessionOptions) { o.clk = clk }
}

// WithMetrics injects the metrics sink.
func WithMetrics(sink telemetry.Sink) SessionOption {
	return func(o *sessionOptions) { o.metrics = sink }
}

// WithLogger injects the logger.
func WithLogger(logger *slog.Logger) SessionOption {
	return func(o *sessionOptions) { o.logger = logger }
}

// WithActorID stamps recorded events with the given author.
func WithActorID(actorID string) SessionOption {
	return func(o *sessionOptions) { o.actorID = actorID }
}

// NewSession assembles the engine for one document. The journal is read on
// startup to rebuild the current state.
func NewSession(ctx context.Context, documentID string, store Store, cfg Config, opts ...SessionOption) (*Session, error) {
	if documentID == "" {
		return nil, errors.New("document id is required")
	}
	if store == nil {
		return nil, errors.New("store is required")
	}

	options := sessionOptions{
		clk:     clock.System(),
		metrics: telemetry.Noop{},
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	cfg = cfg.withDefaults()

	s := &Session{
		documentID: documentID,
		actorID:    options.actorID,
		registry:   event.NewCoreRegistry(),
		store:      store,
		dispatcher: document.NewDispatcher(),
		metrics:    options.metrics,
		logger:     options.logger.With("document_id", documentID),
		clk:        options.clk,
		state:      document.NewState(),
	}

	recorder, err := record.NewRecorder(cfg.SamplingInterval, s.persist,
		record.WithClock(options.clk),
		record.WithMetrics(options.metrics),
		record.WithLogger(s.logger))
	if err != nil {
		return nil, fmt.Errorf("build recorder: %w", err)
	}
	s.recorder = recorder

	groups, err := group.NewService(cfg.IdleThreshold, s.onGroupComplete,
		group.WithClock(options.clk))
	if err != nil {
		return nil, fmt.Errorf("build grouping service: %w", err)
	}
	s.groups = groups

	replayer, err := replay.NewReplayer(documentID, store, s.dispatcher,
		func() any { return document.NewState() },
		replay.WithSnapshots(store, decodeState),
		replay.WithPauser(recorder),
		replay.WithMetrics(options.metrics),
		replay.WithClock(options.clk))
	if err != nil {
		return nil, fmt.Errorf("build replayer: %w", err)
	}
	s.replayer = replayer

	snapshots, err := snapshot.NewManager(documentID, store, cfg.tuning(),
		snapshot.WithClock(options.clk.Now),
		snapshot.WithMetrics(options.metrics),
		snapshot.WithEncoder(encodeState))
	if err != nil {
		return nil, fmt.Errorf("build snapshot manager: %w", err)
	}
	if err := snapshots.Init(ctx); err != nil {
		return nil, fmt.Errorf("init snapshot manager: %w", err)
	}
	s.snapshots = snapshots

	navigator, err := undo.NewNavigator(replayer,
		undo.WithMetrics(options.metrics),
		undo.WithClock(options.clk))
	if err != nil {
		return nil, fmt.Errorf("build navigator: %w", err)
	}
	s.navigator = navigator

	if err := s.restore(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// restore rebuilds the live state from the journal. After pruning the
// journal may start beyond its oldest snapshot, so the snapshot position
// counts toward the restore target too.
func (s *Session) restore(ctx context.Context) error {
	latest, err := s.store.LatestSeq(ctx, s.documentID)
	if err != nil {
		return fmt.Errorf("read latest sequence: %w", err)
	}
	if snap, err := s.store.LatestSnapshot(ctx, s.documentID); err == nil {
		if snap.Seq > latest {
			latest = snap.Seq
		}
	} else if !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("read latest snapshot: %w", err)
	}
	if latest == 0 {
		return nil
	}
	state, _, err := s.replayer.ReplayFromSnapshot(ctx, latest)
	if err != nil {
		return fmt.Errorf("restore state: %w", err)
	}
	doc, ok := state.(document.State)
	if !ok {
		return fmt.Errorf("restored state has type %T", state)
	}
	s.mu.Lock()
	s.state = doc
	s.mu.Unlock()
	return nil
}

// Record accepts one state-changing payload from the tool layer. The event
// flows through the sampling recorder; a burst may be coalesced before it
// reaches the journal.
func (s *Session) Record(ctx context.Context, payload event.Payload) error {
	if payload == nil {
		return event.ErrPayloadRequired
	}
	evt := event.Event{
		DocumentID: s.documentID,
		Type:       payload.EventType(),
		Timestamp:  s.clk.Now(),
		ActorID:    s.actorID,
		Payload:    payload,
	}
	return s.recorder.Record(ctx, evt)
}

// Flush forwards any event still buffered in the recorder.
func (s *Session) Flush(ctx context.Context) error {
	return s.recorder.Flush(ctx)
}

// persist is the recorder's forward target: append to the journal, apply to
// the live state, feed grouping and snapshotting.
func (s *Session) persist(ctx context.Context, evt event.Event) error {
	stored, err := s.store.AppendEvent(ctx, evt)
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}

	s.mu.Lock()
	next, err := s.dispatcher.Dispatch(s.state, stored)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	s.state = next.(document.State)
	s.mu.Unlock()

	meta := stored.Meta()
	meta.Label = s.registry.Label(stored.Type)
	if err := s.groups.OnEventRecorded(meta); err != nil {
		return fmt.Errorf("group event %d: %w", stored.Seq, err)
	}

	s.snapshots.ObserveEvent(stored.Timestamp)
	if s.snapshots.ShouldCreate(stored.Seq) {
		s.createSnapshot(ctx, stored.Seq)
	}
	return nil
}

// createSnapshot kicks off a background snapshot of the current state.
// Failures are logged, never surfaced: replay falls back to older
// snapshots.
func (s *Session) createSnapshot(ctx context.Context, seq uint64) {
	s.mu.Lock()
	state := s.state.Clone()
	s.mu.Unlock()

	done := s.snapshots.CreateAsync(ctx, seq, state)
	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		if err := <-done; err != nil {
			s.logger.Warn("snapshot creation failed", "seq", seq, "error", err)
		}
	}()
}

// onGroupComplete feeds completed operation groups to the navigator.
func (s *Session) onGroupComplete(op group.Operation) {
	s.navigator.Push(op)
}

// ForceBoundary closes the active operation group immediately. Buffered
// events flush first so the group covers everything recorded so far.
func (s *Session) ForceBoundary(ctx context.Context, label string) error {
	if err := s.recorder.Flush(ctx); err != nil {
		return err
	}
	s.groups.ForceBoundary(label)
	return nil
}

// StartUndoGroup opens an explicit, pre-labeled group.
func (s *Session) StartUndoGroup(ctx context.Context, label string) (string, error) {
	if err := s.recorder.Flush(ctx); err != nil {
		return "", err
	}
	return s.groups.StartUndoGroup(label)
}

// EndUndoGroup closes an explicit group.
func (s *Session) EndUndoGroup(ctx context.Context, groupID, label string) error {
	if err := s.recorder.Flush(ctx); err != nil {
		return err
	}
	return s.groups.EndUndoGroup(groupID, label)
}

// CancelOperation discards the active group without creating an undo
// entry.
func (s *Session) CancelOperation() {
	s.groups.CancelOperation()
}

// Undo steps the visible state back one operation group.
func (s *Session) Undo(ctx context.Context) error {
	if err := s.settleBoundary(ctx); err != nil {
		return err
	}
	if err := s.navigator.Undo(ctx); err != nil {
		return err
	}
	s.adoptNavigatorState()
	return nil
}

// Redo re-applies the most recently undone group.
func (s *Session) Redo(ctx context.Context) error {
	if err := s.navigator.Redo(ctx); err != nil {
		return err
	}
	s.adoptNavigatorState()
	return nil
}

// ScrubToSequence jumps the visible state to an arbitrary journal
// position.
func (s *Session) ScrubToSequence(ctx context.Context, seq int64) error {
	if err := s.settleBoundary(ctx); err != nil {
		return err
	}
	if err := s.navigator.ScrubToSequence(ctx, seq); err != nil {
		return err
	}
	s.adoptNavigatorState()
	return nil
}

// settleBoundary completes any in-flight group before navigating so the
// undo stack covers every recorded event.
func (s *Session) settleBoundary(ctx context.Context) error {
	if err := s.recorder.Flush(ctx); err != nil {
		return err
	}
	s.groups.ForceBoundary("")
	return nil
}

func (s *Session) adoptNavigatorState() {
	state := s.navigator.State()
	doc, ok := state.(document.State)
	if !ok {
		return
	}
	s.mu.Lock()
	s.state = doc
	s.mu.Unlock()
}

// State returns a copy of the current document state.
func (s *Session) State() document.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Clone()
}

// Status returns the navigator's position.
func (s *Session) Status() undo.Status {
	return s.navigator.Status()
}

// OnStatusChange registers a navigation status listener.
func (s *Session) OnStatusChange(fn undo.StatusFunc) {
	s.navigator.OnStatusChange(fn)
}

// Backlog reports snapshot debt at the current journal position.
func (s *Session) Backlog(ctx context.Context) (snapshot.BacklogStatus, error) {
	latest, err := s.store.LatestSeq(ctx, s.documentID)
	if err != nil {
		return snapshot.BacklogStatus{}, fmt.Errorf("read latest sequence: %w", err)
	}
	return s.snapshots.Backlog(latest), nil
}

// Snapshot forces a synchronous snapshot of the visible state, stamped with
// the sequence that state reflects. After an undo the visible state sits
// before the journal head; stamping the head sequence would poison every
// later snapshot-seeded replay.
func (s *Session) Snapshot(ctx context.Context) error {
	s.mu.Lock()
	state := s.state.Clone()
	s.mu.Unlock()
	if state.LastSeq == 0 {
		return errors.New("no recorded state to snapshot")
	}
	return s.snapshots.Create(ctx, state.LastSeq, state)
}

// Prune removes journal events already covered by the latest snapshot.
func (s *Session) Prune(ctx context.Context) (int64, error) {
	latest, err := s.store.LatestSnapshot(ctx, s.documentID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return 0, nil
		}
		return 0, fmt.Errorf("read latest snapshot: %w", err)
	}
	removed, err := s.store.PruneEventsBefore(ctx, s.documentID, latest.Seq+1)
	if err != nil {
		return 0, fmt.Errorf("prune events: %w", err)
	}
	return removed, nil
}

// Close flushes the recorder, completes any open group, waits for in-flight
// snapshot creations, and flushes metrics. The store is left open; it may
// back other sessions.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	err := s.recorder.Close(ctx)
	s.groups.Close()
	s.inflight.Wait()
	if flushErr := s.metrics.Flush(ctx); flushErr != nil && err == nil {
		err = flushErr
	}
	return err
}

func encodeState(state any) ([]byte, error) {
	doc, ok := state.(document.State)
	if !ok {
		return nil, fmt.Errorf("state has type %T", state)
	}
	return document.MarshalState(doc)
}

func decodeState(data []byte) (any, error) {
	return document.UnmarshalState(data)
}
