package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/slatecore/slate/internal/storage"
	"github.com/slatecore/slate/internal/telemetry"
)

// DefaultNearThresholdRatio is the fraction of the effective interval at
// which the backlog is reported as near threshold. A tunable heuristic, not
// an invariant.
const DefaultNearThresholdRatio = 0.8

// BacklogStatus is a diagnostic view of snapshot debt. Derived on demand,
// never persisted, and never blocks callers.
type BacklogStatus struct {
	PendingSnapshots    int
	LastSnapshotSeq     uint64
	CurrentSeq          uint64
	EventsSinceSnapshot uint64
	EventsPerSecond     float64
	Activity            Activity
	EffectiveInterval   float64
	// FallingBehind reports in-flight creations that keep accumulating.
	FallingBehind bool
	// NearThreshold reports the backlog reaching the near-threshold ratio
	// of the effective interval.
	NearThreshold bool
}

// Manager decides when snapshots are due and materializes them.
//
// The manager observes applied-event timestamps to tune its own cadence and
// runs creations asynchronously so foreground interaction never waits on a
// snapshot.
type Manager struct {
	mu          sync.Mutex
	documentID  string
	tuning      TuningConfig
	window      *ActivityWindow
	store       storage.SnapshotStore
	encode      func(state any) ([]byte, error)
	metrics     telemetry.Sink
	clock       func() time.Time
	nearRatio   float64
	lastSeq     uint64
	pending     int
	prevPending int
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock injects the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.clock = now }
}

// WithMetrics injects the metrics sink.
func WithMetrics(sink telemetry.Sink) Option {
	return func(m *Manager) { m.metrics = sink }
}

// WithEncoder overrides the state encoder. The default encodes with
// encoding/json.
func WithEncoder(encode func(state any) ([]byte, error)) Option {
	return func(m *Manager) { m.encode = encode }
}

// WithNearThresholdRatio overrides the near-threshold backlog heuristic.
func WithNearThresholdRatio(ratio float64) Option {
	return func(m *Manager) { m.nearRatio = ratio }
}

// NewManager creates a snapshot manager. The tuning configuration is
// validated and rejected outright when invalid.
func NewManager(documentID string, store storage.SnapshotStore, tuning TuningConfig, opts ...Option) (*Manager, error) {
	if strings.TrimSpace(documentID) == "" {
		return nil, errors.New("document id is required")
	}
	if store == nil {
		return nil, errors.New("snapshot store is required")
	}
	if err := tuning.Validate(); err != nil {
		return nil, fmt.Errorf("snapshot tuning: %w", err)
	}

	m := &Manager{
		documentID: documentID,
		tuning:     tuning,
		window:     NewActivityWindow(tuning.Window),
		store:      store,
		encode:     func(state any) ([]byte, error) { return json.Marshal(state) },
		metrics:    telemetry.Noop{},
		clock:      time.Now,
		nearRatio:  DefaultNearThresholdRatio,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m, nil
}

// Init seeds the last-snapshot sequence from the store.
func (m *Manager) Init(ctx context.Context) error {
	latest, err := m.store.LatestSnapshot(ctx, m.documentID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("load latest snapshot: %w", err)
	}
	m.mu.Lock()
	m.lastSeq = latest.Seq
	m.mu.Unlock()
	return nil
}

// ObserveEvent feeds one applied-event timestamp into the activity window.
func (m *Manager) ObserveEvent(ts time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.window.Observe(ts)
}

// Rate returns the current observed events/second.
func (m *Manager) Rate() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.window.Rate(m.clock())
}

// ClassifyActivity maps a rate onto an activity class.
func (m *Manager) ClassifyActivity(rate float64) Activity {
	return m.tuning.Classify(rate)
}

// EffectiveInterval returns the events-between-snapshots interval for a rate.
func (m *Manager) EffectiveInterval(rate float64) float64 {
	return m.tuning.EffectiveInterval(rate)
}

// ShouldCreate reports whether a snapshot is due at the given sequence.
func (m *Manager) ShouldCreate(seq uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if seq <= m.lastSeq {
		return false
	}
	rate := m.window.Rate(m.clock())
	interval := m.tuning.EffectiveInterval(rate)
	return float64(seq-m.lastSeq) >= interval
}

// Backlog returns the diagnostic backlog status at the given sequence.
func (m *Manager) Backlog(seq uint64) BacklogStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	rate := m.window.Rate(m.clock())
	interval := m.tuning.EffectiveInterval(rate)

	var since uint64
	if seq > m.lastSeq {
		since = seq - m.lastSeq
	}

	status := BacklogStatus{
		PendingSnapshots:    m.pending,
		LastSnapshotSeq:     m.lastSeq,
		CurrentSeq:          seq,
		EventsSinceSnapshot: since,
		EventsPerSecond:     rate,
		Activity:            m.tuning.Classify(rate),
		EffectiveInterval:   interval,
		FallingBehind:       m.pending > 0 && m.pending > m.prevPending,
		NearThreshold:       float64(since) >= m.nearRatio*interval,
	}
	m.prevPending = m.pending
	return status
}

// Pending returns the number of snapshot creations in flight.
func (m *Manager) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pending
}

// Create materializes a snapshot of state at seq synchronously.
func (m *Manager) Create(ctx context.Context, seq uint64, state any) error {
	start := m.clock()

	encoded, err := m.encode(state)
	if err != nil {
		return fmt.Errorf("encode snapshot state: %w", err)
	}
	blob, compression, err := EncodeBlob(encoded)
	if err != nil {
		return err
	}

	if err := m.store.PutSnapshot(ctx, storage.Snapshot{
		DocumentID:  m.documentID,
		Seq:         seq,
		State:       blob,
		Compression: compression,
		CreatedAt:   start.UTC(),
	}); err != nil {
		return fmt.Errorf("persist snapshot: %w", err)
	}

	m.mu.Lock()
	if seq > m.lastSeq {
		m.lastSeq = seq
	}
	m.mu.Unlock()

	m.metrics.RecordSnapshot(ctx, seq, m.clock().Sub(start))
	return nil
}

// CreateAsync materializes a snapshot without blocking the caller. Multiple
// creations may be in flight; the pending count surfaces through Backlog.
// Failures are reported on the returned channel and are non-fatal: replay
// falls back to older snapshots or the full log.
func (m *Manager) CreateAsync(ctx context.Context, seq uint64, state any) <-chan error {
	m.mu.Lock()
	m.pending++
	m.mu.Unlock()

	done := make(chan error, 1)
	go func() {
		err := m.Create(ctx, seq, state)

		m.mu.Lock()
		m.pending--
		m.mu.Unlock()

		done <- err
		close(done)
	}()
	return done
}

// LastSnapshotSeq returns the sequence of the newest known snapshot.
func (m *Manager) LastSnapshotSeq() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastSeq
}
