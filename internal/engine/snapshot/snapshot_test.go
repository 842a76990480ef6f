package snapshot

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/slatecore/slate/internal/storage"
	"github.com/slatecore/slate/internal/telemetry"
)

type fakeSnapshotStore struct {
	mu        sync.Mutex
	snapshots []storage.Snapshot
	putErr    error
}

func (s *fakeSnapshotStore) PutSnapshot(ctx context.Context, snapshot storage.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.putErr != nil {
		return s.putErr
	}
	s.snapshots = append(s.snapshots, snapshot)
	return nil
}

func (s *fakeSnapshotStore) NearestSnapshot(ctx context.Context, documentID string, maxSeq uint64) (storage.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var best storage.Snapshot
	found := false
	for _, snap := range s.snapshots {
		if snap.DocumentID != documentID || snap.Seq > maxSeq {
			continue
		}
		if !found || snap.Seq > best.Seq {
			best = snap
			found = true
		}
	}
	if !found {
		return storage.Snapshot{}, storage.ErrNotFound
	}
	return best, nil
}

func (s *fakeSnapshotStore) LatestSnapshot(ctx context.Context, documentID string) (storage.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var best storage.Snapshot
	found := false
	for _, snap := range s.snapshots {
		if snap.DocumentID != documentID {
			continue
		}
		if !found || snap.Seq > best.Seq {
			best = snap
			found = true
		}
	}
	if !found {
		return storage.Snapshot{}, storage.ErrNotFound
	}
	return best, nil
}

func (s *fakeSnapshotStore) PruneSnapshotsBefore(ctx context.Context, documentID string, seq uint64) (int64, error) {
	return 0, nil
}

func (s *fakeSnapshotStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.snapshots)
}

func TestEffectiveIntervalDefaults(t *testing.T) {
	tuning := DefaultTuning()

	tests := []struct {
		name string
		rate float64
		want float64
	}{
		{name: "burst halves interval", rate: 25, want: 500},
		{name: "burst at threshold", rate: 20, want: 500},
		{name: "idle doubles interval", rate: 1, want: 2000},
		{name: "idle at threshold", rate: 2, want: 2000},
		{name: "normal keeps base", rate: 10, want: 1000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tuning.EffectiveInterval(tt.rate)
			if got != tt.want {
				t.Fatalf("EffectiveInterval(%v) = %v, want %v", tt.rate, got, tt.want)
			}
		})
	}
}

func TestClassifyDefaults(t *testing.T) {
	tuning := DefaultTuning()

	tests := []struct {
		rate float64
		want Activity
	}{
		{rate: 30, want: ActivityBurst},
		{rate: 20, want: ActivityBurst},
		{rate: 10, want: ActivityNormal},
		{rate: 2, want: ActivityIdle},
		{rate: 1, want: ActivityIdle},
		{rate: 0, want: ActivityIdle},
	}

	for _, tt := range tests {
		got := tuning.Classify(tt.rate)
		if got != tt.want {
			t.Fatalf("Classify(%v) = %v, want %v", tt.rate, got, tt.want)
		}
	}
}

func TestTuningValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*TuningConfig)
		wantErr bool
	}{
		{name: "defaults valid", mutate: func(c *TuningConfig) {}},
		{name: "zero base interval", mutate: func(c *TuningConfig) { c.BaseInterval = 0 }, wantErr: true},
		{name: "negative burst multiplier", mutate: func(c *TuningConfig) { c.BurstMultiplier = -1 }, wantErr: true},
		{name: "zero idle multiplier", mutate: func(c *TuningConfig) { c.IdleMultiplier = 0 }, wantErr: true},
		{name: "zero window", mutate: func(c *TuningConfig) { c.Window = 0 }, wantErr: true},
		{name: "thresholds inverted", mutate: func(c *TuningConfig) { c.BurstThreshold = 1; c.IdleThreshold = 5 }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tuning := DefaultTuning()
			tt.mutate(&tuning)
			err := tuning.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestActivityWindowRate(t *testing.T) {
	start := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	window := NewActivityWindow(10 * time.Second)

	for i := 0; i < 100; i++ {
		window.Observe(start.Add(time.Duration(i) * 100 * time.Millisecond))
	}

	now := start.Add(10 * time.Second)
	if got := window.Rate(now); got != 10 {
		t.Fatalf("Rate() = %v, want 10", got)
	}
}

func TestActivityWindowKeepsSampleAtRetentionBoundary(t *testing.T) {
	start := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	window := NewActivityWindow(10 * time.Second)

	window.Observe(start)

	if got := window.Rate(start.Add(10 * time.Second)); got != 0.1 {
		t.Fatalf("Rate() at boundary = %v, want 0.1", got)
	}
	if got := window.Rate(start.Add(10*time.Second + time.Millisecond)); got != 0 {
		t.Fatalf("Rate() past boundary = %v, want 0", got)
	}
}

func TestActivityWindowPrunesOldSamples(t *testing.T) {
	start := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	window := NewActivityWindow(10 * time.Second)

	window.Observe(start)
	window.Observe(start.Add(1 * time.Second))

	if got := window.Rate(start.Add(30 * time.Second)); got != 0 {
		t.Fatalf("Rate() after retention = %v, want 0", got)
	}
	if got := window.Len(); got != 0 {
		t.Fatalf("Len() after prune = %d, want 0", got)
	}
}

func TestBlobRoundTrip(t *testing.T) {
	data := bytes.Repeat([]byte(`{"title":"draft","blocks":{}}`), 50)

	blob, compression, err := EncodeBlob(data)
	if err != nil {
		t.Fatalf("EncodeBlob() error = %v", err)
	}
	if compression != CompressionZstd {
		t.Fatalf("compression = %q, want %q", compression, CompressionZstd)
	}
	if len(blob) >= len(data) {
		t.Fatalf("compressed blob is %d bytes, want fewer than %d", len(blob), len(data))
	}

	decoded, err := DecodeBlob(blob, compression)
	if err != nil {
		t.Fatalf("DecodeBlob() error = %v", err)
	}
	if !bytes.Equal(decoded, data) {
		t.Fatal("decoded blob does not match original data")
	}
}

func TestDecodeBlobUnknownCompression(t *testing.T) {
	if _, err := DecodeBlob([]byte("x"), "brotli"); err == nil {
		t.Fatal("DecodeBlob() with unknown compression, want error")
	}
}

func newTestManager(t *testing.T, store storage.SnapshotStore, tuning TuningConfig, opts ...Option) *Manager {
	t.Helper()
	m, err := NewManager("doc-1", store, tuning, opts...)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	return m
}

func TestManagerRejectsInvalidConfig(t *testing.T) {
	store := &fakeSnapshotStore{}

	if _, err := NewManager("", store, DefaultTuning()); err == nil {
		t.Fatal("NewManager() with empty document id, want error")
	}
	if _, err := NewManager("doc-1", nil, DefaultTuning()); err == nil {
		t.Fatal("NewManager() with nil store, want error")
	}
	bad := DefaultTuning()
	bad.BaseInterval = 0
	if _, err := NewManager("doc-1", store, bad); err == nil {
		t.Fatal("NewManager() with invalid tuning, want error")
	}
}

func TestManagerInitSeedsLastSnapshotSeq(t *testing.T) {
	store := &fakeSnapshotStore{snapshots: []storage.Snapshot{
		{DocumentID: "doc-1", Seq: 400},
		{DocumentID: "doc-1", Seq: 900},
		{DocumentID: "other", Seq: 5000},
	}}
	m := newTestManager(t, store, DefaultTuning())

	if err := m.Init(context.Background()); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	if got := m.LastSnapshotSeq(); got != 900 {
		t.Fatalf("LastSnapshotSeq() = %d, want 900", got)
	}
}

func TestManagerInitWithoutSnapshots(t *testing.T) {
	m := newTestManager(t, &fakeSnapshotStore{}, DefaultTuning())

	if err := m.Init(context.Background()); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	if got := m.LastSnapshotSeq(); got != 0 {
		t.Fatalf("LastSnapshotSeq() = %d, want 0", got)
	}
}

func TestManagerShouldCreateAdaptsToRate(t *testing.T) {
	start := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	now := start
	clock := func() time.Time { return now }

	m := newTestManager(t, &fakeSnapshotStore{}, DefaultTuning(), WithClock(clock))

	// 25 events/second over the window puts the manager in burst mode, so
	// the interval drops to 500.
	for i := 0; i < 250; i++ {
		m.ObserveEvent(start.Add(time.Duration(i) * 40 * time.Millisecond))
	}
	now = start.Add(10 * time.Second)

	if m.ShouldCreate(499) {
		t.Fatal("ShouldCreate(499) during burst = true, want false")
	}
	if !m.ShouldCreate(500) {
		t.Fatal("ShouldCreate(500) during burst = false, want true")
	}
}

func TestManagerShouldCreateIdle(t *testing.T) {
	start := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	clock := func() time.Time { return start }

	m := newTestManager(t, &fakeSnapshotStore{}, DefaultTuning(), WithClock(clock))

	if m.ShouldCreate(1999) {
		t.Fatal("ShouldCreate(1999) while idle = true, want false")
	}
	if !m.ShouldCreate(2000) {
		t.Fatal("ShouldCreate(2000) while idle = false, want true")
	}
}

func TestManagerShouldCreateFixedInterval(t *testing.T) {
	m := newTestManager(t, &fakeSnapshotStore{}, FixedTuning(100))

	if m.ShouldCreate(99) {
		t.Fatal("ShouldCreate(99) with fixed interval = true, want false")
	}
	if !m.ShouldCreate(100) {
		t.Fatal("ShouldCreate(100) with fixed interval = false, want true")
	}
}

func TestManagerCreatePersistsAndAdvances(t *testing.T) {
	store := &fakeSnapshotStore{}
	metrics := telemetry.NewCapture()
	m := newTestManager(t, store, DefaultTuning(), WithMetrics(metrics))

	state := map[string]string{"title": "draft"}
	if err := m.Create(context.Background(), 1000, state); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	if got := m.LastSnapshotSeq(); got != 1000 {
		t.Fatalf("LastSnapshotSeq() = %d, want 1000", got)
	}
	if store.count() != 1 {
		t.Fatalf("stored snapshots = %d, want 1", store.count())
	}

	snap := store.snapshots[0]
	if snap.DocumentID != "doc-1" || snap.Seq != 1000 {
		t.Fatalf("snapshot = %s/%d, want doc-1/1000", snap.DocumentID, snap.Seq)
	}
	if snap.Compression != CompressionZstd {
		t.Fatalf("compression = %q, want %q", snap.Compression, CompressionZstd)
	}

	decoded, err := DecodeBlob(snap.State, snap.Compression)
	if err != nil {
		t.Fatalf("DecodeBlob() error = %v", err)
	}
	if string(decoded) != `{"title":"draft"}` {
		t.Fatalf("decoded state = %s, want title draft", decoded)
	}

	if got := len(metrics.ByName("snapshot")); got != 1 {
		t.Fatalf("recorded snapshot metrics = %d, want 1", got)
	}
}

func TestManagerCreateEncoderError(t *testing.T) {
	m := newTestManager(t, &fakeSnapshotStore{}, DefaultTuning(), WithEncoder(
		func(state any) ([]byte, error) { return nil, errors.New("boom") },
	))

	if err := m.Create(context.Background(), 10, nil); err == nil {
		t.Fatal("Create() with failing encoder, want error")
	}
	if got := m.LastSnapshotSeq(); got != 0 {
		t.Fatalf("LastSnapshotSeq() after failure = %d, want 0", got)
	}
}

func TestManagerCreateAsyncTracksPending(t *testing.T) {
	store := &fakeSnapshotStore{}
	m := newTestManager(t, store, DefaultTuning())

	done := m.CreateAsync(context.Background(), 500, map[string]int{"n": 1})
	if err := <-done; err != nil {
		t.Fatalf("CreateAsync() error = %v", err)
	}

	if got := m.Pending(); got != 0 {
		t.Fatalf("Pending() after completion = %d, want 0", got)
	}
	if got := m.LastSnapshotSeq(); got != 500 {
		t.Fatalf("LastSnapshotSeq() = %d, want 500", got)
	}
}

func TestManagerCreateAsyncReportsFailure(t *testing.T) {
	store := &fakeSnapshotStore{putErr: errors.New("disk full")}
	m := newTestManager(t, store, DefaultTuning())

	done := m.CreateAsync(context.Background(), 500, map[string]int{"n": 1})
	if err := <-done; err == nil {
		t.Fatal("CreateAsync() with failing store, want error")
	}
	if got := m.LastSnapshotSeq(); got != 0 {
		t.Fatalf("LastSnapshotSeq() after failure = %d, want 0", got)
	}
}

func TestManagerBacklogStatus(t *testing.T) {
	start := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	clock := func() time.Time { return start }

	m := newTestManager(t, &fakeSnapshotStore{}, DefaultTuning(), WithClock(clock))

	// Idle with no observed events: effective interval 2000, near threshold
	// at 1600.
	status := m.Backlog(1599)
	if status.Activity != ActivityIdle {
		t.Fatalf("Activity = %v, want %v", status.Activity, ActivityIdle)
	}
	if status.EffectiveInterval != 2000 {
		t.Fatalf("EffectiveInterval = %v, want 2000", status.EffectiveInterval)
	}
	if status.EventsSinceSnapshot != 1599 {
		t.Fatalf("EventsSinceSnapshot = %d, want 1599", status.EventsSinceSnapshot)
	}
	if status.NearThreshold {
		t.Fatal("NearThreshold at 1599/2000 = true, want false")
	}

	status = m.Backlog(1600)
	if !status.NearThreshold {
		t.Fatal("NearThreshold at 1600/2000 = false, want true")
	}
	if status.FallingBehind {
		t.Fatal("FallingBehind with no pending creations = true, want false")
	}
}

func TestManagerBacklogNearThresholdRatio(t *testing.T) {
	m := newTestManager(t, &fakeSnapshotStore{}, FixedTuning(100), WithNearThresholdRatio(0.5))

	if m.Backlog(49).NearThreshold {
		t.Fatal("NearThreshold at 49/100 with ratio 0.5 = true, want false")
	}
	if !m.Backlog(50).NearThreshold {
		t.Fatal("NearThreshold at 50/100 with ratio 0.5 = false, want true")
	}
}
