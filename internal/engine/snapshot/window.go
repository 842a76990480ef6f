package snapshot

import "time"

// ActivityWindow is a sliding window of recent event timestamps used to
// estimate the current edit rate. It is not safe for concurrent use; the
// manager serializes access.
type ActivityWindow struct {
	retention time.Duration
	samples   []time.Time
}

// NewActivityWindow creates a window retaining samples for the given
// duration.
func NewActivityWindow(retention time.Duration) *ActivityWindow {
	return &ActivityWindow{retention: retention}
}

// Observe records one event timestamp and prunes expired samples.
func (w *ActivityWindow) Observe(ts time.Time) {
	w.samples = append(w.samples, ts)
	w.prune(ts)
}

// Rate returns the observed events/second as of now.
func (w *ActivityWindow) Rate(now time.Time) float64 {
	w.prune(now)
	if w.retention <= 0 {
		return 0
	}
	return float64(len(w.samples)) / w.retention.Seconds()
}

// Len returns the number of retained samples.
func (w *ActivityWindow) Len() int {
	return len(w.samples)
}

// prune drops samples older than the retention duration. A sample exactly
// retention old is still counted.
func (w *ActivityWindow) prune(now time.Time) {
	cutoff := now.Add(-w.retention)
	first := 0
	for first < len(w.samples) && w.samples[first].Before(cutoff) {
		first++
	}
	if first > 0 {
		w.samples = append(w.samples[:0], w.samples[first:]...)
	}
}
