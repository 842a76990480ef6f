// Package snapshot materializes document state captures on an adaptive
// cadence driven by the observed edit rate.
package snapshot

import (
	"errors"
	"fmt"
	"time"
)

// Activity classifies the current edit rate.
type Activity string

const (
	// ActivityBurst indicates the rate is at or above the burst threshold.
	ActivityBurst Activity = "burst"
	// ActivityNormal indicates the rate is between the thresholds.
	ActivityNormal Activity = "normal"
	// ActivityIdle indicates the rate is at or below the idle threshold.
	ActivityIdle Activity = "idle"
)

// TuningConfig controls adaptive snapshot cadence.
type TuningConfig struct {
	// BaseInterval is the nominal number of events between snapshots.
	BaseInterval float64
	// BurstMultiplier scales the interval during bursts (< 1 snapshots
	// more often).
	BurstMultiplier float64
	// IdleMultiplier scales the interval while idle (> 1 snapshots less
	// often).
	IdleMultiplier float64
	// Window is the activity window retention used to estimate the rate.
	Window time.Duration
	// BurstThreshold is the events/second rate at or above which activity
	// is a burst.
	BurstThreshold float64
	// IdleThreshold is the events/second rate at or below which activity
	// is idle.
	IdleThreshold float64
}

// DefaultTuning returns the standard adaptive cadence configuration.
func DefaultTuning() TuningConfig {
	return TuningConfig{
		BaseInterval:    1000,
		BurstMultiplier: 0.5,
		IdleMultiplier:  2.0,
		Window:          10 * time.Second,
		BurstThreshold:  20,
		IdleThreshold:   2,
	}
}

// FixedTuning returns a degenerate configuration that snapshots every
// interval events regardless of activity.
func FixedTuning(interval float64) TuningConfig {
	return TuningConfig{
		BaseInterval:    interval,
		BurstMultiplier: 1.0,
		IdleMultiplier:  1.0,
		Window:          10 * time.Second,
		BurstThreshold:  20,
		IdleThreshold:   2,
	}
}

// Validate rejects configurations that would misbehave. Invalid values are
// never clamped.
func (c TuningConfig) Validate() error {
	if c.BaseInterval <= 0 {
		return errors.New("base interval must be greater than zero")
	}
	if c.BurstMultiplier <= 0 {
		return errors.New("burst multiplier must be greater than zero")
	}
	if c.IdleMultiplier <= 0 {
		return errors.New("idle multiplier must be greater than zero")
	}
	if c.Window <= 0 {
		return errors.New("window must be greater than zero")
	}
	if c.BurstThreshold <= c.IdleThreshold {
		return fmt.Errorf("burst threshold %v must exceed idle threshold %v",
			c.BurstThreshold, c.IdleThreshold)
	}
	return nil
}

// Classify maps an events/second rate onto an activity class.
func (c TuningConfig) Classify(rate float64) Activity {
	switch {
	case rate >= c.BurstThreshold:
		return ActivityBurst
	case rate <= c.IdleThreshold:
		return ActivityIdle
	default:
		return ActivityNormal
	}
}

// EffectiveInterval returns the events-between-snapshots interval for the
// given rate.
func (c TuningConfig) EffectiveInterval(rate float64) float64 {
	switch c.Classify(rate) {
	case ActivityBurst:
		return c.BaseInterval * c.BurstMultiplier
	case ActivityIdle:
		return c.BaseInterval * c.IdleMultiplier
	default:
		return c.BaseInterval
	}
}
