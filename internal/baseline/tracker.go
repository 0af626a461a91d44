package baseline

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/yuv2819-cmyk/AgentGuard/internal/policy"
)

const (
	driftMinSamples  = 5
	driftRatio       = 2.0
	noveltyMaxSample = 3
	offHoursStart    = 5
	offHoursEnd      = 20
)

// Tracker reads and updates baselines. Updates are read-then-write without
// locking; concurrent updates to the same key may lose a sample.
type Tracker struct {
	store Store
	now   func() time.Time
}

// NewTracker creates baseline tracker over store
func NewTracker(store Store) *Tracker {
	return &Tracker{store: store, now: time.Now}
}

// Lookup returns nil when no baseline exists yet.
func (t *Tracker) Lookup(ctx context.Context, key Key) (*Baseline, error) {
	b, err := t.store.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("lookup baseline: %w", err)
	}
	return b, nil
}

// Update folds one observation into the running means for key.
func (t *Tracker) Update(ctx context.Context, key Key, observedRisk, observedCallsPerMinute float64) (Baseline, error) {
	prev, err := t.store.Get(ctx, key)
	if err != nil {
		return Baseline{}, fmt.Errorf("read baseline: %w", err)
	}

	next := Next(prev, key, observedRisk, observedCallsPerMinute, t.now().UTC())
	if err := t.store.Put(ctx, next); err != nil {
		return Baseline{}, fmt.Errorf("write baseline: %w", err)
	}
	return next, nil
}

// Next computes the incremental mean after one more sample.
func Next(prev *Baseline, key Key, observedRisk, observedCallsPerMinute float64, now time.Time) Baseline {
	if prev == nil {
		return Baseline{
			Key:               key,
			AvgRiskScore:      round2(observedRisk),
			AvgCallsPerMinute: round2(observedCallsPerMinute),
			SampleCount:       1,
			LastSeenAt:        now,
		}
	}

	count := float64(prev.SampleCount)
	nextCount := prev.SampleCount + 1

	return Baseline{
		Key:               key,
		AvgRiskScore:      round2((prev.AvgRiskScore*count + observedRisk) / float64(nextCount)),
		AvgCallsPerMinute: round2((prev.AvgCallsPerMinute*count + observedCallsPerMinute) / float64(nextCount)),
		SampleCount:       nextCount,
		LastSeenAt:        now,
	}
}

// Signals derives signals from the baseline as it stood before this request.
func Signals(b *Baseline, burstRate int, action string, now time.Time) []policy.Signal {
	signals := []policy.Signal{}

	if b != nil && b.SampleCount >= driftMinSamples {
		if float64(burstRate)/math.Max(1, b.AvgCallsPerMinute) >= driftRatio {
			signals = append(signals, policy.SignalBehaviorDrift)
		}
	}

	if IsNewPattern(b) {
		signals = append(signals, policy.SignalNewActionPattern)
	}

	if IsOffHours(now) && policy.IsHighRisk(action) {
		signals = append(signals, policy.SignalOffHoursExecution)
	}

	return signals
}

// IsNewPattern reports whether the key has too few samples to be trusted.
func IsNewPattern(b *Baseline) bool {
	return b == nil || b.SampleCount < noveltyMaxSample
}

// IsOffHours reports whether now falls outside 05:00-20:59 UTC.
func IsOffHours(now time.Time) bool {
	h := now.UTC().Hour()
	return h < offHoursStart || h > offHoursEnd
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
