package baseline

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yuv2819-cmyk/AgentGuard/internal/policy"
	"github.com/yuv2819-cmyk/AgentGuard/internal/storage"
)

var noon = time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

func TestNextIncrementalMean(t *testing.T) {
	key := Key{AgentID: "a1", Tool: "crm", Action: "read"}

	b := Next(nil, key, 10, 3, noon)
	assert.Equal(t, 1, b.SampleCount)
	assert.Equal(t, 10.0, b.AvgRiskScore)
	assert.Equal(t, 3.0, b.AvgCallsPerMinute)

	b = Next(&b, key, 20, 4, noon.Add(time.Minute))
	assert.Equal(t, 2, b.SampleCount)
	assert.Equal(t, 15.0, b.AvgRiskScore)
	assert.Equal(t, 3.5, b.AvgCallsPerMinute)
	assert.Equal(t, noon.Add(time.Minute), b.LastSeenAt)

	b = Next(&b, key, 0, 0, noon)
	assert.Equal(t, 3, b.SampleCount)
	assert.Equal(t, 10.0, b.AvgRiskScore)
	assert.Equal(t, 2.33, b.AvgCallsPerMinute)
}

func TestSignals(t *testing.T) {
	night := time.Date(2026, 3, 2, 2, 30, 0, 0, time.UTC)
	late := time.Date(2026, 3, 2, 21, 0, 0, 0, time.UTC)
	edge := time.Date(2026, 3, 2, 20, 59, 0, 0, time.UTC)

	established := &Baseline{SampleCount: 10, AvgCallsPerMinute: 2}
	young := &Baseline{SampleCount: 2, AvgCallsPerMinute: 2}

	tests := []struct {
		name      string
		baseline  *Baseline
		burstRate int
		action    string
		now       time.Time
		want      []policy.Signal
	}{
		{"no baseline is new", nil, 0, "read", noon, []policy.Signal{policy.SignalNewActionPattern}},
		{"young baseline is new", young, 10, "read", noon, []policy.Signal{policy.SignalNewActionPattern}},
		{"established steady", established, 3, "read", noon, []policy.Signal{}},
		{"drift at twice the average", established, 4, "read", noon, []policy.Signal{policy.SignalBehaviorDrift}},
		{"drift needs five samples", &Baseline{SampleCount: 4, AvgCallsPerMinute: 1}, 10, "read", noon, []policy.Signal{}},
		{"average below one is floored", &Baseline{SampleCount: 5, AvgCallsPerMinute: 0.2}, 1, "read", noon, []policy.Signal{}},
		{"off hours needs high risk action", established, 0, "read", night, []policy.Signal{}},
		{"off hours early morning", established, 0, "delete", night, []policy.Signal{policy.SignalOffHoursExecution}},
		{"off hours late evening", established, 0, "terminate", late, []policy.Signal{policy.SignalOffHoursExecution}},
		{"hour twenty is business hours", established, 0, "delete", edge, []policy.Signal{}},
		{
			"all three",
			&Baseline{SampleCount: 1, AvgCallsPerMinute: 1},
			0, "drop", night,
			[]policy.Signal{policy.SignalNewActionPattern, policy.SignalOffHoursExecution},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Signals(tt.baseline, tt.burstRate, tt.action, tt.now))
		})
	}
}

func TestIsOffHoursUsesUTC(t *testing.T) {
	est := time.FixedZone("EST", -5*3600)
	// 23:00 EST is 04:00 UTC
	assert.True(t, IsOffHours(time.Date(2026, 3, 2, 23, 0, 0, 0, est)))
	// 01:00 EST is 06:00 UTC
	assert.False(t, IsOffHours(time.Date(2026, 3, 2, 1, 0, 0, 0, est)))
}

func TestTrackerStores(t *testing.T) {
	db, err := storage.Open(filepath.Join(t.TempDir(), "baseline.db"))
	require.NoError(t, err)
	defer db.Close()

	sqliteStore, err := NewSQLiteStore(db)
	require.NoError(t, err)

	stores := map[string]Store{
		"memory": NewMemoryStore(),
		"sqlite": sqliteStore,
	}

	for name, store := range stores {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			tracker := NewTracker(store)
			tracker.now = func() time.Time { return noon }
			key := Key{AgentID: "agent-" + name, Tool: "crm", Action: "update"}

			b, err := tracker.Lookup(ctx, key)
			require.NoError(t, err)
			assert.Nil(t, b)

			_, err = tracker.Update(ctx, key, 40, 2)
			require.NoError(t, err)
			_, err = tracker.Update(ctx, key, 20, 5)
			require.NoError(t, err)

			b, err = tracker.Lookup(ctx, key)
			require.NoError(t, err)
			require.NotNil(t, b)
			assert.Equal(t, 2, b.SampleCount)
			assert.Equal(t, 30.0, b.AvgRiskScore)
			assert.Equal(t, 3.5, b.AvgCallsPerMinute)
			assert.True(t, b.LastSeenAt.Equal(noon))

			other, err := tracker.Lookup(ctx, Key{AgentID: key.AgentID, Tool: "crm", Action: "read"})
			require.NoError(t, err)
			assert.Nil(t, other)
		})
	}
}
