package events

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avramidis/strategos/internal/domain"
)

func patternEvent(at time.Time, symbol string) Event {
	return Event{
		ID:        "p-" + at.Format("150405.000"),
		Kind:      KindPatternDetected,
		Timestamp: at,
		Symbol:    symbol,
		Timeframe: domain.TimeframeM15,
		Component: ComponentConfluence,
		Priority:  PriorityNormal,
		Payload: ToMap(&PatternDetectedPayload{
			PatternKind: domain.PatternOrderBlock,
			Strength:    64,
			Direction:   domain.BiasBearish,
			Price:       1.2712,
		}),
	}
}

// TestDashboardAppliesPatternEvents verifies patterns land in the active
// window with their payload fields intact
func TestDashboardAppliesPatternEvents(t *testing.T) {
	d := NewDashboard()
	at := time.Now()

	d.Apply(patternEvent(at, "GBPUSD"))

	snap := d.Snapshot()
	require.Len(t, snap.ActivePatterns, 1)
	assert.Equal(t, "GBPUSD", snap.ActivePatterns[0].Symbol)
	assert.Equal(t, domain.PatternOrderBlock, snap.ActivePatterns[0].PatternKind)
	assert.Equal(t, 64.0, snap.ActivePatterns[0].Strength)
	assert.Equal(t, uint64(1), snap.CountsByKind[KindPatternDetected])
	require.Len(t, snap.Timeline, 1)
	assert.Equal(t, at, snap.LastEventAt)
}

// TestDashboardAppliesSignalEvents verifies signals land in the active window
func TestDashboardAppliesSignalEvents(t *testing.T) {
	d := NewDashboard()

	d.Apply(Event{
		Kind:      KindSignalGenerated,
		Timestamp: time.Now(),
		Symbol:    "EURUSD",
		Component: ComponentSynthesizer,
		Priority:  PriorityHigh,
		Payload: ToMap(&SignalGeneratedPayload{
			SignalID:   "sig-1",
			Action:     domain.SignalBuy,
			Confidence: 71,
		}),
	})

	snap := d.Snapshot()
	require.Len(t, snap.ActiveSignals, 1)
	assert.Equal(t, "sig-1", snap.ActiveSignals[0].SignalID)
	assert.Equal(t, domain.SignalBuy, snap.ActiveSignals[0].Action)
}

// TestDashboardPruneExpiresOldEntries verifies the rolling window drops
// stale entries but keeps cumulative counters
func TestDashboardPruneExpiresOldEntries(t *testing.T) {
	d := NewDashboard()
	now := time.Now()

	d.Apply(patternEvent(now.Add(-2*time.Hour), "EURUSD"))
	d.Apply(patternEvent(now.Add(-10*time.Minute), "USDJPY"))

	d.Prune(now)

	snap := d.Snapshot()
	require.Len(t, snap.ActivePatterns, 1)
	assert.Equal(t, "USDJPY", snap.ActivePatterns[0].Symbol)
	require.Len(t, snap.Timeline, 1)
	assert.Equal(t, uint64(2), snap.CountsByKind[KindPatternDetected])
}

// TestDashboardTimelineCapped verifies the timeline never grows unbounded
func TestDashboardTimelineCapped(t *testing.T) {
	d := NewDashboard()
	now := time.Now()

	for i := 0; i < maxTimelineEntries+100; i++ {
		d.Apply(Event{
			ID:        fmt.Sprintf("e%d", i),
			Kind:      KindConfluenceUpdated,
			Timestamp: now,
			Component: ComponentConfluence,
			Priority:  PriorityLow,
		})
	}

	snap := d.Snapshot()
	assert.Len(t, snap.Timeline, maxTimelineEntries)
}

// TestDashboardPerformanceLastWriteWins verifies per-pattern stats track
// the latest update
func TestDashboardPerformanceLastWriteWins(t *testing.T) {
	d := NewDashboard()

	for _, winRate := range []float64{55, 62.5} {
		d.Apply(Event{
			Kind:      KindPerformanceUpdate,
			Timestamp: time.Now(),
			Component: ComponentLearning,
			Priority:  PriorityNormal,
			Payload: ToMap(&PerformanceUpdatePayload{
				PatternKind: domain.PatternBOS,
				Occurrences: 40,
				WinRate:     winRate,
			}),
		})
	}

	snap := d.Snapshot()
	require.Contains(t, snap.Performance, domain.PatternBOS)
	assert.Equal(t, 62.5, snap.Performance[domain.PatternBOS].WinRate)
}

// TestDashboardSnapshotIsDeepCopy verifies callers cannot mutate internals
// through a snapshot
func TestDashboardSnapshotIsDeepCopy(t *testing.T) {
	d := NewDashboard()
	d.Apply(patternEvent(time.Now(), "EURUSD"))

	snap := d.Snapshot()
	snap.ActivePatterns[0].Symbol = "XXXXXX"
	snap.CountsByKind[KindPatternDetected] = 999

	fresh := d.Snapshot()
	assert.Equal(t, "EURUSD", fresh.ActivePatterns[0].Symbol)
	assert.Equal(t, uint64(1), fresh.CountsByKind[KindPatternDetected])
}
