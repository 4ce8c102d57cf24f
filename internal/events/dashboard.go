package events

import (
	"sync"
	"time"

	"github.com/avramidis/strategos/internal/domain"
)

const (
	// rollingWindow bounds how long pattern/signal/timeline entries stay live
	rollingWindow = time.Hour
	// maxTimelineEntries caps the timeline independently of the window
	maxTimelineEntries = 500
)

// PatternEntry is a live pattern on the dashboard
type PatternEntry struct {
	At          time.Time          `json:"at"`
	Symbol      string             `json:"symbol"`
	Timeframe   domain.Timeframe   `json:"timeframe"`
	PatternKind domain.PatternKind `json:"pattern_kind"`
	Strength    float64            `json:"strength"`
	Direction   domain.Bias        `json:"direction"`
}

// SignalEntry is a live signal on the dashboard
type SignalEntry struct {
	At         time.Time           `json:"at"`
	Symbol     string              `json:"symbol"`
	SignalID   string              `json:"signal_id"`
	Action     domain.SignalAction `json:"action"`
	Confidence float64             `json:"confidence"`
}

// TimelineEntry is a compact event record for the dashboard timeline
type TimelineEntry struct {
	At        time.Time `json:"at"`
	Kind      Kind      `json:"kind"`
	Component Component `json:"component"`
	Symbol    string    `json:"symbol,omitempty"`
	Priority  int       `json:"priority"`
}

// Dashboard aggregates bus traffic into the state the ops UI reads.
// All access is mutex-guarded; Apply is called from both the consumer
// goroutine and the synchronous high-priority path.
type Dashboard struct {
	mu sync.RWMutex

	activePatterns []PatternEntry
	activeSignals  []SignalEntry
	timeline       []TimelineEntry

	countsByKind map[Kind]uint64
	performance  map[domain.PatternKind]PerformanceUpdatePayload
	systemStatus map[string]interface{}
	lastEventAt  time.Time
}

// NewDashboard creates empty dashboard state
func NewDashboard() *Dashboard {
	return &Dashboard{
		countsByKind: make(map[Kind]uint64),
		performance:  make(map[domain.PatternKind]PerformanceUpdatePayload),
	}
}

// Apply folds one event into the dashboard state
func (d *Dashboard) Apply(e Event) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.countsByKind[e.Kind]++
	d.lastEventAt = e.Timestamp

	d.timeline = append(d.timeline, TimelineEntry{
		At:        e.Timestamp,
		Kind:      e.Kind,
		Component: e.Component,
		Symbol:    e.Symbol,
		Priority:  e.Priority,
	})
	if len(d.timeline) > maxTimelineEntries {
		d.timeline = d.timeline[len(d.timeline)-maxTimelineEntries:]
	}

	switch e.Kind {
	case KindPatternDetected:
		var p PatternDetectedPayload
		if err := FromMap(e.Payload, &p); err == nil {
			d.activePatterns = append(d.activePatterns, PatternEntry{
				At:          e.Timestamp,
				Symbol:      e.Symbol,
				Timeframe:   e.Timeframe,
				PatternKind: p.PatternKind,
				Strength:    p.Strength,
				Direction:   p.Direction,
			})
		}
	case KindSignalGenerated:
		var p SignalGeneratedPayload
		if err := FromMap(e.Payload, &p); err == nil {
			d.activeSignals = append(d.activeSignals, SignalEntry{
				At:         e.Timestamp,
				Symbol:     e.Symbol,
				SignalID:   p.SignalID,
				Action:     p.Action,
				Confidence: p.Confidence,
			})
		}
	case KindPerformanceUpdate:
		var p PerformanceUpdatePayload
		if err := FromMap(e.Payload, &p); err == nil {
			d.performance[p.PatternKind] = p
		}
	case KindSystemStatus:
		d.systemStatus = e.Payload
	}
}

// Prune drops window entries older than the rolling hour
func (d *Dashboard) Prune(now time.Time) {
	cutoff := now.Add(-rollingWindow)

	d.mu.Lock()
	defer d.mu.Unlock()

	d.activePatterns = prunePatterns(d.activePatterns, cutoff)
	d.activeSignals = pruneSignals(d.activeSignals, cutoff)
	d.timeline = pruneTimeline(d.timeline, cutoff)
}

func prunePatterns(entries []PatternEntry, cutoff time.Time) []PatternEntry {
	out := entries[:0]
	for _, e := range entries {
		if e.At.After(cutoff) {
			out = append(out, e)
		}
	}
	return out
}

func pruneSignals(entries []SignalEntry, cutoff time.Time) []SignalEntry {
	out := entries[:0]
	for _, e := range entries {
		if e.At.After(cutoff) {
			out = append(out, e)
		}
	}
	return out
}

func pruneTimeline(entries []TimelineEntry, cutoff time.Time) []TimelineEntry {
	out := entries[:0]
	for _, e := range entries {
		if e.At.After(cutoff) {
			out = append(out, e)
		}
	}
	return out
}

// LastEventAt returns the timestamp of the most recent dispatched event
func (d *Dashboard) LastEventAt() time.Time {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.lastEventAt
}

// Snapshot is the copyable dashboard view served over HTTP
type Snapshot struct {
	ActivePatterns []PatternEntry                                  `json:"active_patterns"`
	ActiveSignals  []SignalEntry                                   `json:"active_signals"`
	Timeline       []TimelineEntry                                 `json:"timeline"`
	CountsByKind   map[Kind]uint64                                 `json:"counts_by_kind"`
	Performance    map[domain.PatternKind]PerformanceUpdatePayload `json:"performance"`
	SystemStatus   map[string]interface{}                          `json:"system_status,omitempty"`
	LastEventAt    time.Time                                       `json:"last_event_at"`
}

// Snapshot returns a deep copy of the dashboard state
func (d *Dashboard) Snapshot() Snapshot {
	d.mu.RLock()
	defer d.mu.RUnlock()

	snap := Snapshot{
		ActivePatterns: append([]PatternEntry(nil), d.activePatterns...),
		ActiveSignals:  append([]SignalEntry(nil), d.activeSignals...),
		Timeline:       append([]TimelineEntry(nil), d.timeline...),
		CountsByKind:   make(map[Kind]uint64, len(d.countsByKind)),
		Performance:    make(map[domain.PatternKind]PerformanceUpdatePayload, len(d.performance)),
		LastEventAt:    d.lastEventAt,
	}
	for k, v := range d.countsByKind {
		snap.CountsByKind[k] = v
	}
	for k, v := range d.performance {
		snap.Performance[k] = v
	}
	if d.systemStatus != nil {
		snap.SystemStatus = make(map[string]interface{}, len(d.systemStatus))
		for k, v := range d.systemStatus {
			snap.SystemStatus[k] = v
		}
	}
	return snap
}
