// Package session maps wall-clock time onto ICT killzones and keeps
// rolling per-session signal statistics.
package session

import (
	"sync"
	"time"

	"github.com/avramidis/strategos/internal/domain"
)

// Killzone windows in UTC hours. The overlap hour belongs to both London
// and New York and is reported as its own zone.
const (
	asianStart   = 0
	asianEnd     = 4
	londonStart  = 7
	londonEnd    = 10
	newYorkStart = 13
	newYorkEnd   = 16
	overlapStart = 13
	overlapEnd   = 14
)

// Current returns the killzone containing t
func Current(t time.Time) domain.Killzone {
	h := t.UTC().Hour()
	switch {
	case h >= overlapStart && h < overlapEnd:
		return domain.KillzoneOverlap
	case h >= newYorkStart && h < newYorkEnd:
		return domain.KillzoneNewYork
	case h >= londonStart && h < londonEnd:
		return domain.KillzoneLondon
	case h >= asianStart && h < asianEnd:
		return domain.KillzoneAsian
	default:
		return domain.KillzoneOff
	}
}

// Tracker accumulates signal outcomes per killzone
type Tracker struct {
	mu    sync.Mutex
	stats map[domain.Killzone]*domain.SessionStats
}

func NewTracker() *Tracker {
	return &Tracker{stats: make(map[domain.Killzone]*domain.SessionStats)}
}

// RecordSignal counts a signal emitted during the killzone
func (t *Tracker) RecordSignal(kz domain.Killzone) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.zone(kz).Signals++
}

// RecordOutcome counts a settled trade for the killzone
func (t *Tracker) RecordOutcome(kz domain.Killzone, win bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if win {
		t.zone(kz).Wins++
	}
}

// Stats returns a copy with win rates computed
func (t *Tracker) Stats() map[domain.Killzone]domain.SessionStats {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make(map[domain.Killzone]domain.SessionStats, len(t.stats))
	for kz, s := range t.stats {
		c := *s
		if c.Signals > 0 {
			c.WinRate = float64(c.Wins) / float64(c.Signals) * 100
		}
		out[kz] = c
	}
	return out
}

func (t *Tracker) zone(kz domain.Killzone) *domain.SessionStats {
	s, ok := t.stats[kz]
	if !ok {
		s = &domain.SessionStats{}
		t.stats[kz] = s
	}
	return s
}
