package domain

import "time"

// Bias represents directional market bias
type Bias string

const (
	BiasBullish Bias = "BULLISH"
	BiasBearish Bias = "BEARISH"
	BiasNeutral Bias = "NEUTRAL"
)

// TrendDirection represents the structural trend read from recent swings
type TrendDirection string

const (
	TrendBullish       TrendDirection = "BULLISH"
	TrendBearish       TrendDirection = "BEARISH"
	TrendSideways      TrendDirection = "SIDEWAYS"
	TrendTransitioning TrendDirection = "TRANSITIONING"
	TrendUnknown       TrendDirection = "UNKNOWN"
)

// MarketPhase represents the current accumulation/distribution cycle phase
type MarketPhase string

const (
	PhaseAccumulation MarketPhase = "ACCUMULATION"
	PhaseManipulation MarketPhase = "MANIPULATION"
	PhaseDistribution MarketPhase = "DISTRIBUTION"
	PhaseRebalance    MarketPhase = "REBALANCE"
	PhaseUnknown      MarketPhase = "UNKNOWN"
)

// Killzone represents a named trading session window
type Killzone string

const (
	KillzoneAsian   Killzone = "ASIAN"
	KillzoneLondon  Killzone = "LONDON"
	KillzoneNewYork Killzone = "NEW_YORK"
	KillzoneOverlap Killzone = "OVERLAP"
	KillzoneOff     Killzone = "OFF"
)

// PatternKind identifies an ICT pattern family
type PatternKind string

const (
	PatternFVG            PatternKind = "FAIR_VALUE_GAP"
	PatternOrderBlock     PatternKind = "ORDER_BLOCK"
	PatternBOS            PatternKind = "BREAK_OF_STRUCTURE"
	PatternCHoCH          PatternKind = "CHANGE_OF_CHARACTER"
	PatternLiquiditySweep PatternKind = "LIQUIDITY_SWEEP"
)

// AllPatternKinds lists every pattern family the pipeline scores
func AllPatternKinds() []PatternKind {
	return []PatternKind{
		PatternFVG,
		PatternOrderBlock,
		PatternBOS,
		PatternCHoCH,
		PatternLiquiditySweep,
	}
}

// SwingSummary captures the most recent structural pivots of a symbol
type SwingSummary struct {
	Highs    []float64 `json:"highs"`
	Lows     []float64 `json:"lows"`
	LastHigh float64   `json:"last_high"`
	LastLow  float64   `json:"last_low"`
}

// SessionStats holds rolling per-session signal statistics
type SessionStats struct {
	Signals int     `json:"signals"`
	Wins    int     `json:"wins"`
	WinRate float64 `json:"win_rate"`
}

// MarketContext is the shared situational picture handed to scorers,
// the synthesizer and the learning system. Ownership stays with the
// integrator; consumers receive copies.
type MarketContext struct {
	Symbol          string                    `json:"symbol"`
	Bias            Bias                      `json:"bias"`
	Phase           MarketPhase               `json:"phase"`
	TimeframeBiases map[Timeframe]Bias        `json:"timeframe_biases,omitempty"`
	Swings          SwingSummary              `json:"swings"`
	Killzone        Killzone                  `json:"killzone"`
	SessionStats    map[Killzone]SessionStats `json:"session_stats,omitempty"`
	UpdatedAt       time.Time                 `json:"updated_at"`
}

// Clone returns a deep copy safe to hand across component boundaries
func (m MarketContext) Clone() MarketContext {
	out := m
	if m.TimeframeBiases != nil {
		out.TimeframeBiases = make(map[Timeframe]Bias, len(m.TimeframeBiases))
		for k, v := range m.TimeframeBiases {
			out.TimeframeBiases[k] = v
		}
	}
	if m.SessionStats != nil {
		out.SessionStats = make(map[Killzone]SessionStats, len(m.SessionStats))
		for k, v := range m.SessionStats {
			out.SessionStats[k] = v
		}
	}
	out.Swings.Highs = append([]float64(nil), m.Swings.Highs...)
	out.Swings.Lows = append([]float64(nil), m.Swings.Lows...)
	return out
}
