// Package confluence scores the presence and alignment of ICT patterns
// over a candle window and folds them into one strength reading.
package confluence

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"

	"github.com/avramidis/strategos/internal/config"
	"github.com/avramidis/strategos/internal/domain"
)

// alignmentBonus is added per extra present pattern agreeing with the
// market bias
const alignmentBonus = 5.0

// PatternConfluence is one scorer's read of a single pattern kind
type PatternConfluence struct {
	Kind    domain.PatternKind `json:"kind"`
	Score   float64            `json:"score"`
	Bias    domain.Bias        `json:"bias"`
	Present bool               `json:"present"`
	Details string             `json:"details,omitempty"`
}

// Analysis is the combined confluence read of one candle window
type Analysis struct {
	ID              string              `json:"id"`
	Symbol          string              `json:"symbol"`
	Timeframe       domain.Timeframe    `json:"timeframe"`
	OverallStrength float64             `json:"overall_strength"`
	Patterns        []PatternConfluence `json:"pattern_confluences"`
	MarketBias      domain.Bias         `json:"market_bias"`
	Timestamp       time.Time           `json:"timestamp"`
}

// PatternScorer scores one pattern kind over a candle window. Candles
// arrive oldest first.
type PatternScorer interface {
	Kind() domain.PatternKind
	Score(ctx context.Context, candles []domain.Candle) (PatternConfluence, error)
}

// Stats are rolling engine counters
type Stats struct {
	TotalAnalyses int64   `json:"total_analyses"`
	CacheHits     int64   `json:"cache_hits"`
	AvgAnalysisMs float64 `json:"avg_analysis_ms"`
}

// Engine runs the registered scorers over candle windows. Analyses are
// cached per (symbol, timeframe) with a short TTL and never run
// concurrently for the same key.
type Engine struct {
	cfg     config.AnalyticsConfig
	scorers []PatternScorer
	cache   *cache.Cache
	log     zerolog.Logger

	mu       sync.Mutex
	keyLocks map[string]*sync.Mutex

	totalAnalyses atomic.Int64
	cacheHits     atomic.Int64
	analysisNanos atomic.Int64
}

func New(cfg config.AnalyticsConfig, scorers []PatternScorer, log zerolog.Logger) *Engine {
	return &Engine{
		cfg:      cfg,
		scorers:  scorers,
		cache:    cache.New(cfg.CacheTTL(), 2*cfg.CacheTTL()),
		keyLocks: make(map[string]*sync.Mutex),
		log:      log.With().Str("component", "confluence").Logger(),
	}
}

// Analyze scores every registered pattern over the window. A failing
// scorer is skipped, not fatal.
func (e *Engine) Analyze(ctx context.Context, symbol string, tf domain.Timeframe, candles []domain.Candle) (*Analysis, error) {
	if len(candles) < e.cfg.MinCandles {
		return nil, fmt.Errorf("need at least %d candles for %s %s, got %d", e.cfg.MinCandles, symbol, tf, len(candles))
	}

	key := cacheKey(symbol, tf)
	if an, ok := e.cached(key); ok {
		return an, nil
	}

	lock := e.keyLock(key)
	lock.Lock()
	defer lock.Unlock()

	// another caller may have filled the cache while we waited
	if an, ok := e.cached(key); ok {
		return an, nil
	}

	started := time.Now()
	patterns := make([]PatternConfluence, 0, len(e.scorers))
	for _, s := range e.scorers {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		pc, err := s.Score(ctx, candles)
		if err != nil {
			e.log.Warn().Err(err).
				Str("symbol", symbol).
				Str("pattern", string(s.Kind())).
				Msg("Pattern scorer failed, skipping")
			continue
		}
		if pc.Kind == "" {
			pc.Kind = s.Kind()
		}
		patterns = append(patterns, pc)
	}

	bias := modalBias(patterns)
	an := &Analysis{
		ID:              uuid.NewString(),
		Symbol:          symbol,
		Timeframe:       tf,
		OverallStrength: overallStrength(patterns, bias),
		Patterns:        patterns,
		MarketBias:      bias,
		Timestamp:       time.Now().UTC(),
	}
	e.cache.Set(key, an, cache.DefaultExpiration)

	e.totalAnalyses.Add(1)
	e.analysisNanos.Add(time.Since(started).Nanoseconds())
	e.log.Debug().
		Str("symbol", symbol).
		Str("timeframe", string(tf)).
		Float64("strength", an.OverallStrength).
		Str("bias", string(bias)).
		Msg("Confluence analyzed")
	return an, nil
}

// Invalidate drops the cached analysis for a key, forcing the next
// Analyze to recompute. Called when a fresh candle closes.
func (e *Engine) Invalidate(symbol string, tf domain.Timeframe) {
	e.cache.Delete(cacheKey(symbol, tf))
}

// Flush empties the analysis cache. Wired to the memory-pressure
// recovery action; the next Analyze per key recomputes.
func (e *Engine) Flush() {
	e.cache.Flush()
}

func (e *Engine) Stats() Stats {
	total := e.totalAnalyses.Load()
	var avg float64
	if total > 0 {
		avg = float64(e.analysisNanos.Load()) / float64(total) / float64(time.Millisecond)
	}
	return Stats{
		TotalAnalyses: total,
		CacheHits:     e.cacheHits.Load(),
		AvgAnalysisMs: avg,
	}
}

func (e *Engine) cached(key string) (*Analysis, bool) {
	v, ok := e.cache.Get(key)
	if !ok {
		return nil, false
	}
	an, ok := v.(*Analysis)
	if !ok {
		return nil, false
	}
	e.cacheHits.Add(1)
	return an, true
}

func (e *Engine) keyLock(key string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.keyLocks[key]
	if !ok {
		l = &sync.Mutex{}
		e.keyLocks[key] = l
	}
	return l
}

func cacheKey(symbol string, tf domain.Timeframe) string {
	return symbol + ":" + string(tf)
}

// modalBias is the majority bias among present patterns; ties and empty
// sets are neutral
func modalBias(patterns []PatternConfluence) domain.Bias {
	var bullish, bearish int
	for _, p := range patterns {
		if !p.Present {
			continue
		}
		switch p.Bias {
		case domain.BiasBullish:
			bullish++
		case domain.BiasBearish:
			bearish++
		}
	}
	switch {
	case bullish > bearish:
		return domain.BiasBullish
	case bearish > bullish:
		return domain.BiasBearish
	default:
		return domain.BiasNeutral
	}
}

// overallStrength is the mean pattern score plus a bonus for every
// extra present pattern aligned with the market bias, capped at 100
func overallStrength(patterns []PatternConfluence, bias domain.Bias) float64 {
	if len(patterns) == 0 {
		return 0
	}
	var sum float64
	aligned := 0
	for _, p := range patterns {
		sum += p.Score
		if p.Present && bias != domain.BiasNeutral && p.Bias == bias {
			aligned++
		}
	}
	strength := sum / float64(len(patterns))
	if aligned > 1 {
		strength += alignmentBonus * float64(aligned-1)
	}
	if strength > 100 {
		strength = 100
	}
	if strength < 0 {
		strength = 0
	}
	return strength
}
