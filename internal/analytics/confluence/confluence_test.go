package confluence

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avramidis/strategos/internal/config"
	"github.com/avramidis/strategos/internal/domain"
)

type stubScorer struct {
	kind   domain.PatternKind
	result PatternConfluence
	err    error
	delay  time.Duration

	calls       atomic.Int64
	inflight    atomic.Int64
	maxInflight atomic.Int64
}

func (s *stubScorer) Kind() domain.PatternKind { return s.kind }

func (s *stubScorer) Score(_ context.Context, _ []domain.Candle) (PatternConfluence, error) {
	s.calls.Add(1)
	cur := s.inflight.Add(1)
	for {
		m := s.maxInflight.Load()
		if cur <= m || s.maxInflight.CompareAndSwap(m, cur) {
			break
		}
	}
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	s.inflight.Add(-1)
	if s.err != nil {
		return PatternConfluence{}, s.err
	}
	return s.result, nil
}

func testConfig() config.AnalyticsConfig {
	return config.AnalyticsConfig{
		MinCandles:  20,
		CacheTTLSec: 60,
	}
}

func windowCandles(n int) []domain.Candle {
	base := time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC)
	candles := make([]domain.Candle, n)
	for i := range candles {
		price := 100 + float64(i)*0.1
		candles[i] = domain.Candle{
			Time:   base.Add(time.Duration(i) * 15 * time.Minute),
			Open:   price,
			High:   price + 0.3,
			Low:    price - 0.3,
			Close:  price,
			Volume: 1000,
		}
	}
	return candles
}

func TestAnalyzeCombinesScorers(t *testing.T) {
	scorers := []PatternScorer{
		&stubScorer{kind: domain.PatternFVG, result: PatternConfluence{Kind: domain.PatternFVG, Score: 80, Bias: domain.BiasBullish, Present: true}},
		&stubScorer{kind: domain.PatternOrderBlock, result: PatternConfluence{Kind: domain.PatternOrderBlock, Score: 70, Bias: domain.BiasBullish, Present: true}},
		&stubScorer{kind: domain.PatternBOS, result: PatternConfluence{Kind: domain.PatternBOS, Score: 10, Bias: domain.BiasNeutral, Present: false}},
	}
	e := New(testConfig(), scorers, zerolog.Nop())

	an, err := e.Analyze(context.Background(), "EURUSD", domain.TimeframeM15, windowCandles(30))
	require.NoError(t, err)

	assert.NotEmpty(t, an.ID)
	assert.Equal(t, domain.BiasBullish, an.MarketBias)
	require.Len(t, an.Patterns, 3)
	// mean of (80+70+10)/3 plus one alignment bonus
	assert.InDelta(t, (80.0+70.0+10.0)/3+alignmentBonus, an.OverallStrength, 0.01)
}

func TestAnalyzeSkipsFailingScorer(t *testing.T) {
	scorers := []PatternScorer{
		&stubScorer{kind: domain.PatternFVG, result: PatternConfluence{Kind: domain.PatternFVG, Score: 60, Bias: domain.BiasBearish, Present: true}},
		&stubScorer{kind: domain.PatternLiquiditySweep, err: errors.New("not enough bars")},
	}
	e := New(testConfig(), scorers, zerolog.Nop())

	an, err := e.Analyze(context.Background(), "EURUSD", domain.TimeframeM15, windowCandles(30))
	require.NoError(t, err)
	require.Len(t, an.Patterns, 1)
	assert.Equal(t, domain.PatternFVG, an.Patterns[0].Kind)
	assert.Equal(t, domain.BiasBearish, an.MarketBias)
}

func TestAnalyzeRejectsShortWindow(t *testing.T) {
	e := New(testConfig(), nil, zerolog.Nop())
	_, err := e.Analyze(context.Background(), "EURUSD", domain.TimeframeM15, windowCandles(5))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "candles")
}

func TestAnalyzeCachesWithinTTL(t *testing.T) {
	scorer := &stubScorer{kind: domain.PatternFVG, result: PatternConfluence{Score: 50, Present: true, Bias: domain.BiasBullish}}
	e := New(testConfig(), []PatternScorer{scorer}, zerolog.Nop())

	first, err := e.Analyze(context.Background(), "EURUSD", domain.TimeframeM15, windowCandles(30))
	require.NoError(t, err)
	second, err := e.Analyze(context.Background(), "EURUSD", domain.TimeframeM15, windowCandles(30))
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, int64(1), scorer.calls.Load())

	stats := e.Stats()
	assert.Equal(t, int64(1), stats.TotalAnalyses)
	assert.Equal(t, int64(1), stats.CacheHits)
}

func TestAnalyzeFillsKindWhenScorerOmitsIt(t *testing.T) {
	scorer := &stubScorer{kind: domain.PatternBOS, result: PatternConfluence{Score: 40, Present: true, Bias: domain.BiasBullish}}
	e := New(testConfig(), []PatternScorer{scorer}, zerolog.Nop())

	an, err := e.Analyze(context.Background(), "EURUSD", domain.TimeframeM15, windowCandles(30))
	require.NoError(t, err)
	require.Len(t, an.Patterns, 1)
	assert.Equal(t, domain.PatternBOS, an.Patterns[0].Kind)
}

func TestInvalidateForcesRecompute(t *testing.T) {
	scorer := &stubScorer{kind: domain.PatternFVG, result: PatternConfluence{Score: 50, Present: true, Bias: domain.BiasBullish}}
	e := New(testConfig(), []PatternScorer{scorer}, zerolog.Nop())

	first, err := e.Analyze(context.Background(), "EURUSD", domain.TimeframeM15, windowCandles(30))
	require.NoError(t, err)

	e.Invalidate("EURUSD", domain.TimeframeM15)

	second, err := e.Analyze(context.Background(), "EURUSD", domain.TimeframeM15, windowCandles(30))
	require.NoError(t, err)

	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, int64(2), scorer.calls.Load())
	assert.Equal(t, int64(2), e.Stats().TotalAnalyses)
}

func TestAnalyzeSerializesPerKey(t *testing.T) {
	scorer := &stubScorer{
		kind:   domain.PatternFVG,
		result: PatternConfluence{Score: 50, Present: true, Bias: domain.BiasBullish},
		delay:  50 * time.Millisecond,
	}
	e := New(testConfig(), []PatternScorer{scorer}, zerolog.Nop())

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.Analyze(context.Background(), "EURUSD", domain.TimeframeM15, windowCandles(30))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), scorer.maxInflight.Load(), "same-key analyses must not overlap")
	assert.Equal(t, int64(1), scorer.calls.Load(), "waiters should be served from cache")
}

func TestAnalyzeHonoursContext(t *testing.T) {
	scorer := &stubScorer{kind: domain.PatternFVG, result: PatternConfluence{Score: 50}}
	e := New(testConfig(), []PatternScorer{scorer}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := e.Analyze(ctx, "EURUSD", domain.TimeframeM15, windowCandles(30))
	require.ErrorIs(t, err, context.Canceled)
}

func TestModalBiasTieIsNeutral(t *testing.T) {
	patterns := []PatternConfluence{
		{Present: true, Bias: domain.BiasBullish},
		{Present: true, Bias: domain.BiasBearish},
	}
	assert.Equal(t, domain.BiasNeutral, modalBias(patterns))
}

func TestOverallStrengthClamps(t *testing.T) {
	patterns := []PatternConfluence{
		{Score: 100, Present: true, Bias: domain.BiasBullish},
		{Score: 100, Present: true, Bias: domain.BiasBullish},
		{Score: 100, Present: true, Bias: domain.BiasBullish},
		{Score: 100, Present: true, Bias: domain.BiasBullish},
	}
	assert.Equal(t, 100.0, overallStrength(patterns, domain.BiasBullish))
}
