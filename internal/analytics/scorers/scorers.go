// Package scorers holds the built-in ICT pattern scorers used by the
// confluence engine: fair value gaps, order blocks, breaks of structure
// and liquidity sweeps. Scores are normalized against the window's ATR
// so they compare across symbols and timeframes.
package scorers

import (
	"context"
	"fmt"

	"github.com/markcheno/go-talib"

	"github.com/avramidis/strategos/internal/analytics/confluence"
	"github.com/avramidis/strategos/internal/domain"
)

const (
	atrPeriod  = 14
	scanWindow = 20
	// lookback is the rolling window a break or sweep must clear
	lookback = 10
	// minGapATR is the smallest gap worth flagging, in ATR units
	minGapATR = 0.25
	// impulseATR is the displacement that validates an order block
	impulseATR  = 1.5
	impulseSpan = 3
	absentScore = 10.0
)

// DefaultScorers returns the standard scorer set in a stable order
func DefaultScorers() []confluence.PatternScorer {
	return []confluence.PatternScorer{
		&FairValueGap{},
		&OrderBlock{},
		&BreakOfStructure{},
		&LiquiditySweep{},
	}
}

// FairValueGap flags three-candle imbalances that price has not traded
// back through
type FairValueGap struct{}

func (s *FairValueGap) Kind() domain.PatternKind { return domain.PatternFVG }

func (s *FairValueGap) Score(ctx context.Context, candles []domain.Candle) (confluence.PatternConfluence, error) {
	if err := checkWindow(ctx, candles); err != nil {
		return confluence.PatternConfluence{}, err
	}
	_, highs, lows, closes := splitOHLC(candles)
	atr := lastATR(highs, lows, closes)
	if atr <= 0 {
		return absent(s.Kind(), "flat window"), nil
	}

	start := len(candles) - scanWindow
	if start < 2 {
		start = 2
	}
	for i := len(candles) - 1; i >= start; i-- {
		// bullish gap: candle low clears the high from two bars back
		if gap := lows[i] - highs[i-2]; gap >= minGapATR*atr && !tradedBelow(lows, i+1, highs[i-2]) {
			return present(s.Kind(), gapScore(gap, atr), domain.BiasBullish,
				fmt.Sprintf("bullish gap %.2fx ATR at bar %d", gap/atr, i)), nil
		}
		if gap := lows[i-2] - highs[i]; gap >= minGapATR*atr && !tradedAbove(highs, i+1, lows[i-2]) {
			return present(s.Kind(), gapScore(gap, atr), domain.BiasBearish,
				fmt.Sprintf("bearish gap %.2fx ATR at bar %d", gap/atr, i)), nil
		}
	}
	return absent(s.Kind(), "no unfilled gap in window"), nil
}

func gapScore(gap, atr float64) float64 {
	return clampScore(50 + 35*minF(1.5, gap/atr))
}

// OrderBlock flags the last opposing candle before an impulsive
// displacement
type OrderBlock struct{}

func (s *OrderBlock) Kind() domain.PatternKind { return domain.PatternOrderBlock }

func (s *OrderBlock) Score(ctx context.Context, candles []domain.Candle) (confluence.PatternConfluence, error) {
	if err := checkWindow(ctx, candles); err != nil {
		return confluence.PatternConfluence{}, err
	}
	opens, highs, lows, closes := splitOHLC(candles)
	atr := lastATR(highs, lows, closes)
	if atr <= 0 {
		return absent(s.Kind(), "flat window"), nil
	}

	last := closes[len(closes)-1]
	start := len(candles) - scanWindow
	if start < 0 {
		start = 0
	}
	for i := len(candles) - 1 - impulseSpan; i >= start; i-- {
		move := closes[i+impulseSpan] - closes[i]
		bearishCandle := closes[i] < opens[i]
		bullishCandle := closes[i] > opens[i]

		if bearishCandle && move >= impulseATR*atr {
			score := blockScore(move, atr, last, (highs[i]+lows[i])/2)
			return present(s.Kind(), score, domain.BiasBullish,
				fmt.Sprintf("bullish block at bar %d, displacement %.2fx ATR", i, move/atr)), nil
		}
		if bullishCandle && -move >= impulseATR*atr {
			score := blockScore(-move, atr, last, (highs[i]+lows[i])/2)
			return present(s.Kind(), score, domain.BiasBearish,
				fmt.Sprintf("bearish block at bar %d, displacement %.2fx ATR", i, -move/atr)), nil
		}
	}
	return absent(s.Kind(), "no displacement in window"), nil
}

func blockScore(move, atr, last, zoneMid float64) float64 {
	score := 40 + 20*minF(2.5, move/atr)
	// a close retesting the zone is worth more than a runaway
	if absF(last-zoneMid) <= atr {
		score += 10
	}
	return clampScore(score)
}

// BreakOfStructure flags a close beyond the rolling extreme of the
// prior candles
type BreakOfStructure struct{}

func (s *BreakOfStructure) Kind() domain.PatternKind { return domain.PatternBOS }

func (s *BreakOfStructure) Score(ctx context.Context, candles []domain.Candle) (confluence.PatternConfluence, error) {
	if err := checkWindow(ctx, candles); err != nil {
		return confluence.PatternConfluence{}, err
	}
	_, highs, lows, closes := splitOHLC(candles)
	atr := lastATR(highs, lows, closes)
	if atr <= 0 {
		return absent(s.Kind(), "flat window"), nil
	}

	last := closes[len(closes)-1]
	start := len(candles) - scanWindow
	if start < lookback {
		start = lookback
	}
	for i := len(candles) - 1; i >= start; i-- {
		prevHigh := maxOf(highs[i-lookback : i])
		prevLow := minOf(lows[i-lookback : i])

		if closes[i] > prevHigh {
			score := breakScore(closes[i]-prevHigh, atr, last > prevHigh)
			return present(s.Kind(), score, domain.BiasBullish,
				fmt.Sprintf("close above %.5f at bar %d", prevHigh, i)), nil
		}
		if closes[i] < prevLow {
			score := breakScore(prevLow-closes[i], atr, last < prevLow)
			return present(s.Kind(), score, domain.BiasBearish,
				fmt.Sprintf("close below %.5f at bar %d", prevLow, i)), nil
		}
	}
	return absent(s.Kind(), "no structure break in window"), nil
}

func breakScore(margin, atr float64, held bool) float64 {
	score := 45 + 25*minF(2, margin/atr)
	if held {
		score += 10
	}
	return clampScore(score)
}

// LiquiditySweep flags a wick through the rolling extreme that closes
// back inside the range. Sweeps of highs lean bearish, sweeps of lows
// lean bullish.
type LiquiditySweep struct{}

func (s *LiquiditySweep) Kind() domain.PatternKind { return domain.PatternLiquiditySweep }

func (s *LiquiditySweep) Score(ctx context.Context, candles []domain.Candle) (confluence.PatternConfluence, error) {
	if err := checkWindow(ctx, candles); err != nil {
		return confluence.PatternConfluence{}, err
	}
	_, highs, lows, closes := splitOHLC(candles)
	atr := lastATR(highs, lows, closes)
	if atr <= 0 {
		return absent(s.Kind(), "flat window"), nil
	}

	start := len(candles) - scanWindow
	if start < lookback {
		start = lookback
	}
	for i := len(candles) - 1; i >= start; i-- {
		prevHigh := maxOf(highs[i-lookback : i])
		prevLow := minOf(lows[i-lookback : i])

		if highs[i] > prevHigh && closes[i] <= prevHigh {
			score := sweepScore(highs[i]-prevHigh, prevHigh-closes[i], atr)
			return present(s.Kind(), score, domain.BiasBearish,
				fmt.Sprintf("raid above %.5f at bar %d", prevHigh, i)), nil
		}
		if lows[i] < prevLow && closes[i] >= prevLow {
			score := sweepScore(prevLow-lows[i], closes[i]-prevLow, atr)
			return present(s.Kind(), score, domain.BiasBullish,
				fmt.Sprintf("raid below %.5f at bar %d", prevLow, i)), nil
		}
	}
	return absent(s.Kind(), "no sweep in window"), nil
}

func sweepScore(wick, closeBack, atr float64) float64 {
	score := 45 + 30*minF(1.5, wick/atr)
	if closeBack >= 0.25*atr {
		score += 10
	}
	return clampScore(score)
}

func checkWindow(ctx context.Context, candles []domain.Candle) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if min := atrPeriod + impulseSpan + 1; len(candles) < min {
		return fmt.Errorf("need at least %d candles, got %d", min, len(candles))
	}
	return nil
}

func splitOHLC(candles []domain.Candle) (opens, highs, lows, closes []float64) {
	opens = make([]float64, len(candles))
	highs = make([]float64, len(candles))
	lows = make([]float64, len(candles))
	closes = make([]float64, len(candles))
	for i, c := range candles {
		opens[i] = c.Open
		highs[i] = c.High
		lows[i] = c.Low
		closes[i] = c.Close
	}
	return opens, highs, lows, closes
}

func lastATR(highs, lows, closes []float64) float64 {
	atr := talib.Atr(highs, lows, closes, atrPeriod)
	if len(atr) == 0 {
		return 0
	}
	v := atr[len(atr)-1]
	if v != v { // NaN
		return 0
	}
	return v
}

func tradedBelow(lows []float64, from int, level float64) bool {
	for i := from; i < len(lows); i++ {
		if lows[i] <= level {
			return true
		}
	}
	return false
}

func tradedAbove(highs []float64, from int, level float64) bool {
	for i := from; i < len(highs); i++ {
		if highs[i] >= level {
			return true
		}
	}
	return false
}

func present(kind domain.PatternKind, score float64, bias domain.Bias, details string) confluence.PatternConfluence {
	return confluence.PatternConfluence{Kind: kind, Score: score, Bias: bias, Present: true, Details: details}
}

func absent(kind domain.PatternKind, details string) confluence.PatternConfluence {
	return confluence.PatternConfluence{Kind: kind, Score: absentScore, Bias: domain.BiasNeutral, Details: details}
}

func maxOf(vals []float64) float64 {
	m := vals[0]
	for _, v := range vals[1:] {
		if v > m {
			m = v
		}
	}
	return m
}

func minOf(vals []float64) float64 {
	m := vals[0]
	for _, v := range vals[1:] {
		if v < m {
			m = v
		}
	}
	return m
}

func minF(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func absF(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

func clampScore(v float64) float64 {
	if v > 100 {
		return 100
	}
	if v < 0 {
		return 0
	}
	return v
}
