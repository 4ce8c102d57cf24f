// Package structure reads market structure from candle windows: swing
// points, trend, phase, support/resistance and structure breaks.
package structure

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/avramidis/strategos/internal/config"
	"github.com/avramidis/strategos/internal/domain"
)

const (
	// swingNeighbours is how many candles on each side a swing must beat
	swingNeighbours = 2
	// equalBand is the relative band for equal highs/lows and level clustering
	equalBand = 0.001
	// trendWindow is how many classified swings feed the trend read
	trendWindow = 6
	// trendDominance is the bull/bear ratio that settles a trend
	trendDominance = 1.5
	maxLevels      = 5
	maxBreaks      = 5
	phaseWindow    = 10
)

// PointKind classifies a swing against the previous swing of its type
type PointKind string

const (
	PointHH  PointKind = "HH"
	PointHL  PointKind = "HL"
	PointLH  PointKind = "LH"
	PointLL  PointKind = "LL"
	PointEQH PointKind = "EQH"
	PointEQL PointKind = "EQL"
)

// LevelKind marks which side of price a level guards
type LevelKind string

const (
	LevelSupport    LevelKind = "SUPPORT"
	LevelResistance LevelKind = "RESISTANCE"
)

// Point is one classified structure point
type Point struct {
	Kind  PointKind `json:"kind"`
	Price float64   `json:"price"`
	Index int       `json:"index"`
	Time  time.Time `json:"time"`
}

// Level is a clustered support or resistance zone
type Level struct {
	Price    float64   `json:"price"`
	Touches  int       `json:"touches"`
	Strength float64   `json:"strength"`
	Kind     LevelKind `json:"kind"`
}

// Break records a close through a prior swing extreme
type Break struct {
	Direction domain.Bias `json:"direction"`
	Level     float64     `json:"level"`
	Index     int         `json:"index"`
	Time      time.Time   `json:"time"`
}

// Analysis is the full structural read of one candle window
type Analysis struct {
	ID                string                `json:"id"`
	Symbol            string                `json:"symbol"`
	Timeframe         domain.Timeframe      `json:"timeframe"`
	CurrentPhase      domain.MarketPhase    `json:"current_phase"`
	TrendDirection    domain.TrendDirection `json:"trend_direction"`
	StructurePoints   []Point               `json:"structure_points"`
	SupportLevels     []Level               `json:"support_levels"`
	ResistanceLevels  []Level               `json:"resistance_levels"`
	RecentBreaks      []Break               `json:"recent_breaks"`
	PhaseConfidence   float64               `json:"phase_confidence"`
	TrendStrength     float64               `json:"trend_strength"`
	NextKeyLevel      *Level                `json:"next_key_level,omitempty"`
	ExpectedDirection domain.Bias           `json:"expected_direction"`
	LastClose         float64               `json:"last_close"`
	Timestamp         time.Time             `json:"timestamp"`
}

// Intelligence runs structure analysis over candle windows
type Intelligence struct {
	cfg config.AnalyticsConfig
	log zerolog.Logger
}

func New(cfg config.AnalyticsConfig, log zerolog.Logger) *Intelligence {
	return &Intelligence{
		cfg: cfg,
		log: log.With().Str("component", "structure").Logger(),
	}
}

// Analyze reads the structure of one candle window. Candles must be
// oldest first.
func (in *Intelligence) Analyze(ctx context.Context, symbol string, tf domain.Timeframe, candles []domain.Candle) (*Analysis, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(candles) < in.cfg.MinCandles {
		return nil, fmt.Errorf("need at least %d candles for %s %s, got %d", in.cfg.MinCandles, symbol, tf, len(candles))
	}

	swings := findSwings(candles, swingNeighbours)
	points := classify(swings)
	trend, strength := trendFrom(points)
	phase, phaseConf := detectPhase(candles, trend)

	var highPrices, lowPrices []float64
	for _, s := range swings {
		if s.high {
			highPrices = append(highPrices, s.price)
		} else {
			lowPrices = append(lowPrices, s.price)
		}
	}
	resistance := clusterLevels(highPrices, LevelResistance)
	support := clusterLevels(lowPrices, LevelSupport)

	lastClose := candles[len(candles)-1].Close
	nextLevel, direction := nearestLevel(support, resistance, lastClose)

	an := &Analysis{
		ID:                uuid.NewString(),
		Symbol:            symbol,
		Timeframe:         tf,
		CurrentPhase:      phase,
		TrendDirection:    trend,
		StructurePoints:   points,
		SupportLevels:     support,
		ResistanceLevels:  resistance,
		RecentBreaks:      findBreaks(candles, swings),
		PhaseConfidence:   phaseConf,
		TrendStrength:     strength,
		NextKeyLevel:      nextLevel,
		ExpectedDirection: direction,
		LastClose:         lastClose,
		Timestamp:         time.Now().UTC(),
	}

	in.log.Debug().
		Str("symbol", symbol).
		Str("timeframe", string(tf)).
		Str("trend", string(trend)).
		Str("phase", string(phase)).
		Int("points", len(points)).
		Msg("Structure analyzed")
	return an, nil
}

type swing struct {
	index int
	price float64
	high  bool
	at    time.Time
}

// findSwings returns swing highs and lows in index order. A swing must
// strictly beat every neighbour within k candles on both sides.
func findSwings(candles []domain.Candle, k int) []swing {
	var swings []swing
	for i := k; i < len(candles)-k; i++ {
		isHigh, isLow := true, true
		for j := 1; j <= k; j++ {
			if candles[i].High <= candles[i-j].High || candles[i].High <= candles[i+j].High {
				isHigh = false
			}
			if candles[i].Low >= candles[i-j].Low || candles[i].Low >= candles[i+j].Low {
				isLow = false
			}
		}
		if isHigh {
			swings = append(swings, swing{index: i, price: candles[i].High, high: true, at: candles[i].Time})
		}
		if isLow {
			swings = append(swings, swing{index: i, price: candles[i].Low, high: false, at: candles[i].Time})
		}
	}
	return swings
}

// classify labels each swing against the previous swing of its type.
// The first swing of each type has no reference and is skipped.
func classify(swings []swing) []Point {
	var points []Point
	var prevHigh, prevLow float64
	var haveHigh, haveLow bool

	for _, s := range swings {
		if s.high {
			if haveHigh {
				kind := PointHH
				switch {
				case withinBand(s.price, prevHigh):
					kind = PointEQH
				case s.price < prevHigh:
					kind = PointLH
				}
				points = append(points, Point{Kind: kind, Price: s.price, Index: s.index, Time: s.at})
			}
			prevHigh, haveHigh = s.price, true
			continue
		}
		if haveLow {
			kind := PointHL
			switch {
			case withinBand(s.price, prevLow):
				kind = PointEQL
			case s.price < prevLow:
				kind = PointLL
			}
			points = append(points, Point{Kind: kind, Price: s.price, Index: s.index, Time: s.at})
		}
		prevLow, haveLow = s.price, true
	}
	return points
}

// trendFrom reads the trend off the last few classified swings. Equal
// highs/lows vote for neither side.
func trendFrom(points []Point) (domain.TrendDirection, float64) {
	if len(points) < 2 {
		return domain.TrendUnknown, 0
	}
	window := points
	if len(window) > trendWindow {
		window = window[len(window)-trendWindow:]
	}

	var bullish, bearish int
	for _, p := range window {
		switch p.Kind {
		case PointHH, PointHL:
			bullish++
		case PointLH, PointLL:
			bearish++
		}
	}
	total := bullish + bearish
	if total == 0 {
		return domain.TrendSideways, 50
	}
	strength := float64(max(bullish, bearish)) / float64(total) * 100

	switch {
	case float64(bullish) > trendDominance*float64(bearish):
		return domain.TrendBullish, strength
	case float64(bearish) > trendDominance*float64(bullish):
		return domain.TrendBearish, strength
	case bullish == bearish:
		return domain.TrendSideways, 50
	default:
		return domain.TrendTransitioning, strength
	}
}

// detectPhase combines range compression, volume shift and liquidity
// sweeps into a phase guess with a confidence scalar
func detectPhase(candles []domain.Candle, trend domain.TrendDirection) (domain.MarketPhase, float64) {
	n := len(candles)
	if n <= phaseWindow {
		return domain.PhaseUnknown, 0
	}
	recent := candles[n-phaseWindow:]
	prior := candles[:n-phaseWindow]

	envHigh, envLow := extremes(recent)
	priorHigh, priorLow := extremes(prior)
	envelope := envHigh - envLow

	var barSum float64
	for _, c := range candles {
		barSum += c.High - c.Low
	}
	avgBar := barSum / float64(n)
	if avgBar <= 0 {
		return domain.PhaseUnknown, 0
	}
	// ~1.0 when every bar extends the move, ~0.2 for a tight range
	compression := envelope / (avgBar * phaseWindow)

	volRatio := 1.0
	if vr, vp := avgVolume(recent), avgVolume(prior); vr > 0 && vp > 0 {
		volRatio = vr / vp
	}

	last := candles[n-1]
	sweptHigh := envHigh > priorHigh && last.Close < priorHigh
	sweptLow := envLow < priorLow && last.Close > priorLow

	switch {
	case sweptHigh || sweptLow:
		conf := 65.0
		if volRatio > 1.2 {
			conf += 10
		}
		return domain.PhaseManipulation, clamp(conf, 0, 100)
	case compression < 0.35:
		conf := 55 + (0.35-compression)*100
		if volRatio > 1.1 {
			conf += 10
		}
		return domain.PhaseAccumulation, clamp(conf, 0, 90)
	case compression > 0.8 && (trend == domain.TrendBullish || trend == domain.TrendBearish) && volRatio < 0.95:
		return domain.PhaseDistribution, clamp(55+(compression-0.8)*50, 0, 85)
	case trend == domain.TrendBullish || trend == domain.TrendBearish:
		return domain.PhaseRebalance, 50
	default:
		return domain.PhaseUnknown, 30
	}
}

// clusterLevels groups nearby prices into levels. Two touches within the
// equal band make a level; strength saturates at four touches.
func clusterLevels(prices []float64, kind LevelKind) []Level {
	if len(prices) == 0 {
		return nil
	}
	sorted := append([]float64(nil), prices...)
	sort.Float64s(sorted)

	var levels []Level
	start := 0
	for i := 1; i <= len(sorted); i++ {
		if i < len(sorted) && withinBand(sorted[i], sorted[start]) {
			continue
		}
		if touches := i - start; touches >= 2 {
			var sum float64
			for _, p := range sorted[start:i] {
				sum += p
			}
			levels = append(levels, Level{
				Price:    sum / float64(touches),
				Touches:  touches,
				Strength: math.Min(100, float64(touches)*25),
				Kind:     kind,
			})
		}
		start = i
	}

	sort.Slice(levels, func(i, j int) bool {
		if levels[i].Strength != levels[j].Strength {
			return levels[i].Strength > levels[j].Strength
		}
		return levels[i].Touches > levels[j].Touches
	})
	if len(levels) > maxLevels {
		levels = levels[:maxLevels]
	}
	return levels
}

// findBreaks records closes through prior swing extremes, newest last
func findBreaks(candles []domain.Candle, swings []swing) []Break {
	var breaks []Break
	for _, s := range swings {
		for i := s.index + 1; i < len(candles); i++ {
			if s.high && candles[i].Close > s.price {
				breaks = append(breaks, Break{Direction: domain.BiasBullish, Level: s.price, Index: i, Time: candles[i].Time})
				break
			}
			if !s.high && candles[i].Close < s.price {
				breaks = append(breaks, Break{Direction: domain.BiasBearish, Level: s.price, Index: i, Time: candles[i].Time})
				break
			}
		}
	}
	sort.Slice(breaks, func(i, j int) bool { return breaks[i].Index < breaks[j].Index })
	if len(breaks) > maxBreaks {
		breaks = breaks[len(breaks)-maxBreaks:]
	}
	return breaks
}

// nearestLevel picks the key level closest to the close; its side sets
// the expected direction
func nearestLevel(support, resistance []Level, close float64) (*Level, domain.Bias) {
	var nearest *Level
	best := math.MaxFloat64
	for i := range support {
		if d := math.Abs(support[i].Price - close); d < best {
			best = d
			nearest = &support[i]
		}
	}
	for i := range resistance {
		if d := math.Abs(resistance[i].Price - close); d < best {
			best = d
			nearest = &resistance[i]
		}
	}
	if nearest == nil {
		return nil, domain.BiasNeutral
	}
	lvl := *nearest
	if lvl.Kind == LevelSupport {
		return &lvl, domain.BiasBullish
	}
	return &lvl, domain.BiasBearish
}

func withinBand(a, b float64) bool {
	if b == 0 {
		return a == 0
	}
	return math.Abs((a-b)/b) <= equalBand
}

func extremes(candles []domain.Candle) (high, low float64) {
	high, low = candles[0].High, candles[0].Low
	for _, c := range candles[1:] {
		if c.High > high {
			high = c.High
		}
		if c.Low < low {
			low = c.Low
		}
	}
	return high, low
}

func avgVolume(candles []domain.Candle) float64 {
	var sum float64
	for _, c := range candles {
		sum += c.Volume
	}
	return sum / float64(len(candles))
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
