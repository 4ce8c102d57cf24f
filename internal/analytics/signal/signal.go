// Package signal folds confluence, market structure and learned
// pattern confidence into actionable trade setups.
package signal

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/avramidis/strategos/internal/analytics/confluence"
	"github.com/avramidis/strategos/internal/analytics/structure"
	"github.com/avramidis/strategos/internal/config"
	"github.com/avramidis/strategos/internal/domain"
)

// SetupQuality grades a setup by its combined readings
type SetupQuality string

const (
	QualityExcellent SetupQuality = "EXCELLENT"
	QualityGood      SetupQuality = "GOOD"
	QualityFair      SetupQuality = "FAIR"
	QualityPoor      SetupQuality = "POOR"
)

// TradeSetup is the synthesizer's verdict on one candle window
type TradeSetup struct {
	ID              string              `json:"id"`
	Symbol          string              `json:"symbol"`
	Timeframe       domain.Timeframe    `json:"timeframe"`
	PrimarySignal   domain.SignalAction `json:"primary_signal"`
	Quality         SetupQuality        `json:"setup_quality"`
	Entry           float64             `json:"entry"`
	StopLoss        float64             `json:"stop_loss"`
	TakeProfit      float64             `json:"take_profit"`
	RewardRisk      float64             `json:"reward_risk"`
	PatternKind     domain.PatternKind  `json:"pattern_kind,omitempty"`
	Strength        float64             `json:"strength"`
	PhaseConfidence float64             `json:"phase_confidence"`
	LearningScore   float64             `json:"learning_score"`
	Reason          string              `json:"reason,omitempty"`
	Timestamp       time.Time           `json:"timestamp"`
}

// Signal converts a tradable setup into a domain trading signal
func (ts *TradeSetup) Signal(session domain.Killzone) *domain.TradingSignal {
	return &domain.TradingSignal{
		ID:          ts.ID,
		Symbol:      ts.Symbol,
		Action:      ts.PrimarySignal,
		Entry:       ts.Entry,
		StopLoss:    ts.StopLoss,
		TakeProfit:  ts.TakeProfit,
		Confidence:  composite(ts.Strength, ts.PhaseConfidence, ts.LearningScore) / 100,
		PatternKind: ts.PatternKind,
		Session:     session,
		Timestamp:   ts.Timestamp,
	}
}

// ConfidenceSource supplies learned confidence per pattern kind
type ConfidenceSource interface {
	GetConfidence(ctx context.Context, kind domain.PatternKind) float64
}

// Synthesizer gates signals on strength, phase confidence and learned
// pattern confidence
type Synthesizer struct {
	cfg        config.AnalyticsConfig
	confidence ConfidenceSource
	log        zerolog.Logger
}

func New(cfg config.AnalyticsConfig, confidence ConfidenceSource, log zerolog.Logger) *Synthesizer {
	return &Synthesizer{
		cfg:        cfg,
		confidence: confidence,
		log:        log.With().Str("component", "signal").Logger(),
	}
}

// Synthesize combines the two analyses into a trade setup. Both must
// describe the same symbol and timeframe.
func (s *Synthesizer) Synthesize(ctx context.Context, conf *confluence.Analysis, st *structure.Analysis) (*TradeSetup, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if conf == nil || st == nil {
		return nil, fmt.Errorf("failed to synthesize signal: both analyses are required")
	}
	if conf.Symbol != st.Symbol || conf.Timeframe != st.Timeframe {
		return nil, fmt.Errorf("failed to synthesize signal: analyses describe %s %s and %s %s",
			conf.Symbol, conf.Timeframe, st.Symbol, st.Timeframe)
	}

	setup := &TradeSetup{
		ID:              uuid.NewString(),
		Symbol:          conf.Symbol,
		Timeframe:       conf.Timeframe,
		Strength:        conf.OverallStrength,
		PhaseConfidence: st.PhaseConfidence,
		Timestamp:       time.Now().UTC(),
	}

	dominant := dominantPattern(conf.Patterns)
	if dominant == nil {
		setup.PrimarySignal = domain.SignalWait
		setup.Reason = "no pattern present"
		setup.Quality = QualityPoor
		return s.logged(setup), nil
	}
	setup.PatternKind = dominant.Kind
	setup.LearningScore = s.confidence.GetConfidence(ctx, dominant.Kind)
	setup.Quality = qualityFor(composite(setup.Strength, setup.PhaseConfidence, setup.LearningScore))

	// manipulation phases are traps, stand aside whatever the readings
	if st.CurrentPhase == domain.PhaseManipulation {
		setup.PrimarySignal = domain.SignalAvoid
		setup.Reason = "manipulation phase in progress"
		return s.logged(setup), nil
	}

	switch {
	case setup.Strength < s.cfg.StrengthThreshold:
		setup.PrimarySignal = domain.SignalWait
		setup.Reason = fmt.Sprintf("strength %.1f below %.1f", setup.Strength, s.cfg.StrengthThreshold)
		return s.logged(setup), nil
	case setup.PhaseConfidence < s.cfg.PhaseConfidenceThreshold:
		setup.PrimarySignal = domain.SignalWait
		setup.Reason = fmt.Sprintf("phase confidence %.1f below %.1f", setup.PhaseConfidence, s.cfg.PhaseConfidenceThreshold)
		return s.logged(setup), nil
	case setup.LearningScore < s.cfg.LearningConfidenceThreshold:
		setup.PrimarySignal = domain.SignalWait
		setup.Reason = fmt.Sprintf("learning confidence %.1f below %.1f", setup.LearningScore, s.cfg.LearningConfidenceThreshold)
		return s.logged(setup), nil
	}

	action := directionFor(conf.MarketBias, st.TrendDirection)
	if action == domain.SignalWait {
		setup.PrimarySignal = domain.SignalWait
		setup.Reason = fmt.Sprintf("bias %s disagrees with trend %s", conf.MarketBias, st.TrendDirection)
		return s.logged(setup), nil
	}

	entry := st.LastClose
	stop, target, ok := protectiveLevels(action, entry, st.SupportLevels, st.ResistanceLevels)
	if !ok {
		setup.PrimarySignal = domain.SignalWait
		setup.Reason = "no protective levels around entry"
		return s.logged(setup), nil
	}

	setup.PrimarySignal = action
	setup.Entry = entry
	setup.StopLoss = stop
	setup.TakeProfit = target
	setup.RewardRisk = rewardRisk(action, entry, stop, target)
	return s.logged(setup), nil
}

func (s *Synthesizer) logged(setup *TradeSetup) *TradeSetup {
	evt := s.log.Info()
	if !setup.PrimarySignal.IsTradable() {
		evt = s.log.Debug()
	}
	evt.
		Str("symbol", setup.Symbol).
		Str("timeframe", string(setup.Timeframe)).
		Str("signal", string(setup.PrimarySignal)).
		Str("quality", string(setup.Quality)).
		Str("reason", setup.Reason).
		Msg("Setup synthesized")
	return setup
}

// dominantPattern is the highest-scoring present pattern
func dominantPattern(patterns []confluence.PatternConfluence) *confluence.PatternConfluence {
	var best *confluence.PatternConfluence
	for i := range patterns {
		if !patterns[i].Present {
			continue
		}
		if best == nil || patterns[i].Score > best.Score {
			best = &patterns[i]
		}
	}
	return best
}

// directionFor requires the confluence bias and the structural trend to
// agree before committing to a side
func directionFor(bias domain.Bias, trend domain.TrendDirection) domain.SignalAction {
	switch {
	case bias == domain.BiasBullish && trend == domain.TrendBullish:
		return domain.SignalBuy
	case bias == domain.BiasBearish && trend == domain.TrendBearish:
		return domain.SignalSell
	default:
		return domain.SignalWait
	}
}

// protectiveLevels picks the stop beyond the nearest level behind the
// entry and the target at the nearest level ahead of it
func protectiveLevels(action domain.SignalAction, entry float64, support, resistance []structure.Level) (stop, target float64, ok bool) {
	if action == domain.SignalBuy {
		stop, ok = nearestBelow(support, entry)
		if !ok {
			return 0, 0, false
		}
		target, ok = nearestAbove(resistance, entry)
		return stop, target, ok
	}
	stop, ok = nearestAbove(resistance, entry)
	if !ok {
		return 0, 0, false
	}
	target, ok = nearestBelow(support, entry)
	return stop, target, ok
}

func nearestBelow(levels []structure.Level, price float64) (float64, bool) {
	best, found := 0.0, false
	for _, lvl := range levels {
		if lvl.Price < price && (!found || lvl.Price > best) {
			best, found = lvl.Price, true
		}
	}
	return best, found
}

func nearestAbove(levels []structure.Level, price float64) (float64, bool) {
	best, found := 0.0, false
	for _, lvl := range levels {
		if lvl.Price > price && (!found || lvl.Price < best) {
			best, found = lvl.Price, true
		}
	}
	return best, found
}

func rewardRisk(action domain.SignalAction, entry, stop, target float64) float64 {
	var reward, risk float64
	if action == domain.SignalBuy {
		reward, risk = target-entry, entry-stop
	} else {
		reward, risk = entry-target, stop-entry
	}
	if risk <= 0 {
		return 0
	}
	return reward / risk
}

func composite(strength, phase, learning float64) float64 {
	return (strength + phase + learning) / 3
}

func qualityFor(score float64) SetupQuality {
	switch {
	case score >= 80:
		return QualityExcellent
	case score >= 65:
		return QualityGood
	case score >= 50:
		return QualityFair
	default:
		return QualityPoor
	}
}
