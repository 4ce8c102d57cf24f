package signal

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avramidis/strategos/internal/analytics/confluence"
	"github.com/avramidis/strategos/internal/analytics/structure"
	"github.com/avramidis/strategos/internal/config"
	"github.com/avramidis/strategos/internal/domain"
)

type stubConfidence struct {
	scores map[domain.PatternKind]float64
}

func (s *stubConfidence) GetConfidence(_ context.Context, kind domain.PatternKind) float64 {
	if v, ok := s.scores[kind]; ok {
		return v
	}
	return 50
}

func testSignalConfig() config.AnalyticsConfig {
	return config.AnalyticsConfig{
		StrengthThreshold:           60,
		PhaseConfidenceThreshold:    50,
		LearningConfidenceThreshold: 40,
	}
}

func confFixture(strength float64, bias domain.Bias, patterns ...confluence.PatternConfluence) *confluence.Analysis {
	return &confluence.Analysis{
		ID:              "conf-1",
		Symbol:          "EURUSD",
		Timeframe:       domain.TimeframeM15,
		OverallStrength: strength,
		Patterns:        patterns,
		MarketBias:      bias,
		Timestamp:       time.Now().UTC(),
	}
}

func structFixture(phase domain.MarketPhase, trend domain.TrendDirection, phaseConf, lastClose float64) *structure.Analysis {
	return &structure.Analysis{
		ID:              "struct-1",
		Symbol:          "EURUSD",
		Timeframe:       domain.TimeframeM15,
		CurrentPhase:    phase,
		TrendDirection:  trend,
		PhaseConfidence: phaseConf,
		TrendStrength:   80,
		LastClose:       lastClose,
		Timestamp:       time.Now().UTC(),
	}
}

func presentFVG(score float64, bias domain.Bias) confluence.PatternConfluence {
	return confluence.PatternConfluence{Kind: domain.PatternFVG, Score: score, Bias: bias, Present: true}
}

func TestSynthesizeBuySetup(t *testing.T) {
	conf := &stubConfidence{scores: map[domain.PatternKind]float64{domain.PatternFVG: 60}}
	syn := New(testSignalConfig(), conf, zerolog.Nop())

	st := structFixture(domain.PhaseRebalance, domain.TrendBullish, 70, 1.1000)
	st.SupportLevels = []structure.Level{{Price: 1.0950, Kind: structure.LevelSupport, Touches: 3, Strength: 75}}
	st.ResistanceLevels = []structure.Level{{Price: 1.1100, Kind: structure.LevelResistance, Touches: 2, Strength: 50}}

	setup, err := syn.Synthesize(context.Background(), confFixture(80, domain.BiasBullish, presentFVG(80, domain.BiasBullish)), st)
	require.NoError(t, err)

	assert.Equal(t, domain.SignalBuy, setup.PrimarySignal)
	assert.Equal(t, domain.PatternFVG, setup.PatternKind)
	assert.InDelta(t, 1.1000, setup.Entry, 1e-9)
	assert.InDelta(t, 1.0950, setup.StopLoss, 1e-9)
	assert.InDelta(t, 1.1100, setup.TakeProfit, 1e-9)
	assert.InDelta(t, 2.0, setup.RewardRisk, 0.001)
	// (80 + 70 + 60) / 3
	assert.Equal(t, QualityGood, setup.Quality)
	assert.NotEmpty(t, setup.ID)
}

func TestSynthesizeSellSetup(t *testing.T) {
	conf := &stubConfidence{scores: map[domain.PatternKind]float64{domain.PatternFVG: 60}}
	syn := New(testSignalConfig(), conf, zerolog.Nop())

	st := structFixture(domain.PhaseDistribution, domain.TrendBearish, 70, 1.1000)
	st.SupportLevels = []structure.Level{{Price: 1.0900, Kind: structure.LevelSupport}}
	st.ResistanceLevels = []structure.Level{{Price: 1.1050, Kind: structure.LevelResistance}}

	setup, err := syn.Synthesize(context.Background(), confFixture(80, domain.BiasBearish, presentFVG(80, domain.BiasBearish)), st)
	require.NoError(t, err)

	assert.Equal(t, domain.SignalSell, setup.PrimarySignal)
	assert.InDelta(t, 1.1050, setup.StopLoss, 1e-9)
	assert.InDelta(t, 1.0900, setup.TakeProfit, 1e-9)
	assert.InDelta(t, 2.0, setup.RewardRisk, 0.001)
}

func TestSynthesizeWaitsBelowStrength(t *testing.T) {
	syn := New(testSignalConfig(), &stubConfidence{}, zerolog.Nop())

	setup, err := syn.Synthesize(context.Background(),
		confFixture(45, domain.BiasBullish, presentFVG(45, domain.BiasBullish)),
		structFixture(domain.PhaseRebalance, domain.TrendBullish, 70, 1.1))
	require.NoError(t, err)

	assert.Equal(t, domain.SignalWait, setup.PrimarySignal)
	assert.Contains(t, setup.Reason, "strength")
	assert.Zero(t, setup.Entry)
}

func TestSynthesizeWaitsBelowPhaseConfidence(t *testing.T) {
	syn := New(testSignalConfig(), &stubConfidence{}, zerolog.Nop())

	setup, err := syn.Synthesize(context.Background(),
		confFixture(80, domain.BiasBullish, presentFVG(80, domain.BiasBullish)),
		structFixture(domain.PhaseUnknown, domain.TrendBullish, 30, 1.1))
	require.NoError(t, err)

	assert.Equal(t, domain.SignalWait, setup.PrimarySignal)
	assert.Contains(t, setup.Reason, "phase confidence")
}

func TestSynthesizeWaitsBelowLearningConfidence(t *testing.T) {
	conf := &stubConfidence{scores: map[domain.PatternKind]float64{domain.PatternFVG: 20}}
	syn := New(testSignalConfig(), conf, zerolog.Nop())

	setup, err := syn.Synthesize(context.Background(),
		confFixture(80, domain.BiasBullish, presentFVG(80, domain.BiasBullish)),
		structFixture(domain.PhaseRebalance, domain.TrendBullish, 70, 1.1))
	require.NoError(t, err)

	assert.Equal(t, domain.SignalWait, setup.PrimarySignal)
	assert.Contains(t, setup.Reason, "learning confidence")
}

func TestSynthesizeAvoidsManipulation(t *testing.T) {
	conf := &stubConfidence{scores: map[domain.PatternKind]float64{domain.PatternFVG: 90}}
	syn := New(testSignalConfig(), conf, zerolog.Nop())

	setup, err := syn.Synthesize(context.Background(),
		confFixture(95, domain.BiasBullish, presentFVG(95, domain.BiasBullish)),
		structFixture(domain.PhaseManipulation, domain.TrendBullish, 80, 1.1))
	require.NoError(t, err)

	assert.Equal(t, domain.SignalAvoid, setup.PrimarySignal)
	assert.Contains(t, setup.Reason, "manipulation")
}

func TestSynthesizeWaitsOnDisagreement(t *testing.T) {
	conf := &stubConfidence{scores: map[domain.PatternKind]float64{domain.PatternFVG: 60}}
	syn := New(testSignalConfig(), conf, zerolog.Nop())

	setup, err := syn.Synthesize(context.Background(),
		confFixture(80, domain.BiasBullish, presentFVG(80, domain.BiasBullish)),
		structFixture(domain.PhaseRebalance, domain.TrendBearish, 70, 1.1))
	require.NoError(t, err)

	assert.Equal(t, domain.SignalWait, setup.PrimarySignal)
	assert.Contains(t, setup.Reason, "disagrees")
}

func TestSynthesizeWaitsWithoutPatterns(t *testing.T) {
	syn := New(testSignalConfig(), &stubConfidence{}, zerolog.Nop())

	setup, err := syn.Synthesize(context.Background(),
		confFixture(10, domain.BiasNeutral, confluence.PatternConfluence{Kind: domain.PatternFVG, Score: 10}),
		structFixture(domain.PhaseRebalance, domain.TrendBullish, 70, 1.1))
	require.NoError(t, err)

	assert.Equal(t, domain.SignalWait, setup.PrimarySignal)
	assert.Equal(t, "no pattern present", setup.Reason)
	assert.Equal(t, QualityPoor, setup.Quality)
}

func TestSynthesizeWaitsWithoutProtectiveLevels(t *testing.T) {
	conf := &stubConfidence{scores: map[domain.PatternKind]float64{domain.PatternFVG: 60}}
	syn := New(testSignalConfig(), conf, zerolog.Nop())

	// gate passes but there is no support under the entry
	st := structFixture(domain.PhaseRebalance, domain.TrendBullish, 70, 1.1)
	st.ResistanceLevels = []structure.Level{{Price: 1.12, Kind: structure.LevelResistance}}

	setup, err := syn.Synthesize(context.Background(),
		confFixture(80, domain.BiasBullish, presentFVG(80, domain.BiasBullish)), st)
	require.NoError(t, err)

	assert.Equal(t, domain.SignalWait, setup.PrimarySignal)
	assert.Contains(t, setup.Reason, "protective")
}

func TestSynthesizeRejectsMismatchedInputs(t *testing.T) {
	syn := New(testSignalConfig(), &stubConfidence{}, zerolog.Nop())

	st := structFixture(domain.PhaseRebalance, domain.TrendBullish, 70, 1.1)
	st.Symbol = "GBPUSD"

	_, err := syn.Synthesize(context.Background(), confFixture(80, domain.BiasBullish), st)
	require.Error(t, err)

	_, err = syn.Synthesize(context.Background(), nil, st)
	require.Error(t, err)
}

func TestSynthesizeHonoursContext(t *testing.T) {
	syn := New(testSignalConfig(), &stubConfidence{}, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := syn.Synthesize(ctx,
		confFixture(80, domain.BiasBullish),
		structFixture(domain.PhaseRebalance, domain.TrendBullish, 70, 1.1))
	require.ErrorIs(t, err, context.Canceled)
}

func TestSetupToSignal(t *testing.T) {
	setup := &TradeSetup{
		ID:              "setup-1",
		Symbol:          "EURUSD",
		Timeframe:       domain.TimeframeM15,
		PrimarySignal:   domain.SignalBuy,
		Entry:           1.1,
		StopLoss:        1.095,
		TakeProfit:      1.11,
		PatternKind:     domain.PatternFVG,
		Strength:        80,
		PhaseConfidence: 70,
		LearningScore:   60,
		Timestamp:       time.Now().UTC(),
	}

	sig := setup.Signal(domain.KillzoneLondon)
	assert.Equal(t, "setup-1", sig.ID)
	assert.Equal(t, domain.SignalBuy, sig.Action)
	assert.Equal(t, domain.KillzoneLondon, sig.Session)
	assert.InDelta(t, 0.70, sig.Confidence, 0.001)
	assert.Equal(t, domain.PatternFVG, sig.PatternKind)
}

func TestQualityTiers(t *testing.T) {
	cases := []struct {
		score float64
		want  SetupQuality
	}{
		{85, QualityExcellent},
		{80, QualityExcellent},
		{70, QualityGood},
		{65, QualityGood},
		{55, QualityFair},
		{50, QualityFair},
		{40, QualityPoor},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, qualityFor(tc.score), "score %.0f", tc.score)
	}
}
