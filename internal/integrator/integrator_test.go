package integrator

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avramidis/strategos/internal/analytics/confluence"
	"github.com/avramidis/strategos/internal/analytics/learning"
	"github.com/avramidis/strategos/internal/analytics/signal"
	"github.com/avramidis/strategos/internal/analytics/structure"
	"github.com/avramidis/strategos/internal/clients/paper"
	"github.com/avramidis/strategos/internal/config"
	"github.com/avramidis/strategos/internal/coordinator"
	"github.com/avramidis/strategos/internal/database"
	"github.com/avramidis/strategos/internal/domain"
	"github.com/avramidis/strategos/internal/events"
	"github.com/avramidis/strategos/internal/execution"
	"github.com/avramidis/strategos/internal/metrics"
	"github.com/avramidis/strategos/internal/risk"
)

type stubScorer struct{}

func (stubScorer) Kind() domain.PatternKind { return domain.PatternFVG }

func (stubScorer) Score(_ context.Context, _ []domain.Candle) (confluence.PatternConfluence, error) {
	return confluence.PatternConfluence{
		Kind:    domain.PatternFVG,
		Score:   85,
		Bias:    domain.BiasBullish,
		Present: true,
	}, nil
}

type eventSink struct {
	mu     sync.Mutex
	events []events.Event
}

func (s *eventSink) handle(e events.Event) {
	s.mu.Lock()
	s.events = append(s.events, e)
	s.mu.Unlock()
}

func (s *eventSink) byKind(kind events.Kind) []events.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []events.Event
	for _, e := range s.events {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

type pipelineEnv struct {
	pipeline *Pipeline
	broker   *paper.Broker
	bus      *events.Bus
	learning *learning.System
	gate     *risk.Gate
	sink     *eventSink
}

func newPipelineEnv(t *testing.T) *pipelineEnv {
	t.Helper()

	db, err := database.New(database.Config{
		Path:    filepath.Join(t.TempDir(), "pipeline.db"),
		Profile: database.ProfileStandard,
		Name:    "pipeline",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	analyticsCfg := config.AnalyticsConfig{
		EventQueueCapacity:          100,
		MetricsRefreshSec:           1,
		DataRefreshSec:              1,
		EventBatchSize:              50,
		CacheTTLSec:                 1,
		MinCandles:                  5,
		MinSamplesForConfidence:     2,
		InsightGenerationInterval:   100,
		StrengthThreshold:           60,
		PhaseConfidenceThreshold:    0,
		LearningConfidenceThreshold: 40,
	}
	tradingCfg := config.TradingConfig{
		Mode:         "paper",
		Symbols:      []string{"EURUSD"},
		Timeframes:   []string{"M5"},
		CandleWindow: 30,
	}
	riskCfg := config.RiskConfig{
		MaxRiskPerTradePct: 1.5,
		MaxPositions:       5,
		MaxVolumePerSymbol: 5,
		MaxDrawdownPct:     50,
	}

	log := zerolog.Nop()
	prom := metrics.New()

	broker := paper.New(log)
	require.NoError(t, broker.Connect(context.Background()))

	learn, err := learning.New(analyticsCfg, db, log)
	require.NoError(t, err)

	executor, err := execution.New(broker, db, log)
	require.NoError(t, err)

	gate := risk.NewGate(riskCfg, nil, log)
	bus := events.NewBus(analyticsCfg, prom, log)
	sink := &eventSink{}
	bus.Subscribe("test", sink.handle)
	go bus.Run()
	t.Cleanup(bus.Stop)

	pipe := New(
		tradingCfg,
		analyticsCfg,
		broker,
		broker,
		confluence.New(analyticsCfg, []confluence.PatternScorer{stubScorer{}}, log),
		structure.New(analyticsCfg, log),
		signal.New(analyticsCfg, learn, log),
		learn,
		gate,
		executor,
		bus,
		prom,
		log,
	)

	return &pipelineEnv{
		pipeline: pipe,
		broker:   broker,
		bus:      bus,
		learning: learn,
		gate:     gate,
		sink:     sink,
	}
}

func makeCandles(n int, start time.Time) []domain.Candle {
	out := make([]domain.Candle, n)
	price := 1.1000
	for i := 0; i < n; i++ {
		c := domain.Candle{
			Time:   start.Add(time.Duration(i) * 5 * time.Minute),
			Open:   price,
			Close:  price + 0.0004,
			Volume: 1000,
		}
		c.High = c.Close + 0.0002
		c.Low = c.Open - 0.0002
		out[i] = c
		price = c.Close
	}
	return out
}

func buySetup() *signal.TradeSetup {
	return &signal.TradeSetup{
		ID:              "setup-1",
		Symbol:          "EURUSD",
		Timeframe:       domain.TimeframeM5,
		PrimarySignal:   domain.SignalBuy,
		Quality:         signal.QualityGood,
		Entry:           1.1001,
		StopLoss:        1.0951,
		TakeProfit:      1.1101,
		RewardRisk:      2,
		PatternKind:     domain.PatternFVG,
		Strength:        80,
		PhaseConfidence: 70,
		LearningScore:   50,
		Timestamp:       time.Now().UTC(),
	}
}

func TestPipelineLifecycle(t *testing.T) {
	env := newPipelineEnv(t)
	p := env.pipeline

	health := p.HealthCheck()
	assert.Equal(t, coordinator.ComponentOffline, health.State)
	assert.False(t, health.Healthy)

	require.NoError(t, p.Initialize())
	require.NoError(t, p.Initialize())
	require.NoError(t, p.Start())
	require.NoError(t, p.Start())

	health = p.HealthCheck()
	assert.Equal(t, coordinator.ComponentRunning, health.State)
	assert.True(t, health.Healthy)
	assert.True(t, health.Critical)

	require.NoError(t, p.Stop())
	require.NoError(t, p.Stop())
	assert.True(t, p.LastEventAt().IsZero())
}

func TestPipelineRunsCycleOnCandleClose(t *testing.T) {
	env := newPipelineEnv(t)
	p := env.pipeline

	base := time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)
	env.broker.SetCandles("EURUSD", domain.TimeframeM5, makeCandles(30, base))

	require.NoError(t, p.Initialize())
	require.NoError(t, p.Start())
	t.Cleanup(func() { _ = p.Stop() })

	next := domain.Candle{
		Time: base.Add(30 * 5 * time.Minute), Open: 1.1120, High: 1.1130, Low: 1.1110, Close: 1.1125, Volume: 1200,
	}
	env.broker.EmitCandle("EURUSD", domain.TimeframeM5, next)

	require.Eventually(t, func() bool {
		return p.Stats().Cycles >= 1
	}, 5*time.Second, 10*time.Millisecond)

	assert.False(t, p.LastEventAt().IsZero())

	require.Eventually(t, func() bool {
		return len(env.sink.byKind(events.KindConfluenceUpdated)) >= 1
	}, 5*time.Second, 25*time.Millisecond)
	require.Eventually(t, func() bool {
		return len(env.sink.byKind(events.KindPatternDetected)) >= 1
	}, 5*time.Second, 25*time.Millisecond)
}

func TestPipelineRestartStaysFunctional(t *testing.T) {
	env := newPipelineEnv(t)
	p := env.pipeline

	base := time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)
	env.broker.SetCandles("EURUSD", domain.TimeframeM5, makeCandles(30, base))

	require.NoError(t, p.Initialize())
	require.NoError(t, p.Start())
	t.Cleanup(func() { _ = p.Stop() })

	env.broker.EmitCandle("EURUSD", domain.TimeframeM5, domain.Candle{
		Time: base.Add(30 * 5 * time.Minute), Open: 1.1120, High: 1.1130, Low: 1.1110, Close: 1.1125, Volume: 1200,
	})
	require.Eventually(t, func() bool { return p.Stats().Cycles >= 1 }, 5*time.Second, 10*time.Millisecond)

	before := p.Stats().Cycles
	require.NoError(t, p.Restart(context.Background()))

	env.broker.EmitCandle("EURUSD", domain.TimeframeM5, domain.Candle{
		Time: base.Add(31 * 5 * time.Minute), Open: 1.1125, High: 1.1140, Low: 1.1120, Close: 1.1135, Volume: 900,
	})
	require.Eventually(t, func() bool { return p.Stats().Cycles > before }, 5*time.Second, 10*time.Millisecond)
}

func TestHandleCandleCloseIgnoredWhenStopped(t *testing.T) {
	env := newPipelineEnv(t)

	env.pipeline.handleCandleClose("EURUSD", domain.TimeframeM5, domain.Candle{Time: time.Now().UTC()})
	assert.Zero(t, len(env.pipeline.queue))
}

func TestExtendWindowDedupesAndTrims(t *testing.T) {
	env := newPipelineEnv(t)
	p := env.pipeline
	ctx := context.Background()

	base := time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)
	env.broker.SetCandles("EURUSD", domain.TimeframeM5, makeCandles(30, base))

	ks := &keyState{}
	bar := domain.Candle{Time: base.Add(30 * 5 * time.Minute), Open: 1.1120, High: 1.1130, Low: 1.1110, Close: 1.1125, Volume: 1200}
	task := closeTask{symbol: "EURUSD", timeframe: domain.TimeframeM5, candle: bar}

	// first bar triggers a history backfill, then trims to the window cap
	window := p.extendWindow(ctx, ks, task)
	require.Len(t, window, 30)
	assert.Equal(t, bar.Time, window[29].Time)

	// re-sent revision of the same bar replaces the tail
	revised := bar
	revised.Close = 1.1127
	task.candle = revised
	window = p.extendWindow(ctx, ks, task)
	require.Len(t, window, 30)
	assert.Equal(t, 1.1127, window[29].Close)

	// out-of-order bars never trigger a cycle
	task.candle = domain.Candle{Time: base, Close: 1.0}
	assert.Nil(t, p.extendWindow(ctx, ks, task))

	// a gap larger than two bar periods rebuilds from history
	gapBar := domain.Candle{Time: bar.Time.Add(20 * time.Minute), Open: 1.1130, High: 1.1140, Low: 1.1125, Close: 1.1138, Volume: 700}
	task.candle = gapBar
	window = p.extendWindow(ctx, ks, task)
	require.Len(t, window, 30)
	assert.Equal(t, gapBar.Time, window[29].Time)
}

func TestTradeRoutesApprovedOrder(t *testing.T) {
	env := newPipelineEnv(t)
	env.broker.SetTick(domain.Tick{Symbol: "EURUSD", Bid: 1.0999, Ask: 1.1001, Time: time.Now().UTC()})

	env.pipeline.trade(context.Background(), buySetup(), "")

	positions, err := env.broker.OpenPositions(context.Background())
	require.NoError(t, err)
	require.Len(t, positions, 1)
	// 150 currency at risk over a 50-pip stop on a standard lot
	assert.InDelta(t, 0.3, positions[0].Volume, 1e-9)
	assert.Equal(t, domain.OrderSideBuy, positions[0].Side)

	stats := env.pipeline.Stats()
	assert.Equal(t, int64(1), stats.Signals)
	assert.Equal(t, int64(1), stats.Orders)
	assert.Equal(t, 1, stats.TrackedTrades)

	// approved signals dispatch synchronously at immediate priority
	generated := env.sink.byKind(events.KindSignalGenerated)
	require.Len(t, generated, 1)
	assert.Equal(t, string(domain.SignalBuy), generated[0].Payload["action"])
}

func TestTradeRejectedByGate(t *testing.T) {
	env := newPipelineEnv(t)
	env.broker.SetTick(domain.Tick{Symbol: "EURUSD", Bid: 1.0999, Ask: 1.1001, Time: time.Now().UTC()})

	setup := buySetup()
	setup.StopLoss = setup.Entry // no stop distance

	env.pipeline.trade(context.Background(), setup, "")

	positions, err := env.broker.OpenPositions(context.Background())
	require.NoError(t, err)
	assert.Empty(t, positions)
	assert.Equal(t, int64(1), env.pipeline.Stats().Rejected)

	require.Eventually(t, func() bool {
		generated := env.sink.byKind(events.KindSignalGenerated)
		return len(generated) == 1 && generated[0].Payload["action"] == string(domain.SignalRejected)
	}, 5*time.Second, 25*time.Millisecond)
}

func TestTradeSkipsBelowMinimumVolume(t *testing.T) {
	env := newPipelineEnv(t)
	env.broker.SetAccount(100, "USD")
	env.broker.SetTick(domain.Tick{Symbol: "EURUSD", Bid: 1.0999, Ask: 1.1001, Time: time.Now().UTC()})

	env.pipeline.trade(context.Background(), buySetup(), "")

	positions, err := env.broker.OpenPositions(context.Background())
	require.NoError(t, err)
	assert.Empty(t, positions)
	assert.Equal(t, int64(1), env.pipeline.Stats().Rejected)
}

func TestReconcileSettlesWinIntoLearning(t *testing.T) {
	env := newPipelineEnv(t)
	ctx := context.Background()

	recordID, err := env.learning.RecordDetection(ctx, learning.Detection{
		PatternKind: domain.PatternFVG,
		Symbol:      "EURUSD",
		Timeframe:   domain.TimeframeM5,
		Strength:    80,
		Confluence:  70,
	})
	require.NoError(t, err)

	env.pipeline.track(501, &trackedTrade{
		signalID:   "sig-1",
		recordID:   recordID,
		kind:       domain.PatternFVG,
		session:    domain.KillzoneLondon,
		side:       domain.OrderSideBuy,
		entry:      1.1000,
		stop:       1.0950,
		lastPrice:  1.1100,
		lastProfit: 100,
		openedAt:   time.Now().UTC().Add(-time.Hour),
	})

	// ticket 501 is not in the broker book, so it settles as closed
	env.pipeline.reconcilePositions(ctx)

	assert.Zero(t, env.pipeline.Stats().TrackedTrades)

	rec, err := env.learning.Record(ctx, recordID)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, learning.OutcomeWin, rec.ActualOutcome)
	assert.InDelta(t, 2.0, rec.ActualProfitR, 1e-9)

	assert.Equal(t, 1, env.pipeline.SessionStats()[domain.KillzoneLondon].Wins)

	require.Eventually(t, func() bool {
		return len(env.sink.byKind(events.KindTradeOutcome)) == 1
	}, 5*time.Second, 25*time.Millisecond)
	require.Eventually(t, func() bool {
		return len(env.sink.byKind(events.KindPerformanceUpdate)) == 1
	}, 5*time.Second, 25*time.Millisecond)
}

func TestReconcileSettlesLossIntoRiskWindows(t *testing.T) {
	env := newPipelineEnv(t)
	ctx := context.Background()

	env.pipeline.track(502, &trackedTrade{
		signalID:   "sig-2",
		kind:       domain.PatternOrderBlock,
		session:    domain.KillzoneNewYork,
		side:       domain.OrderSideSell,
		entry:      1.2000,
		stop:       1.2050,
		lastPrice:  1.2050,
		lastProfit: -75,
		openedAt:   time.Now().UTC().Add(-30 * time.Minute),
	})

	env.pipeline.reconcilePositions(ctx)

	assert.Zero(t, env.pipeline.Stats().TrackedTrades)
	assert.InDelta(t, 75.0, env.gate.Limits().DailyLoss, 1e-9)
	assert.Equal(t, 0, env.pipeline.SessionStats()[domain.KillzoneNewYork].Wins)
}

func TestReconcileKeepsOpenPositionsTracked(t *testing.T) {
	env := newPipelineEnv(t)
	ctx := context.Background()

	env.broker.SetTick(domain.Tick{Symbol: "EURUSD", Bid: 1.0999, Ask: 1.1001, Time: time.Now().UTC()})
	result, err := env.broker.PlaceOrder(ctx, domain.OrderRequest{
		Symbol: "EURUSD", Side: domain.OrderSideBuy, Volume: 0.1,
	})
	require.NoError(t, err)
	require.True(t, result.Success)

	env.pipeline.track(result.Ticket, &trackedTrade{
		signalID: "sig-3",
		side:     domain.OrderSideBuy,
		entry:    result.ExecutedPrice,
		stop:     1.0950,
	})

	// position is still open: the trade stays tracked with a fresh mark
	env.broker.SetTick(domain.Tick{Symbol: "EURUSD", Bid: 1.1050, Ask: 1.1052, Time: time.Now().UTC()})
	env.pipeline.reconcilePositions(ctx)
	assert.Equal(t, 1, env.pipeline.Stats().TrackedTrades)

	closeResult, err := env.broker.ClosePosition(ctx, result.Ticket)
	require.NoError(t, err)
	require.True(t, closeResult.Success)

	env.pipeline.reconcilePositions(ctx)
	assert.Zero(t, env.pipeline.Stats().TrackedTrades)
}

func TestProfitR(t *testing.T) {
	buy := &trackedTrade{side: domain.OrderSideBuy, entry: 1.1000, stop: 1.0950, lastPrice: 1.1100}
	assert.InDelta(t, 2.0, profitR(buy), 1e-9)

	sell := &trackedTrade{side: domain.OrderSideSell, entry: 1.2000, stop: 1.2050, lastPrice: 1.1900}
	assert.InDelta(t, 2.0, profitR(sell), 1e-9)

	flat := &trackedTrade{side: domain.OrderSideBuy, entry: 1.1, stop: 1.1, lastPrice: 1.2}
	assert.Zero(t, profitR(flat))
}

func TestOutcomeFor(t *testing.T) {
	assert.Equal(t, learning.OutcomeWin, outcomeFor(1.5))
	assert.Equal(t, learning.OutcomeLoss, outcomeFor(-0.8))
	assert.Equal(t, learning.OutcomeBreakeven, outcomeFor(0.03))
	assert.Equal(t, learning.OutcomeBreakeven, outcomeFor(-0.05))
}

func TestRoundLot(t *testing.T) {
	assert.InDelta(t, 0.3, roundLot(0.3), 1e-9)
	assert.InDelta(t, 0.01, roundLot(0.015), 1e-9)
	assert.InDelta(t, 0.0, roundLot(0.009), 1e-9)
	assert.InDelta(t, 2.5, roundLot(2.5), 1e-9)
}
