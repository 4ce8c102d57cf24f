package integrator

import (
	"context"
	"math"
	"time"

	"github.com/avramidis/strategos/internal/analytics/confluence"
	"github.com/avramidis/strategos/internal/analytics/learning"
	"github.com/avramidis/strategos/internal/analytics/session"
	"github.com/avramidis/strategos/internal/analytics/signal"
	"github.com/avramidis/strategos/internal/analytics/structure"
	"github.com/avramidis/strategos/internal/domain"
	"github.com/avramidis/strategos/internal/events"
)

// runCycle executes the five analysis stages for one closed bar:
// confluence, structure, detection recording, synthesis, and the risk
// gate in front of execution. Each stage publishes its event.
func (p *Pipeline) runCycle(ctx context.Context, ks *keyState, symbol string, timeframe domain.Timeframe, window []domain.Candle) {
	if p.prices != nil && len(p.cfg.Timeframes) > 0 && string(timeframe) == p.cfg.Timeframes[0] {
		closes := make([]float64, len(window))
		for i, c := range window {
			closes[i] = c.Close
		}
		p.prices.SetPrices(symbol, closes)
	}

	p.confluence.Invalidate(symbol, timeframe)

	started := time.Now()
	conf, err := p.confluence.Analyze(ctx, symbol, timeframe, window)
	if err != nil {
		p.log.Warn().Err(err).Str("symbol", symbol).Msg("Confluence analysis failed")
		return
	}

	p.bus.PublishData(events.ComponentConfluence, symbol, timeframe, events.PriorityNormal, &events.ConfluenceUpdatedPayload{
		AnalysisID:      conf.ID,
		OverallStrength: conf.OverallStrength,
		MarketBias:      conf.MarketBias,
		PatternCount:    presentCount(conf.Patterns),
		ProcessingMs:    float64(time.Since(started).Microseconds()) / 1000,
	})

	lastClose := window[len(window)-1].Close
	dominant := publishPatterns(p.bus, symbol, timeframe, conf, lastClose)

	st, err := p.structure.Analyze(ctx, symbol, timeframe, window)
	if err != nil {
		p.log.Warn().Err(err).Str("symbol", symbol).Msg("Structure analysis failed")
		return
	}
	p.publishStructure(ks, symbol, timeframe, st)

	recordID := p.recordDetection(ctx, symbol, timeframe, conf, st, dominant)

	setup, err := p.synthesizer.Synthesize(ctx, conf, st)
	if err != nil {
		p.log.Warn().Err(err).Str("symbol", symbol).Msg("Signal synthesis failed")
		return
	}

	switch setup.PrimarySignal {
	case domain.SignalBuy, domain.SignalSell:
		p.trade(ctx, setup, recordID)
	case domain.SignalAvoid:
		p.bus.PublishData(events.ComponentSynthesizer, symbol, timeframe, events.PriorityNormal, &events.SignalGeneratedPayload{
			SignalID:   setup.ID,
			Action:     domain.SignalAvoid,
			Confidence: setup.Strength / 100,
			Reason:     setup.Reason,
		})
	default:
		p.log.Debug().
			Str("symbol", symbol).
			Str("timeframe", string(timeframe)).
			Str("reason", setup.Reason).
			Msg("No tradable setup")
	}
}

func presentCount(patterns []confluence.PatternConfluence) int {
	n := 0
	for _, pat := range patterns {
		if pat.Present {
			n++
		}
	}
	return n
}

// publishPatterns emits a PatternDetected event per present pattern and
// returns the strongest one
func publishPatterns(bus *events.Bus, symbol string, timeframe domain.Timeframe, conf *confluence.Analysis, lastClose float64) *confluence.PatternConfluence {
	var dominant *confluence.PatternConfluence
	for i := range conf.Patterns {
		pat := &conf.Patterns[i]
		if !pat.Present {
			continue
		}
		bus.PublishData(events.ComponentConfluence, symbol, timeframe, events.PriorityNormal, &events.PatternDetectedPayload{
			PatternKind:     pat.Kind,
			Strength:        pat.Score,
			ConfluenceScore: conf.OverallStrength,
			Direction:       pat.Bias,
			Price:           lastClose,
		})
		if dominant == nil || pat.Score > dominant.Score {
			dominant = pat
		}
	}
	return dominant
}

// publishStructure emits a StructureChange event when the phase, trend
// or latest break differs from the previous cycle on this key
func (p *Pipeline) publishStructure(ks *keyState, symbol string, timeframe domain.Timeframe, st *structure.Analysis) {
	var breakAt time.Time
	breakKind := ""
	level := 0.0
	if n := len(st.RecentBreaks); n > 0 {
		br := st.RecentBreaks[n-1]
		breakAt = br.Time
		level = br.Level
		breakKind = "BOS"
		against := (br.Direction == domain.BiasBullish && st.TrendDirection == domain.TrendBearish) ||
			(br.Direction == domain.BiasBearish && st.TrendDirection == domain.TrendBullish)
		if against {
			breakKind = "CHoCH"
		}
	}

	changed := st.CurrentPhase != ks.lastPhase ||
		st.TrendDirection != ks.lastTrend ||
		(!breakAt.IsZero() && !breakAt.Equal(ks.lastBreakAt))

	ks.lastPhase = st.CurrentPhase
	ks.lastTrend = st.TrendDirection
	if !breakAt.IsZero() {
		ks.lastBreakAt = breakAt
	}
	if !changed {
		return
	}

	p.bus.PublishData(events.ComponentStructure, symbol, timeframe, events.PriorityNormal, &events.StructureChangePayload{
		AnalysisID:      st.ID,
		Phase:           st.CurrentPhase,
		Trend:           st.TrendDirection,
		BreakKind:       breakKind,
		Level:           level,
		PhaseConfidence: st.PhaseConfidence,
	})
}

// recordDetection snapshots the strongest present pattern into the
// learning store so its outcome can be scored later
func (p *Pipeline) recordDetection(ctx context.Context, symbol string, timeframe domain.Timeframe, conf *confluence.Analysis, st *structure.Analysis, dominant *confluence.PatternConfluence) string {
	if dominant == nil {
		return ""
	}

	recordID, err := p.learning.RecordDetection(ctx, learning.Detection{
		PatternKind: dominant.Kind,
		Symbol:      symbol,
		Timeframe:   timeframe,
		Strength:    dominant.Score,
		Confluence:  conf.OverallStrength,
		Context: map[string]interface{}{
			"trend":   string(st.TrendDirection),
			"phase":   string(st.CurrentPhase),
			"session": string(session.Current(time.Now().UTC())),
		},
	})
	if err != nil {
		p.log.Warn().Err(err).Str("symbol", symbol).Msg("Failed to record pattern detection")
		return ""
	}
	return recordID
}

// trade runs a tradable setup through the risk gate and, if approved,
// routes the order and starts tracking the position for its outcome
func (p *Pipeline) trade(ctx context.Context, setup *signal.TradeSetup, recordID string) {
	kz := session.Current(time.Now().UTC())
	sig := setup.Signal(kz)
	p.sessions.RecordSignal(kz)
	p.signals.Add(1)

	account, err := p.broker.AccountInfo(ctx)
	if err != nil {
		p.rejectSignal(sig, setup.Timeframe, "account state unavailable")
		p.log.Warn().Err(err).Str("symbol", sig.Symbol).Msg("Skipping signal, account state unavailable")
		return
	}
	positions, err := p.broker.OpenPositions(ctx)
	if err != nil {
		p.rejectSignal(sig, setup.Timeframe, "open positions unavailable")
		p.log.Warn().Err(err).Str("symbol", sig.Symbol).Msg("Skipping signal, open positions unavailable")
		return
	}

	decision, err := p.gate.Evaluate(ctx, sig, *account, positions)
	if err != nil {
		p.log.Warn().Err(err).Str("symbol", sig.Symbol).Msg("Risk evaluation failed")
		return
	}
	if !decision.Approved {
		p.rejectSignal(sig, setup.Timeframe, decision.Reason)
		p.log.Info().
			Str("symbol", sig.Symbol).
			Str("action", string(sig.Action)).
			Str("reason", decision.Reason).
			Msg("Signal rejected by risk gate")
		return
	}

	volume := roundLot(decision.MaxSafeVolume)
	if volume < minLot {
		p.rejectSignal(sig, setup.Timeframe, "approved volume below broker minimum")
		return
	}

	p.prom.SignalsApproved.Inc()
	p.bus.PublishData(events.ComponentSynthesizer, sig.Symbol, setup.Timeframe, events.PriorityImmediate, &events.SignalGeneratedPayload{
		SignalID:   sig.ID,
		Action:     sig.Action,
		Entry:      sig.Entry,
		StopLoss:   sig.StopLoss,
		TakeProfit: sig.TakeProfit,
		Confidence: sig.Confidence,
		RewardRisk: setup.RewardRisk,
	})

	result, err := p.executor.ExecuteOrder(ctx, domain.OrderRequest{
		ClientID:   sig.ID,
		Symbol:     sig.Symbol,
		Side:       sideFor(sig.Action),
		Volume:     volume,
		StopLoss:   sig.StopLoss,
		TakeProfit: sig.TakeProfit,
		Comment:    string(setup.PatternKind),
	})
	if err != nil {
		p.prom.OrdersExecuted.WithLabelValues("failed").Inc()
		p.log.Error().Err(err).Str("symbol", sig.Symbol).Msg("Order execution failed")
		return
	}
	if !result.Success {
		p.prom.OrdersExecuted.WithLabelValues("rejected").Inc()
		return
	}

	p.prom.OrdersExecuted.WithLabelValues("executed").Inc()
	p.orders.Add(1)
	p.track(result.Ticket, &trackedTrade{
		signalID:  sig.ID,
		recordID:  recordID,
		kind:      setup.PatternKind,
		session:   kz,
		side:      sideFor(sig.Action),
		entry:     result.ExecutedPrice,
		stop:      sig.StopLoss,
		lastPrice: result.ExecutedPrice,
		openedAt:  time.Now().UTC(),
	})

	p.log.Info().
		Str("symbol", sig.Symbol).
		Str("action", string(sig.Action)).
		Int64("ticket", result.Ticket).
		Float64("volume", volume).
		Float64("entry", result.ExecutedPrice).
		Msg("Signal executed")
}

// rejectSignal publishes the rejection so dashboards see the signal
// that never traded
func (p *Pipeline) rejectSignal(sig *domain.TradingSignal, timeframe domain.Timeframe, reason string) {
	p.rejected.Add(1)
	p.prom.SignalsRejected.Inc()
	p.bus.PublishData(events.ComponentRiskGate, sig.Symbol, timeframe, events.PriorityHigh, &events.SignalGeneratedPayload{
		SignalID:   sig.ID,
		Action:     domain.SignalRejected,
		Entry:      sig.Entry,
		StopLoss:   sig.StopLoss,
		TakeProfit: sig.TakeProfit,
		Confidence: sig.Confidence,
		Reason:     reason,
	})
}

func sideFor(action domain.SignalAction) domain.OrderSide {
	if action == domain.SignalSell {
		return domain.OrderSideSell
	}
	return domain.OrderSideBuy
}

// roundLot floors to the broker's volume step
func roundLot(v float64) float64 {
	return math.Floor(v/lotStep+1e-6) * lotStep
}
