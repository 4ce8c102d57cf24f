package integrator

import (
	"context"
	"math"
	"strings"
	"time"

	"github.com/avramidis/strategos/internal/analytics/learning"
	"github.com/avramidis/strategos/internal/domain"
	"github.com/avramidis/strategos/internal/events"
)

// breakevenBandR is the |R| band inside which a settled trade counts as
// breakeven rather than a win or loss
const breakevenBandR = 0.05

// trackedTrade links an open ticket back to the signal and learning
// record that produced it. lastPrice and lastProfit are refreshed on
// every position poll so the settlement that follows the close uses the
// freshest mark the broker showed us.
type trackedTrade struct {
	signalID   string
	recordID   string
	kind       domain.PatternKind
	session    domain.Killzone
	side       domain.OrderSide
	entry      float64
	stop       float64
	lastPrice  float64
	lastProfit float64
	openedAt   time.Time
}

func (p *Pipeline) track(ticket int64, trade *trackedTrade) {
	p.trackMu.Lock()
	p.tracked[ticket] = trade
	p.trackMu.Unlock()
}

// monitorOutcomes polls the broker's open positions and settles tracked
// trades that have left the book
func (p *Pipeline) monitorOutcomes(ctx context.Context, stopCh chan struct{}) {
	defer p.wg.Done()

	ticker := time.NewTicker(positionPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			p.reconcilePositions(ctx)
		}
	}
}

func (p *Pipeline) reconcilePositions(ctx context.Context) {
	if p.trackedCount() == 0 {
		return
	}

	pollCtx, cancel := context.WithTimeout(ctx, positionPollInterval)
	defer cancel()

	positions, err := p.broker.OpenPositions(pollCtx)
	if err != nil {
		p.log.Debug().Err(err).Msg("Position poll failed")
		return
	}

	open := make(map[int64]domain.Position, len(positions))
	for _, pos := range positions {
		open[pos.Ticket] = pos
	}

	type closedTrade struct {
		ticket int64
		trade  *trackedTrade
	}
	var closed []closedTrade

	p.trackMu.Lock()
	for ticket, trade := range p.tracked {
		if pos, ok := open[ticket]; ok {
			trade.lastPrice = pos.CurrentPrice
			trade.lastProfit = pos.Profit
			continue
		}
		closed = append(closed, closedTrade{ticket: ticket, trade: trade})
		delete(p.tracked, ticket)
	}
	p.trackMu.Unlock()

	for _, c := range closed {
		p.settle(ctx, c.ticket, c.trade)
	}
}

// settle feeds a closed trade back into the learning store, the risk
// gate's loss windows and the session tracker, then publishes the
// outcome and the refreshed pattern performance
func (p *Pipeline) settle(ctx context.Context, ticket int64, trade *trackedTrade) {
	r := profitR(trade)
	outcome := outcomeFor(r)
	win := outcome == learning.OutcomeWin

	p.sessions.RecordOutcome(trade.session, win)
	p.gate.RecordOutcome(trade.lastProfit, time.Now().UTC())

	if trade.recordID != "" {
		if err := p.learning.UpdateOutcome(ctx, trade.recordID, outcome, r, ""); err != nil {
			p.log.Warn().Err(err).
				Str("record_id", trade.recordID).
				Int64("ticket", ticket).
				Msg("Failed to record trade outcome")
		}
	}

	p.bus.PublishData(events.ComponentIntegrator, "", "", events.PriorityHigh, &events.TradeOutcomePayload{
		SignalID:    trade.signalID,
		Ticket:      ticket,
		Outcome:     strings.ToLower(string(outcome)),
		ProfitR:     r,
		DurationSec: time.Since(trade.openedAt).Seconds(),
	})

	if perf, err := p.learning.Performance(ctx, trade.kind); err == nil && perf != nil {
		p.bus.PublishData(events.ComponentLearning, "", "", events.PriorityNormal, &events.PerformanceUpdatePayload{
			PatternKind:  perf.PatternKind,
			Occurrences:  perf.Samples,
			WinRate:      perf.WinRate,
			ProfitFactor: perf.ProfitFactor,
			Expectancy:   perf.Expectancy,
			Confidence:   perf.ConfidenceScore,
		})
	}

	p.log.Info().
		Int64("ticket", ticket).
		Str("outcome", string(outcome)).
		Float64("profit_r", r).
		Float64("profit", trade.lastProfit).
		Msg("Trade settled")
}

// profitR converts the last observed price into R multiples of the
// initial stop distance
func profitR(trade *trackedTrade) float64 {
	riskDist := math.Abs(trade.entry - trade.stop)
	if riskDist == 0 {
		return 0
	}
	move := trade.lastPrice - trade.entry
	if trade.side == domain.OrderSideSell {
		move = -move
	}
	return move / riskDist
}

func outcomeFor(r float64) learning.Outcome {
	switch {
	case r > breakevenBandR:
		return learning.OutcomeWin
	case r < -breakevenBandR:
		return learning.OutcomeLoss
	default:
		return learning.OutcomeBreakeven
	}
}

// publishInsight forwards learning insights to the bus
func (p *Pipeline) publishInsight(insight learning.Insight) {
	p.bus.PublishData(events.ComponentLearning, "", "", events.PriorityHigh, &events.LearningInsightPayload{
		PatternKind: insight.PatternKind,
		InsightKind: insight.Recommendation,
		Message:     insight.Reason,
		Confidence:  insight.WinRate,
	})
}
