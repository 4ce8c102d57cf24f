// Package risk is the pre-execution filter. Every tradable signal
// passes through the gate's rule set before it may reach a broker.
package risk

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/avramidis/strategos/internal/config"
	"github.com/avramidis/strategos/internal/domain"
)

// RiskLevel classifies how much of the configured headroom is in use
type RiskLevel string

const (
	RiskLow      RiskLevel = "LOW"
	RiskMedium   RiskLevel = "MEDIUM"
	RiskHigh     RiskLevel = "HIGH"
	RiskCritical RiskLevel = "CRITICAL"
)

// Decision is the gate's verdict on one signal
type Decision struct {
	Approved      bool      `json:"approved"`
	Reason        string    `json:"reason,omitempty"`
	MaxSafeVolume float64   `json:"max_safe_volume"`
	RiskLevel     RiskLevel `json:"risk_level"`
}

// CorrelationOracle estimates the correlation between two symbols
type CorrelationOracle interface {
	Correlation(a, b string) float64
}

// Limits exposes the configured caps and the gate's rolling state
type Limits struct {
	MaxRiskPerTradePct   float64 `json:"max_risk_per_trade_pct"`
	MaxPositions         int     `json:"max_positions"`
	MaxVolumePerSymbol   float64 `json:"max_volume_per_symbol"`
	MaxDrawdownPct       float64 `json:"max_drawdown_pct"`
	CorrelationThreshold float64 `json:"correlation_threshold"`
	DailyLossCap         float64 `json:"daily_loss_cap"`
	WeeklyLossCap        float64 `json:"weekly_loss_cap"`
	MonthlyLossCap       float64 `json:"monthly_loss_cap"`
	PeakEquity           float64 `json:"peak_equity"`
	DailyLoss            float64 `json:"daily_loss"`
	WeeklyLoss           float64 `json:"weekly_loss"`
	MonthlyLoss          float64 `json:"monthly_loss"`
}

// lossWindow accumulates realized losses until its key rolls over
type lossWindow struct {
	key  string
	loss float64
}

func (w *lossWindow) roll(key string) {
	if w.key != key {
		w.key = key
		w.loss = 0
	}
}

// Gate applies the risk rule set. Safe for concurrent callers.
type Gate struct {
	cfg    config.RiskConfig
	oracle CorrelationOracle
	log    zerolog.Logger

	mu         sync.Mutex
	peakEquity float64
	day        lossWindow
	week       lossWindow
	month      lossWindow
}

func NewGate(cfg config.RiskConfig, oracle CorrelationOracle, log zerolog.Logger) *Gate {
	if oracle == nil {
		oracle = SharedCurrencyOracle{}
	}
	return &Gate{
		cfg:    cfg,
		oracle: oracle,
		log:    log.With().Str("component", "risk").Logger(),
	}
}

// Evaluate runs the rule set over one signal. The first violated rule
// rejects; approval carries the largest volume the caps allow.
func (g *Gate) Evaluate(ctx context.Context, sig *domain.TradingSignal, account domain.AccountInfo, positions []domain.Position) (*Decision, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if sig == nil {
		return nil, fmt.Errorf("failed to evaluate risk: signal is required")
	}
	if !sig.Action.IsTradable() {
		return nil, fmt.Errorf("failed to evaluate risk: %s signal is not tradable", sig.Action)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if account.Equity > g.peakEquity {
		g.peakEquity = account.Equity
	}
	now := time.Now().UTC()
	g.rollWindows(now)

	decision := g.evaluateLocked(sig, account, positions)

	if decision.Approved {
		g.log.Info().
			Str("signal_id", sig.ID).
			Str("symbol", sig.Symbol).
			Float64("max_safe_volume", decision.MaxSafeVolume).
			Str("risk_level", string(decision.RiskLevel)).
			Msg("Signal approved")
	} else {
		g.log.Warn().
			Str("signal_id", sig.ID).
			Str("symbol", sig.Symbol).
			Str("reason", decision.Reason).
			Str("risk_level", string(decision.RiskLevel)).
			Msg("Signal rejected")
	}
	return decision, nil
}

func (g *Gate) evaluateLocked(sig *domain.TradingSignal, account domain.AccountInfo, positions []domain.Position) *Decision {
	riskPerUnit := sig.RiskPerUnit()
	if riskPerUnit <= 0 {
		return reject("signal carries no stop distance", RiskHigh)
	}

	if g.peakEquity > 0 && g.cfg.MaxDrawdownPct > 0 {
		drawdown := (g.peakEquity - account.Equity) / g.peakEquity
		if drawdown > g.cfg.MaxDrawdownPct/100 {
			return reject(fmt.Sprintf("drawdown %.2f%% exceeds %.2f%% cap", drawdown*100, g.cfg.MaxDrawdownPct), RiskCritical)
		}
	}

	if g.cfg.DailyLossCap > 0 && g.day.loss >= g.cfg.DailyLossCap {
		return reject(fmt.Sprintf("daily loss %.2f at cap %.2f", g.day.loss, g.cfg.DailyLossCap), RiskCritical)
	}
	if g.cfg.WeeklyLossCap > 0 && g.week.loss >= g.cfg.WeeklyLossCap {
		return reject(fmt.Sprintf("weekly loss %.2f at cap %.2f", g.week.loss, g.cfg.WeeklyLossCap), RiskCritical)
	}
	if g.cfg.MonthlyLossCap > 0 && g.month.loss >= g.cfg.MonthlyLossCap {
		return reject(fmt.Sprintf("monthly loss %.2f at cap %.2f", g.month.loss, g.cfg.MonthlyLossCap), RiskCritical)
	}

	if g.cfg.MaxPositions > 0 && len(positions) >= g.cfg.MaxPositions {
		return reject(fmt.Sprintf("%d positions open at cap %d", len(positions), g.cfg.MaxPositions), RiskHigh)
	}

	if g.cfg.CorrelationThreshold > 0 {
		for _, pos := range positions {
			if c := g.oracle.Correlation(sig.Symbol, pos.Symbol); math.Abs(c) > g.cfg.CorrelationThreshold {
				return reject(fmt.Sprintf("correlation %.2f with open %s exceeds %.2f", c, pos.Symbol, g.cfg.CorrelationThreshold), RiskHigh)
			}
		}
	}

	// budget in lots: currency at risk over currency risked per lot
	maxVolume := account.Equity * g.cfg.MaxRiskPerTradePct / 100 / (riskPerUnit * domain.ContractSize)
	if g.cfg.MaxVolumePerSymbol > 0 {
		var used float64
		for _, pos := range positions {
			if pos.Symbol == sig.Symbol {
				used += pos.Volume
			}
		}
		remaining := g.cfg.MaxVolumePerSymbol - used
		if remaining <= 0 {
			return reject(fmt.Sprintf("symbol volume %.2f at cap %.2f", used, g.cfg.MaxVolumePerSymbol), RiskHigh)
		}
		if maxVolume > remaining {
			maxVolume = remaining
		}
	}
	if maxVolume <= 0 {
		return reject("no volume fits the per-trade risk budget", RiskHigh)
	}

	return &Decision{
		Approved:      true,
		MaxSafeVolume: maxVolume,
		RiskLevel:     g.levelLocked(account, positions),
	}
}

// RecordOutcome folds a realized trade result into the loss windows.
// Profits do not pay back a window, only the calendar does.
func (g *Gate) RecordOutcome(profit float64, at time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()

	at = at.UTC()
	g.day.roll(dayKey(at))
	g.week.roll(weekKey(at))
	g.month.roll(monthKey(at))

	if profit >= 0 {
		return
	}
	loss := -profit
	g.day.loss += loss
	g.week.loss += loss
	g.month.loss += loss

	g.log.Debug().
		Float64("loss", loss).
		Float64("daily_total", g.day.loss).
		Msg("Realized loss recorded")
}

// Limits reports the configured caps and rolling usage
func (g *Gate) Limits() Limits {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rollWindows(time.Now().UTC())

	return Limits{
		MaxRiskPerTradePct:   g.cfg.MaxRiskPerTradePct,
		MaxPositions:         g.cfg.MaxPositions,
		MaxVolumePerSymbol:   g.cfg.MaxVolumePerSymbol,
		MaxDrawdownPct:       g.cfg.MaxDrawdownPct,
		CorrelationThreshold: g.cfg.CorrelationThreshold,
		DailyLossCap:         g.cfg.DailyLossCap,
		WeeklyLossCap:        g.cfg.WeeklyLossCap,
		MonthlyLossCap:       g.cfg.MonthlyLossCap,
		PeakEquity:           g.peakEquity,
		DailyLoss:            g.day.loss,
		WeeklyLoss:           g.week.loss,
		MonthlyLoss:          g.month.loss,
	}
}

func (g *Gate) rollWindows(now time.Time) {
	g.day.roll(dayKey(now))
	g.week.roll(weekKey(now))
	g.month.roll(monthKey(now))
}

// levelLocked grades current headroom usage across the rule families
func (g *Gate) levelLocked(account domain.AccountInfo, positions []domain.Position) RiskLevel {
	var usage float64
	if g.cfg.MaxPositions > 0 {
		usage = math.Max(usage, float64(len(positions))/float64(g.cfg.MaxPositions))
	}
	if g.peakEquity > 0 && g.cfg.MaxDrawdownPct > 0 {
		drawdown := (g.peakEquity - account.Equity) / g.peakEquity
		usage = math.Max(usage, drawdown/(g.cfg.MaxDrawdownPct/100))
	}
	if g.cfg.DailyLossCap > 0 {
		usage = math.Max(usage, g.day.loss/g.cfg.DailyLossCap)
	}

	switch {
	case usage >= 1:
		return RiskCritical
	case usage >= 0.75:
		return RiskHigh
	case usage >= 0.5:
		return RiskMedium
	default:
		return RiskLow
	}
}

func reject(reason string, level RiskLevel) *Decision {
	return &Decision{Approved: false, Reason: reason, RiskLevel: level}
}

func dayKey(t time.Time) string { return t.Format("2006-01-02") }

func weekKey(t time.Time) string {
	year, week := t.ISOWeek()
	return fmt.Sprintf("%d-W%02d", year, week)
}

func monthKey(t time.Time) string { return t.Format("2006-01") }

// SharedCurrencyOracle is the default FX heuristic: pairs sharing a
// currency move together, pairs sharing it on opposite sides move
// against each other
type SharedCurrencyOracle struct{}

func (SharedCurrencyOracle) Correlation(a, b string) float64 {
	a, b = strings.ToUpper(a), strings.ToUpper(b)
	if a == b {
		return 1
	}
	if len(a) < 6 || len(b) < 6 {
		return 0
	}
	aBase, aQuote := a[:3], a[3:6]
	bBase, bQuote := b[:3], b[3:6]
	switch {
	case aBase == bBase && aQuote == bQuote:
		return 1
	case aBase == bQuote && aQuote == bBase:
		return -1
	case aBase == bBase || aQuote == bQuote:
		return 0.6
	case aBase == bQuote || aQuote == bBase:
		return -0.6
	default:
		return 0.1
	}
}
