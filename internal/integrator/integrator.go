// Package integrator wires the market data feed through the analysis
// stages to the risk gate and order execution.
//
// Every closed bar is queued and picked up by a small worker pool; bars
// for the same (symbol, timeframe) are never analyzed concurrently. The
// pipeline keeps a rolling candle window per key, seeded from broker
// history and healed by refetch when bars go missing. Trade outcomes
// flow back into the learning store, the risk gate's loss windows and
// the session tracker.
package integrator

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/avramidis/strategos/internal/analytics/confluence"
	"github.com/avramidis/strategos/internal/analytics/learning"
	"github.com/avramidis/strategos/internal/analytics/session"
	"github.com/avramidis/strategos/internal/analytics/signal"
	"github.com/avramidis/strategos/internal/analytics/structure"
	"github.com/avramidis/strategos/internal/config"
	"github.com/avramidis/strategos/internal/coordinator"
	"github.com/avramidis/strategos/internal/domain"
	"github.com/avramidis/strategos/internal/events"
	"github.com/avramidis/strategos/internal/metrics"
	"github.com/avramidis/strategos/internal/risk"
)

const (
	pipelineWorkers      = 2
	queueCapacity        = 64
	cycleTimeout         = 30 * time.Second
	positionPollInterval = 15 * time.Second

	// minLot and lotStep match what the bridge accepts
	minLot  = 0.01
	lotStep = 0.01
)

// closeTask is one closed bar waiting for analysis
type closeTask struct {
	symbol    string
	timeframe domain.Timeframe
	candle    domain.Candle
}

// keyState holds the rolling window and in-flight marker for one
// (symbol, timeframe). window is written either by the worker holding
// busy or under keyMu while busy is false.
type keyState struct {
	busy   bool
	window []domain.Candle

	lastPhase   domain.MarketPhase
	lastTrend   domain.TrendDirection
	lastBreakAt time.Time
}

// PriceObserver ingests close series per symbol. Fed from the primary
// timeframe so the correlation oracle sees aligned return windows.
type PriceObserver interface {
	SetPrices(symbol string, closes []float64)
}

// Pipeline drives candle closes through analysis, risk and execution.
// It implements coordinator.Component and is the restart target for the
// stuck-engine recovery action.
type Pipeline struct {
	cfg       config.TradingConfig
	analytics config.AnalyticsConfig

	broker      domain.BrokerClient
	stream      domain.CandleStream
	confluence  *confluence.Engine
	structure   *structure.Intelligence
	synthesizer *signal.Synthesizer
	learning    *learning.System
	gate        *risk.Gate
	executor    domain.OrderExecutor
	bus         *events.Bus
	prom        *metrics.Metrics
	sessions    *session.Tracker
	prices      PriceObserver
	log         zerolog.Logger

	queue chan closeTask

	keyMu sync.Mutex
	keys  map[string]*keyState

	trackMu sync.Mutex
	tracked map[int64]*trackedTrade

	lifeMu     sync.Mutex
	running    atomic.Bool
	subscribed bool
	stopCh     chan struct{}
	cancelWork context.CancelFunc
	wg         sync.WaitGroup

	lastCycle atomic.Int64 // unix nanos of the last completed cycle
	cycles    atomic.Int64
	signals   atomic.Int64
	orders    atomic.Int64
	rejected  atomic.Int64
	dropped   atomic.Int64
}

// Stats is a snapshot of pipeline activity since start
type Stats struct {
	Cycles        int64     `json:"cycles"`
	Signals       int64     `json:"signals"`
	Orders        int64     `json:"orders"`
	Rejected      int64     `json:"rejected"`
	DroppedBars   int64     `json:"dropped_bars"`
	TrackedTrades int       `json:"tracked_trades"`
	LastCycleAt   time.Time `json:"last_cycle_at,omitempty"`
}

func New(
	cfg config.TradingConfig,
	analyticsCfg config.AnalyticsConfig,
	broker domain.BrokerClient,
	stream domain.CandleStream,
	confluenceEngine *confluence.Engine,
	structureIntel *structure.Intelligence,
	synthesizer *signal.Synthesizer,
	learningSystem *learning.System,
	gate *risk.Gate,
	executor domain.OrderExecutor,
	bus *events.Bus,
	prom *metrics.Metrics,
	log zerolog.Logger,
) *Pipeline {
	p := &Pipeline{
		cfg:         cfg,
		analytics:   analyticsCfg,
		broker:      broker,
		stream:      stream,
		confluence:  confluenceEngine,
		structure:   structureIntel,
		synthesizer: synthesizer,
		learning:    learningSystem,
		gate:        gate,
		executor:    executor,
		bus:         bus,
		prom:        prom,
		sessions:    session.NewTracker(),
		log:         log.With().Str("component", "integrator").Logger(),
		queue:       make(chan closeTask, queueCapacity),
		keys:        make(map[string]*keyState),
		tracked:     make(map[int64]*trackedTrade),
	}
	learningSystem.SetInsightHandler(p.publishInsight)
	return p
}

// SetPriceObserver wires a close-price consumer. Call before Start.
func (p *Pipeline) SetPriceObserver(o PriceObserver) {
	p.prices = o
}

// Initialize registers the candle-close subscription. Idempotent so a
// coordinator re-run cannot double-deliver bars.
func (p *Pipeline) Initialize() error {
	p.lifeMu.Lock()
	defer p.lifeMu.Unlock()

	if !p.subscribed {
		p.stream.OnCandleClose(p.handleCandleClose)
		p.subscribed = true
	}
	return nil
}

// Start launches the analysis workers and the outcome monitor
func (p *Pipeline) Start() error {
	p.lifeMu.Lock()
	defer p.lifeMu.Unlock()

	if p.running.Load() {
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.cancelWork = cancel
	p.stopCh = make(chan struct{})
	p.running.Store(true)

	p.wg.Add(pipelineWorkers + 2)
	for i := 0; i < pipelineWorkers; i++ {
		go p.worker(ctx, p.stopCh)
	}
	go p.monitorOutcomes(ctx, p.stopCh)
	go p.warmup(ctx)

	p.log.Info().
		Strs("symbols", p.cfg.Symbols).
		Strs("timeframes", p.cfg.Timeframes).
		Msg("Analysis pipeline started")
	return nil
}

// Stop halts the workers and waits for in-flight cycles to finish
func (p *Pipeline) Stop() error {
	p.lifeMu.Lock()
	defer p.lifeMu.Unlock()

	if !p.running.Load() {
		return nil
	}
	p.running.Store(false)
	close(p.stopCh)
	p.cancelWork()
	p.wg.Wait()

	p.log.Info().Msg("Analysis pipeline stopped")
	return nil
}

// Restart bounces the pipeline and forces every window to reseed from
// broker history. Tracked trades survive so outcomes are not lost.
func (p *Pipeline) Restart(ctx context.Context) error {
	p.log.Warn().Msg("Restarting analysis pipeline")

	if err := p.Stop(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	p.keyMu.Lock()
	p.keys = make(map[string]*keyState)
	p.keyMu.Unlock()

	return p.Start()
}

// HealthCheck reports pipeline liveness and activity counters
func (p *Pipeline) HealthCheck() coordinator.ComponentHealth {
	health := coordinator.ComponentHealth{
		Name:          "integrator",
		State:         coordinator.ComponentRunning,
		Healthy:       true,
		Critical:      true,
		LastHeartbeat: time.Now().UTC(),
		Metrics: map[string]interface{}{
			"cycles":      p.cycles.Load(),
			"signals":     p.signals.Load(),
			"orders":      p.orders.Load(),
			"rejected":    p.rejected.Load(),
			"dropped":     p.dropped.Load(),
			"queue_depth": len(p.queue),
			"tracked":     p.trackedCount(),
		},
	}

	if !p.running.Load() {
		health.State = coordinator.ComponentOffline
		health.Healthy = false
		health.Message = "pipeline not started"
		return health
	}
	if last := p.LastEventAt(); !last.IsZero() {
		health.Metrics["last_cycle_age_sec"] = time.Since(last).Seconds()
	}
	return health
}

// LastEventAt returns when the pipeline last completed a cycle. The
// recovery engine treats prolonged silence as a stuck engine.
func (p *Pipeline) LastEventAt() time.Time {
	nanos := p.lastCycle.Load()
	if nanos == 0 {
		return time.Time{}
	}
	return time.Unix(0, nanos).UTC()
}

// Stats returns a snapshot of pipeline counters
func (p *Pipeline) Stats() Stats {
	return Stats{
		Cycles:        p.cycles.Load(),
		Signals:       p.signals.Load(),
		Orders:        p.orders.Load(),
		Rejected:      p.rejected.Load(),
		DroppedBars:   p.dropped.Load(),
		TrackedTrades: p.trackedCount(),
		LastCycleAt:   p.LastEventAt(),
	}
}

// SessionStats exposes per-killzone signal and win counts
func (p *Pipeline) SessionStats() map[domain.Killzone]domain.SessionStats {
	return p.sessions.Stats()
}

// handleCandleClose runs on the stream's delivery goroutine and must
// not block: the bar is queued or dropped.
func (p *Pipeline) handleCandleClose(symbol string, timeframe domain.Timeframe, candle domain.Candle) {
	if !p.running.Load() {
		return
	}
	select {
	case p.queue <- closeTask{symbol: symbol, timeframe: timeframe, candle: candle}:
	default:
		p.dropped.Add(1)
		p.log.Warn().
			Str("symbol", symbol).
			Str("timeframe", string(timeframe)).
			Msg("Pipeline queue full, dropping bar")
	}
}

func (p *Pipeline) worker(ctx context.Context, stopCh chan struct{}) {
	defer p.wg.Done()
	for {
		select {
		case <-stopCh:
			return
		case task := <-p.queue:
			p.process(ctx, task)
		}
	}
}

// process runs one full cycle for a closed bar. Per-key serialization:
// if the key is already in flight the bar is skipped and recovered by
// the gap backfill on the next close.
func (p *Pipeline) process(ctx context.Context, task closeTask) {
	key := task.symbol + ":" + string(task.timeframe)

	p.keyMu.Lock()
	ks, ok := p.keys[key]
	if !ok {
		ks = &keyState{}
		p.keys[key] = ks
	}
	if ks.busy {
		p.keyMu.Unlock()
		p.log.Debug().Str("key", key).Msg("Analysis already in flight, skipping bar")
		return
	}
	ks.busy = true
	p.keyMu.Unlock()

	defer func() {
		p.keyMu.Lock()
		ks.busy = false
		p.keyMu.Unlock()
	}()

	cycleCtx, cancel := context.WithTimeout(ctx, cycleTimeout)
	defer cancel()

	window := p.extendWindow(cycleCtx, ks, task)
	if len(window) < p.analytics.MinCandles {
		p.log.Debug().
			Str("key", key).
			Int("bars", len(window)).
			Int("need", p.analytics.MinCandles).
			Msg("Window below minimum, waiting for more bars")
		return
	}

	p.runCycle(cycleCtx, ks, task.symbol, task.timeframe, window)

	p.lastCycle.Store(time.Now().UnixNano())
	p.cycles.Add(1)
}

// extendWindow folds the new bar into the key's rolling window,
// refetching history on first sight or after a gap. Returns nil when
// the bar should not trigger a cycle.
func (p *Pipeline) extendWindow(ctx context.Context, ks *keyState, task closeTask) []domain.Candle {
	limit := p.cfg.CandleWindow
	bar := task.candle

	if n := len(ks.window); n > 0 {
		last := ks.window[n-1]
		switch {
		case bar.Time.Equal(last.Time):
			// the bridge re-sends the final revision of a bar
			ks.window[n-1] = bar
			return ks.window
		case bar.Time.Before(last.Time):
			p.log.Debug().
				Str("symbol", task.symbol).
				Time("bar", bar.Time).
				Msg("Discarding out-of-order bar")
			return nil
		case bar.Time.Sub(last.Time) > 2*task.timeframe.Duration():
			// bars went missing while disconnected; rebuild from history
			ks.window = nil
		}
	}

	if len(ks.window) == 0 {
		history, err := p.broker.Candles(ctx, task.symbol, task.timeframe, limit)
		if err != nil {
			p.log.Warn().Err(err).
				Str("symbol", task.symbol).
				Str("timeframe", string(task.timeframe)).
				Msg("Candle backfill failed")
		} else {
			ks.window = history
		}
		if n := len(ks.window); n > 0 {
			last := ks.window[n-1]
			if bar.Time.Equal(last.Time) {
				ks.window[n-1] = bar
				return trimWindow(ks, limit)
			}
			if bar.Time.Before(last.Time) {
				return trimWindow(ks, limit)
			}
		}
	}

	ks.window = append(ks.window, bar)
	return trimWindow(ks, limit)
}

func trimWindow(ks *keyState, limit int) []domain.Candle {
	if limit > 0 && len(ks.window) > limit {
		ks.window = ks.window[len(ks.window)-limit:]
	}
	return ks.window
}

// warmup pre-seeds the candle windows for the configured universe so
// the first live close can already produce a full analysis
func (p *Pipeline) warmup(ctx context.Context) {
	defer p.wg.Done()

	seeded := 0
	for _, symbol := range p.cfg.Symbols {
		for _, tf := range p.cfg.Timeframes {
			if ctx.Err() != nil {
				return
			}
			timeframe := domain.Timeframe(tf)
			history, err := p.broker.Candles(ctx, symbol, timeframe, p.cfg.CandleWindow)
			if err != nil {
				p.log.Debug().Err(err).
					Str("symbol", symbol).
					Str("timeframe", tf).
					Msg("Window warmup skipped")
				continue
			}

			key := symbol + ":" + tf
			p.keyMu.Lock()
			ks, ok := p.keys[key]
			if !ok {
				ks = &keyState{}
				p.keys[key] = ks
			}
			if !ks.busy && len(ks.window) == 0 {
				ks.window = history
				seeded++
			}
			p.keyMu.Unlock()
		}
	}
	if seeded > 0 {
		p.log.Info().Int("windows", seeded).Msg("Candle windows warmed up")
	}
}

func (p *Pipeline) trackedCount() int {
	p.trackMu.Lock()
	defer p.trackMu.Unlock()
	return len(p.tracked)
}
