// Package paper provides an in-memory broker used in simulated trading
// mode and in tests. Quotes and bars are scripted by the caller; fills,
// position accounting and mark-to-market follow standard FX lot math.
package paper

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/avramidis/strategos/internal/domain"
)

const (
	leverage = 100.0

	defaultBalance  = 10000.0
	defaultCurrency = "USD"

	firstTicket = 1000
)

// Broker implements domain.BrokerClient against an in-memory book.
type Broker struct {
	log zerolog.Logger

	mu         sync.RWMutex
	connected  bool
	balance    float64
	currency   string
	positions  map[int64]domain.Position
	nextTicket int64
	slippage   float64

	ticks   map[string]domain.Tick
	candles map[string][]domain.Candle

	// Orders carrying a ClientID are answered once; retries replay the
	// original result instead of opening a second position.
	ordersSeen map[string]domain.OrderResult

	connectErr error
	orderErr   error
	dataErr    error

	candleHandlers []domain.CandleHandler
	handlerMu      sync.RWMutex
}

// New creates a paper broker with the default synthetic account.
func New(log zerolog.Logger) *Broker {
	return &Broker{
		log:        log.With().Str("client", "paper").Logger(),
		balance:    defaultBalance,
		currency:   defaultCurrency,
		positions:  make(map[int64]domain.Position),
		nextTicket: firstTicket,
		ticks:      make(map[string]domain.Tick),
		candles:    make(map[string][]domain.Candle),
		ordersSeen: make(map[string]domain.OrderResult),
	}
}

// SetAccount replaces the synthetic account state.
func (b *Broker) SetAccount(balance float64, currency string) {
	b.mu.Lock()
	b.balance = balance
	b.currency = currency
	b.mu.Unlock()
}

// SetSlippage sets the price-unit slippage applied to every fill.
func (b *Broker) SetSlippage(slippage float64) {
	b.mu.Lock()
	b.slippage = slippage
	b.mu.Unlock()
}

// InjectConnectFailure makes Connect fail until cleared with nil.
func (b *Broker) InjectConnectFailure(err error) {
	b.mu.Lock()
	b.connectErr = err
	b.mu.Unlock()
}

// InjectOrderFailure makes PlaceOrder fail until cleared with nil.
func (b *Broker) InjectOrderFailure(err error) {
	b.mu.Lock()
	b.orderErr = err
	b.mu.Unlock()
}

// InjectDataFailure makes market data calls fail until cleared with nil.
func (b *Broker) InjectDataFailure(err error) {
	b.mu.Lock()
	b.dataErr = err
	b.mu.Unlock()
}

// Connect brings the broker online.
func (b *Broker) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.connectErr != nil {
		return fmt.Errorf("failed to connect paper broker: %w", b.connectErr)
	}
	b.connected = true
	b.log.Info().Msg("Paper broker connected")
	return nil
}

// Disconnect takes the broker offline. Open positions survive.
func (b *Broker) Disconnect() error {
	b.mu.Lock()
	b.connected = false
	b.mu.Unlock()
	return nil
}

// IsConnected reports the online flag.
func (b *Broker) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.connected
}

// Ping reports liveness; it fails while the broker is offline so the
// recovery probes see the same surface as the live gateway.
func (b *Broker) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !b.IsConnected() {
		return fmt.Errorf("paper broker is not connected")
	}
	return nil
}

// Reconnect re-runs Connect; the in-memory book has nothing to tear down.
func (b *Broker) Reconnect(ctx context.Context) error {
	return b.Connect(ctx)
}

// SetTick scripts the current quote for a symbol and marks open
// positions of that symbol to market.
func (b *Broker) SetTick(tick domain.Tick) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.ticks[tick.Symbol] = tick

	for ticket, pos := range b.positions {
		if pos.Symbol != tick.Symbol {
			continue
		}
		// Longs are valued at the bid, shorts at the ask.
		if pos.Side == domain.OrderSideBuy {
			pos.CurrentPrice = tick.Bid
			pos.Profit = (tick.Bid - pos.OpenPrice) * pos.Volume * domain.ContractSize
		} else {
			pos.CurrentPrice = tick.Ask
			pos.Profit = (pos.OpenPrice - tick.Ask) * pos.Volume * domain.ContractSize
		}
		b.positions[ticket] = pos
	}
}

// SetCandles replaces the scripted bar series for a symbol and timeframe.
func (b *Broker) SetCandles(symbol string, timeframe domain.Timeframe, candles []domain.Candle) {
	b.mu.Lock()
	b.candles[candleKey(symbol, timeframe)] = append([]domain.Candle(nil), candles...)
	b.mu.Unlock()
}

// OnCandleClose registers a handler for bars emitted via EmitCandle.
func (b *Broker) OnCandleClose(h domain.CandleHandler) {
	b.handlerMu.Lock()
	b.candleHandlers = append(b.candleHandlers, h)
	b.handlerMu.Unlock()
}

// EmitCandle appends a closed bar to the scripted series and fans it out
// to registered handlers, mimicking a live feed delivery.
func (b *Broker) EmitCandle(symbol string, timeframe domain.Timeframe, candle domain.Candle) {
	b.mu.Lock()
	key := candleKey(symbol, timeframe)
	b.candles[key] = append(b.candles[key], candle)
	b.mu.Unlock()

	b.handlerMu.RLock()
	handlers := b.candleHandlers
	b.handlerMu.RUnlock()
	for _, h := range handlers {
		h(symbol, timeframe, candle)
	}
}

// AccountInfo returns the synthetic account marked to market.
func (b *Broker) AccountInfo(ctx context.Context) (*domain.AccountInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.dataErr != nil {
		return nil, fmt.Errorf("failed to get account info: %w", b.dataErr)
	}

	floating := 0.0
	margin := 0.0
	for _, pos := range b.positions {
		floating += pos.Profit
		margin += pos.Volume * domain.ContractSize * pos.OpenPrice / leverage
	}

	equity := b.balance + floating
	info := &domain.AccountInfo{
		Balance:    b.balance,
		Equity:     equity,
		Margin:     margin,
		FreeMargin: equity - margin,
		Currency:   b.currency,
	}
	if margin > 0 {
		info.MarginLevel = equity / margin * 100
	}
	return info, nil
}

// SymbolTick returns the scripted quote for a symbol.
func (b *Broker) SymbolTick(ctx context.Context, symbol string) (*domain.Tick, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.dataErr != nil {
		return nil, fmt.Errorf("failed to get tick for %s: %w", symbol, b.dataErr)
	}

	tick, ok := b.ticks[symbol]
	if !ok {
		return nil, fmt.Errorf("no tick scripted for %s", symbol)
	}
	return &tick, nil
}

// Candles returns the most recent count scripted bars, oldest first.
func (b *Broker) Candles(ctx context.Context, symbol string, timeframe domain.Timeframe, count int) ([]domain.Candle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if count <= 0 {
		return nil, fmt.Errorf("candle count must be positive, got %d", count)
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.dataErr != nil {
		return nil, fmt.Errorf("failed to get candles for %s %s: %w", symbol, timeframe, b.dataErr)
	}

	series := b.candles[candleKey(symbol, timeframe)]
	if len(series) == 0 {
		return nil, fmt.Errorf("no candles scripted for %s %s", symbol, timeframe)
	}

	if count < len(series) {
		series = series[len(series)-count:]
	}
	return append([]domain.Candle(nil), series...), nil
}

// OpenPositions returns the position book ordered by ticket.
func (b *Broker) OpenPositions(ctx context.Context) ([]domain.Position, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	positions := make([]domain.Position, 0, len(b.positions))
	for _, pos := range b.positions {
		positions = append(positions, pos)
	}
	sort.Slice(positions, func(i, j int) bool { return positions[i].Ticket < positions[j].Ticket })
	return positions, nil
}

// ClosePosition removes a position and realizes its profit into the
// balance.
func (b *Broker) ClosePosition(ctx context.Context, ticket int64) (*domain.CloseResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.connected {
		return nil, fmt.Errorf("paper broker is not connected")
	}

	pos, ok := b.positions[ticket]
	if !ok {
		return &domain.CloseResult{Success: false, Message: fmt.Sprintf("position %d not found", ticket)}, nil
	}

	b.balance += pos.Profit
	delete(b.positions, ticket)

	b.log.Info().
		Int64("ticket", ticket).
		Str("symbol", pos.Symbol).
		Float64("profit", pos.Profit).
		Msg("Paper position closed")

	return &domain.CloseResult{
		Success: true,
		Message: fmt.Sprintf("closed with profit %.2f", pos.Profit),
	}, nil
}

// PlaceOrder fills an order against the scripted quote.
func (b *Broker) PlaceOrder(ctx context.Context, req domain.OrderRequest) (*domain.OrderResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if req.Symbol == "" {
		return nil, fmt.Errorf("order symbol is required")
	}
	if req.Side != domain.OrderSideBuy && req.Side != domain.OrderSideSell {
		return nil, fmt.Errorf("invalid order side: %s", req.Side)
	}
	if req.Volume <= 0 {
		return nil, fmt.Errorf("order volume must be positive, got %f", req.Volume)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.connected {
		return nil, fmt.Errorf("paper broker is not connected")
	}
	if b.orderErr != nil {
		return nil, fmt.Errorf("failed to place order: %w", b.orderErr)
	}

	if req.ClientID != "" {
		if prior, ok := b.ordersSeen[req.ClientID]; ok {
			return &prior, nil
		}
	}

	fill, reference, err := b.fillPrice(req)
	if err != nil {
		return nil, err
	}

	ticket := b.nextTicket
	b.nextTicket++

	b.positions[ticket] = domain.Position{
		Ticket:       ticket,
		Symbol:       req.Symbol,
		Side:         req.Side,
		Volume:       req.Volume,
		OpenPrice:    fill,
		CurrentPrice: fill,
		StopLoss:     req.StopLoss,
		TakeProfit:   req.TakeProfit,
		OpenTime:     time.Now().UTC(),
		Comment:      req.Comment,
	}

	result := domain.OrderResult{
		Success:       true,
		Ticket:        ticket,
		ExecutedPrice: fill,
		Slippage:      absF(fill - reference),
		Message:       "filled",
	}
	if req.ClientID != "" {
		b.ordersSeen[req.ClientID] = result
	}

	b.log.Info().
		Int64("ticket", ticket).
		Str("symbol", req.Symbol).
		Str("side", string(req.Side)).
		Float64("volume", req.Volume).
		Float64("fill", fill).
		Msg("Paper order filled")

	return &result, nil
}

// fillPrice resolves the execution price. Market orders need a scripted
// tick; limit-style requests fall back to the requested price.
func (b *Broker) fillPrice(req domain.OrderRequest) (fill, reference float64, err error) {
	tick, ok := b.ticks[req.Symbol]
	if !ok {
		if req.Price > 0 {
			return req.Price, req.Price, nil
		}
		return 0, 0, fmt.Errorf("no market data for %s", req.Symbol)
	}

	if req.Side == domain.OrderSideBuy {
		reference = tick.Ask
		fill = tick.Ask + b.slippage
	} else {
		reference = tick.Bid
		fill = tick.Bid - b.slippage
	}
	return fill, reference, nil
}

func candleKey(symbol string, timeframe domain.Timeframe) string {
	return symbol + ":" + string(timeframe)
}

func absF(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
