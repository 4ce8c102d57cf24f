package domain

import "context"

// BrokerClient is the contract every broker adapter must satisfy.
//
// The core treats the broker as a black-box market data and order routing
// source; adapters (MT5 gateway, paper broker) live in internal/clients.
// Methods that touch the network take a context so shutdown can cancel
// in-flight calls. IsConnected must be cheap and lock-free enough to call
// from health probes.
type BrokerClient interface {
	Connect(ctx context.Context) error
	Disconnect() error
	IsConnected() bool

	AccountInfo(ctx context.Context) (*AccountInfo, error)
	SymbolTick(ctx context.Context, symbol string) (*Tick, error)
	Candles(ctx context.Context, symbol string, timeframe Timeframe, count int) ([]Candle, error)
	OpenPositions(ctx context.Context) ([]Position, error)
	ClosePosition(ctx context.Context, ticket int64) (*CloseResult, error)
	PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResult, error)
}

// OrderExecutor routes approved signals to the broker.
//
// Kept deliberately narrow so the integrator and recovery actions depend on
// order routing without seeing broker or journal internals.
type OrderExecutor interface {
	ExecuteOrder(ctx context.Context, req OrderRequest) (*ExecutionResult, error)
	CloseAll(ctx context.Context, reason string) ([]CloseResult, error)
}

// MarketDataSource is the slice of the broker the analytics pipeline needs.
type MarketDataSource interface {
	SymbolTick(ctx context.Context, symbol string) (*Tick, error)
	Candles(ctx context.Context, symbol string, timeframe Timeframe, count int) ([]Candle, error)
}

// CandleHandler receives closed bars from a live stream. Handlers run on
// the stream's delivery goroutine and must not block.
type CandleHandler func(symbol string, timeframe Timeframe, candle Candle)

// TickHandler receives quotes from a live stream.
type TickHandler func(tick Tick)

// CandleStream is implemented by market data adapters that push closed
// bars. The analysis pipeline triggers off these, never off ticks.
type CandleStream interface {
	OnCandleClose(CandleHandler)
}
