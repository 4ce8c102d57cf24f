// Package domain provides core domain models and types.
package domain

import "time"

// Timeframe represents a chart timeframe
type Timeframe string

const (
	TimeframeM1  Timeframe = "M1"
	TimeframeM5  Timeframe = "M5"
	TimeframeM15 Timeframe = "M15"
	TimeframeM30 Timeframe = "M30"
	TimeframeH1  Timeframe = "H1"
	TimeframeH4  Timeframe = "H4"
	TimeframeD1  Timeframe = "D1"
	TimeframeW1  Timeframe = "W1"
)

// Duration returns the bar duration of the timeframe.
// Unknown timeframes default to one hour.
func (tf Timeframe) Duration() time.Duration {
	switch tf {
	case TimeframeM1:
		return time.Minute
	case TimeframeM5:
		return 5 * time.Minute
	case TimeframeM15:
		return 15 * time.Minute
	case TimeframeM30:
		return 30 * time.Minute
	case TimeframeH1:
		return time.Hour
	case TimeframeH4:
		return 4 * time.Hour
	case TimeframeD1:
		return 24 * time.Hour
	case TimeframeW1:
		return 7 * 24 * time.Hour
	}
	return time.Hour
}

// Candle represents a single OHLCV bar
type Candle struct {
	Time   time.Time `json:"time"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume float64   `json:"volume"`
}

// Tick represents a single price quote
type Tick struct {
	Symbol string    `json:"symbol"`
	Bid    float64   `json:"bid"`
	Ask    float64   `json:"ask"`
	Last   float64   `json:"last"`
	Time   time.Time `json:"time"`
}

// Spread returns the bid/ask spread
func (t Tick) Spread() float64 {
	return t.Ask - t.Bid
}

// AccountInfo represents broker account state
type AccountInfo struct {
	Balance     float64 `json:"balance"`
	Equity      float64 `json:"equity"`
	Margin      float64 `json:"margin"`
	FreeMargin  float64 `json:"free_margin"`
	MarginLevel float64 `json:"margin_level"` // Percent; 0 when no margin used
	Currency    string  `json:"currency"`
}

// OrderSide represents the direction of an order or position
type OrderSide string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"
)

// ContractSize is the base-currency units behind one lot. Volume is
// expressed in lots everywhere in the system.
const ContractSize = 100000.0

// Position represents an open trading position
type Position struct {
	Ticket       int64     `json:"ticket"`
	Symbol       string    `json:"symbol"`
	Side         OrderSide `json:"side"`
	Volume       float64   `json:"volume"`
	OpenPrice    float64   `json:"open_price"`
	CurrentPrice float64   `json:"current_price"`
	StopLoss     float64   `json:"stop_loss"`
	TakeProfit   float64   `json:"take_profit"`
	Profit       float64   `json:"profit"`
	OpenTime     time.Time `json:"open_time"`
	Comment      string    `json:"comment"`
}

// OrderRequest represents a request to open a position
type OrderRequest struct {
	ClientID   string    `json:"client_id"` // Caller-supplied idempotency key
	Symbol     string    `json:"symbol"`
	Side       OrderSide `json:"side"`
	Volume     float64   `json:"volume"`
	Price      float64   `json:"price"` // 0 means market
	StopLoss   float64   `json:"stop_loss"`
	TakeProfit float64   `json:"take_profit"`
	Comment    string    `json:"comment"`
}

// OrderResult represents the broker's response to PlaceOrder
type OrderResult struct {
	Success       bool    `json:"success"`
	Ticket        int64   `json:"ticket"`
	ExecutedPrice float64 `json:"executed_price"`
	Slippage      float64 `json:"slippage"`
	Message       string  `json:"message"`
}

// CloseResult represents the broker's response to ClosePosition
type CloseResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// ExecutionResult represents the outcome of a routed order
type ExecutionResult struct {
	Success       bool          `json:"success"`
	Ticket        int64         `json:"ticket"`
	ExecutedPrice float64       `json:"executed_price"`
	SlippagePips  float64       `json:"slippage_pips"`
	Duration      time.Duration `json:"duration"`
	Error         string        `json:"error,omitempty"`
}

// SignalAction represents what a synthesized signal tells the trader to do
type SignalAction string

const (
	SignalBuy      SignalAction = "BUY"
	SignalSell     SignalAction = "SELL"
	SignalWait     SignalAction = "WAIT"
	SignalAvoid    SignalAction = "AVOID"
	SignalRejected SignalAction = "REJECTED" // Set by the risk gate, never by the synthesizer
)

// IsTradable reports whether the action requests an order
func (a SignalAction) IsTradable() bool {
	return a == SignalBuy || a == SignalSell
}

// TradingSignal represents an actionable trade instruction.
// It is only emitted to execution after risk gate approval.
type TradingSignal struct {
	ID          string       `json:"id"`
	Symbol      string       `json:"symbol"`
	Action      SignalAction `json:"action"`
	Entry       float64      `json:"entry"`
	StopLoss    float64      `json:"stop_loss"`
	TakeProfit  float64      `json:"take_profit"`
	Confidence  float64      `json:"confidence"` // 0..1
	PatternKind PatternKind  `json:"pattern_kind"`
	Session     Killzone     `json:"session"`
	Timestamp   time.Time    `json:"timestamp"`
}

// RiskPerUnit returns the absolute price distance risked per volume unit
func (s TradingSignal) RiskPerUnit() float64 {
	d := s.Entry - s.StopLoss
	if d < 0 {
		d = -d
	}
	return d
}
