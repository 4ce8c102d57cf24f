package gateway

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/avramidis/strategos/internal/domain"
)

// Feed frame types pushed by the bridge over the websocket.
const (
	frameTick   = "tick"
	frameCandle = "candle"
)

// bridgeResponse is the envelope every REST endpoint of the bridge returns.
type bridgeResponse struct {
	Success   bool            `json:"success"`
	Data      json.RawMessage `json:"data"`
	Error     *string         `json:"error"`
	Timestamp string          `json:"timestamp"`
}

// subscribeRequest is the JSON control message sent after the websocket
// upgrade. Data frames flow back msgpack-encoded.
type subscribeRequest struct {
	Op       string   `json:"op"`
	Channels []string `json:"channels"`
}

// feedFrame is the msgpack envelope of every binary frame on the feed.
// Data is decoded a second time according to Type.
type feedFrame struct {
	Type string             `msgpack:"type"`
	Data msgpack.RawMessage `msgpack:"data"`
}

// tickPayload carries a quote. The bridge timestamps ticks in epoch
// milliseconds (MT5 exposes time_msc on ticks).
type tickPayload struct {
	Symbol string  `json:"symbol" msgpack:"symbol"`
	Bid    float64 `json:"bid" msgpack:"bid"`
	Ask    float64 `json:"ask" msgpack:"ask"`
	Last   float64 `json:"last" msgpack:"last"`
	TimeMs int64   `json:"time_ms" msgpack:"time_ms"`
}

func (p tickPayload) toDomain() domain.Tick {
	return domain.Tick{
		Symbol: p.Symbol,
		Bid:    p.Bid,
		Ask:    p.Ask,
		Last:   p.Last,
		Time:   time.UnixMilli(p.TimeMs).UTC(),
	}
}

// candlePayload carries one OHLCV bar. Bar open time is epoch seconds,
// matching MT5 rate arrays. Closed is only meaningful on feed frames:
// the bridge streams forming bars too and flags the final update.
type candlePayload struct {
	Symbol    string  `json:"symbol" msgpack:"symbol"`
	Timeframe string  `json:"timeframe" msgpack:"timeframe"`
	Time      int64   `json:"time" msgpack:"time"`
	Open      float64 `json:"open" msgpack:"open"`
	High      float64 `json:"high" msgpack:"high"`
	Low       float64 `json:"low" msgpack:"low"`
	Close     float64 `json:"close" msgpack:"close"`
	Volume    float64 `json:"volume" msgpack:"volume"`
	Closed    bool    `json:"closed" msgpack:"closed"`
}

func (p candlePayload) toDomain() domain.Candle {
	return domain.Candle{
		Time:   time.Unix(p.Time, 0).UTC(),
		Open:   p.Open,
		High:   p.High,
		Low:    p.Low,
		Close:  p.Close,
		Volume: p.Volume,
	}
}

// positionPayload is an open position as the bridge reports it.
type positionPayload struct {
	Ticket       int64   `json:"ticket"`
	Symbol       string  `json:"symbol"`
	Side         string  `json:"side"`
	Volume       float64 `json:"volume"`
	OpenPrice    float64 `json:"open_price"`
	CurrentPrice float64 `json:"current_price"`
	StopLoss     float64 `json:"stop_loss"`
	TakeProfit   float64 `json:"take_profit"`
	Profit       float64 `json:"profit"`
	OpenTime     int64   `json:"open_time"`
	Comment      string  `json:"comment"`
}

func (p positionPayload) toDomain() (domain.Position, error) {
	side := domain.OrderSide(p.Side)
	if side != domain.OrderSideBuy && side != domain.OrderSideSell {
		return domain.Position{}, fmt.Errorf("unknown position side %q for ticket %d", p.Side, p.Ticket)
	}
	return domain.Position{
		Ticket:       p.Ticket,
		Symbol:       p.Symbol,
		Side:         side,
		Volume:       p.Volume,
		OpenPrice:    p.OpenPrice,
		CurrentPrice: p.CurrentPrice,
		StopLoss:     p.StopLoss,
		TakeProfit:   p.TakeProfit,
		Profit:       p.Profit,
		OpenTime:     time.Unix(p.OpenTime, 0).UTC(),
		Comment:      p.Comment,
	}, nil
}

func transformCandles(payloads []candlePayload) []domain.Candle {
	candles := make([]domain.Candle, 0, len(payloads))
	for _, p := range payloads {
		candles = append(candles, p.toDomain())
	}
	return candles
}

func transformPositions(payloads []positionPayload) ([]domain.Position, error) {
	positions := make([]domain.Position, 0, len(payloads))
	for _, p := range payloads {
		pos, err := p.toDomain()
		if err != nil {
			return nil, err
		}
		positions = append(positions, pos)
	}
	return positions, nil
}
