// Package execution routes approved orders to the broker behind a
// circuit breaker and journals every attempt for audit and dashboards.
package execution

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/ksuid"
	"github.com/sony/gobreaker"

	"github.com/avramidis/strategos/internal/database"
	"github.com/avramidis/strategos/internal/domain"
)

const (
	// Breaker trips after this many consecutive order failures; after
	// breakerCooldown a single half-open probe is allowed through.
	breakerTripThreshold = 3
	breakerCooldown      = 30 * time.Second

	defaultPipSize = 0.0001
	jpyPipSize     = 0.01
)

const journalSchema = `
CREATE TABLE IF NOT EXISTS order_journal (
	id TEXT PRIMARY KEY,
	client_id TEXT NOT NULL,
	symbol TEXT NOT NULL,
	side TEXT NOT NULL,
	volume REAL NOT NULL,
	requested_price REAL NOT NULL DEFAULT 0,
	stop_loss REAL NOT NULL DEFAULT 0,
	take_profit REAL NOT NULL DEFAULT 0,
	comment TEXT NOT NULL DEFAULT '',
	success INTEGER NOT NULL,
	ticket INTEGER NOT NULL DEFAULT 0,
	executed_price REAL NOT NULL DEFAULT 0,
	slippage_pips REAL NOT NULL DEFAULT 0,
	duration_ms INTEGER NOT NULL DEFAULT 0,
	error TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_order_journal_created ON order_journal(created_at DESC);
CREATE INDEX IF NOT EXISTS idx_order_journal_symbol ON order_journal(symbol, created_at DESC);
`

const journalColumns = `id, client_id, symbol, side, volume, requested_price, stop_loss, take_profit, comment, success, ticket, executed_price, slippage_pips, duration_ms, error, created_at`

// JournalEntry is one recorded order attempt.
type JournalEntry struct {
	ID             string    `json:"id"`
	ClientID       string    `json:"client_id"`
	Symbol         string    `json:"symbol"`
	Side           string    `json:"side"`
	Volume         float64   `json:"volume"`
	RequestedPrice float64   `json:"requested_price"`
	StopLoss       float64   `json:"stop_loss"`
	TakeProfit     float64   `json:"take_profit"`
	Comment        string    `json:"comment"`
	Success        bool      `json:"success"`
	Ticket         int64     `json:"ticket"`
	ExecutedPrice  float64   `json:"executed_price"`
	SlippagePips   float64   `json:"slippage_pips"`
	DurationMs     int64     `json:"duration_ms"`
	Error          string    `json:"error,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// Stats summarizes engine activity since start.
type Stats struct {
	Executed     int64  `json:"executed"`
	Rejected     int64  `json:"rejected"`
	Failed       int64  `json:"failed"`
	BreakerState string `json:"breaker_state"`
}

// Engine implements domain.OrderExecutor.
type Engine struct {
	broker  domain.BrokerClient
	db      *database.DB
	breaker *gobreaker.CircuitBreaker
	log     zerolog.Logger

	executed atomic.Int64
	rejected atomic.Int64
	failed   atomic.Int64
}

// New creates the execution engine and initializes the journal schema.
func New(broker domain.BrokerClient, db *database.DB, log zerolog.Logger) (*Engine, error) {
	engineLog := log.With().Str("component", "execution").Logger()

	if _, err := db.Conn().Exec(journalSchema); err != nil {
		return nil, fmt.Errorf("failed to initialize journal schema: %w", err)
	}

	return &Engine{
		broker:  broker,
		db:      db,
		breaker: newBreaker(engineLog, breakerCooldown),
		log:     engineLog,
	}, nil
}

func newBreaker(log zerolog.Logger, cooldown time.Duration) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "order-execution",
		MaxRequests: 1,
		Timeout:     cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerTripThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Order breaker state changed")
		},
	})
}

// ExecuteOrder places the order through the breaker, measures the round
// trip and journals the attempt. A broker-level rejection comes back as
// an unsuccessful result with a nil error; transport and breaker
// failures return the error.
func (e *Engine) ExecuteOrder(ctx context.Context, req domain.OrderRequest) (*domain.ExecutionResult, error) {
	if req.Symbol == "" {
		return nil, fmt.Errorf("order symbol is required")
	}
	if req.Side != domain.OrderSideBuy && req.Side != domain.OrderSideSell {
		return nil, fmt.Errorf("invalid order side: %s", req.Side)
	}
	if req.Volume <= 0 {
		return nil, fmt.Errorf("order volume must be positive, got %f", req.Volume)
	}
	if req.ClientID == "" {
		req.ClientID = "ord_" + ksuid.New().String()
	}

	e.log.Debug().
		Str("client_id", req.ClientID).
		Str("symbol", req.Symbol).
		Str("side", string(req.Side)).
		Float64("volume", req.Volume).
		Msg("Executing order")

	start := time.Now()
	raw, err := e.breaker.Execute(func() (interface{}, error) {
		return e.broker.PlaceOrder(ctx, req)
	})
	duration := time.Since(start)

	if err != nil {
		e.failed.Add(1)
		e.journal(req, &domain.ExecutionResult{
			Success:  false,
			Duration: duration,
			Error:    err.Error(),
		})
		e.log.Error().
			Err(err).
			Str("client_id", req.ClientID).
			Str("symbol", req.Symbol).
			Dur("duration", duration).
			Msg("Order execution failed")
		return nil, fmt.Errorf("failed to execute order: %w", err)
	}

	orderResult := raw.(*domain.OrderResult)
	result := &domain.ExecutionResult{
		Success:       orderResult.Success,
		Ticket:        orderResult.Ticket,
		ExecutedPrice: orderResult.ExecutedPrice,
		SlippagePips:  orderResult.Slippage / pipSize(req.Symbol),
		Duration:      duration,
	}

	if !orderResult.Success {
		e.rejected.Add(1)
		result.Error = orderResult.Message
		e.journal(req, result)
		e.log.Warn().
			Str("client_id", req.ClientID).
			Str("symbol", req.Symbol).
			Str("message", orderResult.Message).
			Msg("Order rejected by broker")
		return result, nil
	}

	e.executed.Add(1)
	e.journal(req, result)
	e.log.Info().
		Str("client_id", req.ClientID).
		Str("symbol", req.Symbol).
		Str("side", string(req.Side)).
		Int64("ticket", result.Ticket).
		Float64("executed_price", result.ExecutedPrice).
		Float64("slippage_pips", result.SlippagePips).
		Dur("duration", duration).
		Msg("Order executed")
	return result, nil
}

// CloseAll flattens every open position. It talks to the broker
// directly: an emergency close must not be throttled by an open order
// breaker. Per-position failures are collected, not fatal.
func (e *Engine) CloseAll(ctx context.Context, reason string) ([]domain.CloseResult, error) {
	positions, err := e.broker.OpenPositions(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list positions for close-all: %w", err)
	}

	e.log.Warn().
		Str("reason", reason).
		Int("positions", len(positions)).
		Msg("Closing all positions")

	results := make([]domain.CloseResult, 0, len(positions))
	closed := 0
	for _, pos := range positions {
		result, err := e.broker.ClosePosition(ctx, pos.Ticket)
		if err != nil {
			e.log.Error().
				Err(err).
				Int64("ticket", pos.Ticket).
				Str("symbol", pos.Symbol).
				Msg("Failed to close position")
			results = append(results, domain.CloseResult{
				Success: false,
				Message: fmt.Sprintf("ticket %d %s: %s", pos.Ticket, pos.Symbol, err.Error()),
			})
			continue
		}
		if result.Success {
			closed++
		}
		// Each result names its position so close-all reports stay
		// readable after the book is gone
		annotated := *result
		annotated.Message = fmt.Sprintf("ticket %d %s: %s", pos.Ticket, pos.Symbol, result.Message)
		results = append(results, annotated)
	}

	e.log.Info().
		Str("reason", reason).
		Int("closed", closed).
		Int("total", len(positions)).
		Msg("Close-all finished")
	return results, nil
}

// RecentOrders returns the newest journal entries, most recent first.
func (e *Engine) RecentOrders(ctx context.Context, limit int) ([]JournalEntry, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT ` + journalColumns + ` FROM order_journal ORDER BY created_at DESC, id DESC LIMIT ?`
	rows, err := e.db.Conn().QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query order journal: %w", err)
	}
	defer rows.Close()

	var entries []JournalEntry
	for rows.Next() {
		var entry JournalEntry
		var success int
		var createdAt int64
		err := rows.Scan(
			&entry.ID, &entry.ClientID, &entry.Symbol, &entry.Side, &entry.Volume,
			&entry.RequestedPrice, &entry.StopLoss, &entry.TakeProfit, &entry.Comment,
			&success, &entry.Ticket, &entry.ExecutedPrice, &entry.SlippagePips,
			&entry.DurationMs, &entry.Error, &createdAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan journal entry: %w", err)
		}
		entry.Success = success == 1
		entry.CreatedAt = time.Unix(createdAt, 0).UTC()
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// BreakerState reports the order breaker state for health endpoints.
func (e *Engine) BreakerState() string {
	return e.breaker.State().String()
}

// Stats returns engine counters.
func (e *Engine) Stats() Stats {
	return Stats{
		Executed:     e.executed.Load(),
		Rejected:     e.rejected.Load(),
		Failed:       e.failed.Load(),
		BreakerState: e.breaker.State().String(),
	}
}

// journal records one attempt. Journal failures are logged, never
// propagated; losing an audit row must not fail a live order.
func (e *Engine) journal(req domain.OrderRequest, result *domain.ExecutionResult) {
	success := 0
	if result.Success {
		success = 1
	}

	_, err := e.db.Conn().Exec(
		`INSERT INTO order_journal (`+journalColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ksuid.New().String(), req.ClientID, req.Symbol, string(req.Side), req.Volume,
		req.Price, req.StopLoss, req.TakeProfit, req.Comment,
		success, result.Ticket, result.ExecutedPrice, result.SlippagePips,
		result.Duration.Milliseconds(), result.Error, time.Now().Unix(),
	)
	if err != nil {
		e.log.Error().Err(err).Str("client_id", req.ClientID).Msg("Failed to journal order")
	}
}

func pipSize(symbol string) float64 {
	if strings.Contains(strings.ToUpper(symbol), "JPY") {
		return jpyPipSize
	}
	return defaultPipSize
}
