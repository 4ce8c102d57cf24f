// Package gateway provides the broker adapter for a local MetaTrader 5
// bridge process: REST control plane plus a msgpack websocket feed.
package gateway

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/avramidis/strategos/internal/config"
	"github.com/avramidis/strategos/internal/domain"
)

// Client speaks to the MT5 bridge. Orders, positions and account state go
// over REST; quotes and candle closes arrive on the websocket feed, with
// REST as the fallback when the feed has no fresh data.
type Client struct {
	cfg        config.GatewayConfig
	httpClient *http.Client
	feed       *Feed
	log        zerolog.Logger

	mu        sync.RWMutex
	connected bool
}

// createHTTP1Client builds an HTTP client pinned to HTTP/1.1.
// The websocket upgrade handshake requires HTTP/1.1; proxies in front of
// the bridge would otherwise negotiate HTTP/2 via TLS ALPN. No client
// timeout is set; REST calls carry their budget on the request context.
func createHTTP1Client() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   30 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSClientConfig: &tls.Config{
				NextProtos: []string{"http/1.1"},
			},
			ForceAttemptHTTP2: false,
		},
	}
}

// New creates a gateway client from configuration. Connect must be called
// before any market data or trading method.
func New(cfg config.GatewayConfig, log zerolog.Logger) *Client {
	httpClient := createHTTP1Client()
	clientLog := log.With().Str("client", "gateway").Logger()
	return &Client{
		cfg:        cfg,
		httpClient: httpClient,
		feed:       newFeed(cfg.WSURL, cfg.AuthToken, httpClient, clientLog),
		log:        clientLog,
	}
}

// Feed exposes the live stream for candle-close and tick subscriptions.
func (c *Client) Feed() *Feed {
	return c.feed
}

// Connect verifies the bridge is reachable and starts the feed. A feed
// dial failure is not fatal here; the feed keeps retrying in the
// background and IsConnected stays false until it comes up.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.RLock()
	already := c.connected
	c.mu.RUnlock()
	if already {
		return nil
	}

	c.log.Info().Str("base_url", c.cfg.BaseURL).Msg("Connecting to MT5 bridge")

	if err := c.do(ctx, http.MethodGet, "/api/health", nil, nil); err != nil {
		return fmt.Errorf("bridge health check failed: %w", err)
	}

	if err := c.feed.Start(); err != nil {
		c.log.Warn().Err(err).Msg("Feed start failed, reconnecting in background")
	}

	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()

	c.log.Info().Msg("Connected to MT5 bridge")
	return nil
}

// Disconnect stops the feed and marks the client unusable until the next
// Connect.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	wasConnected := c.connected
	c.connected = false
	c.mu.Unlock()

	if !wasConnected {
		return nil
	}

	c.log.Info().Msg("Disconnecting from MT5 bridge")
	return c.feed.Stop()
}

// IsConnected reports whether both the control plane and the feed are up.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	connected := c.connected
	c.mu.RUnlock()
	return connected && c.feed.IsConnected()
}

// FeedStale reports whether the live stream has gone quiet. Used by the
// market data health probe alongside IsConnected.
func (c *Client) FeedStale() bool {
	return c.feed.IsStale()
}

// Ping is the no-op bridge operation used as a liveness probe.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.do(ctx, http.MethodGet, "/api/health", nil, nil); err != nil {
		return fmt.Errorf("bridge ping failed: %w", err)
	}
	return nil
}

// Reconnect tears the connection down and dials the bridge again. Wired
// to the broker-reconnect recovery action.
func (c *Client) Reconnect(ctx context.Context) error {
	if err := c.Disconnect(); err != nil {
		c.log.Warn().Err(err).Msg("Disconnect before reconnect failed")
	}
	return c.Connect(ctx)
}

// AccountInfo fetches current balance, equity and margin state.
func (c *Client) AccountInfo(ctx context.Context) (*domain.AccountInfo, error) {
	var info domain.AccountInfo
	if err := c.do(ctx, http.MethodGet, "/api/account", nil, &info); err != nil {
		return nil, fmt.Errorf("failed to get account info: %w", err)
	}
	return &info, nil
}

// SymbolTick returns the latest quote, served from the feed cache when
// fresh and fetched over REST otherwise.
func (c *Client) SymbolTick(ctx context.Context, symbol string) (*domain.Tick, error) {
	if tick, ok := c.feed.Tick(symbol); ok && time.Since(tick.Time) <= tickStaleThreshold {
		return &tick, nil
	}

	var payload tickPayload
	if err := c.do(ctx, http.MethodGet, "/api/tick/"+symbol, nil, &payload); err != nil {
		return nil, fmt.Errorf("failed to get tick for %s: %w", symbol, err)
	}

	tick := payload.toDomain()
	c.feed.handleTick(tick)
	return &tick, nil
}

// Candles fetches the most recent count bars, oldest first.
func (c *Client) Candles(ctx context.Context, symbol string, timeframe domain.Timeframe, count int) ([]domain.Candle, error) {
	if count <= 0 {
		return nil, fmt.Errorf("candle count must be positive, got %d", count)
	}

	path := fmt.Sprintf("/api/candles/%s?timeframe=%s&count=%d", symbol, timeframe, count)
	var payloads []candlePayload
	if err := c.do(ctx, http.MethodGet, path, nil, &payloads); err != nil {
		return nil, fmt.Errorf("failed to get candles for %s %s: %w", symbol, timeframe, err)
	}

	return transformCandles(payloads), nil
}

// OpenPositions lists every position currently open at the broker.
func (c *Client) OpenPositions(ctx context.Context) ([]domain.Position, error) {
	var payloads []positionPayload
	if err := c.do(ctx, http.MethodGet, "/api/positions", nil, &payloads); err != nil {
		return nil, fmt.Errorf("failed to get open positions: %w", err)
	}

	positions, err := transformPositions(payloads)
	if err != nil {
		return nil, fmt.Errorf("failed to transform positions: %w", err)
	}
	return positions, nil
}

// ClosePosition closes one position by ticket.
func (c *Client) ClosePosition(ctx context.Context, ticket int64) (*domain.CloseResult, error) {
	var result domain.CloseResult
	path := fmt.Sprintf("/api/positions/%d/close", ticket)
	if err := c.do(ctx, http.MethodPost, path, nil, &result); err != nil {
		return nil, fmt.Errorf("failed to close position %d: %w", ticket, err)
	}

	c.log.Info().
		Int64("ticket", ticket).
		Bool("success", result.Success).
		Str("message", result.Message).
		Msg("Position close requested")
	return &result, nil
}

// PlaceOrder submits an order to the bridge. The caller-supplied ClientID
// lets the bridge deduplicate retried submissions.
func (c *Client) PlaceOrder(ctx context.Context, req domain.OrderRequest) (*domain.OrderResult, error) {
	if req.Symbol == "" {
		return nil, fmt.Errorf("order symbol is required")
	}
	if req.Side != domain.OrderSideBuy && req.Side != domain.OrderSideSell {
		return nil, fmt.Errorf("invalid order side: %s", req.Side)
	}
	if req.Volume <= 0 {
		return nil, fmt.Errorf("order volume must be positive, got %f", req.Volume)
	}

	c.log.Debug().
		Str("client_id", req.ClientID).
		Str("symbol", req.Symbol).
		Str("side", string(req.Side)).
		Float64("volume", req.Volume).
		Msg("Placing order")

	var result domain.OrderResult
	if err := c.do(ctx, http.MethodPost, "/api/orders", req, &result); err != nil {
		return nil, fmt.Errorf("failed to place order: %w", err)
	}

	c.log.Info().
		Str("symbol", req.Symbol).
		Str("side", string(req.Side)).
		Bool("success", result.Success).
		Int64("ticket", result.Ticket).
		Float64("executed_price", result.ExecutedPrice).
		Msg("Order placed")
	return &result, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout())
	defer cancel()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.cfg.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.AuthToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		bodyStr := string(respBody)
		if len(bodyStr) > 500 {
			bodyStr = bodyStr[:500] + "..."
		}
		c.log.Error().
			Int("status_code", resp.StatusCode).
			Str("path", path).
			Str("response_body", bodyStr).
			Msg("Bridge returned non-200 status")
		return fmt.Errorf("bridge returned status %d: %s", resp.StatusCode, resp.Status)
	}

	var envelope bridgeResponse
	if err := json.Unmarshal(respBody, &envelope); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}

	if !envelope.Success {
		msg := "unknown error"
		if envelope.Error != nil && *envelope.Error != "" {
			msg = *envelope.Error
		}
		return fmt.Errorf("bridge request failed: %s", msg)
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(envelope.Data, out); err != nil {
		return fmt.Errorf("failed to decode response data: %w", err)
	}
	return nil
}
