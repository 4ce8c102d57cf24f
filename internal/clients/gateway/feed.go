package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"
	"nhooyr.io/websocket"

	"github.com/avramidis/strategos/internal/domain"
)

const (
	writeWait   = 10 * time.Second
	dialTimeout = 30 * time.Second

	baseReconnectDelay   = 5 * time.Second
	maxReconnectDelay    = 5 * time.Minute
	maxReconnectAttempts = 10

	// A feed that has not delivered a tick for this long is treated as
	// stale by the health probes even while the socket stays open.
	tickStaleThreshold = 2 * time.Minute
)

// Feed maintains the websocket stream from the bridge: msgpack tick and
// candle frames in, cached quotes and candle-close fan-out.
type Feed struct {
	url        string
	token      string
	httpClient *http.Client
	conn       *websocket.Conn
	connCtx    context.Context
	cancelFunc context.CancelFunc
	mu         sync.RWMutex

	log zerolog.Logger

	connected    bool
	reconnecting bool
	stopChan     chan struct{}
	stopped      bool

	tickCache  map[string]domain.Tick
	lastUpdate time.Time
	cacheMu    sync.RWMutex

	candleHandlers []domain.CandleHandler
	tickHandlers   []domain.TickHandler
	handlerMu      sync.RWMutex
}

func newFeed(url, token string, httpClient *http.Client, log zerolog.Logger) *Feed {
	return &Feed{
		url:        url,
		token:      token,
		httpClient: httpClient,
		log:        log.With().Str("component", "gateway_feed").Logger(),
		stopChan:   make(chan struct{}),
		tickCache:  make(map[string]domain.Tick),
	}
}

// OnCandleClose registers a handler for closed bars. Handlers run on the
// read loop goroutine and must not block.
func (f *Feed) OnCandleClose(h domain.CandleHandler) {
	f.handlerMu.Lock()
	f.candleHandlers = append(f.candleHandlers, h)
	f.handlerMu.Unlock()
}

// OnTick registers a handler for ticks.
func (f *Feed) OnTick(h domain.TickHandler) {
	f.handlerMu.Lock()
	f.tickHandlers = append(f.tickHandlers, h)
	f.handlerMu.Unlock()
}

// Start dials the bridge and begins the read loop. A failed initial dial
// leaves the reconnect loop retrying in the background.
func (f *Feed) Start() error {
	f.mu.Lock()
	if f.stopped {
		// Allow a stopped feed to be restarted by a reconnect action.
		f.stopChan = make(chan struct{})
		f.stopped = false
	}
	stopCh := f.stopChan
	f.mu.Unlock()

	f.log.Info().Str("url", f.url).Msg("Starting gateway feed")

	if err := f.connect(); err != nil {
		f.log.Warn().Err(err).Msg("Initial feed connection failed, will retry in background")
		go f.reconnectLoop(stopCh)
		return err
	}

	f.mu.RLock()
	ctx := f.connCtx
	f.mu.RUnlock()
	go f.readLoop(ctx, stopCh)

	return nil
}

// Stop closes the stream and halts reconnection.
func (f *Feed) Stop() error {
	f.mu.Lock()
	if f.stopped {
		f.mu.Unlock()
		return nil
	}
	f.stopped = true
	stopCh := f.stopChan
	f.mu.Unlock()

	f.log.Info().Msg("Stopping gateway feed")
	close(stopCh)
	return f.disconnect()
}

func (f *Feed) connect() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	dialCtx, dialCancel := context.WithTimeout(context.Background(), dialTimeout)
	defer dialCancel()

	opts := &websocket.DialOptions{HTTPClient: f.httpClient}
	if f.token != "" {
		opts.HTTPHeader = http.Header{"Authorization": {"Bearer " + f.token}}
	}

	conn, _, err := websocket.Dial(dialCtx, f.url, opts)
	if err != nil {
		return fmt.Errorf("failed to dial feed websocket: %w", err)
	}

	connCtx, connCancel := context.WithCancel(context.Background())
	f.conn = conn
	f.connCtx = connCtx
	f.cancelFunc = connCancel
	f.connected = true

	if err := f.subscribe(connCtx); err != nil {
		connCancel()
		conn.Close(websocket.StatusNormalClosure, "subscribe failed")
		f.conn = nil
		f.connCtx = nil
		f.cancelFunc = nil
		f.connected = false
		return fmt.Errorf("failed to subscribe to feed channels: %w", err)
	}

	f.log.Info().Msg("Gateway feed connected")
	return nil
}

func (f *Feed) disconnect() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.conn == nil {
		return nil
	}

	if f.cancelFunc != nil {
		f.cancelFunc()
		f.cancelFunc = nil
	}

	err := f.conn.Close(websocket.StatusNormalClosure, "")
	f.conn = nil
	f.connCtx = nil
	f.connected = false

	if err != nil {
		return fmt.Errorf("error closing feed websocket: %w", err)
	}
	return nil
}

// subscribe sends the JSON control message. Data frames come back binary.
func (f *Feed) subscribe(ctx context.Context) error {
	msg := subscribeRequest{Op: "subscribe", Channels: []string{"ticks", "candles"}}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal subscribe message: %w", err)
	}

	writeCtx, cancel := context.WithTimeout(ctx, writeWait)
	defer cancel()

	if err := f.conn.Write(writeCtx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("failed to send subscribe message: %w", err)
	}

	f.log.Debug().Strs("channels", msg.Channels).Msg("Subscribed to feed channels")
	return nil
}

func (f *Feed) readLoop(ctx context.Context, stopCh <-chan struct{}) {
	defer func() {
		f.log.Info().Msg("Feed read loop stopped")
		f.mu.RLock()
		stopped := f.stopped
		f.mu.RUnlock()
		if !stopped {
			go f.reconnectLoop(stopCh)
		}
	}()

	for {
		select {
		case <-stopCh:
			return
		case <-ctx.Done():
			f.log.Debug().Msg("Feed read loop context cancelled")
			return
		default:
		}

		f.mu.RLock()
		conn := f.conn
		f.mu.RUnlock()

		if conn == nil {
			f.log.Warn().Msg("Feed connection is nil, stopping read loop")
			return
		}

		msgType, message, err := conn.Read(ctx)
		if err != nil {
			closeStatus := websocket.CloseStatus(err)
			if closeStatus == websocket.StatusNormalClosure || closeStatus == websocket.StatusGoingAway {
				f.log.Info().Int("status", int(closeStatus)).Msg("Feed websocket closed normally")
			} else if ctx.Err() != nil {
				f.log.Debug().Msg("Feed read cancelled by context")
			} else {
				f.log.Error().Err(err).Msg("Unexpected feed read error")
			}
			f.markDisconnected()
			return
		}

		switch msgType {
		case websocket.MessageBinary:
			if err := f.handleFrame(message); err != nil {
				f.log.Error().Err(err).Msg("Failed to handle feed frame")
			}
		case websocket.MessageText:
			// Control acknowledgements; nothing to act on.
			f.log.Debug().Str("message", string(message)).Msg("Feed control message")
		}
	}
}

func (f *Feed) handleFrame(message []byte) error {
	var frame feedFrame
	if err := msgpack.Unmarshal(message, &frame); err != nil {
		return fmt.Errorf("failed to decode feed frame: %w", err)
	}

	switch frame.Type {
	case frameTick:
		var payload tickPayload
		if err := msgpack.Unmarshal(frame.Data, &payload); err != nil {
			return fmt.Errorf("failed to decode tick frame: %w", err)
		}
		f.handleTick(payload.toDomain())
		return nil
	case frameCandle:
		var payload candlePayload
		if err := msgpack.Unmarshal(frame.Data, &payload); err != nil {
			return fmt.Errorf("failed to decode candle frame: %w", err)
		}
		f.handleCandle(payload)
		return nil
	default:
		f.log.Debug().Str("type", frame.Type).Msg("Ignoring unknown feed frame type")
		return nil
	}
}

func (f *Feed) handleTick(tick domain.Tick) {
	f.cacheMu.Lock()
	f.tickCache[tick.Symbol] = tick
	f.lastUpdate = time.Now()
	f.cacheMu.Unlock()

	f.handlerMu.RLock()
	handlers := f.tickHandlers
	f.handlerMu.RUnlock()
	for _, h := range handlers {
		h(tick)
	}
}

func (f *Feed) handleCandle(payload candlePayload) {
	// Forming bars refresh the staleness clock but are not fanned out;
	// the analysis pipeline works on closed bars only.
	f.cacheMu.Lock()
	f.lastUpdate = time.Now()
	f.cacheMu.Unlock()

	if !payload.Closed {
		return
	}

	candle := payload.toDomain()
	tf := domain.Timeframe(payload.Timeframe)

	f.handlerMu.RLock()
	handlers := f.candleHandlers
	f.handlerMu.RUnlock()
	for _, h := range handlers {
		h(payload.Symbol, tf, candle)
	}
}

func (f *Feed) markDisconnected() {
	f.mu.Lock()
	f.connected = false
	f.mu.Unlock()
}

func (f *Feed) reconnectLoop(stopCh <-chan struct{}) {
	f.mu.Lock()
	if f.reconnecting || f.stopped {
		f.mu.Unlock()
		return
	}
	f.reconnecting = true
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.reconnecting = false
		f.mu.Unlock()
	}()

	attempt := 0
	for {
		select {
		case <-stopCh:
			f.log.Info().Msg("Feed reconnection stopped")
			return
		default:
		}

		f.mu.RLock()
		stopped := f.stopped
		f.mu.RUnlock()
		if stopped {
			return
		}

		attempt++
		delay := calculateBackoff(attempt)

		if attempt <= maxReconnectAttempts {
			f.log.Info().
				Int("attempt", attempt).
				Dur("delay", delay).
				Msg("Attempting feed reconnect")
		} else {
			f.log.Warn().
				Int("attempt", attempt).
				Dur("delay", delay).
				Msg("Feed reconnect attempt (exceeded max attempts, will keep retrying)")
		}

		select {
		case <-time.After(delay):
		case <-stopCh:
			return
		}

		if err := f.connect(); err != nil {
			f.log.Error().Err(err).Int("attempt", attempt).Msg("Feed reconnect failed")
			continue
		}

		f.log.Info().Int("attempt", attempt).Msg("Feed reconnected")

		f.mu.RLock()
		ctx := f.connCtx
		f.mu.RUnlock()
		go f.readLoop(ctx, stopCh)
		return
	}
}

func calculateBackoff(attempt int) time.Duration {
	delay := float64(baseReconnectDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(maxReconnectDelay) {
		delay = float64(maxReconnectDelay)
	}
	return time.Duration(delay)
}

// Tick returns the cached quote for a symbol.
func (f *Feed) Tick(symbol string) (domain.Tick, bool) {
	f.cacheMu.RLock()
	defer f.cacheMu.RUnlock()
	tick, ok := f.tickCache[symbol]
	return tick, ok
}

// LastUpdate returns when the feed last delivered any frame.
func (f *Feed) LastUpdate() time.Time {
	f.cacheMu.RLock()
	defer f.cacheMu.RUnlock()
	return f.lastUpdate
}

// IsStale reports whether the feed has gone quiet past the threshold.
func (f *Feed) IsStale() bool {
	f.cacheMu.RLock()
	defer f.cacheMu.RUnlock()
	if f.lastUpdate.IsZero() {
		return true
	}
	return time.Since(f.lastUpdate) > tickStaleThreshold
}

// IsConnected reports whether the websocket is currently up.
func (f *Feed) IsConnected() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.connected
}
