package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"nhooyr.io/websocket"

	"github.com/avramidis/strategos/internal/events"
)

const (
	// streamBuffer absorbs bursts; a slow client loses events rather
	// than stalling the bus
	streamBuffer      = 128
	streamWriteWait   = 5 * time.Second
	heartbeatInterval = 30 * time.Second
)

// streamFrame is the synthetic frame sent outside bus traffic. Its kind
// field lines up with events.Event so clients switch on one key.
type streamFrame struct {
	Kind      string    `json:"kind"`
	Timestamp time.Time `json:"timestamp"`
	Dropped   uint64    `json:"dropped,omitempty"`
}

// StreamHandler fans bus events out to websocket clients as JSON
// frames. Each connection gets its own subscriber and buffered queue;
// an optional kinds query parameter filters at the subscription.
type StreamHandler struct {
	bus *events.Bus
	log zerolog.Logger

	active   atomic.Int64
	shutdown chan struct{}
	once     sync.Once
}

func NewStreamHandler(bus *events.Bus, log zerolog.Logger) *StreamHandler {
	return &StreamHandler{
		bus:      bus,
		log:      log.With().Str("component", "event_stream").Logger(),
		shutdown: make(chan struct{}),
	}
}

// Active reports the number of connected stream clients
func (h *StreamHandler) Active() int64 {
	return h.active.Load()
}

// CloseAll disconnects every stream; called when the server stops
func (h *StreamHandler) CloseAll() {
	h.once.Do(func() { close(h.shutdown) })
}

// ServeHTTP handles GET /api/events/stream. Query parameter kinds
// narrows the stream to a comma-separated set of event kinds.
func (h *StreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.bus == nil {
		http.Error(w, "event bus not wired", http.StatusServiceUnavailable)
		return
	}

	var allowed map[events.Kind]bool
	if raw := r.URL.Query().Get("kinds"); raw != "" {
		allowed = make(map[events.Kind]bool)
		for _, k := range strings.Split(raw, ",") {
			allowed[events.Kind(strings.TrimSpace(k))] = true
		}
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.log.Warn().Err(err).Msg("Websocket accept failed")
		return
	}
	defer conn.Close(websocket.StatusInternalError, "stream aborted")

	subscriber := "stream_" + uuid.NewString()
	queue := make(chan events.Event, streamBuffer)
	var dropped atomic.Uint64

	h.bus.Subscribe(subscriber, func(e events.Event) {
		if allowed != nil && !allowed[e.Kind] {
			return
		}
		select {
		case queue <- e:
		default:
			dropped.Add(1)
		}
	})
	defer h.bus.Unsubscribe(subscriber)

	h.active.Add(1)
	defer h.active.Add(-1)

	h.log.Info().
		Str("subscriber", subscriber).
		Int("filters", len(allowed)).
		Msg("Stream client connected")

	// The client never sends data frames; CloseRead keeps control
	// frames serviced and cancels when the peer goes away.
	ctx := conn.CloseRead(r.Context())

	if err := h.writeFrame(ctx, conn, streamFrame{Kind: "CONNECTED", Timestamp: time.Now().UTC()}); err != nil {
		return
	}

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			h.log.Info().Str("subscriber", subscriber).Msg("Stream client disconnected")
			return

		case <-h.shutdown:
			conn.Close(websocket.StatusGoingAway, "server shutting down")
			return

		case e := <-queue:
			data, err := json.Marshal(e)
			if err != nil {
				h.log.Error().Err(err).Str("kind", string(e.Kind)).Msg("Failed to encode stream event")
				continue
			}
			if err := h.write(ctx, conn, data); err != nil {
				h.log.Debug().Err(err).Str("subscriber", subscriber).Msg("Stream write failed")
				return
			}

		case <-heartbeat.C:
			frame := streamFrame{
				Kind:      "HEARTBEAT",
				Timestamp: time.Now().UTC(),
				Dropped:   dropped.Load(),
			}
			if err := h.writeFrame(ctx, conn, frame); err != nil {
				return
			}
		}
	}
}

func (h *StreamHandler) writeFrame(ctx context.Context, conn *websocket.Conn, frame streamFrame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	return h.write(ctx, conn, data)
}

func (h *StreamHandler) write(ctx context.Context, conn *websocket.Conn, data []byte) error {
	writeCtx, cancel := context.WithTimeout(ctx, streamWriteWait)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
