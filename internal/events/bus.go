package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/avramidis/strategos/internal/config"
	"github.com/avramidis/strategos/internal/domain"
	"github.com/avramidis/strategos/internal/metrics"
)

// Handler receives events fanned out by the bus
type Handler func(Event)

// Bus is the in-process analytics event bus.
//
// Publish never blocks: normal events go onto a bounded queue drained by a
// single consumer in batches; events at PriorityImmediate or above are
// dispatched synchronously on the publisher's goroutine. When the queue is
// full the event is dropped and counted.
type Bus struct {
	queue          chan Event
	batchSize      int
	drainInterval  time.Duration
	refreshInterval time.Duration

	subscribers map[string]Handler
	subMu       sync.RWMutex

	dashboard *Dashboard

	published  atomic.Uint64
	dropped    atomic.Uint64
	dispatched atomic.Uint64

	byKind   map[Kind]uint64
	byKindMu sync.Mutex

	prom *metrics.Metrics
	log  zerolog.Logger

	running  atomic.Bool
	stop     chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once
}

// NewBus creates the bus with its dashboard state
func NewBus(cfg config.AnalyticsConfig, prom *metrics.Metrics, log zerolog.Logger) *Bus {
	return &Bus{
		queue:           make(chan Event, cfg.EventQueueCapacity),
		batchSize:       cfg.EventBatchSize,
		drainInterval:   cfg.DataRefresh(),
		refreshInterval: cfg.MetricsRefresh(),
		subscribers:     make(map[string]Handler),
		dashboard:       NewDashboard(),
		byKind:          make(map[Kind]uint64),
		prom:            prom,
		log:             log.With().Str("component", "event_bus").Logger(),
		stop:            make(chan struct{}),
		stopped:         make(chan struct{}),
	}
}

// Subscribe registers a handler under a subscriber name.
// Re-subscribing under the same name replaces the previous handler.
func (b *Bus) Subscribe(name string, handler Handler) {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	b.subscribers[name] = handler
	b.log.Debug().Str("subscriber", name).Msg("Subscriber registered")
}

// Unsubscribe removes a handler
func (b *Bus) Unsubscribe(name string) {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	delete(b.subscribers, name)
}

// Publish enqueues an event, or dispatches it immediately when its
// priority is at or above PriorityImmediate. Returns false when the
// event was dropped because the queue was full.
func (b *Bus) Publish(e Event) bool {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	e.Priority = clampPriority(e.Priority)

	b.published.Add(1)
	b.countKind(e.Kind)
	if b.prom != nil {
		b.prom.EventsPublished.WithLabelValues(string(e.Kind)).Inc()
	}

	if e.Priority >= PriorityImmediate {
		b.dispatch(e)
		return true
	}

	select {
	case b.queue <- e:
		return true
	default:
		b.dropped.Add(1)
		if b.prom != nil {
			b.prom.EventsDropped.Inc()
		}
		b.log.Debug().Str("kind", string(e.Kind)).Msg("Event dropped, queue full")
		return false
	}
}

// PublishData builds an event from a typed payload and publishes it
func (b *Bus) PublishData(component Component, symbol string, timeframe domain.Timeframe, priority int, data Payload) bool {
	return b.Publish(New(component, symbol, timeframe, priority, data))
}

// Run is the single consumer loop. Call it on its own goroutine; it exits
// when Stop is called, draining whatever is still queued first.
func (b *Bus) Run() {
	if !b.running.CompareAndSwap(false, true) {
		return
	}
	defer close(b.stopped)

	b.log.Info().
		Int("queue_capacity", cap(b.queue)).
		Int("batch_size", b.batchSize).
		Msg("Event bus consumer started")

	drainTicker := time.NewTicker(b.drainInterval)
	defer drainTicker.Stop()
	refreshTicker := time.NewTicker(b.refreshInterval)
	defer refreshTicker.Stop()

	for {
		select {
		case <-b.stop:
			b.drainAll()
			b.log.Info().Msg("Event bus consumer stopped")
			return
		case <-drainTicker.C:
			b.drainBatch()
		case <-refreshTicker.C:
			b.dashboard.Prune(time.Now().UTC())
		}
	}
}

// Stop signals the consumer and waits for it to exit
func (b *Bus) Stop() {
	b.stopOnce.Do(func() { close(b.stop) })
	if b.running.Load() {
		<-b.stopped
	}
}

// Dashboard returns the live dashboard state
func (b *Bus) Dashboard() *Dashboard {
	return b.dashboard
}

// LastEventAt reports when the bus last dispatched an event
func (b *Bus) LastEventAt() time.Time {
	return b.dashboard.LastEventAt()
}

// Metrics returns a snapshot of bus counters
func (b *Bus) Metrics() BusMetrics {
	b.byKindMu.Lock()
	byKind := make(map[Kind]uint64, len(b.byKind))
	for k, v := range b.byKind {
		byKind[k] = v
	}
	b.byKindMu.Unlock()

	return BusMetrics{
		Published:  b.published.Load(),
		Dropped:    b.dropped.Load(),
		Dispatched: b.dispatched.Load(),
		QueueLen:   len(b.queue),
		ByKind:     byKind,
	}
}

// BusMetrics is a point-in-time counter snapshot
type BusMetrics struct {
	Published  uint64          `json:"published"`
	Dropped    uint64          `json:"dropped"`
	Dispatched uint64          `json:"dispatched"`
	QueueLen   int             `json:"queue_len"`
	ByKind     map[Kind]uint64 `json:"by_kind"`
}

func (b *Bus) countKind(k Kind) {
	b.byKindMu.Lock()
	b.byKind[k]++
	b.byKindMu.Unlock()
}

// drainBatch dispatches up to batchSize queued events
func (b *Bus) drainBatch() {
	for i := 0; i < b.batchSize; i++ {
		select {
		case e := <-b.queue:
			b.dispatch(e)
		default:
			return
		}
	}
}

// drainAll empties the queue on shutdown so nothing already accepted is lost
func (b *Bus) drainAll() {
	for {
		select {
		case e := <-b.queue:
			b.dispatch(e)
		default:
			return
		}
	}
}

// dispatch applies the event to the dashboard and fans out to subscribers.
// Safe to call from both the consumer and the synchronous priority path.
func (b *Bus) dispatch(e Event) {
	b.dashboard.Apply(e)
	b.dispatched.Add(1)
	if b.prom != nil {
		b.prom.EventsDispatched.Inc()
	}

	b.subMu.RLock()
	subs := make(map[string]Handler, len(b.subscribers))
	for name, h := range b.subscribers {
		subs[name] = h
	}
	b.subMu.RUnlock()

	for name, handler := range subs {
		b.safeCall(name, handler, e)
	}
}

// safeCall contains subscriber panics so one bad handler cannot take down
// the consumer or starve other subscribers
func (b *Bus) safeCall(name string, handler Handler, e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error().
				Str("subscriber", name).
				Str("kind", string(e.Kind)).
				Interface("panic", r).
				Msg("Subscriber panicked handling event")
		}
	}()
	handler(e)
}
