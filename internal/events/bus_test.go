package events

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avramidis/strategos/internal/config"
	"github.com/avramidis/strategos/internal/domain"
)

func testBusConfig(queueCap int) config.AnalyticsConfig {
	return config.AnalyticsConfig{
		EventQueueCapacity: queueCap,
		MetricsRefreshSec:  1,
		DataRefreshSec:     1,
		EventBatchSize:     50,
	}
}

func newTestBus(queueCap int) *Bus {
	return NewBus(testBusConfig(queueCap), nil, zerolog.Nop())
}

// TestBusPriorityBypassesQueue verifies high-priority events are delivered
// before Publish returns, without the consumer running at all
func TestBusPriorityBypassesQueue(t *testing.T) {
	bus := newTestBus(10)

	received := make(chan Event, 1)
	bus.Subscribe("test", func(e Event) {
		received <- e
	})

	e := New(ComponentRecovery, "", "", PriorityCritical, &SystemStatusPayload{State: "EMERGENCY_STOP"})
	ok := bus.Publish(e)
	require.True(t, ok)

	select {
	case got := <-received:
		assert.Equal(t, KindSystemStatus, got.Kind)
		assert.Equal(t, e.ID, got.ID)
	default:
		t.Fatal("priority event was not delivered synchronously")
	}
}

// TestBusDropsWhenQueueFull verifies backpressure drops instead of blocking
func TestBusDropsWhenQueueFull(t *testing.T) {
	bus := newTestBus(5)

	for i := 0; i < 5; i++ {
		ok := bus.Publish(Event{Kind: KindPatternDetected, Component: ComponentConfluence, Priority: PriorityNormal})
		assert.True(t, ok)
	}

	// Queue is full; the next publish must return immediately with false
	done := make(chan bool, 1)
	go func() {
		done <- bus.Publish(Event{Kind: KindPatternDetected, Component: ComponentConfluence, Priority: PriorityNormal})
	}()

	select {
	case ok := <-done:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full queue")
	}

	assert.Equal(t, uint64(1), bus.Metrics().Dropped)
}

// TestBusPreservesOrderWithinBand verifies FIFO delivery for queued events
func TestBusPreservesOrderWithinBand(t *testing.T) {
	bus := newTestBus(100)

	var got []string
	bus.Subscribe("order", func(e Event) {
		got = append(got, e.ID)
	})

	var want []string
	for i := 0; i < 10; i++ {
		e := Event{ID: fmt.Sprintf("e%d", i), Kind: KindPatternDetected, Component: ComponentConfluence, Priority: PriorityNormal}
		require.True(t, bus.Publish(e))
		want = append(want, e.ID)
	}

	bus.drainBatch()
	assert.Equal(t, want, got)
}

// TestBusSubscriberPanicContained verifies one bad subscriber cannot
// break delivery to the others
func TestBusSubscriberPanicContained(t *testing.T) {
	bus := newTestBus(10)

	bus.Subscribe("bad", func(e Event) {
		panic("subscriber bug")
	})

	received := make(chan Event, 1)
	bus.Subscribe("good", func(e Event) {
		received <- e
	})

	assert.NotPanics(t, func() {
		bus.Publish(New(ComponentCoordinator, "", "", PriorityCritical, &SystemStatusPayload{State: "RUNNING"}))
	})

	select {
	case <-received:
	case <-time.After(time.Second):
		t.Fatal("good subscriber did not receive the event")
	}
}

// TestBusBatchDrainRespectsBatchSize verifies the consumer dispatches at
// most batchSize events per tick
func TestBusBatchDrainRespectsBatchSize(t *testing.T) {
	cfg := testBusConfig(200)
	cfg.EventBatchSize = 7
	bus := NewBus(cfg, nil, zerolog.Nop())

	var mu sync.Mutex
	count := 0
	bus.Subscribe("counter", func(e Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	for i := 0; i < 20; i++ {
		require.True(t, bus.Publish(Event{Kind: KindPatternDetected, Component: ComponentConfluence, Priority: PriorityLow}))
	}

	bus.drainBatch()
	mu.Lock()
	assert.Equal(t, 7, count)
	mu.Unlock()

	bus.drainBatch()
	bus.drainBatch()
	mu.Lock()
	assert.Equal(t, 20, count)
	mu.Unlock()
}

// TestBusHighPriorityBeatsQueuedBacklog replays the dashboard scenario:
// a full backlog of low-priority events must not delay a critical one
func TestBusHighPriorityBeatsQueuedBacklog(t *testing.T) {
	bus := newTestBus(1000)

	var mu sync.Mutex
	var lowSeen int
	var highSeenBeforeLow bool
	bus.Subscribe("observer", func(e Event) {
		mu.Lock()
		defer mu.Unlock()
		if e.Priority >= PriorityImmediate {
			highSeenBeforeLow = lowSeen == 0
			return
		}
		lowSeen++
	})

	for i := 0; i < 1000; i++ {
		require.True(t, bus.Publish(Event{Kind: KindPatternDetected, Component: ComponentConfluence, Priority: PriorityLow}))
	}

	bus.Publish(New(ComponentRecovery, "", "", PriorityCritical, &SystemStatusPayload{State: "DEGRADED"}))

	mu.Lock()
	assert.True(t, highSeenBeforeLow, "critical event should dispatch before the backlog drains")
	mu.Unlock()

	bus.drainAll()

	mu.Lock()
	assert.Equal(t, 1000, lowSeen)
	mu.Unlock()

	m := bus.Metrics()
	assert.Equal(t, uint64(0), m.Dropped)
	assert.Equal(t, uint64(1000), m.ByKind[KindPatternDetected])
}

// TestBusStopDrainsQueue verifies accepted events survive shutdown
func TestBusStopDrainsQueue(t *testing.T) {
	bus := newTestBus(50)

	received := make(chan Event, 50)
	bus.Subscribe("sink", func(e Event) {
		received <- e
	})

	for i := 0; i < 10; i++ {
		require.True(t, bus.Publish(Event{Kind: KindConfluenceUpdated, Component: ComponentConfluence, Priority: PriorityNormal}))
	}

	go bus.Run()
	bus.Stop()

	assert.Len(t, received, 10)
}

// TestBusStopWithoutRun verifies Stop does not hang when the consumer
// never started
func TestBusStopWithoutRun(t *testing.T) {
	bus := newTestBus(10)

	done := make(chan struct{})
	go func() {
		bus.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop hung without a running consumer")
	}
}

// TestBusFillsIDAndTimestamp verifies Publish normalizes events
func TestBusFillsIDAndTimestamp(t *testing.T) {
	bus := newTestBus(10)

	var got Event
	bus.Subscribe("capture", func(e Event) { got = e })

	bus.Publish(Event{Kind: KindSystemStatus, Component: ComponentCoordinator, Priority: 99})
	bus.drainBatch()

	assert.NotEmpty(t, got.ID)
	assert.False(t, got.Timestamp.IsZero())
	assert.Equal(t, 10, got.Priority)
}

// TestPublishDataRoundTrip verifies typed payloads survive the map conversion
func TestPublishDataRoundTrip(t *testing.T) {
	bus := newTestBus(10)

	var got Event
	bus.Subscribe("capture", func(e Event) { got = e })

	bus.PublishData(ComponentConfluence, "EURUSD", domain.TimeframeH1, PriorityNormal, &PatternDetectedPayload{
		PatternKind: domain.PatternFVG,
		Strength:    72.5,
		Direction:   domain.BiasBullish,
		Price:       1.0845,
	})
	bus.drainBatch()

	require.Equal(t, KindPatternDetected, got.Kind)
	assert.Equal(t, "EURUSD", got.Symbol)
	assert.Equal(t, domain.TimeframeH1, got.Timeframe)

	var p PatternDetectedPayload
	require.NoError(t, FromMap(got.Payload, &p))
	assert.Equal(t, domain.PatternFVG, p.PatternKind)
	assert.Equal(t, 72.5, p.Strength)
	assert.Equal(t, domain.BiasBullish, p.Direction)
}
