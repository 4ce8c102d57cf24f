package app

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/avramidis/strategos/internal/coordinator"
	"github.com/avramidis/strategos/internal/domain"
	"github.com/avramidis/strategos/internal/events"
	"github.com/avramidis/strategos/internal/execution"
	"github.com/avramidis/strategos/internal/persistence"
	"github.com/avramidis/strategos/internal/scheduler"
)

// emergencyCloseTimeout bounds the flatten-everything call fired on the
// transition into emergency stop
const emergencyCloseTimeout = 30 * time.Second

// busComponent adapts the event bus to the component contract. Start
// launches the consumer goroutine; Stop drains the queue and waits.
type busComponent struct {
	bus *events.Bus
}

func (b *busComponent) Initialize() error { return nil }

func (b *busComponent) Start() error {
	go b.bus.Run()
	return nil
}

func (b *busComponent) Stop() error {
	b.bus.Stop()
	return nil
}

func (b *busComponent) HealthCheck() coordinator.ComponentHealth {
	m := b.bus.Metrics()
	return coordinator.ComponentHealth{
		Name:          "event_bus",
		State:         coordinator.ComponentRunning,
		Healthy:       true,
		LastHeartbeat: time.Now().UTC(),
		Metrics: map[string]interface{}{
			"queue_len":  m.QueueLen,
			"published":  m.Published,
			"dropped":    m.Dropped,
			"dispatched": m.Dispatched,
		},
	}
}

// feedRunner is the streaming half of a broker connection. The paper
// broker has none; the field stays nil there.
type feedRunner interface {
	Start() error
	Stop() error
	IsConnected() bool
}

// brokerComponent manages the broker session and its market data feed
// as one coordinator component.
type brokerComponent struct {
	broker         domain.BrokerClient
	feed           feedRunner
	connectTimeout time.Duration
}

func (bc *brokerComponent) Initialize() error { return nil }

func (bc *brokerComponent) Start() error {
	ctx, cancel := context.WithTimeout(context.Background(), bc.connectTimeout)
	defer cancel()

	if err := bc.broker.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect broker: %w", err)
	}
	if bc.feed != nil {
		if err := bc.feed.Start(); err != nil {
			_ = bc.broker.Disconnect()
			return fmt.Errorf("failed to start market feed: %w", err)
		}
	}
	return nil
}

func (bc *brokerComponent) Stop() error {
	var feedErr error
	if bc.feed != nil {
		feedErr = bc.feed.Stop()
	}
	if err := bc.broker.Disconnect(); err != nil {
		return fmt.Errorf("failed to disconnect broker: %w", err)
	}
	if feedErr != nil {
		return fmt.Errorf("failed to stop market feed: %w", feedErr)
	}
	return nil
}

func (bc *brokerComponent) HealthCheck() coordinator.ComponentHealth {
	health := coordinator.ComponentHealth{
		Name:          "broker",
		State:         coordinator.ComponentRunning,
		Healthy:       true,
		Critical:      true,
		LastHeartbeat: time.Now().UTC(),
	}
	if !bc.broker.IsConnected() {
		health.State = coordinator.ComponentError
		health.Healthy = false
		health.Message = "broker disconnected"
		return health
	}
	if bc.feed != nil && !bc.feed.IsConnected() {
		health.State = coordinator.ComponentDegraded
		health.Healthy = false
		health.Message = "market feed disconnected"
	}
	return health
}

// schedulerComponent adapts the cron scheduler, whose Start and Stop
// cannot fail, to the component contract.
type schedulerComponent struct {
	sched *scheduler.Scheduler
}

func (sc *schedulerComponent) Initialize() error { return nil }

func (sc *schedulerComponent) Start() error {
	sc.sched.Start()
	return nil
}

func (sc *schedulerComponent) Stop() error {
	sc.sched.Stop()
	return nil
}

func (sc *schedulerComponent) HealthCheck() coordinator.ComponentHealth {
	entries := sc.sched.Entries()
	failing := 0
	for _, e := range entries {
		if e.LastError != "" {
			failing++
		}
	}

	health := coordinator.ComponentHealth{
		Name:          "scheduler",
		State:         coordinator.ComponentRunning,
		Healthy:       true,
		LastHeartbeat: time.Now().UTC(),
		Metrics: map[string]interface{}{
			"jobs":         len(entries),
			"failing_jobs": failing,
		},
	}
	if failing > 0 {
		health.Message = fmt.Sprintf("%d jobs reporting errors", failing)
	}
	return health
}

// marginSource reads the account margin level off the broker for the
// recovery probes
type marginSource struct {
	broker domain.BrokerClient
}

func (m *marginSource) MarginLevel(ctx context.Context) (float64, error) {
	info, err := m.broker.AccountInfo(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to read account info: %w", err)
	}
	return info.MarginLevel, nil
}

// tickClock is the feed surface the staleness probe needs
type tickClock interface {
	LastUpdate() time.Time
}

// feedSource exposes the feed's last tick time to the recovery probes
type feedSource struct {
	clock tickClock
}

func (f *feedSource) LastTickAt() time.Time {
	return f.clock.LastUpdate()
}

// closeAdapter narrows the execution engine to the recovery
// position-closer contract
type closeAdapter struct {
	executor *execution.Engine
}

func (a *closeAdapter) CloseAll(ctx context.Context, reason string) error {
	_, err := a.executor.CloseAll(ctx, reason)
	return err
}

// dispatchGate reports whether recovery actions may run; false once the
// system is stopping, stopped, errored or already in emergency stop
func dispatchGate(coord *coordinator.Coordinator) func() bool {
	return func() bool {
		switch coord.State() {
		case coordinator.SystemShuttingDown,
			coordinator.SystemStopped,
			coordinator.SystemEmergencyStop,
			coordinator.SystemError:
			return false
		default:
			return true
		}
	}
}

// emergencyFlatten returns the state callback that closes every open
// position when the system lands in emergency stop, then persists a
// status record naming each position that closed and each that did not.
func emergencyFlatten(executor *execution.Engine, store *persistence.Store, log zerolog.Logger) coordinator.StateCallback {
	log = log.With().Str("component", "emergency_stop").Logger()

	return func(from, to coordinator.SystemState) {
		if to != coordinator.SystemEmergencyStop {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), emergencyCloseTimeout)
		defer cancel()

		results, err := executor.CloseAll(ctx, "emergency stop")

		closed := make([]string, 0, len(results))
		failed := make([]string, 0)
		for _, r := range results {
			if r.Success {
				closed = append(closed, r.Message)
			} else {
				failed = append(failed, r.Message)
			}
		}

		payload := map[string]interface{}{
			"triggered_at": time.Now().UTC().Format(time.RFC3339Nano),
			"from_state":   string(from),
			"closed":       closed,
			"failed":       failed,
		}
		if err != nil {
			payload["error"] = err.Error()
			log.Error().Err(err).Msg("Emergency close-all failed")
		} else {
			log.Warn().
				Int("closed", len(closed)).
				Int("failed", len(failed)).
				Msg("Emergency close-all finished")
		}

		if store == nil {
			return
		}
		if _, serr := store.Store("emergency_stop", persistence.CategorySystemState, payload, map[string]string{
			"kind": "emergency_stop",
		}); serr != nil {
			log.Error().Err(serr).Msg("Failed to persist emergency stop record")
		}
	}
}
