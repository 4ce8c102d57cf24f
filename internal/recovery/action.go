package recovery

import (
	"context"
	"fmt"
	"net"
	"runtime"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
)

// Action describes one recovery procedure. Execute must observe ctx; the
// engine abandons workers that outlive their timeout instead of killing
// them.
type Action struct {
	ID            string
	Name          string
	Severity      Severity
	FailureKinds  []FailureKind
	MaxAttempts   int
	Cooldown      time.Duration
	Timeout       time.Duration
	Prerequisites []string

	Execute func(ctx context.Context) error
	// SuccessCriteria, when set, must also pass for the attempt to count
	// as a success
	SuccessCriteria func(ctx context.Context) bool
}

// handles reports whether the action is bound to the failure kind
func (a *Action) handles(kind FailureKind) bool {
	for _, k := range a.FailureKinds {
		if k == kind {
			return true
		}
	}
	return false
}

func (a *Action) validate() error {
	if a.ID == "" {
		return fmt.Errorf("action id is required")
	}
	if a.Execute == nil {
		return fmt.Errorf("action %s has no execute func", a.ID)
	}
	if len(a.FailureKinds) == 0 {
		return fmt.Errorf("action %s is bound to no failure kinds", a.ID)
	}
	if a.MaxAttempts <= 0 {
		return fmt.Errorf("action %s needs a positive attempt budget", a.ID)
	}
	if a.Timeout <= 0 {
		return fmt.Errorf("action %s needs a positive timeout", a.ID)
	}
	return nil
}

// Attempt records one execution of an action. Terminal status is never
// overwritten.
type Attempt struct {
	ID            string                 `json:"id"`
	ActionID      string                 `json:"action_id"`
	FailureKind   FailureKind            `json:"failure_kind"`
	StartedAt     time.Time              `json:"started_at"`
	CompletedAt   time.Time              `json:"completed_at,omitempty"`
	Status        AttemptStatus          `json:"status"`
	Duration      time.Duration          `json:"duration_ns"`
	MetricsBefore map[string]interface{} `json:"metrics_before,omitempty"`
	MetricsAfter  map[string]interface{} `json:"metrics_after,omitempty"`
	AttemptNumber int                    `json:"attempt_number"`
	Error         string                 `json:"error,omitempty"`
}

// BrokerController reopens the broker connection; wired to the gateway
// client
type BrokerController interface {
	Reconnect(ctx context.Context) error
	Ping(ctx context.Context) error
}

// PositionCloser flattens the book; wired to the execution engine
type PositionCloser interface {
	CloseAll(ctx context.Context, reason string) error
}

// ComponentRestarter bounces a stuck pipeline; wired to the integrator
type ComponentRestarter interface {
	Restart(ctx context.Context) error
}

// DiskSweeper reclaims storage; wired to the persistence store
type DiskSweeper interface {
	Sweep(ctx context.Context) (int, error)
}

// CacheFlusher drops in-memory caches during memory pressure
type CacheFlusher interface {
	Flush()
}

// ActionDeps carries the collaborators the default catalogue acts on.
// Nil fields disable the actions that need them.
type ActionDeps struct {
	Broker    BrokerController
	Closer    PositionCloser
	Restarter ComponentRestarter
	Sweeper   DiskSweeper
	Caches    CacheFlusher

	// NetworkProbeAddr is re-dialed by the restore-network action
	NetworkProbeAddr string
}

// DefaultActions builds the stock catalogue. Actions whose collaborator
// is missing are skipped rather than registered broken.
func DefaultActions(deps ActionDeps, log zerolog.Logger) []*Action {
	log = log.With().Str("component", "recovery_actions").Logger()
	var actions []*Action

	if deps.Broker != nil {
		actions = append(actions, &Action{
			ID:           "reconnect_broker",
			Name:         "Reconnect broker",
			Severity:     SeveritySoft,
			FailureKinds: []FailureKind{BrokerConnectionLost},
			MaxAttempts:  5,
			Cooldown:     30 * time.Second,
			Timeout:      20 * time.Second,
			Execute: func(ctx context.Context) error {
				return deps.Broker.Reconnect(ctx)
			},
			SuccessCriteria: func(ctx context.Context) bool {
				return deps.Broker.Ping(ctx) == nil
			},
		})
	}

	actions = append(actions, &Action{
		ID:           "free_memory",
		Name:         "Free memory",
		Severity:     SeveritySoft,
		FailureKinds: []FailureKind{HighMemoryUsage},
		MaxAttempts:  3,
		Cooldown:     60 * time.Second,
		Timeout:      10 * time.Second,
		Execute: func(ctx context.Context) error {
			if deps.Caches != nil {
				deps.Caches.Flush()
			}
			runtime.GC()
			debug.FreeOSMemory()
			return nil
		},
	})

	if deps.NetworkProbeAddr != "" {
		actions = append(actions, &Action{
			ID:           "restore_network",
			Name:         "Restore network",
			Severity:     SeverityMedium,
			FailureKinds: []FailureKind{InternetDisconnected},
			MaxAttempts:  5,
			Cooldown:     60 * time.Second,
			Timeout:      45 * time.Second,
			Execute: func(ctx context.Context) error {
				return reprobeNetwork(ctx, deps.NetworkProbeAddr)
			},
		})
	}

	if deps.Restarter != nil {
		actions = append(actions, &Action{
			ID:           "restart_trading_engine",
			Name:         "Restart trading engine",
			Severity:     SeverityMedium,
			FailureKinds: []FailureKind{TradingEngineStuck, SystemFreeze},
			MaxAttempts:  3,
			Cooldown:     2 * time.Minute,
			Timeout:      60 * time.Second,
			Execute: func(ctx context.Context) error {
				return deps.Restarter.Restart(ctx)
			},
		})
	}

	if deps.Closer != nil {
		actions = append(actions, &Action{
			ID:           "emergency_close_positions",
			Name:         "Emergency close positions",
			Severity:     SeverityHard,
			FailureKinds: []FailureKind{LowMarginLevel},
			MaxAttempts:  2,
			Cooldown:     30 * time.Second,
			Timeout:      60 * time.Second,
			Execute: func(ctx context.Context) error {
				return deps.Closer.CloseAll(ctx, "margin level critical")
			},
		})
	}

	if deps.Sweeper != nil {
		actions = append(actions, &Action{
			ID:           "disk_cleanup",
			Name:         "Disk cleanup",
			Severity:     SeveritySoft,
			FailureKinds: []FailureKind{DiskFull},
			MaxAttempts:  3,
			Cooldown:     5 * time.Minute,
			Timeout:      2 * time.Minute,
			Execute: func(ctx context.Context) error {
				removed, err := deps.Sweeper.Sweep(ctx)
				if err != nil {
					return err
				}
				log.Info().Int("removed", removed).Msg("Disk cleanup reclaimed partitions")
				return nil
			},
		})
	}

	return actions
}

// reprobeNetwork waits out a transient outage by re-dialing the probe
// address with a short backoff until the context expires
func reprobeNetwork(ctx context.Context, addr string) error {
	var dialer net.Dialer
	backoff := 2 * time.Second
	for {
		dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		conn, err := dialer.DialContext(dialCtx, "tcp", addr)
		cancel()
		if err == nil {
			conn.Close()
			return nil
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("network still unreachable: %w", err)
		case <-time.After(backoff):
		}
		if backoff < 10*time.Second {
			backoff *= 2
		}
	}
}
