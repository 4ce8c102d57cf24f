package recovery

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avramidis/strategos/internal/config"
	"github.com/avramidis/strategos/internal/persistence"
)

var _ AttemptStore = (*persistence.Store)(nil)

type fakeProber struct {
	mu       sync.Mutex
	failures []FailureKind
}

func (f *fakeProber) set(kinds ...FailureKind) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures = kinds
}

func (f *fakeProber) Collect(ctx context.Context) HealthSnapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return HealthSnapshot{
		Timestamp:      time.Now().UTC(),
		ActiveFailures: append([]FailureKind(nil), f.failures...),
	}
}

type fakeAttemptStore struct {
	mu      sync.Mutex
	records []storedAttempt
}

type storedAttempt struct {
	id       string
	category persistence.Category
	payload  map[string]interface{}
	metadata map[string]string
}

func (s *fakeAttemptStore) Store(id string, category persistence.Category, payload map[string]interface{}, metadata map[string]string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, storedAttempt{id: id, category: category, payload: payload, metadata: metadata})
	return id, nil
}

func testRecoveryConfig() config.RecoveryConfig {
	return config.RecoveryConfig{
		MonitoringIntervalSec:       1,
		MaxConcurrentRecoveries:     2,
		RecoveryHistorySize:         500,
		HealthHistorySize:           1000,
		MemoryCriticalThresholdPct:  90,
		CPUCriticalThresholdPct:     95,
		DiskCriticalThresholdPct:    95,
		MarginCriticalThreshold:     150,
		MarketDataStaleThresholdMin: 5,
		NetworkProbeAddr:            "127.0.0.1:1",
		WorkerPoolSize:              3,
	}
}

func newTestEngine(t *testing.T, cfg config.RecoveryConfig, prober Prober, store AttemptStore) *Engine {
	t.Helper()
	e, err := New(cfg, prober, store, nil, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() {
		e.Stop()
		e.pool.Release()
	})
	return e
}

// failingAction records invocation times and always errors
func failingAction(id string, severity Severity, cooldown time.Duration, maxAttempts int, kinds ...FailureKind) (*Action, *invocationLog) {
	log := &invocationLog{}
	return &Action{
		ID:           id,
		Name:         id,
		Severity:     severity,
		FailureKinds: kinds,
		MaxAttempts:  maxAttempts,
		Cooldown:     cooldown,
		Timeout:      5 * time.Second,
		Execute: func(ctx context.Context) error {
			log.record()
			return errors.New("still broken")
		},
	}, log
}

type invocationLog struct {
	mu    sync.Mutex
	times []time.Time
}

func (l *invocationLog) record() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.times = append(l.times, time.Now())
}

func (l *invocationLog) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.times)
}

func (l *invocationLog) snapshot() []time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]time.Time(nil), l.times...)
}

func TestEngineDispatchesSoftestEligibleAction(t *testing.T) {
	prober := &fakeProber{}
	e := newTestEngine(t, testRecoveryConfig(), prober, nil)

	soft, softLog := failingAction("soft_fix", SeveritySoft, 0, 10, BrokerConnectionLost)
	hard, hardLog := failingAction("hard_fix", SeverityHard, 0, 10, BrokerConnectionLost)
	require.NoError(t, e.RegisterAction(hard))
	require.NoError(t, e.RegisterAction(soft))

	prober.set(BrokerConnectionLost)
	e.runCycle()

	require.Eventually(t, func() bool { return softLog.count() == 1 }, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, hardLog.count())
}

func TestEngineCooldownAndMaxAttempts(t *testing.T) {
	prober := &fakeProber{}
	e := newTestEngine(t, testRecoveryConfig(), prober, nil)

	cooldown := 250 * time.Millisecond
	action, log := failingAction("reconnect", SeveritySoft, cooldown, 3, BrokerConnectionLost)
	require.NoError(t, e.RegisterAction(action))

	prober.set(BrokerConnectionLost)
	for i := 0; i < 25; i++ {
		e.runCycle()
		time.Sleep(60 * time.Millisecond)
	}

	times := log.snapshot()
	require.Len(t, times, 3, "budget of 3 must be respected")
	for i := 1; i < len(times); i++ {
		gap := times[i].Sub(times[i-1])
		assert.GreaterOrEqual(t, gap, cooldown, "attempt %d fired inside the cooldown window", i+1)
	}
	assert.Contains(t, e.Status().Exhausted, "reconnect")

	// exhausted until a manual reset
	for i := 0; i < 5; i++ {
		e.runCycle()
		time.Sleep(20 * time.Millisecond)
	}
	assert.Equal(t, 3, log.count())

	require.NoError(t, e.ResetAction("reconnect"))
	e.runCycle()
	require.Eventually(t, func() bool { return log.count() == 4 }, 5*time.Second, 5*time.Millisecond)
}

func TestEngineSuccessResetsBudget(t *testing.T) {
	prober := &fakeProber{}
	e := newTestEngine(t, testRecoveryConfig(), prober, nil)

	var calls atomic.Int32
	action := &Action{
		ID:           "flaky_fix",
		Name:         "flaky fix",
		Severity:     SeveritySoft,
		FailureKinds: []FailureKind{DatabaseError},
		MaxAttempts:  2,
		Cooldown:     30 * time.Millisecond,
		Timeout:      time.Second,
		Execute: func(ctx context.Context) error {
			if calls.Add(1) == 1 {
				return errors.New("first try fails")
			}
			return nil
		},
	}
	require.NoError(t, e.RegisterAction(action))

	prober.set(DatabaseError)
	e.runCycle()
	require.Eventually(t, func() bool { return calls.Load() == 1 }, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, e.Status().AttemptCounts["flaky_fix"])

	time.Sleep(50 * time.Millisecond)
	e.runCycle()
	require.Eventually(t, func() bool { return calls.Load() == 2 }, 5*time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		return e.Status().AttemptCounts["flaky_fix"] == 0
	}, 5*time.Second, 5*time.Millisecond)

	attempts := e.Attempts()
	require.Len(t, attempts, 2)
	assert.Equal(t, AttemptFailed, attempts[0].Status)
	assert.Equal(t, AttemptSuccess, attempts[1].Status)
	assert.Equal(t, 1, attempts[0].AttemptNumber)
	assert.Equal(t, 2, attempts[1].AttemptNumber)
}

func TestEngineNeverRunsActionConcurrently(t *testing.T) {
	prober := &fakeProber{}
	e := newTestEngine(t, testRecoveryConfig(), prober, nil)

	var inFlight, maxInFlight atomic.Int32
	var calls atomic.Int32
	action := &Action{
		ID:           "slow_fix",
		Name:         "slow fix",
		Severity:     SeveritySoft,
		FailureKinds: []FailureKind{HighMemoryUsage},
		MaxAttempts:  10,
		Cooldown:     0,
		Timeout:      5 * time.Second,
		Execute: func(ctx context.Context) error {
			calls.Add(1)
			cur := inFlight.Add(1)
			for {
				prev := maxInFlight.Load()
				if cur <= prev || maxInFlight.CompareAndSwap(prev, cur) {
					break
				}
			}
			time.Sleep(300 * time.Millisecond)
			inFlight.Add(-1)
			return errors.New("slow and broken")
		},
	}
	require.NoError(t, e.RegisterAction(action))

	prober.set(HighMemoryUsage)
	e.runCycle()
	e.runCycle()
	e.runCycle()

	require.Eventually(t, func() bool { return calls.Load() >= 1 }, 5*time.Second, 5*time.Millisecond)
	time.Sleep(400 * time.Millisecond)

	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, int32(1), maxInFlight.Load())
}

func TestEngineConcurrencyBudget(t *testing.T) {
	cfg := testRecoveryConfig()
	cfg.MaxConcurrentRecoveries = 1

	prober := &fakeProber{}
	e := newTestEngine(t, cfg, prober, nil)

	var calls atomic.Int32
	slow := func(ctx context.Context) error {
		calls.Add(1)
		time.Sleep(200 * time.Millisecond)
		return nil
	}
	require.NoError(t, e.RegisterAction(&Action{
		ID: "fix_broker", Name: "fix broker", Severity: SeveritySoft,
		FailureKinds: []FailureKind{BrokerConnectionLost},
		MaxAttempts:  5, Timeout: 5 * time.Second, Execute: slow,
	}))
	require.NoError(t, e.RegisterAction(&Action{
		ID: "fix_memory", Name: "fix memory", Severity: SeveritySoft,
		FailureKinds: []FailureKind{HighMemoryUsage},
		MaxAttempts:  5, Timeout: 5 * time.Second, Execute: slow,
	}))

	prober.set(BrokerConnectionLost, HighMemoryUsage)
	e.runCycle()

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load(), "budget of 1 allows a single concurrent recovery")

	// once the slot frees the second failure gets its turn
	require.Eventually(t, func() bool {
		e.runCycle()
		return calls.Load() == 2
	}, 5*time.Second, 100*time.Millisecond)
}

func TestEngineTimeoutAbandonsWorker(t *testing.T) {
	prober := &fakeProber{}
	e := newTestEngine(t, testRecoveryConfig(), prober, nil)

	var calls atomic.Int32
	released := make(chan struct{})
	action := &Action{
		ID:           "stuck_fix",
		Name:         "stuck fix",
		Severity:     SeveritySoft,
		FailureKinds: []FailureKind{SystemFreeze},
		MaxAttempts:  5,
		Cooldown:     time.Millisecond,
		Timeout:      100 * time.Millisecond,
		Execute: func(ctx context.Context) error {
			calls.Add(1)
			<-released
			return nil
		},
	}
	require.NoError(t, e.RegisterAction(action))

	prober.set(SystemFreeze)
	e.runCycle()

	// the attempt times out while the worker is still blocked
	require.Eventually(t, func() bool {
		attempts := e.Attempts()
		return len(attempts) == 1 && attempts[0].Status == AttemptTimeout
	}, 5*time.Second, 10*time.Millisecond)

	// the action stays busy until the abandoned worker returns
	e.runCycle()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())

	close(released)
	require.Eventually(t, func() bool {
		e.runCycle()
		return calls.Load() == 2
	}, 5*time.Second, 20*time.Millisecond)

	// the timed-out attempt record is terminal and stays that way
	attempts := e.Attempts()
	assert.Equal(t, AttemptTimeout, attempts[0].Status)
}

func TestEngineReportedFailureDispatches(t *testing.T) {
	prober := &fakeProber{}
	e := newTestEngine(t, testRecoveryConfig(), prober, nil)

	action, log := failingAction("order_retry", SeveritySoft, 0, 5, OrderExecutionFailed)
	require.NoError(t, e.RegisterAction(action))

	e.Report(OrderExecutionFailed)
	e.runCycle()
	require.Eventually(t, func() bool { return log.count() == 1 }, 5*time.Second, 5*time.Millisecond)

	// a stale report no longer triggers dispatch
	e.mu.Lock()
	e.reported[OrderExecutionFailed] = time.Now().Add(-time.Minute)
	e.states["order_retry"].lastAttempt = time.Time{}
	e.mu.Unlock()

	e.runCycle()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, log.count())
}

func TestEngineDispatchGate(t *testing.T) {
	prober := &fakeProber{}
	e := newTestEngine(t, testRecoveryConfig(), prober, nil)

	action, log := failingAction("gated_fix", SeveritySoft, 0, 5, LoggingFailure)
	require.NoError(t, e.RegisterAction(action))

	var allowed atomic.Bool
	e.SetDispatchGate(func() bool { return allowed.Load() })

	prober.set(LoggingFailure)
	e.runCycle()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, log.count(), "gated-off engine must not dispatch")

	allowed.Store(true)
	e.runCycle()
	require.Eventually(t, func() bool { return log.count() == 1 }, 5*time.Second, 5*time.Millisecond)
}

func TestEnginePrerequisiteBlocksDependent(t *testing.T) {
	prober := &fakeProber{}
	e := newTestEngine(t, testRecoveryConfig(), prober, nil)

	baseStarted := make(chan struct{})
	baseRelease := make(chan struct{})
	var baseCalls, depCalls atomic.Int32

	require.NoError(t, e.RegisterAction(&Action{
		ID: "base", Name: "base", Severity: SeveritySoft,
		FailureKinds: []FailureKind{HighCPUUsage},
		MaxAttempts:  5, Cooldown: 10 * time.Second, Timeout: 5 * time.Second,
		Execute: func(ctx context.Context) error {
			baseCalls.Add(1)
			close(baseStarted)
			<-baseRelease
			return errors.New("base failed")
		},
	}))
	require.NoError(t, e.RegisterAction(&Action{
		ID: "dependent", Name: "dependent", Severity: SeverityMedium,
		FailureKinds:  []FailureKind{HighCPUUsage},
		Prerequisites: []string{"base"},
		MaxAttempts:   5, Timeout: 5 * time.Second,
		Execute: func(ctx context.Context) error {
			depCalls.Add(1)
			return nil
		},
	}))

	prober.set(HighCPUUsage)
	e.runCycle()
	<-baseStarted

	// base is active, so neither base nor its dependent may run
	e.runCycle()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), baseCalls.Load())
	assert.Equal(t, int32(0), depCalls.Load())

	close(baseRelease)
	// base lands in its long cooldown; the dependent becomes eligible
	require.Eventually(t, func() bool {
		e.runCycle()
		return depCalls.Load() == 1
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, int32(1), baseCalls.Load())
}

func TestEngineHistoryBounded(t *testing.T) {
	cfg := testRecoveryConfig()
	cfg.RecoveryHistorySize = 5

	prober := &fakeProber{}
	e := newTestEngine(t, cfg, prober, nil)

	action, log := failingAction("noisy_fix", SeveritySoft, 0, 100, MarketDataStale)
	require.NoError(t, e.RegisterAction(action))

	prober.set(MarketDataStale)
	for i := 1; i <= 10; i++ {
		e.runCycle()
		want := i
		require.Eventually(t, func() bool { return log.count() == want }, 5*time.Second, 5*time.Millisecond)
	}

	attempts := e.Attempts()
	require.Len(t, attempts, 5)
	assert.Equal(t, 10, attempts[4].AttemptNumber)
	assert.Equal(t, 6, attempts[0].AttemptNumber)
}

func TestEnginePersistsAttemptsAndHealth(t *testing.T) {
	prober := &fakeProber{}
	store := &fakeAttemptStore{}
	e := newTestEngine(t, testRecoveryConfig(), prober, store)

	action, log := failingAction("persisted_fix", SeveritySoft, 0, 5, DiskFull)
	require.NoError(t, e.RegisterAction(action))

	prober.set(DiskFull)
	e.runCycle()
	require.Eventually(t, func() bool { return log.count() == 1 }, 5*time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		var health, attempt bool
		for _, rec := range store.records {
			if rec.id == "health" {
				health = true
			}
			if rec.metadata["action"] == "persisted_fix" {
				attempt = true
			}
		}
		return health && attempt
	}, 5*time.Second, 10*time.Millisecond)

	store.mu.Lock()
	defer store.mu.Unlock()
	for _, rec := range store.records {
		assert.Equal(t, persistence.CategoryRecovery, rec.category)
		if rec.metadata["action"] == "persisted_fix" {
			assert.Equal(t, string(AttemptFailed), rec.metadata["status"])
		}
	}
}

func TestEngineFreezeWatchdog(t *testing.T) {
	prober := &fakeProber{}
	e := newTestEngine(t, testRecoveryConfig(), prober, nil)

	e.mu.Lock()
	e.lastCycle = time.Now().Add(-time.Minute)
	e.mu.Unlock()

	e.runCycle()
	assert.Contains(t, e.LatestHealth().ActiveFailures, SystemFreeze)
}

func TestEngineStartStop(t *testing.T) {
	prober := &fakeProber{}
	cfg := testRecoveryConfig()
	e, err := New(cfg, prober, nil, nil, zerolog.Nop())
	require.NoError(t, err)

	require.NoError(t, e.Start())
	assert.Error(t, e.Start())

	require.Eventually(t, func() bool {
		return !e.Status().LastCycle.IsZero()
	}, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, e.Stop())
	require.NoError(t, e.Stop())
	assert.False(t, e.Status().Running)
}

func TestRegisterActionValidation(t *testing.T) {
	prober := &fakeProber{}
	e := newTestEngine(t, testRecoveryConfig(), prober, nil)

	noop := func(ctx context.Context) error { return nil }

	assert.Error(t, e.RegisterAction(&Action{Name: "missing id", FailureKinds: []FailureKind{DiskFull}, MaxAttempts: 1, Timeout: time.Second, Execute: noop}))
	assert.Error(t, e.RegisterAction(&Action{ID: "no_exec", FailureKinds: []FailureKind{DiskFull}, MaxAttempts: 1, Timeout: time.Second}))
	assert.Error(t, e.RegisterAction(&Action{ID: "no_kinds", MaxAttempts: 1, Timeout: time.Second, Execute: noop}))
	assert.Error(t, e.RegisterAction(&Action{ID: "no_budget", FailureKinds: []FailureKind{DiskFull}, Timeout: time.Second, Execute: noop}))
	assert.Error(t, e.RegisterAction(&Action{ID: "no_timeout", FailureKinds: []FailureKind{DiskFull}, MaxAttempts: 1, Execute: noop}))

	require.NoError(t, e.RegisterAction(&Action{ID: "ok", FailureKinds: []FailureKind{DiskFull}, MaxAttempts: 1, Timeout: time.Second, Execute: noop}))
	assert.Error(t, e.RegisterAction(&Action{ID: "ok", FailureKinds: []FailureKind{DiskFull}, MaxAttempts: 1, Timeout: time.Second, Execute: noop}))
}

func TestDefaultActionsCatalogue(t *testing.T) {
	deps := ActionDeps{
		Broker:           &stubBroker{},
		Closer:           &stubCloser{},
		Restarter:        &stubRestarter{},
		Sweeper:          &stubSweeper{},
		NetworkProbeAddr: "1.1.1.1:53",
	}
	actions := DefaultActions(deps, zerolog.Nop())
	require.Len(t, actions, 6)

	byID := make(map[string]*Action, len(actions))
	for _, a := range actions {
		require.NoError(t, a.validate())
		byID[a.ID] = a
	}

	assert.Equal(t, SeveritySoft, byID["reconnect_broker"].Severity)
	assert.True(t, byID["reconnect_broker"].handles(BrokerConnectionLost))
	assert.NotNil(t, byID["reconnect_broker"].SuccessCriteria)

	assert.Equal(t, SeverityHard, byID["emergency_close_positions"].Severity)
	assert.True(t, byID["emergency_close_positions"].handles(LowMarginLevel))

	restart := byID["restart_trading_engine"]
	assert.True(t, restart.handles(TradingEngineStuck))
	assert.True(t, restart.handles(SystemFreeze))

	assert.True(t, byID["disk_cleanup"].handles(DiskFull))
	assert.True(t, byID["free_memory"].handles(HighMemoryUsage))
	assert.True(t, byID["restore_network"].handles(InternetDisconnected))

	// collaborator-less deps trim the catalogue down to self-contained actions
	bare := DefaultActions(ActionDeps{}, zerolog.Nop())
	require.Len(t, bare, 1)
	assert.Equal(t, "free_memory", bare[0].ID)
}

type stubBroker struct{}

func (s *stubBroker) Reconnect(ctx context.Context) error { return nil }
func (s *stubBroker) Ping(ctx context.Context) error      { return nil }

type stubCloser struct{}

func (s *stubCloser) CloseAll(ctx context.Context, reason string) error { return nil }

type stubRestarter struct{}

func (s *stubRestarter) Restart(ctx context.Context) error { return nil }

type stubSweeper struct{}

func (s *stubSweeper) Sweep(ctx context.Context) (int, error) { return 0, nil }
