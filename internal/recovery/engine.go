package recovery

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/rs/zerolog"
	"github.com/segmentio/ksuid"

	"github.com/avramidis/strategos/internal/config"
	"github.com/avramidis/strategos/internal/metrics"
	"github.com/avramidis/strategos/internal/persistence"
)

// healthRecordID keys the rolling health snapshot record
const healthRecordID = "health"

// Prober supplies the per-cycle health snapshot. Satisfied by *Probes.
type Prober interface {
	Collect(ctx context.Context) HealthSnapshot
}

// AttemptStore persists attempts and health snapshots. Satisfied by the
// persistence store; nil disables persistence.
type AttemptStore interface {
	Store(id string, category persistence.Category, payload map[string]interface{}, metadata map[string]string) (string, error)
}

// EngineStatus is the engine's externally visible state
type EngineStatus struct {
	Running          bool           `json:"running"`
	LastCycle        time.Time      `json:"last_cycle,omitempty"`
	ActiveFailures   []FailureKind  `json:"active_failures,omitempty"`
	ActiveRecoveries int            `json:"active_recoveries"`
	AttemptCounts    map[string]int `json:"attempt_counts"`
	Exhausted        []string       `json:"exhausted,omitempty"`
}

// actionState is the engine's book-keeping for one registered action
type actionState struct {
	attempts        int
	lastAttempt     time.Time
	active          bool
	exhaustedLogged bool
}

// Engine runs the detection loop and dispatches recovery actions
type Engine struct {
	cfg    config.RecoveryConfig
	probes Prober
	store  AttemptStore
	prom   *metrics.Metrics
	log    zerolog.Logger

	mu          sync.Mutex
	actions     map[string]*Action
	states      map[string]*actionState
	attempts    []Attempt
	healthHist  []HealthSnapshot
	reported    map[FailureKind]time.Time
	lastCycle   time.Time
	lastSnap    HealthSnapshot
	activeCount int

	// gate, when set, must return true for dispatch to proceed
	gate func() bool

	pool      *ants.Pool
	running   atomic.Bool
	stopCh    chan struct{}
	stoppedCh chan struct{}
}

// New creates an engine with an empty action registry. store and prom
// may be nil.
func New(cfg config.RecoveryConfig, probes Prober, store AttemptStore, prom *metrics.Metrics, log zerolog.Logger) (*Engine, error) {
	pool, err := ants.NewPool(cfg.WorkerPoolSize, ants.WithNonblocking(true))
	if err != nil {
		return nil, fmt.Errorf("failed to create recovery worker pool: %w", err)
	}

	return &Engine{
		cfg:      cfg,
		probes:   probes,
		store:    store,
		prom:     prom,
		log:      log.With().Str("component", "recovery").Logger(),
		actions:  make(map[string]*Action),
		states:   make(map[string]*actionState),
		reported: make(map[FailureKind]time.Time),
		pool:     pool,
	}, nil
}

// RegisterAction adds an action under its unique id
func (e *Engine) RegisterAction(action *Action) error {
	if err := action.validate(); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.actions[action.ID]; exists {
		return fmt.Errorf("action %s is already registered", action.ID)
	}
	e.actions[action.ID] = action
	e.states[action.ID] = &actionState{}

	e.log.Info().
		Str("action", action.ID).
		Str("severity", string(action.Severity)).
		Int("max_attempts", action.MaxAttempts).
		Msg("Recovery action registered")
	return nil
}

// SetDispatchGate installs a predicate consulted before dispatching; a
// false return skips the cycle's dispatch phase. Used to silence
// recovery during emergency stop and shutdown.
func (e *Engine) SetDispatchGate(gate func() bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.gate = gate
}

// Report flags an externally observed failure for the next cycle.
// Reports expire after two monitoring intervals if not renewed.
func (e *Engine) Report(kind FailureKind) {
	e.mu.Lock()
	e.reported[kind] = time.Now()
	e.mu.Unlock()
	e.log.Info().Str("failure", string(kind)).Msg("Failure reported")
}

// Start launches the detection loop
func (e *Engine) Start() error {
	if !e.running.CompareAndSwap(false, true) {
		return fmt.Errorf("recovery engine already running")
	}
	e.stopCh = make(chan struct{})
	e.stoppedCh = make(chan struct{})
	go e.loop()
	e.log.Info().
		Dur("interval", e.cfg.MonitoringInterval()).
		Int("max_concurrent", e.cfg.MaxConcurrentRecoveries).
		Msg("Recovery engine started")
	return nil
}

// Stop halts the detection loop. In-flight actions run to completion
// under their own timeouts.
func (e *Engine) Stop() error {
	if !e.running.CompareAndSwap(true, false) {
		return nil
	}
	close(e.stopCh)
	<-e.stoppedCh
	e.pool.Release()
	e.log.Info().Msg("Recovery engine stopped")
	return nil
}

func (e *Engine) loop() {
	defer close(e.stoppedCh)

	ticker := time.NewTicker(e.cfg.MonitoringInterval())
	defer ticker.Stop()

	e.runCycle()
	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			e.runCycle()
		}
	}
}

// runCycle probes, merges reported failures and dispatches one eligible
// action per active failure
func (e *Engine) runCycle() {
	now := time.Now()

	e.mu.Lock()
	// the loop watching everything else also watches itself: a cycle gap
	// far past the interval means the process froze
	frozen := !e.lastCycle.IsZero() && now.Sub(e.lastCycle) > 3*e.cfg.MonitoringInterval()
	e.lastCycle = now
	e.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.MonitoringInterval())
	snap := e.probes.Collect(ctx)
	cancel()

	if frozen {
		snap.ActiveFailures = appendKind(snap.ActiveFailures, SystemFreeze)
	}

	e.mu.Lock()
	cutoff := now.Add(-2 * e.cfg.MonitoringInterval())
	for kind, at := range e.reported {
		if at.Before(cutoff) {
			delete(e.reported, kind)
			continue
		}
		snap.ActiveFailures = appendKind(snap.ActiveFailures, kind)
	}
	e.lastSnap = snap
	e.healthHist = append(e.healthHist, snap)
	if overflow := len(e.healthHist) - e.cfg.HealthHistorySize; overflow > 0 {
		e.healthHist = append([]HealthSnapshot(nil), e.healthHist[overflow:]...)
	}
	gate := e.gate
	e.mu.Unlock()

	e.persistHealth(snap)

	if len(snap.ActiveFailures) == 0 {
		return
	}
	e.log.Warn().
		Interface("failures", snap.ActiveFailures).
		Msg("Active failures detected")

	if gate != nil && !gate() {
		e.log.Debug().Msg("Recovery dispatch gated off")
		return
	}
	for _, kind := range snap.ActiveFailures {
		e.dispatchFor(kind)
	}
}

// dispatchFor picks the least invasive eligible action bound to the
// failure and hands it to the worker pool
func (e *Engine) dispatchFor(kind FailureKind) {
	e.mu.Lock()

	var candidates []*Action
	for _, action := range e.actions {
		if action.handles(kind) {
			candidates = append(candidates, action)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Severity.rank() != candidates[j].Severity.rank() {
			return candidates[i].Severity.rank() < candidates[j].Severity.rank()
		}
		return candidates[i].ID < candidates[j].ID
	})

	var chosen *Action
	for _, action := range candidates {
		if e.eligibleLocked(action) {
			chosen = action
			break
		}
	}
	if chosen == nil {
		e.mu.Unlock()
		e.log.Debug().Str("failure", string(kind)).Msg("No eligible recovery action")
		return
	}

	state := e.states[chosen.ID]
	state.active = true
	e.activeCount++
	attempt := &Attempt{
		ID:            ksuid.New().String(),
		ActionID:      chosen.ID,
		FailureKind:   kind,
		StartedAt:     time.Now().UTC(),
		Status:        AttemptInProgress,
		AttemptNumber: state.attempts + 1,
		MetricsBefore: snapshotMetrics(e.lastSnap),
	}
	e.mu.Unlock()

	e.log.Info().
		Str("action", chosen.ID).
		Str("failure", string(kind)).
		Int("attempt", attempt.AttemptNumber).
		Msg("Dispatching recovery action")

	if err := e.pool.Submit(func() { e.execute(chosen, attempt) }); err != nil {
		e.log.Warn().Err(err).Str("action", chosen.ID).Msg("Recovery worker pool saturated")
		e.finalize(chosen, attempt, AttemptCancelled, fmt.Errorf("worker pool saturated: %w", err))
		e.release(chosen.ID)
	}
}

// eligibleLocked applies the dispatch rules under e.mu
func (e *Engine) eligibleLocked(action *Action) bool {
	state := e.states[action.ID]
	if state.active {
		return false
	}
	if e.activeCount >= e.cfg.MaxConcurrentRecoveries {
		return false
	}
	if state.attempts >= action.MaxAttempts {
		if !state.exhaustedLogged {
			state.exhaustedLogged = true
			e.log.Error().
				Str("action", action.ID).
				Int("attempts", state.attempts).
				Msg("Recovery action exhausted; manual reset required")
		}
		return false
	}
	if !state.lastAttempt.IsZero() && time.Since(state.lastAttempt) < action.Cooldown {
		return false
	}
	for _, pre := range action.Prerequisites {
		if preState, ok := e.states[pre]; ok && preState.active {
			return false
		}
	}
	return true
}

// execute runs the action under its timeout. A worker that outlives the
// timeout is abandoned: the attempt is marked Timeout immediately but
// the action stays active until the worker actually returns, so the
// action can never run twice concurrently.
func (e *Engine) execute(action *Action, attempt *Attempt) {
	ctx, cancel := context.WithTimeout(context.Background(), action.Timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("action panicked: %v", r)
			}
		}()
		done <- action.Execute(ctx)
	}()

	select {
	case err := <-done:
		if err == nil && action.SuccessCriteria != nil && !action.SuccessCriteria(ctx) {
			err = fmt.Errorf("success criteria not met")
		}
		status := AttemptSuccess
		if err != nil {
			status = AttemptFailed
		}
		e.finalize(action, attempt, status, err)
		e.release(action.ID)
	case <-ctx.Done():
		e.finalize(action, attempt, AttemptTimeout, fmt.Errorf("timed out after %s", action.Timeout))
		go func() {
			<-done
			e.release(action.ID)
		}()
	}
}

// finalize settles the attempt record and the action's retry state.
// Terminal attempts are never rewritten.
func (e *Engine) finalize(action *Action, attempt *Attempt, status AttemptStatus, err error) {
	e.mu.Lock()

	if attempt.Status.Terminal() {
		e.mu.Unlock()
		return
	}
	attempt.Status = status
	attempt.CompletedAt = time.Now().UTC()
	attempt.Duration = attempt.CompletedAt.Sub(attempt.StartedAt)
	attempt.MetricsAfter = snapshotMetrics(e.lastSnap)
	if err != nil {
		attempt.Error = err.Error()
	}

	state := e.states[action.ID]
	switch status {
	case AttemptSuccess:
		state.attempts = 0
		state.exhaustedLogged = false
	case AttemptFailed, AttemptTimeout:
		state.attempts++
		state.lastAttempt = time.Now()
	}

	e.attempts = append(e.attempts, *attempt)
	if overflow := len(e.attempts) - e.cfg.RecoveryHistorySize; overflow > 0 {
		e.attempts = append([]Attempt(nil), e.attempts[overflow:]...)
	}
	e.mu.Unlock()

	evt := e.log.Info()
	if status != AttemptSuccess {
		evt = e.log.Warn()
	}
	evt.
		Str("action", action.ID).
		Str("status", string(status)).
		Dur("duration", attempt.Duration).
		Err(err).
		Msg("Recovery attempt finished")

	if e.prom != nil {
		e.prom.RecoveryAttempts.WithLabelValues(action.ID, string(status)).Inc()
	}
	e.persistAttempt(*attempt)
}

// release frees the action's concurrency slot
func (e *Engine) release(actionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if state, ok := e.states[actionID]; ok && state.active {
		state.active = false
		e.activeCount--
	}
}

// ResetAction clears an action's attempt budget so it may run again
func (e *Engine) ResetAction(actionID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	state, ok := e.states[actionID]
	if !ok {
		return fmt.Errorf("unknown action %s", actionID)
	}
	state.attempts = 0
	state.lastAttempt = time.Time{}
	state.exhaustedLogged = false
	e.log.Info().Str("action", actionID).Msg("Recovery action reset")
	return nil
}

// ResetAll clears every action's attempt budget
func (e *Engine) ResetAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, state := range e.states {
		state.attempts = 0
		state.lastAttempt = time.Time{}
		state.exhaustedLogged = false
	}
	e.log.Info().Msg("All recovery actions reset")
}

// Attempts returns a copy of the bounded attempt history, oldest first
func (e *Engine) Attempts() []Attempt {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Attempt(nil), e.attempts...)
}

// HealthHistory returns a copy of the bounded snapshot history
func (e *Engine) HealthHistory() []HealthSnapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]HealthSnapshot(nil), e.healthHist...)
}

// LatestHealth returns the most recent snapshot
func (e *Engine) LatestHealth() HealthSnapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastSnap
}

// Status reports the engine's current posture for the status API
func (e *Engine) Status() EngineStatus {
	e.mu.Lock()
	defer e.mu.Unlock()

	counts := make(map[string]int, len(e.states))
	var exhausted []string
	for id, state := range e.states {
		counts[id] = state.attempts
		if action, ok := e.actions[id]; ok && state.attempts >= action.MaxAttempts {
			exhausted = append(exhausted, id)
		}
	}
	sort.Strings(exhausted)

	return EngineStatus{
		Running:          e.running.Load(),
		LastCycle:        e.lastCycle,
		ActiveFailures:   append([]FailureKind(nil), e.lastSnap.ActiveFailures...),
		ActiveRecoveries: e.activeCount,
		AttemptCounts:    counts,
		Exhausted:        exhausted,
	}
}

func (e *Engine) persistAttempt(attempt Attempt) {
	if e.store == nil {
		return
	}
	payload, err := toMap(attempt)
	if err != nil {
		e.log.Error().Err(err).Msg("Failed to encode recovery attempt")
		return
	}
	meta := map[string]string{"action": attempt.ActionID, "status": string(attempt.Status)}
	if _, err := e.store.Store("attempt_"+attempt.ID, persistence.CategoryRecovery, payload, meta); err != nil {
		e.log.Error().Err(err).Msg("Failed to persist recovery attempt")
	}
}

func (e *Engine) persistHealth(snap HealthSnapshot) {
	if e.store == nil {
		return
	}
	payload, err := toMap(snap)
	if err != nil {
		e.log.Error().Err(err).Msg("Failed to encode health snapshot")
		return
	}
	if _, err := e.store.Store(healthRecordID, persistence.CategoryRecovery, payload, nil); err != nil {
		e.log.Error().Err(err).Msg("Failed to persist health snapshot")
	}
}

func snapshotMetrics(snap HealthSnapshot) map[string]interface{} {
	if snap.Timestamp.IsZero() {
		return nil
	}
	return map[string]interface{}{
		"cpu_percent":    snap.CPUPercent,
		"memory_percent": snap.MemoryPercent,
		"disk_percent":   snap.DiskPercent,
	}
}

func appendKind(kinds []FailureKind, kind FailureKind) []FailureKind {
	for _, k := range kinds {
		if k == kind {
			return kinds
		}
	}
	return append(kinds, kind)
}

func toMap(v interface{}) (map[string]interface{}, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	out := make(map[string]interface{})
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}
