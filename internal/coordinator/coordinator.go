package coordinator

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/avramidis/strategos/internal/config"
	"github.com/avramidis/strategos/internal/metrics"
	"github.com/avramidis/strategos/internal/persistence"
)

// snapshotRecordID keys the rolling coordinator snapshot; every flush
// upserts the same record
const snapshotRecordID = "coordinator"

// StateCallback observes overall state transitions
type StateCallback func(old, new SystemState)

// HealthCallback observes per-component health changes
type HealthCallback func(name string, health ComponentHealth)

// StateStore persists coordinator snapshots. Satisfied by the
// persistence store; nil disables snapshot flushing.
type StateStore interface {
	Store(id string, category persistence.Category, payload map[string]interface{}, metadata map[string]string) (string, error)
}

// SystemHealth is a point-in-time snapshot of the whole system
type SystemHealth struct {
	OverallState    SystemState                `json:"overall_state"`
	ComponentHealth map[string]ComponentHealth `json:"component_health"`
	UptimeSeconds   float64                    `json:"uptime_seconds"`
	StartedAt       time.Time                  `json:"started_at,omitempty"`
	CriticalEvents  int                        `json:"critical_events"`
}

// Coordinator runs the component registry and the system state machine
type Coordinator struct {
	cfg   config.MonitoringConfig
	store StateStore
	prom  *metrics.Metrics
	log   zerolog.Logger

	mu             sync.RWMutex
	components     map[string]*registration
	state          SystemState
	startedAt      time.Time
	criticalEvents int
	stateCbs       []StateCallback
	healthCbs      []HealthCallback

	stopCh    chan struct{}
	stoppedCh chan struct{}
	stopOnce  sync.Once
	stopErr   error
}

// New creates a stopped coordinator. store and prom may be nil.
func New(cfg config.MonitoringConfig, store StateStore, prom *metrics.Metrics, log zerolog.Logger) *Coordinator {
	return &Coordinator{
		cfg:        cfg,
		store:      store,
		prom:       prom,
		log:        log.With().Str("component", "coordinator").Logger(),
		components: make(map[string]*registration),
		state:      SystemStopped,
	}
}

// Register adds a component under a unique name. Lower priority values
// initialize and start earlier, and stop later. Registration is only
// allowed before Start.
func (c *Coordinator) Register(name string, component Component, priority int) error {
	if name == "" {
		return fmt.Errorf("component name is required")
	}
	if component == nil {
		return fmt.Errorf("component %s is nil", name)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != SystemStopped {
		return fmt.Errorf("cannot register %s in state %s", name, c.state)
	}
	if _, exists := c.components[name]; exists {
		return fmt.Errorf("component %s is already registered", name)
	}

	c.components[name] = &registration{
		name:      name,
		priority:  priority,
		component: component,
		health: ComponentHealth{
			Name:  name,
			State: ComponentOffline,
		},
	}

	c.log.Info().Str("name", name).Int("priority", priority).Msg("Component registered")
	return nil
}

// Start initializes then starts all components in ascending priority
// order and launches the monitoring loops. On any failure the system
// lands in Error and the failing error is returned.
func (c *Coordinator) Start() error {
	if !c.transition(SystemInitializing, "start requested") {
		return fmt.Errorf("cannot start from state %s", c.State())
	}

	regs := c.byPriority()
	startupTimeout := c.cfg.ComponentStartupTimeout()

	for _, reg := range regs {
		c.setComponentState(reg.name, ComponentInitializing, true)
		if err := runBounded(startupTimeout, reg.component.Initialize); err != nil {
			c.setComponentState(reg.name, ComponentError, false)
			c.transition(SystemError, fmt.Sprintf("component %s failed to initialize", reg.name))
			return fmt.Errorf("failed to initialize component %s: %w", reg.name, err)
		}
		c.setComponentState(reg.name, ComponentReady, true)
		c.log.Info().Str("name", reg.name).Msg("Component initialized")
	}

	if !c.transition(SystemStarting, "components initialized") {
		return fmt.Errorf("cannot start from state %s", c.State())
	}

	for _, reg := range regs {
		if err := runBounded(startupTimeout, reg.component.Start); err != nil {
			c.setComponentState(reg.name, ComponentError, false)
			c.transition(SystemError, fmt.Sprintf("component %s failed to start", reg.name))
			return fmt.Errorf("failed to start component %s: %w", reg.name, err)
		}
		c.markStarted(reg.name)
		c.log.Info().Str("name", reg.name).Msg("Component started")
	}

	c.mu.Lock()
	c.startedAt = time.Now()
	c.stopCh = make(chan struct{})
	c.stoppedCh = make(chan struct{})
	c.mu.Unlock()

	c.transition(SystemRunning, "all components started")
	go c.runLoops()

	return nil
}

// Stop halts monitoring and stops components in reverse priority order.
// Emergency mode uses the short per-component budget. Safe to call more
// than once; later calls wait for the first to finish.
func (c *Coordinator) Stop(emergency bool) error {
	c.stopOnce.Do(func() {
		c.stopErr = c.doStop(emergency)
	})
	return c.stopErr
}

// EmergencyStop is Stop in emergency mode; callable from any component
func (c *Coordinator) EmergencyStop() error {
	return c.Stop(true)
}

func (c *Coordinator) doStop(emergency bool) error {
	c.mu.RLock()
	cur := c.state
	stopCh, stoppedCh := c.stopCh, c.stoppedCh
	c.mu.RUnlock()

	if cur == SystemStopped {
		return nil
	}

	if emergency {
		c.transition(SystemEmergencyStop, "emergency stop requested")
	} else {
		c.transition(SystemShuttingDown, "shutdown requested")
	}

	if stopCh != nil {
		close(stopCh)
		<-stoppedCh
	}

	timeout := c.cfg.ShutdownTimeout()
	if emergency {
		timeout = c.cfg.EmergencyShutdownTimeout()
	}

	regs := c.byPriority()
	var firstErr error
	for i := len(regs) - 1; i >= 0; i-- {
		reg := regs[i]
		if !c.isStarted(reg.name) {
			continue
		}
		if err := runBounded(timeout, reg.component.Stop); err != nil {
			c.log.Error().Err(err).Str("name", reg.name).Msg("Component stop failed")
			c.setComponentState(reg.name, ComponentError, false)
			if firstErr == nil {
				firstErr = fmt.Errorf("failed to stop component %s: %w", reg.name, err)
			}
			continue
		}
		c.setComponentState(reg.name, ComponentOffline, false)
		c.log.Info().Str("name", reg.name).Msg("Component stopped")
	}

	c.transition(SystemStopped, "all components stopped")
	return firstErr
}

// Status returns a snapshot of system and component health
func (c *Coordinator) Status() SystemHealth {
	c.mu.RLock()
	defer c.mu.RUnlock()

	comps := make(map[string]ComponentHealth, len(c.components))
	for name, reg := range c.components {
		comps[name] = reg.health
	}

	sh := SystemHealth{
		OverallState:    c.state,
		ComponentHealth: comps,
		CriticalEvents:  c.criticalEvents,
	}
	if !c.startedAt.IsZero() {
		sh.StartedAt = c.startedAt
		sh.UptimeSeconds = time.Since(c.startedAt).Seconds()
	}
	return sh
}

// State returns the current overall state
func (c *Coordinator) State() SystemState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// OnStateChange registers a callback fired synchronously on every
// transition. A panicking callback is contained and logged.
func (c *Coordinator) OnStateChange(cb StateCallback) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stateCbs = append(c.stateCbs, cb)
}

// OnHealthChange registers a callback fired when a component's health
// state flips
func (c *Coordinator) OnHealthChange(cb HealthCallback) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.healthCbs = append(c.healthCbs, cb)
}

// runLoops drives health polling, heartbeats and snapshot flushing until
// shutdown
func (c *Coordinator) runLoops() {
	defer close(c.stoppedCh)

	health := time.NewTicker(c.cfg.HealthCheckInterval())
	defer health.Stop()
	heartbeat := time.NewTicker(c.cfg.HeartbeatInterval())
	defer heartbeat.Stop()
	persist := time.NewTicker(c.cfg.MetricsPersistenceInterval())
	defer persist.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-health.C:
			c.checkComponents()
		case <-heartbeat.C:
			c.beatHeartbeats()
		case <-persist.C:
			c.persistSnapshot()
		}
	}
}

// checkComponents polls every started component under the timeout budget
// and recomputes the overall state
func (c *Coordinator) checkComponents() {
	c.mu.RLock()
	regs := make([]*registration, 0, len(c.components))
	for _, reg := range c.components {
		if reg.started {
			regs = append(regs, reg)
		}
	}
	c.mu.RUnlock()

	timeout := c.cfg.HealthCheckTimeout()
	for _, reg := range regs {
		health := pollHealth(reg.component, timeout)
		c.applyHealth(reg.name, health)
	}

	c.recomputeState()
}

// pollHealth invokes one health check with a timeout; a stuck or
// panicking check never blocks the monitor loop
func pollHealth(component Component, timeout time.Duration) ComponentHealth {
	done := make(chan ComponentHealth, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- ComponentHealth{
					State:   ComponentError,
					Healthy: false,
					Message: fmt.Sprintf("health check panicked: %v", r),
				}
			}
		}()
		done <- component.HealthCheck()
	}()

	select {
	case h := <-done:
		return h
	case <-time.After(timeout):
		return ComponentHealth{
			State:   ComponentUnavailable,
			Healthy: false,
			Message: fmt.Sprintf("health check timed out after %s", timeout),
		}
	}
}

// applyHealth folds one poll result into the registry. error_count counts
// consecutive unhealthy polls and resets on recovery; critical polls also
// bump the system-wide critical counter.
func (c *Coordinator) applyHealth(name string, health ComponentHealth) {
	c.mu.Lock()
	reg, ok := c.components[name]
	if !ok {
		c.mu.Unlock()
		return
	}

	prev := reg.health
	health.Name = name
	health.RecoveryAttempts = prev.RecoveryAttempts
	if health.LastHeartbeat.IsZero() {
		health.LastHeartbeat = prev.LastHeartbeat
	}
	if health.Healthy {
		health.ErrorCount = 0
	} else {
		health.ErrorCount = prev.ErrorCount + 1
	}
	if health.Critical {
		c.criticalEvents++
	}
	reg.health = health

	changed := prev.State != health.State || prev.Healthy != health.Healthy
	cbs := append([]HealthCallback(nil), c.healthCbs...)
	c.mu.Unlock()

	if !changed {
		return
	}
	c.log.Debug().
		Str("name", name).
		Str("state", string(health.State)).
		Bool("healthy", health.Healthy).
		Msg("Component health changed")
	for _, cb := range cbs {
		c.safeHealthCallback(cb, name, health)
	}
}

// recomputeState applies the escalation rules while the system is in
// Running or Degraded
func (c *Coordinator) recomputeState() {
	c.mu.RLock()
	cur := c.state
	if cur != SystemRunning && cur != SystemDegraded {
		c.mu.RUnlock()
		return
	}

	total, unhealthy, unavailable, maxErrors := 0, 0, 0, 0
	for _, reg := range c.components {
		if !reg.started {
			continue
		}
		total++
		if !reg.health.Healthy {
			unhealthy++
		}
		if reg.health.State == ComponentUnavailable {
			unavailable++
		}
		if reg.health.ErrorCount > maxErrors {
			maxErrors = reg.health.ErrorCount
		}
	}
	criticalEvents := c.criticalEvents
	c.mu.RUnlock()

	critical := maxErrors > c.cfg.CriticalErrorThreshold ||
		(total > 0 && unavailable*2 >= total)

	switch {
	case critical && c.cfg.EmergencyStopOnCriticalFailure && criticalEvents >= 2:
		if c.transition(SystemEmergencyStop, "critical failure escalation") {
			go func() {
				if err := c.Stop(true); err != nil {
					c.log.Error().Err(err).Msg("Emergency stop failed")
				}
			}()
		}
	case critical:
		c.transition(SystemError, "critical failure threshold exceeded")
	case unhealthy > 0:
		c.transition(SystemDegraded, fmt.Sprintf("%d unhealthy components", unhealthy))
	default:
		if cur == SystemDegraded {
			c.transition(SystemRunning, "components recovered")
		}
	}
}

// beatHeartbeats refreshes liveness timestamps for running components
func (c *Coordinator) beatHeartbeats() {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, reg := range c.components {
		if reg.started && reg.health.State == ComponentRunning {
			reg.health.LastHeartbeat = now
		}
	}
}

// transition moves the state machine if the change is legal, fires state
// callbacks and flushes a snapshot. Returns whether the state changed.
func (c *Coordinator) transition(to SystemState, reason string) bool {
	c.mu.Lock()
	from := c.state
	if from == to {
		c.mu.Unlock()
		return false
	}
	if !canTransition(from, to) {
		c.mu.Unlock()
		c.log.Warn().
			Str("from", string(from)).
			Str("to", string(to)).
			Str("reason", reason).
			Msg("Illegal state transition rejected")
		return false
	}
	c.state = to
	cbs := append([]StateCallback(nil), c.stateCbs...)
	c.mu.Unlock()

	c.log.Info().
		Str("from", string(from)).
		Str("to", string(to)).
		Str("reason", reason).
		Msg("System state changed")

	if c.prom != nil {
		c.prom.CoordinatorState.Set(float64(to.Ordinal()))
	}

	for _, cb := range cbs {
		c.safeStateCallback(cb, from, to)
	}
	c.persistSnapshot()
	return true
}

// persistSnapshot upserts the current system health into the state store
func (c *Coordinator) persistSnapshot() {
	if c.store == nil {
		return
	}

	payload, err := healthToMap(c.Status())
	if err != nil {
		c.log.Error().Err(err).Msg("Failed to encode system snapshot")
		return
	}
	if _, err := c.store.Store(snapshotRecordID, persistence.CategorySystemState, payload, nil); err != nil {
		c.log.Error().Err(err).Msg("Failed to persist system snapshot")
	}
}

func (c *Coordinator) safeStateCallback(cb StateCallback, from, to SystemState) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error().Interface("panic", r).Msg("State callback panicked")
		}
	}()
	cb(from, to)
}

func (c *Coordinator) safeHealthCallback(cb HealthCallback, name string, health ComponentHealth) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error().Interface("panic", r).Str("name", name).Msg("Health callback panicked")
		}
	}()
	cb(name, health)
}

// byPriority returns registrations sorted ascending, name-tiebroken
func (c *Coordinator) byPriority() []*registration {
	c.mu.RLock()
	defer c.mu.RUnlock()

	regs := make([]*registration, 0, len(c.components))
	for _, reg := range c.components {
		regs = append(regs, reg)
	}
	sort.Slice(regs, func(i, j int) bool {
		if regs[i].priority != regs[j].priority {
			return regs[i].priority < regs[j].priority
		}
		return regs[i].name < regs[j].name
	})
	return regs
}

func (c *Coordinator) setComponentState(name string, state ComponentState, healthy bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if reg, ok := c.components[name]; ok {
		reg.health.State = state
		reg.health.Healthy = healthy
	}
}

func (c *Coordinator) markStarted(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if reg, ok := c.components[name]; ok {
		reg.started = true
		reg.health.State = ComponentRunning
		reg.health.Healthy = true
		reg.health.LastHeartbeat = time.Now()
	}
}

func (c *Coordinator) isStarted(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	reg, ok := c.components[name]
	return ok && reg.started
}

// runBounded executes fn with a timeout; panics surface as errors
func runBounded(timeout time.Duration, fn func() error) error {
	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panicked: %v", r)
			}
		}()
		done <- fn()
	}()

	select {
	case err := <-done:
		return err
	case <-time.After(timeout):
		return fmt.Errorf("timed out after %s", timeout)
	}
}

// healthToMap goes through JSON so the persisted payload matches the
// wire shape of SystemHealth
func healthToMap(health SystemHealth) (map[string]interface{}, error) {
	raw, err := json.Marshal(health)
	if err != nil {
		return nil, err
	}
	out := make(map[string]interface{})
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}
