// Package events provides the real-time analytics event bus.
//
// Every pipeline stage, the coordinator, the recovery engine and the
// execution path publish structured events here; the dashboard state and
// external subscribers consume them. The bus is strictly in-process: a
// bounded queue with a single consumer, plus a synchronous fast path for
// high-priority events.
package events

import (
	"time"

	"github.com/google/uuid"

	"github.com/avramidis/strategos/internal/domain"
)

// Kind identifies the event family
type Kind string

const (
	KindPatternDetected   Kind = "PATTERN_DETECTED"
	KindConfluenceUpdated Kind = "CONFLUENCE_UPDATED"
	KindSignalGenerated   Kind = "SIGNAL_GENERATED"
	KindTradeOutcome      Kind = "TRADE_OUTCOME"
	KindPerformanceUpdate Kind = "PERFORMANCE_UPDATE"
	KindLearningInsight   Kind = "LEARNING_INSIGHT"
	KindStructureChange   Kind = "STRUCTURE_CHANGE"
	KindSystemStatus      Kind = "SYSTEM_STATUS"
)

// Component identifies the publisher
type Component string

const (
	ComponentConfluence  Component = "confluence_engine"
	ComponentStructure   Component = "structure_intelligence"
	ComponentSynthesizer Component = "signal_synthesizer"
	ComponentLearning    Component = "learning_system"
	ComponentRiskGate    Component = "risk_gate"
	ComponentCoordinator Component = "coordinator"
	ComponentRecovery    Component = "recovery_engine"
	ComponentIntegrator  Component = "integrator"
	ComponentExecution   Component = "execution_engine"
	ComponentPersistence Component = "persistence"
)

// Priority bands. Events at or above PriorityImmediate bypass the queue
// and are dispatched before Publish returns.
const (
	PriorityLow       = 2
	PriorityNormal    = 5
	PriorityHigh      = 7
	PriorityImmediate = 8
	PriorityCritical  = 9
)

// Event is the unit carried on the bus
type Event struct {
	ID        string                 `json:"id"`
	Kind      Kind                   `json:"kind"`
	Timestamp time.Time              `json:"timestamp"`
	Symbol    string                 `json:"symbol,omitempty"`
	Timeframe domain.Timeframe       `json:"timeframe,omitempty"`
	Component Component              `json:"component"`
	Priority  int                    `json:"priority"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
	Tags      []string               `json:"tags,omitempty"`
}

// New builds an event from a typed payload, filling ID and timestamp
func New(component Component, symbol string, timeframe domain.Timeframe, priority int, data Payload) Event {
	return Event{
		ID:        uuid.NewString(),
		Kind:      data.Kind(),
		Timestamp: time.Now().UTC(),
		Symbol:    symbol,
		Timeframe: timeframe,
		Component: component,
		Priority:  clampPriority(priority),
		Payload:   ToMap(data),
	}
}

func clampPriority(p int) int {
	if p < 1 {
		return 1
	}
	if p > 10 {
		return 10
	}
	return p
}
