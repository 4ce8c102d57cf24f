// Package coordinator owns the lifecycle of all registered subsystems:
// priority-ordered startup and shutdown, periodic health polling, and the
// overall system state machine with its escalation rules.
package coordinator

import (
	"time"
)

// ComponentState describes one registered component's lifecycle position
type ComponentState string

const (
	ComponentOffline      ComponentState = "OFFLINE"
	ComponentInitializing ComponentState = "INITIALIZING"
	ComponentReady        ComponentState = "READY"
	ComponentRunning      ComponentState = "RUNNING"
	ComponentDegraded     ComponentState = "DEGRADED"
	ComponentUnavailable  ComponentState = "UNAVAILABLE"
	ComponentError        ComponentState = "ERROR"
)

// ComponentHealth is the result of one health poll plus the counters the
// coordinator maintains across polls
type ComponentHealth struct {
	Name             string                 `json:"name"`
	State            ComponentState         `json:"state"`
	Healthy          bool                   `json:"healthy"`
	Critical         bool                   `json:"critical,omitempty"`
	LastHeartbeat    time.Time              `json:"last_heartbeat"`
	ErrorCount       int                    `json:"error_count"`
	RecoveryAttempts int                    `json:"recovery_attempts"`
	Message          string                 `json:"message,omitempty"`
	Metrics          map[string]interface{} `json:"metrics,omitempty"`
}

// Component is the contract every registered subsystem implements.
// Initialize and Start run in ascending priority order, Stop in
// descending order; each call is bounded by a configured timeout.
type Component interface {
	Initialize() error
	Start() error
	Stop() error
	HealthCheck() ComponentHealth
}

// registration tracks one component plus the coordinator-side health view
type registration struct {
	name      string
	priority  int
	component Component
	health    ComponentHealth
	started   bool
}
