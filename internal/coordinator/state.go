package coordinator

// SystemState is the coordinator's overall state
type SystemState string

const (
	SystemStopped       SystemState = "STOPPED"
	SystemInitializing  SystemState = "INITIALIZING"
	SystemStarting      SystemState = "STARTING"
	SystemRunning       SystemState = "RUNNING"
	SystemDegraded      SystemState = "DEGRADED"
	SystemEmergencyStop SystemState = "EMERGENCY_STOP"
	SystemShuttingDown  SystemState = "SHUTTING_DOWN"
	SystemError         SystemState = "ERROR"
)

// Ordinal maps states onto the gauge scale exported to monitoring
func (s SystemState) Ordinal() int {
	switch s {
	case SystemStopped:
		return 0
	case SystemInitializing:
		return 1
	case SystemStarting:
		return 2
	case SystemRunning:
		return 3
	case SystemDegraded:
		return 4
	case SystemEmergencyStop:
		return 5
	case SystemShuttingDown:
		return 6
	case SystemError:
		return 7
	default:
		return 7
	}
}

// validTransitions is the closed set of legal state changes. Shutdown is
// reachable from every state; Degraded may recover back to Running.
var validTransitions = map[SystemState][]SystemState{
	SystemStopped:       {SystemInitializing, SystemShuttingDown},
	SystemInitializing:  {SystemStarting, SystemError, SystemShuttingDown, SystemEmergencyStop},
	SystemStarting:      {SystemRunning, SystemError, SystemShuttingDown, SystemEmergencyStop},
	SystemRunning:       {SystemDegraded, SystemError, SystemEmergencyStop, SystemShuttingDown},
	SystemDegraded:      {SystemRunning, SystemError, SystemEmergencyStop, SystemShuttingDown},
	SystemError:         {SystemEmergencyStop, SystemShuttingDown},
	SystemEmergencyStop: {SystemStopped, SystemShuttingDown},
	SystemShuttingDown:  {SystemStopped},
}

// canTransition reports whether from -> to is a legal state change
func canTransition(from, to SystemState) bool {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}
