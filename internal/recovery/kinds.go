// Package recovery detects failure conditions and dispatches bounded
// recovery actions.
//
// The engine probes system health on a fixed interval, maps bad probes to
// failure kinds, and for each active failure runs the least invasive
// eligible action. Attempts are capped, cooled down and persisted; the
// engine never retries past an action's budget without a manual reset.
package recovery

// FailureKind is the closed set of detectable failure conditions
type FailureKind string

const (
	BrokerConnectionLost FailureKind = "BROKER_CONNECTION_LOST"
	InternetDisconnected FailureKind = "INTERNET_DISCONNECTED"
	HighMemoryUsage      FailureKind = "HIGH_MEMORY_USAGE"
	HighCPUUsage         FailureKind = "HIGH_CPU_USAGE"
	DiskFull             FailureKind = "DISK_FULL"
	TradingEngineStuck   FailureKind = "TRADING_ENGINE_STUCK"
	MarketDataStale      FailureKind = "MARKET_DATA_STALE"
	OrderExecutionFailed FailureKind = "ORDER_EXECUTION_FAILED"
	LowMarginLevel       FailureKind = "LOW_MARGIN_LEVEL"
	SystemFreeze         FailureKind = "SYSTEM_FREEZE"
	LoggingFailure       FailureKind = "LOGGING_FAILURE"
	DatabaseError        FailureKind = "DATABASE_ERROR"
)

// Severity orders actions from least to most invasive
type Severity string

const (
	SeveritySoft      Severity = "SOFT"
	SeverityMedium    Severity = "MEDIUM"
	SeverityHard      Severity = "HARD"
	SeverityEmergency Severity = "EMERGENCY"
)

// rank gives the dispatch ordering; softer actions run first
func (s Severity) rank() int {
	switch s {
	case SeveritySoft:
		return 0
	case SeverityMedium:
		return 1
	case SeverityHard:
		return 2
	case SeverityEmergency:
		return 3
	default:
		return 4
	}
}

// AttemptStatus is the lifecycle of one recovery attempt
type AttemptStatus string

const (
	AttemptPending    AttemptStatus = "PENDING"
	AttemptInProgress AttemptStatus = "IN_PROGRESS"
	AttemptSuccess    AttemptStatus = "SUCCESS"
	AttemptFailed     AttemptStatus = "FAILED"
	AttemptCancelled  AttemptStatus = "CANCELLED"
	AttemptTimeout    AttemptStatus = "TIMEOUT"
)

// Terminal reports whether the status may no longer change
func (s AttemptStatus) Terminal() bool {
	switch s {
	case AttemptSuccess, AttemptFailed, AttemptCancelled, AttemptTimeout:
		return true
	default:
		return false
	}
}
