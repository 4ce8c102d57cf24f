package events

import (
	"encoding/json"

	"github.com/avramidis/strategos/internal/domain"
)

// Payload is the interface that all typed event payloads implement
// This allows for type-safe event data while maintaining flexibility
type Payload interface {
	// Kind returns the event kind this payload is associated with
	Kind() Kind
}

// PatternDetectedPayload contains data for PatternDetected events
type PatternDetectedPayload struct {
	PatternKind     domain.PatternKind `json:"pattern_kind"`
	Strength        float64            `json:"strength"`
	ConfluenceScore float64            `json:"confluence_score"`
	Direction       domain.Bias        `json:"direction"`
	Price           float64            `json:"price"`
	RecordID        string             `json:"record_id,omitempty"`
}

// Kind returns the event kind for PatternDetectedPayload
func (p *PatternDetectedPayload) Kind() Kind {
	return KindPatternDetected
}

// ConfluenceUpdatedPayload contains data for ConfluenceUpdated events
type ConfluenceUpdatedPayload struct {
	AnalysisID      string      `json:"analysis_id"`
	OverallStrength float64     `json:"overall_strength"`
	MarketBias      domain.Bias `json:"market_bias"`
	PatternCount    int         `json:"pattern_count"`
	ProcessingMs    float64     `json:"processing_ms"`
}

// Kind returns the event kind for ConfluenceUpdatedPayload
func (p *ConfluenceUpdatedPayload) Kind() Kind {
	return KindConfluenceUpdated
}

// SignalGeneratedPayload contains data for SignalGenerated events
type SignalGeneratedPayload struct {
	SignalID   string              `json:"signal_id"`
	Action     domain.SignalAction `json:"action"`
	Entry      float64             `json:"entry,omitempty"`
	StopLoss   float64             `json:"stop_loss,omitempty"`
	TakeProfit float64             `json:"take_profit,omitempty"`
	Confidence float64             `json:"confidence"`
	RewardRisk float64             `json:"reward_risk,omitempty"`
	Reason     string              `json:"reason,omitempty"`
}

// Kind returns the event kind for SignalGeneratedPayload
func (p *SignalGeneratedPayload) Kind() Kind {
	return KindSignalGenerated
}

// TradeOutcomePayload contains data for TradeOutcome events
type TradeOutcomePayload struct {
	SignalID    string  `json:"signal_id"`
	Ticket      int64   `json:"ticket,omitempty"`
	Outcome     string  `json:"outcome"` // "win", "loss", "breakeven"
	ProfitR     float64 `json:"profit_r"`
	DurationSec float64 `json:"duration_sec,omitempty"`
}

// Kind returns the event kind for TradeOutcomePayload
func (p *TradeOutcomePayload) Kind() Kind {
	return KindTradeOutcome
}

// PerformanceUpdatePayload contains data for PerformanceUpdate events
type PerformanceUpdatePayload struct {
	PatternKind  domain.PatternKind `json:"pattern_kind"`
	Occurrences  int                `json:"occurrences"`
	WinRate      float64            `json:"win_rate"`
	ProfitFactor float64            `json:"profit_factor"`
	Expectancy   float64            `json:"expectancy"`
	Confidence   float64            `json:"confidence"`
}

// Kind returns the event kind for PerformanceUpdatePayload
func (p *PerformanceUpdatePayload) Kind() Kind {
	return KindPerformanceUpdate
}

// LearningInsightPayload contains data for LearningInsight events
type LearningInsightPayload struct {
	PatternKind domain.PatternKind `json:"pattern_kind"`
	InsightKind string             `json:"insight_kind"` // "increase", "decrease", "review"
	Message     string             `json:"message"`
	Confidence  float64            `json:"confidence"`
}

// Kind returns the event kind for LearningInsightPayload
func (p *LearningInsightPayload) Kind() Kind {
	return KindLearningInsight
}

// StructureChangePayload contains data for StructureChange events
type StructureChangePayload struct {
	AnalysisID      string                `json:"analysis_id"`
	Phase           domain.MarketPhase    `json:"phase"`
	Trend           domain.TrendDirection `json:"trend"`
	BreakKind       string                `json:"break_kind,omitempty"` // "BOS" or "CHoCH"
	Level           float64               `json:"level,omitempty"`
	PhaseConfidence float64               `json:"phase_confidence"`
}

// Kind returns the event kind for StructureChangePayload
func (p *StructureChangePayload) Kind() Kind {
	return KindStructureChange
}

// SystemStatusPayload contains data for SystemStatus events
type SystemStatusPayload struct {
	State      string `json:"state"`
	Detail     string `json:"detail,omitempty"`
	Component  string `json:"component,omitempty"`
	ErrorCount int    `json:"error_count,omitempty"`
}

// Kind returns the event kind for SystemStatusPayload
func (p *SystemStatusPayload) Kind() Kind {
	return KindSystemStatus
}

// ToMap converts a typed payload to the map form carried on the Event.
// Conversion goes through JSON so tags stay the single source of key names.
func ToMap(data Payload) map[string]interface{} {
	if data == nil {
		return nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil
	}
	out := make(map[string]interface{})
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	return out
}

// FromMap converts an event payload map back into a typed struct.
// target must be a pointer to the payload type.
func FromMap(payload map[string]interface{}, target interface{}) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, target)
}
