package domain

import (
	"fmt"
	"time"
)

// Direction is the side a strategy predicted for a trade.
type Direction string

const (
	DirectionLong  Direction = "long"
	DirectionShort Direction = "short"
	DirectionFlat  Direction = "flat"
)

// TradeRecord is one realized trade outcome as reported by the trading
// system. Records are immutable once created: the observer builds them,
// everything downstream only reads them.
type TradeRecord struct {
	Timestamp  time.Time `json:"timestamp" db:"ts"`
	StrategyID string    `json:"strategy_id" db:"strategy_id"`
	Symbol     string    `json:"symbol" db:"symbol"`
	Confidence float64   `json:"confidence" db:"confidence"`
	Direction  Direction `json:"direction" db:"direction"`
	Return     float64   `json:"return" db:"realized_return"`
	PnL        float64   `json:"pnl" db:"realized_pnl"`
}

// Validate reports whether the record carries usable data. Malformed
// records are skipped by the observer, never propagated.
func (r TradeRecord) Validate() error {
	if r.StrategyID == "" {
		return fmt.Errorf("missing strategy_id")
	}
	if r.Timestamp.IsZero() {
		return fmt.Errorf("missing timestamp")
	}
	if r.Confidence < 0 || r.Confidence > 1 {
		return fmt.Errorf("confidence %.4f out of [0,1]", r.Confidence)
	}
	switch r.Direction {
	case DirectionLong, DirectionShort, DirectionFlat:
	default:
		return fmt.Errorf("unknown direction %q", r.Direction)
	}
	return nil
}

// OutcomeIndicator is 1 when the realized return agrees with the predicted
// direction and 0 otherwise. Used against Confidence for the confidence
// error detector.
func (r TradeRecord) OutcomeIndicator() float64 {
	switch r.Direction {
	case DirectionLong:
		if r.Return > 0 {
			return 1
		}
	case DirectionShort:
		if r.Return < 0 {
			return 1
		}
	case DirectionFlat:
		if r.Return == 0 {
			return 1
		}
	}
	return 0
}

// StrategyStatus is the lifecycle state of a tracked strategy.
type StrategyStatus string

const (
	StatusActive   StrategyStatus = "active"
	StatusDegraded StrategyStatus = "degraded"
	StatusHalted   StrategyStatus = "halted"
)

// StrategyState holds the reinforcement engine's view of one strategy.
// The engine owns the canonical instance; copies are handed to readers.
type StrategyState struct {
	StrategyID   string         `json:"strategy_id"`
	Weight       float64        `json:"weight"`
	Window       []TradeRecord  `json:"-"`
	LastAdjusted time.Time      `json:"last_adjusted"`
	Status       StrategyStatus `json:"status"`
}

// AnomalyKind classifies a detected anomaly.
type AnomalyKind string

const (
	KindStatisticalOutlier AnomalyKind = "statistical_outlier"
	KindConfidenceError    AnomalyKind = "confidence_error"
	KindLargeLoss          AnomalyKind = "large_loss"
	KindPatternRepeat      AnomalyKind = "pattern_repeat"
	// Operational kinds raised outside the four record detectors.
	KindValidation     AnomalyKind = "validation"
	KindBackpressure   AnomalyKind = "backpressure"
	KindRetrainFailure AnomalyKind = "retrain_failure"
)

// Severity ranks how much attention an anomaly needs.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Rank maps a severity to an ordinal for comparisons.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 3
	case SeverityWarning:
		return 2
	case SeverityInfo:
		return 1
	default:
		return 0
	}
}

// AnomalyEvent is a single detection. Append-only: events are never
// mutated after creation.
type AnomalyEvent struct {
	ID         string      `json:"id" db:"id"`
	Timestamp  time.Time   `json:"timestamp" db:"ts"`
	StrategyID string      `json:"strategy_id" db:"strategy_id"`
	Kind       AnomalyKind `json:"kind" db:"kind"`
	Severity   Severity    `json:"severity" db:"severity"`
	Value      float64     `json:"metric_value" db:"metric_value"`
	Threshold  float64     `json:"threshold" db:"threshold"`
	Note       string      `json:"note,omitempty" db:"note"`
}

// StrategyScore is the per-strategy slice of a health snapshot.
type StrategyScore struct {
	Score  float64        `json:"score"`
	Sharpe float64        `json:"sharpe"`
	Weight float64        `json:"weight"`
	Status StrategyStatus `json:"status"`
	Trades int            `json:"trades"`
}

// HealthSnapshot is the last-known-good view of system health. A single
// current instance exists at any time and is replaced atomically each
// cycle, never partially updated.
type HealthSnapshot struct {
	Timestamp         time.Time                `json:"timestamp"`
	OverallScore      float64                  `json:"overall_score"`
	Strategies        map[string]StrategyScore `json:"strategies"`
	OpenAnomalies     int                      `json:"open_anomalies"`
	LastRetrain       time.Time                `json:"last_retrain"`
	MonitoringEnabled bool                     `json:"monitoring_enabled"`
	State             string                   `json:"state"`
	TopPerformers     []string                 `json:"top_performers,omitempty"`
	Underperformers   []string                 `json:"underperformers,omitempty"`
}

// Clone returns a deep copy so readers can never alias the stored map.
func (h *HealthSnapshot) Clone() *HealthSnapshot {
	if h == nil {
		return nil
	}
	cp := *h
	cp.Strategies = make(map[string]StrategyScore, len(h.Strategies))
	for k, v := range h.Strategies {
		cp.Strategies[k] = v
	}
	cp.TopPerformers = append([]string(nil), h.TopPerformers...)
	cp.Underperformers = append([]string(nil), h.Underperformers...)
	return &cp
}

// CommandKind enumerates the closed set of operator commands.
type CommandKind string

const (
	CmdGetStatus    CommandKind = "get_status"
	CmdForceRetrain CommandKind = "force_retrain"
	CmdPause        CommandKind = "pause_monitoring"
	CmdResume       CommandKind = "resume_monitoring"
)

// Command is an operator request routed into the orchestrator's command
// queue. Reply is fulfilled exactly once.
type Command struct {
	Kind       CommandKind
	StrategyID string
	IssuedAt   time.Time
	Reply      chan CommandResult
}

// CommandResult is the orchestrator's answer to a command.
type CommandResult struct {
	Accepted bool            `json:"accepted"`
	Reason   string          `json:"reason,omitempty"`
	Snapshot *HealthSnapshot `json:"snapshot,omitempty"`
}
