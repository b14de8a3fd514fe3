// Package risk fuses behavioral, graph, anomaly, and rule-based component
// scores into one risk assessment and runs it through an ordered,
// configurable decision-rule evaluator.
//
// Scores range from 0.0 (safe) to 1.0 (high risk). The engine is pure
// in-memory computation on the hot path; audit persistence is asynchronous
// and best effort.
package risk

import (
	"context"
	"errors"
	"time"
)

// Action is the enforcement action recommended for a transaction.
type Action string

const (
	ActionApprove Action = "approve"
	ActionFlag    Action = "flag"
	ActionHold    Action = "hold"
	ActionBlock   Action = "block"
)

// Level buckets an overall risk score.
type Level string

const (
	LevelLow      Level = "low"
	LevelMedium   Level = "medium"
	LevelHigh     Level = "high"
	LevelCritical Level = "critical"
)

// Risk level thresholds.
const (
	CriticalThreshold = 0.8
	HighThreshold     = 0.6
	MediumThreshold   = 0.4
)

// Component names for ComponentScores and weight maps.
const (
	ComponentBehavioral = "behavioral"
	ComponentGraph      = "graph"
	ComponentAnomaly    = "anomaly"
	ComponentRuleBased  = "rule_based"
)

// Defaults substituted when a component source is unavailable or its value
// is not a number. The rule-based component is computed locally by the
// caller and has no unavailability default.
const (
	DefaultBehavioralScore = 0.5
	DefaultGraphScore      = 0.1
	DefaultAnomalyScore    = 0.15
)

// ComponentScores maps component names to scores in [0,1].
type ComponentScores map[string]float64

// Context carries the transaction context fields consulted by decision rules
// and risk-factor extraction.
type Context struct {
	Amount             float64 `json:"amount"`
	RecentTransactions int     `json:"recentTransactions1h"`
	IsNewLocation      bool    `json:"isNewLocation"`
	AccountAgeDays     float64 `json:"accountAgeDays"`
	UserID             string  `json:"userId"`
}

// Assessment is the result of evaluating a single transaction. Immutable
// after construction.
type Assessment struct {
	ID                string          `json:"id"`
	TransactionID     string          `json:"transactionId"`
	OverallRiskScore  float64         `json:"overallRiskScore"`
	Confidence        float64         `json:"confidence"`
	RiskLevel         Level           `json:"riskLevel"`
	RecommendedAction Action          `json:"recommendedAction"`
	RiskFactors       []string        `json:"riskFactors"`
	ComponentScores   ComponentScores `json:"componentScores"`
	ProcessingTimeMs  float64         `json:"processingTimeMs"`
	AssessedAt        time.Time       `json:"assessedAt"`
}

// Feedback is a ground-truth label reported after the fact, used for
// ensemble weight recalibration.
type Feedback struct {
	TransactionID string    `json:"transactionId"`
	WasFraud      bool      `json:"wasFraud"`
	FeedbackType  string    `json:"feedbackType"`
	ReceivedAt    time.Time `json:"receivedAt"`
}

// Store persists assessments and feedback for the audit trail.
type Store interface {
	Record(ctx context.Context, assessment *Assessment) error
	ListByTransaction(ctx context.Context, txID string, limit int) ([]*Assessment, error)
	RecordFeedback(ctx context.Context, fb *Feedback) error
}

// Configuration errors rejected synchronously.
var (
	ErrInvalidConfig = errors.New("risk: invalid configuration")
	ErrInvalidRule   = errors.New("risk: invalid decision rule")
)

// LevelFor maps an overall score to its risk level.
func LevelFor(score float64) Level {
	switch {
	case score >= CriticalThreshold:
		return LevelCritical
	case score >= HighThreshold:
		return LevelHigh
	case score >= MediumThreshold:
		return LevelMedium
	default:
		return LevelLow
	}
}
