package risk

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// perfBufferSize bounds the rolling performance sample.
const perfBufferSize = 1000

// Risk factor extraction thresholds.
const (
	behavioralFactorThreshold = 0.7
	graphFactorThreshold      = 0.6
	anomalyFactorThreshold    = 0.7
	ruleBasedFactorThreshold  = 0.5
	largeAmountThreshold      = 10000.0
	highFrequencyThreshold    = 10
)

// Config bundles the engine settings replaced atomically by
// UpdateConfiguration.
type Config struct {
	Weights Weights `json:"weights"`
}

// perfSample is one completed assessment in the rolling buffer.
type perfSample struct {
	durationMs float64
	action     Action
}

// PerformanceMetrics is the rolling latency and decision snapshot.
type PerformanceMetrics struct {
	SampleCount  int            `json:"sampleCount"`
	MeanMs       float64        `json:"meanMs"`
	MedianMs     float64        `json:"medianMs"`
	P95Ms        float64        `json:"p95Ms"`
	P99Ms        float64        `json:"p99Ms"`
	ActionCounts map[Action]int `json:"actionCounts"`
}

// Engine is the real-time risk engine façade: score fusion, decision rules,
// rolling performance counters, and asynchronous audit recording.
type Engine struct {
	calculator *Calculator
	decisions  *DecisionEngine
	store      Store

	perfMu  sync.Mutex
	samples []perfSample
	next    int
	filled  bool
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithWeights sets the initial fusion weights.
func WithWeights(w Weights) EngineOption {
	return func(e *Engine) { e.calculator = NewCalculator(w) }
}

// NewEngine creates a risk engine backed by the given audit store. A nil
// store disables audit recording.
func NewEngine(store Store, opts ...EngineOption) *Engine {
	e := &Engine{
		calculator: NewCalculator(DefaultWeights()),
		decisions:  NewDecisionEngine(),
		store:      store,
		samples:    make([]perfSample, perfBufferSize),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Decisions exposes the decision engine for rule management.
func (e *Engine) Decisions() *DecisionEngine {
	return e.decisions
}

// Weights returns the current fusion weights.
func (e *Engine) Weights() Weights {
	return e.calculator.Weights()
}

// AssessTransactionRisk fuses the component scores, derives risk level and
// factors, and selects the enforcement action. Pure in-memory computation on
// the hot path; the audit write happens in the background.
func (e *Engine) AssessTransactionRisk(txID string, components ComponentScores, tctx *Context) (a *Assessment) {
	// Analysis faults must never block a transaction's passage; the worst
	// case is a neutral assessment flagged as degraded.
	defer func() {
		if r := recover(); r != nil {
			a = e.degradedAssessment(txID)
		}
	}()

	start := time.Now()
	if tctx == nil {
		tctx = &Context{}
	}

	sanitized := Sanitize(components)
	score, confidence := e.calculator.EnsembleScore(sanitized)

	a = &Assessment{
		ID:               uuid.NewString(),
		TransactionID:    txID,
		OverallRiskScore: round3(score),
		Confidence:       round3(confidence),
		RiskLevel:        LevelFor(score),
		ComponentScores:  sanitized,
		RiskFactors:      extractRiskFactors(sanitized, tctx),
		AssessedAt:       time.Now().UTC(),
	}

	action, _ := e.decisions.MakeDecision(a, tctx)
	a.RecommendedAction = action
	a.ProcessingTimeMs = float64(time.Since(start).Microseconds()) / 1000.0

	e.recordSample(a.ProcessingTimeMs, action)

	if e.store != nil {
		go func() {
			_ = e.store.Record(context.Background(), a)
		}()
	}
	return a
}

// BatchItem is one input to BatchAssess.
type BatchItem struct {
	TransactionID string
	Components    ComponentScores
	Context       *Context
}

// BatchAssess scores every item in parallel and returns one assessment per
// input in input order. A failure on one item degrades that item to a
// neutral assessment instead of aborting the batch.
func (e *Engine) BatchAssess(items []BatchItem) []*Assessment {
	results := make([]*Assessment, len(items))
	var wg sync.WaitGroup
	wg.Add(len(items))
	for i, item := range items {
		go func(i int, item BatchItem) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					results[i] = e.degradedAssessment(item.TransactionID)
				}
			}()
			results[i] = e.AssessTransactionRisk(item.TransactionID, item.Components, item.Context)
		}(i, item)
	}
	wg.Wait()
	return results
}

// degradedAssessment is the worst-case fallback: fully neutral, with an
// explicit indicator that assessment fell back.
func (e *Engine) degradedAssessment(txID string) *Assessment {
	return &Assessment{
		ID:                uuid.NewString(),
		TransactionID:     txID,
		OverallRiskScore:  0.5,
		Confidence:        0,
		RiskLevel:         LevelMedium,
		RecommendedAction: ActionFlag,
		RiskFactors:       []string{"assessment_degraded"},
		ComponentScores:   Sanitize(nil),
		AssessedAt:        time.Now().UTC(),
	}
}

// UpdateConfiguration atomically replaces the engine settings. Invalid
// configuration is rejected and the prior settings stay intact.
func (e *Engine) UpdateConfiguration(cfg Config) error {
	return e.calculator.SetWeights(cfg.Weights)
}

// PerformanceMetrics reports latency percentiles and per-action counts over
// the bounded rolling sample.
func (e *Engine) PerformanceMetrics() PerformanceMetrics {
	e.perfMu.Lock()
	n := e.next
	if e.filled {
		n = len(e.samples)
	}
	samples := make([]perfSample, n)
	copy(samples, e.samples[:n])
	e.perfMu.Unlock()

	m := PerformanceMetrics{
		SampleCount:  n,
		ActionCounts: make(map[Action]int),
	}
	if n == 0 {
		return m
	}

	durations := make([]float64, n)
	var total float64
	for i, s := range samples {
		durations[i] = s.durationMs
		total += s.durationMs
		m.ActionCounts[s.action]++
	}
	sort.Float64s(durations)

	m.MeanMs = total / float64(n)
	m.MedianMs = percentile(durations, 0.50)
	m.P95Ms = percentile(durations, 0.95)
	m.P99Ms = percentile(durations, 0.99)
	return m
}

func (e *Engine) recordSample(durationMs float64, action Action) {
	e.perfMu.Lock()
	e.samples[e.next] = perfSample{durationMs: durationMs, action: action}
	e.next++
	if e.next == len(e.samples) {
		e.next = 0
		e.filled = true
	}
	e.perfMu.Unlock()
}

func extractRiskFactors(components ComponentScores, tctx *Context) []string {
	var factors []string
	if components[ComponentBehavioral] > behavioralFactorThreshold {
		factors = append(factors, "unusual_behavior_pattern")
	}
	if components[ComponentGraph] > graphFactorThreshold {
		factors = append(factors, "suspicious_network_activity")
	}
	if components[ComponentAnomaly] > anomalyFactorThreshold {
		factors = append(factors, "anomalous_transaction_pattern")
	}
	if components[ComponentRuleBased] > ruleBasedFactorThreshold {
		factors = append(factors, "rule_violations")
	}
	if tctx.Amount > largeAmountThreshold {
		factors = append(factors, "large_amount")
	}
	if tctx.RecentTransactions > highFrequencyThreshold {
		factors = append(factors, "high_transaction_frequency")
	}
	if tctx.IsNewLocation {
		factors = append(factors, "new_location")
	}
	return factors
}

func percentile(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(math.Ceil(q*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}
