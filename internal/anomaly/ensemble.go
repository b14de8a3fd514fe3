package anomaly

import (
	"fmt"
	"math"
	"sync"

	"github.com/echopay/fraud-detection/internal/features"
	"github.com/echopay/fraud-detection/internal/transaction"
)

// Component names used in weight maps and score breakdowns.
const (
	ComponentTree        = "tree_ensemble"
	ComponentStatistical = "statistical"
	ComponentRuleBased   = "rule_based"
)

// Default ensemble weights. Must sum to 1.
var defaultWeights = map[string]float64{
	ComponentTree:        0.5,
	ComponentStatistical: 0.3,
	ComponentRuleBased:   0.2,
}

const weightSumTolerance = 1e-6

// Result is a scored transaction with its per-component breakdown.
type Result struct {
	Score      float64            `json:"score"`
	Components map[string]float64 `json:"components"`
	Trained    bool               `json:"trained"`
}

// TrainSummary aggregates the outcomes of training each component.
type TrainSummary struct {
	Statistical StatisticalSummary `json:"statistical"`
	Tree        TreeSummary        `json:"treeEnsemble"`
	Samples     int                `json:"samples"`
}

// Ensemble combines the tree-ensemble, statistical, and rule-based detectors
// under adaptive weights. Until Train succeeds the ensemble is untrained and
// every score is the neutral 0.5.
type Ensemble struct {
	statistical *StatisticalDetector
	rules       *RuleDetector
	tree        TreeScorer
	extractor   *features.Extractor

	mu      sync.RWMutex
	weights map[string]float64
	trained bool
}

// EnsembleOption configures an Ensemble.
type EnsembleOption func(*Ensemble)

// WithTreeScorer replaces the default isolation forest.
func WithTreeScorer(ts TreeScorer) EnsembleOption {
	return func(e *Ensemble) { e.tree = ts }
}

// WithWeights overrides the default component weights. Invalid weights are
// ignored in favor of the defaults.
func WithWeights(w map[string]float64) EnsembleOption {
	return func(e *Ensemble) {
		if err := validateWeights(w); err == nil {
			e.weights = copyWeights(w)
		}
	}
}

// NewEnsemble creates an untrained ensemble with default weights.
func NewEnsemble(opts ...EnsembleOption) *Ensemble {
	e := &Ensemble{
		statistical: NewStatisticalDetector(),
		rules:       NewRuleDetector(),
		tree:        NewIsolationForest(),
		extractor:   features.NewExtractor(),
		weights:     copyWeights(defaultWeights),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Train fits the statistical and tree components on historical transactions.
// The rule component needs no training. History maps each sender to their
// prior transactions and may be nil.
func (e *Ensemble) Train(txs []*transaction.Transaction, history map[string][]*transaction.Transaction) (TrainSummary, error) {
	if len(txs) == 0 {
		return TrainSummary{}, fmt.Errorf("ensemble: empty training batch")
	}

	samples := make([]features.FeatureVector, len(txs))
	for i, tx := range txs {
		samples[i] = e.extractor.Extract(tx, history[tx.FromWallet])
	}

	statSummary, err := e.statistical.Train(samples)
	if err != nil {
		return TrainSummary{}, fmt.Errorf("ensemble: statistical training: %w", err)
	}
	treeSummary, err := e.tree.Train(samples, features.Keys())
	if err != nil {
		return TrainSummary{}, fmt.Errorf("ensemble: tree training: %w", err)
	}

	e.mu.Lock()
	e.trained = true
	e.mu.Unlock()

	return TrainSummary{
		Statistical: statSummary,
		Tree:        treeSummary,
		Samples:     len(txs),
	}, nil
}

// Trained reports whether Train has completed successfully.
func (e *Ensemble) Trained() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.trained
}

// Score computes the weighted ensemble score for tx given the sender's
// history. An untrained ensemble returns exactly 0.5 overall with 0.5 for
// every component.
func (e *Ensemble) Score(tx *transaction.Transaction, history []*transaction.Transaction) Result {
	e.mu.RLock()
	trained := e.trained
	weights := e.weights
	e.mu.RUnlock()

	if !trained {
		return Result{
			Score: neutralScore,
			Components: map[string]float64{
				ComponentTree:        neutralScore,
				ComponentStatistical: neutralScore,
				ComponentRuleBased:   neutralScore,
			},
		}
	}

	fv := e.extractor.Extract(tx, history)

	components := map[string]float64{
		ComponentTree:        clamp01(e.tree.Score(fv)),
		ComponentStatistical: clamp01(e.statistical.Score(fv)),
		ComponentRuleBased:   e.rules.Score(tx, fv),
	}

	var score float64
	for name, w := range weights {
		score += w * components[name]
	}

	return Result{
		Score:      clamp01(score),
		Components: components,
		Trained:    true,
	}
}

// Weights returns a copy of the current component weights.
func (e *Ensemble) Weights() map[string]float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return copyWeights(e.weights)
}

// UpdateWeights atomically replaces the component weights. The new weights
// must cover exactly the three components, be non-negative, and sum to 1
// within tolerance; otherwise the current weights are kept and an error
// returned.
func (e *Ensemble) UpdateWeights(w map[string]float64) error {
	if err := validateWeights(w); err != nil {
		return err
	}
	e.mu.Lock()
	e.weights = copyWeights(w)
	e.mu.Unlock()
	return nil
}

func validateWeights(w map[string]float64) error {
	if len(w) != len(defaultWeights) {
		return fmt.Errorf("ensemble: expected %d weights, got %d", len(defaultWeights), len(w))
	}
	var sum float64
	for name := range defaultWeights {
		v, ok := w[name]
		if !ok {
			return fmt.Errorf("ensemble: missing weight for %q", name)
		}
		if math.IsNaN(v) || v < 0 {
			return fmt.Errorf("ensemble: invalid weight %v for %q", v, name)
		}
		sum += v
	}
	if math.Abs(sum-1.0) > weightSumTolerance {
		return fmt.Errorf("ensemble: weights sum to %v, want 1", sum)
	}
	return nil
}

func copyWeights(w map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(w))
	for k, v := range w {
		out[k] = v
	}
	return out
}
