// Package analyzer is the top-level fraud analysis façade. It gathers the
// behavioral, network, and anomaly component scores for a transaction, adds
// the locally computed rule-based score, and hands the bundle to the risk
// engine. Collaborator failures are logged and degraded, never fatal.
package analyzer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/echopay/fraud-detection/internal/anomaly"
	"github.com/echopay/fraud-detection/internal/behavioral"
	"github.com/echopay/fraud-detection/internal/cache"
	"github.com/echopay/fraud-detection/internal/graph"
	"github.com/echopay/fraud-detection/internal/logging"
	"github.com/echopay/fraud-detection/internal/metrics"
	"github.com/echopay/fraud-detection/internal/risk"
	"github.com/echopay/fraud-detection/internal/syncutil"
	"github.com/echopay/fraud-detection/internal/traces"
	"github.com/echopay/fraud-detection/internal/transaction"
)

// Tunables.
const (
	// DefaultRecalibrateEvery is how many confirmed frauds trigger an
	// ensemble weight recalibration.
	DefaultRecalibrateEvery = 25

	// maxHistoryPerUser bounds the cached per-user transaction history.
	maxHistoryPerUser = 100

	// maxPendingFeedback bounds the txID to component-score map held for
	// feedback correlation.
	maxPendingFeedback = 10000

	historyTTL    = 24 * time.Hour
	assessmentTTL = 5 * time.Minute
)

// Fallback indicators appended to the assessment's risk factors when a
// component source failed and its default was substituted.
const (
	FactorBehavioralUnavailable = "behavioral_model_unavailable"
	FactorNetworkUnavailable    = "network_analysis_unavailable"
	FactorAnomalyUnavailable    = "anomaly_detector_unavailable"
)

// ErrNilTransaction is returned when Analyze receives no transaction.
var ErrNilTransaction = errors.New("analyzer: nil transaction")

// componentPerf accumulates how well one ensemble component separated fraud
// from legitimate traffic across feedback submissions.
type componentPerf struct {
	sum float64
	n   int
}

// Analyzer orchestrates the full per-transaction scoring pipeline.
type Analyzer struct {
	engine     *risk.Engine
	network    *graph.Service
	ensemble   *anomaly.Ensemble
	behavioral behavioral.Scorer
	cache      cache.Cache
	store      risk.Store
	logger     *slog.Logger

	users *syncutil.ContextShardedMutex

	fbMu             sync.Mutex
	pending          map[string]map[string]float64 // txID -> ensemble component scores
	pendingOrder     []string
	perf             map[string]*componentPerf
	fraudCount       int
	recalibrateEvery int
}

// Option configures an Analyzer.
type Option func(*Analyzer)

// WithRecalibrateEvery overrides how many confirmed frauds trigger a weight
// recalibration. Non-positive values are ignored.
func WithRecalibrateEvery(n int) Option {
	return func(a *Analyzer) {
		if n > 0 {
			a.recalibrateEvery = n
		}
	}
}

// New creates an analyzer over its collaborators. store may be nil to
// disable feedback persistence; logger may be nil for the default.
func New(engine *risk.Engine, network *graph.Service, ensemble *anomaly.Ensemble,
	scorer behavioral.Scorer, c cache.Cache, store risk.Store, logger *slog.Logger, opts ...Option) *Analyzer {
	if logger == nil {
		logger = slog.Default()
	}
	a := &Analyzer{
		engine:           engine,
		network:          network,
		ensemble:         ensemble,
		behavioral:       scorer,
		cache:            c,
		store:            store,
		logger:           logger,
		users:            syncutil.NewContextShardedMutex(),
		pending:          make(map[string]map[string]float64),
		perf:             make(map[string]*componentPerf),
		recalibrateEvery: DefaultRecalibrateEvery,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Engine exposes the underlying risk engine for rule and configuration
// management.
func (a *Analyzer) Engine() *risk.Engine {
	return a.engine
}

// Ensemble exposes the anomaly ensemble for weight configuration.
func (a *Analyzer) Ensemble() *anomaly.Ensemble {
	return a.ensemble
}

// Analyze runs the full scoring pipeline for one transaction. Component
// sources that fail are replaced by their defaults and surfaced as fallback
// risk factors; the only error returned is for unusable input.
func (a *Analyzer) Analyze(ctx context.Context, tx *transaction.Transaction, userCtx *risk.Context) (*risk.Assessment, error) {
	if tx == nil {
		return nil, ErrNilTransaction
	}
	if tx.ID == "" {
		return nil, fmt.Errorf("analyzer: transaction missing id")
	}
	if userCtx == nil {
		userCtx = &risk.Context{}
	}
	userID := userCtx.UserID
	if userID == "" {
		userID = tx.FromWallet
	}

	ctx = logging.WithTransactionID(ctx, tx.ID)
	ctx, span := traces.StartSpan(ctx, "analyzer.Analyze",
		traces.TransactionID(tx.ID),
		traces.UserID(userID),
		traces.Amount(tx.Amount.String()),
	)
	defer span.End()

	start := time.Now()
	history := a.loadHistory(ctx, userID)

	var (
		wg          sync.WaitGroup
		behavScore  float64
		graphScore  float64
		anomalyRes  anomaly.Result
		behavFailed bool
		graphFailed bool
		anomFailed  bool
	)

	wg.Add(3)
	go func() {
		defer wg.Done()
		defer func() {
			if r := recover(); r != nil {
				behavScore, behavFailed = risk.DefaultBehavioralScore, true
			}
		}()
		score, err := a.behavioral.Score(ctx, userID, tx)
		if err != nil {
			logging.L(ctx).Warn("behavioral scorer failed", "error", err)
			behavScore, behavFailed = risk.DefaultBehavioralScore, true
			return
		}
		behavScore = score
	}()
	go func() {
		defer wg.Done()
		defer func() {
			if r := recover(); r != nil {
				graphScore, graphFailed = risk.DefaultGraphScore, true
			}
		}()
		graphScore = a.network.AnalyzeTransactionNetwork(tx.FromWallet, tx)
	}()
	go func() {
		defer wg.Done()
		defer func() {
			if r := recover(); r != nil {
				anomalyRes = anomaly.Result{Score: risk.DefaultAnomalyScore}
				anomFailed = true
			}
		}()
		anomalyRes = a.ensemble.Score(tx, history)
	}()
	wg.Wait()

	components := risk.ComponentScores{
		risk.ComponentBehavioral: behavScore,
		risk.ComponentGraph:      graphScore,
		risk.ComponentAnomaly:    anomalyRes.Score,
		risk.ComponentRuleBased:  RuleBasedScore(tx, userCtx),
	}

	assessment := a.engine.AssessTransactionRisk(tx.ID, components, userCtx)

	if behavFailed {
		metrics.ComponentFallbacksTotal.WithLabelValues(risk.ComponentBehavioral).Inc()
		assessment.RiskFactors = append(assessment.RiskFactors, FactorBehavioralUnavailable)
	}
	if graphFailed {
		metrics.ComponentFallbacksTotal.WithLabelValues(risk.ComponentGraph).Inc()
		assessment.RiskFactors = append(assessment.RiskFactors, FactorNetworkUnavailable)
	}
	if anomFailed {
		metrics.ComponentFallbacksTotal.WithLabelValues(risk.ComponentAnomaly).Inc()
		assessment.RiskFactors = append(assessment.RiskFactors, FactorAnomalyUnavailable)
	}

	metrics.AnalysesTotal.WithLabelValues(string(assessment.RecommendedAction)).Inc()
	metrics.RiskScoreDistribution.Observe(assessment.OverallRiskScore)
	metrics.AnalysisDuration.Observe(time.Since(start).Seconds())
	span.SetAttributes(
		traces.RiskScore(assessment.OverallRiskScore),
		traces.RiskAction(string(assessment.RecommendedAction)),
	)

	if !anomFailed && anomalyRes.Trained {
		a.rememberComponents(tx.ID, anomalyRes.Components)
	}
	a.appendHistory(ctx, userID, tx)
	a.cacheAssessment(ctx, assessment)

	logging.L(ctx).Info("transaction analyzed",
		"risk_score", assessment.OverallRiskScore,
		"risk_level", assessment.RiskLevel,
		"action", assessment.RecommendedAction,
		"duration_ms", assessment.ProcessingTimeMs)

	return assessment, nil
}

// BatchItem is one input to BatchAnalyze.
type BatchItem struct {
	Transaction *transaction.Transaction
	Context     *risk.Context
}

// BatchAnalyze scores every item in parallel and returns one assessment per
// input in input order. Items with unusable input come back nil.
func (a *Analyzer) BatchAnalyze(ctx context.Context, items []BatchItem) []*risk.Assessment {
	results := make([]*risk.Assessment, len(items))
	var wg sync.WaitGroup
	wg.Add(len(items))
	for i, item := range items {
		go func(i int, item BatchItem) {
			defer wg.Done()
			assessment, err := a.Analyze(ctx, item.Transaction, item.Context)
			if err != nil {
				logging.L(ctx).Warn("batch item skipped", "index", i, "error", err)
				return
			}
			results[i] = assessment
		}(i, item)
	}
	wg.Wait()
	return results
}

// TrainEnsemble fits the anomaly ensemble on a historical batch, using each
// sender's cached history for feature extraction.
func (a *Analyzer) TrainEnsemble(ctx context.Context, txs []*transaction.Transaction) (anomaly.TrainSummary, error) {
	history := make(map[string][]*transaction.Transaction)
	for _, tx := range txs {
		if _, ok := history[tx.FromWallet]; !ok {
			history[tx.FromWallet] = a.loadHistory(ctx, tx.FromWallet)
		}
	}
	return a.ensemble.Train(txs, history)
}

// SubmitFeedback records a ground-truth label for a prior assessment and
// feeds the adaptive ensemble recalibration. Every recalibrateEvery confirmed
// frauds the ensemble weights are recomputed from accumulated component
// performance.
func (a *Analyzer) SubmitFeedback(ctx context.Context, txID string, wasFraud bool, feedbackType string) error {
	if txID == "" {
		return fmt.Errorf("analyzer: feedback missing transaction id")
	}
	if feedbackType == "" {
		feedbackType = "manual_review"
	}

	if a.store != nil {
		fb := &risk.Feedback{
			TransactionID: txID,
			WasFraud:      wasFraud,
			FeedbackType:  feedbackType,
			ReceivedAt:    time.Now().UTC(),
		}
		if err := a.store.RecordFeedback(ctx, fb); err != nil {
			return fmt.Errorf("analyzer: record feedback: %w", err)
		}
	}
	metrics.FeedbackTotal.WithLabelValues(feedbackType).Inc()

	a.fbMu.Lock()
	defer a.fbMu.Unlock()

	if comps, ok := a.pending[txID]; ok {
		for name, score := range comps {
			p := a.perf[name]
			if p == nil {
				p = &componentPerf{}
				a.perf[name] = p
			}
			// A component performed well if it scored high on fraud and
			// low on legitimate traffic.
			if wasFraud {
				p.sum += score
			} else {
				p.sum += 1 - score
			}
			p.n++
		}
		delete(a.pending, txID)
	}

	if wasFraud {
		a.fraudCount++
		if a.fraudCount%a.recalibrateEvery == 0 {
			a.recalibrateLocked(ctx)
		}
	}
	return nil
}

// recalibrateLocked recomputes ensemble weights proportional to accumulated
// component performance. Caller holds fbMu.
func (a *Analyzer) recalibrateLocked(ctx context.Context) {
	current := a.ensemble.Weights()
	proposed := make(map[string]float64, len(current))
	var total float64
	for name := range current {
		avg := 0.0
		if p := a.perf[name]; p != nil && p.n > 0 {
			avg = p.sum / float64(p.n)
		}
		proposed[name] = avg
		total += avg
	}
	if total <= 0 {
		return
	}
	for name := range proposed {
		proposed[name] /= total
	}

	if err := a.ensemble.UpdateWeights(proposed); err != nil {
		logging.L(ctx).Warn("ensemble recalibration rejected", "error", err)
		return
	}
	metrics.EnsembleRecalibrationsTotal.Inc()
	logging.L(ctx).Info("ensemble weights recalibrated",
		"fraud_count", a.fraudCount, "weights", proposed)
}

// rememberComponents stores the ensemble breakdown for later feedback
// correlation, evicting the oldest entries past the bound.
func (a *Analyzer) rememberComponents(txID string, comps map[string]float64) {
	copied := make(map[string]float64, len(comps))
	for k, v := range comps {
		copied[k] = v
	}

	a.fbMu.Lock()
	defer a.fbMu.Unlock()
	if _, exists := a.pending[txID]; !exists {
		a.pendingOrder = append(a.pendingOrder, txID)
	}
	a.pending[txID] = copied
	for len(a.pendingOrder) > maxPendingFeedback {
		oldest := a.pendingOrder[0]
		a.pendingOrder = a.pendingOrder[1:]
		delete(a.pending, oldest)
	}
}

// loadHistory fetches the user's cached transaction history. Any failure is
// treated as an empty history.
func (a *Analyzer) loadHistory(ctx context.Context, userID string) []*transaction.Transaction {
	raw, ok, err := a.cache.Get(ctx, behavioral.HistoryKey(userID))
	if err != nil || !ok {
		return nil
	}
	var history []*transaction.Transaction
	if err := json.Unmarshal(raw, &history); err != nil {
		logging.L(ctx).Warn("corrupt cached history", "user_id", userID, "error", err)
		return nil
	}
	return history
}

// appendHistory adds tx to the user's cached history, bounded to the most
// recent maxHistoryPerUser entries. The read-modify-write serializes per user
// on a context-aware lock; cancellation skips the update.
func (a *Analyzer) appendHistory(ctx context.Context, userID string, tx *transaction.Transaction) {
	unlock, err := a.users.LockContext(ctx, userID)
	if err != nil {
		return
	}
	defer unlock()

	history := a.loadHistory(ctx, userID)
	history = append(history, tx)
	if len(history) > maxHistoryPerUser {
		history = history[len(history)-maxHistoryPerUser:]
	}

	raw, err := json.Marshal(history)
	if err != nil {
		return
	}
	if err := a.cache.Set(ctx, behavioral.HistoryKey(userID), raw, historyTTL); err != nil {
		logging.L(ctx).Warn("history cache update failed", "user_id", userID, "error", err)
	}
}

// cacheAssessment stores the assessment for short-lived duplicate lookups.
func (a *Analyzer) cacheAssessment(ctx context.Context, assessment *risk.Assessment) {
	raw, err := json.Marshal(assessment)
	if err != nil {
		return
	}
	key := "assessment:" + assessment.TransactionID
	if err := a.cache.Set(ctx, key, raw, assessmentTTL); err != nil {
		logging.L(ctx).Warn("assessment cache write failed", "error", err)
	}
}

// CachedAssessment returns the recent assessment for txID, if still cached.
func (a *Analyzer) CachedAssessment(ctx context.Context, txID string) (*risk.Assessment, bool) {
	raw, ok, err := a.cache.Get(ctx, "assessment:"+txID)
	if err != nil || !ok {
		return nil, false
	}
	var assessment risk.Assessment
	if err := json.Unmarshal(raw, &assessment); err != nil {
		return nil, false
	}
	return &assessment, true
}
