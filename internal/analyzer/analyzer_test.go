package analyzer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/echopay/fraud-detection/internal/anomaly"
	"github.com/echopay/fraud-detection/internal/behavioral"
	"github.com/echopay/fraud-detection/internal/cache"
	"github.com/echopay/fraud-detection/internal/features"
	"github.com/echopay/fraud-detection/internal/graph"
	"github.com/echopay/fraud-detection/internal/risk"
	"github.com/echopay/fraud-detection/internal/transaction"
)

type failingCache struct{}

func (failingCache) Get(context.Context, string) ([]byte, bool, error) {
	return nil, false, errors.New("connection refused")
}
func (failingCache) Set(context.Context, string, []byte, time.Duration) error {
	return errors.New("connection refused")
}
func (failingCache) Delete(context.Context, string) error {
	return errors.New("connection refused")
}

type failingScorer struct{}

func (failingScorer) Score(context.Context, string, *transaction.Transaction) (float64, error) {
	return 0, errors.New("model service down")
}

// panicTreeScorer trains fine but panics on scoring.
type panicTreeScorer struct{}

func (panicTreeScorer) Score(features.FeatureVector) float64 { panic("tree scorer broken") }
func (panicTreeScorer) Train([]features.FeatureVector, []string) (anomaly.TreeSummary, error) {
	return anomaly.TreeSummary{}, nil
}
func (panicTreeScorer) Trained() bool { return true }

func testTx(id, from, to string, amount float64, ts time.Time) *transaction.Transaction {
	return &transaction.Transaction{
		ID:         id,
		FromWallet: from,
		ToWallet:   to,
		Amount:     decimal.NewFromFloat(amount),
		Currency:   "USD",
		Timestamp:  ts,
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestAnalyzer(t *testing.T, c cache.Cache, scorer behavioral.Scorer, ensemble *anomaly.Ensemble, opts ...Option) (*Analyzer, *risk.MemoryStore) {
	t.Helper()
	store := risk.NewMemoryStore()
	engine := risk.NewEngine(store)
	network := graph.NewService(graph.New(), graph.DefaultServiceConfig())
	if ensemble == nil {
		ensemble = anomaly.NewEnsemble()
	}
	if scorer == nil {
		scorer = behavioral.NewHistoryScorer(c)
	}
	return New(engine, network, ensemble, scorer, c, store, quietLogger(), opts...), store
}

// seedRoutine writes 20 routine transactions into the user's cached history
// and returns them for ensemble training. Amounts and hours vary so trained
// statistics have non-zero spread.
func seedRoutine(t *testing.T, c cache.Cache, user string, base time.Time) []*transaction.Transaction {
	t.Helper()
	history := make([]*transaction.Transaction, 0, 20)
	for i := 0; i < 20; i++ {
		day := base.Add(-time.Duration(i+1) * 24 * time.Hour)
		ts := time.Date(day.Year(), day.Month(), day.Day(), 9+i%9, 17, 0, 0, time.UTC)
		history = append(history, testTx(fmt.Sprintf("hist_%d", i), user, "regular_shop", 80+float64(i)*2, ts))
	}
	raw, err := json.Marshal(history)
	if err != nil {
		t.Fatalf("marshal history: %v", err)
	}
	if err := c.Set(context.Background(), behavioral.HistoryKey(user), raw, 0); err != nil {
		t.Fatalf("seed history: %v", err)
	}
	return history
}

func TestAnalyzeRejectsBadInput(t *testing.T) {
	a, _ := newTestAnalyzer(t, cache.NewMemory(), nil, nil)

	if _, err := a.Analyze(context.Background(), nil, nil); !errors.Is(err, ErrNilTransaction) {
		t.Errorf("nil tx error = %v", err)
	}
	if _, err := a.Analyze(context.Background(), testTx("", "a", "b", 10, time.Now()), nil); err == nil {
		t.Error("missing transaction id must be rejected")
	}
}

func TestAnalyzeUntrainedDefaults(t *testing.T) {
	a, _ := newTestAnalyzer(t, cache.NewMemory(), nil, nil)

	got, err := a.Analyze(context.Background(),
		testTx("tx_1", "wallet_a", "wallet_b", 50, time.Date(2025, 3, 4, 14, 0, 0, 0, time.UTC)), nil)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}

	if got.ComponentScores[risk.ComponentBehavioral] != 0.5 {
		t.Errorf("behavioral = %v, want neutral 0.5 without history", got.ComponentScores[risk.ComponentBehavioral])
	}
	if got.ComponentScores[risk.ComponentAnomaly] != 0.5 {
		t.Errorf("anomaly = %v, want 0.5 untrained", got.ComponentScores[risk.ComponentAnomaly])
	}
	if got.ComponentScores[risk.ComponentRuleBased] != 0 {
		t.Errorf("rule_based = %v, want 0 for an unremarkable transaction", got.ComponentScores[risk.ComponentRuleBased])
	}
	if got.RecommendedAction != risk.ActionApprove {
		t.Errorf("action = %v, want approve", got.RecommendedAction)
	}
}

func TestAnalyzeSurvivesCollaboratorFailures(t *testing.T) {
	ensemble := anomaly.NewEnsemble(anomaly.WithTreeScorer(panicTreeScorer{}))
	txs := seedRoutine(t, cache.NewMemory(), "user_x", time.Now())
	if _, err := ensemble.Train(txs, nil); err != nil {
		t.Fatalf("train: %v", err)
	}

	a, _ := newTestAnalyzer(t, failingCache{}, failingScorer{}, ensemble)

	got, err := a.Analyze(context.Background(),
		testTx("tx_degraded", "wallet_a", "wallet_b", 100, time.Now()), nil)
	if err != nil {
		t.Fatalf("failures must degrade, not error: %v", err)
	}

	if got.ComponentScores[risk.ComponentBehavioral] != risk.DefaultBehavioralScore {
		t.Errorf("behavioral = %v, want default %v", got.ComponentScores[risk.ComponentBehavioral], risk.DefaultBehavioralScore)
	}
	if got.ComponentScores[risk.ComponentAnomaly] != risk.DefaultAnomalyScore {
		t.Errorf("anomaly = %v, want default %v", got.ComponentScores[risk.ComponentAnomaly], risk.DefaultAnomalyScore)
	}

	factors := make(map[string]bool)
	for _, f := range got.RiskFactors {
		factors[f] = true
	}
	if !factors[FactorBehavioralUnavailable] {
		t.Error("missing behavioral fallback indicator")
	}
	if !factors[FactorAnomalyUnavailable] {
		t.Error("missing anomaly fallback indicator")
	}
}

func TestAnalyzeSuspiciousVersusRoutine(t *testing.T) {
	c := cache.NewMemory()
	now := time.Date(2025, 3, 4, 3, 0, 0, 0, time.UTC)
	history := seedRoutine(t, c, "user_wallet_1", now)

	ensemble := anomaly.NewEnsemble()
	if _, err := ensemble.Train(history, nil); err != nil {
		t.Fatalf("train: %v", err)
	}
	a, _ := newTestAnalyzer(t, c, nil, ensemble)

	// Large transfer to an unknown recipient at 3 AM from a new location,
	// amid a velocity burst.
	suspicious, err := a.Analyze(context.Background(),
		testTx("tx_sus", "user_wallet_1", "stranger_wallet", 15000, now),
		&risk.Context{Amount: 15000, RecentTransactions: 12, IsNewLocation: true, UserID: "user_wallet_1"})
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}

	// Routine small payment to the usual shop during business hours.
	routine, err := a.Analyze(context.Background(),
		testTx("tx_routine", "user_wallet_1", "regular_shop", 25, time.Date(2025, 3, 4, 14, 0, 0, 0, time.UTC)),
		&risk.Context{Amount: 25, RecentTransactions: 1, UserID: "user_wallet_1"})
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}

	if suspicious.OverallRiskScore <= 0.5 {
		t.Errorf("suspicious score = %v, want > 0.5", suspicious.OverallRiskScore)
	}
	if suspicious.RecommendedAction == risk.ActionApprove {
		t.Error("suspicious transaction must not be approved")
	}
	if routine.OverallRiskScore >= 0.3 {
		t.Errorf("routine score = %v, want < 0.3", routine.OverallRiskScore)
	}
	if routine.RecommendedAction != risk.ActionApprove {
		t.Errorf("routine action = %v, want approve", routine.RecommendedAction)
	}
	if suspicious.OverallRiskScore <= routine.OverallRiskScore {
		t.Error("suspicious transaction must outscore routine one")
	}

	factors := make(map[string]bool)
	for _, f := range suspicious.RiskFactors {
		factors[f] = true
	}
	for _, want := range []string{"large_amount", "high_transaction_frequency", "new_location"} {
		if !factors[want] {
			t.Errorf("suspicious assessment missing factor %q (got %v)", want, suspicious.RiskFactors)
		}
	}
}

func TestAnalyzeUpdatesHistoryAndCache(t *testing.T) {
	c := cache.NewMemory()
	a, _ := newTestAnalyzer(t, c, nil, nil)
	ctx := context.Background()

	tx := testTx("tx_cached", "user_a", "shop", 40, time.Now())
	if _, err := a.Analyze(ctx, tx, nil); err != nil {
		t.Fatalf("Analyze: %v", err)
	}

	history := a.loadHistory(ctx, "user_a")
	if len(history) != 1 || history[0].ID != "tx_cached" {
		t.Errorf("history after analyze = %+v", history)
	}

	cached, ok := a.CachedAssessment(ctx, "tx_cached")
	if !ok {
		t.Fatal("assessment not cached")
	}
	if cached.TransactionID != "tx_cached" {
		t.Errorf("cached transaction id = %s", cached.TransactionID)
	}
}

func TestAnalyzeHistoryBounded(t *testing.T) {
	c := cache.NewMemory()
	a, _ := newTestAnalyzer(t, c, nil, nil)
	ctx := context.Background()

	for i := 0; i < maxHistoryPerUser+20; i++ {
		tx := testTx(fmt.Sprintf("tx_%d", i), "user_b", "shop", 10, time.Now())
		if _, err := a.Analyze(ctx, tx, nil); err != nil {
			t.Fatalf("Analyze %d: %v", i, err)
		}
	}

	history := a.loadHistory(ctx, "user_b")
	if len(history) != maxHistoryPerUser {
		t.Errorf("history length = %d, want %d", len(history), maxHistoryPerUser)
	}
	if history[len(history)-1].ID != fmt.Sprintf("tx_%d", maxHistoryPerUser+19) {
		t.Errorf("newest entry = %s", history[len(history)-1].ID)
	}
}

func TestBatchAnalyzePreservesOrder(t *testing.T) {
	a, _ := newTestAnalyzer(t, cache.NewMemory(), nil, nil)

	items := make([]BatchItem, 20)
	for i := range items {
		items[i] = BatchItem{
			Transaction: testTx(fmt.Sprintf("batch_%d", i), fmt.Sprintf("w_%d", i), "shop", 10, time.Now()),
		}
	}
	items[7] = BatchItem{} // unusable input comes back nil

	results := a.BatchAnalyze(context.Background(), items)
	if len(results) != len(items) {
		t.Fatalf("results length = %d", len(results))
	}
	for i, r := range results {
		if i == 7 {
			if r != nil {
				t.Error("unusable item should yield nil")
			}
			continue
		}
		if r == nil || r.TransactionID != fmt.Sprintf("batch_%d", i) {
			t.Errorf("results[%d] = %+v, want batch_%d", i, r, i)
		}
	}
}

func TestSubmitFeedbackRecalibratesEnsemble(t *testing.T) {
	c := cache.NewMemory()
	now := time.Now()
	history := seedRoutine(t, c, "user_fb", now)

	ensemble := anomaly.NewEnsemble()
	if _, err := ensemble.Train(history, nil); err != nil {
		t.Fatalf("train: %v", err)
	}
	before := ensemble.Weights()

	a, store := newTestAnalyzer(t, c, nil, ensemble, WithRecalibrateEvery(2))
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		tx := testTx(fmt.Sprintf("fraud_%d", i), "user_fb", "mule_wallet", 20000, now)
		if _, err := a.Analyze(ctx, tx, &risk.Context{Amount: 20000}); err != nil {
			t.Fatalf("Analyze: %v", err)
		}
		if err := a.SubmitFeedback(ctx, tx.ID, true, "chargeback"); err != nil {
			t.Fatalf("SubmitFeedback: %v", err)
		}
	}

	if store.FeedbackCount() != 2 {
		t.Errorf("feedback records = %d, want 2", store.FeedbackCount())
	}

	after := ensemble.Weights()
	var sum float64
	changed := false
	for name, w := range after {
		sum += w
		if w != before[name] {
			changed = true
		}
	}
	if !changed {
		t.Error("weights unchanged after recalibration trigger")
	}
	if sum < 0.999 || sum > 1.001 {
		t.Errorf("recalibrated weights sum = %v", sum)
	}
}

func TestSubmitFeedbackValidation(t *testing.T) {
	a, _ := newTestAnalyzer(t, cache.NewMemory(), nil, nil)

	if err := a.SubmitFeedback(context.Background(), "", true, "manual_review"); err == nil {
		t.Error("empty transaction id must be rejected")
	}
	// Unknown transaction is still recorded; only correlation is skipped.
	if err := a.SubmitFeedback(context.Background(), "never_seen", false, ""); err != nil {
		t.Errorf("unknown transaction feedback: %v", err)
	}
}

func TestRuleBasedScore(t *testing.T) {
	ts := time.Now()
	tests := []struct {
		name string
		tx   *transaction.Transaction
		ctx  *risk.Context
		want float64
	}{
		{"unremarkable", testTx("t", "a", "b", 50, ts), &risk.Context{Amount: 50}, 0},
		{"elevated amount", testTx("t", "a", "b", 5000, ts), &risk.Context{Amount: 5000}, 0.1},
		{"large amount", testTx("t", "a", "b", 20000, ts), &risk.Context{Amount: 20000}, 0.3},
		{"micro probe", testTx("t", "a", "b", 0.5, ts), &risk.Context{Amount: 0.5}, 0.2},
		{"moderate velocity", testTx("t", "a", "b", 50, ts), &risk.Context{Amount: 50, RecentTransactions: 7}, 0.2},
		{"high velocity", testTx("t", "a", "b", 50, ts), &risk.Context{Amount: 50, RecentTransactions: 15}, 0.4},
		{"new location", testTx("t", "a", "b", 50, ts), &risk.Context{Amount: 50, IsNewLocation: true}, 0.2},
		{"young account large amount", testTx("t", "a", "b", 5000, ts), &risk.Context{Amount: 5000, AccountAgeDays: 2}, 0.4},
		{"nil context falls back to tx amount", testTx("t", "a", "b", 20000, ts), nil, 0.3},
		{
			"stacked signals clamp at 1",
			testTx("t", "a", "b", 20000, ts),
			&risk.Context{Amount: 20000, RecentTransactions: 20, IsNewLocation: true, AccountAgeDays: 1},
			1.0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := RuleBasedScore(tt.tx, tt.ctx)
			if diff := got - tt.want; diff > 1e-9 || diff < -1e-9 {
				t.Errorf("RuleBasedScore = %v, want %v", got, tt.want)
			}
		})
	}
}
