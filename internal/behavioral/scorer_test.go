package behavioral

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/echopay/fraud-detection/internal/cache"
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

func behavioralTx(amount float64, ts time.Time, to string) *transaction.Transaction {
	return &transaction.Transaction{
		ID:         "tx",
		FromWallet: "user_1",
		ToWallet:   to,
		Amount:     decimal.NewFromFloat(amount),
		Currency:   "USD",
		Timestamp:  ts,
	}
}

func seedHistory(t *testing.T, c cache.Cache, userID string, history []*transaction.Transaction) {
	t.Helper()
	raw, err := json.Marshal(history)
	if err != nil {
		t.Fatalf("marshal history: %v", err)
	}
	if err := c.Set(context.Background(), HistoryKey(userID), raw, 0); err != nil {
		t.Fatalf("seed cache: %v", err)
	}
}

func TestScoreNeutralWithoutHistory(t *testing.T) {
	s := NewHistoryScorer(cache.NewMemory())

	got, err := s.Score(context.Background(), "user_1", behavioralTx(100, time.Now(), "w1"))
	if err != nil {
		t.Fatalf("Score: %v", err)
	}
	if got != NeutralScore {
		t.Errorf("score = %v, want neutral %v", got, NeutralScore)
	}
}

func TestScoreNeutralOnCacheFailure(t *testing.T) {
	s := NewHistoryScorer(failingCache{})

	got, err := s.Score(context.Background(), "user_1", behavioralTx(100, time.Now(), "w1"))
	if err != nil {
		t.Fatalf("cache failure must not surface: %v", err)
	}
	if got != NeutralScore {
		t.Errorf("score = %v, want neutral %v", got, NeutralScore)
	}
}

func TestScoreCorruptHistory(t *testing.T) {
	c := cache.NewMemory()
	_ = c.Set(context.Background(), HistoryKey("user_1"), []byte("{not json"), 0)
	s := NewHistoryScorer(c)

	got, err := s.Score(context.Background(), "user_1", behavioralTx(100, time.Now(), "w1"))
	if err == nil {
		t.Error("corrupt history should report an error")
	}
	if got != NeutralScore {
		t.Errorf("score = %v, want neutral fallback", got)
	}
}

func TestScoreDeviationRaisesRisk(t *testing.T) {
	c := cache.NewMemory()
	now := time.Date(2025, 1, 8, 14, 0, 0, 0, time.UTC)

	history := make([]*transaction.Transaction, 0, 20)
	for i := 0; i < 20; i++ {
		history = append(history, behavioralTx(100, now.Add(-time.Duration(i+1)*24*time.Hour), "regular_shop"))
	}
	seedHistory(t, c, "user_1", history)
	s := NewHistoryScorer(c)

	routine, err := s.Score(context.Background(), "user_1", behavioralTx(105, now, "regular_shop"))
	if err != nil {
		t.Fatalf("Score: %v", err)
	}
	// 20x the average, unseen recipient, 3 AM.
	odd, err := s.Score(context.Background(), "user_1",
		behavioralTx(2000, time.Date(2025, 1, 8, 3, 0, 0, 0, time.UTC), "stranger"))
	if err != nil {
		t.Fatalf("Score: %v", err)
	}

	if odd <= routine {
		t.Errorf("deviant score %v should exceed routine %v", odd, routine)
	}
	for _, v := range []float64{routine, odd} {
		if v < 0 || v > 1 {
			t.Errorf("score %v out of [0,1]", v)
		}
	}
}
