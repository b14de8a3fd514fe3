// Package behavioral wraps the black-box behavioral risk model. The
// production model runs as a separate service; HistoryScorer is the
// in-process reference implementation backed by cached user history.
package behavioral

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/echopay/fraud-detection/internal/cache"
	"github.com/echopay/fraud-detection/internal/transaction"
)

// NeutralScore is the fallback when the scorer is unavailable.
const NeutralScore = 0.5

// Scorer estimates how much a transaction deviates from the user's habits,
// in [0,1]. Callers fall back to NeutralScore on error.
type Scorer interface {
	Score(ctx context.Context, userID string, tx *transaction.Transaction) (float64, error)
}

// HistoryKey builds the cache key for a user's transaction history.
func HistoryKey(userID string) string {
	return "user_history:" + userID
}

// HistoryScorer scores against the user's cached transaction history.
type HistoryScorer struct {
	cache cache.Cache
}

// NewHistoryScorer creates a history-backed behavioral scorer.
func NewHistoryScorer(c cache.Cache) *HistoryScorer {
	return &HistoryScorer{cache: c}
}

// Score compares tx against the user's cached history. A missing or
// unreadable history yields the neutral score without error; only a decode
// of present-but-corrupt data reports one.
func (s *HistoryScorer) Score(ctx context.Context, userID string, tx *transaction.Transaction) (float64, error) {
	raw, ok, err := s.cache.Get(ctx, HistoryKey(userID))
	if err != nil || !ok {
		// Cache failure degrades to a miss.
		return NeutralScore, nil
	}

	var history []*transaction.Transaction
	if err := json.Unmarshal(raw, &history); err != nil {
		return NeutralScore, fmt.Errorf("behavioral: corrupt history for %s: %w", userID, err)
	}
	if len(history) == 0 {
		return NeutralScore, nil
	}

	return s.deviationScore(tx, history), nil
}

// deviationScore is an additive heuristic over habit deviations, clamped to
// [0,1]. A transaction matching the user's routine lands near 0.2.
func (s *HistoryScorer) deviationScore(tx *transaction.Transaction, history []*transaction.Transaction) float64 {
	score := 0.2

	var total float64
	recipients := make(map[string]struct{}, len(history))
	hours := make(map[int]int, 24)
	for _, h := range history {
		total += h.AmountFloat()
		recipients[h.ToWallet] = struct{}{}
		hours[h.Timestamp.UTC().Hour()]++
	}
	avg := total / float64(len(history))

	// Amount far above the user's average.
	if avg > 0 {
		switch ratio := tx.AmountFloat() / avg; {
		case ratio > 10:
			score += 0.35
		case ratio > 5:
			score += 0.25
		case ratio > 3:
			score += 0.15
		}
	}

	// Recipient the user has never paid.
	if _, seen := recipients[tx.ToWallet]; !seen {
		score += 0.15
	}

	// Hour of day the user has never transacted in, once there is enough
	// history to make that meaningful.
	if len(history) >= 10 && hours[tx.Timestamp.UTC().Hour()] == 0 {
		score += 0.15
	}

	// Burst relative to the user's recent cadence.
	recent := 0
	for _, h := range history {
		if tx.Timestamp.Sub(h.Timestamp) <= time.Hour && tx.Timestamp.After(h.Timestamp) {
			recent++
		}
	}
	if recent > 5 {
		score += 0.15
	}

	if score > 1 {
		score = 1
	}
	return score
}

var _ Scorer = (*HistoryScorer)(nil)
