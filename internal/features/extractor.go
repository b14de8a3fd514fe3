// Package features turns a transaction plus optional sender history into a
// fixed-shape numeric feature vector for the anomaly detectors.
//
// The key set is versioned and identical across all invocations: when history
// is absent every history-derived feature takes a documented neutral default
// instead of being dropped. Extraction is deterministic — the only timestamp
// that enters the math is the transaction's own.
package features

import (
	"math"
	"sort"
	"time"

	"github.com/echopay/fraud-detection/internal/transaction"
)

// Version identifies the feature key set. Bump when keys change.
const Version = "v1"

// FeatureVector maps feature names to numeric values.
type FeatureVector map[string]float64

// Thresholds for amount-shape flags.
const (
	verySmallAmount = 1.0
	veryLargeAmount = 10000.0
)

// Hour bands for temporal flags.
const (
	nightEndHour      = 5  // 00:00-05:59 counts as night
	businessStartHour = 9
	businessEndHour   = 18
)

// featureKeys is the full v1 key set, in a stable order.
var featureKeys = []string{
	"amount", "amount_log", "amount_sqrt", "is_round_amount", "amount_digits",
	"amount_is_power_of_10", "amount_ends_in_zeros", "amount_is_very_small",
	"amount_is_very_large",
	"hour", "day_of_week", "is_weekend", "is_night", "is_business_hours",
	"month", "day_of_month",
	"user_avg_amount", "user_transaction_count", "amount_vs_user_avg",
	"is_new_recipient", "unique_recipients",
	"transactions_last_1h", "transactions_last_24h", "transactions_last_7d",
	"avg_time_between_tx", "velocity_score",
}

// Keys returns a copy of the v1 feature key set.
func Keys() []string {
	out := make([]string, len(featureKeys))
	copy(out, featureKeys)
	return out
}

// Extractor derives feature vectors from transactions.
type Extractor struct{}

// NewExtractor creates a feature extractor.
func NewExtractor() *Extractor {
	return &Extractor{}
}

// Extract builds the feature vector for tx. History is the sender's prior
// transactions, in any order; nil or empty history yields neutral defaults
// under the same key set.
func (e *Extractor) Extract(tx *transaction.Transaction, history []*transaction.Transaction) FeatureVector {
	fv := make(FeatureVector, len(featureKeys))

	e.amountFeatures(fv, tx.AmountFloat())
	e.temporalFeatures(fv, tx.Timestamp.UTC())
	e.historyFeatures(fv, tx, history)

	return fv
}

func (e *Extractor) amountFeatures(fv FeatureVector, amount float64) {
	fv["amount"] = amount
	fv["amount_log"] = math.Log1p(amount)
	fv["amount_sqrt"] = math.Sqrt(amount)
	fv["is_round_amount"] = boolFeature(isRoundAmount(amount))
	fv["amount_digits"] = float64(integerDigits(amount))
	fv["amount_is_power_of_10"] = boolFeature(isPowerOfTen(amount))
	fv["amount_ends_in_zeros"] = boolFeature(endsInZeros(amount))
	fv["amount_is_very_small"] = boolFeature(amount > 0 && amount < verySmallAmount)
	fv["amount_is_very_large"] = boolFeature(amount > veryLargeAmount)
}

func (e *Extractor) temporalFeatures(fv FeatureVector, ts time.Time) {
	hour := ts.Hour()
	// Monday=0 ... Sunday=6
	dow := (int(ts.Weekday()) + 6) % 7

	fv["hour"] = float64(hour)
	fv["day_of_week"] = float64(dow)
	fv["is_weekend"] = boolFeature(dow >= 5)
	fv["is_night"] = boolFeature(hour <= nightEndHour)
	fv["is_business_hours"] = boolFeature(hour >= businessStartHour && hour < businessEndHour)
	fv["month"] = float64(int(ts.Month()))
	fv["day_of_month"] = float64(ts.Day())
}

func (e *Extractor) historyFeatures(fv FeatureVector, tx *transaction.Transaction, history []*transaction.Transaction) {
	if len(history) == 0 {
		fv["user_avg_amount"] = 0.0
		fv["user_transaction_count"] = 0.0
		fv["amount_vs_user_avg"] = 1.0
		fv["is_new_recipient"] = 1.0
		fv["unique_recipients"] = 0.0
		fv["transactions_last_1h"] = 0.0
		fv["transactions_last_24h"] = 0.0
		fv["transactions_last_7d"] = 0.0
		fv["avg_time_between_tx"] = 0.0
		fv["velocity_score"] = 0.0
		return
	}

	var total float64
	recipients := make(map[string]struct{}, len(history))
	timestamps := make([]time.Time, 0, len(history))
	var last1h, last24h, last7d float64

	now := tx.Timestamp
	for _, h := range history {
		total += h.AmountFloat()
		recipients[h.ToWallet] = struct{}{}
		timestamps = append(timestamps, h.Timestamp)

		age := now.Sub(h.Timestamp)
		if age >= 0 {
			if age <= time.Hour {
				last1h++
			}
			if age <= 24*time.Hour {
				last24h++
			}
			if age <= 7*24*time.Hour {
				last7d++
			}
		}
	}

	avg := total / float64(len(history))
	fv["user_avg_amount"] = avg
	fv["user_transaction_count"] = float64(len(history))
	if avg > 0 {
		fv["amount_vs_user_avg"] = tx.AmountFloat() / avg
	} else {
		fv["amount_vs_user_avg"] = 1.0
	}

	_, seen := recipients[tx.ToWallet]
	fv["is_new_recipient"] = boolFeature(!seen)
	fv["unique_recipients"] = float64(len(recipients))
	fv["transactions_last_1h"] = last1h
	fv["transactions_last_24h"] = last24h
	fv["transactions_last_7d"] = last7d

	avgGap := averageGapSeconds(timestamps)
	fv["avg_time_between_tx"] = avgGap
	fv["velocity_score"] = velocityScore(avgGap)
}

// averageGapSeconds sorts timestamps chronologically and returns the mean
// inter-transaction gap in seconds. Fewer than two entries yields 0.
func averageGapSeconds(timestamps []time.Time) float64 {
	if len(timestamps) < 2 {
		return 0.0
	}
	sorted := make([]time.Time, len(timestamps))
	copy(sorted, timestamps)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Before(sorted[j]) })

	var totalGap float64
	for i := 1; i < len(sorted); i++ {
		totalGap += sorted[i].Sub(sorted[i-1]).Seconds()
	}
	return totalGap / float64(len(sorted)-1)
}

// velocityScore maps the average inter-transaction gap to [0,1]: back-to-back
// transactions approach 1, hourly-or-slower cadence approaches 0.
func velocityScore(avgGapSeconds float64) float64 {
	if avgGapSeconds <= 0 {
		return 0.0
	}
	gapHours := avgGapSeconds / 3600.0
	return 1.0 / (1.0 + gapHours)
}

// isRoundAmount reports whether amount is an exact multiple of a power of ten
// of at least 100 (e.g. 500, 1000, 20000; not 100.50 or 150).
func isRoundAmount(amount float64) bool {
	return amount >= 100 && amount == math.Trunc(amount) && math.Mod(amount, 100) == 0
}

func isPowerOfTen(amount float64) bool {
	if amount < 1 || amount != math.Trunc(amount) {
		return false
	}
	for p := 1.0; p <= amount; p *= 10 {
		if p == amount {
			return true
		}
	}
	return false
}

// endsInZeros reports whether amount is a whole number divisible by 10.
func endsInZeros(amount float64) bool {
	return amount >= 10 && amount == math.Trunc(amount) && math.Mod(amount, 10) == 0
}

func integerDigits(amount float64) int {
	n := int64(math.Abs(amount))
	if n == 0 {
		return 1
	}
	digits := 0
	for n > 0 {
		digits++
		n /= 10
	}
	return digits
}

func boolFeature(b bool) float64 {
	if b {
		return 1.0
	}
	return 0.0
}
