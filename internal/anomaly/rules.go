package anomaly

import (
	"github.com/echopay/fraud-detection/internal/features"
	"github.com/echopay/fraud-detection/internal/transaction"
)

// Heuristic point values. Each named pattern contributes a bounded increment;
// the final score is clamped to [0,1]. No training required.
const (
	roundAmountPoints       = 0.30
	highVelocityPoints      = 0.80
	moderateVelocityPoints  = 0.30
	microAmountPoints       = 0.25
	nightTimePoints         = 0.15
	newRecipientLargePoints = 0.35
)

const (
	highVelocityThreshold     = 0.8
	moderateVelocityThreshold = 0.5
	microAmountCeiling        = 1.0
	largeAmountForNewRecip    = 1000.0
)

// RuleDetector is the stateless heuristic scorer. Points are additive so that
// strengthening any single signal can never lower the score.
type RuleDetector struct{}

// NewRuleDetector creates the heuristic detector.
func NewRuleDetector() *RuleDetector {
	return &RuleDetector{}
}

// Score evaluates the heuristic point system over the transaction and its
// extracted features.
func (d *RuleDetector) Score(tx *transaction.Transaction, fv features.FeatureVector) float64 {
	var score float64
	amount := tx.AmountFloat()

	if fv["is_round_amount"] >= 1.0 {
		score += roundAmountPoints
	}

	switch v := fv["velocity_score"]; {
	case v > highVelocityThreshold:
		score += highVelocityPoints
	case v > moderateVelocityThreshold:
		score += moderateVelocityPoints
	}

	if amount > 0 && amount < microAmountCeiling {
		score += microAmountPoints
	}

	if fv["is_night"] >= 1.0 {
		score += nightTimePoints
	}

	if fv["is_new_recipient"] >= 1.0 && amount > largeAmountForNewRecip {
		score += newRecipientLargePoints
	}

	return clamp01(score)
}
