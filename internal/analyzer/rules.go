package analyzer

import (
	"github.com/echopay/fraud-detection/internal/risk"
	"github.com/echopay/fraud-detection/internal/transaction"
)

// Rule-based context scoring bands.
const (
	ruleLargeAmount      = 10000.0
	ruleElevatedAmount   = 1000.0
	ruleHighVelocity     = 10
	ruleModerateVelocity = 5
	ruleYoungAccountDays = 7.0
)

// RuleBasedScore computes the rule_based component from the transaction and
// its declared context. Unlike the other components it is always computed
// locally and never defaulted.
func RuleBasedScore(tx *transaction.Transaction, userCtx *risk.Context) float64 {
	if userCtx == nil {
		userCtx = &risk.Context{}
	}

	score := 0.0
	amount := tx.AmountFloat()
	if userCtx.Amount > 0 {
		amount = userCtx.Amount
	}

	switch {
	case amount > ruleLargeAmount:
		score += 0.3
	case amount > ruleElevatedAmount:
		score += 0.1
	}

	// Micro-transactions are a common card-testing probe.
	if amount > 0 && amount < 1 {
		score += 0.2
	}

	switch {
	case userCtx.RecentTransactions > ruleHighVelocity:
		score += 0.4
	case userCtx.RecentTransactions > ruleModerateVelocity:
		score += 0.2
	}

	if userCtx.IsNewLocation {
		score += 0.2
	}

	if userCtx.AccountAgeDays > 0 && userCtx.AccountAgeDays < ruleYoungAccountDays && amount > ruleElevatedAmount {
		score += 0.3
	}

	if score > 1 {
		score = 1
	}
	return score
}
