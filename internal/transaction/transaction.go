// Package transaction defines the immutable transaction record shared by the
// scoring pipeline. The transport layer validates and constructs transactions;
// the core only reads them.
package transaction

import (
	"time"

	"github.com/shopspring/decimal"
)

// Transaction is a single wallet-to-wallet transfer under analysis.
// Fields are never mutated after construction.
type Transaction struct {
	ID         string            `json:"transactionId"`
	FromWallet string            `json:"fromWallet"`
	ToWallet   string            `json:"toWallet"`
	Amount     decimal.Decimal   `json:"amount"`
	Currency   string            `json:"currency"`
	Timestamp  time.Time         `json:"timestamp"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// AmountFloat returns the amount as a float64 for feature math.
// Precision loss above 2^53 is acceptable for scoring (not settlement).
func (t *Transaction) AmountFloat() float64 {
	return t.Amount.InexactFloat64()
}
