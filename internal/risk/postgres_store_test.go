package risk_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/echopay/fraud-detection/internal/risk"
	"github.com/echopay/fraud-detection/internal/testutil"
)

func testAssessment(txID string) *risk.Assessment {
	return &risk.Assessment{
		ID:                uuid.NewString(),
		TransactionID:     txID,
		OverallRiskScore:  0.72,
		Confidence:        0.81,
		RiskLevel:         risk.LevelHigh,
		RecommendedAction: risk.ActionHold,
		RiskFactors:       []string{"large_amount", "new_location"},
		ComponentScores: risk.ComponentScores{
			risk.ComponentBehavioral: 0.8,
			risk.ComponentGraph:      0.6,
			risk.ComponentAnomaly:    0.7,
			risk.ComponentRuleBased:  0.4,
		},
		ProcessingTimeMs: 1.25,
		AssessedAt:       time.Now().UTC().Truncate(time.Millisecond),
	}
}

func TestPostgresStore_RecordAndList(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := risk.NewPostgresStore(db)
	ctx := context.Background()

	a := testAssessment("tx_pg_1")
	require.NoError(t, store.Record(ctx, a))

	got, err := store.ListByTransaction(ctx, "tx_pg_1", 10)
	require.NoError(t, err)
	require.Len(t, got, 1)

	assert.Equal(t, a.ID, got[0].ID)
	assert.Equal(t, a.TransactionID, got[0].TransactionID)
	assert.InDelta(t, a.OverallRiskScore, got[0].OverallRiskScore, 1e-9)
	assert.Equal(t, risk.LevelHigh, got[0].RiskLevel)
	assert.Equal(t, risk.ActionHold, got[0].RecommendedAction)
	assert.Equal(t, a.RiskFactors, got[0].RiskFactors)
	assert.InDelta(t, 0.8, got[0].ComponentScores[risk.ComponentBehavioral], 1e-9)
}

func TestPostgresStore_ListOrderAndLimit(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := risk.NewPostgresStore(db)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		a := testAssessment("tx_pg_multi")
		a.AssessedAt = base.Add(time.Duration(i) * time.Minute)
		a.OverallRiskScore = 0.1 * float64(i+1)
		require.NoError(t, store.Record(ctx, a))
	}

	got, err := store.ListByTransaction(ctx, "tx_pg_multi", 3)
	require.NoError(t, err)
	require.Len(t, got, 3)

	// Newest first
	assert.InDelta(t, 0.5, got[0].OverallRiskScore, 1e-9)
	assert.InDelta(t, 0.4, got[1].OverallRiskScore, 1e-9)
	assert.InDelta(t, 0.3, got[2].OverallRiskScore, 1e-9)
}

func TestPostgresStore_ListUnknownTransaction(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := risk.NewPostgresStore(db)

	got, err := store.ListByTransaction(context.Background(), "tx_never_recorded", 10)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestPostgresStore_RecordFeedback(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := risk.NewPostgresStore(db)
	ctx := context.Background()

	fb := &risk.Feedback{
		TransactionID: "tx_pg_fb",
		WasFraud:      true,
		FeedbackType:  "chargeback",
		ReceivedAt:    time.Now().UTC(),
	}
	require.NoError(t, store.RecordFeedback(ctx, fb))

	var count int
	require.NoError(t, db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM fraud_feedback WHERE transaction_id = $1`, "tx_pg_fb",
	).Scan(&count))
	assert.Equal(t, 1, count)
}
