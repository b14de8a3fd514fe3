package risk

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// PostgresStore persists assessments and feedback in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed assessment store. Schema is
// managed by the migrate command.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Record(ctx context.Context, assessment *Assessment) error {
	componentsJSON, err := json.Marshal(assessment.ComponentScores)
	if err != nil {
		return fmt.Errorf("failed to marshal component scores: %w", err)
	}
	factorsJSON, err := json.Marshal(assessment.RiskFactors)
	if err != nil {
		return fmt.Errorf("failed to marshal risk factors: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO risk_assessments
			(id, transaction_id, overall_score, confidence, risk_level,
			 recommended_action, component_scores, risk_factors,
			 processing_time_ms, assessed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`,
		assessment.ID,
		assessment.TransactionID,
		assessment.OverallRiskScore,
		assessment.Confidence,
		string(assessment.RiskLevel),
		string(assessment.RecommendedAction),
		componentsJSON,
		factorsJSON,
		assessment.ProcessingTimeMs,
		assessment.AssessedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record assessment: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListByTransaction(ctx context.Context, txID string, limit int) ([]*Assessment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, transaction_id, overall_score, confidence, risk_level,
		       recommended_action, component_scores, risk_factors,
		       processing_time_ms, assessed_at
		FROM risk_assessments
		WHERE transaction_id = $1
		ORDER BY assessed_at DESC
		LIMIT $2
	`, txID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list assessments: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*Assessment
	for rows.Next() {
		var a Assessment
		var componentsJSON, factorsJSON []byte
		var assessedAt time.Time

		if err := rows.Scan(&a.ID, &a.TransactionID, &a.OverallRiskScore, &a.Confidence,
			&a.RiskLevel, &a.RecommendedAction, &componentsJSON, &factorsJSON,
			&a.ProcessingTimeMs, &assessedAt); err != nil {
			continue
		}
		a.AssessedAt = assessedAt
		a.ComponentScores = make(ComponentScores)
		_ = json.Unmarshal(componentsJSON, &a.ComponentScores)
		_ = json.Unmarshal(factorsJSON, &a.RiskFactors)
		result = append(result, &a)
	}
	return result, rows.Err()
}

func (s *PostgresStore) RecordFeedback(ctx context.Context, fb *Feedback) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO fraud_feedback (transaction_id, was_fraud, feedback_type, received_at)
		VALUES ($1, $2, $3, $4)
	`, fb.TransactionID, fb.WasFraud, fb.FeedbackType, fb.ReceivedAt)
	if err != nil {
		return fmt.Errorf("failed to record feedback: %w", err)
	}
	return nil
}

var _ Store = (*PostgresStore)(nil)
