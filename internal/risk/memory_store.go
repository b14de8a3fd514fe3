package risk

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory implementation of Store, used when no
// database is configured and in tests.
type MemoryStore struct {
	mu          sync.RWMutex
	assessments map[string][]*Assessment // transaction id -> assessments
	feedback    []*Feedback
}

// NewMemoryStore creates an in-memory assessment store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		assessments: make(map[string][]*Assessment),
	}
}

func (s *MemoryStore) Record(ctx context.Context, assessment *Assessment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.assessments[assessment.TransactionID] = append(
		s.assessments[assessment.TransactionID], copyAssessment(assessment))
	return nil
}

func (s *MemoryStore) ListByTransaction(ctx context.Context, txID string, limit int) ([]*Assessment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.assessments[txID]
	if len(all) == 0 {
		return nil, nil
	}

	// Most recent first, up to limit.
	start := len(all) - limit
	if start < 0 {
		start = 0
	}
	result := make([]*Assessment, 0, len(all)-start)
	for i := len(all) - 1; i >= start; i-- {
		result = append(result, copyAssessment(all[i]))
	}
	return result, nil
}

func (s *MemoryStore) RecordFeedback(ctx context.Context, fb *Feedback) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *fb
	s.feedback = append(s.feedback, &cp)
	return nil
}

// FeedbackCount returns the number of recorded feedback entries.
func (s *MemoryStore) FeedbackCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.feedback)
}

func copyAssessment(a *Assessment) *Assessment {
	cp := *a
	cp.ComponentScores = make(ComponentScores, len(a.ComponentScores))
	for k, v := range a.ComponentScores {
		cp.ComponentScores[k] = v
	}
	cp.RiskFactors = append([]string(nil), a.RiskFactors...)
	return &cp
}
