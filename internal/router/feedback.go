package router

import "sync"

// FeedbackStore accumulates per-candidate reward signal used as the
// historical term in route scoring.
type FeedbackStore struct {
	mu      sync.RWMutex
	records map[string]*feedbackRecord
}

type feedbackRecord struct {
	attempts int
	positive int
	negative int
}

func NewFeedbackStore() *FeedbackStore {
	return &FeedbackStore{records: make(map[string]*feedbackRecord)}
}

func candidateKey(providerName, model string) string {
	return providerName + "/" + model
}

// RecordAttempt notes that a candidate was dispatched to.
func (s *FeedbackStore) RecordAttempt(providerName, model string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record(providerName, model).attempts++
}

// RecordOutcome attributes a success or failure to a candidate. Failed
// dispatches count as negative feedback so the router steers away from
// flaky candidates over time.
func (s *FeedbackStore) RecordOutcome(providerName, model string, positive bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.record(providerName, model)
	if positive {
		rec.positive++
	} else {
		rec.negative++
	}
}

func (s *FeedbackStore) record(providerName, model string) *feedbackRecord {
	key := candidateKey(providerName, model)
	rec, ok := s.records[key]
	if !ok {
		rec = &feedbackRecord{}
		s.records[key] = rec
	}
	return rec
}

// Reward returns (positive - negative) / attempts normalized into 0..1,
// or the neutral 0.5 for candidates with no history.
func (s *FeedbackStore) Reward(providerName, model string) float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[candidateKey(providerName, model)]
	if !ok || rec.attempts == 0 {
		return 0.5
	}
	raw := float64(rec.positive-rec.negative) / float64(rec.attempts)
	return (raw + 1) / 2
}
