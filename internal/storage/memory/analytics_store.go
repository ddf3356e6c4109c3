package memory

import (
	"context"
	"sort"
	"strconv"
	"sync"

	"copy-mirror/internal/domain"
	"copy-mirror/internal/storage"
)

// AnalyticsStore is an in-memory implementation of storage.AnalyticsStore.
type AnalyticsStore struct {
	mu     sync.RWMutex
	fills  []*domain.FillRecord
	sweeps map[string]*domain.SweepResult // key: run_id|delay_ms
}

// NewAnalyticsStore creates a new in-memory AnalyticsStore.
func NewAnalyticsStore() *AnalyticsStore {
	return &AnalyticsStore{
		sweeps: make(map[string]*domain.SweepResult),
	}
}

// Compile-time interface check.
var _ storage.AnalyticsStore = (*AnalyticsStore)(nil)

func sweepKey(runID string, delayMs int64) string {
	return runID + "|" + strconv.FormatInt(delayMs, 10)
}

// InsertFillRecords appends fill analytics rows.
func (s *AnalyticsStore) InsertFillRecords(_ context.Context, records []*domain.FillRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range records {
		cp := *r
		s.fills = append(s.fills, &cp)
	}
	return nil
}

// FillRecords returns a copy of all fill rows in insertion order.
func (s *AnalyticsStore) FillRecords() []*domain.FillRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*domain.FillRecord, len(s.fills))
	for i, r := range s.fills {
		cp := *r
		result[i] = &cp
	}
	return result
}

// InsertSweepResults appends sweep rows atomically. Fails entire batch on any duplicate.
func (s *AnalyticsStore) InsertSweepResults(_ context.Context, results []*domain.SweepResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Check for duplicates (both existing and within batch)
	seen := make(map[string]struct{})
	for _, r := range results {
		key := sweepKey(r.RunID, r.DelayMs)
		if _, exists := s.sweeps[key]; exists {
			return storage.ErrDuplicateKey
		}
		if _, exists := seen[key]; exists {
			return storage.ErrDuplicateKey
		}
		seen[key] = struct{}{}
	}

	for _, r := range results {
		cp := *r
		s.sweeps[sweepKey(r.RunID, r.DelayMs)] = &cp
	}
	return nil
}

// GetSweepResults retrieves sweep rows of a run ordered by delay ASC.
func (s *AnalyticsStore) GetSweepResults(_ context.Context, runID string) ([]*domain.SweepResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.SweepResult
	for _, r := range s.sweeps {
		if r.RunID == runID {
			cp := *r
			result = append(result, &cp)
		}
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].DelayMs < result[j].DelayMs
	})
	return result, nil
}
