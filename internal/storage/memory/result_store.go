package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/JakeFAU/gridcrawler/internal/harvest"
)

// ResultStore keeps result records in a map keyed by external id.
type ResultStore struct {
	mu      sync.RWMutex
	records map[string]harvest.ResultRecord
}

var _ harvest.ResultSink = (*ResultStore)(nil)

// NewResultStore constructs an empty ResultStore.
func NewResultStore() *ResultStore {
	return &ResultStore{records: make(map[string]harvest.ResultRecord)}
}

// Upsert inserts the record or refreshes the stored one, merging keywords.
func (s *ResultStore) Upsert(_ context.Context, record harvest.ResultRecord) error {
	if record.ExternalID == "" {
		return fmt.Errorf("external id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	merged := record
	merged.Keywords = mergeKeywords(nil, record.Keywords)
	if existing, ok := s.records[record.ExternalID]; ok {
		merged.Keywords = mergeKeywords(existing.Keywords, record.Keywords)
	}
	s.records[record.ExternalID] = merged
	return nil
}

// List returns all records ordered by external id.
func (s *ResultStore) List(_ context.Context) ([]harvest.ResultRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]harvest.ResultRecord, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExternalID < out[j].ExternalID })
	return out, nil
}

// Count returns the number of stored records.
func (s *ResultStore) Count(_ context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.records)), nil
}

// TruncateAll removes every record.
func (s *ResultStore) TruncateAll(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = make(map[string]harvest.ResultRecord)
	return nil
}

// Close implements harvest.ResultSink; it performs no action.
func (s *ResultStore) Close() {}

func mergeKeywords(existing, incoming []string) []string {
	out := make([]string, 0, len(existing)+len(incoming))
	seen := make(map[string]struct{}, len(existing)+len(incoming))
	for _, kw := range append(append([]string(nil), existing...), incoming...) {
		if kw == "" {
			continue
		}
		if _, ok := seen[kw]; ok {
			continue
		}
		seen[kw] = struct{}{}
		out = append(out, kw)
	}
	return out
}
