package store

import (
	"sync"
	"time"

	"github.com/hedgesys/sentinel/pkg/types"
)

const (
	// DefaultRetention is how long recorded samples stay queryable.
	DefaultRetention = 2 * time.Hour

	// TrendWindowSize is the short window kept for lightweight trend
	// classification, separate from the full retention buffer.
	TrendWindowSize = 10
)

// accountBuffer holds the sample history for one account.
type accountBuffer struct {
	samples []types.MarginSample // time-ordered, oldest first
	trend   []types.MarginSample // most recent TrendWindowSize samples
}

// SampleStore is the per-account bounded sample buffer. Only the store
// mutates its buffers; other components read through accessors.
type SampleStore struct {
	mu        sync.RWMutex
	accounts  map[string]*accountBuffer
	retention time.Duration
}

// NewSampleStore creates a store with the default 2 hour retention.
func NewSampleStore() *SampleStore {
	return NewSampleStoreWithRetention(DefaultRetention)
}

// NewSampleStoreWithRetention creates a store with a custom retention.
func NewSampleStoreWithRetention(retention time.Duration) *SampleStore {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &SampleStore{
		accounts:  make(map[string]*accountBuffer),
		retention: retention,
	}
}

// Record appends a sample for the account and evicts expired entries.
// The account buffer is created on first use.
func (s *SampleStore) Record(accountID string, sample types.MarginSample) {
	s.mu.Lock()
	defer s.mu.Unlock()

	buf, exists := s.accounts[accountID]
	if !exists {
		buf = &accountBuffer{}
		s.accounts[accountID] = buf
	}

	buf.samples = append(buf.samples, sample)

	cutoff := sample.Timestamp.Add(-s.retention)
	idx := 0
	for idx < len(buf.samples) && buf.samples[idx].Timestamp.Before(cutoff) {
		idx++
	}
	if idx > 0 {
		buf.samples = append(buf.samples[:0], buf.samples[idx:]...)
	}

	buf.trend = append(buf.trend, sample)
	if len(buf.trend) > TrendWindowSize {
		buf.trend = append(buf.trend[:0], buf.trend[len(buf.trend)-TrendWindowSize:]...)
	}
}

// Samples returns a copy of the full retained buffer, oldest first.
func (s *SampleStore) Samples(accountID string) []types.MarginSample {
	s.mu.RLock()
	defer s.mu.RUnlock()

	buf, exists := s.accounts[accountID]
	if !exists {
		return nil
	}
	out := make([]types.MarginSample, len(buf.samples))
	copy(out, buf.samples)
	return out
}

// Latest returns the most recent sample for the account.
func (s *SampleStore) Latest(accountID string) (types.MarginSample, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	buf, exists := s.accounts[accountID]
	if !exists || len(buf.samples) == 0 {
		return types.MarginSample{}, false
	}
	return buf.samples[len(buf.samples)-1], true
}

// Previous returns the second most recent sample, used for rapid change
// detection between consecutive polls.
func (s *SampleStore) Previous(accountID string) (types.MarginSample, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	buf, exists := s.accounts[accountID]
	if !exists || len(buf.samples) < 2 {
		return types.MarginSample{}, false
	}
	return buf.samples[len(buf.samples)-2], true
}

// TrendWindow returns a copy of the short trend window, oldest first.
func (s *SampleStore) TrendWindow(accountID string) []types.MarginSample {
	s.mu.RLock()
	defer s.mu.RUnlock()

	buf, exists := s.accounts[accountID]
	if !exists {
		return nil
	}
	out := make([]types.MarginSample, len(buf.trend))
	copy(out, buf.trend)
	return out
}

// Count returns the number of retained samples for the account.
func (s *SampleStore) Count(accountID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	buf, exists := s.accounts[accountID]
	if !exists {
		return 0
	}
	return len(buf.samples)
}

// Accounts lists the account IDs currently holding samples.
func (s *SampleStore) Accounts() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]string, 0, len(s.accounts))
	for id := range s.accounts {
		out = append(out, id)
	}
	return out
}

// RemoveAccount drops all buffers for the account. Explicit teardown
// keeps the account map from growing without bound.
func (s *SampleStore) RemoveAccount(accountID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.accounts, accountID)
}
