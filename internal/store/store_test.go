package store

import (
	"testing"
	"time"

	"github.com/hedgesys/sentinel/pkg/types"
	"github.com/stretchr/testify/assert"
)

func sampleAt(ts time.Time, level float64) types.MarginSample {
	return types.MarginSample{Timestamp: ts, MarginLevel: level, Equity: 1000, UsedMargin: 400}
}

func TestSampleStore_RecordAndQuery(t *testing.T) {
	s := NewSampleStore()
	now := time.Now()

	s.Record("acc-1", sampleAt(now.Add(-time.Minute), 250))
	s.Record("acc-1", sampleAt(now, 240))

	assert.Equal(t, 2, s.Count("acc-1"))

	latest, ok := s.Latest("acc-1")
	assert.True(t, ok)
	assert.Equal(t, 240.0, latest.MarginLevel)

	prev, ok := s.Previous("acc-1")
	assert.True(t, ok)
	assert.Equal(t, 250.0, prev.MarginLevel)
}

func TestSampleStore_EvictsExpiredSamples(t *testing.T) {
	s := NewSampleStore()
	now := time.Now()

	s.Record("acc-1", sampleAt(now.Add(-3*time.Hour), 300))
	s.Record("acc-1", sampleAt(now.Add(-130*time.Minute), 280))
	s.Record("acc-1", sampleAt(now.Add(-time.Hour), 260))
	s.Record("acc-1", sampleAt(now, 240))

	samples := s.Samples("acc-1")
	assert.Len(t, samples, 2, "samples older than 2h must be purged")
	assert.Equal(t, 260.0, samples[0].MarginLevel)
	assert.Equal(t, 240.0, samples[1].MarginLevel)
}

func TestSampleStore_TrendWindowBounded(t *testing.T) {
	s := NewSampleStore()
	now := time.Now()

	for i := 0; i < 25; i++ {
		s.Record("acc-1", sampleAt(now.Add(time.Duration(i)*time.Second), float64(300-i)))
	}

	window := s.TrendWindow("acc-1")
	assert.Len(t, window, TrendWindowSize)
	// Window holds the most recent entries.
	assert.Equal(t, float64(300-24), window[len(window)-1].MarginLevel)
	assert.Equal(t, float64(300-15), window[0].MarginLevel)
}

func TestSampleStore_DuplicateLevelsNotDoubleCounted(t *testing.T) {
	s := NewSampleStore()
	now := time.Now()

	// Same reading delivered twice with different timestamps occupies
	// two window slots like any other pair of samples; the window never
	// exceeds its bound regardless.
	for i := 0; i < TrendWindowSize; i++ {
		s.Record("acc-1", sampleAt(now.Add(time.Duration(i)*time.Second), 200))
	}
	s.Record("acc-1", sampleAt(now.Add(time.Duration(TrendWindowSize)*time.Second), 200))

	window := s.TrendWindow("acc-1")
	assert.Len(t, window, TrendWindowSize)
}

func TestSampleStore_UnknownAccount(t *testing.T) {
	s := NewSampleStore()

	assert.Nil(t, s.Samples("missing"))
	assert.Equal(t, 0, s.Count("missing"))

	_, ok := s.Latest("missing")
	assert.False(t, ok)
}

func TestSampleStore_RemoveAccount(t *testing.T) {
	s := NewSampleStore()
	s.Record("acc-1", sampleAt(time.Now(), 250))
	s.Record("acc-2", sampleAt(time.Now(), 180))

	s.RemoveAccount("acc-1")

	assert.Equal(t, 0, s.Count("acc-1"))
	assert.Equal(t, 1, s.Count("acc-2"))
	assert.ElementsMatch(t, []string{"acc-2"}, s.Accounts())
}
