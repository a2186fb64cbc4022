package readcache

import (
	"context"
	"sync"
	"time"

	"wow-token-tracker/internal/storage"
)

// Memory memoizes one snapshot per region keyed by the store marker. The TTL
// bounds staleness even when the marker is coarse; a marker change always
// invalidates immediately.
type Memory struct {
	source SnapshotSource
	ttl    time.Duration

	mu      sync.RWMutex
	entries map[string]memoEntry

	now func() time.Time
}

type memoEntry struct {
	marker   int64
	loadedAt time.Time
	samples  []storage.PriceSample
}

// NewMemory constructs an in-memory snapshot cache.
func NewMemory(source SnapshotSource, ttl time.Duration) *Memory {
	if ttl <= 0 {
		ttl = 19 * time.Minute
	}
	return &Memory{
		source:  source,
		ttl:     ttl,
		entries: make(map[string]memoEntry),
		now:     time.Now,
	}
}

// Load returns the memoized snapshot while the marker matches and the entry
// is within TTL, otherwise reloads from the store and re-memoizes. Storing
// under the region key drops the previous marker's entry.
func (m *Memory) Load(ctx context.Context, region string) ([]storage.PriceSample, error) {
	marker := m.source.Marker()

	m.mu.RLock()
	entry, ok := m.entries[region]
	m.mu.RUnlock()

	now := m.now()
	if ok && entry.marker == marker && now.Sub(entry.loadedAt) < m.ttl {
		return entry.samples, nil
	}

	samples, err := m.source.AllSamples(ctx, region)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.entries[region] = memoEntry{marker: marker, loadedAt: now, samples: samples}
	m.mu.Unlock()

	return samples, nil
}

var _ Loader = (*Memory)(nil)
