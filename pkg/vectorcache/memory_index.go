package vectorcache

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/policykit/policykit/pkg/domain"
)

type indexedEntry struct {
	vector []float64
	entry  domain.CacheEntry
}

// MemoryIndex is an exact nearest-neighbour index over euclidean distance.
// It is the default backing for single-process deployments and tests; a
// dedicated vector database can implement VectorIndex instead.
type MemoryIndex struct {
	mu      sync.RWMutex
	entries []indexedEntry
}

// NewMemoryIndex creates an empty index.
func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{}
}

// Nearest scans for the entry with minimal euclidean distance.
func (i *MemoryIndex) Nearest(_ context.Context, vector []float64) (domain.CacheEntry, float64, error) {
	i.mu.RLock()
	defer i.mu.RUnlock()

	if len(i.entries) == 0 {
		return domain.CacheEntry{}, 0, ErrEmptyIndex
	}

	best := -1
	bestDistance := math.Inf(1)
	for idx, stored := range i.entries {
		d, err := euclidean(vector, stored.vector)
		if err != nil {
			return domain.CacheEntry{}, 0, err
		}
		if d < bestDistance {
			bestDistance = d
			best = idx
		}
	}
	return i.entries[best].entry, bestDistance, nil
}

// Insert appends an entry. Entries are never removed.
func (i *MemoryIndex) Insert(_ context.Context, vector []float64, entry domain.CacheEntry) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.entries = append(i.entries, indexedEntry{
		vector: append([]float64(nil), vector...),
		entry:  entry,
	})
	return nil
}

// Len reports the number of stored entries.
func (i *MemoryIndex) Len() int {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return len(i.entries)
}

func euclidean(a, b []float64) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("vector dimension mismatch: %d != %d", len(a), len(b))
	}
	var sum float64
	for idx := range a {
		d := a[idx] - b[idx]
		sum += d * d
	}
	return math.Sqrt(sum), nil
}
