// Package vectorcache implements the similarity cache gate: previously
// judged submissions are embedded and indexed so near-duplicates skip the
// expensive classifier stages entirely.
package vectorcache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/policykit/policykit/pkg/domain"
)

// ErrEmptyIndex is returned by Nearest when the index holds no entries.
var ErrEmptyIndex = errors.New("vector index is empty")

// Embedder turns text into an embedding vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float64, error)
}

// VectorIndex is the nearest-neighbour boundary. Entries are never updated
// or deleted through this interface; the index grows monotonically and any
// eviction policy belongs to the backing implementation.
type VectorIndex interface {
	// Nearest returns the closest stored entry and its raw distance.
	Nearest(ctx context.Context, vector []float64) (domain.CacheEntry, float64, error)
	// Insert stores an entry under its embedding vector.
	Insert(ctx context.Context, vector []float64, entry domain.CacheEntry) error
}

// Hit is a successful cache lookup.
type Hit struct {
	Entry      domain.CacheEntry
	Similarity float64
}

// Cache is the similarity cache gate.
type Cache struct {
	embedder  Embedder
	index     VectorIndex
	threshold float64
	logger    *slog.Logger
}

// New creates a cache gate. Only lookups with similarity above threshold
// count as hits.
func New(embedder Embedder, index VectorIndex, threshold float64, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		embedder:  embedder,
		index:     index,
		threshold: threshold,
		logger:    logger,
	}
}

// Similarity converts a raw index distance to a score in (0, 1]:
// 1.0 for identical vectors, monotonically decreasing with distance.
func Similarity(distance float64) float64 {
	return 1 / (1 + distance)
}

// Lookup embeds the text and returns the nearest previously judged
// near-duplicate, or nil when no entry clears the similarity threshold.
func (c *Cache) Lookup(ctx context.Context, text string) (*Hit, error) {
	vector, err := c.embedder.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("embed submission: %w", err)
	}

	entry, distance, err := c.index.Nearest(ctx, vector)
	if err != nil {
		if errors.Is(err, ErrEmptyIndex) {
			return nil, nil
		}
		return nil, fmt.Errorf("query vector index: %w", err)
	}

	similarity := Similarity(distance)
	if similarity < c.threshold {
		c.logger.Debug("cache near-miss", "similarity", similarity, "threshold", c.threshold)
		return nil, nil
	}
	return &Hit{Entry: entry, Similarity: similarity}, nil
}

// Store records a completed evaluation, violations or not, so future
// near-duplicates can be served from cache.
func (c *Cache) Store(ctx context.Context, text string, hasViolations bool, violations []domain.Violation) error {
	vector, err := c.embedder.Embed(ctx, text)
	if err != nil {
		return fmt.Errorf("embed submission: %w", err)
	}

	entry := domain.CacheEntry{
		SubmissionText: text,
		HasViolations:  hasViolations,
		Violations:     append([]domain.Violation(nil), violations...),
	}
	if err := c.index.Insert(ctx, vector, entry); err != nil {
		return fmt.Errorf("insert into vector index: %w", err)
	}
	return nil
}
