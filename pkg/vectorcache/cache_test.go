package vectorcache

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/policykit/policykit/pkg/domain"
)

// stubEmbedder maps exact texts to fixed vectors.
type stubEmbedder struct {
	vectors map[string][]float64
	err     error
	calls   int
}

func (e *stubEmbedder) Embed(_ context.Context, text string) ([]float64, error) {
	e.calls++
	if e.err != nil {
		return nil, e.err
	}
	v, ok := e.vectors[text]
	if !ok {
		return nil, errors.New("no vector for text")
	}
	return v, nil
}

func TestSimilarityIdenticalVectorsIsOne(t *testing.T) {
	assert.Equal(t, 1.0, Similarity(0))
}

func TestSimilarityMonotonicallyDecreases(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		d1 := rapid.Float64Range(0, 1e6).Draw(t, "d1")
		d2 := rapid.Float64Range(0, 1e6).Draw(t, "d2")
		if d1 < d2 && Similarity(d1) < Similarity(d2) {
			t.Fatalf("similarity increased with distance: d1=%v d2=%v", d1, d2)
		}
		s := Similarity(d1)
		if s <= 0 || s > 1 {
			t.Fatalf("similarity out of (0,1]: %v", s)
		}
	})
}

func TestLookupEmptyIndexIsMiss(t *testing.T) {
	embedder := &stubEmbedder{vectors: map[string][]float64{"text": {1, 0}}}
	cache := New(embedder, NewMemoryIndex(), 0.98, nil)

	hit, err := cache.Lookup(context.Background(), "text")
	require.NoError(t, err)
	assert.Nil(t, hit)
}

func TestStoreThenLookupExactDuplicateHits(t *testing.T) {
	embedder := &stubEmbedder{vectors: map[string][]float64{
		"senior gopher wanted": {0.5, 0.5, 0.1},
	}}
	cache := New(embedder, NewMemoryIndex(), 0.98, nil)
	ctx := context.Background()

	violations := []domain.Violation{
		domain.NewStandardViolation("Discrimination", []string{"No Age Discrimination"}, "age limit stated", "under 30 only"),
	}
	require.NoError(t, cache.Store(ctx, "senior gopher wanted", true, violations))

	hit, err := cache.Lookup(ctx, "senior gopher wanted")
	require.NoError(t, err)
	require.NotNil(t, hit)
	assert.Equal(t, 1.0, hit.Similarity)
	assert.True(t, hit.Entry.HasViolations)
	assert.Equal(t, violations, hit.Entry.Violations)
}

func TestLookupBelowThresholdIsMiss(t *testing.T) {
	embedder := &stubEmbedder{vectors: map[string][]float64{
		"stored": {0, 0},
		"query":  {3, 4}, // distance 5, similarity 1/6
	}}
	cache := New(embedder, NewMemoryIndex(), 0.98, nil)
	ctx := context.Background()

	require.NoError(t, cache.Store(ctx, "stored", false, nil))

	hit, err := cache.Lookup(ctx, "query")
	require.NoError(t, err)
	assert.Nil(t, hit)
}

func TestLookupReturnsNearestOfSeveral(t *testing.T) {
	embedder := &stubEmbedder{vectors: map[string][]float64{
		"far":   {10, 0},
		"near":  {1, 0},
		"query": {1.001, 0},
	}}
	// Permissive threshold so the nearest entry always clears it.
	cache := New(embedder, NewMemoryIndex(), 0.5, nil)
	ctx := context.Background()

	require.NoError(t, cache.Store(ctx, "far", true, nil))
	require.NoError(t, cache.Store(ctx, "near", false, nil))

	hit, err := cache.Lookup(ctx, "query")
	require.NoError(t, err)
	require.NotNil(t, hit)
	assert.Equal(t, "near", hit.Entry.SubmissionText)
}

func TestLookupEmbedderFailurePropagates(t *testing.T) {
	embedder := &stubEmbedder{err: errors.New("embedding service down")}
	cache := New(embedder, NewMemoryIndex(), 0.98, nil)

	_, err := cache.Lookup(context.Background(), "text")
	assert.Error(t, err)
}

func TestStoreCopiesViolations(t *testing.T) {
	embedder := &stubEmbedder{vectors: map[string][]float64{"text": {1}}}
	index := NewMemoryIndex()
	cache := New(embedder, index, 0.5, nil)
	ctx := context.Background()

	violations := []domain.Violation{domain.NewRejectionViolation(domain.RejectionPromptInjection, 1, "r")}
	require.NoError(t, cache.Store(ctx, "text", true, violations))

	violations[0].Reasoning = "mutated"

	hit, err := cache.Lookup(ctx, "text")
	require.NoError(t, err)
	require.NotNil(t, hit)
	assert.Equal(t, "r", hit.Entry.Violations[0].Reasoning)
}

func TestMemoryIndexDimensionMismatch(t *testing.T) {
	index := NewMemoryIndex()
	ctx := context.Background()

	require.NoError(t, index.Insert(ctx, []float64{1, 2, 3}, domain.CacheEntry{}))

	_, _, err := index.Nearest(ctx, []float64{1, 2})
	assert.Error(t, err)
}
