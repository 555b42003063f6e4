// Package store provides the read-only query surface over the policy
// taxonomy. The taxonomy is externally owned and may change between
// evaluations; the pipeline reads a fresh snapshot per evaluation and never
// caches it across requests.
package store

import (
	"context"
	"errors"

	"github.com/policykit/policykit/pkg/domain"
)

// ErrNotFound is returned when a requested category or rule does not exist
// in the store. Callers treat this as a dangling reference, not a failure.
var ErrNotFound = errors.New("taxonomy entry not found")

// CategoryStore exposes taxonomy reads. Implementations must be safe for
// concurrent use; writes (if any) happen outside the pipeline.
type CategoryStore interface {
	// ListCategories returns every category currently in the taxonomy.
	ListCategories(ctx context.Context) ([]domain.PolicyCategory, error)
	// ListRules returns the rules belonging to one category.
	ListRules(ctx context.Context, categoryID string) ([]domain.PolicyRule, error)
	// GetCategory resolves a category by id.
	GetCategory(ctx context.Context, id string) (domain.PolicyCategory, error)
	// GetRule resolves a rule by id.
	GetRule(ctx context.Context, id string) (domain.PolicyRule, error)
}
