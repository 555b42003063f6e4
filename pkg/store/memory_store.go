package store

import (
	"context"
	"sync"

	"github.com/policykit/policykit/pkg/domain"
)

// MemoryStore is an in-memory CategoryStore. It backs tests and the file
// store, which swaps the whole taxonomy atomically on reload.
type MemoryStore struct {
	mu         sync.RWMutex
	categories []domain.PolicyCategory
	byCategory map[string][]domain.PolicyRule
	rules      map[string]domain.PolicyRule
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{}
	s.Replace(nil, nil)
	return s
}

// Replace swaps the full taxonomy in one step.
func (s *MemoryStore) Replace(categories []domain.PolicyCategory, rules []domain.PolicyRule) {
	byCategory := make(map[string][]domain.PolicyRule)
	byID := make(map[string]domain.PolicyRule, len(rules))
	for _, rule := range rules {
		byCategory[rule.CategoryID] = append(byCategory[rule.CategoryID], rule)
		byID[rule.ID] = rule
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.categories = append([]domain.PolicyCategory(nil), categories...)
	s.byCategory = byCategory
	s.rules = byID
}

// ListCategories returns a copy of the current category set.
func (s *MemoryStore) ListCategories(_ context.Context) ([]domain.PolicyCategory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]domain.PolicyCategory(nil), s.categories...), nil
}

// ListRules returns the rules for one category. A category without rules
// (or an unknown category) yields an empty slice, not an error.
func (s *MemoryStore) ListRules(_ context.Context, categoryID string) ([]domain.PolicyRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]domain.PolicyRule(nil), s.byCategory[categoryID]...), nil
}

// GetCategory resolves a category by id.
func (s *MemoryStore) GetCategory(_ context.Context, id string) (domain.PolicyCategory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, cat := range s.categories {
		if cat.ID == id {
			return cat, nil
		}
	}
	return domain.PolicyCategory{}, ErrNotFound
}

// GetRule resolves a rule by id.
func (s *MemoryStore) GetRule(_ context.Context, id string) (domain.PolicyRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rule, ok := s.rules[id]
	if !ok {
		return domain.PolicyRule{}, ErrNotFound
	}
	return rule, nil
}
