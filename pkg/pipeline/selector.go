package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/policykit/policykit/pkg/classify"
	"github.com/policykit/policykit/pkg/domain"
)

// Selector asks the classifier which categories of the current taxonomy
// snapshot deserve a deeper look. The reply is validated against that exact
// snapshot: identifiers the classifier invents are dropped, never trusted.
type Selector struct {
	gateway classify.Gateway
	logger  *slog.Logger
}

// NewSelector creates a category selector.
func NewSelector(gateway classify.Gateway, logger *slog.Logger) *Selector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Selector{gateway: gateway, logger: logger}
}

type relevanceReply struct {
	Categories []relevanceEntry `json:"categories"`
}

type relevanceEntry struct {
	Category   string  `json:"category"`
	CategoryID string  `json:"category_id"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning"`
}

// Select scores category relevance for the submission. The classifier need
// not comment on every category; entries referencing unknown ids or names
// are discarded with a warning.
func (s *Selector) Select(ctx context.Context, text string, categories []domain.PolicyCategory) ([]domain.CategoryRelevance, error) {
	if len(categories) == 0 {
		return nil, nil
	}

	nameByID := make(map[string]string, len(categories))
	for _, cat := range categories {
		nameByID[cat.ID] = cat.Name
	}

	var reply relevanceReply
	if err := s.gateway.Classify(ctx, classify.CategorySelectionInstructions(categories), text, &reply); err != nil {
		return nil, fmt.Errorf("category selection: %w", err)
	}

	relevances := make([]domain.CategoryRelevance, 0, len(reply.Categories))
	for _, entry := range reply.Categories {
		name, ok := nameByID[entry.CategoryID]
		if !ok || name != entry.Category {
			s.logger.Warn("classifier referenced unknown category, dropping",
				"category", entry.Category, "category_id", entry.CategoryID)
			continue
		}
		relevances = append(relevances, domain.CategoryRelevance{
			CategoryID: entry.CategoryID,
			Category:   entry.Category,
			Confidence: clampConfidence(entry.Confidence),
			Reasoning:  entry.Reasoning,
		})
	}
	return relevances, nil
}
