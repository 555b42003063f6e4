package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/policykit/policykit/pkg/domain"
	"github.com/policykit/policykit/pkg/store"
)

// Aggregator reconciles per-category investigation results into one
// verdict. Identifiers are re-resolved against the current store; the
// taxonomy may have changed since selection, so a vanished rule id drops
// just that rule title and a vanished category drops the investigation.
type Aggregator struct {
	store     store.CategoryStore
	threshold float64
	logger    *slog.Logger
}

// NewAggregator creates the final stage with its confidence floor.
func NewAggregator(st store.CategoryStore, threshold float64, logger *slog.Logger) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregator{store: st, threshold: threshold, logger: logger}
}

// Aggregate filters investigations by confidence and renders one standard
// violation per surviving investigation. Arrival order of investigations
// does not affect the outcome beyond violation ordering.
func (a *Aggregator) Aggregate(ctx context.Context, investigations []domain.CategoryInvestigation) (domain.Verdict, error) {
	var violations []domain.Violation

	for _, inv := range investigations {
		if inv.Confidence <= a.threshold {
			continue
		}

		category, err := a.store.GetCategory(ctx, inv.CategoryID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				a.logger.Warn("category vanished before aggregation, dropping investigation",
					"category_id", inv.CategoryID)
				continue
			}
			return domain.Verdict{}, fmt.Errorf("resolve category %s: %w", inv.CategoryID, err)
		}

		ruleTitles := make([]string, 0, len(inv.ViolatedRuleIDs))
		for _, ruleID := range inv.ViolatedRuleIDs {
			rule, err := a.store.GetRule(ctx, ruleID)
			if err != nil {
				if errors.Is(err, store.ErrNotFound) {
					a.logger.Warn("rule vanished before aggregation, omitting",
						"rule_id", ruleID, "category_id", inv.CategoryID)
					continue
				}
				return domain.Verdict{}, fmt.Errorf("resolve rule %s: %w", ruleID, err)
			}
			ruleTitles = append(ruleTitles, rule.Title)
		}

		violations = append(violations, domain.NewStandardViolation(category.Name, ruleTitles, inv.Reasoning, inv.Content))
	}

	return domain.NewVerdict(violations), nil
}
