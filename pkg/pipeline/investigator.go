package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/policykit/policykit/internal/governance"
	"github.com/policykit/policykit/pkg/classify"
	"github.com/policykit/policykit/pkg/domain"
	"github.com/policykit/policykit/pkg/store"
)

var (
	// ErrInvestigationTimeout means the whole investigation fan-out
	// exceeded the shared deadline; results completed before expiry are
	// discarded rather than salvaged.
	ErrInvestigationTimeout = errors.New("category investigations timed out")
	// ErrAllInvestigationsFailed means every per-category task failed.
	ErrAllInvestigationsFailed = errors.New("all category investigations failed")
)

// Investigator fans out one classifier call per selected category under a
// single shared timeout. Each task is supervised independently: one
// failure never cancels or taints its siblings.
type Investigator struct {
	gateway classify.Gateway
	store   store.CategoryStore
	retry   *governance.RetryPolicy
	timeout time.Duration
	logger  *slog.Logger
}

// NewInvestigator creates the fan-out stage. The retry policy applies per
// classifier call, inside the shared deadline.
func NewInvestigator(gateway classify.Gateway, st store.CategoryStore, retry *governance.RetryPolicy, timeout time.Duration, logger *slog.Logger) *Investigator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Investigator{
		gateway: gateway,
		store:   st,
		retry:   retry,
		timeout: timeout,
		logger:  logger,
	}
}

type investigationReply struct {
	CategoryID      string   `json:"category_id"`
	ViolatedRuleIDs []string `json:"violated_rule_ids"`
	Confidence      float64  `json:"confidence"`
	Reasoning       string   `json:"reasoning"`
	Content         string   `json:"content"`
}

// InvestigateAll runs one investigation per selected category concurrently.
// Parallelism equals the number of selected categories, which the caller
// has already capped. Failed tasks are dropped; a full timeout or a fully
// failed batch is reported as a single typed error.
func (v *Investigator) InvestigateAll(ctx context.Context, text string, selected []domain.CategoryRelevance) ([]domain.CategoryInvestigation, error) {
	if len(selected) == 0 {
		return nil, nil
	}

	deadlineCtx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	results := make([]*domain.CategoryInvestigation, len(selected))
	failures := make([]error, len(selected))

	g := new(errgroup.Group)
	for i, sel := range selected {
		g.Go(func() error {
			inv, err := v.investigateOne(deadlineCtx, text, sel)
			if err != nil {
				v.logger.Warn("category investigation failed",
					"category", sel.Category, "category_id", sel.CategoryID, "error", err)
				failures[i] = fmt.Errorf("%s: %w", sel.Category, err)
				return nil
			}
			results[i] = inv
			return nil
		})
	}
	_ = g.Wait()

	// A deadline on the shared context voids the whole batch, even tasks
	// that finished before expiry.
	if errors.Is(deadlineCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		return nil, ErrInvestigationTimeout
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	investigations := make([]domain.CategoryInvestigation, 0, len(selected))
	var failed []string
	for i := range selected {
		if results[i] != nil {
			investigations = append(investigations, *results[i])
		} else if failures[i] != nil {
			failed = append(failed, failures[i].Error())
		}
	}

	if len(investigations) == 0 && len(failed) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrAllInvestigationsFailed, strings.Join(failed, "; "))
	}
	return investigations, nil
}

func (v *Investigator) investigateOne(ctx context.Context, text string, sel domain.CategoryRelevance) (*domain.CategoryInvestigation, error) {
	category, err := v.store.GetCategory(ctx, sel.CategoryID)
	if err != nil {
		return nil, fmt.Errorf("resolve category: %w", err)
	}

	rules, err := v.store.ListRules(ctx, sel.CategoryID)
	if err != nil {
		return nil, fmt.Errorf("load rules: %w", err)
	}
	if len(rules) == 0 {
		// Nothing checkable; report a no-violation result without spending
		// a classifier call.
		return &domain.CategoryInvestigation{CategoryID: sel.CategoryID}, nil
	}

	knownRules := make(map[string]bool, len(rules))
	for _, rule := range rules {
		knownRules[rule.ID] = true
	}

	instructions := classify.InvestigationInstructions(category, rules)

	var reply investigationReply
	err = v.retry.Execute(ctx, classify.IsRetryable, func() error {
		reply = investigationReply{}
		return v.gateway.Classify(ctx, instructions, text, &reply)
	})
	if err != nil {
		return nil, err
	}

	ruleIDs := make([]string, 0, len(reply.ViolatedRuleIDs))
	for _, id := range reply.ViolatedRuleIDs {
		if !knownRules[id] {
			v.logger.Warn("classifier referenced unknown rule, dropping",
				"rule_id", id, "category_id", sel.CategoryID)
			continue
		}
		ruleIDs = append(ruleIDs, id)
	}

	return &domain.CategoryInvestigation{
		CategoryID:      sel.CategoryID,
		ViolatedRuleIDs: ruleIDs,
		Confidence:      clampConfidence(reply.Confidence),
		Reasoning:       reply.Reasoning,
		Content:         reply.Content,
	}, nil
}
