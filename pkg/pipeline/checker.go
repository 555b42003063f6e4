// Package pipeline implements the moderation pipeline: a strictly linear
// state machine with early exits that screens, verifies, cache-checks,
// selects, investigates and aggregates a submission into one verdict.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/policykit/policykit/internal/governance"
	"github.com/policykit/policykit/pkg/classify"
	"github.com/policykit/policykit/pkg/config"
	"github.com/policykit/policykit/pkg/domain"
	"github.com/policykit/policykit/pkg/store"
	"github.com/policykit/policykit/pkg/telemetry"
	"github.com/policykit/policykit/pkg/vectorcache"
)

// ErrEmptySubmission is returned when Evaluate receives blank text. The
// transport layer rejects this before the pipeline normally runs.
var ErrEmptySubmission = errors.New("submission text must not be empty")

const tracerName = "policykit/pipeline"

// Checker is the pipeline orchestrator and the sole entry point for
// moderating a submission. It owns every threshold comparison; the stages
// it sequences hold no policy of their own.
type Checker struct {
	cfg config.PipelineConfig

	prefilter    *PreFilter
	gateway      classify.Gateway
	cache        *vectorcache.Cache
	store        store.CategoryStore
	selector     *Selector
	investigator *Investigator
	aggregator   *Aggregator

	logger *slog.Logger
	tracer trace.Tracer
}

// NewChecker wires the pipeline stages around the supplied collaborators.
// The configuration is treated as immutable for the checker's lifetime.
func NewChecker(cfg config.PipelineConfig, gateway classify.Gateway, st store.CategoryStore, cache *vectorcache.Cache, logger *slog.Logger) *Checker {
	if logger == nil {
		logger = slog.Default()
	}

	retry := governance.NewRetryPolicy(governance.DefaultRetryConfig())

	return &Checker{
		cfg:          cfg,
		prefilter:    NewPreFilter(cfg.InjectionPatterns, gateway, logger),
		gateway:      gateway,
		cache:        cache,
		store:        st,
		selector:     NewSelector(gateway, logger),
		investigator: NewInvestigator(gateway, st, retry, cfg.InvestigationTimeout, logger),
		aggregator:   NewAggregator(st, cfg.FinalOutputConfidenceThreshold, logger),
		logger:       logger,
		tracer:       otel.Tracer(tracerName),
	}
}

// Evaluate moderates one submission. Concurrent calls are fully
// independent; no state is shared across evaluations.
func (c *Checker) Evaluate(ctx context.Context, submission string) (domain.Verdict, error) {
	if strings.TrimSpace(submission) == "" {
		return domain.Verdict{}, ErrEmptySubmission
	}

	evalID := uuid.NewString()
	logger := c.logger.With("evaluation_id", evalID)

	ctx, span := c.tracer.Start(ctx, "pipeline.evaluate")
	defer span.End()
	span.SetAttributes(attribute.String("evaluation.id", evalID))

	// Stage 1: injection screen. The only stage allowed to short-circuit
	// before the submission is even confirmed to be a job posting.
	security := c.runScreen(ctx, submission)
	if !security.IsSafe && security.Confidence > c.cfg.SecurityConfidenceThreshold {
		logger.Info("submission rejected by injection screen", "confidence", security.Confidence)
		telemetry.RecordEvaluation(ctx, telemetry.OutcomeRejected, true)
		return c.rejectionVerdict(domain.RejectionPromptInjection, security.Confidence, security.Reasoning, evalID), nil
	}

	// Stage 2: job posting verification.
	verification, err := c.runVerify(ctx, submission)
	if err != nil {
		telemetry.RecordEvaluation(ctx, telemetry.OutcomeError, false)
		return domain.Verdict{}, err
	}
	if !verification.IsJobPosting && verification.Confidence > c.cfg.JobPostingConfidenceThreshold {
		logger.Info("submission rejected as not a job posting", "confidence", verification.Confidence)
		telemetry.RecordEvaluation(ctx, telemetry.OutcomeRejected, true)
		return c.rejectionVerdict(domain.RejectionNotAJobPosting, verification.Confidence, verification.Reasoning, evalID), nil
	}

	// Stage 3: similarity cache. A hit returns the cached verdict
	// unmodified and skips every classifier-heavy stage downstream.
	if hit := c.runCacheLookup(ctx, submission, logger); hit != nil {
		logger.Info("served from similarity cache", "similarity", hit.Similarity)
		telemetry.RecordEvaluation(ctx, telemetry.OutcomeCacheHit, hit.Entry.HasViolations)
		return domain.NewVerdict(hit.Entry.Violations), nil
	}

	// Stage 4: category selection over the current taxonomy snapshot.
	selected, err := c.runSelect(ctx, submission)
	if err != nil {
		telemetry.RecordEvaluation(ctx, telemetry.OutcomeError, false)
		return domain.Verdict{}, err
	}

	// Stage 5: concurrent per-category investigation.
	investigations, err := c.runInvestigate(ctx, submission, selected)
	if err != nil {
		switch {
		case errors.Is(err, ErrInvestigationTimeout):
			logger.Warn("investigations timed out")
			telemetry.RecordEvaluation(ctx, telemetry.OutcomeTimeout, true)
			return c.rejectionVerdict(domain.RejectionInvestigationTimeout, 0,
				"All category investigations exceeded the timeout limit", evalID), nil
		case errors.Is(err, ErrAllInvestigationsFailed):
			logger.Warn("all investigations failed", "error", err)
			telemetry.RecordEvaluation(ctx, telemetry.OutcomeFailed, true)
			return c.rejectionVerdict(domain.RejectionInvestigationFailed, 0,
				fmt.Sprintf("Category investigations failed to complete: %v", err), evalID), nil
		default:
			telemetry.RecordEvaluation(ctx, telemetry.OutcomeError, false)
			return domain.Verdict{}, err
		}
	}

	// Stage 6: aggregation against the current store.
	verdict, err := c.runAggregate(ctx, investigations)
	if err != nil {
		telemetry.RecordEvaluation(ctx, telemetry.OutcomeError, false)
		return domain.Verdict{}, err
	}

	// Stage 7: cache write-back, violations or not. Failures degrade to a
	// warning; the verdict is already decided.
	c.runCacheStore(ctx, submission, verdict, logger)

	verdict.Metadata = map[string]any{
		"evaluation_id":            evalID,
		"categories_investigated":  categoryNames(selected),
		"total_categories_checked": len(selected),
	}

	telemetry.RecordEvaluation(ctx, telemetry.OutcomeOK, verdict.HasViolations)
	return verdict, nil
}

func (c *Checker) runScreen(ctx context.Context, submission string) domain.SecurityVerdict {
	ctx, span := c.tracer.Start(ctx, "pipeline.screen_security")
	defer span.End()

	start := time.Now()
	verdict := c.prefilter.Screen(ctx, submission)

	outcome := telemetry.OutcomeOK
	if !verdict.IsSafe {
		outcome = telemetry.OutcomeRejected
	}
	span.SetAttributes(attribute.Bool("security.is_safe", verdict.IsSafe))
	telemetry.RecordStage(ctx, "screen_security", outcome, time.Since(start))
	return verdict
}

func (c *Checker) runVerify(ctx context.Context, submission string) (domain.SubmissionVerification, error) {
	ctx, span := c.tracer.Start(ctx, "pipeline.verify_submission")
	defer span.End()

	start := time.Now()
	var verification domain.SubmissionVerification
	if err := c.gateway.Classify(ctx, classify.JobPostingInstructions(), submission, &verification); err != nil {
		telemetry.RecordStage(ctx, "verify_submission", telemetry.OutcomeError, time.Since(start))
		return domain.SubmissionVerification{}, fmt.Errorf("job posting verification: %w", err)
	}
	verification.Confidence = clampConfidence(verification.Confidence)

	telemetry.RecordStage(ctx, "verify_submission", telemetry.OutcomeOK, time.Since(start))
	return verification, nil
}

func (c *Checker) runCacheLookup(ctx context.Context, submission string, logger *slog.Logger) *vectorcache.Hit {
	ctx, span := c.tracer.Start(ctx, "pipeline.cache_lookup")
	defer span.End()

	start := time.Now()
	hit, err := c.cache.Lookup(ctx, submission)
	if err != nil {
		// A broken cache must not block moderation; treat as a miss.
		logger.Warn("cache lookup failed, treating as miss", "error", err)
		telemetry.RecordStage(ctx, "cache_lookup", telemetry.OutcomeError, time.Since(start))
		return nil
	}

	outcome := telemetry.OutcomeOK
	if hit != nil {
		outcome = telemetry.OutcomeCacheHit
		span.SetAttributes(attribute.Float64("cache.similarity", hit.Similarity))
	}
	telemetry.RecordStage(ctx, "cache_lookup", outcome, time.Since(start))
	return hit
}

func (c *Checker) runSelect(ctx context.Context, submission string) ([]domain.CategoryRelevance, error) {
	ctx, span := c.tracer.Start(ctx, "pipeline.select_categories")
	defer span.End()

	start := time.Now()
	categories, err := c.store.ListCategories(ctx)
	if err != nil {
		telemetry.RecordStage(ctx, "select_categories", telemetry.OutcomeError, time.Since(start))
		return nil, fmt.Errorf("load categories: %w", err)
	}
	if len(categories) == 0 {
		telemetry.RecordStage(ctx, "select_categories", telemetry.OutcomeOK, time.Since(start))
		return nil, nil
	}

	relevances, err := c.selector.Select(ctx, submission, categories)
	if err != nil {
		telemetry.RecordStage(ctx, "select_categories", telemetry.OutcomeError, time.Since(start))
		return nil, err
	}

	sort.SliceStable(relevances, func(i, j int) bool {
		return relevances[i].Confidence > relevances[j].Confidence
	})

	selected := make([]domain.CategoryRelevance, 0, c.cfg.MaxParallelInvestigations)
	for _, rel := range relevances {
		if rel.Confidence <= c.cfg.InvestigationConfidenceThreshold {
			continue
		}
		selected = append(selected, rel)
		if len(selected) == c.cfg.MaxParallelInvestigations {
			break
		}
	}

	span.SetAttributes(attribute.Int("categories.selected", len(selected)))
	telemetry.RecordStage(ctx, "select_categories", telemetry.OutcomeOK, time.Since(start))
	return selected, nil
}

func (c *Checker) runInvestigate(ctx context.Context, submission string, selected []domain.CategoryRelevance) ([]domain.CategoryInvestigation, error) {
	ctx, span := c.tracer.Start(ctx, "pipeline.investigate")
	defer span.End()

	start := time.Now()
	investigations, err := c.investigator.InvestigateAll(ctx, submission, selected)

	outcome := telemetry.OutcomeOK
	switch {
	case errors.Is(err, ErrInvestigationTimeout):
		outcome = telemetry.OutcomeTimeout
	case errors.Is(err, ErrAllInvestigationsFailed):
		outcome = telemetry.OutcomeFailed
	case err != nil:
		outcome = telemetry.OutcomeError
	}
	telemetry.RecordStage(ctx, "investigate", outcome, time.Since(start))
	return investigations, err
}

func (c *Checker) runAggregate(ctx context.Context, investigations []domain.CategoryInvestigation) (domain.Verdict, error) {
	ctx, span := c.tracer.Start(ctx, "pipeline.aggregate")
	defer span.End()

	start := time.Now()
	verdict, err := c.aggregator.Aggregate(ctx, investigations)
	if err != nil {
		telemetry.RecordStage(ctx, "aggregate", telemetry.OutcomeError, time.Since(start))
		return domain.Verdict{}, err
	}

	span.SetAttributes(attribute.Bool("verdict.has_violations", verdict.HasViolations))
	telemetry.RecordStage(ctx, "aggregate", telemetry.OutcomeOK, time.Since(start))
	return verdict, nil
}

func (c *Checker) runCacheStore(ctx context.Context, submission string, verdict domain.Verdict, logger *slog.Logger) {
	ctx, span := c.tracer.Start(ctx, "pipeline.cache_store")
	defer span.End()

	start := time.Now()
	if err := c.cache.Store(ctx, submission, verdict.HasViolations, verdict.Violations); err != nil {
		logger.Warn("cache write-back failed", "error", err)
		telemetry.RecordStage(ctx, "cache_store", telemetry.OutcomeError, time.Since(start))
		return
	}
	telemetry.RecordStage(ctx, "cache_store", telemetry.OutcomeOK, time.Since(start))
}

func (c *Checker) rejectionVerdict(tag domain.RejectionTag, confidence float64, reasoning, evalID string) domain.Verdict {
	verdict := domain.NewVerdict([]domain.Violation{
		domain.NewRejectionViolation(tag, confidence, reasoning),
	})
	verdict.Metadata = map[string]any{"evaluation_id": evalID}
	return verdict
}

func categoryNames(selected []domain.CategoryRelevance) []string {
	names := make([]string, 0, len(selected))
	for _, sel := range selected {
		names = append(names, sel.Category)
	}
	return names
}
