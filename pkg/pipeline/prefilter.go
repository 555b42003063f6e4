package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/policykit/policykit/pkg/classify"
	"github.com/policykit/policykit/pkg/config"
	"github.com/policykit/policykit/pkg/domain"
)

// PreFilter is the injection screen. Tier one is a deterministic
// case-insensitive substring match against the configured phrase list; tier
// two asks the classifier for subtler, paraphrased attempts. The extra
// classifier call on clean input buys recall on adversarial input.
type PreFilter struct {
	patterns []config.InjectionPattern
	gateway  classify.Gateway
	logger   *slog.Logger
}

// NewPreFilter creates the screen over the given phrase list.
func NewPreFilter(patterns []config.InjectionPattern, gateway classify.Gateway, logger *slog.Logger) *PreFilter {
	if logger == nil {
		logger = slog.Default()
	}
	return &PreFilter{
		patterns: patterns,
		gateway:  gateway,
		logger:   logger,
	}
}

// Screen checks the text for injection attempts. A phrase match is a
// certain verdict (confidence 1.0). When no phrase matches, the classifier
// decides; if that call fails the screen degrades to safe with zero
// confidence rather than failing the evaluation.
func (f *PreFilter) Screen(ctx context.Context, text string) domain.SecurityVerdict {
	lower := strings.ToLower(text)

	var matched []string
	for _, p := range f.patterns {
		if strings.Contains(lower, strings.ToLower(p.Pattern)) {
			matched = append(matched, p.Pattern)
		}
	}

	if len(matched) > 0 {
		f.logger.Info("injection patterns matched", "patterns", matched)
		return domain.SecurityVerdict{
			IsSafe:     false,
			Confidence: 1.0,
			Reasoning:  fmt.Sprintf("Detected potential prompt injection patterns: %s", strings.Join(matched, ", ")),
		}
	}

	var verdict domain.SecurityVerdict
	if err := f.gateway.Classify(ctx, classify.InjectionScreenInstructions(), text, &verdict); err != nil {
		f.logger.Warn("injection classifier check failed, proceeding", "error", err)
		return domain.SecurityVerdict{
			IsSafe:     true,
			Confidence: 0,
			Reasoning:  "Injection classifier check unavailable",
		}
	}
	verdict.Confidence = clampConfidence(verdict.Confidence)
	return verdict
}

func clampConfidence(c float64) float64 {
	switch {
	case c < 0:
		return 0
	case c > 1:
		return 1
	default:
		return c
	}
}
