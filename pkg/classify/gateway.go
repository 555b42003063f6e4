// Package classify abstracts the external structured-extraction capability.
// Every pipeline stage that needs a classifier call goes through the Gateway
// interface so the provider can be swapped or mocked without touching
// pipeline logic.
package classify

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind categorises gateway failures. Callers branch on the kind to
// decide whether a retry can help.
type ErrorKind int

const (
	// KindTransport covers network-level failures.
	KindTransport ErrorKind = iota
	// KindTimeout covers deadline expiry on the classifier call.
	KindTimeout
	// KindRateLimited covers provider throttling.
	KindRateLimited
	// KindSchemaMismatch covers structured output that does not decode into
	// the requested reply shape.
	KindSchemaMismatch
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindTimeout:
		return "timeout"
	case KindRateLimited:
		return "rate_limited"
	case KindSchemaMismatch:
		return "schema_mismatch"
	default:
		return "unknown"
	}
}

// Error is the typed failure reported by every Gateway implementation.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("classify %s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("classify %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether another attempt could plausibly succeed.
// Schema mismatches are deterministic enough not to retry.
func (e *Error) Retryable() bool {
	return e.Kind == KindTransport || e.Kind == KindTimeout || e.Kind == KindRateLimited
}

// IsRetryable reports whether err is a retryable gateway failure.
func IsRetryable(err error) bool {
	var gerr *Error
	if errors.As(err, &gerr) {
		return gerr.Retryable()
	}
	return false
}

// Gateway is the single narrow capability the pipeline depends on: send
// instructions plus the submission text, get back a structured reply decoded
// into out (a pointer to the expected reply shape). Implementations perform
// no retries; retry policy belongs to callers that can tolerate it.
type Gateway interface {
	Classify(ctx context.Context, instructions, input string, out any) error
}
