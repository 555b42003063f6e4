// Package domain contains the core types shared across the moderation
// pipeline: the policy taxonomy, the ephemeral per-evaluation results, and
// the final verdict returned to callers.
package domain
