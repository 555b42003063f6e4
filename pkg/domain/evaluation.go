package domain

// SecurityVerdict is the result of the injection pre-filter.
type SecurityVerdict struct {
	IsSafe     bool    `json:"is_safe"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning"`
}

// SubmissionVerification is the classifier's judgement on whether the text
// is a genuine job posting at all.
type SubmissionVerification struct {
	IsJobPosting bool    `json:"is_job_posting"`
	Confidence   float64 `json:"confidence"`
	Reasoning    string  `json:"reasoning"`
}

// CategoryRelevance scores how relevant one policy category is to a
// submission. Produced by the category selector, never persisted.
type CategoryRelevance struct {
	CategoryID string
	Category   string
	Confidence float64
	Reasoning  string
}

// CategoryInvestigation is the outcome of one per-category deep check.
// ViolatedRuleIDs reference the rule snapshot loaded for the investigation;
// they may no longer resolve by the time the verdict is aggregated.
type CategoryInvestigation struct {
	CategoryID      string
	ViolatedRuleIDs []string
	Confidence      float64
	Reasoning       string
	Content         string
}

// CacheEntry is the payload stored alongside an embedding in the similarity
// index: the judged text and its verdict snapshot.
type CacheEntry struct {
	SubmissionText string      `json:"submission_text"`
	HasViolations  bool        `json:"has_violations"`
	Violations     []Violation `json:"violations"`
}
