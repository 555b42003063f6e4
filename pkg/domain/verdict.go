package domain

import "encoding/json"

// RejectionTag labels a pipeline-level rejection violation.
type RejectionTag string

const (
	// RejectionPromptInjection marks submissions caught by the injection
	// pre-filter.
	RejectionPromptInjection RejectionTag = "PROMPT_INJECTION"
	// RejectionNotAJobPosting marks text the classifier is confident is not
	// a job posting.
	RejectionNotAJobPosting RejectionTag = "NOT_A_JOB_POSTING"
	// RejectionInvestigationTimeout marks evaluations whose investigation
	// fan-out exceeded the shared deadline.
	RejectionInvestigationTimeout RejectionTag = "INVESTIGATION_TIMEOUT"
	// RejectionInvestigationFailed marks evaluations where every category
	// investigation failed.
	RejectionInvestigationFailed RejectionTag = "INVESTIGATION_FAILED"
)

// ViolationKind discriminates the two violation shapes.
type ViolationKind int

const (
	// ViolationStandard is a rule violation resolved against the taxonomy.
	ViolationStandard ViolationKind = iota
	// ViolationRejection is a pipeline-level rejection (injection detected,
	// not a posting, investigation timeout/failure).
	ViolationRejection
)

// Violation is a two-constructor union. Standard violations carry the
// resolved category name, rule titles and the offending excerpt; rejections
// carry a synthetic tag and the check's confidence. The JSON shape is
// discriminated by field set, matching the outbound response contract.
type Violation struct {
	Kind       ViolationKind
	Category   string
	Policies   []string
	Reasoning  string
	Content    string
	Confidence float64
}

// NewStandardViolation builds a rule violation for one category.
func NewStandardViolation(category string, ruleTitles []string, reasoning, content string) Violation {
	return Violation{
		Kind:      ViolationStandard,
		Category:  category,
		Policies:  ruleTitles,
		Reasoning: reasoning,
		Content:   content,
	}
}

// NewRejectionViolation builds a pipeline-level rejection.
func NewRejectionViolation(tag RejectionTag, confidence float64, reasoning string) Violation {
	return Violation{
		Kind:       ViolationRejection,
		Category:   string(tag),
		Confidence: confidence,
		Reasoning:  reasoning,
	}
}

type standardViolationJSON struct {
	Category  string   `json:"category"`
	Policy    []string `json:"policy"`
	Reasoning string   `json:"reasoning"`
	Content   string   `json:"content"`
}

type rejectionViolationJSON struct {
	Category   string  `json:"category"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning"`
}

// MarshalJSON emits the shape matching the violation kind.
func (v Violation) MarshalJSON() ([]byte, error) {
	if v.Kind == ViolationRejection {
		return json.Marshal(rejectionViolationJSON{
			Category:   v.Category,
			Confidence: v.Confidence,
			Reasoning:  v.Reasoning,
		})
	}
	policies := v.Policies
	if policies == nil {
		policies = []string{}
	}
	return json.Marshal(standardViolationJSON{
		Category:  v.Category,
		Policy:    policies,
		Reasoning: v.Reasoning,
		Content:   v.Content,
	})
}

// UnmarshalJSON detects the variant by field set: a "policy" list means a
// standard violation, otherwise it is a rejection.
func (v *Violation) UnmarshalJSON(data []byte) error {
	var probe struct {
		Category   string    `json:"category"`
		Policy     *[]string `json:"policy"`
		Reasoning  string    `json:"reasoning"`
		Content    string    `json:"content"`
		Confidence float64   `json:"confidence"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return err
	}
	if probe.Policy != nil {
		*v = NewStandardViolation(probe.Category, *probe.Policy, probe.Reasoning, probe.Content)
		return nil
	}
	*v = NewRejectionViolation(RejectionTag(probe.Category), probe.Confidence, probe.Reasoning)
	return nil
}

// Verdict is the final moderation decision for one submission.
// Invariant: HasViolations == (len(Violations) > 0).
type Verdict struct {
	HasViolations bool           `json:"has_violations"`
	Violations    []Violation    `json:"violations"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// NewVerdict builds a verdict and enforces the has-violations invariant.
func NewVerdict(violations []Violation) Verdict {
	if violations == nil {
		violations = []Violation{}
	}
	return Verdict{
		HasViolations: len(violations) > 0,
		Violations:    violations,
	}
}
