package domain

// PolicyCategory is a named grouping of related policy rules. Categories are
// owned by the external store and may be added or removed between
// evaluations; identifiers must only be trusted within a single evaluation's
// snapshot.
type PolicyCategory struct {
	ID          string `json:"id" yaml:"id"`
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description" yaml:"description"`
}

// PolicyRule is a single checkable policy statement within a category.
type PolicyRule struct {
	ID          string         `json:"id" yaml:"id"`
	CategoryID  string         `json:"category_id" yaml:"category_id"`
	Title       string         `json:"title" yaml:"title"`
	Description string         `json:"description" yaml:"description"`
	Example     map[string]any `json:"example,omitempty" yaml:"example,omitempty"`
}
