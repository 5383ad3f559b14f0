// README: Structured output of the maintenance category advisor.
package ai

// CategorySuggestion is the advisor's reading of a free-text problem
// description.
type CategorySuggestion struct {
	// Category is the trade best matching the problem (e.g. "plomberie",
	// "electricite", "serrurerie", "chauffage", "menage", "autre").
	Category string `json:"category"`

	// Subcategory narrows the job within the trade, when the description
	// supports it.
	Subcategory string `json:"subcategory,omitempty"`

	// Priority estimates urgency from 1 (routine) to 5 (emergency).
	Priority int `json:"priority"`

	// Summary is a one-line restatement suitable for the offer payload.
	Summary string `json:"summary"`
}
