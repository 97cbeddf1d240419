package core

import "time"

// RuleType selects which side of the evaluation context a rule inspects.
type RuleType string

const (
	RuleTypeUser  RuleType = "user"
	RuleTypeGroup RuleType = "group"
)

// Operator is the string comparison applied between a context attribute and a
// rule's value list.
type Operator string

const (
	OperatorEquals      Operator = "equals"
	OperatorNotEquals   Operator = "not_equals"
	OperatorStartsWith  Operator = "starts_with"
	OperatorEndsWith    Operator = "ends_with"
	OperatorContains    Operator = "contains"
	OperatorNotContains Operator = "not_contains"
)

// Rule is a targeting rule scoped to a single environment. Rules belong to
// exactly one flag and are evaluated in the order they were added.
type Rule struct {
	ID          string    `json:"id,omitempty"`
	Type        RuleType  `json:"type"`
	Attribute   string    `json:"attribute"`
	Operator    Operator  `json:"operator"`
	Values      []string  `json:"values"`
	Environment string    `json:"environment"`
	CreatedAt   time.Time `json:"createdAt,omitempty"`
}

// User is the caller-supplied evaluation context. It is never persisted.
type User struct {
	ID      string   `json:"id,omitempty"`
	Email   string   `json:"email,omitempty"`
	Groups  []string `json:"groups,omitempty"`
	Country string   `json:"country,omitempty"`
}
