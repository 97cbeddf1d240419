// Package core implements the targeting rule evaluator: pure functions that
// decide whether a rule matches an evaluation context and what the effective
// state of a flag is in one environment.
//
// The evaluator never returns errors. Unknown rule types, attributes, and
// operators all degrade to "no match" so that a malformed rule can never turn
// a flag on by accident.
package core

import "strings"

// condition is the compiled form of a rule: it knows which subject to pull
// from the user and how to compare it. Unknown type/attribute combinations
// compile to a condition that never matches.
type condition interface {
	matches(user User) bool
}

type userAttributeCondition struct {
	subject  func(User) string
	operator Operator
	values   []string
}

func (c userAttributeCondition) matches(user User) bool {
	return compare(c.subject(user), c.operator, c.values)
}

type groupNameCondition struct {
	operator Operator
	values   []string
}

func (c groupNameCondition) matches(user User) bool {
	for _, group := range user.Groups {
		if compare(group, c.operator, c.values) {
			return true
		}
	}
	return false
}

type neverCondition struct{}

func (neverCondition) matches(User) bool { return false }

func compile(rule Rule) condition {
	switch rule.Type {
	case RuleTypeUser:
		switch rule.Attribute {
		case "id":
			return userAttributeCondition{subject: func(u User) string { return u.ID }, operator: rule.Operator, values: rule.Values}
		case "email":
			return userAttributeCondition{subject: func(u User) string { return u.Email }, operator: rule.Operator, values: rule.Values}
		case "country":
			return userAttributeCondition{subject: func(u User) string { return u.Country }, operator: rule.Operator, values: rule.Values}
		}
	case RuleTypeGroup:
		if rule.Attribute == "name" {
			return groupNameCondition{operator: rule.Operator, values: rule.Values}
		}
	}

	return neverCondition{}
}

// Matches reports whether rule matches user. It is pure and safe for
// concurrent use.
func Matches(rule Rule, user User) bool {
	return compile(rule).matches(user)
}

// compare applies operator between a single subject string and the rule's
// value list. An empty subject never matches, including under the negated
// operators which would otherwise pass trivially.
func compare(subject string, operator Operator, values []string) bool {
	if subject == "" {
		return false
	}

	switch operator {
	case OperatorEquals:
		for _, v := range values {
			if subject == v {
				return true
			}
		}
		return false
	case OperatorNotEquals:
		for _, v := range values {
			if subject == v {
				return false
			}
		}
		return true
	case OperatorStartsWith:
		for _, v := range values {
			if strings.HasPrefix(subject, v) {
				return true
			}
		}
		return false
	case OperatorEndsWith:
		for _, v := range values {
			if strings.HasSuffix(subject, v) {
				return true
			}
		}
		return false
	case OperatorContains:
		for _, v := range values {
			if strings.Contains(subject, v) {
				return true
			}
		}
		return false
	case OperatorNotContains:
		for _, v := range values {
			if strings.Contains(subject, v) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// EvaluateFlag resolves the effective state of one flag in one environment.
// It seeds with defaultState, walks the rules that belong to environment in
// stored order, and returns true on the first match. A rule match can only
// raise the result from false to true; it never lowers it below the default.
func EvaluateFlag(defaultState bool, rules []Rule, environment string, user User) bool {
	if defaultState {
		return true
	}

	for _, rule := range rules {
		if rule.Environment != environment {
			continue
		}
		if Matches(rule, user) {
			return true
		}
	}

	return false
}
