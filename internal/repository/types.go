// Package repository defines the feature-flag data model, the sentinel errors
// shared by all storage backends, and two interchangeable implementations:
// an in-memory store and a PostgreSQL store. Callers depend on the interfaces
// declared by the service layer, never on a concrete backend.
package repository

import (
	"errors"
	"time"

	"github.com/flagport/flagport/internal/core"
)

var (
	// ErrNotFound is returned when a flag, rule, environment, or exposure
	// target does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDuplicateKey is returned when creating a flag or environment whose
	// key is already taken.
	ErrDuplicateKey = errors.New("duplicate key")

	// ErrInvalidEnvironment is returned when an operation references an
	// environment key that is not registered.
	ErrInvalidEnvironment = errors.New("invalid environment")

	// ErrEnvironmentInUse is returned when deleting an environment that is
	// still referenced by a flag state entry or a targeting rule.
	ErrEnvironmentInUse = errors.New("environment in use")
)

// Environment is a named deployment context. Key is unique and immutable;
// flags and rules reference environments by key, not by id.
type Environment struct {
	ID          string    `json:"id"`
	Key         string    `json:"key"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"createdAt"`
}

// FeatureFlag is a boolean toggle with an independent default state per
// environment and an ordered list of owned targeting rules.
type FeatureFlag struct {
	ID          string          `json:"id"`
	Key         string          `json:"key"`
	Name        string          `json:"name"`
	Description string          `json:"description"`
	State       map[string]bool `json:"state"`
	Tags        []string        `json:"tags"`
	Rules       []core.Rule     `json:"rules,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

// FlagUpdate is a partial metadata update. Nil fields are left unchanged.
type FlagUpdate struct {
	Name        *string  `json:"name,omitempty"`
	Description *string  `json:"description,omitempty"`
	Tags        []string `json:"tags,omitempty"`
}

// FlagFilter narrows and pages ListFlags results. ProjectID is accepted for
// API compatibility but not interpreted; there is no project scoping.
type FlagFilter struct {
	ProjectID   string
	Environment string
	Limit       int
	Offset      int
}

// Exposure records that a client observed one flag evaluation.
type Exposure struct {
	ID          string    `json:"id"`
	FlagKey     string    `json:"flagKey"`
	Environment string    `json:"environment"`
	UserID      string    `json:"userId"`
	ClientID    string    `json:"clientId"`
	Timestamp   time.Time `json:"timestamp"`
}
