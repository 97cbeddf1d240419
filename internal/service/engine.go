package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/flagport/flagport/internal/core"
	"github.com/flagport/flagport/internal/repository"
)

// Evaluation is the personalized result of resolving every flag for one
// (environment, user) pair. Flags with no state entry for the environment are
// omitted, not defaulted to false.
type Evaluation struct {
	Environment string          `json:"environment"`
	Flags       map[string]bool `json:"flags"`
	EvaluatedAt time.Time       `json:"evaluatedAt"`
}

// SDKConfiguration is the static bootstrap config for one environment: raw
// default states with no rule evaluation applied.
type SDKConfiguration struct {
	Environment string          `json:"environment"`
	Flags       map[string]bool `json:"flags"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

// Evaluate resolves the effective boolean state of every flag in one
// environment for the given user. The environment must exist; an unknown or
// empty key fails with repository.ErrInvalidEnvironment. An environment with
// zero flags is a valid empty result, not an error.
func (s *Service) Evaluate(ctx context.Context, environment string, user core.User) (Evaluation, error) {
	if err := s.checkEnvironment(ctx, environment); err != nil {
		return Evaluation{}, err
	}

	flags, err := s.store.ListAllFlags(ctx)
	if err != nil {
		return Evaluation{}, fmt.Errorf("evaluate %q: %w", environment, err)
	}

	states := make(map[string]bool)
	for _, flag := range flags {
		defaultState, ok := flag.State[environment]
		if !ok {
			continue
		}

		effective := core.EvaluateFlag(defaultState, flag.Rules, environment, user)
		states[flag.Key] = effective
		if s.recordEvaluation != nil {
			s.recordEvaluation(effective)
		}
	}

	return Evaluation{
		Environment: environment,
		Flags:       states,
		EvaluatedAt: time.Now().UTC(),
	}, nil
}

// Config returns the raw default state of every flag that has an entry for
// the environment. No targeting rules are applied; this is the static
// bootstrap sibling of Evaluate.
func (s *Service) Config(ctx context.Context, environment string) (SDKConfiguration, error) {
	if err := s.checkEnvironment(ctx, environment); err != nil {
		return SDKConfiguration{}, err
	}

	flags, err := s.store.ListAllFlags(ctx)
	if err != nil {
		return SDKConfiguration{}, fmt.Errorf("config %q: %w", environment, err)
	}

	states := make(map[string]bool)
	for _, flag := range flags {
		if defaultState, ok := flag.State[environment]; ok {
			states[flag.Key] = defaultState
		}
	}

	return SDKConfiguration{
		Environment: environment,
		Flags:       states,
		UpdatedAt:   time.Now().UTC(),
	}, nil
}

func (s *Service) checkEnvironment(ctx context.Context, environment string) error {
	if strings.TrimSpace(environment) == "" {
		return fmt.Errorf("environment is required: %w", repository.ErrInvalidEnvironment)
	}

	exists, err := s.store.EnvironmentExists(ctx, environment)
	if err != nil {
		return fmt.Errorf("check environment %q: %w", environment, err)
	}
	if !exists {
		return fmt.Errorf("environment %q: %w", environment, repository.ErrInvalidEnvironment)
	}

	return nil
}
