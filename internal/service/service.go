// Package service implements the feature-flag management operations and the
// flag evaluation engine on top of a storage backend. It enforces request
// validation, leaves store invariants (key uniqueness, environment
// referential integrity) to the repository, and returns repository sentinel
// errors unchanged so the transport layer can map them.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/flagport/flagport/internal/core"
	"github.com/flagport/flagport/internal/repository"
)

// ErrInvalidRequest marks malformed input rejected before it reaches the
// storage backend.
var ErrInvalidRequest = errors.New("invalid request")

// EnvironmentStore is the environment registry surface the service consumes.
type EnvironmentStore interface {
	ListEnvironments(ctx context.Context) ([]repository.Environment, error)
	EnvironmentExists(ctx context.Context, key string) (bool, error)
	CreateEnvironment(ctx context.Context, env repository.Environment) (repository.Environment, error)
	DeleteEnvironment(ctx context.Context, id string) error
}

// FlagStore is the flag persistence surface the service consumes.
type FlagStore interface {
	ListFlags(ctx context.Context, filter repository.FlagFilter) ([]repository.FeatureFlag, int, error)
	ListAllFlags(ctx context.Context) ([]repository.FeatureFlag, error)
	GetFlagByID(ctx context.Context, id string) (repository.FeatureFlag, error)
	GetFlagByKey(ctx context.Context, key string) (repository.FeatureFlag, error)
	CreateFlag(ctx context.Context, flag repository.FeatureFlag) (repository.FeatureFlag, error)
	UpdateFlag(ctx context.Context, id string, update repository.FlagUpdate) (repository.FeatureFlag, error)
	UpdateFlagState(ctx context.Context, id, environment string, enabled bool) (repository.FeatureFlag, error)
	AddRule(ctx context.Context, flagID string, rule core.Rule) (core.Rule, error)
	DeleteRule(ctx context.Context, flagID, ruleID string) error
	DeleteFlag(ctx context.Context, id string) error
}

// AnalyticsStore is the exposure persistence surface the service consumes.
type AnalyticsStore interface {
	RecordExposure(ctx context.Context, exposure repository.Exposure) error
	ExposureDailyCounts(ctx context.Context, flagKey, environment string, since time.Time) (map[string]int, error)
}

// Store combines the three capability interfaces. Both the in-memory and the
// PostgreSQL backends satisfy it.
type Store interface {
	EnvironmentStore
	FlagStore
	AnalyticsStore
}

// Service exposes flag management, evaluation, and exposure analytics.
// It holds no mutable state of its own and is safe for concurrent use.
type Service struct {
	store              Store
	log                *slog.Logger
	maxStatsPeriodDays int
	recordEvaluation   func(result bool)
}

// Option configures optional Service parameters.
type Option func(*Service)

// WithLogger sets the logger used for non-fatal diagnostics.
func WithLogger(log *slog.Logger) Option {
	return func(s *Service) {
		if log != nil {
			s.log = log
		}
	}
}

// WithMaxStatsPeriodDays caps the analytics stats window.
func WithMaxStatsPeriodDays(days int) Option {
	return func(s *Service) {
		if days > 0 {
			s.maxStatsPeriodDays = days
		}
	}
}

// WithEvaluationRecorder registers a callback invoked once per evaluated flag
// with the effective result (e.g. to increment a Prometheus counter).
func WithEvaluationRecorder(fn func(result bool)) Option {
	return func(s *Service) { s.recordEvaluation = fn }
}

const defaultMaxStatsPeriodDays = 90

// New creates a Service on top of store.
func New(store Store, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, errors.New("store is nil")
	}

	svc := &Service{
		store:              store,
		log:                slog.Default(),
		maxStatsPeriodDays: defaultMaxStatsPeriodDays,
	}
	for _, opt := range opts {
		opt(svc)
	}

	return svc, nil
}

// ListEnvironments returns all registered environments.
func (s *Service) ListEnvironments(ctx context.Context) ([]repository.Environment, error) {
	return s.store.ListEnvironments(ctx)
}

// CreateEnvironment registers a new environment key.
func (s *Service) CreateEnvironment(ctx context.Context, env repository.Environment) (repository.Environment, error) {
	env.Key = strings.TrimSpace(env.Key)
	if env.Key == "" {
		return repository.Environment{}, fmt.Errorf("%w: environment key is required", ErrInvalidRequest)
	}

	return s.store.CreateEnvironment(ctx, env)
}

// DeleteEnvironment removes an environment by id. Environments still
// referenced by flags or rules cannot be deleted.
func (s *Service) DeleteEnvironment(ctx context.Context, id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("%w: environment id is required", ErrInvalidRequest)
	}

	return s.store.DeleteEnvironment(ctx, id)
}

// ListFlags returns a page of flags with the total match count.
func (s *Service) ListFlags(ctx context.Context, filter repository.FlagFilter) ([]repository.FeatureFlag, int, error) {
	if filter.Limit <= 0 {
		filter.Limit = 20
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}

	return s.store.ListFlags(ctx, filter)
}

// GetFlag retrieves one flag by id.
func (s *Service) GetFlag(ctx context.Context, id string) (repository.FeatureFlag, error) {
	if strings.TrimSpace(id) == "" {
		return repository.FeatureFlag{}, fmt.Errorf("%w: flag id is required", ErrInvalidRequest)
	}

	return s.store.GetFlagByID(ctx, id)
}

// CreateFlag persists a new flag definition. Rules cannot be supplied at
// creation time; they are added one by one afterwards.
func (s *Service) CreateFlag(ctx context.Context, flag repository.FeatureFlag) (repository.FeatureFlag, error) {
	flag.Key = strings.TrimSpace(flag.Key)
	if flag.Key == "" {
		return repository.FeatureFlag{}, fmt.Errorf("%w: flag key is required", ErrInvalidRequest)
	}
	flag.Rules = nil

	return s.store.CreateFlag(ctx, flag)
}

// UpdateFlag applies a partial metadata update (name, description, tags).
func (s *Service) UpdateFlag(ctx context.Context, id string, update repository.FlagUpdate) (repository.FeatureFlag, error) {
	if strings.TrimSpace(id) == "" {
		return repository.FeatureFlag{}, fmt.Errorf("%w: flag id is required", ErrInvalidRequest)
	}

	return s.store.UpdateFlag(ctx, id, update)
}

// UpdateFlagState sets the flag's default state for one environment.
func (s *Service) UpdateFlagState(ctx context.Context, id, environment string, enabled bool) (repository.FeatureFlag, error) {
	if strings.TrimSpace(id) == "" {
		return repository.FeatureFlag{}, fmt.Errorf("%w: flag id is required", ErrInvalidRequest)
	}
	if strings.TrimSpace(environment) == "" {
		return repository.FeatureFlag{}, fmt.Errorf("%w: environment is required", ErrInvalidRequest)
	}

	return s.store.UpdateFlagState(ctx, id, environment, enabled)
}

// AddRule appends a targeting rule to a flag.
func (s *Service) AddRule(ctx context.Context, flagID string, rule core.Rule) (core.Rule, error) {
	if strings.TrimSpace(flagID) == "" {
		return core.Rule{}, fmt.Errorf("%w: flag id is required", ErrInvalidRequest)
	}
	if strings.TrimSpace(string(rule.Type)) == "" || strings.TrimSpace(rule.Attribute) == "" || strings.TrimSpace(string(rule.Operator)) == "" {
		return core.Rule{}, fmt.Errorf("%w: rule type, attribute, and operator are required", ErrInvalidRequest)
	}
	if rule.Values == nil {
		rule.Values = []string{}
	}

	return s.store.AddRule(ctx, flagID, rule)
}

// DeleteRule removes a rule from a flag.
func (s *Service) DeleteRule(ctx context.Context, flagID, ruleID string) error {
	if strings.TrimSpace(flagID) == "" || strings.TrimSpace(ruleID) == "" {
		return fmt.Errorf("%w: flag id and rule id are required", ErrInvalidRequest)
	}

	return s.store.DeleteRule(ctx, flagID, ruleID)
}

// DeleteFlag removes a flag and its owned rules.
func (s *Service) DeleteFlag(ctx context.Context, id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("%w: flag id is required", ErrInvalidRequest)
	}

	return s.store.DeleteFlag(ctx, id)
}
