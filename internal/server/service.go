package server

import (
	"context"

	"github.com/flagport/flagport/internal/core"
	"github.com/flagport/flagport/internal/repository"
	"github.com/flagport/flagport/internal/service"
)

// Service is the application surface the HTTP handlers consume.
// *service.Service satisfies it; tests substitute fakes.
type Service interface {
	ListEnvironments(ctx context.Context) ([]repository.Environment, error)
	CreateEnvironment(ctx context.Context, env repository.Environment) (repository.Environment, error)
	DeleteEnvironment(ctx context.Context, id string) error

	ListFlags(ctx context.Context, filter repository.FlagFilter) ([]repository.FeatureFlag, int, error)
	GetFlag(ctx context.Context, id string) (repository.FeatureFlag, error)
	CreateFlag(ctx context.Context, flag repository.FeatureFlag) (repository.FeatureFlag, error)
	UpdateFlag(ctx context.Context, id string, update repository.FlagUpdate) (repository.FeatureFlag, error)
	UpdateFlagState(ctx context.Context, id, environment string, enabled bool) (repository.FeatureFlag, error)
	AddRule(ctx context.Context, flagID string, rule core.Rule) (core.Rule, error)
	DeleteRule(ctx context.Context, flagID, ruleID string) error
	DeleteFlag(ctx context.Context, id string) error

	Evaluate(ctx context.Context, environment string, user core.User) (service.Evaluation, error)
	Config(ctx context.Context, environment string) (service.SDKConfiguration, error)

	RecordExposure(ctx context.Context, exposure repository.Exposure) error
	FlagStats(ctx context.Context, flagID, environment, period string) (service.FlagStats, error)
}
