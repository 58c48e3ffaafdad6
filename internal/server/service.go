package server

import (
	"context"

	"github.com/formaops/decisio/internal/core"
	"github.com/formaops/decisio/internal/repository"
	"github.com/formaops/decisio/internal/service"
)

type Service interface {
	CreateRule(ctx context.Context, rule repository.Rule) (repository.Rule, error)
	UpdateRule(ctx context.Context, rule repository.Rule) (repository.Rule, error)
	GetRule(ctx context.Context, id string) (repository.Rule, error)
	ListRules(ctx context.Context) ([]repository.Rule, error)
	DeleteRule(ctx context.Context, id string) error
	Evaluate(ctx context.Context, evalContext core.Context) (core.EvaluationResult, error)
	Simulate(ctx context.Context, request service.SimulateRequest) (service.SimulateResult, error)
	ExportRules(ctx context.Context) ([]repository.Rule, error)
	ImportRules(ctx context.Context, rules []repository.Rule) ([]repository.Rule, error)
	ListEventsSince(ctx context.Context, eventID int64) ([]repository.RuleEvent, error)
}

var _ Service = (*service.Service)(nil)
