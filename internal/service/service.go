// Package service implements the rule management and evaluation layer. It
// keeps an in-memory cache of the full rule set, refreshed by LISTEN/NOTIFY
// invalidation and a periodic resync, so evaluation never touches the
// database on the hot path.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/formaops/decisio/internal/core"
	"github.com/formaops/decisio/internal/repository"
)

const (
	EventTypeUpdated  = "updated"
	EventTypeDeleted  = "deleted"
	EventTypeImported = "imported"

	bestEffortTimeout   = 2 * time.Second
	cacheResyncInterval = time.Minute
	cacheReloadTimeout  = 5 * time.Second
)

var (
	ErrRuleNotFound      = errors.New("rule not found")
	ErrInvalidConditions = errors.New("invalid conditions")
	ErrInvalidActions    = errors.New("invalid actions")
)

// Repository is the persistence surface the service depends on.
type Repository interface {
	CreateRule(ctx context.Context, rule repository.Rule) (repository.Rule, error)
	UpdateRule(ctx context.Context, rule repository.Rule) (repository.Rule, error)
	GetRule(ctx context.Context, id string) (repository.Rule, error)
	ListRules(ctx context.Context) ([]repository.Rule, error)
	DeleteRule(ctx context.Context, id string) error
	UpsertRule(ctx context.Context, rule repository.Rule) (repository.Rule, error)
	ListEventsSince(ctx context.Context, eventID int64) ([]repository.RuleEvent, error)
	PublishRuleEvent(ctx context.Context, event repository.RuleEvent) (repository.RuleEvent, error)
}

type cacheInvalidationSubscriber interface {
	SubscribeRuleInvalidation(ctx context.Context) (<-chan struct{}, error)
}

// SimulateRequest describes a dry-run evaluation. When Rules is nil the
// stored rule set is used; otherwise the supplied draft rules are evaluated
// instead, without persisting anything.
type SimulateRequest struct {
	Context core.Context      `json:"context"`
	Rules   []repository.Rule `json:"rules,omitempty"`
}

// SimulateResult carries the evaluation outcome together with per-rule match
// traces and evaluator diagnostics for rule authors.
type SimulateResult struct {
	Result      core.EvaluationResult `json:"result"`
	Traces      []core.RuleTrace      `json:"traces"`
	Diagnostics []core.Diagnostic     `json:"diagnostics"`
}

// Service coordinates rule persistence, caching, and evaluation.
type Service struct {
	repo     Repository
	resolver core.FieldResolver
	mu       sync.RWMutex
	cache    map[string]repository.Rule

	onCacheLoad         func()
	onCacheInvalidation func()
	onCacheSize         func(size float64)
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithResolver overrides the field resolver used for evaluation. The default
// resolver handles the documented context keys and their legacy aliases.
func WithResolver(resolver core.FieldResolver) ServiceOption {
	return func(s *Service) {
		if resolver != nil {
			s.resolver = resolver
		}
	}
}

// WithCacheMetrics registers callbacks observed on cache loads, invalidation
// notifications, and cache size changes. Nil callbacks are ignored.
func WithCacheMetrics(onLoad, onInvalidation func(), onSize func(size float64)) ServiceOption {
	return func(s *Service) {
		s.onCacheLoad = onLoad
		s.onCacheInvalidation = onInvalidation
		s.onCacheSize = onSize
	}
}

// New creates a Service, loads the rule cache, and starts the cache
// invalidation listener when the repository supports it.
func New(ctx context.Context, repo Repository, opts ...ServiceOption) (*Service, error) {
	if repo == nil {
		return nil, errors.New("repository is nil")
	}

	svc := &Service{
		repo:     repo,
		resolver: core.DefaultResolver,
		cache:    make(map[string]repository.Rule),
	}
	for _, opt := range opts {
		opt(svc)
	}

	if err := svc.LoadCache(ctx); err != nil {
		return nil, err
	}
	if subscriber, ok := repo.(cacheInvalidationSubscriber); ok {
		if err := svc.startCacheInvalidationListener(ctx, subscriber); err != nil {
			return nil, err
		}
	}

	return svc, nil
}

// LoadCache replaces the in-memory rule cache with the current database
// contents.
func (s *Service) LoadCache(ctx context.Context) error {
	rules, err := s.repo.ListRules(ctx)
	if err != nil {
		return fmt.Errorf("load rules: %w", err)
	}

	next := make(map[string]repository.Rule, len(rules))
	for _, rule := range rules {
		next[rule.ID] = rule
	}

	s.mu.Lock()
	s.cache = next
	s.mu.Unlock()

	if s.onCacheLoad != nil {
		s.onCacheLoad()
	}
	if s.onCacheSize != nil {
		s.onCacheSize(float64(len(next)))
	}

	return nil
}

// CreateRule validates and persists a new rule. An empty ID gets a generated
// UUID so editors can omit it.
func (s *Service) CreateRule(ctx context.Context, rule repository.Rule) (repository.Rule, error) {
	if strings.TrimSpace(rule.ID) == "" {
		rule.ID = uuid.NewString()
	}
	if err := validateRule(rule); err != nil {
		return repository.Rule{}, err
	}

	created, err := s.repo.CreateRule(ctx, rule)
	if err != nil {
		return repository.Rule{}, fmt.Errorf("create rule: %w", err)
	}

	s.setCachedRule(created)
	s.publishRuleEventBestEffort(ctx, EventTypeUpdated, created)

	return created, nil
}

// UpdateRule validates and persists changes to an existing rule.
func (s *Service) UpdateRule(ctx context.Context, rule repository.Rule) (repository.Rule, error) {
	if strings.TrimSpace(rule.ID) == "" {
		return repository.Rule{}, errors.New("rule id is required")
	}
	if err := validateRule(rule); err != nil {
		return repository.Rule{}, err
	}

	updated, err := s.repo.UpdateRule(ctx, rule)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			s.deleteCachedRule(rule.ID)
			return repository.Rule{}, ErrRuleNotFound
		}
		return repository.Rule{}, fmt.Errorf("update rule: %w", err)
	}

	s.setCachedRule(updated)
	s.publishRuleEventBestEffort(ctx, EventTypeUpdated, updated)

	return updated, nil
}

// GetRule retrieves a rule by ID, serving from cache when possible.
func (s *Service) GetRule(ctx context.Context, id string) (repository.Rule, error) {
	if strings.TrimSpace(id) == "" {
		return repository.Rule{}, errors.New("rule id is required")
	}

	if rule, ok := s.getCachedRule(id); ok {
		return rule, nil
	}

	rule, err := s.repo.GetRule(ctx, id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return repository.Rule{}, ErrRuleNotFound
		}
		return repository.Rule{}, fmt.Errorf("get rule: %w", err)
	}

	s.setCachedRule(rule)
	return rule, nil
}

// ListRules returns all cached rules ordered by priority, creation time,
// then ID, matching the evaluation order.
func (s *Service) ListRules(_ context.Context) ([]repository.Rule, error) {
	return s.orderedRules(), nil
}

// DeleteRule removes a rule by ID.
func (s *Service) DeleteRule(ctx context.Context, id string) error {
	existing, err := s.GetRule(ctx, id)
	if err != nil {
		return err
	}

	if err := s.repo.DeleteRule(ctx, id); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			s.deleteCachedRule(id)
			return ErrRuleNotFound
		}
		return fmt.Errorf("delete rule: %w", err)
	}

	s.deleteCachedRule(id)
	s.publishRuleEventBestEffort(ctx, EventTypeDeleted, existing)

	return nil
}

// Evaluate runs the cached rule set against the supplied business context
// and returns the folded result.
func (s *Service) Evaluate(_ context.Context, evalContext core.Context) (core.EvaluationResult, error) {
	rules, err := decodeRules(s.orderedRules())
	if err != nil {
		return core.EvaluationResult{}, err
	}

	engine := core.NewEngine(core.WithResolver(s.resolver))
	return engine.Apply(rules, evalContext), nil
}

// Simulate runs a dry-run evaluation with per-rule traces and diagnostics.
// Draft rules in the request replace the stored set for this run only; the
// evaluation semantics are identical to Evaluate.
func (s *Service) Simulate(_ context.Context, request SimulateRequest) (SimulateResult, error) {
	stored := request.Rules
	if stored == nil {
		stored = s.orderedRules()
	}

	rules, err := decodeRules(stored)
	if err != nil {
		return SimulateResult{}, err
	}

	diagnostics := make([]core.Diagnostic, 0)
	engine := core.NewEngine(
		core.WithResolver(s.resolver),
		core.WithDiagnostics(func(d core.Diagnostic) {
			diagnostics = append(diagnostics, d)
		}),
	)

	result, traces := engine.ApplyWithTrace(rules, request.Context)

	return SimulateResult{
		Result:      result,
		Traces:      traces,
		Diagnostics: diagnostics,
	}, nil
}

// ExportRules returns the full rule set with conditions and actions exactly
// as stored, so the exported document survives a round trip unchanged.
func (s *Service) ExportRules(_ context.Context) ([]repository.Rule, error) {
	return s.orderedRules(), nil
}

// ImportRules validates and upserts every rule in the supplied set. Rules
// are validated up front; nothing is written if any rule is invalid.
func (s *Service) ImportRules(ctx context.Context, rules []repository.Rule) ([]repository.Rule, error) {
	for i, rule := range rules {
		if strings.TrimSpace(rule.ID) == "" {
			return nil, fmt.Errorf("rule %d: id is required", i)
		}
		if err := validateRule(rule); err != nil {
			return nil, fmt.Errorf("rule %q: %w", rule.ID, err)
		}
	}

	imported := make([]repository.Rule, 0, len(rules))
	for _, rule := range rules {
		stored, err := s.repo.UpsertRule(ctx, rule)
		if err != nil {
			return nil, fmt.Errorf("import rule %q: %w", rule.ID, err)
		}
		s.setCachedRule(stored)
		imported = append(imported, stored)
	}

	if len(imported) > 0 {
		s.publishRuleEventBestEffort(ctx, EventTypeImported, imported[0])
	}

	return imported, nil
}

// ListEventsSince returns rule change events with IDs greater than eventID.
func (s *Service) ListEventsSince(ctx context.Context, eventID int64) ([]repository.RuleEvent, error) {
	events, err := s.repo.ListEventsSince(ctx, eventID)
	if err != nil {
		return nil, fmt.Errorf("list events since %d: %w", eventID, err)
	}

	return events, nil
}

func (s *Service) orderedRules() []repository.Rule {
	s.mu.RLock()
	rules := make([]repository.Rule, 0, len(s.cache))
	for _, rule := range s.cache {
		rules = append(rules, rule)
	}
	s.mu.RUnlock()

	sort.Slice(rules, func(i, j int) bool {
		if rules[i].Priority != rules[j].Priority {
			return rules[i].Priority < rules[j].Priority
		}
		if !rules[i].CreatedAt.Equal(rules[j].CreatedAt) {
			return rules[i].CreatedAt.Before(rules[j].CreatedAt)
		}
		return rules[i].ID < rules[j].ID
	})

	return rules
}

func (s *Service) getCachedRule(id string) (repository.Rule, bool) {
	s.mu.RLock()
	rule, ok := s.cache[id]
	s.mu.RUnlock()

	return rule, ok
}

func (s *Service) setCachedRule(rule repository.Rule) {
	s.mu.Lock()
	s.cache[rule.ID] = rule
	s.mu.Unlock()
}

func (s *Service) deleteCachedRule(id string) {
	s.mu.Lock()
	delete(s.cache, id)
	s.mu.Unlock()
}

func (s *Service) startCacheInvalidationListener(ctx context.Context, subscriber cacheInvalidationSubscriber) error {
	invalidations, err := subscriber.SubscribeRuleInvalidation(ctx)
	if err != nil {
		return fmt.Errorf("subscribe cache invalidation: %w", err)
	}

	go func() {
		resyncTicker := time.NewTicker(cacheResyncInterval)
		defer resyncTicker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-resyncTicker.C:
				if invalidations == nil {
					next, err := subscriber.SubscribeRuleInvalidation(ctx)
					if err == nil {
						invalidations = next
					}
				}
				s.reloadCache(ctx)
			case _, ok := <-invalidations:
				if !ok {
					next, err := subscriber.SubscribeRuleInvalidation(ctx)
					if err != nil {
						invalidations = nil
						continue
					}
					invalidations = next
					continue
				}
				if s.onCacheInvalidation != nil {
					s.onCacheInvalidation()
				}
				s.reloadCache(ctx)
			}
		}
	}()

	return nil
}

func (s *Service) publishRuleEventBestEffort(ctx context.Context, eventType string, rule repository.Rule) {
	// Mutations have already committed before events are published.
	publishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), bestEffortTimeout)
	defer cancel()
	_ = s.publishRuleEvent(publishCtx, eventType, rule)
}

func (s *Service) reloadCache(ctx context.Context) {
	reloadCtx, cancel := context.WithTimeout(ctx, cacheReloadTimeout)
	defer cancel()
	_ = s.LoadCache(reloadCtx)
}

func (s *Service) publishRuleEvent(ctx context.Context, eventType string, rule repository.Rule) error {
	payload, err := json.Marshal(rule)
	if err != nil {
		return fmt.Errorf("marshal %s event payload: %w", eventType, err)
	}

	_, err = s.repo.PublishRuleEvent(ctx, repository.RuleEvent{
		RuleID:    rule.ID,
		EventType: eventType,
		Payload:   payload,
	})
	if err != nil {
		return fmt.Errorf("publish %s event: %w", eventType, err)
	}

	return nil
}

func validateRule(rule repository.Rule) error {
	if strings.TrimSpace(rule.Name) == "" {
		return errors.New("rule name is required")
	}

	conditions, err := parseConditionsJSON(rule.Conditions)
	if err != nil {
		return err
	}
	for i, condition := range conditions {
		if strings.TrimSpace(condition.Field) == "" {
			return fmt.Errorf("%w: condition %d: field is required", ErrInvalidConditions, i)
		}
		if strings.TrimSpace(string(condition.Operator)) == "" {
			return fmt.Errorf("%w: condition %d: operator is required", ErrInvalidConditions, i)
		}
	}

	actions, err := parseActionsJSON(rule.Actions)
	if err != nil {
		return err
	}
	for i, action := range actions {
		if strings.TrimSpace(string(action.Type)) == "" {
			return fmt.Errorf("%w: action %d: type is required", ErrInvalidActions, i)
		}
	}

	return nil
}

func decodeRules(stored []repository.Rule) ([]core.Rule, error) {
	rules := make([]core.Rule, 0, len(stored))
	for _, row := range stored {
		rule, err := repositoryRuleToCore(row)
		if err != nil {
			return nil, fmt.Errorf("decode rule %q: %w", row.ID, err)
		}
		rules = append(rules, rule)
	}

	return rules, nil
}

func repositoryRuleToCore(row repository.Rule) (core.Rule, error) {
	conditions, err := parseConditionsJSON(row.Conditions)
	if err != nil {
		return core.Rule{}, err
	}

	actions, err := parseActionsJSON(row.Actions)
	if err != nil {
		return core.Rule{}, err
	}

	return core.Rule{
		ID:          row.ID,
		Name:        row.Name,
		Type:        row.Type,
		Description: row.Description,
		Conditions:  conditions,
		Actions:     actions,
		Priority:    row.Priority,
		Active:      row.Active,
	}, nil
}

func parseConditionsJSON(payload json.RawMessage) ([]core.Condition, error) {
	conditions := make([]core.Condition, 0)
	if len(payload) == 0 {
		return conditions, nil
	}

	if err := json.Unmarshal(payload, &conditions); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConditions, err)
	}

	return conditions, nil
}

func parseActionsJSON(payload json.RawMessage) ([]core.Action, error) {
	actions := make([]core.Action, 0)
	if len(payload) == 0 {
		return actions, nil
	}

	if err := json.Unmarshal(payload, &actions); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidActions, err)
	}

	return actions, nil
}
