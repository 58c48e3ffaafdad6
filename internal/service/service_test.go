package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/formaops/decisio/internal/core"
	"github.com/formaops/decisio/internal/repository"
)

func TestServiceCRUDAndEvaluation(t *testing.T) {
	ctx := context.Background()
	repo := newFakeServiceRepository()

	svc, err := New(ctx, repo)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	rule := repository.Rule{
		ID:         "dubai-fee",
		Name:       "Dubai registration fee",
		Type:       "pricing",
		Conditions: json.RawMessage(`[{"field":"jurisdiction.emirate","operator":"equals","value":"Dubai"}]`),
		Actions:    json.RawMessage(`[{"type":"add_fee","value":500}]`),
		Priority:   10,
		Active:     true,
	}
	if _, err := svc.CreateRule(ctx, rule); err != nil {
		t.Fatalf("CreateRule() error = %v", err)
	}

	got, err := svc.GetRule(ctx, "dubai-fee")
	if err != nil {
		t.Fatalf("GetRule() error = %v", err)
	}
	if got.Name != "Dubai registration fee" {
		t.Fatalf("GetRule().Name = %q, want %q", got.Name, "Dubai registration fee")
	}

	result, err := svc.Evaluate(ctx, core.Context{"emirate": "Dubai"})
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if result.AdditionalFees != 500 {
		t.Fatalf("Evaluate().AdditionalFees = %v, want 500", result.AdditionalFees)
	}
	if len(result.AppliedRuleNames) != 1 || result.AppliedRuleNames[0] != "Dubai registration fee" {
		t.Fatalf("Evaluate().AppliedRuleNames = %v, want [Dubai registration fee]", result.AppliedRuleNames)
	}

	result, err = svc.Evaluate(ctx, core.Context{"emirate": "Sharjah"})
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if result.AdditionalFees != 0 {
		t.Fatalf("Evaluate().AdditionalFees = %v, want 0 on mismatch", result.AdditionalFees)
	}

	rule.Description = "updated"
	if _, err := svc.UpdateRule(ctx, rule); err != nil {
		t.Fatalf("UpdateRule() error = %v", err)
	}

	rules, err := svc.ListRules(ctx)
	if err != nil {
		t.Fatalf("ListRules() error = %v", err)
	}
	if len(rules) != 1 || rules[0].Description != "updated" {
		t.Fatalf("ListRules() = %#v, want single updated rule", rules)
	}

	if err := svc.DeleteRule(ctx, "dubai-fee"); err != nil {
		t.Fatalf("DeleteRule() error = %v", err)
	}

	if _, err := svc.GetRule(ctx, "dubai-fee"); !errors.Is(err, ErrRuleNotFound) {
		t.Fatalf("GetRule() error = %v, want %v", err, ErrRuleNotFound)
	}

	repo.mu.RLock()
	events := append([]repository.RuleEvent(nil), repo.events...)
	repo.mu.RUnlock()
	if len(events) != 3 {
		t.Fatalf("PublishRuleEvent calls = %d, want 3", len(events))
	}
	if events[0].EventType != EventTypeUpdated || events[1].EventType != EventTypeUpdated || events[2].EventType != EventTypeDeleted {
		t.Fatalf("event types = %#v, want [updated updated deleted]", []string{events[0].EventType, events[1].EventType, events[2].EventType})
	}
}

func TestCreateRuleGeneratesID(t *testing.T) {
	ctx := context.Background()
	repo := newFakeServiceRepository()
	svc, err := New(ctx, repo)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	created, err := svc.CreateRule(ctx, repository.Rule{Name: "no id"})
	if err != nil {
		t.Fatalf("CreateRule() error = %v", err)
	}
	if created.ID == "" {
		t.Fatal("CreateRule() did not generate an ID")
	}
}

func TestCreateRuleValidation(t *testing.T) {
	ctx := context.Background()
	repo := newFakeServiceRepository()
	svc, err := New(ctx, repo)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	tests := []struct {
		name    string
		rule    repository.Rule
		wantErr error
	}{
		{
			name: "malformed conditions",
			rule: repository.Rule{
				Name:       "bad conditions",
				Conditions: json.RawMessage(`{"not":"an array"}`),
			},
			wantErr: ErrInvalidConditions,
		},
		{
			name: "condition missing field",
			rule: repository.Rule{
				Name:       "missing field",
				Conditions: json.RawMessage(`[{"operator":"equals","value":"x"}]`),
			},
			wantErr: ErrInvalidConditions,
		},
		{
			name: "condition missing operator",
			rule: repository.Rule{
				Name:       "missing operator",
				Conditions: json.RawMessage(`[{"field":"emirate","value":"x"}]`),
			},
			wantErr: ErrInvalidConditions,
		},
		{
			name: "malformed actions",
			rule: repository.Rule{
				Name:    "bad actions",
				Actions: json.RawMessage(`"nope"`),
			},
			wantErr: ErrInvalidActions,
		},
		{
			name: "action missing type",
			rule: repository.Rule{
				Name:    "missing type",
				Actions: json.RawMessage(`[{"value":5}]`),
			},
			wantErr: ErrInvalidActions,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := svc.CreateRule(ctx, tt.rule); !errors.Is(err, tt.wantErr) {
				t.Fatalf("CreateRule() error = %v, want %v", err, tt.wantErr)
			}
		})
	}

	if _, err := svc.CreateRule(ctx, repository.Rule{Name: "  "}); err == nil {
		t.Fatal("CreateRule() with blank name succeeded, want error")
	}
}

func TestUpdateRuleNotFound(t *testing.T) {
	ctx := context.Background()
	repo := newFakeServiceRepository()
	svc, err := New(ctx, repo)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	_, err = svc.UpdateRule(ctx, repository.Rule{ID: "ghost", Name: "ghost"})
	if !errors.Is(err, ErrRuleNotFound) {
		t.Fatalf("UpdateRule() error = %v, want %v", err, ErrRuleNotFound)
	}
}

func TestServiceMutationSucceedsWhenPublishFails(t *testing.T) {
	ctx := context.Background()
	repo := newFakeServiceRepository()
	repo.publishErr = errors.New("publish failed")

	svc, err := New(ctx, repo)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if _, err := svc.CreateRule(ctx, repository.Rule{ID: "r1", Name: "rule one"}); err != nil {
		t.Fatalf("CreateRule() error = %v, want nil when event publish fails", err)
	}

	if _, err := svc.GetRule(ctx, "r1"); err != nil {
		t.Fatalf("GetRule() error = %v", err)
	}
}

func TestEvaluateOrdersByPriorityAcrossCache(t *testing.T) {
	ctx := context.Background()
	repo := newFakeServiceRepository()

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	repo.setRule(repository.Rule{
		ID:        "later",
		Name:      "Later",
		Actions:   json.RawMessage(`[{"type":"show_warning","message":"second"}]`),
		Priority:  20,
		Active:    true,
		CreatedAt: base,
	})
	repo.setRule(repository.Rule{
		ID:        "earlier",
		Name:      "Earlier",
		Actions:   json.RawMessage(`[{"type":"show_warning","message":"first"}]`),
		Priority:  10,
		Active:    true,
		CreatedAt: base.Add(time.Hour),
	})

	svc, err := New(ctx, repo)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	result, err := svc.Evaluate(ctx, core.Context{})
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	want := []string{"first", "second"}
	if len(result.Warnings) != 2 || result.Warnings[0] != want[0] || result.Warnings[1] != want[1] {
		t.Fatalf("Evaluate().Warnings = %v, want %v", result.Warnings, want)
	}
}

func TestSimulateStoredRules(t *testing.T) {
	ctx := context.Background()
	repo := newFakeServiceRepository()
	repo.setRule(repository.Rule{
		ID:         "block-restricted",
		Name:       "Block restricted activity",
		Conditions: json.RawMessage(`[{"field":"activity.risk_level","operator":"equals","value":"restricted"}]`),
		Actions:    json.RawMessage(`[{"type":"block","message":"Activity not permitted"}]`),
		Priority:   1,
		Active:     true,
	})

	svc, err := New(ctx, repo)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	sim, err := svc.Simulate(ctx, SimulateRequest{
		Context: core.Context{"activityRiskLevel": "restricted"},
	})
	if err != nil {
		t.Fatalf("Simulate() error = %v", err)
	}
	if !sim.Result.Blocked || sim.Result.BlockMessage != "Activity not permitted" {
		t.Fatalf("Simulate().Result = %+v, want blocked with message", sim.Result)
	}
	if len(sim.Traces) != 1 || !sim.Traces[0].Matched {
		t.Fatalf("Simulate().Traces = %+v, want single matched trace", sim.Traces)
	}

	// The same context through Evaluate must produce the same result.
	live, err := svc.Evaluate(ctx, core.Context{"activityRiskLevel": "restricted"})
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if live.Blocked != sim.Result.Blocked || live.BlockMessage != sim.Result.BlockMessage {
		t.Fatalf("Evaluate() = %+v, Simulate() = %+v, want identical outcomes", live, sim.Result)
	}
}

func TestSimulateDraftRules(t *testing.T) {
	ctx := context.Background()
	repo := newFakeServiceRepository()
	repo.setRule(repository.Rule{
		ID:      "stored",
		Name:    "Stored rule",
		Actions: json.RawMessage(`[{"type":"add_fee","value":100}]`),
		Active:  true,
	})

	svc, err := New(ctx, repo)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	sim, err := svc.Simulate(ctx, SimulateRequest{
		Context: core.Context{},
		Rules: []repository.Rule{
			{
				ID:      "draft",
				Name:    "Draft rule",
				Actions: json.RawMessage(`[{"type":"add_fee","value":999}]`),
				Active:  true,
			},
		},
	})
	if err != nil {
		t.Fatalf("Simulate() error = %v", err)
	}
	if sim.Result.AdditionalFees != 999 {
		t.Fatalf("Simulate() draft fees = %v, want 999", sim.Result.AdditionalFees)
	}

	// Stored set is untouched.
	live, err := svc.Evaluate(ctx, core.Context{})
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if live.AdditionalFees != 100 {
		t.Fatalf("Evaluate() fees = %v, want 100 from stored rule", live.AdditionalFees)
	}
}

func TestSimulateReportsDiagnostics(t *testing.T) {
	ctx := context.Background()
	repo := newFakeServiceRepository()

	svc, err := New(ctx, repo)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	sim, err := svc.Simulate(ctx, SimulateRequest{
		Context: core.Context{},
		Rules: []repository.Rule{
			{
				ID:      "mystery",
				Name:    "Mystery action",
				Actions: json.RawMessage(`[{"type":"launch_rocket"}]`),
				Active:  true,
			},
		},
	})
	if err != nil {
		t.Fatalf("Simulate() error = %v", err)
	}
	if len(sim.Diagnostics) != 1 || sim.Diagnostics[0].Kind != core.DiagUnknownAction {
		t.Fatalf("Simulate().Diagnostics = %+v, want single unknown-action diagnostic", sim.Diagnostics)
	}
}

func TestExportImportRoundTrip(t *testing.T) {
	ctx := context.Background()
	repo := newFakeServiceRepository()

	conditions := json.RawMessage(`[{"id":"c1","field":"planCode","operator":"in","value":"gold,platinum","logic":"AND"}]`)
	actions := json.RawMessage(`[{"type":"apply_discount","value":10,"message":"loyalty"}]`)
	repo.setRule(repository.Rule{
		ID:         "loyalty-discount",
		Name:       "Loyalty discount",
		Type:       "pricing",
		Conditions: conditions,
		Actions:    actions,
		Priority:   5,
		Active:     true,
	})

	svc, err := New(ctx, repo)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	exported, err := svc.ExportRules(ctx)
	if err != nil {
		t.Fatalf("ExportRules() error = %v", err)
	}
	if len(exported) != 1 {
		t.Fatalf("ExportRules() returned %d rules, want 1", len(exported))
	}
	if string(exported[0].Conditions) != string(conditions) {
		t.Fatalf("exported conditions = %s, want stored bytes unchanged", exported[0].Conditions)
	}
	if string(exported[0].Actions) != string(actions) {
		t.Fatalf("exported actions = %s, want stored bytes unchanged", exported[0].Actions)
	}

	imported, err := svc.ImportRules(ctx, exported)
	if err != nil {
		t.Fatalf("ImportRules() error = %v", err)
	}
	if len(imported) != 1 || string(imported[0].Conditions) != string(conditions) {
		t.Fatalf("ImportRules() = %#v, want round-tripped rule", imported)
	}
}

func TestImportRulesRejectsInvalidSetAtomically(t *testing.T) {
	ctx := context.Background()
	repo := newFakeServiceRepository()

	svc, err := New(ctx, repo)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	_, err = svc.ImportRules(ctx, []repository.Rule{
		{ID: "ok", Name: "fine"},
		{ID: "bad", Name: "broken", Conditions: json.RawMessage(`{"oops":1}`)},
	})
	if !errors.Is(err, ErrInvalidConditions) {
		t.Fatalf("ImportRules() error = %v, want %v", err, ErrInvalidConditions)
	}

	rules, err := svc.ListRules(ctx)
	if err != nil {
		t.Fatalf("ListRules() error = %v", err)
	}
	if len(rules) != 0 {
		t.Fatalf("ListRules() after failed import = %d rules, want 0", len(rules))
	}
}

func TestCacheInvalidationReloadsRules(t *testing.T) {
	ctx := context.Background()
	repo := newNotifyingFakeServiceRepository()

	svc, err := New(ctx, repo)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	repo.setRule(repository.Rule{ID: "late", Name: "Late arrival", Active: true})
	repo.notifyInvalidation()

	waitForCondition(t, time.Second, func() bool {
		_, ok := svc.getCachedRule("late")
		return ok
	})
}

func TestWithCacheMetrics(t *testing.T) {
	ctx := context.Background()
	repo := newFakeServiceRepository()
	repo.setRule(repository.Rule{ID: "a", Name: "A", Active: true})
	repo.setRule(repository.Rule{ID: "b", Name: "B", Active: true})

	var mu sync.Mutex
	var loads int
	var lastSize float64

	svc, err := New(ctx, repo, WithCacheMetrics(
		func() {
			mu.Lock()
			loads++
			mu.Unlock()
		},
		func() {},
		func(size float64) {
			mu.Lock()
			lastSize = size
			mu.Unlock()
		},
	))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if err := svc.LoadCache(ctx); err != nil {
		t.Fatalf("LoadCache() error = %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if loads != 2 {
		t.Fatalf("onCacheLoad calls = %d, want 2", loads)
	}
	if lastSize != 2 {
		t.Fatalf("onCacheSize = %v, want 2", lastSize)
	}
}

func TestBestEffortPublishOutlivesRequestContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	repo := newFakeServiceRepository()
	repo.requirePublishActiveContext = true

	svc, err := New(context.Background(), repo)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	cancel()
	if _, err := svc.CreateRule(ctx, repository.Rule{ID: "r1", Name: "rule"}); err != nil {
		t.Fatalf("CreateRule() error = %v", err)
	}

	repo.mu.RLock()
	defer repo.mu.RUnlock()
	if repo.publishCtxErr != nil {
		t.Fatalf("publish context error = %v, want nil after request cancellation", repo.publishCtxErr)
	}
	if !repo.publishCtxHasDeadline {
		t.Fatal("publish context has no deadline, want best-effort timeout")
	}
}

type fakeServiceRepository struct {
	mu          sync.RWMutex
	rules       map[string]repository.Rule
	events      []repository.RuleEvent
	nextEventID int64

	publishErr                  error
	publishCtxErr               error
	publishCtxHasDeadline       bool
	requirePublishActiveContext bool
}

func newFakeServiceRepository() *fakeServiceRepository {
	return &fakeServiceRepository{
		rules: make(map[string]repository.Rule),
	}
}

func (f *fakeServiceRepository) CreateRule(_ context.Context, rule repository.Rule) (repository.Rule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.rules[rule.ID]; ok {
		return repository.Rule{}, fmt.Errorf("rule %q already exists", rule.ID)
	}
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = time.Now()
	}
	rule.UpdatedAt = rule.CreatedAt
	f.rules[rule.ID] = rule
	return rule, nil
}

func (f *fakeServiceRepository) UpdateRule(_ context.Context, rule repository.Rule) (repository.Rule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	existing, ok := f.rules[rule.ID]
	if !ok {
		return repository.Rule{}, fmt.Errorf("update rule: %w", pgx.ErrNoRows)
	}
	rule.CreatedAt = existing.CreatedAt
	rule.UpdatedAt = time.Now()
	f.rules[rule.ID] = rule
	return rule, nil
}

func (f *fakeServiceRepository) GetRule(_ context.Context, id string) (repository.Rule, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	rule, ok := f.rules[id]
	if !ok {
		return repository.Rule{}, fmt.Errorf("get rule: %w", pgx.ErrNoRows)
	}
	return rule, nil
}

func (f *fakeServiceRepository) ListRules(_ context.Context) ([]repository.Rule, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	rules := make([]repository.Rule, 0, len(f.rules))
	for _, rule := range f.rules {
		rules = append(rules, rule)
	}
	return rules, nil
}

func (f *fakeServiceRepository) DeleteRule(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.rules[id]; !ok {
		return fmt.Errorf("delete rule: %w", pgx.ErrNoRows)
	}
	delete(f.rules, id)
	return nil
}

func (f *fakeServiceRepository) UpsertRule(_ context.Context, rule repository.Rule) (repository.Rule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if existing, ok := f.rules[rule.ID]; ok {
		rule.CreatedAt = existing.CreatedAt
	} else if rule.CreatedAt.IsZero() {
		rule.CreatedAt = time.Now()
	}
	rule.UpdatedAt = time.Now()
	f.rules[rule.ID] = rule
	return rule, nil
}

func (f *fakeServiceRepository) ListEventsSince(_ context.Context, eventID int64) ([]repository.RuleEvent, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	events := make([]repository.RuleEvent, 0, len(f.events))
	for _, event := range f.events {
		if event.EventID > eventID {
			events = append(events, event)
		}
	}
	return events, nil
}

func (f *fakeServiceRepository) PublishRuleEvent(ctx context.Context, event repository.RuleEvent) (repository.RuleEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.publishCtxErr = ctx.Err()
	_, f.publishCtxHasDeadline = ctx.Deadline()

	if f.requirePublishActiveContext && f.publishCtxErr != nil {
		return repository.RuleEvent{}, f.publishCtxErr
	}

	if f.publishErr != nil {
		return repository.RuleEvent{}, f.publishErr
	}

	f.nextEventID++
	event.EventID = f.nextEventID
	f.events = append(f.events, event)
	return event, nil
}

func (f *fakeServiceRepository) setRule(rule repository.Rule) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = time.Now()
	}
	f.rules[rule.ID] = rule
}

type notifyingFakeServiceRepository struct {
	*fakeServiceRepository
	invalidations chan struct{}
}

func newNotifyingFakeServiceRepository() *notifyingFakeServiceRepository {
	return &notifyingFakeServiceRepository{
		fakeServiceRepository: newFakeServiceRepository(),
		invalidations:         make(chan struct{}, 1),
	}
}

func (f *notifyingFakeServiceRepository) SubscribeRuleInvalidation(_ context.Context) (<-chan struct{}, error) {
	return f.invalidations, nil
}

func (f *notifyingFakeServiceRepository) notifyInvalidation() {
	select {
	case f.invalidations <- struct{}{}:
	default:
	}
}

func waitForCondition(t *testing.T, timeout time.Duration, check func() bool) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for {
		if check() {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("condition not met before timeout")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
