package worker

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/clearpath-legal/kestrel/internal/bus"
	"github.com/clearpath-legal/kestrel/internal/domain"
	"github.com/clearpath-legal/kestrel/internal/lifecycle"
	"github.com/clearpath-legal/kestrel/internal/orchestrator"
	"github.com/clearpath-legal/kestrel/internal/repository"
)

func testEvalConfig() domain.EvaluationConfig {
	return domain.EvaluationConfig{
		MaxWorkers:           4,
		EscalationThreshold:  0.7,
		ConfidenceAdjustment: 1.0,
	}
}

// newTestWorker wires a real sqlite repository, a channel bus, and a
// published rule version for the returned visa type.
func newTestWorker(t *testing.T) (*Worker, *bus.ChannelBus, domain.Repository, *domain.VisaType) {
	t.Helper()

	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "test.db"),
	})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	b := bus.NewChannelBus(100)
	t.Cleanup(func() { b.Close() })

	ctx := context.Background()
	vt := &domain.VisaType{
		ID:           uuid.New().String(),
		Jurisdiction: "UK",
		Code:         "SKILLED_WORKER",
		Name:         "Skilled Worker",
		Active:       true,
		CreatedAt:    time.Now().UTC(),
	}
	if err := repo.SaveVisaType(ctx, vt); err != nil {
		t.Fatalf("failed to save visa type: %v", err)
	}

	manager := lifecycle.NewManager(repo, nil, b, nil)
	v, err := manager.CreateVersion(ctx, lifecycle.CreateVersionInput{
		VisaTypeID:    vt.ID,
		EffectiveFrom: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		CreatedBy:     "caseworker-1",
		Requirements: []domain.Requirement{
			{
				RequirementCode: "MIN_SALARY",
				RuleType:        domain.RuleTypeEligibility,
				IsMandatory:     true,
				ConditionExpression: map[string]any{
					">=": []any{map[string]any{"var": "salary"}, 30000.0},
				},
			},
			{
				RequirementCode: "ENGLISH_LANGUAGE",
				RuleType:        domain.RuleTypeEligibility,
				IsMandatory:     false,
				ConditionExpression: map[string]any{
					"==": []any{map[string]any{"var": "englishLevel"}, "B1"},
				},
			},
		},
	})
	if err != nil {
		t.Fatalf("CreateVersion: %v", err)
	}
	if _, err := manager.Publish(ctx, v.ID, v.VersionNumber, "approver-1"); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	orch := orchestrator.New(b, nil)
	w := NewWorker(b, repo, manager, orch, testEvalConfig())
	t.Cleanup(func() { w.Stop() })

	return w, b, repo, vt
}

func TestEvaluatePipeline(t *testing.T) {
	w, _, repo, vt := newTestWorker(t)
	ctx := context.Background()

	evaluation, err := w.Evaluate(ctx, &CaseEvaluateMessage{
		CaseID:     "case-1",
		VisaTypeID: vt.ID,
		TraceID:    "trace-1",
		Facts: map[string]any{
			"salary":       45000.0,
			"englishLevel": "B1",
		},
	})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}

	if evaluation.Outcome != domain.OutcomeEligible {
		t.Errorf("outcome = %s, want eligible", evaluation.Outcome)
	}
	if evaluation.Confidence != 1.0 {
		t.Errorf("confidence = %f, want 1.0", evaluation.Confidence)
	}
	if evaluation.RequirementsPassed != 2 || evaluation.RequirementsTotal != 2 {
		t.Errorf("passed/total = %d/%d, want 2/2", evaluation.RequirementsPassed, evaluation.RequirementsTotal)
	}
	if evaluation.Metadata.TraceID != "trace-1" {
		t.Errorf("trace id = %q, want trace-1", evaluation.Metadata.TraceID)
	}
	if evaluation.Metadata.EngineVersion != EngineVersion {
		t.Errorf("engine version = %q", evaluation.Metadata.EngineVersion)
	}
	if evaluation.Metadata.RequirementsEvaluated != 2 {
		t.Errorf("requirements evaluated = %d, want 2", evaluation.Metadata.RequirementsEvaluated)
	}

	// The audit record is persisted.
	saved, err := repo.GetEvaluation(ctx, evaluation.ID)
	if err != nil {
		t.Fatalf("GetEvaluation: %v", err)
	}
	if saved.CaseID != "case-1" || saved.Outcome != domain.OutcomeEligible {
		t.Errorf("saved = %+v", saved)
	}
}

func TestEvaluateMissingFacts(t *testing.T) {
	w, _, _, vt := newTestWorker(t)
	ctx := context.Background()

	evaluation, err := w.Evaluate(ctx, &CaseEvaluateMessage{
		CaseID:     "case-2",
		VisaTypeID: vt.ID,
		Facts:      map[string]any{"englishLevel": "B1"},
	})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}

	// MIN_SALARY is mandatory and its fact is absent.
	if evaluation.Outcome != domain.OutcomeNotEligible {
		t.Errorf("outcome = %s, want not_eligible", evaluation.Outcome)
	}
	if len(evaluation.MissingFacts) != 1 || evaluation.MissingFacts[0] != "salary" {
		t.Errorf("missing facts = %v, want [salary]", evaluation.MissingFacts)
	}
}

func TestEvaluateNoActiveVersion(t *testing.T) {
	w, _, _, vt := newTestWorker(t)
	ctx := context.Background()

	before := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	_, err := w.Evaluate(ctx, &CaseEvaluateMessage{
		CaseID:     "case-3",
		VisaTypeID: vt.ID,
		AsOf:       &before,
		Facts:      map[string]any{"salary": 45000.0},
	})
	if !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestEvaluateConflictEscalates(t *testing.T) {
	w, b, _, vt := newTestWorker(t)
	ctx := context.Background()

	var mu sync.Mutex
	var escalations []domain.EscalationRequest
	b.Subscribe(ctx, domain.TopicReviewEscalation, func(ctx context.Context, msg *domain.Message) error {
		var req domain.EscalationRequest
		if err := json.Unmarshal(msg.Payload, &req); err != nil {
			return err
		}
		mu.Lock()
		escalations = append(escalations, req)
		mu.Unlock()
		return nil
	})
	time.Sleep(10 * time.Millisecond)

	evaluation, err := w.Evaluate(ctx, &CaseEvaluateMessage{
		CaseID:     "case-4",
		VisaTypeID: vt.ID,
		Facts: map[string]any{
			"salary":       45000.0,
			"englishLevel": "B1",
		},
		AIVerdict: &domain.AIVerdict{
			Outcome:    domain.OutcomeNotEligible,
			Confidence: 0.9,
		},
	})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}

	if !evaluation.Conflict || !evaluation.Escalated {
		t.Errorf("conflict=%v escalated=%v, want both true", evaluation.Conflict, evaluation.Escalated)
	}

	deadline := time.Now().Add(time.Second)
	for {
		mu.Lock()
		n := len(escalations)
		mu.Unlock()
		if n > 0 || time.Now().After(deadline) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(escalations) != 1 {
		t.Fatalf("escalations = %d, want 1", len(escalations))
	}
	if escalations[0].CaseID != "case-4" {
		t.Errorf("escalation case id = %q", escalations[0].CaseID)
	}
}

func TestWorkerSubscription(t *testing.T) {
	w, b, repo, vt := newTestWorker(t)
	ctx := context.Background()

	if err := w.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	stats := w.GetStats()
	if stats.SubscriptionCount != 1 || stats.Topics[0] != domain.TopicCaseEvaluate {
		t.Errorf("stats = %+v", stats)
	}

	var mu sync.Mutex
	var verdicts []domain.Evaluation
	b.Subscribe(ctx, domain.TopicCaseVerdict, func(ctx context.Context, msg *domain.Message) error {
		var e domain.Evaluation
		if err := json.Unmarshal(msg.Payload, &e); err != nil {
			return err
		}
		mu.Lock()
		verdicts = append(verdicts, e)
		mu.Unlock()
		return nil
	})
	time.Sleep(10 * time.Millisecond)

	payload, _ := json.Marshal(CaseEvaluateMessage{
		CaseID:     "case-5",
		VisaTypeID: vt.ID,
		Facts: map[string]any{
			"salary":       25000.0,
			"englishLevel": "B1",
		},
	})
	if err := b.Publish(ctx, domain.TopicCaseEvaluate, payload); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := len(verdicts)
		mu.Unlock()
		if n > 0 || time.Now().After(deadline) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(verdicts) != 1 {
		t.Fatalf("verdicts = %d, want 1", len(verdicts))
	}
	if verdicts[0].CaseID != "case-5" {
		t.Errorf("verdict case id = %q", verdicts[0].CaseID)
	}
	// Salary below threshold on a mandatory requirement.
	if verdicts[0].Outcome != domain.OutcomeNotEligible {
		t.Errorf("outcome = %s, want not_eligible", verdicts[0].Outcome)
	}

	saved, err := repo.GetEvaluation(ctx, verdicts[0].ID)
	if err != nil {
		t.Fatalf("GetEvaluation: %v", err)
	}
	if saved.CaseID != "case-5" {
		t.Errorf("saved case id = %q", saved.CaseID)
	}
}
