// Package worker provides async case evaluation for the Pro tier.
package worker

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/clearpath-legal/kestrel/internal/domain"
	"github.com/clearpath-legal/kestrel/internal/eval"
	"github.com/clearpath-legal/kestrel/internal/lifecycle"
	"github.com/clearpath-legal/kestrel/internal/orchestrator"
)

// EngineVersion is stamped on every evaluation record.
const EngineVersion = "kestrel/1.0"

// Worker processes case evaluation requests asynchronously from the EventBus.
type Worker struct {
	bus          domain.EventBus
	repo         domain.Repository
	manager      *lifecycle.Manager
	orchestrator *orchestrator.Orchestrator
	cfg          domain.EvaluationConfig

	subscriptions []domain.Subscription
	wg            sync.WaitGroup
	ctx           context.Context
	cancel        context.CancelFunc
}

// NewWorker creates a new async evaluation worker.
func NewWorker(bus domain.EventBus, repo domain.Repository, manager *lifecycle.Manager, orch *orchestrator.Orchestrator, cfg domain.EvaluationConfig) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:          bus,
		repo:         repo,
		manager:      manager,
		orchestrator: orch,
		cfg:          cfg,
		ctx:          ctx,
		cancel:       cancel,
	}
}

// Start subscribes to the case evaluation topic.
func (w *Worker) Start() error {
	sub, err := w.bus.Subscribe(w.ctx, domain.TopicCaseEvaluate, w.handleMessage)
	if err != nil {
		return err
	}
	w.subscriptions = append(w.subscriptions, sub)

	slog.Info("evaluation worker started",
		"topic", domain.TopicCaseEvaluate,
	)
	return nil
}

// CaseEvaluateMessage is the message payload for case evaluation.
type CaseEvaluateMessage struct {
	CaseID     string            `json:"caseId"`
	VisaTypeID string            `json:"visaTypeId"`
	TraceID    string            `json:"traceId,omitempty"`
	AsOf       *time.Time        `json:"asOf,omitempty"`
	Facts      map[string]any    `json:"facts"`
	AIVerdict  *domain.AIVerdict `json:"aiVerdict,omitempty"`
}

// handleMessage parses and evaluates a single case message.
func (w *Worker) handleMessage(ctx context.Context, msg *domain.Message) error {
	var caseMsg CaseEvaluateMessage
	if err := json.Unmarshal(msg.Payload, &caseMsg); err != nil {
		slog.Error("failed to parse case message",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}

	if caseMsg.TraceID == "" {
		caseMsg.TraceID = msg.ID
	}

	_, err := w.Evaluate(ctx, &caseMsg)
	return err
}

// Evaluate runs the full pipeline for one case: resolve the active rule
// version, evaluate its requirements against the facts, aggregate, reconcile
// against the AI verdict, persist the audit record, and publish the verdict.
func (w *Worker) Evaluate(ctx context.Context, caseMsg *CaseEvaluateMessage) (*domain.Evaluation, error) {
	start := time.Now()

	slog.Debug("evaluating case",
		"case_id", caseMsg.CaseID,
		"visa_type_id", caseMsg.VisaTypeID,
		"trace_id", caseMsg.TraceID,
	)

	asOf := time.Now().UTC()
	if caseMsg.AsOf != nil {
		asOf = *caseMsg.AsOf
	}

	// 1. Resolve the rule version active at the evaluation instant.
	version, err := w.manager.ActiveVersion(ctx, caseMsg.VisaTypeID, asOf)
	if err != nil {
		slog.Error("no active rule version",
			"case_id", caseMsg.CaseID,
			"visa_type_id", caseMsg.VisaTypeID,
			"error", err,
		)
		return nil, err
	}

	// 2. Evaluate every requirement and aggregate into a verdict.
	evalStart := time.Now()
	outcomes := eval.EvaluateAll(ctx, version.Requirements, caseMsg.Facts, w.cfg.MaxWorkers)
	verdict := eval.AggregateWith(outcomes, w.cfg.ConfidenceAdjustment)
	evalMs := time.Since(evalStart).Milliseconds()

	// 3. Reconcile with the AI verdict and route escalations.
	decision := w.orchestrator.Decide(ctx, orchestrator.DecideInput{
		CaseID:      caseMsg.CaseID,
		VisaTypeID:  caseMsg.VisaTypeID,
		RuleVerdict: verdict,
		AIVerdict:   caseMsg.AIVerdict,
	})

	evaluation := &domain.Evaluation{
		ID:                  uuid.New().String(),
		CaseID:              caseMsg.CaseID,
		VisaTypeID:          caseMsg.VisaTypeID,
		RuleVersionID:       version.ID,
		Outcome:             verdict.Outcome,
		Confidence:          verdict.Confidence,
		RequirementsPassed:  verdict.RequirementsPassed,
		RequirementsTotal:   verdict.RequirementsTotal,
		MissingFacts:        verdict.MissingFacts,
		RequirementOutcomes: verdict.RequirementOutcomes,
		Conflict:            decision.Conflict,
		Escalated:           decision.Escalated,
		Timestamp:           time.Now().UTC(),
		Metadata: domain.EvaluationMetadata{
			TraceID:               caseMsg.TraceID,
			EvalMs:                evalMs,
			TotalMs:               time.Since(start).Milliseconds(),
			RequirementsEvaluated: len(outcomes),
			EngineVersion:         EngineVersion,
		},
	}

	// 4. Persist the audit record.
	if w.repo != nil {
		if err := w.repo.SaveEvaluation(ctx, evaluation); err != nil {
			slog.Error("failed to save evaluation",
				"case_id", caseMsg.CaseID,
				"error", err,
			)
		}
	}

	// 5. Publish the verdict.
	payload, _ := json.Marshal(evaluation)
	if err := w.bus.Publish(ctx, domain.TopicCaseVerdict, payload); err != nil {
		slog.Error("failed to publish verdict",
			"case_id", caseMsg.CaseID,
			"error", err,
		)
	}

	slog.Info("case evaluated",
		"case_id", caseMsg.CaseID,
		"outcome", evaluation.Outcome,
		"confidence", evaluation.Confidence,
		"escalated", evaluation.Escalated,
		"duration_ms", evaluation.Metadata.TotalMs,
	)

	return evaluation, nil
}

// Stop gracefully stops the worker.
func (w *Worker) Stop() error {
	w.cancel()

	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.subscriptions = nil

	w.wg.Wait()

	slog.Info("evaluation worker stopped")
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
	}
}
