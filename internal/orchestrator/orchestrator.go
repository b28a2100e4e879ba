// Package orchestrator reconciles the deterministic rule-engine verdict
// with the independent AI-reasoning opinion and decides whether a case needs
// human review.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/clearpath-legal/kestrel/internal/domain"
)

// DefaultEscalationThreshold is the rule-engine confidence below which a
// case is escalated even without a conflict.
const DefaultEscalationThreshold = 0.7

// Orchestrator combines verdicts and routes escalations.
type Orchestrator struct {
	// EscalationThreshold triggers review when rule confidence falls below it.
	EscalationThreshold float64

	bus    domain.EventBus
	logger *slog.Logger
}

// New creates an orchestrator with default settings. bus may be nil; then
// escalations are decided but not routed anywhere.
func New(bus domain.EventBus, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		EscalationThreshold: DefaultEscalationThreshold,
		bus:                 bus,
		logger:              logger,
	}
}

// DecideInput contains all data needed for a decision. AIVerdict is the
// opaque output of the external reasoning collaborator and may be nil when
// that collaborator produced nothing.
type DecideInput struct {
	CaseID      string
	VisaTypeID  string
	RuleVerdict domain.Verdict
	AIVerdict   *domain.AIVerdict
}

// Decide reconciles the two verdicts. A conflict is flagged when they reach
// opposite eligible / not_eligible outcomes, regardless of either side's
// confidence. Escalation fires on a conflict, on low rule confidence, or on
// a requires_review rule verdict; routing the escalation is fire-and-forget
// and never blocks or fails the decision.
func (o *Orchestrator) Decide(ctx context.Context, in DecideInput) *domain.Decision {
	d := &domain.Decision{
		CaseID:      in.CaseID,
		VisaTypeID:  in.VisaTypeID,
		RuleVerdict: in.RuleVerdict,
		AIVerdict:   in.AIVerdict,
		DecidedAt:   time.Now().UTC(),
	}

	if in.AIVerdict != nil {
		d.Conflict = opposite(in.RuleVerdict.Outcome, in.AIVerdict.Outcome)
	}

	var reasons []string
	if d.Conflict {
		reasons = append(reasons, fmt.Sprintf("rule engine says %s, AI reasoning says %s",
			in.RuleVerdict.Outcome, in.AIVerdict.Outcome))
	}
	if in.RuleVerdict.Confidence < o.EscalationThreshold {
		reasons = append(reasons, fmt.Sprintf("rule confidence %.2f below threshold %.2f",
			in.RuleVerdict.Confidence, o.EscalationThreshold))
	}
	if in.RuleVerdict.Outcome == domain.OutcomeRequiresReview {
		reasons = append(reasons, "rule verdict requires review")
	}

	if len(reasons) > 0 {
		d.Escalated = true
		d.EscalationReason = strings.Join(reasons, "; ")
		o.escalate(ctx, d)
	}

	return d
}

// escalate hands the case to the human-review collaborator via the bus.
func (o *Orchestrator) escalate(ctx context.Context, d *domain.Decision) {
	if o.bus == nil {
		return
	}

	payload, err := json.Marshal(domain.EscalationRequest{
		CaseID:     d.CaseID,
		VisaTypeID: d.VisaTypeID,
		Reason:     d.EscalationReason,
	})
	if err != nil {
		return
	}

	if err := o.bus.Publish(ctx, domain.TopicReviewEscalation, payload); err != nil {
		o.logger.Warn("failed to route escalation",
			"caseId", d.CaseID,
			"error", err)
		return
	}

	o.logger.Info("case escalated for review",
		"caseId", d.CaseID,
		"reason", d.EscalationReason)
}

// opposite reports whether the two outcomes directly contradict. A
// requires_review on either side is uncertainty, not contradiction.
func opposite(a, b domain.VerdictOutcome) bool {
	return (a == domain.OutcomeEligible && b == domain.OutcomeNotEligible) ||
		(a == domain.OutcomeNotEligible && b == domain.OutcomeEligible)
}
