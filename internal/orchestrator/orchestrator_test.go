package orchestrator

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/clearpath-legal/kestrel/internal/domain"
)

// recordingBus captures published messages.
type recordingBus struct {
	mu       sync.Mutex
	messages map[string][][]byte
}

func newRecordingBus() *recordingBus {
	return &recordingBus{messages: make(map[string][][]byte)}
}

func (b *recordingBus) Publish(ctx context.Context, topic string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.messages[topic] = append(b.messages[topic], payload)
	return nil
}

func (b *recordingBus) Subscribe(ctx context.Context, topic string, handler domain.MessageHandler) (domain.Subscription, error) {
	return nil, nil
}

func (b *recordingBus) Request(ctx context.Context, topic string, payload []byte) ([]byte, error) {
	return nil, nil
}

func (b *recordingBus) Ping(ctx context.Context) error { return nil }
func (b *recordingBus) Close() error                   { return nil }

func (b *recordingBus) escalations() [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.messages[domain.TopicReviewEscalation]
}

func verdict(outcome domain.VerdictOutcome, confidence float64) domain.Verdict {
	return domain.Verdict{
		Outcome:            outcome,
		Confidence:         confidence,
		RequirementsPassed: 3,
		RequirementsTotal:  3,
	}
}

func TestDecideAgreementNoEscalation(t *testing.T) {
	bus := newRecordingBus()
	o := New(bus, nil)

	d := o.Decide(context.Background(), DecideInput{
		CaseID:      "case-1",
		VisaTypeID:  "vt-1",
		RuleVerdict: verdict(domain.OutcomeEligible, 0.95),
		AIVerdict:   &domain.AIVerdict{Outcome: domain.OutcomeEligible, Confidence: 0.9},
	})

	if d.Conflict || d.Escalated {
		t.Errorf("decision = %+v, want no conflict and no escalation", d)
	}
	if len(bus.escalations()) != 0 {
		t.Errorf("escalation published on agreement")
	}
}

func TestDecideConflictEscalates(t *testing.T) {
	bus := newRecordingBus()
	o := New(bus, nil)

	d := o.Decide(context.Background(), DecideInput{
		CaseID:      "case-1",
		VisaTypeID:  "vt-1",
		RuleVerdict: verdict(domain.OutcomeEligible, 0.95),
		AIVerdict:   &domain.AIVerdict{Outcome: domain.OutcomeNotEligible, Confidence: 0.99},
	})

	if !d.Conflict {
		t.Fatal("opposite outcomes not flagged as conflict")
	}
	if !d.Escalated || d.EscalationReason == "" {
		t.Fatalf("conflict did not escalate: %+v", d)
	}

	escalations := bus.escalations()
	if len(escalations) != 1 {
		t.Fatalf("got %d escalation messages, want 1", len(escalations))
	}
	var req domain.EscalationRequest
	if err := json.Unmarshal(escalations[0], &req); err != nil {
		t.Fatalf("bad escalation payload: %v", err)
	}
	if req.CaseID != "case-1" || req.Reason == "" {
		t.Errorf("escalation request = %+v", req)
	}
}

func TestDecideLowConfidenceEscalates(t *testing.T) {
	bus := newRecordingBus()
	o := New(bus, nil)

	d := o.Decide(context.Background(), DecideInput{
		CaseID:      "case-1",
		RuleVerdict: verdict(domain.OutcomeEligible, 0.5),
		AIVerdict:   &domain.AIVerdict{Outcome: domain.OutcomeEligible, Confidence: 0.9},
	})

	if d.Conflict {
		t.Error("agreement flagged as conflict")
	}
	if !d.Escalated {
		t.Error("confidence below threshold did not escalate")
	}
}

func TestDecideRequiresReviewEscalates(t *testing.T) {
	o := New(newRecordingBus(), nil)

	d := o.Decide(context.Background(), DecideInput{
		CaseID:      "case-1",
		RuleVerdict: verdict(domain.OutcomeRequiresReview, 0.9),
	})

	if !d.Escalated {
		t.Error("requires_review verdict did not escalate")
	}
}

func TestDecideReviewOutcomeIsNotConflict(t *testing.T) {
	o := New(newRecordingBus(), nil)

	d := o.Decide(context.Background(), DecideInput{
		CaseID:      "case-1",
		RuleVerdict: verdict(domain.OutcomeNotEligible, 0.9),
		AIVerdict:   &domain.AIVerdict{Outcome: domain.OutcomeRequiresReview, Confidence: 0.4},
	})

	if d.Conflict {
		t.Error("requires_review vs not_eligible flagged as conflict")
	}
}

func TestDecideWithoutAIVerdict(t *testing.T) {
	o := New(newRecordingBus(), nil)

	d := o.Decide(context.Background(), DecideInput{
		CaseID:      "case-1",
		RuleVerdict: verdict(domain.OutcomeEligible, 0.95),
	})

	if d.Conflict || d.Escalated {
		t.Errorf("decision = %+v, want clean pass without AI verdict", d)
	}
	if d.AIVerdict != nil {
		t.Error("AIVerdict should stay nil")
	}
}

func TestDecideThresholdBoundary(t *testing.T) {
	o := New(nil, nil)

	// Exactly at the threshold is not below it.
	d := o.Decide(context.Background(), DecideInput{
		RuleVerdict: verdict(domain.OutcomeEligible, DefaultEscalationThreshold),
	})
	if d.Escalated {
		t.Error("confidence equal to threshold escalated")
	}
}
